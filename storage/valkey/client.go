package valkey

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	valkeygo "github.com/valkey-io/valkey-go"

	"github.com/giantswarm/oidc-authz/storage"
)

// Clients are JSON strings under client:<id>. The clients set indexes their
// IDs so listing never has to SCAN the keyspace.

func (s *Store) clientIndexKey() string {
	return s.prefix + "clients"
}

// SaveClient implements storage.ClientStore
func (s *Store) SaveClient(ctx context.Context, client *storage.Client) error {
	if client == nil {
		return fmt.Errorf("invalid client")
	}
	if err := validateLength(client.ClientID, MaxIDLength, "client_id"); err != nil {
		return err
	}

	data, err := json.Marshal(toClientJSON(client))
	if err != nil {
		return fmt.Errorf("failed to marshal client: %w", err)
	}

	cmds := valkeygo.Commands{
		s.client.B().Set().Key(s.clientKey(client.ClientID)).Value(string(data)).Build(),
		s.client.B().Sadd().Key(s.clientIndexKey()).Member(client.ClientID).Build(),
	}
	for _, resp := range s.client.DoMulti(ctx, cmds...) {
		if err := resp.Error(); err != nil {
			return fmt.Errorf("failed to save client: %w", err)
		}
	}

	s.logger.Debug("Saved client", "client_id", client.ClientID)
	return nil
}

// GetClient implements storage.ClientStore
func (s *Store) GetClient(ctx context.Context, clientID string) (*storage.Client, error) {
	if len(clientID) > MaxIDLength {
		return nil, storage.ErrClientNotFound
	}
	j, err := getJSON[clientJSON](ctx, s, s.clientKey(clientID), storage.ErrClientNotFound)
	if err != nil {
		return nil, err
	}
	return fromClientJSON(j), nil
}

// ListClients returns every indexed client sorted by ID. Index entries whose
// record is gone are pruned.
func (s *Store) ListClients(ctx context.Context) ([]*storage.Client, error) {
	ids, err := s.client.Do(ctx, s.client.B().Smembers().Key(s.clientIndexKey()).Build()).AsStrSlice()
	if err != nil {
		return nil, fmt.Errorf("failed to read client index: %w", err)
	}
	if len(ids) == 0 {
		return []*storage.Client{}, nil
	}

	// One GET per key: client keys hash to different slots, so a cluster
	// would reject a single MGET.
	cmds := make(valkeygo.Commands, len(ids))
	for i, id := range ids {
		cmds[i] = s.client.B().Get().Key(s.clientKey(id)).Build()
	}

	clients := make([]*storage.Client, 0, len(ids))
	var stale []string
	for i, resp := range s.client.DoMulti(ctx, cmds...) {
		data, err := resp.ToString()
		if err != nil {
			if isNilError(err) {
				stale = append(stale, ids[i])
				continue
			}
			return nil, fmt.Errorf("failed to load client %s: %w", ids[i], err)
		}
		var j clientJSON
		if err := json.Unmarshal([]byte(data), &j); err != nil {
			s.logger.Warn("Skipping unreadable client record", "client_id", ids[i], "error", err)
			continue
		}
		clients = append(clients, fromClientJSON(&j))
	}

	if len(stale) > 0 {
		if err := s.client.Do(ctx, s.client.B().Srem().Key(s.clientIndexKey()).Member(stale...).Build()).Error(); err != nil {
			s.logger.Warn("Failed to prune client index", "error", err)
		}
	}

	sort.Slice(clients, func(i, j int) bool { return clients[i].ClientID < clients[j].ClientID })
	return clients, nil
}

// DeleteClient implements storage.ClientStore
func (s *Store) DeleteClient(ctx context.Context, clientID string) error {
	cmds := valkeygo.Commands{
		s.client.B().Del().Key(s.clientKey(clientID)).Build(),
		s.client.B().Srem().Key(s.clientIndexKey()).Member(clientID).Build(),
	}
	for _, resp := range s.client.DoMulti(ctx, cmds...) {
		if err := resp.Error(); err != nil {
			return fmt.Errorf("failed to delete client: %w", err)
		}
	}
	s.logger.Debug("Deleted client", "client_id", clientID)
	return nil
}
