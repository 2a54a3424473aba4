package keys

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/giantswarm/oidc-authz/security"
)

// MemoryStore keeps keys in process memory. Keys are lost on restart, which
// invalidates every issued token.
type MemoryStore struct {
	mu   sync.Mutex
	keys []*Key
}

// NewMemoryStore returns an empty in-memory key store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// LoadKeys implements Store
func (s *MemoryStore) LoadKeys(_ context.Context) ([]*Key, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Key(nil), s.keys...), nil
}

// SaveKeys implements Store
func (s *MemoryStore) SaveKeys(_ context.Context, keys []*Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys = append([]*Key(nil), keys...)
	return nil
}

// FileStore persists keys as a JSON document on disk. Private keys are PEM
// encoded and, when an encryptor is configured, sealed with AES-GCM using the
// key ID as additional data.
type FileStore struct {
	path      string
	encryptor *security.Encryptor
	mu        sync.Mutex
}

// NewFileStore returns a store writing to path. encryptor may be nil.
func NewFileStore(path string, encryptor *security.Encryptor) *FileStore {
	return &FileStore{path: path, encryptor: encryptor}
}

type fileKey struct {
	KeyID      string    `json:"kid"`
	PrivateKey []byte    `json:"private_key"`
	Encrypted  bool      `json:"encrypted,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	RetiredAt  time.Time `json:"retired_at,omitzero"`
	ExpiresAt  time.Time `json:"expires_at,omitzero"`
}

type fileDocument struct {
	Keys []fileKey `json:"keys"`
}

// LoadKeys implements Store. A missing file yields no keys.
func (s *FileStore) LoadKeys(_ context.Context) ([]*Key, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return []*Key{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read key file: %w", err)
	}

	var doc fileDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse key file: %w", err)
	}

	keys := make([]*Key, 0, len(doc.Keys))
	for _, fk := range doc.Keys {
		pemBytes := fk.PrivateKey
		if fk.Encrypted {
			if !s.encryptor.IsEnabled() {
				return nil, fmt.Errorf("key %s is encrypted but no encryption key is configured", fk.KeyID)
			}
			pemBytes, err = s.encryptor.Open(fk.PrivateKey, []byte(fk.KeyID))
			if err != nil {
				return nil, fmt.Errorf("failed to decrypt key %s: %w", fk.KeyID, err)
			}
		}

		priv, err := parsePrivateKey(pemBytes)
		if err != nil {
			return nil, fmt.Errorf("key %s: %w", fk.KeyID, err)
		}
		keys = append(keys, &Key{
			ID:        fk.KeyID,
			Private:   priv,
			CreatedAt: fk.CreatedAt,
			RetiredAt: fk.RetiredAt,
			ExpiresAt: fk.ExpiresAt,
		})
	}
	return keys, nil
}

// SaveKeys implements Store. The file is replaced atomically with mode 0600.
func (s *FileStore) SaveKeys(_ context.Context, keys []*Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc := fileDocument{Keys: make([]fileKey, 0, len(keys))}
	for _, k := range keys {
		der, err := x509.MarshalPKCS8PrivateKey(k.Private)
		if err != nil {
			return fmt.Errorf("failed to marshal key %s: %w", k.ID, err)
		}
		pemBytes := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})

		fk := fileKey{
			KeyID:      k.ID,
			PrivateKey: pemBytes,
			CreatedAt:  k.CreatedAt,
			RetiredAt:  k.RetiredAt,
			ExpiresAt:  k.ExpiresAt,
		}
		if s.encryptor.IsEnabled() {
			sealed, err := s.encryptor.Seal(pemBytes, []byte(k.ID))
			if err != nil {
				return fmt.Errorf("failed to encrypt key %s: %w", k.ID, err)
			}
			fk.PrivateKey = sealed
			fk.Encrypted = true
		}
		doc.Keys = append(doc.Keys, fk)
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode key file: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("failed to create key directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".keys-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp key file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if err := tmp.Chmod(0o600); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to set key file mode: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to write key file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to sync key file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close key file: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("failed to replace key file: %w", err)
	}
	return nil
}

func parsePrivateKey(pemBytes []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, fmt.Errorf("no PEM block found")
	}

	switch block.Type {
	case "PRIVATE KEY":
		parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse PKCS#8 key: %w", err)
		}
		priv, ok := parsed.(*rsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("key is not RSA")
		}
		return priv, nil
	case "RSA PRIVATE KEY":
		priv, err := x509.ParsePKCS1PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse PKCS#1 key: %w", err)
		}
		return priv, nil
	default:
		return nil, fmt.Errorf("unexpected PEM block %q", block.Type)
	}
}
