// Package util provides common utility functions used across the oidc-authz module.
//
// This package contains helpers for string manipulation, scope lists, and
// redirect targets that don't fit into domain-specific packages.
//
// Key utilities:
//   - SafeTruncate: Safely truncates strings for logging sensitive data
//   - ParseScope / FormatScope: Convert between scope strings and scope lists
//   - IsLocalPath: Checks that a post-login redirect stays on this server
package util
