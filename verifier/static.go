// Package verifier provides CredentialVerifier implementations.
package verifier

import (
	"context"
	"fmt"
)

// Static is a map-based credential verifier for testing and simple
// deployments. It resolves opaque tokens to user IDs from an in-memory
// map. Safe for concurrent use (read-only after creation).
type Static struct {
	tokens map[string]string
}

// NewStatic creates a Static verifier from a map of token to user ID.
// The map is copied to prevent external mutation.
func NewStatic(tokens map[string]string) *Static {
	m := make(map[string]string, len(tokens))
	for k, v := range tokens {
		m[k] = v
	}
	return &Static{tokens: m}
}

// Verify resolves a token to a user ID.
func (s *Static) Verify(_ context.Context, token string) (string, error) {
	userID, ok := s.tokens[token]
	if !ok {
		return "", fmt.Errorf("unknown credential")
	}
	return userID, nil
}
