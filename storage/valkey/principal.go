package valkey

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/skylens/trustcore/storage"
)

// ============================================================
// PrincipalStore Implementation
// ============================================================

// SavePrincipal creates or updates a principal. Principals have no TTL;
// they are soft-disabled rather than deleted so audit references stay
// resolvable.
func (s *Store) SavePrincipal(ctx context.Context, p *storage.Principal) error {
	if p == nil || p.ID == "" {
		return fmt.Errorf("invalid principal")
	}
	if err := validateIDLength(p.ID, "principal ID"); err != nil {
		return err
	}
	if err := validateIDLength(p.Ref, "principal ref"); err != nil {
		return err
	}

	data, err := json.Marshal(toPrincipalJSON(p))
	if err != nil {
		return fmt.Errorf("failed to marshal principal: %w", err)
	}

	key := s.principalKey(p.ID)
	if err := s.client.Do(ctx, s.client.B().Set().Key(key).Value(string(data)).Build()).Error(); err != nil {
		return fmt.Errorf("failed to save principal: %w", err)
	}

	// Reverse lookup by login identifier
	if p.Ref != "" {
		refKey := s.principalRefKey(p.Ref)
		if err := s.client.Do(ctx, s.client.B().Set().Key(refKey).Value(p.ID).Build()).Error(); err != nil {
			return fmt.Errorf("failed to save principal ref lookup: %w", err)
		}
	}

	s.logger.Debug("Saved principal", "principal_id", p.ID)
	return nil
}

// GetPrincipal retrieves a principal by stable ID
func (s *Store) GetPrincipal(ctx context.Context, id string) (*storage.Principal, error) {
	return getAndUnmarshal(ctx, s, s.principalKey(id), storage.ErrPrincipalNotFound, fromPrincipalJSON)
}

// GetPrincipalByRef retrieves a principal by login identifier
func (s *Store) GetPrincipalByRef(ctx context.Context, ref string) (*storage.Principal, error) {
	refKey := s.principalRefKey(ref)

	id, err := s.client.Do(ctx, s.client.B().Get().Key(refKey).Build()).ToString()
	if err != nil {
		if isNilError(err) {
			// Generic error to prevent principal enumeration
			return nil, storage.ErrPrincipalNotFound
		}
		return nil, fmt.Errorf("failed to get principal ref lookup: %w", err)
	}

	return s.GetPrincipal(ctx, id)
}
