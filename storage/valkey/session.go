package valkey

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/skylens/trustcore/storage"
)

// ============================================================
// TokenStore Implementation
// ============================================================

// SaveSessionToken saves a newly issued session token. The token record,
// its secret-hash lookup, and its entry in the per-principal index all
// carry a TTL derived from the token lifetime so expired tokens age out
// without a sweeper.
func (s *Store) SaveSessionToken(ctx context.Context, token *storage.SessionToken) error {
	if token == nil || token.ID == "" || token.SecretHash == "" {
		return fmt.Errorf("invalid session token")
	}
	if err := validateIDLength(token.ID, "token ID"); err != nil {
		return err
	}

	data, err := json.Marshal(toSessionTokenJSON(token))
	if err != nil {
		return fmt.Errorf("failed to marshal session token: %w", err)
	}

	ttl := calculateTTL(token.ExpiresAt)
	if ttl <= 0 {
		return fmt.Errorf("session token already expired")
	}

	key := s.sessionKey(token.ID)
	if err := s.client.Do(ctx,
		s.client.B().Set().Key(key).Value(string(data)).Ex(ttl).Build(),
	).Error(); err != nil {
		return fmt.Errorf("failed to save session token: %w", err)
	}

	// Reverse lookup by secret hash; validation presents the secret, not the ID.
	secretKey := s.sessionSecretKey(token.SecretHash)
	if err := s.client.Do(ctx,
		s.client.B().Set().Key(secretKey).Value(token.ID).Ex(ttl).Build(),
	).Error(); err != nil {
		return fmt.Errorf("failed to save session secret lookup: %w", err)
	}

	// Per-principal index for bulk revocation
	indexKey := s.principalSessionsKey(token.PrincipalID)
	if err := s.client.Do(ctx,
		s.client.B().Sadd().Key(indexKey).Member(token.ID).Build(),
	).Error(); err != nil {
		return fmt.Errorf("failed to index session token: %w", err)
	}
	if err := s.client.Do(ctx,
		s.client.B().Expire().Key(indexKey).Seconds(int64((ttl + sessionIndexSlack).Seconds())).Build(),
	).Error(); err != nil {
		s.logger.Warn("Failed to set TTL on session index",
			"principal_id", token.PrincipalID,
			"error", err)
	}

	s.logger.Debug("Saved session token",
		"token_id_prefix", safeTruncate(token.ID, tokenIDLogLength),
		"principal_id", token.PrincipalID)
	return nil
}

// GetSessionToken retrieves a session token by ID
func (s *Store) GetSessionToken(ctx context.Context, tokenID string) (*storage.SessionToken, error) {
	return getAndUnmarshal(ctx, s, s.sessionKey(tokenID), storage.ErrTokenNotFound, fromSessionTokenJSON)
}

// GetSessionTokenBySecretHash retrieves a session token by the hash of its
// secret. The not-found error is the same as for an expired token so callers
// cannot distinguish the two from storage alone.
func (s *Store) GetSessionTokenBySecretHash(ctx context.Context, secretHash string) (*storage.SessionToken, error) {
	secretKey := s.sessionSecretKey(secretHash)

	tokenID, err := s.client.Do(ctx, s.client.B().Get().Key(secretKey).Build()).ToString()
	if err != nil {
		if isNilError(err) {
			return nil, storage.ErrTokenNotFound
		}
		return nil, fmt.Errorf("failed to get session secret lookup: %w", err)
	}

	return s.GetSessionToken(ctx, tokenID)
}

// MarkRevoked adds a token to the revocation set. The marker's TTL covers
// the remaining token lifetime (with a floor for already-expired tokens) so
// the set does not grow without bound. Marking an already-revoked or unknown
// token succeeds silently.
func (s *Store) MarkRevoked(ctx context.Context, tokenID string, expiresAt time.Time) error {
	if err := validateIDLength(tokenID, "token ID"); err != nil {
		return err
	}

	ttl := calculateTTL(expiresAt)
	if ttl < minRevocationMarkerTTL {
		ttl = minRevocationMarkerTTL
	}

	markerKey := s.revokedKey(tokenID)
	if err := s.client.Do(ctx,
		s.client.B().Set().Key(markerKey).Value("1").Ex(ttl).Build(),
	).Error(); err != nil {
		return fmt.Errorf("failed to mark token revoked: %w", err)
	}

	// Best-effort status flip on the stored record. The marker alone is
	// authoritative for IsRevoked; this keeps reads of the record consistent.
	token, err := s.GetSessionToken(ctx, tokenID)
	if err == nil && token.Status != storage.TokenRevoked {
		token.Status = storage.TokenRevoked
		data, err := json.Marshal(toSessionTokenJSON(token))
		if err == nil {
			if err := s.client.Do(ctx,
				s.client.B().Set().Key(s.sessionKey(tokenID)).Value(string(data)).Keepttl().Build(),
			).Error(); err != nil {
				s.logger.Warn("Failed to update revoked token status",
					"token_id_prefix", safeTruncate(tokenID, tokenIDLogLength),
					"error", err)
			}
		}
	}

	s.logger.Debug("Marked token revoked",
		"token_id_prefix", safeTruncate(tokenID, tokenIDLogLength))
	return nil
}

// IsRevoked reports whether a token is in the revocation set
func (s *Store) IsRevoked(ctx context.Context, tokenID string) (bool, error) {
	exists, err := s.client.Do(ctx,
		s.client.B().Exists().Key(s.revokedKey(tokenID)).Build(),
	).AsInt64()
	if err != nil {
		return false, fmt.Errorf("failed to check revocation marker: %w", err)
	}
	return exists > 0, nil
}

// RevokeAllForPrincipal revokes every live token of one principal and
// returns the number of tokens revoked. Tokens that already expired (their
// record aged out) are skipped as inert.
func (s *Store) RevokeAllForPrincipal(ctx context.Context, principalID string) (int, error) {
	indexKey := s.principalSessionsKey(principalID)

	tokenIDs, err := s.client.Do(ctx,
		s.client.B().Smembers().Key(indexKey).Build(),
	).AsStrSlice()
	if err != nil {
		if isNilError(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to list principal sessions: %w", err)
	}

	revoked := 0
	for _, tokenID := range tokenIDs {
		token, err := s.GetSessionToken(ctx, tokenID)
		if err != nil {
			if errors.Is(err, storage.ErrTokenNotFound) {
				continue // record aged out, nothing to revoke
			}
			return revoked, err
		}
		if token.Status == storage.TokenRevoked {
			continue
		}
		if err := s.MarkRevoked(ctx, tokenID, token.ExpiresAt); err != nil {
			return revoked, err
		}
		revoked++
	}

	s.logger.Info("Revoked all sessions for principal",
		"principal_id", principalID,
		"revoked_count", revoked)
	return revoked, nil
}
