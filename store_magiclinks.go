package authrelay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/authrelay/authrelay/cache"
)

const (
	linkKeyPrefix        = "ml:link"
	linkTokenKeyPrefix   = "ml:token"
	linkPendingKeyPrefix = "ml:pending"

	// Redeemed and revoked links remain readable for the grace window so a
	// second redemption reports already-used instead of expired.
	linkTerminalGrace = 24 * time.Hour
)

var (
	errLinkNotFound = errors.New("magic link not found")
	errLinkBackend  = errors.New("magic link backend unavailable")
)

// magicLinkStore persists link records under three keys: the record by ID,
// a token-digest index for redemption lookup, and a per-email pending
// pointer that enforces at most one outstanding link per address.
type magicLinkStore struct {
	cache *cache.Gateway
}

func newMagicLinkStore(gw *cache.Gateway) *magicLinkStore {
	return &magicLinkStore{cache: gw}
}

func (s *magicLinkStore) key(linkID string) string {
	return s.cache.Key(linkKeyPrefix, linkID)
}

func (s *magicLinkStore) tokenKey(digest string) string {
	return s.cache.Key(linkTokenKeyPrefix, digest)
}

func (s *magicLinkStore) pendingKey(email string) string {
	return s.cache.Key(linkPendingKeyPrefix, email)
}

// Save persists a freshly generated link, its token-digest index, and the
// pending pointer for its email.
func (s *magicLinkStore) Save(ctx context.Context, link *MagicLink, tokenDigest string) error {
	ttl := time.Until(link.ExpiresAt) + linkTerminalGrace
	if ttl <= 0 {
		ttl = linkTerminalGrace
	}
	if err := s.cache.SetJSON(ctx, s.key(link.ID), link, ttl); err != nil {
		return fmt.Errorf("%w: %v", errLinkBackend, err)
	}
	if err := s.cache.SetString(ctx, s.tokenKey(tokenDigest), link.ID, ttl); err != nil {
		return fmt.Errorf("%w: %v", errLinkBackend, err)
	}
	if link.Status == LinkPending {
		if err := s.cache.SetString(ctx, s.pendingKey(link.Email), link.ID, time.Until(link.ExpiresAt)); err != nil {
			return fmt.Errorf("%w: %v", errLinkBackend, err)
		}
	}
	return nil
}

func (s *magicLinkStore) Get(ctx context.Context, linkID string) (*MagicLink, error) {
	var link MagicLink
	err := s.cache.GetJSON(ctx, s.key(linkID), &link)
	if err != nil {
		if errors.Is(err, cache.ErrMiss) {
			return nil, errLinkNotFound
		}
		return nil, fmt.Errorf("%w: %v", errLinkBackend, err)
	}
	if link.Status == LinkPending && time.Now().After(link.ExpiresAt) {
		link.Status = LinkExpired
	}
	return &link, nil
}

// GetByTokenDigest resolves a raw-token digest to its link. Unknown digests
// return errLinkNotFound; the engine reports that as expired so redemption
// never leaks whether a token ever existed.
func (s *magicLinkStore) GetByTokenDigest(ctx context.Context, digest string) (*MagicLink, error) {
	linkID, err := s.cache.GetString(ctx, s.tokenKey(digest))
	if err != nil {
		if errors.Is(err, cache.ErrMiss) {
			return nil, errLinkNotFound
		}
		return nil, fmt.Errorf("%w: %v", errLinkBackend, err)
	}
	return s.Get(ctx, linkID)
}

// PendingForEmail returns the ID of the email's outstanding pending link,
// or "" when there is none.
func (s *magicLinkStore) PendingForEmail(ctx context.Context, email string) (string, error) {
	linkID, err := s.cache.GetString(ctx, s.pendingKey(email))
	if err != nil {
		if errors.Is(err, cache.ErrMiss) {
			return "", nil
		}
		return "", fmt.Errorf("%w: %v", errLinkBackend, err)
	}
	return linkID, nil
}

// Transition moves a pending link to a terminal status inside an optimistic
// transaction. A link that already left pending is returned unchanged with
// transitioned false, so exactly one concurrent redeemer wins. The email's
// pending pointer is cleared when it still names this link.
func (s *magicLinkStore) Transition(ctx context.Context, linkID string, to LinkStatus) (link *MagicLink, transitioned bool, err error) {
	key := s.key(linkID)
	var updated MagicLink

	err = s.cache.Watch(ctx, func(tx *redis.Tx) error {
		transitioned = false
		data, err := tx.Get(ctx, key).Bytes()
		if err != nil {
			return err
		}
		if err := json.Unmarshal(data, &updated); err != nil {
			return err
		}

		if updated.Status == LinkPending && time.Now().After(updated.ExpiresAt) {
			updated.Status = LinkExpired
		}
		if updated.Status != LinkPending {
			return nil
		}

		updated.Status = to
		transitioned = true
		if to == LinkUsed {
			now := time.Now().UTC()
			updated.UsedAt = &now
		}

		encoded, err := json.Marshal(&updated)
		if err != nil {
			return err
		}
		ttl := time.Until(updated.ExpiresAt) + linkTerminalGrace
		if ttl < linkTerminalGrace {
			ttl = linkTerminalGrace
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, encoded, ttl)
			return nil
		})
		return err
	}, key)

	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, errLinkNotFound
		}
		return nil, false, fmt.Errorf("%w: %v", errLinkBackend, err)
	}

	// Clear the pending pointer if it still names this link.
	pendingID, perr := s.PendingForEmail(ctx, updated.Email)
	if perr == nil && pendingID == linkID {
		_ = s.cache.Delete(ctx, s.pendingKey(updated.Email))
	}

	return &updated, transitioned, nil
}
