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
	challengeKeyPrefix = "mfa:challenge"

	// Expired and rate-limited challenge records are kept past expiry so
	// repeated attempts receive a stable answer instead of not-found.
	// Verified challenges are deleted on consumption.
	terminalChallengeGrace = 15 * time.Minute
)

var (
	errChallengeNotFound = errors.New("mfa challenge not found")
	errChallengeBackend  = errors.New("mfa challenge backend unavailable")
)

// mfaChallenge is the persisted challenge record. Only the sha256 digest of
// the code is stored; the raw code lives solely in the delivery side-channel.
type mfaChallenge struct {
	ID                string          `json:"id"`
	UserID            string          `json:"user_id"`
	MethodID          string          `json:"method_id"`
	MethodType        MethodType      `json:"method_type"`
	Status            ChallengeStatus `json:"status"`
	CodeDigest        string          `json:"code_digest,omitempty"`
	MaskedDestination string          `json:"masked_destination,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
	ExpiresAt         time.Time       `json:"expires_at"`
	AttemptsRemaining int             `json:"attempts_remaining"`
	// Setup challenges verify a new method instead of a login.
	Setup bool `json:"setup,omitempty"`
	// PendingLogin links the challenge to a held token bundle.
	PendingLogin bool `json:"pending_login,omitempty"`
}

func (c *mfaChallenge) descriptor() *ChallengeDescriptor {
	return &ChallengeDescriptor{
		ChallengeID:       c.ID,
		MethodID:          c.MethodID,
		MethodType:        c.MethodType,
		Status:            c.Status,
		MaskedDestination: c.MaskedDestination,
		ExpiresAt:         c.ExpiresAt,
		AttemptsRemaining: c.AttemptsRemaining,
	}
}

type challengeStore struct {
	cache *cache.Gateway
}

func newChallengeStore(gw *cache.Gateway) *challengeStore {
	return &challengeStore{cache: gw}
}

func (s *challengeStore) key(challengeID string) string {
	return s.cache.Key(challengeKeyPrefix, challengeID)
}

// Save persists the challenge for its lifetime plus the terminal grace
// window.
func (s *challengeStore) Save(ctx context.Context, record *mfaChallenge) error {
	ttl := time.Until(record.ExpiresAt) + terminalChallengeGrace
	if ttl <= 0 {
		ttl = terminalChallengeGrace
	}
	if err := s.cache.SetJSON(ctx, s.key(record.ID), record, ttl); err != nil {
		return fmt.Errorf("%w: %v", errChallengeBackend, err)
	}
	return nil
}

// Get loads the challenge. Pending records past their expiry are surfaced
// with status expired; the engine never sees a stale pending state.
func (s *challengeStore) Get(ctx context.Context, challengeID string) (*mfaChallenge, error) {
	var record mfaChallenge
	err := s.cache.GetJSON(ctx, s.key(challengeID), &record)
	if err != nil {
		if errors.Is(err, cache.ErrMiss) {
			return nil, errChallengeNotFound
		}
		return nil, fmt.Errorf("%w: %v", errChallengeBackend, err)
	}
	if record.Status == ChallengePending && time.Now().After(record.ExpiresAt) {
		record.Status = ChallengeExpired
	}
	return &record, nil
}

// RecordFailure charges one failed attempt against a pending challenge using
// an optimistic transaction, so concurrent wrong guesses cannot double-spend
// the budget. When the budget reaches zero the record transitions to
// rate_limited and is kept for the grace window. Returns the post-failure
// record.
func (s *challengeStore) RecordFailure(ctx context.Context, challengeID string) (*mfaChallenge, error) {
	key := s.key(challengeID)
	var updated mfaChallenge

	err := s.cache.Watch(ctx, func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if err != nil {
			return err
		}
		if err := json.Unmarshal(data, &updated); err != nil {
			return err
		}

		if updated.Status == ChallengePending && time.Now().After(updated.ExpiresAt) {
			updated.Status = ChallengeExpired
		}
		if updated.Status != ChallengePending {
			// Terminal record stays as-is; nothing to charge.
			return nil
		}

		updated.AttemptsRemaining--
		if updated.AttemptsRemaining <= 0 {
			updated.AttemptsRemaining = 0
			updated.Status = ChallengeRateLimited
		}

		encoded, err := json.Marshal(&updated)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, encoded, terminalTTL(updated.ExpiresAt))
			return nil
		})
		return err
	}, key)

	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, errChallengeNotFound
		}
		return nil, fmt.Errorf("%w: %v", errChallengeBackend, err)
	}
	return &updated, nil
}

// Consume transitions a pending challenge to verified and deletes the
// record in the same transaction, so the challenge can never pass twice.
// Any other starting state is reported back unchanged so the caller can
// map it.
func (s *challengeStore) Consume(ctx context.Context, challengeID string) (*mfaChallenge, error) {
	key := s.key(challengeID)
	var updated mfaChallenge

	err := s.cache.Watch(ctx, func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if err != nil {
			return err
		}
		if err := json.Unmarshal(data, &updated); err != nil {
			return err
		}

		if updated.Status == ChallengePending && time.Now().After(updated.ExpiresAt) {
			updated.Status = ChallengeExpired
		}
		if updated.Status != ChallengePending {
			return nil
		}

		updated.Status = ChallengeVerified
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, key)
			return nil
		})
		return err
	}, key)

	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, errChallengeNotFound
		}
		return nil, fmt.Errorf("%w: %v", errChallengeBackend, err)
	}
	return &updated, nil
}

func terminalTTL(expiresAt time.Time) time.Duration {
	ttl := time.Until(expiresAt) + terminalChallengeGrace
	if ttl < terminalChallengeGrace {
		ttl = terminalChallengeGrace
	}
	return ttl
}
