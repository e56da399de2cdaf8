// Package redisstore holds the Redis-backed ephemeral state: MFA sessions
// that must expire on their own and support atomic attempt accounting.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"biolinq.io/internal/identity"
)

const (
	sessionKeyPrefix = "mfa:session:"
	// txRetries bounds optimistic-lock retries under contention.
	txRetries = 5
)

// MfaSessionStore keeps MFA sessions as JSON values under a TTL. Attempt
// decrements run inside WATCH/MULTI so concurrent wrong guesses can never
// exceed the ceiling.
type MfaSessionStore struct {
	rdb *redis.Client
}

func NewMfaSessionStore(rdb *redis.Client) *MfaSessionStore {
	return &MfaSessionStore{rdb: rdb}
}

func (s *MfaSessionStore) Save(ctx context.Context, sess *identity.MfaSession, ttl time.Duration) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("marshal mfa session: %w", err)
	}
	return s.rdb.Set(ctx, sessionKeyPrefix+sess.ID, data, ttl).Err()
}

func (s *MfaSessionStore) Get(ctx context.Context, id string) (*identity.MfaSession, error) {
	data, err := s.rdb.Get(ctx, sessionKeyPrefix+id).Bytes()
	if err == redis.Nil {
		return nil, identity.ErrMfaSessionExpired
	}
	if err != nil {
		return nil, err
	}
	var sess identity.MfaSession
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, fmt.Errorf("unmarshal mfa session: %w", err)
	}
	return &sess, nil
}

func (s *MfaSessionStore) Delete(ctx context.Context, id string) (bool, error) {
	n, err := s.rdb.Del(ctx, sessionKeyPrefix+id).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Fail decrements the attempt counter transactionally. The session is
// deleted when the counter reaches zero, so an exhausted session cannot be
// retried even with the right code.
func (s *MfaSessionStore) Fail(ctx context.Context, id string) (int, error) {
	key := sessionKeyPrefix + id
	var remaining int

	txf := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if err == redis.Nil {
			return identity.ErrMfaSessionExpired
		}
		if err != nil {
			return err
		}
		var sess identity.MfaSession
		if err := json.Unmarshal(data, &sess); err != nil {
			return fmt.Errorf("unmarshal mfa session: %w", err)
		}
		sess.AttemptsRemaining--
		remaining = sess.AttemptsRemaining

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if sess.AttemptsRemaining <= 0 {
				pipe.Del(ctx, key)
				return nil
			}
			updated, err := json.Marshal(&sess)
			if err != nil {
				return err
			}
			pipe.Set(ctx, key, updated, redis.KeepTTL)
			return nil
		})
		return err
	}

	for i := 0; i < txRetries; i++ {
		err := s.rdb.Watch(ctx, txf, key)
		if err == nil {
			return remaining, nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return 0, err
	}
	return 0, fmt.Errorf("mfa session %s: transaction contention", id)
}

// UpdateEmailCode swaps the stored code hash and resend timestamp without
// touching the attempt counter or the TTL.
func (s *MfaSessionStore) UpdateEmailCode(ctx context.Context, id, codeHash string, at time.Time) error {
	key := sessionKeyPrefix + id

	txf := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if err == redis.Nil {
			return identity.ErrMfaSessionExpired
		}
		if err != nil {
			return err
		}
		var sess identity.MfaSession
		if err := json.Unmarshal(data, &sess); err != nil {
			return fmt.Errorf("unmarshal mfa session: %w", err)
		}
		sess.EmailCodeHash = codeHash
		sess.LastResendAt = at.Unix()

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			updated, err := json.Marshal(&sess)
			if err != nil {
				return err
			}
			pipe.Set(ctx, key, updated, redis.KeepTTL)
			return nil
		})
		return err
	}

	for i := 0; i < txRetries; i++ {
		err := s.rdb.Watch(ctx, txf, key)
		if err == nil {
			return nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return fmt.Errorf("mfa session %s: transaction contention", id)
}
