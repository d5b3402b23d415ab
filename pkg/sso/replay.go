package sso

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// ReplayGuard records consumed SAML assertion IDs and OIDC nonces so a
// second presentation of the same value is rejected. The store is shared
// across instances; correctness under concurrent duplicate submissions
// comes from the backing store's atomic check-and-set, not from any
// in-process lock.
type ReplayGuard interface {
	// MarkConsumed records id for the given kind. It returns true when
	// this call was the first to consume the id, false when the id was
	// already consumed (a replay).
	MarkConsumed(ctx context.Context, kind, id string, ttl time.Duration) (bool, error)
}

// AuthnRequestStore tracks in-flight SP-initiated SAML logins keyed by
// AuthnRequest ID.
type AuthnRequestStore interface {
	// Put records a freshly issued AuthnRequest with a bounded TTL.
	Put(ctx context.Context, rec *AuthnRequestRecord, ttl time.Duration) error
	// Consume atomically fetches and deletes the record for requestID.
	// A missing record (unknown, expired, or already consumed) returns
	// ErrInvalidSession; exactly one of two concurrent consumers wins.
	Consume(ctx context.Context, requestID string) (*AuthnRequestRecord, error)
}

const (
	replayKeyPrefix = "skyhook:replay:"
	authnKeyPrefix  = "skyhook:authnreq:"
)

// RedisReplayGuard implements ReplayGuard on Redis. SET NX with a TTL is
// the atomic first-writer-wins primitive; entries expire with the
// assertion's validity window and need no explicit purge.
type RedisReplayGuard struct {
	client *redis.Client
}

// NewRedisReplayGuard creates a Redis-backed replay guard.
func NewRedisReplayGuard(client *redis.Client) *RedisReplayGuard {
	return &RedisReplayGuard{client: client}
}

// MarkConsumed implements ReplayGuard.
func (g *RedisReplayGuard) MarkConsumed(ctx context.Context, kind, id string, ttl time.Duration) (bool, error) {
	if id == "" {
		return false, fmt.Errorf("replay guard: empty id")
	}
	first, err := g.client.SetNX(ctx, replayKeyPrefix+kind+":"+id, 1, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("replay guard: %w", err)
	}
	return first, nil
}

// RedisAuthnRequestStore implements AuthnRequestStore on Redis using
// GETDEL for atomic read-and-delete.
type RedisAuthnRequestStore struct {
	client *redis.Client
}

// NewRedisAuthnRequestStore creates a Redis-backed AuthnRequest store.
func NewRedisAuthnRequestStore(client *redis.Client) *RedisAuthnRequestStore {
	return &RedisAuthnRequestStore{client: client}
}

// Put implements AuthnRequestStore.
func (s *RedisAuthnRequestStore) Put(ctx context.Context, rec *AuthnRequestRecord, ttl time.Duration) error {
	if rec.RequestID == "" {
		return fmt.Errorf("authn request store: empty request ID")
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("authn request store: %w", err)
	}
	if err := s.client.Set(ctx, authnKeyPrefix+rec.RequestID, data, ttl).Err(); err != nil {
		return fmt.Errorf("authn request store: %w", err)
	}
	return nil
}

// Consume implements AuthnRequestStore.
func (s *RedisAuthnRequestStore) Consume(ctx context.Context, requestID string) (*AuthnRequestRecord, error) {
	if requestID == "" {
		return nil, ErrInvalidSession
	}

	data, err := s.client.GetDel(ctx, authnKeyPrefix+requestID).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrInvalidSession
		}
		return nil, fmt.Errorf("authn request store: %w", err)
	}

	var rec AuthnRequestRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("authn request store: %w", err)
	}
	return &rec, nil
}
