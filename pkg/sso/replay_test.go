package sso

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedis(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return client, mr
}

func TestReplayGuard_FirstWriterWins(t *testing.T) {
	client, _ := newTestRedis(t)
	guard := NewRedisReplayGuard(client)
	ctx := context.Background()

	first, err := guard.MarkConsumed(ctx, "saml-assertion", "_abc123", time.Minute)
	require.NoError(t, err)
	assert.True(t, first)

	second, err := guard.MarkConsumed(ctx, "saml-assertion", "_abc123", time.Minute)
	require.NoError(t, err)
	assert.False(t, second, "replayed id must not be accepted")

	// Same id under a different kind is a distinct record.
	other, err := guard.MarkConsumed(ctx, "oidc-nonce", "_abc123", time.Minute)
	require.NoError(t, err)
	assert.True(t, other)
}

func TestReplayGuard_ExpiryReleasesID(t *testing.T) {
	client, mr := newTestRedis(t)
	guard := NewRedisReplayGuard(client)
	ctx := context.Background()

	first, err := guard.MarkConsumed(ctx, "oidc-nonce", "n1", time.Minute)
	require.NoError(t, err)
	assert.True(t, first)

	mr.FastForward(2 * time.Minute)

	// The assertion's own validity window has passed by now, so releasing
	// the id is safe.
	again, err := guard.MarkConsumed(ctx, "oidc-nonce", "n1", time.Minute)
	require.NoError(t, err)
	assert.True(t, again)
}

func TestReplayGuard_EmptyID(t *testing.T) {
	client, _ := newTestRedis(t)
	guard := NewRedisReplayGuard(client)

	_, err := guard.MarkConsumed(context.Background(), "saml-assertion", "", time.Minute)
	assert.Error(t, err)
}

func TestAuthnRequestStore_PutAndConsume(t *testing.T) {
	client, _ := newTestRedis(t)
	store := NewRedisAuthnRequestStore(client)
	ctx := context.Background()

	rec := &AuthnRequestRecord{
		RequestID: "_req1",
		TeamID:    7,
		Email:     "alice@corp.example",
		IssuedAt:  time.Now().UTC(),
	}
	require.NoError(t, store.Put(ctx, rec, time.Minute))

	got, err := store.Consume(ctx, "_req1")
	require.NoError(t, err)
	assert.Equal(t, int64(7), got.TeamID)
	assert.Equal(t, "alice@corp.example", got.Email)

	// Consuming deletes: the same InResponseTo cannot correlate twice.
	_, err = store.Consume(ctx, "_req1")
	assert.ErrorIs(t, err, ErrInvalidSession)
}

func TestAuthnRequestStore_UnknownAndExpired(t *testing.T) {
	client, mr := newTestRedis(t)
	store := NewRedisAuthnRequestStore(client)
	ctx := context.Background()

	_, err := store.Consume(ctx, "never-issued")
	assert.ErrorIs(t, err, ErrInvalidSession)

	_, err = store.Consume(ctx, "")
	assert.ErrorIs(t, err, ErrInvalidSession)

	require.NoError(t, store.Put(ctx, &AuthnRequestRecord{RequestID: "_req2", TeamID: 1}, time.Minute))
	mr.FastForward(2 * time.Minute)

	_, err = store.Consume(ctx, "_req2")
	assert.ErrorIs(t, err, ErrInvalidSession, "an expired login attempt reads the same as an unknown one")
}
