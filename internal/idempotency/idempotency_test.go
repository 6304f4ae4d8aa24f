package idempotency

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	return NewStore(client, time.Hour), mr
}

func TestBegin_ClaimThenInFlight(t *testing.T) {
	s, _ := setupStore(t)
	ctx := context.Background()

	rec, err := s.Begin(ctx, "checkout:1", "abc")
	require.NoError(t, err)
	assert.Nil(t, rec)

	_, err = s.Begin(ctx, "checkout:1", "abc")
	assert.ErrorIs(t, err, ErrInFlight)

	rec, err = s.Begin(ctx, "checkout:2", "abc")
	require.NoError(t, err)
	assert.Nil(t, rec, "keys are scoped")
}

func TestComplete_ReplaysStoredResponse(t *testing.T) {
	s, _ := setupStore(t)
	ctx := context.Background()

	_, err := s.Begin(ctx, "checkout:1", "abc")
	require.NoError(t, err)
	require.NoError(t, s.Complete(ctx, "checkout:1", "abc", Record{Status: 201, Body: json.RawMessage(`{"order_number":"BK1"}`)}))

	rec, err := s.Begin(ctx, "checkout:1", "abc")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, 201, rec.Status)
	assert.JSONEq(t, `{"order_number":"BK1"}`, string(rec.Body))
}

func TestAbandon_AllowsRetry(t *testing.T) {
	s, _ := setupStore(t)
	ctx := context.Background()

	_, err := s.Begin(ctx, "checkout:1", "abc")
	require.NoError(t, err)
	require.NoError(t, s.Abandon(ctx, "checkout:1", "abc"))

	rec, err := s.Begin(ctx, "checkout:1", "abc")
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestKeysExpire(t *testing.T) {
	s, mr := setupStore(t)
	ctx := context.Background()

	_, err := s.Begin(ctx, "checkout:1", "abc")
	require.NoError(t, err)

	mr.FastForward(2 * time.Hour)

	rec, err := s.Begin(ctx, "checkout:1", "abc")
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestKey(t *testing.T) {
	r := httptest.NewRequest("POST", "/checkout", nil)
	r.Header.Set(Header, "  k-1 ")
	assert.Equal(t, "k-1", Key(r))
}
