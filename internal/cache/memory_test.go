package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryProviderRoundTrip(t *testing.T) {
	ctx := context.Background()
	p := NewMemoryProvider(time.Minute)

	_, err := p.Get(ctx, "location:42")
	require.ErrorIs(t, err, ErrCacheMiss)

	require.NoError(t, p.Set(ctx, "location:42", []byte("7"), 0))
	got, err := p.Get(ctx, "location:42")
	require.NoError(t, err)
	assert.Equal(t, []byte("7"), got)

	require.NoError(t, p.Del(ctx, "location:42"))
	_, err = p.Get(ctx, "location:42")
	assert.ErrorIs(t, err, ErrCacheMiss)
}

func TestMemoryProviderSetNX(t *testing.T) {
	ctx := context.Background()
	p := NewMemoryProvider(time.Minute)

	ok, err := p.SetNX(ctx, "k", []byte("a"), time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = p.SetNX(ctx, "k", []byte("b"), time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	got, _ := p.Get(ctx, "k")
	assert.Equal(t, []byte("a"), got)
}

func TestMemoryProviderExpiry(t *testing.T) {
	ctx := context.Background()
	p := NewMemoryProvider(time.Minute)
	require.NoError(t, p.Set(ctx, "short", []byte("x"), 10*time.Millisecond))
	time.Sleep(30 * time.Millisecond)
	_, err := p.Get(ctx, "short")
	assert.ErrorIs(t, err, ErrCacheMiss)
}

func TestJSONHelpers(t *testing.T) {
	ctx := context.Background()
	p := NewMemoryProvider(time.Minute)

	type contract struct{ ID int64 }
	require.NoError(t, SetJSON(ctx, p, "contract:1", contract{ID: 99}, 0))

	var got contract
	require.NoError(t, GetJSON(ctx, p, "contract:1", &got))
	assert.Equal(t, int64(99), got.ID)

	assert.ErrorIs(t, GetJSON(ctx, NoopProvider{}, "contract:1", &got), ErrCacheMiss)
}
