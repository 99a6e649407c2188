package cache

import (
	"context"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// MemoryProvider implements Provider on top of an in-process go-cache store.
// It lives for one process, which in run mode means one sync pass.
type MemoryProvider struct {
	mu    sync.Mutex
	store *gocache.Cache
}

// NewMemoryProvider returns a provider whose entries default to ttl.
func NewMemoryProvider(ttl time.Duration) *MemoryProvider {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &MemoryProvider{store: gocache.New(ttl, 2*ttl)}
}

// Get returns a copy of the stored bytes or ErrCacheMiss.
func (p *MemoryProvider) Get(_ context.Context, key string) ([]byte, error) {
	v, ok := p.store.Get(key)
	if !ok {
		return nil, ErrCacheMiss
	}
	data, ok := v.([]byte)
	if !ok {
		return nil, ErrCacheMiss
	}
	return append([]byte(nil), data...), nil
}

// Set stores value under key. A zero ttl uses the provider default.
func (p *MemoryProvider) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	p.store.Set(key, append([]byte(nil), value...), expiration(ttl))
	return nil
}

// SetNX stores value only when key is absent and reports whether it did.
func (p *MemoryProvider) SetNX(_ context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.store.Add(key, append([]byte(nil), value...), expiration(ttl)); err != nil {
		return false, nil
	}
	return true, nil
}

// Del removes key.
func (p *MemoryProvider) Del(_ context.Context, key string) error {
	p.store.Delete(key)
	return nil
}

// Close drops every entry.
func (p *MemoryProvider) Close() error {
	p.store.Flush()
	return nil
}

func expiration(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return gocache.DefaultExpiration
	}
	return ttl
}
