package inflight

import (
	"context"
	"errors"
	"sync"
)

var ErrBusy = errors.New("operation already in progress")

// Release frees a key taken by Acquire. Calling it more than once is harmless.
type Release func()

// Guard serialises work per key. Different keys never block each other.
type Guard interface {
	Acquire(ctx context.Context, key string) (Release, error)
}

// MemoryGuard is a per-process guard.
type MemoryGuard struct {
	mu   sync.Mutex
	held map[string]struct{}
}

func NewMemoryGuard() *MemoryGuard {
	return &MemoryGuard{held: make(map[string]struct{})}
}

func (g *MemoryGuard) Acquire(_ context.Context, key string) (Release, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, busy := g.held[key]; busy {
		return nil, ErrBusy
	}
	g.held[key] = struct{}{}

	var once sync.Once
	return func() {
		once.Do(func() {
			g.mu.Lock()
			delete(g.held, key)
			g.mu.Unlock()
		})
	}, nil
}

// Held reports whether key is currently taken.
func (g *MemoryGuard) Held(key string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.held[key]
	return ok
}
