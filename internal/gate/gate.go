// Package gate provides keyed mutual exclusion for state-changing operations.
//
// Operations lock only the accounts and orders they touch, so operations on
// unrelated keys run in parallel. Keys are always taken in sorted order, which
// rules out deadlock between two operations sharing more than one key.
package gate

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// AccountKey is the lock key of a user's account
func AccountKey(userID string) string {
	return "account:" + userID
}

// OrderKey is the lock key of an order
func OrderKey(orderID int64) string {
	return fmt.Sprintf("order:%d", orderID)
}

type entry struct {
	ch   chan struct{} // holds a token while the key is locked
	refs int
}

// Gate hands out locks by key. The zero value is not usable; call New.
type Gate struct {
	mu      sync.Mutex
	entries map[string]*entry
}

// New creates an empty gate
func New() *Gate {
	return &Gate{entries: make(map[string]*entry)}
}

// Acquire locks every key, blocking until all are held or ctx is done.
// The returned release func unlocks them and must be called exactly once.
func (g *Gate) Acquire(ctx context.Context, keys ...string) (func(), error) {
	keys = normalize(keys)

	held := make([]*entry, 0, len(keys))
	for _, key := range keys {
		e := g.ref(key)
		select {
		case e.ch <- struct{}{}:
			held = append(held, e)
		case <-ctx.Done():
			g.unref(key, e, false)
			g.release(keys[:len(held)], held)
			return nil, ctx.Err()
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() { g.release(keys, held) })
	}, nil
}

// Held reports how many keys are currently locked or awaited
func (g *Gate) Held() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.entries)
}

func (g *Gate) ref(key string) *entry {
	g.mu.Lock()
	defer g.mu.Unlock()

	e, ok := g.entries[key]
	if !ok {
		e = &entry{ch: make(chan struct{}, 1)}
		g.entries[key] = e
	}
	e.refs++
	return e
}

func (g *Gate) unref(key string, e *entry, locked bool) {
	if locked {
		<-e.ch
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	e.refs--
	if e.refs == 0 {
		delete(g.entries, key)
	}
}

func (g *Gate) release(keys []string, held []*entry) {
	for i := len(held) - 1; i >= 0; i-- {
		g.unref(keys[i], held[i], true)
	}
}

func normalize(keys []string) []string {
	out := make([]string, 0, len(keys))
	seen := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
