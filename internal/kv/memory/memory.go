// Package memory implements kv.Store in process memory. Expiry follows the
// injected clock so lease and staleness tests can be driven deterministically.
package memory

import (
	"bytes"
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"pkt.systems/relayd/internal/clock"
	"pkt.systems/relayd/internal/kv"
)

type entry struct {
	value     []byte
	expiresAt time.Time
}

func (e entry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && !now.Before(e.expiresAt)
}

// Store is an in-memory kv.Store.
type Store struct {
	mu     sync.Mutex
	clock  clock.Clock
	data   map[string]entry
	closed bool
}

// New returns an empty store using the wall clock.
func New() *Store {
	return NewWithClock(clock.Real{})
}

// NewWithClock returns an empty store whose TTLs follow clk.
func NewWithClock(clk clock.Clock) *Store {
	return &Store{clock: clock.Or(clk), data: make(map[string]entry)}
}

func (s *Store) lookupLocked(key string) (entry, bool) {
	e, ok := s.data[key]
	if !ok {
		return entry{}, false
	}
	if e.expired(s.clock.Now()) {
		delete(s.data, key)
		return entry{}, false
	}
	return e, true
}

func (s *Store) putLocked(key string, value []byte, ttl time.Duration) {
	e := entry{value: bytes.Clone(value)}
	if ttl > 0 {
		e.expiresAt = s.clock.Now().Add(ttl)
	}
	s.data[key] = e
}

// Get implements kv.Store.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, kv.ErrClosed
	}
	e, ok := s.lookupLocked(key)
	if !ok {
		return nil, kv.ErrNotFound
	}
	return bytes.Clone(e.value), nil
}

// Set implements kv.Store.
func (s *Store) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return kv.ErrClosed
	}
	s.putLocked(key, value, ttl)
	return nil
}

// Delete implements kv.Store. Deleting a missing key is not an error.
func (s *Store) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return kv.ErrClosed
	}
	delete(s.data, key)
	return nil
}

// ListKeys implements kv.Store. Keys are returned sorted.
func (s *Store) ListKeys(ctx context.Context, prefix string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, kv.ErrClosed
	}
	now := s.clock.Now()
	var keys []string
	for key, e := range s.data {
		if e.expired(now) {
			delete(s.data, key)
			continue
		}
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	slices.Sort(keys)
	return keys, nil
}

// CompareAndSwap implements kv.Store.
func (s *Store) CompareAndSwap(ctx context.Context, key string, expected, value []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return kv.ErrClosed
	}
	current, ok := s.lookupLocked(key)
	switch {
	case expected == nil && ok:
		return kv.ErrCASMismatch
	case expected != nil && !ok:
		return kv.ErrNotFound
	case expected != nil && !bytes.Equal(current.value, expected):
		return kv.ErrCASMismatch
	}
	s.putLocked(key, value, ttl)
	return nil
}

// CompareAndDelete implements kv.Store.
func (s *Store) CompareAndDelete(ctx context.Context, key string, expected []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return kv.ErrClosed
	}
	current, ok := s.lookupLocked(key)
	if !ok {
		return kv.ErrNotFound
	}
	if !bytes.Equal(current.value, expected) {
		return kv.ErrCASMismatch
	}
	delete(s.data, key)
	return nil
}

// Close releases the store; later calls return kv.ErrClosed.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.data = make(map[string]entry)
	return nil
}
