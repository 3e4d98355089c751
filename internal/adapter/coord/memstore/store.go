// Package memstore implements the coordination store in process memory.
//
// It carries the same contract as the Redis adapter (atomic set-if-absent,
// compare-and-delete, first-increment-sets-TTL counters) for single-process
// deployments and tests. A background sweep reaps expired keys; reads also
// check expiry so callers never observe a stale value.
package memstore

import (
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fairyhunter13/upload-orchestrator/internal/domain"
)

type entry struct {
	value     string
	expiresAt time.Time // zero means no expiry
}

func (e entry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// Store is a mutex-guarded TTL table implementing domain.CoordStore.
type Store struct {
	mu   sync.Mutex
	data map[string]entry
	now  func() time.Time
	stop chan struct{}
	once sync.Once
}

// New creates a Store and starts its sweep goroutine.
func New() *Store {
	s := &Store{data: make(map[string]entry), now: time.Now, stop: make(chan struct{})}
	go s.sweep()
	return s
}

// NewWithClock creates a Store with an injected clock and no sweeper; tests
// control expiry by advancing the clock.
func NewWithClock(now func() time.Time) *Store {
	return &Store{data: make(map[string]entry), now: now, stop: make(chan struct{})}
}

func (s *Store) sweep() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			now := s.now()
			s.mu.Lock()
			for k, e := range s.data {
				if e.expired(now) {
					delete(s.data, k)
				}
			}
			s.mu.Unlock()
		}
	}
}

// Close stops the sweep goroutine.
func (s *Store) Close() { s.once.Do(func() { close(s.stop) }) }

func (s *Store) live(key string) (entry, bool) {
	e, ok := s.data[key]
	if !ok || e.expired(s.now()) {
		delete(s.data, key)
		return entry{}, false
	}
	return e, true
}

// Get returns the value and whether the key exists.
func (s *Store) Get(_ domain.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.live(key)
	if !ok {
		return "", false, nil
	}
	return e.value, true, nil
}

// SetNX stores value only when key is absent, with ttl.
func (s *Store) SetNX(_ domain.Context, key, value string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.live(key); ok {
		return false, nil
	}
	var exp time.Time
	if ttl > 0 {
		exp = s.now().Add(ttl)
	}
	s.data[key] = entry{value: value, expiresAt: exp}
	return true, nil
}

// Incr increments the integer at key, creating it at 1 with no expiry.
func (s *Store) Incr(_ domain.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	if e, ok := s.live(key); ok {
		n = parseInt(e.value)
	}
	n++
	e := s.data[key]
	e.value = strconv.FormatInt(n, 10)
	s.data[key] = e
	return n, nil
}

// Expire sets the key's TTL; missing keys are a no-op.
func (s *Store) Expire(_ domain.Context, key string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.live(key)
	if !ok {
		return nil
	}
	e.expiresAt = s.now().Add(ttl)
	s.data[key] = e
	return nil
}

// TTL returns the remaining lifetime; zero when missing or no expiry.
func (s *Store) TTL(_ domain.Context, key string) (time.Duration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.live(key)
	if !ok || e.expiresAt.IsZero() {
		return 0, nil
	}
	d := e.expiresAt.Sub(s.now())
	if d < 0 {
		return 0, nil
	}
	return d, nil
}

// Del removes the key.
func (s *Store) Del(_ domain.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, key)
	return nil
}

// CompareAndDelete removes key only when its current value equals value.
func (s *Store) CompareAndDelete(_ domain.Context, key, value string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.live(key)
	if !ok || e.value != value {
		return false, nil
	}
	delete(s.data, key)
	return true, nil
}

// KeysByPrefix returns live keys under prefix.
func (s *Store) KeysByPrefix(_ domain.Context, prefix string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	var out []string
	for k, e := range s.data {
		if strings.HasPrefix(k, prefix) && !e.expired(now) {
			out = append(out, k)
		}
	}
	return out, nil
}

func parseInt(s string) int64 {
	n, _ := strconv.ParseInt(s, 10, 64)
	return n
}

var _ domain.CoordStore = (*Store)(nil)
