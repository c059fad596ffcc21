// Package idempotency keeps the service's short-lived replay caches: stored
// HTTP responses for retried ingress calls, and delivery fingerprints so the
// at-least-once task queue sends one trigger per scheduling decision.
package idempotency

import (
	"sync"
	"time"
)

const (
	responseTTL    = time.Hour
	fingerprintTTL = 15 * time.Minute

	// pruneThreshold bounds the fingerprint map between sweeps.
	pruneThreshold = 4096
)

// Response is a captured HTTP response replayed for a repeated key.
type Response struct {
	StatusCode int
	Body       []byte
	Headers    map[string][]string
}

type entry struct {
	resp      Response
	timestamp time.Time
}

// Store caches responses by idempotency key so a retried request observes
// the original outcome instead of executing twice.
type Store struct {
	cache sync.Map
}

func NewStore() *Store {
	return &Store{}
}

// Get returns the stored response for the key if it has not expired.
func (s *Store) Get(key string) (Response, bool) {
	val, ok := s.cache.Load(key)
	if !ok {
		return Response{}, false
	}
	e := val.(entry)
	if time.Since(e.timestamp) > responseTTL {
		s.cache.Delete(key)
		return Response{}, false
	}
	return e.resp, true
}

// Set stores the response for the key.
func (s *Store) Set(key string, resp Response) {
	s.cache.Store(key, entry{resp: resp, timestamp: time.Now()})
}

// Fingerprints remembers recently delivered task fingerprints. A duplicate of
// the same scheduling decision (a cancelled task firing anyway, an outbox
// replay, a redelivered claim) is recognized and dropped within the window.
type Fingerprints struct {
	mu   sync.Mutex
	seen map[string]time.Time
	ttl  time.Duration
}

func NewFingerprints(ttl time.Duration) *Fingerprints {
	if ttl <= 0 {
		ttl = fingerprintTTL
	}
	return &Fingerprints{seen: make(map[string]time.Time), ttl: ttl}
}

// Seen reports whether the fingerprint was marked within the window.
func (f *Fingerprints) Seen(fp string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	at, ok := f.seen[fp]
	if !ok {
		return false
	}
	if time.Since(at) > f.ttl {
		delete(f.seen, fp)
		return false
	}
	return true
}

// Mark records the fingerprint as delivered now.
func (f *Fingerprints) Mark(fp string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.seen[fp] = time.Now()
	if len(f.seen) > pruneThreshold {
		cutoff := time.Now().Add(-f.ttl)
		for k, v := range f.seen {
			if v.Before(cutoff) {
				delete(f.seen, k)
			}
		}
	}
}
