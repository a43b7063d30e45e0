package testutil

import (
	"math/rand"
	"sync"
	"sync/atomic"
)

// RNG struct encapsulates the random number generator and seed.
// It is thread-safe.
type RNG struct {
	rand *rand.Rand
	seed int64
	mu   sync.Mutex
}

// NewRNG creates a new RNG instance with the specified seed.
func NewRNG(seed int64) *RNG {
	return &RNG{
		rand: rand.New(rand.NewSource(seed)),
		seed: seed,
	}
}

// Reset resets the RNG to its initial seed.
func (r *RNG) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rand.Seed(r.seed)
}

// Seed returns the initial seed.
func (r *RNG) Seed() int64 {
	return r.seed
}

// Intn returns a non-negative pseudo-random number in [0,n).
func (r *RNG) Intn(n int) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rand.Intn(n)
}

// Int63 returns a non-negative pseudo-random 63-bit integer.
func (r *RNG) Int63() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rand.Int63()
}

// Bytes returns n pseudo-random bytes.
func (r *RNG) Bytes(n int) []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	b := make([]byte, n)
	_, _ = r.rand.Read(b)
	return b
}

// Slices returns count slices of random length in [1, maxLen].
// Locks only once per call.
func (r *RNG) Slices(count, maxLen int) [][]byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([][]byte, count)
	for i := range out {
		out[i] = make([]byte, 1+r.rand.Intn(maxLen))
		_, _ = r.rand.Read(out[i])
	}
	return out
}

// Shuffle returns a random permutation of [0, n).
func (r *RNG) Shuffle(n int) []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rand.Perm(n)
}

// Link is a record.CacheLink backed by a fixed payload.
type Link struct {
	mu     sync.Mutex
	data   [][]byte
	err    error
	stable atomic.Int64
}

// NewLink returns a link serving the given slices.
func NewLink(slices ...[]byte) *Link {
	return &Link{data: slices}
}

// PersistentData implements record.CacheLink.
func (l *Link) PersistentData() ([][]byte, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return nil, l.err
	}
	out := make([][]byte, len(l.data))
	for i, s := range l.data {
		out[i] = append([]byte(nil), s...)
	}
	return out, nil
}

// OnStable implements record.CacheLink.
func (l *Link) OnStable() { l.stable.Add(1) }

// StableCount returns how often OnStable was called.
func (l *Link) StableCount() int { return int(l.stable.Load()) }

// SetData replaces the payload served by the link.
func (l *Link) SetData(slices ...[]byte) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.data = slices
}

// SetErr makes PersistentData fail with err.
func (l *Link) SetErr(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.err = err
}
