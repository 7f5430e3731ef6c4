// Package random provides the uniform integer source used for variation
// selection and humanizing jitter. The default source is cryptographically
// strong; a seeded source exists for deterministic previews and tests.
package random

import (
	"crypto/rand"
	"encoding/binary"
	mathrand "math/rand/v2"
	"sync"
)

// Source yields uniform integers in [0, n).
type Source interface {
	Uint64n(n uint64) uint64
}

type cryptoSource struct{}

// Crypto returns a Source backed by crypto/rand.
func Crypto() Source { return cryptoSource{} }

func (cryptoSource) Uint64n(n uint64) uint64 {
	if n == 0 {
		return 0
	}
	// Rejection sampling keeps the draw exactly uniform over [0, n).
	max := ^uint64(0) - (^uint64(0) % n)
	var buf [8]byte
	for {
		if _, err := rand.Read(buf[:]); err != nil {
			// crypto/rand never fails on supported platforms; fall back to
			// the raw bytes rather than panicking a send loop.
			return binary.BigEndian.Uint64(buf[:]) % n
		}
		v := binary.BigEndian.Uint64(buf[:])
		if v < max {
			return v % n
		}
	}
}

type seededSource struct {
	mu  sync.Mutex
	rng *mathrand.Rand
}

// Seeded returns a deterministic Source. The same seed always produces the
// same draw sequence.
func Seeded(seed uint64) Source {
	return &seededSource{rng: mathrand.New(mathrand.NewPCG(seed, 0))}
}

func (s *seededSource) Uint64n(n uint64) uint64 {
	if n == 0 {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rng.Uint64N(n)
}

// Intn is a convenience wrapper for drawing a non-negative int in [0, n).
func Intn(src Source, n int) int {
	if n <= 0 {
		return 0
	}
	return int(src.Uint64n(uint64(n)))
}
