// Package replay prevents a settled payment proof from being consumed twice.
// Proofs are identified by a content-derived hash, so no transaction storage
// is needed: a concurrency-safe set of consumed identifiers is enough.
package replay

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/meterpay/paygate"
)

// ProofID derives a stable identifier from a proof's content: the SHA-256 of
// its canonical JSON form, hex encoded. Two submissions of the same proof
// always map to the same identifier.
func ProofID(proof *paygate.PaymentProof) (string, error) {
	data, err := json.Marshal(proof)
	if err != nil {
		return "", fmt.Errorf("failed to derive proof id: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// Store records which proofs have been consumed. Implementations must be
// safe for concurrent use: when two requests race to reserve the same proof,
// exactly one Reserve returns true.
type Store interface {
	// Reserve marks the proof as consumed. It returns false if the proof
	// was already reserved.
	Reserve(ctx context.Context, id string) (bool, error)

	// Release undoes a reservation. The gate releases a proof only when the
	// protected handler failed before any settlement attempt, so the client
	// may legitimately retry with the same proof.
	Release(ctx context.Context, id string) error
}

// MemoryStore is an in-process Store. Suitable for single-instance gates;
// multi-instance deployments should share a SQLStore instead.
type MemoryStore struct {
	mu   sync.Mutex
	seen map[string]struct{}
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{seen: make(map[string]struct{})}
}

// Reserve implements Store.
func (s *MemoryStore) Reserve(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.seen[id]; ok {
		return false, nil
	}
	s.seen[id] = struct{}{}
	return true, nil
}

// Release implements Store.
func (s *MemoryStore) Release(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.seen, id)
	return nil
}

// Len reports the number of reserved proofs.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.seen)
}
