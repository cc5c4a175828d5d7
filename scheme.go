package paygate

import (
	"context"
	"math/big"
	"sort"
	"sync"
)

// ProofBuilder is the client-side role of a payment scheme: given a
// requirement it can satisfy, it produces a signed PaymentProof. Building may
// involve an external signing interaction, so Build takes a context and must
// honor cancellation; a cancelled or declined signing attempt returns an
// error and produces no proof.
type ProofBuilder interface {
	// SchemeID returns the payment scheme identifier (e.g., "exact").
	SchemeID() string

	// Network returns the CAIP-2 network this builder pays on.
	Network() string

	// CanBuild reports whether this builder can satisfy the requirement:
	// matching scheme, matching network, and a configured token for the
	// required asset.
	CanBuild(req *PaymentRequirement) bool

	// Build constructs a signed proof for the requirement. It returns
	// ErrSignerDeclined (possibly wrapped) when the signer refuses, and
	// respects ctx cancellation throughout.
	Build(ctx context.Context, req *PaymentRequirement) (*PaymentProof, error)

	// Priority orders builders when several can pay. Lower is preferred.
	Priority() int

	// Tokens returns the tokens this builder can pay with.
	Tokens() []TokenConfig

	// MaxAmount returns the per-call spending limit, or nil for no limit.
	MaxAmount() *big.Int
}

// SchemeHandler is the server-side role of a payment scheme: verifying a
// proof against the requirement it claims to satisfy, and settling it after
// the protected handler has run. Gates dispatch to handlers purely by scheme
// identifier; they never branch on scheme identity themselves.
type SchemeHandler interface {
	// SchemeID returns the payment scheme identifier this handler serves.
	SchemeID() string

	// Verify checks the proof against the requirement. A nil error with
	// IsValid=false means the proof was understood and rejected; a non-nil
	// error means verification could not be carried out at all.
	Verify(ctx context.Context, proof *PaymentProof, req *PaymentRequirement) (*VerifyResult, error)

	// Settle executes a verified payment. Called at most once per proof.
	Settle(ctx context.Context, proof *PaymentProof, req *PaymentRequirement) (*SettlementResult, error)
}

// Registry is a concurrency-safe set of server-side scheme handlers keyed by
// scheme identifier. Handlers are resolved once per request; registration
// normally happens at route-registration time.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]SchemeHandler
}

// NewRegistry creates an empty scheme registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]SchemeHandler)}
}

// Register adds or replaces the handler for its scheme identifier.
func (r *Registry) Register(h SchemeHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[h.SchemeID()] = h
}

// Lookup returns the handler for a scheme identifier.
func (r *Registry) Lookup(scheme string) (SchemeHandler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[scheme]
	return h, ok
}

// Schemes returns the registered scheme identifiers in sorted order.
func (r *Registry) Schemes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.handlers))
	for id := range r.handlers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
