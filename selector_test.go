package paygate

import (
	"context"
	"errors"
	"math/big"
	"testing"
)

// mockBuilder implements ProofBuilder for testing.
type mockBuilder struct {
	scheme    string
	network   string
	tokens    []TokenConfig
	priority  int
	maxAmount *big.Int
	buildErr  error
}

func (m *mockBuilder) SchemeID() string { return m.scheme }
func (m *mockBuilder) Network() string  { return m.network }
func (m *mockBuilder) CanBuild(req *PaymentRequirement) bool {
	if req.Scheme != m.scheme || req.Network != m.network {
		return false
	}
	for _, token := range m.tokens {
		if token.Address == req.Asset {
			return true
		}
	}
	return false
}
func (m *mockBuilder) Build(_ context.Context, req *PaymentRequirement) (*PaymentProof, error) {
	if m.buildErr != nil {
		return nil, m.buildErr
	}
	return &PaymentProof{
		Version:  ProtocolVersion,
		Scheme:   req.Scheme,
		Network:  req.Network,
		Accepted: *req,
		Payload:  EVMPayload{Signature: "0xmock"},
	}, nil
}
func (m *mockBuilder) Priority() int         { return m.priority }
func (m *mockBuilder) Tokens() []TokenConfig { return m.tokens }
func (m *mockBuilder) MaxAmount() *big.Int   { return m.maxAmount }

func usdcOn(network, asset, amount string) PaymentRequirement {
	return PaymentRequirement{
		Scheme:            "exact",
		Network:           network,
		MaxAmountRequired: amount,
		Asset:             asset,
		PayTo:             "0xRecipient",
	}
}

func TestFirstMatchSelector_ServerOrder(t *testing.T) {
	evmBuilder := &mockBuilder{
		scheme: "exact", network: "eip155:8453",
		tokens: []TokenConfig{{Address: "0xUSDC", Decimals: 6}},
	}
	solBuilder := &mockBuilder{
		scheme: "exact", network: "solana:5eykt4UsFv8P8NJdTREpY1vzqKqZKvdp",
		tokens: []TokenConfig{{Address: "SolUSDC", Decimals: 6}},
	}

	accepts := []PaymentRequirement{
		usdcOn("solana:5eykt4UsFv8P8NJdTREpY1vzqKqZKvdp", "SolUSDC", "10000"),
		usdcOn("eip155:8453", "0xUSDC", "10000"),
	}

	builder, req, err := NewFirstMatchSelector().Select([]ProofBuilder{evmBuilder, solBuilder}, accepts)
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	// Server listed Solana first, so Solana wins even though the EVM
	// builder comes first in configuration order.
	if builder != ProofBuilder(solBuilder) {
		t.Error("expected the builder for the server's first requirement")
	}
	if req.Network != accepts[0].Network {
		t.Errorf("selected requirement %s, want %s", req.Network, accepts[0].Network)
	}
}

func TestFirstMatchSelector_PriorityBreaksTies(t *testing.T) {
	low := &mockBuilder{
		scheme: "exact", network: "eip155:8453", priority: 0,
		tokens: []TokenConfig{{Address: "0xUSDC", Decimals: 6}},
	}
	high := &mockBuilder{
		scheme: "exact", network: "eip155:8453", priority: 5,
		tokens: []TokenConfig{{Address: "0xUSDC", Decimals: 6}},
	}

	accepts := []PaymentRequirement{usdcOn("eip155:8453", "0xUSDC", "10000")}

	builder, _, err := NewFirstMatchSelector().Select([]ProofBuilder{high, low}, accepts)
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if builder != ProofBuilder(low) {
		t.Error("lower priority value should win among capable builders")
	}
}

func TestFirstMatchSelector_MaxAmountExcludes(t *testing.T) {
	capped := &mockBuilder{
		scheme: "exact", network: "eip155:8453",
		tokens:    []TokenConfig{{Address: "0xUSDC", Decimals: 6}},
		maxAmount: big.NewInt(100),
	}

	accepts := []PaymentRequirement{usdcOn("eip155:8453", "0xUSDC", "10000")}

	_, _, err := NewFirstMatchSelector().Select([]ProofBuilder{capped}, accepts)
	if err == nil {
		t.Fatal("expected error when the only builder's limit is exceeded")
	}
	if !errors.Is(err, ErrNoBuilder) {
		t.Errorf("error should wrap ErrNoBuilder, got %v", err)
	}
	if CodeOf(err) != CodeUnsupportedScheme {
		t.Errorf("error code = %s, want %s", CodeOf(err), CodeUnsupportedScheme)
	}
}

func TestFirstMatchSelector_NoBuilders(t *testing.T) {
	_, _, err := NewFirstMatchSelector().Select(nil, []PaymentRequirement{usdcOn("eip155:8453", "0xUSDC", "1")})
	if !errors.Is(err, ErrNoBuilder) {
		t.Errorf("expected ErrNoBuilder, got %v", err)
	}
}

func TestFirstMatchSelector_EmptyChallenge(t *testing.T) {
	b := &mockBuilder{scheme: "exact", network: "eip155:8453",
		tokens: []TokenConfig{{Address: "0xUSDC", Decimals: 6}}}
	_, _, err := NewFirstMatchSelector().Select([]ProofBuilder{b}, nil)
	if !errors.Is(err, ErrInvalidChallenge) {
		t.Errorf("expected ErrInvalidChallenge, got %v", err)
	}
}

func TestFirstMatchSelector_SkipsMalformedAmounts(t *testing.T) {
	b := &mockBuilder{scheme: "exact", network: "eip155:8453",
		tokens: []TokenConfig{{Address: "0xUSDC", Decimals: 6}}}

	accepts := []PaymentRequirement{
		usdcOn("eip155:8453", "0xUSDC", "not-a-number"),
		usdcOn("eip155:8453", "0xUSDC", "500"),
	}

	_, req, err := NewFirstMatchSelector().Select([]ProofBuilder{b}, accepts)
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if req.MaxAmountRequired != "500" {
		t.Errorf("selected amount %s, want 500", req.MaxAmountRequired)
	}
}

func TestPrioritySelector_GlobalBest(t *testing.T) {
	preferred := &mockBuilder{
		scheme: "exact", network: "solana:5eykt4UsFv8P8NJdTREpY1vzqKqZKvdp", priority: 0,
		tokens: []TokenConfig{{Address: "SolUSDC", Decimals: 6, Priority: 0}},
	}
	fallback := &mockBuilder{
		scheme: "exact", network: "eip155:8453", priority: 1,
		tokens: []TokenConfig{{Address: "0xUSDC", Decimals: 6, Priority: 0}},
	}

	// Server prefers EVM, but the client's priorities say Solana.
	accepts := []PaymentRequirement{
		usdcOn("eip155:8453", "0xUSDC", "10000"),
		usdcOn("solana:5eykt4UsFv8P8NJdTREpY1vzqKqZKvdp", "SolUSDC", "10000"),
	}

	builder, req, err := NewPrioritySelector().Select([]ProofBuilder{fallback, preferred}, accepts)
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if builder != ProofBuilder(preferred) {
		t.Error("priority selector should pick the globally best builder")
	}
	if req.Network != preferred.network {
		t.Errorf("selected requirement on %s, want %s", req.Network, preferred.network)
	}
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()

	if _, ok := r.Lookup("exact"); ok {
		t.Error("empty registry should not resolve any scheme")
	}

	h := &stubHandler{scheme: "exact"}
	r.Register(h)

	got, ok := r.Lookup("exact")
	if !ok || got != SchemeHandler(h) {
		t.Error("Lookup should return the registered handler")
	}

	r.Register(&stubHandler{scheme: "stream"})
	schemes := r.Schemes()
	if len(schemes) != 2 || schemes[0] != "exact" || schemes[1] != "stream" {
		t.Errorf("Schemes() = %v, want [exact stream]", schemes)
	}
}

type stubHandler struct {
	scheme string
}

func (s *stubHandler) SchemeID() string { return s.scheme }
func (s *stubHandler) Verify(context.Context, *PaymentProof, *PaymentRequirement) (*VerifyResult, error) {
	return &VerifyResult{IsValid: true}, nil
}
func (s *stubHandler) Settle(context.Context, *PaymentProof, *PaymentRequirement) (*SettlementResult, error) {
	return &SettlementResult{Success: true}, nil
}
