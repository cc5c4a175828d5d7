package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/meterpay/paygate"
	"github.com/meterpay/paygate/encoding"
	"github.com/meterpay/paygate/http/internal/helpers"
	"github.com/meterpay/paygate/replay"
)

func testRequirement() paygate.PaymentRequirement {
	return paygate.PaymentRequirement{
		Scheme:            "exact",
		Network:           "eip155:84532",
		MaxAmountRequired: "10000",
		Asset:             "0x036CbD53842c5426634e7929541eC2318f3dCF7e",
		PayTo:             "0x209693Bc6afc0C5328bA36FaF03C514EF312287C",
		MaxTimeoutSeconds: 60,
	}
}

func testProof(accepted paygate.PaymentRequirement, nonce string) *paygate.PaymentProof {
	return &paygate.PaymentProof{
		Version:  paygate.ProtocolVersion,
		Scheme:   "exact",
		Network:  accepted.Network,
		Payer:    "0xPayer",
		Accepted: accepted,
		Payload: paygate.EVMPayload{
			Signature:     "0xsig",
			Authorization: paygate.EVMAuthorization{Nonce: nonce},
		},
	}
}

// fakeFacilitator is an in-process facilitator.Interface for gate tests.
type fakeFacilitator struct {
	mu          sync.Mutex
	verifyCalls int
	settleCalls int
	verifyErr   error
	invalid     bool
	reason      string
	settleErr   error
	settleFail  bool
}

func (f *fakeFacilitator) Verify(ctx context.Context, proof paygate.PaymentProof, req paygate.PaymentRequirement) (*paygate.VerifyResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.verifyCalls++
	if f.verifyErr != nil {
		return nil, f.verifyErr
	}
	if f.invalid {
		return &paygate.VerifyResult{IsValid: false, InvalidReason: f.reason}, nil
	}
	return &paygate.VerifyResult{IsValid: true, Payer: proof.Payer}, nil
}

func (f *fakeFacilitator) Settle(ctx context.Context, proof paygate.PaymentProof, req paygate.PaymentRequirement) (*paygate.SettlementResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.settleCalls++
	if f.settleErr != nil {
		return nil, f.settleErr
	}
	if f.settleFail {
		return &paygate.SettlementResult{Success: false, ErrorReason: "insufficient_funds"}, nil
	}
	return &paygate.SettlementResult{
		Success:     true,
		Network:     req.Network,
		Transaction: "0xtxhash",
		Payer:       proof.Payer,
	}, nil
}

func (f *fakeFacilitator) Supported(ctx context.Context) (*paygate.SupportedResponse, error) {
	return &paygate.SupportedResponse{Kinds: []paygate.SupportedKind{
		{Version: paygate.ProtocolVersion, Scheme: "exact", Network: "eip155:84532"},
	}}, nil
}

func (f *fakeFacilitator) counts() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.verifyCalls, f.settleCalls
}

func newTestGate(t *testing.T, fac *fakeFacilitator, mutate func(*GateConfig)) func(http.Handler) http.Handler {
	t.Helper()
	cfg := GateConfig{
		Facilitator:  fac,
		Requirements: []paygate.PaymentRequirement{testRequirement()},
		Description:  "Test resource",
	}
	if mutate != nil {
		mutate(&cfg)
	}
	return NewResourceGate(cfg)
}

func attachProof(t *testing.T, req *http.Request, proof *paygate.PaymentProof) {
	t.Helper()
	encoded, err := encoding.EncodeProof(*proof)
	if err != nil {
		t.Fatalf("EncodeProof: %v", err)
	}
	req.Header.Set(helpers.PaymentHeader, encoded)
}

func decodeChallenge(t *testing.T, resp *http.Response) paygate.PaymentChallenge {
	t.Helper()
	var challenge paygate.PaymentChallenge
	if err := json.NewDecoder(resp.Body).Decode(&challenge); err != nil {
		t.Fatalf("decode challenge: %v", err)
	}
	return challenge
}

func TestGate_NoPaymentHeader(t *testing.T) {
	fac := &fakeFacilitator{}
	gate := newTestGate(t, fac, nil)

	handlerCalled := false
	handler := gate(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handlerCalled = true
	}))

	req := httptest.NewRequest("GET", "/data", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	resp := w.Result()
	defer resp.Body.Close()

	if handlerCalled {
		t.Error("handler must not run without payment")
	}
	if resp.StatusCode != http.StatusPaymentRequired {
		t.Fatalf("status = %d, want 402", resp.StatusCode)
	}

	challenge := decodeChallenge(t, resp)
	if challenge.Version != paygate.ProtocolVersion {
		t.Errorf("challenge version = %d, want %d", challenge.Version, paygate.ProtocolVersion)
	}
	if len(challenge.Accepts) != 1 || !challenge.Accepts[0].Matches(testRequirement()) {
		t.Errorf("challenge must list the configured requirements, got %+v", challenge.Accepts)
	}
	if challenge.Error != "" {
		t.Errorf("first-contact challenge should carry no error, got %q", challenge.Error)
	}

	verifies, settles := fac.counts()
	if verifies != 0 || settles != 0 {
		t.Errorf("facilitator called (%d verifies, %d settles) without a proof", verifies, settles)
	}
}

func TestGate_ValidPayment(t *testing.T) {
	fac := &fakeFacilitator{}
	gate := newTestGate(t, fac, nil)

	handlerCalls := 0
	handler := gate(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handlerCalls++
		if payment := GetPaymentFromContext(r.Context()); payment == nil || payment.Payer != "0xPayer" {
			t.Errorf("handler context missing verified payment: %+v", payment)
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"data":"premium"}`))
	}))

	req := httptest.NewRequest("GET", "/data", nil)
	attachProof(t, req, testProof(testRequirement(), "0x01"))
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	resp := w.Result()
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if handlerCalls != 1 {
		t.Errorf("handler called %d times, want exactly 1", handlerCalls)
	}

	settlementHeader := resp.Header.Get(helpers.SettlementHeader)
	if settlementHeader == "" {
		t.Fatal("successful response must carry the settlement header")
	}
	settlement, err := encoding.DecodeSettlement(settlementHeader)
	if err != nil {
		t.Fatalf("DecodeSettlement: %v", err)
	}
	if !settlement.Success || settlement.Transaction != "0xtxhash" {
		t.Errorf("settlement = %+v", settlement)
	}

	verifies, settles := fac.counts()
	if verifies != 1 || settles != 1 {
		t.Errorf("facilitator calls = %d verifies, %d settles; want 1 and 1", verifies, settles)
	}
}

func TestGate_MalformedHeaderGetsChallenge(t *testing.T) {
	fac := &fakeFacilitator{}
	gate := newTestGate(t, fac, nil)

	handler := gate(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("handler must not run on malformed proof")
	}))

	req := httptest.NewRequest("GET", "/data", nil)
	req.Header.Set(helpers.PaymentHeader, "!!!not-base64!!!")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	resp := w.Result()
	defer resp.Body.Close()

	// A garbled proof gets a fresh challenge, same recovery path as first
	// contact.
	if resp.StatusCode != http.StatusPaymentRequired {
		t.Fatalf("status = %d, want 402", resp.StatusCode)
	}
	challenge := decodeChallenge(t, resp)
	if challenge.Error == "" {
		t.Error("post-failure challenge should carry an error reason")
	}
}

func TestGate_WrongAmountRejectedWithoutFacilitator(t *testing.T) {
	fac := &fakeFacilitator{}
	gate := newTestGate(t, fac, nil)

	handler := gate(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("handler must not run for a mismatched proof")
	}))

	// Proof bound to a cheaper variant of the requirement.
	cheap := testRequirement()
	cheap.MaxAmountRequired = "1"

	req := httptest.NewRequest("GET", "/data", nil)
	attachProof(t, req, testProof(cheap, "0x02"))
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	resp := w.Result()
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusPaymentRequired {
		t.Fatalf("status = %d, want 402", resp.StatusCode)
	}

	verifies, _ := fac.counts()
	if verifies != 0 {
		t.Errorf("facilitator verified a proof that matches no requirement (%d calls)", verifies)
	}
}

func TestGate_UnsupportedScheme(t *testing.T) {
	fac := &fakeFacilitator{}
	gate := newTestGate(t, fac, nil)

	handler := gate(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("handler must not run for an unsupported scheme")
	}))

	proof := testProof(testRequirement(), "0x03")
	proof.Scheme = "stream"

	req := httptest.NewRequest("GET", "/data", nil)
	attachProof(t, req, proof)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	resp := w.Result()
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusPaymentRequired {
		t.Fatalf("status = %d, want 402", resp.StatusCode)
	}
}

func TestGate_InvalidProofChallengeCarriesReason(t *testing.T) {
	fac := &fakeFacilitator{invalid: true, reason: "signature_invalid"}
	gate := newTestGate(t, fac, nil)

	handler := gate(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("handler must not run for an invalid proof")
	}))

	req := httptest.NewRequest("GET", "/data", nil)
	attachProof(t, req, testProof(testRequirement(), "0x04"))
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	resp := w.Result()
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusPaymentRequired {
		t.Fatalf("status = %d, want 402", resp.StatusCode)
	}
	challenge := decodeChallenge(t, resp)
	if challenge.Error != "signature_invalid" {
		t.Errorf("challenge error = %q, want signature_invalid", challenge.Error)
	}
}

func TestGate_FacilitatorDownFailsClosedWith402(t *testing.T) {
	fac := &fakeFacilitator{verifyErr: paygate.ErrFacilitatorUnavailable}
	gate := newTestGate(t, fac, nil)

	handler := gate(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("handler must not run when verification is unavailable")
	}))

	req := httptest.NewRequest("GET", "/data", nil)
	attachProof(t, req, testProof(testRequirement(), "0x05"))
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	resp := w.Result()
	defer resp.Body.Close()

	// Fail closed, but never 5xx: the client gets a challenge it can act on.
	if resp.StatusCode != http.StatusPaymentRequired {
		t.Fatalf("status = %d, want 402", resp.StatusCode)
	}
}

func TestGate_ReplayRejected(t *testing.T) {
	fac := &fakeFacilitator{}
	gate := newTestGate(t, fac, nil)

	handlerCalls := 0
	handler := gate(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handlerCalls++
		w.WriteHeader(http.StatusOK)
	}))

	proof := testProof(testRequirement(), "0x06")

	first := httptest.NewRequest("GET", "/data", nil)
	attachProof(t, first, proof)
	w1 := httptest.NewRecorder()
	handler.ServeHTTP(w1, first)
	if w1.Code != http.StatusOK {
		t.Fatalf("first submission status = %d, want 200", w1.Code)
	}

	second := httptest.NewRequest("GET", "/data", nil)
	attachProof(t, second, proof)
	w2 := httptest.NewRecorder()
	handler.ServeHTTP(w2, second)

	if w2.Code != http.StatusPaymentRequired {
		t.Fatalf("replayed submission status = %d, want 402", w2.Code)
	}
	if handlerCalls != 1 {
		t.Errorf("handler called %d times, want exactly 1", handlerCalls)
	}

	_, settles := fac.counts()
	if settles != 1 {
		t.Errorf("proof settled %d times, want exactly 1", settles)
	}
}

func TestGate_ConcurrentSameProof(t *testing.T) {
	fac := &fakeFacilitator{}
	gate := newTestGate(t, fac, nil)

	var handlerCalls atomic.Int32
	handler := gate(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handlerCalls.Add(1)
		w.WriteHeader(http.StatusOK)
	}))

	proof := testProof(testRequirement(), "0x07")
	encoded, err := encoding.EncodeProof(*proof)
	if err != nil {
		t.Fatalf("EncodeProof: %v", err)
	}

	const concurrent = 10
	var wg sync.WaitGroup
	var successes atomic.Int32

	for i := 0; i < concurrent; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			req := httptest.NewRequest("GET", "/data", nil)
			req.Header.Set(helpers.PaymentHeader, encoded)
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, req)
			if w.Code == http.StatusOK {
				successes.Add(1)
			}
		}()
	}
	wg.Wait()

	if successes.Load() != 1 {
		t.Errorf("%d concurrent submissions succeeded, want exactly 1", successes.Load())
	}
	if handlerCalls.Load() != 1 {
		t.Errorf("handler ran %d times, want exactly 1", handlerCalls.Load())
	}
}

func TestGate_HandlerErrorReleasesReservation(t *testing.T) {
	fac := &fakeFacilitator{}
	store := replay.NewMemoryStore()
	gate := newTestGate(t, fac, func(cfg *GateConfig) {
		cfg.Replay = store
	})

	failing := true
	handler := gate(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if failing {
			http.Error(w, "backend exploded", http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))

	proof := testProof(testRequirement(), "0x08")

	req := httptest.NewRequest("GET", "/data", nil)
	attachProof(t, req, proof)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want handler's 500 passed through", w.Code)
	}

	_, settles := fac.counts()
	if settles != 0 {
		t.Errorf("failed handler must not settle (%d settles)", settles)
	}

	// The proof was not consumed, so the client may retry with it.
	failing = false
	retry := httptest.NewRequest("GET", "/data", nil)
	attachProof(t, retry, proof)
	w2 := httptest.NewRecorder()
	handler.ServeHTTP(w2, retry)
	if w2.Code != http.StatusOK {
		t.Errorf("retry after handler failure status = %d, want 200", w2.Code)
	}
}

func TestGate_SettlementFailureNeverRetracts(t *testing.T) {
	fac := &fakeFacilitator{settleErr: errors.New("chain congestion")}
	gate := newTestGate(t, fac, nil)

	handler := gate(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("the goods"))
	}))

	req := httptest.NewRequest("GET", "/data", nil)
	attachProof(t, req, testProof(testRequirement(), "0x09"))
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	resp := w.Result()
	defer resp.Body.Close()

	// The handler committed to success, so the content stands. The failure
	// is reported out of band.
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200 despite settlement failure", resp.StatusCode)
	}
	if body := w.Body.String(); body != "the goods" {
		t.Errorf("body = %q, want the handler's content", body)
	}
	if resp.Header.Get(helpers.SettlementErrorHeader) == "" {
		t.Error("response must carry the settlement error header")
	}
	if resp.Header.Get(helpers.SettlementHeader) != "" {
		t.Error("failed settlement must not produce a settlement header")
	}
}

func TestGate_VerifyOnlySkipsSettlement(t *testing.T) {
	fac := &fakeFacilitator{}
	gate := newTestGate(t, fac, func(cfg *GateConfig) {
		cfg.VerifyOnly = true
	})

	handler := gate(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest("GET", "/data", nil)
	attachProof(t, req, testProof(testRequirement(), "0x0a"))
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}

	verifies, settles := fac.counts()
	if verifies != 1 || settles != 0 {
		t.Errorf("calls = %d verifies, %d settles; want 1 and 0", verifies, settles)
	}
}

func TestGate_HandlerWithoutWriteSettles(t *testing.T) {
	fac := &fakeFacilitator{}
	gate := newTestGate(t, fac, nil)

	// Returning without writing anything is an implicit 200 to net/http.
	handler := gate(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	proof := testProof(testRequirement(), "0x0c")

	req := httptest.NewRequest("GET", "/data", nil)
	attachProof(t, req, proof)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	_, settles := fac.counts()
	if settles != 1 {
		t.Errorf("settles = %d, want 1 for an implicit success", settles)
	}
	if w.Header().Get(helpers.SettlementHeader) == "" {
		t.Error("settlement header missing when the handler writes nothing")
	}

	// The proof settled, so a resubmission is a replay.
	second := httptest.NewRequest("GET", "/data", nil)
	attachProof(t, second, proof)
	w2 := httptest.NewRecorder()
	handler.ServeHTTP(w2, second)
	if w2.Code != http.StatusPaymentRequired {
		t.Errorf("resubmission status = %d, want 402", w2.Code)
	}
}

func TestGate_FallbackAroundInjectedFacilitator(t *testing.T) {
	backup := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/verify":
			_ = json.NewEncoder(w).Encode(paygate.VerifyResult{IsValid: true, Payer: "0xPayer"})
		case "/settle":
			_ = json.NewEncoder(w).Encode(paygate.SettlementResult{Success: true, Transaction: "0xbackup"})
		default:
			http.NotFound(w, r)
		}
	}))
	defer backup.Close()

	fac := &fakeFacilitator{verifyErr: paygate.ErrFacilitatorUnavailable, settleErr: paygate.ErrFacilitatorUnavailable}
	gate := newTestGate(t, fac, func(cfg *GateConfig) {
		cfg.FallbackFacilitatorURL = backup.URL
	})

	handler := gate(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest("GET", "/data", nil)
	attachProof(t, req, testProof(testRequirement(), "0x0d"))
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 via the fallback facilitator", w.Code)
	}
	settlement, err := encoding.DecodeSettlement(w.Header().Get(helpers.SettlementHeader))
	if err != nil {
		t.Fatalf("DecodeSettlement: %v", err)
	}
	if settlement.Transaction != "0xbackup" {
		t.Errorf("settlement transaction = %q, want the backup's", settlement.Transaction)
	}
}

func TestGate_ImplicitWriteCommitsSettlement(t *testing.T) {
	fac := &fakeFacilitator{}
	gate := newTestGate(t, fac, nil)

	handler := gate(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Write without an explicit WriteHeader implies 200.
		_, _ = w.Write([]byte("implicit ok"))
	}))

	req := httptest.NewRequest("GET", "/data", nil)
	attachProof(t, req, testProof(testRequirement(), "0x0b"))
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	_, settles := fac.counts()
	if settles != 1 {
		t.Errorf("settles = %d, want 1", settles)
	}
	if w.Header().Get(helpers.SettlementHeader) == "" {
		t.Error("settlement header missing on implicit-200 path")
	}
}
