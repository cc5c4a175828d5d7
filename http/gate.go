package http

import (
	"bufio"
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/meterpay/paygate"
	"github.com/meterpay/paygate/facilitator"
	"github.com/meterpay/paygate/http/internal/helpers"
	"github.com/meterpay/paygate/metrics"
	"github.com/meterpay/paygate/replay"
)

// GateConfig configures a resource gate.
type GateConfig struct {
	// FacilitatorURL is the primary facilitator endpoint. Ignored when
	// Facilitator is set directly.
	FacilitatorURL string

	// Facilitator overrides the facilitator client built from FacilitatorURL.
	Facilitator facilitator.Interface

	// FallbackFacilitatorURL is an optional backup facilitator, consulted
	// when the primary cannot be reached.
	FallbackFacilitatorURL string

	// Description describes the gated resource in challenges.
	Description string

	// Requirements is the ordered list of accepted payment options. Servers
	// list preferred options first.
	Requirements []paygate.PaymentRequirement

	// Handlers resolves proofs to scheme handlers. When nil, every scheme
	// named by a requirement is delegated to the facilitator.
	Handlers *paygate.Registry

	// Replay prevents a proof from being consumed twice. Defaults to an
	// in-process store; multi-instance deployments should share a
	// replay.SQLStore.
	Replay replay.Store

	// VerifyOnly skips settlement. Payments are verified and the handler
	// runs, but nothing moves on chain.
	VerifyOnly bool

	// SettleAsync settles in the background after the handler commits. The
	// response then carries no settlement header.
	SettleAsync bool

	// Timeouts bounds facilitator calls. Zero means DefaultTimeouts.
	Timeouts paygate.TimeoutConfig

	// Logger receives gate activity. Defaults to slog.Default().
	Logger *slog.Logger

	// Metrics receives payment event counters and latencies. Defaults to a
	// no-op recorder.
	Metrics metrics.Recorder

	// FacilitatorAuthorization is a static Authorization header value for
	// the primary facilitator.
	FacilitatorAuthorization string

	// FacilitatorAuthorizationProvider supplies a dynamic Authorization
	// value and takes precedence over FacilitatorAuthorization.
	FacilitatorAuthorizationProvider AuthorizationProvider

	// Facilitator hooks, run around verify and settle calls.
	FacilitatorOnBeforeVerify OnBeforeFunc
	FacilitatorOnAfterVerify  OnAfterVerifyFunc
	FacilitatorOnBeforeSettle OnBeforeFunc
	FacilitatorOnAfterSettle  OnAfterSettleFunc

	// FallbackFacilitatorAuthorization is a static Authorization header
	// value for the fallback facilitator.
	FallbackFacilitatorAuthorization string

	// FallbackFacilitatorAuthorizationProvider supplies a dynamic value for
	// the fallback facilitator.
	FallbackFacilitatorAuthorizationProvider AuthorizationProvider
}

// contextKey avoids collisions with other middleware's context values.
type contextKey string

// PaymentContextKey is the context key carrying the verified payment.
const PaymentContextKey = contextKey("paygate_payment")

// resourceGate holds the per-gate state shared across requests.
type resourceGate struct {
	cfg          GateConfig
	handlers     *paygate.Registry
	store        replay.Store
	logger       *slog.Logger
	recorder     metrics.Recorder
	requirements []paygate.PaymentRequirement
}

// NewResourceGate builds payment-gating middleware from cfg. Requirements are
// enriched once, at construction, from the facilitator's /supported endpoint
// so scheme-specific data like the Solana feePayer reaches clients through
// the challenge.
//
// The gate never answers a payment failure with a 5xx: every rejection, a
// facilitator outage included, is a fresh 402 challenge the client can act
// on. Settlement runs at the handler's commit point; once the handler has
// produced success content, a settlement failure is reported in a trailer
// header rather than by retracting the response.
func NewResourceGate(cfg GateConfig) func(http.Handler) http.Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	recorder := cfg.Metrics
	if recorder == nil {
		recorder = metrics.NewNoopRecorder()
	}

	timeouts := cfg.Timeouts
	if timeouts.VerifyTimeout == 0 && timeouts.SettleTimeout == 0 && timeouts.RequestTimeout == 0 {
		timeouts = paygate.DefaultTimeouts
	}

	fac := cfg.Facilitator
	var primary *FacilitatorClient
	if fac == nil {
		primary = &FacilitatorClient{
			BaseURL:               cfg.FacilitatorURL,
			Client:                &http.Client{Timeout: timeouts.RequestTimeout},
			Timeouts:              timeouts,
			Authorization:         cfg.FacilitatorAuthorization,
			AuthorizationProvider: cfg.FacilitatorAuthorizationProvider,
			OnBeforeVerify:        cfg.FacilitatorOnBeforeVerify,
			OnAfterVerify:         cfg.FacilitatorOnAfterVerify,
			OnBeforeSettle:        cfg.FacilitatorOnBeforeSettle,
			OnAfterSettle:         cfg.FacilitatorOnAfterSettle,
		}
		fac = primary
	}
	if cfg.FallbackFacilitatorURL != "" {
		fac = &fallbackFacilitator{
			primary: fac,
			backup: &FacilitatorClient{
				BaseURL:               cfg.FallbackFacilitatorURL,
				Client:                &http.Client{Timeout: timeouts.RequestTimeout},
				Timeouts:              timeouts,
				Authorization:         cfg.FallbackFacilitatorAuthorization,
				AuthorizationProvider: cfg.FallbackFacilitatorAuthorizationProvider,
			},
			logger: logger,
		}
	}

	handlers := cfg.Handlers
	if handlers == nil {
		handlers = paygate.NewRegistry()
		seen := make(map[string]bool)
		for _, req := range cfg.Requirements {
			if !seen[req.Scheme] {
				handlers.Register(facilitator.NewHandler(req.Scheme, fac))
				seen[req.Scheme] = true
			}
		}
	}

	store := cfg.Replay
	if store == nil {
		store = replay.NewMemoryStore()
	}

	requirements := cfg.Requirements
	if primary != nil {
		ctx, cancel := context.WithTimeout(context.Background(), timeouts.RequestTimeout)
		enriched, err := primary.EnrichRequirements(ctx, cfg.Requirements)
		cancel()
		if err != nil {
			logger.Warn("failed to enrich payment requirements from facilitator", "error", err)
		} else {
			logger.Info("payment requirements enriched from facilitator", "count", len(enriched))
			requirements = enriched
		}
	}

	gate := &resourceGate{
		cfg:          cfg,
		handlers:     handlers,
		store:        store,
		logger:       logger,
		recorder:     recorder,
		requirements: requirements,
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			gate.serve(w, r, next)
		})
	}
}

func (g *resourceGate) serve(w http.ResponseWriter, r *http.Request, next http.Handler) {
	description := g.cfg.Description
	if description == "" {
		description = "Payment required for " + r.URL.Path
	}

	challenge := func(errMsg string) {
		g.recorder.IncCounter(metrics.EventChallenge, nil)
		if err := helpers.SendChallenge(w, description, g.requirements, errMsg); err != nil {
			g.logger.Error("failed to send payment challenge", "error", err)
		}
	}

	if r.Header.Get(helpers.PaymentHeader) == "" {
		g.logger.Info("no payment header provided", "path", r.URL.Path)
		challenge("")
		return
	}

	// An unparseable proof gets a fresh challenge, not a 400: the client's
	// recovery path is identical to first contact.
	proof, err := helpers.ParseProofHeader(r)
	if err != nil {
		g.logger.Warn("invalid payment header", "error", err)
		challenge("invalid payment header")
		return
	}

	handler, ok := g.handlers.Lookup(proof.Scheme)
	if !ok {
		g.logger.Warn("unsupported payment scheme", "scheme", proof.Scheme)
		challenge("unsupported payment scheme: " + proof.Scheme)
		return
	}

	requirement, err := paygate.MatchRequirement(proof, g.requirements)
	if err != nil {
		g.logger.Warn("no matching requirement", "error", err)
		challenge("payment does not match any accepted requirement")
		return
	}

	labels := map[string]string{"network": requirement.Network}

	verifyStart := time.Now()
	verifyResult, err := handler.Verify(r.Context(), proof, requirement)
	g.recorder.ObserveLatency("verify", time.Since(verifyStart), labels)
	if err != nil {
		// Fail closed. The facilitator being unreachable is not the
		// client's fault, but the payment is unverified either way.
		g.logger.Error("payment verification errored", "error", err)
		g.recorder.IncCounter(metrics.EventVerifyError, labels)
		challenge("payment verification unavailable, please retry")
		return
	}

	if !verifyResult.IsValid {
		g.logger.Warn("payment verification rejected",
			"reason", verifyResult.InvalidReason, "message", verifyResult.InvalidMessage)
		g.recorder.IncCounter(metrics.EventVerifyInvalid, labels)
		challenge(verifyResult.InvalidReason)
		return
	}

	g.logger.Info("payment verified", "payer", verifyResult.Payer, "network", requirement.Network)
	g.recorder.IncCounter(metrics.EventVerifyOK, labels)

	proofID, err := replay.ProofID(proof)
	if err != nil {
		g.logger.Error("failed to derive proof id", "error", err)
		challenge("invalid payment proof")
		return
	}

	// Reserve before the handler runs: of N concurrent submissions of the
	// same proof, exactly one reaches the handler.
	reserved, err := g.store.Reserve(r.Context(), proofID)
	if err != nil {
		g.logger.Error("replay store unavailable", "error", err)
		challenge("payment verification unavailable, please retry")
		return
	}
	if !reserved {
		g.logger.Warn("payment proof replayed", "proof_id", proofID)
		g.recorder.IncCounter(metrics.EventReplayRejected, labels)
		challenge("payment proof already used")
		return
	}

	ctx := context.WithValue(r.Context(), PaymentContextKey, verifyResult)
	r = r.WithContext(ctx)

	interceptor := &settlementInterceptor{
		w: w,
		settleFunc: func() {
			g.settle(r.Context(), w, proof, requirement, verifyResult, labels)
		},
		onFailure: func(statusCode int) {
			// The handler failed before anything settled, so the client may
			// legitimately retry with the same proof.
			g.logger.Warn("handler returned non-success, releasing payment reservation",
				"status", statusCode)
			if err := g.store.Release(r.Context(), proofID); err != nil {
				g.logger.Error("failed to release payment reservation", "error", err)
			}
		},
	}
	next.ServeHTTP(interceptor, r)

	// A handler that returns without writing anything is an implicit 200 to
	// net/http, so it is a success commit here too.
	if !interceptor.committed {
		interceptor.WriteHeader(http.StatusOK)
	}
}

// settle runs at the handler's commit point, after the handler has decided to
// succeed and before its status line goes out. Settlement failure here never
// retracts the response: the handler's content is already owed to the client,
// so the failure is reported in a header and reconciled out of band.
func (g *resourceGate) settle(ctx context.Context, w http.ResponseWriter, proof *paygate.PaymentProof, requirement *paygate.PaymentRequirement, verifyResult *paygate.VerifyResult, labels map[string]string) {
	if g.cfg.VerifyOnly {
		return
	}

	handler, ok := g.handlers.Lookup(proof.Scheme)
	if !ok {
		return
	}

	if g.cfg.SettleAsync {
		proofCopy := *proof
		reqCopy := *requirement
		go func() {
			timeout := g.cfg.Timeouts.SettleTimeout
			if timeout <= 0 {
				timeout = paygate.DefaultTimeouts.SettleTimeout
			}
			bgCtx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()

			start := time.Now()
			result, err := handler.Settle(bgCtx, &proofCopy, &reqCopy)
			g.recorder.ObserveLatency("settle", time.Since(start), labels)
			if err != nil || !result.Success {
				g.logger.Error("async settlement failed", "error", err)
				g.recorder.IncCounter(metrics.EventSettleError, labels)
				return
			}
			g.logger.Info("payment settled", "transaction", result.Transaction)
			g.recorder.IncCounter(metrics.EventSettleOK, labels)
		}()
		return
	}

	g.logger.Info("settling payment", "payer", verifyResult.Payer)
	start := time.Now()
	result, err := handler.Settle(ctx, proof, requirement)
	g.recorder.ObserveLatency("settle", time.Since(start), labels)
	if err != nil {
		g.logger.Error("settlement failed after handler success", "error", err)
		g.recorder.IncCounter(metrics.EventSettleError, labels)
		w.Header().Set(helpers.SettlementErrorHeader, "settlement failed")
		return
	}
	if !result.Success {
		g.logger.Error("settlement unsuccessful after handler success",
			"reason", result.ErrorReason, "message", result.ErrorMessage)
		g.recorder.IncCounter(metrics.EventSettleError, labels)
		w.Header().Set(helpers.SettlementErrorHeader, result.ErrorReason)
		return
	}

	g.logger.Info("payment settled", "transaction", result.Transaction)
	g.recorder.IncCounter(metrics.EventSettleOK, labels)
	if err := helpers.AddSettlementHeader(w, result); err != nil {
		g.logger.Warn("failed to add settlement header", "error", err)
	}
}

// fallbackFacilitator tries the primary facilitator and falls back to the
// backup only when the primary cannot be reached. A rejection from the
// primary is final; shopping a declined proof to a second facilitator would
// undermine verification.
type fallbackFacilitator struct {
	primary facilitator.Interface
	backup  facilitator.Interface
	logger  *slog.Logger
}

func (f *fallbackFacilitator) Verify(ctx context.Context, proof paygate.PaymentProof, req paygate.PaymentRequirement) (*paygate.VerifyResult, error) {
	result, err := f.primary.Verify(ctx, proof, req)
	if err != nil && errors.Is(err, paygate.ErrFacilitatorUnavailable) {
		f.logger.Warn("primary facilitator unavailable, trying fallback", "error", err)
		return f.backup.Verify(ctx, proof, req)
	}
	return result, err
}

func (f *fallbackFacilitator) Settle(ctx context.Context, proof paygate.PaymentProof, req paygate.PaymentRequirement) (*paygate.SettlementResult, error) {
	result, err := f.primary.Settle(ctx, proof, req)
	if err != nil && errors.Is(err, paygate.ErrFacilitatorUnavailable) {
		f.logger.Warn("primary facilitator unavailable, trying fallback", "error", err)
		return f.backup.Settle(ctx, proof, req)
	}
	return result, err
}

func (f *fallbackFacilitator) Supported(ctx context.Context) (*paygate.SupportedResponse, error) {
	result, err := f.primary.Supported(ctx)
	if err != nil {
		return f.backup.Supported(ctx)
	}
	return result, err
}

// settlementInterceptor wraps the ResponseWriter to intercept the moment of
// commitment. Settlement runs when the handler first writes a success status;
// error statuses pass through untouched and trigger the failure callback.
type settlementInterceptor struct {
	w          http.ResponseWriter
	settleFunc func()
	onFailure  func(statusCode int)
	committed  bool
}

func (i *settlementInterceptor) Header() http.Header {
	return i.w.Header()
}

func (i *settlementInterceptor) Write(b []byte) (int, error) {
	// Write without WriteHeader implies 200 OK, which is a commit.
	if !i.committed {
		i.WriteHeader(http.StatusOK)
	}
	return i.w.Write(b)
}

func (i *settlementInterceptor) WriteHeader(statusCode int) {
	if i.committed {
		return
	}
	i.committed = true

	// Handler errors pass through without settlement.
	if statusCode >= 400 {
		if i.onFailure != nil {
			i.onFailure(statusCode)
		}
		i.w.WriteHeader(statusCode)
		return
	}

	// Handler success: settle now, while headers can still carry the
	// settlement result. Either way the handler's status goes out.
	i.settleFunc()
	i.w.WriteHeader(statusCode)
}

// Flush implements http.Flusher to support streaming responses.
func (i *settlementInterceptor) Flush() {
	if !i.committed {
		i.WriteHeader(http.StatusOK)
	}
	if flusher, ok := i.w.(http.Flusher); ok {
		flusher.Flush()
	}
}

// Hijack implements http.Hijacker. Hijacking is a success path (e.g. a
// WebSocket upgrade), so settlement runs first.
func (i *settlementInterceptor) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := i.w.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("hijacking not supported")
	}
	if !i.committed {
		i.committed = true
		i.settleFunc()
	}
	return hijacker.Hijack()
}

// Push implements http.Pusher to support HTTP/2 server push.
func (i *settlementInterceptor) Push(target string, opts *http.PushOptions) error {
	if pusher, ok := i.w.(http.Pusher); ok {
		return pusher.Push(target, opts)
	}
	return http.ErrNotSupported
}

// GetPaymentFromContext extracts the verified payment from a request context.
// Returns nil when the request did not pass through a resource gate.
func GetPaymentFromContext(ctx context.Context) *paygate.VerifyResult {
	value := ctx.Value(PaymentContextKey)
	if value == nil {
		return nil
	}
	result, ok := value.(*paygate.VerifyResult)
	if !ok {
		return nil
	}
	return result
}
