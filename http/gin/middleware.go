// Package gin provides Gin-compatible payment gating. It is a thin adapter
// that translates gin.Context to stdlib http patterns and delegates
// verification and settlement to the http package's building blocks.
//
// Unlike the stdlib gate, which settles at the handler's commit point, this
// middleware settles before calling c.Next(). Gin handlers freely write to
// the response stream, so the last safe moment to reject a payment is before
// the handler runs.
package gin

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/meterpay/paygate"
	"github.com/meterpay/paygate/facilitator"
	paygatehttp "github.com/meterpay/paygate/http"
	"github.com/meterpay/paygate/http/internal/helpers"
	"github.com/meterpay/paygate/metrics"
	"github.com/meterpay/paygate/replay"
)

// Config is an alias for paygatehttp.GateConfig for convenience.
type Config = paygatehttp.GateConfig

// PaymentContextKey is the gin context key carrying the verified payment.
const PaymentContextKey = "paygate_payment"

// NewResourceGate creates payment-gating middleware for Gin.
//
// The middleware:
//   - answers requests without an X-PAYMENT header with a 402 challenge
//   - answers every payment failure, malformed headers and facilitator
//     outages included, with a fresh 402 challenge
//   - verifies, reserves, and settles before calling c.Next()
//   - stores the verification result via c.Set(PaymentContextKey, result)
func NewResourceGate(cfg Config) gin.HandlerFunc {
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
	var client *paygatehttp.FacilitatorClient
	if fac == nil {
		client = &paygatehttp.FacilitatorClient{
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
		fac = client
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
	if client != nil {
		ctx, cancel := context.WithTimeout(context.Background(), timeouts.RequestTimeout)
		enriched, err := client.EnrichRequirements(ctx, cfg.Requirements)
		cancel()
		if err != nil {
			logger.Warn("failed to enrich payment requirements from facilitator", "error", err)
		} else {
			requirements = enriched
		}
	}

	return func(c *gin.Context) {
		description := cfg.Description
		if description == "" {
			description = "Payment required for " + c.Request.URL.Path
		}

		challenge := func(errMsg string) {
			recorder.IncCounter(metrics.EventChallenge, nil)
			sendChallengeGin(c, description, requirements, errMsg)
		}

		if c.GetHeader(helpers.PaymentHeader) == "" {
			logger.Info("no payment header provided", "path", c.Request.URL.Path)
			challenge("")
			return
		}

		proof, err := helpers.ParseProofHeader(c.Request)
		if err != nil {
			logger.Warn("invalid payment header", "error", err)
			challenge("invalid payment header")
			return
		}

		handler, ok := handlers.Lookup(proof.Scheme)
		if !ok {
			logger.Warn("unsupported payment scheme", "scheme", proof.Scheme)
			challenge("unsupported payment scheme: " + proof.Scheme)
			return
		}

		requirement, err := paygate.MatchRequirement(proof, requirements)
		if err != nil {
			logger.Warn("no matching requirement", "error", err)
			challenge("payment does not match any accepted requirement")
			return
		}

		labels := map[string]string{"network": requirement.Network}

		verifyStart := time.Now()
		verifyResult, err := handler.Verify(c.Request.Context(), proof, requirement)
		recorder.ObserveLatency("verify", time.Since(verifyStart), labels)
		if err != nil {
			logger.Error("payment verification errored", "error", err)
			recorder.IncCounter(metrics.EventVerifyError, labels)
			challenge("payment verification unavailable, please retry")
			return
		}
		if !verifyResult.IsValid {
			logger.Warn("payment verification rejected", "reason", verifyResult.InvalidReason)
			recorder.IncCounter(metrics.EventVerifyInvalid, labels)
			challenge(verifyResult.InvalidReason)
			return
		}
		recorder.IncCounter(metrics.EventVerifyOK, labels)

		proofID, err := replay.ProofID(proof)
		if err != nil {
			logger.Error("failed to derive proof id", "error", err)
			challenge("invalid payment proof")
			return
		}

		reserved, err := store.Reserve(c.Request.Context(), proofID)
		if err != nil {
			logger.Error("replay store unavailable", "error", err)
			challenge("payment verification unavailable, please retry")
			return
		}
		if !reserved {
			logger.Warn("payment proof replayed", "proof_id", proofID)
			recorder.IncCounter(metrics.EventReplayRejected, labels)
			challenge("payment proof already used")
			return
		}

		if !cfg.VerifyOnly {
			logger.Info("settling payment", "payer", verifyResult.Payer)
			settleStart := time.Now()
			result, err := handler.Settle(c.Request.Context(), proof, requirement)
			recorder.ObserveLatency("settle", time.Since(settleStart), labels)
			if err != nil {
				logger.Error("settlement failed", "error", err)
				recorder.IncCounter(metrics.EventSettleError, labels)
				challenge("payment settlement failed")
				return
			}
			if !result.Success {
				logger.Warn("settlement unsuccessful", "reason", result.ErrorReason)
				recorder.IncCounter(metrics.EventSettleError, labels)
				challenge(result.ErrorReason)
				return
			}

			logger.Info("payment settled", "transaction", result.Transaction)
			recorder.IncCounter(metrics.EventSettleOK, labels)
			if err := helpers.AddSettlementHeader(c.Writer, result); err != nil {
				logger.Warn("failed to add settlement header", "error", err)
			}
		}

		c.Set(PaymentContextKey, verifyResult)

		// Also store in the stdlib context so http.GetPaymentFromContext works.
		ctx := context.WithValue(c.Request.Context(), paygatehttp.PaymentContextKey, verifyResult)
		c.Request = c.Request.WithContext(ctx)

		c.Next()
	}
}

// sendChallengeGin sends a 402 challenge and aborts the handler chain.
func sendChallengeGin(c *gin.Context, description string, requirements []paygate.PaymentRequirement, errMsg string) {
	c.AbortWithStatusJSON(http.StatusPaymentRequired, paygate.PaymentChallenge{
		Version:     paygate.ProtocolVersion,
		Error:       errMsg,
		Description: description,
		Accepts:     requirements,
	})
}

// GetPaymentFromContext extracts the verified payment from the Gin context.
// Returns nil when the request did not pass through the gate.
func GetPaymentFromContext(c *gin.Context) *paygate.VerifyResult {
	value, exists := c.Get(PaymentContextKey)
	if !exists {
		return nil
	}
	result, ok := value.(*paygate.VerifyResult)
	if !ok {
		return nil
	}
	return result
}
