// Package http provides the HTTP halves of the paygate protocol: the
// resource gate middleware for servers, the paying transport and client for
// consumers, and the facilitator client the gate delegates to.
package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/meterpay/paygate"
	"github.com/meterpay/paygate/facilitator"
	"github.com/meterpay/paygate/retry"
)

// AuthorizationProvider returns an Authorization header value per request.
// Useful for dynamic tokens (e.g. JWT refresh). The provider is called on
// every request, including retries, and must be safe for concurrent use.
type AuthorizationProvider func(*http.Request) string

// OnBeforeFunc runs before a verify or settle call. Returning an error
// aborts the operation.
type OnBeforeFunc func(context.Context, paygate.PaymentProof, paygate.PaymentRequirement) error

// OnAfterVerifyFunc runs after a Verify call completes, success or failure.
type OnAfterVerifyFunc func(context.Context, paygate.PaymentProof, paygate.PaymentRequirement, *paygate.VerifyResult, error)

// OnAfterSettleFunc runs after a Settle call completes, success or failure.
type OnAfterSettleFunc func(context.Context, paygate.PaymentProof, paygate.PaymentRequirement, *paygate.SettlementResult, error)

// FacilitatorClient talks to a facilitator service over HTTP. The zero value
// is not usable; set at least BaseURL.
type FacilitatorClient struct {
	// BaseURL is the facilitator endpoint, without trailing slash.
	BaseURL string

	// Client is the HTTP client used for requests. Defaults to
	// http.DefaultClient.
	Client *http.Client

	// Timeouts bounds verify and settle calls when the caller's context
	// carries no deadline of its own.
	Timeouts paygate.TimeoutConfig

	// MaxRetries is the number of retry attempts after the first failure.
	MaxRetries int

	// RetryDelay is the initial backoff delay (default 100ms, doubled per
	// attempt, capped at four times the initial value).
	RetryDelay time.Duration

	// Authorization is a static Authorization header value
	// (e.g. "Bearer token").
	Authorization string

	// AuthorizationProvider supplies a dynamic Authorization value and
	// takes precedence over Authorization when set.
	AuthorizationProvider AuthorizationProvider

	// OnBeforeVerify aborts verification when it returns an error.
	OnBeforeVerify OnBeforeFunc

	// OnAfterVerify observes verification outcomes.
	OnAfterVerify OnAfterVerifyFunc

	// OnBeforeSettle aborts settlement when it returns an error.
	OnBeforeSettle OnBeforeFunc

	// OnAfterSettle observes settlement outcomes.
	OnAfterSettle OnAfterSettleFunc
}

var _ facilitator.Interface = (*FacilitatorClient)(nil)

func (c *FacilitatorClient) httpClient() *http.Client {
	if c.Client != nil {
		return c.Client
	}
	return http.DefaultClient
}

// setAuthorizationHeader sets the Authorization header if configured. The
// provider, when present, wins over the static value.
func (c *FacilitatorClient) setAuthorizationHeader(req *http.Request) {
	var value string
	if c.AuthorizationProvider != nil {
		value = c.AuthorizationProvider(req)
	} else if c.Authorization != "" {
		value = c.Authorization
	}
	if value != "" {
		req.Header.Set("Authorization", value)
	}
}

func (c *FacilitatorClient) retryConfig() retry.Config {
	delay := c.RetryDelay
	if delay <= 0 {
		delay = 100 * time.Millisecond
	}

	retries := c.MaxRetries
	if retries < 0 {
		retries = 0
	}

	return retry.Config{
		MaxAttempts:  retries + 1,
		InitialDelay: delay,
		MaxDelay:     delay * 4,
		Multiplier:   2.0,
	}
}

// Verify checks a payment proof without executing the payment. Transport
// failures are wrapped in paygate.ErrFacilitatorUnavailable so callers can
// tell infrastructure trouble apart from a rejected proof.
func (c *FacilitatorClient) Verify(ctx context.Context, proof paygate.PaymentProof, requirement paygate.PaymentRequirement) (*paygate.VerifyResult, error) {
	if c.OnBeforeVerify != nil {
		if err := c.OnBeforeVerify(ctx, proof, requirement); err != nil {
			return nil, err
		}
	}

	body := facilitator.VerifyRequest{
		Version:            paygate.ProtocolVersion,
		PaymentProof:       proof,
		PaymentRequirement: requirement,
	}

	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal verify request: %w", err)
	}

	result, resultErr := retry.WithRetry(ctx, c.retryConfig(), isUnavailableError, func() (*paygate.VerifyResult, error) {
		// Apply the configured timeout only if the caller set no deadline.
		reqCtx := ctx
		if _, hasDeadline := ctx.Deadline(); !hasDeadline && c.Timeouts.VerifyTimeout > 0 {
			var cancel context.CancelFunc
			reqCtx, cancel = context.WithTimeout(ctx, c.Timeouts.VerifyTimeout)
			defer cancel()
		}

		httpReq, err := http.NewRequestWithContext(reqCtx, "POST", c.BaseURL+"/verify", bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("failed to create request: %w", err)
		}
		httpReq.Header.Set("Content-Type", "application/json")
		c.setAuthorizationHeader(httpReq)

		httpResp, err := c.httpClient().Do(httpReq)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", paygate.ErrFacilitatorUnavailable, err)
		}
		defer httpResp.Body.Close()

		if httpResp.StatusCode != http.StatusOK {
			return nil, parseErrorResponse(httpResp, paygate.ErrVerificationFailed)
		}

		var verifyResult paygate.VerifyResult
		if err := json.NewDecoder(httpResp.Body).Decode(&verifyResult); err != nil {
			return nil, fmt.Errorf("failed to decode verify response: %w", err)
		}

		if verifyResult.Payer == "" {
			verifyResult.Payer = proof.Payer
		}

		return &verifyResult, nil
	})

	if c.OnAfterVerify != nil {
		c.OnAfterVerify(ctx, proof, requirement, result, resultErr)
	}

	return result, resultErr
}

// Settle executes a verified payment.
func (c *FacilitatorClient) Settle(ctx context.Context, proof paygate.PaymentProof, requirement paygate.PaymentRequirement) (*paygate.SettlementResult, error) {
	if c.OnBeforeSettle != nil {
		if err := c.OnBeforeSettle(ctx, proof, requirement); err != nil {
			return nil, err
		}
	}

	body := facilitator.SettleRequest{
		Version:            paygate.ProtocolVersion,
		PaymentProof:       proof,
		PaymentRequirement: requirement,
	}

	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal settle request: %w", err)
	}

	result, resultErr := retry.WithRetry(ctx, c.retryConfig(), isUnavailableError, func() (*paygate.SettlementResult, error) {
		reqCtx := ctx
		if _, hasDeadline := ctx.Deadline(); !hasDeadline && c.Timeouts.SettleTimeout > 0 {
			var cancel context.CancelFunc
			reqCtx, cancel = context.WithTimeout(ctx, c.Timeouts.SettleTimeout)
			defer cancel()
		}

		httpReq, err := http.NewRequestWithContext(reqCtx, "POST", c.BaseURL+"/settle", bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("failed to create request: %w", err)
		}
		httpReq.Header.Set("Content-Type", "application/json")
		c.setAuthorizationHeader(httpReq)

		httpResp, err := c.httpClient().Do(httpReq)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", paygate.ErrFacilitatorUnavailable, err)
		}
		defer httpResp.Body.Close()

		if httpResp.StatusCode != http.StatusOK {
			return nil, parseErrorResponse(httpResp, paygate.ErrSettlementFailed)
		}

		var settleResult paygate.SettlementResult
		if err := json.NewDecoder(httpResp.Body).Decode(&settleResult); err != nil {
			return nil, fmt.Errorf("failed to decode settlement response: %w", err)
		}

		return &settleResult, nil
	})

	if c.OnAfterSettle != nil {
		c.OnAfterSettle(ctx, proof, requirement, result, resultErr)
	}

	return result, resultErr
}

// Supported queries the facilitator for supported payment kinds.
func (c *FacilitatorClient) Supported(ctx context.Context) (*paygate.SupportedResponse, error) {
	reqCtx := ctx
	if _, hasDeadline := ctx.Deadline(); !hasDeadline && c.Timeouts.VerifyTimeout > 0 {
		var cancel context.CancelFunc
		reqCtx, cancel = context.WithTimeout(ctx, c.Timeouts.VerifyTimeout)
		defer cancel()
	}

	httpReq, err := http.NewRequestWithContext(reqCtx, "GET", c.BaseURL+"/supported", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	c.setAuthorizationHeader(httpReq)

	httpResp, err := c.httpClient().Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", paygate.ErrFacilitatorUnavailable, err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("supported endpoint failed: status %d", httpResp.StatusCode)
	}

	var supported paygate.SupportedResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&supported); err != nil {
		return nil, fmt.Errorf("failed to decode supported response: %w", err)
	}

	return &supported, nil
}

// EnrichRequirements merges facilitator-provided per-kind data into the
// configured requirements. This matters for Solana requirements, where the
// facilitator's feePayer address must reach clients through the challenge.
// User-specified Extra values take precedence over facilitator ones.
func (c *FacilitatorClient) EnrichRequirements(ctx context.Context, requirements []paygate.PaymentRequirement) ([]paygate.PaymentRequirement, error) {
	supported, err := c.Supported(ctx)
	if err != nil {
		return requirements, fmt.Errorf("failed to fetch supported payment kinds: %w", err)
	}

	kinds := make(map[string]paygate.SupportedKind)
	for _, kind := range supported.Kinds {
		kinds[kind.Network+"-"+kind.Scheme] = kind
	}

	enriched := make([]paygate.PaymentRequirement, len(requirements))
	for i, req := range requirements {
		enriched[i] = req
		kind, ok := kinds[req.Network+"-"+req.Scheme]
		if !ok || kind.Extra == nil {
			continue
		}
		if enriched[i].Extra == nil {
			enriched[i].Extra = make(map[string]any)
		}
		for k, v := range kind.Extra {
			if _, exists := enriched[i].Extra[k]; !exists {
				enriched[i].Extra[k] = v
			}
		}
	}

	return enriched, nil
}

// parseErrorResponse extracts error details from a non-200 facilitator
// response, keeping the sentinel in the chain for errors.Is checks.
func parseErrorResponse(resp *http.Response, baseErr error) error {
	bodyBytes, _ := io.ReadAll(resp.Body)

	var errBody map[string]any
	if err := json.Unmarshal(bodyBytes, &errBody); err == nil {
		if reason, ok := errBody["invalidReason"].(string); ok && reason != "" {
			return fmt.Errorf("%w: status %d, reason: %s", baseErr, resp.StatusCode, reason)
		}
		if reason, ok := errBody["errorReason"].(string); ok && reason != "" {
			return fmt.Errorf("%w: status %d, reason: %s", baseErr, resp.StatusCode, reason)
		}
	}

	if len(bodyBytes) > 0 && len(bodyBytes) < 500 {
		return fmt.Errorf("%w: status %d, body: %s", baseErr, resp.StatusCode, string(bodyBytes))
	}

	return fmt.Errorf("%w: status %d", baseErr, resp.StatusCode)
}

// isUnavailableError reports whether err means the facilitator could not be
// reached, the only condition worth retrying.
func isUnavailableError(err error) bool {
	return errors.Is(err, paygate.ErrFacilitatorUnavailable)
}
