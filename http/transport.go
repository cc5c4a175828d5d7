package http

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/meterpay/paygate"
	"github.com/meterpay/paygate/http/internal/helpers"
)

// PayingTransport is a RoundTripper that handles 402 payment challenges. It
// forwards the request unchanged; when the response is a 402 challenge it
// selects a payment option, builds a signed proof, and retries the request
// exactly once with the proof attached. The second response is returned
// verbatim, 402 or not: a second challenge means the payment was rejected and
// only the caller can decide whether paying again is acceptable.
type PayingTransport struct {
	// Base is the underlying RoundTripper. Defaults to http.DefaultTransport.
	Base http.RoundTripper

	// Builders is the list of available proof builders.
	Builders []paygate.ProofBuilder

	// Selector chooses the builder and requirement. Defaults to
	// paygate.FirstMatchSelector, which honors the server's ordering.
	Selector paygate.Selector

	// OnPaymentAttempt is called when a payment attempt starts.
	OnPaymentAttempt paygate.PaymentCallback

	// OnPaymentSuccess is called when a payment settles.
	OnPaymentSuccess paygate.PaymentCallback

	// OnPaymentFailure is called when a payment fails before the retry.
	OnPaymentFailure paygate.PaymentCallback
}

func (t *PayingTransport) base() http.RoundTripper {
	if t.Base != nil {
		return t.Base
	}
	return http.DefaultTransport
}

func (t *PayingTransport) selector() paygate.Selector {
	if t.Selector != nil {
		return t.Selector
	}
	return paygate.NewFirstMatchSelector()
}

// RoundTrip implements http.RoundTripper.
func (t *PayingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	// The first attempt goes out unchanged. Replayability only matters once a
	// challenge actually arrives and a second attempt is needed.
	resp, err := t.base().RoundTrip(req)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode != http.StatusPaymentRequired {
		return resp, nil
	}

	challenge, err := helpers.ParseChallenge(resp)
	resp.Body.Close()
	if err != nil {
		return nil, err
	}

	builder, requirement, err := t.selector().Select(t.Builders, challenge.Accepts)
	if err != nil {
		return nil, err
	}

	startTime := time.Now()

	if t.OnPaymentAttempt != nil {
		t.OnPaymentAttempt(paygate.PaymentEvent{
			Type:      paygate.PaymentEventAttempt,
			Timestamp: startTime,
			URL:       req.URL.String(),
			Scheme:    requirement.Scheme,
			Network:   requirement.Network,
			Amount:    requirement.MaxAmountRequired,
			Asset:     requirement.Asset,
			Recipient: requirement.PayTo,
		})
	}

	fail := func(err error) {
		if t.OnPaymentFailure != nil {
			t.OnPaymentFailure(paygate.PaymentEvent{
				Type:      paygate.PaymentEventFailure,
				Timestamp: time.Now(),
				URL:       req.URL.String(),
				Scheme:    requirement.Scheme,
				Network:   requirement.Network,
				Error:     err,
				Duration:  time.Since(startTime),
			})
		}
	}

	proof, err := builder.Build(req.Context(), requirement)
	if err != nil {
		err = classifyBuildError(err)
		fail(err)
		return nil, err
	}

	proofHeader, err := helpers.BuildProofHeader(proof)
	if err != nil {
		err = paygate.NewPaymentError(paygate.CodeSigningFailed, "failed to build payment header", err)
		fail(err)
		return nil, err
	}

	retryReq, err := cloneRequest(req)
	if err != nil {
		fail(err)
		return nil, err
	}
	retryReq.Header.Set(helpers.PaymentHeader, proofHeader)

	respRetry, err := t.base().RoundTrip(retryReq)
	duration := time.Since(startTime)
	if err != nil {
		fail(err)
		return nil, err
	}

	settlement := helpers.ParseSettlement(respRetry.Header.Get(helpers.SettlementHeader))
	if settlement != nil && settlement.Success && t.OnPaymentSuccess != nil {
		t.OnPaymentSuccess(paygate.PaymentEvent{
			Type:        paygate.PaymentEventSuccess,
			Timestamp:   time.Now(),
			URL:         req.URL.String(),
			Scheme:      requirement.Scheme,
			Network:     requirement.Network,
			Amount:      requirement.MaxAmountRequired,
			Asset:       requirement.Asset,
			Recipient:   requirement.PayTo,
			Payer:       settlement.Payer,
			Transaction: settlement.Transaction,
			Duration:    duration,
		})
	}

	return respRetry, nil
}

// cloneRequest copies req with a replayable body. Requests with a body must
// carry GetBody (http.NewRequest sets it for common body types); without it
// the body was consumed by the first attempt and cannot be re-sent.
func cloneRequest(req *http.Request) (*http.Request, error) {
	clone := req.Clone(req.Context())
	if req.Body == nil || req.Body == http.NoBody {
		return clone, nil
	}
	if req.GetBody == nil {
		return nil, paygate.NewPaymentError(paygate.CodeRequestNotReplayable,
			"request body cannot be replayed, set GetBody", paygate.ErrRequestNotReplayable)
	}
	body, err := req.GetBody()
	if err != nil {
		return nil, paygate.NewPaymentError(paygate.CodeRequestNotReplayable,
			"failed to rewind request body", err)
	}
	clone.Body = body
	return clone, nil
}

// classifyBuildError maps builder failures to payment error codes, keeping a
// signer's refusal distinct from a construction failure.
func classifyBuildError(err error) error {
	if paygate.CodeOf(err) != "" {
		return err
	}
	if errors.Is(err, paygate.ErrSignerDeclined) || errors.Is(err, context.Canceled) {
		return paygate.NewPaymentError(paygate.CodeSignerDeclined, "signer declined to sign payment", err)
	}
	return paygate.NewPaymentError(paygate.CodeSigningFailed, "failed to build payment proof", err)
}
