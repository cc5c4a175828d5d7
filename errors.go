package paygate

import "errors"

// Sentinel errors for payment operations. A missing proof on first contact is
// not an error: the gate answers it with a 402 challenge and the client is
// expected to retry with a proof attached.
var (
	// ErrUnsupportedScheme indicates no registered scheme matches the one a
	// challenge or proof names.
	ErrUnsupportedScheme = errors.New("paygate: unsupported payment scheme")

	// ErrInvalidProof indicates a payment proof is malformed or unparseable.
	ErrInvalidProof = errors.New("paygate: invalid payment proof")

	// ErrVerificationFailed indicates the facilitator rejected the proof.
	ErrVerificationFailed = errors.New("paygate: payment verification failed")

	// ErrSettlementFailed indicates a verified payment did not settle.
	ErrSettlementFailed = errors.New("paygate: payment settlement failed")

	// ErrFacilitatorUnavailable indicates the facilitator could not be
	// reached. The gate fails closed on this error.
	ErrFacilitatorUnavailable = errors.New("paygate: facilitator unavailable")

	// ErrSignerDeclined indicates the signer refused to produce a proof.
	ErrSignerDeclined = errors.New("paygate: signer declined to sign payment")

	// ErrAlreadySettled indicates a proof was already consumed by a prior
	// settlement and is being replayed.
	ErrAlreadySettled = errors.New("paygate: payment proof already settled")

	// ErrInvalidChallenge indicates a 402 response body could not be parsed
	// into a usable challenge.
	ErrInvalidChallenge = errors.New("paygate: invalid payment challenge")

	// ErrNoBuilder indicates no proof builder can satisfy any challenge
	// requirement.
	ErrNoBuilder = errors.New("paygate: no builder can satisfy payment requirements")

	// ErrAmountExceeded indicates a payment exceeds the per-call limit.
	ErrAmountExceeded = errors.New("paygate: payment amount exceeds per-call limit")

	// ErrRequestNotReplayable indicates the original request body cannot be
	// re-sent on the paid retry.
	ErrRequestNotReplayable = errors.New("paygate: request body cannot be replayed")

	// ErrInvalidAmount indicates a malformed or negative amount string.
	ErrInvalidAmount = errors.New("paygate: invalid amount")

	// ErrInvalidNetwork indicates an unsupported or malformed network identifier.
	ErrInvalidNetwork = errors.New("paygate: invalid or unsupported network")

	// ErrInvalidKey indicates an invalid signing key.
	ErrInvalidKey = errors.New("paygate: invalid private key")

	// ErrInvalidToken indicates an invalid token configuration.
	ErrInvalidToken = errors.New("paygate: invalid token configuration")

	// ErrMalformedHeader indicates the X-PAYMENT header could not be decoded.
	ErrMalformedHeader = errors.New("paygate: malformed payment header")

	// ErrUnsupportedVersion indicates an unsupported protocol version.
	ErrUnsupportedVersion = errors.New("paygate: unsupported protocol version")
)

// ErrorCode classifies payment errors for programmatic handling.
type ErrorCode string

const (
	// CodeUnsupportedScheme covers "no supported payment method" on either
	// side of the protocol.
	CodeUnsupportedScheme ErrorCode = "UNSUPPORTED_SCHEME"

	// CodeInvalidProof covers malformed or unparseable proofs.
	CodeInvalidProof ErrorCode = "INVALID_PROOF"

	// CodeVerificationFailed covers facilitator rejections.
	CodeVerificationFailed ErrorCode = "VERIFICATION_FAILED"

	// CodeSettlementFailed covers failed settlement of a verified proof.
	CodeSettlementFailed ErrorCode = "SETTLEMENT_FAILED"

	// CodeNetworkError covers unreachable facilitators or resources.
	CodeNetworkError ErrorCode = "NETWORK_ERROR"

	// CodeSignerDeclined covers signer/wallet refusal.
	CodeSignerDeclined ErrorCode = "SIGNER_DECLINED"

	// CodeSigningFailed covers proof construction failures other than refusal.
	CodeSigningFailed ErrorCode = "SIGNING_FAILED"

	// CodeInvalidChallenge covers unusable 402 bodies.
	CodeInvalidChallenge ErrorCode = "INVALID_CHALLENGE"

	// CodeAmountExceeded covers per-call limit violations.
	CodeAmountExceeded ErrorCode = "AMOUNT_EXCEEDED"

	// CodeAlreadySettled covers replayed proofs.
	CodeAlreadySettled ErrorCode = "ALREADY_SETTLED"

	// CodeUnsupportedVersion covers protocol version mismatches.
	CodeUnsupportedVersion ErrorCode = "UNSUPPORTED_VERSION"

	// CodeRequestNotReplayable covers retries whose body cannot be re-sent.
	CodeRequestNotReplayable ErrorCode = "REQUEST_NOT_REPLAYABLE"
)

// PaymentError provides structured error information.
type PaymentError struct {
	// Code is the error code for programmatic handling.
	Code ErrorCode

	// Message is the human-readable error message.
	Message string

	// Details contains additional error context.
	Details map[string]interface{}

	// Err is the underlying error.
	Err error
}

// Error implements the error interface.
func (e *PaymentError) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

// Unwrap returns the underlying error.
func (e *PaymentError) Unwrap() error {
	return e.Err
}

// NewPaymentError creates a new PaymentError with the given code and message.
func NewPaymentError(code ErrorCode, message string, err error) *PaymentError {
	return &PaymentError{
		Code:    code,
		Message: message,
		Err:     err,
		Details: make(map[string]interface{}),
	}
}

// WithDetails adds additional context to the error.
func (e *PaymentError) WithDetails(key string, value interface{}) *PaymentError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// CodeOf returns the ErrorCode of err if it is (or wraps) a PaymentError,
// or the empty string otherwise.
func CodeOf(err error) ErrorCode {
	var pe *PaymentError
	if errors.As(err, &pe) {
		return pe.Code
	}
	return ""
}
