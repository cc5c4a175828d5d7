package paygate

import (
	"sort"
	"strings"
)

// Selector chooses which challenge requirement to pay and which builder pays
// it. Selection is separate from proof construction so the signing step can
// be cancelled independently.
type Selector interface {
	// Select picks a builder and the requirement it should satisfy from the
	// options a challenge offers. It returns ErrNoBuilder (wrapped in a
	// PaymentError with CodeUnsupportedScheme) when nothing matches.
	Select(builders []ProofBuilder, accepts []PaymentRequirement) (ProofBuilder, *PaymentRequirement, error)
}

// FirstMatchSelector walks the challenge's requirements in server order and
// picks the first one some builder can satisfy. Among builders capable of the
// same requirement, lower Priority wins, then configuration order. This is
// the default: servers list their preferred payment options first.
type FirstMatchSelector struct{}

// NewFirstMatchSelector creates the default selector.
func NewFirstMatchSelector() *FirstMatchSelector {
	return &FirstMatchSelector{}
}

// Select implements Selector.
func (s *FirstMatchSelector) Select(builders []ProofBuilder, accepts []PaymentRequirement) (ProofBuilder, *PaymentRequirement, error) {
	if len(builders) == 0 {
		return nil, nil, NewPaymentError(CodeUnsupportedScheme, "no proof builders configured", ErrNoBuilder)
	}
	if len(accepts) == 0 {
		return nil, nil, NewPaymentError(CodeInvalidChallenge, "challenge offers no payment requirements", ErrInvalidChallenge)
	}

	sawValidAmount := false
	for i := range accepts {
		req := &accepts[i]

		required, err := ParseAtomic(req.MaxAmountRequired)
		if err != nil {
			continue
		}
		sawValidAmount = true

		var best ProofBuilder
		for _, b := range builders {
			if !b.CanBuild(req) {
				continue
			}
			if limit := b.MaxAmount(); limit != nil && required.Cmp(limit) > 0 {
				continue
			}
			if best == nil || b.Priority() < best.Priority() {
				best = b
			}
		}
		if best != nil {
			return best, req, nil
		}
	}

	if !sawValidAmount {
		return nil, nil, NewPaymentError(CodeInvalidChallenge, "no requirement carries a valid amount", ErrInvalidChallenge)
	}

	return nil, nil, noSupportedMethodError(accepts)
}

// PrioritySelector considers every (builder, requirement) pair and picks the
// globally best one by builder priority, then token priority, then
// configuration order. Use it when client-side preferences should override
// the server's ordering.
type PrioritySelector struct{}

// NewPrioritySelector creates a priority-driven selector.
func NewPrioritySelector() *PrioritySelector {
	return &PrioritySelector{}
}

// Select implements Selector.
func (s *PrioritySelector) Select(builders []ProofBuilder, accepts []PaymentRequirement) (ProofBuilder, *PaymentRequirement, error) {
	if len(builders) == 0 {
		return nil, nil, NewPaymentError(CodeUnsupportedScheme, "no proof builders configured", ErrNoBuilder)
	}
	if len(accepts) == 0 {
		return nil, nil, NewPaymentError(CodeInvalidChallenge, "challenge offers no payment requirements", ErrInvalidChallenge)
	}

	type candidate struct {
		builder         ProofBuilder
		requirement     *PaymentRequirement
		builderPriority int
		tokenPriority   int
		builderIndex    int
		reqIndex        int
	}

	var candidates []candidate
	sawValidAmount := false

	for i := range accepts {
		req := &accepts[i]

		required, err := ParseAtomic(req.MaxAmountRequired)
		if err != nil {
			continue
		}
		sawValidAmount = true

		for bi, b := range builders {
			if !b.CanBuild(req) {
				continue
			}
			if limit := b.MaxAmount(); limit != nil && required.Cmp(limit) > 0 {
				continue
			}

			tokenPriority := 0
			for _, token := range b.Tokens() {
				if strings.EqualFold(token.Address, req.Asset) {
					tokenPriority = token.Priority
					break
				}
			}

			candidates = append(candidates, candidate{
				builder:         b,
				requirement:     req,
				builderPriority: b.Priority(),
				tokenPriority:   tokenPriority,
				builderIndex:    bi,
				reqIndex:        i,
			})
		}
	}

	if !sawValidAmount {
		return nil, nil, NewPaymentError(CodeInvalidChallenge, "no requirement carries a valid amount", ErrInvalidChallenge)
	}
	if len(candidates) == 0 {
		return nil, nil, noSupportedMethodError(accepts)
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].builderPriority != candidates[j].builderPriority {
			return candidates[i].builderPriority < candidates[j].builderPriority
		}
		if candidates[i].tokenPriority != candidates[j].tokenPriority {
			return candidates[i].tokenPriority < candidates[j].tokenPriority
		}
		if candidates[i].builderIndex != candidates[j].builderIndex {
			return candidates[i].builderIndex < candidates[j].builderIndex
		}
		return candidates[i].reqIndex < candidates[j].reqIndex
	})

	chosen := candidates[0]
	return chosen.builder, chosen.requirement, nil
}

func noSupportedMethodError(accepts []PaymentRequirement) error {
	options := make([]string, 0, len(accepts))
	for _, req := range accepts {
		options = append(options, req.Scheme+"/"+req.Network+":"+req.Asset)
	}
	return NewPaymentError(CodeUnsupportedScheme, "no supported payment method", ErrNoBuilder).
		WithDetails("options", strings.Join(options, ", "))
}

// MatchRequirement finds the configured requirement a proof satisfies. The
// proof's accepted requirement must match on scheme, network, asset, amount,
// and recipient; a proof bound to a different (possibly cheaper) option is
// rejected regardless of cryptographic validity.
func MatchRequirement(proof *PaymentProof, requirements []PaymentRequirement) (*PaymentRequirement, error) {
	for i := range requirements {
		req := &requirements[i]
		if req.Matches(proof.Accepted) {
			return req, nil
		}
	}
	return nil, NewPaymentError(CodeUnsupportedScheme, "proof does not match any configured requirement", ErrUnsupportedScheme).
		WithDetails("scheme", proof.Scheme).
		WithDetails("network", proof.Network)
}
