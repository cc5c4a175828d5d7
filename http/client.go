package http

import (
	"fmt"
	"net/http"

	"github.com/meterpay/paygate"
	"github.com/meterpay/paygate/http/internal/helpers"
)

// Client is an HTTP client that pays 402 challenges automatically. It wraps a
// standard http.Client with a PayingTransport, so it can be passed anywhere an
// *http.Client is accepted.
type Client struct {
	*http.Client
}

// ClientOption configures a Client.
type ClientOption func(*Client) error

// NewClient creates a paying HTTP client.
func NewClient(opts ...ClientOption) (*Client, error) {
	client := &Client{
		Client: &http.Client{},
	}

	if client.Transport == nil {
		client.Transport = http.DefaultTransport
	}

	for _, opt := range opts {
		if err := opt(client); err != nil {
			return nil, err
		}
	}

	return client, nil
}

// WithHTTPClient sets a custom underlying HTTP client.
func WithHTTPClient(httpClient *http.Client) ClientOption {
	return func(c *Client) error {
		c.Client = httpClient
		if c.Transport == nil {
			c.Transport = http.DefaultTransport
		}
		return nil
	}
}

// WithBuilder adds a proof builder. Multiple builders can be added; the
// selector picks among them per challenge.
func WithBuilder(builder paygate.ProofBuilder) ClientOption {
	return func(c *Client) error {
		if builder == nil {
			return fmt.Errorf("builder must not be nil")
		}
		transport := getOrCreateTransport(c)
		transport.Builders = append(transport.Builders, builder)
		return nil
	}
}

// WithSelector sets a custom payment selector.
func WithSelector(selector paygate.Selector) ClientOption {
	return func(c *Client) error {
		transport := getOrCreateTransport(c)
		transport.Selector = selector
		return nil
	}
}

// WithPaymentCallbacks sets payment event callbacks. Pass nil for any
// callback you don't want to set.
func WithPaymentCallbacks(onAttempt, onSuccess, onFailure paygate.PaymentCallback) ClientOption {
	return func(c *Client) error {
		transport := getOrCreateTransport(c)
		if onAttempt != nil {
			transport.OnPaymentAttempt = onAttempt
		}
		if onSuccess != nil {
			transport.OnPaymentSuccess = onSuccess
		}
		if onFailure != nil {
			transport.OnPaymentFailure = onFailure
		}
		return nil
	}
}

// getOrCreateTransport wraps the current transport in a PayingTransport once.
func getOrCreateTransport(c *Client) *PayingTransport {
	transport, ok := c.Transport.(*PayingTransport)
	if !ok {
		transport = &PayingTransport{
			Base:     c.Transport,
			Selector: paygate.NewFirstMatchSelector(),
		}
		c.Transport = transport
	}
	return transport
}

// GetSettlement extracts settlement information from a response. Returns nil
// if no settlement header is present or it cannot be parsed.
func GetSettlement(resp *http.Response) *paygate.SettlementResult {
	return helpers.ParseSettlement(resp.Header.Get(helpers.SettlementHeader))
}
