// Package swap normalizes swap-aggregator providers behind one Router
// interface. Providers differ in whether the swap output can be routed
// directly to an arbitrary third-party account; the capability flag lets
// callers decide whether a separate transfer leg is needed.
package swap

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// NativeMint is the wrapped native asset mint.
const NativeMint = "So11111111111111111111111111111111111111112"

var (
	ErrInvalidConfig = errors.New("swap: invalid config")
	ErrAggregator    = errors.New("swap: aggregator error")
)

// AggregatorError classifies provider failures. Transient failures
// (rate limits, 5xx, network) drive the bounded retry policy; permanent
// ones (no route, invalid params) abort immediately.
type AggregatorError struct {
	Message    string
	Transient  bool
	StatusCode int
}

func (e *AggregatorError) Error() string {
	if e == nil {
		return ""
	}
	if strings.TrimSpace(e.Message) == "" {
		return ErrAggregator.Error()
	}
	return "swap: " + e.Message
}

func (e *AggregatorError) Unwrap() error {
	return ErrAggregator
}

// RateLimited reports whether the failure was a rate-limit response.
func (e *AggregatorError) RateLimited() bool {
	return e != nil && e.StatusCode == 429
}

// Quote is a normalized swap quote. Raw carries the provider payload
// required to later build the swap transaction; quotes are never
// persisted past a single run.
type Quote struct {
	InputMint       string
	OutputMint      string
	InAmount        uint64
	OutAmount       uint64
	MinimumReceived uint64
	SlippageBps     int
	PriceImpactPct  string

	Raw json.RawMessage
}

func (q Quote) Validate() error {
	if strings.TrimSpace(q.InputMint) == "" || strings.TrimSpace(q.OutputMint) == "" {
		return fmt.Errorf("%w: quote missing mints", ErrInvalidConfig)
	}
	if q.InAmount == 0 || q.OutAmount == 0 {
		return fmt.Errorf("%w: quote has zero amounts", ErrInvalidConfig)
	}
	if len(q.Raw) == 0 {
		return fmt.Errorf("%w: quote missing provider payload", ErrInvalidConfig)
	}
	return nil
}

// TokenInfo is provider token metadata.
type TokenInfo struct {
	Address  string
	Symbol   string
	Name     string
	Decimals int
	LogoURI  string
}

// Router is the provider capability set.
type Router interface {
	// SupportsDirectRouting reports whether GetSwapTransaction can target
	// an output account owned by someone other than the signer.
	SupportsDirectRouting() bool

	GetQuote(ctx context.Context, inputMint, outputMint string, amount uint64, slippageBps int) (Quote, error)

	// GetSwapTransaction returns unsigned transaction bytes. recipient is
	// the destination token account for direct-routing providers and must
	// be empty otherwise.
	GetSwapTransaction(ctx context.Context, quote Quote, signer, recipient string) ([]byte, error)

	GetTokenList(ctx context.Context) ([]TokenInfo, error)
}
