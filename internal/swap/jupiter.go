package swap

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// JupiterConfig configures the direct-routing aggregator.
type JupiterConfig struct {
	BaseURL      string
	TokenListURL string

	HTTPClient *http.Client
	Retry      RetryConfig
	TokenTTL   time.Duration
	Now        func() time.Time
	Log        *slog.Logger
}

// Jupiter can route swap output straight to an arbitrary destination
// token account in one transaction.
type Jupiter struct {
	baseURL      string
	tokenListURL string
	client       *httpClient
	tokens       *tokenCache
	log          *slog.Logger
}

func NewJupiter(cfg JupiterConfig) (*Jupiter, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, fmt.Errorf("%w: base url is required", ErrInvalidConfig)
	}
	tokenURL := strings.TrimSpace(cfg.TokenListURL)
	if tokenURL == "" {
		tokenURL = "https://token.jup.ag/strict"
	}
	log := cfg.Log
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Jupiter{
		baseURL:      base,
		tokenListURL: tokenURL,
		client:       newHTTPClient(cfg.HTTPClient, cfg.Retry),
		tokens:       newTokenCache(cfg.TokenTTL, cfg.Now),
		log:          log,
	}, nil
}

func (j *Jupiter) SupportsDirectRouting() bool { return true }

func (j *Jupiter) GetQuote(ctx context.Context, inputMint, outputMint string, amount uint64, slippageBps int) (Quote, error) {
	query := url.Values{
		"inputMint":                  {inputMint},
		"outputMint":                 {outputMint},
		"amount":                     {strconv.FormatUint(amount, 10)},
		"slippageBps":                {strconv.Itoa(slippageBps)},
		"restrictIntermediateTokens": {"true"},
	}
	var raw json.RawMessage
	if err := j.client.getJSON(ctx, j.baseURL+"/quote", query, &raw); err != nil {
		return Quote{}, fmt.Errorf("jupiter quote: %w", err)
	}

	var body struct {
		InputMint            string `json:"inputMint"`
		OutputMint           string `json:"outputMint"`
		InAmount             string `json:"inAmount"`
		OutAmount            string `json:"outAmount"`
		OtherAmountThreshold string `json:"otherAmountThreshold"`
		PriceImpactPct       string `json:"priceImpactPct"`
		SlippageBps          int    `json:"slippageBps"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		return Quote{}, fmt.Errorf("jupiter quote: %w", &AggregatorError{Message: "decode quote: " + err.Error(), Transient: true, StatusCode: 502})
	}

	quote, err := buildQuote(body.InputMint, body.OutputMint, body.InAmount, body.OutAmount, body.OtherAmountThreshold, body.PriceImpactPct, body.SlippageBps, raw)
	if err != nil {
		return Quote{}, fmt.Errorf("jupiter quote: %w", err)
	}
	return quote, nil
}

func (j *Jupiter) GetSwapTransaction(ctx context.Context, quote Quote, signer, recipient string) ([]byte, error) {
	if err := quote.Validate(); err != nil {
		return nil, err
	}
	req := map[string]any{
		"quoteResponse":           quote.Raw,
		"userPublicKey":           signer,
		"wrapAndUnwrapSol":        true,
		"dynamicComputeUnitLimit": true,
		"dynamicSlippage":         true,
		"prioritizationFeeLamports": map[string]any{
			"priorityLevelWithMaxLamports": map[string]any{
				"maxLamports":   1_000_000,
				"priorityLevel": "veryHigh",
			},
		},
	}
	if strings.TrimSpace(recipient) != "" {
		req["destinationTokenAccount"] = recipient
	}

	var body struct {
		SwapTransaction string `json:"swapTransaction"`
		SimulationError any    `json:"simulationError"`
	}
	if err := j.client.postJSON(ctx, j.baseURL+"/swap", req, &body); err != nil {
		return nil, fmt.Errorf("jupiter swap: %w", err)
	}
	if body.SimulationError != nil {
		return nil, fmt.Errorf("jupiter swap: %w", &AggregatorError{
			Message:    fmt.Sprintf("simulation failed: %v", body.SimulationError),
			StatusCode: 400,
		})
	}
	tx, err := base64.StdEncoding.DecodeString(body.SwapTransaction)
	if err != nil || len(tx) == 0 {
		return nil, fmt.Errorf("jupiter swap: %w", &AggregatorError{Message: "malformed transaction payload", Transient: true, StatusCode: 502})
	}
	return tx, nil
}

func (j *Jupiter) GetTokenList(ctx context.Context) ([]TokenInfo, error) {
	return j.tokens.get(ctx, func(ctx context.Context) ([]TokenInfo, error) {
		var body []struct {
			Address  string `json:"address"`
			Symbol   string `json:"symbol"`
			Name     string `json:"name"`
			Decimals int    `json:"decimals"`
			LogoURI  string `json:"logoURI"`
		}
		if err := j.client.getJSON(ctx, j.tokenListURL, nil, &body); err != nil {
			return nil, fmt.Errorf("jupiter token list: %w", err)
		}
		tokens := make([]TokenInfo, 0, len(body))
		for _, t := range body {
			tokens = append(tokens, TokenInfo{
				Address:  t.Address,
				Symbol:   t.Symbol,
				Name:     t.Name,
				Decimals: t.Decimals,
				LogoURI:  t.LogoURI,
			})
		}
		return tokens, nil
	})
}

func buildQuote(inputMint, outputMint, inAmount, outAmount, minReceived, priceImpact string, slippageBps int, raw json.RawMessage) (Quote, error) {
	in, err := strconv.ParseUint(strings.TrimSpace(inAmount), 10, 64)
	if err != nil {
		return Quote{}, &AggregatorError{Message: "malformed input amount", StatusCode: 502}
	}
	out, err := strconv.ParseUint(strings.TrimSpace(outAmount), 10, 64)
	if err != nil {
		return Quote{}, &AggregatorError{Message: "malformed output amount", StatusCode: 502}
	}
	minOut, err := strconv.ParseUint(strings.TrimSpace(minReceived), 10, 64)
	if err != nil {
		minOut = out
	}
	if priceImpact == "" {
		priceImpact = "0"
	}
	quote := Quote{
		InputMint:       strings.TrimSpace(inputMint),
		OutputMint:      strings.TrimSpace(outputMint),
		InAmount:        in,
		OutAmount:       out,
		MinimumReceived: minOut,
		SlippageBps:     slippageBps,
		PriceImpactPct:  priceImpact,
		Raw:             append(json.RawMessage(nil), raw...),
	}
	if err := quote.Validate(); err != nil {
		return Quote{}, &AggregatorError{Message: "incomplete quote", StatusCode: 502}
	}
	return quote, nil
}
