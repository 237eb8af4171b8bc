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

// RaydiumConfig configures the signer-owned-output aggregator.
type RaydiumConfig struct {
	BaseURL  string
	PoolsURL string

	HTTPClient *http.Client
	Retry      RetryConfig
	TokenTTL   time.Duration
	Now        func() time.Time
	Log        *slog.Logger
}

// Raydium builds swaps whose output account must be owned by the
// transaction signer. Moving tokens to the true recipient requires a
// second transfer transaction.
type Raydium struct {
	baseURL  string
	poolsURL string
	client   *httpClient
	tokens   *tokenCache
	log      *slog.Logger
}

func NewRaydium(cfg RaydiumConfig) (*Raydium, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	pools := strings.TrimRight(strings.TrimSpace(cfg.PoolsURL), "/")
	if base == "" || pools == "" {
		return nil, fmt.Errorf("%w: base and pools urls are required", ErrInvalidConfig)
	}
	log := cfg.Log
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Raydium{
		baseURL:  base,
		poolsURL: pools,
		client:   newHTTPClient(cfg.HTTPClient, cfg.Retry),
		tokens:   newTokenCache(cfg.TokenTTL, cfg.Now),
		log:      log,
	}, nil
}

func (r *Raydium) SupportsDirectRouting() bool { return false }

func (r *Raydium) GetQuote(ctx context.Context, inputMint, outputMint string, amount uint64, slippageBps int) (Quote, error) {
	query := url.Values{
		"inputMint":   {inputMint},
		"outputMint":  {outputMint},
		"amount":      {strconv.FormatUint(amount, 10)},
		"slippageBps": {strconv.Itoa(slippageBps)},
		"txVersion":   {"V0"},
	}
	var raw json.RawMessage
	if err := r.client.getJSON(ctx, r.baseURL+"/compute/swap-base-in", query, &raw); err != nil {
		return Quote{}, fmt.Errorf("raydium quote: %w", err)
	}

	var body struct {
		Success bool   `json:"success"`
		Msg     string `json:"msg"`
		Data    *struct {
			InputMint            string `json:"inputMint"`
			OutputMint           string `json:"outputMint"`
			InputAmount          string `json:"inputAmount"`
			OutputAmount         string `json:"outputAmount"`
			OtherAmountThreshold string `json:"otherAmountThreshold"`
			PriceImpactPct       any    `json:"priceImpactPct"`
			SlippageBps          int    `json:"slippageBps"`
		} `json:"data"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		return Quote{}, fmt.Errorf("raydium quote: %w", &AggregatorError{Message: "decode quote: " + err.Error(), Transient: true, StatusCode: 502})
	}
	if !body.Success || body.Data == nil {
		msg := strings.TrimSpace(body.Msg)
		if msg == "" {
			msg = "no route found"
		}
		return Quote{}, fmt.Errorf("raydium quote: %w", &AggregatorError{Message: msg, StatusCode: 400})
	}

	quote, err := buildQuote(
		body.Data.InputMint,
		body.Data.OutputMint,
		body.Data.InputAmount,
		body.Data.OutputAmount,
		body.Data.OtherAmountThreshold,
		fmt.Sprint(body.Data.PriceImpactPct),
		body.Data.SlippageBps,
		raw,
	)
	if err != nil {
		return Quote{}, fmt.Errorf("raydium quote: %w", err)
	}
	return quote, nil
}

func (r *Raydium) GetSwapTransaction(ctx context.Context, quote Quote, signer, recipient string) ([]byte, error) {
	if err := quote.Validate(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(recipient) != "" {
		return nil, fmt.Errorf("raydium swap: %w", &AggregatorError{
			Message:    "output account must be owned by the signer",
			StatusCode: 400,
		})
	}

	req := map[string]any{
		"computeUnitPriceMicroLamports": "1000",
		"swapResponse":                  quote.Raw,
		"wallet":                        signer,
		"txVersion":                     "V0",
		"wrapSol":                       true,
		"unwrapSol":                     false,
	}
	var body struct {
		Success bool   `json:"success"`
		Msg     string `json:"msg"`
		Data    []struct {
			Transaction string `json:"transaction"`
		} `json:"data"`
	}
	if err := r.client.postJSON(ctx, r.baseURL+"/transaction/swap-base-in", req, &body); err != nil {
		return nil, fmt.Errorf("raydium swap: %w", err)
	}
	if !body.Success || len(body.Data) == 0 {
		msg := strings.TrimSpace(body.Msg)
		if msg == "" {
			msg = "failed to build swap transaction"
		}
		return nil, fmt.Errorf("raydium swap: %w", &AggregatorError{Message: msg, StatusCode: 400})
	}
	tx, err := base64.StdEncoding.DecodeString(body.Data[0].Transaction)
	if err != nil || len(tx) == 0 {
		return nil, fmt.Errorf("raydium swap: %w", &AggregatorError{Message: "malformed transaction payload", Transient: true, StatusCode: 502})
	}
	return tx, nil
}

// GetTokenList derives the tradeable set from pools paired with the
// native asset, highest liquidity first.
func (r *Raydium) GetTokenList(ctx context.Context) ([]TokenInfo, error) {
	return r.tokens.get(ctx, func(ctx context.Context) ([]TokenInfo, error) {
		query := url.Values{
			"mint1":         {NativeMint},
			"poolType":      {"all"},
			"poolSortField": {"liquidity"},
			"sortType":      {"desc"},
			"pageSize":      {"100"},
			"page":          {"1"},
		}
		var body struct {
			Data struct {
				Data []struct {
					MintA poolMint `json:"mintA"`
					MintB poolMint `json:"mintB"`
				} `json:"data"`
			} `json:"data"`
		}
		if err := r.client.getJSON(ctx, r.poolsURL+"/pools/info/mint", query, &body); err != nil {
			return nil, fmt.Errorf("raydium token list: %w", err)
		}

		seen := make(map[string]bool)
		var tokens []TokenInfo
		for _, pool := range body.Data.Data {
			other := pool.MintA
			if other.Address == NativeMint {
				other = pool.MintB
			}
			if other.Address == "" || other.Symbol == "" || other.Address == NativeMint || seen[other.Address] {
				continue
			}
			seen[other.Address] = true
			name := other.Name
			if name == "" {
				name = other.Symbol
			}
			decimals := other.Decimals
			if decimals == 0 {
				decimals = 9
			}
			tokens = append(tokens, TokenInfo{
				Address:  other.Address,
				Symbol:   other.Symbol,
				Name:     name,
				Decimals: decimals,
				LogoURI:  other.LogoURI,
			})
		}
		return tokens, nil
	})
}

type poolMint struct {
	Address  string `json:"address"`
	Symbol   string `json:"symbol"`
	Name     string `json:"name"`
	Decimals int    `json:"decimals"`
	LogoURI  string `json:"logoURI"`
}
