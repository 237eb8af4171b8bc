package swap

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func raydiumQuoteBody() map[string]any {
	return map[string]any{
		"success": true,
		"data": map[string]any{
			"inputMint":            NativeMint,
			"outputMint":           "mint-out",
			"inputAmount":          "2000000000",
			"outputAmount":         "150000000",
			"otherAmountThreshold": "148500000",
			"priceImpactPct":       0.2,
			"slippageBps":          100,
		},
	}
}

func TestRaydium_GetQuote(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/compute/swap-base-in" {
			http.NotFound(w, r)
			return
		}
		if got := r.URL.Query().Get("txVersion"); got != "V0" {
			t.Errorf("txVersion = %q", got)
		}
		_ = json.NewEncoder(w).Encode(raydiumQuoteBody())
	}))
	defer srv.Close()

	ray, err := NewRaydium(RaydiumConfig{BaseURL: srv.URL, PoolsURL: srv.URL, Retry: RetryConfig{Sleep: noSleep}})
	if err != nil {
		t.Fatalf("NewRaydium: %v", err)
	}
	if ray.SupportsDirectRouting() {
		t.Fatalf("raydium must not claim direct routing")
	}

	quote, err := ray.GetQuote(context.Background(), NativeMint, "mint-out", 2_000_000_000, 100)
	if err != nil {
		t.Fatalf("GetQuote: %v", err)
	}
	if quote.OutAmount != 150_000_000 || quote.MinimumReceived != 148_500_000 {
		t.Fatalf("amounts = %d/%d", quote.OutAmount, quote.MinimumReceived)
	}
}

func TestRaydium_NoRouteIsPermanent(t *testing.T) {
	t.Parallel()

	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		attempts++
		_ = json.NewEncoder(w).Encode(map[string]any{"success": false, "msg": "ROUTE_NOT_FOUND"})
	}))
	defer srv.Close()

	ray, _ := NewRaydium(RaydiumConfig{BaseURL: srv.URL, PoolsURL: srv.URL, Retry: RetryConfig{Attempts: 4, Sleep: noSleep}})
	_, err := ray.GetQuote(context.Background(), NativeMint, "mint-out", 1000, 100)

	var aggErr *AggregatorError
	if !errors.As(err, &aggErr) || aggErr.Transient {
		t.Fatalf("err = %v", err)
	}
	if attempts != 1 {
		t.Fatalf("no-route retried: attempts = %d", attempts)
	}
}

func TestRaydium_GetSwapTransaction(t *testing.T) {
	t.Parallel()

	wantTx := []byte{9, 8, 7}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/transaction/swap-base-in" {
			http.NotFound(w, r)
			return
		}
		var req map[string]any
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req["wallet"] != "signer-key" {
			t.Errorf("wallet = %v", req["wallet"])
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"success": true,
			"data": []map[string]any{
				{"transaction": base64.StdEncoding.EncodeToString(wantTx)},
			},
		})
	}))
	defer srv.Close()

	ray, _ := NewRaydium(RaydiumConfig{BaseURL: srv.URL, PoolsURL: srv.URL, Retry: RetryConfig{Sleep: noSleep}})
	raw, _ := json.Marshal(raydiumQuoteBody())
	quote := Quote{InputMint: NativeMint, OutputMint: "mint-out", InAmount: 1, OutAmount: 1, Raw: raw}

	tx, err := ray.GetSwapTransaction(context.Background(), quote, "signer-key", "")
	if err != nil {
		t.Fatalf("GetSwapTransaction: %v", err)
	}
	if string(tx) != string(wantTx) {
		t.Fatalf("tx = %v", tx)
	}

	// A third-party destination is rejected up front.
	if _, err := ray.GetSwapTransaction(context.Background(), quote, "signer-key", "someone-else"); err == nil {
		t.Fatalf("expected rejection of third-party recipient")
	}
}

func TestRaydium_TokenListFromPools(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/pools/info/mint" {
			http.NotFound(w, r)
			return
		}
		if got := r.URL.Query().Get("mint1"); got != NativeMint {
			t.Errorf("mint1 = %q", got)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"data": map[string]any{
				"data": []map[string]any{
					{
						"mintA": map[string]any{"address": NativeMint, "symbol": "SOL", "decimals": 9},
						"mintB": map[string]any{"address": "mint-usdc", "symbol": "USDC", "name": "USD Coin", "decimals": 6},
					},
					{
						"mintA": map[string]any{"address": "mint-usdc", "symbol": "USDC", "decimals": 6},
						"mintB": map[string]any{"address": NativeMint, "symbol": "SOL", "decimals": 9},
					},
					{
						"mintA": map[string]any{"address": NativeMint, "symbol": "SOL", "decimals": 9},
						"mintB": map[string]any{"address": "mint-nosym", "decimals": 6},
					},
				},
			},
		})
	}))
	defer srv.Close()

	ray, _ := NewRaydium(RaydiumConfig{BaseURL: srv.URL, PoolsURL: srv.URL, Retry: RetryConfig{Sleep: noSleep}})
	tokens, err := ray.GetTokenList(context.Background())
	if err != nil {
		t.Fatalf("GetTokenList: %v", err)
	}
	if len(tokens) != 1 {
		t.Fatalf("tokens = %v", tokens)
	}
	if tokens[0].Address != "mint-usdc" || tokens[0].Decimals != 6 || tokens[0].Name != "USD Coin" {
		t.Fatalf("token = %+v", tokens[0])
	}
}
