package chainrpc

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/whalevault/relay/internal/chainkey"
)

var (
	ErrInvalidConfig    = errors.New("chainrpc: invalid config")
	ErrRPC              = errors.New("chainrpc: rpc error")
	ErrResponseTooLarge = errors.New("chainrpc: response too large")
	ErrAccountNotFound  = errors.New("chainrpc: account not found")
	ErrTxFailed         = errors.New("chainrpc: transaction failed")
	ErrConfirmTimeout   = errors.New("chainrpc: confirmation timed out")
)

// RPCError is a structured error returned by the node.
type RPCError struct {
	Code    int
	Message string
}

func (e *RPCError) Error() string {
	if e == nil {
		return "chainrpc: nil rpc error"
	}
	return fmt.Sprintf("chainrpc: rpc error code %d: %s", e.Code, e.Message)
}

func (e *RPCError) Unwrap() error { return ErrRPC }

type Option func(*Client) error

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) error {
		if hc == nil {
			return fmt.Errorf("%w: nil http client", ErrInvalidConfig)
		}
		c.hc = hc
		return nil
	}
}

func WithTimeout(d time.Duration) Option {
	return func(c *Client) error {
		if d <= 0 {
			return fmt.Errorf("%w: timeout must be > 0", ErrInvalidConfig)
		}
		if c.hc == nil {
			c.hc = &http.Client{}
		}
		c.hc.Timeout = d
		return nil
	}
}

func WithMaxResponseBytes(n int64) Option {
	return func(c *Client) error {
		if n <= 0 {
			return fmt.Errorf("%w: max response bytes must be > 0", ErrInvalidConfig)
		}
		c.maxRespBytes = n
		return nil
	}
}

// WithSleep overrides the sleep used between confirmation polls (tests).
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(c *Client) error {
		if fn == nil {
			return fmt.Errorf("%w: nil sleep fn", ErrInvalidConfig)
		}
		c.sleep = fn
		return nil
	}
}

// Client talks JSON-RPC 2.0 to a chain node. It covers the capability set
// the relay needs: account lookup, balances, blockhashes, transaction
// submission and confirmation, and token account balances.
type Client struct {
	url          string
	hc           *http.Client
	maxRespBytes int64
	sleep        func(ctx context.Context, d time.Duration) error
	nextID       atomic.Uint64
}

func New(url string, opts ...Option) (*Client, error) {
	if strings.TrimSpace(url) == "" {
		return nil, fmt.Errorf("%w: missing url", ErrInvalidConfig)
	}
	c := &Client{
		url:          url,
		hc:           &http.Client{Timeout: 30 * time.Second},
		maxRespBytes: 5 << 20, // 5 MiB
		sleep:        sleepCtx,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(c); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// AccountInfo is the decoded value of a getAccountInfo call.
type AccountInfo struct {
	Owner    chainkey.Address
	Lamports uint64
	Data     []byte
}

// GetAccountInfo returns the account's owner, balance and raw data.
// A missing account yields ErrAccountNotFound.
func (c *Client) GetAccountInfo(ctx context.Context, addr chainkey.Address) (AccountInfo, error) {
	type accountValue struct {
		Owner    string          `json:"owner"`
		Lamports uint64          `json:"lamports"`
		Data     json.RawMessage `json:"data"`
	}
	var res struct {
		Value *accountValue `json:"value"`
	}
	params := []any{addr.String(), map[string]any{"encoding": "base64"}}
	if err := c.call(ctx, "getAccountInfo", params, &res); err != nil {
		return AccountInfo{}, err
	}
	if res.Value == nil {
		return AccountInfo{}, fmt.Errorf("%w: %s", ErrAccountNotFound, addr)
	}
	owner, err := chainkey.ParseAddress(res.Value.Owner)
	if err != nil {
		return AccountInfo{}, fmt.Errorf("chainrpc: parse account owner: %w", err)
	}
	data, err := decodeAccountData(res.Value.Data)
	if err != nil {
		return AccountInfo{}, err
	}
	return AccountInfo{
		Owner:    owner,
		Lamports: res.Value.Lamports,
		Data:     data,
	}, nil
}

// GetBalance returns the native balance of addr in base units.
func (c *Client) GetBalance(ctx context.Context, addr chainkey.Address) (uint64, error) {
	var res struct {
		Value uint64 `json:"value"`
	}
	if err := c.call(ctx, "getBalance", []any{addr.String()}, &res); err != nil {
		return 0, err
	}
	return res.Value, nil
}

// GetLatestBlockhash returns the current blockhash for transaction building.
func (c *Client) GetLatestBlockhash(ctx context.Context) ([32]byte, error) {
	var res struct {
		Value struct {
			Blockhash string `json:"blockhash"`
		} `json:"value"`
	}
	if err := c.call(ctx, "getLatestBlockhash", []any{map[string]any{"commitment": "confirmed"}}, &res); err != nil {
		return [32]byte{}, err
	}
	h, err := chainkey.ParseAddress(res.Value.Blockhash)
	if err != nil {
		return [32]byte{}, fmt.Errorf("chainrpc: parse blockhash: %w", err)
	}
	return [32]byte(h), nil
}

// SendTransaction submits signed transaction bytes and returns the
// transaction signature.
func (c *Client) SendTransaction(ctx context.Context, tx []byte) (string, error) {
	if len(tx) == 0 {
		return "", fmt.Errorf("%w: empty transaction", ErrInvalidConfig)
	}
	var sig string
	params := []any{base64.StdEncoding.EncodeToString(tx), map[string]any{"encoding": "base64"}}
	if err := c.call(ctx, "sendTransaction", params, &sig); err != nil {
		return "", err
	}
	if strings.TrimSpace(sig) == "" {
		return "", fmt.Errorf("%w: empty signature in sendTransaction result", ErrRPC)
	}
	return sig, nil
}

// ConfirmSignature polls getSignatureStatuses until the signature is at
// least confirmed, the transaction errored, or maxWait elapses.
func (c *Client) ConfirmSignature(ctx context.Context, signature string, pollInterval, maxWait time.Duration) error {
	if strings.TrimSpace(signature) == "" {
		return fmt.Errorf("%w: empty signature", ErrInvalidConfig)
	}
	if pollInterval <= 0 {
		pollInterval = 500 * time.Millisecond
	}
	if maxWait <= 0 {
		maxWait = 30 * time.Second
	}

	deadline := time.Now().Add(maxWait)
	for {
		status, err := c.signatureStatus(ctx, signature)
		if err != nil {
			return err
		}
		if status != nil {
			if status.Err != nil {
				return fmt.Errorf("%w: %s", ErrTxFailed, string(status.Err))
			}
			switch status.ConfirmationStatus {
			case "confirmed", "finalized":
				return nil
			}
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("%w: %s", ErrConfirmTimeout, signature)
		}
		if err := c.sleep(ctx, pollInterval); err != nil {
			return err
		}
	}
}

type signatureStatus struct {
	ConfirmationStatus string          `json:"confirmationStatus"`
	Err                json.RawMessage `json:"err"`
}

func (c *Client) signatureStatus(ctx context.Context, signature string) (*signatureStatus, error) {
	var res struct {
		Value []*signatureStatus `json:"value"`
	}
	params := []any{[]string{signature}, map[string]any{"searchTransactionHistory": true}}
	if err := c.call(ctx, "getSignatureStatuses", params, &res); err != nil {
		return nil, err
	}
	if len(res.Value) == 0 {
		return nil, nil
	}
	st := res.Value[0]
	if st != nil && len(st.Err) > 0 && string(st.Err) == "null" {
		st.Err = nil
	}
	return st, nil
}

// GetTokenAccountBalance returns the token amount held by a token account,
// in the token's smallest unit.
func (c *Client) GetTokenAccountBalance(ctx context.Context, account chainkey.Address) (uint64, error) {
	var res struct {
		Value struct {
			Amount string `json:"amount"`
		} `json:"value"`
	}
	if err := c.call(ctx, "getTokenAccountBalance", []any{account.String()}, &res); err != nil {
		return 0, err
	}
	amount, err := strconv.ParseUint(strings.TrimSpace(res.Value.Amount), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("chainrpc: parse token balance %q: %w", res.Value.Amount, err)
	}
	return amount, nil
}

// RequestAirdrop asks a dev-network faucet for lamports. Not available on
// production clusters.
func (c *Client) RequestAirdrop(ctx context.Context, addr chainkey.Address, lamports uint64) (string, error) {
	var sig string
	if err := c.call(ctx, "requestAirdrop", []any{addr.String(), lamports}, &sig); err != nil {
		return "", err
	}
	return sig, nil
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      string `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params,omitempty"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
	ID string `json:"id"`
}

func (c *Client) call(ctx context.Context, method string, params []any, out any) error {
	id := c.nextID.Add(1)
	reqBody, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		ID:      strconv.FormatUint(id, 10),
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return fmt.Errorf("chainrpc: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(reqBody))
	if err != nil {
		return fmt.Errorf("chainrpc: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.hc.Do(req)
	if err != nil {
		return fmt.Errorf("chainrpc: http do: %w", err)
	}
	defer resp.Body.Close()

	body, err := readAllLimited(resp.Body, c.maxRespBytes)
	if err != nil {
		return err
	}

	if resp.StatusCode != http.StatusOK {
		msg := strings.TrimSpace(string(body))
		if msg == "" {
			msg = resp.Status
		}
		return fmt.Errorf("chainrpc: http status %d: %s", resp.StatusCode, msg)
	}

	var rr rpcResponse
	if err := json.Unmarshal(body, &rr); err != nil {
		return fmt.Errorf("chainrpc: unmarshal response: %w", err)
	}
	if rr.Error != nil {
		return &RPCError{Code: rr.Error.Code, Message: rr.Error.Message}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(rr.Result, out); err != nil {
		return fmt.Errorf("chainrpc: unmarshal result: %w", err)
	}
	return nil
}

// decodeAccountData handles the ["<base64>", "base64"] tuple shape.
func decodeAccountData(raw json.RawMessage) ([]byte, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var tuple []string
	if err := json.Unmarshal(raw, &tuple); err != nil {
		return nil, fmt.Errorf("chainrpc: unexpected account data shape")
	}
	if len(tuple) == 0 || tuple[0] == "" {
		return nil, nil
	}
	data, err := base64.StdEncoding.DecodeString(tuple[0])
	if err != nil {
		return nil, fmt.Errorf("chainrpc: decode account data: %w", err)
	}
	return data, nil
}

func readAllLimited(r io.Reader, maxBytes int64) ([]byte, error) {
	b, err := io.ReadAll(io.LimitReader(r, maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("chainrpc: read response: %w", err)
	}
	if int64(len(b)) > maxBytes {
		return nil, ErrResponseTooLarge
	}
	return b, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
