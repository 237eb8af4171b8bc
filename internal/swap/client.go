package swap

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

const (
	defaultHTTPTimeout  = 30 * time.Second
	defaultMaxRespBytes = 4 << 20
)

// httpClient wraps provider HTTP calls with response-size bounds, status
// classification, and the transient-retry policy.
type httpClient struct {
	hc           *http.Client
	maxRespBytes int64
	retry        RetryConfig
}

func newHTTPClient(hc *http.Client, retry RetryConfig) *httpClient {
	if hc == nil {
		hc = &http.Client{Timeout: defaultHTTPTimeout}
	}
	return &httpClient{
		hc:           hc,
		maxRespBytes: defaultMaxRespBytes,
		retry:        retry,
	}
}

func (c *httpClient) getJSON(ctx context.Context, rawURL string, query url.Values, out any) error {
	if len(query) > 0 {
		rawURL = rawURL + "?" + query.Encode()
	}
	return retry(ctx, c.retry, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
		if err != nil {
			return &AggregatorError{Message: "build request: " + err.Error(), StatusCode: 400}
		}
		return c.do(req, out)
	})
}

func (c *httpClient) postJSON(ctx context.Context, rawURL string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return &AggregatorError{Message: "encode request: " + err.Error(), StatusCode: 400}
	}
	return retry(ctx, c.retry, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, rawURL, bytes.NewReader(payload))
		if err != nil {
			return &AggregatorError{Message: "build request: " + err.Error(), StatusCode: 400}
		}
		req.Header.Set("Content-Type", "application/json")
		return c.do(req, out)
	})
}

func (c *httpClient) do(req *http.Request, out any) error {
	resp, err := c.hc.Do(req)
	if err != nil {
		// Network failures are transient.
		return &AggregatorError{Message: "request failed: " + err.Error(), Transient: true, StatusCode: 503}
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := readAllLimited(resp.Body, c.maxRespBytes)
	if err != nil {
		return &AggregatorError{Message: "read response: " + err.Error(), Transient: true, StatusCode: 502}
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return &AggregatorError{Message: "rate limited", Transient: true, StatusCode: 429}
	case resp.StatusCode >= 500:
		return &AggregatorError{
			Message:    fmt.Sprintf("server error %d", resp.StatusCode),
			Transient:  true,
			StatusCode: resp.StatusCode,
		}
	case resp.StatusCode >= 400:
		return &AggregatorError{
			Message:    fmt.Sprintf("provider rejected request: %d", resp.StatusCode),
			StatusCode: resp.StatusCode,
		}
	}

	if err := json.Unmarshal(data, out); err != nil {
		return &AggregatorError{Message: "decode response: " + err.Error(), Transient: true, StatusCode: 502}
	}
	return nil
}

func readAllLimited(r io.Reader, limit int64) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > limit {
		return nil, fmt.Errorf("response exceeds %d bytes", limit)
	}
	return data, nil
}
