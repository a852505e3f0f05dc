package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	defaultTimeout = 30 * time.Second
	clientName     = "delivery-sdk"
)

// HTTPOptions configures the HTTP delivery client.
type HTTPOptions struct {
	// BaseURL is the delivery SDK service root, e.g. "https://sdk.internal:8443".
	// Required.
	BaseURL string
	// Secret is sent as a bearer token when non-empty.
	Secret string
	// HTTPClient defaults to a client with a 30s timeout.
	HTTPClient *http.Client
}

// HTTPClient talks to the delivery SDK service over its JSON HTTP API.
type HTTPClient struct {
	base   string
	secret string
	http   *http.Client
}

var _ Client = (*HTTPClient)(nil)

// NewHTTP validates opts and returns an HTTP delivery client.
func NewHTTP(opts HTTPOptions) (*HTTPClient, error) {
	if opts.BaseURL == "" {
		return nil, errors.New("delivery: base URL is required")
	}
	if _, err := url.Parse(opts.BaseURL); err != nil {
		return nil, fmt.Errorf("delivery: invalid base URL: %w", err)
	}
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: defaultTimeout}
	}
	return &HTTPClient{
		base:   strings.TrimRight(opts.BaseURL, "/"),
		secret: opts.Secret,
		http:   hc,
	}, nil
}

// Trigger implements Client.
func (c *HTTPClient) Trigger(ctx context.Context, req TriggerRequest) (*Result, error) {
	if req.TransactionID == "" {
		return nil, &Error{StatusCode: http.StatusBadRequest, Detail: "transaction id is required"}
	}
	if len(req.Steps) == 0 {
		return nil, &Error{StatusCode: http.StatusBadRequest, Detail: "at least one step is required"}
	}
	var res Result
	if err := c.do(ctx, http.MethodPost, "/v1/trigger", req, &res); err != nil {
		return nil, err
	}
	if res.TransactionID == "" {
		res.TransactionID = req.TransactionID
	}
	return &res, nil
}

// Cancel implements Client.
func (c *HTTPClient) Cancel(ctx context.Context, tenant, transactionID string) error {
	path := fmt.Sprintf("/v1/transactions/%s?tenant_id=%s",
		url.PathEscape(transactionID), url.QueryEscape(tenant))
	err := c.do(ctx, http.MethodDelete, path, nil, nil)
	var de *Error
	if errors.As(err, &de) && de.StatusCode == http.StatusNotFound {
		// Nothing in flight to retract.
		return nil
	}
	return err
}

// Name implements health.Pinger.
func (c *HTTPClient) Name() string { return clientName }

// Ping implements health.Pinger.
func (c *HTTPClient) Ping(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/healthz", nil, nil)
}

func (c *HTTPClient) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("delivery: encode request: %w", err)
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return fmt.Errorf("delivery: build request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.secret != "" {
		req.Header.Set("Authorization", "Bearer "+c.secret)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return &Error{Detail: err.Error()}
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &Error{StatusCode: resp.StatusCode, Detail: strings.TrimSpace(string(raw))}
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return &Error{StatusCode: resp.StatusCode, Detail: fmt.Sprintf("decode response: %v", err)}
		}
	}
	return nil
}
