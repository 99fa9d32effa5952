package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client talks to a running watcher's REST API.
type Client struct {
	baseURL string
	http    *http.Client
}

func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 15 * time.Second},
	}
}

// APIError is a non-2xx answer from the server.
type APIError struct {
	Status int
	Body   ErrorResponse
}

func (e *APIError) Error() string {
	if e.Body.Message == "" {
		return fmt.Sprintf("%d %s", e.Status, e.Body.Error)
	}
	return fmt.Sprintf("%d %s: %s", e.Status, e.Body.Error, e.Body.Message)
}

func (c *Client) PlaceOrder(ctx context.Context, req PlaceOrderRequest) (OrderInfo, error) {
	var out OrderInfo
	err := c.do(ctx, http.MethodPost, "/api/v1/orders", nil, req, &out)
	return out, err
}

// ListOrders returns stored orders; status may be empty for all of them.
func (c *Client) ListOrders(ctx context.Context, status string) ([]OrderInfo, error) {
	q := url.Values{}
	if status != "" {
		q.Set("status", status)
	}
	var out []OrderInfo
	err := c.do(ctx, http.MethodGet, "/api/v1/orders", q, nil, &out)
	return out, err
}

func (c *Client) GetOrder(ctx context.Context, id string) (OrderInfo, error) {
	var out OrderInfo
	err := c.do(ctx, http.MethodGet, "/api/v1/orders/"+url.PathEscape(id), nil, nil, &out)
	return out, err
}

func (c *Client) CancelOrder(ctx context.Context, id string) (OrderInfo, error) {
	var out OrderInfo
	err := c.do(ctx, http.MethodPost, "/api/v1/orders/"+url.PathEscape(id)+"/cancel", nil, nil, &out)
	return out, err
}

func (c *Client) Rate(ctx context.Context) (RateInfo, error) {
	var out RateInfo
	err := c.do(ctx, http.MethodGet, "/api/v1/rate", nil, nil, &out)
	return out, err
}

func (c *Client) Quote(ctx context.Context, direction, amount string) (QuoteInfo, error) {
	q := url.Values{"direction": {direction}, "amount": {amount}}
	var out QuoteInfo
	err := c.do(ctx, http.MethodGet, "/api/v1/quote", q, nil, &out)
	return out, err
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out interface{}) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		rd = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{Status: resp.StatusCode}
		if err := json.NewDecoder(resp.Body).Decode(&apiErr.Body); err != nil {
			apiErr.Body.Error = http.StatusText(resp.StatusCode)
		}
		return apiErr
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
