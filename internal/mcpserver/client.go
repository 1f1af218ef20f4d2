package mcpserver

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

// Config holds the configuration for connecting to an escrowd instance.
type Config struct {
	APIURL         string // Base URL, e.g. "http://localhost:8080"
	PayerReference string // Identifies the payer on settlements this server starts
}

// Client is a thin HTTP client for the escrowd settlement API.
type Client struct {
	cfg        Config
	httpClient *http.Client
}

// NewClient creates a new API client.
func NewClient(cfg Config) *Client {
	return &Client{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// apiError represents an error response from escrowd.
type apiError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// doRequest makes an HTTP request and returns the response body.
func (c *Client) doRequest(ctx context.Context, method, path string, body any) (json.RawMessage, error) {
	u, err := url.Parse(c.cfg.APIURL + path)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reqBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var apiErr apiError
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Message != "" {
			return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, apiErr.Message)
		}
		return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, string(respBody))
	}

	return json.RawMessage(respBody), nil
}

// StartSettlement opens a settlement paying amount to recipient.
func (c *Client) StartSettlement(ctx context.Context, amount, recipient, note string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodPost, "/v1/settlements", map[string]any{
		"amount":           amount,
		"recipientAccount": recipient,
		"payerReference":   c.cfg.PayerReference,
		"note":             note,
	})
}

// GetSettlement reconciles and returns a settlement's state.
func (c *Client) GetSettlement(ctx context.Context, reference string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/settlements/"+url.PathEscape(reference), nil)
}

// GetReceipt returns the receipt of a completed settlement.
func (c *Client) GetReceipt(ctx context.Context, reference string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/settlements/"+url.PathEscape(reference)+"/receipt", nil)
}

// VerifyReceipt checks a receipt's signature.
func (c *Client) VerifyReceipt(ctx context.Context, number string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/receipts/"+url.PathEscape(number)+"/verify", nil)
}

// GetAuditTrail returns a settlement's audit log and status history.
func (c *Client) GetAuditTrail(ctx context.Context, reference string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/settlements/"+url.PathEscape(reference)+"/audit", nil)
}
