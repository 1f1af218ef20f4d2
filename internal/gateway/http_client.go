package gateway

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

	"github.com/paynest/escrowd/internal/circuitbreaker"
	"github.com/paynest/escrowd/internal/retry"
	"github.com/paynest/escrowd/internal/traces"
	"github.com/prometheus/client_golang/prometheus"
)

// Operation names, used as circuit breaker keys and metric labels.
const (
	OpCreateCollection = "collection_create"
	OpCollectionStatus = "collection_status"
	OpCreatePayout     = "payout_create"
	OpPayoutStatus     = "payout_status"
	OpLookupPayout     = "payout_lookup"
)

const maxResponseBytes = 1 << 20

// HTTPConfig configures the REST binding.
type HTTPConfig struct {
	BaseURL      string
	ClientID     string
	ClientSecret string
	Timeout      time.Duration
	Retry        retry.Policy
}

// HTTPClient binds Client to the gateway's REST/JSON API.
type HTTPClient struct {
	baseURL      string
	clientID     string
	clientSecret string
	http         *http.Client
	breaker      *circuitbreaker.Breaker
	retry        retry.Policy
}

var _ Client = (*HTTPClient)(nil)

// NewHTTPClient creates a gateway client. breaker may be shared with health checks.
func NewHTTPClient(cfg HTTPConfig, breaker *circuitbreaker.Breaker) *HTTPClient {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 8 * time.Second
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = retry.DefaultPolicy
	}
	if breaker == nil {
		breaker = circuitbreaker.New(5, 30*time.Second)
	}
	return &HTTPClient{
		baseURL:      strings.TrimRight(cfg.BaseURL, "/"),
		clientID:     cfg.ClientID,
		clientSecret: cfg.ClientSecret,
		http:         &http.Client{Timeout: cfg.Timeout},
		breaker:      breaker,
		retry:        cfg.Retry,
	}
}

// CreateCollection opens a collect request payable into the holding account.
func (c *HTTPClient) CreateCollection(ctx context.Context, req CollectionRequest) (*Transaction, error) {
	body := map[string]any{
		"reference_id":    req.Reference,
		"payee_vpa":       req.PayeeAccount,
		"payer_reference": req.PayerReference,
		"amount":          req.Amount.StringFixed(2),
		"purpose":         req.Purpose,
		"expiry_minutes":  req.ExpiryMinutes,
	}
	return c.call(ctx, OpCreateCollection, http.MethodPost, "/v1/collections", body, req.Reference, false)
}

// CollectionStatus reads the current state of a collection.
func (c *HTTPClient) CollectionStatus(ctx context.Context, transactionID string) (*Transaction, error) {
	return c.call(ctx, OpCollectionStatus, http.MethodGet, "/v1/collections/"+url.PathEscape(transactionID), nil, "", true)
}

// CreatePayout sends funds from the holding account to the recipient.
func (c *HTTPClient) CreatePayout(ctx context.Context, req PayoutRequest) (*Transaction, error) {
	body := map[string]any{
		"reference_id":    req.Reference,
		"beneficiary_vpa": req.PayeeAccount,
		"amount":          req.Amount.StringFixed(2),
		"purpose":         req.Purpose,
		"mode":            "UPI",
	}
	return c.call(ctx, OpCreatePayout, http.MethodPost, "/v1/payouts", body, req.Reference, false)
}

// PayoutStatus reads the current state of a payout.
func (c *HTTPClient) PayoutStatus(ctx context.Context, transactionID string) (*Transaction, error) {
	return c.call(ctx, OpPayoutStatus, http.MethodGet, "/v1/payouts/"+url.PathEscape(transactionID), nil, "", true)
}

// LookupPayout finds a payout by merchant reference.
func (c *HTTPClient) LookupPayout(ctx context.Context, reference string) (*Transaction, error) {
	path := "/v1/payouts?reference_id=" + url.QueryEscape(reference)
	return c.call(ctx, OpLookupPayout, http.MethodGet, path, nil, "", true)
}

// call performs one logical gateway operation. Idempotent reads are retried
// on ErrUnavailable; creates are attempted once.
func (c *HTTPClient) call(ctx context.Context, op, method, path string, body map[string]any, idempotencyKey string, idempotent bool) (*Transaction, error) {
	ctx, span := traces.StartSpan(ctx, "gateway."+op, traces.GatewayOp(op))

	timer := prometheus.NewTimer(gwLatency.WithLabelValues(op))
	defer timer.ObserveDuration()

	policy := c.retry
	if !idempotent {
		policy = retry.Policy{MaxAttempts: 1}
	}

	var result *Transaction
	err := retry.Do(ctx, policy, func(int) error {
		err := c.breaker.Execute(op, countsAgainstBreaker, func() error {
			var err error
			result, err = c.do(ctx, method, path, body, idempotencyKey)
			return err
		})
		if errors.Is(err, circuitbreaker.ErrOpen) {
			return retry.Permanent(fmt.Errorf("%w: %w", ErrUnavailable, err))
		}
		if err != nil && !errors.Is(err, ErrUnavailable) {
			return retry.Permanent(err)
		}
		return err
	})

	gwCalls.WithLabelValues(op, outcome(err)).Inc()
	traces.End(span, err)
	if err != nil {
		return nil, err
	}
	if result.RawStatus != "" && !KnownStatus(result.RawStatus) {
		gwUnknownStatus.WithLabelValues(op).Inc()
	}
	return result, nil
}

func (c *HTTPClient) do(ctx context.Context, method, path string, body map[string]any, idempotencyKey string) (*Transaction, error) {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("gateway: encode request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("gateway: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Client-Id", c.clientID)
	req.Header.Set("X-Client-Secret", c.clientSecret)
	traces.Inject(ctx, req.Header)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %v", ErrUnavailable, err)
	}

	decoded := map[string]any{}
	if len(bytes.TrimSpace(raw)) > 0 {
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.UseNumber()
		if err := dec.Decode(&decoded); err != nil && resp.StatusCode < 300 {
			return nil, fmt.Errorf("%w: malformed response body", ErrUnavailable)
		}
	}

	if err := classify(resp.StatusCode, decoded); err != nil {
		return nil, err
	}

	tx := Normalize(decoded)
	if tx.ID == "" && method == http.MethodPost {
		return nil, fmt.Errorf("%w: response missing transaction id", ErrUnavailable)
	}
	return tx, nil
}

// classify maps an HTTP status and error body onto the package errors.
func classify(code int, body map[string]any) error {
	switch {
	case code >= 200 && code < 300:
		if ok, present := body["success"].(bool); present && !ok {
			if isDuplicate(body) {
				return ErrDuplicateReference
			}
			return fmt.Errorf("%w: refused in 2xx envelope", ErrRejected)
		}
		return nil
	case code == http.StatusConflict:
		return ErrDuplicateReference
	case code == http.StatusNotFound:
		return ErrNotFound
	case code == http.StatusTooManyRequests || code == http.StatusRequestTimeout || code >= 500:
		return fmt.Errorf("%w: status %d", ErrUnavailable, code)
	case isDuplicate(body):
		return ErrDuplicateReference
	default:
		return fmt.Errorf("%w: status %d", ErrRejected, code)
	}
}

// isDuplicate spots duplicate-reference errors reported inside an error body.
func isDuplicate(body map[string]any) bool {
	layers := envelopes(body, 0)
	if e, ok := body["error"].(map[string]any); ok {
		layers = append(envelopes(e, 0), layers...)
	}
	for _, key := range []string{"error_code", "code", "error", "reason", "message"} {
		v := strings.ToLower(firstString(layers, []string{key}))
		if strings.Contains(v, "duplicate") || strings.Contains(v, "already exists") {
			return true
		}
	}
	return false
}

func countsAgainstBreaker(err error) bool {
	return errors.Is(err, ErrUnavailable)
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrDuplicateReference):
		return "duplicate"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrRejected):
		return "rejected"
	default:
		return "unavailable"
	}
}
