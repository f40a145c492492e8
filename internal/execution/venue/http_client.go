package venue

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/tradewire/execd/internal/execution/model"
)

// HTTPConfig configures the REST venue client.
type HTTPConfig struct {
	BaseURL        string        `yaml:"base_url" json:"base_url"`
	APIKey         string        `yaml:"api_key" json:"api_key"`
	Name           string        `yaml:"name" json:"name"`
	RequestTimeout time.Duration `yaml:"request_timeout" json:"request_timeout"`
}

// HTTPClient talks to a REST execution venue. Duplicate detection happens
// venue-side via the Idempotency-Key header.
type HTTPClient struct {
	cfg    HTTPConfig
	http   *http.Client
	logger *zap.Logger
}

// NewHTTPClient creates a venue client with a per-request timeout.
func NewHTTPClient(cfg HTTPConfig, logger *zap.Logger) *HTTPClient {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 5 * time.Second
	}
	if cfg.Name == "" {
		cfg.Name = "primary"
	}
	return &HTTPClient{
		cfg:    cfg,
		http:   &http.Client{Timeout: cfg.RequestTimeout},
		logger: logger.Named("venue"),
	}
}

// Name identifies the venue in fill records and logs.
func (c *HTTPClient) Name() string { return c.cfg.Name }

type submitRequest struct {
	Symbol   string          `json:"symbol"`
	Side     string          `json:"side"`
	Type     string          `json:"type"`
	Quantity decimal.Decimal `json:"quantity"`
	Price    decimal.Decimal `json:"price,omitempty"`
}

// Submit sends the order to POST /v1/orders with the idempotency key header.
func (c *HTTPClient) Submit(ctx context.Context, idempotencyKey string, order *model.Order) (*SubmitResult, error) {
	body, err := json.Marshal(submitRequest{
		Symbol:   order.Symbol,
		Side:     order.Side,
		Type:     order.Type,
		Quantity: order.Quantity,
		Price:    order.Price,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal submit request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/v1/orders", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build submit request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", idempotencyKey)
	if c.cfg.APIKey != "" {
		req.Header.Set("X-API-Key", c.cfg.APIKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if isTimeout(err) {
			c.logger.Warn("venue submit timed out",
				zap.String("order_id", order.ID.String()),
				zap.Error(err))
			return nil, fmt.Errorf("submit order %s: %w", order.ID, ErrTimeout)
		}
		return nil, fmt.Errorf("venue submit failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		// Server-side failure with unknown outcome is treated like a timeout
		// so the reconciler checks before any resubmission.
		return nil, fmt.Errorf("venue returned %d: %w", resp.StatusCode, ErrTimeout)
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return nil, fmt.Errorf("venue returned unexpected status %d", resp.StatusCode)
	}

	var result SubmitResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode venue response: %w", err)
	}
	return &result, nil
}

// LookupByIdempotencyKey queries GET /v1/orders/by-key/{key}. A 404 means
// the venue never saw the submission.
func (c *HTTPClient) LookupByIdempotencyKey(ctx context.Context, idempotencyKey string) (*LookupResult, error) {
	lookupURL := fmt.Sprintf("%s/v1/orders/by-key/%s", c.cfg.BaseURL, url.PathEscape(idempotencyKey))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, lookupURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build lookup request: %w", err)
	}
	if c.cfg.APIKey != "" {
		req.Header.Set("X-API-Key", c.cfg.APIKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if isTimeout(err) {
			return nil, fmt.Errorf("lookup by key: %w", ErrTimeout)
		}
		return nil, fmt.Errorf("venue lookup failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return &LookupResult{Found: false}, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("venue lookup returned unexpected status %d", resp.StatusCode)
	}

	var result LookupResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode lookup response: %w", err)
	}
	result.Found = true
	return &result, nil
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
