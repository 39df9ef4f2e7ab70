package source

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"transaction-reconciler/internal/cache"
)

// Record is the normalized row shape every adapter emits. CleanID is
// the join key across the two reconciliation sides.
type Record struct {
	CleanID       string          `json:"clean_id"`
	Value         decimal.Decimal `json:"value"`
	Date          string          `json:"date,omitempty"`
	Browser       string          `json:"browser,omitempty"`
	Device        string          `json:"device,omitempty"`
	Status        string          `json:"status,omitempty"`
	PaymentMethod string          `json:"payment_method,omitempty"`
}

// Adapter fetches a normalized transaction table from one external
// system for a date range.
type Adapter interface {
	Fetch(ctx context.Context, dr DateRange) ([]Record, error)
	Source() string
}

// Options carries the cross-cutting dependencies injected into every
// adapter: the HTTP client (with provider call timeout), the response
// cache, and pagination bounds.
type Options struct {
	HTTPClient *http.Client
	Cache      cache.Cache
	CacheTTL   time.Duration
	MaxPages   int
	Logger     *zap.Logger
}

func (o Options) withDefaults() Options {
	if o.HTTPClient == nil {
		o.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if o.MaxPages <= 0 {
		o.MaxPages = 100
	}
	if o.CacheTTL <= 0 {
		o.CacheTTL = 10 * time.Minute
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	return o
}

// New builds the adapter matching a connector type tag from its
// decrypted config JSON. Missing credential fields fail here, before
// any network call.
func New(connType string, configJSON []byte, opts Options) (Adapter, error) {
	var raw map[string]string
	if err := json.Unmarshal(configJSON, &raw); err != nil {
		return nil, &ConfigurationError{Source: connType, Message: fmt.Sprintf("invalid connector config JSON: %v", err)}
	}
	switch connType {
	case "ga4":
		return NewGA4(raw, opts)
	case "shopify":
		return NewShopify(raw, opts)
	case "woocommerce":
		return NewWooCommerce(raw, opts)
	default:
		return nil, &ConfigurationError{Source: connType, Message: "unknown connector type"}
	}
}

// validateRecords enforces the provider-specific minimal column set.
// Partial or empty data never passes silently.
func validateRecords(source string, records []Record, requireDate bool) error {
	if len(records) == 0 {
		return &DataValidationError{Message: fmt.Sprintf("%s fetch returned no records", source)}
	}
	for i, r := range records {
		if r.CleanID == "" {
			return &DataValidationError{Message: fmt.Sprintf("%s record %d missing clean_id", source, i)}
		}
		if requireDate && r.Date == "" {
			return &DataValidationError{Message: fmt.Sprintf("%s record %d missing date", source, i)}
		}
	}
	return nil
}

// cacheKey derives a stable memoization key from the source, its
// identifying config, and the resolved window.
func cacheKey(source, ident string, dr DateRange) string {
	sum := sha256.Sum256([]byte(ident))
	return fmt.Sprintf("source:%s:%s:%d:%d", source, hex.EncodeToString(sum[:8]), dr.Start.Unix(), dr.End.Unix())
}

func cachedRecords(ctx context.Context, c cache.Cache, key string) ([]Record, bool) {
	if c == nil {
		return nil, false
	}
	data, ok := c.Get(ctx, key)
	if !ok {
		return nil, false
	}
	var records []Record
	if err := json.Unmarshal(data, &records); err != nil {
		c.Delete(ctx, key)
		return nil, false
	}
	return records, true
}

func storeRecords(ctx context.Context, c cache.Cache, key string, records []Record, ttl time.Duration) {
	if c == nil {
		return
	}
	data, err := json.Marshal(records)
	if err != nil {
		return
	}
	c.Set(ctx, key, data, ttl)
}

// statusError maps provider HTTP failures onto the taxonomy. 429 and
// 5xx are retryable at the job level; other 4xx are not.
func statusError(sourceName string, status int, body string) *APIError {
	msg := ""
	switch status {
	case http.StatusUnauthorized:
		msg = "authentication failed, check credentials"
	case http.StatusForbidden:
		msg = "access forbidden, check permissions"
	case http.StatusTooManyRequests:
		msg = "rate limit exceeded"
	default:
		msg = fmt.Sprintf("unexpected response: %s", truncate(body, 200))
	}
	return &APIError{Source: sourceName, StatusCode: status, Message: msg}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
