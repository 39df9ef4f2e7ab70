package source

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const shopifyAPIVersion = "2023-10"

var linkNextRe = regexp.MustCompile(`<([^>]+)>\s*;\s*rel="next"`)

// Shopify fetches orders through the Shopify Admin REST API, draining
// Link-header pagination.
type Shopify struct {
	shopDomain string
	token      string
	opts       Options

	// baseURL overrides the shop domain scheme/host, for tests.
	baseURL string
}

type shopifyOrder struct {
	Name                string   `json:"name"`
	TotalPrice          string   `json:"total_price"`
	FinancialStatus     string   `json:"financial_status"`
	PaymentGatewayNames []string `json:"payment_gateway_names"`
}

type shopifyOrdersPage struct {
	Orders []shopifyOrder `json:"orders"`
}

// NewShopify validates credentials and normalizes the shop URL.
func NewShopify(config map[string]string, opts Options) (*Shopify, error) {
	shopURL := config["shop_url"]
	token := config["access_token"]
	if shopURL == "" {
		return nil, &ConfigurationError{Source: "shopify", Message: "shop_url is required"}
	}
	if token == "" {
		return nil, &ConfigurationError{Source: "shopify", Message: "access_token is required"}
	}

	domain := strings.TrimPrefix(strings.TrimPrefix(shopURL, "https://"), "http://")
	domain = strings.TrimSuffix(domain, "/")

	return &Shopify{
		shopDomain: domain,
		token:      token,
		opts:       opts.withDefaults(),
		baseURL:    "https://" + domain,
	}, nil
}

func (s *Shopify) Source() string { return "shopify" }

// Fetch drains all order pages inside the window. The page ceiling
// guarantees termination even if the provider's pagination loops.
func (s *Shopify) Fetch(ctx context.Context, dr DateRange) ([]Record, error) {
	key := cacheKey("shopify", s.shopDomain, dr)
	if records, ok := cachedRecords(ctx, s.opts.Cache, key); ok {
		return records, nil
	}

	log := s.opts.Logger.With(
		zap.String("shop_domain", s.shopDomain),
		zap.String("start_date", dr.Start.Format(dateLayout)),
		zap.String("end_date", dr.End.Format(dateLayout)),
	)
	log.Info("fetching shopify orders")

	next := fmt.Sprintf("%s/admin/api/%s/orders.json?%s", s.baseURL, shopifyAPIVersion, url.Values{
		"status":         {"any"},
		"created_at_min": {dr.Start.Format("2006-01-02T15:04:05Z07:00")},
		"created_at_max": {dr.End.Format("2006-01-02T15:04:05Z07:00")},
		"limit":          {"250"},
	}.Encode())

	var records []Record
	pages := 0
	hitCeiling := false
	for next != "" {
		if pages >= s.opts.MaxPages {
			hitCeiling = true
			break
		}
		pages++

		page, linkHeader, err := s.fetchPage(ctx, next)
		if err != nil {
			return nil, err
		}

		for _, order := range page.Orders {
			value, err := decimal.NewFromString(order.TotalPrice)
			if err != nil {
				value = decimal.Zero
			}
			paymentMethod := "unknown"
			if len(order.PaymentGatewayNames) > 0 {
				paymentMethod = order.PaymentGatewayNames[0]
			}
			records = append(records, Record{
				CleanID:       strings.TrimSpace(order.Name),
				Value:         value,
				Status:        order.FinancialStatus,
				PaymentMethod: paymentMethod,
			})
		}

		if len(page.Orders) == 0 {
			break
		}
		next = nextLink(linkHeader)
	}
	if hitCeiling {
		log.Warn("reached page ceiling for shopify orders", zap.Int("max_pages", s.opts.MaxPages))
	}

	if err := validateRecords("shopify", records, false); err != nil {
		return nil, err
	}

	log.Info("fetched shopify orders", zap.Int("orders", len(records)), zap.Int("pages", pages))
	storeRecords(ctx, s.opts.Cache, key, records, s.opts.CacheTTL)
	return records, nil
}

func (s *Shopify) fetchPage(ctx context.Context, pageURL string) (shopifyOrdersPage, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return shopifyOrdersPage{}, "", &APIError{Source: "shopify", Message: "build request failed", Err: err}
	}
	req.Header.Set("X-Shopify-Access-Token", s.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.opts.HTTPClient.Do(req)
	if err != nil {
		return shopifyOrdersPage{}, "", &APIError{Source: "shopify", Message: fmt.Sprintf("request failed: %v", err), Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return shopifyOrdersPage{}, "", &APIError{Source: "shopify", Message: fmt.Sprintf("read response: %v", err), Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		return shopifyOrdersPage{}, "", statusError("shopify", resp.StatusCode, string(body))
	}

	var page shopifyOrdersPage
	if err := json.Unmarshal(body, &page); err != nil {
		return shopifyOrdersPage{}, "", &APIError{Source: "shopify", Message: fmt.Sprintf("decode response: %v", err), Err: err}
	}
	return page, resp.Header.Get("Link"), nil
}

// nextLink extracts the rel="next" URL from a Shopify Link header.
func nextLink(linkHeader string) string {
	if linkHeader == "" {
		return ""
	}
	for _, part := range strings.Split(linkHeader, ",") {
		if m := linkNextRe.FindStringSubmatch(part); m != nil {
			return m[1]
		}
	}
	return ""
}
