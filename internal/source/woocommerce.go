package source

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const wooPerPage = 100

// WooCommerce fetches orders through the WooCommerce REST API,
// paginating by page number until a short page.
type WooCommerce struct {
	baseURL string
	key     string
	secret  string
	opts    Options
}

type wooOrder struct {
	ID                 json.Number `json:"id"`
	Total              string      `json:"total"`
	Status             string      `json:"status"`
	PaymentMethod      string      `json:"payment_method"`
	PaymentMethodTitle string      `json:"payment_method_title"`
}

// NewWooCommerce validates the consumer credential pair.
func NewWooCommerce(config map[string]string, opts Options) (*WooCommerce, error) {
	siteURL := config["url"]
	key := config["consumer_key"]
	secret := config["consumer_secret"]
	if siteURL == "" {
		return nil, &ConfigurationError{Source: "woocommerce", Message: "url is required"}
	}
	if key == "" {
		return nil, &ConfigurationError{Source: "woocommerce", Message: "consumer_key is required"}
	}
	if secret == "" {
		return nil, &ConfigurationError{Source: "woocommerce", Message: "consumer_secret is required"}
	}
	return &WooCommerce{
		baseURL: strings.TrimSuffix(siteURL, "/"),
		key:     key,
		secret:  secret,
		opts:    opts.withDefaults(),
	}, nil
}

func (w *WooCommerce) Source() string { return "woocommerce" }

func (w *WooCommerce) Fetch(ctx context.Context, dr DateRange) ([]Record, error) {
	key := cacheKey("woocommerce", w.baseURL, dr)
	if records, ok := cachedRecords(ctx, w.opts.Cache, key); ok {
		return records, nil
	}

	log := w.opts.Logger.With(
		zap.String("url", w.baseURL),
		zap.String("start_date", dr.Start.Format(dateLayout)),
		zap.String("end_date", dr.End.Format(dateLayout)),
	)
	log.Info("fetching woocommerce orders")

	endpoint := w.baseURL + "/wp-json/wc/v3/orders"

	var records []Record
	page := 1
	hitCeiling := false
	for {
		if page > w.opts.MaxPages {
			hitCeiling = true
			break
		}
		orders, err := w.fetchPage(ctx, endpoint, dr, page)
		if err != nil {
			return nil, err
		}
		if len(orders) == 0 {
			break
		}

		for _, order := range orders {
			value, err := decimal.NewFromString(order.Total)
			if err != nil {
				value = decimal.Zero
			}
			paymentMethod := order.PaymentMethodTitle
			if paymentMethod == "" {
				paymentMethod = order.PaymentMethod
			}
			records = append(records, Record{
				CleanID:       strings.TrimSpace(order.ID.String()),
				Value:         value,
				Status:        order.Status,
				PaymentMethod: paymentMethod,
			})
		}

		if len(orders) < wooPerPage {
			break
		}
		page++
	}
	if hitCeiling {
		log.Warn("reached page ceiling for woocommerce orders", zap.Int("max_pages", w.opts.MaxPages))
	}

	if err := validateRecords("woocommerce", records, false); err != nil {
		return nil, err
	}

	log.Info("fetched woocommerce orders", zap.Int("orders", len(records)), zap.Int("pages", page))
	storeRecords(ctx, w.opts.Cache, key, records, w.opts.CacheTTL)
	return records, nil
}

func (w *WooCommerce) fetchPage(ctx context.Context, endpoint string, dr DateRange, page int) ([]wooOrder, error) {
	params := url.Values{
		"after":    {dr.Start.Format("2006-01-02T15:04:05")},
		"before":   {dr.End.Format("2006-01-02T15:04:05")},
		"per_page": {strconv.Itoa(wooPerPage)},
		"page":     {strconv.Itoa(page)},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint+"?"+params.Encode(), nil)
	if err != nil {
		return nil, &APIError{Source: "woocommerce", Message: "build request failed", Err: err}
	}
	req.SetBasicAuth(w.key, w.secret)

	resp, err := w.opts.HTTPClient.Do(req)
	if err != nil {
		return nil, &APIError{Source: "woocommerce", Message: fmt.Sprintf("request failed: %v", err), Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &APIError{Source: "woocommerce", Message: fmt.Sprintf("read response: %v", err), Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, statusError("woocommerce", resp.StatusCode, string(body))
	}

	var orders []wooOrder
	if err := json.Unmarshal(body, &orders); err != nil {
		return nil, &APIError{Source: "woocommerce", Message: fmt.Sprintf("decode response: %v", err), Err: err}
	}
	return orders, nil
}
