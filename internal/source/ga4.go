package source

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/oauth2/google"
)

const (
	ga4BaseURL = "https://analyticsdata.googleapis.com"
	ga4Scope   = "https://www.googleapis.com/auth/analytics.readonly"
)

// GA4 fetches purchase transactions through the Analytics Data API
// runReport endpoint, authenticated with a service account.
type GA4 struct {
	propertyID  string
	credentials []byte
	opts        Options

	// Overridable for tests: a pre-authorized client and endpoint.
	authClient *http.Client
	baseURL    string
}

type ga4ReportRequest struct {
	Dimensions []ga4Name      `json:"dimensions"`
	Metrics    []ga4Name      `json:"metrics"`
	DateRanges []ga4DateRange `json:"dateRanges"`
}

type ga4Name struct {
	Name string `json:"name"`
}

type ga4DateRange struct {
	StartDate string `json:"startDate"`
	EndDate   string `json:"endDate"`
}

type ga4Value struct {
	Value string `json:"value"`
}

type ga4Row struct {
	DimensionValues []ga4Value `json:"dimensionValues"`
	MetricValues    []ga4Value `json:"metricValues"`
}

type ga4ReportResponse struct {
	Rows []ga4Row `json:"rows"`
}

// NewGA4 validates the property and service-account credentials.
func NewGA4(config map[string]string, opts Options) (*GA4, error) {
	propertyID := config["property_id"]
	credentials := config["credentials_json"]
	if propertyID == "" {
		return nil, &ConfigurationError{Source: "ga4", Message: "property_id is required"}
	}
	if credentials == "" {
		return nil, &ConfigurationError{Source: "ga4", Message: "credentials_json is required"}
	}
	if !json.Valid([]byte(credentials)) {
		return nil, &ConfigurationError{Source: "ga4", Message: "credentials_json is not valid JSON"}
	}
	return &GA4{
		propertyID:  propertyID,
		credentials: []byte(credentials),
		opts:        opts.withDefaults(),
		baseURL:     ga4BaseURL,
	}, nil
}

func (g *GA4) Source() string { return "ga4" }

func (g *GA4) Fetch(ctx context.Context, dr DateRange) ([]Record, error) {
	key := cacheKey("ga4", g.propertyID, dr)
	if records, ok := cachedRecords(ctx, g.opts.Cache, key); ok {
		return records, nil
	}

	log := g.opts.Logger.With(
		zap.String("property_id", g.propertyID),
		zap.String("start_date", dr.Start.Format(dateLayout)),
		zap.String("end_date", dr.End.Format(dateLayout)),
	)
	log.Info("fetching ga4 report")

	client, err := g.client(ctx)
	if err != nil {
		return nil, err
	}

	reqBody, err := json.Marshal(ga4ReportRequest{
		Dimensions: []ga4Name{
			{Name: "transactionId"},
			{Name: "date"},
			{Name: "browser"},
			{Name: "deviceCategory"},
		},
		Metrics: []ga4Name{{Name: "purchaseRevenue"}},
		DateRanges: []ga4DateRange{{
			StartDate: dr.Start.Format(dateLayout),
			EndDate:   dr.End.Format(dateLayout),
		}},
	})
	if err != nil {
		return nil, &APIError{Source: "ga4", Message: fmt.Sprintf("encode request: %v", err), Err: err}
	}

	endpoint := fmt.Sprintf("%s/v1beta/properties/%s:runReport", g.baseURL, g.propertyID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(reqBody))
	if err != nil {
		return nil, &APIError{Source: "ga4", Message: "build request failed", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, &APIError{Source: "ga4", Message: fmt.Sprintf("request failed: %v", err), Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &APIError{Source: "ga4", Message: fmt.Sprintf("read response: %v", err), Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, statusError("ga4", resp.StatusCode, string(body))
	}

	var report ga4ReportResponse
	if err := json.Unmarshal(body, &report); err != nil {
		return nil, &APIError{Source: "ga4", Message: fmt.Sprintf("decode response: %v", err), Err: err}
	}

	records := make([]Record, 0, len(report.Rows))
	for _, row := range report.Rows {
		if len(row.DimensionValues) < 4 || len(row.MetricValues) < 1 {
			continue
		}
		value, err := decimal.NewFromString(row.MetricValues[0].Value)
		if err != nil {
			value = decimal.Zero
		}
		records = append(records, Record{
			CleanID: strings.TrimSpace(row.DimensionValues[0].Value),
			Date:    reformatGA4Date(row.DimensionValues[1].Value),
			Browser: row.DimensionValues[2].Value,
			Device:  row.DimensionValues[3].Value,
			Value:   value,
		})
	}

	if err := validateRecords("ga4", records, true); err != nil {
		return nil, err
	}

	log.Info("fetched ga4 report", zap.Int("records", len(records)))
	storeRecords(ctx, g.opts.Cache, key, records, g.opts.CacheTTL)
	return records, nil
}

// client lazily builds the service-account-authorized HTTP client,
// keeping credential errors at the configuration layer.
func (g *GA4) client(ctx context.Context) (*http.Client, error) {
	if g.authClient != nil {
		return g.authClient, nil
	}
	conf, err := google.JWTConfigFromJSON(g.credentials, ga4Scope)
	if err != nil {
		return nil, &ConfigurationError{Source: "ga4", Message: fmt.Sprintf("invalid service account credentials: %v", err)}
	}
	client := conf.Client(ctx)
	client.Timeout = g.opts.HTTPClient.Timeout
	g.authClient = client
	return client, nil
}

// reformatGA4Date converts the provider's YYYYMMDD to YYYY-MM-DD.
func reformatGA4Date(raw string) string {
	parsed, err := time.Parse("20060102", raw)
	if err != nil {
		return raw
	}
	return parsed.Format(dateLayout)
}
