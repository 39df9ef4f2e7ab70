package source

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func newTestGA4(t *testing.T, srv *httptest.Server) *GA4 {
	t.Helper()
	g, err := NewGA4(map[string]string{
		"property_id":      "123456",
		"credentials_json": `{"type":"service_account"}`,
	}, Options{})
	if err != nil {
		t.Fatalf("NewGA4: %v", err)
	}
	g.authClient = srv.Client()
	g.baseURL = srv.URL
	return g
}

func makeGA4Row(transactionID, date, browser, device, revenue string) map[string]any {
	return map[string]any{
		"dimensionValues": []map[string]string{
			{"value": transactionID}, {"value": date}, {"value": browser}, {"value": device},
		},
		"metricValues": []map[string]string{{"value": revenue}},
	}
}

func TestGA4ConfigValidation(t *testing.T) {
	cases := []map[string]string{
		{"credentials_json": `{}`},
		{"property_id": "123"},
		{"property_id": "123", "credentials_json": "not json"},
	}
	for _, config := range cases {
		_, err := NewGA4(config, Options{})
		var cfgErr *ConfigurationError
		if !errors.As(err, &cfgErr) {
			t.Errorf("config %v: error = %v, want ConfigurationError", config, err)
		}
	}
}

func TestGA4FetchParsesReport(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1beta/properties/123456:runReport" {
			t.Errorf("path = %q", r.URL.Path)
		}
		var req ga4ReportRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if len(req.Dimensions) != 4 || req.Dimensions[0].Name != "transactionId" {
			t.Errorf("dimensions = %+v", req.Dimensions)
		}
		if len(req.DateRanges) != 1 || req.DateRanges[0].StartDate != "2024-05-01" {
			t.Errorf("dateRanges = %+v", req.DateRanges)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"rows": []map[string]any{
			makeGA4Row(" TX-1 ", "20240503", "Chrome", "mobile", "149.99"),
			makeGA4Row("TX-2", "20240504", "Safari", "desktop", "bad-number"),
		}})
	}))
	defer srv.Close()

	g := newTestGA4(t, srv)
	records, err := g.Fetch(context.Background(), testWindow())
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("records = %d, want 2", len(records))
	}
	if records[0].CleanID != "TX-1" {
		t.Errorf("clean_id = %q, want trimmed", records[0].CleanID)
	}
	if records[0].Date != "2024-05-03" {
		t.Errorf("date = %q, want reformatted YYYY-MM-DD", records[0].Date)
	}
	if records[0].Browser != "Chrome" || records[0].Device != "mobile" {
		t.Errorf("dimensions = %+v", records[0])
	}
	if !records[1].Value.IsZero() {
		t.Errorf("unparseable revenue should become zero, got %s", records[1].Value)
	}
}

func TestGA4FetchEmptyReportIsValidationError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"rows": []map[string]any{}})
	}))
	defer srv.Close()

	g := newTestGA4(t, srv)
	_, err := g.Fetch(context.Background(), testWindow())
	var vErr *DataValidationError
	if !errors.As(err, &vErr) {
		t.Fatalf("error = %v, want DataValidationError", err)
	}
}

func TestGA4FetchMapsQuotaExhaustion(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "quota", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	g := newTestGA4(t, srv)
	_, err := g.Fetch(context.Background(), testWindow())
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("error = %v, want APIError", err)
	}
	if apiErr.StatusCode != http.StatusTooManyRequests || !apiErr.Retryable() {
		t.Errorf("apiErr = %+v", apiErr)
	}
}

func TestReformatGA4Date(t *testing.T) {
	if got := reformatGA4Date("20240131"); got != "2024-01-31" {
		t.Errorf("reformat = %q", got)
	}
	// Unparseable input passes through untouched.
	if got := reformatGA4Date("(other)"); got != "(other)" {
		t.Errorf("passthrough = %q", got)
	}
}
