package source

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/rotisserie/eris"

	"github.com/aydarnuman/procheff-v3-sub000/internal/model"
	"github.com/aydarnuman/procheff-v3-sub000/internal/resilience"
)

// priceResponse is the wire format every price endpoint speaks:
// GET {base}/price?product={key} returns one observation.
type priceResponse struct {
	Price       float64 `json:"price"`
	Unit        string  `json:"unit"`
	Currency    string  `json:"currency"`
	Brand       string  `json:"brand,omitempty"`
	Quantity    string  `json:"quantity,omitempty"`
	StockStatus string  `json:"stock_status,omitempty"`
	ProductURL  string  `json:"product_url,omitempty"`
	ObservedAt  string  `json:"observed_at,omitempty"`
}

// HTTPAdapter fetches quotes from a JSON price endpoint. The TUIK
// statistics feed, the retail scraper service, and the AI estimator
// all expose the same contract behind different base URLs.
type HTTPAdapter struct {
	id      model.SourceID
	baseURL string
	apiKey  string
	client  *http.Client
}

// HTTPOption configures an HTTPAdapter.
type HTTPOption func(*HTTPAdapter)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) HTTPOption {
	return func(a *HTTPAdapter) {
		a.client = hc
	}
}

// WithAPIKey sets a bearer token for the endpoint.
func WithAPIKey(key string) HTTPOption {
	return func(a *HTTPAdapter) {
		a.apiKey = key
	}
}

// NewHTTPAdapter creates an adapter for one JSON price endpoint.
func NewHTTPAdapter(id model.SourceID, baseURL string, opts ...HTTPOption) *HTTPAdapter {
	a := &HTTPAdapter{
		id:      id,
		baseURL: baseURL,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *HTTPAdapter) Source() model.SourceID { return a.id }

// Fetch requests one quote. HTTP status maps onto the source error
// taxonomy so the retry loop knows what is worth another attempt.
func (a *HTTPAdapter) Fetch(ctx context.Context, productKey string) (*model.Quote, error) {
	reqURL := fmt.Sprintf("%s/price?product=%s", a.baseURL, url.QueryEscape(productKey))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, eris.Wrapf(err, "%s: create request", a.id)
	}
	req.Header.Set("Accept", "application/json")
	if a.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+a.apiKey)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, resilience.NewSourceError(resilience.CodeTransient,
			eris.Wrapf(err, "%s: request", a.id))
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, resilience.NewSourceError(codeForStatus(resp.StatusCode),
			eris.Errorf("%s: status %d: %s", a.id, resp.StatusCode, string(body)))
	}

	var pr priceResponse
	if err := json.NewDecoder(resp.Body).Decode(&pr); err != nil {
		return nil, resilience.NewSourceError(resilience.CodeParseError,
			eris.Wrapf(err, "%s: decode response", a.id))
	}
	if pr.Price <= 0 {
		return nil, resilience.NewSourceError(resilience.CodeParseError,
			eris.Errorf("%s: non-positive price %.4f", a.id, pr.Price))
	}

	observedAt := time.Now().UTC()
	if pr.ObservedAt != "" {
		if ts, err := time.Parse(time.RFC3339, pr.ObservedAt); err == nil {
			observedAt = ts.UTC()
		}
	}

	return &model.Quote{
		ProductKey: productKey,
		SourceID:   a.id,
		UnitPrice:  pr.Price,
		Unit:       pr.Unit,
		Currency:   pr.Currency,
		ObservedAt: observedAt,
		Meta: model.QuoteMeta{
			Brand:       pr.Brand,
			Quantity:    pr.Quantity,
			StockStatus: model.StockStatus(pr.StockStatus),
			ProductURL:  pr.ProductURL,
		},
	}, nil
}

func codeForStatus(status int) resilience.ErrorCode {
	switch {
	case status == http.StatusTooManyRequests:
		return resilience.CodeRateLimited
	case status == http.StatusNotFound:
		return resilience.CodeNotFound
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return resilience.CodeAuthFailed
	case status >= 500:
		return resilience.CodeTransient
	default:
		return resilience.CodeParseError
	}
}
