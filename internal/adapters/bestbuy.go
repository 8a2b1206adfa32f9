package adapters

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/pricewatch/internal/domain"
	"github.com/aristath/pricewatch/internal/extract"
)

var reBestBuySKU = regexp.MustCompile(`\d{6,}`)

// BestBuy resolves bestbuy.ca product pages through the public catalog
// API instead of scraping the heavily scripted product page.
type BestBuy struct {
	client  *http.Client
	baseURL string
	log     zerolog.Logger
}

// NewBestBuy creates a BestBuy adapter. baseURL overrides the production
// API host for tests; pass "" for the default.
func NewBestBuy(log zerolog.Logger, baseURL string) *BestBuy {
	if baseURL == "" {
		baseURL = "https://www.bestbuy.ca"
	}
	return &BestBuy{
		client: &http.Client{
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		baseURL: strings.TrimRight(baseURL, "/"),
		log:     log.With().Str("adapter", "bestbuy").Logger(),
	}
}

// Match reports whether the URL belongs to bestbuy.ca.
func (a *BestBuy) Match(u *url.URL) bool {
	host := strings.ToLower(u.Hostname())
	return host == "bestbuy.ca" || strings.HasSuffix(host, ".bestbuy.ca")
}

type bestBuyProduct struct {
	Name         string               `json:"name"`
	SalePrice    float64              `json:"salePrice"`
	RegularPrice float64              `json:"regularPrice"`
	Availability *bestBuyAvailability `json:"availability"`
}

type bestBuyAvailability struct {
	OnlineAvailability   string `json:"onlineAvailability"`
	IsAvailableOnline    bool   `json:"isAvailableOnline"`
	InStoreAvailability  string `json:"inStoreAvailability"`
	IsAvailableInStore   bool   `json:"isAvailableInStore"`
	OnlineAvailabilityCt int    `json:"onlineAvailabilityCount"`
}

// Extract looks up the product SKU against the catalog API. A URL
// without a recognizable SKU, a redirect, or any non-2xx response all
// yield no result rather than an error.
func (a *BestBuy) Extract(ctx context.Context, rawURL string, timeout time.Duration) (*domain.ExtractResult, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}

	sku := findSKU(u)
	if sku == "" {
		return nil, nil
	}

	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	endpoint := a.baseURL + "/api/v2/json/product/" + sku
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		a.log.Debug().Err(err).Str("sku", sku).Msg("Best Buy lookup failed")
		return nil, nil
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		a.log.Debug().Int("status", resp.StatusCode).Str("sku", sku).Msg("Best Buy lookup non-2xx")
		return nil, nil
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 2<<20))
	if err != nil {
		return nil, nil
	}

	var product bestBuyProduct
	if err := json.Unmarshal(body, &product); err != nil || product.Name == "" {
		return nil, nil
	}

	var priceCents *int64
	price := product.SalePrice
	if price <= 0 {
		price = product.RegularPrice
	}
	if price > 0 {
		cents := int64(math.Round(price * 100))
		priceCents = &cents
	}

	state := bestBuyStockState(product.Availability)

	result := domain.ExtractResult{
		ProductName: extract.NormalizeProductName(product.Name),
		PriceCents:  priceCents,
		InStock:     state.InStock(),
		StockState:  state,
		Confidence:  0.96,
		Method:      domain.MethodStatic,
		Evidence: domain.Evidence{
			URL: rawURL,
			Stock: domain.StockSignals{
				Notes: []string{"bestbuy api sku=" + sku},
			},
		},
	}
	return &result, nil
}

// findSKU pulls a 6+ digit SKU from the path, or the sku/id query params.
func findSKU(u *url.URL) string {
	for _, seg := range strings.Split(u.Path, "/") {
		if m := reBestBuySKU.FindString(seg); m != "" {
			return m
		}
	}
	q := u.Query()
	for _, key := range []string{"sku", "id"} {
		if m := reBestBuySKU.FindString(q.Get(key)); m != "" {
			return m
		}
	}
	return ""
}

// bestBuyStockState maps the API availability block to a stock state.
// The onlineAvailability string is authoritative; the boolean flags are
// the fallback when it carries an unrecognized value.
func bestBuyStockState(av *bestBuyAvailability) domain.StockState {
	if av == nil {
		return domain.StockUnknown
	}

	online := strings.ToLower(av.OnlineAvailability)
	switch {
	case strings.Contains(online, "instock"):
		return domain.StockInStock
	case strings.Contains(online, "outofstock"),
		strings.Contains(online, "soldout"),
		strings.Contains(online, "backorder"):
		return domain.StockOutOfStock
	}

	if av.IsAvailableOnline || av.IsAvailableInStore {
		return domain.StockInStock
	}
	if online != "" || av.InStoreAvailability != "" {
		return domain.StockOutOfStock
	}
	return domain.StockUnknown
}
