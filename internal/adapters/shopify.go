// Package adapters implements host-specific JSON product endpoints that
// short-circuit HTML scraping when a site exposes structured data.
// Adapters never fail the pipeline: redirects, error statuses and
// unparseable payloads all surface as "no result" so the caller falls
// through to the next layer.
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
	"github.com/aristath/pricewatch/internal/pricing"
)

// userAgent is sent on all adapter requests; some storefronts reject the
// default Go client string outright.
const userAgent = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0 Safari/537.36"

// minProbeTimeout is the floor for per-probe timeouts.
const minProbeTimeout = 2500 * time.Millisecond

var reShopifyHandle = regexp.MustCompile(`/products/([a-zA-Z0-9._-]+)`)

// Shopify probes the storefront JSON endpoints behind /products/<handle>.
type Shopify struct {
	client *http.Client
	log    zerolog.Logger
}

// NewShopify creates a Shopify adapter.
func NewShopify(log zerolog.Logger) *Shopify {
	return &Shopify{
		client: &http.Client{
			// Redirects mean the handle moved or the region is being
			// swapped; treat them as "no result" rather than following.
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		log: log.With().Str("adapter", "shopify").Logger(),
	}
}

// Match reports whether the URL looks like a Shopify product page.
func (a *Shopify) Match(u *url.URL) bool {
	return reShopifyHandle.MatchString(u.Path)
}

// shopifyProduct is the shape shared by the .js and .json endpoints.
type shopifyProduct struct {
	Title     string           `json:"title"`
	Price     json.RawMessage  `json:"price"`
	Available *bool            `json:"available"`
	Variants  []shopifyVariant `json:"variants"`
}

type shopifyVariant struct {
	Title     string          `json:"title"`
	Price     json.RawMessage `json:"price"`
	Available *bool           `json:"available"`
}

type shopifyEnvelope struct {
	Product *shopifyProduct `json:"product"`
}

// probeResult carries one parsed probe response plus its selection score.
type probeResult struct {
	result domain.ExtractResult
	score  float64
}

// Extract probes <base>/products/<handle>.js then .json and returns the
// better-scoring parse, or nil when neither endpoint yields a product.
func (a *Shopify) Extract(ctx context.Context, rawURL string, timeout time.Duration) (*domain.ExtractResult, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	m := reShopifyHandle.FindStringSubmatch(u.Path)
	if m == nil {
		return nil, nil
	}
	handle := m[1]

	probeTimeout := timeout / 2
	if probeTimeout < minProbeTimeout {
		probeTimeout = minProbeTimeout
	}

	base := u.Scheme + "://" + u.Host + "/products/" + handle

	var best *probeResult
	for _, endpoint := range []string{base + ".js", base + ".json"} {
		product := a.probe(ctx, endpoint, probeTimeout)
		if product == nil {
			continue
		}
		// The .js endpoint reports integer prices in cents; .json
		// reports whole currency units.
		centsUnits := strings.HasSuffix(endpoint, ".js")
		pr := buildShopifyResult(product, rawURL, centsUnits)
		if best == nil || pr.score > best.score {
			best = &pr
		}
	}

	if best == nil {
		return nil, nil
	}
	return &best.result, nil
}

// probe fetches one endpoint. Redirects and non-2xx statuses yield nil.
func (a *Shopify) probe(ctx context.Context, endpoint string, timeout time.Duration) *shopifyProduct {
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		a.log.Debug().Err(err).Str("endpoint", endpoint).Msg("Shopify probe failed")
		return nil
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		a.log.Debug().Int("status", resp.StatusCode).Str("endpoint", endpoint).Msg("Shopify probe non-2xx")
		return nil
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 2<<20))
	if err != nil {
		return nil
	}

	// The .json endpoint wraps the product; .js returns it bare.
	var envelope shopifyEnvelope
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Product != nil {
		return envelope.Product
	}
	var product shopifyProduct
	if err := json.Unmarshal(body, &product); err == nil && product.Title != "" {
		return &product
	}
	return nil
}

// buildShopifyResult converts a parsed product into an ExtractResult and
// computes the probe-selection score.
func buildShopifyResult(p *shopifyProduct, sourceURL string, centsUnits bool) probeResult {
	variants := make([]domain.VariantStock, 0, len(p.Variants))
	var knownVariants int
	var priceCents *int64

	for _, v := range p.Variants {
		stock := domain.VariantUnknown
		if v.Available != nil {
			knownVariants++
			if *v.Available {
				stock = domain.VariantIn
			} else {
				stock = domain.VariantOut
			}
		}
		if len(variants) < 8 && v.Title != "" {
			variants = append(variants, domain.VariantStock{Label: v.Title, Stock: stock})
		}
		// The displayed price is the first purchasable variant's.
		if priceCents == nil && v.Available != nil && *v.Available {
			if cents, ok := shopifyPriceCents(v.Price, centsUnits); ok {
				priceCents = &cents
			}
		}
	}
	if priceCents == nil {
		if cents, ok := shopifyPriceCents(p.Price, centsUnits); ok {
			priceCents = &cents
		}
	}
	if priceCents == nil && len(p.Variants) > 0 {
		if cents, ok := shopifyPriceCents(p.Variants[0].Price, centsUnits); ok {
			priceCents = &cents
		}
	}

	state := shopifyStockState(p, variants)

	confidence := 0.84
	if priceCents != nil {
		confidence += 0.06
	}
	if state == domain.StockInStock || state == domain.StockOutOfStock || state == domain.StockPartial {
		confidence += 0.07
	}
	if len(variants) > 0 {
		confidence += 0.03
	}
	if confidence > 0.99 {
		confidence = 0.99
	}

	stockScore := 0.0
	switch state {
	case domain.StockPartial:
		stockScore = 3
	case domain.StockInStock, domain.StockOutOfStock:
		stockScore = 2.4
	}

	score := stockScore + confidence + 0.25*float64(minIntAdapters(knownVariants, 8))
	if priceCents != nil {
		score += 2
	}

	result := domain.ExtractResult{
		ProductName:  extract.NormalizeProductName(p.Title),
		PriceCents:   priceCents,
		InStock:      state.InStock(),
		StockState:   state,
		VariantStock: variants,
		Confidence:   confidence,
		Method:       domain.MethodShopifyJSON,
		Evidence: domain.Evidence{
			URL: sourceURL,
			Stock: domain.StockSignals{
				Notes: []string{fmt.Sprintf("shopify variants=%d known=%d", len(p.Variants), knownVariants)},
			},
		},
	}

	return probeResult{result: result, score: score}
}

// shopifyStockState derives the page state from variants, falling back to
// the product-level available flag.
func shopifyStockState(p *shopifyProduct, variants []domain.VariantStock) domain.StockState {
	var in, out int
	for _, v := range variants {
		switch v.Stock {
		case domain.VariantIn:
			in++
		case domain.VariantOut:
			out++
		}
	}
	switch {
	case in > 0 && out > 0:
		return domain.StockPartial
	case in > 0:
		return domain.StockInStock
	case out > 0:
		return domain.StockOutOfStock
	}
	if p.Available != nil {
		if *p.Available {
			return domain.StockInStock
		}
		return domain.StockOutOfStock
	}
	return domain.StockUnknown
}

// shopifyPriceCents interprets a price field. On the .js endpoint integer
// prices are already cents; on .json they are whole currency units.
func shopifyPriceCents(raw json.RawMessage, centsUnits bool) (int64, bool) {
	if len(raw) == 0 {
		return 0, false
	}

	var asNumber float64
	if err := json.Unmarshal(raw, &asNumber); err == nil {
		if asNumber <= 0 {
			return 0, false
		}
		if centsUnits && asNumber == math.Trunc(asNumber) {
			return int64(asNumber), true
		}
		return int64(math.Round(asNumber * 100)), true
	}

	var asString string
	if err := json.Unmarshal(raw, &asString); err == nil {
		if parsed, ok := pricing.Parse(asString); ok {
			return parsed.Cents, true
		}
	}
	return 0, false
}

func minIntAdapters(a, b int) int {
	if a < b {
		return a
	}
	return b
}
