// Package pipeline runs the extraction cascade for one URL: site
// adapters, static HTML, rendered HTML, then the AI fallback. Each layer
// only runs when the previous one came back below the confidence
// threshold, and the whole cascade degrades to needs_review instead of
// failing when the page resists extraction.
package pipeline

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/rs/zerolog"

	"github.com/aristath/pricewatch/internal/ai"
	"github.com/aristath/pricewatch/internal/domain"
	"github.com/aristath/pricewatch/internal/extract"
	"github.com/aristath/pricewatch/internal/render"
)

// finalConfidenceFloor is the hard minimum below which a result is never
// accepted, whatever produced it.
const finalConfidenceFloor = 0.70

const userAgent = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0 Safari/537.36"

// regionalPrefixes are subdomain labels storefronts use for region
// splits. A redirect that only swaps one of these is a geo bounce, not a
// moved product.
var regionalPrefixes = map[string]bool{
	"us": true, "ca": true, "uk": true, "eu": true, "au": true, "de": true,
	"fr": true, "it": true, "es": true, "jp": true, "sg": true, "hk": true,
}

// SiteAdapter is a host-specific JSON extraction shortcut.
type SiteAdapter interface {
	Match(u *url.URL) bool
	Extract(ctx context.Context, rawURL string, timeout time.Duration) (*domain.ExtractResult, error)
}

// AIExtractor is the LLM fallback layer.
type AIExtractor interface {
	Enabled() bool
	Extract(ctx context.Context, evidence string) (*domain.ExtractResult, ai.Usage, error)
	BuildEvidence(prior *domain.ExtractResult, hints []string, bodyText string) string
}

// Options controls one cascade invocation.
type Options struct {
	Timeout         time.Duration
	AllowPlaywright bool
	AllowAI         bool
	AIHints         []string
}

// Pipeline owns the cascade layers and their gating thresholds.
type Pipeline struct {
	adapters           []SiteAdapter
	extractor          *extract.Extractor
	renderer           render.Fetcher
	aiExtractor        AIExtractor
	client             *http.Client
	aiThreshold        float64
	oosVerifyThreshold float64
	log                zerolog.Logger
}

// New assembles the cascade. Adapters run in order; renderer and
// aiExtractor may be nil-equivalent (unavailable/disabled).
func New(adapters []SiteAdapter, extractor *extract.Extractor, renderer render.Fetcher, aiExtractor AIExtractor, aiThreshold, oosVerifyThreshold float64, log zerolog.Logger) *Pipeline {
	return &Pipeline{
		adapters:    adapters,
		extractor:   extractor,
		renderer:    renderer,
		aiExtractor: aiExtractor,
		client: &http.Client{
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		aiThreshold:        aiThreshold,
		oosVerifyThreshold: oosVerifyThreshold,
		log:                log.With().Str("component", "pipeline").Logger(),
	}
}

// Run executes the cascade. A returned error means the check itself
// failed (network, unexpected status); extraction-quality problems come
// back as a needs_review attempt instead.
func (p *Pipeline) Run(ctx context.Context, rawURL string, opts Options) (domain.ExtractionAttempt, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return domain.ExtractionAttempt{}, fmt.Errorf("invalid URL: %w", err)
	}

	for _, adapter := range p.adapters {
		if !adapter.Match(u) {
			continue
		}
		result, err := adapter.Extract(ctx, rawURL, opts.Timeout)
		if err != nil {
			p.log.Warn().Err(err).Str("url", rawURL).Msg("Adapter failed, falling through")
			continue
		}
		if result != nil {
			return p.finalize(*result, domain.ExtractionAttempt{}), nil
		}
	}

	html, reviewReason, err := p.fetchStatic(ctx, u, opts.Timeout)
	if err != nil {
		return domain.ExtractionAttempt{}, err
	}
	if reviewReason != "" {
		return domain.ExtractionAttempt{Status: domain.AttemptNeedsReview, Reason: reviewReason}, nil
	}

	result, err := p.extractor.Extract(html, rawURL)
	if err != nil {
		return domain.ExtractionAttempt{}, fmt.Errorf("static extraction failed: %w", err)
	}

	attempt := domain.ExtractionAttempt{}

	if p.shouldRender(result, opts) {
		attempt.UsedPlaywright = true
		if rendered, renderedHTML, ok := p.tryRender(ctx, rawURL, opts.Timeout); ok && rendered.Confidence > result.Confidence {
			result = rendered
			html = renderedHTML
		}
	}

	if result.Confidence < p.aiThreshold && p.aiGate(result) {
		if !opts.AllowAI || p.aiExtractor == nil || !p.aiExtractor.Enabled() {
			return domain.ExtractionAttempt{
				Status:         domain.AttemptNeedsReview,
				Reason:         domain.ReasonAIBudgetExceeded,
				UsedPlaywright: attempt.UsedPlaywright,
			}, nil
		}

		evidence := p.aiExtractor.BuildEvidence(&result, opts.AIHints, bodyText(html))
		aiResult, usage, err := p.aiExtractor.Extract(ctx, evidence)
		attempt.UsedAI = true
		attempt.TokenInput = usage.TokensIn
		attempt.TokenOutput = usage.TokensOut
		attempt.EstimatedCostUSD = usage.CostUSD
		if err != nil {
			p.log.Warn().Err(err).Str("url", rawURL).Msg("AI fallback failed, keeping deterministic result")
		} else {
			aiResult.Evidence = result.Evidence
			aiResult.Evidence.Stock.Notes = append(aiResult.Evidence.Stock.Notes, "ai fallback verdict")
			aiResult.ContentHash = result.ContentHash
			result = *aiResult
		}
	}

	return p.finalize(result, attempt), nil
}

// finalize applies the last acceptance gate.
func (p *Pipeline) finalize(result domain.ExtractResult, attempt domain.ExtractionAttempt) domain.ExtractionAttempt {
	inStockFalse := result.InStock != nil && !*result.InStock
	if result.ProductName == "" ||
		result.Confidence < finalConfidenceFloor ||
		(!inStockFalse && result.PriceCents == nil) {
		attempt.Status = domain.AttemptNeedsReview
		attempt.Reason = domain.ReasonLowConfidence
		return attempt
	}
	attempt.Status = domain.AttemptSuccess
	attempt.Result = &result
	return attempt
}

// fetchStatic GETs the page without following redirects. A 3xx comes back
// as a review reason; other non-2xx statuses are hard errors.
func (p *Pipeline) fetchStatic(ctx context.Context, u *url.URL, timeout time.Duration) (html string, reviewReason string, err error) {
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, u.String(), nil)
	if err != nil {
		return "", "", fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml")

	resp, err := p.client.Do(req)
	if err != nil {
		return "", "", fmt.Errorf("static fetch failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 && resp.StatusCode < 400 {
		location := resp.Header.Get("Location")
		if target, err := u.Parse(location); err == nil && isRegionalSwap(u.Hostname(), target.Hostname()) {
			return "", domain.ReasonRegionalRedirect, nil
		}
		return "", domain.ReasonRedirectBlocked, nil
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", "", fmt.Errorf("static fetch returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return "", "", fmt.Errorf("failed to read response body: %w", err)
	}
	return string(body), "", nil
}

// shouldRender gates the rendered fetch: only when confidence is low and
// the result is not already a confident out-of-stock.
func (p *Pipeline) shouldRender(result domain.ExtractResult, opts Options) bool {
	if result.Confidence >= p.aiThreshold {
		return false
	}
	if !opts.AllowPlaywright || p.renderer == nil || !p.renderer.Available() {
		return false
	}
	inStockFalse := result.InStock != nil && !*result.InStock
	return !inStockFalse || result.Confidence < p.oosVerifyThreshold
}

// tryRender fetches and extracts the rendered page. Failures and
// cross-URL renders are swallowed; the static result stands.
func (p *Pipeline) tryRender(ctx context.Context, rawURL string, timeout time.Duration) (domain.ExtractResult, string, bool) {
	rendered, err := p.renderer.Fetch(ctx, rawURL, timeout)
	if err != nil {
		p.log.Warn().Err(err).Str("url", rawURL).Msg("Rendered fetch failed")
		return domain.ExtractResult{}, "", false
	}
	if rendered.FinalURL != "" && !sameURLIgnoringFragment(rawURL, rendered.FinalURL) {
		p.log.Warn().Str("url", rawURL).Str("final_url", rendered.FinalURL).Msg("Rendered page landed elsewhere, discarding")
		return domain.ExtractResult{}, "", false
	}

	result, err := p.extractor.Extract(rendered.HTML, rawURL)
	if err != nil {
		return domain.ExtractResult{}, "", false
	}
	result.Method = domain.MethodPlaywright
	return result, rendered.HTML, true
}

// aiGate decides whether spending tokens can still improve the result.
// Confident out-of-stock verdicts backed by embedded inventory data are
// not worth verifying.
func (p *Pipeline) aiGate(result domain.ExtractResult) bool {
	inStockFalse := result.InStock != nil && !*result.InStock
	if !inStockFalse {
		return true
	}
	sig := result.Evidence.Stock
	if result.StockState == domain.StockOutOfStock && sig.EmbeddedOut > 0 && sig.EmbeddedIn == 0 {
		return false
	}
	if result.StockState == domain.StockPartial || len(result.VariantStock) > 0 {
		return true
	}
	return result.Confidence < p.oosVerifyThreshold
}

// isRegionalSwap reports whether two hosts differ only by a regional
// subdomain prefix over the same two-label root.
func isRegionalSwap(requestHost, targetHost string) bool {
	a := strings.Split(strings.ToLower(requestHost), ".")
	b := strings.Split(strings.ToLower(targetHost), ".")
	if len(a) < 3 || len(b) < 3 {
		return false
	}
	if !regionalPrefixes[a[0]] || !regionalPrefixes[b[0]] || a[0] == b[0] {
		return false
	}
	return a[len(a)-2] == b[len(b)-2] && a[len(a)-1] == b[len(b)-1]
}

func sameURLIgnoringFragment(a, b string) bool {
	ua, err := url.Parse(a)
	if err != nil {
		return false
	}
	ub, err := url.Parse(b)
	if err != nil {
		return false
	}
	ua.Fragment = ""
	ub.Fragment = ""
	return ua.String() == ub.String()
}

// bodyText extracts readable page text for the AI evidence pack.
func bodyText(html string) string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return ""
	}
	doc.Find("script, style, noscript").Remove()
	return doc.Find("body").Text()
}
