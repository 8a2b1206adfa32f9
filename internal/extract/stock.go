package extract

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/aristath/pricewatch/internal/domain"
)

// Weighted text patterns. Each contributes min(matches, 3) x weight per
// scope (full body text, and the stock/availability-scoped subset).
type stockPattern struct {
	re     *regexp.Regexp
	weight float64
}

var outPatterns = []stockPattern{
	{regexp.MustCompile(`(?i)out of stock|sold out`), 2.0},
	{regexp.MustCompile(`(?i)currently unavailable`), 1.4},
	{regexp.MustCompile(`(?i)temporarily out of stock`), 1.6},
	{regexp.MustCompile(`(?i)back[- ]?ordered`), 1.2},
	{regexp.MustCompile(`(?i)pre[- ]?order`), 0.8},
	{regexp.MustCompile(`(?i)unavailable`), 0.5},
}

var inPatterns = []stockPattern{
	{regexp.MustCompile(`(?i)in stock`), 1.5},
	{regexp.MustCompile(`(?i)add to cart|buy now`), 2.1},
	{regexp.MustCompile(`(?i)available now|ready to ship|ships today`), 1.1},
}

const patternMatchCap = 3

// ctaRe matches purchase call-to-action labels.
var ctaRe = regexp.MustCompile(`(?i)add\s+to\s+(?:cart|bag|basket)|buy\s+now|purchase`)

// Embedded-JSON inventory signals in hydration payloads.
var (
	reEmbeddedOut = regexp.MustCompile(`"isSoldOut"\s*:\s*true|"availability"\s*:\s*"[^"]*OutOfStock[^"]*"|"outOfStockMsg"\s*:\s*"[^"]+"`)
	reEmbeddedIn  = regexp.MustCompile(`"isSoldOut"\s*:\s*false|"availability"\s*:\s*"[^"]*InStock[^"]*"`)
)

const (
	embeddedSignalCap = 8
	embeddedOutWeight = 1.6
	embeddedInWeight  = 1.2
	explicitWeight    = 3.0
)

// stockDetection is the outcome of the independent stock arbitration.
type stockDetection struct {
	state   domain.StockState
	signals domain.StockSignals
}

// detectStock arbitrates conflicting stock signals on a page. It scores
// in/out text patterns over two scopes, folds in schema.org availability,
// purchase CTAs and embedded inventory JSON, then applies the precedence
// rules in order.
func detectStock(doc *goquery.Document, html string) stockDetection {
	sig := domain.StockSignals{}

	bodyText := doc.Find("body").Text()
	scopedText := collectScopedText(doc)

	for _, scope := range []string{bodyText, scopedText} {
		for _, p := range outPatterns {
			if n := countCapped(p.re, scope); n > 0 {
				sig.OutScore += float64(n) * p.weight
			}
		}
		for _, p := range inPatterns {
			if n := countCapped(p.re, scope); n > 0 {
				sig.InScore += float64(n) * p.weight
			}
		}
	}

	// Explicit schema.org availability on meta/link/itemprop elements.
	explicitIn, explicitOut := explicitAvailability(doc)
	sig.ExplicitIn = explicitIn
	sig.ExplicitOut = explicitOut
	if explicitIn {
		sig.InScore += explicitWeight
	}
	if explicitOut {
		sig.OutScore += explicitWeight
	}

	// Purchase CTAs: enabled buttons push hard toward in-stock; disabled
	// ones push gently toward out.
	enabled, disabled := countCTAs(doc)
	sig.EnabledCTA = enabled > 0
	if enabled > 0 {
		sig.InScore += 3 + float64(minInt(enabled, 2))
	}
	if disabled > 0 {
		sig.OutScore += 1 + float64(minInt(disabled, 2))
	}

	// Embedded-JSON inventory signals over the raw HTML.
	sig.EmbeddedOut = len(reEmbeddedOut.FindAllStringIndex(html, embeddedSignalCap+1))
	sig.EmbeddedIn = len(reEmbeddedIn.FindAllStringIndex(html, embeddedSignalCap+1))
	if sig.EmbeddedOut > 0 {
		sig.OutScore += float64(minInt(sig.EmbeddedOut, embeddedSignalCap)) * embeddedOutWeight
	}
	if sig.EmbeddedIn > 0 {
		sig.InScore += float64(minInt(sig.EmbeddedIn, embeddedSignalCap)) * embeddedInWeight
	}

	state := resolveStockState(&sig, enabled > 0)
	return stockDetection{state: state, signals: sig}
}

// resolveStockState applies the precedence rules in order.
func resolveStockState(sig *domain.StockSignals, enabledCTA bool) domain.StockState {
	note := func(format string, args ...interface{}) {
		sig.Notes = append(sig.Notes, fmt.Sprintf(format, args...))
	}

	// 1. Explicit in-availability with no explicit out wins outright.
	if sig.ExplicitIn && !sig.ExplicitOut {
		note("explicit schema.org in-availability")
		return domain.StockInStock
	}

	// 2. Explicit out, nothing arguing for in.
	if sig.ExplicitOut && !sig.ExplicitIn && !enabledCTA {
		note("explicit schema.org out-availability")
		return domain.StockOutOfStock
	}

	// 3. Embedded inventory says out, nothing says in, no live CTA.
	if sig.EmbeddedOut > 0 && sig.EmbeddedIn == 0 && !enabledCTA {
		note("embedded inventory out signals: %d", sig.EmbeddedOut)
		return domain.StockOutOfStock
	}

	// 4. A live purchase CTA overrides generic "unavailable" noise.
	if enabledCTA && sig.InScore >= sig.OutScore-2 {
		note("enabled CTA, in=%.1f out=%.1f", sig.InScore, sig.OutScore)
		return domain.StockInStock
	}

	// 5/6. Score margins.
	if sig.OutScore >= sig.InScore+3 && sig.OutScore >= 3 {
		note("out margin, in=%.1f out=%.1f", sig.InScore, sig.OutScore)
		return domain.StockOutOfStock
	}
	if sig.InScore >= sig.OutScore+2 && sig.InScore >= 2 {
		note("in margin, in=%.1f out=%.1f", sig.InScore, sig.OutScore)
		return domain.StockInStock
	}

	note("no decisive signal, in=%.1f out=%.1f", sig.InScore, sig.OutScore)
	return domain.StockUnknown
}

// collectScopedText gathers text from elements whose class or id mentions
// stock or availability.
func collectScopedText(doc *goquery.Document) string {
	var b strings.Builder
	sel := "[class*=stock], [id*=stock], [class*=availability], [id*=availability]"
	doc.Find(sel).Each(func(_ int, s *goquery.Selection) {
		b.WriteString(s.Text())
		b.WriteByte(' ')
	})
	return b.String()
}

// explicitAvailability reads schema.org availability values from meta,
// link and itemprop carriers.
func explicitAvailability(doc *goquery.Document) (in bool, out bool) {
	check := func(value string) {
		if value == "" {
			return
		}
		lower := strings.ToLower(value)
		switch {
		case strings.Contains(lower, "instock") || strings.Contains(lower, "in_stock") ||
			strings.Contains(lower, "limitedavailability"):
			in = true
		case strings.Contains(lower, "outofstock") || strings.Contains(lower, "out_of_stock") ||
			strings.Contains(lower, "soldout") || strings.Contains(lower, "discontinued"):
			out = true
		}
	}

	doc.Find(`meta[itemprop="availability"], meta[property="og:availability"], meta[property="product:availability"]`).
		Each(func(_ int, s *goquery.Selection) { check(s.AttrOr("content", "")) })
	doc.Find(`link[itemprop="availability"]`).
		Each(func(_ int, s *goquery.Selection) { check(s.AttrOr("href", "")) })
	doc.Find(`[itemprop="availability"]`).Not("meta").Not("link").
		Each(func(_ int, s *goquery.Selection) {
			check(s.AttrOr("content", ""))
			check(s.AttrOr("href", ""))
			check(strings.TrimSpace(s.Text()))
		})

	return in, out
}

// countCTAs counts visible purchase buttons outside header/nav/footer,
// split by enabled and disabled.
func countCTAs(doc *goquery.Document) (enabled int, disabled int) {
	doc.Find(`button, input[type="submit"], a[role="button"]`).Each(func(_ int, s *goquery.Selection) {
		label := strings.TrimSpace(s.Text())
		if label == "" {
			label = s.AttrOr("value", "")
		}
		if label == "" {
			label = s.AttrOr("aria-label", "")
		}
		if !ctaRe.MatchString(label) {
			return
		}
		if isHidden(s) || s.ParentsFiltered("header, nav, footer").Length() > 0 {
			return
		}
		if isDisabled(s) {
			disabled++
		} else {
			enabled++
		}
	})
	return enabled, disabled
}

func isDisabled(s *goquery.Selection) bool {
	if _, ok := s.Attr("disabled"); ok {
		return true
	}
	if v, ok := s.Attr("aria-disabled"); ok && strings.EqualFold(v, "true") {
		return true
	}
	return false
}

func isHidden(s *goquery.Selection) bool {
	for _, sel := range []*goquery.Selection{s, s.Parent()} {
		if _, ok := sel.Attr("hidden"); ok {
			return true
		}
		if v, ok := sel.Attr("aria-hidden"); ok && strings.EqualFold(v, "true") {
			return true
		}
		style := strings.ToLower(sel.AttrOr("style", ""))
		if strings.Contains(style, "display:none") || strings.Contains(style, "display: none") ||
			strings.Contains(style, "visibility:hidden") || strings.Contains(style, "visibility: hidden") {
			return true
		}
	}
	return false
}

func countCapped(re *regexp.Regexp, scope string) int {
	n := len(re.FindAllStringIndex(scope, patternMatchCap+1))
	if n > patternMatchCap {
		n = patternMatchCap
	}
	return n
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
