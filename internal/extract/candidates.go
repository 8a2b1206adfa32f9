package extract

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/aristath/pricewatch/internal/domain"
	"github.com/aristath/pricewatch/internal/pricing"
)

// Candidate source weights (base confidence per source).
const (
	weightJSONLD           = 0.95
	weightJSONLDAvailOnly  = 0.88
	weightProductSku       = 0.92
	weightDefaultPrice     = 0.86
	weightMetaTags         = 0.82
	weightDOMSelector      = 0.72
	weightBodyCurrencyScan = 0.60

	nameBonus  = 0.05
	priceBonus = 0.05
	scoreCap   = 0.99

	// When the runner-up disagrees on price and trails by less than
	// ambiguityGap, the winner is penalized by ambiguityPenalty.
	ambiguityGap     = 0.05
	ambiguityPenalty = 0.10
	ambiguityFloor   = 0.50
)

// candidate is one scored (name, price) extraction from the page.
// The final result is a pure fold over the candidate pool.
type candidate struct {
	source     string
	name       string
	priceCents *int64
	score      float64
	detail     string
}

func (c *candidate) scored() candidate {
	score := c.score
	if c.name != "" {
		score += nameBonus
	}
	if c.priceCents != nil {
		score += priceBonus
	}
	if score > scoreCap {
		score = scoreCap
	}
	out := *c
	out.score = score
	return out
}

var (
	reProductSkuPrice = regexp.MustCompile(`"productSku"[\s\S]{0,400}?"price"\s*:\s*"?(\d+(?:[.,]\d+)?)"?`)
	reIsSoldOut       = regexp.MustCompile(`"isSoldOut"\s*:\s*(true|false)`)
	reDefaultPrice    = regexp.MustCompile(`"defaultPrice"\s*:\s*"?(\d+(?:[.,]\d+)?)"?`)
	reProductContext  = regexp.MustCompile(`(?i)product|sku`)
	reCurrencyAmount  = regexp.MustCompile(`[$€£]\s?\d{1,3}(?:[, ]\d{3})*(?:\.\d{2})?|\d{1,3}(?:[, ]\d{3})*(?:\.\d{2})?\s?(?:CAD|USD|EUR|GBP)`)

	// Context window around a defaultPrice hit that must mention the
	// product for the candidate to count.
	defaultPriceContext = 240
)

// collectCandidates gathers candidates from every source on the page.
// Sources never fail the extraction; malformed blocks are skipped.
func collectCandidates(doc *goquery.Document) []candidate {
	var out []candidate

	out = append(out, jsonLDCandidates(doc)...)
	out = append(out, embeddedScriptCandidates(doc)...)
	out = append(out, metaCandidates(doc)...)
	out = append(out, domSelectorCandidates(doc)...)

	if c, ok := bodyTextCandidate(doc); ok {
		out = append(out, c)
	}

	return out
}

// foldCandidates picks the winner and applies the ambiguity penalty when
// the runner-up disagrees on price within the gap.
func foldCandidates(pool []candidate) (candidate, []domain.CandidateEvidence, bool) {
	if len(pool) == 0 {
		return candidate{}, nil, false
	}

	scored := make([]candidate, 0, len(pool))
	for i := range pool {
		scored = append(scored, pool[i].scored())
	}

	// Stable selection sort by descending score keeps source order for ties.
	for i := 0; i < len(scored); i++ {
		best := i
		for j := i + 1; j < len(scored); j++ {
			if scored[j].score > scored[best].score {
				best = j
			}
		}
		scored[i], scored[best] = scored[best], scored[i]
	}

	top := scored[0]
	if len(scored) > 1 {
		second := scored[1]
		if second.priceCents != nil && top.priceCents != nil &&
			*second.priceCents != *top.priceCents &&
			top.score-second.score < ambiguityGap {
			top.score -= ambiguityPenalty
			if top.score < ambiguityFloor {
				top.score = ambiguityFloor
			}
		}
	}

	evidence := make([]domain.CandidateEvidence, 0, len(scored))
	for _, c := range scored {
		if len(evidence) >= 12 {
			break
		}
		evidence = append(evidence, domain.CandidateEvidence{
			Source:     c.source,
			Name:       c.name,
			PriceCents: c.priceCents,
			Score:      c.score,
			Detail:     c.detail,
		})
	}

	return top, evidence, true
}

// jsonLDCandidates parses application/ld+json blocks for Product nodes.
func jsonLDCandidates(doc *goquery.Document) []candidate {
	var out []candidate

	doc.Find(`script[type="application/ld+json"]`).Each(func(_ int, s *goquery.Selection) {
		var payload interface{}
		if err := json.Unmarshal([]byte(s.Text()), &payload); err != nil {
			return // malformed block, locally recovered
		}
		for _, node := range flattenLDNodes(payload) {
			if !isLDProduct(node) {
				continue
			}
			name, _ := node["name"].(string)
			price, hasPrice := ldOfferPrice(node)
			_, hasAvailability := ldAvailability(node)

			switch {
			case hasPrice:
				c := candidate{source: "json_ld", name: name, score: weightJSONLD, detail: "offer price"}
				c.priceCents = &price
				out = append(out, c)
			case hasAvailability:
				out = append(out, candidate{source: "json_ld", name: name, score: weightJSONLDAvailOnly, detail: "availability only"})
			}
		}
	})

	return out
}

// flattenLDNodes walks arrays and @graph wrappers down to object nodes.
func flattenLDNodes(payload interface{}) []map[string]interface{} {
	var out []map[string]interface{}
	switch v := payload.(type) {
	case []interface{}:
		for _, item := range v {
			out = append(out, flattenLDNodes(item)...)
		}
	case map[string]interface{}:
		out = append(out, v)
		if graph, ok := v["@graph"]; ok {
			out = append(out, flattenLDNodes(graph)...)
		}
	}
	return out
}

func isLDProduct(node map[string]interface{}) bool {
	switch t := node["@type"].(type) {
	case string:
		return strings.EqualFold(t, "Product")
	case []interface{}:
		for _, item := range t {
			if s, ok := item.(string); ok && strings.EqualFold(s, "Product") {
				return true
			}
		}
	}
	return false
}

// ldOffers returns the offer objects of a Product node.
func ldOffers(node map[string]interface{}) []map[string]interface{} {
	var out []map[string]interface{}
	switch v := node["offers"].(type) {
	case map[string]interface{}:
		out = append(out, v)
		// AggregateOffer wraps the real offers
		if nested, ok := v["offers"].([]interface{}); ok {
			for _, item := range nested {
				if m, ok := item.(map[string]interface{}); ok {
					out = append(out, m)
				}
			}
		}
	case []interface{}:
		for _, item := range v {
			if m, ok := item.(map[string]interface{}); ok {
				out = append(out, m)
			}
		}
	}
	return out
}

func ldOfferPrice(node map[string]interface{}) (int64, bool) {
	for _, offer := range ldOffers(node) {
		if cents, ok := numericCents(offer["price"]); ok {
			return cents, true
		}
		if cents, ok := numericCents(offer["lowPrice"]); ok {
			return cents, true
		}
	}
	return 0, false
}

func ldAvailability(node map[string]interface{}) (string, bool) {
	for _, offer := range ldOffers(node) {
		if s, ok := offer["availability"].(string); ok && s != "" {
			return s, true
		}
	}
	return "", false
}

// numericCents converts a JSON price value (number or string) to cents.
func numericCents(v interface{}) (int64, bool) {
	switch p := v.(type) {
	case float64:
		if p <= 0 {
			return 0, false
		}
		parsed, ok := pricing.Parse(trimFloat(p))
		if !ok {
			return 0, false
		}
		return parsed.Cents, true
	case string:
		parsed, ok := pricing.Parse(p)
		if !ok {
			return 0, false
		}
		return parsed.Cents, true
	}
	return 0, false
}

func trimFloat(f float64) string {
	b, _ := json.Marshal(f)
	return string(b)
}

// embeddedScriptCandidates scans inline scripts for productSku and
// defaultPrice payloads common in hydration blobs.
func embeddedScriptCandidates(doc *goquery.Document) []candidate {
	var out []candidate

	doc.Find("script:not([src])").Each(func(_ int, s *goquery.Selection) {
		text := s.Text()
		if text == "" {
			return
		}

		if m := reProductSkuPrice.FindStringSubmatch(text); m != nil {
			if parsed, ok := pricing.Parse(m[1]); ok {
				c := candidate{source: "product_sku", score: weightProductSku, detail: "productSku.price"}
				c.priceCents = &parsed.Cents
				if sold := reIsSoldOut.FindStringSubmatch(text); sold != nil {
					c.detail = "productSku.price+isSoldOut=" + sold[1]
				}
				out = append(out, c)
			}
		}

		for _, loc := range reDefaultPrice.FindAllStringSubmatchIndex(text, 2) {
			start := loc[0] - defaultPriceContext
			if start < 0 {
				start = 0
			}
			end := loc[1] + defaultPriceContext
			if end > len(text) {
				end = len(text)
			}
			if !reProductContext.MatchString(text[start:end]) {
				continue
			}
			if parsed, ok := pricing.Parse(text[loc[2]:loc[3]]); ok {
				c := candidate{source: "default_price", score: weightDefaultPrice, detail: "defaultPrice"}
				c.priceCents = &parsed.Cents
				out = append(out, c)
			}
		}
	})

	return out
}

// metaCandidates reads price meta tags; the name comes from og:title.
func metaCandidates(doc *goquery.Document) []candidate {
	name := strings.TrimSpace(doc.Find(`meta[property="og:title"]`).First().AttrOr("content", ""))

	var out []candidate
	selectors := []string{
		`meta[property="og:price:amount"]`,
		`meta[property="product:price:amount"]`,
		`meta[itemprop="price"]`,
	}
	for _, sel := range selectors {
		content := strings.TrimSpace(doc.Find(sel).First().AttrOr("content", ""))
		if content == "" {
			continue
		}
		parsed, ok := pricing.Parse(content)
		if !ok {
			continue
		}
		c := candidate{source: "meta", name: name, score: weightMetaTags, detail: sel}
		c.priceCents = &parsed.Cents
		out = append(out, c)
		break // first matching meta tag wins
	}
	return out
}

// domSelectorCandidates scans price-ish elements. Only the first few hits
// contribute; deep product grids would otherwise flood the pool.
func domSelectorCandidates(doc *goquery.Document) []candidate {
	selectors := []string{
		"[class*=price]",
		"[id*=price]",
		"[data-price]",
		"[itemprop=price]",
		".product-price",
		".price",
	}

	var out []candidate
	seen := map[int64]bool{}
	for _, sel := range selectors {
		doc.Find(sel).EachWithBreak(func(_ int, s *goquery.Selection) bool {
			text := s.AttrOr("data-price", "")
			if text == "" {
				text = strings.TrimSpace(s.Text())
			}
			if text == "" || len(text) > 200 {
				return true
			}
			parsed, ok := pricing.Parse(text)
			if !ok || seen[parsed.Cents] {
				return true
			}
			seen[parsed.Cents] = true
			c := candidate{source: "dom_selector", score: weightDOMSelector, detail: sel}
			c.priceCents = &parsed.Cents
			out = append(out, c)
			return len(out) < 4
		})
		if len(out) >= 4 {
			break
		}
	}
	return out
}

// bodyTextCandidate is the last-resort currency-symbol scan over body text.
func bodyTextCandidate(doc *goquery.Document) (candidate, bool) {
	body := doc.Find("body").Text()
	match := reCurrencyAmount.FindString(body)
	if match == "" {
		return candidate{}, false
	}
	parsed, ok := pricing.Parse(match)
	if !ok {
		return candidate{}, false
	}
	c := candidate{source: "body_scan", score: weightBodyCurrencyScan, detail: match}
	c.priceCents = &parsed.Cents
	return c, true
}
