package extract

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/aristath/pricewatch/internal/domain"
)

const variantCap = 8

var (
	reAvailabilityToken = regexp.MustCompile(`(?i)\b(?:out of stock|sold out|in stock|unavailable|available)\b`)
	rePlaceholderLabel  = regexp.MustCompile(`(?i)^(?:select|size|model|default title|choose an option|-+)$`)
	reAlphanumeric      = regexp.MustCompile(`[a-zA-Z0-9]`)
	reVariantOutText    = regexp.MustCompile(`(?i)out of stock|sold out|unavailable`)
	reVariantInText     = regexp.MustCompile(`(?i)in stock|available`)
)

// variantSelectors are the DOM shapes that commonly carry per-variant
// options: native selects, data-attribute carriers, and swatch widgets.
var variantSelectors = []string{
	"select option",
	"[data-size], [data-model], [data-variant], [data-option]",
	"[class*=variant], [class*=swatch], [class*=size], [class*=model]",
}

// extractVariants collects per-variant availability from JSON-LD offers
// and variant-shaped DOM elements. Labels are sanitized; duplicates by
// (lowercased label, stock) are dropped; the list is capped.
func extractVariants(doc *goquery.Document) []domain.VariantStock {
	var out []domain.VariantStock
	seen := map[string]bool{}

	add := func(label, stock string) {
		label, ok := sanitizeVariantLabel(label)
		if !ok {
			return
		}
		key := strings.ToLower(label) + "|" + stock
		if seen[key] || len(out) >= variantCap {
			return
		}
		seen[key] = true
		out = append(out, domain.VariantStock{Label: label, Stock: stock})
	}

	for _, v := range jsonLDVariants(doc) {
		add(v.Label, v.Stock)
	}

	for _, sel := range variantSelectors {
		doc.Find(sel).Each(func(_ int, s *goquery.Selection) {
			label := strings.TrimSpace(s.Text())
			if label == "" {
				label = s.AttrOr("data-variant", s.AttrOr("data-option", s.AttrOr("value", "")))
			}
			add(label, classifyVariantElement(s, label))
		})
		if len(out) >= variantCap {
			break
		}
	}

	return out
}

// jsonLDVariants reads per-offer availability from Product nodes whose
// offers carry names or SKUs.
func jsonLDVariants(doc *goquery.Document) []domain.VariantStock {
	var out []domain.VariantStock

	doc.Find(`script[type="application/ld+json"]`).Each(func(_ int, s *goquery.Selection) {
		var payload interface{}
		if err := json.Unmarshal([]byte(s.Text()), &payload); err != nil {
			return
		}
		for _, node := range flattenLDNodes(payload) {
			if !isLDProduct(node) {
				continue
			}
			offers := ldOffers(node)
			if len(offers) < 2 {
				// A single offer describes the page, not a variant.
				continue
			}
			for _, offer := range offers {
				label, _ := offer["name"].(string)
				if label == "" {
					label, _ = offer["sku"].(string)
				}
				if label == "" {
					continue
				}
				stock := domain.VariantUnknown
				if avail, ok := offer["availability"].(string); ok {
					stock = classifyAvailabilityURL(avail)
				}
				out = append(out, domain.VariantStock{Label: label, Stock: stock})
			}
		}
	})

	return out
}

// classifyVariantElement decides a DOM variant's stock value: disabled
// wins, then parsed availability text, else unknown.
func classifyVariantElement(s *goquery.Selection, label string) string {
	if isDisabled(s) {
		return domain.VariantOut
	}
	if reVariantOutText.MatchString(label) {
		return domain.VariantOut
	}
	if reVariantInText.MatchString(label) {
		return domain.VariantIn
	}
	return domain.VariantUnknown
}

func classifyAvailabilityURL(avail string) string {
	lower := strings.ToLower(avail)
	switch {
	case strings.Contains(lower, "outofstock") || strings.Contains(lower, "soldout") ||
		strings.Contains(lower, "discontinued"):
		return domain.VariantOut
	case strings.Contains(lower, "instock") || strings.Contains(lower, "limitedavailability"):
		return domain.VariantIn
	}
	return domain.VariantUnknown
}

// sanitizeVariantLabel trims and strips availability noise from a label
// and rejects placeholders. Returns false when nothing usable remains.
func sanitizeVariantLabel(label string) (string, bool) {
	label = strings.TrimSpace(label)
	label = reAvailabilityToken.ReplaceAllString(label, "")
	label = strings.Trim(label, " -–—:()[]")
	label = strings.Join(strings.Fields(label), " ")

	if label == "" || len(label) > 64 {
		return "", false
	}
	if rePlaceholderLabel.MatchString(label) {
		return "", false
	}
	if !reAlphanumeric.MatchString(label) {
		return "", false
	}
	return label, true
}

// variantState reduces variant counts to a page-level state. Any mix of
// known-in and known-out is PARTIAL.
func variantState(variants []domain.VariantStock) domain.StockState {
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
	default:
		return domain.StockUnknown
	}
}
