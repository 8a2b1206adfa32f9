// Package extract resolves static product-page HTML into a scored
// (name, price, stock) tuple. Price candidates from multiple sources vote
// by confidence; stock is arbitrated independently and merged with
// per-variant availability at the end.
package extract

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/rs/zerolog"

	"github.com/aristath/pricewatch/internal/domain"
)

// Confidence floors once the stock state is known.
const (
	knownStockFloor   = 0.75
	partialStockFloor = 0.80
)

// Extractor performs static HTML extraction.
type Extractor struct {
	log zerolog.Logger
}

// New creates a new static HTML extractor.
func New(log zerolog.Logger) *Extractor {
	return &Extractor{
		log: log.With().Str("component", "extract").Logger(),
	}
}

// Extract parses the page and produces an ExtractResult with
// method "static". The content hash is the sha256 of the raw HTML, so
// byte-identical input always hashes identically.
func (e *Extractor) Extract(html string, sourceURL string) (domain.ExtractResult, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return domain.ExtractResult{}, fmt.Errorf("failed to parse HTML: %w", err)
	}

	hash := sha256.Sum256([]byte(html))

	top, candidateEvidence, hasCandidate := foldCandidates(collectCandidates(doc))
	stock := detectStock(doc, html)
	variants := extractVariants(doc)

	state := mergeStockState(stock.state, variants, &stock.signals)

	confidence := 0.0
	if hasCandidate {
		confidence = top.score
	}
	if state != domain.StockUnknown {
		floor := knownStockFloor
		if state == domain.StockPartial {
			floor = partialStockFloor
		}
		if confidence < floor {
			confidence = floor
		}
	}

	name := ""
	if hasCandidate {
		name = top.name
	}
	if name == "" {
		name = fallbackName(doc)
	}
	name = NormalizeProductName(name)

	var priceCents *int64
	if hasCandidate && top.priceCents != nil {
		priceCents = top.priceCents
	}

	result := domain.ExtractResult{
		ProductName:  name,
		PriceCents:   priceCents,
		InStock:      state.InStock(),
		StockState:   state,
		VariantStock: variants,
		Confidence:   confidence,
		Method:       domain.MethodStatic,
		ContentHash:  hex.EncodeToString(hash[:]),
		Evidence: domain.Evidence{
			URL:        sourceURL,
			Title:      strings.TrimSpace(doc.Find("title").First().Text()),
			Meta:       strings.TrimSpace(doc.Find(`meta[name="description"]`).First().AttrOr("content", "")),
			Candidates: candidateEvidence,
			Stock:      stock.signals,
		},
	}

	e.log.Debug().
		Str("url", sourceURL).
		Str("state", string(state)).
		Float64("confidence", confidence).
		Int("candidates", len(candidateEvidence)).
		Int("variants", len(variants)).
		Msg("Static extraction complete")

	return result, nil
}

// mergeStockState folds per-variant availability into the page-level
// state. A known in/out mix is PARTIAL and overrides the page state.
func mergeStockState(pageState domain.StockState, variants []domain.VariantStock, sig *domain.StockSignals) domain.StockState {
	vs := variantState(variants)

	switch {
	case vs == domain.StockPartial:
		sig.Notes = append(sig.Notes, "variant mix overrides page state")
		return domain.StockPartial
	case vs == pageState:
		return vs
	case pageState == domain.StockUnknown && vs != domain.StockUnknown:
		sig.Notes = append(sig.Notes, "variant state resolves unknown page state")
		return vs
	default:
		return pageState
	}
}

// fallbackName is used when no candidate carried a product name.
func fallbackName(doc *goquery.Document) string {
	if h1 := strings.TrimSpace(doc.Find("h1").First().Text()); h1 != "" {
		return h1
	}
	return strings.TrimSpace(doc.Find("title").First().Text())
}

// MarshalEvidence serializes evidence for snapshot persistence.
func MarshalEvidence(ev domain.Evidence) string {
	b, err := json.Marshal(ev)
	if err != nil {
		return ""
	}
	return string(b)
}
