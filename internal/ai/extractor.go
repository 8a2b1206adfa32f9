// Package ai is the last extraction layer: a small LLM reads trimmed page
// evidence and returns a structured (name, price, stock) verdict. It only
// runs when the deterministic layers came back below the confidence
// threshold, and every call is metered against a daily budget.
package ai

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/shared"
	"github.com/rs/zerolog"

	"github.com/aristath/pricewatch/internal/config"
	"github.com/aristath/pricewatch/internal/domain"
	"github.com/aristath/pricewatch/internal/extract"
)

// aiConfidence is the fixed confidence assigned to accepted AI verdicts.
// The model's reply is structured data, not a probability we can trust.
const aiConfidence = 0.87

// modelCost is USD per million tokens.
type modelCost struct {
	input  float64
	output float64
}

var defaultCost = modelCost{input: 0.25, output: 2.0}

var costTable = map[string]modelCost{
	"gpt-5-mini":   {0.25, 2.0},
	"gpt-5-nano":   {0.05, 0.4},
	"gpt-5":        {1.25, 10.0},
	"gpt-4.1-mini": {0.4, 1.6},
	"gpt-4.1-nano": {0.1, 0.4},
	"gpt-4o-mini":  {0.15, 0.6},
}

// Usage is the token and cost accounting for one call.
type Usage struct {
	TokensIn  int64
	TokensOut int64
	CostUSD   float64
}

// Extractor calls the chat completion API with JSON-mode output.
type Extractor struct {
	client          openai.Client
	model           string
	maxOutputTokens int
	evidenceMax     int
	inCostOverride  float64
	outCostOverride float64
	enabled         bool
	log             zerolog.Logger
}

// NewExtractor builds the AI extractor. Extra request options are for
// tests (custom base URL). Without an API key the extractor is disabled.
func NewExtractor(cfg *config.Config, log zerolog.Logger, opts ...option.RequestOption) *Extractor {
	clientOpts := append([]option.RequestOption{option.WithAPIKey(cfg.OpenAIAPIKey)}, opts...)
	return &Extractor{
		client:          openai.NewClient(clientOpts...),
		model:           cfg.OpenAIModelSmall,
		maxOutputTokens: cfg.AIMaxOutputTokens,
		evidenceMax:     cfg.AIEvidenceMaxChars,
		inCostOverride:  cfg.OpenAIInputCostPer1MOverride,
		outCostOverride: cfg.OpenAIOutputCostPer1MOverride,
		enabled:         cfg.OpenAIAPIKey != "",
		log:             log.With().Str("component", "ai").Logger(),
	}
}

// Enabled reports whether an API key is configured.
func (e *Extractor) Enabled() bool {
	return e.enabled
}

const systemPrompt = `You extract product data from e-commerce page evidence.
Respond with JSON only, exactly this shape:
{"productName": string, "price": number or null, "inStock": boolean or null, "stockState": "IN_STOCK"|"OUT_OF_STOCK"|"PARTIAL"|"UNKNOWN", "variantStock": [{"label": string, "stock": "IN"|"OUT"|"UNK"}]}
Rules:
- price is the current purchase price in the page currency, null if the product cannot be bought or no price is shown.
- Never invent a price; use null when unsure.
- stockState is PARTIAL when some variants are purchasable and some are not.
- variantStock has at most 8 entries; omit variants you are unsure about.
- productName is the product identity only, without marketing suffixes.`

type verdict struct {
	ProductName  string                `json:"productName"`
	Price        *float64              `json:"price"`
	InStock      *bool                 `json:"inStock"`
	StockState   string                `json:"stockState"`
	VariantStock []domain.VariantStock `json:"variantStock"`
}

// Extract sends the evidence pack to the model and validates the reply.
func (e *Extractor) Extract(ctx context.Context, evidence string) (*domain.ExtractResult, Usage, error) {
	if !e.enabled {
		return nil, Usage{}, fmt.Errorf("AI extraction is disabled: no API key")
	}

	resp, err := e.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: shared.ChatModel(e.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(systemPrompt),
			openai.UserMessage(evidence),
		},
		Temperature:         openai.Float(0),
		MaxCompletionTokens: openai.Int(int64(e.maxOutputTokens)),
		ResponseFormat: openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONObject: &shared.ResponseFormatJSONObjectParam{},
		},
	})
	if err != nil {
		return nil, Usage{}, fmt.Errorf("chat completion failed: %w", err)
	}

	usage := Usage{
		TokensIn:  resp.Usage.PromptTokens,
		TokensOut: resp.Usage.CompletionTokens,
	}
	usage.CostUSD = e.estimateCost(usage.TokensIn, usage.TokensOut)

	if len(resp.Choices) == 0 {
		return nil, usage, fmt.Errorf("chat completion returned no choices")
	}

	var v verdict
	if err := json.Unmarshal([]byte(resp.Choices[0].Message.Content), &v); err != nil {
		return nil, usage, fmt.Errorf("failed to parse model reply: %w", err)
	}

	result, err := reconcile(v)
	if err != nil {
		return nil, usage, err
	}

	e.log.Debug().
		Str("model", e.model).
		Int64("tokens_in", usage.TokensIn).
		Int64("tokens_out", usage.TokensOut).
		Float64("cost_usd", usage.CostUSD).
		Str("state", string(result.StockState)).
		Msg("AI extraction complete")

	return result, usage, nil
}

// reconcile validates the verdict and resolves its internal
// contradictions: an UNKNOWN state derives from variants first, then from
// the inStock flag.
func reconcile(v verdict) (*domain.ExtractResult, error) {
	name := extract.NormalizeProductName(v.ProductName)
	if name == "" {
		return nil, fmt.Errorf("model returned no product name")
	}

	state := domain.StockState(v.StockState)
	switch state {
	case domain.StockInStock, domain.StockOutOfStock, domain.StockPartial, domain.StockUnknown:
	default:
		return nil, fmt.Errorf("model returned invalid stock state %q", v.StockState)
	}

	variants := make([]domain.VariantStock, 0, len(v.VariantStock))
	for _, vs := range v.VariantStock {
		if len(variants) >= 8 {
			break
		}
		switch vs.Stock {
		case domain.VariantIn, domain.VariantOut, domain.VariantUnknown:
		default:
			continue
		}
		if strings.TrimSpace(vs.Label) == "" {
			continue
		}
		variants = append(variants, vs)
	}

	if state == domain.StockUnknown {
		if vs := variantSummary(variants); vs != domain.StockUnknown {
			state = vs
		} else if v.InStock != nil {
			if *v.InStock {
				state = domain.StockInStock
			} else {
				state = domain.StockOutOfStock
			}
		}
	}

	var priceCents *int64
	if v.Price != nil {
		if *v.Price <= 0 || math.IsNaN(*v.Price) || math.IsInf(*v.Price, 0) {
			return nil, fmt.Errorf("model returned invalid price %v", *v.Price)
		}
		cents := int64(math.Round(*v.Price * 100))
		priceCents = &cents
	}

	return &domain.ExtractResult{
		ProductName:  name,
		PriceCents:   priceCents,
		InStock:      state.InStock(),
		StockState:   state,
		VariantStock: variants,
		Confidence:   aiConfidence,
		Method:       domain.MethodAI,
	}, nil
}

func variantSummary(variants []domain.VariantStock) domain.StockState {
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

// estimateCost converts token usage to USD using the per-model table,
// with env overrides winning when set.
func (e *Extractor) estimateCost(tokensIn, tokensOut int64) float64 {
	cost, ok := costTable[e.model]
	if !ok {
		cost = defaultCost
	}
	in := cost.input
	out := cost.output
	if e.inCostOverride > 0 {
		in = e.inCostOverride
	}
	if e.outCostOverride > 0 {
		out = e.outCostOverride
	}
	return float64(tokensIn)/1e6*in + float64(tokensOut)/1e6*out
}

const (
	maxEvidenceHints      = 4
	maxEvidenceVariants   = 6
	maxEvidenceCandidates = 12
)

// BuildEvidence flattens the deterministic extraction trace, prior
// same-host snapshot hints and a body excerpt into the line-oriented text
// block the model reads, capped at maxChars.
func (e *Extractor) BuildEvidence(prior *domain.ExtractResult, hints []string, bodyText string) string {
	var b strings.Builder

	if prior != nil {
		ev := prior.Evidence
		if ev.URL != "" {
			fmt.Fprintf(&b, "url=%s\n", ev.URL)
		}
		if ev.Title != "" {
			fmt.Fprintf(&b, "title=%s\n", ev.Title)
		}
		if ev.Meta != "" {
			fmt.Fprintf(&b, "meta=%s\n", ev.Meta)
		}
		fmt.Fprintf(&b, "stockState=%s\n", prior.StockState)

		for i, c := range ev.Candidates {
			if i >= maxEvidenceCandidates {
				break
			}
			price := "-"
			if c.PriceCents != nil {
				price = fmt.Sprintf("%.2f", float64(*c.PriceCents)/100)
			}
			fmt.Fprintf(&b, "candidate=%s|%s|%s|%.2f\n", c.Source, c.Name, price, c.Score)
		}

		for i, v := range prior.VariantStock {
			if i >= maxEvidenceVariants {
				break
			}
			fmt.Fprintf(&b, "variant=%s|%s\n", v.Label, v.Stock)
		}
	}

	for i, h := range hints {
		if i >= maxEvidenceHints {
			break
		}
		fmt.Fprintf(&b, "hint=%s\n", h)
	}

	if bodyText != "" {
		b.WriteString("text=")
		b.WriteString(strings.Join(strings.Fields(bodyText), " "))
	}

	text := b.String()
	if len(text) > e.evidenceMax {
		text = text[:e.evidenceMax]
	}
	return text
}

// FormatHint renders a prior snapshot as one evidence hint line.
func FormatHint(name string, priceCents *int64, state domain.StockState) string {
	price := "-"
	if priceCents != nil {
		price = fmt.Sprintf("%.2f", float64(*priceCents)/100)
	}
	return fmt.Sprintf("%s | price=%s | stock=%s", name, price, state)
}
