// Package domain contains the core business types for the price tracker.
// The domain layer is pure: no infrastructure dependencies.
package domain

import "time"

// StockState is the arbitrated stock status of a product page.
type StockState string

const (
	StockInStock    StockState = "IN_STOCK"
	StockOutOfStock StockState = "OUT_OF_STOCK"
	StockPartial    StockState = "PARTIAL" // Some variants purchasable, some not
	StockUnknown    StockState = "UNKNOWN"
)

// InStock projects the stock state onto the nullable trinary stored on
// snapshots: IN_STOCK and PARTIAL are purchasable, UNKNOWN is nil.
func (s StockState) InStock() *bool {
	switch s {
	case StockInStock, StockPartial:
		v := true
		return &v
	case StockOutOfStock:
		v := false
		return &v
	default:
		return nil
	}
}

// ExtractionMethod identifies which layer of the cascade produced a result.
type ExtractionMethod string

const (
	MethodShopifyJSON ExtractionMethod = "shopify_json"
	MethodBestBuyAPI  ExtractionMethod = "bestbuy_api"
	MethodStatic      ExtractionMethod = "static"
	MethodPlaywright  ExtractionMethod = "playwright"
	MethodAI          ExtractionMethod = "ai"
)

// RunStatus is the terminal state of a check run.
type RunStatus string

const (
	RunSuccess     RunStatus = "SUCCESS"
	RunFailed      RunStatus = "FAILED"
	RunNeedsReview RunStatus = "NEEDS_REVIEW"
)

// EventType identifies a notification-worthy transition between snapshots.
type EventType string

const (
	EventPriceChanged EventType = "PRICE_CHANGED"
	EventBackInStock  EventType = "BACK_IN_STOCK"
)

// Error taxonomy. These travel as reason strings / error codes, never as
// raised errors.
const (
	ReasonRedirectBlocked   = "URL_REDIRECT_BLOCKED"
	ReasonRegionalRedirect  = "REGIONAL_REDIRECT_MISMATCH"
	ReasonAIBudgetExceeded  = "AI_BUDGET_EXCEEDED_OR_DISABLED"
	ReasonLowConfidence     = "LOW_CONFIDENCE_EXTRACTION"
	ReasonCheckRunFailed    = "CHECK_RUN_FAILED"
	ReasonUnknownExtraction = "UNKNOWN_EXTRACTION_ERROR"
)

// TrackedItem is a product URL under observation. Unique by canonical URL
// among active items; rows are never deleted, only retired.
type TrackedItem struct {
	ID           string    `json:"id"`
	URL          string    `json:"url"`
	CanonicalURL string    `json:"canonicalUrl"`
	SiteHost     string    `json:"siteHost"`
	Active       bool      `json:"active"`
	CreatedAt    time.Time `json:"createdAt"`
}

// PriceSnapshot is an immutable record of one successful extraction.
type PriceSnapshot struct {
	ID               string           `json:"id"`
	ItemID           string           `json:"itemId"`
	CheckedAt        time.Time        `json:"checkedAt"`
	ProductName      string           `json:"productName"`
	PriceCents       *int64           `json:"priceCents"` // nil when out of stock
	InStock          *bool            `json:"inStock"`    // nullable trinary
	StockState       StockState       `json:"stockState"`
	ExtractionMethod ExtractionMethod `json:"extractionMethod"`
	Confidence       float64          `json:"confidence"`
	EvidenceJSON     string           `json:"evidenceJson,omitempty"`
	ContentHash      string           `json:"contentHash,omitempty"`
}

// CheckRun records one check attempt. Created pessimistically as FAILED and
// promoted on finalization; never deleted.
type CheckRun struct {
	ID               string     `json:"id"`
	ItemID           string     `json:"itemId"`
	StartedAt        time.Time  `json:"startedAt"`
	FinishedAt       *time.Time `json:"finishedAt"`
	Status           RunStatus  `json:"status"`
	ErrorCode        string     `json:"errorCode,omitempty"`
	ErrorMessage     string     `json:"errorMessage,omitempty"`
	UsedPlaywright   bool       `json:"usedPlaywright"`
	UsedAI           bool       `json:"usedAi"`
	TokenInput       int64      `json:"tokenInput,omitempty"`
	TokenOutput      int64      `json:"tokenOutput,omitempty"`
	EstimatedCostUSD float64    `json:"estimatedCostUsd,omitempty"`
}

// Notification is one webhook emission claim. The (itemId, snapshotId,
// eventType) composite key enforces at-most-once delivery.
type Notification struct {
	ID              string     `json:"id"`
	ItemID          string     `json:"itemId"`
	SnapshotID      string     `json:"snapshotId"`
	EventType       EventType  `json:"eventType"`
	WebhookStatus   *int       `json:"webhookStatus"`
	WebhookResponse string     `json:"webhookResponse,omitempty"`
	SentAt          *time.Time `json:"sentAt"`
	CreatedAt       time.Time  `json:"createdAt"`
}

// Variant stock values for per-variant availability.
const (
	VariantIn      = "IN"
	VariantOut     = "OUT"
	VariantUnknown = "UNK"
)

// VariantStock is the availability of a single product variant.
type VariantStock struct {
	Label string `json:"label"`
	Stock string `json:"stock"` // IN / OUT / UNK
}

// CandidateEvidence is one scored (name, price) candidate from a page.
type CandidateEvidence struct {
	Source     string  `json:"source"`
	Name       string  `json:"name,omitempty"`
	PriceCents *int64  `json:"priceCents,omitempty"`
	Score      float64 `json:"score"`
	Detail     string  `json:"detail,omitempty"`
}

// StockSignals is the auditable trace of the stock arbitration.
type StockSignals struct {
	InScore     float64  `json:"inScore"`
	OutScore    float64  `json:"outScore"`
	ExplicitIn  bool     `json:"explicitIn"`  // schema.org in-availability
	ExplicitOut bool     `json:"explicitOut"` // schema.org out-availability
	EmbeddedIn  int      `json:"embeddedIn"`  // embedded-JSON in-stock signals
	EmbeddedOut int      `json:"embeddedOut"` // embedded-JSON out-of-stock signals
	EnabledCTA  bool     `json:"enabledCta"`
	Notes       []string `json:"notes,omitempty"`
}

// Evidence is the compact, auditable trace of the inputs that produced a
// snapshot. Serialized to JSON on the snapshot row.
type Evidence struct {
	URL        string              `json:"url,omitempty"`
	Title      string              `json:"title,omitempty"`
	Meta       string              `json:"meta,omitempty"`
	Candidates []CandidateEvidence `json:"candidates,omitempty"`
	Stock      StockSignals        `json:"stock"`
}

// ExtractResult is the trusted tuple a pipeline layer resolves a URL into.
type ExtractResult struct {
	ProductName  string
	PriceCents   *int64
	InStock      *bool
	StockState   StockState
	VariantStock []VariantStock
	Confidence   float64
	Method       ExtractionMethod
	Evidence     Evidence
	ContentHash  string
}

// AttemptStatus is the outcome class of a pipeline invocation.
type AttemptStatus string

const (
	AttemptSuccess     AttemptStatus = "success"
	AttemptNeedsReview AttemptStatus = "needs_review"
)

// ExtractionAttempt wraps an extraction outcome with usage accounting.
type ExtractionAttempt struct {
	Status           AttemptStatus
	Result           *ExtractResult
	Reason           string // set when Status is needs_review
	UsedPlaywright   bool
	UsedAI           bool
	TokenInput       int64
	TokenOutput      int64
	EstimatedCostUSD float64
}

// CheckResult is the outcome of a single runCheckForItem invocation.
type CheckResult struct {
	RunID        string         `json:"runId"`
	ItemID       string         `json:"itemId"`
	Status       RunStatus      `json:"status"`
	Reason       string         `json:"reason,omitempty"`
	Snapshot     *PriceSnapshot `json:"snapshot,omitempty"`
	PriceChanged bool           `json:"priceChanged"`
	BackInStock  bool           `json:"backInStock"`
}
