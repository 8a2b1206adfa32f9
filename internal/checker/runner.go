// Package checker orchestrates check runs: one item per run, a durable
// FAILED sentinel row first, then the extraction cascade, snapshot
// creation, event detection and notification dispatch.
package checker

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/pricewatch/internal/ai"
	"github.com/aristath/pricewatch/internal/config"
	"github.com/aristath/pricewatch/internal/domain"
	"github.com/aristath/pricewatch/internal/extract"
	"github.com/aristath/pricewatch/internal/notify"
	"github.com/aristath/pricewatch/internal/pipeline"
	"github.com/aristath/pricewatch/internal/tracker"
)

// maxAIHints is how many same-host peer snapshots feed the AI evidence.
const maxAIHints = 4

// reviewReasons are the needs_review reasons that finalize as
// NEEDS_REVIEW; anything else finalizes as FAILED.
var reviewReasons = []string{
	"AI_BUDGET", "LOW_CONFIDENCE", "REGIONAL_REDIRECT", "REDIRECT_BLOCKED",
}

// Pipeline is the extraction cascade the runner drives.
type Pipeline interface {
	Run(ctx context.Context, rawURL string, opts pipeline.Options) (domain.ExtractionAttempt, error)
}

// Runner executes checks for single items.
type Runner struct {
	items     *tracker.ItemRepository
	snapshots *tracker.SnapshotRepository
	runs      *tracker.RunRepository
	notifier  *notify.Notifier
	pipeline  Pipeline
	cfg       *config.Config
	log       zerolog.Logger
}

// NewRunner creates a check runner.
func NewRunner(items *tracker.ItemRepository, snapshots *tracker.SnapshotRepository, runs *tracker.RunRepository, notifier *notify.Notifier, pl Pipeline, cfg *config.Config, log zerolog.Logger) *Runner {
	return &Runner{
		items:     items,
		snapshots: snapshots,
		runs:      runs,
		notifier:  notifier,
		pipeline:  pl,
		cfg:       cfg,
		log:       log.With().Str("component", "checker").Logger(),
	}
}

// RunCheckForItem performs one full check. The returned error covers
// infrastructure failures before a run row exists; once the sentinel is
// created, failures are recorded on it and come back inside the result.
func (r *Runner) RunCheckForItem(ctx context.Context, itemID string) (*domain.CheckResult, error) {
	item, err := r.items.GetByID(itemID)
	if err != nil {
		return nil, err
	}
	if item == nil || !item.Active {
		return nil, fmt.Errorf("no active item with id %s", itemID)
	}

	run, err := r.runs.Create(item.ID)
	if err != nil {
		return nil, err
	}

	result := r.execute(ctx, item, run)

	if err := r.runs.Finalize(run); err != nil {
		r.log.Error().Err(err).Str("run_id", run.ID).Msg("Failed to finalize check run")
	}
	return result, nil
}

// execute performs the fallible middle of the check. Any panic or error
// leaves the sentinel as FAILED with an error code; the caller always
// finalizes the row.
func (r *Runner) execute(ctx context.Context, item *domain.TrackedItem, run *domain.CheckRun) (result *domain.CheckResult) {
	defer func() {
		if p := recover(); p != nil {
			r.log.Error().Interface("panic", p).Str("item_id", item.ID).Msg("Check run panicked")
			run.Status = domain.RunFailed
			run.ErrorCode = domain.ReasonCheckRunFailed
			run.ErrorMessage = fmt.Sprintf("panic: %v", p)
			result = &domain.CheckResult{RunID: run.ID, ItemID: item.ID, Status: domain.RunFailed, Reason: domain.ReasonCheckRunFailed}
		}
	}()

	remaining, err := r.remainingAIBudget()
	if err != nil {
		run.ErrorCode = domain.ReasonCheckRunFailed
		run.ErrorMessage = err.Error()
		return &domain.CheckResult{RunID: run.ID, ItemID: item.ID, Status: domain.RunFailed, Reason: domain.ReasonCheckRunFailed}
	}

	attempt, err := r.pipeline.Run(ctx, item.URL, pipeline.Options{
		Timeout:         r.cfg.ScrapeTimeout,
		AllowPlaywright: r.cfg.EnablePlaywright,
		AllowAI:         remaining > 0,
		AIHints:         r.collectHints(item),
	})
	if err != nil {
		r.log.Warn().Err(err).Str("item_id", item.ID).Msg("Check failed")
		run.Status = domain.RunFailed
		run.ErrorCode = domain.ReasonCheckRunFailed
		run.ErrorMessage = err.Error()
		return &domain.CheckResult{RunID: run.ID, ItemID: item.ID, Status: domain.RunFailed, Reason: domain.ReasonCheckRunFailed}
	}

	run.UsedPlaywright = attempt.UsedPlaywright
	run.UsedAI = attempt.UsedAI
	run.TokenInput = attempt.TokenInput
	run.TokenOutput = attempt.TokenOutput
	run.EstimatedCostUSD = attempt.EstimatedCostUSD

	if attempt.Status == domain.AttemptNeedsReview {
		reason := attempt.Reason
		if reason == "" {
			reason = domain.ReasonUnknownExtraction
		}
		run.Status = reviewStatus(reason)
		run.ErrorCode = reason
		r.log.Info().Str("item_id", item.ID).Str("reason", reason).Msg("Check needs review")
		return &domain.CheckResult{RunID: run.ID, ItemID: item.ID, Status: run.Status, Reason: reason}
	}

	prev, err := r.snapshots.Latest(item.ID)
	if err != nil {
		run.ErrorCode = domain.ReasonCheckRunFailed
		run.ErrorMessage = err.Error()
		return &domain.CheckResult{RunID: run.ID, ItemID: item.ID, Status: domain.RunFailed, Reason: domain.ReasonCheckRunFailed}
	}

	snapshot, err := r.snapshots.Create(item.ID, *attempt.Result, extract.MarshalEvidence(attempt.Result.Evidence))
	if err != nil {
		run.ErrorCode = domain.ReasonCheckRunFailed
		run.ErrorMessage = err.Error()
		return &domain.CheckResult{RunID: run.ID, ItemID: item.ID, Status: domain.RunFailed, Reason: domain.ReasonCheckRunFailed}
	}

	priceChanged := prev != nil && prev.PriceCents != nil && snapshot.PriceCents != nil &&
		*prev.PriceCents != *snapshot.PriceCents
	backInStock := prev != nil && prev.InStock != nil && !*prev.InStock &&
		snapshot.InStock != nil && *snapshot.InStock

	if priceChanged {
		if err := r.notifier.NotifyPriceChange(ctx, item, prev, snapshot); err != nil {
			r.log.Error().Err(err).Str("item_id", item.ID).Msg("Price-change notification failed")
		}
	}
	if backInStock {
		if err := r.notifier.NotifyBackInStock(ctx, item, snapshot); err != nil {
			r.log.Error().Err(err).Str("item_id", item.ID).Msg("Back-in-stock notification failed")
		}
	}

	run.Status = domain.RunSuccess
	r.log.Info().
		Str("item_id", item.ID).
		Str("method", string(snapshot.ExtractionMethod)).
		Bool("price_changed", priceChanged).
		Bool("back_in_stock", backInStock).
		Msg("Check complete")

	return &domain.CheckResult{
		RunID:        run.ID,
		ItemID:       item.ID,
		Status:       domain.RunSuccess,
		Snapshot:     snapshot,
		PriceChanged: priceChanged,
		BackInStock:  backInStock,
	}
}

// remainingAIBudget aggregates today's AI spend at read time and
// subtracts it from the daily cap, floored at zero.
func (r *Runner) remainingAIBudget() (float64, error) {
	now := time.Now().UTC()
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)

	spent, err := r.runs.AISpendSince(midnight)
	if err != nil {
		return 0, fmt.Errorf("failed to compute AI budget: %w", err)
	}

	remaining := r.cfg.AIDailyBudgetUSD - spent
	if remaining < 0 {
		remaining = 0
	}
	return remaining, nil
}

// collectHints formats the latest snapshots of other items on the same
// host. Hint failures are not worth failing the check over.
func (r *Runner) collectHints(item *domain.TrackedItem) []string {
	peers, err := r.snapshots.LatestForHost(item.SiteHost, item.ID, maxAIHints)
	if err != nil {
		r.log.Warn().Err(err).Str("host", item.SiteHost).Msg("Failed to collect AI hints")
		return nil
	}

	hints := make([]string, 0, len(peers))
	for _, p := range peers {
		hints = append(hints, ai.FormatHint(p.ProductName, p.PriceCents, p.StockState))
	}
	return hints
}

func reviewStatus(reason string) domain.RunStatus {
	for _, marker := range reviewReasons {
		if strings.Contains(reason, marker) {
			return domain.RunNeedsReview
		}
	}
	return domain.RunFailed
}
