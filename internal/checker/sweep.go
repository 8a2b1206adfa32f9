package checker

import (
	"context"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/aristath/pricewatch/internal/domain"
	"github.com/aristath/pricewatch/internal/tracker"
)

const (
	sweepItemCap     = 200
	sweepBatchSize   = 25
	sweepConcurrency = 3
)

// SweepSummary is the aggregate outcome of one sweep.
type SweepSummary struct {
	Total       int `json:"total"`
	Succeeded   int `json:"succeeded"`
	NeedsReview int `json:"needsReview"`
	Failed      int `json:"failed"`
}

// Sweeper runs the daily all-items check.
type Sweeper struct {
	items  *tracker.ItemRepository
	runner *Runner
	log    zerolog.Logger
}

// NewSweeper creates a sweeper.
func NewSweeper(items *tracker.ItemRepository, runner *Runner, log zerolog.Logger) *Sweeper {
	return &Sweeper{
		items:  items,
		runner: runner,
		log:    log.With().Str("component", "sweep").Logger(),
	}
}

// Sweep checks up to 200 active items oldest first, in sequential
// batches of 25 with at most 3 checks in flight. Item failures are
// recorded on their check runs and counted; only infrastructure failures
// abort the sweep.
func (s *Sweeper) Sweep(ctx context.Context) (*SweepSummary, error) {
	items, err := s.items.ListActive(sweepItemCap)
	if err != nil {
		return nil, err
	}

	summary := &SweepSummary{Total: len(items)}
	s.log.Info().Int("items", len(items)).Msg("Sweep started")

	for start := 0; start < len(items); start += sweepBatchSize {
		end := start + sweepBatchSize
		if end > len(items) {
			end = len(items)
		}
		batch := items[start:end]

		results := make([]*domain.CheckResult, len(batch))

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(sweepConcurrency)
		for i, item := range batch {
			g.Go(func() error {
				result, err := s.runner.RunCheckForItem(gctx, item.ID)
				if err != nil {
					s.log.Warn().Err(err).Str("item_id", item.ID).Msg("Check could not start")
					return nil
				}
				results[i] = result
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return summary, err
		}

		for _, result := range results {
			switch {
			case result == nil:
				summary.Failed++
			case result.Status == domain.RunSuccess:
				summary.Succeeded++
			case result.Status == domain.RunNeedsReview:
				summary.NeedsReview++
			default:
				summary.Failed++
			}
		}
	}

	s.log.Info().
		Int("succeeded", summary.Succeeded).
		Int("needs_review", summary.NeedsReview).
		Int("failed", summary.Failed).
		Msg("Sweep complete")
	return summary, nil
}
