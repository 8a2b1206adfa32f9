package checker

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/pricewatch/internal/config"
	"github.com/aristath/pricewatch/internal/domain"
	"github.com/aristath/pricewatch/internal/notify"
	"github.com/aristath/pricewatch/internal/pipeline"
	apptesting "github.com/aristath/pricewatch/internal/testing"
	"github.com/aristath/pricewatch/internal/tracker"
)

type fakePipeline struct {
	mu       sync.Mutex
	attempt  domain.ExtractionAttempt
	err      error
	lastOpts pipeline.Options
	calls    int
}

func (f *fakePipeline) Run(ctx context.Context, rawURL string, opts pipeline.Options) (domain.ExtractionAttempt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.lastOpts = opts
	return f.attempt, f.err
}

type fixture struct {
	runner    *Runner
	items     *tracker.ItemRepository
	snapshots *tracker.SnapshotRepository
	runs      *tracker.RunRepository
	pipeline  *fakePipeline
	webhook   *[]string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, cleanup := apptesting.NewTestDB(t)
	t.Cleanup(cleanup)

	var received []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		received = append(received, string(body))
		w.WriteHeader(http.StatusNoContent)
	}))
	t.Cleanup(srv.Close)

	conn := db.Conn()
	log := zerolog.Nop()
	items := tracker.NewItemRepository(conn, log)
	snapshots := tracker.NewSnapshotRepository(conn, log)
	runs := tracker.NewRunRepository(conn, log)
	notifications := tracker.NewNotificationRepository(conn, log)
	notifier := notify.New(notifications, srv.URL, log)

	cfg := &config.Config{
		ScrapeTimeout:    20 * time.Second,
		EnablePlaywright: true,
		AIDailyBudgetUSD: 1.0,
	}

	fake := &fakePipeline{}
	runner := NewRunner(items, snapshots, runs, notifier, fake, cfg, log)

	return &fixture{
		runner:    runner,
		items:     items,
		snapshots: snapshots,
		runs:      runs,
		pipeline:  fake,
		webhook:   &received,
	}
}

func successAttempt(name string, cents int64, state domain.StockState) domain.ExtractionAttempt {
	result := domain.ExtractResult{
		ProductName: name,
		PriceCents:  &cents,
		InStock:     state.InStock(),
		StockState:  state,
		Confidence:  0.95,
		Method:      domain.MethodStatic,
	}
	return domain.ExtractionAttempt{Status: domain.AttemptSuccess, Result: &result}
}

func (f *fixture) createItem(t *testing.T) *domain.TrackedItem {
	t.Helper()
	item, err := f.items.Create("https://shop.example.com/products/widget",
		"https://shop.example.com/products/widget", "shop.example.com")
	require.NoError(t, err)
	return item
}

func TestRunCheckSuccessCreatesSnapshot(t *testing.T) {
	f := newFixture(t)
	item := f.createItem(t)
	f.pipeline.attempt = successAttempt("Widget Pro", 4999, domain.StockInStock)

	result, err := f.runner.RunCheckForItem(context.Background(), item.ID)
	require.NoError(t, err)

	assert.Equal(t, domain.RunSuccess, result.Status)
	require.NotNil(t, result.Snapshot)
	assert.Equal(t, int64(4999), *result.Snapshot.PriceCents)
	assert.False(t, result.PriceChanged)
	assert.False(t, result.BackInStock)
	assert.Empty(t, *f.webhook, "first snapshot must not notify")

	run, err := f.runs.GetByID(result.RunID)
	require.NoError(t, err)
	require.NotNil(t, run)
	assert.Equal(t, domain.RunSuccess, run.Status)
	require.NotNil(t, run.FinishedAt)
}

func TestRunCheckDetectsPriceChange(t *testing.T) {
	f := newFixture(t)
	item := f.createItem(t)

	f.pipeline.attempt = successAttempt("Widget Pro", 129999, domain.StockInStock)
	_, err := f.runner.RunCheckForItem(context.Background(), item.ID)
	require.NoError(t, err)

	f.pipeline.attempt = successAttempt("Widget Pro", 119999, domain.StockInStock)
	result, err := f.runner.RunCheckForItem(context.Background(), item.ID)
	require.NoError(t, err)

	assert.True(t, result.PriceChanged)
	assert.False(t, result.BackInStock)
	require.Len(t, *f.webhook, 1)
	assert.Contains(t, (*f.webhook)[0], "Price Change Detected")
}

func TestRunCheckDetectsBackInStock(t *testing.T) {
	f := newFixture(t)
	item := f.createItem(t)

	oos := domain.ExtractionAttempt{Status: domain.AttemptSuccess, Result: &domain.ExtractResult{
		ProductName: "Widget Pro",
		InStock:     domain.StockOutOfStock.InStock(),
		StockState:  domain.StockOutOfStock,
		Confidence:  0.9,
		Method:      domain.MethodStatic,
	}}
	f.pipeline.attempt = oos
	_, err := f.runner.RunCheckForItem(context.Background(), item.ID)
	require.NoError(t, err)

	f.pipeline.attempt = successAttempt("Widget Pro", 4999, domain.StockInStock)
	result, err := f.runner.RunCheckForItem(context.Background(), item.ID)
	require.NoError(t, err)

	assert.True(t, result.BackInStock)
	assert.False(t, result.PriceChanged, "no numeric previous price")
	require.Len(t, *f.webhook, 1)
	assert.Contains(t, (*f.webhook)[0], "Back In Stock")
}

func TestRunCheckNeedsReviewMapping(t *testing.T) {
	tests := []struct {
		reason string
		want   domain.RunStatus
	}{
		{domain.ReasonLowConfidence, domain.RunNeedsReview},
		{domain.ReasonAIBudgetExceeded, domain.RunNeedsReview},
		{domain.ReasonRedirectBlocked, domain.RunNeedsReview},
		{domain.ReasonRegionalRedirect, domain.RunNeedsReview},
		{"", domain.RunFailed}, // becomes UNKNOWN_EXTRACTION_ERROR
	}

	for _, tt := range tests {
		t.Run(tt.reason, func(t *testing.T) {
			f := newFixture(t)
			item := f.createItem(t)
			f.pipeline.attempt = domain.ExtractionAttempt{Status: domain.AttemptNeedsReview, Reason: tt.reason}

			result, err := f.runner.RunCheckForItem(context.Background(), item.ID)
			require.NoError(t, err)

			assert.Equal(t, tt.want, result.Status)
			assert.Nil(t, result.Snapshot)

			run, err := f.runs.GetByID(result.RunID)
			require.NoError(t, err)
			require.NotNil(t, run)
			assert.Equal(t, tt.want, run.Status)
			if tt.reason == "" {
				assert.Equal(t, domain.ReasonUnknownExtraction, run.ErrorCode)
			} else {
				assert.Equal(t, tt.reason, run.ErrorCode)
			}
		})
	}
}

func TestRunCheckPipelineErrorRecordsFailedRun(t *testing.T) {
	f := newFixture(t)
	item := f.createItem(t)
	f.pipeline.err = errors.New("connection refused")

	result, err := f.runner.RunCheckForItem(context.Background(), item.ID)
	require.NoError(t, err)

	assert.Equal(t, domain.RunFailed, result.Status)
	assert.Equal(t, domain.ReasonCheckRunFailed, result.Reason)

	run, err := f.runs.GetByID(result.RunID)
	require.NoError(t, err)
	require.NotNil(t, run)
	assert.Equal(t, domain.RunFailed, run.Status)
	assert.Equal(t, domain.ReasonCheckRunFailed, run.ErrorCode)
	assert.Contains(t, run.ErrorMessage, "connection refused")
}

func TestRunCheckMissingItem(t *testing.T) {
	f := newFixture(t)
	_, err := f.runner.RunCheckForItem(context.Background(), "nonexistent")
	assert.Error(t, err)
}

func TestRunCheckRetiredItem(t *testing.T) {
	f := newFixture(t)
	item := f.createItem(t)
	_, err := f.items.Retire(item.ID)
	require.NoError(t, err)

	_, err = f.runner.RunCheckForItem(context.Background(), item.ID)
	assert.Error(t, err)
}

func TestRunCheckBudgetExhaustionDisablesAI(t *testing.T) {
	f := newFixture(t)
	item := f.createItem(t)

	// Burn the whole daily budget with a prior AI run.
	prior, err := f.runs.Create(item.ID)
	require.NoError(t, err)
	prior.Status = domain.RunSuccess
	prior.UsedAI = true
	prior.EstimatedCostUSD = 1.0
	require.NoError(t, f.runs.Finalize(prior))

	f.pipeline.attempt = successAttempt("Widget Pro", 4999, domain.StockInStock)
	_, err = f.runner.RunCheckForItem(context.Background(), item.ID)
	require.NoError(t, err)

	assert.False(t, f.pipeline.lastOpts.AllowAI)
	assert.True(t, f.pipeline.lastOpts.AllowPlaywright)
}

func TestRunCheckUsageCountersPersisted(t *testing.T) {
	f := newFixture(t)
	item := f.createItem(t)

	attempt := successAttempt("Widget Pro", 4999, domain.StockInStock)
	attempt.UsedAI = true
	attempt.TokenInput = 1500
	attempt.TokenOutput = 80
	attempt.EstimatedCostUSD = 0.000535
	f.pipeline.attempt = attempt

	result, err := f.runner.RunCheckForItem(context.Background(), item.ID)
	require.NoError(t, err)

	run, err := f.runs.GetByID(result.RunID)
	require.NoError(t, err)
	require.NotNil(t, run)
	assert.True(t, run.UsedAI)
	assert.Equal(t, int64(1500), run.TokenInput)
	assert.Equal(t, int64(80), run.TokenOutput)
	assert.InDelta(t, 0.000535, run.EstimatedCostUSD, 1e-9)
}

func TestSweepCountsOutcomes(t *testing.T) {
	f := newFixture(t)

	for i := 0; i < 3; i++ {
		_, err := f.items.Create(
			"https://shop.example.com/products/widget-"+string(rune('a'+i)),
			"https://shop.example.com/products/widget-"+string(rune('a'+i)),
			"shop.example.com")
		require.NoError(t, err)
	}

	f.pipeline.attempt = successAttempt("Widget", 4999, domain.StockInStock)

	sweeper := NewSweeper(f.items, f.runner, zerolog.Nop())
	summary, err := sweeper.Sweep(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 3, summary.Total)
	assert.Equal(t, 3, summary.Succeeded)
	assert.Zero(t, summary.Failed)
	assert.Equal(t, 3, f.pipeline.calls)
}

func TestSweepNeedsReviewCounted(t *testing.T) {
	f := newFixture(t)
	f.createItem(t)
	f.pipeline.attempt = domain.ExtractionAttempt{Status: domain.AttemptNeedsReview, Reason: domain.ReasonLowConfidence}

	sweeper := NewSweeper(f.items, f.runner, zerolog.Nop())
	summary, err := sweeper.Sweep(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, summary.Total)
	assert.Equal(t, 1, summary.NeedsReview)
}
