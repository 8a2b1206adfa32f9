package tracker

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/pricewatch/internal/domain"
	apptesting "github.com/aristath/pricewatch/internal/testing"
)

func setupRepos(t *testing.T) (*ItemRepository, *SnapshotRepository, *RunRepository, *NotificationRepository) {
	t.Helper()
	db, cleanup := apptesting.NewTestDB(t)
	t.Cleanup(cleanup)

	conn := db.Conn()
	log := zerolog.Nop()
	return NewItemRepository(conn, log),
		NewSnapshotRepository(conn, log),
		NewRunRepository(conn, log),
		NewNotificationRepository(conn, log)
}

func inStockResult(name string, cents int64) domain.ExtractResult {
	state := domain.StockInStock
	return domain.ExtractResult{
		ProductName: name,
		PriceCents:  &cents,
		InStock:     state.InStock(),
		StockState:  state,
		Confidence:  0.95,
		Method:      domain.MethodStatic,
		ContentHash: "abc123",
	}
}

func TestItemCreateAndGet(t *testing.T) {
	items, _, _, _ := setupRepos(t)

	created, err := items.Create("https://shop.example.com/products/widget?utm_source=x",
		"https://shop.example.com/products/widget", "shop.example.com")
	require.NoError(t, err)

	got, err := items.GetByID(created.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, created.CanonicalURL, got.CanonicalURL)
	assert.True(t, got.Active)

	missing, err := items.GetByID("nonexistent")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestItemDuplicateActiveCanonicalURLRejected(t *testing.T) {
	items, _, _, _ := setupRepos(t)

	_, err := items.Create("https://shop.example.com/products/widget",
		"https://shop.example.com/products/widget", "shop.example.com")
	require.NoError(t, err)

	_, err = items.Create("https://shop.example.com/products/widget?ref=mail",
		"https://shop.example.com/products/widget", "shop.example.com")
	require.Error(t, err)
	assert.True(t, IsDuplicate(err))
}

func TestItemRetireFreesCanonicalURL(t *testing.T) {
	items, _, _, _ := setupRepos(t)

	first, err := items.Create("https://shop.example.com/products/widget",
		"https://shop.example.com/products/widget", "shop.example.com")
	require.NoError(t, err)

	retired, err := items.Retire(first.ID)
	require.NoError(t, err)
	assert.True(t, retired)

	// Retiring again is a no-op.
	retired, err = items.Retire(first.ID)
	require.NoError(t, err)
	assert.False(t, retired)

	// The canonical URL is trackable again.
	_, err = items.Create("https://shop.example.com/products/widget",
		"https://shop.example.com/products/widget", "shop.example.com")
	require.NoError(t, err)

	count, err := items.CountActive()
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestItemListActiveOrdersByCreation(t *testing.T) {
	db, cleanup := apptesting.NewTestDB(t)
	t.Cleanup(cleanup)
	conn := db.Conn()
	items := NewItemRepository(conn, zerolog.Nop())

	a, err := items.Create("https://a.example.com/p/1", "https://a.example.com/p/1", "a.example.com")
	require.NoError(t, err)
	b, err := items.Create("https://b.example.com/p/2", "https://b.example.com/p/2", "b.example.com")
	require.NoError(t, err)

	// Timestamps are unix seconds; push the first item clearly earlier.
	_, err = conn.Exec("UPDATE tracked_items SET created_at = created_at - 60 WHERE id = ?", a.ID)
	require.NoError(t, err)

	list, err := items.ListActive(200)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, a.ID, list[0].ID)
	assert.Equal(t, b.ID, list[1].ID)
}

func TestSnapshotCreateAndLatest(t *testing.T) {
	items, snapshots, _, _ := setupRepos(t)

	item, err := items.Create("https://shop.example.com/p/1", "https://shop.example.com/p/1", "shop.example.com")
	require.NoError(t, err)

	latest, err := snapshots.Latest(item.ID)
	require.NoError(t, err)
	assert.Nil(t, latest)

	_, err = snapshots.Create(item.ID, inStockResult("Widget", 4999), `{"url":"x"}`)
	require.NoError(t, err)
	second, err := snapshots.Create(item.ID, inStockResult("Widget", 4599), "")
	require.NoError(t, err)

	latest, err = snapshots.Latest(item.ID)
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, second.ID, latest.ID)
	require.NotNil(t, latest.PriceCents)
	assert.Equal(t, int64(4599), *latest.PriceCents)
	require.NotNil(t, latest.InStock)
	assert.True(t, *latest.InStock)
	assert.Equal(t, domain.StockInStock, latest.StockState)
	assert.Equal(t, "abc123", latest.ContentHash)
}

func TestSnapshotNullFields(t *testing.T) {
	items, snapshots, _, _ := setupRepos(t)

	item, err := items.Create("https://shop.example.com/p/1", "https://shop.example.com/p/1", "shop.example.com")
	require.NoError(t, err)

	result := domain.ExtractResult{
		ProductName: "Ghost Product",
		StockState:  domain.StockUnknown,
		Confidence:  0.75,
		Method:      domain.MethodAI,
	}
	_, err = snapshots.Create(item.ID, result, "")
	require.NoError(t, err)

	latest, err := snapshots.Latest(item.ID)
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Nil(t, latest.PriceCents)
	assert.Nil(t, latest.InStock)
}

func TestSnapshotLatestForHost(t *testing.T) {
	items, snapshots, _, _ := setupRepos(t)

	target, err := items.Create("https://shop.example.com/p/target", "https://shop.example.com/p/target", "shop.example.com")
	require.NoError(t, err)
	peer, err := items.Create("https://shop.example.com/p/peer", "https://shop.example.com/p/peer", "shop.example.com")
	require.NoError(t, err)
	other, err := items.Create("https://other.example.com/p/x", "https://other.example.com/p/x", "other.example.com")
	require.NoError(t, err)

	_, err = snapshots.Create(target.ID, inStockResult("Target", 1000), "")
	require.NoError(t, err)
	_, err = snapshots.Create(peer.ID, inStockResult("Peer Old", 2000), "")
	require.NoError(t, err)
	peerNew, err := snapshots.Create(peer.ID, inStockResult("Peer New", 2100), "")
	require.NoError(t, err)
	_, err = snapshots.Create(other.ID, inStockResult("Other", 3000), "")
	require.NoError(t, err)

	hints, err := snapshots.LatestForHost("shop.example.com", target.ID, 4)
	require.NoError(t, err)
	require.Len(t, hints, 1)
	assert.Equal(t, peerNew.ID, hints[0].ID)
	assert.Equal(t, "Peer New", hints[0].ProductName)
}

func TestSnapshotPriceHistory(t *testing.T) {
	items, snapshots, _, _ := setupRepos(t)

	item, err := items.Create("https://shop.example.com/p/1", "https://shop.example.com/p/1", "shop.example.com")
	require.NoError(t, err)

	_, err = snapshots.Create(item.ID, inStockResult("Widget", 1000), "")
	require.NoError(t, err)
	_, err = snapshots.Create(item.ID, domain.ExtractResult{
		ProductName: "Widget", StockState: domain.StockOutOfStock,
		InStock: domain.StockOutOfStock.InStock(), Confidence: 0.9, Method: domain.MethodStatic,
	}, "")
	require.NoError(t, err)
	_, err = snapshots.Create(item.ID, inStockResult("Widget", 1200), "")
	require.NoError(t, err)

	prices, err := snapshots.PriceHistoryCents(item.ID)
	require.NoError(t, err)
	assert.Equal(t, []float64{1000, 1200}, prices)
}

func TestRunLifecycle(t *testing.T) {
	items, _, runs, _ := setupRepos(t)

	item, err := items.Create("https://shop.example.com/p/1", "https://shop.example.com/p/1", "shop.example.com")
	require.NoError(t, err)

	run, err := runs.Create(item.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunFailed, run.Status)

	// Sentinel persists as FAILED until finalization.
	stored, err := runs.GetByID(run.ID)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, domain.RunFailed, stored.Status)
	assert.Nil(t, stored.FinishedAt)

	run.Status = domain.RunSuccess
	run.UsedAI = true
	run.TokenInput = 1500
	run.TokenOutput = 80
	run.EstimatedCostUSD = 0.000535
	require.NoError(t, runs.Finalize(run))

	stored, err = runs.GetByID(run.ID)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, domain.RunSuccess, stored.Status)
	assert.True(t, stored.UsedAI)
	assert.Equal(t, int64(1500), stored.TokenInput)
	require.NotNil(t, stored.FinishedAt)
	assert.InDelta(t, 0.000535, stored.EstimatedCostUSD, 1e-9)
}

func TestRunAISpendSince(t *testing.T) {
	items, _, runs, _ := setupRepos(t)

	item, err := items.Create("https://shop.example.com/p/1", "https://shop.example.com/p/1", "shop.example.com")
	require.NoError(t, err)

	for _, cost := range []float64{0.10, 0.25} {
		run, err := runs.Create(item.ID)
		require.NoError(t, err)
		run.Status = domain.RunSuccess
		run.UsedAI = true
		run.EstimatedCostUSD = cost
		require.NoError(t, runs.Finalize(run))
	}

	// A non-AI run must not count.
	run, err := runs.Create(item.ID)
	require.NoError(t, err)
	run.Status = domain.RunSuccess
	run.EstimatedCostUSD = 99.0
	require.NoError(t, runs.Finalize(run))

	spend, err := runs.AISpendSince(time.Now().UTC().Add(-time.Hour))
	require.NoError(t, err)
	assert.InDelta(t, 0.35, spend, 1e-9)

	spend, err = runs.AISpendSince(time.Now().UTC().Add(time.Hour))
	require.NoError(t, err)
	assert.Zero(t, spend)
}

func TestNotificationClaimIsExclusive(t *testing.T) {
	items, snapshots, _, notifications := setupRepos(t)

	item, err := items.Create("https://shop.example.com/p/1", "https://shop.example.com/p/1", "shop.example.com")
	require.NoError(t, err)
	snapshot, err := snapshots.Create(item.ID, inStockResult("Widget", 4999), "")
	require.NoError(t, err)

	first, err := notifications.Claim(item.ID, snapshot.ID, domain.EventPriceChanged)
	require.NoError(t, err)
	require.NotNil(t, first)

	// Second claim for the same event loses silently.
	second, err := notifications.Claim(item.ID, snapshot.ID, domain.EventPriceChanged)
	require.NoError(t, err)
	assert.Nil(t, second)

	// A different event type is a separate claim.
	third, err := notifications.Claim(item.ID, snapshot.ID, domain.EventBackInStock)
	require.NoError(t, err)
	require.NotNil(t, third)
}

func TestNotificationRecordDelivery(t *testing.T) {
	items, snapshots, _, notifications := setupRepos(t)

	item, err := items.Create("https://shop.example.com/p/1", "https://shop.example.com/p/1", "shop.example.com")
	require.NoError(t, err)
	snapshot, err := snapshots.Create(item.ID, inStockResult("Widget", 4999), "")
	require.NoError(t, err)

	claim, err := notifications.Claim(item.ID, snapshot.ID, domain.EventPriceChanged)
	require.NoError(t, err)
	require.NotNil(t, claim)

	sentAt := time.Now().UTC().Truncate(time.Second)
	require.NoError(t, notifications.RecordDelivery(claim.ID, 204, "", sentAt))

	list, err := notifications.ListForItem(item.ID, 10)
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.NotNil(t, list[0].WebhookStatus)
	assert.Equal(t, 204, *list[0].WebhookStatus)
	require.NotNil(t, list[0].SentAt)
	assert.Equal(t, sentAt.Unix(), list[0].SentAt.Unix())
}
