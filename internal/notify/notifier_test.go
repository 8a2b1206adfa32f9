package notify

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/pricewatch/internal/domain"
	apptesting "github.com/aristath/pricewatch/internal/testing"
	"github.com/aristath/pricewatch/internal/tracker"
)

func setup(t *testing.T, webhookURL string) (*Notifier, *tracker.ItemRepository, *tracker.SnapshotRepository, *tracker.NotificationRepository) {
	t.Helper()
	db, cleanup := apptesting.NewTestDB(t)
	t.Cleanup(cleanup)

	conn := db.Conn()
	log := zerolog.Nop()
	repo := tracker.NewNotificationRepository(conn, log)
	return New(repo, webhookURL, log),
		tracker.NewItemRepository(conn, log),
		tracker.NewSnapshotRepository(conn, log),
		repo
}

func seedSnapshots(t *testing.T, items *tracker.ItemRepository, snapshots *tracker.SnapshotRepository, oldCents, newCents int64) (*domain.TrackedItem, *domain.PriceSnapshot, *domain.PriceSnapshot) {
	t.Helper()
	item, err := items.Create("https://shop.example.com/products/widget", "https://shop.example.com/products/widget", "shop.example.com")
	require.NoError(t, err)

	state := domain.StockInStock
	prev, err := snapshots.Create(item.ID, domain.ExtractResult{
		ProductName: "Widget Pro", PriceCents: &oldCents, InStock: state.InStock(),
		StockState: state, Confidence: 0.95, Method: domain.MethodStatic,
	}, "")
	require.NoError(t, err)

	current, err := snapshots.Create(item.ID, domain.ExtractResult{
		ProductName: "Widget Pro", PriceCents: &newCents, InStock: state.InStock(),
		StockState: state, Confidence: 0.95, Method: domain.MethodStatic,
	}, "")
	require.NoError(t, err)

	return item, prev, current
}

func TestNotifyPriceChangeSendsOnce(t *testing.T) {
	var received []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		received = append(received, string(body))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	notifier, items, snapshots, repo := setup(t, srv.URL)
	item, prev, current := seedSnapshots(t, items, snapshots, 129999, 119999)

	require.NoError(t, notifier.NotifyPriceChange(context.Background(), item, prev, current))

	require.Len(t, received, 1)
	assert.Contains(t, received[0], "**Price Change Detected**")
	assert.Contains(t, received[0], "Old Price: $1,299.99")
	assert.Contains(t, received[0], "New Price: $1,199.99")
	assert.Contains(t, received[0], item.URL)

	// The same event is claimed; a second dispatch is a no-op.
	require.NoError(t, notifier.NotifyPriceChange(context.Background(), item, prev, current))
	assert.Len(t, received, 1)

	list, err := repo.ListForItem(item.ID, 10)
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.NotNil(t, list[0].WebhookStatus)
	assert.Equal(t, http.StatusNoContent, *list[0].WebhookStatus)
	assert.NotNil(t, list[0].SentAt)
}

func TestNotifyBackInStock(t *testing.T) {
	var received string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		received = string(body)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	notifier, items, snapshots, _ := setup(t, srv.URL)
	item, _, current := seedSnapshots(t, items, snapshots, 4999, 4999)

	require.NoError(t, notifier.NotifyBackInStock(context.Background(), item, current))
	assert.Contains(t, received, "**Back In Stock**")
	assert.Contains(t, received, "Widget Pro")
}

func TestNotifyWithoutWebhookRecordsUnsent(t *testing.T) {
	notifier, items, snapshots, repo := setup(t, "")
	item, prev, current := seedSnapshots(t, items, snapshots, 1000, 900)

	require.NoError(t, notifier.NotifyPriceChange(context.Background(), item, prev, current))

	list, err := repo.ListForItem(item.ID, 10)
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.NotNil(t, list[0].WebhookStatus)
	assert.Equal(t, 0, *list[0].WebhookStatus)
	assert.Equal(t, "DISCORD_WEBHOOK_URL not configured", list[0].WebhookResponse)
}

func TestNotifyWebhookFailureIsRecordedNotRaised(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	notifier, items, snapshots, repo := setup(t, srv.URL)
	item, prev, current := seedSnapshots(t, items, snapshots, 1000, 900)

	require.NoError(t, notifier.NotifyPriceChange(context.Background(), item, prev, current))

	list, err := repo.ListForItem(item.ID, 10)
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.NotNil(t, list[0].WebhookStatus)
	assert.Equal(t, http.StatusTooManyRequests, *list[0].WebhookStatus)
	assert.Contains(t, list[0].WebhookResponse, "rate limited")
}

func TestSendTestWithoutWebhook(t *testing.T) {
	notifier, _, _, _ := setup(t, "")
	_, err := notifier.SendTest(context.Background())
	assert.Error(t, err)
}

func TestTruncate(t *testing.T) {
	long := make([]byte, 2000)
	for i := range long {
		long[i] = 'a'
	}
	assert.Len(t, truncate(string(long), maxResponseChars), maxResponseChars)
	assert.Equal(t, "short", truncate("short", maxResponseChars))
}
