// Package notify delivers price-change and back-in-stock events to a
// Discord webhook. Delivery is claim-then-send: the unique notification
// row is inserted first, so concurrent checks of the same item can never
// double-send an event.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/pricewatch/internal/domain"
	"github.com/aristath/pricewatch/internal/pricing"
	"github.com/aristath/pricewatch/internal/tracker"
)

// maxResponseChars caps the stored webhook response body.
const maxResponseChars = 1000

const webhookTimeout = 10 * time.Second

// Notifier claims and sends event notifications.
type Notifier struct {
	repo       *tracker.NotificationRepository
	webhookURL string
	client     *http.Client
	log        zerolog.Logger
}

// New creates a notifier. An empty webhookURL disables delivery; events
// are still claimed and recorded.
func New(repo *tracker.NotificationRepository, webhookURL string, log zerolog.Logger) *Notifier {
	return &Notifier{
		repo:       repo,
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: webhookTimeout},
		log:        log.With().Str("component", "notifier").Logger(),
	}
}

// NotifyPriceChange emits a PRICE_CHANGED event for a snapshot pair.
func (n *Notifier) NotifyPriceChange(ctx context.Context, item *domain.TrackedItem, prev, current *domain.PriceSnapshot) error {
	message := fmt.Sprintf("**Price Change Detected**\nProduct: %s\nOld Price: %s\nNew Price: %s\nLink: %s\nChecked: %s",
		current.ProductName,
		formatPrice(prev.PriceCents),
		formatPrice(current.PriceCents),
		item.URL,
		current.CheckedAt.UTC().Format(time.RFC3339),
	)
	return n.send(ctx, item.ID, current.ID, domain.EventPriceChanged, message)
}

// NotifyBackInStock emits a BACK_IN_STOCK event for a snapshot.
func (n *Notifier) NotifyBackInStock(ctx context.Context, item *domain.TrackedItem, current *domain.PriceSnapshot) error {
	message := fmt.Sprintf("**Back In Stock**\nProduct: %s\nPrice: %s\nLink: %s\nChecked: %s",
		current.ProductName,
		formatPrice(current.PriceCents),
		item.URL,
		current.CheckedAt.UTC().Format(time.RFC3339),
	)
	return n.send(ctx, item.ID, current.ID, domain.EventBackInStock, message)
}

// SendTest posts a test message to the webhook, bypassing claims.
func (n *Notifier) SendTest(ctx context.Context) (int, error) {
	if n.webhookURL == "" {
		return 0, fmt.Errorf("DISCORD_WEBHOOK_URL not configured")
	}
	return n.post(ctx, "**Test Notification**\nThe price tracker webhook is working.")
}

// send claims the event and performs the webhook POST. A lost claim is a
// silent no-op.
func (n *Notifier) send(ctx context.Context, itemID, snapshotID string, eventType domain.EventType, message string) error {
	claim, err := n.repo.Claim(itemID, snapshotID, eventType)
	if err != nil {
		return fmt.Errorf("failed to claim notification: %w", err)
	}
	if claim == nil {
		return nil
	}

	if n.webhookURL == "" {
		if err := n.repo.RecordDelivery(claim.ID, 0, "DISCORD_WEBHOOK_URL not configured", time.Now().UTC()); err != nil {
			return err
		}
		n.log.Warn().Str("event", string(eventType)).Msg("Webhook not configured, notification recorded but not sent")
		return nil
	}

	status, body := n.tryPost(ctx, message)
	if err := n.repo.RecordDelivery(claim.ID, status, body, time.Now().UTC()); err != nil {
		return err
	}

	n.log.Info().
		Str("event", string(eventType)).
		Str("item_id", itemID).
		Int("status", status).
		Msg("Notification sent")
	return nil
}

// tryPost performs the POST and never fails the caller: transport errors
// are recorded as status 0 with the error text as the response.
func (n *Notifier) tryPost(ctx context.Context, message string) (int, string) {
	status, err := n.post(ctx, message)
	if err != nil {
		return status, truncate(err.Error(), maxResponseChars)
	}
	return status, ""
}

func (n *Notifier) post(ctx context.Context, message string) (int, error) {
	payload, err := json.Marshal(map[string]string{"content": message})
	if err != nil {
		return 0, fmt.Errorf("failed to marshal webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.webhookURL, bytes.NewReader(payload))
	if err != nil {
		return 0, fmt.Errorf("failed to build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseChars))
		return resp.StatusCode, fmt.Errorf("webhook returned status %d: %s", resp.StatusCode, string(body))
	}
	return resp.StatusCode, nil
}

func formatPrice(cents *int64) string {
	if cents == nil {
		return "unknown"
	}
	return pricing.FormatCents(*cents)
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
