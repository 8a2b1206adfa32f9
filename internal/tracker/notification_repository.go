package tracker

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/aristath/pricewatch/internal/domain"
)

const notificationColumns = `id, item_id, snapshot_id, event_type, webhook_status, webhook_response, sent_at, created_at`

// NotificationRepository handles notification claims and delivery
// records.
type NotificationRepository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewNotificationRepository creates a new notification repository.
func NewNotificationRepository(db *sql.DB, log zerolog.Logger) *NotificationRepository {
	return &NotificationRepository{
		db:  db,
		log: log.With().Str("repo", "notification").Logger(),
	}
}

// Claim inserts the claim row for an event. The unique key on
// (item_id, snapshot_id, event_type) makes the insert the concurrency
// primitive: a second claimant gets (nil, nil) and must not send.
func (r *NotificationRepository) Claim(itemID, snapshotID string, eventType domain.EventType) (*domain.Notification, error) {
	n := domain.Notification{
		ID:         uuid.New().String(),
		ItemID:     itemID,
		SnapshotID: snapshotID,
		EventType:  eventType,
		CreatedAt:  time.Now().UTC(),
	}

	query := `
		INSERT INTO notifications (id, item_id, snapshot_id, event_type, created_at)
		VALUES (?, ?, ?, ?, ?)
	`
	_, err := r.db.Exec(query, n.ID, n.ItemID, n.SnapshotID, string(n.EventType), n.CreatedAt.Unix())
	if IsDuplicate(err) {
		r.log.Debug().
			Str("item_id", itemID).
			Str("snapshot_id", snapshotID).
			Str("event", string(eventType)).
			Msg("Notification already claimed")
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to claim notification: %w", err)
	}
	return &n, nil
}

// RecordDelivery stores the webhook outcome on a claimed notification.
func (r *NotificationRepository) RecordDelivery(id string, status int, response string, sentAt time.Time) error {
	query := `
		UPDATE notifications
		SET webhook_status = ?, webhook_response = ?, sent_at = ?
		WHERE id = ?
	`
	_, err := r.db.Exec(query, status, response, sentAt.Unix(), id)
	if err != nil {
		return fmt.Errorf("failed to record notification delivery: %w", err)
	}
	return nil
}

// ListForItem returns an item's notifications, newest first.
func (r *NotificationRepository) ListForItem(itemID string, limit int) ([]domain.Notification, error) {
	query := `
		SELECT ` + notificationColumns + ` FROM notifications
		WHERE item_id = ?
		ORDER BY created_at DESC
		LIMIT ?
	`
	return r.queryNotifications(query, itemID, limit)
}

// LatestEvent returns an item's newest notification of one event type,
// or nil when none exists.
func (r *NotificationRepository) LatestEvent(itemID string, eventType domain.EventType) (*domain.Notification, error) {
	query := `
		SELECT ` + notificationColumns + ` FROM notifications
		WHERE item_id = ? AND event_type = ?
		ORDER BY created_at DESC
		LIMIT 1
	`
	notifications, err := r.queryNotifications(query, itemID, string(eventType))
	if err != nil {
		return nil, err
	}
	if len(notifications) == 0 {
		return nil, nil
	}
	return &notifications[0], nil
}

// ListRecent returns the latest notifications across all items.
func (r *NotificationRepository) ListRecent(limit int) ([]domain.Notification, error) {
	query := `
		SELECT ` + notificationColumns + ` FROM notifications
		ORDER BY created_at DESC
		LIMIT ?
	`
	return r.queryNotifications(query, limit)
}

func (r *NotificationRepository) queryNotifications(query string, args ...interface{}) ([]domain.Notification, error) {
	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query notifications: %w", err)
	}
	defer rows.Close()

	var notifications []domain.Notification
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan notification: %w", err)
		}
		notifications = append(notifications, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating notifications: %w", err)
	}
	return notifications, nil
}

func scanNotification(row rowScanner) (domain.Notification, error) {
	var n domain.Notification
	var eventType string
	var webhookStatus sql.NullInt64
	var webhookResponse sql.NullString
	var sentAt sql.NullInt64
	var createdAt int64

	err := row.Scan(&n.ID, &n.ItemID, &n.SnapshotID, &eventType,
		&webhookStatus, &webhookResponse, &sentAt, &createdAt)
	if err != nil {
		return domain.Notification{}, err
	}

	n.EventType = domain.EventType(eventType)
	if webhookStatus.Valid {
		status := int(webhookStatus.Int64)
		n.WebhookStatus = &status
	}
	n.WebhookResponse = webhookResponse.String
	if sentAt.Valid {
		t := time.Unix(sentAt.Int64, 0).UTC()
		n.SentAt = &t
	}
	n.CreatedAt = time.Unix(createdAt, 0).UTC()
	return n, nil
}
