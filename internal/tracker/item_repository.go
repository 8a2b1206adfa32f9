// Package tracker persists the tracking domain: items, snapshots, check
// runs and notification claims. Repositories translate sql.ErrNoRows to
// (nil, nil) so callers branch on presence, not on error types.
package tracker

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/aristath/pricewatch/internal/domain"
)

const itemColumns = `id, url, canonical_url, site_host, active, created_at`

// ItemRepository handles tracked-item database operations.
type ItemRepository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewItemRepository creates a new item repository.
func NewItemRepository(db *sql.DB, log zerolog.Logger) *ItemRepository {
	return &ItemRepository{
		db:  db,
		log: log.With().Str("repo", "item").Logger(),
	}
}

// Create inserts a new active item. The partial unique index on
// (canonical_url) WHERE active=1 rejects duplicates of a live item;
// callers detect that case with IsDuplicate.
func (r *ItemRepository) Create(url, canonicalURL, siteHost string) (*domain.TrackedItem, error) {
	item := domain.TrackedItem{
		ID:           uuid.New().String(),
		URL:          url,
		CanonicalURL: canonicalURL,
		SiteHost:     siteHost,
		Active:       true,
		CreatedAt:    time.Now().UTC(),
	}

	query := `
		INSERT INTO tracked_items (id, url, canonical_url, site_host, active, created_at)
		VALUES (?, ?, ?, ?, 1, ?)
	`
	_, err := r.db.Exec(query, item.ID, item.URL, item.CanonicalURL, item.SiteHost, item.CreatedAt.Unix())
	if err != nil {
		return nil, fmt.Errorf("failed to create item: %w", err)
	}

	r.log.Info().Str("item_id", item.ID).Str("host", item.SiteHost).Msg("Item created")
	return &item, nil
}

// GetByID retrieves an item by ID. Returns (nil, nil) when absent.
func (r *ItemRepository) GetByID(id string) (*domain.TrackedItem, error) {
	query := "SELECT " + itemColumns + " FROM tracked_items WHERE id = ?"

	item, err := scanItem(r.db.QueryRow(query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get item: %w", err)
	}
	return &item, nil
}

// GetActiveByCanonicalURL finds the live item tracking a canonical URL.
func (r *ItemRepository) GetActiveByCanonicalURL(canonicalURL string) (*domain.TrackedItem, error) {
	query := "SELECT " + itemColumns + " FROM tracked_items WHERE canonical_url = ? AND active = 1"

	item, err := scanItem(r.db.QueryRow(query, canonicalURL))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get item by canonical URL: %w", err)
	}
	return &item, nil
}

// ListActive returns active items oldest first, capped at limit.
func (r *ItemRepository) ListActive(limit int) ([]domain.TrackedItem, error) {
	query := `
		SELECT ` + itemColumns + ` FROM tracked_items
		WHERE active = 1
		ORDER BY created_at ASC
		LIMIT ?
	`
	return r.queryItems(query, limit)
}

// List returns all items, newest first.
func (r *ItemRepository) List(limit int) ([]domain.TrackedItem, error) {
	query := `
		SELECT ` + itemColumns + ` FROM tracked_items
		ORDER BY created_at DESC
		LIMIT ?
	`
	return r.queryItems(query, limit)
}

// Retire soft-deletes an item. History stays; the canonical URL becomes
// trackable again.
func (r *ItemRepository) Retire(id string) (bool, error) {
	result, err := r.db.Exec("UPDATE tracked_items SET active = 0 WHERE id = ? AND active = 1", id)
	if err != nil {
		return false, fmt.Errorf("failed to retire item: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read affected rows: %w", err)
	}
	if affected > 0 {
		r.log.Info().Str("item_id", id).Msg("Item retired")
	}
	return affected > 0, nil
}

// CountActive returns the number of live items.
func (r *ItemRepository) CountActive() (int, error) {
	var count int
	err := r.db.QueryRow("SELECT COUNT(*) FROM tracked_items WHERE active = 1").Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count active items: %w", err)
	}
	return count, nil
}

func (r *ItemRepository) queryItems(query string, args ...interface{}) ([]domain.TrackedItem, error) {
	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query items: %w", err)
	}
	defer rows.Close()

	var items []domain.TrackedItem
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan item: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating items: %w", err)
	}
	return items, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanItem(row rowScanner) (domain.TrackedItem, error) {
	var item domain.TrackedItem
	var active int
	var createdAt int64

	err := row.Scan(&item.ID, &item.URL, &item.CanonicalURL, &item.SiteHost, &active, &createdAt)
	if err != nil {
		return domain.TrackedItem{}, err
	}

	item.Active = active != 0
	item.CreatedAt = time.Unix(createdAt, 0).UTC()
	return item, nil
}

// IsDuplicate reports whether an error is a unique-constraint violation.
func IsDuplicate(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
