package tracker

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/aristath/pricewatch/internal/domain"
)

const snapshotColumns = `id, item_id, checked_at, product_name, price_cents, in_stock, stock_state, extraction_method, confidence, evidence_json, content_hash`

// SnapshotRepository handles price-snapshot database operations.
// Snapshots are append-only; there is no update path.
type SnapshotRepository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewSnapshotRepository creates a new snapshot repository.
func NewSnapshotRepository(db *sql.DB, log zerolog.Logger) *SnapshotRepository {
	return &SnapshotRepository{
		db:  db,
		log: log.With().Str("repo", "snapshot").Logger(),
	}
}

// Create inserts a snapshot from an extraction result.
func (r *SnapshotRepository) Create(itemID string, result domain.ExtractResult, evidenceJSON string) (*domain.PriceSnapshot, error) {
	snapshot := domain.PriceSnapshot{
		ID:               uuid.New().String(),
		ItemID:           itemID,
		CheckedAt:        time.Now().UTC(),
		ProductName:      result.ProductName,
		PriceCents:       result.PriceCents,
		InStock:          result.InStock,
		StockState:       result.StockState,
		ExtractionMethod: result.Method,
		Confidence:       result.Confidence,
		EvidenceJSON:     evidenceJSON,
		ContentHash:      result.ContentHash,
	}

	query := `
		INSERT INTO price_snapshots
		(id, item_id, checked_at, product_name, price_cents, in_stock,
		 stock_state, extraction_method, confidence, evidence_json, content_hash)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := r.db.Exec(query,
		snapshot.ID,
		snapshot.ItemID,
		snapshot.CheckedAt.Unix(),
		snapshot.ProductName,
		nullInt64Ptr(snapshot.PriceCents),
		nullBoolPtr(snapshot.InStock),
		string(snapshot.StockState),
		string(snapshot.ExtractionMethod),
		snapshot.Confidence,
		nullString(snapshot.EvidenceJSON),
		nullString(snapshot.ContentHash),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create snapshot: %w", err)
	}

	r.log.Debug().
		Str("item_id", itemID).
		Str("state", string(snapshot.StockState)).
		Msg("Snapshot created")
	return &snapshot, nil
}

// Latest returns the most recent snapshot for an item, or (nil, nil).
func (r *SnapshotRepository) Latest(itemID string) (*domain.PriceSnapshot, error) {
	query := `
		SELECT ` + snapshotColumns + ` FROM price_snapshots
		WHERE item_id = ?
		ORDER BY checked_at DESC, rowid DESC
		LIMIT 1
	`
	snapshot, err := scanSnapshot(r.db.QueryRow(query, itemID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get latest snapshot: %w", err)
	}
	return &snapshot, nil
}

// ListForItem returns an item's snapshot history, newest first.
func (r *SnapshotRepository) ListForItem(itemID string, limit int) ([]domain.PriceSnapshot, error) {
	query := `
		SELECT ` + snapshotColumns + ` FROM price_snapshots
		WHERE item_id = ?
		ORDER BY checked_at DESC, rowid DESC
		LIMIT ?
	`
	return r.querySnapshots(query, itemID, limit)
}

// LatestForHost returns each *other* active item's newest snapshot on a
// host. These feed the AI evidence hints.
func (r *SnapshotRepository) LatestForHost(siteHost, excludeItemID string, limit int) ([]domain.PriceSnapshot, error) {
	query := `
		SELECT ` + qualified(snapshotColumns, "s") + ` FROM price_snapshots s
		JOIN tracked_items i ON i.id = s.item_id
		WHERE i.site_host = ? AND i.active = 1 AND s.item_id != ?
		  AND s.rowid = (
			SELECT s2.rowid FROM price_snapshots s2 WHERE s2.item_id = s.item_id
			ORDER BY s2.checked_at DESC, s2.rowid DESC LIMIT 1
		  )
		ORDER BY s.checked_at DESC
		LIMIT ?
	`
	return r.querySnapshots(query, siteHost, excludeItemID, limit)
}

// PriceHistoryCents returns the item's known prices oldest first, for
// summary statistics. Out-of-stock snapshots (null price) are skipped.
func (r *SnapshotRepository) PriceHistoryCents(itemID string) ([]float64, error) {
	query := `
		SELECT price_cents FROM price_snapshots
		WHERE item_id = ? AND price_cents IS NOT NULL
		ORDER BY checked_at ASC, rowid ASC
	`
	rows, err := r.db.Query(query, itemID)
	if err != nil {
		return nil, fmt.Errorf("failed to query price history: %w", err)
	}
	defer rows.Close()

	var prices []float64
	for rows.Next() {
		var cents int64
		if err := rows.Scan(&cents); err != nil {
			return nil, fmt.Errorf("failed to scan price: %w", err)
		}
		prices = append(prices, float64(cents))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating prices: %w", err)
	}
	return prices, nil
}

func (r *SnapshotRepository) querySnapshots(query string, args ...interface{}) ([]domain.PriceSnapshot, error) {
	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query snapshots: %w", err)
	}
	defer rows.Close()

	var snapshots []domain.PriceSnapshot
	for rows.Next() {
		snapshot, err := scanSnapshot(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan snapshot: %w", err)
		}
		snapshots = append(snapshots, snapshot)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating snapshots: %w", err)
	}
	return snapshots, nil
}

func scanSnapshot(row rowScanner) (domain.PriceSnapshot, error) {
	var s domain.PriceSnapshot
	var checkedAt int64
	var priceCents sql.NullInt64
	var inStock sql.NullBool
	var stockState, method string
	var evidence, hash sql.NullString

	err := row.Scan(&s.ID, &s.ItemID, &checkedAt, &s.ProductName, &priceCents,
		&inStock, &stockState, &method, &s.Confidence, &evidence, &hash)
	if err != nil {
		return domain.PriceSnapshot{}, err
	}

	s.CheckedAt = time.Unix(checkedAt, 0).UTC()
	if priceCents.Valid {
		s.PriceCents = &priceCents.Int64
	}
	if inStock.Valid {
		s.InStock = &inStock.Bool
	}
	s.StockState = domain.StockState(stockState)
	s.ExtractionMethod = domain.ExtractionMethod(method)
	s.EvidenceJSON = evidence.String
	s.ContentHash = hash.String
	return s, nil
}
