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

const runColumns = `id, item_id, started_at, finished_at, status, error_code, error_message, used_playwright, used_ai, token_input, token_output, estimated_cost_usd`

// RunRepository handles check-run database operations.
type RunRepository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewRunRepository creates a new check-run repository.
func NewRunRepository(db *sql.DB, log zerolog.Logger) *RunRepository {
	return &RunRepository{
		db:  db,
		log: log.With().Str("repo", "check_run").Logger(),
	}
}

// Create inserts a run row with status FAILED. The row is a durable
// sentinel: a crash mid-check leaves an honest failure record behind.
func (r *RunRepository) Create(itemID string) (*domain.CheckRun, error) {
	run := domain.CheckRun{
		ID:        uuid.New().String(),
		ItemID:    itemID,
		StartedAt: time.Now().UTC(),
		Status:    domain.RunFailed,
	}

	query := `
		INSERT INTO check_runs (id, item_id, started_at, status)
		VALUES (?, ?, ?, ?)
	`
	_, err := r.db.Exec(query, run.ID, run.ItemID, run.StartedAt.Unix(), string(run.Status))
	if err != nil {
		return nil, fmt.Errorf("failed to create check run: %w", err)
	}
	return &run, nil
}

// Finalize promotes the sentinel row to its terminal state.
func (r *RunRepository) Finalize(run *domain.CheckRun) error {
	now := time.Now().UTC()
	run.FinishedAt = &now

	query := `
		UPDATE check_runs
		SET finished_at = ?, status = ?, error_code = ?, error_message = ?,
		    used_playwright = ?, used_ai = ?, token_input = ?, token_output = ?,
		    estimated_cost_usd = ?
		WHERE id = ?
	`
	_, err := r.db.Exec(query,
		now.Unix(),
		string(run.Status),
		nullString(run.ErrorCode),
		nullString(run.ErrorMessage),
		boolToInt(run.UsedPlaywright),
		boolToInt(run.UsedAI),
		run.TokenInput,
		run.TokenOutput,
		run.EstimatedCostUSD,
		run.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to finalize check run: %w", err)
	}
	return nil
}

// AISpendSince aggregates the estimated AI cost of runs started at or
// after the cutoff. This read-time aggregation is the budget counter;
// there is no in-memory state to drift.
func (r *RunRepository) AISpendSince(cutoff time.Time) (float64, error) {
	query := `
		SELECT COALESCE(SUM(estimated_cost_usd), 0) FROM check_runs
		WHERE started_at >= ? AND used_ai = 1
	`
	var spend float64
	err := r.db.QueryRow(query, cutoff.Unix()).Scan(&spend)
	if err != nil {
		return 0, fmt.Errorf("failed to aggregate AI spend: %w", err)
	}
	return spend, nil
}

// GetByID retrieves a run by ID. Returns (nil, nil) when absent.
func (r *RunRepository) GetByID(id string) (*domain.CheckRun, error) {
	query := "SELECT " + runColumns + " FROM check_runs WHERE id = ?"

	run, err := scanRun(r.db.QueryRow(query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get check run: %w", err)
	}
	return &run, nil
}

// ListForItem returns an item's run history, newest first.
func (r *RunRepository) ListForItem(itemID string, limit int) ([]domain.CheckRun, error) {
	query := `
		SELECT ` + runColumns + ` FROM check_runs
		WHERE item_id = ?
		ORDER BY started_at DESC
		LIMIT ?
	`
	return r.queryRuns(query, itemID, limit)
}

// ListRecent returns the latest runs across all items.
func (r *RunRepository) ListRecent(limit int) ([]domain.CheckRun, error) {
	query := `
		SELECT ` + runColumns + ` FROM check_runs
		ORDER BY started_at DESC
		LIMIT ?
	`
	return r.queryRuns(query, limit)
}

func (r *RunRepository) queryRuns(query string, args ...interface{}) ([]domain.CheckRun, error) {
	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query check runs: %w", err)
	}
	defer rows.Close()

	var runs []domain.CheckRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan check run: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating check runs: %w", err)
	}
	return runs, nil
}

func scanRun(row rowScanner) (domain.CheckRun, error) {
	var run domain.CheckRun
	var startedAt int64
	var finishedAt, tokenInput, tokenOutput sql.NullInt64
	var status string
	var errorCode, errorMessage sql.NullString
	var usedPlaywright, usedAI int
	var cost sql.NullFloat64

	err := row.Scan(&run.ID, &run.ItemID, &startedAt, &finishedAt, &status,
		&errorCode, &errorMessage, &usedPlaywright, &usedAI,
		&tokenInput, &tokenOutput, &cost)
	if err != nil {
		return domain.CheckRun{}, err
	}

	run.StartedAt = time.Unix(startedAt, 0).UTC()
	if finishedAt.Valid {
		t := time.Unix(finishedAt.Int64, 0).UTC()
		run.FinishedAt = &t
	}
	run.Status = domain.RunStatus(status)
	run.ErrorCode = errorCode.String
	run.ErrorMessage = errorMessage.String
	run.UsedPlaywright = usedPlaywright != 0
	run.UsedAI = usedAI != 0
	run.TokenInput = tokenInput.Int64
	run.TokenOutput = tokenOutput.Int64
	run.EstimatedCostUSD = cost.Float64
	return run, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
