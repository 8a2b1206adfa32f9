package server

import (
	"context"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/aristath/pricewatch/internal/checker"
	"github.com/aristath/pricewatch/internal/config"
	"github.com/aristath/pricewatch/internal/database"
	"github.com/aristath/pricewatch/internal/notify"
	"github.com/aristath/pricewatch/internal/reliability"
	"github.com/aristath/pricewatch/internal/tracker"
)

// SweepRunner starts a full sweep of active items.
type SweepRunner interface {
	Sweep(ctx context.Context) (*checker.SweepSummary, error)
}

// BackupService triggers an off-site database backup.
type BackupService interface {
	CreateAndUpload(ctx context.Context) (*reliability.BackupResult, error)
}

// SystemHandlers serves health, status and operational endpoints.
type SystemHandlers struct {
	cfg      *config.Config
	db       *database.DB
	items    *tracker.ItemRepository
	runs     *tracker.RunRepository
	notifier *notify.Notifier
	sweeper  SweepRunner
	backups  BackupService
	log      zerolog.Logger
}

// NewSystemHandlers creates the system handlers. backups may be nil when
// off-site backup is not configured.
func NewSystemHandlers(cfg *config.Config, db *database.DB, items *tracker.ItemRepository, runs *tracker.RunRepository, notifier *notify.Notifier, sweeper SweepRunner, backups BackupService, log zerolog.Logger) *SystemHandlers {
	return &SystemHandlers{
		cfg:      cfg,
		db:       db,
		items:    items,
		runs:     runs,
		notifier: notifier,
		sweeper:  sweeper,
		backups:  backups,
		log:      log.With().Str("component", "system_handlers").Logger(),
	}
}

// HandleHealthz reports liveness including a database round trip.
// GET /healthz
func (h *SystemHandlers) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	if err := h.db.HealthCheck(r.Context()); err != nil {
		h.log.Error().Err(err).Msg("Health check failed")
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "unhealthy",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type systemStatus struct {
	Status           string  `json:"status"`
	Time             string  `json:"time"`
	ActiveItems      int     `json:"activeItems"`
	AISpentTodayUSD  float64 `json:"aiSpentTodayUsd"`
	AIDailyBudgetUSD float64 `json:"aiDailyBudgetUsd"`
	CPUPercent       float64 `json:"cpuPercent"`
	MemoryPercent    float64 `json:"memoryPercent"`
}

// HandleStatus reports tracker and host health.
// GET /api/system/status
func (h *SystemHandlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	now := time.Now().UTC()

	active, err := h.items.CountActive()
	if err != nil {
		h.log.Warn().Err(err).Msg("Failed to count active items")
	}

	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	spent, err := h.runs.AISpendSince(midnight)
	if err != nil {
		h.log.Warn().Err(err).Msg("Failed to compute AI spend")
	}

	cpuPercent, memPercent := h.hostStats()

	writeJSON(w, http.StatusOK, systemStatus{
		Status:           "ok",
		Time:             now.Format(time.RFC3339),
		ActiveItems:      active,
		AISpentTodayUSD:  spent,
		AIDailyBudgetUSD: h.cfg.AIDailyBudgetUSD,
		CPUPercent:       cpuPercent,
		MemoryPercent:    memPercent,
	})
}

// HandleSweep runs a full sweep inline and returns its summary.
// POST /api/system/sweep
func (h *SystemHandlers) HandleSweep(w http.ResponseWriter, r *http.Request) {
	h.log.Info().Msg("Manual sweep triggered")

	summary, err := h.sweeper.Sweep(r.Context())
	if err != nil {
		h.log.Error().Err(err).Msg("Manual sweep failed")
		writeError(w, http.StatusInternalServerError, "sweep failed")
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// HandleBackup uploads a database snapshot to the configured store.
// POST /api/system/backup
func (h *SystemHandlers) HandleBackup(w http.ResponseWriter, r *http.Request) {
	if h.backups == nil {
		writeError(w, http.StatusServiceUnavailable, "off-site backup is not configured")
		return
	}

	result, err := h.backups.CreateAndUpload(r.Context())
	if err != nil {
		h.log.Error().Err(err).Msg("Manual backup failed")
		writeError(w, http.StatusInternalServerError, "backup failed")
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// HandleDiscordTest posts a test message to the configured webhook.
// POST /api/discord/test
func (h *SystemHandlers) HandleDiscordTest(w http.ResponseWriter, r *http.Request) {
	status, err := h.notifier.SendTest(r.Context())
	if err != nil {
		writeJSON(w, http.StatusBadGateway, map[string]interface{}{
			"ok":     false,
			"status": status,
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok":     true,
		"status": status,
	})
}

// hostStats samples CPU and memory usage. The 100ms CPU window keeps the
// status endpoint responsive.
func (h *SystemHandlers) hostStats() (float64, float64) {
	cpuPercent, err := cpu.Percent(100*time.Millisecond, false)
	if err != nil {
		h.log.Warn().Err(err).Msg("Failed to get CPU percentage")
		cpuPercent = []float64{0}
	}

	memStat, err := mem.VirtualMemory()
	if err != nil {
		h.log.Warn().Err(err).Msg("Failed to get memory statistics")
		return cpuAvg(cpuPercent), 0
	}
	return cpuAvg(cpuPercent), memStat.UsedPercent
}

func cpuAvg(samples []float64) float64 {
	if len(samples) == 0 {
		return 0
	}
	return samples[0]
}
