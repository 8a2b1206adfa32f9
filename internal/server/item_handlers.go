package server

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/aristath/pricewatch/internal/domain"
	"github.com/aristath/pricewatch/internal/tracker"
	"github.com/aristath/pricewatch/internal/urlnorm"
)

const (
	defaultListLimit = 100

	// How much history the item detail view carries.
	historyLimit = 30
)

// CheckRunner triggers an immediate check for one item.
type CheckRunner interface {
	RunCheckForItem(ctx context.Context, itemID string) (*domain.CheckResult, error)
}

// ItemHandlers serves the tracked-item API.
type ItemHandlers struct {
	items         *tracker.ItemRepository
	snapshots     *tracker.SnapshotRepository
	runs          *tracker.RunRepository
	notifications *tracker.NotificationRepository
	checker       CheckRunner
	log           zerolog.Logger
}

// NewItemHandlers creates the item handlers.
func NewItemHandlers(items *tracker.ItemRepository, snapshots *tracker.SnapshotRepository, runs *tracker.RunRepository, notifications *tracker.NotificationRepository, checker CheckRunner, log zerolog.Logger) *ItemHandlers {
	return &ItemHandlers{
		items:         items,
		snapshots:     snapshots,
		runs:          runs,
		notifications: notifications,
		checker:       checker,
		log:           log.With().Str("component", "item_handlers").Logger(),
	}
}

type createItemRequest struct {
	URL string `json:"url"`
}

// HandleCreate registers a new tracked item.
// POST /api/items
func (h *ItemHandlers) HandleCreate(w http.ResponseWriter, r *http.Request) {
	var req createItemRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.URL == "" {
		writeError(w, http.StatusBadRequest, "url is required")
		return
	}

	canonical, err := urlnorm.Canonicalize(req.URL)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	host, err := urlnorm.Host(canonical)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	item, err := h.items.Create(req.URL, canonical, host)
	if err != nil {
		if tracker.IsDuplicate(err) {
			// Creation is idempotent: the caller gets the item already
			// tracking this canonical URL.
			existing, lookupErr := h.items.GetActiveByCanonicalURL(canonical)
			if lookupErr != nil || existing == nil {
				h.log.Error().Err(lookupErr).Str("url", canonical).Msg("Failed to resolve duplicate item")
				writeError(w, http.StatusInternalServerError, "failed to create item")
				return
			}
			writeJSON(w, http.StatusOK, map[string]interface{}{
				"itemId":  existing.ID,
				"created": false,
				"item":    existing,
			})
			return
		}
		h.log.Error().Err(err).Str("url", req.URL).Msg("Failed to create item")
		writeError(w, http.StatusInternalServerError, "failed to create item")
		return
	}
	h.log.Info().Str("item_id", item.ID).Str("host", host).Msg("Item created")

	resp := map[string]interface{}{
		"itemId":  item.ID,
		"created": true,
		"item":    item,
	}

	// A first check runs inline so the caller gets an immediate read on
	// the new URL. Its failure never fails the create.
	if initial, err := h.checker.RunCheckForItem(r.Context(), item.ID); err != nil {
		h.log.Warn().Err(err).Str("item_id", item.ID).Msg("Initial check failed")
	} else if initial != nil {
		resp["initialCheck"] = initial
	}

	writeJSON(w, http.StatusCreated, resp)
}

// itemListEntry is one row of the item list: the item plus its most
// recent snapshot, run, and price-change time.
type itemListEntry struct {
	domain.TrackedItem
	LatestSnapshot  *domain.PriceSnapshot `json:"latestSnapshot"`
	LatestRun       *domain.CheckRun      `json:"latestRun"`
	LastPriceChange *time.Time            `json:"lastPriceChange"`
}

// HandleList lists tracked items newest first, each with its latest
// snapshot, latest run, and last price-change time.
// GET /api/items?limit=N
func (h *ItemHandlers) HandleList(w http.ResponseWriter, r *http.Request) {
	items, err := h.items.List(queryLimit(r, defaultListLimit))
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to list items")
		writeError(w, http.StatusInternalServerError, "failed to list items")
		return
	}

	entries := make([]itemListEntry, 0, len(items))
	for _, item := range items {
		entry := itemListEntry{TrackedItem: item}

		if entry.LatestSnapshot, err = h.snapshots.Latest(item.ID); err != nil {
			h.log.Warn().Err(err).Str("item_id", item.ID).Msg("Failed to load latest snapshot")
		}
		if runs, err := h.runs.ListForItem(item.ID, 1); err != nil {
			h.log.Warn().Err(err).Str("item_id", item.ID).Msg("Failed to load latest run")
		} else if len(runs) > 0 {
			entry.LatestRun = &runs[0]
		}
		if n, err := h.notifications.LatestEvent(item.ID, domain.EventPriceChanged); err != nil {
			h.log.Warn().Err(err).Str("item_id", item.ID).Msg("Failed to load last price change")
		} else if n != nil {
			entry.LastPriceChange = &n.CreatedAt
		}

		entries = append(entries, entry)
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"items": entries})
}

// HandleGet returns the full item detail: recent snapshots, runs,
// notifications, and price statistics.
// GET /api/items/{id}
func (h *ItemHandlers) HandleGet(w http.ResponseWriter, r *http.Request) {
	item, ok := h.loadItem(w, r)
	if !ok {
		return
	}

	snapshots, err := h.snapshots.ListForItem(item.ID, historyLimit)
	if err != nil {
		h.log.Error().Err(err).Str("item_id", item.ID).Msg("Failed to load snapshots")
		writeError(w, http.StatusInternalServerError, "failed to load item detail")
		return
	}
	runs, err := h.runs.ListForItem(item.ID, historyLimit)
	if err != nil {
		h.log.Error().Err(err).Str("item_id", item.ID).Msg("Failed to load runs")
		writeError(w, http.StatusInternalServerError, "failed to load item detail")
		return
	}
	notifications, err := h.notifications.ListForItem(item.ID, historyLimit)
	if err != nil {
		h.log.Error().Err(err).Str("item_id", item.ID).Msg("Failed to load notifications")
		writeError(w, http.StatusInternalServerError, "failed to load item detail")
		return
	}
	prices, err := h.snapshots.PriceHistoryCents(item.ID)
	if err != nil {
		h.log.Error().Err(err).Str("item_id", item.ID).Msg("Failed to load price history")
		writeError(w, http.StatusInternalServerError, "failed to load item detail")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"item":          item,
		"snapshots":     snapshots,
		"runs":          runs,
		"notifications": notifications,
		"priceStats":    computePriceStats(prices),
	})
}

// HandleRetire deactivates an item. History is kept.
// DELETE /api/items/{id}
func (h *ItemHandlers) HandleRetire(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	retired, err := h.items.Retire(id)
	if err != nil {
		h.log.Error().Err(err).Str("item_id", id).Msg("Failed to retire item")
		writeError(w, http.StatusInternalServerError, "failed to retire item")
		return
	}
	if !retired {
		writeError(w, http.StatusNotFound, "no active item with that id")
		return
	}

	h.log.Info().Str("item_id", id).Msg("Item retired")
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// HandleCheck runs the extraction cascade for one item inline.
// POST /api/items/{id}/check
func (h *ItemHandlers) HandleCheck(w http.ResponseWriter, r *http.Request) {
	item, ok := h.loadItem(w, r)
	if !ok {
		return
	}

	result, err := h.checker.RunCheckForItem(r.Context(), item.ID)
	if err != nil {
		h.log.Error().Err(err).Str("item_id", item.ID).Msg("Manual check failed to start")
		writeError(w, http.StatusInternalServerError, "check failed to start")
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// HandleSnapshots returns price history newest first.
// GET /api/items/{id}/snapshots?limit=N
func (h *ItemHandlers) HandleSnapshots(w http.ResponseWriter, r *http.Request) {
	item, ok := h.loadItem(w, r)
	if !ok {
		return
	}

	snapshots, err := h.snapshots.ListForItem(item.ID, queryLimit(r, defaultListLimit))
	if err != nil {
		h.log.Error().Err(err).Str("item_id", item.ID).Msg("Failed to list snapshots")
		writeError(w, http.StatusInternalServerError, "failed to list snapshots")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"snapshots": snapshots})
}

// HandleRuns returns check runs newest first.
// GET /api/items/{id}/runs?limit=N
func (h *ItemHandlers) HandleRuns(w http.ResponseWriter, r *http.Request) {
	item, ok := h.loadItem(w, r)
	if !ok {
		return
	}

	runs, err := h.runs.ListForItem(item.ID, queryLimit(r, defaultListLimit))
	if err != nil {
		h.log.Error().Err(err).Str("item_id", item.ID).Msg("Failed to list runs")
		writeError(w, http.StatusInternalServerError, "failed to list runs")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"runs": runs})
}

type priceStats struct {
	Samples     int     `json:"samples"`
	MinCents    int64   `json:"minCents"`
	MaxCents    int64   `json:"maxCents"`
	MeanCents   float64 `json:"meanCents"`
	MedianCents float64 `json:"medianCents"`
	StdDevCents float64 `json:"stdDevCents"`
}

// HandleStats summarizes the recorded prices of one item.
// GET /api/items/{id}/stats
func (h *ItemHandlers) HandleStats(w http.ResponseWriter, r *http.Request) {
	item, ok := h.loadItem(w, r)
	if !ok {
		return
	}

	prices, err := h.snapshots.PriceHistoryCents(item.ID)
	if err != nil {
		h.log.Error().Err(err).Str("item_id", item.ID).Msg("Failed to load price history")
		writeError(w, http.StatusInternalServerError, "failed to load price history")
		return
	}
	writeJSON(w, http.StatusOK, computePriceStats(prices))
}

// computePriceStats summarizes a price series. An empty series produces
// the zero value.
func computePriceStats(prices []float64) priceStats {
	if len(prices) == 0 {
		return priceStats{}
	}

	sorted := make([]float64, len(prices))
	copy(sorted, prices)
	sort.Float64s(sorted)

	stats := priceStats{
		Samples:     len(prices),
		MinCents:    int64(floats.Min(sorted)),
		MaxCents:    int64(floats.Max(sorted)),
		MeanCents:   stat.Mean(prices, nil),
		MedianCents: stat.Quantile(0.5, stat.Empirical, sorted, nil),
	}
	if len(prices) > 1 {
		stats.StdDevCents = stat.StdDev(prices, nil)
	}
	return stats
}

// loadItem resolves the {id} route parameter, writing the error response
// itself when the item cannot be served.
func (h *ItemHandlers) loadItem(w http.ResponseWriter, r *http.Request) (*domain.TrackedItem, bool) {
	id := chi.URLParam(r, "id")

	item, err := h.items.GetByID(id)
	if err != nil {
		h.log.Error().Err(err).Str("item_id", id).Msg("Failed to load item")
		writeError(w, http.StatusInternalServerError, "failed to load item")
		return nil, false
	}
	if item == nil {
		writeError(w, http.StatusNotFound, "item not found")
		return nil, false
	}
	return item, true
}

func queryLimit(r *http.Request, fallback int) int {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return fallback
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 {
		return fallback
	}
	return limit
}
