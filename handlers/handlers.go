package handlers

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/0xAidan/polymarket-bot-test-sub001/models"
	"github.com/0xAidan/polymarket-bot-test-sub001/syncer"
)

// Handler exposes the running engine over HTTP: feed health, pipeline
// counters, source management, and the mirror planning/execution flow.
type Handler struct {
	engine *syncer.Engine
	log    *zap.SugaredLogger
}

// NewHandler creates a new handler around a started engine.
func NewHandler(engine *syncer.Engine, log *zap.SugaredLogger) *Handler {
	return &Handler{
		engine: engine,
		log:    log,
	}
}

// GetStatus returns feed health for both channels.
func (h *Handler) GetStatus(c *gin.Context) {
	status := h.engine.FeedStatus()
	c.JSON(http.StatusOK, gin.H{
		"push_connected":  status.PushConnected,
		"push_disabled":   status.PushDisabled,
		"push_reconnects": status.PushReconnects,
		"last_push_event": status.LastPushEvent,
		"last_poll_at":    status.LastPollAt,
		"poll_errors":     status.PollErrors,
	})
}

// GetMetrics returns the pipeline counters.
func (h *Handler) GetMetrics(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"metrics": h.engine.Metrics(),
	})
}

// GetSources lists tracked sources. Pass active=true to hide inactive ones.
func (h *Handler) GetSources(c *gin.Context) {
	activeOnly := strings.EqualFold(c.Query("active"), "true") || c.Query("active") == "1"

	sources, err := h.engine.ListSources(c.Request.Context(), activeOnly)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load sources"})
		return
	}

	type sourceView struct {
		models.TrackedSource
		Halted       bool   `json:"halted"`
		HaltedReason string `json:"halted_reason,omitempty"`
	}
	views := make([]sourceView, 0, len(sources))
	for _, src := range sources {
		reason, halted := h.engine.SourceDisabled(src.Address)
		views = append(views, sourceView{TrackedSource: src, Halted: halted, HaltedReason: reason})
	}

	c.JSON(http.StatusOK, gin.H{
		"sources": views,
		"count":   len(views),
	})
}

// AddSource registers an address for replication. Settings are optional;
// omitted fields fall back to the defaults.
func (h *Handler) AddSource(c *gin.Context) {
	var req struct {
		Address  string                 `json:"address" binding:"required"`
		Label    string                 `json:"label"`
		Settings *models.SourceSettings `json:"settings"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "address required"})
		return
	}

	settings := models.DefaultSourceSettings()
	if req.Settings != nil {
		settings = *req.Settings
	}
	now := time.Now().UTC()
	src := models.TrackedSource{
		Address:   strings.ToLower(strings.TrimSpace(req.Address)),
		Label:     req.Label,
		Active:    true,
		Settings:  settings,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := h.engine.TrackSource(c.Request.Context(), src); err != nil {
		h.log.Errorw("failed to track source", "address", src.Address, "err", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to save source"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"source": src})
}

// SetSourceActive toggles replication for a source.
func (h *Handler) SetSourceActive(c *gin.Context) {
	address := c.Param("id")
	if address == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "source address required"})
		return
	}

	var req struct {
		Active *bool `json:"active" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.Active == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "active flag required"})
		return
	}

	if err := h.engine.SetSourceActive(c.Request.Context(), strings.ToLower(address), *req.Active); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to update source"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"address": strings.ToLower(address), "active": *req.Active})
}

// GetExecutions returns recent execution results for a source.
func (h *Handler) GetExecutions(c *gin.Context) {
	address := c.Param("id")
	if address == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "source address required"})
		return
	}

	limit := 100
	if limitStr := c.Query("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 {
			limit = l
		}
	}

	results, err := h.engine.ExecutionHistory(c.Request.Context(), strings.ToLower(address), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load executions"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"executions": results,
		"count":      len(results),
	})
}

// GetRateWindow returns the source's current hourly and daily counters.
func (h *Handler) GetRateWindow(c *gin.Context) {
	address := c.Param("id")
	if address == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "source address required"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"window": h.engine.RateWindow(strings.ToLower(address)),
	})
}

// ClearNoRepeat drops a source's executed-position ledger so previously
// replicated markets become eligible again.
func (h *Handler) ClearNoRepeat(c *gin.Context) {
	address := c.Param("id")
	if address == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "source address required"})
		return
	}

	if err := h.engine.ClearNoRepeatLedger(c.Request.Context(), strings.ToLower(address)); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to clear no-repeat ledger"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"cleared": strings.ToLower(address)})
}

// PlanMirror computes a batch reconciliation plan for one source. Nothing
// is executed; the client edits the leg selection and posts it back to
// ExecuteMirror.
func (h *Handler) PlanMirror(c *gin.Context) {
	address := c.Param("id")
	if address == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "source address required"})
		return
	}

	trades, err := h.engine.Mirror().Plan(c.Request.Context(), strings.ToLower(address))
	if err != nil {
		h.log.Errorw("mirror plan failed", "address", address, "err", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to build mirror plan"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"trades": trades,
		"count":  len(trades),
	})
}

// ExecuteMirror runs the posted legs: sells first, then buys budgeted
// against the refreshed balance.
func (h *Handler) ExecuteMirror(c *gin.Context) {
	address := c.Param("id")
	if address == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "source address required"})
		return
	}

	var req struct {
		Trades          []models.MirrorTrade `json:"trades" binding:"required"`
		SlippagePercent float64              `json:"slippage_percent"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "trades required"})
		return
	}
	if req.SlippagePercent <= 0 {
		req.SlippagePercent = 1.0
	}

	run, err := h.engine.Mirror().Execute(c.Request.Context(), strings.ToLower(address), req.Trades, req.SlippagePercent)
	if err != nil {
		h.log.Errorw("mirror execution failed", "address", address, "err", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "mirror execution failed"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"run": run})
}

// GetMirrorRuns returns recent reconciliation runs for a source.
func (h *Handler) GetMirrorRuns(c *gin.Context) {
	address := c.Param("id")
	if address == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "source address required"})
		return
	}

	limit := 20
	if limitStr := c.Query("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 {
			limit = l
		}
	}

	runs, err := h.engine.MirrorRuns(c.Request.Context(), strings.ToLower(address), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load mirror runs"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"runs":  runs,
		"count": len(runs),
	})
}
