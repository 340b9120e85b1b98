package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/gridsentry/gridsentry-audit/internal/models"
	"github.com/gridsentry/gridsentry-audit/internal/services"
	"github.com/gridsentry/gridsentry-audit/internal/store"
	"github.com/gridsentry/gridsentry-audit/internal/utils"
)

// auditTimeout bounds one background audit run.
const auditTimeout = 30 * time.Second

type handlers struct {
	service *services.AuditService
	logger  *slog.Logger
	baseCtx context.Context
}

func newHandlers(service *services.AuditService, logger *slog.Logger, baseCtx context.Context) *handlers {
	if logger == nil {
		logger = slog.Default()
	}
	if baseCtx == nil {
		baseCtx = context.Background()
	}
	return &handlers{service: service, logger: logger, baseCtx: baseCtx}
}

func (h *handlers) register(router *gin.Engine) {
	router.GET("/healthz", h.health)

	v1 := router.Group("/api/v1")
	{
		v1.POST("/readings", h.submitReading)
		v1.GET("/verdicts/:id", h.getVerdict)
		v1.GET("/verdicts", h.listVerdicts)
		v1.POST("/verdicts/:id/action", h.setHumanAction)
		v1.GET("/facilities/:id/patterns", h.facilityPatterns)
		v1.PUT("/facilities/:id/rules", h.upsertFacilityRules)
	}
}

func (h *handlers) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// submitReading accepts one telemetry reading, acknowledges immediately,
// and audits it in the background. Callers poll the verdict endpoints for
// the result.
func (h *handlers) submitReading(c *gin.Context) {
	var reading models.TelemetryRecord
	if err := c.ShouldBindJSON(&reading); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload: " + err.Error()})
		return
	}

	stored, err := h.service.SubmitReading(c.Request.Context(), reading)
	if err != nil {
		if errors.Is(err, services.ErrInvalidReading) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		h.logger.Error("reading ingestion failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to store reading"})
		return
	}

	go h.auditAsync(stored.ID)

	c.JSON(http.StatusAccepted, gin.H{
		"telemetryId": stored.ID,
		"status":      "accepted",
	})
}

func (h *handlers) auditAsync(telemetryID string) {
	ctx, cancel := context.WithTimeout(h.baseCtx, auditTimeout)
	defer cancel()

	if _, err := h.service.ProcessReading(ctx, telemetryID); err != nil {
		h.logger.Error("background audit failed",
			"telemetry_id", telemetryID,
			"error", err)
	}
}

func (h *handlers) getVerdict(c *gin.Context) {
	verdict, err := h.service.GetVerdict(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "verdict not found"})
			return
		}
		h.logger.Error("verdict lookup failed", "verdict_id", c.Param("id"), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load verdict"})
		return
	}
	c.JSON(http.StatusOK, verdict)
}

func (h *handlers) listVerdicts(c *gin.Context) {
	filter := models.VerdictFilter{FacilityID: c.Query("facility")}

	if v := c.Query("severity"); v != "" {
		sev := models.Severity(strings.ToUpper(v))
		if sev != models.SeverityVerified && sev != models.SeverityWarning && sev != models.SeverityAnomaly {
			c.JSON(http.StatusBadRequest, gin.H{"error": "severity must be VERIFIED, WARNING, or ANOMALY"})
			return
		}
		filter.Severity = sev
	}

	since, ok := parseTimeQuery(c, "since")
	if !ok {
		return
	}
	filter.Since = since

	until, ok := parseTimeQuery(c, "until")
	if !ok {
		return
	}
	filter.Until = until

	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a non-negative integer"})
			return
		}
		filter.Limit = n
	}

	verdicts, err := h.service.ListVerdicts(c.Request.Context(), filter)
	if err != nil {
		h.logger.Error("verdict listing failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list verdicts"})
		return
	}
	if verdicts == nil {
		verdicts = []models.AuditVerdict{}
	}

	c.JSON(http.StatusOK, gin.H{
		"verdicts": verdicts,
		"count":    len(verdicts),
	})
}

type actionRequest struct {
	Action string `json:"action" binding:"required"`
}

func (h *handlers) setHumanAction(c *gin.Context) {
	var req actionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload: action is required"})
		return
	}

	verdictID := c.Param("id")
	action := models.HumanAction(strings.ToUpper(strings.TrimSpace(req.Action)))

	err := h.service.SetHumanAction(c.Request.Context(), verdictID, action)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"verdictId": verdictID, "action": string(action)})
	case errors.Is(err, services.ErrInvalidAction):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "action must be APPROVED or FLAGGED"})
	case errors.Is(err, store.ErrActionAlreadySet):
		c.JSON(http.StatusConflict, gin.H{"error": "action already recorded"})
	case errors.Is(err, store.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "verdict not found"})
	default:
		h.logger.Error("human action failed", "verdict_id", verdictID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to record action"})
	}
}

func (h *handlers) facilityPatterns(c *gin.Context) {
	facilityID := c.Param("id")

	patterns, err := h.service.FacilityPatterns(c.Request.Context(), facilityID)
	if err != nil {
		h.logger.Error("pattern mining failed", "facility_id", facilityID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to mine patterns"})
		return
	}
	if patterns == nil {
		patterns = []models.FlagPattern{}
	}

	c.JSON(http.StatusOK, gin.H{
		"facilityId": facilityID,
		"patterns":   patterns,
	})
}

type facilityRulesRequest struct {
	MaxLoadKwh              float64         `json:"maxLoadKwh"`
	BaselineCarbonIntensity float64         `json:"baselineCarbonIntensity"`
	Location                models.Location `json:"location"`
}

func (h *handlers) upsertFacilityRules(c *gin.Context) {
	var req facilityRulesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload: " + err.Error()})
		return
	}

	rules := models.FacilityRules{
		FacilityID:              c.Param("id"),
		MaxLoadKwh:              req.MaxLoadKwh,
		BaselineCarbonIntensity: req.BaselineCarbonIntensity,
		Location:                req.Location,
		UpdatedAt:               time.Now().UTC(),
	}
	if err := h.service.UpsertFacilityRules(c.Request.Context(), rules); err != nil {
		if errors.Is(err, services.ErrInvalidRules) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		h.logger.Error("rules upsert failed", "facility_id", rules.FacilityID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to store rules"})
		return
	}

	c.JSON(http.StatusOK, rules)
}

func parseTimeQuery(c *gin.Context, name string) (time.Time, bool) {
	v := c.Query(name)
	if v == "" {
		return time.Time{}, true
	}
	t, err := utils.ParseRFC3339(v)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": name + " must be an RFC3339 timestamp"})
		return time.Time{}, false
	}
	return t, true
}
