package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"kobo_connect/internal/domain"
	"kobo_connect/internal/kobo"
	"kobo_connect/internal/ledger"
	"kobo_connect/internal/service"
	"kobo_connect/internal/target"
	"kobo_connect/pkg/logger"

	"github.com/gin-gonic/gin"
)

// Handler handles HTTP requests
type Handler struct {
	svc      *service.Service
	koboHost string
}

// NewHandler creates a new handler. koboHost names the upstream in /health.
func NewHandler(svc *service.Service, koboHost string) *Handler {
	return &Handler{svc: svc, koboHost: koboHost}
}

// KoboWebhook handles POST /kobo-to-<target>
func (h *Handler) KoboWebhook(targetName string) gin.HandlerFunc {
	return func(c *gin.Context) {
		var raw map[string]interface{}
		if err := c.ShouldBindJSON(&raw); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"detail": "Invalid JSON"})
			return
		}

		testMode, _ := strconv.ParseBool(c.Query("test_mode"))

		resp, err := h.svc.Deliver(c.Request.Context(), service.Delivery{
			Target:    targetName,
			Raw:       raw,
			Headers:   target.NewHeaders(c.Request.Header),
			TestMode:  testMode,
			RequestID: c.GetString(RequestIDKey),
		})
		if err != nil {
			fail(c, err)
			return
		}

		c.JSON(resp.Status, resp.Body)
	}
}

// Health handles GET /health. It answers 200 even when Kobo is down.
func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"kobo-connect": http.StatusOK,
		h.koboHost:     h.svc.ProbeKobo(c.Request.Context()),
	})
}

// CreateKoboHeaders handles POST /create-kobo-headers
func (h *Handler) CreateKoboHeaders(c *gin.Context) {
	req := service.HookRequest{
		System: c.Query("system"),
		Asset:  c.Query("koboassetId"),
		Token:  c.Query("kobotoken"),
		HookID: c.Query("hookId"),
	}
	if req.HookID == "" {
		if err := c.ShouldBindJSON(&req.Headers); err != nil || req.Headers == nil {
			c.JSON(http.StatusBadRequest, gin.H{"detail": "JSON data is required"})
			return
		}
	}

	if err := h.svc.RegisterHook(c.Request.Context(), req); err != nil {
		fail(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "Success"})
}

// GetSubmission handles GET /submissions/:groupId/:id
func (h *Handler) GetSubmission(c *gin.Context) {
	rec, err := h.svc.Submission(c.Request.Context(), c.Param("groupId"), c.Param("id"))
	if errors.Is(err, ledger.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"detail": "Submission not found"})
		return
	}
	if err != nil {
		fail(c, err)
		return
	}

	c.JSON(http.StatusOK, rec)
}

// GetStats handles GET /api/stats
func (h *Handler) GetStats(c *gin.Context) {
	stats, err := h.svc.GetStats(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"detail": err.Error()})
		return
	}

	c.JSON(http.StatusOK, stats)
}

// GetEvents handles GET /api/events
func (h *Handler) GetEvents(c *gin.Context) {
	filter := domain.EventFilter{
		Target:  c.Query("target"),
		Outcome: domain.Outcome(c.Query("status")),
		Limit:   getIntParam(c, "limit", 50),
	}
	if sinceStr := c.Query("since"); sinceStr != "" {
		if since, err := time.Parse(time.RFC3339, sinceStr); err == nil {
			filter.Since = &since
		}
	}

	events, err := h.svc.Events(c.Request.Context(), filter)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"detail": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"count":  len(events),
		"events": events,
	})
}

// fail writes err as {"detail": ...} with the status the service chose.
func fail(c *gin.Context, err error) {
	var svcErr *service.Error
	var koboErr *kobo.StatusError
	switch {
	case errors.As(err, &svcErr):
		c.JSON(svcErr.Status, gin.H{"detail": svcErr.Detail})
	case errors.As(err, &koboErr):
		c.JSON(http.StatusBadGateway, gin.H{"detail": koboErr.Error()})
	default:
		logger.Errorf("unhandled error on %s: %v", c.Request.URL.Path, err)
		c.JSON(http.StatusInternalServerError, gin.H{"detail": err.Error()})
	}
}

func getIntParam(c *gin.Context, key string, defaultValue int) int {
	if value := c.Query(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil && intValue > 0 {
			return intValue
		}
	}
	return defaultValue
}
