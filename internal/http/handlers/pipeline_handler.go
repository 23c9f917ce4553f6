// Pipeline HTTP handlers.
//
// This file exposes the operational REST surface of the publishing pipeline:
//   - POST /queue                 (enqueue a URL)
//   - GET  /status                (queue depth, limiter, breaker, digest view)
//   - POST /publishing/enable     (resume the scheduler)
//   - POST /publishing/disable    (pause the scheduler)
//   - POST /digest/flush          (force a digest on the next tick)
//   - GET  /history               (publication archive, paginated)
//
// Handlers are transport-thin: they validate input, call application services,
// and translate results into HTTP responses. None of them mutates publishing
// state directly; everything flows through the services and the guarded state
// machine underneath.
package handlers

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-publisher-backend/internal/domain"
	"github.com/tbourn/go-publisher-backend/internal/services"
	"github.com/tbourn/go-publisher-backend/internal/utils"
)

//
// Service contracts (context-aware)
//

// QueueService defines queue admission operations consumed by HTTP handlers.
//
// Implementations should be safe for concurrent use and must honor the
// provided context for cancellation and timeouts.
type QueueService interface {
	// EnqueueURL admits one URL with a priority and optional earliest
	// publication time. Duplicates surface as services.ErrDuplicate.
	EnqueueURL(ctx context.Context, url string, priority int, scheduledTime *time.Time) (*domain.QueueEntry, error)
}

// ControlService defines the scheduler control operations.
type ControlService interface {
	// PipelineStatus assembles the aggregate pipeline view.
	PipelineStatus(ctx context.Context) (services.Status, error)
	// SetAutoPublish flips the persistent operator toggle.
	SetAutoPublish(ctx context.Context, enabled bool) error
	// ArmDigest forces a digest on the next scheduler tick.
	ArmDigest(ctx context.Context) error
}

// HistoryService defines read access to the publication archive.
type HistoryService interface {
	// ListPage returns a page of history records plus the total count.
	ListPage(ctx context.Context, page, pageSize int) ([]domain.HistoryRecord, int64, error)
}

//
// Handler wiring
//

// Handlers groups the HTTP endpoints of the operational API. It depends on
// abstract service interfaces to keep transport concerns separate from
// business logic.
type Handlers struct {
	queueSvc   QueueService
	controlSvc ControlService
	historySvc HistoryService
}

// New constructs a Handlers instance bound to the given services.
func New(queueSvc QueueService, controlSvc ControlService, historySvc HistoryService) *Handlers {
	return &Handlers{queueSvc: queueSvc, controlSvc: controlSvc, historySvc: historySvc}
}

//
// DTOs
//

// EnqueueRequest is the JSON payload for submitting a URL to the queue.
type EnqueueRequest struct {
	// URL is the raw item reference; it is normalized server-side.
	URL string `json:"url" binding:"required"`
	// Priority orders claims; higher first. Defaults to 0.
	Priority int `json:"priority"`
	// ScheduledTime optionally defers eligibility (RFC 3339).
	ScheduledTime *time.Time `json:"scheduled_time,omitempty"`
}

// EnqueueResponse echoes the stored entry identity back to the caller.
type EnqueueResponse struct {
	ID            string `json:"id"`
	NormalizedURL string `json:"normalized_url"`
	ProductKey    string `json:"product_key"`
}

// Pagination carries pagination metadata for list responses.
type Pagination struct {
	Page       int   `json:"page"`
	PageSize   int   `json:"page_size"`
	Total      int64 `json:"total"`
	TotalPages int   `json:"total_pages"`
}

// HistoryListResponse is the paginated history envelope.
type HistoryListResponse struct {
	Data       []domain.HistoryRecord `json:"data"`
	Pagination Pagination             `json:"pagination"`
}

//
// Endpoints
//

// Enqueue handles POST /queue. A duplicate submission is reported with 409
// and code "duplicate"; nothing is persisted in that case, matching the
// treat-duplicates-as-no-op policy of the pipeline.
func (h *Handlers) Enqueue(c *gin.Context) {
	var req EnqueueRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid request body")
		return
	}

	entry, err := h.queueSvc.EnqueueURL(c.Request.Context(), req.URL, req.Priority, req.ScheduledTime)
	switch {
	case errors.Is(err, services.ErrInvalidURL):
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "url is empty or malformed")
		return
	case errors.Is(err, services.ErrDuplicate):
		fail(c, http.StatusConflict, ErrCodeDuplicate, "item already queued or published")
		return
	case err != nil:
		fail(c, http.StatusInternalServerError, ErrCodeEnqueueFailed, "could not enqueue item")
		return
	}

	ok(c, http.StatusCreated, EnqueueResponse{
		ID:            entry.ID,
		NormalizedURL: entry.NormalizedURL,
		ProductKey:    entry.ProductKey,
	})
}

// Status handles GET /status.
func (h *Handlers) Status(c *gin.Context) {
	st, err := h.controlSvc.PipelineStatus(c.Request.Context())
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeStatusFailed, "could not assemble pipeline status")
		return
	}
	ok(c, http.StatusOK, st)
}

// EnablePublishing handles POST /publishing/enable.
func (h *Handlers) EnablePublishing(c *gin.Context) {
	if err := h.controlSvc.SetAutoPublish(c.Request.Context(), true); err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeInternal, "could not enable publishing")
		return
	}
	noContent(c)
}

// DisablePublishing handles POST /publishing/disable.
func (h *Handlers) DisablePublishing(c *gin.Context) {
	if err := h.controlSvc.SetAutoPublish(c.Request.Context(), false); err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeInternal, "could not disable publishing")
		return
	}
	noContent(c)
}

// FlushDigest handles POST /digest/flush. The digest itself still runs under
// the scheduler's gates and minimum batch size on the next tick.
func (h *Handlers) FlushDigest(c *gin.Context) {
	if err := h.controlSvc.ArmDigest(c.Request.Context()); err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeInternal, "could not arm digest flush")
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "armed"})
}

// ListHistory handles GET /history with ?page= and ?page_size=.
func (h *Handlers) ListHistory(c *gin.Context) {
	page := utils.AtoiDefault(c.Query("page"), 1)
	pageSize := utils.AtoiDefault(c.Query("page_size"), 20)
	page, pageSize = utils.ClampPage(page, pageSize, 20, 100)

	records, total, err := h.historySvc.ListPage(c.Request.Context(), page, pageSize)
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeListFailed, "could not list history")
		return
	}
	if records == nil {
		records = []domain.HistoryRecord{}
	}

	ok(c, http.StatusOK, HistoryListResponse{
		Data: records,
		Pagination: Pagination{
			Page:       page,
			PageSize:   pageSize,
			Total:      total,
			TotalPages: utils.TotalPages(total, pageSize),
		},
	})
}
