// Package api serves the operations endpoints: cycle reports, stored
// listings and decisions, purchase attempts and the live notification stream.
package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"ticket-monitor/guard"
	"ticket-monitor/models"
	"ticket-monitor/notify"
	"ticket-monitor/queue"
	"ticket-monitor/services"
	"ticket-monitor/storage"
	"ticket-monitor/utils"
)

const defaultLimit = 100

// Cycles is the pipeline surface the API needs.
type Cycles interface {
	Latest() *models.CycleReport
	CycleJob(priority int) queue.Job
}

// Retrier restarts terminal purchase attempts and releases the ones held
// for manual review.
type Retrier interface {
	Retry(ctx context.Context, attemptID string) (*models.PurchaseAttempt, error)
	Approve(ctx context.Context, attemptID, approver string) (*models.PurchaseAttempt, error)
}

// JobQueue accepts jobs and reports per-queue counters.
type JobQueue interface {
	queue.Queue
	Stats() map[string]queue.Stats
}

// Deps are what the handlers read from. Hub and Recent may be nil.
type Deps struct {
	Repo     storage.Repository
	Cycles   Cycles
	Queue    JobQueue
	Retrier  Retrier
	Breakers *guard.BreakerSet
	Hub      http.Handler
	Recent   *notify.Ring
}

// Handler holds the API's collaborators.
type Handler struct {
	deps   Deps
	logger *utils.Logger
}

// NewRouter builds the gin engine with every route registered.
func NewRouter(deps Deps, logger *utils.Logger) *gin.Engine {
	h := &Handler{deps: deps, logger: logger.With("api")}

	r := gin.New()
	r.Use(gin.Recovery(), h.logRequests)

	r.GET("/health", h.Health)
	if deps.Hub != nil {
		r.GET("/ws", gin.WrapH(deps.Hub))
	}

	v1 := r.Group("/api/v1")
	{
		v1.GET("/cycles/latest", h.LatestCycle)
		v1.POST("/cycles", h.StartCycle)

		v1.GET("/listings", h.ListListings)
		v1.GET("/decisions", h.ListDecisions)

		v1.GET("/purchases", h.ListPurchases)
		v1.GET("/purchases/:id", h.GetPurchase)
		v1.POST("/purchases/:id/retry", h.RetryPurchase)
		v1.POST("/purchases/:id/approve", h.ApprovePurchase)

		v1.GET("/reports/decisions.xlsx", h.DecisionReport)
		v1.GET("/notifications", h.Notifications)
	}
	return r
}

func (h *Handler) logRequests(c *gin.Context) {
	c.Next()
	h.logger.Debug("%s %s -> %d", c.Request.Method, c.Request.URL.Path, c.Writer.Status())
}

// Health reports breaker states and queue counters.
func (h *Handler) Health(c *gin.Context) {
	breakers := gin.H{}
	if h.deps.Breakers != nil {
		for id, s := range h.deps.Breakers.States() {
			breakers[id] = s.String()
		}
	}
	body := gin.H{"status": "ok", "breakers": breakers}
	if h.deps.Queue != nil {
		body["queues"] = h.deps.Queue.Stats()
	}
	c.JSON(http.StatusOK, body)
}

func (h *Handler) LatestCycle(c *gin.Context) {
	r := h.deps.Cycles.Latest()
	if r == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no cycle has finished yet"})
		return
	}
	c.JSON(http.StatusOK, r)
}

// StartCycle queues a scrape cycle ahead of the periodic ones.
func (h *Handler) StartCycle(c *gin.Context) {
	job := h.deps.Cycles.CycleJob(queue.PriorityHigh)
	if err := h.deps.Queue.Submit(job); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, queue.ErrClosed) {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"msg": "cycle queued"})
}

func (h *Handler) ListListings(c *gin.Context) {
	q, ok := h.query(c)
	if !ok {
		return
	}
	listings, err := h.deps.Repo.Listings(c.Request.Context(), q)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"count": len(listings), "listings": listings})
}

func (h *Handler) ListDecisions(c *gin.Context) {
	q, ok := h.query(c)
	if !ok {
		return
	}
	decisions, err := h.deps.Repo.Decisions(c.Request.Context(), q)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"count": len(decisions), "decisions": decisions})
}

func (h *Handler) ListPurchases(c *gin.Context) {
	q, ok := h.query(c)
	if !ok {
		return
	}
	attempts, err := h.deps.Repo.Attempts(c.Request.Context(), q)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"count": len(attempts), "purchases": attempts})
}

func (h *Handler) GetPurchase(c *gin.Context) {
	a, err := h.deps.Repo.FindAttempt(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, a)
}

// RetryPurchase starts a new attempt for a terminal one. A retry that runs
// but does not succeed still answers 200 with the new attempt and its error.
// The chain outlives the request so a dropped client cannot abort a purchase
// the platform is already processing.
func (h *Handler) RetryPurchase(c *gin.Context) {
	ctx := context.WithoutCancel(c.Request.Context())
	a, err := h.deps.Retrier.Retry(ctx, c.Param("id"))
	h.purchaseResult(c, a, err)
}

type approval struct {
	ApprovedBy string `json:"approved_by" binding:"required"`
}

// ApprovePurchase releases a manual_review attempt on behalf of an operator.
func (h *Handler) ApprovePurchase(c *gin.Context) {
	var body approval
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "approved_by is required"})
		return
	}
	ctx := context.WithoutCancel(c.Request.Context())
	a, err := h.deps.Retrier.Approve(ctx, c.Param("id"), body.ApprovedBy)
	h.purchaseResult(c, a, err)
}

func (h *Handler) purchaseResult(c *gin.Context, a *models.PurchaseAttempt, err error) {
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"purchase": a})
	case errors.Is(err, storage.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, services.ErrAlreadyPurchased), errors.Is(err, services.ErrNotTerminal),
		errors.Is(err, services.ErrAttemptActive), errors.Is(err, services.ErrNotInReview):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case a != nil:
		c.JSON(http.StatusOK, gin.H{"purchase": a, "error": err.Error()})
	default:
		h.fail(c, err)
	}
}

// DecisionReport streams the most recent decisions as an XLSX workbook.
func (h *Handler) DecisionReport(c *gin.Context) {
	q, ok := h.query(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	decisions, err := h.deps.Repo.Decisions(ctx, q)
	if err != nil {
		h.fail(c, err)
		return
	}
	listings := make(map[string]models.CanonicalListing, len(decisions))
	for _, d := range decisions {
		if _, ok := listings[d.CanonicalListingID]; ok {
			continue
		}
		l, err := h.deps.Repo.FindListing(ctx, d.CanonicalListingID)
		switch {
		case errors.Is(err, storage.ErrNotFound):
			continue
		case err != nil:
			h.fail(c, err)
			return
		}
		listings[d.CanonicalListingID] = l
	}

	c.Header("Content-Disposition", `attachment; filename="decisions.xlsx"`)
	c.Header("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	c.Status(http.StatusOK)
	if err := storage.WriteDecisionReport(c.Writer, decisions, listings); err != nil {
		h.logger.Error("decision report: %v", err)
	}
}

func (h *Handler) Notifications(c *gin.Context) {
	if h.deps.Recent == nil {
		c.JSON(http.StatusOK, gin.H{"notifications": []notify.Event{}})
		return
	}
	c.JSON(http.StatusOK, gin.H{"notifications": h.deps.Recent.Recent()})
}

// query reads the shared list filters, answering 400 itself on bad input.
func (h *Handler) query(c *gin.Context) (storage.Query, bool) {
	q := storage.Query{
		CycleID: c.Query("cycle_id"),
		UserID:  c.Query("user_id"),
		Tier:    models.Tier(c.Query("tier")),
		Limit:   defaultLimit,
	}
	switch q.Tier {
	case "", models.TierAutoPurchase, models.TierRecommend, models.TierIgnore:
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown tier " + strconv.Quote(string(q.Tier))})
		return q, false
	}
	if s := c.Query("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return q, false
		}
		q.Limit = n
	}
	return q, true
}

func (h *Handler) fail(c *gin.Context, err error) {
	if errors.Is(err, storage.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	h.logger.Error("%s %s: %v", c.Request.Method, c.Request.URL.Path, err)
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
}
