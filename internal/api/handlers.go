package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"binance-signal-engine/internal/btc"
	"binance-signal-engine/internal/database"
	"binance-signal-engine/internal/logging"
	"binance-signal-engine/internal/metrics"
	"binance-signal-engine/internal/scheduler"
	"binance-signal-engine/internal/signal"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

var errBadRequest = errors.New("bad request")

// listQuery parses ?limit=N&since=RFC3339&symbol=S
func listQuery(c *gin.Context) (database.Filter, error) {
	f := database.Filter{Limit: defaultListLimit}
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > maxListLimit {
			return f, errBadRequest
		}
		f.Limit = n
	}
	if raw := c.Query("since"); raw != "" {
		since, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return f, errBadRequest
		}
		f.Since = since.UTC()
	}
	f.Symbol = c.Query("symbol")
	return f, nil
}

// respondError maps store and engine errors onto statuses without leaking internals
func (s *Server) respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, database.ErrNotFound):
		errorResponse(c, http.StatusNotFound, "signal not found")
	case errors.Is(err, database.ErrInvalidTransition):
		errorResponse(c, http.StatusConflict, "signal is already terminal")
	case errors.Is(err, errBadRequest), errors.Is(err, database.ErrInvalidSignal):
		errorResponse(c, http.StatusBadRequest, "invalid request")
	default:
		logging.FromContext(c.Request.Context()).Error("Request failed", "error", err)
		errorResponse(c, http.StatusInternalServerError, "internal error")
	}
}

func (s *Server) listByStatus(c *gin.Context, statuses ...signal.Status) {
	f, err := listQuery(c)
	if err != nil {
		s.respondError(c, err)
		return
	}
	f.Statuses = statuses
	successResponse(c, s.deps.Store.List(c.Request.Context(), f))
}

// handleConfirmed handles GET /signals/confirmed
func (s *Server) handleConfirmed(c *gin.Context) {
	s.listByStatus(c, signal.StatusConfirmed)
}

// handlePending handles GET /signals/pending
func (s *Server) handlePending(c *gin.Context) {
	s.listByStatus(c, signal.StatusPending)
}

// handleRejected handles GET /signals/rejected. Expired signals are listed
// with rejected ones since both end without confirmation.
func (s *Server) handleRejected(c *gin.Context) {
	s.listByStatus(c, signal.StatusRejected, signal.StatusExpired)
}

func (s *Server) handleGetSignal(c *gin.Context) {
	sig, err := s.deps.Store.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	successResponse(c, sig)
}

// handleExpire handles POST /signals/:id/expire
func (s *Server) handleExpire(c *gin.Context) {
	sig, err := s.deps.Engine.Expire(c.Request.Context(), c.Param("id"), signal.OperatorExpired)
	if err != nil {
		s.respondError(c, err)
		return
	}
	logging.FromContext(c.Request.Context()).Info("Signal expired by operator", "signal_id", sig.ID)
	successResponse(c, sig)
}

// BTCMetrics is the body of GET /btc/metrics
type BTCMetrics struct {
	BTC          *btc.Consolidated `json:"btc"`
	BTCError     string            `json:"btc_error,omitempty"`
	Confirmation *metrics.Snapshot `json:"confirmation,omitempty"`
}

// handleBTCMetrics handles GET /btc/metrics. An unavailable BTC analysis is
// reported in the body so the counters are still served.
func (s *Server) handleBTCMetrics(c *gin.Context) {
	var out BTCMetrics
	if s.deps.BTC != nil {
		cur, err := s.deps.BTC.Current(c.Request.Context())
		if err != nil {
			logging.FromContext(c.Request.Context()).Warn("BTC analysis unavailable", "error", err)
			out.BTCError = "btc analysis unavailable"
		} else {
			out.BTC = &cur
		}
	}
	if s.deps.Counters != nil {
		snap := s.deps.Counters.Snapshot()
		out.Confirmation = &snap
	}
	successResponse(c, out)
}

// handleRestart handles POST /system/restart. The restart runs inline; when
// one is already running a follow-up is queued and 202 is returned.
func (s *Server) handleRestart(c *gin.Context) {
	ctx := context.WithoutCancel(c.Request.Context())
	runID, err := s.deps.Jobs.RunNow(ctx, scheduler.JobRestart)
	switch {
	case errors.Is(err, scheduler.ErrJobRunning):
		successResponseWithStatus(c, http.StatusAccepted, gin.H{"status": "queued"})
	case err != nil:
		logging.FromContext(c.Request.Context()).Error("Manual restart failed", "run_id", runID, "error", err)
		errorResponse(c, http.StatusInternalServerError, "restart failed, see job log for run "+runID)
	default:
		successResponse(c, gin.H{"status": "completed", "run_id": runID})
	}
}

// handleJobs handles GET /system/jobs?job=NAME&limit=N
func (s *Server) handleJobs(c *gin.Context) {
	limit := 100
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > maxListLimit {
			s.respondError(c, errBadRequest)
			return
		}
		limit = n
	}
	evs, err := s.deps.Store.ListSchedulerEvents(c.Request.Context(), c.Query("job"), limit)
	if err != nil {
		s.respondError(c, err)
		return
	}
	successResponse(c, gin.H{
		"jobs":   s.deps.Jobs.Status(),
		"events": evs,
	})
}

func (s *Server) handleHealth(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	now := s.deps.Clock.Now()
	body := gin.H{
		"status":     "healthy",
		"database":   "healthy",
		"uptime":     now.Sub(s.started).Round(time.Second).String(),
		"ws_clients": s.hub.GetClientCount(),
	}
	if err := s.deps.Store.Ping(ctx); err != nil {
		body["status"] = "unhealthy"
		body["database"] = "unhealthy"
		c.JSON(http.StatusServiceUnavailable, body)
		return
	}
	c.JSON(http.StatusOK, body)
}
