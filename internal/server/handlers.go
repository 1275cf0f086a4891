package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/ifuryst/tideline/internal/models"
	"github.com/ifuryst/tideline/internal/monitoring"
	"github.com/ifuryst/tideline/internal/schedule"
	"github.com/ifuryst/tideline/internal/store"
)

// userHeader carries the operator identity set by the fronting proxy.
const userHeader = "X-User"

const (
	defaultListLimit = 100
	maxListLimit     = 1000
)

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"time":   time.Now().Unix(),
	})
}

func (s *Server) handleBulkSchedule(c *gin.Context) {
	var req schedule.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		s.fail(c, http.StatusBadRequest, "InvalidRequest", "invalid request body: "+err.Error())
		return
	}

	res, err := s.Workflow.BulkSchedule(c.Request.Context(), req, c.GetHeader(userHeader))
	if err != nil {
		s.failWith(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success":   true,
		"scheduled": res.Scheduled,
		"batch_id":  res.BatchID,
		"ids":       res.IDs,
	})
}

func (s *Server) handleListScheduled(c *gin.Context) {
	var f store.Filter

	if v := c.Query("status"); v != "" {
		status, ok := models.ParsePublicStatus(v)
		if !ok {
			s.fail(c, http.StatusBadRequest, "InvalidStatus", "unknown status "+strconv.Quote(v))
			return
		}
		f.Status = status
	}
	if v := c.Query("action"); v != "" {
		action := models.Action(v)
		if !action.Valid() {
			s.fail(c, http.StatusBadRequest, string(schedule.CodeInvalidAction), "unknown action "+strconv.Quote(v))
			return
		}
		f.Action = action
	}
	f.ContentID = c.Query("content_id")
	f.BatchID = c.Query("batch_id")

	var ok bool
	if f.Limit, ok = s.intQuery(c, "limit", defaultListLimit); !ok {
		return
	}
	if f.Offset, ok = s.intQuery(c, "offset", 0); !ok {
		return
	}
	f.Limit = min(f.Limit, maxListLimit)

	actions, err := s.Workflow.List(c.Request.Context(), f)
	if err != nil {
		s.failWith(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success":   true,
		"scheduled": actions,
		"count":     len(actions),
	})
}

func (s *Server) handleGetScheduled(c *gin.Context) {
	id, ok := s.idParam(c)
	if !ok {
		return
	}

	action, err := s.Workflow.Get(c.Request.Context(), id)
	if err != nil {
		s.failWith(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true, "scheduled": action})
}

func (s *Server) handleCancelScheduled(c *gin.Context) {
	id, ok := s.idParam(c)
	if !ok {
		return
	}

	action, err := s.Workflow.Cancel(c.Request.Context(), id, c.GetHeader(userHeader))
	if err != nil {
		s.failWith(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true, "scheduled": action})
}

// handleRunPending runs on the server scope: a client hanging up must not
// abandon executions mid-pass.
func (s *Server) handleRunPending(c *gin.Context) {
	report, err := s.Workflow.RunPending(s.baseCtx)
	if err != nil {
		s.failWith(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true, "report": report})
}

func (s *Server) handleValidate(c *gin.Context) {
	report, err := s.Workflow.Validate(c.Request.Context())
	if err != nil {
		s.Logger.Error("Content validation failed", zap.Error(err))
		s.fail(c, http.StatusBadGateway, "ValidationUnavailable", err.Error())
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true, "data": report})
}

func (s *Server) handleStats(c *gin.Context) {
	stats, err := s.Workflow.Stats(c.Request.Context())
	if err != nil {
		s.failWith(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true, "stats": stats})
}

func (s *Server) handleErrors(c *gin.Context) {
	var f monitoring.ErrorFilter
	if v := c.Query("action_id"); v != "" {
		id, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			s.fail(c, http.StatusBadRequest, "InvalidRequest", "action_id must be a positive integer")
			return
		}
		f.ActionID = uint(id)
	}
	f.Source = c.Query("source")

	var ok bool
	if f.Limit, ok = s.intQuery(c, "limit", 100); !ok {
		return
	}

	logs, err := s.Workflow.Errors(c.Request.Context(), f)
	if err != nil {
		s.failWith(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true, "errors": logs})
}

func (s *Server) idParam(c *gin.Context) (uint, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || id == 0 {
		s.fail(c, http.StatusBadRequest, "InvalidRequest", "id must be a positive integer")
		return 0, false
	}
	return uint(id), true
}

func (s *Server) intQuery(c *gin.Context, name string, def int) (int, bool) {
	v := c.Query(name)
	if v == "" {
		return def, true
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		s.fail(c, http.StatusBadRequest, "InvalidRequest", name+" must be a non-negative integer")
		return 0, false
	}
	return n, true
}

// failWith maps domain errors onto HTTP statuses.
func (s *Server) failWith(c *gin.Context, err error) {
	var verr *schedule.ValidationError
	switch {
	case errors.As(err, &verr):
		s.fail(c, http.StatusBadRequest, string(verr.Code), verr.Message)
	case errors.Is(err, store.ErrDuplicatePending):
		s.fail(c, http.StatusConflict, "DuplicatePending", err.Error())
	case errors.Is(err, store.ErrNotCancellable):
		s.fail(c, http.StatusConflict, "NotCancellable", err.Error())
	case errors.Is(err, store.ErrNotFound):
		s.fail(c, http.StatusNotFound, "NotFound", err.Error())
	default:
		s.Logger.Error("Request failed",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Error(err))
		s.fail(c, http.StatusInternalServerError, "Internal", "internal error")
	}
}

func (s *Server) fail(c *gin.Context, status int, code, message string) {
	c.JSON(status, gin.H{
		"success": false,
		"error":   errorBody{Code: code, Message: message},
	})
}
