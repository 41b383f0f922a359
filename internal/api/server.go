// Package api is the thin HTTP facade over spec.md §6's operational
// surface. It is explicitly the "narrow interface" the out-of-scope web UI
// is reached through (spec.md §1), not a reimplementation of the UI.
// Grounded on the teacher's cmd/tarsy/main.go + pkg/api/handlers.go, the
// one place in the teacher that wires gin.Default() and answers with
// c.JSON(status, gin.H{...}) rather than echo.
package api

import (
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/fourvalet/valet/internal/crosssource"
	"github.com/fourvalet/valet/internal/domain"
	"github.com/fourvalet/valet/internal/perception"
	"github.com/fourvalet/valet/internal/service"
)

// Server wires a *service.Service onto a gin router.
type Server struct {
	engine *gin.Engine
	svc    *service.Service
}

// NewServer builds a Server with every route in spec.md §6 registered.
func NewServer(svc *service.Service) *Server {
	s := &Server{engine: gin.Default(), svc: svc}
	s.setupRoutes()
	return s
}

// Handler returns the underlying http.Handler for use with http.Server.
func (s *Server) Handler() http.Handler { return s.engine }

func (s *Server) setupRoutes() {
	s.engine.GET("/health", s.health)

	v1 := s.engine.Group("/api/v1")
	v1.POST("/events", s.ingest)
	v1.GET("/queue", s.listQueue)
	v1.GET("/queue/stats", s.queueStats)
	v1.GET("/queue/:id", s.getItem)
	v1.POST("/queue/:id/approve", s.approve)
	v1.POST("/queue/:id/reject", s.reject)
	v1.POST("/queue/:id/snooze", s.snooze)
	v1.POST("/queue/:id/undo", s.undo)
	v1.POST("/queue/:id/reanalyze", s.reanalyze)

	v1.GET("/notes/search", s.searchNotes)
	v1.POST("/notes/:id/review", s.reviewNote)
	v1.GET("/cross-source/search", s.crossSourceSearch)

	v1.GET("/events", s.subscribeEvents)
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "healthy"})
}

// ingestRequest is the wire shape a source adapter's poller posts per new
// record (spec.md §4.1). RawRecord.Attachments/Participants are carried
// through as-is.
type ingestRequest struct {
	perception.RawRecord
	PriorCount int `json:"prior_count"`
}

func (s *Server) ingest(c *gin.Context) {
	var req ingestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	item, err := s.svc.Ingest(c.Request.Context(), req.RawRecord, req.PriorCount)
	if err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, item)
}

func tabFromQuery(c *gin.Context) domain.Tab {
	switch domain.Tab(c.Query("tab")) {
	case domain.TabInProgress:
		return domain.TabInProgress
	case domain.TabSnoozed:
		return domain.TabSnoozed
	case domain.TabHistory:
		return domain.TabHistory
	case domain.TabErrors:
		return domain.TabErrors
	default:
		return domain.TabToProcess
	}
}

func (s *Server) listQueue(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))
	items, err := s.svc.ListQueue(c.Request.Context(), tabFromQuery(c), limit, offset)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": items})
}

func (s *Server) queueStats(c *gin.Context) {
	stats, err := s.svc.Stats(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (s *Server) getItem(c *gin.Context) {
	item, err := s.svc.GetItem(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, item)
}

type approveRequest struct {
	OptionID string `json:"option_id" binding:"required"`
}

func (s *Server) approve(c *gin.Context) {
	var req approveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	tok, err := s.svc.Approve(c.Request.Context(), c.Param("id"), req.OptionID)
	if err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, tok)
}

type rejectRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) reject(c *gin.Context) {
	var req rejectRequest
	_ = c.ShouldBindJSON(&req)
	if err := s.svc.Reject(c.Request.Context(), c.Param("id"), req.Reason); err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "rejected"})
}

type snoozeRequest struct {
	Until time.Time `json:"until" binding:"required"`
}

func (s *Server) snooze(c *gin.Context) {
	var req snoozeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.svc.Snooze(c.Request.Context(), c.Param("id"), req.Until); err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "snoozed"})
}

func (s *Server) undo(c *gin.Context) {
	if err := s.svc.Undo(c.Request.Context(), c.Param("id")); err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "undone"})
}

func (s *Server) reanalyze(c *gin.Context) {
	item, err := s.svc.Reanalyze(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, item)
}

func (s *Server) searchNotes(c *gin.Context) {
	k, _ := strconv.Atoi(c.DefaultQuery("k", "10"))
	notes, err := s.svc.SearchNotes(c.Request.Context(), c.Query("q"), k)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"notes": notes})
}

type reviewNoteRequest struct {
	Quality int `json:"quality" binding:"required"`
}

func (s *Server) reviewNote(c *gin.Context) {
	var req reviewNoteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	meta, err := s.svc.ReviewNote(c.Request.Context(), c.Param("id"), req.Quality)
	if err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, meta)
}

func (s *Server) crossSourceSearch(c *gin.Context) {
	req := crosssource.Request{Query: c.Query("q")}
	resp, err := s.svc.CrossSourceSearch(c.Request.Context(), req)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, resp)
}

// subscribeEvents streams bus events as Server-Sent Events (one SSE event
// per bus event, named after its kind, with the event as JSON data), the
// minimal "narrow interface" a richer WebSocket-based UI would be built
// against (spec.md §1 scopes the transport layer itself out of this
// module).
func (s *Server) subscribeEvents(c *gin.Context) {
	_, ch, unsubscribe := s.svc.SubscribeEvents()
	defer unsubscribe()

	c.Stream(func(w io.Writer) bool {
		select {
		case evt, ok := <-ch:
			if !ok {
				return false
			}
			c.SSEvent(string(evt.Type), evt)
			return true
		case <-c.Request.Context().Done():
			return false
		}
	})
}
