package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/viablesystems/synapse/pkg/models"
)

const (
	defaultEventPage = 100
	maxEventPage     = 1000
)

// apiError is the JSON error envelope.
type apiError struct {
	Status int    `json:"status"`
	Detail string `json:"detail"`
}

func errorResponse(c *gin.Context, status int, detail string) {
	c.JSON(status, apiError{Status: status, Detail: detail})
}

// InjectRequest is the body of POST /api/v1/events.
type InjectRequest struct {
	StreamID  string         `json:"stream_id" binding:"required"`
	EventType string         `json:"event_type" binding:"required"`
	Payload   map[string]any `json:"payload"`
	Metadata  map[string]any `json:"metadata"`
}

// InjectResponse is returned by POST /api/v1/events.
type InjectResponse struct {
	EventID  string `json:"event_id"`
	StreamID string `json:"stream_id"`
	Status   string `json:"status"`
}

func (s *Server) injectEventHandler(c *gin.Context) {
	if s.deps.Producer == nil {
		errorResponse(c, http.StatusServiceUnavailable, "producer not available")
		return
	}

	var req InjectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorResponse(c, http.StatusBadRequest, err.Error())
		return
	}

	e := models.NewEvent(req.StreamID, req.EventType, req.Payload)
	if req.Metadata != nil {
		e.Metadata = req.Metadata
	}
	if !s.deps.Producer.Inject(e) {
		errorResponse(c, http.StatusServiceUnavailable, "producer not accepting events")
		return
	}

	c.JSON(http.StatusAccepted, InjectResponse{
		EventID:  e.ID.String(),
		StreamID: e.StreamID,
		Status:   "accepted",
	})
}

// allEventsHandler reads the global log in order.
func (s *Server) allEventsHandler(c *gin.Context) {
	if s.deps.Store == nil {
		errorResponse(c, http.StatusServiceUnavailable, "event store not available")
		return
	}

	fromPosition := queryInt64(c, "from_position", 0)
	count := queryInt64(c, "count", defaultEventPage)
	if count > maxEventPage {
		count = maxEventPage
	}

	events := s.deps.Store.ReadAll(fromPosition, int(count))
	c.JSON(http.StatusOK, gin.H{
		"events":          events,
		"count":           len(events),
		"global_position": s.deps.Store.GlobalPosition(),
	})
}

func (s *Server) streamMetaHandler(c *gin.Context) {
	if s.deps.Store == nil {
		errorResponse(c, http.StatusServiceUnavailable, "event store not available")
		return
	}
	meta, ok := s.deps.Store.Meta(c.Param("id"))
	if !ok {
		errorResponse(c, http.StatusNotFound, "stream not found")
		return
	}
	c.JSON(http.StatusOK, meta)
}

func (s *Server) streamEventsHandler(c *gin.Context) {
	if s.deps.Store == nil {
		errorResponse(c, http.StatusServiceUnavailable, "event store not available")
		return
	}
	streamID := c.Param("id")
	if _, ok := s.deps.Store.Meta(streamID); !ok {
		errorResponse(c, http.StatusNotFound, "stream not found")
		return
	}

	fromVersion := queryInt64(c, "from_version", 0)
	count := queryInt64(c, "count", defaultEventPage)
	if count > maxEventPage {
		count = maxEventPage
	}

	events := s.deps.Store.ReadStream(streamID, fromVersion, int(count))
	c.JSON(http.StatusOK, gin.H{
		"stream_id": streamID,
		"events":    events,
		"count":     len(events),
	})
}

func (s *Server) dashboardHandler(c *gin.Context) {
	if s.deps.Analytics == nil {
		errorResponse(c, http.StatusServiceUnavailable, "analytics not available")
		return
	}
	c.JSON(http.StatusOK, s.deps.Analytics.Dashboard())
}

func (s *Server) anomaliesHandler(c *gin.Context) {
	if s.deps.Analytics == nil {
		errorResponse(c, http.StatusServiceUnavailable, "analytics not available")
		return
	}
	c.JSON(http.StatusOK, gin.H{"anomalies": s.deps.Analytics.Anomalies()})
}

func (s *Server) patternHistoryHandler(c *gin.Context) {
	if s.deps.Matcher == nil {
		errorResponse(c, http.StatusServiceUnavailable, "pattern matcher not available")
		return
	}
	c.JSON(http.StatusOK, gin.H{"matches": s.deps.Matcher.History()})
}

func (s *Server) attentionHandler(c *gin.Context) {
	if s.deps.Attention == nil {
		errorResponse(c, http.StatusServiceUnavailable, "attention engine not available")
		return
	}
	c.JSON(http.StatusOK, s.deps.Attention.Stats())
}

func (s *Server) coordinatorStatsHandler(c *gin.Context) {
	if s.deps.Coordinator == nil {
		errorResponse(c, http.StatusServiceUnavailable, "coordinator not available")
		return
	}
	c.JSON(http.StatusOK, s.deps.Coordinator.Stats())
}

func (s *Server) coordinatorConflictsHandler(c *gin.Context) {
	if s.deps.Coordinator == nil {
		errorResponse(c, http.StatusServiceUnavailable, "coordinator not available")
		return
	}
	c.JSON(http.StatusOK, gin.H{"conflicts": s.deps.Coordinator.ConflictLog()})
}

// systemHandler aggregates the per-component stats into one snapshot.
func (s *Server) systemHandler(c *gin.Context) {
	out := gin.H{}
	if s.deps.Producer != nil {
		out["producer"] = s.deps.Producer.Stats()
	}
	if s.deps.Processor != nil {
		out["processor"] = s.deps.Processor.Stats()
	}
	if s.deps.Supervisor != nil {
		out["supervisor"] = s.deps.Supervisor.Stats()
	}
	if s.deps.Store != nil {
		out["global_position"] = s.deps.Store.GlobalPosition()
	}
	if s.deps.ConnManager != nil {
		out["ws_connections"] = s.deps.ConnManager.ActiveConnections()
	}
	c.JSON(http.StatusOK, out)
}

func queryInt64(c *gin.Context, key string, fallback int64) int64 {
	raw := c.Query(key)
	if raw == "" {
		return fallback
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || v < 0 {
		return fallback
	}
	return v
}
