package http

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"pulse/internal/domain"
)

// createSessionRequest is the POST /api/sessions body.
type createSessionRequest struct {
	Title    string            `json:"title"`
	Metadata map[string]string `json:"metadata"`
}

// submitMessageRequest is the POST /api/sessions/:id/messages body.
type submitMessageRequest struct {
	Message string `json:"message"`
}

// submitMessageResponse acknowledges an accepted message. The run is driven
// asynchronously; its outcome arrives over the event stream.
type submitMessageResponse struct {
	RunID     string `json:"run_id"`
	SessionID string `json:"session_id"`
	Status    string `json:"status"`
}

// HandleCreateSession handles POST /api/sessions.
func (h *APIHandler) HandleCreateSession(c *gin.Context) {
	var req createSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.writeValidationError(c, fmt.Sprintf("invalid request body: %v", err))
		return
	}

	session, err := h.coordinator.CreateSession(c.Request.Context(), req.Title, req.Metadata)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, session)
}

// HandleListSessions handles GET /api/sessions with limit/offset paging.
func (h *APIHandler) HandleListSessions(c *gin.Context) {
	limit, err := queryInt(c, "limit", 0)
	if err != nil {
		h.writeValidationError(c, err.Error())
		return
	}
	offset, err := queryInt(c, "offset", 0)
	if err != nil {
		h.writeValidationError(c, err.Error())
		return
	}

	sessions, err := h.coordinator.ListSessions(c.Request.Context(), limit, offset)
	if err != nil {
		h.writeError(c, err)
		return
	}
	if sessions == nil {
		sessions = []*domain.Session{}
	}
	c.JSON(http.StatusOK, gin.H{
		"sessions": sessions,
		"count":    len(sessions),
	})
}

// HandleGetSession handles GET /api/sessions/:id.
func (h *APIHandler) HandleGetSession(c *gin.Context) {
	session, err := h.coordinator.GetSession(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, session)
}

// HandleSubmitMessage handles POST /api/sessions/:id/messages. The response
// is 202: the message is accepted and a run handle returned, but execution
// continues in the background.
func (h *APIHandler) HandleSubmitMessage(c *gin.Context) {
	var req submitMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.writeValidationError(c, fmt.Sprintf("invalid request body: %v", err))
		return
	}

	run, err := h.coordinator.Submit(c.Request.Context(), c.Param("id"), req.Message)
	if err != nil {
		h.writeError(c, err)
		return
	}

	h.logger.Info("Message accepted: session=%s run=%s", run.SessionID, run.ID)
	c.JSON(http.StatusAccepted, submitMessageResponse{
		RunID:     run.ID,
		SessionID: run.SessionID,
		Status:    string(run.Status),
	})
}

// HandleSessionHistory handles GET /api/sessions/:id/history. The page is
// most-recent-first and read straight from the store, bypassing the hub.
func (h *APIHandler) HandleSessionHistory(c *gin.Context) {
	limit, err := queryInt(c, "limit", 0)
	if err != nil {
		h.writeValidationError(c, err.Error())
		return
	}

	events, err := h.coordinator.History(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		h.writeError(c, err)
		return
	}
	if events == nil {
		events = []domain.EventRecord{}
	}
	c.JSON(http.StatusOK, gin.H{
		"events": events,
		"count":  len(events),
	})
}

// HandleSessionEvents handles GET /api/sessions/:id/events, the polling
// counterpart to the stream: an ascending page of events with Seq beyond
// after_seq, so a client that lost its socket can page forward from the
// last sequence it saw. last_seq in the response is the cursor for the
// next poll.
func (h *APIHandler) HandleSessionEvents(c *gin.Context) {
	afterSeq, err := queryInt64(c, "after_seq", 0)
	if err != nil {
		h.writeValidationError(c, err.Error())
		return
	}
	limit, err := queryInt(c, "limit", 0)
	if err != nil {
		h.writeValidationError(c, err.Error())
		return
	}

	events, err := h.coordinator.EventsSince(c.Request.Context(), c.Param("id"), afterSeq, limit)
	if err != nil {
		h.writeError(c, err)
		return
	}
	if events == nil {
		events = []domain.EventRecord{}
	}
	lastSeq := afterSeq
	for _, event := range events {
		if event.Seq > lastSeq {
			lastSeq = event.Seq
		}
	}
	c.JSON(http.StatusOK, gin.H{
		"events":   events,
		"count":    len(events),
		"last_seq": lastSeq,
	})
}

// HandleSessionRuns handles GET /api/sessions/:id/runs, newest first.
func (h *APIHandler) HandleSessionRuns(c *gin.Context) {
	runs, err := h.coordinator.ListRuns(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	if runs == nil {
		runs = []*domain.Run{}
	}
	c.JSON(http.StatusOK, gin.H{
		"runs":  runs,
		"count": len(runs),
	})
}

// queryInt parses an optional integer query parameter. Absent values fall
// back; malformed values are a validation error, not a silent default.
func queryInt(c *gin.Context, name string, fallback int) (int, error) {
	raw := strings.TrimSpace(c.Query(name))
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer", name)
	}
	return v, nil
}

// queryInt64 is queryInt for sequence cursors.
func queryInt64(c *gin.Context, name string, fallback int64) (int64, error) {
	raw := strings.TrimSpace(c.Query(name))
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer", name)
	}
	return v, nil
}
