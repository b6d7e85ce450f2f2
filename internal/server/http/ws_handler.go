package http

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"pulse/internal/domain"
	"pulse/internal/logging"
	"pulse/internal/server/app"
)

const (
	// Write must complete within this window or the peer is considered gone.
	wsWriteWait = 10 * time.Second
	// The peer must answer a ping within this window.
	wsPongWait   = 60 * time.Second
	wsPingPeriod = (wsPongWait * 9) / 10

	// Inbound frames are small commands, never bulk payloads.
	wsReadLimit = 64 * 1024

	// Buffer between the hub and the write pump. A client that stalls past
	// this depth is evicted by the hub and must reconnect to replay.
	wsSendBuffer = 256

	defaultReplayLimit = 100
)

// Outbound frame types.
const (
	frameEvent    = "event"
	frameAccepted = "accepted"
	frameError    = "error"
	framePong     = "pong"
)

// Inbound frame types.
const (
	frameMessage   = "message"
	frameInterrupt = "interrupt"
	framePing      = "ping"
)

// serverFrame is one outbound WebSocket message.
type serverFrame struct {
	Type      string              `json:"type"`
	Event     *domain.EventRecord `json:"event,omitempty"`
	Replay    bool                `json:"replay,omitempty"`
	RunID     string              `json:"run_id,omitempty"`
	Code      string              `json:"code,omitempty"`
	Error     string              `json:"error,omitempty"`
	Timestamp time.Time           `json:"timestamp"`
}

// clientFrame is one inbound WebSocket message.
type clientFrame struct {
	Type    string `json:"type"`
	Message string `json:"message,omitempty"`
	RunID   string `json:"run_id,omitempty"`
}

// WSHandler runs the duplex channel protocol on GET /api/sessions/:id/stream:
// replay a bounded history page, then relay live hub events, while accepting
// message/interrupt/ping commands on the same socket.
type WSHandler struct {
	coordinator *app.Coordinator
	hub         *app.Hub
	upgrader    websocket.Upgrader
	logger      logging.Logger
	replayLimit int
}

// WSOption configures the stream handler.
type WSOption func(*WSHandler)

// WithWSLogger attaches a component logger.
func WithWSLogger(logger logging.Logger) WSOption {
	return func(h *WSHandler) {
		h.logger = logging.OrNop(logger)
	}
}

// WithWSReplayLimit bounds the history page sent on connect.
func WithWSReplayLimit(limit int) WSOption {
	return func(h *WSHandler) {
		if limit > 0 {
			h.replayLimit = limit
		}
	}
}

// NewWSHandler creates the stream handler over the coordinator and hub.
func NewWSHandler(coordinator *app.Coordinator, hub *app.Hub, opts ...WSOption) *WSHandler {
	h := &WSHandler{
		coordinator: coordinator,
		hub:         hub,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				// Origin enforcement happens in the CORS layer.
				return true
			},
		},
		logger:      logging.NewComponentLogger("WS"),
		replayLimit: defaultReplayLimit,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// wsClient holds one upgraded connection. The write pump is the only
// goroutine touching the socket for writes; everything else enqueues frames.
type wsClient struct {
	conn      *websocket.Conn
	events    chan domain.EventRecord
	outbound  chan serverFrame
	done      chan struct{}
	closeOnce sync.Once
}

func newWSClient(conn *websocket.Conn) *wsClient {
	return &wsClient{
		conn:     conn,
		events:   make(chan domain.EventRecord, wsSendBuffer),
		outbound: make(chan serverFrame, wsSendBuffer),
		done:     make(chan struct{}),
	}
}

func (client *wsClient) shutdown() {
	client.closeOnce.Do(func() {
		close(client.done)
	})
}

// enqueue hands a frame to the write pump. Returns false when the connection
// is shutting down and the frame was discarded.
func (client *wsClient) enqueue(frame serverFrame) bool {
	select {
	case client.outbound <- frame:
		return true
	case <-client.done:
		return false
	}
}

// HandleStream upgrades the request and runs the duplex protocol until the
// peer disconnects.
func (h *WSHandler) HandleStream(c *gin.Context) {
	sessionID := c.Param("id")
	if _, err := h.coordinator.GetSession(c.Request.Context(), sessionID); err != nil {
		status, body := classifyError(err)
		c.AbortWithStatusJSON(status, errorEnvelope{Error: body})
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error response.
		h.logger.Warn("WebSocket upgrade failed for session %s: %v", sessionID, err)
		return
	}

	client := newWSClient(conn)

	// Register before replaying so events appended mid-replay land in the
	// channel buffer instead of vanishing; relay's sequence cut drops the
	// overlap between the replay page and the buffered live feed.
	h.hub.RegisterClient(sessionID, client.events)
	h.logger.Info("Stream opened: session=%s subscribers=%d", sessionID, h.hub.GetClientCount(sessionID))

	go client.writePump(h.logger)
	maxReplaySeq := h.replay(c.Request.Context(), sessionID, client)
	go client.relay(maxReplaySeq)

	h.readPump(c.Request.Context(), sessionID, client)
	h.logger.Info("Stream closed: session=%s", sessionID)
}

// replay enqueues a bounded page of stored events, oldest first, flagged as
// replay. Returns the highest sequence delivered so relay can skip events the
// page already covered. A failing store degrades to live-only streaming.
func (h *WSHandler) replay(ctx context.Context, sessionID string, client *wsClient) int64 {
	events, err := h.coordinator.History(ctx, sessionID, h.replayLimit)
	if err != nil {
		h.logger.Warn("History replay failed for session %s: %v", sessionID, err)
		client.enqueue(errorFrame(err))
		return 0
	}

	var maxSeq int64
	// History pages are most-recent-first; the wire order is chronological.
	for i := len(events) - 1; i >= 0; i-- {
		event := events[i]
		if event.Seq > maxSeq {
			maxSeq = event.Seq
		}
		if !client.enqueue(eventFrame(event, true)) {
			return maxSeq
		}
	}
	return maxSeq
}

// relay forwards live hub events until the channel closes on unregister.
// Persisted events at or below the replay cut were already sent; synthetic
// events carry no sequence and always pass.
func (client *wsClient) relay(maxReplaySeq int64) {
	for event := range client.events {
		if event.Seq != 0 && event.Seq <= maxReplaySeq {
			continue
		}
		if !client.enqueue(eventFrame(event, false)) {
			return
		}
	}
	// The hub closed the channel: either the read pump unregistered on
	// disconnect, or the hub evicted a saturated subscriber. Closing the
	// socket tells the peer to reconnect and replay.
	client.shutdown()
}

// readPump consumes command frames until the peer goes away, then tears the
// connection down. Runs on the handler goroutine.
func (h *WSHandler) readPump(ctx context.Context, sessionID string, client *wsClient) {
	defer func() {
		h.hub.UnregisterClient(sessionID, client.events)
		client.shutdown()
	}()

	client.conn.SetReadLimit(wsReadLimit)
	_ = client.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	client.conn.SetPongHandler(func(string) error {
		return client.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		_, data, err := client.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				h.logger.Debug("WebSocket read ended for session %s: %v", sessionID, err)
			}
			return
		}

		var frame clientFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			client.enqueue(serverFrame{
				Type:      frameError,
				Code:      "validation",
				Error:     fmt.Sprintf("malformed frame: %v", err),
				Timestamp: time.Now().UTC(),
			})
			continue
		}
		h.dispatch(ctx, sessionID, frame, client)
	}
}

// dispatch executes one inbound command and enqueues its acknowledgement.
// Command failures are reported on the socket, never by closing it.
func (h *WSHandler) dispatch(ctx context.Context, sessionID string, frame clientFrame, client *wsClient) {
	switch frame.Type {
	case framePing:
		client.enqueue(serverFrame{Type: framePong, Timestamp: time.Now().UTC()})

	case frameMessage:
		run, err := h.coordinator.Submit(ctx, sessionID, frame.Message)
		if err != nil {
			client.enqueue(errorFrame(err))
			return
		}
		client.enqueue(serverFrame{Type: frameAccepted, RunID: run.ID, Timestamp: time.Now().UTC()})

	case frameInterrupt:
		runID := frame.RunID
		if runID == "" {
			resolved, err := h.liveOrchestrator(ctx, sessionID)
			if err != nil {
				client.enqueue(errorFrame(err))
				return
			}
			runID = resolved
		}
		if err := h.coordinator.Interrupt(ctx, runID); err != nil {
			client.enqueue(errorFrame(err))
			return
		}
		client.enqueue(serverFrame{Type: frameAccepted, RunID: runID, Timestamp: time.Now().UTC()})

	default:
		client.enqueue(serverFrame{
			Type:      frameError,
			Code:      "validation",
			Error:     fmt.Sprintf("unknown frame type %q", frame.Type),
			Timestamp: time.Now().UTC(),
		})
	}
}

// liveOrchestrator resolves the implicit target of an interrupt frame that
// names no run: the session's newest non-terminal orchestrator.
func (h *WSHandler) liveOrchestrator(ctx context.Context, sessionID string) (string, error) {
	runs, err := h.coordinator.ListRuns(ctx, sessionID)
	if err != nil {
		return "", err
	}
	for _, run := range runs {
		if run.Kind == domain.KindOrchestrator && !run.IsTerminal() {
			return run.ID, nil
		}
	}
	return "", app.ValidationError("session has no interruptible run")
}

// writePump is the sole socket writer: outbound frames, keepalive pings, the
// closing handshake. Closes the socket on exit, which unblocks the read pump.
func (client *wsClient) writePump(logger logging.Logger) {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		_ = client.conn.Close()
		client.shutdown()
	}()

	for {
		select {
		case frame := <-client.outbound:
			_ = client.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := client.conn.WriteJSON(frame); err != nil {
				logger.Debug("WebSocket write failed: %v", err)
				return
			}

		case <-ticker.C:
			_ = client.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := client.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-client.done:
			_ = client.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			_ = client.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

func eventFrame(event domain.EventRecord, replay bool) serverFrame {
	return serverFrame{
		Type:      frameEvent,
		Event:     &event,
		Replay:    replay,
		Timestamp: time.Now().UTC(),
	}
}

func errorFrame(err error) serverFrame {
	_, body := classifyError(err)
	return serverFrame{
		Type:      frameError,
		Code:      body.Code,
		Error:     body.Message,
		Timestamp: time.Now().UTC(),
	}
}
