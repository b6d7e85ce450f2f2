package app

import (
	"context"
	"errors"
	"sync"
	"time"

	"pulse/internal/domain"
	pulseerrors "pulse/internal/errors"
	"pulse/internal/logging"
	"pulse/internal/observability"
)

// Hub fans persisted events out to subscribed delivery channels. Broadcast
// never blocks the caller: a channel that cannot accept a push is
// unregistered on the spot, so a stalled consumer costs at most one failed
// enqueue. Lifecycle events get one more chance first, evicting the oldest
// buffered event to make room.
type Hub struct {
	// Map sessionID -> list of subscriber channels
	clients map[string][]chan domain.EventRecord
	mu      sync.RWMutex
	logger  logging.Logger

	highVolumeMu       sync.Mutex
	highVolumeCounters map[string]int

	// Optional OTel collector; the inline counters below always run.
	collector *observability.MetricsCollector

	metrics hubCounters
}

const responseChunkLogBatch = 50

// hubCounters tracks hub delivery counters for the health report.
type hubCounters struct {
	mu sync.RWMutex

	totalEventsSent   int64
	droppedEvents     int64
	totalConnections  int64
	activeConnections int64
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{
		clients:            make(map[string][]chan domain.EventRecord),
		highVolumeCounters: make(map[string]int),
		logger:             logging.NewComponentLogger("Hub"),
	}
}

// SetMetricsCollector wires the OTel collector. Safe to leave unset.
func (h *Hub) SetMetricsCollector(collector *observability.MetricsCollector) {
	h.collector = collector
}

// Broadcast implements ports.EventSink. The event must already be durable;
// delivery is best-effort from here on. Channels whose push fails are
// unregistered after the fan-out pass.
func (h *Hub) Broadcast(event domain.EventRecord) {
	suppressLogs := event.Category == domain.CategoryResponse
	if suppressLogs {
		h.trackHighVolumeEvent(event.SessionID)
	} else {
		h.logger.Debug("[Broadcast] type=%s seq=%d session=%s", event.Type, event.Seq, event.SessionID)
	}

	start := time.Now()

	h.mu.RLock()
	clients, ok := h.clients[event.SessionID]
	var delivered, dropped int
	var failed []chan domain.EventRecord
	if ok {
		delivered, dropped, failed = h.broadcastToClients(event.SessionID, clients, event, suppressLogs)
	} else if !suppressLogs {
		h.logger.Debug("[Broadcast] No subscribers for session %s (event: %s)", event.SessionID, event.Type)
	}
	h.mu.RUnlock()

	// Unregister outside the read lock; UnregisterClient takes the write
	// lock and is idempotent against a racing disconnect.
	for _, ch := range failed {
		h.logger.Warn("%v", pulseerrors.NewDeliveryFailure(event.SessionID, string(event.Type), errSubscriberSaturated))
		h.UnregisterClient(event.SessionID, ch)
	}

	if h.collector != nil && ok {
		h.collector.RecordFanout(context.Background(), delivered, dropped, time.Since(start))
	}
}

// errSubscriberSaturated marks a push refused by a full delivery buffer.
var errSubscriberSaturated = errors.New("subscriber buffer saturated")

// broadcastToClients sends the event to every channel in the list. Called
// with the read lock held. Channels that refuse the push are returned for
// unregistration once the lock is released.
func (h *Hub) broadcastToClients(sessionID string, clients []chan domain.EventRecord, event domain.EventRecord, suppressLogs bool) (delivered, dropped int, failed []chan domain.EventRecord) {
	for i, ch := range clients {
		select {
		case ch <- event:
			if !suppressLogs {
				h.logger.Debug("[Broadcast] Delivered %s to subscriber %d/%d for session=%s", event.Type, i+1, len(clients), sessionID)
			}
			h.metrics.incrementEventsSent()
			delivered++
		default:
			if h.ensureCriticalDelivery(sessionID, i, len(clients), ch, event) {
				delivered++
				continue
			}
			h.logger.Warn("Subscriber buffer full for session %s, dropping %s and unregistering (subscriber %d/%d)", sessionID, event.Type, i+1, len(clients))
			h.metrics.incrementDroppedEvents()
			dropped++
			failed = append(failed, ch)
		}
	}
	return delivered, dropped, failed
}

// ensureCriticalDelivery keeps lifecycle events flowing to saturated
// subscribers by evicting their oldest buffered event.
func (h *Hub) ensureCriticalDelivery(sessionID string, clientIndex, totalClients int, ch chan domain.EventRecord, event domain.EventRecord) bool {
	if !event.Category.Critical() {
		return false
	}

	// First, retry in case the consumer drained the buffer after the
	// initial attempt.
	select {
	case ch <- event:
		h.logger.Warn("Subscriber buffer previously full for session %s, but %s was delivered on retry (subscriber %d/%d)", sessionID, event.Type, clientIndex+1, totalClients)
		h.metrics.incrementEventsSent()
		return true
	default:
	}

	// Drop the oldest event to make room for the critical one.
	select {
	case <-ch:
	default:
		h.logger.Warn("Failed to free space for %s for session %s (subscriber %d/%d)", event.Type, sessionID, clientIndex+1, totalClients)
		return false
	}

	select {
	case ch <- event:
		h.logger.Warn("Subscriber buffer saturated for session %s; dropped oldest event to deliver %s (subscriber %d/%d)", sessionID, event.Type, clientIndex+1, totalClients)
		h.metrics.incrementEventsSent()
		h.metrics.incrementDroppedEvents()
		return true
	default:
		// Buffer filled again before we could send.
		h.logger.Warn("Subscriber buffer refilled before delivering %s for session %s (subscriber %d/%d)", event.Type, sessionID, clientIndex+1, totalClients)
		return false
	}
}

// RegisterClient registers a delivery channel for a session. The caller
// owns the channel's buffer size; the hub owns closing it on unregister.
func (h *Hub) RegisterClient(sessionID string, ch chan domain.EventRecord) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.clients[sessionID] = append(h.clients[sessionID], ch)
	h.metrics.incrementConnections()
	if h.collector != nil {
		h.collector.IncrementActiveChannels(context.Background())
	}
	h.logger.Info("Subscriber registered for session %s (total: %d)", sessionID, len(h.clients[sessionID]))
}

// UnregisterClient removes a delivery channel and closes it.
func (h *Hub) UnregisterClient(sessionID string, ch chan domain.EventRecord) {
	h.mu.Lock()
	defer h.mu.Unlock()

	clients := h.clients[sessionID]
	for i, client := range clients {
		if client == ch {
			h.clients[sessionID] = append(clients[:i], clients[i+1:]...)
			close(ch)
			h.metrics.decrementConnections()
			if h.collector != nil {
				h.collector.DecrementActiveChannels(context.Background())
			}
			h.logger.Info("Subscriber unregistered from session %s (remaining: %d)", sessionID, len(h.clients[sessionID]))

			if len(h.clients[sessionID]) == 0 {
				delete(h.clients, sessionID)
				h.clearHighVolumeCounter(sessionID)
			}
			break
		}
	}
}

// GetClientCount returns the number of subscribers for a session.
func (h *Hub) GetClientCount(sessionID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return len(h.clients[sessionID])
}

// trackHighVolumeEvent batches log lines for response chunks, which are far
// too frequent to log individually.
func (h *Hub) trackHighVolumeEvent(sessionID string) {
	h.highVolumeMu.Lock()
	h.highVolumeCounters[sessionID]++
	count := h.highVolumeCounters[sessionID]
	h.highVolumeMu.Unlock()

	if count%responseChunkLogBatch == 0 {
		h.logger.Debug("[HighVolumeLogs] Processed %d response chunks for session=%s", count, sessionID)
	}
}

func (h *Hub) clearHighVolumeCounter(sessionID string) {
	h.highVolumeMu.Lock()
	delete(h.highVolumeCounters, sessionID)
	h.highVolumeMu.Unlock()
}

func (m *hubCounters) incrementEventsSent() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.totalEventsSent++
}

func (m *hubCounters) incrementDroppedEvents() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.droppedEvents++
}

func (m *hubCounters) incrementConnections() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.totalConnections++
	m.activeConnections++
}

func (m *hubCounters) decrementConnections() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.activeConnections--
}

// HubMetrics is the delivery counter snapshot surfaced by the hub's health
// probe.
type HubMetrics struct {
	TotalEventsSent   int64          `json:"total_events_sent"`
	DroppedEvents     int64          `json:"dropped_events"`
	TotalConnections  int64          `json:"total_connections"`
	ActiveConnections int64          `json:"active_connections"`
	BufferDepth       map[string]int `json:"buffer_depth"`
	SessionCount      int            `json:"session_count"`
}

// Metrics returns a snapshot of the hub's delivery counters.
func (h *Hub) Metrics() HubMetrics {
	h.metrics.mu.RLock()
	totalEvents := h.metrics.totalEventsSent
	droppedEvents := h.metrics.droppedEvents
	totalConns := h.metrics.totalConnections
	activeConns := h.metrics.activeConnections
	h.metrics.mu.RUnlock()

	h.mu.RLock()
	defer h.mu.RUnlock()

	bufferDepth := make(map[string]int)
	for sessionID, clients := range h.clients {
		totalDepth := 0
		for _, ch := range clients {
			totalDepth += len(ch)
		}
		if totalDepth > 0 {
			bufferDepth[sessionID] = totalDepth
		}
	}

	return HubMetrics{
		TotalEventsSent:   totalEvents,
		DroppedEvents:     droppedEvents,
		TotalConnections:  totalConns,
		ActiveConnections: activeConns,
		BufferDepth:       bufferDepth,
		SessionCount:      len(h.clients),
	}
}
