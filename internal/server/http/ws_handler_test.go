package http

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pulse/internal/domain"
)

// dialStream opens a WebSocket against the fixture's stream endpoint.
func dialStream(t *testing.T, srv *httptest.Server, sessionID string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/sessions/" + sessionID + "/stream"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

// frameReader reads server frames off a stream socket. Command acks and live
// events share the socket in no guaranteed order, so frames skipped by one
// matcher stay buffered for the next instead of being dropped.
type frameReader struct {
	t       *testing.T
	conn    *websocket.Conn
	backlog []serverFrame
	all     []serverFrame
}

func newFrameReader(t *testing.T, conn *websocket.Conn) *frameReader {
	return &frameReader{t: t, conn: conn}
}

func (r *frameReader) read() serverFrame {
	r.t.Helper()
	require.NoError(r.t, r.conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var frame serverFrame
	require.NoError(r.t, r.conn.ReadJSON(&frame))
	r.all = append(r.all, frame)
	return frame
}

func (r *frameReader) until(match func(serverFrame) bool) serverFrame {
	r.t.Helper()
	for i, frame := range r.backlog {
		if match(frame) {
			r.backlog = append(r.backlog[:i], r.backlog[i+1:]...)
			return frame
		}
	}
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		frame := r.read()
		if match(frame) {
			return frame
		}
		r.backlog = append(r.backlog, frame)
	}
	r.t.Fatalf("no matching frame before deadline; buffered %d frames", len(r.backlog))
	return serverFrame{}
}

func eventOfType(eventType domain.EventType) func(serverFrame) bool {
	return func(frame serverFrame) bool {
		return frame.Type == frameEvent && frame.Event != nil && frame.Event.Type == eventType
	}
}

func frameOfType(frameType string) func(serverFrame) bool {
	return func(frame serverFrame) bool { return frame.Type == frameType }
}

func TestStreamReplayThenLive(t *testing.T) {
	f := newRelayFixture(t, RouterConfig{}, completedScript(), completedScript())
	srv := httptest.NewServer(f.router)
	defer srv.Close()

	session := f.createSession(t, "")
	first := f.submit(t, session.ID, "first question")
	f.waitForRunStatus(t, first.RunID, domain.RunCompleted)

	conn := dialStream(t, srv, session.ID)
	reader := newFrameReader(t, conn)

	// The stored history arrives first, flagged replay, in original order.
	var replayed []serverFrame
	for i := 0; i < 4; i++ {
		frame := reader.read()
		require.Equal(t, frameEvent, frame.Type)
		require.NotNil(t, frame.Event)
		assert.True(t, frame.Replay, "frame %d should be replay", i)
		replayed = append(replayed, frame)
	}
	assert.Equal(t, domain.EventInputReceived, replayed[0].Event.Type)
	assert.Equal(t, domain.EventRunCompleted, replayed[3].Event.Type)
	for i := 1; i < len(replayed); i++ {
		assert.Greater(t, replayed[i].Event.Seq, replayed[i-1].Event.Seq)
	}

	// A fresh submit over HTTP shows up live on the already-open socket.
	second := f.submit(t, session.ID, "second question")
	done := reader.until(eventOfType(domain.EventRunCompleted))
	assert.False(t, done.Replay)
	assert.Equal(t, second.RunID, done.Event.OwnerID)

	// No sequence number is delivered twice across replay and live.
	delivered := map[int64]bool{}
	for _, frame := range reader.all {
		if frame.Event == nil || frame.Event.Seq == 0 {
			continue
		}
		require.False(t, delivered[frame.Event.Seq], "seq %d delivered twice", frame.Event.Seq)
		delivered[frame.Event.Seq] = true
	}
}

func TestStreamSubmitOverSocket(t *testing.T) {
	f := newRelayFixture(t, RouterConfig{}, completedScript())
	srv := httptest.NewServer(f.router)
	defer srv.Close()

	session := f.createSession(t, "")
	conn := dialStream(t, srv, session.ID)
	reader := newFrameReader(t, conn)

	require.NoError(t, conn.WriteJSON(clientFrame{Type: frameMessage, Message: "over the wire"}))

	accepted := reader.until(frameOfType(frameAccepted))
	assert.NotEmpty(t, accepted.RunID)

	done := reader.until(eventOfType(domain.EventRunCompleted))
	assert.Equal(t, accepted.RunID, done.Event.OwnerID)
	assert.Equal(t, []string{"over the wire"}, f.runner.StartInstructions())
}

func TestStreamInterruptOverSocket(t *testing.T) {
	f := newRelayFixture(t, RouterConfig{}, blockedScript())
	srv := httptest.NewServer(f.router)
	defer srv.Close()

	session := f.createSession(t, "")
	conn := dialStream(t, srv, session.ID)
	reader := newFrameReader(t, conn)

	require.NoError(t, conn.WriteJSON(clientFrame{Type: frameMessage, Message: "start then stall"}))
	accepted := reader.until(frameOfType(frameAccepted))

	// run.started confirms the collaborator is attached and now parked.
	reader.until(eventOfType(domain.EventRunStarted))

	// No run_id: the handler resolves the live orchestrator run itself.
	require.NoError(t, conn.WriteJSON(clientFrame{Type: frameInterrupt}))
	ack := reader.until(func(frame serverFrame) bool {
		return frame.Type == frameAccepted && frame.RunID == accepted.RunID
	})
	assert.Equal(t, accepted.RunID, ack.RunID)

	reader.until(eventOfType(domain.EventRunInterrupted))
	run := f.waitForRunStatus(t, accepted.RunID, domain.RunFailed)
	assert.Equal(t, domain.TerminationInterrupted, run.TerminationReason)
}

func TestStreamInterruptWithoutRun(t *testing.T) {
	f := newRelayFixture(t, RouterConfig{})
	srv := httptest.NewServer(f.router)
	defer srv.Close()

	session := f.createSession(t, "")
	conn := dialStream(t, srv, session.ID)
	reader := newFrameReader(t, conn)

	require.NoError(t, conn.WriteJSON(clientFrame{Type: frameInterrupt}))
	frame := reader.until(frameOfType(frameError))
	assert.Equal(t, "validation", frame.Code)
}

func TestStreamPingPong(t *testing.T) {
	f := newRelayFixture(t, RouterConfig{})
	srv := httptest.NewServer(f.router)
	defer srv.Close()

	session := f.createSession(t, "")
	conn := dialStream(t, srv, session.ID)
	reader := newFrameReader(t, conn)

	require.NoError(t, conn.WriteJSON(clientFrame{Type: framePing}))
	frame := reader.until(frameOfType(framePong))
	assert.False(t, frame.Timestamp.IsZero())
}

func TestStreamRejectsUnknownFrame(t *testing.T) {
	f := newRelayFixture(t, RouterConfig{})
	srv := httptest.NewServer(f.router)
	defer srv.Close()

	session := f.createSession(t, "")
	conn := dialStream(t, srv, session.ID)
	reader := newFrameReader(t, conn)

	require.NoError(t, conn.WriteJSON(clientFrame{Type: "subscribe"}))
	frame := reader.until(frameOfType(frameError))
	assert.Equal(t, "validation", frame.Code)
	assert.Contains(t, frame.Error, "subscribe")

	// The socket survives a bad frame.
	require.NoError(t, conn.WriteJSON(clientFrame{Type: framePing}))
	reader.until(frameOfType(framePong))
}

func TestStreamMalformedJSONIsNonFatal(t *testing.T) {
	f := newRelayFixture(t, RouterConfig{})
	srv := httptest.NewServer(f.router)
	defer srv.Close()

	session := f.createSession(t, "")
	conn := dialStream(t, srv, session.ID)
	reader := newFrameReader(t, conn)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{not json")))
	frame := reader.until(frameOfType(frameError))
	assert.Equal(t, "validation", frame.Code)

	require.NoError(t, conn.WriteJSON(clientFrame{Type: framePing}))
	reader.until(frameOfType(framePong))
}

func TestStreamUnknownSessionHandshakeFails(t *testing.T) {
	f := newRelayFixture(t, RouterConfig{})
	srv := httptest.NewServer(f.router)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/sessions/sess-ghost/stream"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	if conn != nil {
		conn.Close()
	}
	require.NotNil(t, resp)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestStreamSubscriberCountTracksSockets(t *testing.T) {
	f := newRelayFixture(t, RouterConfig{})
	srv := httptest.NewServer(f.router)
	defer srv.Close()

	session := f.createSession(t, "")
	conn := dialStream(t, srv, session.ID)

	waitFor(t, time.Second, func() bool {
		return f.hub.GetClientCount(session.ID) == 1
	}, "subscriber never registered")

	require.NoError(t, conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))
	conn.Close()

	waitFor(t, time.Second, func() bool {
		return f.hub.GetClientCount(session.ID) == 0
	}, "subscriber never unregistered")
}
