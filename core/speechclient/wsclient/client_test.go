package wsclient

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	engine "github.com/koscakluka/voicelink/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingDeliverer struct {
	mu     sync.Mutex
	events []engine.ClientEvent
}

func (d *recordingDeliverer) Deliver(event engine.ClientEvent) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	event.Data = append([]byte(nil), event.Data...)
	d.events = append(d.events, event)
	return nil
}

func (d *recordingDeliverer) snapshot() []engine.ClientEvent {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]engine.ClientEvent(nil), d.events...)
}

func (d *recordingDeliverer) kinds() []engine.ClientEventKind {
	var kinds []engine.ClientEventKind
	for _, event := range d.snapshot() {
		kinds = append(kinds, event.Kind)
	}
	return kinds
}

// newTestServer runs handle for every upgraded connection and returns a
// client pointed at it.
func newTestServer(t *testing.T, handle func(r *http.Request, conn *websocket.Conn)) (*Client, *recordingDeliverer) {
	t.Helper()

	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		handle(r, conn)
	}))
	t.Cleanup(server.Close)

	host, portText, err := net.SplitHostPort(server.Listener.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portText)
	require.NoError(t, err)

	client, err := New(
		Config{Transport: engine.TransportTCP, Host: host, Port: port, DeviceID: "kitchen"},
		WithTokenSource(func(context.Context) (string, error) { return "secret", nil }),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	deliverer := &recordingDeliverer{}
	client.Attach(deliverer)
	return client, deliverer
}

func TestClientTranslatesSessionFrames(t *testing.T) {
	started := make(chan Frame, 1)
	var query map[string]string

	client, deliverer := newTestServer(t, func(r *http.Request, conn *websocket.Conn) {
		query = map[string]string{
			"sn":      r.URL.Query().Get("sn"),
			"methods": r.URL.Query().Get("methods"),
			"device":  r.URL.Query().Get("device"),
		}

		var start Frame
		if err := conn.ReadJSON(&start); err != nil {
			return
		}
		started <- start

		_ = conn.WriteJSON(Frame{Type: FrameAsrBegin})
		_ = conn.WriteJSON(Frame{Type: FrameAsrResult, Text: "play jazz"})
		_ = conn.WriteJSON(Frame{Type: FrameNlpResult, Text: `{"intent":"music"}`})
		_ = conn.WriteMessage(websocket.BinaryMessage, []byte{1, 2, 3})
		_ = conn.WriteJSON(Frame{Type: FrameTtsEnd})
		_ = conn.WriteJSON(Frame{Type: FrameMedia, URL: "https://media.example.com/jazz.mp3"})
		_ = conn.WriteJSON(Frame{Type: FrameExtern, Data: []byte("volume=3")})
		_ = conn.WriteJSON(Frame{Type: FrameEnd})
		_, _, _ = conn.ReadMessage()
	})

	req := engine.SessionRequest{TurnID: "turn-1", RequestID: "req-1", Methods: engine.MethodASR | engine.MethodTTS}
	require.NoError(t, client.Open(context.Background(), req))

	select {
	case start := <-started:
		assert.Equal(t, FrameStart, start.Type)
		assert.Equal(t, "turn-1", start.TurnID)
		assert.Equal(t, "req-1", start.RequestID)
		assert.Equal(t, []string{"asr", "tts"}, start.Methods)
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for start frame")
	}

	require.Eventually(t, func() bool { return len(deliverer.snapshot()) == 8 }, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, []engine.ClientEventKind{
		engine.ClientAsrBegin,
		engine.ClientAsrResult,
		engine.ClientNlpResult,
		engine.ClientTtsData,
		engine.ClientTtsEnd,
		engine.ClientMediaURL,
		engine.ClientExternData,
		engine.ClientAsrEnd,
	}, deliverer.kinds())

	events := deliverer.snapshot()
	for _, event := range events {
		assert.Equal(t, "req-1", event.RequestID)
	}
	assert.Equal(t, "play jazz", events[1].Text)
	assert.Equal(t, []byte{1, 2, 3}, events[3].Data)
	assert.Equal(t, "https://media.example.com/jazz.mp3", events[5].URL)
	assert.Equal(t, []byte("volume=3"), events[6].Data)

	assert.Equal(t, "turn-1", query["sn"])
	assert.Equal(t, "3", query["methods"])
	assert.Equal(t, "kitchen", query["device"])
}

func TestClientReportsRejectedCredentialsAsAuthError(t *testing.T) {
	client, deliverer := newTestServer(t, func(*http.Request, *websocket.Conn) {})
	client.tokens = func(context.Context) (string, error) { return "wrong", nil }

	require.NoError(t, client.Open(context.Background(), engine.SessionRequest{TurnID: "t", RequestID: "r"}))

	require.Eventually(t, func() bool { return len(deliverer.snapshot()) == 1 }, 2*time.Second, 10*time.Millisecond)
	event := deliverer.snapshot()[0]
	assert.Equal(t, engine.ClientAsrError, event.Kind)
	assert.True(t, errors.Is(event.Err, engine.ErrAuth), "expected auth error, got %v", event.Err)
}

func TestClientReportsMalformedFrameAsProtocolError(t *testing.T) {
	client, deliverer := newTestServer(t, func(_ *http.Request, conn *websocket.Conn) {
		var start Frame
		_ = conn.ReadJSON(&start)
		_ = conn.WriteMessage(websocket.TextMessage, []byte("not json"))
		_, _, _ = conn.ReadMessage()
	})

	require.NoError(t, client.Open(context.Background(), engine.SessionRequest{TurnID: "t", RequestID: "r"}))

	require.Eventually(t, func() bool { return len(deliverer.snapshot()) == 1 }, 2*time.Second, 10*time.Millisecond)
	event := deliverer.snapshot()[0]
	assert.Equal(t, engine.ClientAsrError, event.Kind)
	assert.True(t, errors.Is(event.Err, engine.ErrProtocol), "expected protocol error, got %v", event.Err)
}

func TestClientMapsErrorFrameCodes(t *testing.T) {
	client, deliverer := newTestServer(t, func(_ *http.Request, conn *websocket.Conn) {
		var start Frame
		_ = conn.ReadJSON(&start)
		_ = conn.WriteJSON(Frame{Type: FrameError, Code: CodeTimeout, Message: "no speech"})
		_, _, _ = conn.ReadMessage()
	})

	require.NoError(t, client.Open(context.Background(), engine.SessionRequest{TurnID: "t", RequestID: "r"}))

	require.Eventually(t, func() bool { return len(deliverer.snapshot()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.True(t, errors.Is(deliverer.snapshot()[0].Err, engine.ErrTimeout))
}

func TestClientCancelSendsCancelFrame(t *testing.T) {
	cancelled := make(chan Frame, 1)
	ready := make(chan struct{})

	client, deliverer := newTestServer(t, func(_ *http.Request, conn *websocket.Conn) {
		var start Frame
		if err := conn.ReadJSON(&start); err != nil {
			return
		}
		close(ready)

		var frame Frame
		if err := conn.ReadJSON(&frame); err == nil {
			cancelled <- frame
		}
	})

	require.NoError(t, client.Open(context.Background(), engine.SessionRequest{TurnID: "t", RequestID: "r"}))

	select {
	case <-ready:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for session start")
	}

	require.NoError(t, client.Cancel(context.Background(), "r"))

	select {
	case frame := <-cancelled:
		assert.Equal(t, FrameCancel, frame.Type)
		assert.Equal(t, "r", frame.RequestID)
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for cancel frame")
	}

	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, deliverer.snapshot(), "expected no error after cancellation")
}

func TestOpenRequiresAttachedEngine(t *testing.T) {
	client, err := New(Config{Host: "speech.example.com"})
	require.NoError(t, err)

	err = client.Open(context.Background(), engine.SessionRequest{RequestID: "r"})
	assert.True(t, errors.Is(err, engine.ErrConfig))
}

func TestSessionURLFollowsTransport(t *testing.T) {
	req := engine.SessionRequest{TurnID: "turn", Methods: engine.MethodASR}

	tls, err := New(Config{Transport: engine.TransportTLS, Host: "speech.example.com"})
	require.NoError(t, err)
	assert.Equal(t, "wss://speech.example.com:443/v1/session?methods=1&sn=turn", tls.SessionURL(req))

	tcp, err := New(Config{Transport: engine.TransportTCP, Host: "speech.example.com"})
	require.NoError(t, err)
	assert.Equal(t, "ws://speech.example.com:80/v1/session?methods=1&sn=turn", tcp.SessionURL(req))
}

func TestFrameSchemaListsFrameTypes(t *testing.T) {
	schema, err := FrameSchema()
	require.NoError(t, err)

	var decoded struct {
		Properties map[string]struct {
			Enum []string `json:"enum"`
		} `json:"properties"`
	}
	require.NoError(t, json.Unmarshal(schema, &decoded))
	assert.Contains(t, decoded.Properties["type"].Enum, FrameTtsEnd)
	assert.Contains(t, decoded.Properties, "request_id")
}
