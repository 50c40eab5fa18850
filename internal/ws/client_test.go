package ws

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"nhooyr.io/websocket"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// testBridge is an in-process stand-in for the cloud bridge. Every accepted
// socket pumps inbound frames to the frames channel.
type testBridge struct {
	srv     *httptest.Server
	frames  chan map[string]any
	accepts atomic.Int32

	// serveConn, when set, takes over the socket after the handshake frame
	// was consumed.
	serveConn func(ctx context.Context, conn *websocket.Conn)
}

func newTestBridge(t *testing.T, apiKey string) *testBridge {
	t.Helper()
	b := &testBridge{frames: make(chan map[string]any, 16)}
	b.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			Subprotocols: []string{apiKey},
		})
		if err != nil {
			return
		}
		b.accepts.Add(1)
		ctx := r.Context()
		for {
			_, data, err := conn.Read(ctx)
			if err != nil {
				return
			}
			var frame map[string]any
			if err := json.Unmarshal(data, &frame); err != nil {
				return
			}
			select {
			case b.frames <- frame:
			default:
			}
			if b.serveConn != nil {
				b.serveConn(ctx, conn)
				return
			}
		}
	}))
	t.Cleanup(b.srv.Close)
	return b
}

func (b *testBridge) url() string {
	return "ws" + strings.TrimPrefix(b.srv.URL, "http")
}

func waitEvent(t *testing.T, events <-chan Event, match func(Event) bool) Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-events:
			if match(ev) {
				return ev
			}
		case <-deadline:
			t.Fatal("timed out waiting for event")
		}
	}
}

func waitFrame(t *testing.T, frames <-chan map[string]any) map[string]any {
	t.Helper()
	select {
	case f := <-frames:
		return f
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for frame")
		return nil
	}
}

func newTestClient(b *testBridge, events chan Event) *Client {
	return NewClient(Config{
		APIKey:         "test-key",
		NetworkID:      "net1",
		SessionID:      "session-1",
		Wire:           3,
		URL:            b.url(),
		RedialInterval: 50 * time.Millisecond,
	}, events, testLogger())
}

func TestOpenHandshake(t *testing.T) {
	b := newTestBridge(t, "test-key")
	events := make(chan Event, 32)
	c := newTestClient(b, events)
	c.Start()
	defer c.Stop()

	open := waitFrame(t, b.frames)
	if open["method"] != "open" {
		t.Errorf("method = %v", open["method"])
	}
	if open["id"] != "net1" {
		t.Errorf("id = %v", open["id"])
	}
	if open["session"] != "session-1" {
		t.Errorf("session = %v", open["session"])
	}
	if wire, _ := open["wire"].(float64); int(wire) != 3 {
		t.Errorf("wire = %v", open["wire"])
	}
	if typ, _ := open["type"].(float64); int(typ) != 1 {
		t.Errorf("type = %v", open["type"])
	}
	if ref, _ := open["ref"].(string); ref == "" {
		t.Error("ref is empty")
	}

	waitEvent(t, events, func(ev Event) bool {
		return ev.Kind == EventState && ev.State == StateRunning
	})
}

func TestInboundFrameDelivery(t *testing.T) {
	b := newTestBridge(t, "test-key")
	b.serveConn = func(ctx context.Context, conn *websocket.Conn) {
		frame := `{"method": "unitChanged", "id": 7, "online": true}`
		conn.Write(ctx, websocket.MessageText, []byte(frame))
		// Hold the socket open until the client goes away.
		conn.Read(ctx)
	}

	events := make(chan Event, 32)
	c := newTestClient(b, events)
	c.Start()
	defer c.Stop()

	ev := waitEvent(t, events, func(ev Event) bool { return ev.Kind == EventData })
	if ev.Wire != 3 {
		t.Errorf("wire = %d", ev.Wire)
	}
	if ev.Payload["method"] != "unitChanged" {
		t.Errorf("payload = %v", ev.Payload)
	}
	if last := c.LastPayload(); last == nil || last["method"] != "unitChanged" {
		t.Errorf("last payload = %v", last)
	}
}

func TestSendOverLiveConnection(t *testing.T) {
	b := newTestBridge(t, "test-key")
	events := make(chan Event, 32)
	c := newTestClient(b, events)
	c.Start()
	defer c.Stop()

	waitFrame(t, b.frames) // handshake
	waitEvent(t, events, func(ev Event) bool {
		return ev.Kind == EventState && ev.State == StateRunning
	})

	msg := map[string]any{
		"wire": 3, "method": "controlUnit", "id": 7,
		"targetControls": map[string]any{"Dimmer": map[string]any{"value": 0.5}},
	}
	if !c.Send(msg) {
		t.Fatal("send failed")
	}

	frame := waitFrame(t, b.frames)
	if frame["method"] != "controlUnit" {
		t.Errorf("method = %v", frame["method"])
	}
	target, _ := frame["targetControls"].(map[string]any)
	dimmer, _ := target["Dimmer"].(map[string]any)
	if v, _ := dimmer["value"].(float64); v != 0.5 {
		t.Errorf("dimmer value = %v", dimmer["value"])
	}
}

func TestSendWithoutConnection(t *testing.T) {
	events := make(chan Event, 32)
	c := NewClient(Config{
		APIKey: "k", NetworkID: "net1", SessionID: "s", Wire: 1,
		URL: "ws://127.0.0.1:1", // never dialed
	}, events, testLogger())

	if c.Send(map[string]any{"method": "ping"}) {
		t.Error("send on idle client reported success")
	}
	if c.State() != StateDisconnected {
		t.Errorf("state = %v", c.State())
	}
}

func TestRedialAfterRemoteClose(t *testing.T) {
	b := newTestBridge(t, "test-key")
	b.serveConn = func(ctx context.Context, conn *websocket.Conn) {
		conn.Close(websocket.StatusGoingAway, "bye")
	}

	events := make(chan Event, 64)
	c := newTestClient(b, events)
	c.Start()
	defer c.Stop()

	waitEvent(t, events, func(ev Event) bool {
		return ev.Kind == EventState && ev.State == StateDisconnected
	})
	// The loop must come back on its own.
	waitEvent(t, events, func(ev Event) bool {
		return ev.Kind == EventState && ev.State == StateRunning
	})
	if got := b.accepts.Load(); got < 2 {
		t.Errorf("accepts = %d, want at least 2", got)
	}
}

func TestStoppedIsTerminal(t *testing.T) {
	b := newTestBridge(t, "test-key")
	events := make(chan Event, 64)
	c := newTestClient(b, events)
	c.Start()

	waitEvent(t, events, func(ev Event) bool {
		return ev.Kind == EventState && ev.State == StateRunning
	})
	c.Stop()
	waitEvent(t, events, func(ev Event) bool {
		return ev.Kind == EventState && ev.State == StateStopped
	})

	// The dying read loop must not resurrect the connection or flip the
	// state back to disconnected.
	deadline := time.After(200 * time.Millisecond)
	for {
		select {
		case ev := <-events:
			if ev.Kind == EventState && ev.State != StateStopped {
				t.Fatalf("state %v emitted after stop", ev.State)
			}
		case <-deadline:
			if c.State() != StateStopped {
				t.Fatalf("state = %v, want stopped", c.State())
			}
			return
		}
	}
}

func TestMalformedFrameGivesUp(t *testing.T) {
	b := newTestBridge(t, "test-key")
	b.serveConn = func(ctx context.Context, conn *websocket.Conn) {
		conn.Write(ctx, websocket.MessageText, []byte("not json"))
		conn.Read(ctx)
	}

	events := make(chan Event, 64)
	c := newTestClient(b, events)
	c.Start()
	defer c.Stop()

	waitEvent(t, events, func(ev Event) bool {
		return ev.Kind == EventState && ev.State == StateDisconnected
	})

	// Well past the redial interval: a protocol bug must not retry.
	time.Sleep(150 * time.Millisecond)
	if got := b.accepts.Load(); got != 1 {
		t.Errorf("accepts = %d, want 1", got)
	}
}

func TestRestartForcesRedial(t *testing.T) {
	b := newTestBridge(t, "test-key")
	events := make(chan Event, 64)
	c := newTestClient(b, events)
	c.Start()
	defer c.Stop()

	open := waitFrame(t, b.frames)
	if open["session"] != "session-1" {
		t.Fatalf("first handshake session = %v", open["session"])
	}

	c.SetSessionID("session-2")
	c.Restart()

	// The next handshake must carry the refreshed session id.
	deadline := time.After(2 * time.Second)
	for {
		var frame map[string]any
		select {
		case frame = <-b.frames:
		case <-deadline:
			t.Fatal("no re-handshake observed")
		}
		if frame["method"] == "open" && frame["session"] == "session-2" {
			return
		}
	}
}
