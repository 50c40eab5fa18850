package controller

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go-casambi/internal/api"
	"go-casambi/internal/ws"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeOwner satisfies Owner for unit-level tests.
type fakeOwner struct {
	mu    sync.Mutex
	sent  []map[string]any
	state ws.State
	err   error
}

func (f *fakeOwner) SendMessage(networkID string, message map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, message)
	return f.err
}

func (f *fakeOwner) ConnectionState(networkID string) ws.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeOwner) lastSent() map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sent) == 0 {
		return nil
	}
	return f.sent[len(f.sent)-1]
}

func (f *fakeOwner) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

// fakeConn satisfies realtimeConn for controller-level tests.
type fakeConn struct {
	mu        sync.Mutex
	wire      int
	state     ws.State
	sessionID string
	sendOK    bool
	sent      []map[string]any
	restarts  int
}

func (f *fakeConn) Start() {
	f.mu.Lock()
	f.state = ws.StateRunning
	f.mu.Unlock()
}

func (f *fakeConn) Stop() {
	f.mu.Lock()
	f.state = ws.StateStopped
	f.mu.Unlock()
}

func (f *fakeConn) Restart() {
	f.mu.Lock()
	f.restarts++
	f.mu.Unlock()
}

func (f *fakeConn) Send(message map[string]any) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, message)
	return f.sendOK
}

func (f *fakeConn) State() ws.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeConn) SetSessionID(id string) {
	f.mu.Lock()
	f.sessionID = id
	f.mu.Unlock()
}

func (f *fakeConn) snapshot() (string, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sessionID, f.restarts
}

// newCloudStub serves a minimal two-network cloud.
func newCloudStub(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	writeJSON := func(w http.ResponseWriter, body string) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(body))
	}
	mux.HandleFunc("POST /users/session", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, `{
			"sessionId": "user-session",
			"networks": {
				"net1": {"id": "net1", "name": "Home"},
				"net2": {"id": "net2", "name": "Office"}
			}
		}`)
	})
	mux.HandleFunc("POST /networks/session", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, `{"net1": {"id": "net1", "name": "Home", "sessionId": "net1-session"}}`)
	})
	mux.HandleFunc("GET /networks/net1", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, `{
			"id": "net1", "name": "Home",
			"units": {
				"1": {"name": "Spot", "address": "aabbccddee01", "type": "Luminaire", "fixtureId": 4027},
				"2": {"name": "Strip", "address": "aabbccddee02", "type": "Luminaire", "fixtureId": 4027}
			},
			"scenes": {"10": {"name": "Evening"}}
		}`)
	})
	mux.HandleFunc("GET /networks/net2", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, `{
			"id": "net2", "name": "Office",
			"units": {"1": {"name": "Desk", "address": "ffeeddccbb01", "type": "Luminaire"}},
			"scenes": {}
		}`)
	})
	mux.HandleFunc("GET /networks/net1/state", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, `{
			"units": {
				"1": {"online": true, "name": "Spot", "controls": [[{"type": "Dimmer", "value": 0.4}]]},
				"2": {"online": false}
			}
		}`)
	})
	mux.HandleFunc("GET /networks/net2/state", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, `{"units": {"1": {"online": true}}}`)
	})
	mux.HandleFunc("GET /networks/{network}/units/{unit}/state", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, `{"controls": [{"type": "Dimmer", "value": 0.4}, {"type": "CCT", "min": 2700, "max": 4000, "value": 3000}]}`)
	})
	mux.HandleFunc("GET /fixtures/{id}", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, `{"type": "Luminaire", "vendor": "Casambi", "model": "CBU-PWM4"}`)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func newTestController(t *testing.T, srv *httptest.Server) (*Controller, map[string]*fakeConn) {
	t.Helper()
	client := api.NewClient("test-key", testLogger(), api.WithBaseURL(srv.URL))
	bus := NewEventBus(testLogger())
	c := NewController(Config{
		Email:            "user@example.com",
		UserPassword:     "user-pass",
		NetworkPassword:  "net-pass",
		APIKey:           "test-key",
		RequestBackoff:   time.Millisecond,
		ReconnectBackoff: time.Millisecond,
	}, client, bus, nil, testLogger())

	conns := make(map[string]*fakeConn)
	var mu sync.Mutex
	c.newConn = func(cfg ws.Config, events chan<- ws.Event, logger *slog.Logger) realtimeConn {
		fc := &fakeConn{wire: cfg.Wire, sessionID: cfg.SessionID, sendOK: true}
		mu.Lock()
		conns[cfg.NetworkID] = fc
		mu.Unlock()
		return fc
	}
	t.Cleanup(c.Stop)
	return c, conns
}

func startTestController(t *testing.T, srv *httptest.Server) (*Controller, map[string]*fakeConn) {
	t.Helper()
	c, conns := newTestController(t, srv)
	ctx := context.Background()
	if err := c.CreateSession(ctx); err != nil {
		t.Fatalf("create session: %v", err)
	}
	if err := c.Initialize(ctx); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if err := c.StartWebsockets(); err != nil {
		t.Fatalf("start websockets: %v", err)
	}
	return c, conns
}

func TestCreateSessionNoCredentials(t *testing.T) {
	srv := newCloudStub(t)
	client := api.NewClient("k", testLogger(), api.WithBaseURL(srv.URL))
	c := NewController(Config{Email: "u@example.com"}, client, NewEventBus(testLogger()), nil, testLogger())
	defer c.Stop()

	err := c.CreateSession(context.Background())
	if !errors.Is(err, ErrNoSession) {
		t.Fatalf("got %v, want ErrNoSession", err)
	}
}

func TestCreateSessionBadCredentials(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	client := api.NewClient("k", testLogger(), api.WithBaseURL(srv.URL))
	c := NewController(Config{
		Email: "u@example.com", UserPassword: "bad", NetworkPassword: "bad",
	}, client, NewEventBus(testLogger()), nil, testLogger())
	defer c.Stop()

	err := c.CreateSession(context.Background())
	if !errors.Is(err, ErrNoSession) {
		t.Fatalf("got %v, want ErrNoSession", err)
	}
}

func TestSessionIDPrefersNetworkSession(t *testing.T) {
	srv := newCloudStub(t)
	c, _ := newTestController(t, srv)
	if err := c.CreateSession(context.Background()); err != nil {
		t.Fatalf("create session: %v", err)
	}
	// net1 has a dedicated network session; net2 only the umbrella one.
	if got := c.sessionIDFor("net1"); got != "net1-session" {
		t.Errorf("net1 session = %q", got)
	}
	if got := c.sessionIDFor("net2"); got != "user-session" {
		t.Errorf("net2 session = %q", got)
	}
}

func TestInitializeBuildsCollections(t *testing.T) {
	srv := newCloudStub(t)
	c, _ := newTestController(t, srv)

	var discovered []Event
	var mu sync.Mutex
	c.bus.On(EventUnitsDiscovered, func(ev Event) {
		mu.Lock()
		discovered = append(discovered, ev)
		mu.Unlock()
	})

	ctx := context.Background()
	if err := c.CreateSession(ctx); err != nil {
		t.Fatalf("create session: %v", err)
	}
	if err := c.Initialize(ctx); err != nil {
		t.Fatalf("initialize: %v", err)
	}

	units := c.Units("net1")
	if units == nil || units.Len() != 2 {
		t.Fatalf("net1 units = %v", units)
	}
	u, ok := units.Get(1)
	if !ok {
		t.Fatal("unit 1 missing")
	}
	if u.Value() != 0.4 || u.State() != UnitStateOn {
		t.Errorf("unit 1 value = %v state = %q", u.Value(), u.State())
	}
	if !u.SupportsColorTemperature() {
		t.Error("unit 1 should have CCT control after enrichment")
	}
	// fixtureId 4027 is in the built-in table.
	if u.OEM() != "Casambi" {
		t.Errorf("unit 1 OEM = %q", u.OEM())
	}

	scenes := c.Scenes("net1")
	if scenes == nil || scenes.Len() != 1 {
		t.Fatalf("net1 scenes = %v", scenes)
	}
	if s, ok := scenes.Get(10); !ok || s.Name() != "Evening" {
		t.Errorf("scene 10 = %v", s)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(discovered) != 2 {
		t.Fatalf("discovery events = %d, want one per network", len(discovered))
	}
}

func TestInitializeDropsInaccessibleNetwork(t *testing.T) {
	srv := newCloudStub(t)
	// net2 turns out to be inaccessible with these sessions.
	mux := http.NewServeMux()
	mux.HandleFunc("GET /networks/net2", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})
	mux.Handle("/", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		srv.Config.Handler.ServeHTTP(w, r)
	}))
	wrapped := httptest.NewServer(mux)
	defer wrapped.Close()

	c, _ := newTestController(t, wrapped)
	ctx := context.Background()
	if err := c.CreateSession(ctx); err != nil {
		t.Fatalf("create session: %v", err)
	}
	if err := c.Initialize(ctx); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if c.Units("net2") != nil {
		t.Error("net2 should have been dropped")
	}
	if c.Units("net1") == nil {
		t.Error("net1 should have survived")
	}
}

func TestInitializeRetriesTransientFailures(t *testing.T) {
	srv := newCloudStub(t)
	// The cloud rate-limits the first hit on each initialization step
	// before recovering.
	var infoFails, stateFails, unitFails atomic.Int32
	infoFails.Store(1)
	stateFails.Store(1)
	unitFails.Store(1)
	throttled := func(left *atomic.Int32, w http.ResponseWriter, r *http.Request) {
		if left.Add(-1) >= 0 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		srv.Config.Handler.ServeHTTP(w, r)
	}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /networks/net1", func(w http.ResponseWriter, r *http.Request) {
		throttled(&infoFails, w, r)
	})
	mux.HandleFunc("GET /networks/net1/state", func(w http.ResponseWriter, r *http.Request) {
		throttled(&stateFails, w, r)
	})
	mux.HandleFunc("GET /networks/net1/units/1/state", func(w http.ResponseWriter, r *http.Request) {
		throttled(&unitFails, w, r)
	})
	mux.Handle("/", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		srv.Config.Handler.ServeHTTP(w, r)
	}))
	wrapped := httptest.NewServer(mux)
	defer wrapped.Close()

	c, _ := newTestController(t, wrapped)
	ctx := context.Background()
	if err := c.CreateSession(ctx); err != nil {
		t.Fatalf("create session: %v", err)
	}
	if err := c.Initialize(ctx); err != nil {
		t.Fatalf("initialize should ride out transient failures: %v", err)
	}

	u, ok := c.Units("net1").Get(1)
	if !ok {
		t.Fatal("unit 1 missing")
	}
	if u.Value() != 0.4 {
		t.Errorf("value = %v, want snapshot applied after retry", u.Value())
	}
	if !u.SupportsColorTemperature() {
		t.Error("enrichment skipped despite retry")
	}
}

func TestStartWebsocketsAllocatesDistinctWires(t *testing.T) {
	srv := newCloudStub(t)
	c, conns := startTestController(t, srv)

	if len(conns) != 2 {
		t.Fatalf("connections = %d", len(conns))
	}
	w1 := conns["net1"].wire
	w2 := conns["net2"].wire
	if w1 == w2 {
		t.Errorf("wires collide: %d", w1)
	}
	for _, w := range []int{w1, w2} {
		if w < 1 || w > 100 {
			t.Errorf("wire %d out of range", w)
		}
	}
	// Units carry their network's wire for command envelopes.
	u, _ := c.Units("net1").Get(1)
	if u.Wire() != w1 {
		t.Errorf("unit wire = %d, want %d", u.Wire(), w1)
	}
	// Calling again must not duplicate connections.
	if err := c.StartWebsockets(); err != nil {
		t.Fatalf("restart websockets: %v", err)
	}
	if len(conns) != 2 {
		t.Errorf("connections after second start = %d", len(conns))
	}
}

func TestDispatchRoutesByWire(t *testing.T) {
	srv := newCloudStub(t)
	c, conns := startTestController(t, srv)

	changed := make(chan Event, 8)
	c.bus.On(EventUnitsChanged, func(ev Event) { changed <- ev })

	c.events <- ws.Event{
		Kind: ws.EventData,
		Wire: conns["net1"].wire,
		Payload: map[string]any{
			"method":   "unitChanged",
			"id":       float64(1),
			"online":   true,
			"controls": []any{map[string]any{"type": "Dimmer", "value": 0.9}},
		},
	}

	select {
	case ev := <-changed:
		if ev.NetworkID != "net1" {
			t.Fatalf("event network = %q", ev.NetworkID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no units_changed event")
	}

	u1, _ := c.Units("net1").Get(1)
	if u1.Value() != 0.9 {
		t.Errorf("net1 unit value = %v", u1.Value())
	}
	// The identically numbered unit on the other network must be untouched.
	u2, _ := c.Units("net2").Get(1)
	if u2.Value() != 0 {
		t.Errorf("net2 unit value = %v, want untouched", u2.Value())
	}
}

func TestDispatchPeerChanged(t *testing.T) {
	srv := newCloudStub(t)
	c, conns := startTestController(t, srv)

	changed := make(chan Event, 8)
	c.bus.On(EventUnitsChanged, func(ev Event) { changed <- ev })

	c.events <- ws.Event{
		Kind:    ws.EventData,
		Wire:    conns["net1"].wire,
		Payload: map[string]any{"method": "peerChanged", "online": true},
	}

	select {
	case ev := <-changed:
		touched, _ := ev.Data.(map[string]*Unit)
		if len(touched) != 2 {
			t.Fatalf("peerChanged touched %d units, want 2", len(touched))
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no units_changed event")
	}
}

func TestConnectionStateEvents(t *testing.T) {
	srv := newCloudStub(t)
	c, conns := startTestController(t, srv)

	states := make(chan Event, 8)
	c.bus.On(EventConnectionState, func(ev Event) { states <- ev })

	c.events <- ws.Event{
		Kind:  ws.EventState,
		Wire:  conns["net1"].wire,
		State: ws.StateDisconnected,
	}

	select {
	case ev := <-states:
		if ev.NetworkID != "net1" || ev.Data != string(ws.StateDisconnected) {
			t.Fatalf("event = %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no connection_state event")
	}
}

func TestSendMessageRoutesToNetworkConn(t *testing.T) {
	srv := newCloudStub(t)
	c, conns := startTestController(t, srv)

	u, _ := c.Units("net1").Get(1)
	if err := u.SetValue(0.5); err != nil {
		t.Fatalf("set value: %v", err)
	}

	net1 := conns["net1"]
	net1.mu.Lock()
	var control map[string]any
	for _, m := range net1.sent {
		if m["method"] == "controlUnit" {
			control = m
		}
	}
	net1.mu.Unlock()
	if control == nil {
		t.Fatal("no controlUnit frame on net1 wire")
	}
	if control["wire"] != net1.wire || control["id"] != 1 {
		t.Errorf("envelope = %v", control)
	}

	conns["net2"].mu.Lock()
	for _, m := range conns["net2"].sent {
		if m["method"] == "controlUnit" {
			t.Error("control frame leaked to net2 wire")
		}
	}
	conns["net2"].mu.Unlock()
}

func TestSendFailureTriggersReconnect(t *testing.T) {
	srv := newCloudStub(t)
	c, conns := startTestController(t, srv)

	conns["net1"].mu.Lock()
	conns["net1"].sendOK = false
	conns["net1"].mu.Unlock()

	if err := c.SendMessage("net1", map[string]any{"method": "ping"}); err == nil {
		t.Fatal("send on broken wire should fail")
	}

	// The reconnect runs asynchronously: sessions are refreshed and every
	// connection re-handshakes.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		_, r1 := conns["net1"].snapshot()
		_, r2 := conns["net2"].snapshot()
		if r1 >= 1 && r2 >= 1 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("reconnect did not restart connections")
}

func TestReconnectRefreshesSessions(t *testing.T) {
	srv := newCloudStub(t)
	c, conns := startTestController(t, srv)

	c.Reconnect(context.Background())

	s1, r1 := conns["net1"].snapshot()
	if s1 != "net1-session" || r1 != 1 {
		t.Errorf("net1 session = %q restarts = %d", s1, r1)
	}
	s2, r2 := conns["net2"].snapshot()
	if s2 != "user-session" || r2 != 1 {
		t.Errorf("net2 session = %q restarts = %d", s2, r2)
	}
	if len(conns) != 2 {
		t.Errorf("reconnect created connections: %d", len(conns))
	}
}

func TestConnectionStateWithoutConn(t *testing.T) {
	srv := newCloudStub(t)
	c, _ := newTestController(t, srv)
	if got := c.ConnectionState("nope"); got != ws.StateDisconnected {
		t.Errorf("state = %v", got)
	}
}

func TestHealthy(t *testing.T) {
	srv := newCloudStub(t)
	c, conns := startTestController(t, srv)

	if !c.Healthy() {
		t.Fatal("all connections running, should be healthy")
	}
	conns["net2"].mu.Lock()
	conns["net2"].state = ws.StateDisconnected
	conns["net2"].mu.Unlock()
	if c.Healthy() {
		t.Fatal("one connection down, should be unhealthy")
	}
}

func TestRefreshNetworkStateEmits(t *testing.T) {
	srv := newCloudStub(t)
	c, _ := startTestController(t, srv)

	changed := make(chan Event, 8)
	c.bus.On(EventUnitsChanged, func(ev Event) { changed <- ev })

	if err := c.RefreshNetworkState(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	select {
	case <-changed:
	case <-time.After(2 * time.Second):
		t.Fatal("no units_changed event from poll")
	}
}
