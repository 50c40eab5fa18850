// Package ws implements the persistent realtime connection to the Casambi
// cloud bridge. One Client serves one network and is multiplexed with other
// clients of the same process through its wire id.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"nhooyr.io/websocket"
)

// DefaultURL is the production Casambi bridge endpoint.
const DefaultURL = "wss://door.casambi.com/v1/bridge/"

// State is the lifecycle state of a realtime connection.
type State string

const (
	StateDisconnected State = "disconnected"
	StateStarting     State = "starting"
	StateRunning      State = "running"
	StateStopped      State = "stopped"
)

// EventKind tags events delivered to the owner.
type EventKind int

const (
	// EventData signals a decoded inbound frame.
	EventData EventKind = iota
	// EventState signals a connection state change.
	EventState
)

// Event is delivered to the owner's event channel. Payload is set for
// EventData, State for EventState. Wire identifies the originating
// connection in both cases.
type Event struct {
	Kind    EventKind
	Wire    int
	Payload map[string]any
	State   State
}

// errMalformedFrame marks inbound frames the bridge should never produce.
// It is treated as a bug rather than an operational fault: the run loop
// records it and exits instead of redialling.
var errMalformedFrame = errors.New("malformed frame")

// Config holds the parameters of one realtime connection.
type Config struct {
	APIKey    string
	NetworkID string
	SessionID string
	Wire      int

	// URL overrides the bridge endpoint (used by tests).
	URL string
	// RedialInterval is the pause between connection attempts after a
	// failure. Defaults to one minute.
	RedialInterval time.Duration
	// PingInterval is the protocol-level heartbeat period. Defaults to
	// fifteen seconds.
	PingInterval time.Duration
}

// Client is one persistent bidirectional connection to the Casambi bridge.
type Client struct {
	apiKey    string
	networkID string
	wire      int
	url       string
	redial    time.Duration
	ping      time.Duration

	events chan<- Event
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	looping atomic.Bool

	mu          sync.Mutex
	sessionID   string
	state       State
	conn        *websocket.Conn
	lastPayload map[string]any
}

// NewClient creates a realtime connection for one network. Events are
// delivered on the supplied channel; the owner must keep draining it.
func NewClient(cfg Config, events chan<- Event, logger *slog.Logger) *Client {
	if cfg.URL == "" {
		cfg.URL = DefaultURL
	}
	if cfg.RedialInterval <= 0 {
		cfg.RedialInterval = time.Minute
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 15 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		apiKey:    cfg.APIKey,
		networkID: cfg.NetworkID,
		sessionID: cfg.SessionID,
		wire:      cfg.Wire,
		url:       cfg.URL,
		redial:    cfg.RedialInterval,
		ping:      cfg.PingInterval,
		events:    events,
		logger:    logger.With("component", "ws", "network", cfg.NetworkID, "wire", cfg.Wire),
		ctx:       ctx,
		cancel:    cancel,
		state:     StateDisconnected,
	}
}

// Wire returns the wire id of this connection.
func (c *Client) Wire() int {
	return c.wire
}

// NetworkID returns the network this connection serves.
func (c *Client) NetworkID() string {
	return c.networkID
}

// State returns the current lifecycle state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SetSessionID replaces the session id used for the open handshake. It does
// not touch the live socket; call Restart to re-handshake.
func (c *Client) SetSessionID(id string) {
	c.mu.Lock()
	c.sessionID = id
	c.mu.Unlock()
}

// LastPayload returns the most recently received frame, nil before the
// first one.
func (c *Client) LastPayload() map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastPayload
}

// setState assigns the lifecycle state and notifies the owner. Every
// assignment emits, including redundant ones. A stopped connection stays
// stopped: a racing read failure must not overwrite a user shutdown.
func (c *Client) setState(s State) {
	c.mu.Lock()
	if c.state == StateStopped && s != StateStopped {
		c.mu.Unlock()
		return
	}
	c.state = s
	c.mu.Unlock()

	c.logger.Debug("connection state", "state", string(s))
	select {
	case c.events <- Event{Kind: EventState, Wire: c.wire, State: s}:
	case <-c.ctx.Done():
	}
}

// Start schedules the connection loop as a background goroutine and returns
// immediately. Calling Start on a running connection is a no-op.
func (c *Client) Start() {
	if c.State() == StateRunning {
		return
	}
	if !c.looping.CompareAndSwap(false, true) {
		return
	}
	c.setState(StateStarting)
	go c.run()
}

// Stop terminates the connection permanently.
func (c *Client) Stop() {
	c.setState(StateStopped)
	c.cancel()
	c.closeConn(websocket.StatusNormalClosure, "client shutdown")
}

// Restart drops the live socket so the connection loop re-dials and
// re-issues the open handshake with the current session id. No-op on a
// stopped connection.
func (c *Client) Restart() {
	if c.State() == StateStopped {
		return
	}
	c.closeConn(websocket.StatusNormalClosure, "session refresh")
}

func (c *Client) closeConn(code websocket.StatusCode, reason string) {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn != nil {
		conn.Close(code, reason)
	}
}

// Send serializes message as one text frame. It reports success instead of
// returning an error so the caller can decide on reconnection without
// unwinding; a failed write forces the disconnected state.
func (c *Client) Send(message map[string]any) bool {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()

	if conn == nil {
		c.logger.Error("send on closed connection")
		c.setState(StateDisconnected)
		return false
	}

	data, err := json.Marshal(message)
	if err != nil {
		c.logger.Error("marshal outbound message", "err", err)
		return false
	}

	ctx, cancel := context.WithTimeout(c.ctx, 10*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		c.logger.Error("write frame", "err", err)
		c.setState(StateDisconnected)
		return false
	}
	return true
}

// run dials and services the connection until Stop, redialling after
// operational failures. A malformed inbound frame is treated as a bug: it
// is logged and the loop exits without retrying.
func (c *Client) run() {
	defer c.looping.Store(false)

	for {
		err := c.serve()

		if c.State() == StateStopped {
			return
		}
		c.setState(StateDisconnected)

		if errors.Is(err, errMalformedFrame) {
			c.logger.Error("unexpected protocol error, giving up", "err", err)
			return
		}
		if err != nil {
			c.logger.Warn("connection lost", "err", err)
		}

		select {
		case <-time.After(c.redial):
		case <-c.ctx.Done():
			return
		}
	}
}

// serve opens one socket, performs the handshake, and pumps inbound frames
// until the connection fails or is stopped.
func (c *Client) serve() error {
	dialCtx, cancel := context.WithTimeout(c.ctx, 30*time.Second)
	conn, _, err := websocket.Dial(dialCtx, c.url, &websocket.DialOptions{
		Subprotocols: []string{c.apiKey},
	})
	cancel()
	if err != nil {
		return fmt.Errorf("dial bridge: %w", err)
	}
	conn.SetReadLimit(1 << 20)

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	defer func() {
		conn.CloseNow()
		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
	}()

	c.setState(StateRunning)

	if err := c.sendOpen(conn); err != nil {
		return fmt.Errorf("open handshake: %w", err)
	}

	loopCtx, stopLoop := context.WithCancel(c.ctx)
	defer stopLoop()
	go c.heartbeat(loopCtx, conn)

	for {
		if c.State() == StateStopped {
			return nil
		}

		_, data, err := conn.Read(loopCtx)
		if err != nil {
			if status := websocket.CloseStatus(err); status != -1 {
				return fmt.Errorf("connection closed by remote (%d)", status)
			}
			return fmt.Errorf("read frame: %w", err)
		}

		var payload map[string]any
		if err := json.Unmarshal(data, &payload); err != nil {
			return fmt.Errorf("%w: %v", errMalformedFrame, err)
		}

		c.mu.Lock()
		c.lastPayload = payload
		c.mu.Unlock()

		select {
		case c.events <- Event{Kind: EventData, Wire: c.wire, Payload: payload}:
		case <-c.ctx.Done():
			return nil
		}
	}
}

// sendOpen issues the vendor open handshake binding this socket to the
// network, session, and wire id.
func (c *Client) sendOpen(conn *websocket.Conn) error {
	c.mu.Lock()
	sessionID := c.sessionID
	c.mu.Unlock()

	message := map[string]any{
		"method":  "open",
		"id":      c.networkID,
		"session": sessionID,
		"ref":     uuid.NewString(),
		"wire":    c.wire,
		"type":    1, // client type FRONTEND
	}
	data, err := json.Marshal(message)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(c.ctx, 10*time.Second)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, data)
}

func (c *Client) heartbeat(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(c.ping)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				// The read loop observes the same failure and handles it.
				return
			}
		}
	}
}
