// Package controller coordinates the Casambi cloud client: REST sessions,
// one realtime connection per network, the in-memory unit and scene
// collections, and the event fan-out to the rest of the process.
package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go-casambi/internal/api"
	"go-casambi/internal/store"
	"go-casambi/internal/ws"
)

var (
	// ErrNoSession means no configured credential yielded a session.
	ErrNoSession = errors.New("no credential yielded a session")
	// ErrNoNetworks means the sessions grant access to zero networks.
	ErrNoNetworks = errors.New("no accessible networks")
)

// Config holds controller settings.
type Config struct {
	Email           string
	UserPassword    string
	NetworkPassword string
	APIKey          string

	// MaxRetries bounds transient-error retries during session creation.
	// Defaults to 10.
	MaxRetries int
	// RequestBackoff is the pause between those retries. Defaults to 1s.
	RequestBackoff time.Duration
	// ReconnectBackoff is the pause between reconnect attempts when the
	// cloud keeps failing. Defaults to 5 minutes.
	ReconnectBackoff time.Duration
	// PingInterval is how often the application-level ping is sent on each
	// wire. Defaults to 3.5 minutes, well inside the cloud's idle timeout.
	PingInterval time.Duration

	// WSURL overrides the bridge endpoint (used by tests).
	WSURL string
}

func (c *Config) applyDefaults() {
	if c.MaxRetries <= 0 {
		c.MaxRetries = 10
	}
	if c.RequestBackoff <= 0 {
		c.RequestBackoff = time.Second
	}
	if c.ReconnectBackoff <= 0 {
		c.ReconnectBackoff = 5 * time.Minute
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 210 * time.Second
	}
}

// realtimeConn is the part of ws.Client the controller drives. Tests swap
// in fakes.
type realtimeConn interface {
	Start()
	Stop()
	Restart()
	Send(message map[string]any) bool
	State() ws.State
	SetSessionID(id string)
}

type connFactory func(cfg ws.Config, events chan<- ws.Event, logger *slog.Logger) realtimeConn

func defaultConnFactory(cfg ws.Config, events chan<- ws.Event, logger *slog.Logger) realtimeConn {
	return ws.NewClient(cfg, events, logger)
}

// Controller owns the whole client: it creates sessions, mirrors network
// state, multiplexes realtime connections by wire id, and publishes events.
type Controller struct {
	cfg    Config
	api    *api.Client
	bus    *EventBus
	db     store.Store
	logger *slog.Logger

	wires   *WireAllocator
	events  chan ws.Event
	quit    chan struct{}
	newConn connFactory

	dispatchOnce sync.Once
	reconnecting atomic.Bool

	mu              sync.RWMutex
	userSession     *api.UserSession
	networkSessions map[string]api.NetworkSession
	unitsByNetwork  map[string]*Units
	scenesByNetwork map[string]*Scenes
	conns           map[string]realtimeConn
	wireToNetwork   map[int]string
	networkToWire   map[string]int

	pingMu   sync.Mutex
	lastPing time.Time
}

// NewController creates a controller. db may be nil to run without the
// local mirror.
func NewController(cfg Config, client *api.Client, bus *EventBus, db store.Store, logger *slog.Logger) *Controller {
	cfg.applyDefaults()
	return &Controller{
		cfg:             cfg,
		api:             client,
		bus:             bus,
		db:              db,
		logger:          logger.With("component", "controller"),
		wires:           NewWireAllocator(),
		events:          make(chan ws.Event, 64),
		quit:            make(chan struct{}),
		newConn:         defaultConnFactory,
		networkSessions: make(map[string]api.NetworkSession),
		unitsByNetwork:  make(map[string]*Units),
		scenesByNetwork: make(map[string]*Scenes),
		conns:           make(map[string]realtimeConn),
		wireToNetwork:   make(map[int]string),
		networkToWire:   make(map[string]int),
	}
}

// CreateSession logs in with the configured credentials, retrying transient
// failures up to MaxRetries. At least one credential must yield a session or
// ErrNoSession is returned.
func (c *Controller) CreateSession(ctx context.Context) error {
	return c.retry(ctx, "session creation", func() error {
		return c.createSessions(ctx)
	})
}

// retry runs fn up to MaxRetries times while the failure stays transient,
// pausing RequestBackoff between attempts. Non-transient errors surface
// immediately.
func (c *Controller) retry(ctx context.Context, what string, fn func() error) error {
	var lastErr error
	for attempt := 0; attempt < c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(c.cfg.RequestBackoff):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		lastErr = fn()
		if lastErr == nil || !api.IsTransient(lastErr) {
			return lastErr
		}
		c.logger.Warn(what+" failed, retrying",
			"attempt", attempt+1, "err", lastErr)
	}
	return fmt.Errorf("%s gave up after %d attempts: %w",
		what, c.cfg.MaxRetries, lastErr)
}

// createSessions performs one login round with each configured credential.
func (c *Controller) createSessions(ctx context.Context) error {
	var userErr, netErr error
	var got bool

	if c.cfg.UserPassword != "" {
		session, err := c.api.CreateUserSession(ctx, c.cfg.Email, c.cfg.UserPassword)
		if err != nil {
			userErr = err
		} else {
			c.mu.Lock()
			c.userSession = session
			c.mu.Unlock()
			got = true
		}
	}
	if c.cfg.NetworkPassword != "" {
		sessions, err := c.api.CreateNetworkSessions(ctx, c.cfg.Email, c.cfg.NetworkPassword)
		if err != nil {
			netErr = err
		} else {
			c.mu.Lock()
			c.networkSessions = sessions
			c.mu.Unlock()
			got = true
		}
	}

	if got {
		if userErr != nil {
			c.logger.Warn("user session login failed", "err", userErr)
		}
		if netErr != nil {
			c.logger.Warn("network session login failed", "err", netErr)
		}
		return nil
	}
	if userErr != nil && api.IsTransient(userErr) {
		return userErr
	}
	if netErr != nil && api.IsTransient(netErr) {
		return netErr
	}
	if userErr == nil && netErr == nil {
		return fmt.Errorf("%w: no credentials configured", ErrNoSession)
	}
	return fmt.Errorf("%w: user=%v network=%v", ErrNoSession, userErr, netErr)
}

// sessionIDFor returns the session id to use for a network, preferring its
// dedicated network session over the umbrella user session.
func (c *Controller) sessionIDFor(networkID string) string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if s, ok := c.networkSessions[networkID]; ok && s.SessionID != "" {
		return s.SessionID
	}
	if c.userSession != nil {
		return c.userSession.SessionID
	}
	return ""
}

// NetworkIDs returns the sorted ids of the networks the sessions grant
// access to.
func (c *Controller) NetworkIDs() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	seen := make(map[string]bool)
	if c.userSession != nil {
		for id := range c.userSession.Networks {
			seen[id] = true
		}
	}
	for id := range c.networkSessions {
		seen[id] = true
	}
	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Initialize builds the unit and scene collections from the static network
// listings, merges the current state snapshots, and enriches units with
// per-unit control lists and fixture metadata. Transient cloud failures are
// retried with the same bound as session creation; networks the sessions
// turn out not to grant access to are dropped with a warning.
func (c *Controller) Initialize(ctx context.Context) error {
	networkIDs := c.NetworkIDs()
	if len(networkIDs) == 0 {
		return ErrNoNetworks
	}

	var kept int
	for _, networkID := range networkIDs {
		var info map[string]any
		err := c.retry(ctx, "network information", func() error {
			var err error
			info, err = c.api.NetworkInformation(ctx, networkID)
			return err
		})
		if err != nil {
			if errors.Is(err, api.ErrUnauthorized) || errors.Is(err, api.ErrInvalidSession) {
				c.logger.Warn("dropping inaccessible network", "network", networkID, "err", err)
				c.dropNetwork(networkID)
				continue
			}
			return fmt.Errorf("initialize network %s: %w", networkID, err)
		}

		unitListing, _ := info["units"].(map[string]any)
		sceneListing, _ := info["scenes"].(map[string]any)
		units := NewUnits(networkID, unitListing, c, c.logger)
		scenes := NewScenes(networkID, sceneListing, c, c.logger)

		c.mu.Lock()
		c.unitsByNetwork[networkID] = units
		c.scenesByNetwork[networkID] = scenes
		c.mu.Unlock()

		var state map[string]any
		err = c.retry(ctx, "network state", func() error {
			var err error
			state, err = c.api.NetworkState(ctx, networkID)
			return err
		})
		if err != nil {
			return fmt.Errorf("initialize network %s: %w", networkID, err)
		}
		discovered := units.ProcessNetworkState(state)

		c.enrichUnits(ctx, networkID, units)

		for _, u := range units.All() {
			c.persistUnit(u)
		}
		c.bus.Emit(Event{
			Type:      EventUnitsDiscovered,
			NetworkID: networkID,
			Data:      discovered,
		})
		c.logger.Info("network initialized",
			"network", networkID, "units", units.Len(), "scenes", scenes.Len())
		kept++
	}

	if kept == 0 {
		return ErrNoNetworks
	}
	return nil
}

// enrichUnits pulls the per-unit control lists and fixture metadata that
// the network snapshot does not carry. A unit whose request keeps failing
// after the bounded retries is tolerated; it just stays less detailed.
func (c *Controller) enrichUnits(ctx context.Context, networkID string, units *Units) {
	fixtureIDs := make(map[int]bool)
	for _, u := range units.All() {
		var state map[string]any
		err := c.retry(ctx, "unit state", func() error {
			var err error
			state, err = c.api.UnitState(ctx, networkID, u.ID())
			return err
		})
		if err != nil {
			if api.IsTransient(err) || errors.Is(err, api.ErrNotFound) {
				c.logger.Warn("skipping unit state",
					"network", networkID, "unit", u.ID(), "err", err)
				continue
			}
			c.logger.Error("unit state request failed",
				"network", networkID, "unit", u.ID(), "err", err)
			continue
		}
		if controls := flattenControls(state["controls"]); len(controls) > 0 {
			u.mergeControls(controls)
		}
		if fid, ok := asInt(state["fixtureId"]); ok {
			u.applyFixtureID(fid)
		}
		if u.FixtureID() != 0 {
			fixtureIDs[u.FixtureID()] = true
		}
	}

	fixtures := make(map[int]api.Fixture, len(fixtureIDs))
	for id := range fixtureIDs {
		f, err := c.fixture(ctx, id)
		if err != nil {
			c.logger.Warn("fixture lookup failed", "fixture", id, "err", err)
			continue
		}
		fixtures[id] = *f
	}
	for _, u := range units.All() {
		if f, ok := fixtures[u.FixtureID()]; ok {
			u.applyFixture(f)
		}
	}
}

// fixture resolves fixture metadata: built-in table first, then the local
// cache, then the cloud. Cloud results are cached.
func (c *Controller) fixture(ctx context.Context, id int) (*api.Fixture, error) {
	if f, ok := builtinFixtures[id]; ok {
		return &f, nil
	}
	if c.db != nil {
		if cached, err := c.db.GetFixture(id); err == nil {
			return &api.Fixture{
				ID: cached.ID, Type: cached.Type,
				Vendor: cached.Vendor, Model: cached.Model,
			}, nil
		} else if !errors.Is(err, store.ErrNotFound) {
			c.logger.Warn("fixture cache read failed", "fixture", id, "err", err)
		}
	}
	f, err := c.api.FixtureInformation(ctx, id)
	if err != nil {
		return nil, err
	}
	if c.db != nil {
		err := c.db.SaveFixture(&store.Fixture{
			ID: f.ID, Type: f.Type, Vendor: f.Vendor, Model: f.Model,
		})
		if err != nil {
			c.logger.Warn("fixture cache write failed", "fixture", id, "err", err)
		}
	}
	return f, nil
}

func (c *Controller) dropNetwork(networkID string) {
	c.mu.Lock()
	delete(c.networkSessions, networkID)
	if c.userSession != nil {
		delete(c.userSession.Networks, networkID)
	}
	c.mu.Unlock()
}

// StartWebsockets opens one realtime connection per initialized network.
// Networks that already have a connection are left alone, so the call is
// safe to repeat after Initialize discovers more networks.
func (c *Controller) StartWebsockets() error {
	c.dispatchOnce.Do(func() { go c.dispatch() })

	c.mu.Lock()
	pending := make([]string, 0, len(c.unitsByNetwork))
	for networkID := range c.unitsByNetwork {
		if _, ok := c.conns[networkID]; !ok {
			pending = append(pending, networkID)
		}
	}
	c.mu.Unlock()
	sort.Strings(pending)

	for _, networkID := range pending {
		wire, err := c.wires.Allocate()
		if err != nil {
			return fmt.Errorf("start websocket for %s: %w", networkID, err)
		}

		conn := c.newConn(ws.Config{
			APIKey:    c.cfg.APIKey,
			NetworkID: networkID,
			SessionID: c.sessionIDFor(networkID),
			Wire:      wire,
			URL:       c.cfg.WSURL,
		}, c.events, c.logger)

		c.mu.Lock()
		c.conns[networkID] = conn
		c.wireToNetwork[wire] = networkID
		c.networkToWire[networkID] = wire
		units := c.unitsByNetwork[networkID]
		scenes := c.scenesByNetwork[networkID]
		c.mu.Unlock()

		units.SetWire(wire)
		scenes.SetWire(wire)
		conn.Start()
		c.logger.Info("realtime connection started", "network", networkID, "wire", wire)
	}
	return nil
}

// dispatch is the single goroutine that serializes all realtime events into
// collection updates and bus emissions.
func (c *Controller) dispatch() {
	for {
		select {
		case ev := <-c.events:
			switch ev.Kind {
			case ws.EventData:
				c.handleData(ev)
			case ws.EventState:
				c.handleState(ev)
			}
		case <-c.quit:
			return
		}
	}
}

func (c *Controller) handleData(ev ws.Event) {
	c.mu.RLock()
	networkID := c.wireToNetwork[ev.Wire]
	units := c.unitsByNetwork[networkID]
	c.mu.RUnlock()
	if networkID == "" || units == nil {
		c.logger.Warn("discarding frame for unknown wire", "wire", ev.Wire)
		return
	}

	method, _ := asString(ev.Payload["method"])
	switch method {
	case "unitChanged":
		touched := units.ProcessUnitEvent(ev.Payload)
		if len(touched) == 0 {
			return
		}
		for _, u := range touched {
			c.persistUnit(u)
		}
		c.bus.Emit(Event{Type: EventUnitsChanged, NetworkID: networkID, Data: touched})
	case "peerChanged":
		touched := units.HandlePeerChanged(ev.Payload)
		for _, u := range touched {
			c.persistUnit(u)
		}
		c.bus.Emit(Event{Type: EventUnitsChanged, NetworkID: networkID, Data: touched})
	case "networkUpdated":
		c.logger.Info("network updated", "network", networkID)
	default:
		c.logger.Debug("unhandled frame", "network", networkID, "method", method)
	}
}

func (c *Controller) handleState(ev ws.Event) {
	c.mu.RLock()
	networkID := c.wireToNetwork[ev.Wire]
	c.mu.RUnlock()
	if networkID == "" {
		return
	}
	c.bus.Emit(Event{
		Type:      EventConnectionState,
		NetworkID: networkID,
		Data:      string(ev.State),
	})
}

// persistUnit mirrors a unit's last-known state to the local store.
func (c *Controller) persistUnit(u *Unit) {
	if c.db == nil {
		return
	}
	err := c.db.SaveUnitState(&store.UnitState{
		UniqueID:  u.UniqueID(),
		NetworkID: u.NetworkID(),
		UnitID:    u.ID(),
		Name:      u.Name(),
		Online:    u.IsOnline(),
		State:     u.State(),
		Value:     u.Value(),
		UpdatedAt: time.Now().UTC(),
	})
	if err != nil {
		c.logger.Warn("persist unit state", "unit", u.UniqueID(), "err", err)
	}
}

// SendMessage routes a command envelope onto the network's wire. A failed
// send triggers an asynchronous session refresh and reconnect. Implements
// Owner.
func (c *Controller) SendMessage(networkID string, message map[string]any) error {
	c.maybePing()

	c.mu.RLock()
	conn := c.conns[networkID]
	c.mu.RUnlock()
	if conn == nil {
		return fmt.Errorf("no realtime connection for network %s", networkID)
	}
	if !conn.Send(message) {
		go c.Reconnect(context.Background())
		return fmt.Errorf("send on network %s failed", networkID)
	}
	return nil
}

// ConnectionState reports the realtime connection state of a network.
// Implements Owner.
func (c *Controller) ConnectionState(networkID string) ws.State {
	c.mu.RLock()
	conn := c.conns[networkID]
	c.mu.RUnlock()
	if conn == nil {
		return ws.StateDisconnected
	}
	return conn.State()
}

// maybePing sends the application-level ping on every wire when the shared
// keep-alive interval has elapsed. Piggybacked on outbound traffic and on
// CheckConnection so no dedicated timer goroutine is needed.
func (c *Controller) maybePing() {
	c.pingMu.Lock()
	if time.Since(c.lastPing) < c.cfg.PingInterval {
		c.pingMu.Unlock()
		return
	}
	c.lastPing = time.Now()
	c.pingMu.Unlock()

	c.mu.RLock()
	conns := make(map[string]realtimeConn, len(c.conns))
	for networkID, conn := range c.conns {
		conns[networkID] = conn
	}
	wires := make(map[string]int, len(c.networkToWire))
	for networkID, wire := range c.networkToWire {
		wires[networkID] = wire
	}
	c.mu.RUnlock()

	for networkID, conn := range conns {
		if conn.State() != ws.StateRunning {
			continue
		}
		if !conn.Send(map[string]any{"method": "ping", "wire": wires[networkID]}) {
			c.logger.Warn("keep-alive ping failed", "network", networkID)
			go c.Reconnect(context.Background())
		}
	}
}

// Reconnect refreshes the sessions and re-handshakes every realtime
// connection. Transient cloud failures are retried indefinitely with
// ReconnectBackoff; concurrent calls collapse into one.
func (c *Controller) Reconnect(ctx context.Context) {
	if !c.reconnecting.CompareAndSwap(false, true) {
		return
	}
	defer c.reconnecting.Store(false)

	c.logger.Info("reconnecting")
	for {
		err := c.createSessions(ctx)
		if err == nil {
			break
		}
		if !api.IsTransient(err) {
			c.logger.Error("reconnect failed", "err", err)
			return
		}
		c.logger.Warn("cloud unreachable, will retry",
			"backoff", c.cfg.ReconnectBackoff, "err", err)
		select {
		case <-time.After(c.cfg.ReconnectBackoff):
		case <-ctx.Done():
			return
		case <-c.quit:
			return
		}
	}

	c.mu.RLock()
	conns := make(map[string]realtimeConn, len(c.conns))
	for networkID, conn := range c.conns {
		conns[networkID] = conn
	}
	c.mu.RUnlock()

	for networkID, conn := range conns {
		conn.SetSessionID(c.sessionIDFor(networkID))
		conn.Restart()
	}
	c.logger.Info("reconnect complete", "connections", len(conns))
}

// Healthy reports whether every realtime connection is running.
func (c *Controller) Healthy() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.conns) == 0 {
		return false
	}
	for _, conn := range c.conns {
		if conn.State() != ws.StateRunning {
			return false
		}
	}
	return true
}

// CheckConnection sends due keep-alives and kicks off a reconnect when any
// connection has fallen over. Meant to be called from a periodic loop.
func (c *Controller) CheckConnection() {
	c.maybePing()
	if !c.Healthy() {
		go c.Reconnect(context.Background())
	}
}

// RefreshNetworkState polls the full state snapshot of every network and
// merges it into the collections. Push frames arriving concurrently win by
// arriving later; no ordering is enforced between poll and push.
func (c *Controller) RefreshNetworkState(ctx context.Context) error {
	c.maybePing()

	c.mu.RLock()
	networks := make(map[string]*Units, len(c.unitsByNetwork))
	for networkID, units := range c.unitsByNetwork {
		networks[networkID] = units
	}
	c.mu.RUnlock()

	for networkID, units := range networks {
		state, err := c.api.NetworkState(ctx, networkID)
		if err != nil {
			return fmt.Errorf("refresh network %s: %w", networkID, err)
		}
		touched := units.ProcessNetworkState(state)
		if len(touched) == 0 {
			continue
		}
		updated := make(map[string]*Unit, len(touched))
		seen := make(map[string]bool, len(touched))
		for _, id := range touched {
			seen[id] = true
		}
		for _, u := range units.All() {
			if seen[u.UniqueID()] {
				updated[u.Key()] = u
				c.persistUnit(u)
			}
		}
		c.bus.Emit(Event{Type: EventUnitsChanged, NetworkID: networkID, Data: updated})
	}
	return nil
}

// Units returns the unit collection of a network, nil when unknown.
func (c *Controller) Units(networkID string) *Units {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.unitsByNetwork[networkID]
}

// Scenes returns the scene collection of a network, nil when unknown.
func (c *Controller) Scenes(networkID string) *Scenes {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.scenesByNetwork[networkID]
}

// StopWebsockets stops every realtime connection and releases the wires.
func (c *Controller) StopWebsockets() {
	c.mu.Lock()
	conns := c.conns
	c.conns = make(map[string]realtimeConn)
	wires := c.networkToWire
	c.networkToWire = make(map[string]int)
	c.wireToNetwork = make(map[int]string)
	c.mu.Unlock()

	for _, conn := range conns {
		conn.Stop()
	}
	for _, wire := range wires {
		c.wires.Release(wire)
	}
}

// Stop shuts the controller down: connections, wires, and the dispatch
// loop.
func (c *Controller) Stop() {
	c.StopWebsockets()
	select {
	case <-c.quit:
	default:
		close(c.quit)
	}
	c.logger.Info("controller stopped")
}
