package api

import (
	"context"
	"fmt"
	"net/http"
)

// NetworkSession describes one network returned by a session login.
// SessionID may be empty in a user-session response, in which case the
// umbrella session id applies.
type NetworkSession struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Grade     string `json:"grade"`
	SessionID string `json:"sessionId"`
}

// UserSession is the response of POST /users/session: one umbrella session
// id plus the networks reachable through it.
type UserSession struct {
	SessionID string                    `json:"sessionId"`
	Networks  map[string]NetworkSession `json:"networks"`
}

// Fixture is the metadata of a hardware product definition.
type Fixture struct {
	ID     int    `json:"id"`
	Type   string `json:"type"`
	Vendor string `json:"vendor"`
	Model  string `json:"model"`
}

type sessionRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// CreateUserSession logs in with the user password. The returned umbrella
// session id is also installed on the client for subsequent requests.
func (c *Client) CreateUserSession(ctx context.Context, email, password string) (*UserSession, error) {
	var session UserSession
	err := c.Request(ctx, http.MethodPost, "/users/session",
		sessionRequest{Email: email, Password: password}, &session)
	if err != nil {
		return nil, fmt.Errorf("create user session: %w", err)
	}
	c.SetSessionID(session.SessionID)
	return &session, nil
}

// CreateNetworkSessions logs in with the network password and returns an
// independent session per accessible network, keyed by network id.
func (c *Client) CreateNetworkSessions(ctx context.Context, email, password string) (map[string]NetworkSession, error) {
	var networks map[string]NetworkSession
	err := c.Request(ctx, http.MethodPost, "/networks/session",
		sessionRequest{Email: email, Password: password}, &networks)
	if err != nil {
		return nil, fmt.Errorf("create network sessions: %w", err)
	}
	return networks, nil
}

// NetworkInformation fetches network metadata including the static unit and
// scene listings.
func (c *Client) NetworkInformation(ctx context.Context, networkID string) (map[string]any, error) {
	var info map[string]any
	err := c.Request(ctx, http.MethodGet, "/networks/"+networkID, nil, &info)
	if err != nil {
		return nil, fmt.Errorf("network information %s: %w", networkID, err)
	}
	return info, nil
}

// NetworkState fetches the full state snapshot of a network.
func (c *Client) NetworkState(ctx context.Context, networkID string) (map[string]any, error) {
	var state map[string]any
	err := c.Request(ctx, http.MethodGet, "/networks/"+networkID+"/state", nil, &state)
	if err != nil {
		return nil, fmt.Errorf("network state %s: %w", networkID, err)
	}
	return state, nil
}

// UnitState fetches the detailed state of a single unit, including its
// controls.
func (c *Client) UnitState(ctx context.Context, networkID string, unitID int) (map[string]any, error) {
	var state map[string]any
	path := fmt.Sprintf("/networks/%s/units/%d/state", networkID, unitID)
	err := c.Request(ctx, http.MethodGet, path, nil, &state)
	if err != nil {
		return nil, fmt.Errorf("unit state %s/%d: %w", networkID, unitID, err)
	}
	return state, nil
}

// FixtureInformation fetches fixture metadata by fixture id.
func (c *Client) FixtureInformation(ctx context.Context, fixtureID int) (*Fixture, error) {
	var fixture Fixture
	err := c.Request(ctx, http.MethodGet, fmt.Sprintf("/fixtures/%d", fixtureID), nil, &fixture)
	if err != nil {
		return nil, fmt.Errorf("fixture %d: %w", fixtureID, err)
	}
	fixture.ID = fixtureID
	return &fixture, nil
}
