package api

import "context"

// Helper performs one-off credential checks without keeping any session
// state around. Useful for config validation flows.
type Helper struct {
	client *Client
}

// NewHelper creates a credential-check helper on top of an existing client.
func NewHelper(client *Client) *Helper {
	return &Helper{client: client}
}

// TestUserPassword verifies that a user-session login succeeds with the
// given credentials. A nil error means the password is valid.
func (h *Helper) TestUserPassword(ctx context.Context, email, password string) error {
	var out map[string]any
	return h.client.Request(ctx, "POST", "/users/session",
		sessionRequest{Email: email, Password: password}, &out)
}

// TestNetworkPassword verifies that a network-session login succeeds with
// the given credentials.
func (h *Helper) TestNetworkPassword(ctx context.Context, email, password string) error {
	var out map[string]any
	return h.client.Request(ctx, "POST", "/networks/session",
		sessionRequest{Email: email, Password: password}, &out)
}
