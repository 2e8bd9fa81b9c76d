// Package rpcclient is the CLI's half of the daemon's websocket control
// surface: dial, optionally authenticate with a bearer JWT, and issue one
// request/response round trip at a time. Grounded on
// `internal/client/client.go`'s functional-options Client shape, adapted
// from that package's per-call HTTP round trips to this protocol's single
// persistent connection carrying correlation-ID-tagged request/response
// frames (internal/rpc/protocol.go), since the daemon's control surface is
// a websocket, not a REST API.
package rpcclient

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/groblegark/oddjobs/internal/rpc"
)

// Client is a single-connection client for the daemon's RPC surface.
// Requests are serialized: Do holds the connection until it reads back a
// response or error frame matching the request it sent, since the daemon
// always answers request N before request N+1's handler runs.
type Client struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

// Option configures Dial.
type Option func(*dialConfig)

type dialConfig struct {
	authToken string
}

// WithBearerToken sets the Authorization: Bearer header sent during the
// websocket handshake, required whenever the daemon's auth_token is set.
func WithBearerToken(token string) Option {
	return func(c *dialConfig) { c.authToken = token }
}

// Dial connects to a daemon listening at host:port.
func Dial(ctx context.Context, addr string, opts ...Option) (*Client, error) {
	cfg := &dialConfig{}
	for _, opt := range opts {
		opt(cfg)
	}

	u := url.URL{Scheme: "ws", Host: addr, Path: "/ws"}
	header := make(map[string][]string)
	if cfg.authToken != "" {
		header["Authorization"] = []string{"Bearer " + cfg.authToken}
	}

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		return nil, fmt.Errorf("rpcclient: dial %s: %w", addr, err)
	}
	return &Client{conn: conn}, nil
}

// Do sends a method(params) request and decodes the response's result
// into out (which may be nil). It returns the backend's error message
// verbatim when the daemon answers with an error frame.
func (c *Client) Do(ctx context.Context, method string, params, out any) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	req, err := rpc.NewRequest(method, params)
	if err != nil {
		return err
	}
	data, err := req.Marshal()
	if err != nil {
		return err
	}
	if deadline, ok := ctx.Deadline(); ok {
		c.conn.SetWriteDeadline(deadline)
		c.conn.SetReadDeadline(deadline)
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("rpcclient: write %s: %w", method, err)
	}

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("rpcclient: read %s response: %w", method, err)
		}
		resp, err := rpc.ParseMessage(raw)
		if err != nil {
			return err
		}
		if resp.CorrelationID != req.CorrelationID {
			continue
		}
		if resp.Type == rpc.MessageTypeError {
			return fmt.Errorf("rpcclient: %s: %s: %s", method, resp.Error.Code, resp.Error.Message)
		}
		if out == nil {
			return nil
		}
		return resp.UnmarshalResultInto(out)
	}
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	return c.conn.Close()
}
