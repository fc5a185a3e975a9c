// Package integration drives a running server through real sockets and HTTP.
package integration

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"discosync/pkg/types"
)

// ErrClientClosed is returned once the socket has gone away.
var ErrClientClosed = errors.New("client connection closed")

// Client is a socket test client that collects every inbound envelope
type Client struct {
	conn     *websocket.Conn
	messages chan types.Envelope
	done     chan struct{}

	writeMu sync.Mutex // gorilla allows one concurrent writer

	mu       sync.Mutex
	closeErr error
}

// Dial connects to path on the server at baseURL (http:// or https://).
func Dial(ctx context.Context, baseURL, path string) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid server URL: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	u.Path = path

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", u.String(), err)
	}

	c := &Client{
		conn:     conn,
		messages: make(chan types.Envelope, 1024),
		done:     make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// readLoop continuously reads messages from the WebSocket connection
func (c *Client) readLoop() {
	defer close(c.done)

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.mu.Lock()
			c.closeErr = err
			c.mu.Unlock()
			return
		}

		var env types.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}
		c.messages <- env
	}
}

// Send writes one {"type","data"} envelope. data may be nil.
func (c *Client) Send(msgType string, data interface{}) error {
	msg := map[string]interface{}{"type": msgType}
	if data != nil {
		msg["data"] = data
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteJSON(msg)
}

// Join performs the session handshake and waits for the initial STATE_SYNC.
func (c *Client) Join(identity types.Identity, timeout time.Duration) (types.StateSync, error) {
	if err := c.Send(types.MessageTypeJoin, identity); err != nil {
		return types.StateSync{}, err
	}
	env, err := c.WaitFor(types.MessageTypeStateSync, timeout)
	if err != nil {
		return types.StateSync{}, err
	}
	var state types.StateSync
	if err := json.Unmarshal(env.Data, &state); err != nil {
		return types.StateSync{}, err
	}
	return state, nil
}

// WaitFor returns the next envelope of msgType, discarding any other type received first.
func (c *Client) WaitFor(msgType string, timeout time.Duration) (types.Envelope, error) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		select {
		case env := <-c.messages:
			if env.Type == msgType {
				return env, nil
			}
		case <-c.done:
			// drain what arrived before the close
			select {
			case env := <-c.messages:
				if env.Type == msgType {
					return env, nil
				}
				continue
			default:
			}
			return types.Envelope{}, fmt.Errorf("%w waiting for %s: %v", ErrClientClosed, msgType, c.CloseErr())
		case <-deadline.C:
			return types.Envelope{}, fmt.Errorf("timed out waiting for %s", msgType)
		}
	}
}

// Expect reports whether an envelope of msgType arrives within window.
func (c *Client) Expect(msgType string, window time.Duration) bool {
	_, err := c.WaitFor(msgType, window)
	return err == nil
}

// CloseErr is the error that ended the read loop, nil while the socket is open.
func (c *Client) CloseErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeErr
}

// Done is closed when the server side goes away.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Close sends a normal closure and releases the socket.
func (c *Client) Close() error {
	c.writeMu.Lock()
	_ = c.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	)
	c.writeMu.Unlock()
	return c.conn.Close()
}
