// Package testutil holds fakes shared by package tests.
package testutil

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"discosync/pkg/types"
)

// ErrBrokenSocket is returned by a RecordingConn told to fail its sends.
var ErrBrokenSocket = errors.New("broken socket")

// RecordingConn is an in-memory connection that keeps every message sent to it.
type RecordingConn struct {
	id string

	mu       sync.Mutex
	messages []types.Envelope
	sendErr  error
	closes   int
}

// NewRecordingConn creates a healthy connection.
func NewRecordingConn(id string) *RecordingConn {
	return &RecordingConn{id: id}
}

func (c *RecordingConn) ID() string {
	return c.id
}

// Send records v, or fails when the connection was broken with FailSends or closed.
func (c *RecordingConn) Send(v interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.sendErr != nil {
		return c.sendErr
	}
	if c.closes > 0 {
		return errors.New("connection closed")
	}

	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	var env types.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return err
	}
	c.messages = append(c.messages, env)
	return nil
}

func (c *RecordingConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closes++
	return nil
}

// FailSends makes every later Send return ErrBrokenSocket.
func (c *RecordingConn) FailSends() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sendErr = ErrBrokenSocket
}

// Closed reports whether Close was called at least once.
func (c *RecordingConn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closes > 0
}

// Messages returns a copy of every recorded message in send order.
func (c *RecordingConn) Messages() []types.Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]types.Envelope, len(c.messages))
	copy(out, c.messages)
	return out
}

// OfType returns the recorded messages of one type in send order.
func (c *RecordingConn) OfType(msgType string) []types.Envelope {
	var out []types.Envelope
	for _, env := range c.Messages() {
		if env.Type == msgType {
			out = append(out, env)
		}
	}
	return out
}

// Last returns the most recent message of one type.
func (c *RecordingConn) Last(msgType string) (types.Envelope, bool) {
	msgs := c.OfType(msgType)
	if len(msgs) == 0 {
		return types.Envelope{}, false
	}
	return msgs[len(msgs)-1], true
}

// Reset forgets every recorded message.
func (c *RecordingConn) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = nil
}

// Decode unmarshals the envelope payload into v.
func Decode(t testing.TB, env types.Envelope, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(env.Data, v), "decode %s payload", env.Type)
}

// Fields unmarshals the envelope payload into a generic object.
func Fields(t testing.TB, env types.Envelope) map[string]interface{} {
	t.Helper()
	fields := make(map[string]interface{})
	Decode(t, env, &fields)
	return fields
}
