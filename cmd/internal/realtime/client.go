package realtime

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"aula/cmd/internal/account"
)

// Client represents one connected presence-channel session.
//
// Send is never closed by the server so concurrent enqueuers cannot panic;
// done signals the connection goroutines to stop instead.
type Client struct {
	ConnID    string
	AccountID string
	Role      account.Role
	Send      chan Envelope

	done      chan struct{}
	closeOnce sync.Once
}

// NewClient constructs a Client with a bounded send queue and a fresh
// connection id.
func NewClient(accountID string, role account.Role, sendQueueSize int) *Client {
	if sendQueueSize <= 0 {
		sendQueueSize = 64
	}
	return &Client{
		ConnID:    uuid.NewString(),
		AccountID: accountID,
		Role:      role,
		Send:      make(chan Envelope, sendQueueSize),
		done:      make(chan struct{}),
	}
}

// ID returns the connection id. Part of the presence coordinator's
// connection contract.
func (c *Client) ID() string { return c.ConnID }

// Evict queues a session.ended notice and signals shutdown. The writer
// drains the queue before closing the socket, so a responsive peer sees
// the reason. When the queue is full the oldest pending envelopes are
// dropped: the eviction notice outranks anything still queued. Safe to
// call repeatedly and never blocks.
func (c *Client) Evict(reason string) {
	if c == nil {
		return
	}
	payload, _ := json.Marshal(SessionEndedPayload{Reason: reason})
	env := newEnvelope(TypeSessionEnded, payload, time.Now().UTC())
	for range cap(c.Send) + 1 {
		select {
		case c.Send <- env:
			c.Close()
			return
		default:
		}
		select {
		case <-c.Send:
		default:
		}
	}
	c.Close()
}

// Done returns a channel closed when the client is shutting down.
func (c *Client) Done() <-chan struct{} {
	if c == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return c.done
}

// Close signals the connection goroutines to stop (idempotent). It does
// not close Send.
func (c *Client) Close() {
	if c == nil {
		return
	}
	c.closeOnce.Do(func() {
		close(c.done)
	})
}
