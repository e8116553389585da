package harness

import (
	"errors"
	"fmt"
	"sync"

	"github.com/heinousjay/JibbrJabbr-sub000/internal/engine"
)

var errClosed = errors.New("connection closed")

// conn is a scripted client. It records what it is sent and which
// questions still wait for a reply.
type conn struct {
	engine.HandlerTable

	id  string
	env engine.DocumentEnvironment

	mu     sync.Mutex
	outbox []Message
	asked  []string
	closed bool
}

func (c *conn) ID() string                              { return c.id }
func (c *conn) Environment() engine.DocumentEnvironment { return c.env }
func (c *conn) NotifyLeftScope()                        {}
func (c *conn) String() string                          { return "connection:" + c.id }

func (c *conn) deliver(msg engine.ClientMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errClosed
	}
	c.outbox = append(c.outbox, Message{Key: msg.PendingKey, Payload: msg.Payload})
	if msg.PendingKey != "" {
		c.asked = append(c.asked, msg.PendingKey)
	}
	return nil
}

// take returns and clears what was delivered since the last call.
func (c *conn) take() []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.outbox
	c.outbox = nil
	return out
}

// nextQuestion pops the oldest unanswered question key, or "".
func (c *conn) nextQuestion() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.asked) == 0 {
		return ""
	}
	key := c.asked[0]
	c.asked = c.asked[1:]
	return key
}

func (c *conn) markClosed() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.asked = nil
}

// connectionLayer delivers to scripted clients.
type connectionLayer struct{}

func (connectionLayer) DeliverToClient(target engine.Connection, msg engine.ClientMessage) error {
	c, ok := target.(*conn)
	if !ok {
		return fmt.Errorf("deliver: unsupported connection %T", target)
	}
	return c.deliver(msg)
}
