package ws

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/quizlive/quizlive/internal/errors"
)

const (
	sendBuffer   = 64
	writeTimeout = 10 * time.Second
)

// Transport is the slice of *websocket.Conn the session layer writes to.
// Narrowed so tests can register fake transports.
type Transport interface {
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// Connection is one registered transport, owned by exactly one
// (lobby, participant) pair. A participant may hold several connections at
// once (tab refresh); the registry never assumes 1:1. All writes go through
// a single writer goroutine so the underlying websocket sees one writer.
type Connection struct {
	transport Transport
	lobbyID   string
	actor     string

	sendCh    chan []byte
	done      chan struct{}
	closeOnce sync.Once

	connectedAt  time.Time
	lastActivity atomic.Int64
}

func NewConnection(t Transport, lobbyID, actor string) *Connection {
	c := &Connection{
		transport:   t,
		lobbyID:     lobbyID,
		actor:       actor,
		sendCh:      make(chan []byte, sendBuffer),
		done:        make(chan struct{}),
		connectedAt: time.Now(),
	}
	c.Touch()

	go c.writeLoop()

	return c
}

func (c *Connection) writeLoop() {
	for {
		select {
		case data := <-c.sendCh:
			if err := c.transport.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
				c.Close()
				return
			}
			if err := c.transport.WriteMessage(websocket.TextMessage, data); err != nil {
				c.Close()
				return
			}
			c.Touch()

		case <-c.done:
			return
		}
	}
}

// Send enqueues one pre-serialized message. It never blocks: a closed
// connection or a full buffer is reported as an error, which callers treat
// as evidence of a dead connection.
func (c *Connection) Send(data []byte) error {
	select {
	case <-c.done:
		return errors.New(errors.CodeNotFound,
			errors.WithMessagef("connection closed"))
	default:
	}

	select {
	case c.sendCh <- data:
		return nil
	case <-c.done:
		return errors.New(errors.CodeNotFound,
			errors.WithMessagef("connection closed"))
	default:
		return errors.New(errors.CodeCapacity,
			errors.WithMessagef("connection send buffer full"))
	}
}

func (c *Connection) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.transport.Close()
	})
}

func (c *Connection) Closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// Touch records activity; called on every inbound message and every
// successful outbound write.
func (c *Connection) Touch() {
	c.lastActivity.Store(time.Now().UnixNano())
}

func (c *Connection) LastActivity() time.Time {
	return time.Unix(0, c.lastActivity.Load())
}

func (c *Connection) ConnectedAt() time.Time { return c.connectedAt }
func (c *Connection) LobbyID() string        { return c.lobbyID }
func (c *Connection) Actor() string          { return c.actor }
