package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/ashureev/agentroom/internal/meeting"
	"github.com/coder/websocket"
)

// ErrClosed is returned for commands on a closed relay.
var ErrClosed = errors.New("meeting relay closed")

// Conn is one browser relay. It implements meeting.Session by sending
// commands and waiting for the browser's acknowledgement.
type Conn struct {
	ws     *websocket.Conn
	logger *slog.Logger

	nextID  atomic.Uint64
	mu      sync.Mutex
	pending map[uint64]chan error

	closed    chan struct{}
	closeOnce sync.Once
}

var _ meeting.Session = (*Conn)(nil)

func newConn(ws *websocket.Conn, logger *slog.Logger) *Conn {
	return &Conn{
		ws:      ws,
		logger:  logger,
		pending: make(map[uint64]chan error),
		closed:  make(chan struct{}),
	}
}

// Join asks the browser SDK to join the meeting.
func (c *Conn) Join(ctx context.Context) error { return c.command(ctx, CommandJoin) }

// Leave asks the browser SDK to leave the meeting.
func (c *Conn) Leave(ctx context.Context) error { return c.command(ctx, CommandLeave) }

// End asks the browser SDK to end the meeting for everyone.
func (c *Conn) End(ctx context.Context) error { return c.command(ctx, CommandEnd) }

// ToggleMic asks the browser SDK to flip the local microphone.
func (c *Conn) ToggleMic(ctx context.Context) error { return c.command(ctx, CommandToggleMic) }

func (c *Conn) command(ctx context.Context, name string) error {
	id := c.nextID.Add(1)
	ch := make(chan error, 1)

	c.mu.Lock()
	c.pending[id] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	if err := c.writeJSON(ctx, commandMessage{Type: TypeCommand, ID: id, Command: name}); err != nil {
		return fmt.Errorf("send %s: %w", name, err)
	}

	select {
	case err := <-ch:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-c.closed:
		return ErrClosed
	}
}

// resolve completes a pending command.
func (c *Conn) resolve(id uint64, errMsg string) {
	c.mu.Lock()
	ch, ok := c.pending[id]
	c.mu.Unlock()
	if !ok {
		c.logger.Debug("Ack for unknown command", "id", id)
		return
	}

	var err error
	if errMsg != "" {
		err = errors.New(errMsg)
	}
	select {
	case ch <- err:
	default:
	}
}

func (c *Conn) writeJSON(ctx context.Context, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	select {
	case <-c.closed:
		return ErrClosed
	default:
	}
	return c.ws.Write(ctx, websocket.MessageText, data)
}

// shutdown fails pending commands without closing the socket.
func (c *Conn) shutdown() {
	c.closeOnce.Do(func() { close(c.closed) })
}

func (c *Conn) close(code websocket.StatusCode, reason string) {
	c.shutdown()
	if err := c.ws.Close(code, reason); err != nil {
		c.logger.Debug("Failed to close relay websocket", "error", err)
	}
}
