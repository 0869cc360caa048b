package chat

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// State is the session state of one connection.
type State int32

const (
	StateConnecting State = iota
	StateAuthenticated
	StateActive
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticated:
		return "authenticated"
	case StateActive:
		return "active"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Client is a middleman between one websocket connection and the hub.
type Client struct {
	ID       string
	Identity Identity

	hub *Hub
	// The raw websocket connection; nil for in-process clients.
	conn *websocket.Conn
	// Buffered channel of outbound frames.
	send chan []byte
	// Closed when the connection is torn down; queued frames are discarded.
	done chan struct{}

	state     atomic.Int32
	attached  atomic.Bool
	closeOnce sync.Once

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	subs   map[string]struct{}
	closed bool
}

func newClient(hub *Hub, conn *websocket.Conn) *Client {
	ctx, cancel := context.WithCancel(hub.ctx)
	c := &Client{
		ID:     NewID(ConnectionIDPrefix),
		hub:    hub,
		conn:   conn,
		send:   make(chan []byte, hub.cfg.SendBuffer),
		done:   make(chan struct{}),
		ctx:    ctx,
		cancel: cancel,
		subs:   make(map[string]struct{}),
	}
	c.state.Store(int32(StateConnecting))
	return c
}

// NewClient returns an already authenticated client for id. conn may be nil,
// in which case frames are only read through Outbound.
func NewClient(hub *Hub, conn *websocket.Conn, id Identity) *Client {
	c := newClient(hub, conn)
	c.Identity = id
	c.state.Store(int32(StateAuthenticated))
	return c
}

// authenticate runs the Connecting step of the handshake.
func (c *Client) authenticate(ctx context.Context, token string) error {
	if c.State() != StateConnecting {
		return fmt.Errorf("%w: handshake already ran", ErrUnauthenticated)
	}
	if token == "" {
		c.close()
		return fmt.Errorf("%w: missing credential", ErrUnauthenticated)
	}
	id, err := c.hub.auth.VerifyCredential(ctx, token)
	if err != nil || id == "" {
		c.close()
		if err == nil || !errors.Is(err, ErrUnauthenticated) {
			err = fmt.Errorf("%w: %v", ErrUnauthenticated, err)
		}
		return err
	}
	c.Identity = id
	c.transition(StateConnecting, StateAuthenticated)
	return nil
}

func (c *Client) State() State { return State(c.state.Load()) }

func (c *Client) transition(from, to State) bool {
	if !c.state.CompareAndSwap(int32(from), int32(to)) {
		return false
	}
	if to == StateActive {
		c.attached.Store(true)
	}
	return true
}

func (c *Client) registered() bool { return c.attached.Load() }

// Outbound exposes queued frames for in-process clients.
func (c *Client) Outbound() <-chan []byte { return c.send }

// Done is closed once the connection is closed.
func (c *Client) Done() <-chan struct{} { return c.done }

// Close tears the connection down through the hub.
func (c *Client) Close() { c.hub.disconnect(c, "closed by server") }

// close reports whether this call did the closing.
func (c *Client) close() bool {
	first := false
	c.closeOnce.Do(func() {
		first = true
		c.state.Store(int32(StateClosed))
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		close(c.done)
		c.cancel()
	})
	return first
}

func (c *Client) isClosed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *Client) addSubscription(groupID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.subs[groupID] = struct{}{}
	return true
}

func (c *Client) removeSubscription(groupID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.subs, groupID)
}

func (c *Client) dropSubscriptions() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.subs))
	for g := range c.subs {
		out = append(out, g)
	}
	c.subs = make(map[string]struct{})
	return out
}

func (c *Client) isSubscribed(groupID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.subs[groupID]
	return ok
}

// Subscriptions lists the groups this connection receives fan-out for.
func (c *Client) Subscriptions() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.subs))
	for g := range c.subs {
		out = append(out, g)
	}
	sort.Strings(out)
	return out
}

// enqueue never blocks: a full queue is a delivery failure.
func (c *Client) enqueue(frame []byte) error {
	if c.isClosed() {
		return fmt.Errorf("%w: connection closed", ErrDelivery)
	}
	select {
	case c.send <- frame:
		return nil
	case <-c.done:
		return fmt.Errorf("%w: connection closed", ErrDelivery)
	default:
		return fmt.Errorf("%w: send queue full", ErrDelivery)
	}
}

// HandleFrame applies one inbound frame. Only Active connections may send
// frames; anything else is logged and ignored.
func (c *Client) HandleFrame(raw []byte) {
	if st := c.State(); st != StateActive {
		c.hub.log.Warn("frame rejected", zap.String("conn", c.ID), zap.Stringer("state", st))
		c.hub.metrics.RejectedFrames.WithLabelValues("inactive").Inc()
		return
	}

	f, err := decodeFrame(raw)
	if err != nil {
		c.reject(err, nil)
		return
	}

	ctx, cancel := context.WithTimeout(c.ctx, c.hub.cfg.PersistTimeout)
	defer cancel()

	switch f.Action {
	case ActionJoinGroup:
		_, err = c.hub.Lifecycle.HandleJoin(ctx, c.Identity, f.GroupID, c)
	case ActionUnsubscribeGroup:
		if f.GroupID == "" {
			err = fmt.Errorf("%w: missing groupId", ErrInvalidFrame)
			break
		}
		c.hub.Registry.Unsubscribe(c, f.GroupID)
	case "":
		var p Payload
		if p, err = f.payload(); err == nil {
			_, err = c.hub.Router.Send(ctx, c.Identity, f.ReceiveID, p)
		}
	default:
		err = fmt.Errorf("%w: unknown action %q", ErrInvalidFrame, f.Action)
	}
	if err != nil {
		c.reject(err, f)
	}
}

// reject reports err to this connection only.
func (c *Client) reject(err error, f *InboundFrame) {
	code := ErrorCode(err)
	c.hub.metrics.RejectedFrames.WithLabelValues(code).Inc()
	c.hub.log.Debug("frame failed",
		zap.String("conn", c.ID),
		zap.String("identity", string(c.Identity)),
		zap.String("code", code),
		zap.Error(err))
	if qerr := c.enqueue(encodeError(err, f)); qerr != nil {
		c.hub.disconnect(c, qerr.Error())
	}
}

// readPump pumps frames from the websocket connection to the hub.
func (c *Client) readPump() {
	defer func() {
		c.hub.disconnect(c, "read loop ended")
		c.conn.Close()
	}()

	c.conn.SetReadLimit(c.hub.cfg.MaxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(c.hub.cfg.PongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(c.hub.cfg.PongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.log.Warn("read failed", zap.String("conn", c.ID), zap.Error(err))
			}
			return
		}
		c.HandleFrame(message)
	}
}

// writePump pumps frames from the hub to the websocket connection.
func (c *Client) writePump() {
	ticker := time.NewTicker(c.hub.cfg.PingPeriod())
	defer func() {
		ticker.Stop()
		c.hub.disconnect(c, "write loop ended")
		c.conn.Close()
	}()

	for {
		select {
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(c.hub.cfg.WriteWait))
			c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return

		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(c.hub.cfg.WriteWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.hub.log.Debug("write failed", zap.String("conn", c.ID), zap.Error(err))
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(c.hub.cfg.WriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
