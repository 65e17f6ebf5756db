package chat

import (
	"errors"
	"io"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fasthttp/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// CloseSuperseded is sent to a connection replaced by a newer one for the same user.
const CloseSuperseded = 4001

// ConnLike is the live channel handle. *websocket.Conn from the fiber
// contrib package satisfies it.
type ConnLike interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(int, []byte) error
	Close() error
}

type readLimiter interface {
	SetReadLimit(limit int64)
}

type readDeadliner interface {
	SetReadDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
}

type writeDeadliner interface {
	SetWriteDeadline(t time.Time) error
}

// Limits bounds a single connection.
type Limits struct {
	SendQueue      int
	MaxMessageSize int64
	PingInterval   time.Duration
	PongWait       time.Duration
	WriteWait      time.Duration
	RatePerSecond  float64
	RateBurst      int
}

// DefaultLimits are used when a Manager is built with a zero Limits.
func DefaultLimits() Limits {
	return Limits{
		SendQueue:      64,
		MaxMessageSize: 64 << 10,
		PingInterval:   54 * time.Second,
		PongWait:       60 * time.Second,
		WriteWait:      10 * time.Second,
		RatePerSecond:  20,
		RateBurst:      40,
	}
}

// Client is one live connection: the owning user, the channel handle, a
// bounded outbound queue and the rooms touched during this session.
type Client struct {
	Id   string
	User User
	Conn ConnLike
	Send chan []byte

	limits  Limits
	limiter *rate.Limiter
	log     *zap.Logger

	mu    sync.Mutex
	rooms map[RoomID]struct{}

	// presence is set on registration. stale marks a dropped user_list the
	// write pump still owes this connection.
	presence atomic.Pointer[Presence]
	stale    atomic.Bool

	closeOnce sync.Once
	done      chan struct{}
	closeCode int
	closeText string
}

func NewClient(id string, user User, conn ConnLike, limits Limits, log *zap.Logger) *Client {
	if limits.SendQueue <= 0 {
		limits.SendQueue = DefaultLimits().SendQueue
	}
	var limiter *rate.Limiter
	if limits.RatePerSecond > 0 {
		burst := limits.RateBurst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(limits.RatePerSecond), burst)
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{
		Id:      id,
		User:    user,
		Conn:    conn,
		Send:    make(chan []byte, limits.SendQueue),
		limits:  limits,
		limiter: limiter,
		log:     log,
		rooms:   map[RoomID]struct{}{},
		done:    make(chan struct{}),
	}
}

// Deliver queues one encoded frame without blocking. It reports false when
// the queue is full or the client is closing.
func (c *Client) Deliver(data []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.Send <- data:
		return true
	default:
		return false
	}
}

func (c *Client) deliverRelay(r Relay) bool {
	data, err := r.Encode()
	if err != nil {
		c.log.Error("encode relay", zap.String("type", r.Type), zap.Error(err))
		return false
	}
	return c.Deliver(data)
}

// Close stops the client. A non-zero code is written as a close frame before
// the underlying connection is closed. Only the first call has any effect.
func (c *Client) Close(code int, text string) {
	c.closeOnce.Do(func() {
		c.closeCode = code
		c.closeText = text
		close(c.done)
	})
}

func (c *Client) Done() <-chan struct{} {
	return c.done
}

func (c *Client) markRoom(id RoomID) {
	c.mu.Lock()
	c.rooms[id] = struct{}{}
	c.mu.Unlock()
}

// Rooms returns the rooms this connection sent to or typed in.
func (c *Client) Rooms() []RoomID {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]RoomID, 0, len(c.rooms))
	for id := range c.rooms {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (c *Client) setupRead() {
	if l, ok := c.Conn.(readLimiter); ok && c.limits.MaxMessageSize > 0 {
		l.SetReadLimit(c.limits.MaxMessageSize)
	}
	c.extendRead()
	if d, ok := c.Conn.(readDeadliner); ok && c.limits.PongWait > 0 {
		d.SetPongHandler(func(string) error {
			c.extendRead()
			return nil
		})
	}
}

func (c *Client) extendRead() {
	d, ok := c.Conn.(readDeadliner)
	if !ok || c.limits.PongWait <= 0 {
		return
	}
	if err := d.SetReadDeadline(time.Now().Add(c.limits.PongWait)); err != nil {
		c.log.Debug("set read deadline", zap.Error(err))
	}
}

// ReadPump reads frames one at a time and hands each to handle before reading
// the next. It returns the error that ended the loop.
func (c *Client) ReadPump(handle func(data []byte)) error {
	c.setupRead()
	for {
		_, data, err := c.Conn.ReadMessage()
		if err != nil {
			return err
		}
		c.extendRead()
		if c.limiter != nil && !c.limiter.Allow() {
			c.log.Warn("rate limit exceeded; discarding frame")
			c.deliverRelay(errorRelay(ErrRateLimited))
			continue
		}
		handle(data)
	}
}

// WritePump drains the send queue to the connection until the client is
// closed or a write fails. It owns closing the connection.
func (c *Client) WritePump() {
	var tick <-chan time.Time
	if c.limits.PingInterval > 0 {
		ticker := time.NewTicker(c.limits.PingInterval)
		defer ticker.Stop()
		tick = ticker.C
	}
	defer c.closeConn()

	for {
		select {
		case data := <-c.Send:
			if err := c.write(websocket.TextMessage, data); err != nil {
				c.log.Debug("write failed", zap.Error(err))
				c.Close(0, "")
				return
			}
		case <-tick:
			if err := c.write(websocket.PingMessage, nil); err != nil {
				c.log.Debug("ping failed", zap.Error(err))
				c.Close(0, "")
				return
			}
		case <-c.done:
			return
		}
		if err := c.flushPresence(); err != nil {
			c.log.Debug("user list resync failed", zap.Error(err))
			c.Close(0, "")
			return
		}
	}
}

// flushPresence writes the current user list once the queue has drained if
// an earlier broadcast to this client was dropped.
func (c *Client) flushPresence() error {
	p := c.presence.Load()
	if p == nil || !c.stale.Load() {
		return nil
	}
	data, ok := p.userListFrame(c)
	if !ok {
		return nil
	}
	return c.write(websocket.TextMessage, data)
}

func (c *Client) write(messageType int, data []byte) error {
	if d, ok := c.Conn.(writeDeadliner); ok && c.limits.WriteWait > 0 {
		if err := d.SetWriteDeadline(time.Now().Add(c.limits.WriteWait)); err != nil {
			return err
		}
	}
	return c.Conn.WriteMessage(messageType, data)
}

func (c *Client) closeConn() {
	if c.closeCode != 0 {
		msg := websocket.FormatCloseMessage(c.closeCode, c.closeText)
		if err := c.write(websocket.CloseMessage, msg); err != nil && !isExpectedCloseError(err) {
			c.log.Debug("write close frame", zap.Error(err))
		}
	}
	if err := c.Conn.Close(); err != nil && !isExpectedCloseError(err) {
		c.log.Debug("close connection", zap.Error(err))
	}
}

// closeReason describes why a read loop ended, for logging.
func closeReason(err error) string {
	switch {
	case err == nil:
		return "closed"
	case errors.Is(err, websocket.ErrReadLimit):
		return "frame too large"
	case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway):
		return "client closed"
	case errors.Is(err, io.EOF), isExpectedCloseError(err):
		return "connection closed"
	default:
		return "transport error"
	}
}

func isExpectedCloseError(err error) bool {
	if err == nil {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "use of closed network connection") ||
		strings.Contains(msg, "websocket: close sent") ||
		strings.Contains(msg, "broken pipe")
}
