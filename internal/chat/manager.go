package chat

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/fasthttp/websocket"
	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/pelusa-v/relay-chat/internal/metrics"
)

// State is a connection's position in its lifecycle.
type State int

const (
	StateConnecting State = iota
	StateAuthenticating
	StateRegistered
	StateServing
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateRegistered:
		return "registered"
	case StateServing:
		return "serving"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

const cleanupTimeout = 10 * time.Second

// Options wires a Manager to its collaborators.
type Options struct {
	Verifier Verifier
	Store    Gateway
	// Flags receives online/offline updates in addition to Store.
	Flags   []OnlineFlagger
	Limits  Limits
	Logger  *zap.Logger
	Metrics *metrics.Chat
}

// ChatManager owns the presence registry, typing tracker and router, and
// drives every connection from authentication to cleanup.
type ChatManager struct {
	verifier Verifier
	presence *Presence
	typing   *Typing
	router   *Router
	inbox    *Inbox
	limits   Limits
	log      *zap.Logger
	metrics  *metrics.Chat

	wg sync.WaitGroup
}

func NewManager(opts Options) *ChatManager {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	limits := opts.Limits
	if limits == (Limits{}) {
		limits = DefaultLimits()
	}

	flags := Flaggers{opts.Store}
	flags = append(flags, opts.Flags...)

	presence := NewPresence(flags, log.Named("presence"), opts.Metrics)
	typing := NewTyping()
	inbox := NewInbox()
	return &ChatManager{
		verifier: opts.Verifier,
		presence: presence,
		typing:   typing,
		router:   NewRouter(opts.Store, presence, typing, inbox, log.Named("router"), opts.Metrics),
		inbox:    inbox,
		limits:   limits,
		log:      log,
		metrics:  opts.Metrics,
	}
}

func (m *ChatManager) Presence() *Presence { return m.presence }
func (m *ChatManager) Typing() *Typing     { return m.typing }
func (m *ChatManager) Router() *Router     { return m.router }
func (m *ChatManager) Inbox() *Inbox       { return m.inbox }
func (m *ChatManager) Verifier() Verifier  { return m.verifier }

// Start runs background work (durable online flags) until ctx is done.
func (m *ChatManager) Start(ctx context.Context) {
	m.presence.RunFlags(ctx)
}

// Serve runs one connection to completion. The credential comes from the
// connection request, never from a message. Cancelling ctx closes the
// connection; cleanup runs on every exit path once the user is registered.
func (m *ChatManager) Serve(ctx context.Context, conn ConnLike, credential string) error {
	m.wg.Add(1)
	defer m.wg.Done()

	id := uuid.NewString()
	log := m.log.With(zap.String("conn_id", id))
	log.Debug("connection state", zap.Stringer("state", StateAuthenticating))

	user, err := m.authenticate(ctx, credential)
	if err != nil {
		m.metrics.AuthFailed()
		log.Info("authentication failed", zap.Error(err))
		rejectConn(conn, log)
		return err
	}
	log = log.With(zap.String("user", user.Username))

	client := NewClient(id, user, conn, m.limits, log)
	if prev := m.presence.Register(client); prev != nil {
		log.Info("replacing existing connection", zap.String("previous_conn_id", prev.Id))
		prev.Close(CloseSuperseded, "superseded by a newer connection")
	}
	log.Debug("connection state", zap.Stringer("state", StateRegistered))

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		client.WritePump()
	}()
	m.presence.Announce()

	stop := context.AfterFunc(ctx, func() {
		client.Close(websocket.CloseGoingAway, "server shutting down")
	})
	defer stop()

	log.Info("connection serving", zap.Stringer("state", StateServing))
	readErr := client.ReadPump(func(data []byte) {
		m.dispatch(ctx, client, data)
	})

	log.Debug("connection state", zap.Stringer("state", StateClosing), zap.String("reason", closeReason(readErr)))
	client.Close(0, "")

	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()
	if err := m.cleanup(cctx, client); err != nil {
		log.Warn("cleanup finished with errors", zap.Error(err))
	}
	<-writerDone

	log.Info("connection closed", zap.Stringer("state", StateClosed), zap.String("reason", closeReason(readErr)))
	return nil
}

// Wait blocks until every connection served by m has finished cleanup or the
// timeout passes.
func (m *ChatManager) Wait(timeout time.Duration) error {
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return context.DeadlineExceeded
	}
}

func (m *ChatManager) authenticate(ctx context.Context, credential string) (user User, err error) {
	if credential == "" {
		return User{}, fmt.Errorf("%w: missing credential", ErrInvalidCredential)
	}
	if m.verifier == nil {
		return User{}, fmt.Errorf("%w: no verifier configured", ErrInvalidCredential)
	}
	defer func() {
		if r := recover(); r != nil {
			user, err = User{}, fmt.Errorf("%w: verifier panic: %v", ErrInvalidCredential, r)
		}
	}()

	user, err = m.verifier.Verify(ctx, credential)
	if err != nil {
		if errors.Is(err, ErrInvalidCredential) {
			return User{}, err
		}
		return User{}, fmt.Errorf("%w: %w", ErrInvalidCredential, err)
	}
	return user, nil
}

func rejectConn(conn ConnLike, log *zap.Logger) {
	msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "invalid credential")
	if err := conn.WriteMessage(websocket.CloseMessage, msg); err != nil && !isExpectedCloseError(err) {
		log.Debug("write policy violation close", zap.Error(err))
	}
	if err := conn.Close(); err != nil && !isExpectedCloseError(err) {
		log.Debug("close rejected connection", zap.Error(err))
	}
}

// dispatch handles one inbound frame. Faults stay inside this call: they are
// logged and reported to the sender only.
func (m *ChatManager) dispatch(ctx context.Context, c *Client, data []byte) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("dispatch panic", zap.Any("panic", r))
			m.reject(c, fmt.Errorf("%w: internal error", ErrPersistence))
		}
	}()

	in, err := DecodeEnvelope(data)
	if err != nil {
		m.reject(c, err)
		return
	}

	switch msg := in.(type) {
	case PrivateSend:
		_, err = m.router.RoutePrivate(ctx, c.User, msg.Receiver, msg.Payload)
	case GroupSend:
		_, err = m.router.RouteGroup(ctx, c.User, msg.Room, msg.Payload)
		if err == nil {
			c.markRoom(msg.Room)
		}
	case TypingSignal:
		_, err = m.router.setTyping(ctx, c.User, c.Id, msg.Room, msg.Typing)
		if err == nil {
			c.markRoom(msg.Room)
		}
	}
	if err != nil {
		m.reject(c, err)
	}
}

func (m *ChatManager) reject(c *Client, err error) {
	code := errorCode(err)
	m.metrics.MessageRejected(code)
	if errors.Is(err, ErrPersistence) {
		c.log.Error("message dropped", zap.String("code", code), zap.Error(err))
	} else {
		c.log.Warn("message rejected", zap.String("code", code), zap.Error(err))
	}
	c.deliverRelay(errorRelay(err))
}

// cleanup releases everything c held. Each step runs even if an earlier one
// failed. A superseded connection only clears the typing signals it set and
// leaves presence to its replacement.
func (m *ChatManager) cleanup(ctx context.Context, c *Client) error {
	var errs error
	owned := false
	errs = multierr.Append(errs, safely("deregister", func() error {
		owned = m.presence.Release(c)
		return nil
	}))

	var cleared map[RoomID][]User
	errs = multierr.Append(errs, safely("clear typing", func() error {
		if owned {
			cleared = m.typing.ClearUser(c.User)
		} else {
			cleared = m.typing.ClearConn(c.User, c.Id)
		}
		return nil
	}))
	for room, users := range cleared {
		errs = multierr.Append(errs, safely("typing broadcast", func() error {
			return m.router.BroadcastTyping(ctx, room, users)
		}))
	}
	if !owned {
		return errs
	}
	errs = multierr.Append(errs, safely("presence broadcast", func() error {
		m.presence.Announce()
		return nil
	}))
	return errs
}

func safely(step string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%s: panic: %v", step, r)
		}
	}()
	if err := fn(); err != nil {
		return fmt.Errorf("%s: %w", step, err)
	}
	return nil
}
