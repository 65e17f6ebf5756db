package chat

import (
	"context"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/pelusa-v/relay-chat/internal/metrics"
)

type flagUpdate struct {
	user   User
	online bool
}

// Presence maps each online user to its single live connection. All
// operations are safe for concurrent use and never block on I/O; the durable
// online flag is written asynchronously by RunFlags.
type Presence struct {
	mu    sync.RWMutex
	conns map[int64]*Client

	// announceMu orders user_list broadcasts so the last one queued always
	// carries the latest snapshot.
	announceMu sync.Mutex

	flags   OnlineFlagger
	updates chan flagUpdate
	log     *zap.Logger
	metrics *metrics.Chat
}

func NewPresence(flags OnlineFlagger, log *zap.Logger, m *metrics.Chat) *Presence {
	if log == nil {
		log = zap.NewNop()
	}
	return &Presence{
		conns:   map[int64]*Client{},
		flags:   flags,
		updates: make(chan flagUpdate, 256),
		log:     log,
		metrics: m,
	}
}

// Register inserts or replaces the entry for c.User and returns the client it
// replaced, if any.
func (p *Presence) Register(c *Client) *Client {
	c.presence.Store(p)
	p.mu.Lock()
	prev := p.conns[c.User.ID]
	p.conns[c.User.ID] = c
	n := len(p.conns)
	p.mu.Unlock()

	p.metrics.SetOnline(n)
	if prev == nil {
		p.queueFlag(c.User, true)
	}
	return prev
}

// Deregister removes the entry for userID. Absent entries are ignored.
func (p *Presence) Deregister(userID int64) {
	p.mu.Lock()
	c, ok := p.conns[userID]
	if ok {
		delete(p.conns, userID)
	}
	n := len(p.conns)
	p.mu.Unlock()

	if ok {
		p.metrics.SetOnline(n)
		p.queueFlag(c.User, false)
	}
}

// Release removes c only while it is still the registered connection for its
// user, so a superseded connection never evicts its replacement.
func (p *Presence) Release(c *Client) bool {
	p.mu.Lock()
	cur, ok := p.conns[c.User.ID]
	owned := ok && cur == c
	if owned {
		delete(p.conns, c.User.ID)
	}
	n := len(p.conns)
	p.mu.Unlock()

	if owned {
		p.metrics.SetOnline(n)
		p.queueFlag(c.User, false)
	}
	return owned
}

func (p *Presence) Lookup(userID int64) (*Client, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	c, ok := p.conns[userID]
	return c, ok
}

// Snapshot returns the online users sorted by username.
func (p *Presence) Snapshot() []User {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.snapshotLocked()
}

func (p *Presence) snapshotLocked() []User {
	users := make([]User, 0, len(p.conns))
	for _, c := range p.conns {
		users = append(users, c.User)
	}
	sort.Slice(users, func(i, j int) bool { return users[i].Username < users[j].Username })
	return users
}

// Clients returns every registered client.
func (p *Presence) Clients() []*Client {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]*Client, 0, len(p.conns))
	for _, c := range p.conns {
		out = append(out, c)
	}
	return out
}

func (p *Presence) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.conns)
}

// Announce sends the full online list to every registered client and returns
// how many accepted it. Clients that could not take it are marked stale and
// get the then current list from their write pump once their queue drains.
func (p *Presence) Announce() int {
	p.announceMu.Lock()
	defer p.announceMu.Unlock()

	p.mu.RLock()
	users := p.snapshotLocked()
	targets := make([]*Client, 0, len(p.conns))
	for _, c := range p.conns {
		targets = append(targets, c)
	}
	p.mu.RUnlock()

	data, err := Relay{Type: RelayUserList, Data: usernames(users)}.Encode()
	if err != nil {
		p.log.Error("encode user list", zap.Error(err))
		return 0
	}
	delivered := 0
	for _, c := range targets {
		if c.Deliver(data) {
			delivered++
		} else {
			c.stale.Store(true)
			p.metrics.DeliveryDropped()
			p.log.Warn("user list not delivered", zap.String("user", c.User.Username))
		}
	}
	return delivered
}

// userListFrame returns a fresh user_list for a stale client whose queue is
// empty and clears its stale mark. Holding announceMu keeps any later
// broadcast queued behind the returned frame.
func (p *Presence) userListFrame(c *Client) ([]byte, bool) {
	p.announceMu.Lock()
	defer p.announceMu.Unlock()

	if !c.stale.Load() || len(c.Send) > 0 {
		return nil, false
	}
	data, err := Relay{Type: RelayUserList, Data: usernames(p.Snapshot())}.Encode()
	if err != nil {
		p.log.Error("encode user list", zap.Error(err))
		return nil, false
	}
	c.stale.Store(false)
	return data, true
}

func (p *Presence) queueFlag(user User, online bool) {
	if p.flags == nil {
		return
	}
	select {
	case p.updates <- flagUpdate{user: user, online: online}:
	default:
		p.log.Warn("online flag queue full; dropping update",
			zap.String("user", user.Username), zap.Bool("online", online))
	}
}

// RunFlags writes queued online/offline flags until ctx is done. Failures are
// logged and never touch the registry.
func (p *Presence) RunFlags(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case u := <-p.updates:
			fctx, cancel := context.WithTimeout(ctx, flagTimeout)
			if err := p.flags.SetOnline(fctx, u.user, u.online); err != nil {
				p.log.Warn("set online flag",
					zap.String("user", u.user.Username), zap.Bool("online", u.online), zap.Error(err))
			}
			cancel()
		}
	}
}
