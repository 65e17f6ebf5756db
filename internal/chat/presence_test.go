package chat_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/pelusa-v/relay-chat/internal/chat"
	"github.com/pelusa-v/relay-chat/internal/metrics"
	"github.com/pelusa-v/relay-chat/internal/store/memory"
)

func newTestClient(id int64, name string) *chat.Client {
	return chat.NewClient(fmt.Sprintf("conn-%d", id), chat.User{ID: id, Username: name}, newFakeConn(), testLimits(), nil)
}

func TestPresenceRegisterAndDeregister(t *testing.T) {
	m := metrics.New(prometheus.NewRegistry())
	p := chat.NewPresence(nil, zaptest.NewLogger(t), m)

	alice := newTestClient(1, "alice")
	assert.Nil(t, p.Register(alice))
	got, ok := p.Lookup(1)
	require.True(t, ok)
	assert.Same(t, alice, got)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Online))

	p.Deregister(1)
	_, ok = p.Lookup(1)
	assert.False(t, ok)
	assert.Zero(t, p.Len())
	assert.Equal(t, 0.0, testutil.ToFloat64(m.Online))

	// absent entries are ignored
	p.Deregister(1)
	p.Deregister(99)
	assert.Zero(t, p.Len())
}

func TestPresenceReplaceReturnsPrevious(t *testing.T) {
	p := chat.NewPresence(nil, nil, nil)
	first := newTestClient(1, "alice")
	second := newTestClient(1, "alice")

	p.Register(first)
	assert.Same(t, first, p.Register(second))
	assert.Equal(t, 1, p.Len())

	assert.False(t, p.Release(first), "stale client must not evict its replacement")
	got, ok := p.Lookup(1)
	require.True(t, ok)
	assert.Same(t, second, got)

	assert.True(t, p.Release(second))
	assert.Zero(t, p.Len())
}

func TestPresenceSnapshotSorted(t *testing.T) {
	p := chat.NewPresence(nil, nil, nil)
	p.Register(newTestClient(3, "carol"))
	p.Register(newTestClient(1, "alice"))
	p.Register(newTestClient(2, "bob"))

	snap := p.Snapshot()
	names := make([]string, 0, len(snap))
	for _, u := range snap {
		names = append(names, u.Username)
	}
	assert.Equal(t, []string{"alice", "bob", "carol"}, names)
	assert.Len(t, p.Clients(), 3)
}

func TestPresenceConcurrentRegistration(t *testing.T) {
	p := chat.NewPresence(nil, nil, nil)
	const n = 64

	var wg sync.WaitGroup
	for i := 1; i <= n; i++ {
		wg.Add(1)
		go func(id int64) {
			defer wg.Done()
			p.Register(newTestClient(id, fmt.Sprintf("user%03d", id)))
		}(int64(i))
	}
	wg.Wait()
	assert.Equal(t, n, p.Len())

	for i := 1; i <= n; i += 2 {
		wg.Add(1)
		go func(id int64) {
			defer wg.Done()
			p.Deregister(id)
		}(int64(i))
	}
	wg.Wait()
	assert.Equal(t, n/2, p.Len())
	for _, u := range p.Snapshot() {
		assert.Zero(t, u.ID%2, "odd ids were deregistered")
	}
}

func TestPresenceAnnounce(t *testing.T) {
	m := metrics.New(prometheus.NewRegistry())
	p := chat.NewPresence(nil, nil, m)
	alice := newTestClient(1, "alice")
	full := chat.NewClient("full", chat.User{ID: 2, Username: "bob"}, newFakeConn(), chat.Limits{SendQueue: 1}, nil)
	p.Register(alice)
	p.Register(full)
	require.True(t, full.Deliver([]byte("{}")))

	assert.Equal(t, 1, p.Announce())
	relays := drain(t, alice)
	require.Len(t, relays, 1)
	assert.Equal(t, []string{"alice", "bob"}, userList(t, relays[0]))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Dropped))
}

func TestPresenceFlagsWrittenAsynchronously(t *testing.T) {
	st := memory.New()
	ctx, cancel := context.WithCancel(context.Background())
	alice, err := st.CreateUser(ctx, "alice")
	require.NoError(t, err)

	p := chat.NewPresence(st, zaptest.NewLogger(t), nil)
	done := make(chan struct{})
	go func() {
		defer close(done)
		p.RunFlags(ctx)
	}()
	defer func() {
		cancel()
		<-done
	}()

	c := chat.NewClient("c1", alice, newFakeConn(), testLimits(), nil)
	p.Register(c)
	require.Eventually(t, func() bool { return st.IsOnline(alice.ID) }, time.Second, 5*time.Millisecond)

	p.Release(c)
	require.Eventually(t, func() bool { return !st.IsOnline(alice.ID) }, time.Second, 5*time.Millisecond)
}

func TestClientCloseStopsDelivery(t *testing.T) {
	c := newTestClient(1, "alice")
	require.True(t, c.Deliver([]byte("a")))
	c.Close(chat.CloseSuperseded, "bye")
	c.Close(0, "")
	assert.False(t, c.Deliver([]byte("b")))
	select {
	case <-c.Done():
	default:
		t.Fatal("Done not closed")
	}
}

func TestWritePumpWritesCloseFrame(t *testing.T) {
	conn := newFakeConn()
	c := chat.NewClient("c1", chat.User{ID: 1, Username: "alice"}, conn, testLimits(), nil)
	done := make(chan struct{})
	go func() {
		defer close(done)
		c.WritePump()
	}()

	require.True(t, c.Deliver([]byte(`{"type":"user_list","data":[]}`)))
	conn.waitFor(t, chat.RelayUserList, 1)
	c.Close(chat.CloseSuperseded, "superseded")
	<-done
	assert.Equal(t, chat.CloseSuperseded, conn.code())
	assert.True(t, conn.isClosed())
}

func TestDroppedUserListIsResent(t *testing.T) {
	p := chat.NewPresence(nil, zaptest.NewLogger(t), nil)
	conn := newFakeConn()
	bob := chat.NewClient("c2", chat.User{ID: 2, Username: "bob"}, conn, chat.Limits{SendQueue: 1}, nil)
	p.Register(newTestClient(1, "alice"))
	p.Register(bob)
	require.True(t, bob.Deliver([]byte(`{"type":"noop","data":null}`)))

	assert.Equal(t, 1, p.Announce())
	p.Register(newTestClient(3, "carol"))

	done := make(chan struct{})
	go func() {
		defer close(done)
		bob.WritePump()
	}()
	defer func() {
		bob.Close(0, "")
		<-done
	}()

	lists := conn.waitFor(t, chat.RelayUserList, 1)
	assert.Equal(t, []string{"alice", "bob", "carol"}, userList(t, lists[0]))
	relays := conn.relays(t)
	require.Len(t, relays, 2)
	assert.Equal(t, "noop", relays[0].Type)

	// resent once only
	time.Sleep(20 * time.Millisecond)
	assert.Len(t, conn.ofType(t, chat.RelayUserList), 1)
}
