package chat_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pelusa-v/relay-chat/internal/chat"
	"github.com/pelusa-v/relay-chat/internal/store/memory"
)

type routerFixture struct {
	store    *memory.Store
	presence *chat.Presence
	typing   *chat.Typing
	inbox    *chat.Inbox
	router   *chat.Router
	users    map[string]chat.User
}

func newRouterFixture(t *testing.T, gw func(*memory.Store) chat.Gateway, names ...string) *routerFixture {
	t.Helper()
	st := memory.New()
	f := &routerFixture{
		store:    st,
		presence: chat.NewPresence(nil, nil, nil),
		typing:   chat.NewTyping(),
		inbox:    chat.NewInbox(),
		users:    map[string]chat.User{},
	}
	for _, n := range names {
		u, err := st.CreateUser(context.Background(), n)
		require.NoError(t, err)
		f.users[n] = u
	}
	var g chat.Gateway = st
	if gw != nil {
		g = gw(st)
	}
	f.router = chat.NewRouter(g, f.presence, f.typing, f.inbox, nil, nil)
	return f
}

// online registers a pump-less client for name; relays land in its Send queue.
func (f *routerFixture) online(name string) *chat.Client {
	c := chat.NewClient(name, f.users[name], newFakeConn(), testLimits(), nil)
	f.presence.Register(c)
	return c
}

func TestRoutePrivateDeliversToBothParties(t *testing.T) {
	f := newRouterFixture(t, nil, "alice", "bob", "carol")
	alice, bob, carol := f.online("alice"), f.online("bob"), f.online("carol")

	msg, err := f.router.RoutePrivate(context.Background(), f.users["alice"], "bob", payload)
	require.NoError(t, err)
	assert.Equal(t, "alice", msg.SenderUsername)
	assert.Equal(t, "bob", msg.ReceiverUsername)
	assert.NotZero(t, msg.ID)
	assert.False(t, msg.Timestamp.IsZero())

	for _, c := range []*chat.Client{alice, bob} {
		relays := drain(t, c)
		require.Len(t, relays, 2)
		assert.Equal(t, chat.RelayPrivateMessage, relays[0].Type)
		assert.Equal(t, chat.RelayInboxUpdate, relays[1].Type)
		var got chat.PrivateMessage
		require.NoError(t, json.Unmarshal(relays[0].Data, &got))
		assert.Equal(t, msg.ID, got.ID)
		assert.Equal(t, payload.IV, got.IV)
	}
	assert.Empty(t, drain(t, carol))
}

func TestRoutePrivateToSelfDeliversOnce(t *testing.T) {
	f := newRouterFixture(t, nil, "alice")
	alice := f.online("alice")

	_, err := f.router.RoutePrivate(context.Background(), f.users["alice"], "alice", payload)
	require.NoError(t, err)
	relays := drain(t, alice)
	assert.Len(t, only(relays, chat.RelayPrivateMessage), 1)
	assert.Len(t, only(relays, chat.RelayInboxUpdate), 1)
}

func TestRoutePrivateStoresForOfflineReceiver(t *testing.T) {
	f := newRouterFixture(t, nil, "alice", "bob")
	alice := f.online("alice")

	_, err := f.router.RoutePrivate(context.Background(), f.users["alice"], "bob", payload)
	require.NoError(t, err)
	assert.Len(t, only(drain(t, alice), chat.RelayPrivateMessage), 1)
	assert.Equal(t, 1, f.store.MessageCount())

	history, err := f.store.PrivateHistory(context.Background(), f.users["bob"], "alice")
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, payload.Ciphertext, history[0].Ciphertext)

	inbox := f.inbox.Get(f.users["bob"].ID)
	require.Len(t, inbox, 1)
	assert.Equal(t, "u:alice", inbox[0].ThreadID)
	assert.Equal(t, 1, inbox[0].Unread)
}

func TestRoutePrivateUnknownReceiver(t *testing.T) {
	f := newRouterFixture(t, nil, "alice")
	alice := f.online("alice")

	_, err := f.router.RoutePrivate(context.Background(), f.users["alice"], "ghost", payload)
	assert.ErrorIs(t, err, chat.ErrUnknownParticipant)
	assert.Zero(t, f.store.MessageCount())
	assert.Empty(t, drain(t, alice))
}

func TestRouteGroupReachesOnlineMembersOnly(t *testing.T) {
	f := newRouterFixture(t, nil, "alice", "bob", "carol", "dave")
	ctx := context.Background()
	room, err := f.store.CreateRoom(ctx, f.users["alice"], "general")
	require.NoError(t, err)
	require.NoError(t, f.store.JoinRoom(ctx, f.users["bob"], room.ID))
	require.NoError(t, f.store.JoinRoom(ctx, f.users["dave"], room.ID))
	alice, bob, carol := f.online("alice"), f.online("bob"), f.online("carol")

	msg, err := f.router.RouteGroup(ctx, f.users["bob"], room.ID, payload)
	require.NoError(t, err)
	assert.Equal(t, "general", msg.RoomName)
	assert.Equal(t, room.ID, msg.RoomID)

	for _, c := range []*chat.Client{alice, bob} {
		relays := drain(t, c)
		require.Len(t, relays, 2)
		assert.Equal(t, chat.RelayGroupMessage, relays[0].Type)
		assert.Equal(t, chat.RelayInboxUpdate, relays[1].Type)
	}
	assert.Empty(t, drain(t, carol))

	// dave is offline but still sees the thread in the inbox
	inbox := f.inbox.Get(f.users["dave"].ID)
	require.Len(t, inbox, 1)
	assert.Equal(t, chat.ThreadGroup, inbox[0].Kind)
	assert.Empty(t, f.inbox.Get(f.users["carol"].ID))
}

// joiningStore adds a member while a group message is being appended.
type joiningStore struct {
	*memory.Store
	joiner chat.User
}

func (j joiningStore) AppendGroupMessage(ctx context.Context, from chat.User, room chat.Room, p chat.Payload) (chat.Receipt, error) {
	if err := j.Store.JoinRoom(ctx, j.joiner, room.ID); err != nil {
		return chat.Receipt{}, err
	}
	return j.Store.AppendGroupMessage(ctx, from, room, p)
}

func TestRouteGroupDeliversToMembershipAtDelivery(t *testing.T) {
	f := newRouterFixture(t, nil, "alice", "carol")
	f.router = chat.NewRouter(joiningStore{Store: f.store, joiner: f.users["carol"]}, f.presence, f.typing, f.inbox, nil, nil)
	ctx := context.Background()
	room, err := f.store.CreateRoom(ctx, f.users["alice"], "general")
	require.NoError(t, err)
	carol := f.online("carol")

	_, err = f.router.RouteGroup(ctx, f.users["alice"], room.ID, payload)
	require.NoError(t, err)
	assert.Len(t, only(drain(t, carol), chat.RelayGroupMessage), 1)
	require.Len(t, f.inbox.Get(f.users["carol"].ID), 1)
}

func TestRouteGroupRejections(t *testing.T) {
	f := newRouterFixture(t, nil, "alice", "bob")
	ctx := context.Background()
	room, err := f.store.CreateRoom(ctx, f.users["alice"], "general")
	require.NoError(t, err)
	alice := f.online("alice")

	_, err = f.router.RouteGroup(ctx, f.users["bob"], room.ID, payload)
	assert.ErrorIs(t, err, chat.ErrNotAMember)

	_, err = f.router.RouteGroup(ctx, f.users["alice"], room.ID+100, payload)
	assert.ErrorIs(t, err, chat.ErrUnknownRoom)

	assert.Zero(t, f.store.MessageCount())
	assert.Empty(t, drain(t, alice))
}

func TestRouteGroupUsesCurrentMembership(t *testing.T) {
	f := newRouterFixture(t, nil, "alice", "bob")
	ctx := context.Background()
	room, err := f.store.CreateRoom(ctx, f.users["alice"], "general")
	require.NoError(t, err)
	require.NoError(t, f.store.JoinRoom(ctx, f.users["bob"], room.ID))
	bob := f.online("bob")

	require.NoError(t, f.store.LeaveRoom(ctx, f.users["bob"], room.ID))
	_, err = f.router.RouteGroup(ctx, f.users["alice"], room.ID, payload)
	require.NoError(t, err)
	assert.Empty(t, drain(t, bob))

	_, err = f.router.RouteGroup(ctx, f.users["bob"], room.ID, payload)
	assert.ErrorIs(t, err, chat.ErrNotAMember)
}

func TestRoutePersistenceFailure(t *testing.T) {
	f := newRouterFixture(t, func(st *memory.Store) chat.Gateway {
		return failingStore{Gateway: st}
	}, "alice", "bob")
	ctx := context.Background()
	room, err := f.store.CreateRoom(ctx, f.users["alice"], "general")
	require.NoError(t, err)
	alice, bob := f.online("alice"), f.online("bob")

	_, err = f.router.RoutePrivate(ctx, f.users["alice"], "bob", payload)
	assert.ErrorIs(t, err, chat.ErrPersistence)
	assert.ErrorIs(t, err, errDiskFull)

	_, err = f.router.RouteGroup(ctx, f.users["alice"], room.ID, payload)
	assert.ErrorIs(t, err, chat.ErrPersistence)

	assert.Empty(t, drain(t, alice))
	assert.Empty(t, drain(t, bob))
	assert.Empty(t, f.inbox.Get(f.users["bob"].ID))
}

func TestSetTypingFansOutToMembers(t *testing.T) {
	f := newRouterFixture(t, nil, "alice", "bob", "carol")
	ctx := context.Background()
	room, err := f.store.CreateRoom(ctx, f.users["alice"], "general")
	require.NoError(t, err)
	require.NoError(t, f.store.JoinRoom(ctx, f.users["bob"], room.ID))
	alice, bob, carol := f.online("alice"), f.online("bob"), f.online("carol")

	users, err := f.router.SetTyping(ctx, f.users["bob"], room.ID, true)
	require.NoError(t, err)
	assert.Equal(t, []chat.User{f.users["bob"]}, users)

	for _, c := range []*chat.Client{alice, bob} {
		relays := drain(t, c)
		require.Len(t, relays, 1)
		var ind chat.TypingIndicator
		require.NoError(t, json.Unmarshal(relays[0].Data, &ind))
		assert.Equal(t, []string{"bob"}, ind.TypingUsers)
	}
	assert.Empty(t, drain(t, carol))

	_, err = f.router.SetTyping(ctx, f.users["carol"], room.ID, true)
	assert.ErrorIs(t, err, chat.ErrNotAMember)
	assert.Equal(t, []chat.User{f.users["bob"]}, f.typing.Room(room.ID))
}

func TestExpireTypingBroadcastsOnlyOnChange(t *testing.T) {
	f := newRouterFixture(t, nil, "alice", "bob")
	ctx := context.Background()
	room, err := f.store.CreateRoom(ctx, f.users["alice"], "general")
	require.NoError(t, err)
	require.NoError(t, f.store.JoinRoom(ctx, f.users["bob"], room.ID))
	alice := f.online("alice")

	require.NoError(t, f.router.ExpireTyping(ctx, room.ID, f.users["bob"]))
	assert.Empty(t, drain(t, alice))

	_, err = f.router.SetTyping(ctx, f.users["bob"], room.ID, true)
	require.NoError(t, err)
	drain(t, alice)

	require.NoError(t, f.router.ExpireTyping(ctx, room.ID, f.users["bob"]))
	relays := drain(t, alice)
	require.Len(t, relays, 1)
	var ind chat.TypingIndicator
	require.NoError(t, json.Unmarshal(relays[0].Data, &ind))
	assert.Empty(t, ind.TypingUsers)
}

func TestFullQueueDropsWithoutBlocking(t *testing.T) {
	f := newRouterFixture(t, nil, "alice", "bob")
	limits := testLimits()
	limits.SendQueue = 1
	bob := chat.NewClient("bob", f.users["bob"], newFakeConn(), limits, nil)
	f.presence.Register(bob)

	for i := 0; i < 3; i++ {
		_, err := f.router.RoutePrivate(context.Background(), f.users["alice"], "bob", payload)
		require.NoError(t, err)
	}
	assert.Len(t, drain(t, bob), 1)
	assert.Equal(t, 3, f.store.MessageCount())
}
