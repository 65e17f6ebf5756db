package chat_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pelusa-v/relay-chat/internal/chat"
)

func TestInboxPrivateThreads(t *testing.T) {
	in := chat.NewInbox()
	alice := chat.User{ID: 1, Username: "alice"}
	bob := chat.User{ID: 2, Username: "bob"}
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	in.RecordPrivate(alice, bob, chat.Receipt{ID: 1, Timestamp: t0})
	in.RecordPrivate(alice, bob, chat.Receipt{ID: 2, Timestamp: t0.Add(time.Second)})

	got := in.Get(bob.ID)
	require.Len(t, got, 1)
	assert.Equal(t, "u:alice", got[0].ThreadID)
	assert.Equal(t, int64(2), got[0].LastMessageID)
	assert.Equal(t, 2, got[0].Unread)

	sent := in.Get(alice.ID)
	require.Len(t, sent, 1)
	assert.Equal(t, "u:bob", sent[0].ThreadID)
	assert.Zero(t, sent[0].Unread)

	assert.True(t, in.MarkRead(bob.ID, "u:alice"))
	assert.Zero(t, in.Get(bob.ID)[0].Unread)
	assert.False(t, in.MarkRead(bob.ID, "u:nobody"))
}

func TestInboxGroupThreadsNewestFirst(t *testing.T) {
	in := chat.NewInbox()
	alice := chat.User{ID: 1, Username: "alice"}
	bob := chat.User{ID: 2, Username: "bob"}
	room := chat.Room{ID: 5, Name: "general", OwnerID: 1}
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	in.RecordPrivate(alice, bob, chat.Receipt{ID: 1, Timestamp: t0})
	in.RecordGroup(room, alice, []chat.User{alice, bob}, chat.Receipt{ID: 2, Timestamp: t0.Add(time.Minute)})

	got := in.Get(bob.ID)
	require.Len(t, got, 2)
	assert.Equal(t, "g:5", got[0].ThreadID)
	assert.Equal(t, chat.ThreadGroup, got[0].Kind)
	assert.Equal(t, "general", got[0].Title)
	assert.Equal(t, 1, got[0].Unread)
	assert.Zero(t, in.Get(alice.ID)[0].Unread)

	in.ForgetRoom(bob.ID, room.ID)
	got = in.Get(bob.ID)
	require.Len(t, got, 1)
	assert.Equal(t, "u:alice", got[0].ThreadID)
}

func TestNilInboxIgnoresWrites(t *testing.T) {
	var in *chat.Inbox
	assert.NotPanics(t, func() {
		in.RecordPrivate(chat.User{ID: 1}, chat.User{ID: 2}, chat.Receipt{})
		in.RecordGroup(chat.Room{ID: 1}, chat.User{ID: 1}, nil, chat.Receipt{})
		in.ForgetRoom(1, 1)
	})
}
