package postgres

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pelusa-v/relay-chat/internal/chat"
	"github.com/pelusa-v/relay-chat/internal/store"
)

// openTestStore connects to CHAT_TEST_DATABASE_URL or skips.
func openTestStore(t *testing.T) *Store {
	t.Helper()
	url := os.Getenv("CHAT_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("CHAT_TEST_DATABASE_URL not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	s, err := New(ctx, url, 16)
	require.NoError(t, err)
	require.NoError(t, s.Migrate(ctx))
	t.Cleanup(s.Close)
	return s
}

func unique(prefix string) string {
	return prefix + "-" + uuid.NewString()[:8]
}

func TestStoreRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	alice, err := s.CreateUser(ctx, unique("alice"))
	require.NoError(t, err)
	bob, err := s.CreateUser(ctx, unique("bob"))
	require.NoError(t, err)
	_, err = s.CreateUser(ctx, alice.Username)
	assert.ErrorIs(t, err, store.ErrUserExists)

	got, err := s.UserByName(ctx, alice.Username)
	require.NoError(t, err)
	assert.Equal(t, alice, got)
	_, err = s.UserByName(ctx, unique("ghost"))
	assert.ErrorIs(t, err, chat.ErrNotFound)

	room, err := s.CreateRoom(ctx, alice, unique("room"))
	require.NoError(t, err)
	_, err = s.CreateRoom(ctx, bob, room.Name)
	assert.ErrorIs(t, err, store.ErrRoomExists)

	require.NoError(t, s.JoinRoom(ctx, bob, room.ID))
	members, err := s.RoomMembers(ctx, room.ID)
	require.NoError(t, err)
	assert.ElementsMatch(t, []chat.User{alice, bob}, members)

	p := chat.Payload{Ciphertext: "c", IV: "i"}
	r1, err := s.AppendPrivateMessage(ctx, alice, bob, p)
	require.NoError(t, err)
	hist, err := s.PrivateHistory(ctx, bob, alice.Username)
	require.NoError(t, err)
	require.Len(t, hist, 1)
	assert.Equal(t, r1.ID, hist[0].ID)

	_, err = s.AppendGroupMessage(ctx, bob, room, p)
	require.NoError(t, err)
	group, err := s.RoomHistory(ctx, room.ID)
	require.NoError(t, err)
	require.Len(t, group, 1)
	assert.Equal(t, bob.Username, group[0].SenderUsername)

	assert.ErrorIs(t, s.LeaveRoom(ctx, alice, room.ID), store.ErrOwnerCannotLeave)
	require.NoError(t, s.LeaveRoom(ctx, bob, room.ID))
	members, err = s.RoomMembers(ctx, room.ID)
	require.NoError(t, err)
	assert.Equal(t, []chat.User{alice}, members)

	assert.ErrorIs(t, s.DeleteRoom(ctx, bob, room.ID), store.ErrNotOwner)
	require.NoError(t, s.DeleteRoom(ctx, alice, room.ID))
	_, err = s.RoomByID(ctx, room.ID)
	assert.ErrorIs(t, err, chat.ErrNotFound)

	require.NoError(t, s.SetOnline(ctx, alice, true))
	require.NoError(t, s.SetOnline(ctx, alice, false))
}

func TestAccountPasswordHash(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	dave, err := s.CreateAccount(ctx, unique("dave"), []byte("$2a$10$hash"))
	require.NoError(t, err)
	u, hash, err := s.PasswordHash(ctx, dave.Username)
	require.NoError(t, err)
	assert.Equal(t, dave, u)
	assert.Equal(t, []byte("$2a$10$hash"), hash)

	erin, err := s.CreateUser(ctx, unique("erin"))
	require.NoError(t, err)
	_, hash, err = s.PasswordHash(ctx, erin.Username)
	require.NoError(t, err)
	assert.Empty(t, hash)

	_, _, err = s.PasswordHash(ctx, unique("ghost"))
	assert.ErrorIs(t, err, chat.ErrNotFound)
}
