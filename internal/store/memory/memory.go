// Package memory is an in-process store. It backs development runs and tests;
// everything is lost on restart.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/pelusa-v/relay-chat/internal/chat"
	"github.com/pelusa-v/relay-chat/internal/store"
)

type room struct {
	chat.Room
	members map[int64]bool // active members
}

type message struct {
	id       int64
	sender   chat.User
	receiver chat.User
	room     chat.RoomID
	roomName string
	payload  chat.Payload
	ts       time.Time
}

type Store struct {
	mu sync.RWMutex

	users    map[string]chat.User
	hashes   map[int64][]byte
	online   map[int64]bool
	rooms    map[chat.RoomID]*room
	messages []message

	nextUser int64
	nextRoom chat.RoomID
	nextMsg  int64

	now func() time.Time
}

var _ store.Store = (*Store)(nil)

func New() *Store {
	return &Store{
		users:  map[string]chat.User{},
		hashes: map[int64][]byte{},
		online: map[int64]bool{},
		rooms:  map[chat.RoomID]*room{},
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (s *Store) Close() {}

func (s *Store) CreateUser(ctx context.Context, username string) (chat.User, error) {
	return s.CreateAccount(ctx, username, nil)
}

func (s *Store) CreateAccount(_ context.Context, username string, passwordHash []byte) (chat.User, error) {
	name := store.NormalizeUsername(username)
	if name == "" {
		return chat.User{}, store.ErrInvalidName
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[name]; ok {
		return chat.User{}, store.ErrUserExists
	}
	s.nextUser++
	u := chat.User{ID: s.nextUser, Username: name}
	s.users[name] = u
	if len(passwordHash) > 0 {
		s.hashes[u.ID] = append([]byte(nil), passwordHash...)
	}
	return u, nil
}

func (s *Store) PasswordHash(_ context.Context, username string) (chat.User, []byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[store.NormalizeUsername(username)]
	if !ok {
		return chat.User{}, nil, chat.ErrNotFound
	}
	return u, s.hashes[u.ID], nil
}

func (s *Store) UserByName(_ context.Context, username string) (chat.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[store.NormalizeUsername(username)]
	if !ok {
		return chat.User{}, chat.ErrNotFound
	}
	return u, nil
}

func (s *Store) Users(_ context.Context) ([]chat.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]chat.User, 0, len(s.users))
	for _, u := range s.users {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Username < out[j].Username })
	return out, nil
}

func (s *Store) SetOnline(_ context.Context, user chat.User, online bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if online {
		s.online[user.ID] = true
	} else {
		delete(s.online, user.ID)
	}
	return nil
}

// IsOnline reports the durable flag last written by SetOnline.
func (s *Store) IsOnline(userID int64) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.online[userID]
}

func (s *Store) RoomByID(_ context.Context, id chat.RoomID) (chat.Room, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rooms[id]
	if !ok {
		return chat.Room{}, chat.ErrNotFound
	}
	return r.Room, nil
}

func (s *Store) RoomMembers(_ context.Context, id chat.RoomID) ([]chat.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rooms[id]
	if !ok {
		return nil, chat.ErrNotFound
	}
	out := make([]chat.User, 0, len(r.members))
	for _, u := range s.users {
		if r.members[u.ID] {
			out = append(out, u)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Username < out[j].Username })
	return out, nil
}

// CreateRoom creates a room owned by owner and makes the owner its first member.
func (s *Store) CreateRoom(_ context.Context, owner chat.User, name string) (chat.Room, error) {
	n := store.NormalizeRoomName(name)
	if n == "" {
		return chat.Room{}, store.ErrInvalidName
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.rooms {
		if r.Name == n {
			return chat.Room{}, store.ErrRoomExists
		}
	}
	s.nextRoom++
	r := &room{
		Room:    chat.Room{ID: s.nextRoom, Name: n, OwnerID: owner.ID},
		members: map[int64]bool{owner.ID: true},
	}
	s.rooms[r.ID] = r
	return r.Room, nil
}

func (s *Store) JoinRoom(_ context.Context, user chat.User, id chat.RoomID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rooms[id]
	if !ok {
		return chat.ErrNotFound
	}
	r.members[user.ID] = true
	return nil
}

// LeaveRoom removes user from the room. Owners cannot leave.
func (s *Store) LeaveRoom(_ context.Context, user chat.User, id chat.RoomID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rooms[id]
	if !ok {
		return chat.ErrNotFound
	}
	if r.OwnerID == user.ID {
		return store.ErrOwnerCannotLeave
	}
	delete(r.members, user.ID)
	return nil
}

// DeleteRoom removes the room and every membership. Only the owner may delete.
func (s *Store) DeleteRoom(_ context.Context, owner chat.User, id chat.RoomID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rooms[id]
	if !ok {
		return chat.ErrNotFound
	}
	if r.OwnerID != owner.ID {
		return store.ErrNotOwner
	}
	delete(s.rooms, id)
	return nil
}

func (s *Store) RoomsFor(_ context.Context, user chat.User) ([]store.RoomInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]store.RoomInfo, 0, len(s.rooms))
	for _, r := range s.rooms {
		out = append(out, store.RoomInfo{
			Room:    r.Room,
			Member:  r.members[user.ID],
			IsOwner: r.OwnerID == user.ID,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *Store) AppendPrivateMessage(_ context.Context, sender, receiver chat.User, payload chat.Payload) (chat.Receipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextMsg++
	m := message{id: s.nextMsg, sender: sender, receiver: receiver, payload: payload, ts: s.now()}
	s.messages = append(s.messages, m)
	return chat.Receipt{ID: m.id, Timestamp: m.ts}, nil
}

func (s *Store) AppendGroupMessage(_ context.Context, sender chat.User, r chat.Room, payload chat.Payload) (chat.Receipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextMsg++
	m := message{id: s.nextMsg, sender: sender, room: r.ID, roomName: r.Name, payload: payload, ts: s.now()}
	s.messages = append(s.messages, m)
	return chat.Receipt{ID: m.id, Timestamp: m.ts}, nil
}

// PrivateHistory returns the direct messages between user and peer, oldest first.
func (s *Store) PrivateHistory(_ context.Context, user chat.User, peer string) ([]chat.PrivateMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	other, ok := s.users[store.NormalizeUsername(peer)]
	if !ok {
		return nil, chat.ErrNotFound
	}
	out := []chat.PrivateMessage{}
	for _, m := range s.messages {
		if m.room != 0 {
			continue
		}
		between := (m.sender.ID == user.ID && m.receiver.ID == other.ID) ||
			(m.sender.ID == other.ID && m.receiver.ID == user.ID)
		if !between {
			continue
		}
		out = append(out, chat.PrivateMessage{
			ID:               m.id,
			SenderUsername:   m.sender.Username,
			ReceiverUsername: m.receiver.Username,
			Ciphertext:       m.payload.Ciphertext,
			IV:               m.payload.IV,
			Timestamp:        m.ts,
		})
	}
	return out, nil
}

// RoomHistory returns the room's messages, oldest first.
func (s *Store) RoomHistory(_ context.Context, id chat.RoomID) ([]chat.GroupMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.rooms[id]; !ok {
		return nil, chat.ErrNotFound
	}
	out := []chat.GroupMessage{}
	for _, m := range s.messages {
		if m.room != id {
			continue
		}
		out = append(out, chat.GroupMessage{
			ID:             m.id,
			RoomID:         m.room,
			RoomName:       m.roomName,
			SenderUsername: m.sender.Username,
			Ciphertext:     m.payload.Ciphertext,
			IV:             m.payload.IV,
			Timestamp:      m.ts,
		})
	}
	return out, nil
}

// MessageCount returns how many messages have been appended.
func (s *Store) MessageCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.messages)
}
