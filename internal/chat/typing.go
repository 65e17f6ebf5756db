package chat

import (
	"sort"
	"sync"
)

type typist struct {
	user User
	conn string
}

// Typing tracks, per room, which users are currently composing. It is
// in-memory only and lost on restart. Each entry remembers the connection
// that set it so a superseded connection can clear only its own signals.
type Typing struct {
	mu    sync.Mutex
	rooms map[RoomID]map[int64]typist
}

func NewTyping() *Typing {
	return &Typing{rooms: map[RoomID]map[int64]typist{}}
}

// SetTyping records the latest signal for user in room and returns the
// room's typing set afterwards.
func (t *Typing) SetTyping(room RoomID, user User, typing bool) []User {
	return t.SetTypingFrom(room, user, "", typing)
}

// SetTypingFrom is SetTyping for a signal received on connection conn.
func (t *Typing) SetTypingFrom(room RoomID, user User, conn string, typing bool) []User {
	t.mu.Lock()
	defer t.mu.Unlock()

	set := t.rooms[room]
	if typing {
		if set == nil {
			set = map[int64]typist{}
			t.rooms[room] = set
		}
		set[user.ID] = typist{user: user, conn: conn}
	} else if set != nil {
		delete(set, user.ID)
		if len(set) == 0 {
			delete(t.rooms, room)
		}
	}
	return sortedTypists(t.rooms[room])
}

// ClearUser removes user from every room it was typing in and returns the
// updated set for each of those rooms.
func (t *Typing) ClearUser(user User) map[RoomID][]User {
	return t.clear(user, func(typist) bool { return true })
}

// ClearConn is ClearUser restricted to the entries set through conn.
func (t *Typing) ClearConn(user User, conn string) map[RoomID][]User {
	return t.clear(user, func(e typist) bool { return e.conn == conn })
}

func (t *Typing) clear(user User, match func(typist) bool) map[RoomID][]User {
	t.mu.Lock()
	defer t.mu.Unlock()

	changed := map[RoomID][]User{}
	for room, set := range t.rooms {
		e, ok := set[user.ID]
		if !ok || !match(e) {
			continue
		}
		delete(set, user.ID)
		if len(set) == 0 {
			delete(t.rooms, room)
		}
		changed[room] = sortedTypists(t.rooms[room])
	}
	return changed
}

// DropRoom forgets every typist in room.
func (t *Typing) DropRoom(room RoomID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.rooms, room)
}

// Room returns the current typing set for room.
func (t *Typing) Room(room RoomID) []User {
	t.mu.Lock()
	defer t.mu.Unlock()
	return sortedTypists(t.rooms[room])
}

func sortedTypists(set map[int64]typist) []User {
	out := make([]User, 0, len(set))
	for _, e := range set {
		out = append(out, e.user)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Username < out[j].Username })
	return out
}
