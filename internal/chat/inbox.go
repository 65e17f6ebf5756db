package chat

import (
	"sort"
	"strconv"
	"sync"
	"time"
)

type ThreadKind string

const (
	ThreadPrivate ThreadKind = "private"
	ThreadGroup   ThreadKind = "group"
)

// ThreadPreview is one conversation in a user's inbox. The server cannot read
// message bodies, so a preview only points at the latest message.
type ThreadPreview struct {
	ThreadID      string     `json:"thread_id"` // u:<peer> or g:<room id>
	Kind          ThreadKind `json:"kind"`
	Title         string     `json:"title"`
	LastMessageID int64      `json:"last_message_id"`
	LastTs        time.Time  `json:"last_ts"`
	Unread        int        `json:"unread"`
}

// Inbox keeps per-user thread previews in memory. A nil *Inbox ignores writes.
type Inbox struct {
	mu      sync.RWMutex
	threads map[int64]map[string]*ThreadPreview // user id -> thread id -> preview
}

func NewInbox() *Inbox {
	return &Inbox{threads: map[int64]map[string]*ThreadPreview{}}
}

func privateThread(peer string) string { return "u:" + peer }

func groupThread(room RoomID) string { return "g:" + strconv.FormatInt(int64(room), 10) }

// ensure returns the thread map for userID; callers hold the write lock.
func (in *Inbox) ensure(userID int64) map[string]*ThreadPreview {
	t, ok := in.threads[userID]
	if !ok {
		t = map[string]*ThreadPreview{}
		in.threads[userID] = t
	}
	return t
}

// Get returns userID's threads, most recent first.
func (in *Inbox) Get(userID int64) []ThreadPreview {
	in.mu.RLock()
	defer in.mu.RUnlock()
	list := make([]ThreadPreview, 0, len(in.threads[userID]))
	for _, p := range in.threads[userID] {
		list = append(list, *p)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].LastTs.After(list[j].LastTs) })
	return list
}

// MarkRead zeroes the unread counter of one thread and reports whether it exists.
func (in *Inbox) MarkRead(userID int64, threadID string) bool {
	in.mu.Lock()
	defer in.mu.Unlock()
	p, ok := in.threads[userID][threadID]
	if ok {
		p.Unread = 0
	}
	return ok
}

// RecordPrivate updates both parties' previews after a stored direct message.
func (in *Inbox) RecordPrivate(from, to User, receipt Receipt) {
	if in == nil {
		return
	}
	in.mu.Lock()
	defer in.mu.Unlock()

	in.ensure(from.ID)[privateThread(to.Username)] = &ThreadPreview{
		ThreadID: privateThread(to.Username), Kind: ThreadPrivate, Title: to.Username,
		LastMessageID: receipt.ID, LastTs: receipt.Timestamp,
	}
	if from.ID == to.ID {
		return
	}
	threads := in.ensure(to.ID)
	key := privateThread(from.Username)
	if prev, ok := threads[key]; ok {
		prev.LastMessageID, prev.LastTs = receipt.ID, receipt.Timestamp
		prev.Unread++
		return
	}
	threads[key] = &ThreadPreview{
		ThreadID: key, Kind: ThreadPrivate, Title: from.Username,
		LastMessageID: receipt.ID, LastTs: receipt.Timestamp, Unread: 1,
	}
}

// RecordGroup updates every member's preview of room after a stored room message.
func (in *Inbox) RecordGroup(room Room, from User, members []User, receipt Receipt) {
	if in == nil {
		return
	}
	in.mu.Lock()
	defer in.mu.Unlock()

	key := groupThread(room.ID)
	for _, m := range members {
		unread := 0
		if m.ID != from.ID {
			unread = 1
		}
		threads := in.ensure(m.ID)
		if prev, ok := threads[key]; ok {
			prev.Title = room.Name
			prev.LastMessageID, prev.LastTs = receipt.ID, receipt.Timestamp
			prev.Unread += unread
			continue
		}
		threads[key] = &ThreadPreview{
			ThreadID: key, Kind: ThreadGroup, Title: room.Name,
			LastMessageID: receipt.ID, LastTs: receipt.Timestamp, Unread: unread,
		}
	}
}

// ForgetRoom drops room's thread from userID's inbox, e.g. after leaving it.
func (in *Inbox) ForgetRoom(userID int64, room RoomID) {
	if in == nil {
		return
	}
	in.mu.Lock()
	defer in.mu.Unlock()
	delete(in.threads[userID], groupThread(room))
}
