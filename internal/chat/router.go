package chat

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/pelusa-v/relay-chat/internal/metrics"
)

// Router validates inbound sends, persists them through the gateway and fans
// the resulting relay out to live connections.
type Router struct {
	store    Gateway
	presence *Presence
	typing   *Typing
	inbox    *Inbox
	log      *zap.Logger
	metrics  *metrics.Chat
}

func NewRouter(store Gateway, presence *Presence, typing *Typing, inbox *Inbox, log *zap.Logger, m *metrics.Chat) *Router {
	if log == nil {
		log = zap.NewNop()
	}
	return &Router{
		store:    store,
		presence: presence,
		typing:   typing,
		inbox:    inbox,
		log:      log,
		metrics:  m,
	}
}

// RoutePrivate stores a direct message and relays it to both the receiver and
// the sender. Offline targets are skipped; the message stays in history.
func (r *Router) RoutePrivate(ctx context.Context, sender User, receiverName string, payload Payload) (PrivateMessage, error) {
	from, err := r.resolveUser(ctx, sender.Username)
	if err != nil {
		return PrivateMessage{}, err
	}
	to, err := r.resolveUser(ctx, receiverName)
	if err != nil {
		return PrivateMessage{}, err
	}

	receipt, err := r.store.AppendPrivateMessage(ctx, from, to, payload)
	if err != nil {
		return PrivateMessage{}, persistenceError("append private message", err)
	}

	msg := PrivateMessage{
		ID:               receipt.ID,
		SenderUsername:   from.Username,
		ReceiverUsername: to.Username,
		Ciphertext:       payload.Ciphertext,
		IV:               payload.IV,
		Timestamp:        receipt.Timestamp,
	}
	r.inbox.RecordPrivate(from, to, receipt)

	targets := []User{to}
	if from.ID != to.ID {
		targets = append(targets, from)
	}
	r.fanOut(Relay{Type: RelayPrivateMessage, Data: msg}, targets)
	r.signalInbox(targets)
	r.metrics.MessageRouted(string(KindPrivate))
	return msg, nil
}

// RouteGroup stores a room message and relays it to every online member,
// sender included. Membership is checked before the append and read again
// for delivery, so a member who joined or left meanwhile is accounted for.
func (r *Router) RouteGroup(ctx context.Context, sender User, roomID RoomID, payload Payload) (GroupMessage, error) {
	from, err := r.resolveUser(ctx, sender.Username)
	if err != nil {
		return GroupMessage{}, err
	}
	room, members, err := r.resolveMembership(ctx, from, roomID)
	if err != nil {
		return GroupMessage{}, err
	}

	receipt, err := r.store.AppendGroupMessage(ctx, from, room, payload)
	if err != nil {
		return GroupMessage{}, persistenceError("append group message", err)
	}

	members = r.deliveryMembers(ctx, room, members)

	msg := GroupMessage{
		ID:             receipt.ID,
		RoomID:         room.ID,
		RoomName:       room.Name,
		SenderUsername: from.Username,
		Ciphertext:     payload.Ciphertext,
		IV:             payload.IV,
		Timestamp:      receipt.Timestamp,
	}
	r.inbox.RecordGroup(room, from, members, receipt)
	r.fanOut(Relay{Type: RelayGroupMessage, Data: msg}, members)
	r.signalInbox(members)
	r.metrics.MessageRouted(string(KindGroup))
	return msg, nil
}

// SetTyping applies a typing signal from a room member and relays the room's
// new typing set to its online members.
func (r *Router) SetTyping(ctx context.Context, sender User, roomID RoomID, typing bool) ([]User, error) {
	return r.setTyping(ctx, sender, "", roomID, typing)
}

func (r *Router) setTyping(ctx context.Context, sender User, conn string, roomID RoomID, typing bool) ([]User, error) {
	_, members, err := r.resolveMembership(ctx, sender, roomID)
	if err != nil {
		return nil, err
	}
	users := r.typing.SetTypingFrom(roomID, sender, conn, typing)
	r.fanOut(typingRelay(roomID, users), members)
	kind := KindTypingStop
	if typing {
		kind = KindTypingStart
	}
	r.metrics.MessageRouted(string(kind))
	return users, nil
}

// BroadcastTyping relays an already computed typing set for room.
func (r *Router) BroadcastTyping(ctx context.Context, roomID RoomID, users []User) error {
	members, err := r.store.RoomMembers(ctx, roomID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return ErrUnknownRoom
		}
		return persistenceError("room members", err)
	}
	r.fanOut(typingRelay(roomID, users), members)
	return nil
}

// ExpireTyping drops user from room's typing set, e.g. when leaving the room.
func (r *Router) ExpireTyping(ctx context.Context, roomID RoomID, user User) error {
	before := r.typing.Room(roomID)
	users := r.typing.SetTyping(roomID, user, false)
	if len(users) == len(before) {
		return nil
	}
	return r.BroadcastTyping(ctx, roomID, users)
}

func (r *Router) resolveUser(ctx context.Context, username string) (User, error) {
	u, err := r.store.UserByName(ctx, username)
	switch {
	case errors.Is(err, ErrNotFound):
		return User{}, ErrUnknownParticipant
	case err != nil:
		return User{}, persistenceError("lookup user", err)
	}
	return u, nil
}

func (r *Router) resolveMembership(ctx context.Context, user User, roomID RoomID) (Room, []User, error) {
	room, err := r.store.RoomByID(ctx, roomID)
	switch {
	case errors.Is(err, ErrNotFound):
		return Room{}, nil, ErrUnknownRoom
	case err != nil:
		return Room{}, nil, persistenceError("lookup room", err)
	}
	members, err := r.store.RoomMembers(ctx, roomID)
	if err != nil {
		return Room{}, nil, persistenceError("room members", err)
	}
	for _, m := range members {
		if m.ID == user.ID {
			return room, members, nil
		}
	}
	return Room{}, nil, ErrNotAMember
}

// deliveryMembers rereads room membership after an append. The message is
// already stored, so a failed read falls back to the list checked before it.
func (r *Router) deliveryMembers(ctx context.Context, room Room, checked []User) []User {
	members, err := r.store.RoomMembers(ctx, room.ID)
	if err != nil {
		r.log.Warn("reread room members", zap.Int64("room_id", int64(room.ID)), zap.Error(err))
		return checked
	}
	return members
}

// signalInbox tells online users their thread previews changed.
func (r *Router) signalInbox(targets []User) {
	if r.inbox == nil {
		return
	}
	r.fanOut(Relay{Type: RelayInboxUpdate}, targets)
}

// fanOut encodes rel once and queues it for every online target.
func (r *Router) fanOut(rel Relay, targets []User) int {
	data, err := rel.Encode()
	if err != nil {
		r.log.Error("encode relay", zap.String("type", rel.Type), zap.Error(err))
		return 0
	}
	delivered := 0
	for _, u := range targets {
		c, ok := r.presence.Lookup(u.ID)
		if !ok {
			continue
		}
		if c.Deliver(data) {
			delivered++
			continue
		}
		r.metrics.DeliveryDropped()
		r.log.Warn("relay dropped", zap.String("type", rel.Type), zap.String("user", u.Username))
	}
	return delivered
}

func typingRelay(roomID RoomID, users []User) Relay {
	return Relay{Type: RelayTypingIndicator, Data: TypingIndicator{RoomID: roomID, TypingUsers: usernames(users)}}
}
