package chat

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// User is an authenticated identity. ID is stable, Username is what clients render.
type User struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
}

// RoomID identifies a room. Clients send it either as a number or as a
// numeric string, so both forms decode.
type RoomID int64

func (r *RoomID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*r = 0
		return nil
	}
	raw := string(data)
	if strings.HasPrefix(raw, `"`) {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		raw = strings.TrimSpace(s)
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return fmt.Errorf("room_id %q: %w", raw, err)
	}
	*r = RoomID(id)
	return nil
}

type Room struct {
	ID      RoomID `json:"id"`
	Name    string `json:"name"`
	OwnerID int64  `json:"owner_id"`
}

// Payload is client-side ciphertext. The server stores and relays it untouched.
type Payload struct {
	Ciphertext string `json:"ciphertext"`
	IV         string `json:"iv"`
}

// Receipt is what the gateway hands back after an append.
type Receipt struct {
	ID        int64
	Timestamp time.Time
}

// Kind discriminates inbound envelopes.
type Kind string

const (
	KindPrivate     Kind = "private"
	KindGroup       Kind = "group"
	KindTypingStart Kind = "typing_start"
	KindTypingStop  Kind = "typing_stop"
)

// envelope is the raw inbound wire shape.
type envelope struct {
	Type     Kind     `json:"type"`
	Receiver string   `json:"receiver,omitempty"`
	RoomID   *RoomID  `json:"room_id,omitempty"`
	Payload  *Payload `json:"payload,omitempty"`
}

// Inbound is one of PrivateSend, GroupSend or TypingSignal.
type Inbound interface {
	inbound()
}

type PrivateSend struct {
	Receiver string
	Payload  Payload
}

type GroupSend struct {
	Room    RoomID
	Payload Payload
}

type TypingSignal struct {
	Room   RoomID
	Typing bool
}

func (PrivateSend) inbound()  {}
func (GroupSend) inbound()    {}
func (TypingSignal) inbound() {}

// DecodeEnvelope turns one inbound frame into a typed variant. Unknown kinds
// return ErrUnknownKind, structurally invalid frames ErrMalformedEnvelope.
func DecodeEnvelope(data []byte) (Inbound, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}

	switch env.Type {
	case KindPrivate:
		receiver := strings.TrimSpace(env.Receiver)
		if receiver == "" || !env.Payload.valid() {
			return nil, fmt.Errorf("%w: private message needs receiver and payload", ErrMalformedEnvelope)
		}
		return PrivateSend{Receiver: receiver, Payload: *env.Payload}, nil
	case KindGroup:
		if env.RoomID == nil || !env.Payload.valid() {
			return nil, fmt.Errorf("%w: group message needs room_id and payload", ErrMalformedEnvelope)
		}
		return GroupSend{Room: *env.RoomID, Payload: *env.Payload}, nil
	case KindTypingStart, KindTypingStop:
		if env.RoomID == nil {
			return nil, fmt.Errorf("%w: typing signal needs room_id", ErrMalformedEnvelope)
		}
		return TypingSignal{Room: *env.RoomID, Typing: env.Type == KindTypingStart}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, env.Type)
	}
}

func (p *Payload) valid() bool {
	return p != nil && p.Ciphertext != "" && p.IV != ""
}

// Outbound relay types.
const (
	RelayPrivateMessage  = "private_message"
	RelayGroupMessage    = "group_message"
	RelayTypingIndicator = "typing_indicator"
	RelayUserList        = "user_list"
	RelayInboxUpdate     = "inbox_update"
	RelayError           = "error"
)

// Relay is the outbound wire shape. It is encoded once and the same bytes go
// to every target.
type Relay struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

func (r Relay) Encode() ([]byte, error) {
	return json.Marshal(r)
}

type PrivateMessage struct {
	ID               int64     `json:"id"`
	SenderUsername   string    `json:"sender_username"`
	ReceiverUsername string    `json:"receiver_username"`
	Ciphertext       string    `json:"ciphertext"`
	IV               string    `json:"iv"`
	Timestamp        time.Time `json:"timestamp"`
}

type GroupMessage struct {
	ID             int64     `json:"id"`
	RoomID         RoomID    `json:"room_id"`
	RoomName       string    `json:"room_name"`
	SenderUsername string    `json:"sender_username"`
	Ciphertext     string    `json:"ciphertext"`
	IV             string    `json:"iv"`
	Timestamp      time.Time `json:"timestamp"`
}

type TypingIndicator struct {
	RoomID      RoomID   `json:"room_id"`
	TypingUsers []string `json:"typing_users"`
}

type ErrorNotice struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func usernames(users []User) []string {
	out := make([]string, 0, len(users))
	for _, u := range users {
		out = append(out, u.Username)
	}
	return out
}
