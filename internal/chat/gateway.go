package chat

import (
	"context"
	"time"

	"go.uber.org/multierr"
)

// Verifier validates a bearer credential. Failures wrap ErrInvalidCredential.
type Verifier interface {
	Verify(ctx context.Context, credential string) (User, error)
}

// OnlineFlagger records the durable online/offline flag for a user.
type OnlineFlagger interface {
	SetOnline(ctx context.Context, user User, online bool) error
}

// Gateway is the persistence collaborator the core depends on. Lookups that
// miss return ErrNotFound. Each append is one atomic call; the gateway
// assigns the canonical id and timestamp.
type Gateway interface {
	OnlineFlagger

	UserByName(ctx context.Context, username string) (User, error)
	RoomByID(ctx context.Context, id RoomID) (Room, error)
	// RoomMembers returns active members only.
	RoomMembers(ctx context.Context, id RoomID) ([]User, error)
	AppendPrivateMessage(ctx context.Context, sender, receiver User, payload Payload) (Receipt, error)
	AppendGroupMessage(ctx context.Context, sender User, room Room, payload Payload) (Receipt, error)
}

// Flaggers fans one flag update out to several sinks.
type Flaggers []OnlineFlagger

func (f Flaggers) SetOnline(ctx context.Context, user User, online bool) error {
	var err error
	for _, sink := range f {
		if sink == nil {
			continue
		}
		err = multierr.Append(err, sink.SetOnline(ctx, user, online))
	}
	return err
}

const flagTimeout = 5 * time.Second
