// Package store defines the persistence contract behind the relay core and
// the REST surface. Implementations live in the memory and postgres
// subpackages.
package store

import (
	"context"
	"errors"
	"path"
	"strings"

	"github.com/pelusa-v/relay-chat/internal/chat"
)

var (
	ErrRoomExists       = errors.New("room already exists")
	ErrInvalidName      = errors.New("invalid name")
	ErrNotOwner         = errors.New("only the owner may do that")
	ErrOwnerCannotLeave = errors.New("owner cannot leave a room, delete it instead")
	ErrUserExists       = errors.New("user already exists")
)

// RoomInfo is a room as seen by one user.
type RoomInfo struct {
	chat.Room
	Member  bool `json:"member"`
	IsOwner bool `json:"is_owner"`
}

// Directory is the request/response side used by the REST handlers.
type Directory interface {
	Users(ctx context.Context) ([]chat.User, error)
	CreateUser(ctx context.Context, username string) (chat.User, error)
	// CreateAccount is CreateUser with a stored password hash.
	CreateAccount(ctx context.Context, username string, passwordHash []byte) (chat.User, error)
	// PasswordHash returns the user and its stored hash, empty for accounts
	// created without a password. Unknown users are chat.ErrNotFound.
	PasswordHash(ctx context.Context, username string) (chat.User, []byte, error)
	RoomsFor(ctx context.Context, user chat.User) ([]RoomInfo, error)
	CreateRoom(ctx context.Context, owner chat.User, name string) (chat.Room, error)
	JoinRoom(ctx context.Context, user chat.User, room chat.RoomID) error
	LeaveRoom(ctx context.Context, user chat.User, room chat.RoomID) error
	DeleteRoom(ctx context.Context, owner chat.User, room chat.RoomID) error
	PrivateHistory(ctx context.Context, user chat.User, peer string) ([]chat.PrivateMessage, error)
	RoomHistory(ctx context.Context, room chat.RoomID) ([]chat.GroupMessage, error)
}

// Store is everything a backing database provides.
type Store interface {
	chat.Gateway
	Directory
	Close()
}

// NormalizeRoomName trims spaces, collapses duplicate slashes and strips the
// leading slash. An empty result means the name is invalid.
func NormalizeRoomName(name string) string {
	r := strings.TrimSpace(name)
	if r == "" {
		return ""
	}
	r = path.Clean("/" + r)
	return strings.TrimPrefix(r, "/")
}

// NormalizeUsername trims spaces; usernames are otherwise opaque.
func NormalizeUsername(name string) string {
	return strings.TrimSpace(name)
}
