package chat

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidCredential  = errors.New("invalid credential")
	ErrNotFound           = errors.New("not found")
	ErrUnknownParticipant = errors.New("unknown participant")
	ErrUnknownRoom        = errors.New("unknown room")
	ErrNotAMember         = errors.New("not a member of the room")
	ErrPersistence        = errors.New("persistence failure")
	ErrMalformedEnvelope  = errors.New("malformed envelope")
	ErrUnknownKind        = errors.New("unknown envelope kind")
	ErrRateLimited        = errors.New("rate limited")
)

// errorCode maps a per-message fault to the code sent back in an error relay.
func errorCode(err error) string {
	switch {
	case errors.Is(err, ErrUnknownParticipant):
		return "unknown_participant"
	case errors.Is(err, ErrUnknownRoom):
		return "unknown_room"
	case errors.Is(err, ErrNotAMember):
		return "not_a_member"
	case errors.Is(err, ErrMalformedEnvelope):
		return "malformed_envelope"
	case errors.Is(err, ErrUnknownKind):
		return "unknown_kind"
	case errors.Is(err, ErrRateLimited):
		return "rate_limited"
	default:
		return "persistence_failure"
	}
}

func errorRelay(err error) Relay {
	return Relay{Type: RelayError, Data: ErrorNotice{Code: errorCode(err), Message: err.Error()}}
}

// persistenceError wraps a gateway failure so callers can match ErrPersistence
// while keeping the underlying cause.
func persistenceError(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrPersistence, op, err)
}
