// Package postgres implements the store on PostgreSQL through a pgx pool.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pelusa-v/relay-chat/internal/chat"
	"github.com/pelusa-v/relay-chat/internal/store"
)

const uniqueViolation = "23505"

type Store struct {
	pool  *pgxpool.Pool
	users *lru.Cache[string, chat.User]
}

var _ store.Store = (*Store)(nil)

// New connects to connString and verifies the connection. cacheSize bounds
// the username lookup cache; zero disables it.
func New(ctx context.Context, connString string, cacheSize int) (*Store, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	config.MaxConns = 25
	config.MinConns = 2
	config.MaxConnLifetime = time.Hour
	config.MaxConnIdleTime = 30 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &Store{pool: pool}
	if cacheSize > 0 {
		s.users, err = lru.New[string, chat.User](cacheSize)
		if err != nil {
			pool.Close()
			return nil, fmt.Errorf("failed to create user cache: %w", err)
		}
	}
	return s, nil
}

func (s *Store) Close() {
	s.pool.Close()
}

func (s *Store) Migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id BIGSERIAL PRIMARY KEY,
			username TEXT NOT NULL UNIQUE,
			hashed_password TEXT NOT NULL DEFAULT '',
			is_online BOOLEAN NOT NULL DEFAULT false
		)`,
		`CREATE TABLE IF NOT EXISTS rooms (
			id BIGSERIAL PRIMARY KEY,
			name TEXT NOT NULL,
			created_by BIGINT NOT NULL REFERENCES users(id),
			created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
			is_active BOOLEAN NOT NULL DEFAULT true
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_rooms_active_name ON rooms(name) WHERE is_active`,
		`CREATE TABLE IF NOT EXISTS room_members (
			room_id BIGINT NOT NULL REFERENCES rooms(id),
			user_id BIGINT NOT NULL REFERENCES users(id),
			joined_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
			is_active BOOLEAN NOT NULL DEFAULT true,
			PRIMARY KEY (room_id, user_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_room_members_user_id ON room_members(user_id)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id BIGSERIAL PRIMARY KEY,
			message_type TEXT NOT NULL,
			sender_id BIGINT NOT NULL REFERENCES users(id),
			receiver_id BIGINT REFERENCES users(id),
			room_id BIGINT REFERENCES rooms(id),
			ciphertext TEXT NOT NULL,
			iv TEXT NOT NULL,
			created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_pair ON messages(sender_id, receiver_id, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_room ON messages(room_id, created_at)`,
	}

	for _, migration := range migrations {
		if _, err := s.pool.Exec(ctx, migration); err != nil {
			return fmt.Errorf("failed to run migration: %w", err)
		}
	}
	return nil
}

func (s *Store) CreateUser(ctx context.Context, username string) (chat.User, error) {
	return s.CreateAccount(ctx, username, nil)
}

func (s *Store) CreateAccount(ctx context.Context, username string, passwordHash []byte) (chat.User, error) {
	name := store.NormalizeUsername(username)
	if name == "" {
		return chat.User{}, store.ErrInvalidName
	}
	u := chat.User{Username: name}
	err := s.pool.QueryRow(ctx,
		`INSERT INTO users (username, hashed_password) VALUES ($1, $2) RETURNING id`,
		name, string(passwordHash),
	).Scan(&u.ID)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return chat.User{}, store.ErrUserExists
		}
		return chat.User{}, fmt.Errorf("failed to create user: %w", err)
	}
	return u, nil
}

// PasswordHash always reads the database; the user cache holds no hashes.
func (s *Store) PasswordHash(ctx context.Context, username string) (chat.User, []byte, error) {
	u := chat.User{Username: store.NormalizeUsername(username)}
	var hash string
	err := s.pool.QueryRow(ctx, `SELECT id, hashed_password FROM users WHERE username = $1`, u.Username).
		Scan(&u.ID, &hash)
	if errors.Is(err, pgx.ErrNoRows) {
		return chat.User{}, nil, chat.ErrNotFound
	}
	if err != nil {
		return chat.User{}, nil, fmt.Errorf("failed to get password hash: %w", err)
	}
	if hash == "" {
		return u, nil, nil
	}
	return u, []byte(hash), nil
}

// UserByName resolves a username. Usernames never change owner, so hits are
// served from the cache.
func (s *Store) UserByName(ctx context.Context, username string) (chat.User, error) {
	name := store.NormalizeUsername(username)
	if s.users != nil {
		if u, ok := s.users.Get(name); ok {
			return u, nil
		}
	}
	u := chat.User{Username: name}
	err := s.pool.QueryRow(ctx, `SELECT id FROM users WHERE username = $1`, name).Scan(&u.ID)
	if errors.Is(err, pgx.ErrNoRows) {
		return chat.User{}, chat.ErrNotFound
	}
	if err != nil {
		return chat.User{}, fmt.Errorf("failed to get user: %w", err)
	}
	if s.users != nil {
		s.users.Add(name, u)
	}
	return u, nil
}

func (s *Store) Users(ctx context.Context) ([]chat.User, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, username FROM users ORDER BY username`)
	if err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	defer rows.Close()

	var users []chat.User
	for rows.Next() {
		var u chat.User
		if err := rows.Scan(&u.ID, &u.Username); err != nil {
			return nil, fmt.Errorf("failed to scan user: %w", err)
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

func (s *Store) SetOnline(ctx context.Context, user chat.User, online bool) error {
	if _, err := s.pool.Exec(ctx, `UPDATE users SET is_online = $2 WHERE id = $1`, user.ID, online); err != nil {
		return fmt.Errorf("failed to set online flag: %w", err)
	}
	return nil
}

func (s *Store) RoomByID(ctx context.Context, id chat.RoomID) (chat.Room, error) {
	r := chat.Room{ID: id}
	err := s.pool.QueryRow(ctx,
		`SELECT name, created_by FROM rooms WHERE id = $1 AND is_active`, int64(id),
	).Scan(&r.Name, &r.OwnerID)
	if errors.Is(err, pgx.ErrNoRows) {
		return chat.Room{}, chat.ErrNotFound
	}
	if err != nil {
		return chat.Room{}, fmt.Errorf("failed to get room: %w", err)
	}
	return r, nil
}

func (s *Store) RoomMembers(ctx context.Context, id chat.RoomID) ([]chat.User, error) {
	if _, err := s.RoomByID(ctx, id); err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx, `
		SELECT u.id, u.username
		FROM room_members m JOIN users u ON u.id = m.user_id
		WHERE m.room_id = $1 AND m.is_active
		ORDER BY u.username`, int64(id))
	if err != nil {
		return nil, fmt.Errorf("failed to list room members: %w", err)
	}
	defer rows.Close()

	var members []chat.User
	for rows.Next() {
		var u chat.User
		if err := rows.Scan(&u.ID, &u.Username); err != nil {
			return nil, fmt.Errorf("failed to scan member: %w", err)
		}
		members = append(members, u)
	}
	return members, rows.Err()
}

func (s *Store) CreateRoom(ctx context.Context, owner chat.User, name string) (chat.Room, error) {
	n := store.NormalizeRoomName(name)
	if n == "" {
		return chat.Room{}, store.ErrInvalidName
	}
	r := chat.Room{Name: n, OwnerID: owner.ID}
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var id int64
		if err := tx.QueryRow(ctx,
			`INSERT INTO rooms (name, created_by) VALUES ($1, $2) RETURNING id`, n, owner.ID,
		).Scan(&id); err != nil {
			return err
		}
		r.ID = chat.RoomID(id)
		_, err := tx.Exec(ctx,
			`INSERT INTO room_members (room_id, user_id) VALUES ($1, $2)`, id, owner.ID)
		return err
	})
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return chat.Room{}, store.ErrRoomExists
		}
		return chat.Room{}, fmt.Errorf("failed to create room: %w", err)
	}
	return r, nil
}

func (s *Store) JoinRoom(ctx context.Context, user chat.User, id chat.RoomID) error {
	if _, err := s.RoomByID(ctx, id); err != nil {
		return err
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO room_members (room_id, user_id) VALUES ($1, $2)
		ON CONFLICT (room_id, user_id) DO UPDATE SET is_active = true, joined_at = NOW()`,
		int64(id), user.ID)
	if err != nil {
		return fmt.Errorf("failed to join room: %w", err)
	}
	return nil
}

func (s *Store) LeaveRoom(ctx context.Context, user chat.User, id chat.RoomID) error {
	r, err := s.RoomByID(ctx, id)
	if err != nil {
		return err
	}
	if r.OwnerID == user.ID {
		return store.ErrOwnerCannotLeave
	}
	if _, err := s.pool.Exec(ctx,
		`UPDATE room_members SET is_active = false WHERE room_id = $1 AND user_id = $2`,
		int64(id), user.ID); err != nil {
		return fmt.Errorf("failed to leave room: %w", err)
	}
	return nil
}

// DeleteRoom deactivates the room; its history is kept.
func (s *Store) DeleteRoom(ctx context.Context, owner chat.User, id chat.RoomID) error {
	r, err := s.RoomByID(ctx, id)
	if err != nil {
		return err
	}
	if r.OwnerID != owner.ID {
		return store.ErrNotOwner
	}
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `UPDATE rooms SET is_active = false WHERE id = $1`, int64(id)); err != nil {
			return fmt.Errorf("failed to delete room: %w", err)
		}
		if _, err := tx.Exec(ctx, `UPDATE room_members SET is_active = false WHERE room_id = $1`, int64(id)); err != nil {
			return fmt.Errorf("failed to clear memberships: %w", err)
		}
		return nil
	})
}

func (s *Store) RoomsFor(ctx context.Context, user chat.User) ([]store.RoomInfo, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT r.id, r.name, r.created_by, COALESCE(m.is_active, false)
		FROM rooms r
		LEFT JOIN room_members m ON m.room_id = r.id AND m.user_id = $1
		WHERE r.is_active
		ORDER BY r.name`, user.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to list rooms: %w", err)
	}
	defer rows.Close()

	var rooms []store.RoomInfo
	for rows.Next() {
		var (
			info store.RoomInfo
			id   int64
		)
		if err := rows.Scan(&id, &info.Name, &info.OwnerID, &info.Member); err != nil {
			return nil, fmt.Errorf("failed to scan room: %w", err)
		}
		info.ID = chat.RoomID(id)
		info.IsOwner = info.OwnerID == user.ID
		rooms = append(rooms, info)
	}
	return rooms, rows.Err()
}

// AppendPrivateMessage holds one pooled connection for the insert and
// read-back, released on every exit path.
func (s *Store) AppendPrivateMessage(ctx context.Context, sender, receiver chat.User, payload chat.Payload) (chat.Receipt, error) {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return chat.Receipt{}, fmt.Errorf("failed to acquire connection: %w", err)
	}
	defer conn.Release()

	var r chat.Receipt
	err = conn.QueryRow(ctx, `
		INSERT INTO messages (message_type, sender_id, receiver_id, ciphertext, iv)
		VALUES ('private', $1, $2, $3, $4)
		RETURNING id, created_at`,
		sender.ID, receiver.ID, payload.Ciphertext, payload.IV,
	).Scan(&r.ID, &r.Timestamp)
	if err != nil {
		return chat.Receipt{}, fmt.Errorf("failed to append private message: %w", err)
	}
	r.Timestamp = r.Timestamp.UTC()
	return r, nil
}

func (s *Store) AppendGroupMessage(ctx context.Context, sender chat.User, room chat.Room, payload chat.Payload) (chat.Receipt, error) {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return chat.Receipt{}, fmt.Errorf("failed to acquire connection: %w", err)
	}
	defer conn.Release()

	var r chat.Receipt
	err = conn.QueryRow(ctx, `
		INSERT INTO messages (message_type, sender_id, room_id, ciphertext, iv)
		VALUES ('group', $1, $2, $3, $4)
		RETURNING id, created_at`,
		sender.ID, int64(room.ID), payload.Ciphertext, payload.IV,
	).Scan(&r.ID, &r.Timestamp)
	if err != nil {
		return chat.Receipt{}, fmt.Errorf("failed to append group message: %w", err)
	}
	r.Timestamp = r.Timestamp.UTC()
	return r, nil
}

func (s *Store) PrivateHistory(ctx context.Context, user chat.User, peer string) ([]chat.PrivateMessage, error) {
	other, err := s.UserByName(ctx, peer)
	if err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx, `
		SELECT m.id, su.username, ru.username, m.ciphertext, m.iv, m.created_at
		FROM messages m
		JOIN users su ON su.id = m.sender_id
		JOIN users ru ON ru.id = m.receiver_id
		WHERE m.message_type = 'private'
		  AND ((m.sender_id = $1 AND m.receiver_id = $2) OR (m.sender_id = $2 AND m.receiver_id = $1))
		ORDER BY m.created_at, m.id`, user.ID, other.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	out := []chat.PrivateMessage{}
	for rows.Next() {
		var m chat.PrivateMessage
		if err := rows.Scan(&m.ID, &m.SenderUsername, &m.ReceiverUsername, &m.Ciphertext, &m.IV, &m.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		m.Timestamp = m.Timestamp.UTC()
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *Store) RoomHistory(ctx context.Context, id chat.RoomID) ([]chat.GroupMessage, error) {
	room, err := s.RoomByID(ctx, id)
	if err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx, `
		SELECT m.id, su.username, m.ciphertext, m.iv, m.created_at
		FROM messages m
		JOIN users su ON su.id = m.sender_id
		WHERE m.message_type = 'group' AND m.room_id = $1
		ORDER BY m.created_at, m.id`, int64(id))
	if err != nil {
		return nil, fmt.Errorf("failed to query room history: %w", err)
	}
	defer rows.Close()

	out := []chat.GroupMessage{}
	for rows.Next() {
		m := chat.GroupMessage{RoomID: room.ID, RoomName: room.Name}
		if err := rows.Scan(&m.ID, &m.SenderUsername, &m.Ciphertext, &m.IV, &m.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		m.Timestamp = m.Timestamp.UTC()
		out = append(out, m)
	}
	return out, rows.Err()
}
