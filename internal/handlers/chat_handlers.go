package handlers

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/pelusa-v/relay-chat/internal/chat"
	"github.com/pelusa-v/relay-chat/internal/store"
)

const (
	userKey = "user"

	// bcrypt ignores everything past 72 bytes.
	maxPasswordLen = 72
)

// Issuer mints the credentials handed out by signup and login.
type Issuer interface {
	Issue(username string, ttl time.Duration) (string, error)
}

// Handlers serves the websocket entry point and the REST surface around it.
type Handlers struct {
	ctx      context.Context
	manager  *chat.ChatManager
	store    store.Store
	issuer   Issuer
	tokenTTL time.Duration
	log      *zap.Logger
}

// New returns handlers whose websocket sessions live until ctx is cancelled.
// Tokens from signup and login are valid for tokenTTL.
func New(ctx context.Context, manager *chat.ChatManager, st store.Store, issuer Issuer, tokenTTL time.Duration, log *zap.Logger) *Handlers {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handlers{ctx: ctx, manager: manager, store: st, issuer: issuer, tokenTTL: tokenTTL, log: log}
}

type credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (h *Handlers) tokenResponse(c *fiber.Ctx, status int, username string) error {
	token, err := h.issuer.Issue(username, h.tokenTTL)
	if err != nil {
		return err
	}
	return c.Status(status).JSON(fiber.Map{"access_token": token, "token_type": "bearer"})
}

// SignupHandler POST /api/signup {"username","password"}
func (h *Handlers) SignupHandler(c *fiber.Ctx) error {
	var in credentials
	if err := c.BodyParser(&in); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid body")
	}
	if in.Password == "" || len(in.Password) > maxPasswordLen {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "password must be 1 to 72 bytes"})
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(in.Password), bcrypt.DefaultCost)
	if err != nil {
		return err
	}
	u, err := h.store.CreateAccount(c.UserContext(), in.Username, hash)
	if err != nil {
		return h.storeError(c, err)
	}
	h.log.Info("account created", zap.String("user", u.Username))
	return h.tokenResponse(c, fiber.StatusCreated, u.Username)
}

// LoginHandler POST /api/login {"username","password"}
func (h *Handlers) LoginHandler(c *fiber.Ctx) error {
	var in credentials
	if err := c.BodyParser(&in); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid body")
	}
	u, hash, err := h.store.PasswordHash(c.UserContext(), in.Username)
	if err != nil && !errors.Is(err, chat.ErrNotFound) {
		return h.storeError(c, err)
	}
	if err != nil || len(hash) == 0 || bcrypt.CompareHashAndPassword(hash, []byte(in.Password)) != nil {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "incorrect username or password"})
	}
	return h.tokenResponse(c, fiber.StatusOK, u.Username)
}

// RegisterHandler GET /ws?token=
func (h *Handlers) RegisterHandler(c *websocket.Conn) {
	token := c.Query("token")
	if err := h.manager.Serve(h.ctx, c, token); err != nil {
		h.log.Debug("websocket session rejected", zap.Error(err))
	}
}

// UpgradeOnly lets only websocket upgrade requests through.
func UpgradeOnly(c *fiber.Ctx) error {
	if websocket.IsWebSocketUpgrade(c) {
		return c.Next()
	}
	return fiber.ErrUpgradeRequired
}

// RequireUser authenticates REST calls with the same credential the
// websocket uses, from the Authorization header or ?token=.
func (h *Handlers) RequireUser(c *fiber.Ctx) error {
	token := strings.TrimSpace(strings.TrimPrefix(c.Get(fiber.HeaderAuthorization), "Bearer "))
	if token == "" {
		token = c.Query("token")
	}
	if token == "" {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "missing credential"})
	}
	user, err := h.manager.Verifier().Verify(c.UserContext(), token)
	if err != nil {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "invalid credential"})
	}
	c.Locals(userKey, user)
	return c.Next()
}

func currentUser(c *fiber.Ctx) chat.User {
	u, _ := c.Locals(userKey).(chat.User)
	return u
}

// ShowClientsHandler GET /api/online?exclude=username
func (h *Handlers) ShowClientsHandler(c *fiber.Ctx) error {
	ex := c.Query("exclude")
	out := make([]chat.User, 0)
	for _, u := range h.manager.Presence().Snapshot() {
		if ex != "" && u.Username == ex {
			continue
		}
		out = append(out, u)
	}
	return c.JSON(out)
}

// UsersHandler GET /api/users lists everyone but the caller.
func (h *Handlers) UsersHandler(c *fiber.Ctx) error {
	me := currentUser(c)
	users, err := h.store.Users(c.UserContext())
	if err != nil {
		return h.storeError(c, err)
	}
	out := make([]chat.User, 0, len(users))
	for _, u := range users {
		if u.ID != me.ID {
			out = append(out, u)
		}
	}
	return c.JSON(out)
}

// InboxHandler GET /api/inbox
func (h *Handlers) InboxHandler(c *fiber.Ctx) error {
	return c.JSON(h.manager.Inbox().Get(currentUser(c).ID))
}

// MarkReadHandler POST /api/inbox/read?thread_id=
func (h *Handlers) MarkReadHandler(c *fiber.Ctx) error {
	thread := c.Query("thread_id")
	if thread == "" {
		return c.SendStatus(fiber.StatusBadRequest)
	}
	if !h.manager.Inbox().MarkRead(currentUser(c).ID, thread) {
		return c.SendStatus(fiber.StatusNotFound)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

// RoomsHandler GET /api/rooms
func (h *Handlers) RoomsHandler(c *fiber.Ctx) error {
	rooms, err := h.store.RoomsFor(c.UserContext(), currentUser(c))
	if err != nil {
		return h.storeError(c, err)
	}
	if rooms == nil {
		rooms = []store.RoomInfo{}
	}
	return c.JSON(rooms)
}

// CreateRoomHandler POST /api/rooms?name=
func (h *Handlers) CreateRoomHandler(c *fiber.Ctx) error {
	name := strings.TrimSpace(c.Query("name"))
	if name == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "missing name"})
	}
	room, err := h.store.CreateRoom(c.UserContext(), currentUser(c), name)
	if err != nil {
		return h.storeError(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(room)
}

// JoinRoomHandler POST /api/rooms/:id/join
func (h *Handlers) JoinRoomHandler(c *fiber.Ctx) error {
	id, err := roomParam(c)
	if err != nil {
		return err
	}
	if err := h.store.JoinRoom(c.UserContext(), currentUser(c), id); err != nil {
		return h.storeError(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

// LeaveRoomHandler POST /api/rooms/:id/leave. Leaving also ends the user's
// typing state in the room.
func (h *Handlers) LeaveRoomHandler(c *fiber.Ctx) error {
	id, err := roomParam(c)
	if err != nil {
		return err
	}
	me := currentUser(c)
	if err := h.store.LeaveRoom(c.UserContext(), me, id); err != nil {
		return h.storeError(c, err)
	}
	if err := h.manager.Router().ExpireTyping(c.UserContext(), id, me); err != nil {
		h.log.Warn("typing expiry after leave", zap.Int64("room_id", int64(id)), zap.Error(err))
	}
	h.manager.Inbox().ForgetRoom(me.ID, id)
	return c.SendStatus(fiber.StatusNoContent)
}

// DeleteRoomHandler DELETE /api/rooms/:id (owner only). The room's typing
// state goes with it.
func (h *Handlers) DeleteRoomHandler(c *fiber.Ctx) error {
	id, err := roomParam(c)
	if err != nil {
		return err
	}
	if err := h.store.DeleteRoom(c.UserContext(), currentUser(c), id); err != nil {
		return h.storeError(c, err)
	}
	h.manager.Typing().DropRoom(id)
	return c.SendStatus(fiber.StatusNoContent)
}

// HistoryHandler GET /api/messages/:username
func (h *Handlers) HistoryHandler(c *fiber.Ctx) error {
	msgs, err := h.store.PrivateHistory(c.UserContext(), currentUser(c), c.Params("username"))
	if err != nil {
		return h.storeError(c, err)
	}
	return c.JSON(msgs)
}

// RoomHistoryHandler GET /api/rooms/:id/messages (members only)
func (h *Handlers) RoomHistoryHandler(c *fiber.Ctx) error {
	id, err := roomParam(c)
	if err != nil {
		return err
	}
	members, err := h.store.RoomMembers(c.UserContext(), id)
	if err != nil {
		return h.storeError(c, err)
	}
	me := currentUser(c)
	member := false
	for _, m := range members {
		if m.ID == me.ID {
			member = true
			break
		}
	}
	if !member {
		return c.Status(fiber.StatusForbidden).JSON(fiber.Map{"error": chat.ErrNotAMember.Error()})
	}
	msgs, err := h.store.RoomHistory(c.UserContext(), id)
	if err != nil {
		return h.storeError(c, err)
	}
	return c.JSON(msgs)
}

// HealthHandler GET /healthz
func (h *Handlers) HealthHandler(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"status": "ok", "online": h.manager.Presence().Len()})
}

// IndexHandler GET / renders the status page.
func (h *Handlers) IndexHandler(c *fiber.Ctx) error {
	users := h.manager.Presence().Snapshot()
	names := make([]string, 0, len(users))
	for _, u := range users {
		names = append(names, u.Username)
	}
	return c.Render("index", fiber.Map{
		"Title":  "Relay Chat",
		"Online": len(names),
		"Users":  names,
		"Host":   c.Hostname(),
	})
}

func roomParam(c *fiber.Ctx) (chat.RoomID, error) {
	id, err := c.ParamsInt("id")
	if err != nil || id <= 0 {
		return 0, fiber.NewError(fiber.StatusBadRequest, "invalid room id")
	}
	return chat.RoomID(id), nil
}

func (h *Handlers) storeError(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	switch {
	case errors.Is(err, chat.ErrNotFound):
		code = fiber.StatusNotFound
	case errors.Is(err, store.ErrNotOwner), errors.Is(err, store.ErrOwnerCannotLeave):
		code = fiber.StatusForbidden
	case errors.Is(err, store.ErrRoomExists), errors.Is(err, store.ErrUserExists):
		code = fiber.StatusConflict
	case errors.Is(err, store.ErrInvalidName):
		code = fiber.StatusBadRequest
	default:
		h.log.Error("store request failed", zap.String("path", c.Path()), zap.Error(err))
		return c.Status(code).JSON(fiber.Map{"error": "internal error"})
	}
	return c.Status(code).JSON(fiber.Map{"error": err.Error()})
}
