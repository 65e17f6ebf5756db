package handlers

import (
	"embed"
	"io/fs"
	"net/http"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/template/html/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

//go:embed views/*.html
var views embed.FS

// NewApp wires every route onto a fiber app. gatherer backs /metrics and
// may be nil to leave the endpoint out.
func NewApp(h *Handlers, gatherer prometheus.Gatherer) *fiber.App {
	sub, err := fs.Sub(views, "views")
	if err != nil {
		panic(err)
	}
	app := fiber.New(fiber.Config{
		Views:                 html.NewFileSystem(http.FS(sub), ".html"),
		DisableStartupMessage: true,
		ReadTimeout:           15 * time.Second,
		ErrorHandler:          h.errorHandler,
	})
	app.Use(recover.New())

	app.Get("/ws", UpgradeOnly, websocket.New(h.RegisterHandler))

	app.Get("/", h.IndexHandler)
	app.Get("/healthz", h.HealthHandler)
	if gatherer != nil {
		app.Get("/metrics", adaptor.HTTPHandler(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	}

	api := app.Group("/api")
	api.Get("/online", h.ShowClientsHandler) // ?exclude=username
	api.Post("/signup", h.SignupHandler)
	api.Post("/login", h.LoginHandler)

	authed := api.Group("", h.RequireUser)
	authed.Get("/users", h.UsersHandler)
	authed.Get("/inbox", h.InboxHandler)
	authed.Post("/inbox/read", h.MarkReadHandler) // ?thread_id=
	authed.Get("/messages/:username", h.HistoryHandler)

	authed.Get("/rooms", h.RoomsHandler)
	authed.Post("/rooms", h.CreateRoomHandler) // ?name=
	authed.Post("/rooms/:id/join", h.JoinRoomHandler)
	authed.Post("/rooms/:id/leave", h.LeaveRoomHandler)
	authed.Delete("/rooms/:id", h.DeleteRoomHandler)
	authed.Get("/rooms/:id/messages", h.RoomHistoryHandler)

	return app
}

func (h *Handlers) errorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	if e, ok := err.(*fiber.Error); ok {
		code = e.Code
	}
	if code >= fiber.StatusInternalServerError {
		h.log.Error("request failed", zap.String("path", c.Path()), zap.Error(err))
	}
	return c.Status(code).JSON(fiber.Map{"error": err.Error()})
}
