// Package api maps the HTTP surface onto the record service, the
// subscription manager and the JS runtime pool.
package api

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	fiberrecover "github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/litebase-eu/litebase/internal/auth"
	"github.com/litebase-eu/litebase/internal/realtime"
	"github.com/litebase-eu/litebase/internal/records"
	"github.com/litebase-eu/litebase/internal/runtime"
)

// RecordsBasePath prefixes every record API route.
const RecordsBasePath = "/api/records/v1"

// Server is the HTTP surface of the record-serving core.
type Server struct {
	app       *fiber.App
	service   *records.Service
	manager   *realtime.Manager
	pool      *runtime.Pool
	validator *auth.Validator
}

// NewServer assembles the fiber app and its routes. pool may be nil when
// no scripts are configured.
func NewServer(
	service *records.Service,
	manager *realtime.Manager,
	pool *runtime.Pool,
	validator *auth.Validator,
	gatherer prometheus.Gatherer,
	middleware ...fiber.Handler,
) *Server {
	app := fiber.New(fiber.Config{
		AppName:               "litebase",
		DisableStartupMessage: true,
	})
	app.Use(fiberrecover.New())
	app.Use(requestid.New())
	for _, m := range middleware {
		app.Use(m)
	}

	s := &Server{
		app:       app,
		service:   service,
		manager:   manager,
		pool:      pool,
		validator: validator,
	}

	app.Get("/healthz", func(c *fiber.Ctx) error {
		return c.SendString("ok")
	})
	if gatherer != nil {
		app.Get("/metrics", adaptor.HTTPHandler(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	}

	api := app.Group(RecordsBasePath, auth.Middleware(validator))
	api.Get("/:name", s.handleList)
	api.Post("/:name", s.handleCreate)
	api.Get("/:name/subscribe/:id", s.handleSubscribe)
	api.Get("/:name/:id", s.handleRead)
	api.Patch("/:name/:id", s.handleUpdate)
	api.Delete("/:name/:id", s.handleDelete)

	s.mountScriptRoutes()
	return s
}

// App exposes the fiber app, mainly for tests.
func (s *Server) App() *fiber.App {
	return s.app
}

// Listen serves until the listener fails or Shutdown is called.
func (s *Server) Listen(addr string) error {
	log.Info().Str("address", addr).Msg("HTTP server listening")
	return s.app.Listen(addr)
}

// Shutdown gracefully drains the server.
func (s *Server) Shutdown() error {
	return s.app.Shutdown()
}

// mountScriptRoutes attaches every route registered by user modules. Any
// worker may serve any request; dispatch fans out via the pool's shared
// channel.
func (s *Server) mountScriptRoutes() {
	if s.pool == nil {
		return
	}
	for _, route := range s.pool.Routes() {
		route := route
		s.app.Add(route.Method, route.Path, s.scriptHandler(route))
		log.Info().Str("method", route.Method).Str("path", route.Path).Msg("Mounted script route")
	}
}

// sendRecordError renders a RecordError with its mapped status; anything
// else is an opaque 500.
func sendRecordError(c *fiber.Ctx, err error) error {
	var re *records.RecordError
	if errors.As(err, &re) {
		if re.Kind == records.KindInternal {
			log.Error().Err(re.Unwrap()).Str("path", c.Path()).Msg("Record operation failed")
		}
		return c.Status(re.StatusCode()).JSON(fiber.Map{"error": re.ClientMessage()})
	}
	log.Error().Err(err).Str("path", c.Path()).Msg("Unhandled error")
	return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Internal server error"})
}
