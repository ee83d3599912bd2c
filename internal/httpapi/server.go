// Package httpapi is the thin, out-of-CORE HTTP surface (§1, §6): route
// registration, header extraction, response writing, and the backend
// reverse proxy. All payment decision logic lives in internal/pipeline;
// this package only translates between fiber and the Orchestrator.
package httpapi

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/cors"
	"github.com/gofiber/fiber/v3/middleware/logger"
	"github.com/gofiber/fiber/v3/middleware/recover"

	"x402gateway/internal/config"
	"x402gateway/internal/middleware"
	"x402gateway/internal/pipeline"
)

// Server is the gateway's inbound HTTP surface.
type Server struct {
	app          *fiber.App
	cfg          *config.Config
	orchestrator *pipeline.Orchestrator
	logger       *slog.Logger
}

// New builds a Server with one route registered per cfg.Routes entry.
func New(cfg *config.Config, orch *pipeline.Orchestrator, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	app := fiber.New(fiber.Config{
		AppName:      "x402 Payment Gateway",
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	})

	s := &Server{app: app, cfg: cfg, orchestrator: orch, logger: logger}
	s.setupMiddleware()
	s.setupRoutes()
	return s
}

func (s *Server) setupMiddleware() {
	s.app.Use(recover.New())
	s.app.Use(logger.New())
	s.app.Use(middleware.RequestID())
	s.app.Use(cors.New(cors.Config{
		AllowOrigins:  []string{"*"},
		AllowMethods:  []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Accept", "Payment-Signature", "X-Payment", "X-Request-ID"},
		ExposeHeaders: []string{"PAYMENT-REQUIRED", "PAYMENT-RESPONSE", "X-x402-Credit"},
		MaxAge:        300,
	}))
}

func (s *Server) setupRoutes() {
	s.app.Get("/healthz", func(c fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})

	for _, route := range s.cfg.Routes {
		s.app.All(route.RouteKey+"/*", s.routeHandler(route))
	}

	s.app.Use(func(c fiber.Ctx) error {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error":   "Not found",
			"message": "no route configured for this path",
			"path":    c.Path(),
		})
	})
}

// Start blocks serving HTTP traffic on the configured port.
func (s *Server) Start() error {
	addr := fmt.Sprintf(":%s", s.cfg.Server.Port)
	s.logger.Info("starting gateway", "addr", addr, "routes", len(s.cfg.Routes))
	return s.app.Listen(addr)
}

// Shutdown gracefully drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down gateway")
	return s.app.ShutdownWithContext(ctx)
}
