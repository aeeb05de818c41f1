// Package rest exposes the worker's liveness surface. The worker has no
// admin API; everything it serves is read-only.
package rest

import (
	"github.com/AzielCF/az-relay/core/config"
	"github.com/AzielCF/az-relay/infrastructure/whatsapp"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/requestid"

	"github.com/AzielCF/az-relay/ui/rest/middleware"
)

// SessionReporter is the slice of the manager the liveness server reads.
type SessionReporter interface {
	Snapshot() []whatsapp.SessionStatus
}

// NewApp builds the fiber app with the health routes wired in.
func NewApp(cfg *config.Config, sessions SessionReporter) *fiber.App {
	app := fiber.New(fiber.Config{
		AppName:               "az-relay worker",
		DisableStartupMessage: true,
		Network:               "tcp",
	})

	app.Use(requestid.New())
	app.Use(middleware.Recovery())
	if cfg.App.Debug {
		app.Use(logger.New())
	}

	app.Get("/health", func(c *fiber.Ctx) error {
		return c.SendString("ok")
	})
	app.Get("/health/sessions", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"version":  cfg.App.Version,
			"sessions": sessions.Snapshot(),
		})
	})

	app.Use(func(c *fiber.Ctx) error {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "endpoint not found",
			"path":  c.Path(),
		})
	})

	return app
}
