package middleware

import (
	"fmt"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"
)

// Recovery converts handler panics into a 500 response instead of
// taking the worker down.
func Recovery() fiber.Handler {
	return func(ctx *fiber.Ctx) error {
		defer func() {
			if err := recover(); err != nil {
				logrus.Errorf("Panic recovered in middleware: %v", err)
				_ = ctx.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
					"status":  fiber.StatusInternalServerError,
					"code":    "INTERNAL_SERVER_ERROR",
					"message": fmt.Sprintf("%v", err),
				})
			}
		}()
		return ctx.Next()
	}
}
