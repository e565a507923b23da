package validation

import "github.com/gofiber/fiber/v2"

// Respond writes a 400 with the Laravel-style validation shape.
func Respond(c *fiber.Ctx, errs map[string][]string) error {
	return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
		"message": "Validation failed",
		"errors":  errs,
	})
}
