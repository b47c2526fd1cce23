package auth

import (
	"strings"

	"github.com/gofiber/fiber/v2"
)

const userLocal = "litebase_user"

// Middleware extracts an optional user from the Authorization header.
// Requests without credentials proceed anonymously; presenting an invalid
// or expired token is a hard 401.
func Middleware(v *Validator) fiber.Handler {
	return func(c *fiber.Ctx) error {
		header := c.Get(fiber.HeaderAuthorization)
		if header == "" {
			return c.Next()
		}
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Malformed Authorization header"})
		}
		user, err := v.Validate(token)
		if err != nil {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Invalid or expired token"})
		}
		c.Locals(userLocal, user)
		return c.Next()
	}
}

// UserFromCtx returns the authenticated user, or nil for anonymous
// requests.
func UserFromCtx(c *fiber.Ctx) *User {
	if u, ok := c.Locals(userLocal).(*User); ok {
		return u
	}
	return nil
}
