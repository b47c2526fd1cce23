package api

import (
	"encoding/base64"
	"errors"

	"github.com/gofiber/fiber/v2"

	"github.com/litebase-eu/litebase/internal/auth"
	"github.com/litebase-eu/litebase/internal/runtime"
)

// scriptHandler adapts one JS-registered route into a fiber handler that
// posts a Dispatch onto the pool's shared channel.
func (s *Server) scriptHandler(route runtime.Route) fiber.Handler {
	return func(c *fiber.Ctx) error {
		var pathParams [][2]string
		for name, value := range c.AllParams() {
			pathParams = append(pathParams, [2]string{name, value})
		}
		var headers [][2]string
		for name, values := range c.GetReqHeaders() {
			for _, v := range values {
				headers = append(headers, [2]string{name, v})
			}
		}

		var jsUser *runtime.JsUser
		if user := auth.UserFromCtx(c); user != nil {
			jsUser = &runtime.JsUser{
				ID:    base64.RawURLEncoding.EncodeToString(user.ID),
				Email: user.Email,
				CSRF:  user.CSRFToken,
			}
		}

		res, err := s.pool.Dispatch(c.UserContext(), &runtime.DispatchArgs{
			Method:     route.Method,
			RoutePath:  route.Path,
			URI:        c.OriginalURL(),
			PathParams: pathParams,
			Headers:    headers,
			User:       jsUser,
			Body:       append([]byte(nil), c.Body()...),
		})
		if err != nil {
			var jsErr *runtime.JSError
			if errors.As(err, &jsErr) {
				msg := "Internal server error"
				if jsErr.Kind == runtime.KindPrecondition {
					msg = jsErr.Message
				}
				return c.Status(jsErr.StatusCode()).JSON(fiber.Map{"error": msg})
			}
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Internal server error"})
		}

		for _, h := range res.Headers {
			c.Set(h[0], h[1])
		}
		return c.Status(res.Status).Send(res.Body)
	}
}
