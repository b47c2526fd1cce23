package api

import (
	"bufio"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/valyala/fasthttp"

	"github.com/litebase-eu/litebase/internal/auth"
	"github.com/litebase-eu/litebase/internal/realtime"
)

const keepAliveInterval = 15 * time.Second

// handleSubscribe upgrades the request into an SSE stream of DbEvents for
// one record, or for the whole table when the id is "*".
func (s *Server) handleSubscribe(c *fiber.Ctx) error {
	sub, cleanup, err := s.manager.ResolveAndSubscribe(
		c.UserContext(), s.service, c.Params("name"), c.Params("id"), auth.UserFromCtx(c))
	if err != nil {
		return sendRecordError(c, err)
	}

	c.Set(fiber.HeaderContentType, "text/event-stream")
	c.Set(fiber.HeaderCacheControl, "no-cache")
	c.Set(fiber.HeaderConnection, "keep-alive")

	// The stream writer runs after the handler returns; the cleanup guard
	// schedules registry removal on the DB worker when the client goes
	// away, serialized with hook continuations.
	c.Context().SetBodyStreamWriter(fasthttp.StreamWriter(func(w *bufio.Writer) {
		defer cleanup()
		streamEvents(w, sub)
	}))
	return nil
}

func streamEvents(w *bufio.Writer, sub *realtime.Subscription) {
	ticker := time.NewTicker(keepAliveInterval)
	defer ticker.Stop()

	writeFrame := func(frame []byte) bool {
		if _, err := w.Write(frame); err != nil {
			return false
		}
		return w.Flush() == nil
	}

	for {
		select {
		case ev := <-sub.Events():
			if !writeFrame(ev.Frame()) {
				return
			}
		case <-sub.Done():
			// Reaped server-side (delete or access revocation): drain what
			// was enqueued before the close, then end the stream.
			for {
				select {
				case ev := <-sub.Events():
					if !writeFrame(ev.Frame()) {
						return
					}
					continue
				default:
				}
				return
			}
		case <-ticker.C:
			if !writeFrame(realtime.KeepAliveFrame) {
				return
			}
		}
	}
}
