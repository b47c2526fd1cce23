package api

import (
	"bytes"

	"github.com/gofiber/fiber/v2"

	"github.com/litebase-eu/litebase/internal/auth"
)

func (s *Server) handleList(c *fiber.Ctx) error {
	rawQuery := string(c.Request().URI().QueryString())
	resp, err := s.service.List(c.UserContext(), c.Params("name"), rawQuery, auth.UserFromCtx(c))
	if err != nil {
		return sendRecordError(c, err)
	}
	return c.JSON(resp)
}

func (s *Server) handleRead(c *fiber.Ctx) error {
	record, err := s.service.Read(c.UserContext(), c.Params("name"), c.Params("id"), auth.UserFromCtx(c))
	if err != nil {
		return sendRecordError(c, err)
	}
	return c.JSON(record)
}

func (s *Server) handleCreate(c *fiber.Ctx) error {
	user := auth.UserFromCtx(c)
	body := c.Body()

	// An array body is a bulk create returning all ids.
	if len(bytes.TrimSpace(body)) > 0 && bytes.TrimSpace(body)[0] == '[' {
		ids, err := s.service.CreateBulk(c.UserContext(), c.Params("name"), body, user)
		if err != nil {
			return sendRecordError(c, err)
		}
		return c.Status(fiber.StatusOK).JSON(fiber.Map{"ids": ids})
	}

	id, err := s.service.Create(c.UserContext(), c.Params("name"), body, user)
	if err != nil {
		return sendRecordError(c, err)
	}
	return c.Status(fiber.StatusOK).JSON(fiber.Map{"id": id})
}

func (s *Server) handleUpdate(c *fiber.Ctx) error {
	err := s.service.Update(c.UserContext(), c.Params("name"), c.Params("id"), c.Body(), auth.UserFromCtx(c))
	if err != nil {
		return sendRecordError(c, err)
	}
	return c.SendStatus(fiber.StatusOK)
}

func (s *Server) handleDelete(c *fiber.Ctx) error {
	err := s.service.Delete(c.UserContext(), c.Params("name"), c.Params("id"), auth.UserFromCtx(c))
	if err != nil {
		return sendRecordError(c, err)
	}
	return c.SendStatus(fiber.StatusOK)
}
