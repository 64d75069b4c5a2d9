package handlers

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/docqa/backend/internal/service"
	"github.com/docqa/backend/internal/storage/models"
	"github.com/docqa/backend/pkg/logger"
)

type QAHandler struct {
	svc *service.Service
}

func NewQAHandler(svc *service.Service) *QAHandler {
	return &QAHandler{svc: svc}
}

type askRequest struct {
	Question    string   `json:"question"`
	DocumentIDs []string `json:"document_ids"`
	TopK        int      `json:"k"`
	Provider    string   `json:"provider"`
}

func (h *QAHandler) Ask(c *fiber.Ctx) error {
	var req askRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}

	if req.Question == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Question is required",
		})
	}
	if len(req.DocumentIDs) == 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "At least one document id is required",
		})
	}

	answer, err := h.svc.Ask(c.Context(), req.Question, req.DocumentIDs, req.TopK, preference(req.Provider))
	if err != nil {
		return qaError(c, err)
	}

	return c.JSON(answer)
}

type askBatchRequest struct {
	Questions   []string `json:"questions"`
	DocumentIDs []string `json:"document_ids"`
	TopK        int      `json:"k"`
	Provider    string   `json:"provider"`
}

func (h *QAHandler) AskBatch(c *fiber.Ctx) error {
	var req askBatchRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}

	if len(req.Questions) == 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "At least one question is required",
		})
	}
	if len(req.DocumentIDs) == 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "At least one document id is required",
		})
	}

	results, err := h.svc.AskBatch(c.Context(), req.Questions, req.DocumentIDs, req.TopK, preference(req.Provider))
	if err != nil {
		return qaError(c, err)
	}

	items := make([]fiber.Map, len(results))
	for i, result := range results {
		if result.Err != nil {
			items[i] = fiber.Map{"error": result.Err.Error()}
		} else {
			items[i] = fiber.Map{"answer": result.Answer}
		}
	}

	return c.JSON(fiber.Map{"results": items})
}

func qaError(c *fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, models.ErrNotFound):
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": err.Error()})
	case errors.Is(err, models.ErrDimensionMismatch):
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": err.Error()})
	case models.IsExhausted(err):
		return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{"error": err.Error()})
	default:
		logger.Error("Failed to answer question", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Failed to answer question"})
	}
}

func preference(providerName string) []string {
	if providerName == "" {
		return nil
	}
	return []string{providerName}
}
