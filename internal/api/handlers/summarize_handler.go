package handlers

import (
	"github.com/gofiber/fiber/v2"

	"github.com/docqa/backend/internal/service"
	"github.com/docqa/backend/internal/storage/models"
)

type SummarizeHandler struct {
	svc *service.Service
}

func NewSummarizeHandler(svc *service.Service) *SummarizeHandler {
	return &SummarizeHandler{svc: svc}
}

type summarizeRequest struct {
	Text      string `json:"text"`
	MaxLength int    `json:"max_length"`
	Provider  string `json:"provider"`
}

func (h *SummarizeHandler) Summarize(c *fiber.Ctx) error {
	var req summarizeRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}

	if req.Text == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Text is required",
		})
	}

	summary, err := h.svc.Summarize(c.Context(), req.Text, req.MaxLength, preference(req.Provider))
	if err != nil {
		if models.IsExhausted(err) {
			return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{"error": err.Error()})
		}
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Failed to summarize text"})
	}

	return c.JSON(summary)
}

type summarizeBatchRequest struct {
	Texts     []string `json:"texts"`
	MaxLength int      `json:"max_length"`
	Provider  string   `json:"provider"`
}

func (h *SummarizeHandler) SummarizeBatch(c *fiber.Ctx) error {
	var req summarizeBatchRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}

	if len(req.Texts) == 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "At least one text is required",
		})
	}

	results := h.svc.SummarizeBatch(c.Context(), req.Texts, req.MaxLength, preference(req.Provider))

	items := make([]fiber.Map, len(results))
	for i, result := range results {
		if result.Err != nil {
			items[i] = fiber.Map{"error": result.Err.Error()}
		} else {
			items[i] = fiber.Map{"summary": result.Summary}
		}
	}

	return c.JSON(fiber.Map{"results": items})
}
