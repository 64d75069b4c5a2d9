package handlers

import (
	"github.com/gofiber/fiber/v2"

	"github.com/docqa/backend/internal/service"
)

type ProviderHandler struct {
	svc *service.Service
}

func NewProviderHandler(svc *service.Service) *ProviderHandler {
	return &ProviderHandler{svc: svc}
}

func (h *ProviderHandler) List(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"providers": h.svc.ListProviders(),
	})
}

// Health reports service liveness plus the currently available generation
// providers.
func (h *ProviderHandler) Health(c *fiber.Ctx) error {
	available := make([]string, 0)
	for _, desc := range h.svc.ListProviders() {
		if desc.Available {
			available = append(available, string(desc.Kind)+":"+desc.Name)
		}
	}

	return c.JSON(fiber.Map{
		"status":              "healthy",
		"available_providers": available,
	})
}
