package handlers

import (
	"github.com/gofiber/websocket/v2"
	"go.uber.org/zap"

	"github.com/docqa/backend/internal/service"
	"github.com/docqa/backend/pkg/logger"
)

// WebSocketHandler pushes document status transitions to connected clients.
type WebSocketHandler struct {
	svc *service.Service
}

func NewWebSocketHandler(svc *service.Service) *WebSocketHandler {
	return &WebSocketHandler{svc: svc}
}

func (h *WebSocketHandler) HandleConnection(c *websocket.Conn) {
	logger.Info("WebSocket connection established")

	events, cancel := h.svc.Subscribe()

	defer func() {
		cancel()
		c.Close()
		logger.Info("WebSocket connection closed")
	}()

	// Drain the read side so close frames are processed.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := c.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case event, ok := <-events:
			if !ok {
				return
			}

			msg := map[string]interface{}{
				"type":   "status",
				"doc_id": event.DocID,
				"status": string(event.Status),
			}
			if event.Error != "" {
				msg["error"] = event.Error
			}

			if err := c.WriteJSON(msg); err != nil {
				logger.Error("Failed to write WebSocket message", zap.Error(err))
				return
			}
		case <-done:
			return
		}
	}
}
