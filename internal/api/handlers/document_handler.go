package handlers

import (
	"errors"
	"io"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/docqa/backend/internal/service"
	"github.com/docqa/backend/internal/storage/models"
	"github.com/docqa/backend/pkg/logger"
)

type DocumentHandler struct {
	svc *service.Service
}

func NewDocumentHandler(svc *service.Service) *DocumentHandler {
	return &DocumentHandler{svc: svc}
}

func (h *DocumentHandler) Upload(c *fiber.Ctx) error {
	fileHeader, err := c.FormFile("file")
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "A file upload is required",
		})
	}

	file, err := fileHeader.Open()
	if err != nil {
		logger.Error("Failed to open uploaded file", zap.Error(err))
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Failed to read uploaded file",
		})
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		logger.Error("Failed to read uploaded file", zap.Error(err))
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Failed to read uploaded file",
		})
	}

	docID, err := h.svc.IngestDocument(data, fileHeader.Filename, fileHeader.Header.Get("Content-Type"))
	if err != nil {
		status := fiber.StatusInternalServerError
		if errors.Is(err, models.ErrUnsupportedFormat) || errors.Is(err, models.ErrEmptyDocument) {
			status = fiber.StatusUnprocessableEntity
		}
		logger.Error("Failed to accept document", zap.Error(err))
		return c.Status(status).JSON(fiber.Map{
			"error": err.Error(),
		})
	}

	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
		"document_id": docID,
		"filename":    fileHeader.Filename,
		"status":      models.StatusUploading,
	})
}

func (h *DocumentHandler) List(c *fiber.Ctx) error {
	docs, err := h.svc.ListDocuments()
	if err != nil {
		logger.Error("Failed to list documents", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to list documents",
		})
	}

	summaries := make([]fiber.Map, 0, len(docs))
	for _, doc := range docs {
		summaries = append(summaries, documentSummary(&doc))
	}

	return c.JSON(fiber.Map{"documents": summaries})
}

func (h *DocumentHandler) Get(c *fiber.Ctx) error {
	doc, err := h.svc.GetDocument(c.Params("id"))
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
				"error": "Document not found",
			})
		}
		logger.Error("Failed to get document", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to get document",
		})
	}

	return c.JSON(documentSummary(doc))
}

func (h *DocumentHandler) Delete(c *fiber.Ctx) error {
	err := h.svc.DeleteDocument(c.Context(), c.Params("id"))
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
				"error": "Document not found",
			})
		}
		logger.Error("Failed to delete document", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to delete document",
		})
	}

	return c.JSON(fiber.Map{"deleted": c.Params("id")})
}

func (h *DocumentHandler) Export(c *fiber.Ctx) error {
	c.Set("Content-Type", "application/x-ndjson")
	c.Set("Content-Disposition", `attachment; filename="docqa-export.ndjson"`)

	var buf []byte
	writer := &sliceWriter{buf: &buf}
	if err := h.svc.ExportState(writer); err != nil {
		logger.Error("Failed to export state", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to export state",
		})
	}

	return c.Send(buf)
}

func (h *DocumentHandler) Import(c *fiber.Ctx) error {
	fileHeader, err := c.FormFile("file")
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "An export file is required",
		})
	}

	file, err := fileHeader.Open()
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Failed to read export file",
		})
	}
	defer file.Close()

	imported, err := h.svc.ImportState(c.Context(), file)
	if err != nil {
		logger.Error("Failed to import state", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error":    "Failed to import state",
			"imported": imported,
		})
	}

	return c.JSON(fiber.Map{"imported": imported})
}

func documentSummary(doc *models.Document) fiber.Map {
	return fiber.Map{
		"id":          doc.ID,
		"filename":    doc.Filename,
		"mime_type":   doc.MimeType,
		"byte_size":   doc.ByteSize,
		"status":      doc.Status,
		"error":       doc.Error,
		"chunk_count": doc.ChunkCount,
		"created_at":  doc.CreatedAt,
	}
}

type sliceWriter struct {
	buf *[]byte
}

func (w *sliceWriter) Write(p []byte) (int, error) {
	*w.buf = append(*w.buf, p...)
	return len(p), nil
}
