// Package extract converts uploaded document payloads into plain text.
package extract

import (
	"archive/zip"
	"bytes"
	"fmt"
	"io"
	"path/filepath"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"
	"github.com/ledongthuc/pdf"
	"go.uber.org/zap"

	"github.com/docqa/backend/internal/storage/models"
	"github.com/docqa/backend/pkg/logger"
)

type Format string

const (
	FormatUnknown Format = ""
	FormatPDF     Format = "pdf"
	FormatDOCX    Format = "docx"
	FormatTXT     Format = "txt"
)

// DetectFormat resolves the declared format from the mime type, falling back
// to the filename extension when the mime type is generic or absent.
func DetectFormat(filename, mimeType string) Format {
	switch strings.ToLower(strings.TrimSpace(mimeType)) {
	case "application/pdf":
		return FormatPDF
	case "application/vnd.openxmlformats-officedocument.wordprocessingml.document":
		return FormatDOCX
	case "text/plain", "text/plain; charset=utf-8":
		return FormatTXT
	}

	switch strings.ToLower(filepath.Ext(filename)) {
	case ".pdf":
		return FormatPDF
	case ".docx":
		return FormatDOCX
	case ".txt", ".text", ".md":
		return FormatTXT
	}

	return FormatUnknown
}

// Extract converts raw file bytes into plain text. The input bytes are never
// mutated. A payload that yields no extractable characters fails with
// ErrEmptyDocument; an unrecognized format fails with ErrUnsupportedFormat.
func Extract(data []byte, format Format) (string, error) {
	var (
		text string
		err  error
	)

	switch format {
	case FormatPDF:
		text, err = extractPDF(data)
	case FormatDOCX:
		text, err = extractDOCX(data)
	case FormatTXT:
		text, err = extractTXT(data)
	default:
		return "", fmt.Errorf("%w: %q", models.ErrUnsupportedFormat, string(format))
	}

	if err != nil {
		return "", err
	}

	text = strings.TrimSpace(text)
	if text == "" {
		return "", models.ErrEmptyDocument
	}

	return text, nil
}

func extractPDF(data []byte) (string, error) {
	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("failed to open pdf: %w", err)
	}

	var builder strings.Builder
	skipped := 0

	// Pages with images, vector graphics or broken font maps are skipped
	// individually so one bad page does not fail the whole document.
	for pageNum := 1; pageNum <= reader.NumPage(); pageNum++ {
		pageText, pageErr := extractPDFPage(reader, pageNum)
		if pageErr != nil {
			skipped++
			continue
		}
		if pageText != "" {
			builder.WriteString(pageText)
			builder.WriteString("\n")
		}
	}

	if skipped > 0 {
		logger.Debug("Skipped unreadable pdf pages", zap.Int("pages", skipped))
	}

	return normalizeText(builder.String()), nil
}

func extractPDFPage(reader *pdf.Reader, pageNum int) (text string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("page %d: %v", pageNum, r)
		}
	}()

	page := reader.Page(pageNum)
	if page.V.IsNull() {
		return "", nil
	}

	content, err := page.GetPlainText(nil)
	if err != nil {
		return "", fmt.Errorf("page %d: %w", pageNum, err)
	}

	return content, nil
}

// docxTagPattern selects text runs in WordprocessingML. goquery's HTML parser
// lowercases the namespaced tags, so w:t runs match as "w\:t".
var docxParagraphSelector = "w\\:p"

func extractDOCX(data []byte) (string, error) {
	archive, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("failed to open docx container: %w", err)
	}

	var docXML []byte
	for _, file := range archive.File {
		if file.Name != "word/document.xml" {
			continue
		}
		rc, openErr := file.Open()
		if openErr != nil {
			return "", fmt.Errorf("failed to open document.xml: %w", openErr)
		}
		docXML, err = io.ReadAll(rc)
		rc.Close()
		if err != nil {
			return "", fmt.Errorf("failed to read document.xml: %w", err)
		}
		break
	}

	if docXML == nil {
		return "", fmt.Errorf("%w: docx is missing word/document.xml", models.ErrUnsupportedFormat)
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(docXML))
	if err != nil {
		return "", fmt.Errorf("failed to parse document.xml: %w", err)
	}

	var builder strings.Builder
	doc.Find(docxParagraphSelector).Each(func(_ int, paragraph *goquery.Selection) {
		// Text runs inside drawings, tables of images and so on collapse to
		// nothing; embedded objects are simply skipped.
		line := strings.TrimSpace(paragraph.Find("w\\:t").Text())
		if line != "" {
			builder.WriteString(line)
			builder.WriteString("\n")
		}
	})

	text := builder.String()
	if text == "" {
		// Fall back to every text run in document order for documents whose
		// paragraph markup goquery could not resolve.
		text = strings.TrimSpace(doc.Find("w\\:t").Text())
	}

	return normalizeText(text), nil
}

func extractTXT(data []byte) (string, error) {
	if !utf8.Valid(data) {
		return "", fmt.Errorf("%w: text payload is not valid UTF-8", models.ErrUnsupportedFormat)
	}

	return normalizeText(string(data)), nil
}

var collapseBlankLines = regexp.MustCompile(`\n{3,}`)

func normalizeText(content string) string {
	content = strings.ReplaceAll(content, "\r\n", "\n")
	content = strings.ReplaceAll(content, "\r", "\n")
	content = strings.ReplaceAll(content, "\x00", "")

	lines := strings.Split(content, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimRight(line, " \t")
	}
	content = strings.Join(lines, "\n")

	return collapseBlankLines.ReplaceAllString(content, "\n\n")
}
