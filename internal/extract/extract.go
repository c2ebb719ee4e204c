// Package extract turns source files into plain text for chunking.
//
// Native documents are exported as text, plain files are downloaded
// as-is, and PDFs go through local text extraction with an OCR
// conversion fallback for scanned documents.
package extract

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/sagehq/sage/internal/knowledge"
	"github.com/sagehq/sage/internal/source"
)

// ErrUnsupportedKind indicates a file whose MIME type the extractor
// does not handle. The pipeline skips such files without recording an
// error.
var ErrUnsupportedKind = errors.New("unsupported document kind")

// Connector is the slice of the source connector extraction needs.
type Connector interface {
	Export(ctx context.Context, fileID, mimeType string) ([]byte, error)
	Download(ctx context.Context, fileID string) ([]byte, error)
	Convert(ctx context.Context, fileID, mimeType string) (string, error)
	Delete(ctx context.Context, fileID string) error
}

// Extractor dispatches files to the right extraction strategy.
type Extractor struct {
	conn   Connector
	logger *slog.Logger
}

// New creates an Extractor. logger may be nil.
func New(conn Connector, logger *slog.Logger) *Extractor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Extractor{conn: conn, logger: logger}
}

// Extract returns the plain text of a file.
// Returns ErrUnsupportedKind for MIME types outside the supported set.
func (e *Extractor) Extract(ctx context.Context, f source.File) (string, error) {
	switch {
	case f.MimeType == source.MimeGoogleDoc:
		data, err := e.conn.Export(ctx, f.ID, source.ExportMimeText)
		if err != nil {
			return "", fmt.Errorf("exporting document %s: %w", f.ID, err)
		}
		return string(data), nil

	case f.IsTextual():
		data, err := e.conn.Download(ctx, f.ID)
		if err != nil {
			return "", fmt.Errorf("downloading file %s: %w", f.ID, err)
		}
		return string(data), nil

	case f.MimeType == source.MimePDF:
		return e.extractPDF(ctx, f)

	default:
		return "", fmt.Errorf("%w: %s (%s)", ErrUnsupportedKind, f.MimeType, f.Name)
	}
}

// extractPDF tries the PDF's own text layer first, then falls back to
// converting the file to a native document, which runs OCR on scanned
// pages.
func (e *Extractor) extractPDF(ctx context.Context, f source.File) (string, error) {
	data, err := e.conn.Download(ctx, f.ID)
	if err != nil {
		return "", fmt.Errorf("downloading PDF %s: %w", f.ID, err)
	}

	text, err := pdfText(data)
	if err == nil && strings.TrimSpace(text) != "" {
		return text, nil
	}
	e.logger.Debug("PDF has no usable text layer, converting for OCR",
		"file_id", f.ID, "name", f.Name, "parse_error", err)

	return e.ocrPDF(ctx, f)
}

// ocrPDF converts the PDF to a temporary native document and exports
// its recognized text. The temporary copy is deleted even when the
// export fails.
func (e *Extractor) ocrPDF(ctx context.Context, f source.File) (_ string, err error) {
	copyID, err := e.conn.Convert(ctx, f.ID, source.MimeGoogleDoc)
	if err != nil {
		return "", fmt.Errorf("converting PDF %s for OCR: %w", f.ID, err)
	}
	defer func() {
		if delErr := e.conn.Delete(ctx, copyID); delErr != nil {
			// The copy leaks in the source container; surface it.
			e.logger.Warn("failed to delete temporary OCR copy",
				"copy_id", copyID, "source_id", f.ID, "error", delErr)
			if err == nil {
				err = fmt.Errorf("deleting OCR copy %s: %w", copyID, delErr)
			}
		}
	}()

	data, err := e.conn.Export(ctx, copyID, source.ExportMimeText)
	if err != nil {
		return "", fmt.Errorf("exporting OCR copy of %s: %w", f.ID, err)
	}

	return string(data), nil
}

// KindOf maps a file's MIME type to the stored source kind.
func KindOf(f source.File) knowledge.SourceKind {
	switch f.MimeType {
	case source.MimeGoogleDoc:
		return knowledge.SourceNativeDoc
	case source.MimePDF:
		return knowledge.SourcePDF
	default:
		return knowledge.SourceTextFile
	}
}
