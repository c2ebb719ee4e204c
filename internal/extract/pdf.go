package extract

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/ledongthuc/pdf"
)

// errNoPDFText indicates the PDF carries no extractable text layer,
// typically a scanned document. Callers fall back to OCR conversion.
var errNoPDFText = errors.New("no extractable text in PDF")

// pdfText extracts the text layer of a PDF page by page.
// Returns errNoPDFText when parsing succeeds but yields nothing useful,
// and the parse error when the bytes are not a readable PDF.
func pdfText(data []byte) (string, error) {
	if len(data) == 0 {
		return "", errNoPDFText
	}

	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("parsing PDF: %w", err)
	}

	var buf bytes.Buffer
	for i := 1; i <= reader.NumPage(); i++ {
		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			// A single broken page does not void the document.
			continue
		}
		if text == "" {
			continue
		}
		if buf.Len() > 0 {
			buf.WriteString("\n\n")
		}
		buf.WriteString(text)
	}

	if buf.Len() == 0 {
		// Last resort before OCR: salvage whatever printable text the
		// raw bytes contain.
		if plain, err := reader.GetPlainText(); err == nil {
			if out, err := io.ReadAll(plain); err == nil && len(bytes.TrimSpace(out)) > 0 {
				return string(out), nil
			}
		}
		return "", errNoPDFText
	}

	return buf.String(), nil
}
