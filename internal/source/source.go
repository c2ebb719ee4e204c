// Package source connects to the document container the knowledge base
// is built from. The production connector is Google Drive; the rest of
// the pipeline only sees File values and small consumer interfaces.
package source

import (
	"fmt"
)

// MIME types of interest in the source container.
const (
	MimeGoogleDoc = "application/vnd.google-apps.document"
	MimeFolder    = "application/vnd.google-apps.folder"
	MimePDF       = "application/pdf"
	MimeText      = "text/plain"
	MimeMarkdown  = "text/markdown"

	// ExportMimeText is the format native documents are exported as.
	ExportMimeText = "text/plain"
)

// File describes one document listed from the source container.
type File struct {
	ID          string
	Name        string
	MimeType    string
	MD5Checksum string
	Version     int64
	WebViewLink string
}

// Fingerprint returns the change detection marker for the file.
// Binary files carry a content checksum; native documents have no
// checksum, so the revision counter stands in. Either way the marker
// changes whenever the content does.
func (f File) Fingerprint() string {
	if f.MD5Checksum != "" {
		return f.MD5Checksum
	}
	return fmt.Sprintf("v%d", f.Version)
}

// IsTextual reports whether the file downloads as plain text.
func (f File) IsTextual() bool {
	switch f.MimeType {
	case MimeText, MimeMarkdown:
		return true
	}
	return false
}
