package source

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"google.golang.org/api/drive/v3"
	"google.golang.org/api/option"
)

// MaxContentSize caps exported and downloaded content (10MB).
const MaxContentSize = 10 * 1024 * 1024

// listFields are the file attributes one page of listing requests.
// Version backs the fingerprint for native documents, md5Checksum for
// binary files.
const listFields = "nextPageToken, files(id, name, mimeType, md5Checksum, version, webViewLink)"

// Drive is the Google Drive connector.
type Drive struct {
	svc    *drive.Service
	logger *slog.Logger
}

// NewDrive creates a Drive connector. credentialsFile may be empty, in
// which case Application Default Credentials apply.
func NewDrive(ctx context.Context, credentialsFile string, logger *slog.Logger) (*Drive, error) {
	if logger == nil {
		logger = slog.Default()
	}

	opts := []option.ClientOption{option.WithScopes(drive.DriveScope)}
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}

	svc, err := drive.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating drive service: %w", err)
	}

	return &Drive{svc: svc, logger: logger}, nil
}

// List returns all non-folder, non-trashed files directly inside the
// given folder, following pagination to the end.
func (d *Drive) List(ctx context.Context, folderID string) ([]File, error) {
	query := fmt.Sprintf("'%s' in parents and trashed = false and mimeType != '%s'",
		folderID, MimeFolder)

	var files []File
	pageToken := ""
	for {
		call := d.svc.Files.List().
			Q(query).
			Fields(listFields).
			PageSize(100).
			Context(ctx)
		if pageToken != "" {
			call = call.PageToken(pageToken)
		}

		page, err := call.Do()
		if err != nil {
			return nil, fmt.Errorf("listing folder %s: %w", folderID, err)
		}

		for _, f := range page.Files {
			files = append(files, File{
				ID:          f.Id,
				Name:        f.Name,
				MimeType:    f.MimeType,
				MD5Checksum: f.Md5Checksum,
				Version:     f.Version,
				WebViewLink: f.WebViewLink,
			})
		}

		pageToken = page.NextPageToken
		if pageToken == "" {
			break
		}
	}

	d.logger.Debug("folder listed", "folder_id", folderID, "files", len(files))
	return files, nil
}

// Export converts a native document to the requested format and returns
// its bytes.
func (d *Drive) Export(ctx context.Context, fileID, mimeType string) ([]byte, error) {
	resp, err := d.svc.Files.Export(fileID, mimeType).Context(ctx).Download()
	if err != nil {
		return nil, fmt.Errorf("exporting file %s as %s: %w", fileID, mimeType, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, MaxContentSize))
	if err != nil {
		return nil, fmt.Errorf("reading export of %s: %w", fileID, err)
	}
	return data, nil
}

// Download returns the raw bytes of a binary file.
func (d *Drive) Download(ctx context.Context, fileID string) ([]byte, error) {
	resp, err := d.svc.Files.Get(fileID).Context(ctx).Download()
	if err != nil {
		return nil, fmt.Errorf("downloading file %s: %w", fileID, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, MaxContentSize))
	if err != nil {
		return nil, fmt.Errorf("reading download of %s: %w", fileID, err)
	}
	return data, nil
}

// Convert copies a file into the given native format and returns the ID
// of the temporary copy. Drive runs OCR as part of the conversion, so a
// scanned PDF copied to a native document yields its recognized text.
// The caller owns the copy and must Delete it.
func (d *Drive) Convert(ctx context.Context, fileID, mimeType string) (string, error) {
	copied, err := d.svc.Files.Copy(fileID, &drive.File{MimeType: mimeType}).Context(ctx).Do()
	if err != nil {
		return "", fmt.Errorf("converting file %s to %s: %w", fileID, mimeType, err)
	}

	d.logger.Debug("temporary conversion copy created",
		"source_id", fileID, "copy_id", copied.Id)
	return copied.Id, nil
}

// Delete permanently removes a file. Used to clean up temporary
// conversion copies.
func (d *Drive) Delete(ctx context.Context, fileID string) error {
	if err := d.svc.Files.Delete(fileID).Context(ctx).Do(); err != nil {
		return fmt.Errorf("deleting file %s: %w", fileID, err)
	}
	return nil
}
