package common

import (
	"bytes"
	"fmt"
	"image"
	"os"
	"path/filepath"
)

const (
	storageDir    = "storage"
	imagesDir     = "images"
	thumbnailsDir = "thumbnails"
)

// EnsureDirs creates the shared storage tree (originals and thumbnails).
func EnsureDirs() error {
	if err := os.MkdirAll(filepath.Join(storageDir, imagesDir), 0o755); err != nil {
		return err
	}
	return os.MkdirAll(filepath.Join(storageDir, thumbnailsDir), 0o755)
}

// ImagePath returns the conventional location of an original image.
func ImagePath(id int64, format string) string {
	return filepath.Join(storageDir, imagesDir, fmt.Sprintf("%d.%s", id, format))
}

// ThumbnailPath returns the conventional location of a thumbnail. The worker
// only reads originals; thumbnails are written by the web app.
func ThumbnailPath(id int64, format string) string {
	return filepath.Join(storageDir, thumbnailsDir, fmt.Sprintf("%d.%s", id, format))
}

// LoadImage reads an original image's bytes from shared storage.
func LoadImage(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return data, nil
}

// StoreImage writes image bytes to shared storage.
func StoreImage(path string, data []byte) error {
	return os.WriteFile(path, data, 0o644)
}

// SniffFormat detects the encoded format of image bytes and checks it
// against the allowed extension list. The format name doubles as the file
// extension in the storage layout.
func SniffFormat(data []byte, allowed []string) (string, error) {
	_, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("unsupported image format: %w", err)
	}
	for _, ext := range allowed {
		if format == ext {
			return format, nil
		}
	}
	return "", fmt.Errorf("unsupported image format %q", format)
}
