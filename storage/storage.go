// Package storage archives finalized gallery images and run reports on the
// local filesystem or in an S3-compatible bucket.
package storage

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// Store is implemented by every archive backend
type Store interface {
	SaveImage(ctx context.Context, runID string, productID int64, filename string, data []byte) (string, error)
	SaveReport(ctx context.Context, name string, data []byte) (string, error)
	ReadImage(ctx context.Context, key string) ([]byte, error)
	DeleteImage(ctx context.Context, key string) error
}

// Config contains storage configuration
type Config struct {
	BasePath string // Base directory for all stored files
}

// DefaultConfig returns default storage configuration
func DefaultConfig() Config {
	return Config{
		BasePath: "./archive",
	}
}

// Storage handles filesystem storage operations
type Storage struct {
	config Config
}

// New creates a new Storage instance
func New(config Config) (*Storage, error) {
	// Create base directory if it doesn't exist
	if err := os.MkdirAll(config.BasePath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create base storage directory: %w", err)
	}

	return &Storage{
		config: config,
	}, nil
}

// ImageKey returns the archive key of an image: runs/<run>/<product>/<file>
func ImageKey(runID string, productID int64, filename string) string {
	return path.Join("runs", cleanSegment(runID), fmt.Sprint(productID), cleanSegment(filename))
}

// ReportKey returns the archive key of a report file
func ReportKey(name string) string {
	return path.Join("reports", cleanSegment(name))
}

// SaveImage writes a finalized image and returns its key.
// An existing file with the same key is overwritten.
func (s *Storage) SaveImage(ctx context.Context, runID string, productID int64, filename string, data []byte) (string, error) {
	key := ImageKey(runID, productID, filename)
	if err := s.write(key, data); err != nil {
		return "", fmt.Errorf("failed to write image file: %w", err)
	}
	return key, nil
}

// SaveReport writes a report file and returns its key
func (s *Storage) SaveReport(ctx context.Context, name string, data []byte) (string, error) {
	key := ReportKey(name)
	if err := s.write(key, data); err != nil {
		return "", fmt.Errorf("failed to write report file: %w", err)
	}
	return key, nil
}

func (s *Storage) write(key string, data []byte) error {
	fullPath := s.GetFullPath(key)
	if err := os.MkdirAll(filepath.Dir(fullPath), 0755); err != nil {
		return err
	}
	return os.WriteFile(fullPath, data, 0644)
}

// ReadImage reads an image from the filesystem
func (s *Storage) ReadImage(ctx context.Context, key string) ([]byte, error) {
	data, err := os.ReadFile(s.GetFullPath(key))
	if err != nil {
		return nil, fmt.Errorf("failed to read image file: %w", err)
	}

	return data, nil
}

// DeleteImage deletes an image from the filesystem. Missing files are not an error.
func (s *Storage) DeleteImage(ctx context.Context, key string) error {
	if err := os.Remove(s.GetFullPath(key)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete image file: %w", err)
	}

	return nil
}

// GetFullPath returns the full filesystem path for a key
func (s *Storage) GetFullPath(key string) string {
	return filepath.Join(s.config.BasePath, filepath.FromSlash(key))
}

// cleanSegment keeps a key segment from escaping its directory
func cleanSegment(s string) string {
	s = strings.NewReplacer("/", "_", "\\", "_").Replace(strings.TrimSpace(s))
	if s == "" || s == "." || s == ".." {
		return "_"
	}
	return s
}
