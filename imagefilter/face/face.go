// Package face wraps the pigo frontal-face cascade as an imagefilter face detector.
package face

import (
	"context"
	"errors"
	"fmt"
	"image"
	"os"
	"path/filepath"

	pigo "github.com/esimov/pigo/core"
)

// ErrDetectorUnavailable is returned by detectors that cannot run. Callers
// must treat it as "a face is present".
var ErrDetectorUnavailable = errors.New("face detector unavailable")

// DefaultCascadeURL is the pigo frontal-face cascade published with the library
const DefaultCascadeURL = "https://raw.githubusercontent.com/esimov/pigo/master/cascade/facefinder"

const maxCascadeBytes = 5 << 20

// Config contains detector configuration
type Config struct {
	MinSize      int     // Smallest face side in pixels
	MaxSize      int     // Largest face side in pixels, 0 means image size
	MinQuality   float32 // Detections scoring below this are discarded
	IoUThreshold float64 // Overlap used when clustering detections
}

// DefaultConfig returns default detector configuration
func DefaultConfig() Config {
	return Config{
		MinSize:      80,
		MinQuality:   5.0,
		IoUThreshold: 0.2,
	}
}

// Detector finds frontal faces in grayscale images
type Detector struct {
	config     Config
	classifier *pigo.Pigo
}

// New unpacks a pigo cascade
func New(cascade []byte, config Config) (*Detector, error) {
	if len(cascade) == 0 {
		return nil, fmt.Errorf("empty face cascade")
	}

	classifier, err := pigo.NewPigo().Unpack(cascade)
	if err != nil {
		return nil, fmt.Errorf("failed to unpack face cascade: %w", err)
	}

	return &Detector{config: config, classifier: classifier}, nil
}

// Detect returns the bounding boxes of faces at least MinSize pixels wide
func (d *Detector) Detect(img *image.Gray) ([]image.Rectangle, error) {
	if d == nil || d.classifier == nil {
		return nil, ErrDetectorUnavailable
	}

	bounds := img.Bounds()
	cols, rows := bounds.Dx(), bounds.Dy()
	if cols == 0 || rows == 0 {
		return nil, nil
	}

	maxSize := d.config.MaxSize
	if maxSize <= 0 {
		maxSize = max(cols, rows)
	}

	params := pigo.CascadeParams{
		MinSize:     max(d.config.MinSize, 20),
		MaxSize:     maxSize,
		ShiftFactor: 0.1,
		ScaleFactor: 1.1,
		ImageParams: pigo.ImageParams{
			Pixels: img.Pix,
			Rows:   rows,
			Cols:   cols,
			Dim:    img.Stride,
		},
	}

	dets := d.classifier.RunCascade(params, 0.0)
	dets = d.classifier.ClusterDetections(dets, d.config.IoUThreshold)

	var faces []image.Rectangle
	for _, det := range dets {
		if det.Q < d.config.MinQuality || det.Scale < d.config.MinSize {
			continue
		}
		half := det.Scale / 2
		r := image.Rect(det.Col-half, det.Row-half, det.Col+half, det.Row+half).Add(bounds.Min)
		faces = append(faces, r.Intersect(bounds))
	}
	return faces, nil
}

// Unavailable is a detector that always reports ErrDetectorUnavailable
type Unavailable struct{}

// Detect implements the detector interface
func (Unavailable) Detect(*image.Gray) ([]image.Rectangle, error) {
	return nil, ErrDetectorUnavailable
}

// Downloader fetches a URL with a byte cap
type Downloader interface {
	Bytes(ctx context.Context, rawURL string, max int64) ([]byte, error)
}

// LoadCascade reads the cascade at path. When the file is missing and
// cascadeURL is set, the cascade is downloaded once and written to path.
func LoadCascade(ctx context.Context, path, cascadeURL string, dl Downloader) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		return data, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to read face cascade: %w", err)
	}
	if cascadeURL == "" || dl == nil {
		return nil, fmt.Errorf("face cascade %s not found and no download URL configured", path)
	}

	data, err = dl.Bytes(ctx, cascadeURL, maxCascadeBytes)
	if err != nil {
		return nil, fmt.Errorf("failed to download face cascade: %w", err)
	}

	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create cascade directory: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return nil, fmt.Errorf("failed to write face cascade: %w", err)
	}

	return data, nil
}
