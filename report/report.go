// Package report writes the per-product CSV report of a run.
package report

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/docutag/autofill/models"
)

// Header lists the CSV columns in order
var Header = []string{
	"product_id", "title", "vendor", "code", "images_uploaded",
	"description_updated", "notes", "context_url", "image_urls",
}

// ImageSeparator joins the image references of one row
const ImageSeparator = " | "

// Filename returns the report file name for a run started at t
func Filename(t time.Time) string {
	return fmt.Sprintf("report_autofill_%s.csv", t.Format("20060102_150405"))
}

// Write encodes rows as CSV with a header line
func Write(w io.Writer, rows []models.ReportRow) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(Header); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}
	for _, r := range rows {
		record := []string{
			r.ProductID,
			r.Title,
			r.Vendor,
			r.Code,
			strconv.Itoa(r.ImagesUploaded),
			strconv.FormatBool(r.DescriptionUpdated),
			r.Notes,
			r.ContextURL,
			strings.Join(r.ImageRefs, ImageSeparator),
		}
		if err := cw.Write(record); err != nil {
			return fmt.Errorf("failed to write row for product %s: %w", r.ProductID, err)
		}
	}
	cw.Flush()
	return cw.Error()
}

// Encode returns the CSV report as bytes
func Encode(rows []models.ReportRow) ([]byte, error) {
	var buf bytes.Buffer
	if err := Write(&buf, rows); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// WriteFile writes the report of run into dir and returns the file path
func WriteFile(dir string, run *models.RunSummary) (string, error) {
	data, err := Encode(run.Rows)
	if err != nil {
		return "", err
	}
	if dir == "" {
		dir = "."
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create report directory: %w", err)
	}

	path := filepath.Join(dir, Filename(run.StartedAt))
	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", fmt.Errorf("failed to write report: %w", err)
	}
	return path, nil
}

// Summary returns the one-line run summary
func Summary(run *models.RunSummary) string {
	return fmt.Sprintf("Scanned: %d | Updated: %d | Skipped: %d", run.Scanned, run.Updated, run.Skipped)
}
