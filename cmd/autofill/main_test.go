package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/docutag/autofill/config"
	"github.com/docutag/autofill/db"
	"github.com/docutag/autofill/imagefilter/face"
	"github.com/docutag/autofill/storage"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitList(t *testing.T) {
	assert.Equal(t, []string{"A1", "B2"}, splitList(" A1,, B2 ,"))
	assert.Nil(t, splitList(" , "))
}

func TestOpenArchive(t *testing.T) {
	archive, err := openArchive(context.Background(), config.StorageConfig{Backend: config.StorageNone})
	require.NoError(t, err)
	assert.Nil(t, archive)

	dir := t.TempDir()
	archive, err = openArchive(context.Background(), config.StorageConfig{
		Backend: config.StorageLocal,
		Local:   storage.Config{BasePath: dir},
	})
	require.NoError(t, err)
	require.NotNil(t, archive)

	report := filepath.Join(t.TempDir(), "report_autofill_20250301_100000.csv")
	require.NoError(t, os.WriteFile(report, []byte("product_id\n"), 0644))
	archiveReport(context.Background(), archive, report, zerolog.Nop())

	data, err := os.ReadFile(filepath.Join(dir, storage.ReportKey("report_autofill_20250301_100000.csv")))
	require.NoError(t, err)
	assert.Equal(t, "product_id\n", string(data))
}

func TestLoadFaceDetectorFallsBackToUnavailable(t *testing.T) {
	cfg := config.FaceConfig{CascadePath: filepath.Join(t.TempDir(), "missing"), Detector: face.DefaultConfig()}
	detector := loadFaceDetector(context.Background(), cfg, nil, zerolog.Nop())
	assert.Equal(t, face.Unavailable{}, detector)
}

func TestDBCommandValidation(t *testing.T) {
	err := dbCommand(context.Background(), db.Config{DSN: "postgres://localhost/autofill"}, "drop", zerolog.Nop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown database command")

	err = dbCommand(context.Background(), db.Config{}, "status", zerolog.Nop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DATABASE_URL")
}

func TestDBCommandStatus(t *testing.T) {
	dsn := os.Getenv("AUTOFILL_TEST_DSN")
	if dsn == "" {
		t.Skip("AUTOFILL_TEST_DSN not set, skipping PostgreSQL integration test")
	}
	database, err := db.New(db.Config{DSN: dsn})
	require.NoError(t, err)
	database.Close()

	assert.NoError(t, dbCommand(context.Background(), db.Config{DSN: dsn}, "status", zerolog.Nop()))
}
