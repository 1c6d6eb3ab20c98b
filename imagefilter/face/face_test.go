package face

import (
	"context"
	"errors"
	"image"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubDownloader struct {
	data  []byte
	err   error
	calls int
}

func (s *stubDownloader) Bytes(ctx context.Context, rawURL string, max int64) ([]byte, error) {
	s.calls++
	return s.data, s.err
}

func TestUnavailable(t *testing.T) {
	faces, err := Unavailable{}.Detect(image.NewGray(image.Rect(0, 0, 10, 10)))
	assert.Nil(t, faces)
	assert.ErrorIs(t, err, ErrDetectorUnavailable)
}

func TestNilDetectorIsUnavailable(t *testing.T) {
	var d *Detector
	_, err := d.Detect(image.NewGray(image.Rect(0, 0, 10, 10)))
	assert.ErrorIs(t, err, ErrDetectorUnavailable)
}

func TestNewRejectsEmptyCascade(t *testing.T) {
	_, err := New(nil, DefaultConfig())
	assert.Error(t, err)
}

func TestLoadCascadeReadsExistingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "facefinder")
	require.NoError(t, os.WriteFile(path, []byte("cascade"), 0644))

	dl := &stubDownloader{}
	data, err := LoadCascade(context.Background(), path, DefaultCascadeURL, dl)
	require.NoError(t, err)
	assert.Equal(t, []byte("cascade"), data)
	assert.Equal(t, 0, dl.calls)
}

func TestLoadCascadeDownloadsMissingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "models", "facefinder")

	dl := &stubDownloader{data: []byte("downloaded")}
	data, err := LoadCascade(context.Background(), path, DefaultCascadeURL, dl)
	require.NoError(t, err)
	assert.Equal(t, []byte("downloaded"), data)

	written, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, []byte("downloaded"), written)

	// Second load uses the cached file
	_, err = LoadCascade(context.Background(), path, DefaultCascadeURL, dl)
	require.NoError(t, err)
	assert.Equal(t, 1, dl.calls)
}

func TestLoadCascadeFailures(t *testing.T) {
	path := filepath.Join(t.TempDir(), "facefinder")

	_, err := LoadCascade(context.Background(), path, "", &stubDownloader{})
	assert.Error(t, err)

	_, err = LoadCascade(context.Background(), path, DefaultCascadeURL, &stubDownloader{err: errors.New("boom")})
	assert.Error(t, err)

	_, statErr := os.Stat(path)
	assert.True(t, os.IsNotExist(statErr))
}
