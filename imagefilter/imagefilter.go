// Package imagefilter decides whether a downloaded image is an acceptable
// product shot and re-encodes the ones that are.
package imagefilter

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"math/bits"

	"github.com/docutag/autofill/models"
	"github.com/rs/zerolog"
	"golang.org/x/image/draw"

	// Register decoders for image.Decode
	_ "image/gif"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/webp"
)

// Rejection reasons
const (
	ReasonDecode          = "decode failed"
	ReasonTooSmall        = "below minimum side"
	ReasonTooLarge        = "above maximum pixels"
	ReasonNonWhite        = "non-white background"
	ReasonRemovalRequired = "background removal required"
	ReasonComplex         = "complex background"
	ReasonFace            = "face detected"
	ReasonCropTooSmall    = "below minimum side after face crop"
	ReasonDuplicate       = "perceptual duplicate"
	ReasonEncode          = "encode failed"
	ReasonPanic           = "processing error"
)

// FaceDetector finds faces in a grayscale image. An error means the detector
// could not run, which is treated as a face being present.
type FaceDetector interface {
	Detect(img *image.Gray) ([]image.Rectangle, error)
}

// BackgroundRemover returns a transparent-background rendering of an image
type BackgroundRemover interface {
	Remove(ctx context.Context, data []byte) ([]byte, error)
}

// Config contains filter configuration
type Config struct {
	MinSide   int // Both dimensions must reach this many pixels
	MaxPixels int // Declared width*height above which an image is not decoded

	BorderPct      float64 // Border band width as a fraction of each dimension
	WhiteThreshold uint8   // Channel value from which a pixel counts as white
	WhiteMinRatio  float64 // Inclusive white-pixel ratio for a white background

	AllowColored       bool
	PlainColorDistance float64 // Per-channel distance from the band mean
	PlainMinRatio      float64

	EnableBgRemoval             bool
	EnforceBgRemoval            bool // Reject non-white images whose removal failed
	AcceptColoredIfRemovalFails bool // Keep plain-colored originals when removal fails

	EnableFaceDetection bool
	MaxFacesAllowed     int

	MaxHashDistance int // Hamming distance at or below which images are duplicates
	JPEGQuality     int
}

// DefaultConfig returns default filter configuration
func DefaultConfig() Config {
	return Config{
		MinSide:                     800,
		MaxPixels:                   40_000_000,
		BorderPct:                   0.10,
		WhiteThreshold:              245,
		WhiteMinRatio:               0.88,
		AllowColored:                true,
		PlainColorDistance:          18,
		PlainMinRatio:               0.80,
		EnableBgRemoval:             true,
		EnforceBgRemoval:            false,
		AcceptColoredIfRemovalFails: true,
		EnableFaceDetection:         true,
		MaxFacesAllowed:             0,
		MaxHashDistance:             5,
		JPEGQuality:                 90,
	}
}

// Filter classifies and finalizes candidate images
type Filter struct {
	config  Config
	faces   FaceDetector
	remover BackgroundRemover
	logger  zerolog.Logger
}

// New creates a new Filter. A nil faces detector is treated as unavailable
// and a nil remover as a failing removal.
func New(config Config, faces FaceDetector, remover BackgroundRemover, logger zerolog.Logger) *Filter {
	return &Filter{
		config:  config,
		faces:   faces,
		remover: remover,
		logger:  logger.With().Str("component", "imagefilter").Logger(),
	}
}

// Session holds the fingerprints accepted while building one gallery
type Session struct {
	filter *Filter
	hashes []uint64
}

// NewSession starts an empty deduplication session
func (f *Filter) NewSession() *Session {
	return &Session{filter: f}
}

// Accepted returns the number of images accepted so far
func (s *Session) Accepted() int {
	return len(s.hashes)
}

// Process runs a downloaded candidate through classification, face handling
// and deduplication. It returns the re-encoded image, or nil with
// c.RejectReason set. It never panics.
func (s *Session) Process(ctx context.Context, c *models.CandidateImage) (final *models.FinalImage) {
	f := s.filter
	defer func() {
		if r := recover(); r != nil {
			f.logger.Error().Str("url", c.URL).Interface("panic", r).Msg("image processing panicked")
			c.Reject(ReasonPanic)
			final = nil
		}
	}()

	img, err := decode(c.Data, f.config.MaxPixels)
	if errors.Is(err, errTooManyPixels) {
		f.logger.Debug().Err(err).Str("url", c.URL).Msg("image too large to decode")
		c.Reject(ReasonTooLarge)
		return nil
	}
	if err != nil {
		f.logger.Debug().Err(err).Str("url", c.URL).Msg("image decode failed")
		c.Reject(ReasonDecode)
		return nil
	}

	canvas := flatten(img)
	b := canvas.Bounds()
	c.Width, c.Height = b.Dx(), b.Dy()
	if c.Width < f.config.MinSide || c.Height < f.config.MinSide {
		c.Reject(ReasonTooSmall)
		return nil
	}

	c.Background = f.Classify(canvas)
	c.Stage = models.StageClassified

	canvas, reason := f.normalizeBackground(ctx, c, canvas)
	if reason != "" {
		c.Reject(reason)
		return nil
	}

	canvas, reason = f.handleFaces(c, canvas)
	if reason != "" {
		c.Reject(reason)
		return nil
	}

	c.Hash = AverageHash(canvas)
	for _, prev := range s.hashes {
		if Hamming(c.Hash, prev) <= f.config.MaxHashDistance {
			c.Reject(ReasonDuplicate)
			return nil
		}
	}
	c.Stage = models.StageAccepted

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, canvas, &jpeg.Options{Quality: f.config.JPEGQuality}); err != nil {
		f.logger.Warn().Err(err).Str("url", c.URL).Msg("jpeg encode failed")
		c.Reject(ReasonEncode)
		return nil
	}

	s.hashes = append(s.hashes, c.Hash)
	c.Stage = models.StageFinalized
	b = canvas.Bounds()

	return &models.FinalImage{
		SourceURL: c.URL,
		Data:      buf.Bytes(),
		Width:     b.Dx(),
		Height:    b.Dy(),
		Hash:      c.Hash,
	}
}

// normalizeBackground applies the background policy. A non-empty reason means reject.
func (f *Filter) normalizeBackground(ctx context.Context, c *models.CandidateImage, canvas *image.RGBA) (*image.RGBA, string) {
	if c.Background == models.BackgroundWhite {
		return canvas, ""
	}
	if !f.config.AllowColored {
		return nil, ReasonNonWhite
	}

	if f.config.EnableBgRemoval {
		removed, err := f.removeBackground(ctx, c, canvas)
		if err == nil {
			c.BgRemoved = true
			return removed, ""
		}
		f.logger.Debug().Err(err).Str("url", c.URL).Msg("background removal failed")
	}

	switch {
	case f.config.EnforceBgRemoval:
		return nil, ReasonRemovalRequired
	case c.Background == models.BackgroundPlain && f.config.AcceptColoredIfRemovalFails:
		return canvas, ""
	default:
		return nil, ReasonComplex
	}
}

func (f *Filter) removeBackground(ctx context.Context, c *models.CandidateImage, canvas *image.RGBA) (*image.RGBA, error) {
	if f.remover == nil {
		return nil, errors.New("no background remover configured")
	}

	// Send the upright pixels so EXIF rotation is not lost
	var upright bytes.Buffer
	if err := png.Encode(&upright, canvas); err != nil {
		return nil, fmt.Errorf("failed to encode upload: %w", err)
	}

	out, err := f.remover.Remove(ctx, upright.Bytes())
	if err != nil {
		return nil, err
	}

	img, err := decode(out, f.config.MaxPixels)
	if err != nil {
		return nil, fmt.Errorf("failed to decode removal output: %w", err)
	}
	return flatten(img), nil
}

// handleFaces rejects or crops images showing faces. A non-empty reason means reject.
func (f *Filter) handleFaces(c *models.CandidateImage, canvas *image.RGBA) (*image.RGBA, string) {
	if !f.config.EnableFaceDetection {
		return canvas, ""
	}

	faces, err := f.detect(canvas)
	if err == nil && len(faces) <= f.config.MaxFacesAllowed {
		return canvas, ""
	}
	c.HasFace = true

	if err != nil {
		// Unavailable detector: nothing to crop against
		f.logger.Debug().Err(err).Str("url", c.URL).Msg("face detector unavailable")
		return nil, ReasonFace
	}

	cropped := CropBelowFace(canvas, faces)
	c.Cropped = true

	faces, err = f.detect(cropped)
	if err != nil || len(faces) > f.config.MaxFacesAllowed {
		return nil, ReasonFace
	}

	b := cropped.Bounds()
	if b.Dx() < f.config.MinSide || b.Dy() < f.config.MinSide {
		return nil, ReasonCropTooSmall
	}

	c.HasFace = false
	c.Width, c.Height = b.Dx(), b.Dy()
	return cropped, ""
}

func (f *Filter) detect(img image.Image) ([]image.Rectangle, error) {
	if f.faces == nil {
		return nil, errors.New("no face detector configured")
	}
	return f.faces.Detect(Grayscale(img))
}

// CropBelowFace removes everything above 60% of the topmost face's height,
// never removing more than 40% of the image height.
func CropBelowFace(img *image.RGBA, faces []image.Rectangle) *image.RGBA {
	if len(faces) == 0 {
		return img
	}

	top := faces[0]
	for _, r := range faces[1:] {
		if r.Min.Y < top.Min.Y {
			top = r
		}
	}

	b := img.Bounds()
	h := b.Dy()
	cropTop := top.Min.Y - b.Min.Y + int(0.6*float64(top.Dy()))
	if cropTop < 0 {
		cropTop = 0
	}
	if maxCrop := h - int(0.6*float64(h)); cropTop > maxCrop {
		cropTop = maxCrop
	}

	out := image.NewRGBA(image.Rect(0, 0, b.Dx(), h-cropTop))
	draw.Draw(out, out.Bounds(), img, image.Pt(b.Min.X, b.Min.Y+cropTop), draw.Src)
	return out
}

// Classify labels the background from the border band
func (f *Filter) Classify(img image.Image) models.Background {
	white, plain := f.BorderRatios(img)
	switch {
	case white >= f.config.WhiteMinRatio:
		return models.BackgroundWhite
	case plain >= f.config.PlainMinRatio:
		return models.BackgroundPlain
	default:
		return models.BackgroundComplex
	}
}

// BorderRatios returns the fraction of border-band pixels that are white and
// the fraction within PlainColorDistance of the band's mean color.
func (f *Filter) BorderRatios(img image.Image) (white, plain float64) {
	thr := uint32(f.config.WhiteThreshold)
	var n, whiteCount int
	var sumR, sumG, sumB float64
	f.eachBorderPixel(img, func(r, g, b uint32) {
		n++
		if r >= thr && g >= thr && b >= thr {
			whiteCount++
		}
		sumR += float64(r)
		sumG += float64(g)
		sumB += float64(b)
	})
	if n == 0 {
		return 0, 0
	}

	meanR, meanG, meanB := sumR/float64(n), sumG/float64(n), sumB/float64(n)
	dist := f.config.PlainColorDistance
	var plainCount int
	f.eachBorderPixel(img, func(r, g, b uint32) {
		if absDiff(float64(r), meanR) <= dist && absDiff(float64(g), meanG) <= dist && absDiff(float64(b), meanB) <= dist {
			plainCount++
		}
	})

	return float64(whiteCount) / float64(n), float64(plainCount) / float64(n)
}

// eachBorderPixel calls fn with the 8-bit color of every pixel in the border
// band, reading *image.RGBA pixels in place.
func (f *Filter) eachBorderPixel(img image.Image, fn func(r, g, b uint32)) {
	b := img.Bounds()
	bw := int(float64(b.Dx()) * f.config.BorderPct)
	bh := int(float64(b.Dy()) * f.config.BorderPct)
	rgba, _ := img.(*image.RGBA)

	for y := b.Min.Y; y < b.Max.Y; y++ {
		inRowBand := y < b.Min.Y+bh || y >= b.Max.Y-bh
		for x := b.Min.X; x < b.Max.X; x++ {
			if !inRowBand && x >= b.Min.X+bw && x < b.Max.X-bw {
				// Jump over the interior to the right band
				x = b.Max.X - bw - 1
				continue
			}
			if rgba != nil {
				i := rgba.PixOffset(x, y)
				fn(uint32(rgba.Pix[i]), uint32(rgba.Pix[i+1]), uint32(rgba.Pix[i+2]))
				continue
			}
			fn(rgb8(img.At(x, y)))
		}
	}
}

// AverageHash computes the 64-bit aHash: the image is scaled to 8x8
// grayscale and each pixel brighter than the mean sets one bit.
func AverageHash(img image.Image) uint64 {
	small := image.NewGray(image.Rect(0, 0, 8, 8))
	draw.BiLinear.Scale(small, small.Bounds(), img, img.Bounds(), draw.Src, nil)

	var sum int
	for _, p := range small.Pix {
		sum += int(p)
	}
	avg := float64(sum) / 64

	var hash uint64
	for i, p := range small.Pix {
		if float64(p) > avg {
			hash |= 1 << uint(63-i)
		}
	}
	return hash
}

// Hamming returns the number of differing bits
func Hamming(a, b uint64) int {
	return bits.OnesCount64(a ^ b)
}

// Grayscale converts img to 8-bit luminance
func Grayscale(img image.Image) *image.Gray {
	b := img.Bounds()
	gray := image.NewGray(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(gray, gray.Bounds(), img, b.Min, draw.Src)
	return gray
}

// flatten composites img onto an opaque white canvas anchored at the origin
func flatten(img image.Image) *image.RGBA {
	b := img.Bounds()
	canvas := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(canvas, canvas.Bounds(), image.NewUniform(color.White), image.Point{}, draw.Src)
	draw.Draw(canvas, canvas.Bounds(), img, b.Min, draw.Over)
	return canvas
}

func rgb8(c color.Color) (uint32, uint32, uint32) {
	r, g, b, _ := c.RGBA()
	return r >> 8, g >> 8, b >> 8
}

func absDiff(a, b float64) float64 {
	if a > b {
		return a - b
	}
	return b - a
}
