// Package preprocess prepares photos for recognition. It is best effort: any
// failure leaves the caller with the original file.
package preprocess

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/disintegration/imaging"
	"golang.org/x/sync/semaphore"
)

const (
	MaxSide     = 2000
	JPEGQuality = 90
	Suffix      = "_processed"

	sharpenSigma = 1.0
)

type Outcome int

const (
	Original Outcome = iota
	Enhanced
)

func (o Outcome) String() string {
	if o == Enhanced {
		return "enhanced"
	}
	return "original"
}

// Prepared is the image a run should send to the engine.
type Prepared struct {
	Path    string
	Outcome Outcome
}

// Derived reports whether Path is a temporary file owned by the run.
func (p *Prepared) Derived() bool { return p != nil && p.Outcome == Enhanced }

// Release removes the derived file. Safe to call more than once.
func (p *Prepared) Release() error {
	if !p.Derived() || p.Path == "" {
		return nil
	}
	path := p.Path
	p.Path = ""
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

type Preprocessor struct {
	sem *semaphore.Weighted
	log *slog.Logger
}

// New bounds concurrent transcodes to workers (NumCPU when <= 0).
func New(workers int, log *slog.Logger) *Preprocessor {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	if log == nil {
		log = slog.Default()
	}
	return &Preprocessor{
		sem: semaphore.NewWeighted(int64(workers)),
		log: log.With("component", "preprocess"),
	}
}

// Prepare never fails. On error it logs and returns the source path as Original.
func (p *Preprocessor) Prepare(ctx context.Context, path string) Prepared {
	out, err := p.enhance(ctx, path)
	if err != nil {
		p.log.Warn("preprocessing failed, using original image", "path", path, "err", err)
		return Prepared{Path: path, Outcome: Original}
	}
	return Prepared{Path: out, Outcome: Enhanced}
}

func (p *Preprocessor) enhance(ctx context.Context, path string) (string, error) {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return "", fmt.Errorf("waiting for transcode slot: %w", err)
	}
	defer p.sem.Release(1)

	img, err := imaging.Open(path, imaging.AutoOrientation(true))
	if err != nil {
		return "", fmt.Errorf("opening image %s: %w", path, err)
	}

	// Fit only ever shrinks
	img = imaging.Fit(img, MaxSide, MaxSide, imaging.Lanczos)
	sharp := imaging.Sharpen(img, sharpenSigma)
	norm := Normalize(sharp)

	dst := DerivedPath(path)
	if err := imaging.Save(norm, dst, imaging.JPEGQuality(JPEGQuality)); err != nil {
		_ = os.Remove(dst)
		return "", fmt.Errorf("saving processed image: %w", err)
	}
	return dst, nil
}

// DerivedPath is the sibling path the enhanced JPEG is written to.
func DerivedPath(path string) string {
	ext := filepath.Ext(path)
	return strings.TrimSuffix(path, ext) + Suffix + ".jpg"
}

// Normalize stretches each colour channel so its darkest value maps to 0 and
// its brightest to 255. Flat channels are left as is.
func Normalize(img image.Image) *image.NRGBA {
	src := imaging.Clone(img)
	lo := [3]uint8{255, 255, 255}
	hi := [3]uint8{0, 0, 0}
	for i := 0; i+3 < len(src.Pix); i += 4 {
		for c := 0; c < 3; c++ {
			v := src.Pix[i+c]
			if v < lo[c] {
				lo[c] = v
			}
			if v > hi[c] {
				hi[c] = v
			}
		}
	}
	var lut [3][256]uint8
	for c := 0; c < 3; c++ {
		for v := 0; v < 256; v++ {
			lut[c][v] = stretch(uint8(v), lo[c], hi[c])
		}
	}
	return imaging.AdjustFunc(src, func(c color.NRGBA) color.NRGBA {
		return color.NRGBA{R: lut[0][c.R], G: lut[1][c.G], B: lut[2][c.B], A: c.A}
	})
}

func stretch(v, lo, hi uint8) uint8 {
	if hi <= lo {
		return v
	}
	if v <= lo {
		return 0
	}
	if v >= hi {
		return 255
	}
	return uint8((int(v-lo)*255 + int(hi-lo)/2) / int(hi-lo))
}
