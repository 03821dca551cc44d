// Package storage keeps uploaded images on local disk until a recognition run
// has finished with them.
package storage

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"carcare-ocr/api/internal/util"

	"github.com/google/uuid"
)

var (
	ErrTooLarge        = errors.New("file is too large")
	ErrUnsupportedType = errors.New("unsupported file type")
	ErrEmpty           = errors.New("file is empty")
)

// Saved describes a stored upload.
type Saved struct {
	Path   string `json:"-"`
	Name   string `json:"originalName"`
	Size   int64  `json:"size"`
	MIME   string `json:"mimetype"`
	SHA256 string `json:"-"`
}

type Uploads struct {
	Dir          string
	MaxSize      int64
	AllowedTypes []string
}

func NewUploads(dir string, maxSize int64, allowed []string) (*Uploads, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create upload dir: %w", err)
	}
	return &Uploads{Dir: dir, MaxSize: maxSize, AllowedTypes: allowed}, nil
}

// Allowed reports whether mime is on the allow list. An empty list allows everything.
func (u *Uploads) Allowed(mime string) bool {
	if len(u.AllowedTypes) == 0 {
		return true
	}
	mime = strings.ToLower(strings.TrimSpace(mime))
	if i := strings.IndexByte(mime, ';'); i >= 0 {
		mime = strings.TrimSpace(mime[:i])
	}
	for _, a := range u.AllowedTypes {
		if strings.EqualFold(a, mime) {
			return true
		}
	}
	return false
}

// Save copies r to a new file. mime may be empty, then it is sniffed from the
// content.
func (u *Uploads) Save(r io.Reader, originalName, mime string) (Saved, error) {
	limit := u.MaxSize
	if limit <= 0 {
		limit = 1 << 62
	}
	data, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return Saved{}, fmt.Errorf("read upload: %w", err)
	}
	if int64(len(data)) > limit {
		return Saved{}, fmt.Errorf("%w: limit %d bytes", ErrTooLarge, u.MaxSize)
	}
	return u.SaveBytes(data, originalName, mime)
}

func (u *Uploads) SaveBytes(data []byte, originalName, mime string) (Saved, error) {
	if len(data) == 0 {
		return Saved{}, ErrEmpty
	}
	if u.MaxSize > 0 && int64(len(data)) > u.MaxSize {
		return Saved{}, fmt.Errorf("%w: limit %d bytes", ErrTooLarge, u.MaxSize)
	}
	if strings.TrimSpace(mime) == "" || strings.EqualFold(mime, "application/octet-stream") {
		mime = util.SniffMimeHTTP(data)
	}
	if !u.Allowed(mime) {
		return Saved{}, fmt.Errorf("%w: %s", ErrUnsupportedType, mime)
	}

	path := filepath.Join(u.Dir, "ocr_"+uuid.NewString()+extFor(originalName, mime))
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return Saved{}, fmt.Errorf("write upload: %w", err)
	}
	sum := sha256.Sum256(data)
	return Saved{
		Path:   path,
		Name:   originalName,
		Size:   int64(len(data)),
		MIME:   mime,
		SHA256: hex.EncodeToString(sum[:]),
	}, nil
}

func (u *Uploads) Remove(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

func extFor(name, mime string) string {
	if ext := strings.ToLower(filepath.Ext(name)); ext != "" && len(ext) <= 5 {
		return ext
	}
	if util.ImageFormat(mime) == "png" {
		return ".png"
	}
	return ".jpg"
}
