package storage

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

var jpegHeader = []byte{0xFF, 0xD8, 0xFF, 0xE0, 0, 0x10, 'J', 'F', 'I', 'F'}

func newUploads(t *testing.T, max int64) *Uploads {
	t.Helper()
	u, err := NewUploads(filepath.Join(t.TempDir(), "uploads"), max, []string{"image/jpeg", "image/png", "image/jpg"})
	if err != nil {
		t.Fatal(err)
	}
	return u
}

func TestSaveWritesUniqueFiles(t *testing.T) {
	u := newUploads(t, 1024)

	a, err := u.Save(bytes.NewReader(jpegHeader), "receipt.JPG", "image/jpeg")
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	b, err := u.Save(bytes.NewReader(jpegHeader), "receipt.JPG", "image/jpeg")
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	if a.Path == b.Path {
		t.Fatalf("expected distinct paths, got %q twice", a.Path)
	}
	if a.SHA256 != b.SHA256 || a.Size != int64(len(jpegHeader)) || a.Name != "receipt.JPG" {
		t.Fatalf("unexpected metadata: %+v", a)
	}
	if !strings.HasPrefix(filepath.Base(a.Path), "ocr_") || filepath.Ext(a.Path) != ".jpg" {
		t.Fatalf("unexpected name %q", a.Path)
	}
	got, err := os.ReadFile(a.Path)
	if err != nil || !bytes.Equal(got, jpegHeader) {
		t.Fatalf("content mismatch: %v", err)
	}

	if err := u.Remove(a.Path); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if err := u.Remove(a.Path); err != nil {
		t.Fatalf("second Remove: %v", err)
	}
}

func TestSaveRejectsLargeFiles(t *testing.T) {
	u := newUploads(t, 4)
	_, err := u.Save(bytes.NewReader(jpegHeader), "a.jpg", "image/jpeg")
	if !errors.Is(err, ErrTooLarge) {
		t.Fatalf("err = %v, want ErrTooLarge", err)
	}
}

func TestSaveRejectsUnsupportedType(t *testing.T) {
	u := newUploads(t, 1024)
	_, err := u.Save(strings.NewReader("%PDF-1.7"), "doc.pdf", "application/pdf")
	if !errors.Is(err, ErrUnsupportedType) {
		t.Fatalf("err = %v, want ErrUnsupportedType", err)
	}
}

func TestSaveSniffsMissingType(t *testing.T) {
	u := newUploads(t, 1024)
	saved, err := u.SaveBytes(jpegHeader, "", "")
	if err != nil {
		t.Fatalf("SaveBytes: %v", err)
	}
	if filepath.Ext(saved.Path) != ".jpg" || saved.MIME != "image/jpeg" {
		t.Fatalf("unexpected upload %+v", saved)
	}
}

func TestSaveRejectsEmpty(t *testing.T) {
	u := newUploads(t, 1024)
	if _, err := u.SaveBytes(nil, "a.jpg", "image/jpeg"); !errors.Is(err, ErrEmpty) {
		t.Fatalf("err = %v, want ErrEmpty", err)
	}
}
