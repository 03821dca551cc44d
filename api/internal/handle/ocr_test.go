package handle

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"testing"

	"carcare-ocr/api/internal/ocr"
	"carcare-ocr/api/internal/pipeline"
	"carcare-ocr/api/internal/preprocess"
	"carcare-ocr/api/internal/storage"
	"carcare-ocr/api/internal/store"
)

type stubEngine struct {
	plateErr error
}

func (s *stubEngine) Name() string { return "stub" }

func (s *stubEngine) GeneralText(context.Context, []byte, ocr.GeneralOptions) (ocr.RawGeneral, error) {
	return ocr.RawGeneral{WordsResult: []ocr.RawWord{{Words: "LSVAM4187C2184847", Probability: 0.9}}}, nil
}

func (s *stubEngine) LicensePlate(context.Context, []byte) (ocr.RawPlate, error) {
	if s.plateErr != nil {
		return ocr.RawPlate{}, s.plateErr
	}
	return ocr.RawPlate{WordsResult: &ocr.RawPlateWords{Number: "京A12345", Color: "blue", Probability: 0.95}}, nil
}

func (s *stubEngine) VATInvoice(context.Context, []byte) (ocr.RawInvoice, error) {
	return ocr.RawInvoice{}, nil
}

func (s *stubEngine) Receipt(context.Context, []byte) (ocr.RawInvoice, error) {
	return ocr.RawInvoice{}, nil
}

type memRecorder struct {
	mu   sync.Mutex
	rows []store.RecognitionRow
}

func (m *memRecorder) Insert(_ context.Context, row store.RecognitionRow) error {
	m.mu.Lock()
	m.rows = append(m.rows, row)
	m.mu.Unlock()
	return nil
}

func (m *memRecorder) Recent(_ context.Context, limit int) ([]store.RecognitionRow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]store.RecognitionRow, 0, limit)
	for i := len(m.rows) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, m.rows[i])
	}
	return out, nil
}

func newHandle(t *testing.T, eng ocr.Engine) (*Handle, string, *memRecorder) {
	t.Helper()
	engines, err := ocr.NewEngines(eng.Name(), eng)
	if err != nil {
		t.Fatal(err)
	}
	allowed := []string{"image/jpeg", "image/png", "image/jpg"}
	pipe := pipeline.New(engines, preprocess.New(1, nil), pipeline.Config{
		MaxFileSize:      1 << 20,
		AllowedMimeTypes: allowed,
	}, nil)
	dir := t.TempDir()
	uploads, err := storage.NewUploads(dir, 1<<20, allowed)
	if err != nil {
		t.Fatal(err)
	}
	rec := &memRecorder{}
	return New(pipe, uploads, rec, nil), dir, rec
}

func pngBytes(t *testing.T) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, 40, 20))
	for x := 0; x < 40; x++ {
		img.SetNRGBA(x, 10, color.NRGBA{R: 255, A: 255})
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func multipartBody(t *testing.T, fields map[string]string, data []byte) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			t.Fatal(err)
		}
	}
	if data != nil {
		fw, err := mw.CreateFormFile("image", "plate.png")
		if err != nil {
			t.Fatal(err)
		}
		_, _ = fw.Write(data)
	}
	if err := mw.Close(); err != nil {
		t.Fatal(err)
	}
	return &buf, mw.FormDataContentType()
}

type response struct {
	Success  bool            `json:"success"`
	Message  string          `json:"message"`
	Data     json.RawMessage `json:"data"`
	FileInfo *storage.Saved  `json:"fileInfo"`
	Error    string          `json:"error"`
}

func decode(t *testing.T, rr *httptest.ResponseRecorder) response {
	t.Helper()
	var out response
	if err := json.Unmarshal(rr.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode %q: %v", rr.Body.String(), err)
	}
	return out
}

func assertEmptyDir(t *testing.T, dir string) {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Fatalf("upload dir not empty: %v", entries)
	}
}

func TestLicensePlateMultipart(t *testing.T) {
	h, dir, rec := newHandle(t, &stubEngine{})
	body, ct := multipartBody(t, nil, pngBytes(t))

	req := httptest.NewRequest(http.MethodPost, "/api/ocr/license-plate", body)
	req.Header.Set("Content-Type", ct)
	rr := httptest.NewRecorder()
	h.LicensePlate(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", rr.Code, rr.Body.String())
	}
	out := decode(t, rr)
	if !out.Success || out.FileInfo == nil || out.FileInfo.Name != "plate.png" {
		t.Fatalf("unexpected envelope: %+v", out)
	}
	var res pipeline.Result
	if err := json.Unmarshal(out.Data, &res); err != nil {
		t.Fatal(err)
	}
	if res.Plate == nil || res.Plate.PlateNumber != "京A12345" {
		t.Fatalf("unexpected data: %s", out.Data)
	}
	assertEmptyDir(t, dir)
	if len(rec.rows) != 1 || !rec.rows[0].Success || rec.rows[0].Source != store.SourceHTTP {
		t.Fatalf("unexpected log rows: %+v", rec.rows)
	}
}

func TestRecognizeJSONBase64(t *testing.T) {
	h, dir, _ := newHandle(t, &stubEngine{})
	payload, _ := json.Marshal(RecognizeRequest{
		Type:     "vin",
		ImageB64: "data:image/png;base64," + base64.StdEncoding.EncodeToString(pngBytes(t)),
	})

	req := httptest.NewRequest(http.MethodPost, "/api/ocr/recognize", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	h.Recognize(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", rr.Code, rr.Body.String())
	}
	var res pipeline.Result
	if err := json.Unmarshal(decode(t, rr).Data, &res); err != nil {
		t.Fatal(err)
	}
	if res.Vin == nil || len(res.Vin.CandidateVins) != 1 {
		t.Fatalf("unexpected vin: %+v", res.Vin)
	}
	assertEmptyDir(t, dir)
}

func TestRecognizeUnsupportedType(t *testing.T) {
	h, dir, _ := newHandle(t, &stubEngine{})
	body, ct := multipartBody(t, map[string]string{"type": "passport"}, pngBytes(t))

	req := httptest.NewRequest(http.MethodPost, "/api/ocr/recognize", body)
	req.Header.Set("Content-Type", ct)
	rr := httptest.NewRecorder()
	h.Recognize(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rr.Code)
	}
	assertEmptyDir(t, dir)
}

func TestRecognizeMissingFile(t *testing.T) {
	h, _, _ := newHandle(t, &stubEngine{})
	body, ct := multipartBody(t, map[string]string{"type": "general"}, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/ocr/recognize", body)
	req.Header.Set("Content-Type", ct)
	rr := httptest.NewRecorder()
	h.Recognize(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rr.Code)
	}
}

func TestRecognizeRejectsNonImage(t *testing.T) {
	h, dir, _ := newHandle(t, &stubEngine{})
	payload, _ := json.Marshal(RecognizeRequest{
		Type:     "general",
		ImageB64: base64.StdEncoding.EncodeToString([]byte("%PDF-1.7 not an image")),
	})
	req := httptest.NewRequest(http.MethodPost, "/api/ocr/recognize", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	h.Recognize(rr, req)

	if rr.Code != http.StatusUnsupportedMediaType {
		t.Fatalf("status = %d, want 415", rr.Code)
	}
	assertEmptyDir(t, dir)
}

func TestEngineFailureMapsToStatus(t *testing.T) {
	eng := &stubEngine{plateErr: &ocr.EngineError{Code: ocr.CodeTimeout, Message: "deadline exceeded"}}
	h, dir, rec := newHandle(t, eng)
	body, ct := multipartBody(t, nil, pngBytes(t))

	req := httptest.NewRequest(http.MethodPost, "/api/ocr/license-plate", body)
	req.Header.Set("Content-Type", ct)
	rr := httptest.NewRecorder()
	h.LicensePlate(rr, req)

	if rr.Code != http.StatusGatewayTimeout {
		t.Fatalf("status = %d, want 504", rr.Code)
	}
	if out := decode(t, rr); out.Success || out.Error == "" {
		t.Fatalf("unexpected envelope: %+v", out)
	}
	assertEmptyDir(t, dir)
	if len(rec.rows) != 1 || rec.rows[0].ErrorClass != "timeout" || rec.rows[0].Engine != "stub" {
		t.Fatalf("unexpected log rows: %+v", rec.rows)
	}
}

func TestConfig(t *testing.T) {
	h, _, _ := newHandle(t, &stubEngine{})
	rr := httptest.NewRecorder()
	h.Config(rr, httptest.NewRequest(http.MethodGet, "/api/ocr/config", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	var data struct {
		MaxFileSize    int64    `json:"max_file_size"`
		SupportedTypes []string `json:"supported_types"`
		DefaultEngine  string   `json:"default_engine"`
	}
	if err := json.Unmarshal(decode(t, rr).Data, &data); err != nil {
		t.Fatal(err)
	}
	if data.MaxFileSize != 1<<20 || len(data.SupportedTypes) != 4 || data.DefaultEngine != "stub" {
		t.Fatalf("unexpected config: %+v", data)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	h, _, _ := newHandle(t, &stubEngine{})
	rr := httptest.NewRecorder()
	h.Recognize(rr, httptest.NewRequest(http.MethodGet, "/api/ocr/recognize", nil))
	if rr.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d, want 405", rr.Code)
	}
}

func TestStatusFor(t *testing.T) {
	tests := map[pipeline.Class]int{
		pipeline.ClassUnsupportedKind: http.StatusBadRequest,
		pipeline.ClassInvalidInput:    http.StatusBadRequest,
		pipeline.ClassUnauthorized:    http.StatusBadGateway,
		pipeline.ClassTimeout:         http.StatusGatewayTimeout,
		pipeline.ClassRemoteRejected:  http.StatusUnprocessableEntity,
		pipeline.ClassCancelled:       499,
		pipeline.ClassUnknown:         http.StatusInternalServerError,
	}
	for class, want := range tests {
		if got := StatusFor(class); got != want {
			t.Errorf("StatusFor(%s) = %d, want %d", class, got, want)
		}
	}
}

func TestHistory(t *testing.T) {
	h, _, _ := newHandle(t, &stubEngine{})
	for i := 0; i < 2; i++ {
		body, ct := multipartBody(t, nil, pngBytes(t))
		req := httptest.NewRequest(http.MethodPost, "/api/ocr/license-plate", body)
		req.Header.Set("Content-Type", ct)
		h.LicensePlate(httptest.NewRecorder(), req)
	}

	rr := httptest.NewRecorder()
	h.History(rr, httptest.NewRequest(http.MethodGet, "/api/ocr/history?limit=1", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	var rows []store.RecognitionRow
	if err := json.Unmarshal(decode(t, rr).Data, &rows); err != nil {
		t.Fatal(err)
	}
	if len(rows) != 1 || rows[0].Kind != "license_plate" {
		t.Fatalf("unexpected rows: %+v", rows)
	}

	rr = httptest.NewRecorder()
	h.History(rr, httptest.NewRequest(http.MethodGet, "/api/ocr/history?limit=abc", nil))
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rr.Code)
	}
}
