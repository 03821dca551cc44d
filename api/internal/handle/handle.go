package handle

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"carcare-ocr/api/internal/pipeline"
	"carcare-ocr/api/internal/storage"
	"carcare-ocr/api/internal/store"
)

// Recorder persists a log entry per run and lists the latest ones. Optional.
type Recorder interface {
	Insert(ctx context.Context, row store.RecognitionRow) error
	Recent(ctx context.Context, limit int) ([]store.RecognitionRow, error)
}

type Handle struct {
	pipe    *pipeline.Pipeline
	uploads *storage.Uploads
	repo    Recorder
	log     *slog.Logger
}

func New(pipe *pipeline.Pipeline, uploads *storage.Uploads, repo Recorder, log *slog.Logger) *Handle {
	if log == nil {
		log = slog.Default()
	}
	return &Handle{
		pipe:    pipe,
		uploads: uploads,
		repo:    repo,
		log:     log.With("component", "http"),
	}
}

// Routes registers every endpoint on mux.
func (h *Handle) Routes(mux *http.ServeMux) {
	mux.HandleFunc("/healthz", h.Healthz)
	mux.HandleFunc("/api/ocr/recognize", h.Recognize)
	mux.HandleFunc("/api/ocr/license-plate", h.LicensePlate)
	mux.HandleFunc("/api/ocr/vin", h.Vin)
	mux.HandleFunc("/api/ocr/invoice", h.Invoice)
	mux.HandleFunc("/api/ocr/config", h.Config)
	mux.HandleFunc("/api/ocr/history", h.History)
}

// envelope is the response body of every /api endpoint.
type envelope struct {
	Success  bool           `json:"success"`
	Message  string         `json:"message,omitempty"`
	Data     any            `json:"data,omitempty"`
	FileInfo *storage.Saved `json:"fileInfo,omitempty"`
	Error    string         `json:"error,omitempty"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, envelope{Success: false, Message: msg})
}

func (h *Handle) Healthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// Config answers the upload policy so clients can validate before uploading.
func (h *Handle) Config(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "GET only")
		return
	}
	type configData struct {
		pipeline.UploadPolicy
		Engines       []string `json:"engines"`
		DefaultEngine string   `json:"default_engine"`
	}
	engs := h.pipe.Engines()
	writeJSON(w, http.StatusOK, envelope{
		Success: true,
		Data: configData{
			UploadPolicy:  h.pipe.UploadPolicy(),
			Engines:       engs.Names(),
			DefaultEngine: engs.Default(),
		},
	})
}

const (
	defaultHistoryLimit = 20
	maxHistoryLimit     = 200
)

// History lists the latest recognition log rows, newest first.
func (h *Handle) History(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "GET only")
		return
	}
	if h.repo == nil {
		writeError(w, http.StatusNotFound, "recognition log is disabled")
		return
	}
	limit := defaultHistoryLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxHistoryLimit)
	}
	rows, err := h.repo.Recent(r.Context(), limit)
	if err != nil {
		h.log.Error("recognition log query failed", "err", err)
		writeError(w, http.StatusInternalServerError, "cannot read recognition log")
		return
	}
	if rows == nil {
		rows = []store.RecognitionRow{}
	}
	writeJSON(w, http.StatusOK, envelope{Success: true, Data: rows})
}

// StatusFor maps a pipeline failure class to an HTTP status.
func StatusFor(c pipeline.Class) int {
	switch c {
	case pipeline.ClassUnsupportedKind, pipeline.ClassInvalidInput:
		return http.StatusBadRequest
	case pipeline.ClassUnauthorized:
		return http.StatusBadGateway
	case pipeline.ClassTimeout:
		return http.StatusGatewayTimeout
	case pipeline.ClassRemoteRejected:
		return http.StatusUnprocessableEntity
	case pipeline.ClassCancelled:
		return 499 // client closed request
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handle) record(row store.RecognitionRow) {
	if h.repo == nil {
		return
	}
	if err := store.Record(h.repo, row); err != nil {
		h.log.Warn("recognition log insert failed", "run", row.RunID, "err", err)
	}
}
