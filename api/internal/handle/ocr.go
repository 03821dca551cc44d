package handle

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"

	"carcare-ocr/api/internal/ocr"
	"carcare-ocr/api/internal/pipeline"
	"carcare-ocr/api/internal/storage"
	"carcare-ocr/api/internal/store"
	"carcare-ocr/api/internal/util"
)

const defaultDeadline = 60 * time.Second

// RecognizeRequest is the JSON form of an upload; multipart uploads carry the
// same fields as form values plus the "image" file.
type RecognizeRequest struct {
	Type         string `json:"type"`
	Engine       string `json:"engine,omitempty"`
	LanguageType string `json:"language_type,omitempty"`
	ImageB64     string `json:"image_b64"`
	MIME         string `json:"mime,omitempty"`
	FileName     string `json:"file_name,omitempty"`
}

type upload struct {
	RecognizeRequest
	data []byte
}

func (h *Handle) Recognize(w http.ResponseWriter, r *http.Request) { h.recognize(w, r, "") }

func (h *Handle) LicensePlate(w http.ResponseWriter, r *http.Request) {
	h.recognize(w, r, ocr.KindLicensePlate)
}

func (h *Handle) Vin(w http.ResponseWriter, r *http.Request) { h.recognize(w, r, ocr.KindVIN) }

func (h *Handle) Invoice(w http.ResponseWriter, r *http.Request) {
	h.recognize(w, r, ocr.KindInvoice)
}

func (h *Handle) recognize(w http.ResponseWriter, r *http.Request, fixed ocr.Kind) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "POST only")
		return
	}

	in, err := h.readUpload(w, r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	kind := fixed
	if kind == "" {
		if kind, err = ocr.ParseKind(in.Type); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	saved, err := h.uploads.SaveBytes(in.data, in.FileName, in.MIME)
	if err != nil {
		writeError(w, uploadStatus(err), err.Error())
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), requestDeadline(r))
	defer cancel()

	opts := map[string]string{}
	if in.Engine != "" {
		opts[pipeline.OptEngine] = in.Engine
	}
	if in.LanguageType != "" {
		opts[pipeline.OptLanguageType] = in.LanguageType
	}
	res, err := h.pipe.Run(ctx, pipeline.Request{
		SourcePath:   saved.Path,
		Kind:         kind,
		Options:      opts,
		RemoveSource: true,
	})
	h.record(store.NewRow(store.SourceHTTP, 0, saved.SHA256, kind, res, err))
	if err != nil {
		writeJSON(w, StatusFor(pipeline.ClassOf(err)), envelope{
			Success:  false,
			Message:  "recognition failed",
			Error:    err.Error(),
			FileInfo: &saved,
		})
		return
	}
	writeJSON(w, http.StatusOK, envelope{
		Success:  true,
		Message:  "recognized",
		Data:     res,
		FileInfo: &saved,
	})
}

func (h *Handle) readUpload(w http.ResponseWriter, r *http.Request) (upload, error) {
	// room for the multipart envelope or base64 overhead
	limit := h.uploads.MaxSize*2 + 1<<20
	r.Body = http.MaxBytesReader(w, r.Body, limit)

	ct, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	switch ct {
	case "multipart/form-data":
		return readMultipart(r, limit)
	case "application/json", "":
		var in upload
		if err := json.NewDecoder(r.Body).Decode(&in.RecognizeRequest); err != nil {
			return upload{}, errors.New("bad json: " + err.Error())
		}
		data, hint, err := util.DecodeBase64MaybeDataURL(in.ImageB64)
		if err != nil || len(data) == 0 {
			return upload{}, errors.New("bad image_b64")
		}
		in.data = data
		in.MIME = util.PickMIME(in.MIME, hint, data)
		return in, nil
	default:
		return upload{}, errors.New("unsupported content type " + ct)
	}
}

func readMultipart(r *http.Request, limit int64) (upload, error) {
	if err := r.ParseMultipartForm(limit); err != nil {
		return upload{}, errors.New("bad multipart form: " + err.Error())
	}
	f, hdr, err := r.FormFile("image")
	if err != nil {
		return upload{}, errors.New("no file uploaded")
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return upload{}, errors.New("read upload: " + err.Error())
	}
	return upload{
		RecognizeRequest: RecognizeRequest{
			Type:         r.FormValue("type"),
			Engine:       r.FormValue("engine"),
			LanguageType: r.FormValue("language_type"),
			MIME:         hdr.Header.Get("Content-Type"),
			FileName:     hdr.Filename,
		},
		data: data,
	}, nil
}

func uploadStatus(err error) int {
	switch {
	case errors.Is(err, storage.ErrTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, storage.ErrUnsupportedType):
		return http.StatusUnsupportedMediaType
	case errors.Is(err, storage.ErrEmpty):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// requestDeadline honours X-Request-Timeout (seconds) or ?timeoutSec=.
func requestDeadline(r *http.Request) time.Duration {
	ts := strings.TrimSpace(r.Header.Get("X-Request-Timeout"))
	if ts == "" {
		ts = r.URL.Query().Get("timeoutSec")
	}
	if v, _ := strconv.Atoi(ts); v > 0 {
		return time.Duration(v) * time.Second
	}
	return defaultDeadline
}
