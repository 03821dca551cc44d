package baidu

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"carcare-ocr/api/internal/ocr"
)

const (
	DefaultBaseURL = "https://aip.baidubce.com"
	DefaultTimeout = 10 * time.Second

	pathGeneralBasic = "/rest/2.0/ocr/v1/general_basic"
	pathLicensePlate = "/rest/2.0/ocr/v1/license_plate"
	pathVATInvoice   = "/rest/2.0/ocr/v1/vat_invoice"
	pathReceipt      = "/rest/2.0/ocr/v1/receipt"
)

type Config struct {
	AppID     string
	APIKey    string
	SecretKey string
	Timeout   time.Duration
	BaseURL   string
}

type Engine struct {
	baseURL string
	timeout time.Duration
	tokens  *TokenClient
	httpc   *http.Client
	log     *slog.Logger
}

func New(cfg Config, log *slog.Logger) *Engine {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if log == nil {
		log = slog.Default()
	}
	httpc := &http.Client{Timeout: cfg.Timeout}
	base := strings.TrimRight(cfg.BaseURL, "/")
	return &Engine{
		baseURL: base,
		timeout: cfg.Timeout,
		tokens:  NewTokenClient(base, cfg.APIKey, cfg.SecretKey, httpc),
		httpc:   httpc,
		log:     log.With("engine", "baidu", "app_id", cfg.AppID),
	}
}

// WithHTTPClient overrides the internal HTTP client (e.g., for tests or tracing).
func (e *Engine) WithHTTPClient(c *http.Client) *Engine {
	if c != nil {
		e.httpc = c
		e.tokens.httpc = c
	}
	return e
}

func (e *Engine) Name() string { return "baidu" }

func (e *Engine) GeneralText(ctx context.Context, image []byte, opt ocr.GeneralOptions) (ocr.RawGeneral, error) {
	params := url.Values{}
	if opt.LanguageType != "" {
		params.Set("language_type", opt.LanguageType)
	}
	params.Set("detect_direction", strconv.FormatBool(opt.DetectDirection))
	params.Set("detect_language", strconv.FormatBool(opt.DetectLanguage))
	params.Set("probability", strconv.FormatBool(opt.Probability))

	var out ocr.RawGeneral
	err := e.call(ctx, "general_basic", pathGeneralBasic, image, params, &out)
	return out, err
}

func (e *Engine) LicensePlate(ctx context.Context, image []byte) (ocr.RawPlate, error) {
	var out ocr.RawPlate
	err := e.call(ctx, "license_plate", pathLicensePlate, image, nil, &out)
	return out, err
}

func (e *Engine) VATInvoice(ctx context.Context, image []byte) (ocr.RawInvoice, error) {
	var out ocr.RawInvoice
	err := e.call(ctx, "vat_invoice", pathVATInvoice, image, nil, &out)
	return out, err
}

func (e *Engine) Receipt(ctx context.Context, image []byte) (ocr.RawInvoice, error) {
	var out ocr.RawInvoice
	err := e.call(ctx, "receipt", pathReceipt, image, url.Values{"probability": {"true"}}, &out)
	return out, err
}

// call posts the image to path and decodes the payload into out. Transport
// failures come back as *ocr.EngineError; a provider error code stays on the
// decoded payload, except an expired token, which is refreshed once.
func (e *Engine) call(ctx context.Context, op, path string, image []byte, params url.Values, out any) error {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	form := url.Values{}
	for k, v := range params {
		form[k] = v
	}
	form.Set("image", base64.StdEncoding.EncodeToString(image))
	payload := form.Encode()

	body, err := e.post(ctx, path, payload)
	if err != nil {
		return ocr.WithOp(err, e.Name(), op)
	}

	var st ocr.Status
	_ = json.Unmarshal(body, &st)
	if ocr.IsTokenExpired(st.ErrorCode) {
		// single retry with a fresh token
		e.log.Info("access token rejected, refreshing", "op", op, "code", st.ErrorCode)
		e.tokens.Invalidate()
		if body, err = e.post(ctx, path, payload); err != nil {
			return ocr.WithOp(err, e.Name(), op)
		}
	}

	if err := json.Unmarshal(body, out); err != nil {
		return ocr.WithOp(&ocr.EngineError{
			Code:    ocr.CodeUnknown,
			Message: "bad JSON: " + err.Error(),
			Err:     err,
		}, e.Name(), op)
	}
	return nil
}

func (e *Engine) post(ctx context.Context, path, payload string) ([]byte, error) {
	token, err := e.tokens.Token(ctx)
	if err != nil {
		return nil, err
	}

	u := e.baseURL + path + "?access_token=" + url.QueryEscape(token)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, strings.NewReader(payload))
	if err != nil {
		return nil, ocr.TransportError(err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := e.httpc.Do(req)
	if err != nil {
		return nil, ocr.TransportError(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, ocr.TransportError(err)
	}
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, &ocr.EngineError{
			Code:    ocr.CodeUnauthorized,
			Message: fmt.Sprintf("%d: %s", resp.StatusCode, truncate(body, 300)),
		}
	case resp.StatusCode != http.StatusOK:
		return nil, &ocr.EngineError{
			Code:    ocr.CodeRemoteRejected,
			Message: fmt.Sprintf("%d: %s", resp.StatusCode, truncate(body, 300)),
		}
	}
	return body, nil
}
