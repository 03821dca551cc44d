package gemini

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"carcare-ocr/api/internal/ocr"
	"carcare-ocr/api/internal/util"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	DefaultModel   = "gemini-2.0-flash"
	DefaultTimeout = 30 * time.Second

	// reported in the payload when nothing of the requested kind is on the image
	codeNotRecognized = 216630
)

// Engine answers the same four calls as the Baidu gateway by asking a Gemini
// model to transcribe the image into the provider's JSON shapes.
type Engine struct {
	APIKey  string
	Model   string
	timeout time.Duration
	log     *slog.Logger
}

func New(apiKey, model string, timeout time.Duration, log *slog.Logger) *Engine {
	if strings.TrimSpace(model) == "" {
		model = DefaultModel
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if log == nil {
		log = slog.Default()
	}
	return &Engine{
		APIKey:  strings.TrimSpace(apiKey),
		Model:   strings.TrimSpace(model),
		timeout: timeout,
		log:     log.With("engine", "gemini"),
	}
}

func (e *Engine) Name() string     { return "gemini" }
func (e *Engine) GetModel() string { return e.Model }

func (e *Engine) GeneralText(ctx context.Context, image []byte, opt ocr.GeneralOptions) (ocr.RawGeneral, error) {
	var out ocr.RawGeneral
	err := e.generate(ctx, "general_basic", generalPrompt(opt), image, &out)
	return out, err
}

func (e *Engine) LicensePlate(ctx context.Context, image []byte) (ocr.RawPlate, error) {
	var out ocr.RawPlate
	err := e.generate(ctx, "license_plate", platePrompt, image, &out)
	return out, err
}

func (e *Engine) VATInvoice(ctx context.Context, image []byte) (ocr.RawInvoice, error) {
	var out ocr.RawInvoice
	err := e.generate(ctx, "vat_invoice", vatInvoicePrompt, image, &out)
	return out, err
}

func (e *Engine) Receipt(ctx context.Context, image []byte) (ocr.RawInvoice, error) {
	var out ocr.RawInvoice
	err := e.generate(ctx, "receipt", receiptPrompt, image, &out)
	return out, err
}

func (e *Engine) generate(ctx context.Context, op, instruction string, image []byte, out any) error {
	if e.APIKey == "" {
		return ocr.WithOp(&ocr.EngineError{Code: ocr.CodeUnauthorized, Message: "GEMINI_API_KEY is empty"}, e.Name(), op)
	}
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	cl, err := genai.NewClient(ctx, option.WithAPIKey(e.APIKey))
	if err != nil {
		return ocr.WithOp(classify(err), e.Name(), op)
	}
	defer cl.Close()

	m := cl.GenerativeModel(e.Model)
	if m == nil {
		return ocr.WithOp(&ocr.EngineError{Code: ocr.CodeUnknown, Message: "model is nil"}, e.Name(), op)
	}
	m.GenerationConfig = genai.GenerationConfig{
		Temperature:      ptrFloat32(0),
		ResponseMIMEType: "application/json",
	}
	m.SystemInstruction = &genai.Content{
		Parts: []genai.Part{genai.Text(instruction)},
	}

	format := util.ImageFormat(util.SniffMimeHTTP(image))
	start := time.Now()
	resp, err := m.GenerateContent(ctx,
		genai.Text("Return strict JSON only. No comments."),
		genai.ImageData(format, image),
	)
	if err != nil {
		return ocr.WithOp(classify(err), e.Name(), op)
	}
	e.log.Debug("gemini call done", "op", op, "model", e.Model, "took", time.Since(start))

	if err := decode(firstText(resp), out); err != nil {
		return ocr.WithOp(err, e.Name(), op)
	}
	return nil
}

// decode strips markdown fences from the model answer and unmarshals it into out.
func decode(txt string, out any) error {
	txt = util.StripCodeFences(strings.TrimSpace(txt))
	if txt == "" {
		return &ocr.EngineError{Code: ocr.CodeRemoteRejected, Message: "empty response"}
	}
	if err := json.Unmarshal([]byte(txt), out); err != nil {
		return &ocr.EngineError{Code: ocr.CodeUnknown, Message: "bad JSON: " + err.Error(), Err: err}
	}
	return nil
}

func classify(err error) error {
	var ee *ocr.EngineError
	if errors.As(err, &ee) {
		return ee
	}
	switch status.Code(err) {
	case codes.Unauthenticated, codes.PermissionDenied:
		return &ocr.EngineError{Code: ocr.CodeUnauthorized, Message: err.Error(), Err: err}
	case codes.DeadlineExceeded:
		return &ocr.EngineError{Code: ocr.CodeTimeout, Message: err.Error(), Err: err}
	case codes.InvalidArgument, codes.ResourceExhausted, codes.FailedPrecondition, codes.NotFound:
		return &ocr.EngineError{Code: ocr.CodeRemoteRejected, Message: err.Error(), Err: err}
	}
	return ocr.TransportError(err)
}

func firstText(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 {
		return ""
	}
	for _, c := range resp.Candidates {
		if c.Content == nil {
			continue
		}
		for _, p := range c.Content.Parts {
			if t, ok := p.(genai.Text); ok {
				return string(t)
			}
		}
	}
	return ""
}

func ptrFloat32(v float32) *float32 { return &v }

func generalPrompt(opt ocr.GeneralOptions) string {
	lang := opt.LanguageType
	if lang == "" {
		lang = "CHN_ENG"
	}
	var b strings.Builder
	b.WriteString("You are an OCR engine. Transcribe every line of text on the image verbatim, top to bottom, left to right.\n")
	fmt.Fprintf(&b, "Expected languages: %s (CHN_ENG is mixed Chinese and English, ENG is latin only).\n", lang)
	b.WriteString("Return JSON:\n")
	b.WriteString(`{"words_result":[{"words":string,"probability":number 0..1}]`)
	if opt.DetectDirection {
		b.WriteString(`,"direction":0|1|2|3`)
	}
	if opt.DetectLanguage {
		b.WriteString(`,"language":string`)
	}
	b.WriteString("}\n")
	b.WriteString("direction is the clockwise rotation in quarter turns. Do not fix spelling. An image without text gives an empty words_result.")
	return b.String()
}

var platePrompt = fmt.Sprintf(`You are a licence plate reader for Chinese vehicle plates.
Find the single most prominent plate on the image and return JSON:
{"words_result":{"number":string,"color":"blue"|"yellow"|"green"|"white"|"black","probability":number 0..1}}
number keeps the province character and has no spaces or dots.
If there is no readable plate return {"error_code":%d,"error_msg":"recognize error"}.`, codeNotRecognized)

var vatInvoicePrompt = fmt.Sprintf(`You read Chinese VAT invoices (增值税发票).
Return JSON {"words_result":{...}} where words_result holds these keys as strings:
InvoiceType, InvoiceCode, InvoiceNum, InvoiceDate, TotalAmount, AmountInWords, SellerName, PurchaserName.
CommodityName, CommodityAmount and CommodityPrice are arrays of {"row":string,"word":string}, one entry per goods line.
Missing fields are empty strings. Copy values exactly as printed.
If the image is not a VAT invoice return {"error_code":%d,"error_msg":"recognize error"}.`, codeNotRecognized)

const receiptPrompt = `You read shop and service receipts.
Return JSON {"words_result":[{"words":string,"probability":number 0..1}]} with one entry per printed line, top to bottom.
Copy every line verbatim, amounts included.`
