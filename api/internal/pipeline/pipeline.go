// Package pipeline runs one recognition request end to end: preprocess,
// recognize, normalize and, for invoices, extract repair facts. Temporary
// files created on the way are always removed before Run returns.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"carcare-ocr/api/internal/extract"
	"carcare-ocr/api/internal/ocr"
	"carcare-ocr/api/internal/preprocess"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// Option keys understood by Run.
const (
	OptEngine       = "engine"
	OptLanguageType = "language_type"
)

type State string

const (
	StateReceived      State = "received"
	StatePreprocessing State = "preprocessing"
	StateRecognizing   State = "recognizing"
	StateNormalizing   State = "normalizing"
	StateExtracting    State = "extracting"
	StateDone          State = "done"
	StateFailed        State = "failed"
)

type Config struct {
	MaxFileSize      int64
	AllowedMimeTypes []string
}

// UploadPolicy is what callers validate uploads against before calling Run.
type UploadPolicy struct {
	MaxFileSize      int64      `json:"max_file_size"`
	AllowedMimeTypes []string   `json:"allowed_mime_types"`
	SupportedKinds   []ocr.Kind `json:"supported_types"`
}

type Request struct {
	SourcePath   string
	Kind         ocr.Kind
	Options      map[string]string
	RemoveSource bool // the source is an upload owned by this run
}

// Result carries exactly one of General, Plate, Vin or Invoice, matching Kind.
type Result struct {
	ID           string              `json:"id"`
	Kind         ocr.Kind            `json:"type"`
	Engine       string              `json:"engine"`
	Preprocessed bool                `json:"preprocessed"`
	General      *ocr.GeneralResult  `json:"general,omitempty"`
	Plate        *ocr.PlateResult    `json:"plate,omitempty"`
	Vin          *ocr.VinResult      `json:"vin,omitempty"`
	Invoice      *ocr.InvoiceResult  `json:"invoice,omitempty"`
	RepairInfo   *extract.RepairInfo `json:"repair_info,omitempty"`
	FullText     string              `json:"full_text,omitempty"`
}

type Pipeline struct {
	engines *ocr.Engines
	pre     *preprocess.Preprocessor
	cfg     Config
	log     *slog.Logger
}

func New(engines *ocr.Engines, pre *preprocess.Preprocessor, cfg Config, log *slog.Logger) *Pipeline {
	if log == nil {
		log = slog.Default()
	}
	if pre == nil {
		pre = preprocess.New(0, log)
	}
	return &Pipeline{engines: engines, pre: pre, cfg: cfg, log: log.With("component", "pipeline")}
}

func (p *Pipeline) UploadPolicy() UploadPolicy {
	return UploadPolicy{
		MaxFileSize:      p.cfg.MaxFileSize,
		AllowedMimeTypes: append([]string(nil), p.cfg.AllowedMimeTypes...),
		SupportedKinds:   append([]ocr.Kind(nil), ocr.SupportedKinds...),
	}
}

func (p *Pipeline) Engines() *ocr.Engines { return p.engines }

// run is the per-request state, never shared between requests.
type run struct {
	id    string
	log   *slog.Logger
	state State
	start time.Time
}

func (r *run) enter(s State) {
	r.state = s
	r.log.Debug("state", "state", s)
}

// Run executes one request. On failure the returned Result still identifies the
// run (ID, Kind, Engine) but carries no recognition payload.
func (p *Pipeline) Run(ctx context.Context, req Request) (res Result, err error) {
	r := &run{id: uuid.NewString(), start: time.Now()}
	r.log = p.log.With("run", r.id, "kind", req.Kind)
	r.enter(StateReceived)

	if req.RemoveSource {
		defer func() {
			if rmErr := os.Remove(req.SourcePath); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
				r.log.Warn("remove upload", "path", req.SourcePath, "err", rmErr)
			}
		}()
	}
	defer func() {
		if err != nil {
			err = classify(ctx, err)
			r.enter(StateFailed)
			r.log.Warn("recognition failed", "state", StateFailed, "class", ClassOf(err),
				"took", time.Since(r.start), "err", err)
			return
		}
		r.enter(StateDone)
		r.log.Info("recognition done", "engine", res.Engine, "took", time.Since(r.start))
	}()

	res = Result{ID: r.id, Kind: req.Kind}
	kind, err := ocr.ParseKind(string(req.Kind))
	if err != nil {
		return res, err
	}
	res.Kind = kind
	eng, err := p.engines.GetEngine(req.Options[OptEngine])
	if err != nil {
		return res, invalidInput(err.Error(), err)
	}
	res.Engine = eng.Name()

	r.enter(StatePreprocessing)
	prep := p.pre.Prepare(ctx, req.SourcePath)
	defer func() {
		if relErr := prep.Release(); relErr != nil {
			r.log.Warn("remove derived image", "err", relErr)
		}
	}()

	res.Preprocessed = prep.Derived()
	image, err := os.ReadFile(prep.Path)
	if err != nil {
		return res, invalidInput("cannot read image", err)
	}

	switch kind {
	case ocr.KindGeneral:
		err = p.general(ctx, r, eng, image, req.Options, &res)
	case ocr.KindLicensePlate:
		err = p.plate(ctx, r, eng, image, &res)
	case ocr.KindVIN:
		err = p.vin(ctx, r, eng, image, req.Options, &res)
	case ocr.KindInvoice:
		err = p.invoice(ctx, r, eng, image, &res)
	default:
		err = fmt.Errorf("%w: %q", ocr.ErrUnsupportedKind, kind)
	}
	if err != nil {
		return Result{ID: res.ID, Kind: res.Kind, Engine: res.Engine, Preprocessed: res.Preprocessed}, err
	}
	return res, nil
}

func (p *Pipeline) general(ctx context.Context, r *run, eng ocr.Engine, image []byte, opts map[string]string, res *Result) error {
	opt := ocr.DefaultGeneralOptions()
	if lt := strings.TrimSpace(opts[OptLanguageType]); lt != "" {
		opt.LanguageType = lt
	}
	g, err := recognizeText(ctx, r, eng, image, opt)
	if err != nil {
		return err
	}
	res.General = &g
	return nil
}

func (p *Pipeline) plate(ctx context.Context, r *run, eng ocr.Engine, image []byte, res *Result) error {
	r.enter(StateRecognizing)
	raw, err := eng.LicensePlate(ctx, image)
	if err != nil {
		return ocr.WithOp(err, eng.Name(), "license_plate")
	}
	if err := raw.Status.Err(); err != nil {
		return ocr.WithOp(err, eng.Name(), "license_plate")
	}
	r.enter(StateNormalizing)
	pr := ocr.NormalizePlate(raw)
	res.Plate = &pr
	return nil
}

func (p *Pipeline) vin(ctx context.Context, r *run, eng ocr.Engine, image []byte, opts map[string]string, res *Result) error {
	opt := ocr.VinOptions()
	if lt := strings.TrimSpace(opts[OptLanguageType]); lt != "" {
		opt.LanguageType = lt
	}
	g, err := recognizeText(ctx, r, eng, image, opt)
	if err != nil {
		return err
	}
	v := ocr.NormalizeVin(g)
	res.Vin = &v
	return nil
}

// invoice runs the invoice recognition and a general text pass over the same
// bytes concurrently; the text feeds the repair fact extractor.
func (p *Pipeline) invoice(ctx context.Context, r *run, eng ocr.Engine, image []byte, res *Result) error {
	r.enter(StateRecognizing)
	g, gctx := errgroup.WithContext(ctx)

	var inv ocr.InvoiceResult
	g.Go(func() error {
		var err error
		inv, err = ocr.RecognizeInvoice(gctx, eng, image, r.log)
		return err
	})

	var text ocr.GeneralResult
	g.Go(func() error {
		raw, err := eng.GeneralText(gctx, image, ocr.DefaultGeneralOptions())
		if err != nil {
			return ocr.WithOp(err, eng.Name(), "general_basic")
		}
		if err := raw.Status.Err(); err != nil {
			return ocr.WithOp(err, eng.Name(), "general_basic")
		}
		text = ocr.NormalizeGeneral(raw)
		return nil
	})
	if err := g.Wait(); err != nil {
		return err
	}

	r.enter(StateExtracting)
	info := extract.Extract(text)
	res.Invoice = &inv
	res.RepairInfo = &info
	res.FullText = text.FullText
	return nil
}

func recognizeText(ctx context.Context, r *run, eng ocr.Engine, image []byte, opt ocr.GeneralOptions) (ocr.GeneralResult, error) {
	r.enter(StateRecognizing)
	raw, err := eng.GeneralText(ctx, image, opt)
	if err != nil {
		return ocr.GeneralResult{}, ocr.WithOp(err, eng.Name(), "general_basic")
	}
	if err := raw.Status.Err(); err != nil {
		return ocr.GeneralResult{}, ocr.WithOp(err, eng.Name(), "general_basic")
	}
	r.enter(StateNormalizing)
	return ocr.NormalizeGeneral(raw), nil
}

// Confidence is the recognition confidence of whichever variant is set.
func (r Result) Confidence() float64 {
	switch {
	case r.General != nil:
		return ocr.MeanProbability(r.General.Words)
	case r.Plate != nil:
		return r.Plate.Confidence
	case r.Vin != nil:
		return r.Vin.Confidence
	case r.RepairInfo != nil:
		return r.RepairInfo.Confidence
	}
	return 0
}
