package telegram

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"carcare-ocr/api/internal/ocr"
	"carcare-ocr/api/internal/pipeline"
	"carcare-ocr/api/internal/preprocess"
	"carcare-ocr/api/internal/storage"
	"carcare-ocr/api/internal/store"
)

type fakeSender struct {
	mu   sync.Mutex
	sent []string
}

func (f *fakeSender) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	if m, ok := c.(tgbotapi.MessageConfig); ok {
		f.mu.Lock()
		f.sent = append(f.sent, m.Text)
		f.mu.Unlock()
	}
	return tgbotapi.Message{}, nil
}

func (f *fakeSender) Request(tgbotapi.Chattable) (*tgbotapi.APIResponse, error) {
	return &tgbotapi.APIResponse{Ok: true}, nil
}

func (f *fakeSender) GetFileDirectURL(string) (string, error) { return "", nil }

func (f *fakeSender) last() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sent) == 0 {
		return ""
	}
	return f.sent[len(f.sent)-1]
}

type plateEngine struct{ name string }

func (e plateEngine) Name() string { return e.name }
func (plateEngine) GeneralText(context.Context, []byte, ocr.GeneralOptions) (ocr.RawGeneral, error) {
	return ocr.RawGeneral{WordsResult: []ocr.RawWord{{Words: "保养", Probability: 1}}}, nil
}
func (plateEngine) LicensePlate(context.Context, []byte) (ocr.RawPlate, error) {
	return ocr.RawPlate{WordsResult: &ocr.RawPlateWords{Number: "沪B77777", Color: "green", Probability: 0.8}}, nil
}
func (plateEngine) VATInvoice(context.Context, []byte) (ocr.RawInvoice, error) {
	return ocr.RawInvoice{}, nil
}
func (plateEngine) Receipt(context.Context, []byte) (ocr.RawInvoice, error) {
	return ocr.RawInvoice{}, nil
}

// slowPlate holds the plate call until the run's context is done.
type slowPlate struct{ plateEngine }

func (slowPlate) LicensePlate(ctx context.Context, _ []byte) (ocr.RawPlate, error) {
	<-ctx.Done()
	return ocr.RawPlate{}, ocr.TransportError(ctx.Err())
}

// ctxRecorder fails on a done context the way database/sql does.
type ctxRecorder struct {
	mu   sync.Mutex
	rows []store.RecognitionRow
}

func (c *ctxRecorder) Insert(ctx context.Context, row store.RecognitionRow) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	c.rows = append(c.rows, row)
	c.mu.Unlock()
	return nil
}

func pngPage(t *testing.T) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, 30, 10))
	img.SetNRGBA(3, 3, color.NRGBA{G: 255, A: 255})
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func newRouter(t *testing.T) (*Router, *fakeSender, string) {
	t.Helper()
	engines, err := ocr.NewEngines("baidu", plateEngine{"baidu"}, plateEngine{"gemini"})
	if err != nil {
		t.Fatal(err)
	}
	pipe := pipeline.New(engines, preprocess.New(1, nil), pipeline.Config{MaxFileSize: 1 << 20}, nil)
	dir := t.TempDir()
	uploads, err := storage.NewUploads(dir, 1<<20, []string{"image/png", "image/jpeg"})
	if err != nil {
		t.Fatal(err)
	}
	bot := &fakeSender{}
	return NewRouter(bot, pipe, uploads, nil, nil), bot, dir
}

func command(chatID int64, text string) tgbotapi.Update {
	cmd := strings.Fields(text)[0]
	return tgbotapi.Update{Message: &tgbotapi.Message{
		Chat:     &tgbotapi.Chat{ID: chatID},
		Text:     text,
		Entities: []tgbotapi.MessageEntity{{Type: "bot_command", Offset: 0, Length: len(cmd)}},
	}}
}

func TestModeAndEngineCommands(t *testing.T) {
	r, bot, _ := newRouter(t)

	r.HandleUpdate(command(7, "/plate"))
	if r.chats().kind(7) != ocr.KindLicensePlate {
		t.Fatalf("kind = %q", r.chats().kind(7))
	}

	r.HandleUpdate(command(7, "/engine gemini"))
	if got := r.chats().engine(7, ""); got != "gemini" {
		t.Fatalf("engine = %q", got)
	}

	r.HandleUpdate(command(7, "/engine tesseract"))
	if !strings.HasPrefix(bot.last(), "❌") {
		t.Fatalf("expected a rejection, got %q", bot.last())
	}
}

func TestRecognizeRepliesAndCleansUp(t *testing.T) {
	r, bot, dir := newRouter(t)
	r.chats().setKind(9, ocr.KindLicensePlate)

	r.recognize(context.Background(), 9, pngPage(t))
	if !strings.Contains(bot.last(), "沪B77777") {
		t.Fatalf("reply = %q", bot.last())
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Fatalf("upload dir not empty: %v", entries)
	}
}

func TestCombineAsOne(t *testing.T) {
	page := func(w, h int) []byte {
		var buf bytes.Buffer
		if err := png.Encode(&buf, image.NewNRGBA(image.Rect(0, 0, w, h))); err != nil {
			t.Fatal(err)
		}
		return buf.Bytes()
	}
	out, err := combineAsOne([][]byte{page(40, 10), page(20, 30)})
	if err != nil {
		t.Fatalf("combineAsOne: %v", err)
	}
	cfg, format, err := image.DecodeConfig(bytes.NewReader(out))
	if err != nil {
		t.Fatal(err)
	}
	if format != "jpeg" || cfg.Width != 40 || cfg.Height != 40 {
		t.Fatalf("got %s %dx%d, want jpeg 40x40", format, cfg.Width, cfg.Height)
	}
}

func TestRecognizeLogsTimedOutRun(t *testing.T) {
	engines, err := ocr.NewEngines("baidu", slowPlate{plateEngine{"baidu"}})
	if err != nil {
		t.Fatal(err)
	}
	pipe := pipeline.New(engines, preprocess.New(1, nil), pipeline.Config{MaxFileSize: 1 << 20}, nil)
	uploads, err := storage.NewUploads(t.TempDir(), 1<<20, []string{"image/png"})
	if err != nil {
		t.Fatal(err)
	}
	rec := &ctxRecorder{}
	r := NewRouter(&fakeSender{}, pipe, uploads, rec, nil)
	r.Timeout = 50 * time.Millisecond
	r.chats().setKind(3, ocr.KindLicensePlate)

	r.recognize(context.Background(), 3, pngPage(t))

	if len(rec.rows) != 1 {
		t.Fatalf("rows logged = %d, want 1", len(rec.rows))
	}
	if row := rec.rows[0]; row.Success || row.ErrorClass != string(pipeline.ClassTimeout) || row.Engine != "baidu" {
		t.Fatalf("unexpected row: %+v", row)
	}
}

func TestEnqueueReplacesProcessedBatch(t *testing.T) {
	r, _, _ := newRouter(t)
	const key = "chat:5"

	stale := &photoBatch{ChatID: 5, Key: key}
	r.chats().batches.Store(key, stale)
	r.chats().batches.Delete(key) // taken by processBatch
	if _, ok := r.appendTo(stale, []byte("a")); ok {
		t.Fatal("a processed batch must not accept pages")
	}

	if !r.enqueue(key, 5, "", []byte("b")) {
		t.Fatal("expected the first page of a fresh batch")
	}
	if r.enqueue(key, 5, "", []byte("c")) {
		t.Fatal("second page reported as first")
	}

	bi, ok := r.chats().batches.Load(key)
	if !ok {
		t.Fatal("batch missing")
	}
	b := bi.(*photoBatch)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.timer.Stop()
	if b == stale || len(b.images) != 2 || len(stale.images) != 0 {
		t.Fatalf("fresh=%d stale=%d", len(b.images), len(stale.images))
	}
}
