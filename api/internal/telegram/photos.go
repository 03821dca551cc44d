package telegram

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"io"
	"math"
	"net/http"
	"time"

	"github.com/disintegration/imaging"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"carcare-ocr/api/internal/pipeline"
	"carcare-ocr/api/internal/store"
)

func (r *Router) acceptPhoto(msg tgbotapi.Message) {
	ph := msg.Photo[len(msg.Photo)-1] // largest size
	r.acceptFile(msg, ph.FileID)
}

func (r *Router) acceptDocument(msg tgbotapi.Message) {
	r.acceptFile(msg, msg.Document.FileID)
}

func (r *Router) acceptFile(msg tgbotapi.Message, fileID string) {
	cid := msg.Chat.ID
	url, err := r.Bot.GetFileDirectURL(fileID)
	if err != nil {
		r.SendError(cid, err)
		return
	}
	imgBytes, err := download(url)
	if err != nil {
		r.SendError(cid, err)
		return
	}

	key := fmt.Sprintf("chat:%d", cid)
	if msg.MediaGroupID != "" {
		key = "grp:" + msg.MediaGroupID
	}

	if r.enqueue(key, cid, msg.MediaGroupID, imgBytes) {
		r.send(cid, "Photo received, recognizing ("+kindTitle(r.chats().kind(cid))+")…")
	}
}

// enqueue adds img to the pending batch under key and restarts its debounce
// timer. It reports whether img is the first page of the batch.
func (r *Router) enqueue(key string, chatID int64, groupID string, img []byte) bool {
	for {
		bi, _ := r.chats().batches.LoadOrStore(key, &photoBatch{
			ChatID: chatID, Key: key, MediaGroupID: groupID, images: make([][]byte, 0, 4),
		})
		if first, ok := r.appendTo(bi.(*photoBatch), img); ok {
			return first
		}
	}
}

// appendTo adds img to b unless processBatch already took b out of the map.
func (r *Router) appendTo(b *photoBatch, img []byte) (first, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if cur, loaded := r.chats().batches.Load(b.Key); !loaded || cur != b {
		return false, false
	}
	b.images = append(b.images, img)
	if b.timer != nil {
		b.timer.Stop()
	}
	key := b.Key
	b.timer = time.AfterFunc(debounce, func() { r.processBatch(key) })
	return len(b.images) == 1, true
}

func (r *Router) processBatch(key string) {
	bi, ok := r.chats().batches.Load(key)
	if !ok {
		return
	}
	b := bi.(*photoBatch)

	b.mu.Lock()
	images := append([][]byte(nil), b.images...)
	chatID := b.ChatID
	r.chats().batches.Delete(key)
	b.mu.Unlock()

	if len(images) == 0 {
		return
	}
	merged := images[0]
	if len(images) > 1 {
		var err error
		if merged, err = combineAsOne(images); err != nil {
			r.SendError(chatID, fmt.Errorf("merge pages: %w", err))
			return
		}
	}
	r.recognize(context.Background(), chatID, merged)
}

// recognize stores the image as an upload owned by the run and replies with
// the formatted result.
func (r *Router) recognize(ctx context.Context, chatID int64, img []byte) {
	saved, err := r.Uploads.SaveBytes(img, "", "")
	if err != nil {
		r.SendError(chatID, err)
		return
	}
	timeout := r.Timeout
	if timeout <= 0 {
		timeout = time.Minute
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	kind := r.chats().kind(chatID)
	res, err := r.Pipeline.Run(ctx, pipeline.Request{
		SourcePath:   saved.Path,
		Kind:         kind,
		Options:      map[string]string{pipeline.OptEngine: r.chats().engine(chatID, "")},
		RemoveSource: true,
	})
	if r.Repo != nil {
		row := store.NewRow(store.SourceTelegram, chatID, saved.SHA256, kind, res, err)
		if insErr := store.Record(r.Repo, row); insErr != nil {
			r.Log.Warn("recognition log insert failed", "chat", chatID, "err", insErr)
		}
	}
	if err != nil {
		r.SendError(chatID, err)
		return
	}
	r.SendResult(chatID, formatResult(res))
}

// combineAsOne stacks album pages vertically on a white canvas.
func combineAsOne(images [][]byte) ([]byte, error) {
	decoded := make([]image.Image, 0, len(images))
	maxW, sumH := 0, 0
	for _, b := range images {
		img, err := imaging.Decode(bytes.NewReader(b), imaging.AutoOrientation(true))
		if err != nil {
			return nil, err
		}
		decoded = append(decoded, img)
		bounds := img.Bounds()
		if bounds.Dx() > maxW {
			maxW = bounds.Dx()
		}
		sumH += bounds.Dy()
	}
	if maxW == 0 || sumH == 0 {
		return nil, errors.New("empty images")
	}

	dst := image.NewNRGBA(image.Rect(0, 0, maxW, sumH))
	draw.Draw(dst, dst.Bounds(), &image.Uniform{C: color.White}, image.Point{}, draw.Src)

	y := 0
	for _, img := range decoded {
		w, h := img.Bounds().Dx(), img.Bounds().Dy()
		x := (maxW - w) / 2
		draw.Draw(dst, image.Rect(x, y, x+w, y+h), img, img.Bounds().Min, draw.Over)
		y += h
	}

	final := image.Image(dst)
	if totalPx := maxW * sumH; totalPx > maxPixels {
		scale := math.Sqrt(float64(maxPixels) / float64(totalPx))
		newW := max(1, int(float64(maxW)*scale+0.5))
		newH := max(1, int(float64(sumH)*scale+0.5))
		final = imaging.Resize(dst, newW, newH, imaging.Box)
	}

	var out bytes.Buffer
	if err := imaging.Encode(&out, final, imaging.JPEG, imaging.JPEGQuality(90)); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}

func download(url string) ([]byte, error) {
	resp, err := httpClient().Get(url)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("download status %d: %s", resp.StatusCode, string(b))
	}
	return io.ReadAll(resp.Body)
}

func httpClient() *http.Client {
	return &http.Client{Timeout: 60 * time.Second}
}
