package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"carcare-ocr/api/internal/ocr"
	"carcare-ocr/api/internal/pipeline"
	"carcare-ocr/api/internal/storage"
	"carcare-ocr/api/internal/store"
)

// Recorder persists a log entry per run. Optional.
type Recorder interface {
	Insert(ctx context.Context, row store.RecognitionRow) error
}

// Sender is the part of the bot API the router talks to.
type Sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
	GetFileDirectURL(fileID string) (string, error)
}

type Router struct {
	Bot      Sender
	Pipeline *pipeline.Pipeline
	Uploads  *storage.Uploads
	Repo     Recorder
	Log      *slog.Logger

	// per-run deadline, 0 means one minute
	Timeout time.Duration

	state *chatState
}

func NewRouter(bot Sender, pipe *pipeline.Pipeline, uploads *storage.Uploads, repo Recorder, log *slog.Logger) *Router {
	if log == nil {
		log = slog.Default()
	}
	return &Router{
		Bot:      bot,
		Pipeline: pipe,
		Uploads:  uploads,
		Repo:     repo,
		Log:      log.With("component", "telegram"),
		state:    newChatState(),
	}
}

func (r *Router) chats() *chatState { return r.state }

func (r *Router) HandleUpdate(upd tgbotapi.Update) {
	if upd.CallbackQuery != nil {
		r.handleCallback(*upd.CallbackQuery)
		return
	}
	if upd.Message == nil {
		return
	}
	msg := upd.Message
	switch {
	case msg.IsCommand():
		r.HandleCommand(msg)
	case len(msg.Photo) > 0:
		r.acceptPhoto(*msg)
	case msg.Document != nil && strings.HasPrefix(msg.Document.MimeType, "image/"):
		r.acceptDocument(*msg)
	case msg.Text != "":
		r.send(msg.Chat.ID, "Send a photo. "+r.modeLine(msg.Chat.ID))
	}
}

func (r *Router) HandleCommand(msg *tgbotapi.Message) {
	cid := msg.Chat.ID
	switch cmd := msg.Command(); cmd {
	case "start", "help":
		r.sendWithKeyboard(cid, helpText+"\n\n"+r.modeLine(cid), modeKeyboard())
	case "health":
		r.send(cid, "✅ OK")
	case "general", "plate", "vin", "invoice":
		kind := commandKinds[cmd]
		r.chats().setKind(cid, kind)
		r.send(cid, "✅ Mode: "+kindTitle(kind)+". Send a photo.")
	case "engine":
		r.handleEngineCommand(cid, msg.CommandArguments())
	case "config":
		r.send(cid, formatPolicy(r.Pipeline.UploadPolicy()))
	default:
		r.send(cid, "Unknown command. /help lists what I can do.")
	}
}

// handleEngineCommand switches the chat's engine: /engine baidu | /engine gemini.
func (r *Router) handleEngineCommand(chatID int64, args string) {
	engs := r.Pipeline.Engines()
	name := strings.ToLower(strings.TrimSpace(args))
	if name == "" {
		r.send(chatID, fmt.Sprintf("Current engine: %s\nUsage: /engine {%s}",
			r.chats().engine(chatID, engs.Default()), strings.Join(engs.Names(), "|")))
		return
	}
	if _, err := engs.GetEngine(name); err != nil {
		r.send(chatID, "❌ "+err.Error())
		return
	}
	r.chats().setEngine(chatID, name)
	r.send(chatID, "✅ Engine: "+name)
}

func (r *Router) handleCallback(cb tgbotapi.CallbackQuery) {
	_, _ = r.Bot.Request(tgbotapi.NewCallback(cb.ID, "")) // ack
	if cb.Message == nil {
		return
	}
	cid := cb.Message.Chat.ID
	kind, err := ocr.ParseKind(strings.TrimPrefix(cb.Data, modeCallbackPrefix))
	if !strings.HasPrefix(cb.Data, modeCallbackPrefix) || err != nil {
		return
	}
	r.chats().setKind(cid, kind)
	edit := tgbotapi.NewEditMessageReplyMarkup(cid, cb.Message.MessageID, tgbotapi.InlineKeyboardMarkup{})
	_, _ = r.Bot.Send(edit)
	r.send(cid, "✅ Mode: "+kindTitle(kind)+". Send a photo.")
}

func (r *Router) modeLine(chatID int64) string {
	return "Current mode: " + kindTitle(r.chats().kind(chatID)) +
		", engine: " + r.chats().engine(chatID, r.Pipeline.Engines().Default())
}

func (r *Router) send(chatID int64, text string) {
	msg := tgbotapi.NewMessage(chatID, text)
	_, _ = r.Bot.Send(msg)
}

func (r *Router) sendWithKeyboard(chatID int64, text string, kb tgbotapi.InlineKeyboardMarkup) {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ReplyMarkup = kb
	_, _ = r.Bot.Send(msg)
}

func (r *Router) SendResult(chatID int64, text string) {
	if len([]rune(text)) > 3900 {
		text = string([]rune(text)[:3900]) + "…"
	}
	r.send(chatID, text)
}

func (r *Router) SendError(chatID int64, err error) {
	r.send(chatID, "❌ "+describeError(err))
}
