package telegram

import (
	"sync"
	"time"

	"carcare-ocr/api/internal/ocr"
)

const (
	debounce  = 1200 * time.Millisecond
	maxPixels = 18_000_000
)

// chatState keeps the per-chat recognition mode and engine choice.
type chatState struct {
	kinds   sync.Map // chatID -> ocr.Kind
	engines sync.Map // chatID -> engine name
	batches sync.Map // key -> *photoBatch
}

func newChatState() *chatState { return &chatState{} }

func (s *chatState) setKind(chatID int64, k ocr.Kind) { s.kinds.Store(chatID, k) }

// kind defaults to general text.
func (s *chatState) kind(chatID int64) ocr.Kind {
	if v, ok := s.kinds.Load(chatID); ok {
		if k, _ := v.(ocr.Kind); k != "" {
			return k
		}
	}
	return ocr.KindGeneral
}

func (s *chatState) setEngine(chatID int64, name string) { s.engines.Store(chatID, name) }

func (s *chatState) engine(chatID int64, def string) string {
	if v, ok := s.engines.Load(chatID); ok {
		if n, _ := v.(string); n != "" {
			return n
		}
	}
	return def
}

// photoBatch collects the pages of one album before they are glued together.
type photoBatch struct {
	ChatID       int64
	Key          string // "grp:<mediaGroupID>" | "chat:<chatID>"
	MediaGroupID string

	mu     sync.Mutex
	images [][]byte
	timer  *time.Timer
}
