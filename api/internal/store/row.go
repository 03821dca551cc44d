package store

import (
	"context"
	"encoding/json"
	"time"

	"carcare-ocr/api/internal/ocr"
	"carcare-ocr/api/internal/pipeline"

	"github.com/google/uuid"
)

// Sources of a recognition request.
const (
	SourceHTTP     = "http"
	SourceTelegram = "telegram"
)

// RecordTimeout bounds a single log insert.
const RecordTimeout = 3 * time.Second

// Inserter is the write side of RecognitionRepo.
type Inserter interface {
	Insert(ctx context.Context, row RecognitionRow) error
}

// Record inserts row on a context of its own, so runs that timed out or were
// cancelled are still logged.
func Record(rec Inserter, row RecognitionRow) error {
	ctx, cancel := context.WithTimeout(context.Background(), RecordTimeout)
	defer cancel()
	return rec.Insert(ctx, row)
}

// NewRow builds the log entry for a finished run. runErr is the error Run
// returned, nil on success.
func NewRow(source string, chatID int64, imageHash string, kind ocr.Kind, res pipeline.Result, runErr error) RecognitionRow {
	row := RecognitionRow{
		RunID:     res.ID,
		Source:    source,
		ChatID:    chatID,
		Kind:      string(kind),
		Engine:    res.Engine,
		ImageHash: imageHash,
		Success:   runErr == nil,
	}
	if row.RunID == "" {
		row.RunID = uuid.NewString()
	}
	if runErr != nil {
		row.ErrorClass = string(pipeline.ClassOf(runErr))
		return row
	}
	row.Confidence = res.Confidence()
	if js, err := json.Marshal(res); err == nil {
		row.Result = js
	}
	return row
}
