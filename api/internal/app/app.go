// Package app wires configuration into the engines, pipeline, storage and
// recognition log shared by the binaries.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"carcare-ocr/api/internal/config"
	"carcare-ocr/api/internal/ocr"
	"carcare-ocr/api/internal/ocr/baidu"
	"carcare-ocr/api/internal/ocr/gemini"
	"carcare-ocr/api/internal/pipeline"
	"carcare-ocr/api/internal/preprocess"
	"carcare-ocr/api/internal/storage"
	"carcare-ocr/api/internal/store"
)

type App struct {
	Config   *config.Config
	Pipeline *pipeline.Pipeline
	Uploads  *storage.Uploads
	Repo     *store.RecognitionRepo // nil when no database is configured
	DB       *sql.DB
	Log      *slog.Logger
}

// NewLogger builds the process logger from the configured level.
func NewLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.TrimSpace(level))); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

// Engines builds every engine that has credentials; the configured provider
// becomes the default.
func Engines(cfg *config.Config, log *slog.Logger) (*ocr.Engines, error) {
	var list []ocr.Engine
	if cfg.BaiduConfigured() {
		list = append(list, baidu.New(baidu.Config{
			AppID:     cfg.Baidu.AppID,
			APIKey:    cfg.Baidu.APIKey,
			SecretKey: cfg.Baidu.SecretKey,
			Timeout:   cfg.OCR.Timeout,
			BaseURL:   cfg.Baidu.BaseURL,
		}, log))
	}
	if cfg.GeminiConfigured() {
		list = append(list, gemini.New(cfg.Gemini.APIKey, cfg.Gemini.Model, cfg.OCR.Timeout, log))
	}
	return ocr.NewEngines(cfg.OCR.Provider, list...)
}

func New(ctx context.Context, cfg *config.Config, log *slog.Logger) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	engines, err := Engines(cfg, log)
	if err != nil {
		return nil, err
	}
	uploads, err := storage.NewUploads(cfg.Upload.Dir, cfg.Upload.MaxFileSize, cfg.Upload.AllowedMimeTypes)
	if err != nil {
		return nil, err
	}
	pipe := pipeline.New(engines, preprocess.New(cfg.OCR.Workers, log), pipeline.Config{
		MaxFileSize:      cfg.Upload.MaxFileSize,
		AllowedMimeTypes: cfg.Upload.AllowedMimeTypes,
	}, log)

	a := &App{Config: cfg, Pipeline: pipe, Uploads: uploads, Log: log}
	if dsn := strings.TrimSpace(cfg.Database.DSN); dsn != "" {
		db, err := store.Open(ctx, cfg.Database.Driver, dsn)
		if err != nil {
			return nil, err
		}
		repo := store.NewRecognitionRepo(db, cfg.Database.Driver)
		if err := repo.EnsureSchema(ctx); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("ensure schema: %w", err)
		}
		a.DB, a.Repo = db, repo
		log.Info("recognition log enabled", "driver", cfg.Database.Driver)
	}
	log.Info("engines ready", "default", engines.Default(), "available", engines.Names())
	return a, nil
}

func (a *App) Close() error {
	if a.DB != nil {
		return a.DB.Close()
	}
	return nil
}
