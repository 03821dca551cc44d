package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"carcare-ocr/api/internal/app"
	"carcare-ocr/api/internal/config"
	"carcare-ocr/api/internal/handle"
	"carcare-ocr/api/internal/httpserver"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}
	logger := app.NewLogger(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		log.Fatal(err)
	}
	defer a.Close()

	var rec handle.Recorder
	if a.Repo != nil {
		rec = a.Repo
	}
	h := handle.New(a.Pipeline, a.Uploads, rec, logger)

	mux := http.NewServeMux()
	h.Routes(mux)

	if err := httpserver.Run(ctx, ":"+cfg.Port, mux, logger); err != nil {
		log.Fatal(err)
	}
}
