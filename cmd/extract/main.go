// Command extract runs one receipt through the pipeline and prints the record as JSON.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/joseph-ayodele/receipts-extractor/constants"
	"github.com/joseph-ayodele/receipts-extractor/internal/app"
	"github.com/joseph-ayodele/receipts-extractor/internal/common"
	"github.com/joseph-ayodele/receipts-extractor/internal/ingest"
	"github.com/joseph-ayodele/receipts-extractor/internal/pipeline"
)

func main() {
	var (
		forceOCR = flag.Bool("force-ocr", false, "skip the vision model")
		model    = flag.String("model", "", "model override, e.g. qwen/qwen2-vl-7b-instruct")
		useDB    = flag.Bool("db", false, "persist to DB_URL instead of a throwaway in-memory database")
		trace    = flag.Bool("trace", false, "log every state transition")
		timeout  = flag.Duration("timeout", 2*time.Minute, "overall deadline")
	)
	flag.Parse()
	if flag.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: extract [flags] <receipt.{jpg,png,heic,pdf}>")
		os.Exit(2)
	}

	cfg := common.LoadConfig()
	// stdout carries the JSON record
	logger := common.NewLoggerTo(os.Stderr, cfg.Log.Level, cfg.Log.Format)
	if !*useDB {
		cfg.Budget.Backend = "memory"
	}

	v := common.NewValidator().Field("model", *model, common.ModelID)
	if err := common.ValidateAndReturnError(v); err != nil {
		logger.Error("invalid flags", "error", err)
		os.Exit(2)
	}

	req, hash, err := ingest.LoadFile(flag.Arg(0), int64(cfg.Server.MaxUploadMB)<<20)
	if err != nil {
		logger.Error("cannot read receipt", "error", err)
		os.Exit(1)
	}
	req.ForceOCR = *forceOCR
	req.ModelOverride = *model
	req.APIKeyPrefix = "cli"

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, *timeout)
	defer cancel()

	opts := app.Options{InMemory: !*useDB}
	if *trace {
		opts.Observer = func(t pipeline.Transition) {
			logger.Info("transition", "from", t.From, "to", t.To, "reason", t.Reason)
		}
	}
	a, err := app.Build(ctx, cfg, opts, logger)
	if err != nil {
		logger.Error("failed to start", "error", err)
		os.Exit(1)
	}
	defer a.Close()

	logger.Info("extracting", "file", req.Filename, "mime", req.MimeType, "sha256", hash)
	rec := a.Orchestrator.Process(ctx, req)

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(rec); err != nil {
		logger.Error("encode", "error", err)
		os.Exit(1)
	}
	if rec.Status == constants.StatusFailed {
		os.Exit(3)
	}
}
