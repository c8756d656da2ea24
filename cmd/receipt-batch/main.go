package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/joseph-ayodele/receipts-extractor/constants"
	"github.com/joseph-ayodele/receipts-extractor/internal/app"
	"github.com/joseph-ayodele/receipts-extractor/internal/async"
	"github.com/joseph-ayodele/receipts-extractor/internal/common"
	"github.com/joseph-ayodele/receipts-extractor/internal/ingest"
)

// printError prints an error message to stderr, falling back to stdout if stderr fails
func printError(format string, args ...any) {
	if _, err := fmt.Fprintf(os.Stderr, format, args...); err != nil {
		fmt.Printf(format, args...)
	}
}

type tally struct {
	success, partial, failed, skipped atomic.Int64
}

func main() {
	var (
		inmem    = flag.Bool("inmem", false, "use in-memory SQLite database")
		dir      = flag.String("dir", "", "directory to process receipts from (required)")
		out      = flag.String("out", "", "output XLSX file path (optional, defaults to parent directory)")
		fromStr  = flag.String("from", "", "export from date YYYY-MM-DD")
		toStr    = flag.String("to", "", "export to date YYYY-MM-DD")
		watch    = flag.Bool("watch", false, "keep watching --dir for new receipts until interrupted")
		forceOCR = flag.Bool("force-ocr", false, "skip the vision model")
		workers  = flag.Int("workers", 4, "files processed concurrently")
	)
	flag.Parse()

	if *dir == "" {
		printError("Error: --dir is required\n")
		os.Exit(1)
	}
	if *out == "" {
		*out = filepath.Join(filepath.Dir(*dir), "receipts.xlsx")
	}
	from, err := parseDay(*fromStr)
	if err != nil {
		printError("Error: invalid --from date format, use YYYY-MM-DD: %v\n", err)
		os.Exit(1)
	}
	to, err := parseDay(*toStr)
	if err != nil {
		printError("Error: invalid --to date format, use YYYY-MM-DD: %v\n", err)
		os.Exit(1)
	}

	cfg := common.LoadConfig()
	logger := common.NewLogger(cfg.Log.Level, cfg.Log.Format)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.Build(ctx, cfg, app.Options{InMemory: *inmem}, logger)
	if err != nil {
		logger.Error("failed to initialize", "error", err)
		os.Exit(1)
	}
	defer a.Close()

	maxBytes := int64(cfg.Server.MaxUploadMB) << 20
	var counts tally
	var seenMu sync.Mutex
	seen := map[string]struct{}{}

	handle := func(ctx context.Context, job async.Job) error {
		req, hash, err := ingest.LoadFile(job.Path, maxBytes)
		if err != nil {
			counts.skipped.Add(1)
			return err
		}
		seenMu.Lock()
		_, dup := seen[hash]
		seen[hash] = struct{}{}
		seenMu.Unlock()
		if dup {
			counts.skipped.Add(1)
			logger.Info("batch.duplicate", "path", job.Path, "sha256", hash)
			return nil
		}
		req.ID = job.ID
		req.ForceOCR = job.ForceOCR
		req.APIKeyPrefix = "batch"

		rec := a.Orchestrator.Process(ctx, req)
		switch rec.Status {
		case constants.StatusSuccess:
			counts.success.Add(1)
		case constants.StatusPartial:
			counts.partial.Add(1)
		default:
			counts.failed.Add(1)
		}
		logger.Info("batch.file.done",
			"path", job.Path,
			"status", rec.Status,
			"method", rec.ExtractionMethod,
			"confidence", rec.ConfidenceScore,
			"reason", rec.Reason,
		)
		return nil
	}

	queue := async.NewProcessorQueue(handle, logger,
		async.WithWorkers(*workers),
		async.WithQueueSize(64),
		async.WithProcessTimeout(3*time.Minute),
	)
	submit := func(ctx context.Context, path string) error {
		return queue.Enqueue(ctx, async.Job{
			ID:          uuid.New(),
			Path:        path,
			MimeType:    constants.MimeForExt(filepath.Ext(path)),
			ForceOCR:    *forceOCR,
			SubmittedAt: time.Now().UTC(),
		})
	}

	paths, stats, err := ingest.ScanDirectory(*dir, true)
	if err != nil {
		logger.Error("failed to scan directory", "error", err)
		os.Exit(1)
	}
	logger.Info("scan complete", "scanned", stats.Scanned, "matched", stats.Matched, "hidden", stats.Hidden, "failed", stats.Failed)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		for _, p := range paths {
			if err := submit(gctx, p); err != nil {
				return err
			}
		}
		return nil
	})
	if *watch {
		events, errs, err := ingest.StartWatcher(ctx, ingest.WatchConfig{
			Roots:      []string{*dir},
			SkipHidden: true,
			Debounce:   time.Second,
		}, logger)
		if err != nil {
			logger.Error("failed to start watcher", "error", err)
			os.Exit(1)
		}
		g.Go(func() error {
			for p := range events {
				if err := submit(gctx, p); err != nil {
					return err
				}
			}
			return nil
		})
		g.Go(func() error {
			for err := range errs {
				logger.Warn("watch error", "error", err)
			}
			return nil
		})
		logger.Info("watching for new receipts; interrupt to export and exit", "dir", *dir)
	}
	if err := g.Wait(); err != nil && ctx.Err() == nil {
		logger.Error("submission failed", "error", err)
	}

	// drain whatever is queued; in watch mode ctx is already done here
	queue.Shutdown(context.Background())

	xlsx, err := a.Export.ExportXLSX(context.Background(), from, to)
	if err != nil {
		logger.Error("failed to export", "error", err)
		os.Exit(1)
	}
	if err := os.WriteFile(*out, xlsx, 0o644); err != nil {
		logger.Error("failed to write output file", "error", err)
		os.Exit(1)
	}

	sum, _ := a.Ledger.Summary(context.Background())
	logger.Info("batch processing complete",
		"success", counts.success.Load(),
		"partial", counts.partial.Load(),
		"failed", counts.failed.Load(),
		"skipped", counts.skipped.Load(),
		"spend_today_usd", sum.DailySpendUSD.StringFixed(4),
		"output_file", *out)

	fmt.Printf("Batch processing complete!\n")
	fmt.Printf("- Success: %d\n", counts.success.Load())
	fmt.Printf("- Partial: %d\n", counts.partial.Load())
	fmt.Printf("- Failed: %d\n", counts.failed.Load())
	fmt.Printf("- Skipped: %d\n", counts.skipped.Load())
	fmt.Printf("- Output: %s\n", *out)
}

func parseDay(s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
