// Package app assembles the extraction pipeline from configuration. The daemon,
// the batch tool and the one-shot extractor all start from Build.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/joseph-ayodele/receipts-extractor/internal/async"
	"github.com/joseph-ayodele/receipts-extractor/internal/budget"
	"github.com/joseph-ayodele/receipts-extractor/internal/common"
	"github.com/joseph-ayodele/receipts-extractor/internal/entity"
	"github.com/joseph-ayodele/receipts-extractor/internal/export"
	"github.com/joseph-ayodele/receipts-extractor/internal/ocr"
	"github.com/joseph-ayodele/receipts-extractor/internal/pipeline"
	"github.com/joseph-ayodele/receipts-extractor/internal/preprocess"
	"github.com/joseph-ayodele/receipts-extractor/internal/repository"
	"github.com/joseph-ayodele/receipts-extractor/internal/runner"
	"github.com/joseph-ayodele/receipts-extractor/internal/telemetry"
	"github.com/joseph-ayodele/receipts-extractor/internal/validate"
	"github.com/joseph-ayodele/receipts-extractor/internal/vlm"
)

// Ledger is a budget ledger that can also list its spend records.
type Ledger interface {
	budget.Ledger
	SpendRecords(ctx context.Context, from, to *time.Time) ([]entity.SpendRecord, error)
}

// Options override parts of the configuration from the command line.
type Options struct {
	InMemory bool            // private SQLite database, migrated on open
	Runner   runner.Runner   // external commands; nil runs real binaries
	Observer pipeline.Observer
}

// App holds every long-lived component. Close releases them in reverse order.
type App struct {
	Config       *common.Config
	DB           *repository.DB
	Records      *repository.CachedRecords
	Ledger       Ledger
	Prices       *vlm.PriceTable
	Metrics      *telemetry.Metrics
	Tracer       *sdktrace.TracerProvider
	Pool         *async.Pool
	Orchestrator *pipeline.Orchestrator
	Export       *export.Service

	logger *slog.Logger
}

func Build(ctx context.Context, cfg *common.Config, opts Options, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	a := &App{Config: cfg, logger: logger}

	if err := a.openDB(ctx, opts.InMemory); err != nil {
		return nil, err
	}

	caps, err := budget.ParseCaps(cfg.Budget)
	if err != nil {
		a.Close()
		return nil, err
	}
	switch cfg.Budget.Backend {
	case "memory":
		a.Ledger = budget.NewMemoryLedger(caps, logger)
	case "", "sql":
		a.Ledger = budget.NewSQLLedger(a.DB, caps, logger)
	default:
		a.Close()
		return nil, fmt.Errorf("unknown BUDGET_BACKEND %q", cfg.Budget.Backend)
	}

	a.Prices = vlm.NewPriceTable(cfg.VLM.MaxTokens)
	if cfg.VLM.PricingFile != "" {
		if err := a.Prices.LoadFile(cfg.VLM.PricingFile); err != nil {
			a.Close()
			return nil, fmt.Errorf("load pricing: %w", err)
		}
	}

	a.Records = repository.NewCachedRecords(repository.NewRecordRepository(a.DB, logger), cfg.Server.ResultCacheTTL)
	a.Metrics = telemetry.NewMetrics()
	a.Tracer = telemetry.NewTracerProvider(logger)
	a.Pool = async.NewPool(cfg.Pipeline.Workers, logger)

	pre := preprocess.New(preprocess.Config{
		MaxDimension:  cfg.Preprocess.MaxDimension,
		PDFDPI:        cfg.Preprocess.PDFDPI,
		JPEGQuality:   cfg.Preprocess.JPEGQuality,
		Pdftoppm:      cfg.Preprocess.Pdftoppm,
		HeicConverter: cfg.Preprocess.HeicConverter,
	}, opts.Runner, logger)

	ocrExt := ocr.NewExtractor(ocr.Config{
		Tesseract:           cfg.OCR.Tesseract,
		Languages:           cfg.OCR.Languages,
		TessdataDir:         cfg.OCR.TessdataDir,
		PSM:                 cfg.OCR.PSM,
		OEM:                 cfg.OCR.OEM,
		EnableTSVConfidence: cfg.OCR.EnableTSVConfidence,
	}, opts.Runner, logger)

	if cfg.VLM.APIKey == "" {
		logger.Warn("app.vlm.no_api_key", "hint", "set OPENROUTER_API_KEY; every request will fall back to OCR")
	}
	vlmExt := vlm.New(vlm.Config{
		APIKey:         cfg.VLM.APIKey,
		BaseURL:        cfg.VLM.BaseURL,
		Temperature:    cfg.VLM.Temperature,
		MaxTokens:      cfg.VLM.MaxTokens,
		Timeout:        cfg.VLM.Timeout,
		MaxAttempts:    cfg.VLM.MaxAttempts,
		BackoffMin:     cfg.VLM.BackoffMin,
		BackoffMax:     cfg.VLM.BackoffMax,
		RequestsPerSec: cfg.VLM.RequestsPerSec,
	}, a.Prices, logger)

	validator := validate.New(validate.Config{
		HistoryWindow:    cfg.Pipeline.HistoryWindow,
		TaxRateTolerance: decimal.NewFromFloat(cfg.Pipeline.TaxRateTolerance),
	}, logger)

	planner := budget.NewPlanner(a.Ledger, a.Prices, caps, cfg.VLM.FallbackModel, logger)

	pipeOpts := []pipeline.Option{
		pipeline.WithStore(a.Records),
		pipeline.WithPool(a.Pool),
		pipeline.WithMetrics(a.Metrics),
		pipeline.WithTracerProvider(a.Tracer),
	}
	if opts.Observer != nil {
		pipeOpts = append(pipeOpts, pipeline.WithObserver(opts.Observer))
	}
	a.Orchestrator = pipeline.New(pipeline.Config{
		PrimaryModel:     cfg.VLM.PrimaryModel,
		VLMThreshold:     cfg.Pipeline.VLMConfidenceThreshold,
		SuccessThreshold: cfg.Pipeline.SuccessThreshold,
	}, pre, noKeyGuard(vlmExt, cfg.VLM.APIKey), ocrExt, planner, a.Ledger, validator, logger, pipeOpts...)

	a.Export = export.NewService(a.Records, a.Ledger, logger)

	logger.Info("app.ready",
		"db", a.DB.Dialect,
		"budget_backend", cfg.Budget.Backend,
		"primary_model", cfg.VLM.PrimaryModel,
		"fallback_model", cfg.VLM.FallbackModel,
		"workers", cfg.Pipeline.Workers,
	)
	return a, nil
}

func (a *App) openDB(ctx context.Context, inMemory bool) error {
	var err error
	if inMemory {
		a.DB, err = repository.OpenInMemory(ctx, a.logger)
		return err
	}
	a.DB, err = repository.Open(ctx, repository.Config{
		Driver:           a.Config.Database.Driver,
		DSN:              a.Config.Database.DSN,
		MaxConns:         a.Config.Database.MaxConns,
		MinConns:         a.Config.Database.MinConns,
		MaxConnLifetime:  a.Config.Database.MaxConnLifetime,
		MaxConnIdleTime:  a.Config.Database.MaxConnIdleTime,
		DialTimeout:      a.Config.Database.DialTimeout,
		StatementTimeout: a.Config.Database.StatementTimeout,
	}, a.logger)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	if err := repository.Migrate(ctx, a.DB); err != nil {
		_ = a.DB.Close()
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

// RefreshSpendGauge seeds the daily spend gauge from the ledger after a restart.
func (a *App) RefreshSpendGauge(ctx context.Context) {
	sum, err := a.Ledger.Summary(ctx)
	if err != nil {
		a.logger.Warn("app.spend_gauge.failed", "err", err)
		return
	}
	a.Metrics.SetDailySpend(sum.DailySpendUSD)
}

func (a *App) Close() {
	if a.Pool != nil {
		a.Pool.Shutdown()
	}
	if a.Tracer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = a.Tracer.Shutdown(ctx)
		cancel()
	}
	if a.DB != nil {
		if err := a.DB.Close(); err != nil {
			a.logger.Error("app.db.close_failed", "err", err)
		}
	}
}

var errNoAPIKey = fmt.Errorf("%w: OPENROUTER_API_KEY is not set", common.ErrTransientRemote)

// keylessVLM fails every call before it reaches the network, so requests go
// straight to OCR without billing.
type keylessVLM struct{}

func (keylessVLM) Extract(context.Context, entity.PreprocessedImage, string) (vlm.Output, error) {
	return vlm.Output{}, errNoAPIKey
}

func noKeyGuard(ext *vlm.Extractor, apiKey string) pipeline.VLMExtractor {
	if apiKey == "" {
		return keylessVLM{}
	}
	return ext
}
