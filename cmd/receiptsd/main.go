package main

import (
	"context"
	"errors"
	"flag"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/sync/errgroup"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/joseph-ayodele/receipts-extractor/internal/api"
	"github.com/joseph-ayodele/receipts-extractor/internal/app"
	"github.com/joseph-ayodele/receipts-extractor/internal/common"
	"github.com/joseph-ayodele/receipts-extractor/internal/server"
)

var version = "dev"

func main() {
	inmem := flag.Bool("inmem", false, "use a private in-memory SQLite database")
	flag.Parse()

	cfg := common.LoadConfig()
	logger := common.NewLogger(cfg.Log.Level, cfg.Log.Format)
	if *inmem {
		cfg.Database.Driver, cfg.Database.DSN = "sqlite", ":memory:"
	}
	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(2)
	}
	if cfg.Log.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.Build(ctx, cfg, app.Options{InMemory: *inmem}, logger)
	if err != nil {
		logger.Error("failed to start", "error", err)
		os.Exit(1)
	}
	defer a.Close()

	if err := a.DB.HealthCheck(ctx, cfg.Database.DialTimeout); err != nil {
		logger.Error("DB health failed", "error", err)
		os.Exit(1)
	}
	a.RefreshSpendGauge(ctx)

	httpSrv := &http.Server{
		Addr: cfg.Server.HTTPAddr,
		Handler: api.NewServer(api.Config{
			APIKeys:            cfg.Server.APIKeys,
			RateLimitPerMinute: cfg.Server.RateLimitPerMinute,
			MaxUploadMB:        cfg.Server.MaxUploadMB,
			Version:            version,
		}, api.Deps{
			Extractor: a.Orchestrator,
			Records:   a.Records,
			Costs:     a.Ledger,
			Models:    a.Prices,
			Export:    a.Export,
			Metrics:   a.Metrics.Handler(),
		}, logger).Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	svc := server.NewExtractionService(a.Orchestrator, a.Records, a.Ledger, cfg.Server.MaxUploadMB, logger)
	grpcSrv, health := server.NewGRPCServer(svc, cfg.Server.APIKeys, logger)

	g, gctx := errgroup.WithContext(ctx)
	if cfg.Server.HTTPAddr != "" {
		g.Go(func() error {
			logger.Info("http listening", "addr", cfg.Server.HTTPAddr)
			if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}
	if cfg.Server.GRPCAddr != "" {
		lis, err := net.Listen("tcp", cfg.Server.GRPCAddr)
		if err != nil {
			logger.Error("failed to listen", "addr", cfg.Server.GRPCAddr, "error", err)
			os.Exit(1)
		}
		g.Go(func() error {
			logger.Info("grpc listening", "addr", cfg.Server.GRPCAddr)
			return grpcSrv.Serve(lis)
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		health.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)

		shutCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		_ = httpSrv.Shutdown(shutCtx)
		grpcSrv.GracefulStop()
		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Error("server stopped", "error", err)
		os.Exit(1)
	}
	logger.Info("stopped")
}
