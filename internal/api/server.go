package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/joseph-ayodele/receipts-extractor/internal/entity"
	"github.com/joseph-ayodele/receipts-extractor/internal/vlm"
)

// Extractor runs one extraction to completion.
type Extractor interface {
	Process(ctx context.Context, req entity.ExtractionRequest) *entity.ExtractionRecord
}

type RecordGetter interface {
	Get(ctx context.Context, id uuid.UUID) (*entity.ExtractionRecord, error)
}

type CostReporter interface {
	Summary(ctx context.Context) (entity.CostSummary, error)
}

type ModelLister interface {
	Models() []vlm.ModelPrice
}

type Exporter interface {
	ExportXLSX(ctx context.Context, from, to *time.Time) ([]byte, error)
}

type Config struct {
	APIKeys            []string // empty disables authentication
	RateLimitPerMinute int      // per API key; 0 disables
	MaxUploadMB        int
	CORSOrigins        []string // empty allows any origin
	Version            string
}

// Deps are the collaborators behind the routes. Metrics may be nil.
type Deps struct {
	Extractor Extractor
	Records   RecordGetter
	Costs     CostReporter
	Models    ModelLister
	Export    Exporter
	Metrics   http.Handler
}

type Server struct {
	cfg    Config
	deps   Deps
	keys   map[string]struct{}
	limits *keyLimiter
	logger *slog.Logger
}

func NewServer(cfg Config, deps Deps, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxUploadMB <= 0 {
		cfg.MaxUploadMB = 10
	}
	if cfg.Version == "" {
		cfg.Version = "dev"
	}
	keys := make(map[string]struct{}, len(cfg.APIKeys))
	for _, k := range cfg.APIKeys {
		keys[k] = struct{}{}
	}
	return &Server{
		cfg:    cfg,
		deps:   deps,
		keys:   keys,
		limits: newKeyLimiter(cfg.RateLimitPerMinute),
		logger: logger,
	}
}

// Router builds the gin engine with every route registered.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), s.requestID(), s.accessLog())

	cc := cors.Config{
		AllowMethods:  []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "X-API-Key", "X-Request-ID"},
		ExposeHeaders: []string{"Content-Length", "X-Request-ID"},
		MaxAge:        12 * time.Hour,
	}
	if len(s.cfg.CORSOrigins) > 0 {
		cc.AllowOrigins = s.cfg.CORSOrigins
	} else {
		cc.AllowAllOrigins = true
	}
	r.Use(cors.New(cc))

	r.GET("/health", s.health)
	if s.deps.Metrics != nil {
		r.GET("/metrics", gin.WrapH(s.deps.Metrics))
	}

	v1 := r.Group("/v1", s.authenticate(), s.rateLimit())
	{
		v1.POST("/extract", s.extract)
		v1.GET("/results/:id", s.getResult)
		v1.GET("/costs", s.costs)
		v1.GET("/models", s.models)
		v1.GET("/export.xlsx", s.exportXLSX)
	}
	return r
}
