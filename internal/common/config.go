package common

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	Log        LogConfig
	Database   DatabaseConfig
	Server     ServerConfig
	OCR        OCRConfig
	Preprocess PreprocessConfig
	VLM        VLMConfig
	Budget     BudgetConfig
	Pipeline   PipelineConfig
}

type LogConfig struct {
	Level  string
	Format string // text | json
}

// DatabaseConfig holds database-related configuration
type DatabaseConfig struct {
	Driver           string // postgres | sqlite
	DSN              string
	MaxConns         int32
	MinConns         int32
	MaxConnLifetime  time.Duration
	MaxConnIdleTime  time.Duration
	DialTimeout      time.Duration
	StatementTimeout time.Duration
}

// ServerConfig holds server-related configuration
type ServerConfig struct {
	HTTPAddr           string
	GRPCAddr           string
	APIKeys            []string
	RateLimitPerMinute int
	MaxUploadMB        int
	ResultCacheTTL     time.Duration
}

// OCRConfig holds OCR-related configuration
type OCRConfig struct {
	Tesseract           string
	Languages           string
	TessdataDir         string
	PSM                 int
	OEM                 int
	EnableTSVConfidence bool
}

type PreprocessConfig struct {
	MaxDimension  int
	PDFDPI        int
	JPEGQuality   int
	Pdftoppm      string
	HeicConverter string
}

// VLMConfig holds remote vision model configuration
type VLMConfig struct {
	APIKey         string
	BaseURL        string
	PrimaryModel   string
	FallbackModel  string
	Temperature    float32
	MaxTokens      int
	Timeout        time.Duration
	MaxAttempts    int
	BackoffMin     time.Duration
	BackoffMax     time.Duration
	RequestsPerSec float64
	PricingFile    string
}

type BudgetConfig struct {
	Backend       string // memory | sql
	DailyCapUSD   string
	MonthlyCapUSD string
	PerRequestUSD string
	DegradeRatio  string
	HardStopRatio string
}

type PipelineConfig struct {
	VLMConfidenceThreshold float64
	SuccessThreshold       float64
	HistoryWindow          time.Duration
	TaxRateTolerance       float64
	Workers                int
}

// LoadConfig loads .env (when present) and then configuration from environment variables
func LoadConfig() *Config {
	_ = godotenv.Load()

	return &Config{
		Log: LogConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "text"),
		},
		Database: DatabaseConfig{
			Driver:           getEnv("DB_DRIVER", "postgres"),
			DSN:              getEnv("DB_URL", ""),
			MaxConns:         getEnvAsInt32("DB_MAX_CONNS", 20),
			MinConns:         getEnvAsInt32("DB_MIN_CONNS", 5),
			MaxConnLifetime:  getEnvAsDuration("DB_MAX_CONN_LIFETIME", 30*time.Minute),
			MaxConnIdleTime:  getEnvAsDuration("DB_MAX_CONN_IDLE_TIME", 5*time.Minute),
			DialTimeout:      getEnvAsDuration("DB_DIAL_TIMEOUT", 3*time.Second),
			StatementTimeout: getEnvAsDuration("DB_STATEMENT_TIMEOUT", 0),
		},
		Server: ServerConfig{
			HTTPAddr:           getEnv("HTTP_ADDR", ":8000"),
			GRPCAddr:           getEnv("GRPC_ADDR", ":8080"),
			APIKeys:            getEnvAsList("API_KEYS"),
			RateLimitPerMinute: getEnvAsInt("RATE_LIMIT_PER_MINUTE", 30),
			MaxUploadMB:        getEnvAsInt("MAX_UPLOAD_MB", 10),
			ResultCacheTTL:     getEnvAsDuration("RESULT_CACHE_TTL", 15*time.Minute),
		},
		OCR: OCRConfig{
			Tesseract:           getEnv("TESSERACT_BIN", "tesseract"),
			Languages:           getEnv("OCR_LANGUAGES", "deu+eng"),
			TessdataDir:         getEnv("TESSDATA_PREFIX", ""),
			PSM:                 getEnvAsInt("OCR_PSM", 6),
			OEM:                 getEnvAsInt("OCR_OEM", 0),
			EnableTSVConfidence: getEnvAsBool("OCR_TSV_CONFIDENCE", true),
		},
		Preprocess: PreprocessConfig{
			MaxDimension:  getEnvAsInt("PREPROCESS_MAX_DIMENSION", 2048),
			PDFDPI:        getEnvAsInt("PREPROCESS_PDF_DPI", 200),
			JPEGQuality:   getEnvAsInt("PREPROCESS_JPEG_QUALITY", 85),
			Pdftoppm:      getEnv("PDFTOPPM_BIN", "pdftoppm"),
			HeicConverter: getEnv("HEIC_CONVERTER", "magick"),
		},
		VLM: VLMConfig{
			APIKey:         getEnv("OPENROUTER_API_KEY", ""),
			BaseURL:        getEnv("OPENROUTER_BASE_URL", "https://openrouter.ai/api/v1"),
			PrimaryModel:   getEnv("VLM_PRIMARY_MODEL", "qwen/qwen2.5-vl-72b-instruct"),
			FallbackModel:  getEnv("VLM_FALLBACK_MODEL", "openai/gpt-4o-mini"),
			Temperature:    getEnvAsFloat32("VLM_TEMPERATURE", 0.1),
			MaxTokens:      getEnvAsInt("VLM_MAX_TOKENS", 2000),
			Timeout:        getEnvAsDuration("VLM_TIMEOUT", 30*time.Second),
			MaxAttempts:    getEnvAsInt("VLM_MAX_ATTEMPTS", 3),
			BackoffMin:     getEnvAsDuration("VLM_BACKOFF_MIN", time.Second),
			BackoffMax:     getEnvAsDuration("VLM_BACKOFF_MAX", 10*time.Second),
			RequestsPerSec: getEnvAsFloat64("VLM_REQUESTS_PER_SEC", 2),
			PricingFile:    getEnv("VLM_PRICING_FILE", ""),
		},
		Budget: BudgetConfig{
			Backend:       getEnv("BUDGET_BACKEND", "sql"),
			DailyCapUSD:   getEnv("BUDGET_DAILY_USD", "1.00"),
			MonthlyCapUSD: getEnv("BUDGET_MONTHLY_USD", "5.00"),
			PerRequestUSD: getEnv("BUDGET_PER_REQUEST_USD", "0.05"),
			DegradeRatio:  getEnv("BUDGET_DEGRADE_RATIO", "0.80"),
			HardStopRatio: getEnv("BUDGET_HARD_STOP_RATIO", "0.95"),
		},
		Pipeline: PipelineConfig{
			VLMConfidenceThreshold: getEnvAsFloat64("VLM_CONFIDENCE_THRESHOLD", 0.7),
			SuccessThreshold:       getEnvAsFloat64("SUCCESS_THRESHOLD", 0.5),
			HistoryWindow:          getEnvAsDuration("DATE_HISTORY_WINDOW", 730*24*time.Hour),
			TaxRateTolerance:       getEnvAsFloat64("TAX_RATE_TOLERANCE", 1.5),
			Workers:                getEnvAsInt("PIPELINE_WORKERS", 4),
		},
	}
}

// Helper functions for environment variable parsing
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsInt32(key string, defaultValue int32) int32 {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.ParseInt(value, 10, 32); err == nil {
			return int32(intVal)
		}
	}
	return defaultValue
}

func getEnvAsFloat32(key string, defaultValue float32) float32 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 32); err == nil {
			return float32(floatVal)
		}
	}
	return defaultValue
}

func getEnvAsFloat64(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func getEnvAsList(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Validate validates the loaded configuration
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "postgres", "sqlite":
	default:
		return NewAppError("CONFIG_ERROR", "DB_DRIVER must be postgres or sqlite", ErrInvalidInput)
	}
	if c.Database.DSN == "" {
		return NewAppError("CONFIG_ERROR", "DB_URL is required", ErrInvalidInput)
	}
	if c.Server.HTTPAddr == "" && c.Server.GRPCAddr == "" {
		return NewAppError("CONFIG_ERROR", "HTTP_ADDR or GRPC_ADDR is required", ErrInvalidInput)
	}
	if c.Server.MaxUploadMB <= 0 {
		return NewAppError("CONFIG_ERROR", "MAX_UPLOAD_MB must be positive", ErrInvalidInput)
	}
	if c.Pipeline.VLMConfidenceThreshold < 0 || c.Pipeline.VLMConfidenceThreshold > 1 {
		return NewAppError("CONFIG_ERROR", "VLM_CONFIDENCE_THRESHOLD must be within [0,1]", ErrInvalidInput)
	}
	switch c.Budget.Backend {
	case "memory", "sql":
	default:
		return NewAppError("CONFIG_ERROR", "BUDGET_BACKEND must be memory or sql", ErrInvalidInput)
	}
	return nil
}
