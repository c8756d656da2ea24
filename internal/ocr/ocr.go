package ocr

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/joseph-ayodele/receipts-extractor/internal/common"
	"github.com/joseph-ayodele/receipts-extractor/internal/entity"
	"github.com/joseph-ayodele/receipts-extractor/internal/runner"
)

type Config struct {
	Tesseract   string // binary name or absolute path; if empty -> "tesseract"
	Languages   string // tesseract -l value, default "deu+eng"
	TessdataDir string

	PSM int // 6 suits a uniform block of text
	OEM int // 1 = LSTM; 0 leaves the engine default

	EnableTSVConfidence bool
}

// Result is the OCR path's output. RawConfidence blends engine confidence with how
// many of the key fields the text rules located.
type Result struct {
	Data             entity.ExtractionResult
	RawConfidence    float64
	EngineConfidence float64
	Text             string
	FieldsFound      int
	Duration         time.Duration
	Warnings         []string
}

type Extractor struct {
	cfg    Config
	runner runner.Runner
	logger *slog.Logger
}

func NewExtractor(cfg Config, r runner.Runner, logger *slog.Logger) *Extractor {
	if logger == nil {
		logger = slog.Default()
	}
	if r == nil {
		r = runner.Exec{Logger: logger}
	}
	if cfg.Tesseract == "" {
		cfg.Tesseract = "tesseract"
	}
	if cfg.Languages == "" {
		cfg.Languages = "deu+eng"
	}
	return &Extractor{cfg: cfg, runner: r, logger: logger}
}

// Extract recognizes text in the preprocessed page and parses it into fields. Missing
// fields only lower confidence; ErrNoTextDetected is returned when nothing was read.
func (e *Extractor) Extract(ctx context.Context, img entity.PreprocessedImage) (Result, error) {
	start := time.Now()
	e.logger.Debug("ocr.extract.start", "bytes", len(img.JPEG), "lang", e.cfg.Languages)

	raw, warns, err := e.recognize(ctx, img.JPEG)
	if err != nil {
		e.logger.Error("ocr.extract.failed", "err", err)
		return Result{Warnings: warns, Duration: time.Since(start)}, err
	}
	txt := Normalize(raw)
	if txt == "" {
		e.logger.Info("ocr.extract.empty")
		return Result{Warnings: warns, Duration: time.Since(start)}, fmt.Errorf("tesseract: %w", common.ErrNoTextDetected)
	}

	var engineConf float64
	if e.cfg.EnableTSVConfidence {
		c, err := e.meanWordConfidence(ctx, img.JPEG)
		if err != nil {
			warns = append(warns, err.Error())
		}
		engineConf = c
	}
	heur := heuristicConfidence(txt)
	blended := heur
	if engineConf > 0 {
		blended = 0.7*engineConf + 0.3*heur
	}
	if blended > 1 {
		blended = 1
	}

	data, found := ParseText(txt)
	res := Result{
		Data:             data,
		EngineConfidence: blended,
		RawConfidence:    rawConfidence(blended, found),
		Text:             txt,
		FieldsFound:      found,
		Duration:         time.Since(start),
		Warnings:         warns,
	}
	e.logger.Info("ocr.extract.ok",
		"chars", len(txt),
		"fields_found", found,
		"engine_confidence", blended,
		"raw_confidence", res.RawConfidence,
		"duration_ms", res.Duration.Milliseconds(),
	)
	return res, nil
}
