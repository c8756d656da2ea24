package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/joseph-ayodele/receipts-extractor/constants"
	"github.com/joseph-ayodele/receipts-extractor/internal/async"
	"github.com/joseph-ayodele/receipts-extractor/internal/budget"
	"github.com/joseph-ayodele/receipts-extractor/internal/common"
	"github.com/joseph-ayodele/receipts-extractor/internal/entity"
	"github.com/joseph-ayodele/receipts-extractor/internal/ocr"
	"github.com/joseph-ayodele/receipts-extractor/internal/telemetry"
	"github.com/joseph-ayodele/receipts-extractor/internal/validate"
	"github.com/joseph-ayodele/receipts-extractor/internal/vlm"
)

type Preprocessor interface {
	Preprocess(ctx context.Context, content []byte, declaredMime string) (entity.PreprocessedImage, error)
}

type VLMExtractor interface {
	Extract(ctx context.Context, img entity.PreprocessedImage, model string) (vlm.Output, error)
}

type OCRExtractor interface {
	Extract(ctx context.Context, img entity.PreprocessedImage) (ocr.Result, error)
}

type Planner interface {
	Select(ctx context.Context, primary string) (budget.Decision, error)
}

type Validator interface {
	Validate(res entity.ExtractionResult, raw float64, method constants.Method) (entity.ExtractionResult, entity.ConfidenceScore)
}

// RecordStore receives every finished record.
type RecordStore interface {
	Save(ctx context.Context, rec *entity.ExtractionRecord) error
}

type Config struct {
	PrimaryModel     string
	VLMThreshold     float64 // VLM results below this also run OCR; default 0.7
	SuccessThreshold float64 // default 0.5
}

// Orchestrator drives one request through
// received → preprocessing → vlm_attempt → (ocr_fallback) → validating → done.
type Orchestrator struct {
	cfg       Config
	pre       Preprocessor
	vlm       VLMExtractor
	ocr       OCRExtractor
	planner   Planner
	ledger    budget.Ledger
	validator Validator

	store     RecordStore
	pool      *async.Pool
	metrics   *telemetry.Metrics
	tracer    trace.Tracer
	observers []Observer
	logger    *slog.Logger
}

type Option func(*Orchestrator)

func WithStore(s RecordStore) Option { return func(o *Orchestrator) { o.store = s } }

// WithPool runs preprocessing and OCR on p instead of the calling goroutine.
func WithPool(p *async.Pool) Option { return func(o *Orchestrator) { o.pool = p } }

func WithMetrics(m *telemetry.Metrics) Option { return func(o *Orchestrator) { o.metrics = m } }

func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *Orchestrator) { o.tracer = telemetry.Tracer(tp) }
}

func WithObserver(fn Observer) Option {
	return func(o *Orchestrator) { o.observers = append(o.observers, fn) }
}

func New(
	cfg Config,
	pre Preprocessor,
	vlmExt VLMExtractor,
	ocrExt OCRExtractor,
	planner Planner,
	ledger budget.Ledger,
	validator Validator,
	logger *slog.Logger,
	opts ...Option,
) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.VLMThreshold <= 0 {
		cfg.VLMThreshold = 0.7
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = 0.5
	}
	o := &Orchestrator{
		cfg:       cfg,
		pre:       pre,
		vlm:       vlmExt,
		ocr:       ocrExt,
		planner:   planner,
		ledger:    ledger,
		validator: validator,
		tracer:    telemetry.Tracer(nil),
		logger:    logger,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// run is the mutable state of one request. Only its own goroutine touches it.
type run struct {
	req   entity.ExtractionRequest
	start time.Time

	img entity.PreprocessedImage

	// best VLM answer so far, kept for the ocr_failed case
	vlmResult *vlm.Output

	result    entity.ExtractionResult
	raw       float64
	method    constants.Method
	model     string
	cost      decimal.Decimal
	reasons   []string
	anomalies []entity.Anomaly
	fatal     error
	score     entity.ConfidenceScore
}

func (r *run) note(reason string) {
	if reason != "" {
		r.reasons = append(r.reasons, reason)
	}
}

// Process runs the request to completion and returns its record. It never fails:
// input errors and exhausted paths come back as a record with status failed.
func (o *Orchestrator) Process(ctx context.Context, req entity.ExtractionRequest) *entity.ExtractionRecord {
	if req.ID == uuid.Nil {
		req.ID = uuid.New()
	}
	ctx, span := o.tracer.Start(ctx, "pipeline.extract", trace.WithAttributes(
		attribute.String("request.id", req.ID.String()),
		attribute.String("request.mime", req.MimeType),
		attribute.Int("request.bytes", len(req.Content)),
	))
	defer span.End()

	r := &run{req: req, start: time.Now(), cost: decimal.Zero, method: constants.MethodVLM}
	if req.ForceOCR {
		r.method = constants.MethodOCR
	}
	o.logger.Info("pipeline.start", "req_id", req.ID, "mime", req.MimeType, "bytes", len(req.Content), "force_ocr", req.ForceOCR)

	state := StateReceived
	for state != StateDone {
		next, reason := o.step(ctx, r, state)
		o.observe(Transition{RequestID: req.ID, From: state, To: next, Reason: reason})
		state = next
	}

	rec := o.finish(ctx, r)
	span.SetAttributes(
		attribute.String("extraction.status", string(rec.Status)),
		attribute.String("extraction.method", string(rec.ExtractionMethod)),
		attribute.Float64("extraction.confidence", rec.ConfidenceScore),
	)
	if rec.Status == constants.StatusFailed {
		span.SetStatus(codes.Error, rec.Reason)
	}
	return rec
}

func (o *Orchestrator) step(ctx context.Context, r *run, s State) (State, string) {
	switch s {
	case StateReceived:
		return StatePreprocessing, ""
	case StatePreprocessing:
		return o.preprocess(ctx, r)
	case StateVLMAttempt:
		return o.attemptVLM(ctx, r)
	case StateOCRFallback:
		return o.fallbackOCR(ctx, r)
	case StateValidating:
		o.validate(ctx, r)
		return StateDone, ""
	default:
		return StateDone, "unknown state " + string(s)
	}
}

func (o *Orchestrator) preprocess(ctx context.Context, r *run) (State, string) {
	ctx, span := o.tracer.Start(ctx, "pipeline.preprocess")
	defer span.End()

	err := o.cpu(ctx, func() error {
		img, err := o.pre.Preprocess(ctx, r.req.Content, r.req.MimeType)
		r.img = img
		return err
	})
	if err != nil {
		kind := common.Kind(err)
		span.RecordError(err)
		span.SetStatus(codes.Error, kind)
		o.countError(kind)
		o.logger.Warn("pipeline.preprocess.failed", "req_id", r.req.ID, "kind", kind, "err", err)
		r.fatal = err
		r.note(kind)
		return StateDone, kind
	}
	span.SetAttributes(attribute.Int("image.width", r.img.Width), attribute.Int("image.height", r.img.Height))
	if r.img.Pages > 1 {
		r.anomalies = append(r.anomalies, entity.Anomaly{
			Code:    AnomalyPDFPagesIgnored,
			Message: fmt.Sprintf("only page 1 of %d was extracted", r.img.Pages),
		})
	}
	return StateVLMAttempt, ""
}

func (o *Orchestrator) attemptVLM(ctx context.Context, r *run) (State, string) {
	if r.req.ForceOCR {
		r.note(ReasonForced)
		return StateOCRFallback, ReasonForced
	}
	ctx, span := o.tracer.Start(ctx, "pipeline.vlm")
	defer span.End()

	primary := o.cfg.PrimaryModel
	if r.req.ModelOverride != "" {
		primary = r.req.ModelOverride
	}
	decision, err := o.planner.Select(ctx, primary)
	if err != nil {
		reason := ReasonBudgetDown
		if errors.Is(err, common.ErrBudgetExceeded) {
			reason = common.Kind(err)
		}
		span.SetAttributes(attribute.String("vlm.skipped", reason))
		o.countError(reason)
		o.logger.Warn("pipeline.vlm.skipped", "req_id", r.req.ID, "reason", reason, "err", err)
		r.note(reason)
		return StateOCRFallback, reason
	}
	if decision.Degraded {
		r.note(decision.Reason)
	}
	span.SetAttributes(attribute.String("vlm.model", decision.Model), attribute.Bool("vlm.degraded", decision.Degraded))

	out, err := o.vlm.Extract(ctx, r.img, decision.Model)
	o.settle(ctx, r, decision, out)

	if err != nil {
		kind := common.Kind(err)
		span.RecordError(err)
		span.SetStatus(codes.Error, kind)
		o.countError(kind)
		o.logger.Warn("pipeline.vlm.failed", "req_id", r.req.ID, "model", decision.Model, "kind", kind, "err", err)
		r.note(kind)
		return StateOCRFallback, kind
	}

	r.model = decision.Model
	r.vlmResult = &out
	span.SetAttributes(attribute.Float64("vlm.raw_confidence", out.RawConfidence))
	if out.RawConfidence < o.cfg.VLMThreshold {
		o.logger.Info("pipeline.vlm.low_confidence", "req_id", r.req.ID, "raw_confidence", out.RawConfidence, "threshold", o.cfg.VLMThreshold)
		r.note(ReasonLowConfidence)
		return StateOCRFallback, ReasonLowConfidence
	}
	r.result, r.raw, r.method = out.Result, out.RawConfidence, constants.MethodVLM
	return StateValidating, ""
}

// settle converts the reservation into spend when the provider billed the call and
// drops it otherwise. It runs detached from ctx so a disconnecting caller cannot
// leave a billed call unrecorded.
func (o *Orchestrator) settle(ctx context.Context, r *run, d budget.Decision, out vlm.Output) {
	bg := context.WithoutCancel(ctx)
	if !out.Billed {
		if err := o.ledger.Release(bg, d.Reservation); err != nil {
			o.logger.Error("pipeline.budget.release_failed", "req_id", r.req.ID, "err", err)
		}
		return
	}
	r.cost = r.cost.Add(out.CostUSD)
	rec := entity.SpendRecord{
		ID:           uuid.New(),
		RequestID:    r.req.ID,
		Model:        d.Model,
		InputTokens:  out.Usage.InputTokens,
		OutputTokens: out.Usage.OutputTokens,
		CostUSD:      out.CostUSD,
	}
	if err := o.ledger.Record(bg, d.Reservation, rec); err != nil {
		o.logger.Error("pipeline.budget.record_failed", "req_id", r.req.ID, "model", d.Model, "cost_usd", out.CostUSD.String(), "err", err)
	}
	if o.metrics != nil {
		o.metrics.ObserveSpend(d.Model, out.Usage.InputTokens, out.Usage.OutputTokens, out.CostUSD)
		if sum, err := o.ledger.Summary(bg); err == nil {
			o.metrics.SetDailySpend(sum.DailySpendUSD)
		}
	}
}

func (o *Orchestrator) fallbackOCR(ctx context.Context, r *run) (State, string) {
	ctx, span := o.tracer.Start(ctx, "pipeline.ocr")
	defer span.End()

	var res ocr.Result
	err := o.cpu(ctx, func() error {
		var err error
		res, err = o.ocr.Extract(ctx, r.img)
		return err
	})
	if err != nil {
		kind := common.Kind(err)
		span.RecordError(err)
		span.SetStatus(codes.Error, kind)
		o.countError(kind)
		if r.vlmResult != nil {
			o.logger.Warn("pipeline.ocr.failed_keep_vlm", "req_id", r.req.ID, "kind", kind, "err", err)
			r.note(ReasonOCRFailed)
			r.result, r.raw, r.method = r.vlmResult.Result, r.vlmResult.RawConfidence, constants.MethodVLM
			return StateValidating, ReasonOCRFailed
		}
		o.logger.Warn("pipeline.ocr.failed", "req_id", r.req.ID, "kind", kind, "err", err)
		r.note(kind)
		r.result, r.raw, r.method = entity.ExtractionResult{}, 0, constants.MethodOCR
		return StateValidating, kind
	}
	span.SetAttributes(attribute.Int("ocr.fields_found", res.FieldsFound), attribute.Float64("ocr.raw_confidence", res.RawConfidence))
	r.result, r.raw, r.method = res.Data, res.RawConfidence, constants.MethodOCR
	return StateValidating, ""
}

func (o *Orchestrator) validate(ctx context.Context, r *run) {
	_, span := o.tracer.Start(ctx, "pipeline.validate")
	defer span.End()

	res, score := o.validator.Validate(r.result, r.raw, r.method)
	r.result = res
	score.Anomalies = append(r.anomalies, score.Anomalies...)
	r.score = score
	span.SetAttributes(attribute.Float64("confidence.overall", score.Overall), attribute.Int("anomalies", len(score.Anomalies)))
}

func (o *Orchestrator) finish(ctx context.Context, r *run) *entity.ExtractionRecord {
	status := constants.StatusFailed
	if r.fatal == nil {
		status = validate.Status(r.result, r.score, o.cfg.SuccessThreshold)
	}
	sum := sha256.Sum256(r.req.Content)
	rec := &entity.ExtractionRecord{
		ID:               r.req.ID,
		Status:           status,
		Reason:           strings.Join(r.reasons, ","),
		Data:             r.result,
		ConfidenceScore:  r.score.Overall,
		FieldConfidence:  r.score.Fields,
		Anomalies:        r.score.Anomalies,
		ExtractionMethod: r.method,
		ModelUsed:        r.model,
		ProcessingTimeMS: time.Since(r.start).Milliseconds(),
		CostUSD:          r.cost,
		CreatedAt:        time.Now().UTC(),
		ContentHash:      hex.EncodeToString(sum[:]),
		APIKeyPrefix:     r.req.APIKeyPrefix,
	}
	if r.fatal != nil {
		rec.Anomalies = r.anomalies
	}
	if r.method == constants.MethodVLM && r.vlmResult != nil {
		rec.RawModelOutput = r.vlmResult.Raw
	}

	if o.metrics != nil {
		o.metrics.Extractions.WithLabelValues(string(rec.Status), string(rec.ExtractionMethod)).Inc()
		o.metrics.Duration.Observe(time.Since(r.start).Seconds())
		if r.fatal == nil {
			o.metrics.Confidence.Observe(rec.ConfidenceScore)
		}
	}
	if o.store != nil {
		if err := o.store.Save(context.WithoutCancel(ctx), rec); err != nil {
			o.logger.Error("pipeline.persist.failed", "req_id", rec.ID, "err", err)
		}
	}
	o.logger.Info("pipeline.done",
		"req_id", rec.ID,
		"status", rec.Status,
		"method", rec.ExtractionMethod,
		"model", rec.ModelUsed,
		"reason", rec.Reason,
		"confidence", rec.ConfidenceScore,
		"cost_usd", rec.CostUSD.String(),
		"elapsed_ms", rec.ProcessingTimeMS,
	)
	return rec
}

func (o *Orchestrator) cpu(ctx context.Context, fn func() error) error {
	if o.pool == nil {
		return fn()
	}
	return o.pool.Do(ctx, fn)
}

func (o *Orchestrator) observe(t Transition) {
	for _, fn := range o.observers {
		fn(t)
	}
}

func (o *Orchestrator) countError(kind string) {
	if o.metrics != nil && kind != "" {
		o.metrics.Errors.WithLabelValues(kind).Inc()
	}
}
