package vlm

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sashabaranov/go-openai"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/joseph-ayodele/receipts-extractor/internal/common"
	"github.com/joseph-ayodele/receipts-extractor/internal/entity"
)

type Config struct {
	APIKey  string
	BaseURL string // OpenAI-compatible endpoint, e.g. https://openrouter.ai/api/v1

	Temperature float32
	MaxTokens   int
	Timeout     time.Duration // per attempt

	MaxAttempts int
	BackoffMin  time.Duration
	BackoffMax  time.Duration

	RequestsPerSec float64 // 0 disables the outbound limiter

	Referer string // OpenRouter attribution headers
	Title   string
}

// Usage is the token count the provider billed for.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// Output describes one Extract call. Billed is true once the provider answered, and
// from then on Usage and CostUSD are meaningful even if parsing failed.
type Output struct {
	Result        entity.ExtractionResult
	RawConfidence float64
	Model         string
	Usage         Usage
	CostUSD       decimal.Decimal
	Billed        bool
	Attempts      int
	Raw           string
	ParsedCleanly bool
	Normalized    []string
}

type Extractor struct {
	cfg     Config
	client  *openai.Client
	prices  *PriceTable
	limiter *rate.Limiter
	logger  *slog.Logger
}

func New(cfg Config, prices *PriceTable, logger *slog.Logger) *Extractor {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://openrouter.ai/api/v1"
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 2000
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.BackoffMin <= 0 {
		cfg.BackoffMin = time.Second
	}
	if cfg.BackoffMax < cfg.BackoffMin {
		cfg.BackoffMax = 10 * cfg.BackoffMin
	}
	if cfg.Title == "" {
		cfg.Title = "receipts-extractor"
	}
	if prices == nil {
		prices = NewPriceTable(cfg.MaxTokens)
	}

	oc := openai.DefaultConfig(cfg.APIKey)
	oc.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	oc.HTTPClient = &http.Client{Transport: headerTransport{
		base:    http.DefaultTransport,
		headers: map[string]string{"HTTP-Referer": cfg.Referer, "X-Title": cfg.Title},
	}}

	var lim *rate.Limiter
	if cfg.RequestsPerSec > 0 {
		burst := int(cfg.RequestsPerSec)
		if burst < 1 {
			burst = 1
		}
		lim = rate.NewLimiter(rate.Limit(cfg.RequestsPerSec), burst)
	}
	return &Extractor{
		cfg:     cfg,
		client:  openai.NewClientWithConfig(oc),
		prices:  prices,
		limiter: lim,
		logger:  logger,
	}
}

// Extract asks model for the receipt fields on img.
//
// Transient failures are retried with exponential backoff up to MaxAttempts. Each
// attempt runs detached from ctx's cancellation with its own timeout, so a call that
// has started finishes and its cost is reported; a cancelled ctx only prevents new
// attempts. Failures wrap ErrTransientRemote, ErrRemoteRejected or ErrMalformedModelOutput.
func (e *Extractor) Extract(ctx context.Context, img entity.PreprocessedImage, model string) (Output, error) {
	rid := uuid.New().String()
	start := time.Now()
	out := Output{Model: model}
	if model == "" {
		return out, errors.New("vlm: empty model id")
	}

	req := e.buildRequest(img, model)
	e.logger.Info("vlm.extract.start", "req_id", rid, "model", model, "image_bytes", len(img.JPEG))

	var (
		resp    openai.ChatCompletionResponse
		lastErr error
	)
	for attempt := 1; attempt <= e.cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			lastErr = err
			break
		}
		if e.limiter != nil {
			if err := e.limiter.Wait(ctx); err != nil {
				lastErr = err
				break
			}
		}
		out.Attempts = attempt

		callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.Timeout)
		r, err := e.client.CreateChatCompletion(callCtx, req)
		cancel()
		if err == nil {
			resp, lastErr = r, nil
			break
		}
		lastErr = err
		if !isTransient(err) {
			e.logger.Error("vlm.extract.failed", "req_id", rid, "model", model, "attempt", attempt, "err", err)
			return out, fmt.Errorf("vlm call to %s: %v: %w", model, err, common.ErrRemoteRejected)
		}
		if attempt == e.cfg.MaxAttempts {
			break
		}
		wait := backoff(attempt, e.cfg.BackoffMin, e.cfg.BackoffMax)
		e.logger.Warn("vlm.extract.retry", "req_id", rid, "model", model, "attempt", attempt, "backoff_ms", wait.Milliseconds(), "err", err)
		if err := sleepCtx(ctx, wait); err != nil {
			break
		}
	}
	if lastErr != nil {
		e.logger.Error("vlm.extract.exhausted", "req_id", rid, "model", model, "attempts", out.Attempts, "err", lastErr)
		return out, fmt.Errorf("vlm call to %s after %d attempts: %v: %w", model, out.Attempts, lastErr, common.ErrTransientRemote)
	}

	out.Billed = true
	out.Usage = Usage{InputTokens: resp.Usage.PromptTokens, OutputTokens: resp.Usage.CompletionTokens}
	out.CostUSD = e.prices.Cost(model, out.Usage.InputTokens, out.Usage.OutputTokens)

	if len(resp.Choices) == 0 {
		e.logger.Error("vlm.extract.no_choices", "req_id", rid, "model", model)
		return out, fmt.Errorf("no choices in response: %w", common.ErrMalformedModelOutput)
	}
	content := resp.Choices[0].Message.Content
	out.Raw = compactRaw(content)

	p, err := parseModelOutput(content)
	if err != nil {
		e.logger.Warn("vlm.extract.malformed", "req_id", rid, "model", model, "err", err, "cost_usd", out.CostUSD.String())
		return out, err
	}
	if len(p.Normalized) > 0 {
		e.logger.Warn("vlm.extract.normalize_sanitize", "req_id", rid, "fixed", p.Normalized)
	}
	out.Result = p.Result
	out.Normalized = p.Normalized
	out.ParsedCleanly = len(p.Normalized) == 0
	out.RawConfidence = rawConfidence(p)

	e.logger.Info("vlm.extract.ok",
		"req_id", rid,
		"model", model,
		"vendor", out.Result.Vendor,
		"total", out.Result.TotalAmount.Decimal.String(),
		"input_tokens", out.Usage.InputTokens,
		"output_tokens", out.Usage.OutputTokens,
		"cost_usd", out.CostUSD.String(),
		"raw_confidence", out.RawConfidence,
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	return out, nil
}

func (e *Extractor) buildRequest(img entity.PreprocessedImage, model string) openai.ChatCompletionRequest {
	dataURL := "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString(img.JPEG)
	return openai.ChatCompletionRequest{
		Model:       model,
		Temperature: e.cfg.Temperature,
		MaxTokens:   e.cfg.MaxTokens,
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{
				Role: openai.ChatMessageRoleUser,
				MultiContent: []openai.ChatMessagePart{
					{Type: openai.ChatMessagePartTypeText, Text: userPrompt},
					{Type: openai.ChatMessagePartTypeImageURL, ImageURL: &openai.ChatMessageImageURL{
						URL:    dataURL,
						Detail: openai.ImageURLDetailHigh,
					}},
				},
			},
		},
	}
}

// rawConfidence is how sure the VLM path is before validation: field coverage,
// blended with the model's own estimate when it gave one, discounted when the
// answer needed fixing.
func rawConfidence(p parsed) float64 {
	r := p.Result
	cov := 0.0
	if r.Vendor != "" {
		cov += 0.3
	}
	if r.TotalAmount.Valid {
		cov += 0.3
	}
	if r.Date != "" {
		cov += 0.2
	}
	if r.Currency != "" {
		cov += 0.1
	}
	if r.TaxAmount.Valid {
		cov += 0.1
	}
	c := cov
	if p.Reported != nil {
		c = 0.5*cov + 0.5**p.Reported
	}
	if len(p.Normalized) > 0 {
		c *= 0.9
	}
	if c > 1 {
		c = 1
	}
	return c
}

type headerTransport struct {
	base    http.RoundTripper
	headers map[string]string
}

func (t headerTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	r = r.Clone(r.Context())
	for k, v := range t.headers {
		if v != "" {
			r.Header.Set(k, v)
		}
	}
	return t.base.RoundTrip(r)
}
