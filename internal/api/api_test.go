package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/joseph-ayodele/receipts-extractor/constants"
	"github.com/joseph-ayodele/receipts-extractor/internal/common"
	"github.com/joseph-ayodele/receipts-extractor/internal/entity"
	"github.com/joseph-ayodele/receipts-extractor/internal/vlm"
)

func init() { gin.SetMode(gin.TestMode) }

type stubExtractor struct {
	mu   sync.Mutex
	reqs []entity.ExtractionRequest
}

func (s *stubExtractor) Process(_ context.Context, req entity.ExtractionRequest) *entity.ExtractionRecord {
	s.mu.Lock()
	s.reqs = append(s.reqs, req)
	s.mu.Unlock()
	return &entity.ExtractionRecord{
		ID:               req.ID,
		Status:           constants.StatusSuccess,
		Data:             entity.ExtractionResult{Vendor: "REWE", TotalAmount: decimal.NewNullDecimal(decimal.RequireFromString("12.50"))},
		ConfidenceScore:  0.9,
		ExtractionMethod: constants.MethodVLM,
		CreatedAt:        req.ReceivedAt,
	}
}

func (s *stubExtractor) last() entity.ExtractionRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reqs[len(s.reqs)-1]
}

type stubRecords map[uuid.UUID]*entity.ExtractionRecord

func (s stubRecords) Get(_ context.Context, id uuid.UUID) (*entity.ExtractionRecord, error) {
	if r, ok := s[id]; ok {
		return r, nil
	}
	return nil, common.ErrNotFound
}

type stubCosts struct{}

func (stubCosts) Summary(context.Context) (entity.CostSummary, error) {
	return entity.CostSummary{DailyLimitUSD: decimal.RequireFromString("1.00")}, nil
}

type stubExport struct{ from, to *time.Time }

func (s *stubExport) ExportXLSX(_ context.Context, from, to *time.Time) ([]byte, error) {
	s.from, s.to = from, to
	return []byte("PK-fake"), nil
}

type fixture struct {
	h      http.Handler
	ext    *stubExtractor
	export *stubExport
	known  uuid.UUID
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	known := uuid.New()
	f := &fixture{ext: &stubExtractor{}, export: &stubExport{}, known: known}
	deps := Deps{
		Extractor: f.ext,
		Records:   stubRecords{known: {ID: known, Status: constants.StatusPartial}},
		Costs:     stubCosts{},
		Models:    vlm.NewPriceTable(2000),
		Export:    f.export,
		Metrics:   http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { _, _ = io.WriteString(w, "receipts_extractions_total 0\n") }),
	}
	f.h = NewServer(cfg, deps, slog.New(slog.NewTextHandler(io.Discard, nil))).Router()
	return f
}

func uploadRequest(t *testing.T, url, filename, contentType string, body []byte) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	hdr := textproto.MIMEHeader{}
	hdr.Set("Content-Disposition", `form-data; name="file"; filename="`+filename+`"`)
	if contentType != "" {
		hdr.Set("Content-Type", contentType)
	}
	part, err := mw.CreatePart(hdr)
	if err != nil {
		t.Fatalf("CreatePart: %v", err)
	}
	_, _ = part.Write(body)
	_ = mw.Close()
	req := httptest.NewRequest(http.MethodPost, url, &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func serve(h http.Handler, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func errorOf(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body errorBody
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode error body %q: %v", rec.Body.String(), err)
	}
	return body.Error
}

func TestHealth(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{APIKeys: []string{"sk-test-0123456789"}})
	rec := serve(f.h, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "healthy") {
		t.Fatalf("health = %d %s", rec.Code, rec.Body.String())
	}
	if rec.Header().Get(headerRequestID) == "" {
		t.Fatalf("missing %s header", headerRequestID)
	}
}

func TestExtractSuccess(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})
	req := uploadRequest(t, "/v1/extract?force_ocr=true&model_override=qwen/qwen2-vl-7b-instruct", "receipt.jpg", "image/jpeg", []byte{0xFF, 0xD8, 0xFF, 0xE0})
	rec := serve(f.h, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body.String())
	}
	var got entity.ExtractionRecord
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Status != constants.StatusSuccess || got.Data.Vendor != "REWE" {
		t.Fatalf("record = %+v", got)
	}
	sent := f.ext.last()
	if !sent.ForceOCR || sent.ModelOverride != "qwen/qwen2-vl-7b-instruct" || sent.MimeType != "image/jpeg" || sent.Filename != "receipt.jpg" {
		t.Fatalf("request = %+v", sent)
	}
	if sent.APIKeyPrefix != "anonymous" {
		t.Fatalf("key prefix = %q", sent.APIKeyPrefix)
	}
}

func TestExtractMimeFromExtension(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})
	rec := serve(f.h, uploadRequest(t, "/v1/extract", "scan.PDF", "application/octet-stream", []byte("%PDF-1.4")))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body.String())
	}
	if got := f.ext.last().MimeType; got != "application/pdf" {
		t.Fatalf("mime = %q", got)
	}
}

func TestExtractRejects(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		req  func(t *testing.T) *http.Request
		want int
	}{
		{
			name: "unsupported type",
			req: func(t *testing.T) *http.Request {
				return uploadRequest(t, "/v1/extract", "notes.txt", "text/plain", []byte("hello"))
			},
			want: http.StatusBadRequest,
		},
		{
			name: "missing file field",
			req: func(t *testing.T) *http.Request {
				return httptest.NewRequest(http.MethodPost, "/v1/extract", strings.NewReader(""))
			},
			want: http.StatusBadRequest,
		},
		{
			name: "bad force_ocr",
			req: func(t *testing.T) *http.Request {
				return uploadRequest(t, "/v1/extract?force_ocr=maybe", "r.png", "image/png", []byte("x"))
			},
			want: http.StatusBadRequest,
		},
		{
			name: "bad model override",
			req: func(t *testing.T) *http.Request {
				return uploadRequest(t, "/v1/extract?model_override=gpt4", "r.png", "image/png", []byte("x"))
			},
			want: http.StatusBadRequest,
		},
		{
			name: "empty file",
			req: func(t *testing.T) *http.Request {
				return uploadRequest(t, "/v1/extract", "r.png", "image/png", nil)
			},
			want: http.StatusBadRequest,
		},
		{
			name: "too large",
			req: func(t *testing.T) *http.Request {
				return uploadRequest(t, "/v1/extract", "big.jpg", "image/jpeg", bytes.Repeat([]byte{1}, 1<<20+10))
			},
			want: http.StatusRequestEntityTooLarge,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			f := newFixture(t, Config{MaxUploadMB: 1})
			rec := serve(f.h, tt.req(t))
			if rec.Code != tt.want {
				t.Fatalf("status = %d, want %d (body %s)", rec.Code, tt.want, rec.Body.String())
			}
			if errorOf(t, rec) == "" {
				t.Fatalf("empty error message")
			}
			if len(f.ext.reqs) != 0 {
				t.Fatalf("extractor called for rejected request")
			}
		})
	}
}

func TestAPIKeyRequired(t *testing.T) {
	t.Parallel()
	const key = "sk-live-abcdef0123456789"
	f := newFixture(t, Config{APIKeys: []string{key}})

	rec := serve(f.h, httptest.NewRequest(http.MethodGet, "/v1/models", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("missing key = %d", rec.Code)
	}
	req := httptest.NewRequest(http.MethodGet, "/v1/models", nil)
	req.Header.Set(headerAPIKey, "sk-live-wrong")
	if rec := serve(f.h, req); rec.Code != http.StatusUnauthorized {
		t.Fatalf("wrong key = %d", rec.Code)
	}

	up := uploadRequest(t, "/v1/extract", "r.jpg", "image/jpeg", []byte{0xFF, 0xD8})
	up.Header.Set(headerAPIKey, key)
	if rec := serve(f.h, up); rec.Code != http.StatusOK {
		t.Fatalf("valid key = %d", rec.Code)
	}
	if got := f.ext.last().APIKeyPrefix; got != common.KeyPrefix(key) {
		t.Fatalf("prefix = %q", got)
	}
}

func TestRateLimitPerKey(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{APIKeys: []string{"key-one-000000000", "key-two-000000000"}, RateLimitPerMinute: 3})
	get := func(key string) int {
		req := httptest.NewRequest(http.MethodGet, "/v1/models", nil)
		req.Header.Set(headerAPIKey, key)
		return serve(f.h, req).Code
	}
	for i := 0; i < 3; i++ {
		if code := get("key-one-000000000"); code != http.StatusOK {
			t.Fatalf("request %d = %d", i, code)
		}
	}
	if code := get("key-one-000000000"); code != http.StatusTooManyRequests {
		t.Fatalf("over limit = %d, want 429", code)
	}
	if code := get("key-two-000000000"); code != http.StatusOK {
		t.Fatalf("other key = %d, want 200", code)
	}
}

func TestRateLimitKeysSharingPrefix(t *testing.T) {
	t.Parallel()
	// both keys log as "sk-team-shar..."
	a, b := "sk-team-shared-aaaa", "sk-team-shared-bbbb"
	f := newFixture(t, Config{APIKeys: []string{a, b}, RateLimitPerMinute: 2})
	get := func(key string) int {
		req := httptest.NewRequest(http.MethodGet, "/v1/models", nil)
		req.Header.Set(headerAPIKey, key)
		return serve(f.h, req).Code
	}
	for i := 0; i < 2; i++ {
		if code := get(a); code != http.StatusOK {
			t.Fatalf("request %d = %d", i, code)
		}
	}
	if code := get(a); code != http.StatusTooManyRequests {
		t.Fatalf("over limit = %d, want 429", code)
	}
	if code := get(b); code != http.StatusOK {
		t.Fatalf("key with the same prefix = %d, want 200", code)
	}
}

func TestGetResult(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})

	rec := serve(f.h, httptest.NewRequest(http.MethodGet, "/v1/results/"+f.known.String(), nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), f.known.String()) {
		t.Fatalf("known = %d %s", rec.Code, rec.Body.String())
	}
	if rec := serve(f.h, httptest.NewRequest(http.MethodGet, "/v1/results/"+uuid.NewString(), nil)); rec.Code != http.StatusNotFound {
		t.Fatalf("unknown = %d", rec.Code)
	}
	if rec := serve(f.h, httptest.NewRequest(http.MethodGet, "/v1/results/not-a-uuid", nil)); rec.Code != http.StatusBadRequest || !strings.Contains(rec.Body.String(), "must be a valid UUID") {
		t.Fatalf("bad id = %d %s", rec.Code, rec.Body.String())
	}
}

func TestModelsAndCosts(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})

	rec := serve(f.h, httptest.NewRequest(http.MethodGet, "/v1/models", nil))
	var models struct {
		Models []vlm.ModelPrice `json:"models"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &models); err != nil || len(models.Models) == 0 {
		t.Fatalf("models = %s (%v)", rec.Body.String(), err)
	}

	rec = serve(f.h, httptest.NewRequest(http.MethodGet, "/v1/costs", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("costs = %d", rec.Code)
	}
}

func TestExportDates(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})

	rec := serve(f.h, httptest.NewRequest(http.MethodGet, "/v1/export.xlsx?from=2026-02-01&to=2026-02-28", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("export = %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); !strings.Contains(ct, "spreadsheetml") {
		t.Fatalf("content type = %q", ct)
	}
	if f.export.from == nil || f.export.from.Day() != 1 || f.export.to.Day() != 28 {
		t.Fatalf("window = %v..%v", f.export.from, f.export.to)
	}
	if rec := serve(f.h, httptest.NewRequest(http.MethodGet, "/v1/export.xlsx?from=02/01/2026", nil)); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad date = %d", rec.Code)
	}
}

func TestMetricsRoute(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{APIKeys: []string{"sk-test-0123456789"}})
	rec := serve(f.h, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "receipts_extractions_total") {
		t.Fatalf("metrics = %d %s", rec.Code, rec.Body.String())
	}
}
