package server

import (
	"context"
	"io"
	"log/slog"
	"net"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/joseph-ayodele/receipts-extractor/constants"
	"github.com/joseph-ayodele/receipts-extractor/internal/common"
	"github.com/joseph-ayodele/receipts-extractor/internal/entity"
)

type stubExtractor struct{ got entity.ExtractionRequest }

func (s *stubExtractor) Process(_ context.Context, req entity.ExtractionRequest) *entity.ExtractionRecord {
	s.got = req
	return &entity.ExtractionRecord{
		ID:     req.ID,
		Status: constants.StatusSuccess,
		Data: entity.ExtractionResult{
			Vendor:      "Shell",
			TotalAmount: decimal.NewNullDecimal(decimal.RequireFromString("61.20")),
			Currency:    "EUR",
		},
		ConfidenceScore:  0.88,
		FieldConfidence:  map[string]float64{"vendor": 1},
		ExtractionMethod: constants.MethodVLM,
		CostUSD:          decimal.RequireFromString("0.0006"),
		ProcessingTimeMS: 1830,
	}
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
	return entity.CostSummary{
		DailySpendUSD: decimal.RequireFromString("0.42"),
		DailyLimitUSD: decimal.RequireFromString("1"),
		RequestsToday: 7,
	}, nil
}

const bufSize = 1 << 20

func dial(t *testing.T, keys []string) (*grpc.ClientConn, *stubExtractor, uuid.UUID) {
	t.Helper()
	known := uuid.New()
	ext := &stubExtractor{}
	svc := NewExtractionService(ext, stubRecords{known: {ID: known, Status: constants.StatusFailed, Reason: "CorruptImage"}}, stubCosts{}, 1, slog.New(slog.NewTextHandler(io.Discard, nil)))
	gs, _ := NewGRPCServer(svc, keys, slog.New(slog.NewTextHandler(io.Discard, nil)))

	lis := bufconn.Listen(bufSize)
	go func() { _ = gs.Serve(lis) }()
	t.Cleanup(gs.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn, ext, known
}

func TestExtractRoundTrip(t *testing.T) {
	t.Parallel()
	conn, ext, _ := dial(t, nil)
	c := NewClient(conn, "")

	rec, err := c.Extract(context.Background(), []byte{0xFF, 0xD8, 0xFF}, "image/jpeg", "fuel.jpg", true, "")
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if rec.Status != constants.StatusSuccess || rec.Data.Vendor != "Shell" || rec.Data.TotalAmount.Decimal.StringFixed(2) != "61.20" {
		t.Fatalf("record = %+v", rec)
	}
	if rec.ProcessingTimeMS != 1830 || !rec.CostUSD.Equal(decimal.RequireFromString("0.0006")) {
		t.Fatalf("numbers lost in transit: %+v", rec)
	}
	if !ext.got.ForceOCR || ext.got.Filename != "fuel.jpg" || len(ext.got.Content) != 3 || ext.got.APIKeyPrefix != "anonymous" {
		t.Fatalf("request = %+v", ext.got)
	}
}

func TestExtractInvalidArgument(t *testing.T) {
	t.Parallel()
	conn, _, _ := dial(t, nil)
	c := NewClient(conn, "")

	tests := []struct {
		name    string
		content []byte
		mime    string
		model   string
	}{
		{"empty content", nil, "image/png", ""},
		{"unsupported mime", []byte("x"), "text/plain", ""},
		{"bad model", []byte("x"), "image/png", "no-slash"},
		{"too large", make([]byte, 1<<20+1), "image/png", ""},
	}
	for _, tt := range tests {
		_, err := c.Extract(context.Background(), tt.content, tt.mime, "", false, tt.model)
		if status.Code(err) != codes.InvalidArgument {
			t.Fatalf("%s: code = %v, want InvalidArgument", tt.name, status.Code(err))
		}
	}
}

func TestGetResultAndCosts(t *testing.T) {
	t.Parallel()
	conn, _, known := dial(t, nil)
	c := NewClient(conn, "")
	ctx := context.Background()

	rec, err := c.GetResult(ctx, known)
	if err != nil || rec.ID != known || rec.Reason != "CorruptImage" {
		t.Fatalf("GetResult = %+v, %v", rec, err)
	}
	if _, err := c.GetResult(ctx, uuid.New()); status.Code(err) != codes.NotFound {
		t.Fatalf("unknown id code = %v", status.Code(err))
	}
	err = conn.Invoke(ctx, methodGetResult, wrapperspb.String("not-a-uuid"), new(structpb.Struct))
	if status.Code(err) != codes.InvalidArgument || !strings.Contains(status.Convert(err).Message(), "must be a valid UUID") {
		t.Fatalf("bad id = %v", err)
	}

	sum, err := c.CostSummary(ctx)
	if err != nil {
		t.Fatalf("CostSummary: %v", err)
	}
	if sum.RequestsToday != 7 || !sum.DailySpendUSD.Equal(decimal.RequireFromString("0.42")) {
		t.Fatalf("summary = %+v", sum)
	}
}

func TestAPIKeyMetadata(t *testing.T) {
	t.Parallel()
	conn, ext, _ := dial(t, []string{"grpc-key-0123456789"})
	ctx := context.Background()

	if _, err := NewClient(conn, "").CostSummary(ctx); status.Code(err) != codes.Unauthenticated {
		t.Fatalf("missing key code = %v", status.Code(err))
	}
	if _, err := NewClient(conn, "wrong").CostSummary(ctx); status.Code(err) != codes.Unauthenticated {
		t.Fatalf("wrong key code = %v", status.Code(err))
	}
	if _, err := NewClient(conn, "grpc-key-0123456789").Extract(ctx, []byte("x"), "image/png", "", false, ""); err != nil {
		t.Fatalf("valid key: %v", err)
	}
	if ext.got.APIKeyPrefix != common.KeyPrefix("grpc-key-0123456789") {
		t.Fatalf("prefix = %q", ext.got.APIKeyPrefix)
	}
}

func TestHealthServing(t *testing.T) {
	t.Parallel()
	conn, _, _ := dial(t, nil)
	resp, err := healthpb.NewHealthClient(conn).Check(context.Background(), &healthpb.HealthCheckRequest{Service: ServiceName})
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		t.Fatalf("status = %v", resp.GetStatus())
	}
}
