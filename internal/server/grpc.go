// Package server exposes the extraction pipeline over gRPC.
//
// Messages are well-known protobuf types so no generated stubs are needed:
// requests and records travel as google.protobuf.Struct.
package server

import (
	"context"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/joseph-ayodele/receipts-extractor/constants"
	"github.com/joseph-ayodele/receipts-extractor/internal/common"
	"github.com/joseph-ayodele/receipts-extractor/internal/entity"
)

const ServiceName = "receipts.v1.ExtractionService"

const (
	methodExtract     = "/" + ServiceName + "/Extract"
	methodGetResult   = "/" + ServiceName + "/GetResult"
	methodCostSummary = "/" + ServiceName + "/CostSummary"
)

type Extractor interface {
	Process(ctx context.Context, req entity.ExtractionRequest) *entity.ExtractionRecord
}

type RecordGetter interface {
	Get(ctx context.Context, id uuid.UUID) (*entity.ExtractionRecord, error)
}

type CostReporter interface {
	Summary(ctx context.Context) (entity.CostSummary, error)
}

// ExtractionService implements receipts.v1.ExtractionService.
type ExtractionService struct {
	extractor Extractor
	records   RecordGetter
	costs     CostReporter
	maxBytes  int
	logger    *slog.Logger
}

func NewExtractionService(ext Extractor, records RecordGetter, costs CostReporter, maxUploadMB int, logger *slog.Logger) *ExtractionService {
	if logger == nil {
		logger = slog.Default()
	}
	if maxUploadMB <= 0 {
		maxUploadMB = 10
	}
	return &ExtractionService{extractor: ext, records: records, costs: costs, maxBytes: maxUploadMB << 20, logger: logger}
}

// Extract expects a Struct with content (base64), mime_type, and optionally
// filename, force_ocr and model_override.
func (s *ExtractionService) Extract(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	f := in.GetFields()
	content, err := base64.StdEncoding.DecodeString(f["content"].GetStringValue())
	if err != nil {
		return nil, common.InvalidArgumentError("content must be base64")
	}
	mime := constants.NormalizeMime(f["mime_type"].GetStringValue())
	override := f["model_override"].GetStringValue()

	v := common.NewValidator().
		Field("content", content, common.Required, common.MaxBytes(s.maxBytes)).
		Field("model_override", override, common.ModelID)
	if err := common.ValidateAndReturnError(v); err != nil {
		return nil, err
	}
	if !constants.IsSupportedMime(mime) {
		return nil, common.InvalidArgumentErrorf("unsupported mime_type %q", mime)
	}

	req := entity.NewExtractionRequest(content, mime, f["filename"].GetStringValue())
	req.ForceOCR = f["force_ocr"].GetBoolValue()
	req.ModelOverride = override
	req.APIKeyPrefix = common.APIKeyPrefixFromContext(ctx)

	return toStruct(s.extractor.Process(ctx, req))
}

func (s *ExtractionService) GetResult(ctx context.Context, in *wrapperspb.StringValue) (*structpb.Struct, error) {
	if err := common.ValidateAndReturnError(common.NewValidator().Field("id", in.GetValue(), common.UUID)); err != nil {
		return nil, err
	}
	rec, err := s.records.Get(ctx, uuid.MustParse(in.GetValue()))
	if errors.Is(err, common.ErrNotFound) {
		return nil, common.NotFoundError("result not found")
	}
	if err != nil {
		s.logger.Error("grpc.get_result.failed", "id", in.GetValue(), "err", err)
		return nil, common.InternalError("could not load result")
	}
	return toStruct(rec)
}

func (s *ExtractionService) CostSummary(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	sum, err := s.costs.Summary(ctx)
	if err != nil {
		s.logger.Error("grpc.cost_summary.failed", "err", err)
		return nil, common.InternalError("could not read budget")
	}
	return toStruct(sum)
}

// toStruct goes through JSON so the gRPC and HTTP shapes stay identical.
func toStruct(v any) (*structpb.Struct, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, common.InternalErrorf("encode: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, common.InternalErrorf("encode: %v", err)
	}
	out, err := structpb.NewStruct(m)
	if err != nil {
		return nil, common.InternalErrorf("encode: %v", err)
	}
	return out, nil
}

type extractionServer interface {
	Extract(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetResult(context.Context, *wrapperspb.StringValue) (*structpb.Struct, error)
	CostSummary(context.Context, *emptypb.Empty) (*structpb.Struct, error)
}

func unary[In any, Out any](method string, call func(extractionServer, context.Context, *In) (Out, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(In)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(extractionServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/" + method}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return call(srv.(extractionServer), ctx, req.(*In))
			})
		},
	}
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*extractionServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("Extract", extractionServer.Extract),
		unary("GetResult", extractionServer.GetResult),
		unary("CostSummary", extractionServer.CostSummary),
	},
	Metadata: "receipts/v1/extraction.proto",
}

// RegisterExtractionService adds svc to s.
func RegisterExtractionService(s grpc.ServiceRegistrar, svc *ExtractionService) {
	s.RegisterService(&serviceDesc, svc)
}

// NewGRPCServer builds a server with the extraction service, health and reflection
// registered. apiKeys, when non-empty, are required as x-api-key metadata.
func NewGRPCServer(svc *ExtractionService, apiKeys []string, logger *slog.Logger) (*grpc.Server, *health.Server) {
	if logger == nil {
		logger = slog.Default()
	}
	gs := grpc.NewServer(grpc.ChainUnaryInterceptor(logUnary(logger), authUnary(apiKeys)))
	hs := health.NewServer()
	healthpb.RegisterHealthServer(gs, hs)
	hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	hs.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
	reflection.Register(gs)
	RegisterExtractionService(gs, svc)
	return gs, hs
}

func logUnary(logger *slog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		reqID := uuid.NewString()
		if md, ok := metadata.FromIncomingContext(ctx); ok {
			if v := md.Get("x-request-id"); len(v) > 0 && v[0] != "" {
				reqID = v[0]
			}
		}
		ctx = common.WithRequestID(ctx, reqID)
		start := time.Now()
		resp, err := handler(ctx, req)
		logger.Info("grpc.request",
			"req_id", reqID,
			"method", info.FullMethod,
			"code", status.Code(err).String(),
			"elapsed_ms", time.Since(start).Milliseconds(),
		)
		return resp, err
	}
}

func authUnary(keys []string) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if len(keys) == 0 {
			return handler(common.WithAPIKeyPrefix(ctx, "anonymous"), req)
		}
		md, _ := metadata.FromIncomingContext(ctx)
		got := md.Get("x-api-key")
		if len(got) == 0 || got[0] == "" {
			return nil, status.Error(codes.Unauthenticated, "missing x-api-key")
		}
		for _, k := range keys {
			if subtle.ConstantTimeCompare([]byte(k), []byte(got[0])) == 1 {
				return handler(common.WithAPIKeyPrefix(ctx, common.KeyPrefix(k)), req)
			}
		}
		return nil, status.Error(codes.Unauthenticated, "invalid API key")
	}
}

// Client calls a remote ExtractionService.
type Client struct {
	cc     grpc.ClientConnInterface
	apiKey string
}

func NewClient(cc grpc.ClientConnInterface, apiKey string) *Client {
	return &Client{cc: cc, apiKey: apiKey}
}

func (c *Client) outgoing(ctx context.Context) context.Context {
	if c.apiKey == "" {
		return ctx
	}
	return metadata.AppendToOutgoingContext(ctx, "x-api-key", c.apiKey)
}

// Extract uploads content and decodes the returned record.
func (c *Client) Extract(ctx context.Context, content []byte, mime, filename string, forceOCR bool, modelOverride string) (*entity.ExtractionRecord, error) {
	in, err := structpb.NewStruct(map[string]any{
		"content":        base64.StdEncoding.EncodeToString(content),
		"mime_type":      mime,
		"filename":       filename,
		"force_ocr":      forceOCR,
		"model_override": modelOverride,
	})
	if err != nil {
		return nil, err
	}
	out := new(structpb.Struct)
	if err := c.cc.Invoke(c.outgoing(ctx), methodExtract, in, out); err != nil {
		return nil, err
	}
	var rec entity.ExtractionRecord
	return &rec, fromStruct(out, &rec)
}

func (c *Client) GetResult(ctx context.Context, id uuid.UUID) (*entity.ExtractionRecord, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(c.outgoing(ctx), methodGetResult, wrapperspb.String(id.String()), out); err != nil {
		return nil, err
	}
	var rec entity.ExtractionRecord
	return &rec, fromStruct(out, &rec)
}

func (c *Client) CostSummary(ctx context.Context) (entity.CostSummary, error) {
	var sum entity.CostSummary
	out := new(structpb.Struct)
	if err := c.cc.Invoke(c.outgoing(ctx), methodCostSummary, &emptypb.Empty{}, out); err != nil {
		return sum, err
	}
	return sum, fromStruct(out, &sum)
}

func fromStruct(s *structpb.Struct, v any) error {
	b, err := s.MarshalJSON()
	if err != nil {
		return err
	}
	if err := json.Unmarshal(b, v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
