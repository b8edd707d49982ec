package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/monsoonfirepottery-byte/monsoonfire-portal-sub012/internal/domain"
	"github.com/monsoonfirepottery-byte/monsoonfire-portal-sub012/internal/infra/auth"
	"github.com/monsoonfirepottery-byte/monsoonfire-portal-sub012/internal/proposal"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// Сервис описан вручную: сообщения — google.protobuf.Struct, кодогенерация не нужна.
const (
	GatewayServiceName = "policygate.v1.Gateway"
	MethodPropose      = "/" + GatewayServiceName + "/Propose"
	MethodExecute      = "/" + GatewayServiceName + "/Execute"

	// reasonTrailer — код причины отказа в trailer-метаданных.
	reasonTrailer = "x-reason-code"
)

// GatewayService — контракт gRPC-обработчика (HandlerType в ServiceDesc).
type GatewayService interface {
	Propose(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	Execute(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

type GRPCGatewayServer struct {
	core *Core
}

func NewGRPCGatewayServer(core *Core) *GRPCGatewayServer {
	return &GRPCGatewayServer{core: core}
}

// Register подключает сервис к gRPC серверу.
func (s *GRPCGatewayServer) Register(srv grpc.ServiceRegistrar) {
	srv.RegisterService(&gatewayServiceDesc, s)
}

// Propose: {capabilityId, rationale, previewSummary, input, ownerUid?, tenantId?} -> Result.
func (s *GRPCGatewayServer) Propose(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	actor, ok := auth.ActorFrom(ctx)
	if !ok {
		return nil, status.Error(codes.Unauthenticated, "missing actor")
	}
	fields := req.GetFields()
	capID := fields["capabilityId"].GetStringValue()
	if capID == "" {
		return nil, toStatus(ctx, domain.Invalid("capabilityId is required"))
	}

	// 1. Struct -> Draft через JSON, как и на HTTP границе
	draftFields := make(map[string]*structpb.Value, len(fields))
	for k, v := range fields {
		if k != "capabilityId" {
			draftFields[k] = v
		}
	}
	raw, err := json.Marshal((&structpb.Struct{Fields: draftFields}).AsMap())
	if err != nil {
		return nil, toStatus(ctx, domain.Invalid("malformed request"))
	}
	var draft proposal.Draft
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&draft); err != nil {
		return nil, toStatus(ctx, domain.Invalid("malformed request: %v", err))
	}

	// 2. Единый пайплайн (тот же, что и для HTTP)
	res, err := s.core.CreateProposal(ctx, actor, capID, draft)
	if err != nil {
		return nil, toStatus(ctx, err)
	}
	return toStruct(res)
}

// Execute: {proposalId, idempotencyKey?} -> ExecutionResult.
func (s *GRPCGatewayServer) Execute(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	actor, ok := auth.ActorFrom(ctx)
	if !ok {
		return nil, status.Error(codes.Unauthenticated, "missing actor")
	}
	fields := req.GetFields()
	id := fields["proposalId"].GetStringValue()
	if id == "" {
		return nil, toStatus(ctx, domain.Invalid("proposalId is required"))
	}
	res, err := s.core.Execute(ctx, actor, id, fields["idempotencyKey"].GetStringValue())
	if err != nil {
		return nil, toStatus(ctx, err)
	}
	return toStruct(res)
}

func toStruct(v any) (*structpb.Struct, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, status.Error(codes.Internal, "internal error")
	}
	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, status.Error(codes.Internal, "internal error")
	}
	out, err := structpb.NewStruct(m)
	if err != nil {
		return nil, status.Error(codes.Internal, "internal error")
	}
	return out, nil
}

// toStatus — отказ в gRPC статус; код причины уходит в trailer.
func toStatus(ctx context.Context, err error) error {
	reason := domain.ReasonOf(err)
	_ = grpc.SetTrailer(ctx, metadata.Pairs(reasonTrailer, string(reason)))

	msg := "internal error"
	var pe *domain.PolicyError
	if reason != domain.ReasonInternal && errors.As(err, &pe) {
		msg = pe.Message
	}
	return status.Error(grpcCode(reason), fmt.Sprintf("%s: %s", reason, msg))
}

func grpcCode(reason domain.ReasonCode) codes.Code {
	switch reason {
	case domain.ReasonUnauthenticated:
		return codes.Unauthenticated
	case domain.ReasonInvalidArgument:
		return codes.InvalidArgument
	case domain.ReasonNotFound:
		return codes.NotFound
	case domain.ReasonRateLimited:
		return codes.ResourceExhausted
	case domain.ReasonConflict, domain.ReasonIdempotencyKeyConflict, domain.ReasonInvalidTransition:
		return codes.Aborted
	case domain.ReasonInternal:
		return codes.Internal
	}
	return codes.PermissionDenied
}

var gatewayServiceDesc = grpc.ServiceDesc{
	ServiceName: GatewayServiceName,
	HandlerType: (*GatewayService)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Propose", Handler: unaryHandler(MethodPropose, GatewayService.Propose)},
		{MethodName: "Execute", Handler: unaryHandler(MethodExecute, GatewayService.Execute)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "policygate/v1/gateway.proto",
}

type unaryMethod func(GatewayService, context.Context, *structpb.Struct) (*structpb.Struct, error)

// unaryHandler повторяет то, что генерирует protoc-gen-go-grpc для unary метода.
func unaryHandler(fullMethod string, call unaryMethod) func(interface{}, context.Context, func(interface{}) error, grpc.UnaryServerInterceptor) (interface{}, error) {
	return func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(GatewayService), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req interface{}) (interface{}, error) {
			return call(srv.(GatewayService), ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}
