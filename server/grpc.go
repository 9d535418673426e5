// Package server exposes the OTP exchange to operators: a gRPC service for tools and a
// websocket feed for the live console.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/phuslu/log"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/commission-vm/logging"
	"github.com/commission-vm/model"
	"github.com/commission-vm/otp"
	"github.com/commission-vm/store"
)

const Version = "1.0.0"

// OTPServiceName is the fully qualified gRPC service name.
const OTPServiceName = "commissionvm.v1.OtpExchange"

// OTPBroker is the part of the broker operators talk to.
type OTPBroker interface {
	Submit(ctx context.Context, jobID, siteID, code string) error
	Pending(ctx context.Context) ([]model.OtpRequest, error)
}

type otpExchangeServer interface {
	SubmitOtp(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	PendingOtp(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

// Messages are plain structpb.Struct values, so the service needs no generated code.
var otpExchangeDesc = grpc.ServiceDesc{
	ServiceName: OTPServiceName,
	HandlerType: (*otpExchangeServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "SubmitOtp", Handler: unary("SubmitOtp", otpExchangeServer.SubmitOtp)},
		{MethodName: "PendingOtp", Handler: unary("PendingOtp", otpExchangeServer.PendingOtp)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "commissionvm/v1/otp.proto",
}

func unary(method string, call func(otpExchangeServer, context.Context, *structpb.Struct) (*structpb.Struct, error)) grpc.MethodHandler {
	fullMethod := "/" + OTPServiceName + "/" + method
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(otpExchangeServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(otpExchangeServer), ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}

// OTPExchange implements the SubmitOtp and PendingOtp RPCs on top of the broker.
type OTPExchange struct {
	Broker OTPBroker
	Logger *log.Logger
}

func (s *OTPExchange) logger() *log.Logger {
	return logging.Component(s.Logger, "server")
}

// SubmitOtp takes {job_id, site_id, otp} and answers {accepted: true}.
func (s *OTPExchange) SubmitOtp(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	jobID, siteID, code := stringField(req, "job_id"), stringField(req, "site_id"), stringField(req, "otp")
	if jobID == "" || siteID == "" {
		return nil, status.Error(codes.InvalidArgument, "job_id and site_id are required")
	}

	err := s.Broker.Submit(ctx, jobID, siteID, code)
	switch {
	case err == nil:
	case errors.Is(err, otp.ErrEmptyCode):
		return nil, status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, store.ErrNotFound):
		return nil, status.Errorf(codes.NotFound, "no open OTP request for job %s on %s", jobID, siteID)
	default:
		s.logger().Error().Err(err).Str("job_id", jobID).Str("site", siteID).Msg("OTP submit failed")
		return nil, status.Error(codes.Internal, err.Error())
	}

	s.logger().Info().Str("job_id", jobID).Str("site", siteID).Msg("OTP submitted")
	return structpb.NewStruct(map[string]any{"accepted": true})
}

// PendingOtp answers {requests: [...]} with every request still waiting for a code.
func (s *OTPExchange) PendingOtp(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	reqs, err := s.Broker.Pending(ctx)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	list := make([]any, 0, len(reqs))
	for _, r := range reqs {
		list = append(list, requestToMap(r))
	}
	return structpb.NewStruct(map[string]any{"requests": list})
}

// NewGRPCServer registers the exchange, health and reflection.
func NewGRPCServer(exchange *OTPExchange) *grpc.Server {
	s := grpc.NewServer(grpc.ChainUnaryInterceptor(loggingInterceptor(exchange.logger())))
	s.RegisterService(&otpExchangeDesc, exchange)

	hs := health.NewServer()
	healthpb.RegisterHealthServer(s, hs)
	hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	hs.SetServingStatus(OTPServiceName, healthpb.HealthCheckResponse_SERVING)

	reflection.Register(s)
	return s
}

// ServeGRPC serves on lis until ctx is done, then stops gracefully.
func ServeGRPC(ctx context.Context, s *grpc.Server, lis net.Listener, logger *log.Logger) error {
	logger = logging.Component(logger, "server")
	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", lis.Addr().String()).Msg("gRPC server listening")
		errCh <- s.Serve(lis)
	}()

	select {
	case <-ctx.Done():
		s.GracefulStop()
		return nil
	case err := <-errCh:
		if errors.Is(err, grpc.ErrServerStopped) {
			return nil
		}
		return fmt.Errorf("grpc serve: %w", err)
	}
}

func loggingInterceptor(logger *log.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		logger.Debug().Str("method", info.FullMethod).Str("code", status.Code(err).String()).Dur("took", time.Since(start)).Msg("rpc")
		return resp, err
	}
}

func stringField(s *structpb.Struct, key string) string {
	return s.GetFields()[key].GetStringValue()
}

func requestToMap(r model.OtpRequest) map[string]any {
	return map[string]any{
		"id":                r.ID,
		"job_id":            r.JobID,
		"site_id":           r.SiteID,
		"site":              r.SiteName,
		"status":            string(r.Status),
		"phone_last_digits": r.PhoneLastDigits,
		"created_at":        r.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
}

func requestFromStruct(s *structpb.Struct) model.OtpRequest {
	created, _ := time.Parse(time.RFC3339Nano, stringField(s, "created_at"))
	return model.OtpRequest{
		ID:              stringField(s, "id"),
		JobID:           stringField(s, "job_id"),
		SiteID:          stringField(s, "site_id"),
		SiteName:        stringField(s, "site"),
		Status:          model.OtpStatus(stringField(s, "status")),
		PhoneLastDigits: stringField(s, "phone_last_digits"),
		CreatedAt:       created,
	}
}
