package httpapi

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/status"

	"ridehub.io/internal/auth"
	"ridehub.io/internal/obs"
)

const (
	healthMethodPrefix     = "/grpc.health.v1.Health/"
	reflectionMethodPrefix = "/grpc.reflection."
	metadataAuthorization  = "authorization"
)

// GRPCServer serves the standard health service and admin-only reflection
// behind the same access gate as the HTTP API.
type GRPCServer struct {
	healthpb.UnimplementedHealthServer

	svc       *auth.Service
	readiness readinessChecker
	logger    *slog.Logger
}

// NewGRPCServer creates the gRPC service wrapper.
func NewGRPCServer(svc *auth.Service, r readinessChecker, logger *slog.Logger) *GRPCServer {
	if r == nil {
		r = ReadyProbe{}
	}
	if logger == nil {
		logger = obs.Logger()
	}
	return &GRPCServer{svc: svc, readiness: r, logger: logger}
}

// NewServer returns a grpc.Server with the interceptors and services installed.
func (s *GRPCServer) NewServer(opts ...grpc.ServerOption) *grpc.Server {
	opts = append(opts,
		grpc.ChainUnaryInterceptor(s.unaryInterceptor),
		grpc.ChainStreamInterceptor(s.streamInterceptor),
	)
	srv := grpc.NewServer(opts...)
	healthpb.RegisterHealthServer(srv, s)
	reflection.Register(srv)
	return srv
}

// Check evaluates readiness. On failure returns gRPC Unavailable error.
func (s *GRPCServer) Check(ctx context.Context, _ *healthpb.HealthCheckRequest) (*healthpb.HealthCheckResponse, error) {
	if err := s.readiness.Check(ctx); err != nil {
		s.logger.WarnContext(ctx, "grpc readiness check failed", "error", err.Error())
		return nil, status.Error(codes.Unavailable, "not ready")
	}
	return &healthpb.HealthCheckResponse{Status: healthpb.HealthCheckResponse_SERVING}, nil
}

func (s *GRPCServer) unaryInterceptor(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	ctx, err := s.authorize(ctx, info.FullMethod)
	if err != nil {
		obs.ObserveGRPC(info.FullMethod, status.Code(err).String())
		return nil, err
	}
	resp, err := handler(ctx, req)
	obs.ObserveGRPC(info.FullMethod, status.Code(err).String())
	return resp, err
}

func (s *GRPCServer) streamInterceptor(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
	ctx, err := s.authorize(ss.Context(), info.FullMethod)
	if err != nil {
		obs.ObserveGRPC(info.FullMethod, status.Code(err).String())
		return err
	}
	err = handler(srv, &identityStream{ServerStream: ss, ctx: ctx})
	obs.ObserveGRPC(info.FullMethod, status.Code(err).String())
	return err
}

// authorize applies the access gate to every method except health, and the
// admin role gate to reflection.
func (s *GRPCServer) authorize(ctx context.Context, fullMethod string) (context.Context, error) {
	if strings.HasPrefix(fullMethod, healthMethodPrefix) {
		return ctx, nil
	}
	token, err := bearerFromMetadata(ctx)
	var id auth.Identity
	if err == nil {
		id, err = s.svc.Authenticate(ctx, token)
	}
	if err != nil {
		if errors.Is(err, auth.ErrUnauthorized) {
			s.logger.WarnContext(ctx, "grpc authentication failed", "reason", auth.Reason(err), "method", fullMethod)
			return nil, status.Error(codes.Unauthenticated, "authentication required")
		}
		s.logger.ErrorContext(ctx, "grpc authentication error", "method", fullMethod, "error", err.Error())
		return nil, status.Error(codes.Internal, "internal error")
	}
	ctx = auth.ContextWithIdentity(ctx, id)
	if strings.HasPrefix(fullMethod, reflectionMethodPrefix) && !auth.Authorize(ctx, auth.RoleAdmin) {
		return nil, status.Error(codes.PermissionDenied, "insufficient role")
	}
	return ctx, nil
}

func bearerFromMetadata(ctx context.Context) (string, error) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return "", auth.ErrMissingToken
	}
	vals := md.Get(metadataAuthorization)
	if len(vals) == 0 {
		return "", auth.ErrMissingToken
	}
	return extractBearerToken(vals[0])
}

type identityStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (s *identityStream) Context() context.Context { return s.ctx }
