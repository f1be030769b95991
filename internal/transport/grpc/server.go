package grpc

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/status"

	"clinicbook/backend/internal/service/appointments"
)

// ServiceName is the health-checked service name next to the overall "" entry.
const ServiceName = "clinicbook.Appointments"

type Options struct {
	RequestTimeout time.Duration
	Logger         *slog.Logger
	// Appointments is registered when set.
	Appointments *AppointmentsServer
}

// NewServer builds the gRPC server with the health service registered. The
// health server starts NOT_SERVING until readiness is reported.
func NewServer(opts Options) (*grpc.Server, *health.Server) {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	log = log.With(slog.String("component", "grpc"))

	s := grpc.NewServer(
		grpc.ChainUnaryInterceptor(
			requestTimeoutInterceptor(opts.RequestTimeout),
			loggingInterceptor(log),
			statusInterceptor(),
		),
	)

	hs := health.NewServer()
	hs.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	hs.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)
	healthpb.RegisterHealthServer(s, hs)
	if opts.Appointments != nil {
		opts.Appointments.Register(s)
	}
	reflection.Register(s)

	return s, hs
}

func requestTimeoutInterceptor(timeout time.Duration) grpc.UnaryServerInterceptor {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if _, ok := ctx.Deadline(); ok {
			return handler(ctx, req)
		}
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		return handler(ctx, req)
	}
}

func loggingInterceptor(log *slog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		started := time.Now()
		resp, err := handler(ctx, req)
		code := status.Code(err)

		args := []any{
			slog.String("rpc", info.FullMethod),
			slog.String("code", code.String()),
			slog.Duration("took", time.Since(started)),
		}
		switch code {
		case codes.OK, codes.InvalidArgument, codes.NotFound, codes.PermissionDenied, codes.FailedPrecondition:
			log.Debug("grpc request", args...)
		default:
			log.Error("grpc request failed", append(args, slog.Any("err", err))...)
		}
		return resp, err
	}
}

// statusInterceptor converts service errors returned by handlers into gRPC
// statuses. Errors that already carry a status pass through.
func statusInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		resp, err := handler(ctx, req)
		if err == nil {
			return resp, nil
		}
		if _, ok := status.FromError(err); ok {
			return resp, err
		}
		return resp, StatusFromError(err)
	}
}

func StatusFromError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return status.Error(codes.DeadlineExceeded, "deadline exceeded")
	}

	var svcErr *appointments.Error
	if !errors.As(err, &svcErr) {
		return status.Error(codes.Internal, "internal error")
	}
	switch svcErr.Kind {
	case appointments.KindValidation:
		return status.Error(codes.InvalidArgument, svcErr.Message)
	case appointments.KindNotFound:
		return status.Error(codes.NotFound, svcErr.Message)
	case appointments.KindForbidden:
		return status.Error(codes.PermissionDenied, svcErr.Message)
	case appointments.KindConflict:
		return status.Error(codes.FailedPrecondition, svcErr.Message)
	case appointments.KindUnavailable:
		return status.Error(codes.Unavailable, svcErr.Message)
	default:
		return status.Error(codes.Internal, "internal error")
	}
}

// WatchReadiness probes ready every interval and mirrors the result into the
// health server until ctx ends, then marks everything NOT_SERVING.
func WatchReadiness(ctx context.Context, hs *health.Server, ready func(ctx context.Context) error, interval time.Duration, log *slog.Logger) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}

	set := func(st healthpb.HealthCheckResponse_ServingStatus) {
		hs.SetServingStatus("", st)
		hs.SetServingStatus(ServiceName, st)
	}

	probe := func() {
		if ready == nil {
			set(healthpb.HealthCheckResponse_SERVING)
			return
		}
		pctx, cancel := context.WithTimeout(ctx, interval)
		defer cancel()
		if err := ready(pctx); err != nil {
			if ctx.Err() == nil {
				log.Warn("readiness probe failed", slog.Any("err", err))
			}
			set(healthpb.HealthCheckResponse_NOT_SERVING)
			return
		}
		set(healthpb.HealthCheckResponse_SERVING)
	}

	probe()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			hs.Shutdown()
			return
		case <-ticker.C:
			probe()
		}
	}
}
