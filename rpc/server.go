package rpc

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/spooky-finn/go-idex-depthcache/domain"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
)

type snapshotUseCase interface {
	GetOrderBookSnapshot(ctx context.Context, symbol *domain.MarketSymbol, limit int) (*domain.DepthSnapshot, error)
}

type server struct {
	orderbookSnapshotUseCase snapshotUseCase
	validationService        *ValidationService
}

func NewServer(uc snapshotUseCase, conf *ValidationServiceConfig) *server {
	return &server{
		orderbookSnapshotUseCase: uc,
		validationService:        NewValidationService(conf),
	}
}

// ListenAndServe serves srv on addr until ctx is done.
func ListenAndServe(ctx context.Context, addr string, srv DepthCacheServiceServer) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return Serve(ctx, lis, srv)
}

// Serve serves srv and the grpc health service on lis until ctx is done,
// then stops gracefully.
func Serve(ctx context.Context, lis net.Listener, srv DepthCacheServiceServer) error {
	logger := zap.L().Named("grpc")

	gs := grpc.NewServer(grpc.ChainUnaryInterceptor(loggingInterceptor(logger)))
	healthSrv := health.NewServer()
	healthpb.RegisterHealthServer(gs, healthSrv)
	RegisterDepthCacheServiceServer(gs, srv)
	healthSrv.SetServingStatus(DepthCacheServiceName, healthpb.HealthCheckResponse_SERVING)

	stopped := make(chan struct{})
	defer close(stopped)
	go func() {
		select {
		case <-ctx.Done():
			healthSrv.Shutdown()
			gs.GracefulStop()
		case <-stopped:
		}
	}()

	logger.Info("grpc server listening", zap.String("addr", lis.Addr().String()))
	if err := gs.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return err
	}
	return nil
}

func loggingInterceptor(logger *zap.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		start := time.Now()
		resp, err := handler(ctx, req)

		fields := []zap.Field{
			zap.String("method", info.FullMethod),
			zap.Duration("took", time.Since(start)),
			zap.String("code", status.Code(err).String()),
		}
		if err != nil {
			logger.Warn("grpc request failed", append(fields, zap.Error(err))...)
		} else {
			logger.Debug("grpc request", fields...)
		}
		return resp, err
	}
}
