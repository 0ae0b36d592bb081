package api

import (
	"context"
	"net"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/status"

	"proximity-server/server"
)

// ChannelService is the health service name reported for a channel.
func ChannelService(id string) string { return "channel/" + id }

// HealthService serves grpc.health.v1 with one status for the whole server ("") and one
// per channel.
type HealthService struct {
	srv      *grpc.Server
	health   *health.Server
	channels *server.ChannelManager
	log      *zap.Logger
}

func NewHealthService(channels *server.ChannelManager, logger *zap.Logger) *HealthService {
	if logger == nil {
		logger = zap.NewNop()
	}
	log := logger.Named("grpc")
	s := &HealthService{
		srv:      grpc.NewServer(grpc.ChainUnaryInterceptor(unaryLogger(log))),
		health:   health.NewServer(),
		channels: channels,
		log:      log,
	}
	healthpb.RegisterHealthServer(s.srv, s.health)
	reflection.Register(s.srv)
	s.SetServing(true)
	return s
}

// SetServing flips the server and every channel between SERVING and NOT_SERVING.
func (s *HealthService) SetServing(serving bool) {
	st := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		st = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", st)
	for _, ch := range s.channels.Channels() {
		s.health.SetServingStatus(ChannelService(ch.ID), st)
	}
}

// Serve blocks until Stop is called or lis fails.
func (s *HealthService) Serve(lis net.Listener) error {
	s.log.Info("grpc health listening", zap.String("addr", lis.Addr().String()))
	return s.srv.Serve(lis)
}

// Stop reports NOT_SERVING to watchers and stops the server, forcing it once ctx is done.
func (s *HealthService) Stop(ctx context.Context) {
	s.health.Shutdown()
	done := make(chan struct{})
	go func() {
		s.srv.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.srv.Stop()
	}
}

func unaryLogger(log *zap.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		log.Debug("rpc",
			zap.String("method", info.FullMethod),
			zap.String("code", status.Code(err).String()),
			zap.Duration("elapsed", time.Since(start)))
		return resp, err
	}
}
