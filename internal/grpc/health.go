package grpc

import (
	"context"
	"net"
	"time"

	"go.uber.org/zap"
	grpclib "google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ServiceName is the health service name reported for the session store.
const ServiceName = "sessionstore"

// Probe checks a dependency; a non-nil error marks the service NOT_SERVING.
type Probe func(ctx context.Context) error

// HealthServer serves the standard gRPC health protocol and keeps the status
// of ServiceName in sync with a probe.
type HealthServer struct {
	server   *grpclib.Server
	health   *health.Server
	probe    Probe
	interval time.Duration
	logger   *zap.SugaredLogger
}

// NewHealthServer creates a gRPC server with only the health service
// registered.
func NewHealthServer(probe Probe, interval time.Duration, logger *zap.SugaredLogger) *HealthServer {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	server := grpclib.NewServer()
	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(server, healthServer)
	healthServer.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)

	return &HealthServer{
		server:   server,
		health:   healthServer,
		probe:    probe,
		interval: interval,
		logger:   logger,
	}
}

// Check runs the probe once and publishes the result.
func (h *HealthServer) Check(ctx context.Context) healthpb.HealthCheckResponse_ServingStatus {
	status := healthpb.HealthCheckResponse_SERVING
	if err := h.probe(ctx); err != nil {
		h.logger.Warnw("Health probe failed", "service", ServiceName, "error", err)
		status = healthpb.HealthCheckResponse_NOT_SERVING
	}
	h.health.SetServingStatus(ServiceName, status)
	return status
}

// Serve accepts connections on lis until ctx is canceled, probing every
// interval.
func (h *HealthServer) Serve(ctx context.Context, lis net.Listener) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- h.server.Serve(lis)
	}()
	h.logger.Infow("gRPC health server listening", "addr", lis.Addr().String())

	h.Check(ctx)
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case err := <-errCh:
			return err
		case <-ticker.C:
			h.Check(ctx)
		case <-ctx.Done():
			h.logger.Info("Shutting down gRPC server...")
			h.health.Shutdown()
			h.server.GracefulStop()
			return nil
		}
	}
}
