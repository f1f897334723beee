package server

import (
	"context"
	"net"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/joseph-ayodele/invoice-pipeline/internal/logging"
)

// HealthServiceName is the gRPC service name reported alongside "".
const HealthServiceName = "invoice.pipeline"

// HealthServer serves grpc.health.v1 and flips to NOT_SERVING when the
// database stops answering pings.
type HealthServer struct {
	grpc   *grpc.Server
	health *health.Server
	db     Pinger
	logger *zap.SugaredLogger
}

// NewHealthServer registers health and reflection services. db may be nil.
func NewHealthServer(db Pinger, logger *zap.SugaredLogger) *HealthServer {
	gs := grpc.NewServer()
	hs := health.NewServer()
	healthpb.RegisterHealthServer(gs, hs)
	reflection.Register(gs)
	h := &HealthServer{grpc: gs, health: hs, db: db, logger: logging.OrNop(logger)}
	h.set(healthpb.HealthCheckResponse_SERVING)
	return h
}

func (h *HealthServer) set(st healthpb.HealthCheckResponse_ServingStatus) {
	h.health.SetServingStatus("", st)
	h.health.SetServingStatus(HealthServiceName, st)
}

// Serve listens on addr until ctx is done, re-checking the database every
// interval.
func (h *HealthServer) Serve(ctx context.Context, addr string, interval time.Duration) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Wrapf(err, "grpc listen %s", addr)
	}
	return h.ServeListener(ctx, lis, interval)
}

// ServeListener is Serve on an existing listener.
func (h *HealthServer) ServeListener(ctx context.Context, lis net.Listener, interval time.Duration) error {
	if h.db != nil && interval > 0 {
		go h.watch(ctx, interval)
	}
	go func() {
		<-ctx.Done()
		h.health.Shutdown()
		h.grpc.GracefulStop()
	}()
	h.logger.Infow("grpc.health.serving", "addr", lis.Addr().String())
	if err := h.grpc.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return errors.Wrap(err, "grpc serve")
	}
	return nil
}

func (h *HealthServer) watch(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	healthy := true
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			err := h.db.HealthCheck(ctx, interval/2, h.logger)
			switch {
			case err != nil && healthy:
				healthy = false
				h.set(healthpb.HealthCheckResponse_NOT_SERVING)
				h.logger.Warnw("grpc.health.not_serving", "err", err)
			case err == nil && !healthy:
				healthy = true
				h.set(healthpb.HealthCheckResponse_SERVING)
				h.logger.Infow("grpc.health.serving")
			}
		}
	}
}
