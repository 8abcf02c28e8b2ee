package swarm

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"path"
	"time"

	"github.com/mtzanidakis/swarmcrew/internal/metrics"
	"github.com/mtzanidakis/swarmcrew/internal/swarmpb"
	"google.golang.org/grpc"
	"google.golang.org/grpc/status"
)

// ServeGRPC serves s on lis until ctx is done, then stops gracefully.
func ServeGRPC(ctx context.Context, lis net.Listener, s *NodeServer, opts ...grpc.ServerOption) error {
	opts = append(opts, grpc.ChainUnaryInterceptor(loggingInterceptor(s.logger), metricsInterceptor))
	srv := swarmpb.NewServer(opts...)
	swarmpb.RegisterNodeServiceServer(srv, s)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(lis)
	}()
	s.logger.Info("node server listening", "addr", lis.Addr().String())

	select {
	case <-ctx.Done():
		srv.GracefulStop()
		<-errCh
		return nil
	case err := <-errCh:
		if errors.Is(err, grpc.ErrServerStopped) {
			return nil
		}
		return err
	}
}

func loggingInterceptor(logger *slog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		level := slog.LevelDebug
		if err != nil {
			level = slog.LevelWarn
		}
		logger.Log(ctx, level, "rpc",
			"method", path.Base(info.FullMethod),
			"code", rpcCode(err),
			"duration", time.Since(start),
		)
		return resp, err
	}
}

func metricsInterceptor(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	start := time.Now()
	resp, err := handler(ctx, req)
	metrics.RPCDuration.WithLabelValues("server", path.Base(info.FullMethod), rpcCode(err)).Observe(time.Since(start).Seconds())
	return resp, err
}

// rpcCode returns the gRPC status code name for err; OK for nil.
func rpcCode(err error) string {
	return status.Code(err).String()
}
