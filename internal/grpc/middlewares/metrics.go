package middleware

import (
	"context"
	"path"
	"time"

	"google.golang.org/grpc"

	"github.com/tejusbharadwaj/solarflux/internal/metrics"
)

// NewMetricsInterceptor records request count and latency per method. A nil
// m records nothing.
func NewMetricsInterceptor(m *metrics.Metrics) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		m.Request(path.Base(info.FullMethod), time.Since(start))
		return resp, err
	}
}
