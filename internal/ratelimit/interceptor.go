package ratelimit

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"strconv"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"

	"github.com/mtiwari1/gopherscan/internal/config"
	"github.com/mtiwari1/gopherscan/internal/repository"
)

// UnaryServerInterceptor applies the limiter to unary RPCs. Every RPC counts
// against the read tier. Credentials come from the x-api-key and
// authorization metadata keys. Methods listed in ExemptPaths skip the limiter.
func (m *Middleware) UnaryServerInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if m.exempt[info.FullMethod] {
			return handler(ctx, req)
		}

		md, _ := metadata.FromIncomingContext(ctx)
		caller, err := m.auth.Resolve(ctx, first(md, "x-api-key"), bearerToken(first(md, "authorization")), peerIP(ctx))
		if err != nil {
			m.logger.Error("rate limiter unavailable", slog.String("method", info.FullMethod), slog.String("error", err.Error()))
			return nil, status.Error(codes.Unavailable, "service temporarily unavailable")
		}

		d, err := m.limiter.Check(ctx, caller, config.TierRead)
		if err != nil {
			m.logger.Error("rate limiter unavailable", slog.String("method", info.FullMethod), slog.String("error", err.Error()))
			return nil, status.Error(codes.Unavailable, "service temporarily unavailable")
		}
		if !d.Allowed {
			grpc.SetHeader(ctx, metadata.Pairs("retry-after", strconv.Itoa(int(d.RetryAfter.Seconds()))))
			return nil, status.Errorf(codes.ResourceExhausted, "rate limit exceeded for %s: limit %d per %s", d.Tier, d.Limit, d.Window)
		}
		if !d.Bypass {
			grpc.SetHeader(ctx, metadata.Pairs(
				"x-ratelimit-limit", strconv.Itoa(d.Limit),
				"x-ratelimit-remaining", strconv.Itoa(d.Remaining),
				"x-ratelimit-reset", strconv.FormatInt(d.Reset.Unix(), 10),
			))
		}

		ctx = WithCaller(ctx, caller)
		if caller.Class != ClassKey || m.usage == nil {
			return handler(ctx, req)
		}

		start := m.clock.Now()
		resp, err := handler(ctx, req)
		m.usage.Record(repository.UsageRecord{
			KeyID:      caller.ID,
			EndpointID: m.catalog.ID(info.FullMethod),
			Endpoint:   info.FullMethod,
			Method:     http.MethodPost,
			StatusCode: httpStatus(status.Code(err)),
			Latency:    m.clock.Since(start),
			ClientIP:   caller.IP,
			ClientTag:  truncate(first(md, "x-client-tag"), m.tagMaxLen),
			CreatedAt:  start,
		})
		return resp, err
	}
}

// httpStatus maps a gRPC code onto the HTTP status stored in usage records.
func httpStatus(c codes.Code) int {
	switch c {
	case codes.OK:
		return http.StatusOK
	case codes.InvalidArgument:
		return http.StatusBadRequest
	case codes.NotFound:
		return http.StatusNotFound
	case codes.ResourceExhausted:
		return http.StatusTooManyRequests
	case codes.Aborted, codes.AlreadyExists:
		return http.StatusConflict
	case codes.Unauthenticated:
		return http.StatusUnauthorized
	case codes.PermissionDenied:
		return http.StatusForbidden
	case codes.Unavailable:
		return http.StatusServiceUnavailable
	case codes.DeadlineExceeded:
		return http.StatusGatewayTimeout
	case codes.Canceled:
		return 499
	default:
		return http.StatusInternalServerError
	}
}

func first(md metadata.MD, key string) string {
	if v := md.Get(key); len(v) > 0 {
		return v[0]
	}
	return ""
}

func peerIP(ctx context.Context) string {
	p, ok := peer.FromContext(ctx)
	if !ok || p.Addr == nil {
		return "unknown"
	}
	host, _, err := net.SplitHostPort(p.Addr.String())
	if err != nil {
		return p.Addr.String()
	}
	return host
}
