package middleware

import (
	"context"
	"strings"
	"time"

	"github.com/go-kratos/kratos/v2/errors"
	"github.com/go-kratos/kratos/v2/log"
	"github.com/go-kratos/kratos/v2/middleware"
	"github.com/go-kratos/kratos/v2/transport"
	"github.com/go-kratos/kratos/v2/transport/http"
)

// slowRequestThreshold marks requests worth flagging separately.
const slowRequestThreshold = 3 * time.Second

// Logging returns a middleware that logs every HTTP request with its method,
// path, status, client IP and latency.
func Logging(logger log.Logger) middleware.Middleware {
	helper := log.NewHelper(logger)
	return func(handler middleware.Handler) middleware.Handler {
		return func(ctx context.Context, req interface{}) (interface{}, error) {
			startTime := time.Now()

			var (
				method string
				path   string
				ip     string
			)
			if tr, ok := transport.FromServerContext(ctx); ok {
				method = tr.Operation()
				path = tr.Operation()
				if ht, ok := tr.(http.Transporter); ok {
					httpReq := ht.Request()
					method = httpReq.Method
					path = httpReq.URL.Path
					ip = extractClientIP(httpReq)
				}
			}

			reply, err := handler(ctx, req)

			duration := time.Since(startTime)
			status := 200
			if err != nil {
				status = int(errors.FromError(err).Code)
			}

			helper.Infow("http request",
				"method", method,
				"path", path,
				"status", status,
				"duration_ms", duration.Milliseconds(),
				"ip", ip,
			)
			if duration > slowRequestThreshold {
				helper.Warnw("slow request detected",
					"method", method,
					"path", path,
					"duration_ms", duration.Milliseconds(),
				)
			}

			return reply, err
		}
	}
}

// extractClientIP prefers the proxy-set headers over the socket address.
func extractClientIP(req *http.Request) string {
	if ip := req.Header.Get("X-Real-IP"); ip != "" {
		return ip
	}
	if forwarded := req.Header.Get("X-Forwarded-For"); forwarded != "" {
		ips := strings.Split(forwarded, ",")
		if len(ips) > 0 {
			return strings.TrimSpace(ips[0])
		}
	}
	return req.RemoteAddr
}
