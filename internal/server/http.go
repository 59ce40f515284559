package server

import (
	"Breakwater/internal/conf"
	"Breakwater/internal/server/middleware"
	"Breakwater/internal/service"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/go-kratos/kratos/v2/middleware/recovery"
	"github.com/go-kratos/kratos/v2/transport/http"
)

// NewHTTPServer new an HTTP server.
func NewHTTPServer(c *conf.Server, diagnostics *service.DiagnosticsService, logger log.Logger) *http.Server {
	var opts = []http.ServerOption{
		http.Middleware(
			recovery.Recovery(),
			middleware.Logging(logger),
		),
	}
	if c.Http.Network != "" {
		opts = append(opts, http.Network(c.Http.Network))
	}
	if c.Http.Addr != "" {
		opts = append(opts, http.Address(c.Http.Addr))
	}
	if c.Http.Timeout != nil {
		opts = append(opts, http.Timeout(c.Http.Timeout.AsDuration()))
	}
	srv := http.NewServer(opts...)

	srv.HandleFunc("/healthz", diagnostics.HandleHealthz)
	srv.HandleFunc("/debug/resilience/breakers", diagnostics.HandleListBreakers)
	srv.HandleFunc("/debug/resilience/bulkheads", diagnostics.HandleListBulkheads)
	srv.HandleFunc("/debug/resilience/reset", diagnostics.HandleResetBreaker)

	return srv
}
