package http

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/williamhogman/vm-autoscaler/autoscaler/internal/config"
)

// NewMux mounts the autoscaler service and a liveness endpoint
func NewMux(server *AutoscalerServer) *http.ServeMux {
	mux := http.NewServeMux()
	path, handler := server.Handler()
	mux.Handle(path, handler)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return mux
}

// ServerParams contains the dependencies for the server
type ServerParams struct {
	fx.In

	Lifecycle fx.Lifecycle
	Config    *config.Config
	Server    *AutoscalerServer
	Logger    *zap.Logger
}

// ProvideServer creates and registers the HTTP server with fx lifecycle
func ProvideServer(p ServerParams) *http.Server {
	logger := p.Logger.Named("server")
	addr := fmt.Sprintf(":%d", p.Config.Server.Port)
	srv := &http.Server{
		Addr: addr,
		// Use h2c so we can serve HTTP/2 without TLS
		Handler: h2c.NewHandler(NewMux(p.Server), &http2.Server{}),
	}

	p.Lifecycle.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			ln, err := net.Listen("tcp", addr)
			if err != nil {
				return fmt.Errorf("listening on %s: %w", addr, err)
			}
			logger.Info("Starting Autoscaler server with Connect API",
				zap.String("address", addr),
				zap.Int("port", p.Config.Server.Port))

			go func() {
				if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Error("Server stopped unexpectedly", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			logger.Info("Stopping server")
			shutdownCtx, cancel := context.WithTimeout(ctx, p.Config.Server.ShutdownTimeout)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
	return srv
}

// Module provides the server components to the fx container
var Module = fx.Options(
	fx.Provide(NewAutoscalerServer),
	fx.Provide(ProvideServer),
	fx.Invoke(func(*http.Server) {}),
)
