package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/phuslu/log"

	"github.com/commission-vm/logging"
	"github.com/commission-vm/obs"
)

// NewHTTPHandler serves /metrics, /healthz and the /ws operator feed.
func NewHTTPHandler(hub *Hub) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", obs.MetricsHandler())
	mux.Handle("GET /healthz", obs.WrapHTTP("/healthz", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"healthy":true,"version":%q,"clients":%d}`, Version, hub.Clients())
	})))
	mux.Handle("GET /ws", obs.WrapHTTP("/ws", hub))
	return mux
}

// ServeHTTP serves handler on lis until ctx is done.
func ServeHTTP(ctx context.Context, handler http.Handler, lis net.Listener, logger *log.Logger) error {
	logger = logging.Component(logger, "server")
	srv := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", lis.Addr().String()).Msg("HTTP server listening")
		errCh <- srv.Serve(lis)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http serve: %w", err)
	}
}
