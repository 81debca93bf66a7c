package main

import (
	"context"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/pkg/errors"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"skywatch/internal/config"
	"skywatch/internal/ws"
)

// newRouter mounts every endpoint. CORS is open to all origins.
func newRouter(a *app, captureDir string, logger *zap.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(logger))
	r.Use(middleware.Recoverer)
	r.Use(cors.AllowAll().Handler)

	a.handlers.Mount(r)
	r.Handle("/ws/detections/{camera}", ws.NewHandler(a.hub))
	r.Handle("/metrics", a.metrics.Handler())
	r.Handle("/captures/*", http.StripPrefix("/captures/", http.FileServer(http.Dir(captureDir))))
	return r
}

// requestLogger logs each request once it completes. Streams are logged when
// the viewer leaves.
func requestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	logger = logger.Named("http")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			defer func() {
				logger.Debug("request",
					zap.String("id", middleware.GetReqID(r.Context())),
					zap.String("method", r.Method),
					zap.String("path", r.URL.Path),
					zap.Int("status", ww.Status()),
					zap.Int("bytes", ww.BytesWritten()),
					zap.Duration("duration", time.Since(start)))
			}()
			next.ServeHTTP(ww, r)
		})
	}
}

// serve runs the HTTP server until SIGINT/SIGTERM or a server error.
func serve(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	a, err := newApp(cfg, logger)
	if err != nil {
		return err
	}

	// The signal handler and the server both report here to stop the main
	// goroutine.
	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigc)
	errc := make(chan error, 1)

	var wg sync.WaitGroup
	ctx, cancel := context.WithCancel(ctx)

	// Viewer requests derive from base, so cancelling it ends every stream
	// before the server waits for idle connections.
	base, cancelStreams := context.WithCancel(context.Background())
	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           newRouter(a, cfg.Alert.CaptureDir, logger),
		ReadHeaderTimeout: 60 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return base },
	}

	wg.Add(1)
	go func() {
		defer wg.Done()

		go func() {
			logger.Info("HTTP server listening", zap.String("addr", cfg.HTTP.Addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errc <- errors.Wrap(err, "http server")
			}
		}()

		<-ctx.Done()
		logger.Info("shutting down HTTP server", zap.String("addr", cfg.HTTP.Addr))
		cancelStreams()

		ctx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			logger.Warn("failed to shutdown", zap.Error(err))
		}
		if err := a.close(ctx); err != nil {
			logger.Warn("releasing resources", zap.Error(err))
		}
	}()

	var runErr error
	select {
	case sig := <-sigc:
		logger.Info("exiting", zap.Stringer("signal", sig))
	case runErr = <-errc:
		logger.Error("exiting", zap.Error(runErr))
	case <-ctx.Done():
	}
	cancel()
	wg.Wait()
	logger.Info("exited")
	return runErr
}
