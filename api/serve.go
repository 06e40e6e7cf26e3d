package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/warp/access-review/bootstrap"
)

// Serve runs the operator API and the inbox scheduler for app until ctx is
// cancelled, then shuts down gracefully. ready, when set, receives the
// bound address once the listener is up.
func Serve(ctx context.Context, app *bootstrap.App, ready func(addr string)) error {
	cfg := app.Config
	logger := app.Logger

	open, err := app.Service.Resume(ctx)
	if err != nil {
		logger.Warn("resume failed", zap.Error(err))
	}
	for _, st := range open {
		logger.Info("resumed cycle",
			zap.Stringer("cycle_id", st.CycleID),
			zap.String("state", string(st.State)),
			zap.Int("awaiting", len(st.Awaiting)),
			zap.Int("drafts", len(st.Drafts)))
	}

	jobs := NewJobs(logger, 16)
	defer jobs.Stop()

	scheduler := NewInboxScheduler(app.Service, logger)
	scheduler.CheckInterval = cfg.GetInboxPollInterval()
	scheduler.Watch = cfg.Server.WatchInbox
	scheduler.Start()
	defer scheduler.Stop()

	handler := NewHandler(app.Service, jobs, logger)
	server := &http.Server{
		Handler:      NewRouter(handler, RouterOptions{AllowedOrigins: cfg.Server.AllowedOrigins}),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	ln, err := net.Listen("tcp", cfg.Server.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", cfg.Server.Addr, err)
	}
	logger.Info("server starting", zap.String("addr", ln.Addr().String()))
	if ready != nil {
		ready(ln.Addr().String())
	}

	serveErr := make(chan error, 1)
	go func() {
		err := server.Serve(ln)
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		serveErr <- err
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	if err := <-serveErr; err != nil {
		return err
	}
	logger.Info("server stopped")
	return nil
}
