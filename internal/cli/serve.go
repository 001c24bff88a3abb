package cli

import (
	"context"
	"net/http"
	"os/signal"
	"sync"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
)

func serveCmd(load loader) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the webhook endpoint, job workers and recovery scheduler",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := load(ctx)
			if err != nil {
				return err
			}
			defer a.Close()
			return a.serve(ctx)
		},
	}
}

// serve runs every long-lived component until ctx is cancelled or one of them
// fails, then drains the HTTP server and waits for in-flight jobs.
func (a *app) serve(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	srv := &http.Server{
		Addr:    a.cfg.HTTP.Addr,
		Handler: a.server().Handler(),
	}

	var (
		wg       sync.WaitGroup
		errOnce  sync.Once
		firstErr error
	)
	run := func(name string, fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(ctx); err != nil {
				a.logger.Error().Err(err).Str("component", name).Msg("component stopped")
				errOnce.Do(func() { firstErr = err })
				cancel()
			}
		}()
	}

	if _, err := a.resumePolling(ctx); err != nil {
		return err
	}

	run("workers", a.manager.Run)
	run("recovery", a.scheduler.Run)
	if a.natsQueue != nil {
		run("schedules", a.natsQueue.RunSchedules)
	}
	run("http", func(context.Context) error {
		a.logger.Info().Str("addr", srv.Addr).Msg("http listening")
		if err := srv.ListenAndServe(); err != nil && !eris.Is(err, http.ErrServerClosed) {
			return eris.Wrap(err, "http server")
		}
		return nil
	})

	<-ctx.Done()
	a.logger.Info().Msg("shutting down")
	shutdownCtx, done := context.WithTimeout(context.WithoutCancel(ctx), a.cfg.HTTP.ShutdownTimeout)
	defer done()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Warn().Err(err).Msg("http shutdown")
	}
	wg.Wait()
	return firstErr
}
