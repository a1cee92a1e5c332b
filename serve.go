package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"prism-live/api"
	"prism-live/config"
)

const shutdownTimeout = 5 * time.Second

func newServeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Mount the configured views and serve them over HTTP",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(*configPath, nil)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}
}

func serve(parent context.Context, cfg config.Config) error {
	logger := setupLogging(cfg)
	ctx, cancel := context.WithCancelCause(parent)
	defer cancel(nil)

	rt, err := newRuntime(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer rt.close()
	if err := rt.login(ctx); err != nil {
		return err
	}
	reauth := rt.session.OnReauthenticate(func() { cancel(errCredentialExpired) })
	defer reauth.Release()

	views := api.NewRegistry()
	defer views.Close()
	mounts := cfg.Views
	if len(mounts) == 0 {
		mounts = []config.View{{Name: config.ViewProjects, Kind: config.ViewProjects}}
	}
	for _, v := range mounts {
		view, err := rt.mount(ctx, v)
		if err != nil {
			return err
		}
		views.Add(v.Name, view)
		logger.WithField("view", v.Name).Info("view mounted")
	}

	e := api.NewServer(views, rt.session, logger)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.WithField("addr", cfg.ListenAddr).Info("serving views")
		if err := e.Start(cfg.ListenAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancelShutdown()
		if err := e.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if cause := context.Cause(ctx); errors.Is(cause, errCredentialExpired) {
			return cause
		}
		return nil
	})
	return g.Wait()
}
