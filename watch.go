package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/bytedance/sonic"
	"github.com/spf13/cobra"

	"prism-live/api"
	"prism-live/config"
	"prism-live/domain"
)

type watchOptions struct {
	kind    string
	project string
	task    string
	status  string
	filter  string
}

func newWatchCmd(configPath *string) *cobra.Command {
	var opts watchOptions
	cmd := &cobra.Command{
		Use:   "watch [view]",
		Short: "Mount one view and print it after every change",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath, nil)
			if err != nil {
				return err
			}
			target, err := opts.resolve(cfg, args)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return watch(ctx, cfg, target, opts.filter, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&opts.kind, "kind", config.ViewTasks, "view kind: tasks, comments, projects or members")
	cmd.Flags().StringVar(&opts.project, "project", "", "project id for tasks and members")
	cmd.Flags().StringVar(&opts.task, "task", "", "task id for comments")
	cmd.Flags().StringVar(&opts.status, "status", "", "server-side status filter for tasks")
	cmd.Flags().StringVarP(&opts.filter, "filter", "q", "", "client-side text filter")
	return cmd
}

// resolve picks the configured view named in args, or describes one from
// the flags.
func (o watchOptions) resolve(cfg config.Config, args []string) (config.View, error) {
	if len(args) == 1 {
		for _, v := range cfg.Views {
			if v.Name == args[0] {
				return v, nil
			}
		}
		return config.View{}, fmt.Errorf("no view named %q in config", args[0])
	}
	v := config.View{
		Name:    o.kind,
		Kind:    o.kind,
		Project: o.project,
		Task:    o.task,
		Filter:  domain.TaskFilter{Status: o.status},
	}
	single := config.Default()
	single.Views = []config.View{v}
	if err := single.Validate(); err != nil {
		return config.View{}, err
	}
	return v, nil
}

func watch(parent context.Context, cfg config.Config, target config.View, filter string, out io.Writer) error {
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

	view, err := rt.mount(ctx, target)
	if err != nil {
		return err
	}
	defer view.Close()
	return printChanges(ctx, view, filter, out)
}

// printChanges writes one JSON line per render until ctx ends. Changes
// arriving while a line is written are folded into the next render.
func printChanges(ctx context.Context, view api.View, filter string, out io.Writer) error {
	wake := make(chan struct{}, 1)
	l := view.Watch(func() {
		select {
		case wake <- struct{}{}:
		default:
		}
	})
	defer l.Release()

	for {
		line, err := sonic.Marshal(view.Render(filter))
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(out, "%s\n", line); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			if cause := context.Cause(ctx); errors.Is(cause, errCredentialExpired) {
				return cause
			}
			return nil
		case <-wake:
		}
	}
}
