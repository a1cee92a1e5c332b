package main

import (
	"os"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		log.Error(err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string
	root := &cobra.Command{
		Use:           "prism-live",
		Short:         "Live task board views kept in sync over REST and WebSocket",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "YAML config file (defaults to $PRISM_CONFIG)")
	root.AddCommand(newServeCmd(&configPath), newWatchCmd(&configPath))
	return root
}
