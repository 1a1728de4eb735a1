package main

import (
	"tableside/internal/config"
	"tableside/internal/logging"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

type rootOptions struct {
	configFile string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:           "tableside",
		Short:         "Restaurant table ordering service",
		Long:          "tableside takes table orders, tracks table occupancy, and pushes order events to staff and guest screens.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&opts.configFile, "config", "", "optional YAML config file")

	cmd.AddCommand(newServeCmd(opts))
	cmd.AddCommand(newWatchCmd(opts))
	return cmd
}

func (o *rootOptions) load() (config.Config, *zap.Logger, error) {
	cfg, err := config.Load(o.configFile)
	if err != nil {
		return config.Config{}, nil, err
	}
	logger, err := logging.New(cfg.Env)
	if err != nil {
		return config.Config{}, nil, err
	}
	return cfg, logger, nil
}
