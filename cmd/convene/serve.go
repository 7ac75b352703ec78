package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/aixgo-dev/convene/internal/server"
	"github.com/aixgo-dev/convene/pkg/config"
)

func newServeCmd() *cobra.Command {
	var (
		configFile string
		addr       string
		logLevel   string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the session server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadServeConfig(configFile, addr, logLevel)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return server.Run(ctx, cfg, version)
		},
	}

	cmd.Flags().StringVarP(&configFile, "config", "c", os.Getenv("CONVENE_CONFIG"), "Path to the YAML config file")
	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (overrides server.addr)")
	cmd.Flags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error")

	return cmd
}

// loadServeConfig applies flag overrides on top of the file and environment.
func loadServeConfig(path, addr, logLevel string) (*config.Config, error) {
	cfg, err := config.LoadConfig(path)
	if err != nil {
		return nil, err
	}
	if addr != "" {
		if cfg.Server.PublicURL == config.LocalURL(cfg.Server.Addr) {
			cfg.Server.PublicURL = config.LocalURL(addr)
		}
		cfg.Server.Addr = addr
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	return cfg, cfg.Validate()
}
