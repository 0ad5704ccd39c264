package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"homefence/internal/config"
	"homefence/internal/logging"
)

type rootOptions struct {
	configPath string
	logLevel   string
	logFormat  string

	logger zerolog.Logger
}

// clientOverrides are command-line replacements for client config fields.
type clientOverrides struct {
	serverURL string
	user      string
	device    string
	protocol  string
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:           "homefence",
		Short:         "Location reporting and geofence client for a home automation server",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			logger, err := logging.Init(opts.logLevel, opts.logFormat)
			if err != nil {
				return err
			}
			opts.logger = logger
			return nil
		},
	}

	flags := cmd.PersistentFlags()
	flags.StringVar(&opts.configPath, "config", "homefence.yaml", "path to YAML config")
	flags.StringVar(&opts.logLevel, "log-level", "info", "log level (trace, debug, info, warn, error)")
	flags.StringVar(&opts.logFormat, "log-format", logging.FormatAuto, "log format (auto, json, console)")

	cmd.AddCommand(
		newRunCommand(opts),
		newBootstrapCommand(opts),
		newBoostCommand(opts),
		newDevserverCommand(opts),
		newStatsCommand(opts),
	)
	return cmd
}

func bindClientOverrides(flags *pflag.FlagSet, o *clientOverrides) {
	flags.StringVar(&o.serverURL, "server-url", "", "server URL override")
	flags.StringVar(&o.user, "user", "", "basic auth user override")
	flags.StringVar(&o.device, "device", "", "device id override")
	flags.StringVar(&o.protocol, "protocol", "", "report protocol override (config, set, legacy)")
}

func overrideClient(cfg *config.ClientConfig, o clientOverrides) {
	if o.serverURL != "" {
		cfg.ServerURL = o.serverURL
	}
	if o.user != "" {
		cfg.User = o.user
	}
	if o.device != "" {
		cfg.DeviceID = o.device
	}
	if o.protocol != "" {
		cfg.Protocol = strings.ToLower(o.protocol)
	}
}

func loadConfig(path string) (config.Config, error) {
	if path == "" {
		return config.Config{}, nil
	}
	cfg, err := config.Load(path)
	if errors.Is(err, os.ErrNotExist) {
		return config.Config{}, nil
	}
	return cfg, err
}

// loadClientConfig loads, overrides and validates the client section. A generated device id is
// written back so the server sees the same device on the next run.
func loadClientConfig(opts *rootOptions, o clientOverrides) (config.Config, error) {
	cfg, err := loadConfig(opts.configPath)
	if err != nil {
		return cfg, err
	}
	if cfg.Client == nil {
		cfg.Client = &config.ClientConfig{}
	}
	overrideClient(cfg.Client, o)
	config.ApplyDefaults(&cfg)
	if err := config.Validate(config.Config{Client: cfg.Client}); err != nil {
		return cfg, err
	}

	if config.EnsureDeviceID(&cfg) {
		opts.logger.Info().Str("device", cfg.Client.DeviceID).Msg("generated device id")
		if err := config.Save(opts.configPath, cfg); err != nil {
			return cfg, fmt.Errorf("save device id: %w", err)
		}
	}
	return cfg, nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}
