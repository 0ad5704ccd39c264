package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"homefence/internal/api"
	"homefence/internal/config"
	"homefence/internal/devserver"
	"homefence/internal/model"
	"homefence/internal/tracklog"
	"homefence/internal/trust"
)

func newBoostCommand(opts *rootOptions) *cobra.Command {
	var overrides clientOverrides
	cmd := &cobra.Command{
		Use:   "boost <CH|HW> <off|on|boost>",
		Short: "Ask the server to force a pin into a state",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			state, err := model.ParsePinState(args[1])
			if err != nil {
				return err
			}
			req := model.BoostRequest{Pin: model.Pin(args[0]), State: state}
			if err := req.Valid(); err != nil {
				return err
			}

			cfg, err := loadClientConfig(opts, overrides)
			if err != nil {
				return err
			}
			client, err := newAPIClient(opts, cfg.Client)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			if err := client.Request(ctx, req); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s -> %s\n", req.Pin, req.State)
			return nil
		},
	}
	bindClientOverrides(cmd.Flags(), &overrides)
	return cmd
}

// newAPIClient builds a client that trusts the pinned set for the configured URL, if any.
func newAPIClient(opts *rootOptions, c *config.ClientConfig) (*api.Client, error) {
	certs, err := pinLoader(config.ResolvePath(opts.configPath, c.CertsPath))(c.ServerURL)
	if err != nil {
		opts.logger.Warn().Err(err).Msg("pinned certificates unusable; using default trust")
		certs = nil
	}
	tc, err := trust.Load(c.ServerURL, certs)
	if err != nil {
		return nil, err
	}
	return api.NewClient(api.Options{
		Trust:    tc,
		User:     c.User,
		Password: c.Password,
		Device:   c.DeviceID,
		Logger:   opts.logger,
	}), nil
}

func newDevserverCommand(opts *rootOptions) *cobra.Command {
	var (
		listen string
		tls    bool
	)
	cmd := &cobra.Command{
		Use:   "devserver",
		Short: "Serve the reference automation endpoints from the server config section",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(opts.configPath)
			if err != nil {
				return err
			}
			if cfg.Server == nil {
				cfg.Server = &config.ServerConfig{}
			}
			if listen != "" {
				cfg.Server.Listen = listen
			}
			if cmd.Flags().Changed("tls") {
				cfg.Server.TLS = tls
			}
			config.ApplyDefaults(&cfg)
			if err := config.Validate(config.Config{Server: cfg.Server}); err != nil {
				return err
			}

			ctx, cancel := signalContext()
			defer cancel()
			return devserver.NewServer(*cfg.Server, opts.logger).ListenAndServe(ctx)
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&listen, "listen", "", "listen address override")
	flags.BoolVar(&tls, "tls", false, "serve https with a self-signed certificate")
	return cmd
}

func newStatsCommand(opts *rootOptions) *cobra.Command {
	var (
		window time.Duration
		path   string
	)
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Summarize the reported positions log",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if path == "" {
				cfg, err := loadConfig(opts.configPath)
				if err != nil {
					return err
				}
				if cfg.Client != nil && cfg.Client.ReportLog != "" {
					path = config.ResolvePath(opts.configPath, cfg.Client.ReportLog)
				}
			}
			if path == "" {
				return errors.New("report log path required (client.report_log or --path)")
			}

			points, err := tracklog.ReadCSV(path)
			if err != nil {
				return err
			}
			var since time.Time
			if window > 0 {
				since = time.Now().UTC().Add(-window)
			}
			summary := tracklog.Summarize(points, since)

			out := cmd.OutOrStdout()
			if summary.Count == 0 {
				fmt.Fprintln(out, "no positions in window")
				return nil
			}
			fmt.Fprintf(out, "positions=%d from=%s to=%s\n", summary.Count, summary.From.Format(time.RFC3339), summary.To.Format(time.RFC3339))
			fmt.Fprintf(out, "distance=%.0fm max_step=%.0fm avg_speed=%.2fm/s\n", summary.DistanceM, summary.MaxStepM, summary.AvgSpeedMps)
			return nil
		},
	}
	flags := cmd.Flags()
	flags.DurationVar(&window, "window", 0, "only positions newer than this (0 means all)")
	flags.StringVar(&path, "path", "", "report log CSV path override")
	return cmd
}
