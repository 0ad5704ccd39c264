package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"homefence/internal/config"
	"homefence/internal/store"
	"homefence/internal/trust"
)

func newBootstrapCommand(opts *rootOptions) *cobra.Command {
	var (
		overrides        clientOverrides
		acceptUnverified bool
		askPassword      bool
		timeout          time.Duration
	)
	cmd := &cobra.Command{
		Use:   "bootstrap",
		Short: "Resolve the server URL and pin the certificates it presents",
		Long: `Follows redirects and meta refreshes from client.server_url, then, for https servers and
only with --accept-unverified or client.trust_on_first_use, captures the presented certificate
chain and stores it in client.certs_path. A changed URL is written back to the config.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			cfg, err := loadClientConfig(opts, overrides)
			if err != nil {
				return err
			}
			client := cfg.Client
			if askPassword {
				password, err := promptPassword(client.User)
				if err != nil {
					return err
				}
				client.Password = password
			}

			b := trust.NewBootstrapper(trust.Options{Timeout: timeout, Logger: opts.logger})
			res, err := b.Bootstrap(ctx, client.ServerURL, acceptUnverified || client.TrustOnFirstUse)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if res.Warning != "" {
				fmt.Fprintf(out, "warning: %s\n", res.Warning)
			}

			resolved := res.Context.URL.String()
			certsPath := config.ResolvePath(opts.configPath, client.CertsPath)
			pins, err := store.LoadPins(certsPath)
			if err != nil {
				return err
			}
			if resolved != client.ServerURL {
				pins.Remove(client.ServerURL)
			}
			if res.State == trust.Pinned && len(res.Context.Certs) > 0 {
				pins.Put(resolved, res.Context.Certs)
				fmt.Fprintf(out, "pinned %d certificate(s) for %s\n", len(res.Context.Certs), resolved)
			} else {
				pins.Remove(resolved)
				fmt.Fprintf(out, "%s uses default trust\n", resolved)
			}
			if err := store.SavePins(certsPath, pins); err != nil {
				return err
			}

			if resolved != client.ServerURL || askPassword {
				if resolved != client.ServerURL {
					fmt.Fprintf(out, "server url %s -> %s\n", client.ServerURL, resolved)
				}
				client.ServerURL = resolved
				if err := config.Save(opts.configPath, cfg); err != nil {
					return err
				}
			}
			return nil
		},
	}

	flags := cmd.Flags()
	bindClientOverrides(flags, &overrides)
	flags.BoolVar(&acceptUnverified, "accept-unverified", false, "trust the certificates the server presents now")
	flags.BoolVar(&askPassword, "ask-password", false, "prompt for the basic auth password and store it")
	flags.DurationVar(&timeout, "timeout", 10*time.Second, "per request timeout")
	return cmd
}

func promptPassword(user string) (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", errors.New("no terminal available for the password prompt")
	}
	fmt.Fprintf(os.Stderr, "Password for %s: ", user)
	password, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("read password: %w", err)
	}
	return string(password), nil
}
