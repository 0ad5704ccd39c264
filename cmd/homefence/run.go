package main

import (
	"bufio"
	"bytes"
	"context"
	"crypto/x509"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"homefence/internal/bus"
	"homefence/internal/config"
	"homefence/internal/model"
	"homefence/internal/monitor"
	"homefence/internal/session"
	"homefence/internal/source"
	"homefence/internal/store"
	"homefence/internal/tracker"
	"homefence/internal/tracklog"
)

func newRunCommand(opts *rootOptions) *cobra.Command {
	var overrides clientOverrides
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Track and report the device location until interrupted",
		Long: `Reports positions to the configured server. Fixes come from client.track_path
(a CSV track replayed one row per poll) or, when unset, from stdin lines "lat,lng[,bearing,speed]".
SIGHUP reloads the config file and restarts tracking when the server URL or pinned
certificates changed.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()
			return runTracking(ctx, opts, overrides, cmd.InOrStdin())
		},
	}
	bindClientOverrides(cmd.Flags(), &overrides)
	return cmd
}

func runTracking(ctx context.Context, opts *rootOptions, overrides clientOverrides, stdin io.Reader) error {
	logger := opts.logger
	cfg, err := loadClientConfig(opts, overrides)
	if err != nil {
		return err
	}

	src, err := openSource(ctx, opts.configPath, cfg.Client, stdin, logger)
	if err != nil {
		return err
	}

	events := bus.New()
	defer events.Close()
	cancelLog := events.Listen(func(ev bus.Event) { logEvent(logger, ev) })
	defer cancelLog()

	if addr := cfg.Client.MonitorListen; addr != "" {
		mon := monitor.NewServer(events, logger)
		go func() {
			if err := mon.ListenAndServe(ctx, addr); err != nil {
				logger.Error().Err(err).Str("addr", addr).Msg("monitor stopped")
			}
		}()
	}

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		certsPath := config.ResolvePath(opts.configPath, cfg.Client.CertsPath)
		pinsSnapshot := readFileOrNil(certsPath)

		sess, err := newSession(cfg.Client, certsPath, src, events, opts.configPath, logger)
		if err != nil {
			return err
		}
		if err := sess.Start(ctx); err != nil {
			return err
		}

	wait:
		for {
			select {
			case <-ctx.Done():
				sess.Stop()
				return nil
			case <-sess.Done():
				return sess.Wait()
			case <-hup:
				next, err := loadClientConfig(opts, overrides)
				if err != nil {
					logger.Error().Err(err).Msg("reload failed; keeping current session")
					continue
				}
				nextCerts := config.ResolvePath(opts.configPath, next.Client.CertsPath)
				if !sessionChanged(cfg.Client, next.Client, pinsSnapshot, readFileOrNil(nextCerts)) {
					logger.Info().Msg("config reloaded; session unchanged")
					continue
				}
				logger.Info().Str("url", next.Client.ServerURL).Msg("config changed; restarting session")
				sess.Stop()
				cfg = next
				break wait
			}
		}
	}
}

func newSession(c *config.ClientConfig, certsPath string, src tracker.LocationSource, events *bus.Bus, configPath string, logger zerolog.Logger) (*session.Session, error) {
	protocol, err := tracker.ParseProtocol(c.Protocol)
	if err != nil {
		return nil, err
	}
	var onReport func(model.Location)
	if c.ReportLog != "" {
		reportLog := config.ResolvePath(configPath, c.ReportLog)
		onReport = func(loc model.Location) {
			point := tracklog.Point{Time: time.Now().UTC(), Location: loc}
			if err := tracklog.AppendCSV(reportLog, []tracklog.Point{point}); err != nil {
				logger.Warn().Err(err).Str("path", reportLog).Msg("report log append failed")
			}
		}
	}

	return session.New(session.Options{
		URL:         c.ServerURL,
		User:        c.User,
		Password:    c.Password,
		Device:      c.DeviceID,
		LoadCerts:   pinLoader(certsPath),
		Protocol:    protocol,
		Interval:    c.Interval(),
		MinInterval: c.MinInterval(),
		MaxBackoff:  c.MaxBackoff(),
		Source:      src,
		Bus:         events,
		OnReport:    onReport,
		Logger:      logger,
	})
}

func pinLoader(certsPath string) func(string) ([]*x509.Certificate, error) {
	return func(url string) ([]*x509.Certificate, error) {
		pins, err := store.LoadPins(certsPath)
		if err != nil {
			return nil, err
		}
		certs, _, err := pins.Lookup(url)
		return certs, err
	}
}

func openSource(ctx context.Context, configPath string, c *config.ClientConfig, stdin io.Reader, logger zerolog.Logger) (tracker.LocationSource, error) {
	if c.TrackPath != "" {
		replay, err := source.OpenReplay(config.ResolvePath(configPath, c.TrackPath), c.ReplayLoop)
		if err != nil {
			return nil, err
		}
		return replay, nil
	}
	push := source.NewPush(1)
	go readFixes(ctx, stdin, push, logger)
	return push, nil
}

// readFixes feeds stdin lines into push until EOF or ctx ends.
func readFixes(ctx context.Context, r io.Reader, push *source.Push, logger zerolog.Logger) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		loc, err := parseFix(line)
		if err != nil {
			logger.Warn().Err(err).Str("line", line).Msg("ignoring fix")
			continue
		}
		push.Publish(loc)
	}
	if err := scanner.Err(); err != nil {
		logger.Warn().Err(err).Msg("stdin read failed")
	}
}

// parseFix reads "lat,lng[,bearing[,speed]]". Empty optional fields are skipped.
func parseFix(line string) (model.Location, error) {
	fields := strings.Split(line, ",")
	if len(fields) < 2 || len(fields) > 4 {
		return model.Location{}, fmt.Errorf("want lat,lng[,bearing[,speed]], got %d fields", len(fields))
	}
	values := make([]*float64, len(fields))
	for i, field := range fields {
		field = strings.TrimSpace(field)
		if field == "" {
			continue
		}
		v, err := strconv.ParseFloat(field, 64)
		if err != nil {
			return model.Location{}, fmt.Errorf("field %d: %w", i+1, err)
		}
		values[i] = &v
	}
	if values[0] == nil || values[1] == nil {
		return model.Location{}, fmt.Errorf("lat and lng are required")
	}

	loc := model.NewLocation(*values[0], *values[1])
	if len(values) > 2 && values[2] != nil {
		loc = loc.WithBearing(*values[2])
	}
	if len(values) > 3 && values[3] != nil {
		loc = loc.WithSpeed(*values[3])
	}
	return loc, loc.Valid()
}

// sessionChanged reports whether a reload requires a new session.
func sessionChanged(prev, next *config.ClientConfig, prevPins, nextPins []byte) bool {
	if prev.ServerURL != next.ServerURL || prev.User != next.User || prev.Password != next.Password {
		return true
	}
	if prev.Protocol != next.Protocol || prev.Interval() != next.Interval() ||
		prev.MinIntervalSec != next.MinIntervalSec || prev.MaxBackoffSec != next.MaxBackoffSec {
		return true
	}
	if prev.DeviceID != next.DeviceID || prev.ReportLog != next.ReportLog {
		return true
	}
	return !bytes.Equal(prevPins, nextPins)
}

func readFileOrNil(path string) []byte {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	return data
}

func logEvent(logger zerolog.Logger, ev bus.Event) {
	entry := logger.Info().Str("event", string(ev.Kind))
	if ev.Location != nil {
		entry = entry.Str("location", ev.Location.String())
	}
	if ev.Fence != "" {
		entry = entry.Str("fence", ev.Fence).Str("transition", string(ev.Transition))
	}
	if len(ev.Fences) > 0 {
		entry = entry.Int("fences", len(ev.Fences))
	}
	if ev.Reason != "" {
		entry = entry.Str("reason", ev.Reason)
	}
	entry.Msg("session event")
}
