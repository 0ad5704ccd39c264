// Package session wires trust, the server client, the tracking loop and the geofence manager
// into one start/stop unit independent of any host lifecycle.
package session

import (
	"context"
	"crypto/x509"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"homefence/internal/api"
	"homefence/internal/apperr"
	"homefence/internal/bus"
	"homefence/internal/clock"
	"homefence/internal/geofence"
	"homefence/internal/model"
	"homefence/internal/tracker"
	"homefence/internal/trust"
)

// ErrAlreadyStarted is returned by a second Start.
var ErrAlreadyStarted = errors.New("session already started")

// Options configures a Session.
type Options struct {
	URL      string
	User     string
	Password string
	Device   string
	// LoadCerts returns the set pinned for the URL. Errors degrade to default trust.
	LoadCerts func(url string) ([]*x509.Certificate, error)

	Protocol    tracker.Protocol
	Interval    time.Duration
	MinInterval time.Duration
	MaxBackoff  time.Duration
	Timeout     time.Duration

	Source tracker.LocationSource
	// Geofence defaults to a software provider fed with every sample.
	Geofence geofence.Provider
	Bus      *bus.Bus
	Clock    clock.Clock
	OnReport func(model.Location)
	Logger   zerolog.Logger
}

// Session is one tracking run against one server.
type Session struct {
	opts   Options
	log    zerolog.Logger
	bus    *bus.Bus
	trust  *trust.Context
	client *api.Client
	sched  *tracker.Scheduler
	fences *geofence.Manager

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
	started bool
	err     error

	fatalOnce sync.Once
}

// New builds a session. A missing or invalid URL is a configuration error; unusable pinned
// certificates fall back to default trust.
func New(opts Options) (*Session, error) {
	u, err := trust.ParseURL(opts.URL)
	if err != nil {
		return nil, err
	}
	if opts.Device == "" {
		return nil, apperr.Configuration("session", errors.New("device id is required"))
	}
	if opts.Bus == nil {
		opts.Bus = bus.New()
	}
	logger := opts.Logger.With().Str("component", "session").Str("device", opts.Device).Logger()

	var certs []*x509.Certificate
	if opts.LoadCerts != nil {
		certs, err = opts.LoadCerts(u.String())
		if err != nil {
			logger.Warn().Err(err).Str("url", u.String()).Msg("pinned certificates unusable; using default trust")
			certs = nil
		}
	}

	s := &Session{
		opts:  opts,
		log:   logger,
		bus:   opts.Bus,
		trust: trust.Pin(u, certs),
		done:  make(chan struct{}),
	}
	s.client = api.NewClient(api.Options{
		Trust:    s.trust,
		User:     opts.User,
		Password: opts.Password,
		Device:   opts.Device,
		Timeout:  opts.Timeout,
		Logger:   opts.Logger,
	})

	provider := opts.Geofence
	var feed func(model.Location)
	if provider == nil {
		software := geofence.NewSoftwareProvider()
		provider = software
		feed = software.Feed
	}
	s.fences = geofence.NewManager(geofence.Options{
		Provider: provider,
		Notifier: s.client,
		Bus:      s.bus,
		OnFatal:  s.fatal,
		Logger:   opts.Logger,
	})

	s.sched, err = tracker.New(tracker.Options{
		Reporter:    s.client,
		Source:      opts.Source,
		Bus:         s.bus,
		Clock:       opts.Clock,
		Protocol:    opts.Protocol,
		Interval:    opts.Interval,
		MinInterval: opts.MinInterval,
		MaxBackoff:  opts.MaxBackoff,
		OnSample:    feed,
		OnReport:    opts.OnReport,
		OnHome:      s.onHome,
		Logger:      opts.Logger,
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}

// Pinned reports whether requests trust only a pinned certificate set.
func (s *Session) Pinned() bool { return s.trust.IsPinned() }

// Client exposes the server client, for one-off requests.
func (s *Session) Client() *api.Client { return s.client }

// Start launches the tracking loop. It stops when ctx ends, Stop is called, or a fatal error
// occurs.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	s.started = true
	s.ctx, s.cancel = context.WithCancel(ctx)
	runCtx := s.ctx
	s.mu.Unlock()

	s.log.Info().Str("url", s.trust.URL.String()).Bool("pinned", s.trust.IsPinned()).
		Str("protocol", string(s.sched.Protocol())).Msg("session starting")

	go func() {
		defer close(s.done)
		_ = s.sched.Run(runCtx)
		s.fences.Stop()
	}()

	// Only the config protocol carries fences; the others are live as soon as they run.
	if s.sched.Protocol() != tracker.ProtocolConfig {
		s.bus.Publish(bus.Event{Kind: bus.SessionStarted})
	}
	return nil
}

// OnEvent subscribes fn to session events until the returned cancel is called. fn runs on its
// own goroutine and must return promptly; a callback that falls bus.DefaultBuffer events behind
// is unsubscribed and misses later events, including SessionStopping.
func (s *Session) OnEvent(fn func(bus.Event)) (cancel func()) {
	return s.bus.Listen(fn)
}

// Boost requests a pin state. With the set protocol it rides along with the next report;
// otherwise it is posted at once.
func (s *Session) Boost(ctx context.Context, req model.BoostRequest) error {
	if err := req.Valid(); err != nil {
		return apperr.Configuration("boost", err)
	}
	if s.sched.Protocol() == tracker.ProtocolSet {
		return s.sched.Boost(req)
	}
	return s.client.Request(ctx, req)
}

// Stop ends the loop and tears down fences. A report in flight finishes on its worker and is
// discarded. Stop does not publish a stopping event.
func (s *Session) Stop() {
	s.mu.Lock()
	cancel, started := s.cancel, s.started
	s.mu.Unlock()
	if !started {
		return
	}
	cancel()
	<-s.done
}

// Wait blocks until the loop ends. It returns the fatal error that ended the session, if any.
func (s *Session) Wait() error {
	<-s.done
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Done is closed when the loop has ended.
func (s *Session) Done() <-chan struct{} { return s.done }

func (s *Session) onHome(home model.Location, fences []model.Fence) {
	if s.sched.Protocol() != tracker.ProtocolConfig {
		return
	}
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()
	s.fences.Start(ctx, home, fences)
}

// fatal ends the session once with a stopping event carrying reason.
func (s *Session) fatal(reason string) {
	s.fatalOnce.Do(func() {
		s.log.Error().Str("reason", reason).Msg("session stopping")
		s.mu.Lock()
		s.err = apperr.FatalSession("session", errors.New(reason))
		cancel := s.cancel
		s.mu.Unlock()
		s.bus.Publish(bus.Event{Kind: bus.SessionStopping, Reason: reason})
		if cancel != nil {
			cancel()
		}
	})
}
