// Package tracker owns the location reporting loop. One goroutine decides when to sample,
// whether a sample is worth reporting, and how long to wait afterwards; the report itself runs
// on a short-lived worker so the loop never blocks on the network.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"homefence/internal/apperr"
	"homefence/internal/bus"
	"homefence/internal/clock"
	"homefence/internal/model"
)

// Protocol selects the report endpoint.
type Protocol string

const (
	ProtocolConfig Protocol = "config"
	ProtocolSet    Protocol = "set"
	ProtocolLegacy Protocol = "legacy"
)

// ParseProtocol accepts config, set or legacy. Empty means config.
func ParseProtocol(value string) (Protocol, error) {
	switch Protocol(value) {
	case "", ProtocolConfig:
		return ProtocolConfig, nil
	case ProtocolSet, ProtocolLegacy:
		return Protocol(value), nil
	}
	return "", fmt.Errorf("unknown protocol %q", value)
}

// Reporter sends a position and returns the server's directive. *api.Client implements it.
type Reporter interface {
	Config(ctx context.Context, loc model.Location) (model.Directive, error)
	SetMobile(ctx context.Context, loc model.Location, requests []model.BoostRequest) (model.Directive, error)
	Mobile(ctx context.Context, loc model.Location) (model.Directive, error)
}

// LocationSource supplies fixes. Poll returns ok=false when no fix is available. Updates returns
// pushed fixes, or nil for a polling-only source.
type LocationSource interface {
	Poll(ctx context.Context) (model.Location, bool, error)
	Updates() <-chan model.Location
}

// Defaults.
const (
	DefaultInterval   = time.Minute
	DefaultMinimum    = 5 * time.Second
	DefaultMaxBackoff = 15 * time.Minute
)

// ErrBoostQueueFull is returned when boost requests arrive faster than the loop drains them.
var ErrBoostQueueFull = errors.New("boost queue full")

// Options configures a Scheduler.
type Options struct {
	Reporter Reporter
	Source   LocationSource
	Bus      *bus.Bus
	Clock    clock.Clock
	Protocol Protocol

	// Interval is the default wait between checks.
	Interval time.Duration
	// MinInterval is the floor every wait is clamped to.
	MinInterval time.Duration
	MaxBackoff  time.Duration

	// OnSample sees every fix the loop accepts, reported or not.
	OnSample func(model.Location)
	// OnReport sees every successfully reported fix.
	OnReport func(model.Location)
	// OnHome is called once, on the loop goroutine, when the home location is first learned.
	OnHome func(home model.Location, fences []model.Fence)

	Logger zerolog.Logger
}

type result struct {
	sample    model.Location
	directive model.Directive
	err       error
}

// Scheduler is the tracking loop for one session.
type Scheduler struct {
	opts Options
	log  zerolog.Logger

	results chan result
	boosts  chan model.BoostRequest

	// Loop-owned state.
	last     *model.Location
	home     *model.Location
	busy     bool
	failures int
	pending  []model.BoostRequest
	timer    *clock.Timer
}

// New validates opts and fills defaults.
func New(opts Options) (*Scheduler, error) {
	if opts.Reporter == nil {
		return nil, apperr.Configuration("tracker", errors.New("reporter is required"))
	}
	if opts.Source == nil {
		return nil, apperr.Configuration("tracker", errors.New("location source is required"))
	}
	if opts.Bus == nil {
		opts.Bus = bus.New()
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	protocol, err := ParseProtocol(string(opts.Protocol))
	if err != nil {
		return nil, apperr.Configuration("tracker", err)
	}
	opts.Protocol = protocol
	if opts.MinInterval <= 0 {
		opts.MinInterval = DefaultMinimum
	}
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	opts.Interval = Clamp(opts.Interval, opts.MinInterval)
	if opts.MaxBackoff < opts.Interval {
		opts.MaxBackoff = max(DefaultMaxBackoff, opts.Interval)
	}

	return &Scheduler{
		opts:    opts,
		log:     opts.Logger.With().Str("component", "tracker").Str("protocol", string(opts.Protocol)).Logger(),
		results: make(chan result, 1),
		boosts:  make(chan model.BoostRequest, 8),
	}, nil
}

// Protocol returns the report protocol in use.
func (s *Scheduler) Protocol() Protocol { return s.opts.Protocol }

// Boost queues req to ride along with the next /set/mobile report.
func (s *Scheduler) Boost(req model.BoostRequest) error {
	if err := req.Valid(); err != nil {
		return apperr.Configuration("boost", err)
	}
	if s.opts.Protocol != ProtocolSet {
		return apperr.Configuration("boost", fmt.Errorf("protocol %s does not carry boost requests", s.opts.Protocol))
	}
	select {
	case s.boosts <- req:
		return nil
	default:
		return ErrBoostQueueFull
	}
}

// Run drives the loop until ctx is done. The first check happens immediately. A report still in
// flight when ctx ends completes on its worker and its result is discarded.
func (s *Scheduler) Run(ctx context.Context) error {
	s.timer = s.opts.Clock.NewTimer(0)
	defer s.timer.Stop()

	updates := s.opts.Source.Updates()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.timer.C:
			s.poll(ctx)
		case loc, ok := <-updates:
			if !ok {
				updates = nil
				break
			}
			s.sample(ctx, loc)
		case res := <-s.results:
			s.complete(ctx, res)
		case req := <-s.boosts:
			s.pending = append(s.pending, req)
		}
	}
}

func (s *Scheduler) poll(ctx context.Context) {
	if s.busy {
		return
	}
	loc, ok, err := s.opts.Source.Poll(ctx)
	if err != nil {
		s.log.Warn().Err(err).Msg("location poll failed")
		s.arm(s.opts.Interval)
		return
	}
	if !ok {
		s.log.Debug().Msg("no location fix")
		s.arm(s.opts.Interval)
		return
	}
	s.sample(ctx, loc)
}

func (s *Scheduler) sample(ctx context.Context, loc model.Location) {
	if s.busy {
		s.log.Debug().Str("location", loc.String()).Msg("report in flight; sample dropped")
		return
	}
	if err := loc.Valid(); err != nil {
		s.log.Warn().Err(err).Msg("invalid fix ignored")
		s.arm(s.opts.Interval)
		return
	}
	if s.opts.OnSample != nil {
		s.opts.OnSample(loc)
	}
	if !ShouldReport(s.last, loc, s.home != nil) {
		s.log.Debug().Str("location", loc.String()).Msg("moved less than threshold")
		s.arm(s.opts.Interval)
		return
	}

	s.busy = true
	s.stopTimer()
	reported := loc
	s.opts.Bus.Publish(bus.Event{Kind: bus.PositionReported, Location: &reported})

	var requests []model.BoostRequest
	if s.opts.Protocol == ProtocolSet {
		requests, s.pending = s.pending, nil
	}
	// The report outlives a stop; the transport timeout bounds it.
	reportCtx := context.WithoutCancel(ctx)
	go func() {
		d, err := s.report(reportCtx, loc, requests)
		s.results <- result{sample: loc, directive: d, err: err}
	}()
}

func (s *Scheduler) report(ctx context.Context, loc model.Location, requests []model.BoostRequest) (model.Directive, error) {
	switch s.opts.Protocol {
	case ProtocolSet:
		return s.opts.Reporter.SetMobile(ctx, loc, requests)
	case ProtocolLegacy:
		return s.opts.Reporter.Mobile(ctx, loc)
	default:
		return s.opts.Reporter.Config(ctx, loc)
	}
}

func (s *Scheduler) complete(ctx context.Context, res result) {
	s.busy = false
	if ctx.Err() != nil {
		return
	}
	if res.err != nil {
		s.failures++
		wait := Backoff(s.opts.Interval, s.opts.MaxBackoff, s.opts.MinInterval, s.failures)
		s.log.Warn().Err(res.err).Str("kind", apperr.KindOf(res.err).String()).
			Int("failures", s.failures).Dur("retry_in", wait).Msg("report failed")
		s.arm(wait)
		return
	}

	s.failures = 0
	sample := res.sample
	s.last = &sample
	if s.opts.OnReport != nil {
		s.opts.OnReport(sample)
	}

	d := res.directive
	if s.home == nil && d.HasHome {
		home := d.Home
		s.home = &home
		s.log.Info().Str("home", home.String()).Int("fences", len(d.Fences)).Msg("home location set")
		s.opts.Bus.Publish(bus.Event{Kind: bus.HomeChanged, Location: &home, Fences: d.Fences})
		if s.opts.OnHome != nil {
			s.opts.OnHome(home, d.Fences)
		}
	}

	s.arm(Pace(d, sample, s.opts.Clock.Now(), s.opts.Interval, s.opts.MinInterval))
}

func (s *Scheduler) stopTimer() {
	if !s.timer.Stop() {
		select {
		case <-s.timer.C:
		default:
		}
	}
}

func (s *Scheduler) arm(d time.Duration) {
	s.stopTimer()
	s.timer.Reset(d)
}
