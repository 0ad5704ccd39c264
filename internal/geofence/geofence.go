// Package geofence registers circular regions around the home location and turns their
// transitions into events and crossing reports.
package geofence

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"homefence/internal/bus"
	"homefence/internal/model"
)

// Region is one watched circle. Both ENTER and EXIT are reported.
type Region struct {
	Fence  model.Fence
	Center model.Location
}

// Crossing is a transition reported by a Provider.
type Crossing struct {
	Fence      string
	Transition model.Transition
	Location   model.Location
}

// Provider is the geofence facility. Register and Unregister complete asynchronously by calling
// done exactly once.
type Provider interface {
	Register(regions []Region, onCrossing func(Crossing), done func(error))
	Unregister(done func(error))
}

// Notifier posts crossing reports. *api.Client implements it.
type Notifier interface {
	CrossingAsync(ctx context.Context, loc model.Location, fence string, transition model.Transition, done func(error))
}

// Options configures a Manager.
type Options struct {
	Provider Provider
	Notifier Notifier
	Bus      *bus.Bus
	// OnFatal ends the session when registration fails.
	OnFatal func(reason string)
	Logger  zerolog.Logger
}

// Manager owns the fences of one session.
type Manager struct {
	opts Options
	log  zerolog.Logger

	mu      sync.Mutex
	ctx     context.Context
	started bool
	stopped bool
}

func NewManager(opts Options) *Manager {
	if opts.Bus == nil {
		opts.Bus = bus.New()
	}
	return &Manager{
		opts: opts,
		log:  opts.Logger.With().Str("component", "geofence").Logger(),
	}
}

// Regions builds one region per fence centred on home.
func Regions(home model.Location, fences []model.Fence) []Region {
	regions := make([]Region, 0, len(fences))
	for _, f := range fences {
		regions = append(regions, Region{Fence: f, Center: home})
	}
	return regions
}

// Start registers the fences. SessionStarted is published only once registration succeeds; a
// failed registration is fatal. Later calls are ignored.
func (m *Manager) Start(ctx context.Context, home model.Location, fences []model.Fence) {
	m.mu.Lock()
	if m.started || m.stopped {
		m.mu.Unlock()
		return
	}
	m.started = true
	m.ctx = ctx
	m.mu.Unlock()

	regions := Regions(home, fences)
	m.opts.Provider.Register(regions, m.onCrossing, func(err error) {
		if err != nil {
			reason := fmt.Sprintf("geofence registration failed: %v", err)
			m.log.Error().Err(err).Int("fences", len(regions)).Msg("registration failed")
			if m.opts.OnFatal != nil {
				m.opts.OnFatal(reason)
			}
			return
		}
		m.log.Info().Int("fences", len(regions)).Msg("fences registered")
		started := home
		m.opts.Bus.Publish(bus.Event{Kind: bus.SessionStarted, Location: &started, Fences: fences})
	})
}

func (m *Manager) onCrossing(c Crossing) {
	m.mu.Lock()
	ctx, stopped := m.ctx, m.stopped
	m.mu.Unlock()
	if stopped {
		return
	}

	loc := c.Location
	m.opts.Bus.Publish(bus.Event{Kind: bus.FenceCrossed, Location: &loc, Fence: c.Fence, Transition: c.Transition})
	if m.opts.Notifier == nil {
		return
	}
	m.opts.Notifier.CrossingAsync(context.WithoutCancel(ctx), c.Location, c.Fence, c.Transition, func(err error) {
		if err != nil {
			m.log.Warn().Err(err).Str("fence", c.Fence).Str("transition", string(c.Transition)).Msg("crossing report failed")
		}
	})
}

// Stop unregisters every fence. Failures are logged only.
func (m *Manager) Stop() {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	m.stopped = true
	started := m.started
	m.mu.Unlock()
	if !started {
		return
	}

	m.opts.Provider.Unregister(func(err error) {
		if err != nil {
			m.log.Warn().Err(err).Msg("unregister failed")
		}
	})
}
