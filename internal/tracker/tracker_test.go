package tracker

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"homefence/internal/apperr"
	"homefence/internal/bus"
	"homefence/internal/clock"
	"homefence/internal/model"
)

var epoch = time.Date(2026, 1, 1, 8, 0, 0, 0, time.UTC)

type harness struct {
	sched  *Scheduler
	clock  *clock.FakeClock
	events <-chan bus.Event
	cancel context.CancelFunc
	done   chan error
}

func start(t *testing.T, opts Options) *harness {
	t.Helper()

	fake := clock.Fake(epoch)
	b := bus.New()
	opts.Clock = fake
	opts.Bus = b
	opts.Logger = zerolog.Nop()
	if opts.MinInterval == 0 {
		opts.MinInterval = 5 * time.Second
	}
	sched, err := New(opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	h := &harness{sched: sched, clock: fake, events: b.Subscribe(64), done: make(chan error, 1)}
	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	go func() { h.done <- sched.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-h.done
	})
	return h
}

func (h *harness) drain() []bus.Event {
	var out []bus.Event
	for {
		select {
		case ev := <-h.events:
			out = append(out, ev)
		default:
			return out
		}
	}
}

func count(events []bus.Event, kind bus.Kind) int {
	n := 0
	for _, ev := range events {
		if ev.Kind == kind {
			n++
		}
	}
	return n
}

func TestScheduler_HomeSetOnce(t *testing.T) {
	t.Parallel()

	rep := &fakeReporter{reply: func(_ context.Context, n int) (model.Directive, error) {
		if n == 0 {
			return model.Directive{Home: model.NewLocation(51.0, -1.0), HasHome: true, Interval: 10 * time.Second}, nil
		}
		return model.Directive{Home: model.NewLocation(52.0, -2.0), HasHome: true, Interval: 10 * time.Second}, nil
	}}
	src := &scriptSource{fixes: []model.Location{model.NewLocation(51.0, -1.0), model.NewLocation(51.001, -1.0)}}

	var homes atomic.Int32
	h := start(t, Options{Reporter: rep, Source: src, OnHome: func(model.Location, []model.Fence) { homes.Add(1) }})

	waitFor(t, "first report", func() bool { return len(rep.snapshot()) == 1 })
	h.clock.WaitForTimers(1)
	if got := h.clock.Pending(); got[0] != 10*time.Second {
		t.Fatalf("next check in %v, want 10s", got[0])
	}
	h.clock.Advance(10 * time.Second)
	waitFor(t, "second report", func() bool { return len(rep.snapshot()) == 2 })
	h.clock.WaitForTimers(1)

	events := h.drain()
	if n := count(events, bus.HomeChanged); n != 1 {
		t.Fatalf("home changed %d times", n)
	}
	for _, ev := range events {
		if ev.Kind == bus.HomeChanged && *ev.Location != model.NewLocation(51.0, -1.0) {
			t.Fatalf("home=%v", ev.Location)
		}
	}
	if n := count(events, bus.PositionReported); n != 2 {
		t.Fatalf("position reported %d times", n)
	}
	if homes.Load() != 1 {
		t.Fatalf("OnHome called %d times", homes.Load())
	}
}

func TestScheduler_SuppressesSmallMovesOnceHomeKnown(t *testing.T) {
	t.Parallel()

	rep := &fakeReporter{reply: func(context.Context, int) (model.Directive, error) {
		return model.Directive{Home: model.NewLocation(51.0, -1.0), HasHome: true, Interval: 10 * time.Second}, nil
	}}
	src := &scriptSource{fixes: []model.Location{
		model.NewLocation(51.0, -1.0),
		model.NewLocation(51.00017, -1.0), // ~19 m
		model.NewLocation(51.0004, -1.0),  // ~44 m
	}}
	h := start(t, Options{Reporter: rep, Source: src, Interval: 30 * time.Second})

	waitFor(t, "first report", func() bool { return len(rep.snapshot()) == 1 })
	h.clock.WaitForTimers(1)
	h.clock.Advance(10 * time.Second)

	h.clock.WaitForTimers(1)
	if got := h.clock.Pending(); got[0] != 30*time.Second {
		t.Fatalf("suppressed sample rescheduled in %v, want default 30s", got[0])
	}
	if n := len(rep.snapshot()); n != 1 {
		t.Fatalf("reports=%d after small move", n)
	}

	h.clock.Advance(30 * time.Second)
	waitFor(t, "third sample report", func() bool { return len(rep.snapshot()) == 2 })
}

func TestScheduler_FailureKeepsLastReportedAndBacksOff(t *testing.T) {
	t.Parallel()

	rep := &fakeReporter{reply: func(_ context.Context, n int) (model.Directive, error) {
		switch n {
		case 0:
			return model.Directive{Home: model.NewLocation(51.0, -1.0), HasHome: true}, nil
		case 1, 2:
			return model.Directive{}, apperr.Network("post", errors.New("connection refused"))
		}
		return model.Directive{}, nil
	}}
	src := &scriptSource{fixes: []model.Location{
		model.NewLocation(51.0, -1.0),
		model.NewLocation(51.001, -1.0),
		model.NewLocation(51.00101, -1.0), // ~1 m from the failed sample, ~112 m from the last reported
		model.NewLocation(51.00102, -1.0),
	}}
	h := start(t, Options{Reporter: rep, Source: src, Interval: time.Minute, MaxBackoff: 15 * time.Minute})

	waitFor(t, "first report", func() bool { return len(rep.snapshot()) == 1 })
	h.clock.WaitForTimers(1)
	h.clock.Advance(time.Minute)

	waitFor(t, "failed report", func() bool { return len(rep.snapshot()) == 2 })
	h.clock.WaitForTimers(1)
	if got := h.clock.Pending()[0]; got != time.Minute {
		t.Fatalf("first failure waits %v, want default", got)
	}
	h.clock.Advance(time.Minute)

	waitFor(t, "retry after failure", func() bool { return len(rep.snapshot()) == 3 })
	h.clock.WaitForTimers(1)
	if got := h.clock.Pending()[0]; got != 2*time.Minute {
		t.Fatalf("second failure waits %v, want 2m", got)
	}
	h.clock.Advance(2 * time.Minute)

	waitFor(t, "recovery", func() bool { return len(rep.snapshot()) == 4 })
	h.clock.WaitForTimers(1)
	if got := h.clock.Pending()[0]; got != time.Minute {
		t.Fatalf("after success waits %v, want default", got)
	}
}

type pushSource struct {
	ch chan model.Location
}

func (p *pushSource) Poll(context.Context) (model.Location, bool, error) {
	return model.Location{}, false, nil
}

func (p *pushSource) Updates() <-chan model.Location { return p.ch }

func TestScheduler_DropsSampleWhileReportInFlight(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	rep := &fakeReporter{reply: func(context.Context, int) (model.Directive, error) {
		<-release
		return model.Directive{}, nil
	}}
	src := &pushSource{ch: make(chan model.Location)}
	var reported atomic.Int32
	start(t, Options{Reporter: rep, Source: src, OnReport: func(model.Location) { reported.Add(1) }})

	src.ch <- model.NewLocation(51.0, -1.0)
	waitFor(t, "report in flight", func() bool { return len(rep.snapshot()) == 1 })
	src.ch <- model.NewLocation(52.0, -1.0)
	close(release)

	waitFor(t, "report completion", func() bool { return reported.Load() == 1 })
	if n := len(rep.snapshot()); n != 1 {
		t.Fatalf("reports=%d, want the second sample dropped", n)
	}
}

func TestScheduler_StopDiscardsInFlightResult(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	finished := make(chan error, 1)
	rep := &fakeReporter{reply: func(ctx context.Context, _ int) (model.Directive, error) {
		select {
		case <-release:
			finished <- nil
			return model.Directive{Home: model.NewLocation(51, -1), HasHome: true}, nil
		case <-ctx.Done():
			finished <- ctx.Err()
			return model.Directive{}, ctx.Err()
		}
	}}
	src := &scriptSource{fixes: []model.Location{model.NewLocation(51.0, -1.0)}}
	var reported atomic.Int32
	h := start(t, Options{Reporter: rep, Source: src, OnReport: func(model.Location) { reported.Add(1) }})

	waitFor(t, "report in flight", func() bool { return len(rep.snapshot()) == 1 })
	h.cancel()
	if err := <-h.done; !errors.Is(err, context.Canceled) {
		t.Fatalf("Run returned %v", err)
	}
	h.done <- nil
	time.Sleep(20 * time.Millisecond)
	close(release)
	if err := <-finished; err != nil {
		t.Fatalf("in-flight report aborted by stop: %v", err)
	}

	if reported.Load() != 0 {
		t.Fatalf("result applied after stop")
	}
	if n := count(h.drain(), bus.HomeChanged); n != 0 {
		t.Fatalf("home published after stop")
	}
}

func TestScheduler_BoostRidesWithSetReport(t *testing.T) {
	t.Parallel()

	rep := &fakeReporter{}
	src := &scriptSource{}
	h := start(t, Options{Reporter: rep, Source: src, Protocol: ProtocolSet, Interval: 10 * time.Second})

	h.clock.WaitForTimers(1)
	if err := h.sched.Boost(model.BoostRequest{Pin: model.PinCH, State: model.StateBoost}); err != nil {
		t.Fatalf("Boost: %v", err)
	}
	waitFor(t, "boost queued", func() bool { return len(h.sched.boosts) == 0 })

	src.mu.Lock()
	src.fixes = []model.Location{model.NewLocation(51.0, -1.0), model.NewLocation(51.01, -1.0)}
	src.mu.Unlock()
	h.clock.Advance(10 * time.Second)
	waitFor(t, "set report", func() bool { return len(rep.snapshot()) == 1 })
	h.clock.WaitForTimers(1)
	h.clock.Advance(10 * time.Second)
	waitFor(t, "second set report", func() bool { return len(rep.snapshot()) == 2 })

	calls := rep.snapshot()
	if calls[0].endpoint != "set" || len(calls[0].requests) != 1 || calls[0].requests[0].State != model.StateBoost {
		t.Fatalf("first call=%+v", calls[0])
	}
	if len(calls[1].requests) != 0 {
		t.Fatalf("boost sent twice: %+v", calls[1])
	}
}

func TestScheduler_BoostNeedsSetProtocol(t *testing.T) {
	t.Parallel()

	sched, err := New(Options{Reporter: &fakeReporter{}, Source: &scriptSource{}, Logger: zerolog.Nop()})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	err = sched.Boost(model.BoostRequest{Pin: model.PinHW, State: model.StateOn})
	if !apperr.Is(err, apperr.KindConfiguration) {
		t.Fatalf("err=%v", err)
	}
}

func TestScheduler_LegacyProtocol(t *testing.T) {
	t.Parallel()

	rep := &fakeReporter{}
	src := &scriptSource{fixes: []model.Location{model.NewLocation(51.0, -1.0)}}
	start(t, Options{Reporter: rep, Source: src, Protocol: ProtocolLegacy})

	waitFor(t, "legacy report", func() bool { return len(rep.snapshot()) == 1 })
	if got := rep.snapshot()[0].endpoint; got != "legacy" {
		t.Fatalf("endpoint=%s", got)
	}
}

func TestNew_RequiresReporterAndSource(t *testing.T) {
	t.Parallel()

	if _, err := New(Options{Source: &scriptSource{}}); !apperr.Is(err, apperr.KindConfiguration) {
		t.Fatalf("missing reporter: %v", err)
	}
	if _, err := New(Options{Reporter: &fakeReporter{}}); !apperr.Is(err, apperr.KindConfiguration) {
		t.Fatalf("missing source: %v", err)
	}
}

func TestScheduler_CompleteAfterStopIsIgnored(t *testing.T) {
	t.Parallel()

	b := bus.New()
	events := b.Subscribe(8)
	var reported, homes atomic.Int32
	sched, err := New(Options{
		Reporter: &fakeReporter{},
		Source:   &scriptSource{},
		Bus:      b,
		Clock:    clock.Fake(epoch),
		OnReport: func(model.Location) { reported.Add(1) },
		OnHome:   func(model.Location, []model.Fence) { homes.Add(1) },
		Logger:   zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	sched.busy = true
	sched.complete(ctx, result{
		sample:    model.NewLocation(51.0, -1.0),
		directive: model.Directive{Home: model.NewLocation(51, -1), HasHome: true},
	})

	if reported.Load() != 0 || homes.Load() != 0 || len(events) != 0 {
		t.Fatalf("reported=%d homes=%d events=%d after stop", reported.Load(), homes.Load(), len(events))
	}
	if sched.home != nil || sched.last != nil {
		t.Fatalf("loop state changed after stop")
	}
}
