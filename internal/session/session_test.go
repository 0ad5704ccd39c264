package session

import (
	"context"
	"crypto/x509"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"homefence/internal/apperr"
	"homefence/internal/bus"
	"homefence/internal/clock"
	"homefence/internal/geofence"
	"homefence/internal/jsonval"
	"homefence/internal/model"
	"homefence/internal/source"
	"homefence/internal/tracker"
	"homefence/internal/tracklog"
)

// fakeServer counts requests per path and answers /mobile/config from a script.
type fakeServer struct {
	mu     sync.Mutex
	counts map[string]int
	bodies map[string][]jsonval.Value
	config func(n int) string
}

func newFakeServer(config func(n int) string) (*fakeServer, *httptest.Server) {
	f := &fakeServer{counts: map[string]int{}, bodies: map[string][]jsonval.Value{}, config: config}
	return f, httptest.NewServer(http.HandlerFunc(f.serve))
}

func (f *fakeServer) serve(w http.ResponseWriter, r *http.Request) {
	data, _ := io.ReadAll(r.Body)
	body, _ := jsonval.Decode(data)
	f.mu.Lock()
	n := f.counts[r.URL.Path]
	f.counts[r.URL.Path]++
	f.bodies[r.URL.Path] = append(f.bodies[r.URL.Path], body)
	f.mu.Unlock()

	if r.URL.Path == "/mobile/config" && f.config != nil {
		_, _ = w.Write([]byte(f.config(n)))
	}
}

func (f *fakeServer) count(path string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.counts[path]
}

func (f *fakeServer) body(path string, i int) jsonval.Value {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.bodies[path][i]
}

type recorder struct {
	mu     sync.Mutex
	events []bus.Event
}

func (r *recorder) add(ev bus.Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recorder) of(kind bus.Kind) []bus.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []bus.Event
	for _, ev := range r.events {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func track(locs ...model.Location) *source.Replay {
	points := make([]tracklog.Point, 0, len(locs))
	for i, loc := range locs {
		points = append(points, tracklog.Point{Time: time.Unix(int64(i), 0), Location: loc})
	}
	return source.NewReplay(points, false)
}

func TestSession_ReportsThenSuppressesAndReportsCrossing(t *testing.T) {
	t.Parallel()

	f, s := newFakeServer(func(n int) string {
		if n == 0 {
			return ""
		}
		if n == 1 {
			return `{"lat":51.0,"lng":-1.0,"fences":{"home":100},"interval":10000}`
		}
		return `{"lat":52.0,"lng":-2.0,"fences":{"other":5}}`
	})
	defer s.Close()

	fake := clock.Fake(time.Date(2026, 3, 1, 7, 0, 0, 0, time.UTC))
	sess, err := New(Options{
		URL:         s.URL,
		Device:      "phone-1",
		Interval:    30 * time.Second,
		MinInterval: 5 * time.Second,
		Source: track(
			model.NewLocation(51.0, -1.0),
			model.NewLocation(51.0002, -1.0),  // ~22 m
			model.NewLocation(51.00021, -1.0), // ~1 m from the last report
			model.NewLocation(51.01, -1.0),    // ~1.1 km, leaves the home fence
		),
		Clock:  fake,
		Logger: zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	rec := &recorder{}
	defer sess.OnEvent(rec.add)()

	if err := sess.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer sess.Stop()

	waitFor(t, "first report", func() bool { return f.count("/mobile/config") == 1 })
	fake.WaitForTimers(1)
	fake.Advance(30 * time.Second)

	waitFor(t, "second report", func() bool { return f.count("/mobile/config") == 2 })
	fake.WaitForTimers(1)
	if got := fake.Pending()[0]; got != 10*time.Second {
		t.Fatalf("server interval not applied: %v", got)
	}
	fake.Advance(10 * time.Second)

	fake.WaitForTimers(1)
	if n := f.count("/mobile/config"); n != 2 {
		t.Fatalf("small move reported: posts=%d", n)
	}
	fake.Advance(30 * time.Second)

	waitFor(t, "far report", func() bool { return f.count("/mobile/config") == 3 })
	waitFor(t, "crossing report", func() bool { return f.count("/mobile/crossing") == 1 })

	crossing := f.body("/mobile/crossing", 0)
	fence, _ := crossing.Get("fence")
	transition, _ := crossing.Get("transition")
	device, _ := crossing.Get("device")
	if !jsonval.Equal(fence, jsonval.String("home")) || !jsonval.Equal(transition, jsonval.String("EXIT")) || !jsonval.Equal(device, jsonval.String("phone-1")) {
		t.Fatalf("crossing body=%s", crossing)
	}

	waitFor(t, "events", func() bool { return len(rec.of(bus.FenceCrossed)) == 1 })
	homes := rec.of(bus.HomeChanged)
	if len(homes) != 1 || *homes[0].Location != model.NewLocation(51.0, -1.0) {
		t.Fatalf("home events=%+v", homes)
	}
	if n := len(rec.of(bus.SessionStarted)); n != 1 {
		t.Fatalf("started events=%d", n)
	}
	if n := len(rec.of(bus.PositionReported)); n != 3 {
		t.Fatalf("position events=%d", n)
	}
}

type failingProvider struct{}

func (failingProvider) Register(_ []geofence.Region, _ func(geofence.Crossing), done func(error)) {
	done(errors.New("geofence service unavailable"))
}

func (failingProvider) Unregister(done func(error)) { done(nil) }

func TestSession_RegistrationFailureStopsOnce(t *testing.T) {
	t.Parallel()

	_, s := newFakeServer(func(int) string { return `{"lat":51,"lng":-1,"fences":{"home":100}}` })
	defer s.Close()

	sess, err := New(Options{
		URL:      s.URL,
		Device:   "phone-1",
		Source:   track(model.NewLocation(51, -1)),
		Geofence: failingProvider{},
		Clock:    clock.Fake(time.Unix(0, 0)),
		Logger:   zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	rec := &recorder{}
	defer sess.OnEvent(rec.add)()
	if err := sess.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	err = sess.Wait()
	if !apperr.Is(err, apperr.KindFatalSession) {
		t.Fatalf("Wait: %v", err)
	}
	waitFor(t, "stopping event", func() bool { return len(rec.of(bus.SessionStopping)) == 1 })
	if reason := rec.of(bus.SessionStopping)[0].Reason; reason == "" {
		t.Fatalf("stopping without reason")
	}
	if n := len(rec.of(bus.SessionStarted)); n != 0 {
		t.Fatalf("started published after failed registration")
	}
	sess.Stop()
}

func TestSession_StopIsQuiet(t *testing.T) {
	t.Parallel()

	_, s := newFakeServer(nil)
	defer s.Close()

	sess, err := New(Options{
		URL:      s.URL,
		Device:   "phone-1",
		Protocol: tracker.ProtocolLegacy,
		Source:   track(),
		Clock:    clock.Fake(time.Unix(0, 0)),
		Logger:   zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	rec := &recorder{}
	defer sess.OnEvent(rec.add)()
	if err := sess.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := sess.Start(context.Background()); !errors.Is(err, ErrAlreadyStarted) {
		t.Fatalf("second Start: %v", err)
	}
	waitFor(t, "started event", func() bool { return len(rec.of(bus.SessionStarted)) == 1 })

	sess.Stop()
	sess.Stop()
	if err := sess.Wait(); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if n := len(rec.of(bus.SessionStopping)); n != 0 {
		t.Fatalf("stopping published on normal stop")
	}
}

func TestNew_ConfigurationErrors(t *testing.T) {
	t.Parallel()

	for _, opts := range []Options{
		{URL: "", Device: "d", Source: track()},
		{URL: "mailto:x", Device: "d", Source: track()},
		{URL: "http://host", Source: track()},
		{URL: "http://host", Device: "d"},
	} {
		opts.Logger = zerolog.Nop()
		if _, err := New(opts); !apperr.Is(err, apperr.KindConfiguration) {
			t.Fatalf("opts=%+v err=%v", opts, err)
		}
	}
}

func TestNew_UnusablePinsFallBackToDefaultTrust(t *testing.T) {
	t.Parallel()

	sess, err := New(Options{
		URL:    "https://home.example",
		Device: "phone-1",
		Source: track(),
		LoadCerts: func(string) ([]*x509.Certificate, error) {
			return nil, apperr.Trust("load", errors.New("keystore corrupt"))
		},
		Logger: zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if sess.Pinned() {
		t.Fatalf("session pinned despite trust error")
	}
}

func TestSession_BoostPostsRequest(t *testing.T) {
	t.Parallel()

	f, s := newFakeServer(nil)
	defer s.Close()

	sess, err := New(Options{URL: s.URL, Device: "phone-1", Source: track(), Logger: zerolog.Nop()})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := sess.Boost(context.Background(), model.BoostRequest{Pin: model.PinHW, State: model.StateBoost}); err != nil {
		t.Fatalf("Boost: %v", err)
	}
	body := f.body("/mobile/request", 0)
	want := jsonval.Object(map[string]jsonval.Value{
		"device": jsonval.String("phone-1"),
		"pin":    jsonval.String("HW"),
		"state":  jsonval.Int(2),
	})
	if !jsonval.Equal(body, want) {
		t.Fatalf("body=%s", body)
	}
	if err := sess.Boost(context.Background(), model.BoostRequest{Pin: "XX"}); !apperr.Is(err, apperr.KindConfiguration) {
		t.Fatalf("bad pin: %v", err)
	}
}
