package tracker

import (
	"context"
	"sync"
	"testing"
	"time"

	"homefence/internal/model"
)

type scriptSource struct {
	mu    sync.Mutex
	fixes []model.Location
}

func (s *scriptSource) Poll(context.Context) (model.Location, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.fixes) == 0 {
		return model.Location{}, false, nil
	}
	next := s.fixes[0]
	s.fixes = s.fixes[1:]
	return next, true, nil
}

func (s *scriptSource) Updates() <-chan model.Location { return nil }

type reportCall struct {
	endpoint string
	loc      model.Location
	requests []model.BoostRequest
}

type fakeReporter struct {
	mu    sync.Mutex
	calls []reportCall
	// reply answers the n-th call (zero based) with the context the report runs under.
	reply func(ctx context.Context, n int) (model.Directive, error)
}

func (r *fakeReporter) record(ctx context.Context, endpoint string, loc model.Location, requests []model.BoostRequest) (model.Directive, error) {
	r.mu.Lock()
	n := len(r.calls)
	r.calls = append(r.calls, reportCall{endpoint: endpoint, loc: loc, requests: requests})
	reply := r.reply
	r.mu.Unlock()
	if reply == nil {
		return model.Directive{}, nil
	}
	return reply(ctx, n)
}

func (r *fakeReporter) Config(ctx context.Context, loc model.Location) (model.Directive, error) {
	return r.record(ctx, "config", loc, nil)
}

func (r *fakeReporter) SetMobile(ctx context.Context, loc model.Location, requests []model.BoostRequest) (model.Directive, error) {
	return r.record(ctx, "set", loc, requests)
}

func (r *fakeReporter) Mobile(ctx context.Context, loc model.Location) (model.Directive, error) {
	return r.record(ctx, "legacy", loc, nil)
}

func (r *fakeReporter) snapshot() []reportCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]reportCall(nil), r.calls...)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}
