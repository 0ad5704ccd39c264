// Package source provides location sources for the tracker: a polling source that replays a
// recorded track and a push source fed by the host.
package source

import (
	"context"
	"sync"

	"homefence/internal/model"
	"homefence/internal/tracklog"
)

// Replay returns the fixes of a recorded track, one per Poll.
type Replay struct {
	mu     sync.Mutex
	points []tracklog.Point
	next   int
	loop   bool
}

// NewReplay replays points in order. With loop set it starts over after the last point;
// otherwise Poll reports no fix once the track is exhausted.
func NewReplay(points []tracklog.Point, loop bool) *Replay {
	return &Replay{points: points, loop: loop}
}

// OpenReplay loads a track CSV.
func OpenReplay(path string, loop bool) (*Replay, error) {
	points, err := tracklog.ReadCSV(path)
	if err != nil {
		return nil, err
	}
	return NewReplay(points, loop), nil
}

func (r *Replay) Poll(ctx context.Context) (model.Location, bool, error) {
	if err := ctx.Err(); err != nil {
		return model.Location{}, false, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.next >= len(r.points) {
		if !r.loop || len(r.points) == 0 {
			return model.Location{}, false, nil
		}
		r.next = 0
	}
	p := r.points[r.next]
	r.next++
	return p.Location, true, nil
}

func (r *Replay) Updates() <-chan model.Location { return nil }

// Push delivers fixes as the host receives them. Poll returns the latest one.
type Push struct {
	mu     sync.Mutex
	latest *model.Location
	ch     chan model.Location
}

// NewPush creates a push source whose update channel holds buffer fixes.
func NewPush(buffer int) *Push {
	return &Push{ch: make(chan model.Location, buffer)}
}

// Publish records loc and offers it to the tracker. It returns false when the buffer is full
// and the fix was only recorded as latest.
func (p *Push) Publish(loc model.Location) bool {
	p.mu.Lock()
	p.latest = &loc
	p.mu.Unlock()
	select {
	case p.ch <- loc:
		return true
	default:
		return false
	}
}

func (p *Push) Poll(context.Context) (model.Location, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.latest == nil {
		return model.Location{}, false, nil
	}
	return *p.latest, true, nil
}

func (p *Push) Updates() <-chan model.Location { return p.ch }
