package geofence

import (
	"errors"
	"fmt"
	"sync"

	"homefence/internal/model"
)

// SoftwareProvider detects crossings from the fixes it is fed. The first fix after registration
// only establishes which regions contain the device.
type SoftwareProvider struct {
	mu         sync.Mutex
	regions    []Region
	inside     map[string]bool
	onCrossing func(Crossing)
}

func NewSoftwareProvider() *SoftwareProvider {
	return &SoftwareProvider{}
}

func (p *SoftwareProvider) Register(regions []Region, onCrossing func(Crossing), done func(error)) {
	err := validate(regions)
	if err == nil {
		p.mu.Lock()
		p.regions = append([]Region(nil), regions...)
		p.inside = make(map[string]bool, len(regions))
		p.onCrossing = onCrossing
		p.mu.Unlock()
	}
	if done != nil {
		done(err)
	}
}

func validate(regions []Region) error {
	seen := make(map[string]bool, len(regions))
	for _, r := range regions {
		if r.Fence.Name == "" {
			return errors.New("fence without a name")
		}
		if seen[r.Fence.Name] {
			return fmt.Errorf("duplicate fence %q", r.Fence.Name)
		}
		seen[r.Fence.Name] = true
		if r.Fence.Radius <= 0 {
			return fmt.Errorf("fence %q has radius %v", r.Fence.Name, r.Fence.Radius)
		}
		if err := r.Center.Valid(); err != nil {
			return fmt.Errorf("fence %q: %w", r.Fence.Name, err)
		}
	}
	return nil
}

func (p *SoftwareProvider) Unregister(done func(error)) {
	p.mu.Lock()
	p.regions = nil
	p.inside = nil
	p.onCrossing = nil
	p.mu.Unlock()
	if done != nil {
		done(nil)
	}
}

// Feed evaluates loc against every region and reports transitions.
func (p *SoftwareProvider) Feed(loc model.Location) {
	p.mu.Lock()
	var crossings []Crossing
	for _, r := range p.regions {
		in := model.Haversine(r.Center, loc) <= r.Fence.Radius
		was, known := p.inside[r.Fence.Name]
		p.inside[r.Fence.Name] = in
		if !known || was == in {
			continue
		}
		transition := model.Exit
		if in {
			transition = model.Enter
		}
		crossings = append(crossings, Crossing{Fence: r.Fence.Name, Transition: transition, Location: loc})
	}
	onCrossing := p.onCrossing
	p.mu.Unlock()

	if onCrossing == nil {
		return
	}
	for _, c := range crossings {
		onCrossing(c)
	}
}
