package netinfo

import (
	"sync"

	"labstream/internal/core/domain"
)

// StaticProvider serves a device/network profile set from configuration and
// lets callers push updates at runtime. Platforms without connection
// information leave it at ConnectionUnknown.
type StaticProvider struct {
	mu      sync.Mutex
	profile domain.NetworkProfile
	subs    map[int]func(domain.NetworkProfile)
	nextID  int
}

func NewStaticProvider(device domain.DeviceClass, connection domain.ConnectionType) *StaticProvider {
	if device == "" {
		device = domain.DeviceDesktop
	}
	if connection == "" {
		connection = domain.ConnectionUnknown
	}
	return &StaticProvider{
		profile: domain.NetworkProfile{DeviceClass: device, ConnectionType: connection},
		subs:    make(map[int]func(domain.NetworkProfile)),
	}
}

func (p *StaticProvider) Profile() domain.NetworkProfile {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.profile
}

// Subscribe registers a change callback and returns its cancel func.
func (p *StaticProvider) Subscribe(fn func(domain.NetworkProfile)) (cancel func()) {
	p.mu.Lock()
	id := p.nextID
	p.nextID++
	p.subs[id] = fn
	p.mu.Unlock()

	return func() {
		p.mu.Lock()
		delete(p.subs, id)
		p.mu.Unlock()
	}
}

// Update replaces the profile and notifies subscribers. No-op if the profile
// is unchanged.
func (p *StaticProvider) Update(profile domain.NetworkProfile) {
	p.mu.Lock()
	if profile == p.profile {
		p.mu.Unlock()
		return
	}
	p.profile = profile
	fns := make([]func(domain.NetworkProfile), 0, len(p.subs))
	for _, fn := range p.subs {
		fns = append(fns, fn)
	}
	p.mu.Unlock()

	for _, fn := range fns {
		fn(profile)
	}
}
