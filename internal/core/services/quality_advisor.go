package services

import (
	"sync"
	"time"

	"labstream/internal/core/domain"
)

// Advice is the advisor's output for one profile: the quality tier to
// request and the pace at which frames should be asked for.
type Advice struct {
	Tier            domain.QualityTier
	FPS             int
	RequestInterval time.Duration
}

const (
	fpsHigh   = 15
	fpsMedium = 12
	fpsLow    = 8

	// Desktops request at a fixed cadence regardless of tier; the tier only
	// affects encoded frame size.
	desktopRequestInterval = time.Second / fpsHigh
)

// QualityAdvisor maps a device/network profile to streaming advice. A manual
// override, when set, pins the tier; pacing still follows the profile.
type QualityAdvisor struct {
	mu       sync.Mutex
	override domain.QualityTier // empty means automatic
}

func NewQualityAdvisor() *QualityAdvisor {
	return &QualityAdvisor{}
}

// Advise returns the tier and pacing for the given profile, honoring any
// manual override for the tier choice.
func (a *QualityAdvisor) Advise(p domain.NetworkProfile) Advice {
	tier := a.autoTier(p)

	a.mu.Lock()
	if a.override != "" {
		tier = a.override
	}
	a.mu.Unlock()

	if p.DeviceClass == domain.DeviceMobile {
		fps := tierFPS(tier)
		return Advice{Tier: tier, FPS: fps, RequestInterval: time.Second / time.Duration(fps)}
	}
	return Advice{Tier: tier, FPS: fpsHigh, RequestInterval: desktopRequestInterval}
}

func (a *QualityAdvisor) autoTier(p domain.NetworkProfile) domain.QualityTier {
	if p.DeviceClass != domain.DeviceMobile {
		return domain.QualityHigh
	}
	switch p.ConnectionType {
	case domain.Connection3G, domain.Connection2G:
		return domain.QualityLow
	case domain.Connection4G:
		return domain.QualityMedium
	default:
		// Unknown connection info gets a safe middle tier.
		return domain.QualityMedium
	}
}

// CycleOverride advances the manual tier override one step:
// automatic -> low -> medium -> high -> low -> ... It returns the tier now
// in effect for the given profile.
func (a *QualityAdvisor) CycleOverride(p domain.NetworkProfile) domain.QualityTier {
	a.mu.Lock()
	switch a.override {
	case "":
		a.override = domain.QualityLow
	case domain.QualityLow:
		a.override = domain.QualityMedium
	case domain.QualityMedium:
		a.override = domain.QualityHigh
	default:
		a.override = domain.QualityLow
	}
	tier := a.override
	a.mu.Unlock()
	return tier
}

// ClearOverride returns the advisor to automatic tier selection. Called when
// a session restarts so a stale manual choice does not outlive the stream it
// was picked for.
func (a *QualityAdvisor) ClearOverride() {
	a.mu.Lock()
	a.override = ""
	a.mu.Unlock()
}

// Override reports the current manual tier, or empty when automatic.
func (a *QualityAdvisor) Override() domain.QualityTier {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.override
}

func tierFPS(t domain.QualityTier) int {
	switch t {
	case domain.QualityHigh:
		return fpsHigh
	case domain.QualityLow:
		return fpsLow
	default:
		return fpsMedium
	}
}
