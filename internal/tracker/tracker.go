// Package tracker implements the per-device battery drain estimator: two
// ring-buffer histories (left, right bud), blended with the durable study's
// per-mode statistics to produce a smoothed time-to-live estimate.
package tracker

import (
	"math"
	"sync"
	"time"

	"airpodsd/internal/protocol"
	"airpodsd/internal/ring"
	"airpodsd/internal/study"
)

// DefaultDrainRate is used as a best-effort figure when no estimate can be
// derived but battery is present, per the original implementation.
const DefaultDrainRate = 16.9

const (
	minSamplesForLocalRate = 4
	maxLocalSampleAge      = 2 * time.Hour
	historicalCacheTTL     = 5 * time.Minute
	minSamplesToSave       = 3
)

type cachedRate struct {
	rate, ci95 float64
	at         time.Time
}

// Store is the subset of *study.Store the tracker depends on.
type Store interface {
	GetDrainRate(addr [6]byte, mode protocol.NoiseControlMode) (rate, ci95 float64, ok bool, err error)
	UpdateDrainRate(addr [6]byte, mode protocol.NoiseControlMode, rate float64, samples uint32) error
}

// Tracker holds one device's live battery history and the last smoothed TTL.
type Tracker struct {
	store Store

	mu           sync.Mutex
	left, right  *ring.Buffer
	lastEstimate *uint32

	cacheMu sync.Mutex
	cache   map[protocol.NoiseControlMode]cachedRate
}

var _ Store = (*study.Store)(nil)

// New builds a tracker. store may be nil, in which case only local
// regression is used.
func New(store Store) *Tracker {
	return &Tracker{
		store: store,
		left:  ring.NewBuffer(),
		right: ring.NewBuffer(),
		cache: make(map[protocol.NoiseControlMode]cachedRate),
	}
}

// Record ingests the newest left/right battery states.
func (t *Tracker) Record(now time.Time, left, right protocol.BatteryState) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.recordOne(now, left, t.left)
	t.recordOne(now, right, t.right)
}

func (t *Tracker) recordOne(now time.Time, state protocol.BatteryState, buf *ring.Buffer) {
	if !state.IsAvailable() {
		return
	}
	if state.IsCharging() {
		if !buf.IsEmpty() {
			buf.Clear()
		}
		return
	}
	buf.Push(now, state.Level)
}

func (t *Tracker) localRate(now time.Time) (rate, alpha float64, sampleCount int, ok bool) {
	minAge := now.Add(-maxLocalSampleAge)
	if rate, alpha, ok = t.left.DrainRate(minSamplesForLocalRate, minAge, true); ok {
		return rate, alpha, t.left.Len(), true
	}
	if rate, alpha, ok = t.right.DrainRate(minSamplesForLocalRate, minAge, true); ok {
		return rate, alpha, t.right.Len(), true
	}
	return 0, 0, 0, false
}

func (t *Tracker) historicalRate(addr [6]byte, mode protocol.NoiseControlMode, now time.Time) (rate, ci95 float64, ok bool) {
	t.cacheMu.Lock()
	if cached, found := t.cache[mode]; found && now.Sub(cached.at) < historicalCacheTTL {
		t.cacheMu.Unlock()
		return cached.rate, cached.ci95, true
	}
	t.cacheMu.Unlock()

	if t.store == nil {
		return 0, 0, false
	}
	rate, ci95, ok, err := t.store.GetDrainRate(addr, mode)
	if err != nil || !ok {
		return 0, 0, false
	}
	t.cacheMu.Lock()
	t.cache[mode] = cachedRate{rate: rate, ci95: ci95, at: now}
	t.cacheMu.Unlock()
	return rate, ci95, true
}

// allModes lists NoiseControlMode values in enum order for the fallback scan.
var allModes = []protocol.NoiseControlMode{protocol.NoiseOff, protocol.NoiseNC, protocol.NoiseTrans, protocol.NoiseAdapt}

func candidateModes(preferred protocol.NoiseControlMode) []protocol.NoiseControlMode {
	modes := make([]protocol.NoiseControlMode, 0, len(allModes)+1)
	modes = append(modes, preferred)
	for _, m := range allModes {
		if m != preferred {
			modes = append(modes, m)
		}
	}
	return modes
}

func combineDrainRates(haveLocal bool, localRate, localAlpha float64, haveHist bool, histRate, histCI float64, localSampleCount int) (rate, alpha float64, ok bool) {
	switch {
	case haveLocal && haveHist:
		var localWeight float64
		switch {
		case localSampleCount < 4:
			localWeight = 0.0
		case localSampleCount <= 10:
			localWeight = 0.7
		default:
			localWeight = 0.9
		}

		var weight float64
		switch {
		case histCI < 1.0:
			weight = localWeight * 0.8
		case histCI < 2.0:
			weight = localWeight
		default:
			weight = localWeight + (1.0-localWeight)*0.5
		}

		rate = localRate*weight + histRate*(1.0-weight)
		// More durable weight in the blend (lower local weight) smooths harder:
		// alpha rises from 0.3 at weight=1 (all local) to 0.7 at weight=0 (all durable).
		alpha = 0.3 + (1.0-weight)*0.4
		return rate, alpha, true

	case haveLocal:
		return localRate, localAlpha, true

	case haveHist:
		if histCI < 5.0 {
			return histRate, 0.5, true
		}
		return histRate, 0.7, true

	default:
		return 0, 0, false
	}
}

// EstimateTTL returns the smoothed minutes remaining until the lower of the
// two buds reaches 0, or ok=false (clearing the cached estimate) when it
// cannot be derived.
func (t *Tracker) EstimateTTL(now time.Time, battery protocol.BatteryInfo, mode protocol.NoiseControlMode, addr [6]byte) (minutes uint32, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if battery.Left.IsCharging() || battery.Right.IsCharging() {
		t.lastEstimate = nil
		return 0, false
	}
	if !battery.Left.IsAvailable() || !battery.Right.IsAvailable() {
		t.lastEstimate = nil
		return 0, false
	}

	localRate, localAlpha, localCount, haveLocal := t.localRate(now)

	var histRate, histCI float64
	var haveHist bool
	for _, m := range candidateModes(mode) {
		if r, ci, ok := t.historicalRate(addr, m, now); ok {
			histRate, histCI, haveHist = r, ci, true
			break
		}
	}

	combinedRate, alpha, ok := combineDrainRates(haveLocal, localRate, localAlpha, haveHist, histRate, histCI, localCount)
	if !ok || combinedRate <= math.SmallestNonzeroFloat64 {
		t.lastEstimate = nil
		return 0, false
	}

	minLevel := battery.Left.Level
	if battery.Right.Level < minLevel {
		minLevel = battery.Right.Level
	}
	hours := float64(minLevel) / combinedRate
	newMinutes := uint32(hours * 60.0)

	if newMinutes == 0 || newMinutes >= 24*60 {
		t.lastEstimate = nil
		return 0, false
	}

	if t.lastEstimate != nil {
		smoothed := uint32(math.Round(float64(newMinutes)*alpha + float64(*t.lastEstimate)*(1.0-alpha)))
		t.lastEstimate = &smoothed
		return smoothed, true
	}

	est := newMinutes
	t.lastEstimate = &est
	return est, true
}

// ShouldSave reports whether enough history has accumulated to warrant a
// periodic durable save.
func (t *Tracker) ShouldSave(now time.Time, intervalMinutes uint32, battery protocol.BatteryInfo) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	sampleCount := t.left.Len()
	if t.right.Len() > sampleCount {
		sampleCount = t.right.Len()
	}
	if sampleCount < minSamplesToSave {
		return false
	}
	if battery.Left.IsCharging() || battery.Right.IsCharging() {
		return false
	}

	oldestL, okL := t.left.OldestTime()
	oldestR, okR := t.right.OldestTime()
	var oldest time.Time
	switch {
	case okL && okR:
		oldest = oldestL
		if oldestR.Before(oldest) {
			oldest = oldestR
		}
	case okL:
		oldest = oldestL
	case okR:
		oldest = oldestR
	default:
		return false
	}

	return now.Sub(oldest) >= time.Duration(intervalMinutes)*time.Minute
}

// SaveToStudy persists the local drain rate (if derivable from at least 4
// samples) to the durable store and trims each history to its tail of 5.
func (t *Tracker) SaveToStudy(now time.Time, addr [6]byte, mode protocol.NoiseControlMode) {
	t.mu.Lock()
	rate, _, count, ok := t.localRate(now)
	t.mu.Unlock()

	if ok && count >= 4 && t.store != nil {
		if err := t.store.UpdateDrainRate(addr, mode, rate, uint32(count)); err == nil {
			t.cacheMu.Lock()
			delete(t.cache, mode)
			t.cacheMu.Unlock()
		}
	}

	t.mu.Lock()
	t.left.TrimFront(5)
	t.right.TrimFront(5)
	t.mu.Unlock()
}
