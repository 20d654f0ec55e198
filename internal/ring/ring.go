// Package ring implements the fixed-capacity battery-sample ring buffer and
// the closed-form least-squares regression used to derive a drain rate from
// it.
package ring

import "time"

// Capacity is the number of samples the buffer retains, per the spec's
// fixed-size battery history.
const Capacity = 32

// processStart is the process-wide base instant samples are stored relative
// to, matching the spec's "32-bit second offsets from a process-wide base
// instant; overflow saturates".
var processStart = time.Now()

// offsetSince returns the saturating 32-bit second offset of t from the
// process base.
func offsetSince(t time.Time) uint32 {
	d := t.Sub(processStart)
	if d < 0 {
		return 0
	}
	secs := d.Seconds()
	if secs >= float64(^uint32(0)) {
		return ^uint32(0)
	}
	return uint32(secs)
}

// Sample is one (offset, level) entry.
type Sample struct {
	Offset uint32
	Level  uint8
	at     time.Time
}

// Buffer is a fixed-capacity, monotone-decreasing ring of battery samples.
type Buffer struct {
	samples []Sample
}

// NewBuffer returns an empty buffer.
func NewBuffer() *Buffer {
	return &Buffer{samples: make([]Sample, 0, Capacity)}
}

// Len returns the number of stored samples.
func (b *Buffer) Len() int { return len(b.samples) }

// IsEmpty reports whether the buffer holds no samples.
func (b *Buffer) IsEmpty() bool { return len(b.samples) == 0 }

// Clear empties the buffer.
func (b *Buffer) Clear() { b.samples = b.samples[:0] }

// LastLevel returns the most recently pushed level.
func (b *Buffer) LastLevel() (uint8, bool) {
	if b.IsEmpty() {
		return 0, false
	}
	return b.samples[len(b.samples)-1].Level, true
}

// OldestTime returns the timestamp of the oldest retained sample.
func (b *Buffer) OldestTime() (time.Time, bool) {
	if b.IsEmpty() {
		return time.Time{}, false
	}
	return b.samples[0].at, true
}

// Push records a new sample if level is strictly lower than the last
// recorded level (or if the buffer is empty). Returns true if the sample
// was stored. When the buffer is at capacity the oldest sample is evicted.
func (b *Buffer) Push(now time.Time, level uint8) bool {
	if last, ok := b.LastLevel(); ok && level >= last {
		return false
	}
	s := Sample{Offset: offsetSince(now), Level: level, at: now}
	if len(b.samples) == Capacity {
		copy(b.samples, b.samples[1:])
		b.samples[Capacity-1] = s
		return true
	}
	b.samples = append(b.samples, s)
	return true
}

// Samples returns a copy of the stored samples, oldest first.
func (b *Buffer) Samples() []Sample {
	out := make([]Sample, len(b.samples))
	copy(out, b.samples)
	return out
}

// TrimFront keeps only the most recent keep samples.
func (b *Buffer) TrimFront(keep int) {
	if len(b.samples) <= keep {
		return
	}
	n := len(b.samples) - keep
	copy(b.samples, b.samples[n:])
	b.samples = b.samples[:keep]
}

// DrainRate computes the local drain rate (percent/hour, positive) and a
// smoothing alpha from the samples newer than minAge (if provided), with at
// least minSamples samples required. It returns ok=false when there are too
// few qualifying samples or the regression does not indicate draining.
func (b *Buffer) DrainRate(minSamples int, minAge time.Time, hasMinAge bool) (rate, alpha float64, ok bool) {
	if b.Len() < minSamples {
		return 0, 0, false
	}
	var filtered []Sample
	for _, s := range b.samples {
		if hasMinAge && s.at.Before(minAge) {
			continue
		}
		filtered = append(filtered, s)
	}
	if len(filtered) < minSamples {
		return 0, 0, false
	}
	rate, ok = Regress(filtered)
	if !ok {
		return 0, 0, false
	}
	if len(filtered) >= 10 {
		alpha = 0.3
	} else {
		alpha = 0.1
	}
	return rate, alpha, true
}

// Regress computes the closed-form least-squares slope of level-vs-hours
// over the given samples (at least 2 required) and returns the positive
// drain rate if the slope is negative (battery decreasing), or ok=false if
// the battery is not draining or there are too few samples.
func Regress(samples []Sample) (rate float64, ok bool) {
	n := len(samples)
	if n < 2 {
		return 0, false
	}

	var sumX, sumY, sumXY, sumXX float64
	base := samples[0].Offset
	for _, s := range samples {
		x := float64(s.Offset-base) / 3600.0
		y := float64(s.Level)
		sumX += x
		sumY += y
		sumXY += x * y
		sumXX += x * x
	}

	nf := float64(n)
	denom := nf*sumXX - sumX*sumX
	if denom < 0 {
		denom = -denom
	}
	if denom < 1e-12 {
		return 0, false
	}

	slope := (nf*sumXY - sumX*sumY) / (nf*sumXX - sumX*sumX)
	if slope < 0 {
		return -slope, true
	}
	return 0, false
}
