package device

import (
	"sync/atomic"

	"airpodsd/internal/protocol"
)

// featureBitmap holds the enabled/present 256-bit vectors as two [4]uint64
// arrays manipulated word-at-a-time, per §1c's bitpos split.
type featureBitmap struct {
	enabled [4]atomic.Uint64
	present [4]atomic.Uint64
}

func atomicOr(word *atomic.Uint64, mask uint64) {
	for {
		old := word.Load()
		next := old | mask
		if next == old || word.CompareAndSwap(old, next) {
			return
		}
	}
}

func atomicAndNot(word *atomic.Uint64, mask uint64) {
	for {
		old := word.Load()
		next := old &^ mask
		if next == old || word.CompareAndSwap(old, next) {
			return
		}
	}
}

// MarkPresent sets id as seen. present is monotonic within a session.
func (b *featureBitmap) MarkPresent(id protocol.FeatureID) {
	word, mask := id.Bitpos()
	atomicOr(&b.present[word], mask)
}

// Set enables or disables id, implicitly marking it present.
func (b *featureBitmap) Set(id protocol.FeatureID, on bool) {
	b.MarkPresent(id)
	word, mask := id.Bitpos()
	if on {
		atomicOr(&b.enabled[word], mask)
	} else {
		atomicAndNot(&b.enabled[word], mask)
	}
}

// IsEnabled reports whether id is currently enabled.
func (b *featureBitmap) IsEnabled(id protocol.FeatureID) bool {
	word, mask := id.Bitpos()
	return b.enabled[word].Load()&mask != 0
}

// IsPresent reports whether id has been observed at all this session.
func (b *featureBitmap) IsPresent(id protocol.FeatureID) bool {
	word, mask := id.Bitpos()
	return b.present[word].Load()&mask != 0
}

// Snapshot returns the current enabled/present words.
func (b *featureBitmap) Snapshot() (enabled, present [4]uint64) {
	for i := range b.enabled {
		enabled[i] = b.enabled[i].Load()
		present[i] = b.present[i].Load()
	}
	return enabled, present
}
