package policy

import (
	"crypto/sha256"
	"encoding/binary"
	"math/rand"
)

// sampleCanary reports whether a match on a canary policy should be
// enforced: deterministic via SHA-256(request_id) mod 10000 when a
// request id is present, otherwise a uniform PRNG draw.
//
// canaryPercent is 0-100; it is compared against a value in [0, 10000)
// so percentages finer than whole numbers are representable if ever
// needed, while still behaving exactly like a 0-100 percentage today.
func sampleCanary(requestID string, canaryPercent int) bool {
	threshold := canaryPercent * 100 // percent -> basis-points-of-10000
	if requestID == "" {
		return rand.Intn(10000) < threshold
	}
	sum := sha256.Sum256([]byte(requestID))
	bucket := binary.BigEndian.Uint32(sum[:4]) % 10000
	return int(bucket) < threshold
}

// canaryWindow tracks the sliding sample window for one canary policy's
// auto-rollback decision.
type canaryWindow struct {
	samples   []bool // true == non-allow enforcement ("failure")
	size      int
	threshold float64
}

func newCanaryWindow(size int, threshold float64) *canaryWindow {
	if size <= 0 {
		size = DefaultCanaryWindowSize
	}
	return &canaryWindow{size: size, threshold: threshold}
}

// record appends one sample (failure = true when the policy matched,
// was enforced, and produced a non-allow effect) and reports whether the
// window is now full and its failure rate has crossed the threshold.
// The caller is responsible for checking cooldown before acting.
func (w *canaryWindow) record(failure bool) (shouldRollback bool) {
	w.samples = append(w.samples, failure)
	if len(w.samples) < w.size {
		return false
	}
	count := 0
	for _, s := range w.samples[len(w.samples)-w.size:] {
		if s {
			count++
		}
	}
	rate := float64(count) / float64(w.size)
	if rate >= w.threshold {
		return true
	}
	return false
}

func (w *canaryWindow) clear() {
	w.samples = nil
}

// DefaultCanaryWindowSize is the sliding window length.
const DefaultCanaryWindowSize = 50

// DefaultCanaryFailureThreshold is the default auto-rollback trigger
// rate: a conservative majority-failure default that callers can
// override with a more specific configured threshold.
const DefaultCanaryFailureThreshold = 0.5

// DefaultCanaryCooldownSeconds is the default cooldown between automatic
// rollbacks for the same policy, expressed in seconds.
const DefaultCanaryCooldownSeconds = 300
