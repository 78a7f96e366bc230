package abr

import (
	"sort"

	"github.com/agleyzer/hlsabr/internal/config"
)

// Candidate is a variant as the selector sees it.
type Candidate struct {
	Bandwidth   uint32
	Quarantined bool
}

// Selector picks the variant a given bandwidth estimate can sustain.
type Selector struct {
	safety   float64
	min, max uint32
}

// NewSelector creates a selector from the bandwidth bounds and safety
// factor of cfg.
func NewSelector(cfg *config.Config) *Selector {
	return &Selector{
		safety: cfg.BandwidthSafetyFactor,
		min:    cfg.MinBandwidth,
		max:    cfg.MaxBandwidth,
	}
}

func (s *Selector) inBounds(bw uint32) bool {
	if s.min > 0 && bw < s.min {
		return false
	}
	if s.max > 0 && bw > s.max {
		return false
	}
	return true
}

// usable filters out quarantined and out-of-bounds candidates and sorts
// the rest by bandwidth. When bounds exclude everything, bounds are ignored.
func (s *Selector) usable(candidates []Candidate) []uint32 {
	var out, unbounded []uint32
	for _, c := range candidates {
		if c.Quarantined {
			continue
		}
		unbounded = append(unbounded, c.Bandwidth)
		if s.inBounds(c.Bandwidth) {
			out = append(out, c.Bandwidth)
		}
	}
	if len(out) == 0 {
		out = unbounded
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Select returns the highest usable bandwidth not above estimate scaled by
// the safety factor, or the lowest usable one when none fits. ok is false
// when every candidate is quarantined.
func (s *Selector) Select(candidates []Candidate, estimate uint32) (bw uint32, ok bool) {
	usable := s.usable(candidates)
	if len(usable) == 0 {
		return 0, false
	}
	budget := uint32(float64(estimate) * s.safety)
	bw = usable[0]
	for _, b := range usable {
		if b <= budget {
			bw = b
		}
	}
	return bw, true
}

// Initial returns the starting variant: the highest usable bandwidth at or
// below want, the lowest usable one when want is zero or below all of them.
func (s *Selector) Initial(candidates []Candidate, want uint32) (uint32, bool) {
	usable := s.usable(candidates)
	if len(usable) == 0 {
		return 0, false
	}
	bw := usable[0]
	for _, b := range usable {
		if want > 0 && b <= want {
			bw = b
		}
	}
	return bw, true
}

// Supports reports whether estimate can sustain bw.
func (s *Selector) Supports(bw, estimate uint32) bool {
	return float64(bw) <= float64(estimate)*s.safety
}

// Fallback returns the next usable bandwidth to try after current failed:
// the closest lower one, else the closest higher one.
func (s *Selector) Fallback(candidates []Candidate, current uint32) (uint32, bool) {
	usable := s.usable(candidates)
	var lower, higher uint32
	var haveLower, haveHigher bool
	for _, b := range usable {
		switch {
		case b < current:
			lower, haveLower = b, true
		case b > current && !haveHigher:
			higher, haveHigher = b, true
		}
	}
	if haveLower {
		return lower, true
	}
	return higher, haveHigher
}
