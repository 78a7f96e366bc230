package segment

import "github.com/agleyzer/hlsabr/internal/media"

// Policy selects which sample a queue repositioning lands on.
type Policy uint8

const (
	MatchExact Policy = iota
	MatchClosest
	MatchClosestGreater
	MatchClosestGreaterOrEqual
	MatchClosestLesser
	MatchClosestLesserOrEqual
)

func (p Policy) String() string {
	switch p {
	case MatchExact:
		return "exact"
	case MatchClosest:
		return "closest"
	case MatchClosestGreater:
		return "closest-greater"
	case MatchClosestGreaterOrEqual:
		return "closest-greater-or-equal"
	case MatchClosestLesser:
		return "closest-lesser"
	case MatchClosestLesserOrEqual:
		return "closest-lesser-or-equal"
	default:
		return "unknown"
	}
}

// Direction is the order in which a segment hands out samples.
type Direction uint8

const (
	Forward Direction = iota
	Reverse
)

// accepts reports whether ts is a candidate for target under p.
func (p Policy) accepts(ts, target uint64) bool {
	switch p {
	case MatchExact:
		return ts == target
	case MatchClosest:
		return true
	case MatchClosestGreater:
		return ts > target
	case MatchClosestGreaterOrEqual:
		return ts >= target
	case MatchClosestLesser:
		return ts < target
	case MatchClosestLesserOrEqual:
		return ts <= target
	}
	return false
}

// criteria describes one search over a sample slice.
type criteria struct {
	target       uint64
	policy       Policy
	keyframeOnly bool
}

// findMatch returns the index within samples[lo:hi] that best satisfies c,
// or -1. Candidates are scanned in consumption order for dir so that ties go
// to the sample that would be delivered first.
func findMatch(samples []*media.Sample, lo, hi int, c criteria, dir Direction) int {
	best := -1
	var bestDist uint64

	visit := func(i int) {
		s := samples[i]
		if c.keyframeOnly && !s.Keyframe {
			return
		}
		ts := s.PlayableTimestamp().Ticks
		if !c.policy.accepts(ts, c.target) {
			return
		}
		d := distance(ts, c.target)
		if best < 0 || d < bestDist {
			best, bestDist = i, d
		}
	}

	if dir == Forward {
		for i := lo; i < hi; i++ {
			visit(i)
		}
	} else {
		for i := hi - 1; i >= lo; i-- {
			visit(i)
		}
	}
	return best
}

func distance(a, b uint64) uint64 {
	if a > b {
		return a - b
	}
	return b - a
}
