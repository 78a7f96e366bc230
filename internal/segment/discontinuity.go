package segment

import "github.com/agleyzer/hlsabr/internal/media"

// Anchor is the point a discontinuous segment's timeline is chained to: the
// last delivered sample of the track that most recently finished before the
// break, and that track's frame distance.
type Anchor struct {
	Last          media.Timestamp
	FrameDistance uint64
}

// NormalizeDiscontinuity synthesizes playable timestamps for a
// discontinuous segment. The first sample of the leading stream lands one
// frame distance after the anchor, and every other sample keeps its offset
// from it, so intra-segment deltas and cross-stream alignment survive.
// It returns the applied delta. Normalization happens once; later calls
// return the delta computed the first time.
func (s *MediaSegment) NormalizeDiscontinuity(a Anchor) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.normalized || !s.discontinuity || s.state != StateInMemoryCache {
		return s.offset
	}
	s.normalized = true
	if !a.Last.Valid() {
		return 0
	}

	pid, ok := s.leadingPID()
	if !ok {
		return 0
	}
	q := s.queues[pid]
	if q == nil || len(q.samples) == 0 {
		return 0
	}
	first := q.samples[0].PTS
	for _, sample := range q.samples[1:] {
		if sample.PTS.Before(first) {
			first = sample.PTS
		}
	}

	base := a.Last.Ticks + a.FrameDistance
	s.applyOffsetLocked(int64(base) - int64(first.Ticks))
	return s.offset
}

// ApplyOffset shifts every sample of a segment that continues a normalized
// timeline. Segments after a discontinuity carry the same raw clock as the
// discontinuous one, so they take over its delta.
func (s *MediaSegment) ApplyOffset(delta int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.normalized || s.state != StateInMemoryCache {
		return
	}
	s.normalized = true
	if delta != 0 {
		s.applyOffsetLocked(delta)
	}
}

func (s *MediaSegment) applyOffsetLocked(delta int64) {
	for _, q := range s.queues {
		for _, sample := range q.samples {
			if !sample.Adjusted() {
				sample.SetOffset(delta)
			}
		}
	}
	if s.start.Valid() {
		s.start = s.start.Add(delta)
	}
	if s.end.Valid() {
		s.end = s.end.Add(delta)
	}
	s.offset = delta
}

// Offset returns the timestamp delta applied to the segment and whether
// normalization has run.
func (s *MediaSegment) Offset() (int64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.offset, s.normalized
}
