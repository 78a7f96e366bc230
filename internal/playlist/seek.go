package playlist

import (
	"fmt"

	"github.com/agleyzer/hlsabr/internal/media"
	"github.com/agleyzer/hlsabr/internal/segment"
)

const (
	seekNudges = 5
	seekNudge  = media.TicksPerSecond / 8
)

// The playlist timeline starts at the window origin and advances by listed
// durations. A decoded segment's first sample sits at the segment's start
// on that timeline, whatever its presentation timestamps.

// ResolveSeek finds the segment holding pos, a position on the playlist
// timeline. Segments that are in memory span their decoded length from
// their listed start, the rest their listed duration. A position falling
// between two segments is nudged forward a few times before giving up. A
// position past the end resolves to the last segment and reports pastEnd.
func (p *Playlist) ResolveSeek(pos media.Timestamp) (seg *segment.MediaSegment, pastEnd bool, err error) {
	p.structMu.RLock()
	segs := append([]*segment.MediaSegment(nil), p.segments...)
	origin := p.windowStart
	p.structMu.RUnlock()

	if len(segs) == 0 {
		return nil, false, fmt.Errorf("%w: empty playlist", ErrOutOfRange)
	}

	last := segs[len(segs)-1]
	if pos.Ticks >= origin+last.CumulativeDuration {
		return last, true, nil
	}
	if pos.Ticks < origin {
		return nil, false, fmt.Errorf("%w: position %s before window start", ErrOutOfRange, pos)
	}

	target := pos.Ticks
	for range seekNudges + 1 {
		if s := scan(segs, origin, target); s != nil {
			return s, false, nil
		}
		target += seekNudge
	}
	return nil, false, fmt.Errorf("%w: no segment at %s", ErrOutOfRange, pos)
}

func scan(segs []*segment.MediaSegment, origin, target uint64) *segment.MediaSegment {
	for _, s := range segs {
		lo := origin + s.CumulativeDuration - s.Duration
		if start, end := s.Boundaries(); start.Valid() && end.Valid() && end.Ticks >= start.Ticks {
			if lo <= target && target <= lo+end.Ticks-start.Ticks {
				return s
			}
			continue
		}
		if lo <= target && target < lo+s.Duration {
			return s
		}
	}
	return nil
}

// segmentStart returns where seg begins on the playlist timeline.
func (p *Playlist) segmentStart(seg *segment.MediaSegment) uint64 {
	p.structMu.RLock()
	defer p.structMu.RUnlock()
	return p.windowStart + seg.CumulativeDuration - seg.Duration
}

// ToPTS maps pos on the playlist timeline to the decoded timestamps of
// seg. An undecoded segment is taken to be on the playlist timeline.
func (p *Playlist) ToPTS(seg *segment.MediaSegment, pos media.Timestamp) media.Timestamp {
	start, _ := seg.Boundaries()
	if !start.Valid() {
		return pos
	}
	lo := p.segmentStart(seg)
	if pos.Ticks <= lo {
		return start
	}
	return media.NewTimestamp(start.Ticks+pos.Ticks-lo, start.Type)
}

// ToTimeline maps ts, a decoded timestamp of seg, onto the playlist
// timeline. Timestamps before the segment's first sample map to its start.
func (p *Playlist) ToTimeline(seg *segment.MediaSegment, ts media.Timestamp) media.Timestamp {
	lo := p.segmentStart(seg)
	start, _ := seg.Boundaries()
	if !start.Valid() {
		return ts
	}
	if ts.Ticks <= start.Ticks {
		return media.NewTimestamp(lo, media.TimestampPTS)
	}
	return media.NewTimestamp(lo+ts.Ticks-start.Ticks, media.TimestampPTS)
}

// EndOf returns where seg ends on the playlist timeline.
func (p *Playlist) EndOf(seg *segment.MediaSegment) media.Timestamp {
	p.structMu.RLock()
	defer p.structMu.RUnlock()
	return media.NewTimestamp(p.windowStart+seg.CumulativeDuration, media.TimestampPTS)
}

// Position returns the playlist timeline position of the last sample
// delivered to ct.
func (p *Playlist) Position(ct media.ContentType) (media.Timestamp, bool) {
	c, ok := p.Cursor(ct)
	if !ok || !c.Last.Valid() {
		return media.Timestamp{}, false
	}
	seg, err := p.Segment(c.Sequence)
	if err != nil {
		return media.Timestamp{}, false
	}
	// The cursor may have moved on before anything of the new segment
	// was delivered.
	if start, _ := seg.Boundaries(); start.Valid() && c.Last.Before(start) && c.Sequence > 0 {
		if prev, err := p.Segment(c.Sequence - 1); err == nil {
			seg = prev
		}
	}
	return p.ToTimeline(seg, c.Last), true
}
