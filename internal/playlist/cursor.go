package playlist

import (
	"errors"
	"fmt"

	"github.com/agleyzer/hlsabr/internal/media"
	"github.com/agleyzer/hlsabr/internal/segment"
)

// Cursor is the playback position of one content type.
type Cursor struct {
	ContentType media.ContentType
	Sequence    uint64

	// PID is the stream read from the current segment; valid when HasPID.
	PID    uint16
	HasPID bool

	// Last is the playable timestamp of the last delivered sample.
	Last media.Timestamp

	entered bool
}

func (c *Cursor) reset(seq uint64) {
	c.Sequence = seq
	c.entered = false
	c.HasPID = false
}

// timeline carries discontinuity bookkeeping across segments: which track
// most recently finished a segment and where.
type timeline struct {
	finished   media.ContentType
	finishedTS media.Timestamp
	offset     int64
	direction  segment.Direction
}

// Timeline is the exported form of the discontinuity bookkeeping, handed
// from one playlist to another on a switch.
type Timeline struct {
	Finished   media.ContentType
	FinishedTS media.Timestamp
	Offset     int64
}

// SetCursor places the cursor of ct at the start of segment seq.
func (p *Playlist) SetCursor(ct media.ContentType, seq uint64) error {
	if _, err := p.Segment(seq); err != nil {
		return err
	}

	p.cursorMu.Lock()
	defer p.cursorMu.Unlock()

	c, ok := p.cursors[ct]
	if !ok {
		c = &Cursor{ContentType: ct}
		p.cursors[ct] = c
	}
	c.reset(seq)
	return nil
}

// Cursor returns a copy of the cursor of ct.
func (p *Playlist) Cursor(ct media.ContentType) (Cursor, bool) {
	p.cursorMu.Lock()
	defer p.cursorMu.Unlock()

	c, ok := p.cursors[ct]
	if !ok {
		return Cursor{}, false
	}
	return *c, true
}

// RemoveCursor drops the cursor of ct.
func (p *Playlist) RemoveCursor(ct media.ContentType) {
	p.cursorMu.Lock()
	delete(p.cursors, ct)
	p.cursorMu.Unlock()
}

// HasCursors reports whether any content type plays from the playlist.
func (p *Playlist) HasCursors() bool {
	p.cursorMu.Lock()
	defer p.cursorMu.Unlock()
	return len(p.cursors) > 0
}

// SetDirection sets the order in which segments are walked and samples
// handed out.
func (p *Playlist) SetDirection(d segment.Direction) {
	p.cursorMu.Lock()
	defer p.cursorMu.Unlock()

	p.timeline.direction = d
	// Segments under a cursor keep their read/unread boundary; the ones
	// entered later start from the matching end.
	for _, c := range p.cursors {
		if !c.entered {
			continue
		}
		if seg, err := p.Segment(c.Sequence); err == nil {
			seg.SetDirection(d)
		}
	}
}

// Timeline returns the discontinuity bookkeeping.
func (p *Playlist) Timeline() Timeline {
	p.cursorMu.Lock()
	defer p.cursorMu.Unlock()
	return Timeline{Finished: p.timeline.finished, FinishedTS: p.timeline.finishedTS, Offset: p.timeline.offset}
}

// AdoptTimeline takes over the bookkeeping of the playlist playback moves
// away from.
func (p *Playlist) AdoptTimeline(t Timeline) {
	p.cursorMu.Lock()
	p.timeline.finished = t.Finished
	p.timeline.finishedTS = t.FinishedTS
	p.timeline.offset = t.Offset
	p.cursorMu.Unlock()
}

func (p *Playlist) anchorLocked() segment.Anchor {
	fd := p.svc.Config.AudioFrameDistance
	if p.timeline.finished == media.ContentVideo {
		fd = p.svc.Config.VideoFrameDistance
	}
	return segment.Anchor{Last: p.timeline.finishedTS, FrameDistance: media.FromDuration(fd)}
}

// enterLocked prepares seg for reading by c: direction, timestamp
// normalization and the stream to read.
func (p *Playlist) enterLocked(c *Cursor, seg *segment.MediaSegment) {
	if c.entered {
		return
	}
	if seg.Direction() != p.timeline.direction {
		seg.SetDirection(p.timeline.direction)
		seg.Reset()
	}

	if seg.Discontinuity() {
		p.timeline.offset = seg.NormalizeDiscontinuity(p.anchorLocked())
	} else {
		offset := p.timeline.offset
		if prev := p.neighbourLocked(seg); prev != nil {
			if o, ok := prev.Offset(); ok {
				offset = o
			}
		}
		seg.ApplyOffset(offset)
		if o, ok := seg.Offset(); ok {
			p.timeline.offset = o
		}
	}

	c.PID, c.HasPID = seg.PIDFor(c.ContentType)
	c.entered = true
}

// Align normalizes the timestamps of segment seq onto the playlist
// timeline without moving a cursor, so its samples compare with positions
// already played.
func (p *Playlist) Align(seq uint64) error {
	seg, err := p.Segment(seq)
	if err != nil {
		return err
	}
	if seg.State() != segment.StateInMemoryCache {
		return fmt.Errorf("%w: %s", ErrNotBuffered, seg)
	}

	p.cursorMu.Lock()
	defer p.cursorMu.Unlock()
	p.enterLocked(&Cursor{ContentType: media.ContentUnknown, Sequence: seq}, seg)
	return nil
}

// neighbourLocked returns the segment walked before seg.
func (p *Playlist) neighbourLocked(seg *segment.MediaSegment) *segment.MediaSegment {
	seq := seg.Sequence + 1
	if p.timeline.direction == segment.Forward {
		if seg.Sequence == 0 {
			return nil
		}
		seq = seg.Sequence - 1
	}
	prev, err := p.Segment(seq)
	if err != nil {
		return nil
	}
	return prev
}

// edgeErrorLocked explains why the cursor's sequence is not listed.
func (p *Playlist) edgeErrorLocked(c *Cursor) error {
	p.structMu.RLock()
	defer p.structMu.RUnlock()

	if len(p.segments) == 0 {
		if p.ended {
			return ErrEndOfList
		}
		return ErrNeedRefresh
	}
	first, last := p.segments[0].Sequence, p.segments[len(p.segments)-1].Sequence
	switch {
	case c.Sequence < first:
		if p.timeline.direction == segment.Reverse {
			return ErrEndOfList
		}
		return fmt.Errorf("%w: cursor %d behind window start %d", ErrOutOfRange, c.Sequence, first)
	case c.Sequence > last && (p.ended || p.timeline.direction == segment.Reverse):
		return ErrEndOfList
	case c.Sequence > last:
		return ErrNeedRefresh
	}
	return fmt.Errorf("%w: sequence %d", ErrOutOfRange, c.Sequence)
}

// stepLocked moves c to the next segment in the walking direction. It
// returns false at the start of the list in reverse.
func (p *Playlist) stepLocked(c *Cursor) bool {
	if p.timeline.direction == segment.Reverse {
		if c.Sequence == 0 {
			return false
		}
		c.reset(c.Sequence - 1)
		return true
	}
	c.reset(c.Sequence + 1)
	return true
}

// pinningPIDsLocked returns the streams of seg still needed by a cursor at
// or behind it.
func (p *Playlist) pinningPIDsLocked(seg *segment.MediaSegment) []uint16 {
	pids := []uint16{}
	for _, c := range p.cursors {
		passed := c.Sequence > seg.Sequence
		if p.timeline.direction == segment.Reverse {
			passed = c.Sequence < seg.Sequence
		}
		if passed {
			continue
		}
		if pid, ok := seg.PIDFor(c.ContentType); ok {
			pids = append(pids, pid)
		}
	}
	return pids
}

// NextSample hands out the next sample of ct, walking into following
// segments as queues run dry. It returns ErrNotBuffered with the segment
// that must be downloaded first, ErrNeedRefresh when a live cursor is
// past the last listed segment and ErrEndOfList once the list is consumed.
func (p *Playlist) NextSample(ct media.ContentType) (*media.Sample, *segment.MediaSegment, error) {
	p.cursorMu.Lock()
	defer p.cursorMu.Unlock()

	c, ok := p.cursors[ct]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrNoCursor, ct)
	}

	for {
		seg, err := p.Segment(c.Sequence)
		if err != nil {
			return nil, nil, p.edgeErrorLocked(c)
		}
		if seg.State() != segment.StateInMemoryCache {
			return nil, seg, ErrNotBuffered
		}
		p.enterLocked(c, seg)

		if c.HasPID {
			if s, ok := seg.Next(c.PID); ok {
				c.Last = s.PlayableTimestamp()
				return s, seg, nil
			}
		}

		if c.Last.Valid() {
			p.timeline.finished = ct
			p.timeline.finishedTS = c.Last
		}
		if !p.stepLocked(c) {
			return nil, nil, ErrEndOfList
		}
		seg.Scavenge(p.pinningPIDsLocked(seg))
	}
}

// Reposition moves the cursor of ct into segment seq so that the sample
// matching target under policy is handed out next. It returns the
// playable timestamp of that sample.
func (p *Playlist) Reposition(ct media.ContentType, seq uint64, target media.Timestamp, policy segment.Policy) (media.Timestamp, error) {
	seg, err := p.Segment(seq)
	if err != nil {
		return media.Timestamp{}, err
	}
	if seg.State() != segment.StateInMemoryCache {
		return media.Timestamp{}, fmt.Errorf("%w: %s", ErrNotBuffered, seg)
	}

	p.cursorMu.Lock()
	defer p.cursorMu.Unlock()

	c, ok := p.cursors[ct]
	if !ok {
		c = &Cursor{ContentType: ct}
		p.cursors[ct] = c
	}
	c.reset(seq)
	p.enterLocked(c, seg)
	if !c.HasPID {
		return media.Timestamp{}, fmt.Errorf("%w: %s in %s", segment.ErrNoStream, ct, seg)
	}

	err = seg.AdvanceUnreadQueue(c.PID, target, policy)
	if errors.Is(err, segment.ErrNoMatch) {
		err = seg.RewindUnreadQueue(c.PID, target, policy)
	}
	if err != nil {
		return media.Timestamp{}, err
	}
	next, ok := seg.Peek(c.PID)
	if !ok {
		return media.Timestamp{}, fmt.Errorf("%w: %s", segment.ErrNoMatch, seg)
	}
	return next.PlayableTimestamp(), nil
}

// Boundary returns the sequence the next sample of ct comes from and
// whether reading it starts a new segment.
func (p *Playlist) Boundary(ct media.ContentType) (next uint64, at bool) {
	p.cursorMu.Lock()
	defer p.cursorMu.Unlock()

	c, ok := p.cursors[ct]
	if !ok {
		return 0, false
	}
	if !c.entered || !c.HasPID {
		return c.Sequence, true
	}
	seg, err := p.Segment(c.Sequence)
	if err != nil || !seg.Exhausted(c.PID) {
		return c.Sequence, err != nil
	}
	if p.timeline.direction == segment.Reverse {
		if c.Sequence == 0 {
			return 0, true
		}
		return c.Sequence - 1, true
	}
	return c.Sequence + 1, true
}

// SeekToEnd moves the cursor of ct past the last listed segment.
func (p *Playlist) SeekToEnd(ct media.ContentType) error {
	last, ok := p.LastSequence()
	if !ok {
		return fmt.Errorf("%w: empty playlist", ErrOutOfRange)
	}

	p.cursorMu.Lock()
	defer p.cursorMu.Unlock()

	c, ok := p.cursors[ct]
	if !ok {
		c = &Cursor{ContentType: ct}
		p.cursors[ct] = c
	}
	c.reset(last + 1)
	return nil
}
