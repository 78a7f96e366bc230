package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/agleyzer/hlsabr/internal/media"
	"github.com/agleyzer/hlsabr/internal/playlist"
	"github.com/agleyzer/hlsabr/internal/segment"
	"github.com/agleyzer/hlsabr/internal/transport"
)

// errNoTarget is returned when no segment of the target playlist lines up
// with the playback position.
var errNoTarget = errors.New("no matching target segment")

type commandKind uint8

const (
	switchVariant commandKind = iota
	switchRendition
)

// outcome is the result of executing a command.
type outcome struct {
	switched bool
	seq      uint64
	at       media.Timestamp
}

// command is one switch request queued on a track.
type command struct {
	kind      commandKind
	target    *playlist.StreamInfo
	rendition *playlist.Rendition

	// auto marks a switch chosen by the bandwidth selector; urgent one that
	// replaces a failing variant.
	auto   bool
	urgent bool

	// leader is the command of the leading track a follower mirrors.
	leader *command

	once    sync.Once
	done    chan struct{}
	outcome outcome
}

func newCommand(kind commandKind) *command {
	return &command{kind: kind, done: make(chan struct{})}
}

func (c *command) resolve(o outcome) {
	c.once.Do(func() {
		c.outcome = o
		close(c.done)
	})
}

func (c *command) resolved() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// RequestSwitch asks for a switch to the variant with bandwidth bw. The
// switch happens at the next segment boundary of each content type.
func (s *Source) RequestSwitch(bw uint32) error {
	if s.master == nil {
		return fmt.Errorf("%w: not a master playlist", ErrNoTrack)
	}
	si, ok := s.master.Stream(bw)
	if !ok {
		return fmt.Errorf("%w: no variant with bandwidth %d", playlist.ErrOutOfRange, bw)
	}
	if err := s.alive(); err != nil {
		return err
	}
	s.requestVariant(si, false, false)
	return nil
}

// requestVariant queues a variant switch on the leading track and coupled
// commands on the tracks that play from the same variant stream.
func (s *Source) requestVariant(si *playlist.StreamInfo, auto, urgent bool) *command {
	s.mu.Lock()
	defer s.mu.Unlock()

	leader := s.leaderLocked()
	if leader == nil || leader.alternate() != nil {
		return nil
	}
	lc := newCommand(switchVariant)
	lc.target, lc.auto, lc.urgent = si, auto, urgent
	leader.enqueue(lc)

	for _, t := range s.tracks {
		if t == leader || t.alternate() != nil {
			continue
		}
		fc := newCommand(switchVariant)
		fc.target, fc.auto, fc.urgent, fc.leader = si, auto, urgent, lc
		t.enqueue(fc)
	}
	return lc
}

// SelectRendition asks for the alternate rendition of ct with the given
// name or language. The switch happens once the rendition has the segment
// playback is about to enter in memory.
func (s *Source) SelectRendition(ct media.ContentType, nameOrLanguage string) error {
	t, err := s.track(ct)
	if err != nil {
		return err
	}
	si := t.variant()
	if si == nil {
		return fmt.Errorf("%w: %s has no alternate renditions", ErrNoTrack, ct)
	}
	for _, r := range si.Renditions(ct) {
		if r.Media.URI == "" {
			continue
		}
		if r.Media.Name == nameOrLanguage || r.Media.Language == nameOrLanguage {
			c := newCommand(switchRendition)
			c.target, c.rendition = si, r
			t.enqueue(c)
			return nil
		}
	}
	return fmt.Errorf("%w: no %s rendition %q", ErrNoTrack, ct, nameOrLanguage)
}

// autoSwitch queues a switch to the variant the bandwidth estimate
// supports, if that differs from the current one.
func (s *Source) autoSwitch(t *track) {
	if !s.cfg.AutoSwitch || s.master == nil || t.pending != nil || len(t.cmds) > 0 {
		return
	}
	if s.estimator.Samples() == 0 {
		return
	}
	cur := t.variant()
	if cur == nil {
		return
	}
	bw, ok := s.selector.Select(s.candidates(), s.estimator.Estimate())
	if !ok || bw == cur.Bandwidth() {
		return
	}
	if si, ok := s.master.Stream(bw); ok {
		s.logger.Debug("bandwidth estimate suggests switch", "from", cur.Bandwidth(), "to", bw, "estimate", s.estimator.Estimate())
		s.requestVariant(si, true, false)
	}
}

// runCommands executes the pending command of t at a segment boundary.
// next is the sequence playback is about to enter. It reports whether the
// track now plays from a different playlist.
func (s *Source) runCommands(ctx context.Context, t *track, next uint64) (bool, error) {
	for {
		select {
		case c := <-t.cmds:
			if t.pending != nil {
				t.pending.resolve(outcome{})
			}
			t.pending = c
			continue
		default:
		}
		break
	}
	c := t.pending
	if c == nil {
		return false, nil
	}

	var (
		o    outcome
		done bool
		err  error
	)
	switch {
	case c.kind == switchRendition:
		o, done, err = s.switchRendition(ctx, t, c, next)
	case c.leader != nil && !t.leader:
		o, done, err = s.followSwitch(ctx, t, c, next)
	default:
		o, done, err = s.leadSwitch(ctx, t, c, next)
	}

	if err != nil {
		if transport.IsCanceled(err) {
			return false, err
		}
		s.logger.Warn("switch failed", "type", t.ct, "target", c.target, "error", err)
		if c.kind == switchVariant && c.target != nil && !errors.Is(err, errNoTarget) {
			s.quarantine(c.target, true)
		}
		o, done = outcome{}, true
	}
	if !done {
		return false, nil
	}
	if t.pending == c {
		t.pending = nil
	}
	c.resolve(o)
	return o.switched, nil
}

// leadSwitch runs a variant switch on the track others follow.
func (s *Source) leadSwitch(ctx context.Context, t *track, c *command, next uint64) (outcome, bool, error) {
	cur, old := t.variant(), t.playlist()

	// Bandwidth re-validation.
	if c.auto && cur != nil && c.target.Bandwidth() > cur.Bandwidth() &&
		!s.selector.Supports(c.target.Bandwidth(), s.estimator.Estimate()) {
		s.logger.Debug("upshift no longer supported", "target", c.target, "estimate", s.estimator.Estimate())
		return outcome{}, true, nil
	}

	// Downshift deferral: keep playing what is already buffered.
	if !c.urgent && cur != nil && c.target.Bandwidth() < cur.Bandwidth() {
		if seg, err := old.Segment(next); err == nil && seg.State() == segment.StateInMemoryCache {
			return outcome{}, false, nil
		}
	}

	pl, err := c.target.Load(ctx, s.svc)
	if err != nil {
		return outcome{}, true, err
	}
	if pl == old {
		return outcome{}, true, nil
	}

	rate, _ := s.Playback()
	pl.SetDirection(direction(rate))

	seq, err := resolveTarget(old, pl, next, t.seq)
	if err != nil {
		return outcome{}, true, err
	}
	pl.AdoptTimeline(old.Timeline())

	// Keyframe alignment.
	policy := segment.MatchClosestGreater
	if !t.last.Valid() {
		policy = segment.MatchClosestGreaterOrEqual
	}
	var (
		target  *segment.MediaSegment
		at      media.Timestamp
		aligned bool
	)
	for attempt := 0; attempt < 2 && !aligned; attempt++ {
		target, err = pl.Segment(seq)
		if err != nil {
			return outcome{}, true, fmt.Errorf("%w: %w", errNoTarget, err)
		}
		if err := pl.Download(ctx, target); err != nil {
			return outcome{}, true, err
		}
		if err := pl.Align(seq); err != nil {
			return outcome{}, true, err
		}
		if t.ct != media.ContentVideo {
			at, aligned = t.last, true
			break
		}
		pid, ok := target.PIDFor(media.ContentVideo)
		if !ok {
			return outcome{}, true, fmt.Errorf("%w: no video in %s", errNoTarget, target)
		}
		if at, aligned = target.FindKeyframe(pid, t.last, policy); !aligned {
			seq++
		}
	}
	if !aligned {
		s.logger.Info("no keyframe to switch on", "target", c.target, "sequence", seq)
		return outcome{}, true, nil
	}

	// Gap filling borrows the source's own samples up to the keyframe.
	var gap []*media.Sample
	src, _ := old.Segment(next)
	if s.cfg.GapFill && t.ct == media.ContentVideo && t.last.Valid() && src != nil &&
		!src.Discontinuity() && !target.Discontinuity() && old.Align(next) == nil {
		fd := media.FromDuration(s.cfg.VideoFrameDistance)
		if at.Ticks > t.last.Ticks+2*fd {
			if pid, ok := src.PIDFor(t.ct); ok {
				gap = src.SamplesBetween(pid, t.last.Add(1), at)
			}
		}
	}

	if t.ct == media.ContentVideo {
		policy = segment.MatchExact
	}
	got, err := pl.Reposition(t.ct, seq, at, policy)
	if err != nil {
		pl.RemoveCursor(t.ct)
		return outcome{}, true, err
	}
	if len(gap) > 0 {
		pid, _ := target.PIDFor(t.ct)
		delta, _ := src.Offset()
		if err := target.Splice(pid, gap, delta, src); err != nil {
			return outcome{}, true, err
		}
		t.cloaked = target
		got = gap[0].PlayableTimestamp()
		s.logger.Debug("filled switch gap", "samples", len(gap), "from", t.last, "to", at)
	}

	s.activate(t, c.target, nil, pl, old, seq)
	return outcome{switched: true, seq: seq, at: got}, true, nil
}

// followSwitch mirrors the leading track's switch without a keyframe
// search. A regular switch waits for the leader to land first; an urgent
// one moves off the failing variant at once.
func (s *Source) followSwitch(ctx context.Context, t *track, c *command, next uint64) (outcome, bool, error) {
	lo := c.leader.outcome
	switch {
	case c.leader.resolved():
		if !lo.switched {
			return outcome{}, true, nil
		}
	case !c.urgent:
		return outcome{}, false, nil
	}

	old := t.playlist()
	pl, err := c.target.Load(ctx, s.svc)
	if err != nil {
		return outcome{}, true, err
	}
	if pl == old {
		return outcome{}, true, nil
	}
	rate, _ := s.Playback()
	pl.SetDirection(direction(rate))

	seq, err := resolveTarget(old, pl, next, t.seq)
	if err != nil {
		if !lo.switched {
			return outcome{}, true, err
		}
		seq = lo.seq
	}
	at, policy := t.last, segment.MatchClosestGreater
	if !at.Valid() {
		at, policy = lo.at, segment.MatchClosestGreaterOrEqual
	}

	got, err := s.repositionFollower(ctx, t.ct, pl, seq, at, policy)
	if err != nil {
		return outcome{}, true, err
	}
	s.activate(t, c.target, nil, pl, old, seq)
	return outcome{switched: true, seq: seq, at: got}, true, nil
}

// repositionFollower places the cursor of ct on the first sample after at,
// looking one segment further when seq holds none.
func (s *Source) repositionFollower(ctx context.Context, ct media.ContentType, pl *playlist.Playlist, seq uint64, at media.Timestamp, policy segment.Policy) (media.Timestamp, error) {
	var err error
	for attempt := 0; attempt < 2; attempt++ {
		var seg *segment.MediaSegment
		if seg, err = pl.Segment(seq + uint64(attempt)); err != nil {
			break
		}
		if err = pl.Download(ctx, seg); err != nil {
			return media.Timestamp{}, err
		}
		var got media.Timestamp
		if got, err = pl.Reposition(ct, seg.Sequence, at, policy); err == nil {
			return got, nil
		}
	}
	pl.RemoveCursor(ct)
	return media.Timestamp{}, err
}

// switchRendition repoints the cursor to an alternate rendition once the
// rendition's segment at the playback position is in memory.
func (s *Source) switchRendition(ctx context.Context, t *track, c *command, next uint64) (outcome, bool, error) {
	old := t.playlist()
	pl, err := c.rendition.Load(ctx, s.svc)
	if err != nil {
		return outcome{}, true, err
	}
	if pl == old {
		return outcome{}, true, nil
	}

	seq, err := resolveTarget(old, pl, next, t.seq)
	if err != nil {
		return outcome{}, true, err
	}
	seg, err := pl.Segment(seq)
	if err != nil {
		return outcome{}, true, err
	}
	switch seg.State() {
	case segment.StateInMemoryCache:
	case segment.StateDownloading:
		return outcome{}, false, nil
	default:
		_, err := s.svc.Tasks.Go("rendition:"+pl.URI, func(ctx context.Context) error {
			return pl.Download(ctx, seg)
		})
		return outcome{}, false, err
	}

	at, policy := t.last, segment.MatchClosestGreater
	if !at.Valid() {
		policy = segment.MatchClosestGreaterOrEqual
	}
	got, err := s.repositionFollower(ctx, t.ct, pl, seq, at, policy)
	if err != nil {
		return outcome{}, true, err
	}
	c.target.SetActiveRendition(t.ct, c.rendition)
	s.activate(t, c.target, c.rendition, pl, old, seq)
	return outcome{switched: true, seq: seq, at: got}, true, nil
}

// activate makes pl the playlist of t and releases old once no content
// type plays from it.
func (s *Source) activate(t *track, si *playlist.StreamInfo, r *playlist.Rendition, pl, old *playlist.Playlist, seq uint64) {
	from := t.bandwidth()

	s.mu.Lock()
	t.set(si, r, pl)
	s.mu.Unlock()

	old.RemoveCursor(t.ct)
	if !old.HasCursors() {
		old.Cancel(false)
	}
	t.seq, t.started = seq, true

	dir := "rendition"
	switch to := t.bandwidth(); {
	case r != nil:
	case to > from:
		dir = "up"
	case to < from:
		dir = "down"
	default:
		dir = "backup"
	}
	s.svc.Metrics.Switch(t.ct.String(), dir)
	s.svc.Metrics.SetActiveBandwidth(t.ct.String(), t.bandwidth())
	s.logger.Info("switched",
		"type", t.ct,
		"direction", dir,
		"from", from,
		"to", t.bandwidth(),
		"sequence", seq,
		"uri", pl.URI)
}

// resolveTarget finds the segment of to that lines up with segment next of
// from: by program date time when both carry one, else by position on the
// timeline for VOD, else by sequence number. last is the segment played
// before next, used when next is not listed yet.
func resolveTarget(from, to *playlist.Playlist, next, last uint64) (uint64, error) {
	ref, err := from.Segment(next)
	if err != nil {
		if ref, err = from.Segment(last); err != nil {
			return 0, fmt.Errorf("%w: %w", errNoTarget, err)
		}
		next = last + 1
	}
	segs := to.Segments()
	if len(segs) == 0 {
		return 0, fmt.Errorf("%w: %s is empty", errNoTarget, to.URI)
	}

	if !ref.ProgramDateTime.IsZero() {
		var best *segment.MediaSegment
		var bestDist time.Duration
		for _, s := range segs {
			if s.ProgramDateTime.IsZero() {
				continue
			}
			d := s.ProgramDateTime.Sub(ref.ProgramDateTime).Abs()
			if best == nil || d < bestDist {
				best, bestDist = s, d
			}
		}
		if best != nil {
			if limit := 2 * media.ToDuration(to.TargetDuration()); bestDist > limit {
				return 0, fmt.Errorf("%w: closest program date time is %s away", errNoTarget, bestDist)
			}
			if ref.Sequence != next {
				return best.Sequence + 1, nil
			}
			return best.Sequence, nil
		}
	}

	if !to.IsLive() && !from.IsLive() {
		want := ref.CumulativeDuration - ref.Duration
		if ref.Sequence != next {
			want = ref.CumulativeDuration
		}
		best := segs[0]
		bestDist := distance(best.CumulativeDuration-best.Duration, want)
		for _, s := range segs[1:] {
			if d := distance(s.CumulativeDuration-s.Duration, want); d < bestDist {
				best, bestDist = s, d
			}
		}
		return best.Sequence, nil
	}

	if _, err := to.Segment(next); err != nil {
		return 0, fmt.Errorf("%w: %w", errNoTarget, err)
	}
	return next, nil
}

func distance(a, b uint64) uint64 {
	if a > b {
		return a - b
	}
	return b - a
}
