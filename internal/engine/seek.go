package engine

import (
	"context"
	"fmt"

	"github.com/agleyzer/hlsabr/internal/media"
	"github.com/agleyzer/hlsabr/internal/playlist"
	"github.com/agleyzer/hlsabr/internal/segment"
)

// Seek moves every content type to pos, a position on the timeline of the
// leading playlist. Video lands on the closest keyframe at or before pos;
// the other content types follow it. Pending switches are dropped. It
// returns the timeline position each content type resumes from. A position
// past the end of an ended playlist reports the end of its last segment.
func (s *Source) Seek(ctx context.Context, pos media.Timestamp) (map[media.ContentType]media.Timestamp, error) {
	tracks, err := s.lockTracks()
	if err != nil {
		return nil, err
	}
	defer func() {
		for _, t := range tracks {
			t.mu.Unlock()
		}
	}()

	var leader *track
	for _, t := range tracks {
		if t.leader {
			leader = t
		}
		t.clearCommands()
		t.playlist().Cancel(true)
		if t.cloaked != nil {
			t.cloaked.ClearCloak()
			t.cloaked = nil
		}
		t.checked = ^uint64(0)
	}
	if leader == nil {
		leader = tracks[0]
	}

	lpl := leader.playlist()
	seg, pastEnd, err := lpl.ResolveSeek(pos)
	if err != nil {
		return nil, err
	}

	out := make(map[media.ContentType]media.Timestamp, len(tracks))
	if pastEnd {
		end := lpl.EndOf(seg)
		for _, t := range tracks {
			if err := t.playlist().SeekToEnd(t.ct); err != nil {
				return nil, err
			}
			out[t.ct] = end
		}
		s.logger.Info("seek past end", "position", pos, "end", end)
		return out, nil
	}

	if err := s.prefetch(ctx, lpl, seg.Sequence); err != nil {
		return nil, err
	}
	if err := lpl.Align(seg.Sequence); err != nil {
		return nil, err
	}
	// Samples are matched on the timestamps the segment was decoded with.
	at := lpl.ToPTS(seg, pos)
	if pid, ok := seg.PIDFor(media.ContentVideo); ok {
		if ts, ok := seg.FindKeyframe(pid, at, segment.MatchClosestLesserOrEqual); ok {
			at = ts
		} else if ts, ok := seg.FindKeyframe(pid, at, segment.MatchClosestGreaterOrEqual); ok {
			at = ts
		}
	}

	for _, t := range tracks {
		pl := t.playlist()
		seq := seg.Sequence
		if pl != lpl {
			if seq, err = resolveTarget(lpl, pl, seg.Sequence, seg.Sequence); err == nil {
				err = s.prefetch(ctx, pl, seq)
			}
			if err != nil {
				if t.ct == media.ContentSubtitle {
					s.logger.Warn("subtitles unavailable at seek position", "position", at, "error", err)
					continue
				}
				return nil, fmt.Errorf("failed to seek %s: %w", t.ct, err)
			}
		}

		got, err := s.seekTrack(pl, t.ct, seq, at)
		if err != nil {
			if t.ct == media.ContentSubtitle {
				s.logger.Warn("subtitles unavailable at seek position", "position", at, "error", err)
				continue
			}
			return nil, fmt.Errorf("failed to seek %s: %w", t.ct, err)
		}
		out[t.ct] = lpl.ToTimeline(seg, got)

		t.seq, t.started, t.nextDisc = seq, true, true
		// The sample at got has not been played yet.
		t.last = got.Add(-1)
	}

	s.logger.Info("seek", "position", pos, "keyframe", at, "sequence", seg.Sequence)
	return out, nil
}

func (s *Source) seekTrack(pl *playlist.Playlist, ct media.ContentType, seq uint64, at media.Timestamp) (media.Timestamp, error) {
	if ct == media.ContentVideo {
		return pl.Reposition(ct, seq, at, segment.MatchExact)
	}
	got, err := pl.Reposition(ct, seq, at, segment.MatchClosestGreaterOrEqual)
	if err != nil {
		got, err = pl.Reposition(ct, seq, at, segment.MatchClosestLesserOrEqual)
	}
	return got, err
}

// lockTracks locks every track in content type order.
func (s *Source) lockTracks() ([]*track, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	var tracks []*track
	for _, ct := range media.ContentTypes {
		if t, ok := s.tracks[ct]; ok {
			tracks = append(tracks, t)
		}
	}
	s.mu.Unlock()

	for _, t := range tracks {
		t.mu.Lock()
	}
	return tracks, nil
}
