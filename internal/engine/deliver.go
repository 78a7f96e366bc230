package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/agleyzer/hlsabr/internal/media"
	"github.com/agleyzer/hlsabr/internal/playlist"
	"github.com/agleyzer/hlsabr/internal/transport"
)

// NextSample returns the next sample of ct in playback order. It blocks
// while the sample is downloaded or, on a live playlist, until the next
// refresh lists it. Different content types may be pulled from different
// goroutines; each content type must be pulled by one goroutine at a time.
func (s *Source) NextSample(ctx context.Context, ct media.ContentType) (*media.Sample, error) {
	sample, _, err := s.next(ctx, ct)
	return sample, err
}

// Deliver pulls the next sample of ct and hands it to the sink.
func (s *Source) Deliver(ctx context.Context, ct media.ContentType) (any, error) {
	sample, disc, err := s.next(ctx, ct)
	if err != nil {
		return nil, err
	}
	return s.sink.CreateSample([][]byte{sample.Payload}, sample.PlayableTimestamp(), sample.Keyframe, disc)
}

// Tick keeps the clock of a content type without samples moving.
func (s *Source) Tick(ct media.ContentType, ts media.Timestamp) {
	s.sink.NotifyStreamTick(ct, ts)
}

func (s *Source) next(ctx context.Context, ct media.ContentType) (*media.Sample, bool, error) {
	t, err := s.track(ct)
	if err != nil {
		return nil, false, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	for {
		if err := ctx.Err(); err != nil {
			return nil, false, err
		}
		if _, err := s.track(ct); err != nil {
			return nil, false, err
		}

		pl := t.playlist()
		if next, at := pl.Boundary(ct); at {
			switched, err := s.runCommands(ctx, t, next)
			if err != nil {
				return nil, false, err
			}
			if switched {
				continue
			}
			if t.leader && t.checked != next {
				t.checked = next
				s.autoSwitch(t)
			}
		}

		rate, paused := s.Playback()
		s.report(ct, pl.CheckAndBufferIfNeeded(ctx, ct, rate, paused))
		if cause := pl.TakeFailure(); cause != nil {
			if err := s.recover(ctx, t, cause); err != nil {
				return nil, false, err
			}
			continue
		}

		sample, seg, err := pl.NextSample(ct)
		switch {
		case err == nil:
			disc := false
			if !t.started || seg.Sequence != t.seq {
				disc = t.started && seg.Discontinuity()
				if t.cloaked != nil && t.cloaked != seg {
					t.cloaked.ClearCloak()
					t.cloaked = nil
				}
				t.seq = seg.Sequence
				t.started = true
			}
			if t.nextDisc {
				disc, t.nextDisc = true, false
			}
			t.last = sample.PlayableTimestamp()
			return sample, disc, nil

		case errors.Is(err, playlist.ErrNotBuffered):
			if derr := pl.Download(ctx, seg); derr != nil {
				if transport.IsCanceled(derr) {
					return nil, false, derr
				}
				if err := s.recover(ctx, t, derr); err != nil {
					return nil, false, err
				}
				continue
			}
			if si := t.variant(); si != nil {
				si.RecordSuccess()
			}

		case errors.Is(err, playlist.ErrNeedRefresh):
			if err := s.awaitRefresh(ctx, pl); err != nil {
				return nil, false, err
			}

		case errors.Is(err, playlist.ErrEndOfList):
			return nil, false, ErrEndOfStream

		case errors.Is(err, playlist.ErrOutOfRange) && pl.IsLive():
			// Playback fell behind the sliding window.
			base := pl.BaseSequence()
			s.logger.Warn("playback fell out of the live window", "type", ct, "base", base)
			if err := pl.SetCursor(ct, base); err != nil {
				return nil, false, err
			}
			t.nextDisc = true

		default:
			return nil, false, fmt.Errorf("failed to read %s: %w", ct, err)
		}
	}
}

// awaitRefresh refreshes pl and, when that listed nothing new, waits for
// the live loop to merge a refresh that does.
func (s *Source) awaitRefresh(ctx context.Context, pl *playlist.Playlist) error {
	signal := pl.RefreshSignal()
	res, err := pl.Refresh(ctx)
	if err != nil {
		if transport.IsCanceled(err) {
			return err
		}
		s.logger.Warn("live refresh failed", "uri", pl.URI, "error", err)
	}
	if res.Changed() || pl.Ended() {
		return nil
	}

	select {
	case <-signal:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-s.ctx.Done():
		return ErrClosed
	case <-s.failed:
		return s.Err()
	}
}

func (s *Source) report(ct media.ContentType, ev playlist.BufferEvent) {
	switch ev {
	case playlist.BufferStart:
		s.logger.Info("buffering started", "type", ct)
	case playlist.BufferEnd:
		s.logger.Info("buffering finished", "type", ct)
	}
}
