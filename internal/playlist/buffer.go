package playlist

import (
	"context"
	"math"

	"golang.org/x/sync/errgroup"

	"github.com/agleyzer/hlsabr/internal/media"
	"github.com/agleyzer/hlsabr/internal/segment"
	"github.com/agleyzer/hlsabr/internal/transport"
)

// BufferEvent is a buffering state transition reported to the player.
type BufferEvent uint8

const (
	BufferNone BufferEvent = iota
	BufferStart
	BufferEnd
)

func (e BufferEvent) String() string {
	switch e {
	case BufferStart:
		return "start"
	case BufferEnd:
		return "end"
	default:
		return "none"
	}
}

// labWalk sums the playable duration buffered from fromSeq in the walking
// direction. It stops at the first segment that is not in memory (or not
// downloading, with includeDownloading) and returns that segment, nil when
// the walk ran off the list.
func (p *Playlist) labWalk(fromSeq uint64, ct media.ContentType, includeDownloading bool) (uint64, *segment.MediaSegment) {
	ceiling := media.FromDuration(p.svc.Config.LABCeiling)

	p.cursorMu.Lock()
	reverse := p.timeline.direction == segment.Reverse
	p.cursorMu.Unlock()

	var lab uint64
	seq := fromSeq
	for {
		seg, err := p.Segment(seq)
		if err != nil {
			return lab, nil
		}
		switch seg.State() {
		case segment.StateInMemoryCache:
			lab += seg.Remaining(ct)
		case segment.StateDownloading:
			if !includeDownloading {
				return lab, seg
			}
			lab += seg.Duration
		default:
			return lab, seg
		}
		if ceiling > 0 && lab >= ceiling {
			return lab, nil
		}
		if reverse {
			if seq == 0 {
				return lab, nil
			}
			seq--
		} else {
			seq++
		}
	}
}

// GetCurrentLABLength returns the look-ahead buffer from fromSeq, in ticks.
func (p *Playlist) GetCurrentLABLength(fromSeq uint64, ct media.ContentType, includeDownloading bool) uint64 {
	lab, _ := p.labWalk(fromSeq, ct, includeDownloading)
	return lab
}

// threshold returns the LAB threshold for a playback rate. Fast playback
// drains the buffer proportionally faster.
func (p *Playlist) threshold(rate float64) uint64 {
	t := p.LABThreshold()
	if r := math.Abs(rate); r > 1 {
		t = uint64(float64(t) * r)
	}
	return t
}

// CheckAndBufferIfNeeded keeps the look-ahead buffer of ct above the
// threshold by starting a download chain, and reports buffering
// transitions.
func (p *Playlist) CheckAndBufferIfNeeded(ctx context.Context, ct media.ContentType, rate float64, paused bool) BufferEvent {
	if ctx.Err() != nil {
		return BufferNone
	}
	cur, ok := p.Cursor(ct)
	if !ok {
		return BufferNone
	}

	lab, stop := p.labWalk(cur.Sequence, ct, p.svc.Config.CountDownloadingInLAB)
	threshold := p.threshold(rate)
	p.svc.Metrics.SetLAB(ct.String(), media.ToDuration(lab).Seconds())

	if lab < threshold && !paused {
		p.startChain(ct)
	}

	end := stop == nil && p.Ended()

	p.stateMu.Lock()
	defer p.stateMu.Unlock()

	p.rate = rate
	event := BufferNone
	switch buffering := p.buffering[ct]; {
	case buffering && (lab >= threshold || end):
		p.buffering[ct] = false
		event = BufferEnd
	case !buffering && lab == 0 && !end:
		p.buffering[ct] = true
		event = BufferStart
	}
	if event != BufferNone {
		p.logger.Debug("buffering", "event", event, "type", ct, "lab", media.ToDuration(lab), "threshold", media.ToDuration(threshold))
		p.svc.Metrics.BufferEvent(event.String())
	}
	return event
}

// Buffering reports whether ct is waiting for data.
func (p *Playlist) Buffering(ct media.ContentType) bool {
	p.stateMu.Lock()
	defer p.stateMu.Unlock()
	return p.buffering[ct]
}

// Downloading reports whether a download chain is running.
func (p *Playlist) Downloading() bool {
	return p.svc.Tasks.Active(p.owner()) > 0
}

func (p *Playlist) startChain(ct media.ContentType) {
	if p.Downloading() {
		return
	}
	_, err := p.svc.Tasks.Go(p.owner(), func(ctx context.Context) error {
		return p.runChain(ctx, ct)
	})
	if err != nil {
		p.logger.Debug("download chain not started", "error", err)
	}
}

// runChain downloads one segment after another from the cursor of ct until
// the threshold is met or the list ends.
func (p *Playlist) runChain(ctx context.Context, ct media.ContentType) error {
	for ctx.Err() == nil {
		cur, ok := p.Cursor(ct)
		if !ok {
			return nil
		}

		p.stateMu.Lock()
		rate := p.rate
		p.stateMu.Unlock()

		lab, next := p.labWalk(cur.Sequence, ct, true)
		if next == nil || lab >= p.threshold(rate) {
			return nil
		}

		next.AttachChain()
		err := p.Download(ctx, next)
		next.DetachChain()
		if err != nil {
			if !transport.IsCanceled(err) {
				p.logger.Warn("download chain stopped", "segment", next.Sequence, "error", err)
				p.recordFailure(err)
			}
			return err
		}
	}
	return ctx.Err()
}

// NeedsPreFetch returns how many whole segments from fromSeq fit the
// configured pre-fetch duration, and whether any of them still has to be
// downloaded.
func (p *Playlist) NeedsPreFetch(fromSeq uint64) (int, bool) {
	budget := media.FromDuration(p.svc.Config.PrefetchDuration)
	if budget == 0 {
		return 0, false
	}

	n, missing := 0, false
	var sum uint64
	for _, seg := range p.segmentsFrom(fromSeq, 0) {
		if n > 0 && sum+seg.Duration > budget {
			break
		}
		sum += seg.Duration
		n++
		if seg.State() != segment.StateInMemoryCache {
			missing = true
		}
	}
	return n, missing
}

// BulkFetch downloads n segments from fromSeq concurrently, then stamps
// boundary timestamps in sequence order.
func (p *Playlist) BulkFetch(ctx context.Context, fromSeq uint64, n int) error {
	segs := p.segmentsFrom(fromSeq, n)
	if len(segs) == 0 {
		return ErrOutOfRange
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, seg := range segs {
		g.Go(func() error {
			return p.Download(gctx, seg)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	start, _ := segs[0].Boundaries()
	if !start.Valid() {
		p.structMu.RLock()
		start = media.NewTimestamp(p.windowStart+segs[0].CumulativeDuration-segs[0].Duration, media.TimestampPTS)
		p.structMu.RUnlock()
	}
	for _, seg := range segs {
		start = seg.StampBoundaries(start)
	}
	return nil
}
