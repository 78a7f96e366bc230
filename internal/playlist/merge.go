package playlist

import (
	"bytes"
	"context"
	"fmt"
	"sort"

	"github.com/agleyzer/hlsabr/internal/parser"
	"github.com/agleyzer/hlsabr/internal/segment"
	"github.com/agleyzer/hlsabr/internal/transport"
	"github.com/agleyzer/hlsabr/internal/variant"
)

// MergeResult describes what a live merge did.
type MergeResult struct {
	// Skipped is set when another merge was in progress.
	Skipped bool

	Dropped  int
	Appended int
}

// Changed reports whether the segment list changed.
func (r MergeResult) Changed() bool {
	return r.Dropped > 0 || r.Appended > 0
}

func (r MergeResult) label() string {
	switch {
	case r.Skipped:
		return "skipped"
	case r.Changed():
		return "applied"
	default:
		return "noop"
	}
}

// Refresh downloads the playlist again and merges it. An unchanged
// playlist (HTTP 304) is a no-op. Refreshing a master also refreshes every
// variant and rendition playlist loaded from it.
func (p *Playlist) Refresh(ctx context.Context) (MergeResult, error) {
	res, err := p.refresh(ctx)
	if err != nil || res.Skipped || !p.isMaster {
		return res, err
	}
	for _, child := range p.loadedChildren() {
		r, err := child.Refresh(ctx)
		if err != nil {
			return res, err
		}
		res.Dropped += r.Dropped
		res.Appended += r.Appended
	}
	return res, nil
}

// loadedChildren returns the media playlists loaded from a master.
func (p *Playlist) loadedChildren() []*Playlist {
	p.structMu.RLock()
	streams := make([]*StreamInfo, 0, len(p.bandwidths))
	for _, bw := range p.bandwidths {
		streams = append(streams, p.streams[bw])
	}
	var renditions []*Rendition
	for _, group := range sortedGroups(p.groups) {
		renditions = append(renditions, p.groups[group]...)
	}
	p.structMu.RUnlock()

	var out []*Playlist
	for _, si := range streams {
		if pl := si.Playlist(); pl != nil {
			out = append(out, pl)
		}
	}
	for _, r := range renditions {
		if pl := r.Playlist(); pl != nil {
			out = append(out, pl)
		}
	}
	return out
}

func (p *Playlist) refresh(ctx context.Context) (MergeResult, error) {
	p.structMu.RLock()
	cond := p.conditional
	p.structMu.RUnlock()

	resp, err := p.svc.Fetcher.Fetch(ctx, transport.Request{URI: p.URI, Conditional: cond, CachePolicy: transport.CacheBypass})
	if err != nil {
		if !transport.IsCanceled(err) {
			p.svc.Metrics.DownloadFailed("playlist")
		}
		return MergeResult{}, fmt.Errorf("failed to refresh playlist %s: %w", p.URI, err)
	}
	if resp.NotModified() {
		p.svc.Metrics.Merge("noop")
		return MergeResult{}, nil
	}
	p.svc.Metrics.Download("playlist", len(resp.Body))

	m, err := parser.Parse(bytes.NewReader(resp.Body), resp.FinalURI)
	if err != nil {
		return MergeResult{}, fmt.Errorf("failed to parse refreshed playlist %s: %w", p.URI, err)
	}
	fresh, err := New(m, resp.FinalURI, p.svc)
	if err != nil {
		return MergeResult{}, err
	}

	res, err := p.Merge(fresh)
	if err == nil && !res.Skipped {
		p.structMu.Lock()
		p.conditional = transport.Conditional{ETag: resp.ETag, LastModified: resp.LastModified}
		p.structMu.Unlock()
	}
	return res, err
}

// Merge folds a freshly downloaded copy of the playlist into this one.
// Segments behind every playback cursor are dropped from the front unless
// they are still downloading, segments newer than the last listed one are
// appended, and the sliding-window start watermark only moves forward. A
// merge attempted while another is running is skipped.
func (p *Playlist) Merge(refresh *Playlist) (MergeResult, error) {
	if !p.mergeMu.TryLock() {
		p.svc.Metrics.Merge("skipped")
		return MergeResult{Skipped: true}, nil
	}
	defer p.mergeMu.Unlock()

	var (
		res MergeResult
		err error
	)
	if p.isMaster {
		res, err = p.mergeMaster(refresh)
	} else {
		res, err = p.mergeMedia(refresh)
	}
	if err != nil {
		return res, err
	}

	p.svc.Metrics.Merge(res.label())
	if res.Changed() {
		p.logger.Debug("merged live refresh", "dropped", res.Dropped, "appended", res.Appended, "base", p.BaseSequence())
		p.broadcastRefresh()
	}
	return res, nil
}

func (p *Playlist) mergeMaster(refresh *Playlist) (MergeResult, error) {
	if !refresh.isMaster {
		return MergeResult{}, fmt.Errorf("cannot merge a media playlist into master %s", p.URI)
	}

	var res MergeResult
	var children [][2]*Playlist

	p.structMu.Lock()
	for _, bw := range sortedKeys(refresh.streams) {
		fresh := refresh.streams[bw]
		si, ok := p.streams[bw]
		if !ok {
			p.streams[bw] = fresh
			p.bandwidths = append(p.bandwidths, bw)
			res.Appended++
			continue
		}
		if cur, next := si.Playlist(), fresh.Playlist(); cur != nil && next != nil {
			children = append(children, [2]*Playlist{cur, next})
		}
	}
	for group, renditions := range refresh.groups {
		for _, fresh := range renditions {
			r := findRendition(p.groups[group], fresh.Media)
			if r == nil {
				continue
			}
			if cur, next := r.Playlist(), fresh.Playlist(); cur != nil && next != nil {
				children = append(children, [2]*Playlist{cur, next})
			}
		}
	}
	if res.Appended > 0 {
		p.bandwidths = sortedKeys(p.streams)
		p.minBW, p.maxBW = p.bandwidths[0], p.bandwidths[len(p.bandwidths)-1]
	}
	p.structMu.Unlock()

	for _, c := range children {
		if _, err := c[0].Merge(c[1]); err != nil {
			return res, err
		}
	}
	return res, nil
}

func (p *Playlist) mergeMedia(refresh *Playlist) (MergeResult, error) {
	if refresh.isMaster {
		return MergeResult{}, fmt.Errorf("cannot merge a master playlist into media playlist %s", p.URI)
	}
	fresh := refresh.Segments()

	p.cursorMu.Lock()
	defer p.cursorMu.Unlock()
	p.structMu.Lock()
	defer p.structMu.Unlock()

	p.adoptHeader(refresh)
	if len(fresh) == 0 {
		return MergeResult{}, nil
	}
	if len(p.segments) == 0 {
		p.segments = fresh
		p.baseSeq = fresh[0].Sequence
		p.recomputeLocked()
		return MergeResult{Appended: len(fresh)}, nil
	}

	last := p.segments[len(p.segments)-1]
	freshFirst, freshLast := fresh[0].Sequence, fresh[len(fresh)-1].Sequence
	if freshLast <= last.Sequence {
		return MergeResult{}, nil
	}

	var res MergeResult
	if freshFirst > last.Sequence+1 {
		// The refresh does not overlap: playback fell behind the window.
		for _, s := range p.segments {
			if s.State() == segment.StateDownloading {
				return MergeResult{}, fmt.Errorf("%w: sequence gap %d..%d with %s in flight", ErrMergeDeferred, last.Sequence, freshFirst, s)
			}
		}
		for _, s := range p.segments {
			p.advanceWatermarkLocked(s)
		}
		res.Dropped = len(p.segments)
		p.segments = append([]*segment.MediaSegment(nil), fresh...)
		fresh[0].SetDiscontinuity(true)
		disc := last.DiscontinuitySequence
		for _, s := range fresh {
			if s.Discontinuity() {
				disc++
			}
			s.DiscontinuitySequence = disc
		}
		res.Appended = len(fresh)
		for _, c := range p.cursors {
			if c.Sequence < freshFirst {
				c.reset(freshFirst)
			}
		}
	} else {
		// Keep everything from the earliest cursor on. Only when every
		// cursor is behind the refreshed window does the window start win.
		mincur, maxcur := last.Sequence+1, uint64(0)
		for _, c := range p.cursors {
			mincur = min(mincur, c.Sequence)
			maxcur = max(maxcur, c.Sequence)
		}
		if len(p.cursors) == 0 || maxcur < freshFirst {
			mincur = freshFirst
		}

		for len(p.segments) > 0 && p.segments[0].Sequence < mincur {
			front := p.segments[0]
			if front.State() == segment.StateDownloading {
				break
			}
			p.advanceWatermarkLocked(front)
			p.segments = p.segments[1:]
			res.Dropped++
		}
		if len(p.segments) > 0 {
			for _, c := range p.cursors {
				if c.Sequence < p.segments[0].Sequence {
					c.reset(p.segments[0].Sequence)
				}
			}
		}

		var overlap *segment.MediaSegment
		prev := last
		for _, s := range fresh {
			if s.Sequence == last.Sequence {
				overlap = s
			}
			if s.Sequence <= last.Sequence {
				continue
			}
			if res.Appended == 0 && overlap != nil && seamBroken(last, overlap) {
				s.SetDiscontinuity(true)
			}
			s.DiscontinuitySequence = prev.DiscontinuitySequence
			if s.Discontinuity() {
				s.DiscontinuitySequence++
			}
			p.segments = append(p.segments, s)
			prev = s
			res.Appended++
		}
	}

	if first := p.segments[0].Sequence; first > p.baseSeq {
		p.baseSeq = first
	}
	p.recomputeLocked()
	return res, nil
}

// adoptHeader takes over the manifest-level fields of a refresh.
func (p *Playlist) adoptHeader(refresh *Playlist) {
	refresh.structMu.RLock()
	defer refresh.structMu.RUnlock()

	p.ended = refresh.ended
	p.typ = refresh.typ
	if refresh.declaredTarget {
		p.targetDuration = refresh.targetDuration
		p.declaredTarget = true
		p.labThreshold = max(p.labThreshold, refresh.labThreshold)
	}
}

// advanceWatermarkLocked moves the window start past a dropped segment. The
// watermark never regresses.
func (p *Playlist) advanceWatermarkLocked(s *segment.MediaSegment) {
	next := p.windowStart + s.Duration
	if _, end := s.Boundaries(); end.Valid() && end.Ticks > next {
		next = end.Ticks
	}
	if next > p.windowStart {
		p.windowStart = next
	}
}

// recomputeLocked restores the cumulative duration invariant after a
// structural change.
func (p *Playlist) recomputeLocked() {
	var cumulative uint64
	for _, s := range p.segments {
		cumulative += s.Duration
		s.CumulativeDuration = cumulative
	}
	p.windowEnd = p.windowStart + cumulative
	if !p.declaredTarget && len(p.segments) > 0 {
		p.targetDuration = cumulative / uint64(len(p.segments))
	}
}

// seamBroken reports whether segments appended after retained follow a
// different timeline: the server re-cut the seam segment or now marks it
// discontinuous. The discontinuity of the first appended segment itself is
// carried as listed.
func seamBroken(retained, refreshed *segment.MediaSegment) bool {
	return refreshed.URI != retained.URI || (refreshed.Discontinuity() && !retained.Discontinuity())
}

func findRendition(in []*Rendition, m *variant.Media) *Rendition {
	for _, r := range in {
		if r.Media.Type == m.Type && r.Media.Name == m.Name && r.Media.Language == m.Language {
			return r
		}
	}
	return nil
}

func sortedGroups(m map[string][]*Rendition) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
