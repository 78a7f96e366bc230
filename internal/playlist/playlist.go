// Package playlist holds master and media playlists: the ordered segment
// list and its live sliding-window merge, per content type playback
// cursors, the look-ahead buffer controller and the segment download
// pipeline.
package playlist

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agleyzer/hlsabr/internal/config"
	"github.com/agleyzer/hlsabr/internal/decrypt"
	"github.com/agleyzer/hlsabr/internal/demux"
	"github.com/agleyzer/hlsabr/internal/key"
	"github.com/agleyzer/hlsabr/internal/media"
	"github.com/agleyzer/hlsabr/internal/metrics"
	"github.com/agleyzer/hlsabr/internal/parser"
	"github.com/agleyzer/hlsabr/internal/segment"
	"github.com/agleyzer/hlsabr/internal/task"
	"github.com/agleyzer/hlsabr/internal/transport"
	"github.com/agleyzer/hlsabr/internal/variant"
)

var (
	// ErrOutOfRange is returned for sequence numbers or positions outside
	// the segment list.
	ErrOutOfRange = errors.New("out of range")

	// ErrNotBuffered is returned when the cursor's segment is not in memory.
	ErrNotBuffered = errors.New("segment not buffered")

	// ErrNeedRefresh is returned when a live cursor has run past the last
	// listed segment.
	ErrNeedRefresh = errors.New("waiting for live refresh")

	// ErrEndOfList is returned when a cursor has consumed an ended playlist.
	ErrEndOfList = errors.New("end of playlist")

	// ErrNoCursor is returned for content types without a cursor.
	ErrNoCursor = errors.New("no cursor for content type")

	// ErrMergeDeferred is returned when a live refresh cannot be merged yet.
	ErrMergeDeferred = errors.New("merge deferred")

	// ErrSegmentUnavailable is returned when a segment could not be loaded.
	ErrSegmentUnavailable = errors.New("segment unavailable")
)

// Type is the playlist type.
type Type uint8

const (
	TypeSlidingWindow Type = iota
	TypeEvent
	TypeVOD
)

func (t Type) String() string {
	switch t {
	case TypeVOD:
		return "VOD"
	case TypeEvent:
		return "EVENT"
	default:
		return "SLIDINGWINDOW"
	}
}

// Fetcher downloads playlists, keys and segments.
type Fetcher interface {
	Fetch(ctx context.Context, req transport.Request) (*transport.Response, error)
}

// BandwidthObserver is told about every completed segment download.
type BandwidthObserver interface {
	Observe(bytes int, elapsed time.Duration)
}

// Services are the collaborators shared by every playlist of a
// presentation. They are chosen once, when the presentation is opened.
type Services struct {
	Config    *config.Config
	Fetcher   Fetcher
	Decryptor decrypt.Decryptor
	Demuxer   demux.Demultiplexer
	Keys      *key.Cache
	Tasks     *task.Registry
	Metrics   *metrics.Metrics
	Bandwidth BandwidthObserver
	Logger    *slog.Logger
}

func (s *Services) crypto() segment.Crypto {
	return segment.Crypto{Fetcher: s.Fetcher, Decryptor: s.Decryptor, Cache: s.Keys}
}

// Playlist is a master or media playlist.
type Playlist struct {
	URI string

	id     string
	svc    *Services
	logger *slog.Logger

	// structMu guards the segment list and the fields derived from it.
	structMu        sync.RWMutex
	segments        []*segment.MediaSegment
	isMaster        bool
	typ             Type
	ended           bool
	version         int
	independent     bool
	baseSeq         uint64
	discSeq         uint64
	targetDuration  uint64
	declaredTarget  bool
	windowStart     uint64
	windowEnd       uint64
	labThreshold    uint64
	streams         map[uint32]*StreamInfo
	bandwidths      []uint32
	minBW, maxBW    uint32
	groups          map[string][]*Rendition
	conditional     transport.Conditional

	// mergeMu serializes merges; a concurrent attempt is skipped.
	mergeMu sync.Mutex

	cursorMu sync.Mutex
	cursors  map[media.ContentType]*Cursor
	timeline timeline

	stateMu   sync.Mutex
	refreshed chan struct{}
	buffering map[media.ContentType]bool
	rate      float64
	failure   error
}

// Load downloads and parses the playlist at uri.
func Load(ctx context.Context, uri string, svc *Services) (*Playlist, error) {
	resp, err := svc.Fetcher.Fetch(ctx, transport.Request{URI: uri})
	if err != nil {
		if !transport.IsCanceled(err) {
			svc.Metrics.DownloadFailed("playlist")
		}
		return nil, fmt.Errorf("failed to fetch playlist %s: %w", uri, err)
	}
	svc.Metrics.Download("playlist", len(resp.Body))

	m, err := parser.Parse(bytes.NewReader(resp.Body), resp.FinalURI)
	if err != nil {
		return nil, fmt.Errorf("failed to parse playlist %s: %w", resp.FinalURI, err)
	}
	p, err := New(m, resp.FinalURI, svc)
	if err != nil {
		return nil, err
	}
	p.conditional = transport.Conditional{ETag: resp.ETag, LastModified: resp.LastModified}
	return p, nil
}

// New builds a playlist from a parsed manifest.
func New(m *parser.Manifest, uri string, svc *Services) (*Playlist, error) {
	p := &Playlist{
		URI:         uri,
		id:          uuid.NewString(),
		svc:         svc,
		isMaster:    m.IsMaster,
		ended:       m.EndList,
		version:     m.Version,
		independent: m.IndependentSegments,
		baseSeq:     m.MediaSequence,
		discSeq:     m.DiscontinuitySequence,
		cursors:     make(map[media.ContentType]*Cursor),
		refreshed:   make(chan struct{}),
		buffering:   make(map[media.ContentType]bool),
		rate:        1,
	}
	p.logger = svc.Logger.With("component", "playlist", "uri", uri)

	switch {
	case m.PlaylistType == "VOD" || (m.PlaylistType == "" && m.EndList):
		p.typ = TypeVOD
	case m.PlaylistType == "EVENT":
		p.typ = TypeEvent
	default:
		p.typ = TypeSlidingWindow
	}

	if m.IsMaster {
		if len(m.Variants) == 0 {
			return nil, fmt.Errorf("%w: master playlist without variants", parser.ErrMalformed)
		}
		p.buildMaster(m)
		return p, nil
	}

	p.buildMedia(m)
	return p, nil
}

func (p *Playlist) buildMaster(m *parser.Manifest) {
	p.groups = make(map[string][]*Rendition)
	for _, r := range m.Renditions {
		p.groups[r.GroupID] = append(p.groups[r.GroupID], newRendition(r))
	}

	p.streams = make(map[uint32]*StreamInfo, len(m.Variants))
	for _, v := range m.Variants {
		si := newStreamInfo(v)
		si.renditions[media.ContentAudio] = p.groups[v.Audio]
		si.renditions[media.ContentVideo] = p.groups[v.Video]
		si.renditions[media.ContentSubtitle] = p.groups[v.Subtitles]
		p.streams[v.Bandwidth] = si
	}
	p.bandwidths = variant.SortedBandwidths(m.Variants)
	p.minBW, p.maxBW = variant.Bounds(m.Variants)
}

func (p *Playlist) buildMedia(m *parser.Manifest) {
	cfg := p.svc.Config

	p.segments = make([]*segment.MediaSegment, 0, len(m.Segments))
	var cumulative uint64
	discSeq := m.DiscontinuitySequence
	for i, e := range m.Segments {
		seg := segment.New(m.MediaSequence+uint64(i), media.FromSeconds(e.Duration), e.URI)
		seg.Title = e.Title
		seg.ByteRange = e.ByteRange
		seg.Key = e.Key
		seg.ProgramDateTime = e.ProgramDateTime
		seg.Tags = e.Tags
		if e.Discontinuity {
			seg.SetDiscontinuity(true)
			if i > 0 {
				discSeq++
			}
		}
		seg.DiscontinuitySequence = discSeq
		cumulative += seg.Duration
		seg.CumulativeDuration = cumulative
		p.segments = append(p.segments, seg)
	}
	p.windowEnd = cumulative

	p.targetDuration = media.FromSeconds(m.TargetDuration)
	p.declaredTarget = p.targetDuration > 0
	if !p.declaredTarget && len(p.segments) > 0 {
		// Total over count for VOD; the listed window is the live window.
		p.targetDuration = cumulative / uint64(len(p.segments))
	}

	p.labThreshold = max(media.FromDuration(cfg.LABThreshold), 4*p.targetDuration, media.FromDuration(cfg.PrefetchDuration))
}

func (p *Playlist) owner() string {
	return p.id
}

// IsMaster reports whether this is a master playlist.
func (p *Playlist) IsMaster() bool {
	return p.isMaster
}

// IsLive reports whether the playlist may still grow.
func (p *Playlist) IsLive() bool {
	p.structMu.RLock()
	defer p.structMu.RUnlock()
	return !p.isMaster && !p.ended
}

// Ended reports whether #EXT-X-ENDLIST has been seen.
func (p *Playlist) Ended() bool {
	p.structMu.RLock()
	defer p.structMu.RUnlock()
	return p.ended
}

// Type returns the playlist type.
func (p *Playlist) Type() Type {
	p.structMu.RLock()
	defer p.structMu.RUnlock()
	return p.typ
}

// BaseSequence returns the sequence number of the first listed segment.
func (p *Playlist) BaseSequence() uint64 {
	p.structMu.RLock()
	defer p.structMu.RUnlock()
	return p.baseSeq
}

// LastSequence returns the sequence number of the last listed segment.
func (p *Playlist) LastSequence() (uint64, bool) {
	p.structMu.RLock()
	defer p.structMu.RUnlock()
	if len(p.segments) == 0 {
		return 0, false
	}
	return p.segments[len(p.segments)-1].Sequence, true
}

// TargetDuration returns the declared or derived target duration in ticks.
func (p *Playlist) TargetDuration() uint64 {
	p.structMu.RLock()
	defer p.structMu.RUnlock()
	return p.targetDuration
}

// LABThreshold returns the minimum look-ahead buffer in ticks.
func (p *Playlist) LABThreshold() uint64 {
	p.structMu.RLock()
	defer p.structMu.RUnlock()
	return p.labThreshold
}

// Window returns the sliding-window start watermark and end, in ticks.
func (p *Playlist) Window() (start, end uint64) {
	p.structMu.RLock()
	defer p.structMu.RUnlock()
	return p.windowStart, p.windowEnd
}

// Duration returns the summed duration of the listed segments.
func (p *Playlist) Duration() uint64 {
	p.structMu.RLock()
	defer p.structMu.RUnlock()
	if len(p.segments) == 0 {
		return 0
	}
	return p.segments[len(p.segments)-1].CumulativeDuration
}

// Segments returns a snapshot of the segment list.
func (p *Playlist) Segments() []*segment.MediaSegment {
	p.structMu.RLock()
	defer p.structMu.RUnlock()
	return append([]*segment.MediaSegment(nil), p.segments...)
}

// Segment returns the segment with the given sequence number.
func (p *Playlist) Segment(seq uint64) (*segment.MediaSegment, error) {
	p.structMu.RLock()
	defer p.structMu.RUnlock()
	return p.segmentLocked(seq)
}

func (p *Playlist) segmentLocked(seq uint64) (*segment.MediaSegment, error) {
	if len(p.segments) == 0 || seq < p.segments[0].Sequence {
		return nil, fmt.Errorf("%w: sequence %d", ErrOutOfRange, seq)
	}
	i := seq - p.segments[0].Sequence
	if i >= uint64(len(p.segments)) {
		return nil, fmt.Errorf("%w: sequence %d", ErrOutOfRange, seq)
	}
	return p.segments[i], nil
}

// segmentsFrom returns up to n segments starting at seq; n <= 0 means all.
func (p *Playlist) segmentsFrom(seq uint64, n int) []*segment.MediaSegment {
	p.structMu.RLock()
	defer p.structMu.RUnlock()

	if len(p.segments) == 0 {
		return nil
	}
	first := p.segments[0].Sequence
	if seq < first {
		seq = first
	}
	i := seq - first
	if i >= uint64(len(p.segments)) {
		return nil
	}
	out := p.segments[i:]
	if n > 0 && n < len(out) {
		out = out[:n]
	}
	return append([]*segment.MediaSegment(nil), out...)
}

// Streams returns the variants of a master playlist by ascending bandwidth.
func (p *Playlist) Streams() []*StreamInfo {
	p.structMu.RLock()
	defer p.structMu.RUnlock()

	out := make([]*StreamInfo, 0, len(p.bandwidths))
	for _, bw := range p.bandwidths {
		out = append(out, p.streams[bw])
	}
	return out
}

// Stream returns the variant with the given bandwidth.
func (p *Playlist) Stream(bw uint32) (*StreamInfo, bool) {
	p.structMu.RLock()
	defer p.structMu.RUnlock()
	si, ok := p.streams[bw]
	return si, ok
}

// BandwidthBounds returns the lowest and highest variant bandwidth.
func (p *Playlist) BandwidthBounds() (lowest, highest uint32) {
	p.structMu.RLock()
	defer p.structMu.RUnlock()
	return p.minBW, p.maxBW
}

// RenditionGroup returns the renditions declared with groupID.
func (p *Playlist) RenditionGroup(groupID string) []*Rendition {
	p.structMu.RLock()
	defer p.structMu.RUnlock()
	return append([]*Rendition(nil), p.groups[groupID]...)
}

// LiveStartSequence returns the sequence playback of a live playlist
// starts at: offset behind the live edge, or LiveStartSegments segments
// when no offset is configured or the target duration is unknown.
func (p *Playlist) LiveStartSequence() uint64 {
	cfg := p.svc.Config

	p.structMu.RLock()
	defer p.structMu.RUnlock()

	if len(p.segments) == 0 {
		return p.baseSeq
	}
	n := uint64(cfg.LiveStartSegments)
	if offset := media.FromDuration(cfg.LiveStartOffset); offset > 0 && p.targetDuration > 0 {
		n = (offset + p.targetDuration - 1) / p.targetDuration
	}
	if n == 0 {
		n = 1
	}
	if n >= uint64(len(p.segments)) {
		return p.segments[0].Sequence
	}
	return p.segments[uint64(len(p.segments))-n].Sequence
}

// RefreshSignal returns a channel closed by the next merge that changes the
// segment list.
func (p *Playlist) RefreshSignal() <-chan struct{} {
	p.stateMu.Lock()
	defer p.stateMu.Unlock()
	return p.refreshed
}

// WaitRefresh blocks until the next merge that changes the segment list.
func (p *Playlist) WaitRefresh(ctx context.Context) error {
	select {
	case <-p.RefreshSignal():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Playlist) broadcastRefresh() {
	p.stateMu.Lock()
	close(p.refreshed)
	p.refreshed = make(chan struct{})
	p.stateMu.Unlock()
}

// TakeFailure returns and clears the last download chain failure.
func (p *Playlist) TakeFailure() error {
	p.stateMu.Lock()
	defer p.stateMu.Unlock()
	err := p.failure
	p.failure = nil
	return err
}

func (p *Playlist) recordFailure(err error) {
	p.stateMu.Lock()
	p.failure = err
	p.stateMu.Unlock()
}

// Cancel stops every download chain of the playlist.
func (p *Playlist) Cancel(wait bool) {
	p.svc.Tasks.CancelGroup(p.owner(), wait)
}

// Stats returns a summary for status reporting.
func (p *Playlist) Stats() map[string]interface{} {
	p.structMu.RLock()
	stats := map[string]interface{}{
		"uri":    p.URI,
		"master": p.isMaster,
	}
	if p.isMaster {
		stats["variants"] = len(p.streams)
		stats["bandwidthRange"] = []uint32{p.minBW, p.maxBW}
		p.structMu.RUnlock()
		return stats
	}
	stats["type"] = p.typ.String()
	stats["live"] = !p.ended
	stats["baseSequence"] = p.baseSeq
	stats["segments"] = len(p.segments)
	stats["targetDuration"] = media.ToDuration(p.targetDuration).Seconds()
	stats["windowStart"] = media.ToDuration(p.windowStart).Seconds()
	stats["windowEnd"] = media.ToDuration(p.windowEnd).Seconds()
	segs := append([]*segment.MediaSegment(nil), p.segments...)
	p.structMu.RUnlock()

	// Segment state is read after structMu is released.
	cached := 0
	for _, s := range segs {
		if s.State() == segment.StateInMemoryCache {
			cached++
		}
	}
	stats["cachedSegments"] = cached
	return stats
}

func sortedKeys(m map[uint32]*StreamInfo) []uint32 {
	out := make([]uint32, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
