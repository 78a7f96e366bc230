// Package engine plays an HLS presentation: it opens the master or media
// playlist, hands out samples per content type, keeps the look-ahead
// buffer filled, switches bitrates and renditions at segment boundaries,
// falls back to other variants on failure and follows live playlists.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/agleyzer/hlsabr/internal/abr"
	"github.com/agleyzer/hlsabr/internal/config"
	"github.com/agleyzer/hlsabr/internal/decrypt"
	"github.com/agleyzer/hlsabr/internal/demux"
	"github.com/agleyzer/hlsabr/internal/key"
	"github.com/agleyzer/hlsabr/internal/media"
	"github.com/agleyzer/hlsabr/internal/metrics"
	"github.com/agleyzer/hlsabr/internal/playlist"
	"github.com/agleyzer/hlsabr/internal/task"
	"github.com/agleyzer/hlsabr/internal/transport"
)

var (
	// ErrClosed is returned by every operation on a stopped source.
	ErrClosed = errors.New("source closed")

	// ErrAllVariantsFailed is returned when every fallback option of a
	// failing variant is exhausted.
	ErrAllVariantsFailed = errors.New("all variants failed")

	// ErrEndOfStream is returned once a content type has been played to
	// the end of an ended playlist.
	ErrEndOfStream = io.EOF

	// ErrNoTrack is returned for content types the presentation does not
	// carry.
	ErrNoTrack = errors.New("no such track")
)

// Options carries the collaborators of a source. Zero fields get the
// default implementation.
type Options struct {
	Fetcher   playlist.Fetcher
	Decryptor decrypt.Decryptor
	Demuxer   demux.Demultiplexer
	Sink      media.Sink
	Metrics   *metrics.Metrics
	Logger    *slog.Logger
}

// bandwidthMeter feeds completed downloads into the estimator.
type bandwidthMeter struct {
	est *abr.Estimator
	m   *metrics.Metrics
}

func (b bandwidthMeter) Observe(bytes int, elapsed time.Duration) {
	b.est.Observe(bytes, elapsed)
	b.m.SetEstimate(b.est.Estimate())
}

// Source is one opened presentation.
type Source struct {
	URI string

	cfg       *config.Config
	svc       *playlist.Services
	logger    *slog.Logger
	sink      media.Sink
	estimator *abr.Estimator
	selector  *abr.Selector
	now       func() time.Time

	// master is nil when the presentation is a bare media playlist.
	master *playlist.Playlist

	ctx    context.Context
	cancel context.CancelFunc
	live   sync.WaitGroup

	mu     sync.Mutex
	tracks map[media.ContentType]*track
	rate   float64
	paused bool
	closed bool
	err    error
	failed chan struct{}
}

// Open loads the presentation at uri, picks the initial variant and
// renditions and buffers the start position.
func Open(ctx context.Context, uri string, cfg *config.Config, opts Options) (*Source, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "engine")

	fetcher := opts.Fetcher
	if fetcher == nil {
		fetcher = transport.NewClient(cfg, logger)
	}
	dec := opts.Decryptor
	if dec == nil {
		dec = decrypt.AES128{}
	}
	dmx := opts.Demuxer
	if dmx == nil {
		dmx = demux.NewTSDemuxer(logger)
	}
	sink := opts.Sink
	if sink == nil {
		sink = media.DiscardSink{}
	}

	est := abr.NewEstimator(cfg.BandwidthSmoothing, cfg.InitialBandwidth)
	s := &Source{
		URI:       uri,
		cfg:       cfg,
		logger:    logger,
		sink:      sink,
		estimator: est,
		selector:  abr.NewSelector(cfg),
		now:       time.Now,
		tracks:    make(map[media.ContentType]*track),
		rate:      1,
		failed:    make(chan struct{}),
	}
	s.svc = &playlist.Services{
		Config:    cfg,
		Fetcher:   fetcher,
		Decryptor: dec,
		Demuxer:   dmx,
		Keys:      key.NewCache(),
		Tasks:     task.NewRegistry(logger),
		Metrics:   opts.Metrics,
		Bandwidth: bandwidthMeter{est: est, m: opts.Metrics},
		Logger:    logger,
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())

	if err := s.open(ctx); err != nil {
		s.cancel()
		s.svc.Tasks.Close()
		return nil, err
	}

	s.live.Add(1)
	go func() {
		defer s.live.Done()
		s.runLive(s.ctx)
	}()
	return s, nil
}

func (s *Source) open(ctx context.Context) error {
	root, err := playlist.Load(ctx, s.URI, s.svc)
	if err != nil {
		return err
	}

	var (
		pl     *playlist.Playlist
		stream *playlist.StreamInfo
	)
	if root.IsMaster() {
		s.master = root
		stream, pl, err = s.loadInitialVariant(ctx)
		if err != nil {
			return err
		}
	} else {
		pl = root
	}

	start := s.startSequence(pl)
	if err := s.prefetch(ctx, pl, start); err != nil {
		return err
	}
	seg, err := pl.Segment(start)
	if err != nil {
		return err
	}

	for _, ct := range []media.ContentType{media.ContentVideo, media.ContentAudio, media.ContentSubtitle} {
		if _, ok := seg.PIDFor(ct); !ok {
			continue
		}
		if err := pl.SetCursor(ct, start); err != nil {
			return err
		}
		s.tracks[ct] = newTrack(ct, stream, nil, pl)
	}

	if stream != nil {
		lang := s.cfg.PreferredAudioLanguage
		if r := stream.DefaultRendition(media.ContentAudio, lang); r != nil {
			if err := s.openRendition(ctx, stream, r); err != nil {
				s.logger.Warn("audio rendition unavailable, using muxed audio", "rendition", r, "error", err)
			}
		}
	}
	if len(s.tracks) == 0 {
		return fmt.Errorf("%w: %s carries no audio or video", ErrNoTrack, pl.URI)
	}

	leader := s.leaderLocked()
	leader.leader = true
	for ct, t := range s.tracks {
		s.svc.Metrics.SetActiveBandwidth(ct.String(), t.bandwidth())
	}
	s.logger.Info("presentation opened",
		"uri", s.URI,
		"master", s.master != nil,
		"bandwidth", leader.bandwidth(),
		"live", pl.IsLive(),
		"start", start,
		"tracks", len(s.tracks))
	return nil
}

// loadInitialVariant loads the starting variant, falling back through
// backups and other bitrates when it cannot be loaded.
func (s *Source) loadInitialVariant(ctx context.Context) (*playlist.StreamInfo, *playlist.Playlist, error) {
	bw, ok := s.selector.Initial(s.candidates(), s.cfg.InitialBandwidth)
	if !ok {
		return nil, nil, ErrAllVariantsFailed
	}
	for {
		si, _ := s.master.Stream(bw)
		pl, err := si.Load(ctx, s.svc)
		if err == nil {
			return si, pl, nil
		}
		if transport.IsCanceled(err) {
			return nil, nil, err
		}
		s.logger.Warn("variant playlist unavailable", "variant", si, "error", err)
		if si.NextBackup() {
			continue
		}
		s.quarantine(si, true)
		next, ok := s.selector.Fallback(s.candidates(), bw)
		if !ok {
			return nil, nil, fmt.Errorf("%w: %w", ErrAllVariantsFailed, err)
		}
		bw = next
	}
}

// openRendition switches audio to an alternate rendition playlist.
func (s *Source) openRendition(ctx context.Context, stream *playlist.StreamInfo, r *playlist.Rendition) error {
	pl, err := r.Load(ctx, s.svc)
	if err != nil {
		return err
	}
	start := s.startSequence(pl)
	if err := s.prefetch(ctx, pl, start); err != nil {
		return err
	}
	if err := pl.SetCursor(media.ContentAudio, start); err != nil {
		return err
	}

	if muxed, ok := s.tracks[media.ContentAudio]; ok {
		muxed.pl.RemoveCursor(media.ContentAudio)
	}
	stream.SetActiveRendition(media.ContentAudio, r)
	s.tracks[media.ContentAudio] = newTrack(media.ContentAudio, stream, r, pl)
	return nil
}

// startSequence is the first segment of a VOD playlist, or the live start
// offset from the live edge.
func (s *Source) startSequence(pl *playlist.Playlist) uint64 {
	if pl.IsLive() {
		return pl.LiveStartSequence()
	}
	return pl.BaseSequence()
}

// prefetch loads the segment at seq, fetching the configured pre-fetch
// window concurrently when one is set.
func (s *Source) prefetch(ctx context.Context, pl *playlist.Playlist, seq uint64) error {
	if n, needed := pl.NeedsPreFetch(seq); needed {
		return pl.BulkFetch(ctx, seq, n)
	}
	seg, err := pl.Segment(seq)
	if err != nil {
		return err
	}
	return pl.Download(ctx, seg)
}

// candidates describes the variants of the master playlist to the
// selector.
func (s *Source) candidates() []abr.Candidate {
	if s.master == nil {
		return nil
	}
	now := s.now()
	var out []abr.Candidate
	for _, si := range s.master.Streams() {
		out = append(out, abr.Candidate{Bandwidth: si.Bandwidth(), Quarantined: si.Quarantined(now)})
	}
	return out
}

// quarantine counts a failure against si. With force the variant is
// quarantined at once.
func (s *Source) quarantine(si *playlist.StreamInfo, force bool) {
	threshold := s.cfg.QuarantineFailures
	if force {
		threshold = 1
	}
	if si.RecordFailure(s.now(), threshold, s.cfg.QuarantineWindow) {
		s.svc.Metrics.Quarantine()
		s.logger.Warn("variant quarantined", "variant", si, "window", s.cfg.QuarantineWindow)
	}
}

func (s *Source) leaderLocked() *track {
	if t, ok := s.tracks[media.ContentVideo]; ok {
		return t
	}
	if t, ok := s.tracks[media.ContentAudio]; ok {
		return t
	}
	for _, ct := range media.ContentTypes {
		if t, ok := s.tracks[ct]; ok {
			return t
		}
	}
	return nil
}

// alive returns the error that makes the source unusable, if any.
func (s *Source) alive() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.aliveLocked()
}

func (s *Source) aliveLocked() error {
	if s.closed {
		return ErrClosed
	}
	return s.err
}

func (s *Source) track(ct media.ContentType) (*track, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.aliveLocked(); err != nil {
		return nil, err
	}
	t, ok := s.tracks[ct]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoTrack, ct)
	}
	return t, nil
}

// ContentTypes returns the content types the presentation plays.
func (s *Source) ContentTypes() []media.ContentType {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []media.ContentType
	for ct := range s.tracks {
		out = append(out, ct)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Master returns the master playlist, or nil for a bare media playlist.
func (s *Source) Master() *playlist.Playlist {
	return s.master
}

// Playlist returns the media playlist currently feeding ct.
func (s *Source) Playlist(ct media.ContentType) (*playlist.Playlist, error) {
	t, err := s.track(ct)
	if err != nil {
		return nil, err
	}
	return t.playlist(), nil
}

// Estimate returns the current bandwidth estimate in bits per second.
func (s *Source) Estimate() uint32 {
	return s.estimator.Estimate()
}

// SetRate sets the playback rate. A negative rate plays backwards.
func (s *Source) SetRate(rate float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if (rate < 0) != (s.rate < 0) {
		for _, t := range s.tracks {
			t.playlist().SetDirection(direction(rate))
		}
	}
	s.rate = rate
	return nil
}

// Pause suspends or resumes buffering.
func (s *Source) Pause(paused bool) {
	s.mu.Lock()
	s.paused = paused
	s.mu.Unlock()
}

// Playback returns the playback rate and whether playback is paused.
func (s *Source) Playback() (rate float64, paused bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rate, s.paused
}

func (s *Source) fail(err error) {
	s.mu.Lock()
	if s.err == nil {
		s.err = err
		close(s.failed)
	}
	s.mu.Unlock()
}

// Err returns the error that ended playback, if any.
func (s *Source) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Stop cancels every download and the live refresh loop. Stop waits for
// in-flight work to finish.
func (s *Source) Stop() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	s.live.Wait()
	s.svc.Tasks.Close()
	s.logger.Info("presentation stopped", "uri", s.URI)
}
