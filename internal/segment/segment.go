// Package segment implements the media segment lifecycle: download state
// transitions, the per-stream read/unread sample queues and timestamp
// normalization across discontinuities.
package segment

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/agleyzer/hlsabr/internal/demux"
	"github.com/agleyzer/hlsabr/internal/key"
	"github.com/agleyzer/hlsabr/internal/media"
)

var (
	// ErrInvalidTransition is returned for state changes the lifecycle does
	// not allow.
	ErrInvalidTransition = errors.New("invalid segment state transition")

	// ErrNoMatch is returned when no sample satisfies a repositioning request.
	ErrNoMatch = errors.New("no matching sample")

	// ErrNoStream is returned for PIDs the segment does not carry.
	ErrNoStream = errors.New("no such stream")
)

// CaptionPID is the queue that holds caption samples extracted from video.
// 0x1FFF is the transport-stream null PID and never carries a real stream.
const CaptionPID uint16 = 0x1FFF

// State is the lifecycle state of a segment.
type State uint8

const (
	StateUnavailable State = iota
	StateLengthOnly
	StateDownloading
	StateInMemoryCache
)

func (s State) String() string {
	switch s {
	case StateUnavailable:
		return "UNAVAILABLE"
	case StateLengthOnly:
		return "LENGTHONLY"
	case StateDownloading:
		return "DOWNLOADING"
	case StateInMemoryCache:
		return "INMEMORYCACHE"
	default:
		return "UNKNOWN"
	}
}

type queue struct {
	samples []*media.Sample
	pos     int
}

func (q *queue) exhausted(dir Direction) bool {
	if dir == Forward {
		return q.pos >= len(q.samples)
	}
	return q.pos <= 0
}

func (q *queue) unread(dir Direction) int {
	if dir == Forward {
		return len(q.samples) - q.pos
	}
	return q.pos
}

func (q *queue) reset(dir Direction) {
	if dir == Forward {
		q.pos = 0
	} else {
		q.pos = len(q.samples)
	}
}

// MediaSegment is one playlist entry.
type MediaSegment struct {
	// Sequence is the media sequence number. It is unique within the
	// owning playlist.
	Sequence uint64

	// Duration and CumulativeDuration are in ticks. CumulativeDuration
	// includes this segment's own duration.
	Duration           uint64
	CumulativeDuration uint64

	URI       string
	Title     string
	ByteRange *media.ByteRange

	// Key is shared with every segment declared under the same key tag.
	Key *key.EncryptionKey

	ProgramDateTime       time.Time
	DiscontinuitySequence uint64

	// Tags holds unrecognized manifest directives, verbatim.
	Tags []string

	mu            sync.Mutex
	state         State
	done          chan struct{}
	discontinuity bool
	direction     Direction

	queues       map[uint16]*queue
	pids         map[uint16]media.ContentType
	metadataPIDs []uint16
	size         int

	start, end media.Timestamp
	offset     int64
	normalized bool

	cloak     *MediaSegment
	cloakRefs int
	chains    int
}

// New creates a segment that has not been downloaded yet.
func New(sequence, duration uint64, uri string) *MediaSegment {
	return &MediaSegment{
		Sequence: sequence,
		Duration: duration,
		URI:      uri,
		state:    StateUnavailable,
	}
}

func (s *MediaSegment) String() string {
	return fmt.Sprintf("segment(%d %s)", s.Sequence, s.URI)
}

// State returns the lifecycle state.
func (s *MediaSegment) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Discontinuity reports whether the segment follows an encoding break.
func (s *MediaSegment) Discontinuity() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.discontinuity
}

// SetDiscontinuity marks or clears the discontinuity flag.
func (s *MediaSegment) SetDiscontinuity(d bool) {
	s.mu.Lock()
	s.discontinuity = d
	s.mu.Unlock()
}

// Size returns the number of payload bytes downloaded for the segment.
func (s *MediaSegment) Size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.size
}

// BeginDownload moves the segment into DOWNLOADING.
func (s *MediaSegment) BeginDownload() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case StateUnavailable, StateLengthOnly:
		s.state = StateDownloading
		s.done = make(chan struct{})
		return nil
	default:
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s.state, StateDownloading)
	}
}

// CompleteDownload installs the demultiplexed samples and moves the segment
// into INMEMORYCACHE.
func (s *MediaSegment) CompleteDownload(res *demux.Result, size int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateDownloading {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s.state, StateInMemoryCache)
	}

	s.queues = make(map[uint16]*queue, len(res.Samples)+1)
	s.pids = make(map[uint16]media.ContentType, len(res.PIDs)+1)
	for pid, ct := range res.PIDs {
		s.pids[pid] = ct
	}
	for pid, samples := range res.Samples {
		q := &queue{samples: samples}
		q.reset(s.direction)
		s.queues[pid] = q
	}
	if len(res.Captions) > 0 {
		captions := make([]*media.Sample, len(res.Captions))
		for i, c := range res.Captions {
			cs := c.Clone()
			cs.PID = CaptionPID
			captions[i] = cs
		}
		q := &queue{samples: captions}
		q.reset(s.direction)
		s.queues[CaptionPID] = q
		s.pids[CaptionPID] = media.ContentSubtitle
	}
	s.metadataPIDs = append([]uint16(nil), res.MetadataPIDs...)
	s.size = size

	s.start, s.end = media.Timestamp{}, media.Timestamp{}
	if pid, ok := s.leadingPID(); ok {
		s.start = res.Timeline.Start[pid]
		s.end = res.Timeline.End[pid]
	}
	s.normalized = false
	s.offset = 0

	s.state = StateInMemoryCache
	close(s.done)
	return nil
}

// FailDownload moves a DOWNLOADING segment back to UNAVAILABLE.
func (s *MediaSegment) FailDownload() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateDownloading {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s.state, StateUnavailable)
	}
	s.state = StateUnavailable
	close(s.done)
	return nil
}

// Invalidate drops cached samples after a decode or decrypt failure was
// detected on an INMEMORYCACHE segment.
func (s *MediaSegment) Invalidate() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateInMemoryCache {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s.state, StateUnavailable)
	}
	s.clearLocked()
	s.state = StateUnavailable
	return nil
}

// Scavenge releases the samples of an exhausted segment, keeping its
// length and boundary timestamps. It reports whether the segment moved to
// LENGTHONLY. Only the queues of pids must be exhausted; a nil pids
// requires every queue to be. Segments serving as a cloak, or
// discontinuous segments whose timestamps have not been normalized yet,
// are kept.
func (s *MediaSegment) Scavenge(pids []uint16) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateInMemoryCache || s.cloakRefs > 0 || s.cloak != nil {
		return false
	}
	if s.discontinuity && !s.normalized {
		return false
	}
	if pids == nil {
		for _, q := range s.queues {
			if !q.exhausted(s.direction) {
				return false
			}
		}
	}
	for _, pid := range pids {
		if q, ok := s.queues[pid]; ok && !q.exhausted(s.direction) {
			return false
		}
	}
	s.clearLocked()
	s.state = StateLengthOnly
	return true
}

func (s *MediaSegment) clearLocked() {
	s.queues = nil
	s.metadataPIDs = nil
	s.size = 0
}

// Wait blocks until an in-flight download finishes and returns the
// resulting state.
func (s *MediaSegment) Wait(ctx context.Context) State {
	s.mu.Lock()
	ch := s.done
	state := s.state
	s.mu.Unlock()

	if state != StateDownloading || ch == nil {
		return state
	}
	select {
	case <-ch:
	case <-ctx.Done():
	}
	return s.State()
}

// PIDs returns the streams carried by the segment and their content types.
func (s *MediaSegment) PIDs() map[uint16]media.ContentType {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[uint16]media.ContentType, len(s.pids))
	for pid, ct := range s.pids {
		out[pid] = ct
	}
	return out
}

// MetadataPIDs returns the timed-metadata streams.
func (s *MediaSegment) MetadataPIDs() []uint16 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]uint16(nil), s.metadataPIDs...)
}

// PIDFor returns the lowest PID of the given content type.
func (s *MediaSegment) PIDFor(ct media.ContentType) (uint16, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pidForLocked(ct)
}

func (s *MediaSegment) pidForLocked(ct media.ContentType) (uint16, bool) {
	found := false
	var best uint16
	for pid, c := range s.pids {
		if c == ct && (!found || pid < best) {
			best, found = pid, true
		}
	}
	return best, found
}

// leadingPID is the stream other streams follow: video when present.
func (s *MediaSegment) leadingPID() (uint16, bool) {
	if pid, ok := s.pidForLocked(media.ContentVideo); ok {
		return pid, true
	}
	return s.pidForLocked(media.ContentAudio)
}

// Boundaries returns the normalized first and last timestamps of the
// leading stream.
func (s *MediaSegment) Boundaries() (start, end media.Timestamp) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.start, s.end
}

// StampBoundaries fills in boundary timestamps for segments whose payload
// did not reveal them, starting at start. It returns the end boundary.
func (s *MediaSegment) StampBoundaries(start media.Timestamp) media.Timestamp {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.start.Valid() {
		s.start = media.NewTimestamp(start.Ticks, media.TimestampPTS)
	}
	if !s.end.Valid() {
		s.end = media.NewTimestamp(s.start.Ticks+s.Duration, media.TimestampPTS)
	}
	return s.end
}

// Direction returns the order in which samples are handed out.
func (s *MediaSegment) Direction() Direction {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.direction
}

// SetDirection changes the hand-out order. The read/unread boundary of
// every queue is kept, so samples already delivered forward become the
// unread side of a reverse walk.
func (s *MediaSegment) SetDirection(d Direction) {
	s.mu.Lock()
	s.direction = d
	s.mu.Unlock()
}

// Reset marks every sample unread for the current direction.
func (s *MediaSegment) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, q := range s.queues {
		q.reset(s.direction)
	}
}

// Next hands out the next unread sample of pid.
func (s *MediaSegment) Next(pid uint16) (*media.Sample, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	q, ok := s.queues[pid]
	if !ok || q.exhausted(s.direction) {
		return nil, false
	}
	if s.direction == Forward {
		sample := q.samples[q.pos]
		q.pos++
		return sample, true
	}
	q.pos--
	return q.samples[q.pos], true
}

// Peek returns the next unread sample of pid without consuming it.
func (s *MediaSegment) Peek(pid uint16) (*media.Sample, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	q, ok := s.queues[pid]
	if !ok || q.exhausted(s.direction) {
		return nil, false
	}
	if s.direction == Forward {
		return q.samples[q.pos], true
	}
	return q.samples[q.pos-1], true
}

// Exhausted reports whether pid has no unread samples. Streams the segment
// does not carry are exhausted.
func (s *MediaSegment) Exhausted(pid uint16) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	q, ok := s.queues[pid]
	return !ok || q.exhausted(s.direction)
}

// Counts returns the number of read and unread samples of pid.
func (s *MediaSegment) Counts(pid uint16) (read, unread int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	q, ok := s.queues[pid]
	if !ok {
		return 0, 0
	}
	unread = q.unread(s.direction)
	return len(q.samples) - unread, unread
}

// Remaining returns the playable duration, in ticks, left in the stream of
// the given content type. A segment that is not in memory, or that does not
// carry the content type, counts with its full duration.
func (s *MediaSegment) Remaining(ct media.ContentType) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateInMemoryCache {
		return s.Duration
	}
	pid, ok := s.pidForLocked(ct)
	if !ok {
		if pid, ok = s.leadingPID(); !ok {
			return s.Duration
		}
	}
	q, ok := s.queues[pid]
	if !ok || len(q.samples) == 0 {
		return 0
	}
	return s.Duration * uint64(q.unread(s.direction)) / uint64(len(q.samples))
}

// AdvanceUnreadQueue moves samples of pid from unread to read until the
// sample matching target under policy is the next one handed out.
func (s *MediaSegment) AdvanceUnreadQueue(pid uint16, target media.Timestamp, policy Policy) error {
	return s.reposition(pid, criteria{target: target.Ticks, policy: policy}, true)
}

// RewindUnreadQueue moves samples of pid from read back to unread until the
// sample matching target under policy is the next one handed out.
func (s *MediaSegment) RewindUnreadQueue(pid uint16, target media.Timestamp, policy Policy) error {
	return s.reposition(pid, criteria{target: target.Ticks, policy: policy}, false)
}

func (s *MediaSegment) reposition(pid uint16, c criteria, advance bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	q, ok := s.queues[pid]
	if !ok {
		return fmt.Errorf("%w: pid %d in %s", ErrNoStream, pid, s)
	}
	n := len(q.samples)

	var idx int
	switch {
	case advance && s.direction == Forward:
		idx = findMatch(q.samples, q.pos, n, c, Forward)
	case advance && s.direction == Reverse:
		idx = findMatch(q.samples, 0, q.pos, c, Reverse)
	case !advance && s.direction == Forward:
		idx = findMatch(q.samples, 0, min(q.pos+1, n), c, Reverse)
	default:
		idx = findMatch(q.samples, max(q.pos-1, 0), n, c, Forward)
	}
	if idx < 0 {
		return fmt.Errorf("%w: %s %s in %s", ErrNoMatch, c.policy, media.ToDuration(c.target), s)
	}

	if s.direction == Forward {
		q.pos = idx
	} else {
		q.pos = idx + 1
	}
	return nil
}

// FindKeyframe searches every sample of pid, read or unread, for a keyframe
// matching target under policy.
func (s *MediaSegment) FindKeyframe(pid uint16, target media.Timestamp, policy Policy) (media.Timestamp, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	q, ok := s.queues[pid]
	if !ok {
		return media.Timestamp{}, false
	}
	idx := findMatch(q.samples, 0, len(q.samples), criteria{target: target.Ticks, policy: policy, keyframeOnly: true}, Forward)
	if idx < 0 {
		return media.Timestamp{}, false
	}
	return q.samples[idx].PlayableTimestamp(), true
}

// SamplesBetween returns copies of the samples of pid whose playable
// timestamp lies in [from, to).
func (s *MediaSegment) SamplesBetween(pid uint16, from, to media.Timestamp) []*media.Sample {
	s.mu.Lock()
	defer s.mu.Unlock()

	q, ok := s.queues[pid]
	if !ok {
		return nil
	}
	var out []*media.Sample
	for _, sample := range q.samples {
		ts := sample.PlayableTimestamp()
		if !ts.Before(from) && ts.Before(to) {
			out = append(out, sample.Clone())
		}
	}
	return out
}

// Splice inserts borrowed samples into the unread side of pid, ahead of the
// samples this segment would hand out next, and records donor as the cloak
// that stands in for the missing interval. Samples are shifted by delta.
func (s *MediaSegment) Splice(pid uint16, samples []*media.Sample, delta int64, donor *MediaSegment) error {
	if len(samples) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	q, ok := s.queues[pid]
	if !ok {
		return fmt.Errorf("%w: pid %d in %s", ErrNoStream, pid, s)
	}
	if donor != nil && donor != s {
		donor.mu.Lock()
		donor.cloakRefs++
		donor.mu.Unlock()
	}
	for _, sample := range samples {
		sample.PID = pid
		sample.SetOffset(delta)
	}

	merged := make([]*media.Sample, 0, len(q.samples)+len(samples))
	merged = append(merged, q.samples[:q.pos]...)
	merged = append(merged, samples...)
	merged = append(merged, q.samples[q.pos:]...)
	if s.direction == Reverse {
		q.pos += len(samples)
	}
	q.samples = merged
	if donor != nil && donor != s {
		s.cloak = donor
	}
	return nil
}

// Cloak returns the segment currently standing in for part of this one.
func (s *MediaSegment) Cloak() *MediaSegment {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cloak
}

// ClearCloak releases the stand-in segment, if any.
func (s *MediaSegment) ClearCloak() {
	s.mu.Lock()
	donor := s.cloak
	s.cloak = nil
	s.mu.Unlock()

	if donor != nil {
		donor.mu.Lock()
		if donor.cloakRefs > 0 {
			donor.cloakRefs--
		}
		donor.mu.Unlock()
	}
}

// AttachChain records that a download chain includes this segment.
func (s *MediaSegment) AttachChain() {
	s.mu.Lock()
	s.chains++
	s.mu.Unlock()
}

// DetachChain undoes AttachChain.
func (s *MediaSegment) DetachChain() {
	s.mu.Lock()
	if s.chains > 0 {
		s.chains--
	}
	s.mu.Unlock()
}

// Chains returns the number of download chains that include the segment.
func (s *MediaSegment) Chains() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.chains
}
