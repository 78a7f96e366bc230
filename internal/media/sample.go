package media

import "strconv"

// ContentType identifies which playback cursor a stream feeds.
type ContentType uint8

const (
	ContentUnknown ContentType = iota
	ContentVideo
	ContentAudio
	ContentMetadata
	ContentSubtitle
)

// ContentTypes lists the content types a presentation can play, in the
// order the engine services them.
var ContentTypes = []ContentType{ContentVideo, ContentAudio, ContentSubtitle}

func (c ContentType) String() string {
	switch c {
	case ContentVideo:
		return "video"
	case ContentAudio:
		return "audio"
	case ContentMetadata:
		return "metadata"
	case ContentSubtitle:
		return "subtitle"
	default:
		return "unknown"
	}
}

// Sample is one demultiplexed access unit.
type Sample struct {
	// PID is the elementary stream the sample belongs to.
	PID uint16

	// PTS is the raw decoded presentation timestamp.
	PTS Timestamp

	// DTS is the raw decode timestamp, or a zero value when absent.
	DTS Timestamp

	// Keyframe is set for IDR / sync samples.
	Keyframe bool

	// Payload holds the sample bytes. Segments hand out the same slice to
	// every reader; it must not be modified.
	Payload []byte

	// Caption is set on samples produced from caption data.
	Caption string

	offset    int64
	hasOffset bool
}

// SetOffset records the discontinuity adjustment applied to PTS. It is set
// once, when the owning segment normalizes its timestamps.
func (s *Sample) SetOffset(delta int64) {
	s.offset = delta
	s.hasOffset = true
}

// Adjusted reports whether a discontinuity adjustment was applied.
func (s *Sample) Adjusted() bool {
	return s.hasOffset
}

// PlayableTimestamp is the timestamp handed to the playback sink: the raw PTS
// plus any discontinuity adjustment.
func (s *Sample) PlayableTimestamp() Timestamp {
	if !s.hasOffset {
		return s.PTS
	}
	return s.PTS.Add(s.offset)
}

// Clone returns a shallow copy sharing the payload.
func (s *Sample) Clone() *Sample {
	c := *s
	return &c
}

// ByteRange addresses a sub-range of a resource (#EXT-X-BYTERANGE).
type ByteRange struct {
	Offset int64
	Length int64
}

// Header renders the HTTP Range header value.
func (r ByteRange) Header() string {
	return "bytes=" + strconv.FormatInt(r.Offset, 10) + "-" + strconv.FormatInt(r.Offset+r.Length-1, 10)
}
