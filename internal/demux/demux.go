// Package demux splits downloaded segment payloads into per-stream samples.
//
// The engine consumes the Demultiplexer interface. TSDemuxer is the default
// implementation for MPEG transport streams; SliceElementaryAudio covers
// packed ADTS audio segments, which carry no container timestamps.
package demux

import (
	"context"
	"errors"

	"github.com/agleyzer/hlsabr/internal/media"
)

// ErrUnrecognized is returned for payloads no demultiplexer understands.
var ErrUnrecognized = errors.New("unrecognized segment format")

// Result is the outcome of parsing one segment.
type Result struct {
	// PIDs maps every demultiplexed stream to its content type.
	PIDs map[uint16]media.ContentType

	// MetadataPIDs lists timed-metadata streams.
	MetadataPIDs []uint16

	// Samples holds the samples of each stream in decode order.
	Samples map[uint16][]*media.Sample

	// Timeline holds the first and last PTS seen per stream.
	Timeline Timeline

	// Captions holds CEA-608 caption samples extracted from video SEI.
	Captions []*media.Sample
}

// Timeline records per-stream boundary timestamps.
type Timeline struct {
	Start map[uint16]media.Timestamp
	End   map[uint16]media.Timestamp
}

// NewResult returns an empty result.
func NewResult() *Result {
	return &Result{
		PIDs:    make(map[uint16]media.ContentType),
		Samples: make(map[uint16][]*media.Sample),
		Timeline: Timeline{
			Start: make(map[uint16]media.Timestamp),
			End:   make(map[uint16]media.Timestamp),
		},
	}
}

func (r *Result) add(pid uint16, s *media.Sample) {
	r.Samples[pid] = append(r.Samples[pid], s)
	if start, ok := r.Timeline.Start[pid]; !ok || s.PTS.Before(start) {
		r.Timeline.Start[pid] = s.PTS
	}
	if end, ok := r.Timeline.End[pid]; !ok || end.Before(s.PTS) {
		r.Timeline.End[pid] = s.PTS
	}
}

// PIDFor returns the first stream of the given content type.
func (r *Result) PIDFor(ct media.ContentType) (uint16, bool) {
	found := false
	var best uint16
	for pid, c := range r.PIDs {
		if c == ct && (!found || pid < best) {
			best, found = pid, true
		}
	}
	return best, found
}

// Demultiplexer parses segment payloads.
type Demultiplexer interface {
	// IsRecognized reports whether data looks like a format this
	// demultiplexer can parse.
	IsRecognized(data []byte) bool

	// Parse splits data into samples. A non-empty pidFilter restricts the
	// streams that are kept.
	Parse(ctx context.Context, data []byte, pidFilter []uint16) (*Result, error)
}

func allowed(filter []uint16, pid uint16) bool {
	if len(filter) == 0 {
		return true
	}
	for _, p := range filter {
		if p == pid {
			return true
		}
	}
	return false
}
