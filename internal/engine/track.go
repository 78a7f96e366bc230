package engine

import (
	"sync"

	"github.com/agleyzer/hlsabr/internal/media"
	"github.com/agleyzer/hlsabr/internal/playlist"
	"github.com/agleyzer/hlsabr/internal/segment"
)

const commandQueueSize = 8

// track is the playback state of one content type. Switch commands reach
// it through cmds and are executed by whichever goroutine pulls samples of
// the content type, at segment boundaries.
type track struct {
	ct   media.ContentType
	cmds chan *command

	// mu is held by the consumer of the track. The fields below it are
	// owned by the consumer.
	mu       sync.Mutex
	pending  *command
	leader   bool
	started  bool
	seq      uint64
	last     media.Timestamp
	checked  uint64
	cloaked  *segment.MediaSegment
	nextDisc bool

	refMu     sync.Mutex
	stream    *playlist.StreamInfo
	rendition *playlist.Rendition
	pl        *playlist.Playlist
}

func newTrack(ct media.ContentType, stream *playlist.StreamInfo, r *playlist.Rendition, pl *playlist.Playlist) *track {
	return &track{
		ct:        ct,
		cmds:      make(chan *command, commandQueueSize),
		stream:    stream,
		rendition: r,
		pl:        pl,
		checked:   ^uint64(0),
	}
}

func (t *track) playlist() *playlist.Playlist {
	t.refMu.Lock()
	defer t.refMu.Unlock()
	return t.pl
}

func (t *track) variant() *playlist.StreamInfo {
	t.refMu.Lock()
	defer t.refMu.Unlock()
	return t.stream
}

func (t *track) alternate() *playlist.Rendition {
	t.refMu.Lock()
	defer t.refMu.Unlock()
	return t.rendition
}

func (t *track) set(stream *playlist.StreamInfo, r *playlist.Rendition, pl *playlist.Playlist) {
	t.refMu.Lock()
	t.stream, t.rendition, t.pl = stream, r, pl
	t.refMu.Unlock()
}

func (t *track) bandwidth() uint32 {
	if si := t.variant(); si != nil {
		return si.Bandwidth()
	}
	return 0
}

// enqueue hands a command to the consumer. When the queue is full the
// oldest command is dropped; a newer request supersedes it anyway.
func (t *track) enqueue(c *command) {
	for {
		select {
		case t.cmds <- c:
			return
		default:
		}
		select {
		case old := <-t.cmds:
			old.resolve(outcome{})
		default:
		}
	}
}

// clearCommands resolves every queued and pending command as not switched.
// The caller holds mu.
func (t *track) clearCommands() {
	for {
		select {
		case c := <-t.cmds:
			c.resolve(outcome{})
		default:
			if t.pending != nil {
				t.pending.resolve(outcome{})
				t.pending = nil
			}
			return
		}
	}
}

func direction(rate float64) segment.Direction {
	if rate < 0 {
		return segment.Reverse
	}
	return segment.Forward
}
