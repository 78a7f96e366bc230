package playlist

import (
	"context"
	"fmt"
	"sync"

	"github.com/agleyzer/hlsabr/internal/media"
	"github.com/agleyzer/hlsabr/internal/variant"
)

// Rendition is an alternate track with its own media playlist.
type Rendition struct {
	Media *variant.Media

	mu       sync.Mutex
	playlist *Playlist
}

func newRendition(m *variant.Media) *Rendition {
	return &Rendition{Media: m}
}

// ContentType maps the rendition type to the cursor it feeds.
func (r *Rendition) ContentType() media.ContentType {
	switch r.Media.Type {
	case variant.MediaAudio:
		return media.ContentAudio
	case variant.MediaVideo:
		return media.ContentVideo
	case variant.MediaSubtitles, variant.MediaClosedCaptions:
		return media.ContentSubtitle
	default:
		return media.ContentUnknown
	}
}

// Playlist returns the loaded playlist, or nil.
func (r *Rendition) Playlist() *Playlist {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.playlist
}

// Load downloads the rendition playlist if it has not been loaded yet.
func (r *Rendition) Load(ctx context.Context, svc *Services) (*Playlist, error) {
	if r.Media.URI == "" {
		return nil, fmt.Errorf("rendition %q is carried in the variant stream", r.Media.Name)
	}

	r.mu.Lock()
	if pl := r.playlist; pl != nil {
		r.mu.Unlock()
		return pl, nil
	}
	r.mu.Unlock()

	pl, err := Load(ctx, r.Media.URI, svc)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.playlist != nil {
		return r.playlist, nil
	}
	r.playlist = pl
	return pl, nil
}

func (r *Rendition) String() string {
	return fmt.Sprintf("rendition(%s %s %q)", r.Media.Type, r.Media.Language, r.Media.Name)
}
