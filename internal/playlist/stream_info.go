package playlist

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/agleyzer/hlsabr/internal/media"
	"github.com/agleyzer/hlsabr/internal/variant"
)

// StreamInfo is one variant of a master playlist: its declaration, its
// media playlist once loaded, and failure bookkeeping.
type StreamInfo struct {
	Variant *variant.Variant

	renditions map[media.ContentType][]*Rendition

	mu               sync.Mutex
	playlist         *Playlist
	uriIndex         int
	active           map[media.ContentType]*Rendition
	failures         int
	quarantinedUntil time.Time
}

func newStreamInfo(v *variant.Variant) *StreamInfo {
	return &StreamInfo{
		Variant:    v,
		renditions: make(map[media.ContentType][]*Rendition),
		active:     make(map[media.ContentType]*Rendition),
	}
}

// Bandwidth returns the declared bandwidth, the variant's key.
func (si *StreamInfo) Bandwidth() uint32 {
	return si.Variant.Bandwidth
}

// URI returns the media playlist URI currently in use: the primary URI or
// one of the backups.
func (si *StreamInfo) URI() string {
	si.mu.Lock()
	defer si.mu.Unlock()
	return si.uriLocked()
}

func (si *StreamInfo) uriLocked() string {
	if si.uriIndex == 0 {
		return si.Variant.URI
	}
	return si.Variant.BackupURIs[si.uriIndex-1]
}

// Playlist returns the loaded media playlist, or nil.
func (si *StreamInfo) Playlist() *Playlist {
	si.mu.Lock()
	defer si.mu.Unlock()
	return si.playlist
}

// Load downloads the media playlist if it has not been loaded yet.
func (si *StreamInfo) Load(ctx context.Context, svc *Services) (*Playlist, error) {
	si.mu.Lock()
	if si.playlist != nil {
		pl := si.playlist
		si.mu.Unlock()
		return pl, nil
	}
	uri := si.uriLocked()
	si.mu.Unlock()

	pl, err := Load(ctx, uri, svc)
	if err != nil {
		return nil, err
	}
	if pl.IsMaster() {
		return nil, fmt.Errorf("variant %d points at a master playlist", si.Bandwidth())
	}

	si.mu.Lock()
	defer si.mu.Unlock()
	if si.playlist != nil {
		return si.playlist, nil
	}
	si.playlist = pl
	return pl, nil
}

// NextBackup switches to the next backup URI, dropping the loaded
// playlist. It returns false when no backup is left.
func (si *StreamInfo) NextBackup() bool {
	si.mu.Lock()
	defer si.mu.Unlock()

	if si.uriIndex >= len(si.Variant.BackupURIs) {
		return false
	}
	si.uriIndex++
	if si.playlist != nil {
		si.playlist.Cancel(false)
		si.playlist = nil
	}
	return true
}

// ResetBackups returns to the primary URI for the next load.
func (si *StreamInfo) ResetBackups() {
	si.mu.Lock()
	si.uriIndex = 0
	si.mu.Unlock()
}

// RecordFailure counts a consecutive failure. After threshold failures
// the variant is quarantined for window and true is returned.
func (si *StreamInfo) RecordFailure(now time.Time, threshold int, window time.Duration) bool {
	si.mu.Lock()
	defer si.mu.Unlock()

	si.failures++
	if threshold > 0 && si.failures >= threshold {
		si.failures = 0
		si.quarantinedUntil = now.Add(window)
		return true
	}
	return false
}

// RecordSuccess resets the consecutive-failure counter.
func (si *StreamInfo) RecordSuccess() {
	si.mu.Lock()
	si.failures = 0
	si.mu.Unlock()
}

// Failures returns the consecutive-failure count.
func (si *StreamInfo) Failures() int {
	si.mu.Lock()
	defer si.mu.Unlock()
	return si.failures
}

// Quarantined reports whether the variant is excluded from selection.
func (si *StreamInfo) Quarantined(now time.Time) bool {
	si.mu.Lock()
	defer si.mu.Unlock()
	return now.Before(si.quarantinedUntil)
}

// Renditions returns the alternate renditions of ct referenced by the
// variant.
func (si *StreamInfo) Renditions(ct media.ContentType) []*Rendition {
	return append([]*Rendition(nil), si.renditions[ct]...)
}

// ActiveRendition returns the selected rendition of ct, or nil when the
// content type is carried in the variant stream.
func (si *StreamInfo) ActiveRendition(ct media.ContentType) *Rendition {
	si.mu.Lock()
	defer si.mu.Unlock()
	return si.active[ct]
}

// SetActiveRendition selects the rendition of ct.
func (si *StreamInfo) SetActiveRendition(ct media.ContentType, r *Rendition) {
	si.mu.Lock()
	si.active[ct] = r
	si.mu.Unlock()
}

// DefaultRendition picks the initial rendition of ct: the one matching
// language, else the DEFAULT one, else the first autoselect one. Only
// renditions with their own playlist are considered.
func (si *StreamInfo) DefaultRendition(ct media.ContentType, language string) *Rendition {
	var def, auto *Rendition
	for _, r := range si.renditions[ct] {
		if r.Media.URI == "" {
			continue
		}
		if language != "" && r.Media.Language == language {
			return r
		}
		if r.Media.Default && def == nil {
			def = r
		}
		if r.Media.Autoselect && auto == nil {
			auto = r
		}
	}
	if def != nil {
		return def
	}
	return auto
}

func (si *StreamInfo) String() string {
	return si.Variant.String()
}
