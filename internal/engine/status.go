package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/agleyzer/hlsabr/internal/media"
)

// TrackStatus describes what one content type is playing.
type TrackStatus struct {
	ContentType string        `json:"content_type"`
	Bandwidth   uint32        `json:"bandwidth,omitempty"`
	Rendition   string        `json:"rendition,omitempty"`
	URI         string        `json:"uri"`
	Live        bool          `json:"live"`
	Sequence    uint64        `json:"sequence"`
	Position    time.Duration `json:"position"`
	Buffered    time.Duration `json:"buffered"`
	Buffering   bool          `json:"buffering"`
	Downloading bool          `json:"downloading"`
}

// Status is a snapshot of the playback state.
type Status struct {
	URI      string        `json:"uri"`
	Master   bool          `json:"master"`
	Estimate uint32        `json:"estimate"`
	Rate     float64       `json:"rate"`
	Paused   bool          `json:"paused"`
	Error    string        `json:"error,omitempty"`
	Tracks   []TrackStatus `json:"tracks"`
}

// Status reports the current playback state without waiting for the
// consumers of the tracks.
func (s *Source) Status() Status {
	rate, paused := s.Playback()
	st := Status{
		URI:      s.URI,
		Master:   s.master != nil,
		Estimate: s.estimator.Estimate(),
		Rate:     rate,
		Paused:   paused,
	}
	if err := s.Err(); err != nil {
		st.Error = err.Error()
	}

	s.mu.Lock()
	var tracks []*track
	for _, ct := range media.ContentTypes {
		if t, ok := s.tracks[ct]; ok {
			tracks = append(tracks, t)
		}
	}
	s.mu.Unlock()

	for _, t := range tracks {
		ct := t.ct
		pl := t.playlist()
		ts := TrackStatus{
			ContentType: ct.String(),
			Bandwidth:   t.bandwidth(),
			URI:         pl.URI,
			Live:        pl.IsLive(),
			Buffering:   pl.Buffering(ct),
			Downloading: pl.Downloading(),
		}
		if r := t.alternate(); r != nil {
			ts.Rendition = r.Media.Name
		}
		if c, ok := pl.Cursor(ct); ok {
			ts.Sequence = c.Sequence
			if pos, ok := pl.Position(ct); ok {
				ts.Position = pos.Duration()
			}
			ts.Buffered = media.ToDuration(pl.GetCurrentLABLength(c.Sequence, ct, s.cfg.CountDownloadingInLAB))
		}
		st.Tracks = append(st.Tracks, ts)
	}
	return st
}

// Checkpoint is the part of the playback state needed to resume elsewhere.
type Checkpoint struct {
	URI       string
	Bandwidth uint32
	// Position is on the playlist timeline, not the decoded timestamps.
	Position media.Timestamp
	Sequence uint64
}

// Checkpoint captures the leading content type's position and variant.
func (s *Source) Checkpoint() Checkpoint {
	s.mu.Lock()
	leader := s.leaderLocked()
	s.mu.Unlock()

	cp := Checkpoint{URI: s.URI}
	if leader == nil {
		return cp
	}
	cp.Bandwidth = leader.bandwidth()
	pl := leader.playlist()
	if c, ok := pl.Cursor(leader.ct); ok {
		cp.Sequence = c.Sequence
	}
	if pos, ok := pl.Position(leader.ct); ok {
		cp.Position = pos
	}
	return cp
}

// Restore resumes playback from a checkpoint taken on another source of
// the same presentation.
func (s *Source) Restore(ctx context.Context, cp Checkpoint) error {
	if cp.URI != s.URI {
		return fmt.Errorf("checkpoint of %s cannot restore %s", cp.URI, s.URI)
	}
	if cp.Position.Valid() {
		if _, err := s.Seek(ctx, cp.Position); err != nil {
			return err
		}
	}
	if s.master != nil && cp.Bandwidth != 0 {
		if err := s.RequestSwitch(cp.Bandwidth); err != nil {
			return err
		}
	}
	s.logger.Info("restored checkpoint", "position", cp.Position, "bandwidth", cp.Bandwidth)
	return nil
}
