package engine

import (
	"context"
	"errors"
	"time"

	"github.com/agleyzer/hlsabr/internal/media"
	"github.com/agleyzer/hlsabr/internal/parser"
	"github.com/agleyzer/hlsabr/internal/playlist"
	"github.com/agleyzer/hlsabr/internal/transport"
)

const minRefreshInterval = time.Second

// runLive refreshes the live playlists being played once per target
// duration until none of them is live any more.
func (s *Source) runLive(ctx context.Context) {
	interval := s.refreshInterval()
	if interval == 0 {
		return
	}
	s.logger.Debug("following live playlists", "interval", interval)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		s.refreshLive(ctx)

		next := s.refreshInterval()
		if next == 0 {
			s.logger.Info("live playlists ended")
			return
		}
		if next != interval {
			interval = next
			ticker.Reset(interval)
		}
	}
}

// refreshInterval is the leading playlist's target duration, or zero when
// nothing played is live.
func (s *Source) refreshInterval() time.Duration {
	pls := s.livePlaylists()
	if len(pls) == 0 {
		return 0
	}
	d := media.ToDuration(pls[0].TargetDuration())
	if d < minRefreshInterval {
		d = minRefreshInterval
	}
	return d
}

// livePlaylists returns the distinct live playlists feeding the tracks,
// the leader's first.
func (s *Source) livePlaylists() []*playlist.Playlist {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*playlist.Playlist
	add := func(pl *playlist.Playlist) {
		if !pl.IsLive() {
			return
		}
		for _, p := range out {
			if p == pl {
				return
			}
		}
		out = append(out, pl)
	}
	if leader := s.leaderLocked(); leader != nil {
		add(leader.playlist())
	}
	for _, ct := range media.ContentTypes {
		if t, ok := s.tracks[ct]; ok {
			add(t.playlist())
		}
	}
	return out
}

func (s *Source) refreshLive(ctx context.Context) {
	for _, pl := range s.livePlaylists() {
		res, err := pl.Refresh(ctx)
		switch {
		case err == nil:
			if res.Changed() {
				s.logger.Debug("live playlist refreshed", "uri", pl.URI, "appended", res.Appended, "dropped", res.Dropped)
			}
		case transport.IsCanceled(err):
			return
		case errors.Is(err, playlist.ErrMergeDeferred):
			s.logger.Debug("live merge deferred", "uri", pl.URI)
		case errors.Is(err, parser.ErrMalformed), errors.Is(err, parser.ErrNotPlaylist):
			s.logger.Error("live playlist is unusable", "uri", pl.URI, "error", err)
			s.fail(err)
			return
		default:
			s.logger.Warn("live refresh failed", "uri", pl.URI, "error", err)
		}
	}
}
