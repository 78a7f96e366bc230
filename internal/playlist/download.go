package playlist

import (
	"context"
	"fmt"
	"time"

	"github.com/agleyzer/hlsabr/internal/demux"
	"github.com/agleyzer/hlsabr/internal/media"
	"github.com/agleyzer/hlsabr/internal/segment"
	"github.com/agleyzer/hlsabr/internal/transport"
)

// Download brings seg into memory. When another chain is already
// downloading it, Download waits for that attempt instead.
func (p *Playlist) Download(ctx context.Context, seg *segment.MediaSegment) error {
	if err := seg.BeginDownload(); err != nil {
		switch seg.Wait(ctx) {
		case segment.StateInMemoryCache:
			return nil
		case segment.StateDownloading:
			return ctx.Err()
		default:
			return fmt.Errorf("%w: %s", ErrSegmentUnavailable, seg)
		}
	}

	if err := p.fill(ctx, seg); err != nil {
		if ferr := seg.FailDownload(); ferr != nil {
			p.logger.Warn("segment state changed during download", "segment", seg.Sequence, "error", ferr)
		}
		if transport.IsCanceled(err) {
			return err
		}
		return fmt.Errorf("%w: %s: %w", ErrSegmentUnavailable, seg, err)
	}
	return nil
}

func (p *Playlist) fill(ctx context.Context, seg *segment.MediaSegment) error {
	svc := p.svc

	resp, err := svc.Fetcher.Fetch(ctx, transport.Request{URI: seg.URI, Range: seg.ByteRange})
	if err != nil {
		if !transport.IsCanceled(err) {
			svc.Metrics.DownloadFailed("segment")
		}
		return err
	}
	if svc.Bandwidth != nil {
		svc.Bandwidth.Observe(len(resp.Body), resp.Elapsed)
	}
	svc.Metrics.Download("segment", len(resp.Body))

	data, err := seg.Decrypt(ctx, resp.Body, svc.crypto())
	if err != nil {
		return err
	}

	res, err := p.demultiplex(ctx, seg, data)
	if err != nil {
		return err
	}
	if err := seg.DecryptSamples(ctx, res, svc.crypto()); err != nil {
		return err
	}

	p.logger.Debug("segment downloaded",
		"segment", seg.Sequence,
		"bytes", len(resp.Body),
		"elapsed", resp.Elapsed.Round(time.Millisecond))
	return seg.CompleteDownload(res, len(data))
}

func (p *Playlist) demultiplex(ctx context.Context, seg *segment.MediaSegment, data []byte) (*demux.Result, error) {
	cfg := p.svc.Config

	if p.svc.Demuxer != nil && p.svc.Demuxer.IsRecognized(data) {
		return p.svc.Demuxer.Parse(ctx, data, cfg.PIDFilter)
	}
	if demux.IsADTS(data) {
		// Packed audio carries no timestamps; place it on the playlist
		// timeline instead.
		p.structMu.RLock()
		start := p.windowStart + seg.CumulativeDuration - seg.Duration
		p.structMu.RUnlock()
		return demux.SliceElementaryAudio(data, media.NewTimestamp(start, media.TimestampPTS), cfg.AudioFrameDistance)
	}
	return nil, demux.ErrUnrecognized
}
