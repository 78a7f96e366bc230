package demux

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/asticode/go-astits"
	"github.com/zsiec/ccx"

	"github.com/agleyzer/hlsabr/internal/media"
)

const tsPacketSize = 188

// Stream types not exported by name in every go-astits release.
const (
	streamTypeMPEG1Audio = 0x03
	streamTypeMPEG2Audio = 0x04
	streamTypeAACLATM    = 0x11
	streamTypeID3        = 0x15
	streamTypeAC3        = 0x81
	streamTypeEAC3       = 0x87
)

// TSDemuxer is the default Demultiplexer for MPEG transport streams.
type TSDemuxer struct {
	logger *slog.Logger
}

// NewTSDemuxer creates a transport-stream demultiplexer.
func NewTSDemuxer(logger *slog.Logger) *TSDemuxer {
	return &TSDemuxer{logger: logger.With("component", "demux")}
}

// IsRecognized implements Demultiplexer.
func (d *TSDemuxer) IsRecognized(data []byte) bool {
	if len(data) < tsPacketSize || data[0] != 0x47 {
		return false
	}
	return len(data) < 2*tsPacketSize || data[tsPacketSize] == 0x47
}

func contentTypeOf(st astits.StreamType) media.ContentType {
	switch st {
	case astits.StreamTypeH264Video, astits.StreamTypeH265Video:
		return media.ContentVideo
	case astits.StreamTypeAACAudio, streamTypeMPEG1Audio, streamTypeMPEG2Audio,
		streamTypeAACLATM, streamTypeAC3, streamTypeEAC3:
		return media.ContentAudio
	case streamTypeID3:
		return media.ContentMetadata
	default:
		return media.ContentUnknown
	}
}

// Parse implements Demultiplexer.
func (d *TSDemuxer) Parse(ctx context.Context, data []byte, pidFilter []uint16) (*Result, error) {
	if !d.IsRecognized(data) {
		return nil, ErrUnrecognized
	}

	dmx := astits.NewDemuxer(ctx, bytes.NewReader(data))
	r := NewResult()
	captions := make(map[int]*ccx.CEA608Decoder)

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		dd, err := dmx.NextData()
		if err != nil {
			if errors.Is(err, astits.ErrNoMorePackets) {
				break
			}
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("failed to demux transport stream: %w", err)
		}

		switch {
		case dd.PMT != nil:
			for _, es := range dd.PMT.ElementaryStreams {
				if !allowed(pidFilter, es.ElementaryPID) {
					continue
				}
				ct := contentTypeOf(es.StreamType)
				if ct == media.ContentUnknown {
					continue
				}
				if _, seen := r.PIDs[es.ElementaryPID]; !seen && ct == media.ContentMetadata {
					r.MetadataPIDs = append(r.MetadataPIDs, es.ElementaryPID)
				}
				r.PIDs[es.ElementaryPID] = ct
			}

		case dd.PES != nil:
			ct, ok := r.PIDs[dd.PID]
			if !ok || len(dd.PES.Data) == 0 {
				continue
			}
			pts, dts := pesTimestamps(dd.PES)
			switch ct {
			case media.ContentVideo:
				d.handleVideo(r, dd.PID, dd.PES.Data, pts, dts, captions)
			case media.ContentAudio:
				d.handleAudio(r, dd.PID, dd.PES.Data, pts)
			default:
				r.add(dd.PID, &media.Sample{PID: dd.PID, PTS: pts, DTS: dts, Keyframe: true, Payload: dd.PES.Data})
			}
		}
	}

	if len(r.Samples) == 0 {
		return nil, fmt.Errorf("%w: transport stream carried no samples", ErrUnrecognized)
	}
	return r, nil
}

func pesTimestamps(pes *astits.PESData) (pts, dts media.Timestamp) {
	if pes.Header == nil || pes.Header.OptionalHeader == nil {
		return
	}
	oh := pes.Header.OptionalHeader
	if oh.PTS != nil {
		pts = media.FromMPEG(oh.PTS.Base, media.TimestampPTS)
	}
	if oh.DTS != nil {
		dts = media.FromMPEG(oh.DTS.Base, media.TimestampDTS)
	} else {
		dts = media.NewTimestamp(pts.Ticks, media.TimestampDTS)
	}
	return
}

func (d *TSDemuxer) handleVideo(r *Result, pid uint16, data []byte, pts, dts media.Timestamp, decoders map[int]*ccx.CEA608Decoder) {
	units := parseAnnexB(data)
	r.add(pid, &media.Sample{
		PID:      pid,
		PTS:      pts,
		DTS:      dts,
		Keyframe: isKeyframeAU(units),
		Payload:  data,
	})

	for _, u := range units {
		if u.Type != nalTypeSEI {
			continue
		}
		cd := ccx.ExtractCaptions(u.Data)
		if cd == nil {
			continue
		}
		for _, pair := range cd.CC608Pairs {
			dec := decoders[pair.Channel]
			if dec == nil {
				dec = ccx.NewCEA608Decoder()
				decoders[pair.Channel] = dec
			}
			if text := dec.Decode(pair.Data[0], pair.Data[1]); text != "" {
				r.Captions = append(r.Captions, &media.Sample{PID: pid, PTS: pts, Keyframe: true, Caption: text})
			}
		}
	}
}

func (d *TSDemuxer) handleAudio(r *Result, pid uint16, data []byte, pts media.Timestamp) {
	frames, err := parseADTS(data)
	if err != nil || len(frames) == 0 {
		// Not ADTS (AC-3, MPEG audio): keep the PES as one sample.
		if err != nil {
			d.logger.Debug("failed to parse ADTS", "pid", pid, "error", err)
		}
		r.add(pid, &media.Sample{PID: pid, PTS: pts, Keyframe: true, Payload: data})
		return
	}

	for i, f := range frames {
		ts := pts
		if f.SampleRate > 0 {
			ts = media.NewTimestamp(pts.Ticks+uint64(i)*1024*media.TicksPerSecond/uint64(f.SampleRate), media.TimestampPTS)
		}
		r.add(pid, &media.Sample{PID: pid, PTS: ts, Keyframe: true, Payload: f.Data})
	}
}
