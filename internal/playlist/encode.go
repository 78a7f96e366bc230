package playlist

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"math"

	"github.com/grafov/m3u8"

	"github.com/agleyzer/hlsabr/internal/key"
	"github.com/agleyzer/hlsabr/internal/media"
)

// rawTag carries a preserved directive through the m3u8 encoder verbatim.
type rawTag string

func (t rawTag) TagName() string { return string(t) }

func (t rawTag) Encode() *bytes.Buffer { return bytes.NewBufferString(string(t)) }

func (t rawTag) String() string { return string(t) }

// Encode renders the playlist as it currently stands: the merged segment
// list of a media playlist, or the variants and renditions of a master.
func (p *Playlist) Encode() (string, error) {
	if p.isMaster {
		return p.encodeMaster(), nil
	}
	return p.encodeMedia()
}

func (p *Playlist) encodeMedia() (string, error) {
	p.structMu.RLock()
	defer p.structMu.RUnlock()

	mp, err := m3u8.NewMediaPlaylist(0, uint(max(len(p.segments), 1)))
	if err != nil {
		return "", fmt.Errorf("failed to create media playlist: %w", err)
	}
	mp.TargetDuration = math.Ceil(media.ToDuration(p.targetDuration).Seconds())
	switch p.typ {
	case TypeVOD:
		mp.MediaType = m3u8.VOD
	case TypeEvent:
		mp.MediaType = m3u8.EVENT
	}
	if len(p.segments) > 0 {
		mp.SeqNo = p.segments[0].Sequence
		mp.DiscontinuitySeq = p.segments[0].DiscontinuitySequence
	}

	var current *key.EncryptionKey
	for i, seg := range p.segments {
		if err := mp.Append(seg.URI, media.ToDuration(seg.Duration).Seconds(), seg.Title); err != nil {
			return "", fmt.Errorf("failed to append segment %d: %w", seg.Sequence, err)
		}
		if seg.Discontinuity() && i > 0 {
			if err := mp.SetDiscontinuity(); err != nil {
				return "", err
			}
		}
		if r := seg.ByteRange; r != nil {
			if err := mp.SetRange(int64(r.Length), int64(r.Offset)); err != nil {
				return "", err
			}
		}
		if !seg.ProgramDateTime.IsZero() {
			if err := mp.SetProgramDateTime(seg.ProgramDateTime); err != nil {
				return "", err
			}
		}
		if seg.Key != current {
			current = seg.Key
			method, uri, iv, format := key.MethodNone.String(), "", "", ""
			if k := seg.Key; k != nil {
				method, uri, format = k.Method.String(), k.URI, k.KeyFormat
				if len(k.IV) > 0 {
					iv = "0x" + hex.EncodeToString(k.IV)
				}
			}
			if err := mp.SetKey(method, uri, iv, format, ""); err != nil {
				return "", err
			}
		}
		for _, tag := range seg.Tags {
			if err := mp.SetCustomSegmentTag(rawTag(tag)); err != nil {
				return "", err
			}
		}
	}
	if p.ended {
		mp.Close()
	}
	return mp.Encode().String(), nil
}

func (p *Playlist) encodeMaster() string {
	p.structMu.RLock()
	defer p.structMu.RUnlock()

	mp := m3u8.NewMasterPlaylist()
	for _, bw := range p.bandwidths {
		si := p.streams[bw]
		v := si.Variant

		var alts []*m3u8.Alternative
		for _, group := range []string{v.Audio, v.Video, v.Subtitles} {
			for _, r := range p.groups[group] {
				m := r.Media
				alt := &m3u8.Alternative{
					GroupId:         m.GroupID,
					URI:             m.URI,
					Type:            string(m.Type),
					Language:        m.Language,
					Name:            m.Name,
					Default:         m.Default,
					Characteristics: m.Characteristics,
				}
				if m.Autoselect {
					alt.Autoselect = "YES"
				}
				if m.Forced {
					alt.Forced = "YES"
				}
				alts = append(alts, alt)
			}
		}

		mp.Append(si.URI(), nil, m3u8.VariantParams{
			ProgramId:        uint32(v.ProgramID),
			Bandwidth:        v.Bandwidth,
			AverageBandwidth: v.AverageBandwidth,
			Codecs:           v.Codecs,
			Resolution:       v.Resolution,
			FrameRate:        v.FrameRate,
			Audio:            v.Audio,
			Video:            v.Video,
			Subtitles:        v.Subtitles,
			Alternatives:     alts,
		})
	}
	return mp.Encode().String()
}
