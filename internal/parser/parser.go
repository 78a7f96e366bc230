// Package parser decodes HLS manifests with grafov/m3u8 and maps them to a
// Manifest: segment entries with their key, date and discontinuity state
// carried forward, or variant and rendition declarations for a master
// playlist. Sequence numbering and duration bookkeeping happen in package
// playlist.
package parser

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/grafov/m3u8"

	"github.com/agleyzer/hlsabr/internal/key"
	"github.com/agleyzer/hlsabr/internal/media"
	"github.com/agleyzer/hlsabr/internal/transport"
	"github.com/agleyzer/hlsabr/internal/variant"
)

var (
	// ErrNotPlaylist is returned when the #EXTM3U marker is missing.
	ErrNotPlaylist = errors.New("not an HLS playlist")

	// ErrMalformed is returned for manifests that cannot be interpreted.
	ErrMalformed = errors.New("malformed playlist")
)

var bom = []byte("\xef\xbb\xbf")

func init() {
	m3u8.TimeParse = ParseProgramDateTime
}

// Entry is one media segment as declared by the manifest.
type Entry struct {
	URI             string
	Duration        float64
	Title           string
	ByteRange       *media.ByteRange
	Key             *key.EncryptionKey
	ProgramDateTime time.Time
	Discontinuity   bool

	// Tags holds unrecognized directives preceding this segment, verbatim.
	Tags []string
}

// Manifest is a parsed playlist.
type Manifest struct {
	IsMaster bool
	Version  int

	// TargetDuration is zero when the manifest does not declare one.
	TargetDuration float64

	MediaSequence         uint64
	DiscontinuitySequence uint64

	// PlaylistType is "VOD", "EVENT" or empty.
	PlaylistType string

	EndList             bool
	AllowCache          bool
	IndependentSegments bool

	Segments   []*Entry
	Variants   []*variant.Variant
	Renditions []*variant.Media
}

// Parse reads a manifest. Relative URIs are resolved against baseURI.
func Parse(r io.Reader, baseURI string) (*Manifest, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read playlist: %w", err)
	}
	data = bytes.TrimPrefix(data, bom)
	if !hasHeader(data) {
		return nil, ErrNotPlaylist
	}

	tags := newTagRecorder()
	pl, listType, err := m3u8.DecodeWith(bytes.NewReader(data), true, []m3u8.CustomDecoder{tags})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	m := &Manifest{
		TargetDuration:      tags.targetDuration,
		AllowCache:          tags.allowCache,
		IndependentSegments: tags.independent,
	}
	res := resolver(baseURI)

	switch listType {
	case m3u8.MASTER:
		if err := m.fromMaster(pl.(*m3u8.MasterPlaylist), res); err != nil {
			return nil, err
		}
	case m3u8.MEDIA:
		if err := m.fromMedia(pl.(*m3u8.MediaPlaylist), tags, res); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("%w: unknown playlist type", ErrMalformed)
	}
	return m, nil
}

// hasHeader reports whether the first non-blank line is #EXTM3U.
func hasHeader(data []byte) bool {
	line, _, _ := bytes.Cut(bytes.TrimLeft(data, " \t\r\n"), []byte("\n"))
	return string(bytes.TrimSpace(line)) == "#EXTM3U"
}

func (m *Manifest) fromMaster(mp *m3u8.MasterPlaylist, resolve resolver) error {
	m.IsMaster = true
	m.Version = int(mp.Version())
	m.IndependentSegments = m.IndependentSegments || mp.IndependentSegments()

	byBW := make(map[uint32]*variant.Variant)
	seen := make(map[*m3u8.Alternative]bool)

	for _, v := range mp.Variants {
		if v == nil || v.Iframe {
			continue
		}
		if v.Bandwidth == 0 {
			return fmt.Errorf("%w: #EXT-X-STREAM-INF without BANDWIDTH", ErrMalformed)
		}
		if v.URI == "" {
			return fmt.Errorf("%w: #EXT-X-STREAM-INF without URI", ErrMalformed)
		}
		uri, err := resolve.uri(v.URI)
		if err != nil {
			return err
		}

		// Renditions are attached to every variant of their group, more
		// than once.
		for _, alt := range v.Alternatives {
			if alt == nil || seen[alt] {
				continue
			}
			seen[alt] = true
			r, err := rendition(alt, resolve)
			if err != nil {
				return err
			}
			m.Renditions = append(m.Renditions, r)
		}

		if existing, ok := byBW[v.Bandwidth]; ok {
			existing.BackupURIs = append(existing.BackupURIs, uri)
			continue
		}
		decl := &variant.Variant{
			Bandwidth:        v.Bandwidth,
			AverageBandwidth: v.AverageBandwidth,
			Codecs:           v.Codecs,
			Resolution:       v.Resolution,
			FrameRate:        v.FrameRate,
			ProgramID:        int(v.ProgramId),
			Audio:            v.Audio,
			Video:            v.Video,
			Subtitles:        v.Subtitles,
			URI:              uri,
		}
		byBW[v.Bandwidth] = decl
		m.Variants = append(m.Variants, decl)
	}
	if len(m.Variants) == 0 {
		return fmt.Errorf("%w: master playlist declares no variants", ErrMalformed)
	}
	return nil
}

func rendition(alt *m3u8.Alternative, resolve resolver) (*variant.Media, error) {
	r := &variant.Media{
		Type:            variant.MediaType(strings.ToUpper(alt.Type)),
		GroupID:         alt.GroupId,
		Language:        strings.ToLower(alt.Language),
		Name:            alt.Name,
		Default:         alt.Default,
		Autoselect:      yes(alt.Autoselect),
		Forced:          yes(alt.Forced),
		Characteristics: alt.Characteristics,
	}
	if r.GroupID == "" || r.Type == "" {
		return nil, fmt.Errorf("%w: #EXT-X-MEDIA needs TYPE and GROUP-ID", ErrMalformed)
	}
	if alt.URI != "" {
		uri, err := resolve.uri(alt.URI)
		if err != nil {
			return nil, err
		}
		r.URI = uri
	}
	return r, nil
}

func (m *Manifest) fromMedia(mp *m3u8.MediaPlaylist, tags *tagRecorder, resolve resolver) error {
	m.Version = int(mp.Version())
	m.MediaSequence = mp.SeqNo
	m.DiscontinuitySequence = mp.DiscontinuitySeq
	m.EndList = mp.Closed
	switch mp.MediaType {
	case m3u8.VOD:
		m.PlaylistType = "VOD"
	case m3u8.EVENT:
		m.PlaylistType = "EVENT"
	}

	var (
		current   *key.EncryptionKey
		nextPDT   time.Time
		lastRange = make(map[string]int64)
	)
	for _, s := range mp.Segments[:mp.Count()] {
		if s.Duration < 0 {
			return fmt.Errorf("%w: negative #EXTINF duration %v", ErrMalformed, s.Duration)
		}
		uri, err := resolve.uri(s.URI)
		if err != nil {
			return err
		}
		e := &Entry{
			URI:           uri,
			Duration:      s.Duration,
			Title:         strings.TrimSpace(s.Title),
			Discontinuity: s.Discontinuity,
		}

		if s.Key != nil {
			if current, err = encryptionKey(s.Key, resolve); err != nil {
				return err
			}
		}
		e.Key = current

		preceding := tags.claim(s.Custom)
		e.Tags = preceding.lines()

		if s.Limit > 0 {
			br := &media.ByteRange{Length: s.Limit, Offset: s.Offset}
			if preceding.continued() {
				br.Offset = lastRange[uri]
			}
			lastRange[uri] = br.Offset + br.Length
			e.ByteRange = br
		}

		if e.Discontinuity {
			nextPDT = time.Time{}
		}
		switch {
		case !s.ProgramDateTime.IsZero():
			e.ProgramDateTime = s.ProgramDateTime
		case !nextPDT.IsZero():
			e.ProgramDateTime = nextPDT
		}
		if !e.ProgramDateTime.IsZero() {
			nextPDT = e.ProgramDateTime.Add(time.Duration(e.Duration * float64(time.Second)))
		}

		m.Segments = append(m.Segments, e)
	}

	if n := len(m.Segments); n > 0 {
		last := m.Segments[n-1]
		last.Tags = append(last.Tags, tags.trailing().lines()...)
	}
	return nil
}

func encryptionKey(k *m3u8.Key, resolve resolver) (*key.EncryptionKey, error) {
	method, err := key.ParseMethod(k.Method)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	if method == key.MethodNone {
		return nil, nil
	}

	ek := &key.EncryptionKey{Method: method, KeyFormat: k.Keyformat}
	if k.URI != "" {
		if ek.URI, err = resolve.uri(k.URI); err != nil {
			return nil, err
		}
	}
	if k.IV != "" {
		if ek.IV, err = key.ParseIV(k.IV); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
	}
	return ek, nil
}

// resolver resolves manifest URIs against the playlist URL.
type resolver string

func (base resolver) uri(uri string) (string, error) {
	if base == "" {
		return uri, nil
	}
	resolved, err := transport.ResolveURL(string(base), uri)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return resolved, nil
}
