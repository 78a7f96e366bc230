package parser

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/agleyzer/hlsabr/internal/key"
)

const base = "http://example.com/live/index.m3u8"

func TestParse_MediaPlaylist(t *testing.T) {
	playlist := `#EXTM3U
#EXT-X-VERSION:3
#EXT-X-TARGETDURATION:10
#EXT-X-MEDIA-SEQUENCE:100
#EXT-X-DISCONTINUITY-SEQUENCE:4
#EXTINF:9.9,
segment001.ts
#EXTINF:10.0,first title
segment002.ts
#EXT-X-DISCONTINUITY
#EXTINF:10.1,
http://cdn.example.com/segment003.ts
#EXT-X-ENDLIST
`
	m, err := Parse(strings.NewReader(playlist), base)
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}

	if m.IsMaster {
		t.Error("Expected media playlist")
	}
	if m.TargetDuration != 10 {
		t.Errorf("Expected target duration 10, got %v", m.TargetDuration)
	}
	if m.MediaSequence != 100 || m.DiscontinuitySequence != 4 {
		t.Errorf("Unexpected sequences %d/%d", m.MediaSequence, m.DiscontinuitySequence)
	}
	if !m.EndList {
		t.Error("Expected ENDLIST")
	}
	if len(m.Segments) != 3 {
		t.Fatalf("Expected 3 segments, got %d", len(m.Segments))
	}

	if got := m.Segments[0].URI; got != "http://example.com/live/segment001.ts" {
		t.Errorf("Unexpected resolved URI %s", got)
	}
	if got := m.Segments[1].Title; got != "first title" {
		t.Errorf("Unexpected title %q", got)
	}
	if got := m.Segments[2].URI; got != "http://cdn.example.com/segment003.ts" {
		t.Errorf("Absolute URI changed: %s", got)
	}
	if m.Segments[1].Discontinuity || !m.Segments[2].Discontinuity {
		t.Error("Discontinuity flag attached to the wrong segment")
	}
}

func TestParse_NotPlaylist(t *testing.T) {
	for _, input := range []string{"", "hello\n", "#EXTINF:1,\na.ts\n"} {
		if _, err := Parse(strings.NewReader(input), base); !errors.Is(err, ErrNotPlaylist) {
			t.Errorf("Parse(%q) = %v, want ErrNotPlaylist", input, err)
		}
	}
}

func TestParse_Malformed(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"uri without extinf", "#EXTM3U\nsegment.ts\n"},
		{"bad duration", "#EXTM3U\n#EXTINF:abc,\nsegment.ts\n"},
		{"bad byterange", "#EXTM3U\n#EXT-X-BYTERANGE:x@1\n#EXTINF:1,\na.ts\n"},
		{"bad playlist type", "#EXTM3U\n#EXT-X-PLAYLIST-TYPE:LIVE\n"},
		{"stream inf without bandwidth", "#EXTM3U\n#EXT-X-STREAM-INF:CODECS=\"avc1\"\nlow.m3u8\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Parse(strings.NewReader(tt.input), base); !errors.Is(err, ErrMalformed) {
				t.Errorf("Expected ErrMalformed, got %v", err)
			}
		})
	}
}

func TestParse_ByteRangeContinuation(t *testing.T) {
	playlist := `#EXTM3U
#EXT-X-TARGETDURATION:4
#EXTINF:4,
#EXT-X-BYTERANGE:1000@0
all.ts
#EXTINF:4,
#EXT-X-BYTERANGE:500
all.ts
#EXTINF:4,
#EXT-X-BYTERANGE:200@5000
all.ts
`
	m, err := Parse(strings.NewReader(playlist), base)
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}

	want := [][2]int64{{0, 1000}, {1000, 500}, {5000, 200}}
	for i, w := range want {
		br := m.Segments[i].ByteRange
		if br == nil || br.Offset != w[0] || br.Length != w[1] {
			t.Errorf("segment %d: got %+v, want offset %d length %d", i, br, w[0], w[1])
		}
	}
}

func TestParse_KeysAreShared(t *testing.T) {
	playlist := `#EXTM3U
#EXT-X-TARGETDURATION:4
#EXT-X-KEY:METHOD=AES-128,URI="key1.bin",IV=0x1
#EXTINF:4,
a.ts
#EXTINF:4,
b.ts
#EXT-X-KEY:METHOD=NONE
#EXTINF:4,
c.ts
`
	m, err := Parse(strings.NewReader(playlist), base)
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}

	k := m.Segments[0].Key
	if k == nil || k.Method != key.MethodAES128 {
		t.Fatalf("Expected AES-128 key, got %+v", k)
	}
	if k != m.Segments[1].Key {
		t.Error("Segments under one key tag should share the key")
	}
	if k.URI != "http://example.com/live/key1.bin" {
		t.Errorf("Unexpected key URI %s", k.URI)
	}
	if len(k.IV) != 16 || k.IV[15] != 1 {
		t.Errorf("Unexpected IV %x", k.IV)
	}
	if m.Segments[2].Key != nil {
		t.Error("METHOD=NONE should clear the key")
	}
}

func TestParse_ProgramDateTime(t *testing.T) {
	playlist := `#EXTM3U
#EXT-X-TARGETDURATION:6
#EXT-X-PROGRAM-DATE-TIME:2024-03-01T10:00:00.000Z
#EXTINF:6,
a.ts
#EXTINF:6,
b.ts
#EXT-X-DISCONTINUITY
#EXTINF:6,
c.ts
`
	m, err := Parse(strings.NewReader(playlist), base)
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}

	start := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	if !m.Segments[0].ProgramDateTime.Equal(start) {
		t.Errorf("Unexpected PDT %v", m.Segments[0].ProgramDateTime)
	}
	if !m.Segments[1].ProgramDateTime.Equal(start.Add(6 * time.Second)) {
		t.Errorf("PDT not extrapolated: %v", m.Segments[1].ProgramDateTime)
	}
	if !m.Segments[2].ProgramDateTime.IsZero() {
		t.Errorf("PDT should not cross a discontinuity: %v", m.Segments[2].ProgramDateTime)
	}
}

func TestParse_UnknownTagsPreserved(t *testing.T) {
	playlist := `#EXTM3U
#EXT-X-TARGETDURATION:6
#EXT-X-CUE-OUT:30
#EXTINF:6,
a.ts
#EXTINF:6,
b.ts
#EXT-X-CUE-IN
`
	m, err := Parse(strings.NewReader(playlist), base)
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}

	if got := m.Segments[0].Tags; len(got) != 1 || got[0] != "#EXT-X-CUE-OUT:30" {
		t.Errorf("Unexpected tags on first segment: %v", got)
	}
	if got := m.Segments[1].Tags; len(got) != 1 || got[0] != "#EXT-X-CUE-IN" {
		t.Errorf("Trailing tags should attach to the last segment: %v", got)
	}
}

func TestParse_MasterPlaylist(t *testing.T) {
	playlist := `#EXTM3U
#EXT-X-MEDIA:TYPE=AUDIO,GROUP-ID="aac",LANGUAGE="EN",NAME="English",DEFAULT=YES,AUTOSELECT=YES,URI="audio/en.m3u8"
#EXT-X-MEDIA:TYPE=AUDIO,GROUP-ID="aac",LANGUAGE="fr",NAME="Français",URI="audio/fr.m3u8"
#EXT-X-STREAM-INF:BANDWIDTH=1280000,CODECS="avc1.4d401f,mp4a.40.2",RESOLUTION=640x360,AUDIO="aac"
low/index.m3u8
#EXT-X-STREAM-INF:BANDWIDTH=2560000,AVERAGE-BANDWIDTH=2000000,RESOLUTION=1280x720,FRAME-RATE=29.97,AUDIO="aac"
mid/index.m3u8
#EXT-X-STREAM-INF:BANDWIDTH=1280000,CODECS="avc1.4d401f,mp4a.40.2",RESOLUTION=640x360,AUDIO="aac"
http://backup.example.com/low/index.m3u8
`
	m, err := Parse(strings.NewReader(playlist), base)
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}

	if !m.IsMaster {
		t.Fatal("Expected master playlist")
	}
	if len(m.Variants) != 2 {
		t.Fatalf("Expected 2 variants, got %d", len(m.Variants))
	}

	low := m.Variants[0]
	if low.URI != "http://example.com/live/low/index.m3u8" {
		t.Errorf("Unexpected variant URI %s", low.URI)
	}
	if low.Codecs != "avc1.4d401f,mp4a.40.2" {
		t.Errorf("Quoted comma split the codecs: %q", low.Codecs)
	}
	if len(low.BackupURIs) != 1 || low.BackupURIs[0] != "http://backup.example.com/low/index.m3u8" {
		t.Errorf("Expected backup URI, got %v", low.BackupURIs)
	}

	mid := m.Variants[1]
	if mid.AverageBandwidth != 2000000 || mid.FrameRate != 29.97 {
		t.Errorf("Unexpected mid variant %+v", mid)
	}

	if len(m.Renditions) != 2 {
		t.Fatalf("Expected 2 renditions, got %d", len(m.Renditions))
	}
	en := m.Renditions[0]
	if en.Language != "en" || !en.Default || !en.Autoselect || en.GroupID != "aac" {
		t.Errorf("Unexpected rendition %+v", en)
	}
	if en.URI != "http://example.com/live/audio/en.m3u8" {
		t.Errorf("Unexpected rendition URI %s", en.URI)
	}
}

func TestParse_ByteOrderMark(t *testing.T) {
	playlist := "\xef\xbb\xbf#EXTM3U\n#EXT-X-TARGETDURATION:4\n#EXTINF:4,\na.ts\n"
	m, err := Parse(strings.NewReader(playlist), base)
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if len(m.Segments) != 1 {
		t.Fatalf("Expected 1 segment, got %d", len(m.Segments))
	}
}

func TestParse_HeaderFlags(t *testing.T) {
	playlist := `#EXTM3U
#EXT-X-VERSION:6
#EXT-X-INDEPENDENT-SEGMENTS
#EXT-X-ALLOW-CACHE:NO
#EXT-X-PLAYLIST-TYPE:EVENT
#EXTINF:4,
a.ts
`
	m, err := Parse(strings.NewReader(playlist), base)
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if m.AllowCache || !m.IndependentSegments {
		t.Errorf("Unexpected flags allow-cache=%v independent=%v", m.AllowCache, m.IndependentSegments)
	}
	if m.PlaylistType != "EVENT" || m.Version != 6 {
		t.Errorf("Unexpected type %q version %d", m.PlaylistType, m.Version)
	}
	if m.TargetDuration != 0 {
		t.Errorf("Undeclared target duration should stay zero, got %v", m.TargetDuration)
	}
}

func TestParse_UnsupportedKeyMethod(t *testing.T) {
	playlist := `#EXTM3U
#EXT-X-TARGETDURATION:4
#EXT-X-KEY:METHOD=SAMPLE-AES-CTR,URI="k.bin"
#EXTINF:4,
a.ts
`
	_, err := Parse(strings.NewReader(playlist), base)
	if !errors.Is(err, ErrMalformed) || !errors.Is(err, key.ErrUnsupportedMethod) {
		t.Errorf("Expected unsupported key method, got %v", err)
	}
}

func TestParse_RepeatedUnknownTags(t *testing.T) {
	playlist := `#EXTM3U
#EXT-X-TARGETDURATION:6
#EXT-X-GAP
#EXT-X-GAP
#EXTINF:6,
a.ts
#EXT-X-CUE-OUT:30
#EXT-X-MAP:URI="init.mp4"
#EXTINF:6,
b.ts
#EXTINF:6,
c.ts
`
	m, err := Parse(strings.NewReader(playlist), base)
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}

	want := [][]string{
		{"#EXT-X-GAP", "#EXT-X-GAP"},
		{"#EXT-X-CUE-OUT:30", `#EXT-X-MAP:URI="init.mp4"`},
		nil,
	}
	for i, w := range want {
		got := m.Segments[i].Tags
		if len(got) != len(w) {
			t.Errorf("segment %d: got tags %v, want %v", i, got, w)
			continue
		}
		for j := range w {
			if got[j] != w[j] {
				t.Errorf("segment %d: got tags %v, want %v", i, got, w)
				break
			}
		}
	}
}

func TestParse_IFrameVariantsSkipped(t *testing.T) {
	playlist := `#EXTM3U
#EXT-X-STREAM-INF:BANDWIDTH=800000
low.m3u8
#EXT-X-I-FRAME-STREAM-INF:BANDWIDTH=100000,URI="iframes.m3u8"
`
	m, err := Parse(strings.NewReader(playlist), base)
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if len(m.Variants) != 1 || m.Variants[0].Bandwidth != 800000 {
		t.Errorf("Unexpected variants %v", m.Variants)
	}
}

func TestParseProgramDateTime(t *testing.T) {
	for _, s := range []string{
		"2024-03-01T10:00:00Z",
		"2024-03-01T10:00:00.123+00:00",
		"2024-03-01T10:00:00.123+0000",
		"2024-03-01T10:00:00",
	} {
		if _, err := ParseProgramDateTime(s); err != nil {
			t.Errorf("ParseProgramDateTime(%q): %v", s, err)
		}
	}
	if _, err := ParseProgramDateTime("yesterday"); err == nil {
		t.Error("Expected error for garbage date")
	}
}
