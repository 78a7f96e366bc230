package parser

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/grafov/m3u8"
)

// tagPrefix makes the recorder see every directive line.
const tagPrefix = "#EXT"

// Directives mapped from the decoded playlist. Everything else is kept
// verbatim on the following segment.
var knownTags = map[string]bool{
	"#EXTM3U":                       true,
	"#EXTINF":                       true,
	"#EXT-X-BYTERANGE":              true,
	"#EXT-X-TARGETDURATION":         true,
	"#EXT-X-MEDIA-SEQUENCE":         true,
	"#EXT-X-DISCONTINUITY-SEQUENCE": true,
	"#EXT-X-ALLOW-CACHE":            true,
	"#EXT-X-PLAYLIST-TYPE":          true,
	"#EXT-X-ENDLIST":                true,
	"#EXT-X-DISCONTINUITY":          true,
	"#EXT-X-VERSION":                true,
	"#EXT-X-KEY":                    true,
	"#EXT-X-MEDIA":                  true,
	"#EXT-X-STREAM-INF":             true,
	"#EXT-X-I-FRAME-STREAM-INF":     true,
	"#EXT-X-PROGRAM-DATE-TIME":      true,
	"#EXT-X-INDEPENDENT-SEGMENTS":   true,
}

// tagEntry is one recorded directive. Entries form a chain back to the
// first one so a segment can collect every directive since the previous
// segment.
type tagEntry struct {
	line string
	prev *tagEntry

	// hidden entries carry state, not preserved text.
	hidden bool

	// continued marks a byte range without an offset.
	continued bool
}

func (e *tagEntry) TagName() string {
	name, _ := splitDirective(e.line)
	return name
}

func (e *tagEntry) Encode() *bytes.Buffer { return bytes.NewBufferString(e.line) }

func (e *tagEntry) String() string { return e.line }

// tagRecorder is a m3u8.CustomDecoder collecting the header values and
// directives the decoded playlist types have no field for.
type tagRecorder struct {
	root    *tagEntry
	last    *tagEntry
	claimed map[*tagEntry]bool

	targetDuration float64
	allowCache     bool
	independent    bool

	// DecodeWith offers every line to the decoders of the master and the
	// media playlist in turn, so each line arrives twice in a row.
	prevLine string
	prevErr  error
	replay   bool
}

func newTagRecorder() *tagRecorder {
	root := &tagEntry{hidden: true}
	return &tagRecorder{
		root:       root,
		last:       root,
		claimed:    map[*tagEntry]bool{root: true},
		allowCache: true,
	}
}

func (r *tagRecorder) TagName() string { return tagPrefix }

func (r *tagRecorder) SegmentTag() bool { return true }

func (r *tagRecorder) Decode(line string) (m3u8.CustomTag, error) {
	if r.replay && line == r.prevLine {
		r.replay = false
		return r.last, r.prevErr
	}
	r.replay, r.prevLine = true, line
	r.prevErr = r.record(line)
	return r.last, r.prevErr
}

func (r *tagRecorder) record(line string) error {
	name, value := splitDirective(line)
	switch name {
	case "#EXT-X-TARGETDURATION":
		d, err := strconv.ParseFloat(value, 64)
		if err != nil || d < 0 {
			return fmt.Errorf("bad target duration %q", value)
		}
		r.targetDuration = d
	case "#EXT-X-ALLOW-CACHE":
		r.allowCache = yes(value)
	case "#EXT-X-INDEPENDENT-SEGMENTS":
		r.independent = true
	case "#EXT-X-PLAYLIST-TYPE":
		if v := strings.ToUpper(value); v != "VOD" && v != "EVENT" {
			return fmt.Errorf("unknown playlist type %q", value)
		}
	case "#EXT-X-BYTERANGE":
		if !strings.Contains(value, "@") {
			r.push(&tagEntry{line: line, hidden: true, continued: true})
		}
	default:
		if !knownTags[name] {
			r.push(&tagEntry{line: line})
		}
	}
	return nil
}

func (r *tagRecorder) push(e *tagEntry) {
	e.prev = r.last
	r.last = e
}

// claim returns the directives recorded since the previous segment, given
// the tag the decoder attached to a segment.
func (r *tagRecorder) claim(custom map[string]m3u8.CustomTag) tagRun {
	e, _ := custom[tagPrefix].(*tagEntry)
	return r.collect(e)
}

// trailing returns the directives after the last segment.
func (r *tagRecorder) trailing() tagRun {
	return r.collect(r.last)
}

func (r *tagRecorder) collect(e *tagEntry) tagRun {
	var run tagRun
	for ; e != nil && !r.claimed[e]; e = e.prev {
		r.claimed[e] = true
		run = append(run, e)
	}
	for i, j := 0, len(run)-1; i < j; i, j = i+1, j-1 {
		run[i], run[j] = run[j], run[i]
	}
	return run
}

// tagRun is the directives preceding one segment, in manifest order.
type tagRun []*tagEntry

func (run tagRun) lines() []string {
	var out []string
	for _, e := range run {
		if !e.hidden {
			out = append(out, e.line)
		}
	}
	return out
}

func (run tagRun) continued() bool {
	for _, e := range run {
		if e.continued {
			return true
		}
	}
	return false
}

func splitDirective(line string) (name, value string) {
	if i := strings.IndexByte(line, ':'); i >= 0 {
		return line[:i], line[i+1:]
	}
	return line, ""
}

func yes(s string) bool {
	return strings.EqualFold(s, "YES")
}

var pdtLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999Z0700",
	"2006-01-02T15:04:05.999999999",
}

// ParseProgramDateTime parses an ISO-8601 date with optional fraction and
// timezone offset. Timestamps without an offset are taken as UTC.
func ParseProgramDateTime(s string) (time.Time, error) {
	var err error
	for _, layout := range pdtLayouts {
		var t time.Time
		if t, err = time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, err
}
