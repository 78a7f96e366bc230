// Package variant defines the declarations a master playlist makes about its
// variant streams (#EXT-X-STREAM-INF) and alternate renditions
// (#EXT-X-MEDIA).
package variant

import (
	"fmt"
	"sort"
	"strings"
)

// Variant is one #EXT-X-STREAM-INF declaration.
type Variant struct {
	// Bandwidth is the peak segment bitrate in bits per second. It is unique
	// within a master playlist.
	Bandwidth uint32

	// AverageBandwidth is the optional AVERAGE-BANDWIDTH attribute.
	AverageBandwidth uint32

	// Codecs is the codec string (e.g., "avc1.4d401f,mp4a.40.2").
	Codecs string

	// Resolution is the video resolution (e.g., "1280x720").
	Resolution string

	// FrameRate is the optional FRAME-RATE attribute.
	FrameRate float64

	// ProgramID is the deprecated PROGRAM-ID attribute.
	ProgramID int

	// Audio, Video and Subtitles name rendition groups.
	Audio     string
	Video     string
	Subtitles string

	// URI is the media playlist of this variant.
	URI string

	// BackupURIs are further URIs declared with the same bandwidth.
	BackupURIs []string
}

// HasVideo reports whether the codec list names a video codec. An empty
// codec list is assumed to carry video.
func (v *Variant) HasVideo() bool {
	if v.Codecs == "" {
		return true
	}
	for _, c := range strings.Split(v.Codecs, ",") {
		c = strings.TrimSpace(c)
		if strings.HasPrefix(c, "avc") || strings.HasPrefix(c, "hvc") || strings.HasPrefix(c, "hev") {
			return true
		}
	}
	return false
}

func (v *Variant) String() string {
	return fmt.Sprintf("variant(%d bps %s)", v.Bandwidth, v.Resolution)
}

// MediaType is the TYPE attribute of #EXT-X-MEDIA.
type MediaType string

const (
	MediaAudio          MediaType = "AUDIO"
	MediaVideo          MediaType = "VIDEO"
	MediaSubtitles      MediaType = "SUBTITLES"
	MediaClosedCaptions MediaType = "CLOSED-CAPTIONS"
)

// Media is one #EXT-X-MEDIA declaration.
type Media struct {
	Type            MediaType
	GroupID         string
	Language        string
	Name            string
	Default         bool
	Autoselect      bool
	Forced          bool
	Characteristics string

	// URI is empty when the rendition is carried in the variant stream.
	URI string
}

// Bounds returns the lowest and highest bandwidth of a set of variants.
func Bounds(variants []*Variant) (lowest, highest uint32) {
	if len(variants) == 0 {
		return 0, 0
	}
	bws := SortedBandwidths(variants)
	return bws[0], bws[len(bws)-1]
}

// SortedBandwidths returns the distinct bandwidths in ascending order.
func SortedBandwidths(variants []*Variant) []uint32 {
	seen := make(map[uint32]bool, len(variants))
	out := make([]uint32, 0, len(variants))
	for _, v := range variants {
		if !seen[v.Bandwidth] {
			seen[v.Bandwidth] = true
			out = append(out, v.Bandwidth)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
