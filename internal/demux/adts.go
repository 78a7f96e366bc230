package demux

import (
	"errors"
	"time"

	"github.com/agleyzer/hlsabr/internal/media"
)

// ErrInvalidADTS is returned for ADTS headers with a reserved sample rate.
var ErrInvalidADTS = errors.New("invalid ADTS header")

var aacSampleRates = []int{
	96000, 88200, 64000, 48000, 44100, 32000,
	24000, 22050, 16000, 12000, 11025, 8000, 7350,
}

// adtsFrame is one AAC frame including its ADTS header.
type adtsFrame struct {
	Data       []byte
	SampleRate int
}

// parseADTS splits a buffer into ADTS frames, resynchronizing on garbage.
func parseADTS(data []byte) ([]adtsFrame, error) {
	var frames []adtsFrame
	offset := 0

	for offset < len(data) {
		if len(data)-offset < 7 {
			break
		}
		if data[offset] != 0xFF || (data[offset+1]&0xF0) != 0xF0 {
			offset++
			continue
		}

		headerSize := 7
		if data[offset+1]&0x01 == 0 {
			headerSize = 9
		}

		rateIdx := (data[offset+2] >> 2) & 0x0F
		if int(rateIdx) >= len(aacSampleRates) {
			return frames, ErrInvalidADTS
		}

		frameLen := int(data[offset+3]&0x03)<<11 |
			int(data[offset+4])<<3 |
			int(data[offset+5]>>5)
		if frameLen < headerSize || offset+frameLen > len(data) {
			break
		}

		frames = append(frames, adtsFrame{
			Data:       data[offset : offset+frameLen],
			SampleRate: aacSampleRates[rateIdx],
		})
		offset += frameLen
	}

	return frames, nil
}

// IsADTS reports whether data starts with an ADTS sync word, skipping an
// optional ID3 tag.
func IsADTS(data []byte) bool {
	data = skipID3(data)
	return len(data) >= 7 && data[0] == 0xFF && data[1]&0xF6 == 0xF0
}

func skipID3(data []byte) []byte {
	if len(data) < 10 || string(data[:3]) != "ID3" {
		return data
	}
	size := int(data[6]&0x7F)<<21 | int(data[7]&0x7F)<<14 | int(data[8]&0x7F)<<7 | int(data[9]&0x7F)
	if 10+size > len(data) {
		return nil
	}
	return data[10+size:]
}

// ElementaryAudioPID is the stream id assigned to packed audio samples.
const ElementaryAudioPID uint16 = 0x1FFE

// SliceElementaryAudio synthesizes fixed-size time-sliced samples from a
// packed ADTS segment. Packed audio has no PES timestamps, so the i-th frame
// is stamped start + i*frameDistance. When frameDistance is zero it is
// measured from the sample rate of the first frame.
func SliceElementaryAudio(data []byte, start media.Timestamp, frameDistance time.Duration) (*Result, error) {
	frames, err := parseADTS(skipID3(data))
	if err != nil && len(frames) == 0 {
		return nil, err
	}
	if len(frames) == 0 {
		return nil, ErrUnrecognized
	}

	step := media.FromDuration(frameDistance)
	if step == 0 && frames[0].SampleRate > 0 {
		step = 1024 * media.TicksPerSecond / uint64(frames[0].SampleRate)
	}

	r := NewResult()
	r.PIDs[ElementaryAudioPID] = media.ContentAudio
	for i, f := range frames {
		r.add(ElementaryAudioPID, &media.Sample{
			PID:      ElementaryAudioPID,
			PTS:      media.NewTimestamp(start.Ticks+uint64(i)*step, media.TimestampPTS),
			Keyframe: true,
			Payload:  f.Data,
		})
	}
	return r, nil
}
