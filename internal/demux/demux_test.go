package demux

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/asticode/go-astits"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agleyzer/hlsabr/internal/media"
)

// adtsFrameBytes builds a 48kHz stereo ADTS frame with payloadLen bytes.
func adtsFrameBytes(payloadLen int) []byte {
	frameLen := 7 + payloadLen
	h := []byte{
		0xFF, 0xF1,
		0x40 | 3<<2, // AAC LC, 48kHz
		byte(2<<6) | byte((frameLen>>11)&0x03),
		byte(frameLen >> 3),
		byte(frameLen&0x07)<<5 | 0x1F,
		0xFC,
	}
	return append(h, make([]byte, payloadLen)...)
}

func TestParseADTS(t *testing.T) {
	data := append([]byte{0x00, 0x01}, adtsFrameBytes(10)...)
	data = append(data, adtsFrameBytes(20)...)

	frames, err := parseADTS(data)
	require.NoError(t, err)
	require.Len(t, frames, 2)
	assert.Equal(t, 48000, frames[0].SampleRate)
	assert.Len(t, frames[1].Data, 27)
}

func TestSliceElementaryAudio(t *testing.T) {
	var data []byte
	for i := 0; i < 4; i++ {
		data = append(data, adtsFrameBytes(8)...)
	}
	require.True(t, IsADTS(data))

	start := media.NewTimestamp(100_000_000, media.TimestampPTS)
	r, err := SliceElementaryAudio(data, start, 20*time.Millisecond)
	require.NoError(t, err)

	samples := r.Samples[ElementaryAudioPID]
	require.Len(t, samples, 4)
	assert.Equal(t, media.ContentAudio, r.PIDs[ElementaryAudioPID])
	for i, s := range samples {
		assert.Equal(t, start.Ticks+uint64(i)*200_000, s.PTS.Ticks)
	}
	assert.Equal(t, start, r.Timeline.Start[ElementaryAudioPID])

	// Measured frame distance: 1024 samples at 48kHz.
	r, err = SliceElementaryAudio(data, start, 0)
	require.NoError(t, err)
	assert.Equal(t, start.Ticks+1024*media.TicksPerSecond/48000, r.Samples[ElementaryAudioPID][1].PTS.Ticks)

	_, err = SliceElementaryAudio([]byte("not audio"), start, 0)
	assert.Error(t, err)
}

func TestParseAnnexB(t *testing.T) {
	data := []byte{0, 0, 0, 1, 0x67, 0xAA, 0, 0, 1, 0x65, 0xBB, 0xCC}
	units := parseAnnexB(data)
	require.Len(t, units, 2)
	assert.Equal(t, byte(nalTypeSPS), units[0].Type)
	assert.Equal(t, byte(nalTypeIDR), units[1].Type)
	assert.True(t, isKeyframeAU(units))
	assert.False(t, isKeyframeAU(units[:1]))
}

func muxTestStream(t *testing.T) []byte {
	t.Helper()
	buf := &bytes.Buffer{}
	mx := astits.NewMuxer(context.Background(), buf)
	require.NoError(t, mx.AddElementaryStream(astits.PMTElementaryStream{
		ElementaryPID: 0x100,
		StreamType:    astits.StreamTypeH264Video,
	}))
	mx.SetPCRPID(0x100)
	_, err := mx.WriteTables()
	require.NoError(t, err)

	frames := []struct {
		pts  int64
		data []byte
	}{
		{90_000, []byte{0, 0, 0, 1, 0x65, 0x88, 0x84, 0x00}},
		{93_003, []byte{0, 0, 0, 1, 0x41, 0x9A, 0x02, 0x00}},
		{96_006, []byte{0, 0, 0, 1, 0x41, 0x9A, 0x04, 0x00}},
	}
	for i, f := range frames {
		_, err := mx.WriteData(&astits.MuxerData{
			PID:             0x100,
			AdaptationField: &astits.PacketAdaptationField{RandomAccessIndicator: i == 0},
			PES: &astits.PESData{
				Header: &astits.PESHeader{
					StreamID: 0xE0,
					OptionalHeader: &astits.PESOptionalHeader{
						MarkerBits:      2,
						PTSDTSIndicator: astits.PTSDTSIndicatorOnlyPTS,
						PTS:             &astits.ClockReference{Base: f.pts},
					},
				},
				Data: f.data,
			},
		})
		require.NoError(t, err)
	}
	return buf.Bytes()
}

func TestTSDemuxer_Parse(t *testing.T) {
	d := NewTSDemuxer(slog.New(slog.NewTextHandler(io.Discard, nil)))
	data := muxTestStream(t)
	require.True(t, d.IsRecognized(data))

	r, err := d.Parse(context.Background(), data, nil)
	require.NoError(t, err)

	assert.Equal(t, media.ContentVideo, r.PIDs[0x100])
	samples := r.Samples[0x100]
	require.NotEmpty(t, samples)
	assert.True(t, samples[0].Keyframe)
	assert.Equal(t, uint64(media.TicksPerSecond), samples[0].PTS.Ticks)
	for _, s := range samples[1:] {
		assert.False(t, s.Keyframe)
	}

	pid, ok := r.PIDFor(media.ContentVideo)
	assert.True(t, ok)
	assert.Equal(t, uint16(0x100), pid)
}

func TestTSDemuxer_FilterAndRecognition(t *testing.T) {
	d := NewTSDemuxer(slog.New(slog.NewTextHandler(io.Discard, nil)))
	assert.False(t, d.IsRecognized([]byte("#EXTM3U")))

	_, err := d.Parse(context.Background(), []byte("garbage"), nil)
	assert.ErrorIs(t, err, ErrUnrecognized)

	_, err = d.Parse(context.Background(), muxTestStream(t), []uint16{0x200})
	assert.ErrorIs(t, err, ErrUnrecognized)
}
