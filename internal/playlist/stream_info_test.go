package playlist

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agleyzer/hlsabr/internal/media"
	"github.com/agleyzer/hlsabr/internal/parser"
)

const masterText = `#EXTM3U
#EXT-X-MEDIA:TYPE=AUDIO,GROUP-ID="aud",LANGUAGE="en",NAME="English",DEFAULT=YES,URI="en.m3u8"
#EXT-X-MEDIA:TYPE=AUDIO,GROUP-ID="aud",LANGUAGE="de",NAME="Deutsch",AUTOSELECT=YES,URI="de.m3u8"
#EXT-X-STREAM-INF:BANDWIDTH=1000000,AUDIO="aud"
primary.m3u8
#EXT-X-STREAM-INF:BANDWIDTH=1000000,AUDIO="aud"
backup.m3u8
`

func masterPlaylist(t *testing.T, svc *Services) *Playlist {
	t.Helper()
	m, err := parser.Parse(strings.NewReader(masterText), base+"master.m3u8")
	require.NoError(t, err)
	p, err := New(m, base+"master.m3u8", svc)
	require.NoError(t, err)
	return p
}

func TestStreamInfoBackups(t *testing.T) {
	svc, f := testServices(t, nil)
	f.set(base+"backup.m3u8", []byte(vodText(2, 4)))
	p := masterPlaylist(t, svc)
	require.Len(t, p.Streams(), 1)

	si := p.Streams()[0]
	assert.Equal(t, base+"primary.m3u8", si.URI())
	_, err := si.Load(context.Background(), svc)
	require.Error(t, err)

	require.True(t, si.NextBackup())
	assert.Equal(t, base+"backup.m3u8", si.URI())
	pl, err := si.Load(context.Background(), svc)
	require.NoError(t, err)
	assert.Same(t, pl, si.Playlist())
	assert.False(t, si.NextBackup(), "only one backup declared")

	si.ResetBackups()
	assert.Equal(t, base+"primary.m3u8", si.URI())
}

func TestStreamInfoQuarantine(t *testing.T) {
	svc, _ := testServices(t, nil)
	si := masterPlaylist(t, svc).Streams()[0]
	now := time.Now()

	assert.False(t, si.RecordFailure(now, 2, time.Minute))
	si.RecordSuccess()
	assert.False(t, si.RecordFailure(now, 2, time.Minute))
	assert.True(t, si.RecordFailure(now, 2, time.Minute))

	assert.True(t, si.Quarantined(now.Add(30*time.Second)))
	assert.False(t, si.Quarantined(now.Add(2*time.Minute)))
	assert.Zero(t, si.Failures())
}

func TestDefaultRendition(t *testing.T) {
	svc, _ := testServices(t, nil)
	si := masterPlaylist(t, svc).Streams()[0]

	assert.Equal(t, "de", si.DefaultRendition(media.ContentAudio, "de").Media.Language)
	assert.Equal(t, "en", si.DefaultRendition(media.ContentAudio, "fr").Media.Language)
	assert.Equal(t, media.ContentAudio, si.DefaultRendition(media.ContentAudio, "").ContentType())
	assert.Nil(t, si.DefaultRendition(media.ContentSubtitle, ""))
}
