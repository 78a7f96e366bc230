package transport

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agleyzer/hlsabr/internal/config"
	"github.com/agleyzer/hlsabr/internal/media"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestClient_Fetch(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "hlsabr-test", r.Header.Get("User-Agent"))
		assert.Equal(t, "1", r.Header.Get("X-Custom"))
		w.Header().Set("ETag", `"v1"`)
		w.Write([]byte("segment data"))
	}))
	defer server.Close()

	cfg := config.Default()
	cfg.UserAgent = "hlsabr-test"
	cfg.Headers = map[string]string{"X-Custom": "1"}
	c := NewClient(cfg, testLogger())

	resp, err := c.Fetch(context.Background(), Request{URI: server.URL + "/a.ts"})
	require.NoError(t, err)
	assert.Equal(t, "segment data", string(resp.Body))
	assert.Equal(t, server.URL+"/a.ts", resp.FinalURI)
	assert.Equal(t, `"v1"`, resp.ETag)
}

func TestClient_FetchStatusError(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	defer server.Close()

	c := NewClient(nil, testLogger())
	_, err := c.Fetch(context.Background(), Request{URI: server.URL})

	var se *StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusNotFound, se.Code)
	assert.ErrorIs(t, err, ErrStatus)
	assert.False(t, IsCanceled(err))
}

func TestClient_FetchRangeAndRedirect(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/old.ts", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/new.ts", http.StatusFound)
	})
	mux.HandleFunc("/new.ts", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "bytes=100-149", r.Header.Get("Range"))
		w.WriteHeader(http.StatusPartialContent)
		w.Write(make([]byte, 50))
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	c := NewClient(nil, testLogger())
	resp, err := c.Fetch(context.Background(), Request{
		URI:   server.URL + "/old.ts",
		Range: &media.ByteRange{Offset: 100, Length: 50},
	})
	require.NoError(t, err)
	assert.Len(t, resp.Body, 50)
	assert.Equal(t, server.URL+"/new.ts", resp.FinalURI)
}

func TestClient_FetchNotModified(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("If-None-Match") == `"v1"` {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Write([]byte("#EXTM3U"))
	}))
	defer server.Close()

	c := NewClient(nil, testLogger())
	resp, err := c.Fetch(context.Background(), Request{URI: server.URL, Conditional: Conditional{ETag: `"v1"`}})
	require.NoError(t, err)
	assert.True(t, resp.NotModified())
}

func TestClient_CoalescesConcurrentRequests(t *testing.T) {
	var hits atomic.Int32
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		<-release
		w.Write([]byte("shared"))
	}))
	defer server.Close()

	c := NewClient(nil, testLogger())

	var wg sync.WaitGroup
	results := make([]string, 4)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			resp, err := c.Fetch(context.Background(), Request{URI: server.URL + "/seg.ts"})
			if assert.NoError(t, err) {
				results[i] = string(resp.Body)
			}
		}(i)
	}

	// Give every requester time to attach before the response is released.
	time.Sleep(100 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), hits.Load())
	for _, r := range results {
		assert.Equal(t, "shared", r)
	}
}

func TestClient_FetchCanceled(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()
	defer close(release)

	c := NewClient(nil, testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	_, err := c.Fetch(ctx, Request{URI: server.URL})
	require.Error(t, err)
	assert.True(t, IsCanceled(err))
}

type stubDownloader struct {
	uri  string
	opts Options
}

func (s *stubDownloader) Initialize(uri string) error { s.uri = uri; return nil }
func (s *stubDownloader) Configure(opts Options)      { s.opts = opts }
func (s *stubDownloader) Cancel(bool)                 {}
func (s *stubDownloader) Download(context.Context) (*Response, error) {
	return &Response{Body: []byte("from hook:" + s.opts.Headers.Get("Authorization")), FinalURI: s.uri, Status: http.StatusOK}, nil
}

func TestClient_HookSubstitutesDownloader(t *testing.T) {
	stub := &stubDownloader{}
	c := NewClient(nil, testLogger(), WithHook(func(req *Request) Downloader {
		req.Headers.Set("Authorization", "Bearer token")
		return stub
	}))

	resp, err := c.Fetch(context.Background(), Request{URI: "https://cdn.example.com/seg.ts"})
	require.NoError(t, err)
	assert.Equal(t, "from hook:Bearer token", string(resp.Body))
	assert.Equal(t, "https://cdn.example.com/seg.ts", stub.uri)
}

func TestHTTPDownloader_NotInitialized(t *testing.T) {
	d := NewHTTPDownloader(nil)
	_, err := d.Download(context.Background())
	assert.ErrorIs(t, err, ErrNotInitialized)
	d.Cancel(true)
}

func TestResolveURL(t *testing.T) {
	got, err := ResolveURL("https://example.com/live/master.m3u8", "720p/index.m3u8")
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/live/720p/index.m3u8", got)

	got, err = ResolveURL("https://example.com/live/master.m3u8", "https://cdn.example.com/a.ts")
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.example.com/a.ts", got)
}
