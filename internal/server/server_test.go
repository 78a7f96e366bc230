package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/agleyzer/hlsabr/internal/config"
	"github.com/agleyzer/hlsabr/internal/engine"
	"github.com/agleyzer/hlsabr/internal/media"
	"github.com/agleyzer/hlsabr/internal/metrics"
	"github.com/agleyzer/hlsabr/internal/parser"
	"github.com/agleyzer/hlsabr/internal/playlist"
)

const mediaText = `#EXTM3U
#EXT-X-VERSION:3
#EXT-X-TARGETDURATION:10
#EXT-X-MEDIA-SEQUENCE:0
#EXTINF:10,
seg0.ts
#EXTINF:10,
seg1.ts
#EXTINF:10,
seg2.ts
#EXT-X-ENDLIST
`

func createTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelError,
	}))
}

type fakePlayer struct {
	pl       *playlist.Playlist
	status   engine.Status
	switched []uint32
}

func (p *fakePlayer) Status() engine.Status       { return p.status }
func (p *fakePlayer) Master() *playlist.Playlist { return nil }

func (p *fakePlayer) Playlist(ct media.ContentType) (*playlist.Playlist, error) {
	if ct != media.ContentAudio {
		return nil, engine.ErrNoTrack
	}
	return p.pl, nil
}

func (p *fakePlayer) RequestSwitch(bw uint32) error {
	if bw == 0 {
		return errors.New("no such variant")
	}
	p.switched = append(p.switched, bw)
	return nil
}

func createTestPlayer(t *testing.T) *fakePlayer {
	uri := "https://example.com/index.m3u8"
	m, err := parser.Parse(strings.NewReader(mediaText), uri)
	if err != nil {
		t.Fatalf("Failed to parse test playlist: %v", err)
	}
	pl, err := playlist.New(m, uri, &playlist.Services{Config: config.Default(), Logger: createTestLogger()})
	if err != nil {
		t.Fatalf("Failed to create test playlist: %v", err)
	}
	return &fakePlayer{
		pl: pl,
		status: engine.Status{
			URI:      uri,
			Estimate: 1_000_000,
			Tracks: []engine.TrackStatus{
				{ContentType: "audio", Bandwidth: 128_000, Buffered: 20 * time.Second},
			},
		},
	}
}

func serve(srv *Server, method, path string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	return w
}

func TestNew(t *testing.T) {
	p := createTestPlayer(t)
	logger := createTestLogger()

	srv := New(p, nil, nil, 8080, logger)

	if srv.player != p {
		t.Error("Player not set correctly")
	}
	if srv.port != 8080 {
		t.Error("Port not set correctly")
	}
	if srv.logger != logger {
		t.Error("Logger not set correctly")
	}
}

func TestHandlePlaylist(t *testing.T) {
	srv := New(createTestPlayer(t), nil, nil, 8080, createTestLogger())

	for _, path := range []string{"/playlist.m3u8", "/playlist/audio.m3u8"} {
		w := serve(srv, "GET", path)
		resp := w.Result()

		if resp.StatusCode != http.StatusOK {
			t.Errorf("%s: Expected status 200, got %d", path, resp.StatusCode)
		}
		if ct := resp.Header.Get("Content-Type"); ct != "application/vnd.apple.mpegurl" {
			t.Errorf("%s: Expected Content-Type 'application/vnd.apple.mpegurl', got '%s'", path, ct)
		}
		if cc := resp.Header.Get("Cache-Control"); !strings.Contains(cc, "no-cache") {
			t.Errorf("%s: Expected Cache-Control with 'no-cache', got '%s'", path, cc)
		}
		if cors := resp.Header.Get("Access-Control-Allow-Origin"); cors != "*" {
			t.Errorf("%s: Expected CORS header '*', got '%s'", path, cors)
		}

		body := w.Body.String()
		for _, tag := range []string{"#EXTM3U", "#EXT-X-TARGETDURATION", "seg2.ts", "#EXT-X-ENDLIST"} {
			if !strings.Contains(body, tag) {
				t.Errorf("%s: Response body missing %s", path, tag)
			}
		}
	}
}

func TestHandlePlaylist_UnknownType(t *testing.T) {
	srv := New(createTestPlayer(t), nil, nil, 8080, createTestLogger())

	if w := serve(srv, "GET", "/playlist/teletext.m3u8"); w.Code != http.StatusNotFound {
		t.Errorf("Expected status 404, got %d", w.Code)
	}
	if w := serve(srv, "GET", "/playlist/video.m3u8"); w.Code != http.StatusNotFound {
		t.Errorf("Expected status 404 for a missing track, got %d", w.Code)
	}
}

func TestHandleHealth(t *testing.T) {
	p := createTestPlayer(t)
	srv := New(p, nil, nil, 8080, createTestLogger())

	w := serve(srv, "GET", "/health")
	if w.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Expected Content-Type 'application/json', got '%s'", ct)
	}

	var health map[string]interface{}
	if err := json.NewDecoder(w.Body).Decode(&health); err != nil {
		t.Fatalf("Failed to parse JSON response: %v", err)
	}
	if health["status"] != "ok" {
		t.Errorf("Expected status 'ok', got '%v'", health["status"])
	}
	stats, ok := health["stats"].(map[string]interface{})
	if !ok {
		t.Fatal("Stats is not a map")
	}
	for _, field := range []string{"uri", "segments", "baseSequence", "targetDuration"} {
		if _, ok := stats[field]; !ok {
			t.Errorf("Stats missing field '%s'", field)
		}
	}
}

func TestHandleHealth_Failed(t *testing.T) {
	p := createTestPlayer(t)
	p.status.Error = "all variants failed"
	srv := New(p, nil, nil, 8080, createTestLogger())

	w := serve(srv, "GET", "/health")
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected status 503, got %d", w.Code)
	}
}

type fakeCluster struct{}

func (fakeCluster) State() string      { return "Leader" }
func (fakeCluster) IsLeader() bool     { return true }
func (fakeCluster) LeaderAddr() string { return "127.0.0.1:7000" }

func TestHandleStatus(t *testing.T) {
	srv := New(createTestPlayer(t), nil, fakeCluster{}, 8080, createTestLogger())

	w := serve(srv, "GET", "/status")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}

	var resp struct {
		Playback engine.Status         `json:"playback"`
		Cluster  map[string]interface{} `json:"cluster"`
	}
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("Failed to parse JSON response: %v", err)
	}
	if resp.Playback.Estimate != 1_000_000 {
		t.Errorf("Expected estimate 1000000, got %d", resp.Playback.Estimate)
	}
	if len(resp.Playback.Tracks) != 1 || resp.Playback.Tracks[0].ContentType != "audio" {
		t.Errorf("Unexpected tracks %+v", resp.Playback.Tracks)
	}
	if resp.Cluster["state"] != "Leader" {
		t.Errorf("Expected cluster state 'Leader', got '%v'", resp.Cluster["state"])
	}
}

func TestHandleSwitch(t *testing.T) {
	p := createTestPlayer(t)
	srv := New(p, nil, nil, 8080, createTestLogger())

	if w := serve(srv, "POST", "/switch/800000"); w.Code != http.StatusAccepted {
		t.Errorf("Expected status 202, got %d", w.Code)
	}
	if len(p.switched) != 1 || p.switched[0] != 800000 {
		t.Errorf("Expected a switch to 800000, got %v", p.switched)
	}
	if w := serve(srv, "POST", "/switch/fast"); w.Code != http.StatusBadRequest {
		t.Errorf("Expected status 400, got %d", w.Code)
	}
	if w := serve(srv, "POST", "/switch/0"); w.Code != http.StatusConflict {
		t.Errorf("Expected status 409, got %d", w.Code)
	}
	if w := serve(srv, "GET", "/switch/800000"); w.Code != http.StatusMethodNotAllowed {
		t.Errorf("Expected status 405, got %d", w.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	m := metrics.New()
	srv := New(createTestPlayer(t), m, nil, 8080, createTestLogger())

	serve(srv, "GET", "/health")
	w := serve(srv, "GET", "/metrics")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	body := w.Body.String()
	for _, name := range []string{"hlsabr_bandwidth_estimate_bps", "hlsabr_http_requests_total"} {
		if !strings.Contains(body, name) {
			t.Errorf("Metrics missing %s", name)
		}
	}

	if w := serve(New(createTestPlayer(t), nil, nil, 8080, createTestLogger()), "GET", "/metrics"); w.Code != http.StatusNotFound {
		t.Errorf("Expected status 404 without metrics, got %d", w.Code)
	}
}

func TestLoggingMiddleware(t *testing.T) {
	srv := New(createTestPlayer(t), nil, nil, 8080, createTestLogger())

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("test"))
	})

	wrapped := srv.loggingMiddleware(handler)

	req := httptest.NewRequest("GET", "/test", nil)
	w := httptest.NewRecorder()

	wrapped.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", w.Code)
	}
	if w.Body.String() != "test" {
		t.Errorf("Expected body 'test', got '%s'", w.Body.String())
	}
}

func TestResponseWriter_CapturesStatusCode(t *testing.T) {
	wrapped := &responseWriter{
		ResponseWriter: httptest.NewRecorder(),
		statusCode:     http.StatusOK,
	}

	wrapped.WriteHeader(http.StatusNotFound)

	if wrapped.statusCode != http.StatusNotFound {
		t.Errorf("Expected status code 404, got %d", wrapped.statusCode)
	}
}

func TestServer_Integration(t *testing.T) {
	srv := New(createTestPlayer(t), nil, nil, 0, createTestLogger()) // Use port 0 for automatic port assignment

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	errChan := make(chan error, 1)
	go func() {
		errChan <- srv.Start(ctx)
	}()

	// Give server time to start
	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-errChan:
		if err != nil && err != http.ErrServerClosed {
			t.Errorf("Expected nil or ErrServerClosed, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Error("Server did not stop within timeout")
	}
}
