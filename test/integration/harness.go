// Package integration runs the hlsabr binary against a local HLS origin.
package integration

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// TestHarness manages the test environment for integration tests.
type TestHarness struct {
	t          *testing.T
	origin     *http.Server
	originPort int
	playerCmd  *exec.Cmd
	playerPort int
	tempDir    string
	cancel     context.CancelFunc
}

// NewTestHarness creates a new test harness.
func NewTestHarness(t *testing.T) *TestHarness {
	t.Helper()

	return &TestHarness{
		t:          t,
		originPort: findAvailablePort(t),
		playerPort: findAvailablePort(t),
	}
}

// StartOrigin starts an HTTP server serving files by name.
func (h *TestHarness) StartOrigin(files map[string][]byte) {
	h.t.Helper()

	h.tempDir = h.t.TempDir()
	h.origin = startOrigin(h.t, h.tempDir, h.originPort, files)
	h.t.Logf("origin started on port %d", h.originPort)
}

// AddFile adds a file to the origin. Must be called after StartOrigin.
func (h *TestHarness) AddFile(name string, content []byte) {
	h.t.Helper()

	if h.tempDir == "" {
		h.t.Fatal("StartOrigin must be called before AddFile")
	}
	writeFile(h.t, h.tempDir, name, content)
}

// URL returns the origin URL of name.
func (h *TestHarness) URL(name string) string {
	return fmt.Sprintf("http://localhost:%d/%s", h.originPort, name)
}

// StartPlayer starts the hlsabr binary playing the named playlist.
func (h *TestHarness) StartPlayer(playlistName string, args ...string) {
	h.t.Helper()

	binaryPath := findBinary(h.t)

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel

	args = append([]string{"--port", fmt.Sprintf("%d", h.playerPort)}, args...)
	args = append(args, h.URL(playlistName))
	h.playerCmd = exec.CommandContext(ctx, binaryPath, args...)

	// Capture output for debugging
	h.playerCmd.Stdout = os.Stdout
	h.playerCmd.Stderr = os.Stderr

	if err := h.playerCmd.Start(); err != nil {
		h.t.Fatalf("failed to start hlsabr: %v", err)
	}

	waitForServer(h.t, fmt.Sprintf("http://localhost:%d/health", h.playerPort), 10*time.Second)
	h.t.Logf("hlsabr started on port %d", h.playerPort)
}

// Get fetches path from the player and returns the body and status code.
func (h *TestHarness) Get(path string) (string, int) {
	h.t.Helper()

	body, code, err := get(fmt.Sprintf("http://localhost:%d%s", h.playerPort, path))
	if err != nil {
		h.t.Fatalf("failed to fetch %s: %v", path, err)
	}
	return body, code
}

// Post posts an empty body to path on the player and returns the status code.
func (h *TestHarness) Post(path string) int {
	h.t.Helper()

	resp, err := http.Post(fmt.Sprintf("http://localhost:%d%s", h.playerPort, path), "text/plain", nil)
	if err != nil {
		h.t.Fatalf("failed to post %s: %v", path, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	return resp.StatusCode
}

// FetchStatus returns the decoded /status document of the player.
func (h *TestHarness) FetchStatus() *StatusResponse {
	h.t.Helper()

	st, err := fetchStatus(h.playerPort)
	if err != nil {
		h.t.Fatalf("failed to fetch status: %v", err)
	}
	return st
}

// Cleanup stops all running services.
func (h *TestHarness) Cleanup() {
	h.t.Helper()

	if h.cancel != nil {
		h.cancel()
	}
	if h.playerCmd != nil && h.playerCmd.Process != nil {
		h.playerCmd.Process.Kill()
		h.playerCmd.Wait()
	}

	if h.origin != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		h.origin.Shutdown(ctx)
	}
}

// StatusResponse mirrors the /status document.
type StatusResponse struct {
	Playback struct {
		URI      string        `json:"uri"`
		Master   bool          `json:"master"`
		Estimate uint32        `json:"estimate"`
		Error    string        `json:"error"`
		Tracks   []TrackStatus `json:"tracks"`
	} `json:"playback"`
	Cluster *struct {
		State  string `json:"state"`
		Leader bool   `json:"leader"`
		Addr   string `json:"addr"`
	} `json:"cluster"`
}

// TrackStatus mirrors one track of the /status document.
type TrackStatus struct {
	ContentType string `json:"content_type"`
	Bandwidth   uint32 `json:"bandwidth"`
	URI         string `json:"uri"`
	Sequence    uint64 `json:"sequence"`
	Position    int64  `json:"position"`
}

func fetchStatus(port int) (*StatusResponse, error) {
	body, code, err := get(fmt.Sprintf("http://localhost:%d/status", port))
	if err != nil {
		return nil, err
	}
	if code != http.StatusOK {
		return nil, fmt.Errorf("unexpected status code: %d", code)
	}
	var st StatusResponse
	if err := json.Unmarshal([]byte(body), &st); err != nil {
		return nil, err
	}
	return &st, nil
}

func get(url string) (string, int, error) {
	resp, err := http.Get(url)
	if err != nil {
		return "", 0, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", 0, err
	}
	return string(body), resp.StatusCode, nil
}

func startOrigin(t *testing.T, dir string, port int, files map[string][]byte) *http.Server {
	t.Helper()

	for name, content := range files {
		writeFile(t, dir, name, content)
	}

	mux := http.NewServeMux()
	mux.Handle("/", http.FileServer(http.Dir(dir)))

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: mux,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			t.Logf("HTTP server error: %v", err)
		}
	}()

	waitForServer(t, fmt.Sprintf("http://localhost:%d", port), 5*time.Second)
	return srv
}

func writeFile(t *testing.T, dir, name string, content []byte) {
	t.Helper()

	if err := os.WriteFile(filepath.Join(dir, name), content, 0644); err != nil {
		t.Fatalf("failed to write %s: %v", name, err)
	}
}

// findBinary locates the hlsabr binary.
func findBinary(t *testing.T) string {
	t.Helper()

	candidates := []string{
		"../../hlsabr",        // From test/integration
		"./hlsabr",            // From project root
		"../hlsabr",           // From test directory
		"./cmd/hlsabr/hlsabr", // Built in place
	}

	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			absPath, _ := filepath.Abs(path)
			t.Logf("found hlsabr binary at: %s", absPath)
			return absPath
		}
	}

	t.Skip("hlsabr binary not found. Run 'go build -o hlsabr ./cmd/hlsabr' first")
	return ""
}

// waitForServer waits for a server to answer with a non-5xx status.
func waitForServer(t *testing.T, url string, timeout time.Duration) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		resp, err := http.Get(url)
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode < 500 {
				return
			}
		}
		time.Sleep(100 * time.Millisecond)
	}

	t.Fatalf("server at %s did not become available within %v", url, timeout)
}

// findAvailablePort finds an available TCP port.
func findAvailablePort(t *testing.T) int {
	t.Helper()

	listener, err := net.Listen("tcp", ":0")
	if err != nil {
		t.Fatalf("failed to find available port: %v", err)
	}
	defer listener.Close()

	return listener.Addr().(*net.TCPAddr).Port
}

// ParsedPlaylist represents a parsed HLS playlist for testing.
type ParsedPlaylist struct {
	Version        int
	TargetDuration int
	MediaSequence  uint64
	Segments       []PlaylistSegment
	Variants       []string
	HasEndList     bool
}

// PlaylistSegment represents a segment in a playlist.
type PlaylistSegment struct {
	Duration      float64
	URL           string
	Discontinuity bool
}

// ParsePlaylist parses an HLS playlist into a structured format.
func ParsePlaylist(content string) *ParsedPlaylist {
	playlist := &ParsedPlaylist{
		Segments: []PlaylistSegment{},
	}

	lines := strings.Split(content, "\n")
	var currentSegment *PlaylistSegment
	var nextSegmentHasDiscontinuity, nextIsVariant bool

	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		switch {
		case strings.HasPrefix(line, "#EXT-X-VERSION:"):
			fmt.Sscanf(line, "#EXT-X-VERSION:%d", &playlist.Version)

		case strings.HasPrefix(line, "#EXT-X-TARGETDURATION:"):
			fmt.Sscanf(line, "#EXT-X-TARGETDURATION:%d", &playlist.TargetDuration)

		case strings.HasPrefix(line, "#EXT-X-MEDIA-SEQUENCE:"):
			fmt.Sscanf(line, "#EXT-X-MEDIA-SEQUENCE:%d", &playlist.MediaSequence)

		case line == "#EXT-X-ENDLIST":
			playlist.HasEndList = true

		case line == "#EXT-X-DISCONTINUITY":
			nextSegmentHasDiscontinuity = true

		case strings.HasPrefix(line, "#EXT-X-STREAM-INF:"):
			nextIsVariant = true

		case strings.HasPrefix(line, "#EXTINF:"):
			currentSegment = &PlaylistSegment{}
			fmt.Sscanf(line, "#EXTINF:%f,", &currentSegment.Duration)
			if nextSegmentHasDiscontinuity {
				currentSegment.Discontinuity = true
				nextSegmentHasDiscontinuity = false
			}

		case !strings.HasPrefix(line, "#"):
			if nextIsVariant {
				playlist.Variants = append(playlist.Variants, line)
				nextIsVariant = false
			} else if currentSegment != nil {
				currentSegment.URL = line
				playlist.Segments = append(playlist.Segments, *currentSegment)
				currentSegment = nil
			}
		}
	}

	return playlist
}

// WaitForCondition polls until a condition is met or timeout occurs.
func WaitForCondition(t *testing.T, condition func() bool, timeout time.Duration, description string) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		if condition() {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("timeout waiting for condition: %s", description)
		}
		<-ticker.C
	}
}
