// Package server exposes the playback state of a source over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/agleyzer/hlsabr/internal/engine"
	"github.com/agleyzer/hlsabr/internal/media"
	"github.com/agleyzer/hlsabr/internal/metrics"
	"github.com/agleyzer/hlsabr/internal/playlist"
)

const playlistContentType = "application/vnd.apple.mpegurl"

// Player is the playback state the server reports on.
type Player interface {
	Status() engine.Status
	Master() *playlist.Playlist
	Playlist(ct media.ContentType) (*playlist.Playlist, error)
	RequestSwitch(bw uint32) error
}

// Cluster is the replication state included in /status when set.
type Cluster interface {
	State() string
	IsLeader() bool
	LeaderAddr() string
}

// Server serves the status API.
type Server struct {
	player     Player
	metrics    *metrics.Metrics
	cluster    Cluster
	port       int
	logger     *slog.Logger
	httpServer *http.Server
}

// New creates a new HTTP server. m and c may be nil.
func New(player Player, m *metrics.Metrics, c Cluster, port int, logger *slog.Logger) *Server {
	return &Server{
		player:  player,
		metrics: m,
		cluster: c,
		port:    port,
		logger:  logger,
	}
}

// Handler returns the router of the status API.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(s.loggingMiddleware)
	r.Use(metrics.RequestMiddleware(s.metrics))

	r.Get("/health", s.handleHealth)
	r.Get("/status", s.handleStatus)
	r.Get("/playlist.m3u8", s.handlePlaylist)
	r.Get("/playlist/{type}.m3u8", s.handlePlaylist)
	r.Post("/switch/{bandwidth}", s.handleSwitch)
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics.Handler(s.refreshGauges))
	}
	return r
}

// Start serves until ctx is canceled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:    fmt.Sprintf(":%d", s.port),
		Handler: s.Handler(),
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("starting HTTP server", "port", s.port)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("HTTP server error", "error", err)
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	s.logger.Info("shutting down HTTP server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	return s.httpServer.Shutdown(shutdownCtx)
}

// handlePlaylist renders the master playlist, or the media playlist
// currently playing the requested content type.
func (s *Server) handlePlaylist(w http.ResponseWriter, r *http.Request) {
	var pl *playlist.Playlist
	if name := chi.URLParam(r, "type"); name != "" {
		ct, ok := contentType(name)
		if !ok {
			http.Error(w, "unknown content type", http.StatusNotFound)
			return
		}
		p, err := s.player.Playlist(ct)
		if err != nil {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		pl = p
	} else if pl = s.player.Master(); pl == nil {
		p, err := s.leading()
		if err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		pl = p
	}

	body, err := pl.Encode()
	if err != nil {
		s.logger.Error("failed to render playlist", "uri", pl.URI, "error", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", playlistContentType)
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(body))
}

// handleHealth reports ok while playback has not failed.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	st := s.player.Status()

	health := map[string]interface{}{
		"status": "ok",
	}
	code := http.StatusOK
	if st.Error != "" {
		health["status"] = "failed"
		health["error"] = st.Error
		code = http.StatusServiceUnavailable
	}
	if pl, err := s.leading(); err == nil {
		health["stats"] = pl.Stats()
	}

	writeJSON(w, code, health)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := map[string]interface{}{
		"playback": s.player.Status(),
	}
	if s.cluster != nil {
		resp["cluster"] = map[string]interface{}{
			"state":  s.cluster.State(),
			"leader": s.cluster.IsLeader(),
			"addr":   s.cluster.LeaderAddr(),
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleSwitch requests a switch to the variant with the given bandwidth.
func (s *Server) handleSwitch(w http.ResponseWriter, r *http.Request) {
	bw, err := strconv.ParseUint(chi.URLParam(r, "bandwidth"), 10, 32)
	if err != nil {
		http.Error(w, "invalid bandwidth", http.StatusBadRequest)
		return
	}
	if err := s.player.RequestSwitch(uint32(bw)); err != nil {
		s.logger.Debug("switch rejected", "bandwidth", bw, "error", err)
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]interface{}{"bandwidth": bw})
}

// leading returns the media playlist of the first content type played.
func (s *Server) leading() (*playlist.Playlist, error) {
	for _, ct := range media.ContentTypes {
		if pl, err := s.player.Playlist(ct); err == nil {
			return pl, nil
		}
	}
	return nil, errors.New("nothing is playing")
}

func (s *Server) refreshGauges() {
	st := s.player.Status()
	s.metrics.SetEstimate(st.Estimate)
	for _, t := range st.Tracks {
		s.metrics.SetLAB(t.ContentType, t.Buffered.Seconds())
		s.metrics.SetActiveBandwidth(t.ContentType, t.Bandwidth)
	}
}

func contentType(name string) (media.ContentType, bool) {
	for _, ct := range media.ContentTypes {
		if ct.String() == name {
			return ct, true
		}
	}
	return media.ContentUnknown, false
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

// loggingMiddleware logs HTTP requests
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		// Wrap the response writer to capture status code
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		s.logger.Info("HTTP request",
			"method", r.Method,
			"path", r.URL.Path,
			"remote", r.RemoteAddr,
			"status", wrapped.statusCode,
			"duration", time.Since(start),
		)
	})
}

// responseWriter wraps http.ResponseWriter to capture the status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}
