// The hlsabr command plays an HLS presentation headlessly with adaptive
// bitrate switching and serves its playback state over HTTP.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/agleyzer/hlsabr/internal/cluster"
	"github.com/agleyzer/hlsabr/internal/config"
	"github.com/agleyzer/hlsabr/internal/engine"
	"github.com/agleyzer/hlsabr/internal/media"
	"github.com/agleyzer/hlsabr/internal/metrics"
	"github.com/agleyzer/hlsabr/internal/server"
)

const (
	version = "1.0.0"
)

// options are the command-line settings.
type options struct {
	url          string
	configPath   string
	envFile      string
	port         int
	bandwidth    uint
	noAutoSwitch bool
	raftID       string
	raftBind     string
	raftPeers    string
}

func main() {
	var (
		opts        options
		verbose     = flag.Bool("verbose", false, "Enable verbose logging")
		logFormat   = flag.String("log-format", "text", "Log format: text or json")
		showVersion = flag.Bool("version", false, "Show version and exit")
	)
	flag.StringVar(&opts.configPath, "config", "", "YAML configuration file")
	flag.StringVar(&opts.envFile, "env-file", ".env", "Environment file with HLSABR_* overrides")
	flag.IntVar(&opts.port, "port", 8080, "Status server port")
	flag.UintVar(&opts.bandwidth, "bandwidth", 0, "Initial bandwidth in bits per second (lowest variant if not set)")
	flag.BoolVar(&opts.noAutoSwitch, "no-auto-switch", false, "Disable automatic bitrate switching")
	flag.StringVar(&opts.raftID, "raft-id", "", "Raft node ID; enables checkpoint replication")
	flag.StringVar(&opts.raftBind, "raft-bind", "", "Raft bind address (host:port)")
	flag.StringVar(&opts.raftPeers, "raft-peers", "", "Comma-separated Raft peer addresses, including this node")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "hlsabr - adaptive bitrate HLS player v%s\n\n", version)
		fmt.Fprintf(os.Stderr, "Usage: %s [options] <playlist-url>\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Arguments:\n")
		fmt.Fprintf(os.Stderr, "  <playlist-url>    URL of the HLS playlist (media or master)\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  %s https://example.com/master.m3u8\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s --bandwidth 2000000 --no-auto-switch https://example.com/master.m3u8\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s --raft-id a --raft-bind 127.0.0.1:7000 --raft-peers 127.0.0.1:7000,127.0.0.1:7001 https://example.com/master.m3u8\n", os.Args[0])
	}

	flag.Parse()

	if *showVersion {
		fmt.Printf("hlsabr v%s\n", version)
		os.Exit(0)
	}

	if flag.NArg() < 1 {
		fmt.Fprintf(os.Stderr, "Error: playlist URL is required\n\n")
		flag.Usage()
		os.Exit(1)
	}
	opts.url = flag.Arg(0)

	if opts.port < 0 || opts.port > 65535 {
		fmt.Fprintf(os.Stderr, "Error: port must be between 0 and 65535\n")
		os.Exit(1)
	}

	logger, err := newLogger(os.Stdout, *logFormat, *verbose)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	logger.Info("hlsabr starting", "version", version)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		logger.Info("received signal", "signal", sig)
		cancel()
	}()

	if err := run(ctx, opts, logger); err != nil {
		logger.Error("application error", "error", err)
		os.Exit(1)
	}

	logger.Info("hlsabr stopped")
}

// newLogger builds the process logger.
func newLogger(w io.Writer, format string, verbose bool) (*slog.Logger, error) {
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	ho := &slog.HandlerOptions{Level: logLevel}

	switch format {
	case "text", "":
		return slog.New(slog.NewTextHandler(w, ho)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, ho)), nil
	default:
		return nil, fmt.Errorf("unknown log format %q", format)
	}
}

// loadConfig layers the YAML file, the environment and the flags.
func loadConfig(opts options) (*config.Config, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, err
	}
	var envFiles []string
	if opts.envFile != "" {
		envFiles = append(envFiles, opts.envFile)
	}
	if err := config.LoadEnv(cfg, envFiles...); err != nil {
		return nil, err
	}

	if opts.bandwidth > 0 {
		cfg.InitialBandwidth = uint32(opts.bandwidth)
	}
	if opts.noAutoSwitch {
		cfg.AutoSwitch = false
	}
	return cfg, cfg.Validate()
}

// clusterConfig returns nil when replication is not enabled.
func clusterConfig(opts options) *cluster.Config {
	if opts.raftID == "" {
		return nil
	}
	return &cluster.Config{
		RaftID:   opts.raftID,
		BindAddr: opts.raftBind,
		Peers:    parsePeers(opts.raftPeers),
	}
}

func parsePeers(s string) []string {
	var peers []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			peers = append(peers, p)
		}
	}
	return peers
}

func run(ctx context.Context, opts options, logger *slog.Logger) error {
	cfg, err := loadConfig(opts)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	var mgr *cluster.Manager
	if cc := clusterConfig(opts); cc != nil {
		if mgr, err = cluster.NewManager(*cc, logger.With("component", "cluster")); err != nil {
			return err
		}
		if err := mgr.Start(ctx); err != nil {
			return fmt.Errorf("failed to start cluster: %w", err)
		}
		defer mgr.Shutdown()
	}

	m := metrics.New()

	logger.Info("opening presentation", "url", opts.url)
	src, err := engine.Open(ctx, opts.url, cfg, engine.Options{
		Metrics: m,
		Logger:  logger,
	})
	if err != nil {
		return fmt.Errorf("failed to open presentation: %w", err)
	}
	defer src.Stop()

	var c server.Cluster
	if mgr != nil {
		c = mgr
	}
	srv := server.New(src, m, c, opts.port, logger.With("component", "server"))

	logger.Info("playback started",
		"status", fmt.Sprintf("http://localhost:%d/status", opts.port),
		"metrics", fmt.Sprintf("http://localhost:%d/metrics", opts.port),
		"tracks", len(src.ContentTypes()),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Start(gctx)
	})
	if mgr != nil {
		g.Go(func() error {
			return mgr.Replicate(gctx, src)
		})
	}

	playing := src.ContentTypes()
	probes, pctx := errgroup.WithContext(gctx)
	for _, ct := range playing {
		probes.Go(func() error {
			return probe(pctx, src, ct, logger)
		})
	}
	g.Go(func() error {
		if err := probes.Wait(); err != nil {
			return err
		}
		if gctx.Err() == nil {
			logger.Info("playback finished")
		}
		return nil
	})

	return g.Wait()
}

// probe pulls the samples of ct at the pace they would be presented.
func probe(ctx context.Context, src *engine.Source, ct media.ContentType, logger *slog.Logger) error {
	var (
		p       pacer
		samples int
	)
	for {
		sample, err := src.NextSample(ctx, ct)
		switch {
		case errors.Is(err, engine.ErrEndOfStream):
			logger.Info("end of stream", "type", ct, "samples", samples)
			return nil
		case ctx.Err() != nil:
			return nil
		case err != nil:
			return fmt.Errorf("%s playback failed: %w", ct, err)
		}
		samples++

		rate, paused := src.Playback()
		for paused {
			if !sleep(ctx, 100*time.Millisecond) {
				return nil
			}
			p.reset()
			rate, paused = src.Playback()
		}
		if !sleep(ctx, p.wait(sample.PlayableTimestamp(), time.Now(), rate)) {
			return nil
		}
	}
}

// sleep reports false when ctx ended first.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// pacer maps presentation timestamps onto the wall clock.
type pacer struct {
	started bool
	baseTS  media.Timestamp
	baseAt  time.Time
}

// wait returns how long to hold a sample stamped ts. The clock is rebased
// on the first sample and whenever timestamps move against the rate.
func (p *pacer) wait(ts media.Timestamp, now time.Time, rate float64) time.Duration {
	if rate == 0 {
		rate = 1
	}
	delta := int64(ts.Ticks) - int64(p.baseTS.Ticks)
	if rate < 0 {
		delta, rate = -delta, -rate
	}
	if !p.started || delta < 0 {
		p.started = true
		p.baseTS = ts
		p.baseAt = now
		delta = 0
	}
	due := p.baseAt.Add(time.Duration(float64(media.ToDuration(uint64(delta))) / rate))
	return due.Sub(now)
}

func (p *pacer) reset() {
	p.started = false
}
