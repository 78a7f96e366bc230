// Package config holds the engine configuration. A Config is built once at
// startup and passed by pointer to every component that needs it.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds the tunables of the buffering, ABR and download layers.
type Config struct {
	// LABThreshold is the minimum look-ahead buffer the controller keeps.
	LABThreshold time.Duration `yaml:"lab_threshold"`

	// LABCeiling stops the LAB walk early once this much is buffered.
	LABCeiling time.Duration `yaml:"lab_ceiling"`

	// CountDownloadingInLAB counts in-flight segments towards the LAB.
	CountDownloadingInLAB bool `yaml:"count_downloading_in_lab"`

	// PrefetchDuration is the amount of media fetched concurrently on start
	// and after a seek. Zero disables bulk fetching.
	PrefetchDuration time.Duration `yaml:"prefetch_duration"`

	// AutoSwitch enables automatic bitrate selection at segment boundaries.
	AutoSwitch bool `yaml:"auto_switch"`

	// InitialBandwidth selects the starting variant (closest at or below).
	// Zero starts on the lowest variant.
	InitialBandwidth uint32 `yaml:"initial_bandwidth"`

	// MinBandwidth and MaxBandwidth bound the variants the engine may pick.
	MinBandwidth uint32 `yaml:"min_bandwidth"`
	MaxBandwidth uint32 `yaml:"max_bandwidth"`

	// BandwidthSafetyFactor scales the estimate before comparing it to a
	// variant's declared bandwidth.
	BandwidthSafetyFactor float64 `yaml:"bandwidth_safety_factor"`

	// BandwidthSmoothing is the EWMA weight of a new throughput sample.
	BandwidthSmoothing float64 `yaml:"bandwidth_smoothing"`

	// QuarantineFailures is the number of consecutive failures after which a
	// variant is quarantined for QuarantineWindow.
	QuarantineFailures int           `yaml:"quarantine_failures"`
	QuarantineWindow   time.Duration `yaml:"quarantine_window"`

	// AudioFrameDistance is used to slice packed elementary audio and to
	// extrapolate timestamps across discontinuities.
	AudioFrameDistance time.Duration `yaml:"audio_frame_distance"`

	// VideoFrameDistance is the fallback frame distance for video streams
	// whose samples do not reveal one.
	VideoFrameDistance time.Duration `yaml:"video_frame_distance"`

	// LiveStartSegments is how many segments from the live edge playback
	// starts at.
	LiveStartSegments int `yaml:"live_start_segments"`

	// LiveStartOffset, when set, places the live start this far behind the
	// live edge instead of LiveStartSegments segments.
	LiveStartOffset time.Duration `yaml:"live_start_offset"`

	// GapFill lets bitrate switches borrow samples from the source variant
	// to cover the interval before the target keyframe.
	GapFill bool `yaml:"gap_fill"`

	// PIDFilter restricts demultiplexing to these PIDs when non-empty.
	PIDFilter []uint16 `yaml:"pid_filter"`

	// PreferredAudioLanguage picks the initial audio rendition.
	PreferredAudioLanguage string `yaml:"preferred_audio_language"`

	// UserAgent and Headers are applied to every download.
	UserAgent string            `yaml:"user_agent"`
	Headers   map[string]string `yaml:"headers"`
}

// Default returns a configuration with every default applied.
func Default() *Config {
	c := &Config{AutoSwitch: true}
	_ = c.Validate()
	return c
}

// Load reads a YAML configuration file on top of the defaults. An empty
// path returns the defaults.
func Load(path string) (*Config, error) {
	c := &Config{AutoSwitch: true}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file at %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, c); err != nil {
			return nil, fmt.Errorf("failed to unmarshal config YAML: %w", err)
		}
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// LoadEnv loads the given .env files into the process environment and
// applies HLSABR_* overrides to c. Missing .env files are not an error.
func LoadEnv(c *Config, files ...string) error {
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("failed to load env file %s: %w", f, err)
		}
	}

	var err error
	setDuration := func(key string, dst *time.Duration) {
		if s := os.Getenv(key); s != "" && err == nil {
			var d time.Duration
			if d, err = time.ParseDuration(s); err != nil {
				err = fmt.Errorf("invalid %s %q: %w", key, s, err)
				return
			}
			*dst = d
		}
	}
	setUint32 := func(key string, dst *uint32) {
		if s := os.Getenv(key); s != "" && err == nil {
			var n uint64
			if n, err = strconv.ParseUint(s, 10, 32); err != nil {
				err = fmt.Errorf("invalid %s %q: %w", key, s, err)
				return
			}
			*dst = uint32(n)
		}
	}
	setBool := func(key string, dst *bool) {
		if s := os.Getenv(key); s != "" && err == nil {
			var b bool
			if b, err = strconv.ParseBool(s); err != nil {
				err = fmt.Errorf("invalid %s %q: %w", key, s, err)
				return
			}
			*dst = b
		}
	}

	setDuration("HLSABR_LAB_THRESHOLD", &c.LABThreshold)
	setDuration("HLSABR_LAB_CEILING", &c.LABCeiling)
	setDuration("HLSABR_PREFETCH_DURATION", &c.PrefetchDuration)
	setDuration("HLSABR_QUARANTINE_WINDOW", &c.QuarantineWindow)
	setDuration("HLSABR_LIVE_START_OFFSET", &c.LiveStartOffset)
	setUint32("HLSABR_INITIAL_BANDWIDTH", &c.InitialBandwidth)
	setUint32("HLSABR_MAX_BANDWIDTH", &c.MaxBandwidth)
	setBool("HLSABR_AUTO_SWITCH", &c.AutoSwitch)
	setBool("HLSABR_GAP_FILL", &c.GapFill)
	if err != nil {
		return err
	}

	if s := os.Getenv("HLSABR_USER_AGENT"); s != "" {
		c.UserAgent = s
	}
	if s := os.Getenv("HLSABR_AUDIO_LANGUAGE"); s != "" {
		c.PreferredAudioLanguage = strings.ToLower(s)
	}

	return c.Validate()
}

// Validate checks the configuration and fills unset fields with defaults.
func (c *Config) Validate() error {
	if c.LABThreshold < 0 || c.LABCeiling < 0 || c.PrefetchDuration < 0 || c.LiveStartOffset < 0 {
		return fmt.Errorf("buffer durations must not be negative")
	}
	if c.MaxBandwidth != 0 && c.MinBandwidth > c.MaxBandwidth {
		return fmt.Errorf("min bandwidth %d exceeds max bandwidth %d", c.MinBandwidth, c.MaxBandwidth)
	}
	if c.BandwidthSafetyFactor < 0 || c.BandwidthSafetyFactor > 1 {
		return fmt.Errorf("bandwidth safety factor must be within (0, 1], got %v", c.BandwidthSafetyFactor)
	}
	if c.BandwidthSmoothing < 0 || c.BandwidthSmoothing > 1 {
		return fmt.Errorf("bandwidth smoothing must be within (0, 1], got %v", c.BandwidthSmoothing)
	}

	// Set defaults
	if c.LABThreshold == 0 {
		c.LABThreshold = 10 * time.Second
	}
	if c.LABCeiling == 0 {
		c.LABCeiling = 4 * c.LABThreshold
	}
	if c.BandwidthSafetyFactor == 0 {
		c.BandwidthSafetyFactor = 0.8
	}
	if c.BandwidthSmoothing == 0 {
		c.BandwidthSmoothing = 0.3
	}
	if c.QuarantineFailures == 0 {
		c.QuarantineFailures = 3
	}
	if c.QuarantineWindow == 0 {
		c.QuarantineWindow = 30 * time.Second
	}
	if c.AudioFrameDistance == 0 {
		// 1024 samples at 48kHz
		c.AudioFrameDistance = 21333 * time.Microsecond
	}
	if c.VideoFrameDistance == 0 {
		c.VideoFrameDistance = 33333 * time.Microsecond
	}
	if c.LiveStartSegments == 0 {
		c.LiveStartSegments = 3
	}

	return nil
}
