package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	c := Default()
	assert.Equal(t, 10*time.Second, c.LABThreshold)
	assert.Equal(t, 40*time.Second, c.LABCeiling)
	assert.Equal(t, 3, c.QuarantineFailures)
	assert.Equal(t, 0.8, c.BandwidthSafetyFactor)
	assert.True(t, c.AutoSwitch)
}

func TestLoad_YAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hlsabr.yaml")
	content := `lab_threshold: 20s
prefetch_duration: 12s
auto_switch: false
initial_bandwidth: 1500000
pid_filter: [256, 257]
headers:
  X-Test: yes
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	c, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 20*time.Second, c.LABThreshold)
	assert.Equal(t, 80*time.Second, c.LABCeiling)
	assert.Equal(t, 12*time.Second, c.PrefetchDuration)
	assert.False(t, c.AutoSwitch)
	assert.Equal(t, uint32(1500000), c.InitialBandwidth)
	assert.Equal(t, []uint16{256, 257}, c.PIDFilter)
	assert.Equal(t, "yes", c.Headers["X-Test"])
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestLoadEnv(t *testing.T) {
	envFile := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(envFile, []byte("HLSABR_GAP_FILL=true\n"), 0o644))
	t.Setenv("HLSABR_LAB_THRESHOLD", "30s")
	t.Setenv("HLSABR_MAX_BANDWIDTH", "4000000")
	t.Setenv("HLSABR_AUDIO_LANGUAGE", "EN")
	t.Cleanup(func() { os.Unsetenv("HLSABR_GAP_FILL") })

	c := Default()
	require.NoError(t, LoadEnv(c, envFile, filepath.Join(t.TempDir(), "absent.env")))
	assert.Equal(t, 30*time.Second, c.LABThreshold)
	assert.Equal(t, uint32(4000000), c.MaxBandwidth)
	assert.True(t, c.GapFill)
	assert.Equal(t, "en", c.PreferredAudioLanguage)
}

func TestLoadEnv_Invalid(t *testing.T) {
	t.Setenv("HLSABR_PREFETCH_DURATION", "soon")
	assert.Error(t, LoadEnv(Default()))
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"empty gets defaults", Config{}, false},
		{"negative threshold", Config{LABThreshold: -time.Second}, true},
		{"inverted bandwidth bounds", Config{MinBandwidth: 10, MaxBandwidth: 5}, true},
		{"safety factor above one", Config{BandwidthSafetyFactor: 1.5}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
