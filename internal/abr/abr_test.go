package abr

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/agleyzer/hlsabr/internal/config"
)

func TestEstimator(t *testing.T) {
	e := NewEstimator(0.5, 0)
	assert.Zero(t, e.Estimate())

	e.Observe(125_000, time.Second) // 1 Mbps
	assert.Equal(t, uint32(1_000_000), e.Estimate())

	e.Observe(375_000, time.Second) // 3 Mbps
	assert.Equal(t, uint32(2_000_000), e.Estimate())
	assert.Equal(t, 2, e.Samples())

	e.Observe(0, time.Second)
	e.Observe(100, 0)
	assert.Equal(t, 2, e.Samples())
}

func TestEstimatorSeed(t *testing.T) {
	e := NewEstimator(0.5, 4_000_000)
	e.Observe(250_000, time.Second) // 2 Mbps
	assert.Equal(t, uint32(3_000_000), e.Estimate())
}

func candidates(bws ...uint32) []Candidate {
	out := make([]Candidate, len(bws))
	for i, bw := range bws {
		out[i] = Candidate{Bandwidth: bw}
	}
	return out
}

func TestSelector_Select(t *testing.T) {
	cfg := config.Default()
	cfg.BandwidthSafetyFactor = 0.5
	s := NewSelector(cfg)
	ladder := candidates(3_000_000, 500_000, 1_000_000)

	tests := []struct {
		name     string
		estimate uint32
		want     uint32
	}{
		{"plenty", 10_000_000, 3_000_000},
		{"middle", 2_500_000, 1_000_000},
		{"starved", 100_000, 500_000},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := s.Select(ladder, tt.estimate)
			assert.True(t, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSelector_Quarantine(t *testing.T) {
	s := NewSelector(config.Default())
	ladder := candidates(500_000, 1_000_000)
	ladder[1].Quarantined = true

	got, ok := s.Select(ladder, 10_000_000)
	assert.True(t, ok)
	assert.Equal(t, uint32(500_000), got)

	ladder[0].Quarantined = true
	_, ok = s.Select(ladder, 10_000_000)
	assert.False(t, ok)
}

func TestSelector_Bounds(t *testing.T) {
	cfg := config.Default()
	cfg.MaxBandwidth = 1_500_000
	s := NewSelector(cfg)
	ladder := candidates(500_000, 1_000_000, 3_000_000)

	got, _ := s.Select(ladder, 100_000_000)
	assert.Equal(t, uint32(1_000_000), got)

	cfg.MaxBandwidth = 100
	s = NewSelector(cfg)
	got, ok := s.Select(ladder, 100_000_000)
	assert.True(t, ok, "bounds excluding everything are ignored")
	assert.Equal(t, uint32(3_000_000), got)
}

func TestSelector_InitialAndFallback(t *testing.T) {
	s := NewSelector(config.Default())
	ladder := candidates(500_000, 1_000_000, 3_000_000)

	got, _ := s.Initial(ladder, 0)
	assert.Equal(t, uint32(500_000), got)
	got, _ = s.Initial(ladder, 2_000_000)
	assert.Equal(t, uint32(1_000_000), got)

	got, ok := s.Fallback(ladder, 1_000_000)
	assert.True(t, ok)
	assert.Equal(t, uint32(500_000), got)
	got, ok = s.Fallback(ladder, 500_000)
	assert.True(t, ok)
	assert.Equal(t, uint32(1_000_000), got)

	_, ok = s.Fallback(candidates(500_000), 500_000)
	assert.False(t, ok)

	assert.True(t, s.Supports(800_000, 1_000_000))
	assert.False(t, s.Supports(900_000, 1_000_000))
}
