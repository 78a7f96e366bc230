// Package abr estimates achievable bandwidth and picks variants from it.
package abr

import (
	"sync"
	"time"
)

// Estimator keeps an exponentially weighted moving average of download
// throughput in bits per second.
type Estimator struct {
	mu      sync.Mutex
	weight  float64
	bps     float64
	samples int
}

// NewEstimator creates an estimator. weight is the share of a new sample in
// the average and initial seeds the estimate.
func NewEstimator(weight float64, initial uint32) *Estimator {
	if weight <= 0 || weight > 1 {
		weight = 0.3
	}
	return &Estimator{weight: weight, bps: float64(initial)}
}

// Observe records one completed download.
func (e *Estimator) Observe(bytes int, elapsed time.Duration) {
	if bytes <= 0 || elapsed <= 0 {
		return
	}
	sample := float64(bytes) * 8 / elapsed.Seconds()

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.samples == 0 && e.bps == 0 {
		e.bps = sample
	} else {
		e.bps = e.weight*sample + (1-e.weight)*e.bps
	}
	e.samples++
}

// Estimate returns the current estimate in bits per second.
func (e *Estimator) Estimate() uint32 {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.bps > float64(^uint32(0)) {
		return ^uint32(0)
	}
	return uint32(e.bps)
}

// Samples returns how many downloads have been observed.
func (e *Estimator) Samples() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.samples
}
