// Package media defines the value types shared by the playlist, segment and
// engine packages: timestamps, samples, content types and the playback sink.
package media

import (
	"fmt"
	"time"
)

// TicksPerSecond is the resolution of a Timestamp (100ns units).
const TicksPerSecond = 10_000_000

// mpegClock is the 90kHz clock used by PES timestamps.
const mpegClock = 90_000

// TimestampType tags the semantic meaning of a Timestamp.
type TimestampType uint8

const (
	// TimestampNone marks a timestamp with no meaning attached (usually unset).
	TimestampNone TimestampType = iota
	// TimestampPTS is a presentation timestamp.
	TimestampPTS
	// TimestampDTS is a decode timestamp.
	TimestampDTS
	// TimestampPCR is a program clock reference.
	TimestampPCR
)

func (t TimestampType) String() string {
	switch t {
	case TimestampPTS:
		return "PTS"
	case TimestampDTS:
		return "DTS"
	case TimestampPCR:
		return "PCR"
	default:
		return "NONE"
	}
}

// Timestamp is an immutable tick count tagged with its type.
type Timestamp struct {
	Ticks uint64
	Type  TimestampType
}

// NewTimestamp returns a timestamp of the given type.
func NewTimestamp(ticks uint64, typ TimestampType) Timestamp {
	return Timestamp{Ticks: ticks, Type: typ}
}

// FromMPEG converts a 90kHz PES clock value into a PTS-tagged timestamp.
func FromMPEG(base int64, typ TimestampType) Timestamp {
	if base < 0 {
		base = 0
	}
	return Timestamp{Ticks: uint64(base) * TicksPerSecond / mpegClock, Type: typ}
}

// FromSeconds converts seconds into ticks.
func FromSeconds(sec float64) uint64 {
	if sec <= 0 {
		return 0
	}
	return uint64(sec*TicksPerSecond + 0.5)
}

// FromDuration converts a time.Duration into ticks.
func FromDuration(d time.Duration) uint64 {
	if d <= 0 {
		return 0
	}
	return uint64(d / 100)
}

// ToDuration converts ticks into a time.Duration.
func ToDuration(ticks uint64) time.Duration {
	return time.Duration(ticks) * 100
}

// Valid reports whether the timestamp carries a value.
func (t Timestamp) Valid() bool {
	return t.Type != TimestampNone
}

// Duration returns the timestamp as a time.Duration from zero.
func (t Timestamp) Duration() time.Duration {
	return ToDuration(t.Ticks)
}

// Add returns t shifted by a signed tick delta, saturating at zero.
func (t Timestamp) Add(delta int64) Timestamp {
	if delta < 0 && uint64(-delta) > t.Ticks {
		return Timestamp{Ticks: 0, Type: t.Type}
	}
	return Timestamp{Ticks: uint64(int64(t.Ticks) + delta), Type: t.Type}
}

// Before reports whether t is strictly earlier than u.
func (t Timestamp) Before(u Timestamp) bool {
	return t.Ticks < u.Ticks
}

// Compare returns -1, 0 or 1.
func (t Timestamp) Compare(u Timestamp) int {
	switch {
	case t.Ticks < u.Ticks:
		return -1
	case t.Ticks > u.Ticks:
		return 1
	default:
		return 0
	}
}

// Distance returns |t - u| in ticks.
func (t Timestamp) Distance(u Timestamp) uint64 {
	if t.Ticks > u.Ticks {
		return t.Ticks - u.Ticks
	}
	return u.Ticks - t.Ticks
}

func (t Timestamp) String() string {
	return fmt.Sprintf("%s(%s)", t.Type, t.Duration())
}
