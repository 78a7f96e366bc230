// Package cluster replicates the playback checkpoint of an hlsabr node to
// its standbys with Raft.
package cluster

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/hashicorp/raft"
)

func init() {
	// Register types for gob encoding/decoding
	gob.Register(CheckpointCommand{})
	gob.Register(ClearCommand{})
}

// PlaybackState is the checkpoint shared by all cluster nodes.
type PlaybackState struct {
	// URI is the presentation being played.
	URI string
	// Bandwidth is the variant the leading content type plays.
	Bandwidth uint32
	// PositionTicks is the last delivered timestamp in 100ns ticks, valid
	// when HasPosition is set.
	PositionTicks uint64
	HasPosition   bool
	// Sequence is the media sequence of the segment being played.
	Sequence uint64
	// Tracks holds the per content type state.
	Tracks []TrackState
	// Node is the Raft ID of the node that took the checkpoint.
	Node string
	// Version counts the checkpoints applied since the last clear.
	Version uint64
	// UpdatedAt is when the checkpoint was taken.
	UpdatedAt time.Time
}

// TrackState is the checkpoint of a single content type.
type TrackState struct {
	ContentType string
	Bandwidth   uint32
	Sequence    uint64
}

// Empty reports whether no checkpoint has been applied.
func (s PlaybackState) Empty() bool {
	return s.Version == 0
}

func (s PlaybackState) clone() PlaybackState {
	s.Tracks = slices.Clone(s.Tracks)
	return s
}

// CommandType identifies the type of Raft command.
type CommandType uint8

const (
	// CommandCheckpoint replaces the playback state.
	CommandCheckpoint CommandType = 1
	// CommandClear forgets the playback state.
	CommandClear CommandType = 2
)

// Command represents a Raft log command.
type Command struct {
	Type CommandType
	Data any
}

// CheckpointCommand carries a new playback state.
type CheckpointCommand struct {
	State PlaybackState
}

// ClearCommand drops the playback state, e.g. when playback stopped.
type ClearCommand struct {
	Reason string
}

// PlaybackFSM implements the raft.FSM interface for the playback checkpoint.
type PlaybackFSM struct {
	mu     sync.RWMutex
	state  PlaybackState
	logger *slog.Logger
}

// NewPlaybackFSM creates a new PlaybackFSM.
func NewPlaybackFSM(logger *slog.Logger) *PlaybackFSM {
	return &PlaybackFSM{logger: logger}
}

// Apply applies a Raft log entry to the FSM.
func (f *PlaybackFSM) Apply(log *raft.Log) any {
	var cmd Command
	if err := gob.NewDecoder(bytes.NewReader(log.Data)).Decode(&cmd); err != nil {
		f.logger.Error("failed to decode command", "error", err)
		return fmt.Errorf("decode command: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	switch cmd.Type {
	case CommandCheckpoint:
		return f.applyCheckpoint(cmd.Data)
	case CommandClear:
		return f.applyClear(cmd.Data)
	default:
		f.logger.Error("unknown command type", "type", cmd.Type)
		return fmt.Errorf("unknown command type: %d", cmd.Type)
	}
}

// applyCheckpoint replaces the state. A checkpoint older than the current
// one of the same presentation is ignored.
func (f *PlaybackFSM) applyCheckpoint(data any) any {
	cp, ok := data.(CheckpointCommand)
	if !ok {
		return fmt.Errorf("invalid checkpoint command data")
	}

	next := cp.State.clone()
	if next.URI == f.state.URI && next.UpdatedAt.Before(f.state.UpdatedAt) {
		f.logger.Debug("ignoring stale checkpoint", "node", next.Node, "at", next.UpdatedAt)
		return nil
	}
	if f.state.URI != "" && next.URI != f.state.URI {
		f.logger.Info("checkpoint source changed", "from", f.state.URI, "to", next.URI)
	}
	next.Version = f.state.Version + 1
	f.state = next
	f.logger.Debug("applied checkpoint", "node", next.Node, "sequence", next.Sequence, "version", next.Version)
	return nil
}

func (f *PlaybackFSM) applyClear(data any) any {
	cl, ok := data.(ClearCommand)
	if !ok {
		return fmt.Errorf("invalid clear command data")
	}

	f.state = PlaybackState{}
	f.logger.Info("cleared playback state", "reason", cl.Reason)
	return nil
}

// Snapshot returns an FSMSnapshot for creating a point-in-time snapshot.
func (f *PlaybackFSM) Snapshot() (raft.FSMSnapshot, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	return &fsmSnapshot{state: f.state.clone()}, nil
}

// Restore restores the FSM state from a snapshot.
func (f *PlaybackFSM) Restore(snapshot io.ReadCloser) error {
	defer snapshot.Close()

	var state PlaybackState
	if err := gob.NewDecoder(snapshot).Decode(&state); err != nil {
		return fmt.Errorf("decode snapshot: %w", err)
	}

	f.mu.Lock()
	f.state = state
	f.mu.Unlock()

	f.logger.Info("restored FSM state from snapshot", "uri", state.URI, "version", state.Version)
	return nil
}

// GetState returns a copy of the current FSM state.
func (f *PlaybackFSM) GetState() PlaybackState {
	f.mu.RLock()
	defer f.mu.RUnlock()

	return f.state.clone()
}

// fsmSnapshot implements raft.FSMSnapshot.
type fsmSnapshot struct {
	state PlaybackState
}

// Persist writes the snapshot to the given sink.
func (s *fsmSnapshot) Persist(sink raft.SnapshotSink) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(s.state); err != nil {
		sink.Cancel()
		return fmt.Errorf("encode snapshot: %w", err)
	}

	if _, err := sink.Write(buf.Bytes()); err != nil {
		sink.Cancel()
		return fmt.Errorf("write snapshot: %w", err)
	}

	return sink.Close()
}

// Release releases any resources held by the snapshot.
func (s *fsmSnapshot) Release() {}

// EncodeCommand encodes a command for Raft submission.
func EncodeCommand(cmd Command) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(cmd); err != nil {
		return nil, fmt.Errorf("encode command: %w", err)
	}
	return buf.Bytes(), nil
}
