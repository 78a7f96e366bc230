package cluster

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/hashicorp/raft"

	"github.com/agleyzer/hlsabr/internal/engine"
	"github.com/agleyzer/hlsabr/internal/media"
)

// Player is the playback whose checkpoint the cluster replicates.
type Player interface {
	Status() engine.Status
	Checkpoint() engine.Checkpoint
	Restore(ctx context.Context, cp engine.Checkpoint) error
}

// Manager manages a Raft cluster for distributed state synchronization.
type Manager struct {
	config    Config
	raft      *raft.Raft
	fsm       *PlaybackFSM
	transport *raft.NetworkTransport
	logger    *slog.Logger
	mu        sync.RWMutex
	shutdown  bool
}

// NewManager creates a new cluster manager.
func NewManager(config Config, logger *slog.Logger) (*Manager, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Manager{
		config:   config,
		fsm:      NewPlaybackFSM(logger),
		logger:   logger,
		shutdown: false,
	}, nil
}

// Start initializes and starts the Raft cluster.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.raft != nil {
		return fmt.Errorf("cluster already started")
	}

	raftConfig := raft.DefaultConfig()
	// Use bind address as LocalID for consistency with bootstrap configuration
	raftConfig.LocalID = raft.ServerID(m.config.BindAddr)
	raftConfig.HeartbeatTimeout = m.config.HeartbeatTimeout
	raftConfig.ElectionTimeout = m.config.ElectionTimeout
	raftConfig.LeaderLeaseTimeout = m.config.HeartbeatTimeout
	raftConfig.SnapshotInterval = m.config.SnapshotInterval
	raftConfig.SnapshotThreshold = m.config.SnapshotThreshold
	raftConfig.Logger = raftLogger(m.logger, m.config.LogLevel)

	// The checkpoint is soft state; a restarted cluster starts empty.
	logStore := raft.NewInmemStore()
	stableStore := raft.NewInmemStore()
	snapshotStore := raft.NewInmemSnapshotStore()

	addr, err := net.ResolveTCPAddr("tcp", m.config.BindAddr)
	if err != nil {
		return fmt.Errorf("resolve bind address: %w", err)
	}

	transport, err := raft.NewTCPTransport(m.config.BindAddr, addr, 3, 10*time.Second, nil)
	if err != nil {
		return fmt.Errorf("create transport: %w", err)
	}
	m.transport = transport

	r, err := raft.NewRaft(raftConfig, m.fsm, logStore, stableStore, snapshotStore, transport)
	if err != nil {
		transport.Close()
		return fmt.Errorf("create raft: %w", err)
	}
	m.raft = r

	configuration := raft.Configuration{
		Servers: make([]raft.Server, 0, len(m.config.Peers)),
	}
	for _, peer := range m.config.Peers {
		// Use peer address as both ID and address for simplicity
		configuration.Servers = append(configuration.Servers, raft.Server{
			ID:       raft.ServerID(peer),
			Address:  raft.ServerAddress(peer),
			Suffrage: raft.Voter,
		})
	}

	future := m.raft.BootstrapCluster(configuration)
	if err := future.Error(); err != nil && err != raft.ErrCantBootstrap {
		m.logger.Error("failed to bootstrap cluster", "error", err)
		// Continue anyway - node might be joining existing cluster
	}

	m.logger.Info("cluster started",
		"node_id", m.config.RaftID,
		"bind", m.config.BindAddr,
		"peers", len(m.config.Peers))

	return nil
}

// Checkpoint replicates state to the cluster. Only the leader can apply.
func (m *Manager) Checkpoint(state PlaybackState) error {
	if state.Node == "" {
		state.Node = m.config.RaftID
	}
	if state.UpdatedAt.IsZero() {
		state.UpdatedAt = time.Now()
	}
	return m.apply(Command{
		Type: CommandCheckpoint,
		Data: CheckpointCommand{State: state},
	})
}

// Clear drops the replicated state.
func (m *Manager) Clear(reason string) error {
	return m.apply(Command{
		Type: CommandClear,
		Data: ClearCommand{Reason: reason},
	})
}

func (m *Manager) apply(cmd Command) error {
	m.mu.RLock()
	if m.shutdown {
		m.mu.RUnlock()
		return fmt.Errorf("cluster is shut down")
	}
	r := m.raft
	m.mu.RUnlock()

	if r == nil {
		return fmt.Errorf("cluster not started")
	}

	data, err := EncodeCommand(cmd)
	if err != nil {
		return fmt.Errorf("encode command: %w", err)
	}

	future := r.Apply(data, 5*time.Second)
	if err := future.Error(); err != nil {
		return fmt.Errorf("apply command: %w", err)
	}
	if err, ok := future.Response().(error); ok {
		return err
	}
	return nil
}

// Replicate checkpoints p while this node leads, until ctx is canceled.
// A node that becomes leader first resumes p from the replicated state
// left by the previous leader.
func (m *Manager) Replicate(ctx context.Context, p Player) error {
	ticker := time.NewTicker(m.config.CheckpointInterval)
	defer ticker.Stop()

	leading := false
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		if !m.IsLeader() {
			leading = false
			continue
		}
		if !leading {
			leading = true
			if err := m.resume(ctx, p); err != nil {
				m.logger.Warn("failed to resume from checkpoint", "error", err)
			}
		}

		err := m.Checkpoint(StateOf(p.Checkpoint(), p.Status(), m.config.RaftID, time.Now()))
		switch {
		case err == nil:
		case errors.Is(err, raft.ErrNotLeader), errors.Is(err, raft.ErrLeadershipLost):
			leading = false
		default:
			m.logger.Warn("failed to replicate checkpoint", "error", err)
		}
	}
}

// resume restores p from a checkpoint another node took of the same
// presentation.
func (m *Manager) resume(ctx context.Context, p Player) error {
	state := m.GetState()
	if state.Empty() || state.Node == m.config.RaftID {
		return nil
	}
	cp := CheckpointOf(state)
	if cp.URI != p.Checkpoint().URI {
		m.logger.Info("ignoring checkpoint of another presentation", "uri", cp.URI)
		return nil
	}
	m.logger.Info("resuming from checkpoint", "node", state.Node, "sequence", state.Sequence)
	return p.Restore(ctx, cp)
}

// StateOf converts the playback state of a node into its replicated form.
func StateOf(cp engine.Checkpoint, st engine.Status, node string, now time.Time) PlaybackState {
	state := PlaybackState{
		URI:           cp.URI,
		Bandwidth:     cp.Bandwidth,
		PositionTicks: cp.Position.Ticks,
		HasPosition:   cp.Position.Valid(),
		Sequence:      cp.Sequence,
		Node:          node,
		UpdatedAt:     now,
	}
	for _, t := range st.Tracks {
		state.Tracks = append(state.Tracks, TrackState{
			ContentType: t.ContentType,
			Bandwidth:   t.Bandwidth,
			Sequence:    t.Sequence,
		})
	}
	return state
}

// CheckpointOf converts replicated state back into an engine checkpoint.
func CheckpointOf(state PlaybackState) engine.Checkpoint {
	cp := engine.Checkpoint{
		URI:       state.URI,
		Bandwidth: state.Bandwidth,
		Sequence:  state.Sequence,
	}
	if state.HasPosition {
		cp.Position = media.NewTimestamp(state.PositionTicks, media.TimestampPTS)
	}
	return cp
}

// GetState returns the current FSM state.
func (m *Manager) GetState() PlaybackState {
	return m.fsm.GetState()
}

// IsLeader returns true if this node is the Raft leader.
func (m *Manager) IsLeader() bool {
	m.mu.RLock()
	r := m.raft
	m.mu.RUnlock()

	if r == nil {
		return false
	}

	return r.State() == raft.Leader
}

// LeaderAddr returns the address of the current Raft leader.
func (m *Manager) LeaderAddr() string {
	m.mu.RLock()
	r := m.raft
	m.mu.RUnlock()

	if r == nil {
		return ""
	}

	leaderAddr, _ := r.LeaderWithID()
	return string(leaderAddr)
}

// State returns the current Raft state.
func (m *Manager) State() string {
	m.mu.RLock()
	r := m.raft
	m.mu.RUnlock()

	if r == nil {
		return "NotStarted"
	}

	switch r.State() {
	case raft.Follower:
		return "Follower"
	case raft.Candidate:
		return "Candidate"
	case raft.Leader:
		return "Leader"
	case raft.Shutdown:
		return "Shutdown"
	default:
		return "Unknown"
	}
}

// Peers returns the list of peer addresses.
func (m *Manager) Peers() []string {
	return m.config.Peers
}

// NodeID returns this node's Raft ID.
func (m *Manager) NodeID() string {
	return m.config.RaftID
}

// Shutdown gracefully shuts down the Raft cluster.
func (m *Manager) Shutdown() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.shutdown {
		return nil
	}

	m.shutdown = true

	if m.raft != nil {
		if err := m.raft.Shutdown().Error(); err != nil {
			m.logger.Error("failed to shutdown raft", "error", err)
			return fmt.Errorf("shutdown raft: %w", err)
		}
	}

	if m.transport != nil {
		if err := m.transport.Close(); err != nil {
			m.logger.Error("failed to close transport", "error", err)
			return fmt.Errorf("close transport: %w", err)
		}
	}

	m.logger.Info("cluster shut down")
	return nil
}

// WaitForLeader blocks until a leader is elected or context is canceled.
func (m *Manager) WaitForLeader(ctx context.Context) error {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if m.LeaderAddr() != "" {
				return nil
			}
		}
	}
}
