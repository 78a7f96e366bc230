package cluster

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/agleyzer/hlsabr/internal/engine"
	"github.com/agleyzer/hlsabr/internal/media"
)

const testURI = "https://example.com/master.m3u8"

func TestManager_NewManager(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))

	tests := []struct {
		name    string
		config  Config
		wantErr bool
	}{
		{
			name: "valid config",
			config: Config{
				RaftID:   "node1",
				BindAddr: "127.0.0.1:9000",
				Peers:    []string{"127.0.0.1:9000"},
			},
			wantErr: false,
		},
		{
			name: "missing raft-id",
			config: Config{
				BindAddr: "127.0.0.1:9000",
				Peers:    []string{"127.0.0.1:9000"},
			},
			wantErr: true,
		},
		{
			name: "missing bind-addr",
			config: Config{
				RaftID: "node1",
				Peers:  []string{"127.0.0.1:9000"},
			},
			wantErr: true,
		},
		{
			name: "missing peers",
			config: Config{
				RaftID:   "node1",
				BindAddr: "127.0.0.1:9000",
			},
			wantErr: true,
		},
		{
			name: "invalid bind-addr",
			config: Config{
				RaftID:   "node1",
				BindAddr: "invalid",
				Peers:    []string{"127.0.0.1:9000"},
			},
			wantErr: true,
		},
		{
			name: "negative checkpoint interval",
			config: Config{
				RaftID:             "node1",
				BindAddr:           "127.0.0.1:9000",
				Peers:              []string{"127.0.0.1:9000"},
				CheckpointInterval: -time.Second,
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewManager(tt.config, logger)
			if (err != nil) != tt.wantErr {
				t.Errorf("NewManager() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestConfig_Defaults(t *testing.T) {
	c := Config{
		RaftID:   "node1",
		BindAddr: "127.0.0.1:9000",
		Peers:    []string{"127.0.0.1:9000"},
	}
	if err := c.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if c.CheckpointInterval != 2*time.Second {
		t.Errorf("CheckpointInterval = %v, want 2s", c.CheckpointInterval)
	}
	if c.SnapshotThreshold != 8192 {
		t.Errorf("SnapshotThreshold = %d, want 8192", c.SnapshotThreshold)
	}
}

func TestStateOf_CheckpointOf(t *testing.T) {
	cp := engine.Checkpoint{
		URI:       testURI,
		Bandwidth: 500000,
		Position:  media.NewTimestamp(123_000_000, media.TimestampPTS),
		Sequence:  12,
	}
	st := engine.Status{
		Tracks: []engine.TrackStatus{
			{ContentType: "video", Bandwidth: 500000, Sequence: 12},
			{ContentType: "audio", Bandwidth: 500000, Sequence: 11},
		},
	}
	now := time.Now()

	state := StateOf(cp, st, "node1", now)
	if state.Node != "node1" || !state.UpdatedAt.Equal(now) {
		t.Errorf("unexpected origin %q at %v", state.Node, state.UpdatedAt)
	}
	if len(state.Tracks) != 2 || state.Tracks[1].Sequence != 11 {
		t.Errorf("unexpected tracks %+v", state.Tracks)
	}

	back := CheckpointOf(state)
	if back != cp {
		t.Errorf("CheckpointOf() = %+v, want %+v", back, cp)
	}

	// Without a delivered sample there is no position to seek to.
	cp.Position = media.Timestamp{}
	if back := CheckpointOf(StateOf(cp, st, "node1", now)); back.Position.Valid() {
		t.Errorf("Position = %v, want invalid", back.Position)
	}
}

func TestManager_NotStarted(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	manager, err := NewManager(Config{
		RaftID:   "node1",
		BindAddr: "127.0.0.1:9000",
		Peers:    []string{"127.0.0.1:9000"},
	}, logger)
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}

	if err := manager.Checkpoint(PlaybackState{URI: testURI}); err == nil {
		t.Error("expected an error before Start")
	}
	if manager.State() != "NotStarted" {
		t.Errorf("State() = %q, want NotStarted", manager.State())
	}
	if manager.IsLeader() {
		t.Error("IsLeader() = true before Start")
	}
}

func TestManager_StartAndShutdown(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	config := Config{
		RaftID:            "node1",
		BindAddr:          "127.0.0.1:0", // Use port 0 for auto-assignment
		Peers:             []string{"127.0.0.1:0"},
		HeartbeatTimeout:  100 * time.Millisecond,
		ElectionTimeout:   100 * time.Millisecond,
		SnapshotInterval:  1 * time.Hour,
		SnapshotThreshold: 10000,
	}

	manager, err := NewManager(config, logger)
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}

	ctx := context.Background()
	if err := manager.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	if manager.State() == "NotStarted" {
		t.Error("Manager should be started")
	}

	if err := manager.Shutdown(); err != nil {
		t.Errorf("Shutdown() error = %v", err)
	}

	// Verify shutdown is idempotent
	if err := manager.Shutdown(); err != nil {
		t.Errorf("Second Shutdown() error = %v", err)
	}

	if err := manager.Clear("test"); err == nil {
		t.Error("expected an error after Shutdown")
	}
}

func TestManager_CheckpointAndGetState(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))

	manager := createTestCluster(t, logger, 20000, 1)[0]
	defer manager.Shutdown()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := manager.WaitForLeader(ctx); err != nil {
		t.Fatalf("WaitForLeader() error = %v", err)
	}

	if err := manager.Checkpoint(PlaybackState{URI: testURI, Bandwidth: 500000, Sequence: 42}); err != nil {
		t.Fatalf("Checkpoint() error = %v", err)
	}

	// Apply returns once the entry is applied on the leader's FSM
	state := manager.GetState()
	if state.Sequence != 42 {
		t.Errorf("Sequence = %d, want 42", state.Sequence)
	}
	if state.Node != manager.NodeID() {
		t.Errorf("Node = %q, want %q", state.Node, manager.NodeID())
	}
	if state.UpdatedAt.IsZero() {
		t.Error("UpdatedAt should be stamped")
	}

	if err := manager.Clear("stopped"); err != nil {
		t.Fatalf("Clear() error = %v", err)
	}
	if !manager.GetState().Empty() {
		t.Error("state should be empty after Clear")
	}
}

type fakePlayer struct {
	mu       sync.Mutex
	cp       engine.Checkpoint
	restored []engine.Checkpoint
}

func (p *fakePlayer) Status() engine.Status {
	return engine.Status{URI: testURI}
}

func (p *fakePlayer) Checkpoint() engine.Checkpoint {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cp
}

func (p *fakePlayer) Restore(ctx context.Context, cp engine.Checkpoint) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.restored = append(p.restored, cp)
	p.cp = cp
	return nil
}

func (p *fakePlayer) restores() []engine.Checkpoint {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]engine.Checkpoint(nil), p.restored...)
}

func TestManager_Replicate(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))

	manager := createTestCluster(t, logger, 20010, 1)[0]
	defer manager.Shutdown()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := manager.WaitForLeader(ctx); err != nil {
		t.Fatalf("WaitForLeader() error = %v", err)
	}

	// State left behind by a previous leader.
	left := PlaybackState{
		URI:           testURI,
		Bandwidth:     500000,
		PositionTicks: 200_000_000,
		HasPosition:   true,
		Sequence:      2,
		Node:          "previous",
	}
	if err := manager.Checkpoint(left); err != nil {
		t.Fatalf("Checkpoint() error = %v", err)
	}

	p := &fakePlayer{cp: engine.Checkpoint{URI: testURI, Bandwidth: 100000}}

	done := make(chan error, 1)
	go func() {
		done <- manager.Replicate(ctx, p)
	}()

	deadline := time.Now().Add(4 * time.Second)
	for time.Now().Before(deadline) {
		if st := manager.GetState(); st.Node == manager.NodeID() {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	cancel()

	if err := <-done; err != nil {
		t.Errorf("Replicate() error = %v", err)
	}

	restored := p.restores()
	if len(restored) != 1 {
		t.Fatalf("expected 1 restore, got %d", len(restored))
	}
	if restored[0].Sequence != 2 || restored[0].Position.Ticks != 200_000_000 {
		t.Errorf("restored %+v", restored[0])
	}

	state := manager.GetState()
	if state.Node != manager.NodeID() {
		t.Fatalf("Node = %q, want %q", state.Node, manager.NodeID())
	}
	if state.Bandwidth != 500000 {
		t.Errorf("Bandwidth = %d, want the restored 500000", state.Bandwidth)
	}
}

// createTestCluster creates a test cluster with the specified number of nodes.
func createTestCluster(t *testing.T, logger *slog.Logger, basePort, nodeCount int) []*Manager {
	t.Helper()

	peers := make([]string, nodeCount)
	for i := 0; i < nodeCount; i++ {
		peers[i] = fmt.Sprintf("127.0.0.1:%d", basePort+i)
	}

	managers := make([]*Manager, nodeCount)
	for i := 0; i < nodeCount; i++ {
		config := Config{
			RaftID:             peers[i],
			BindAddr:           peers[i],
			Peers:              peers,
			HeartbeatTimeout:   100 * time.Millisecond,
			ElectionTimeout:    100 * time.Millisecond,
			SnapshotInterval:   1 * time.Hour,
			SnapshotThreshold:  10000,
			CheckpointInterval: 50 * time.Millisecond,
		}

		manager, err := NewManager(config, logger)
		if err != nil {
			t.Fatalf("NewManager() error = %v", err)
		}

		ctx := context.Background()
		if err := manager.Start(ctx); err != nil {
			t.Fatalf("Start() error = %v", err)
		}

		managers[i] = manager
	}

	return managers
}
