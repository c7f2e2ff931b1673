package operator

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/duskwarden/duskwarden/internal/action"
	"github.com/duskwarden/duskwarden/internal/phase"
	"github.com/duskwarden/duskwarden/internal/telemetry"
)

type fakeRegistry struct {
	p        phase.Phase
	phaseErr error
	snap     telemetry.Snapshot
	execSt   action.Stats
	guardSt  phase.GuardStats
}

func (f *fakeRegistry) CurrentPhase() (phase.Phase, error) { return f.p, f.phaseErr }
func (f *fakeRegistry) Snapshot() telemetry.Snapshot        { return f.snap }
func (f *fakeRegistry) ExecutorStats() action.Stats         { return f.execSt }
func (f *fakeRegistry) GuardStats() phase.GuardStats        { return f.guardSt }

func TestDispatchStatusReturnsFullView(t *testing.T) {
	reg := &fakeRegistry{
		p:       phase.Watching,
		snap:    telemetry.Snapshot{WindSpeedMPH: 12.5, OpenOK: true},
		execSt:  action.Stats{Attempts: 3, Failures: 1},
		guardSt: phase.GuardStats{Verified: 5},
	}
	s := NewServer("/unused", reg, zap.NewNop())

	resp := s.dispatch(Request{Cmd: "status"})
	if !resp.OK {
		t.Fatalf("dispatch(status) OK=false, error=%q", resp.Error)
	}
	if resp.Phase != "Watching" {
		t.Fatalf("Phase = %q, want Watching", resp.Phase)
	}
	if resp.Snapshot == nil || resp.Snapshot.WindSpeedMPH != 12.5 {
		t.Fatalf("Snapshot = %+v, want WindSpeedMPH=12.5", resp.Snapshot)
	}
	if resp.ExecutorStats == nil || resp.ExecutorStats.Attempts != 3 {
		t.Fatalf("ExecutorStats = %+v, want Attempts=3", resp.ExecutorStats)
	}
}

func TestDispatchPhaseReturnsOnlyPhase(t *testing.T) {
	reg := &fakeRegistry{p: phase.CalPre}
	s := NewServer("/unused", reg, zap.NewNop())

	resp := s.dispatch(Request{Cmd: "phase"})
	if !resp.OK || resp.Phase != "Cal-Pre" {
		t.Fatalf("dispatch(phase) = %+v, want OK=true Phase=Cal-Pre", resp)
	}
	if resp.Snapshot != nil {
		t.Fatalf("dispatch(phase) populated Snapshot, want nil (phase-only response)")
	}
}

func TestDispatchUnknownCommand(t *testing.T) {
	reg := &fakeRegistry{}
	s := NewServer("/unused", reg, zap.NewNop())

	resp := s.dispatch(Request{Cmd: "reset"})
	if resp.OK {
		t.Fatalf("dispatch(reset) OK=true, want false for an unsupported mutating command")
	}
}

func TestDispatchStatusPropagatesStoreError(t *testing.T) {
	reg := &fakeRegistry{phaseErr: errors.New("boom")}
	s := NewServer("/unused", reg, zap.NewNop())

	resp := s.dispatch(Request{Cmd: "status"})
	if resp.OK {
		t.Fatalf("dispatch(status) OK=true despite CurrentPhase error")
	}
}

// TestListenAndServeRoundTrip exercises the real Unix socket path end to
// end: connect, send a JSON request, read back a JSON response.
func TestListenAndServeRoundTrip(t *testing.T) {
	sockPath := filepath.Join(t.TempDir(), "operator.sock")
	reg := &fakeRegistry{p: phase.Finished}
	s := NewServer(sockPath, reg, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errCh := make(chan error, 1)
	go func() { errCh <- s.ListenAndServe(ctx) }()

	var conn net.Conn
	var err error
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		conn, err = net.Dial("unix", sockPath)
		if err == nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("dial %q failed: %v", sockPath, err)
	}
	defer conn.Close()

	if _, err := conn.Write([]byte(`{"cmd":"phase"}`)); err != nil {
		t.Fatalf("Write() returned error: %v", err)
	}

	reader := bufio.NewReader(conn)
	line, err := reader.ReadString('\n')
	if err != nil {
		t.Fatalf("ReadString() returned error: %v", err)
	}

	var resp StatusResponse
	if err := json.Unmarshal([]byte(line), &resp); err != nil {
		t.Fatalf("Unmarshal(%q) returned error: %v", line, err)
	}
	if !resp.OK || resp.Phase != "Finished" {
		t.Fatalf("response = %+v, want OK=true Phase=Finished", resp)
	}
}
