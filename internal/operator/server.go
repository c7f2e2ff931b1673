// Package operator — server.go
//
// Unix domain socket server exposing read-only supervisor status for the
// duskwarden nightly pipeline.
//
// Protocol: newline-delimited JSON over a Unix domain socket.
// Socket path: /run/duskwarden/operator.sock (configurable).
// Permissions: 0600, owned by the supervisor's user.
//
// Commands (JSON request → JSON response):
//
//	{"cmd":"status"}
//	  → Returns the current phase, telemetry snapshot, and Executor/guard
//	    counters.
//	  → Response: {"ok":true,"phase":"Watching","snapshot":{...},...}
//
//	{"cmd":"phase"}
//	  → Returns only the current pipeline phase.
//	  → Response: {"ok":true,"phase":"Watching"}
//
// This surface is read-only by design (§1 Non-goal: no operator command
// channel beyond status introspection) — unlike a PID-pinning control
// plane, it cannot mutate supervisor state.
//
// Security:
//   - Socket is created with 0600 permissions.
//   - Each connection is handled in a separate goroutine.
//   - Max concurrent connections: 4.
//   - Max request size: 4096 bytes (prevents memory exhaustion).
//   - Connection timeout: 10s read, 10s write.
package operator

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/duskwarden/duskwarden/internal/action"
	"github.com/duskwarden/duskwarden/internal/phase"
	"github.com/duskwarden/duskwarden/internal/telemetry"
)

const (
	maxConcurrentConns = 4
	maxRequestBytes    = 4096
	connTimeout        = 10 * time.Second
)

// StatusRegistry is the interface the operator server uses to read
// supervisor state. Implemented by the wiring in cmd/duskwarden.
type StatusRegistry interface {
	// CurrentPhase returns the durably persisted pipeline phase.
	CurrentPhase() (phase.Phase, error)

	// Snapshot returns the current telemetry snapshot.
	Snapshot() telemetry.Snapshot

	// ExecutorStats returns the Action Executor's lifetime counters.
	ExecutorStats() action.Stats

	// GuardStats returns the TransitionGuard's lifetime counters.
	GuardStats() phase.GuardStats
}

// StatusResponse is the JSON structure for the "status" command.
type StatusResponse struct {
	OK            bool              `json:"ok"`
	Error         string            `json:"error,omitempty"`
	Phase         string            `json:"phase,omitempty"`
	Snapshot      *SnapshotView     `json:"snapshot,omitempty"`
	ExecutorStats *action.Stats     `json:"executor_stats,omitempty"`
	GuardStats    *phase.GuardStats `json:"guard_stats,omitempty"`
}

// SnapshotView is the JSON-serializable projection of telemetry.Snapshot.
type SnapshotView struct {
	SunElevationDeg float64 `json:"sun_elevation_deg"`
	WindSpeedMPH    float64 `json:"wind_speed_mph"`
	WindDirDeg      float64 `json:"wind_dir_deg"`
	SeeingArcsec    float64 `json:"seeing_arcsec"`
	Slowdown        float64 `json:"slowdown"`
	Conditions      string  `json:"conditions"`
	DeadmanSeconds  float64 `json:"deadman_seconds"`
	OpenOK          bool    `json:"open_ok"`
	MovePerm        bool    `json:"move_perm"`
	IsOpen          bool    `json:"is_open"`
	RobotRunning    bool    `json:"robot_running"`
	LinesDone       int     `json:"lines_done"`
}

func newSnapshotView(s telemetry.Snapshot) *SnapshotView {
	return &SnapshotView{
		SunElevationDeg: s.SunElevationDeg,
		WindSpeedMPH:    s.WindSpeedMPH,
		WindDirDeg:      s.WindDirDeg,
		SeeingArcsec:    s.SeeingArcsec,
		Slowdown:        s.Slowdown,
		Conditions:      s.Conditions.String(),
		DeadmanSeconds:  s.DeadmanSeconds,
		OpenOK:          s.OpenOK,
		MovePerm:        s.MovePerm,
		IsOpen:          s.IsOpen(),
		RobotRunning:    s.RobotRunning(),
		LinesDone:       s.LinesDone,
	}
}

// Request is the JSON structure for operator commands.
type Request struct {
	Cmd string `json:"cmd"` // status | phase
}

// Server is the read-only status Unix domain socket server.
type Server struct {
	socketPath string
	registry   StatusRegistry
	log        *zap.Logger
	sem        chan struct{} // Semaphore: max concurrent connections.
}

// NewServer creates an operator Server.
func NewServer(socketPath string, registry StatusRegistry, log *zap.Logger) *Server {
	return &Server{
		socketPath: socketPath,
		registry:   registry,
		log:        log,
		sem:        make(chan struct{}, maxConcurrentConns),
	}
}

// ListenAndServe starts the operator socket server.
// Removes any stale socket file before binding.
// Blocks until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("operator: remove stale socket %q: %w", s.socketPath, err)
	}

	if err := os.MkdirAll(filepath.Dir(s.socketPath), 0o700); err != nil {
		return fmt.Errorf("operator: mkdir %q: %w", filepath.Dir(s.socketPath), err)
	}

	lis, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("operator: listen %q: %w", s.socketPath, err)
	}
	defer lis.Close()

	if err := os.Chmod(s.socketPath, 0o600); err != nil {
		return fmt.Errorf("operator: chmod %q: %w", s.socketPath, err)
	}

	s.log.Info("operator socket listening", zap.String("path", s.socketPath))

	go func() {
		<-ctx.Done()
		lis.Close()
	}()

	for {
		conn, err := lis.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil // Clean shutdown.
			default:
				s.log.Error("operator: accept error", zap.Error(err))
				continue
			}
		}

		select {
		case s.sem <- struct{}{}:
		default:
			s.log.Warn("operator: max connections reached, rejecting")
			_ = conn.Close()
			continue
		}

		go func(c net.Conn) {
			defer func() { <-s.sem }()
			defer c.Close()
			s.handleConn(c)
		}(conn)
	}
}

// handleConn handles a single operator connection.
// Reads one JSON request, executes the command, writes one JSON response.
func (s *Server) handleConn(conn net.Conn) {
	_ = conn.SetDeadline(time.Now().Add(connTimeout))

	buf := make([]byte, maxRequestBytes)
	n, err := conn.Read(buf)
	if err != nil && err != io.EOF {
		s.log.Warn("operator: read error", zap.Error(err))
		return
	}

	var req Request
	if err := json.Unmarshal(buf[:n], &req); err != nil {
		s.writeResponse(conn, StatusResponse{OK: false, Error: "invalid JSON: " + err.Error()})
		return
	}

	resp := s.dispatch(req)
	s.writeResponse(conn, resp)
}

func (s *Server) dispatch(req Request) StatusResponse {
	switch req.Cmd {
	case "status":
		return s.cmdStatus()
	case "phase":
		return s.cmdPhase()
	default:
		return StatusResponse{OK: false, Error: fmt.Sprintf("unknown command %q", req.Cmd)}
	}
}

func (s *Server) cmdStatus() StatusResponse {
	p, err := s.registry.CurrentPhase()
	if err != nil {
		return StatusResponse{OK: false, Error: err.Error()}
	}
	execStats := s.registry.ExecutorStats()
	guardStats := s.registry.GuardStats()
	return StatusResponse{
		OK:            true,
		Phase:         p.String(),
		Snapshot:      newSnapshotView(s.registry.Snapshot()),
		ExecutorStats: &execStats,
		GuardStats:    &guardStats,
	}
}

func (s *Server) cmdPhase() StatusResponse {
	p, err := s.registry.CurrentPhase()
	if err != nil {
		return StatusResponse{OK: false, Error: err.Error()}
	}
	return StatusResponse{OK: true, Phase: p.String()}
}

func (s *Server) writeResponse(conn net.Conn, resp StatusResponse) {
	data, _ := json.Marshal(resp)
	data = append(data, '\n')
	_, _ = conn.Write(data)
}
