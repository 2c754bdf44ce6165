// Package ptymanager implements spec.md §4.2: it owns every child process
// spawned by the broker, is the sole writer to each PTY master and the
// sole producer of PtyOutput events, and translates control operations
// (write, resize, kill) into PTY syscalls.
//
// Grounded in the terminal.Session/Manager split in
// other_examples' ccoles146-termbrowser terminal package (itself the
// strongest PTY-broker reference in the retrieval pack, since the chosen
// teacher has no PTY code of its own): pty.Start, a persistent reader
// goroutine, pty.Setsize for resize, cmd.Wait for exit detection.
package ptymanager

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"
	"golang.org/x/term"

	"github.com/relaybroker/relaybroker/internal/eventlog"
	"github.com/relaybroker/relaybroker/internal/logger"
)

// Size is a terminal's row/column dimensions.
type Size struct {
	Rows uint16
	Cols uint16
}

// fallbackSize is used when neither a client nor the daemon's own
// controlling terminal can supply dimensions for a spawn.
var fallbackSize = Size{Rows: 24, Cols: 80}

// DefaultSize picks the initial PTY size for a spawn that has no
// client-supplied `initial_size` yet (spec.md §4.2: a session can be
// spawned before any viewer has attached). When relaybrokerd happens to be
// running attached to its own terminal — the common case for local
// development — it is sized to match that terminal rather than a fixed
// 80x24, the same way a locally-run CLI PTY tool would; otherwise it falls
// back to the conventional default.
func DefaultSize() Size {
	fd := int(os.Stdout.Fd())
	if !term.IsTerminal(fd) {
		return fallbackSize
	}
	cols, rows, err := term.GetSize(fd)
	if err != nil || cols <= 0 || rows <= 0 {
		return fallbackSize
	}
	return Size{Rows: uint16(rows), Cols: uint16(cols)}
}

// SpawnRequest describes a child process to bring up under a session.
type SpawnRequest struct {
	SessionID   string
	Argv        []string
	Cwd         string
	Env         []string
	InitialSize Size
}

// Manager owns all live PTYs. One Manager serves every session in the
// broker process.
type Manager struct {
	mu    sync.Mutex
	ptys  map[string]*ptySession
	log   eventlog.Log
	byteCap     int
	coalesceWindow time.Duration
}

// Config bounds the output-coalescing behavior described in spec.md §4.2's
// "Output batching" note: a byte cap and a time cap, whichever triggers
// first flushes the pending chunk as a single PtyOutput event.
type Config struct {
	ByteCap        int
	CoalesceWindow time.Duration
}

// New builds a Manager that publishes to log.
func New(log eventlog.Log, cfg Config) *Manager {
	if cfg.ByteCap <= 0 {
		cfg.ByteCap = 8192
	}
	if cfg.CoalesceWindow <= 0 {
		cfg.CoalesceWindow = 8 * time.Millisecond
	}
	return &Manager{
		ptys:           make(map[string]*ptySession),
		log:            log,
		byteCap:        cfg.ByteCap,
		coalesceWindow: cfg.CoalesceWindow,
	}
}

type ptySession struct {
	sessionID string
	cmd       *exec.Cmd
	ptmx      *os.File
	inputSub  *eventlog.Subscription
	closeOnce sync.Once
}

// sessionCreatedPayload/sessionStateChangedPayload/ptyExitPayload are the
// JSON wire bodies for their respective event kinds (spec.md §3's event
// kind table: "session metadata" / "exit code").
type sessionCreatedPayload struct {
	SessionID string   `json:"session_id"`
	Cwd       string   `json:"cwd"`
	Argv      []string `json:"argv"`
}

type sessionStateChangedPayload struct {
	SessionID string `json:"session_id"`
	State     string `json:"state"`
	Reason    string `json:"reason,omitempty"`
}

type ptyExitPayload struct {
	SessionID string `json:"session_id"`
	ExitCode  int    `json:"exit_code"`
}

// Spawn creates a PTY, forks req.Argv[0] under it, and publishes
// SessionCreated then SessionStateChanged(Starting). It returns once the
// child has been forked; output streaming and input forwarding continue
// in background goroutines for the lifetime of the session.
func (m *Manager) Spawn(req SpawnRequest) error {
	m.mu.Lock()
	if _, exists := m.ptys[req.SessionID]; exists {
		m.mu.Unlock()
		return errors.New("ptymanager: session already has a live pty")
	}
	m.mu.Unlock()

	partition := eventlog.SessionPartition(req.SessionID)

	createdPayload, _ := json.Marshal(sessionCreatedPayload{
		SessionID: req.SessionID,
		Cwd:       req.Cwd,
		Argv:      req.Argv,
	})
	created, err := m.log.Append(partition, eventlog.KindSessionCreated, createdPayload, eventlog.WithSourceSession(req.SessionID))
	if err != nil {
		return err
	}

	if len(req.Argv) == 0 {
		return m.failSpawn(req.SessionID, partition, "empty argv")
	}

	cmd := exec.Command(req.Argv[0], req.Argv[1:]...)
	cmd.Dir = req.Cwd
	cmd.Env = req.Env

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Rows: req.InitialSize.Rows, Cols: req.InitialSize.Cols})
	if err != nil {
		return m.failSpawn(req.SessionID, partition, err.Error())
	}

	// Subscribe to our own partition so UserInput events published by the
	// Gateway arrive back here in strict log order; we are the only
	// consumer that acts on them (spec.md §4.2's "serialises outgoing
	// bytes in UserInput-event order on the log").
	inputSub, err := m.log.Subscribe(partition, created.Offset+1, 256)
	if err != nil {
		ptmx.Close()
		cmd.Process.Kill()
		return err
	}

	ps := &ptySession{sessionID: req.SessionID, cmd: cmd, ptmx: ptmx, inputSub: inputSub}
	m.mu.Lock()
	m.ptys[req.SessionID] = ps
	m.mu.Unlock()

	startedPayload, _ := json.Marshal(sessionStateChangedPayload{SessionID: req.SessionID, State: "Starting"})
	if _, err := m.log.Append(partition, eventlog.KindSessionStateChanged, startedPayload, eventlog.WithSourceSession(req.SessionID)); err != nil {
		logger.PTY().Error().Err(err).Str("session_id", req.SessionID).Msg("failed to publish Starting state")
	}

	go m.inputLoop(ps, partition)
	go m.outputLoop(ps, partition)
	go m.waitLoop(ps, partition)

	return nil
}

func (m *Manager) failSpawn(sessionID, partition, reason string) error {
	statePayload, _ := json.Marshal(sessionStateChangedPayload{SessionID: sessionID, State: "Failed", Reason: reason})
	if _, err := m.log.Append(partition, eventlog.KindSessionStateChanged, statePayload, eventlog.WithSourceSession(sessionID)); err != nil {
		logger.PTY().Error().Err(err).Str("session_id", sessionID).Msg("failed to publish Failed state")
	}
	exitPayload, _ := json.Marshal(ptyExitPayload{SessionID: sessionID, ExitCode: -1})
	if _, err := m.log.Append(partition, eventlog.KindPtyExit, exitPayload, eventlog.WithSourceSession(sessionID)); err != nil {
		logger.PTY().Error().Err(err).Str("session_id", sessionID).Msg("failed to publish PtyExit for failed spawn")
	}
	return errors.New("ptymanager: spawn failed: " + reason)
}

// inputLoop is the only goroutine that writes to the PTY master, and it
// only writes bytes that arrived as UserInput events on this session's
// own partition, preserving per-session log order across multiple
// publishing clients.
func (m *Manager) inputLoop(ps *ptySession, partition string) {
	for ev := range ps.inputSub.Events {
		if ev.Kind != eventlog.KindUserInput {
			continue
		}
		if _, err := ps.ptmx.Write(ev.Payload); err != nil {
			logger.PTY().Warn().Err(err).Str("session_id", ps.sessionID).Msg("write to pty master failed")
			return
		}
	}
}

// outputLoop reads raw bytes from the PTY master and coalesces them into
// PtyOutput events bounded by a byte cap and a time cap, per spec.md
// §4.2's "Output batching" note. It never synthesizes output — every
// published byte was read from the PTY. The first successful read also
// publishes SessionStateChanged(Running), per spec.md §3's "transitions
// Starting→Running when the PTY yields its first byte".
func (m *Manager) outputLoop(ps *ptySession, partition string) {
	buf := make([]byte, 4096)
	var pending bytes.Buffer
	flushTimer := time.NewTimer(m.coalesceWindow)
	if !flushTimer.Stop() {
		<-flushTimer.C
	}
	timerArmed := false
	announcedRunning := false

	announceRunning := func() {
		if announcedRunning {
			return
		}
		announcedRunning = true
		runningPayload, _ := json.Marshal(sessionStateChangedPayload{SessionID: ps.sessionID, State: "Running"})
		if _, err := m.log.Append(partition, eventlog.KindSessionStateChanged, runningPayload, eventlog.WithSourceSession(ps.sessionID)); err != nil {
			logger.PTY().Error().Err(err).Str("session_id", ps.sessionID).Msg("failed to publish Running state")
		}
	}

	flush := func() {
		if pending.Len() == 0 {
			return
		}
		payload := append([]byte(nil), pending.Bytes()...)
		pending.Reset()
		if _, err := m.log.Append(partition, eventlog.KindPtyOutput, payload, eventlog.WithSourceSession(ps.sessionID)); err != nil {
			logger.PTY().Error().Err(err).Str("session_id", ps.sessionID).Msg("failed to publish PtyOutput")
		}
	}

	readDone := make(chan struct{})
	reads := make(chan []byte)
	go func() {
		defer close(readDone)
		for {
			n, err := ps.ptmx.Read(buf)
			if n > 0 {
				chunk := make([]byte, n)
				copy(chunk, buf[:n])
				reads <- chunk
			}
			if err != nil {
				close(reads)
				return
			}
		}
	}()

	for {
		select {
		case chunk, ok := <-reads:
			if !ok {
				flush()
				m.onChildExit(ps, partition)
				return
			}
			announceRunning()
			pending.Write(chunk)
			if pending.Len() >= m.byteCap {
				flush()
				if timerArmed && !flushTimer.Stop() {
					<-flushTimer.C
				}
				timerArmed = false
				continue
			}
			if !timerArmed {
				flushTimer.Reset(m.coalesceWindow)
				timerArmed = true
			}
		case <-flushTimer.C:
			timerArmed = false
			flush()
		}
	}
}

// onChildExit publishes PtyExit and the terminal SessionStateChanged,
// then releases this session's PTY resources. It does not remove the
// session's partition from the event log — late clients may still want
// to replay the final output (spec.md §4.2 Failure semantics).
func (m *Manager) onChildExit(ps *ptySession, partition string) {
	ps.ptmx.Close()
	ps.inputSub.Close()

	exitCode := -1
	if ps.cmd.ProcessState != nil {
		exitCode = ps.cmd.ProcessState.ExitCode()
	}

	exitPayload, _ := json.Marshal(ptyExitPayload{SessionID: ps.sessionID, ExitCode: exitCode})
	if _, err := m.log.Append(partition, eventlog.KindPtyExit, exitPayload, eventlog.WithSourceSession(ps.sessionID)); err != nil {
		logger.PTY().Error().Err(err).Str("session_id", ps.sessionID).Msg("failed to publish PtyExit")
	}

	state := "Completed"
	if exitCode != 0 {
		state = "Failed"
	}
	statePayload, _ := json.Marshal(sessionStateChangedPayload{SessionID: ps.sessionID, State: state})
	if _, err := m.log.Append(partition, eventlog.KindSessionStateChanged, statePayload, eventlog.WithSourceSession(ps.sessionID)); err != nil {
		logger.PTY().Error().Err(err).Str("session_id", ps.sessionID).Msg("failed to publish terminal state")
	}

	m.mu.Lock()
	delete(m.ptys, ps.sessionID)
	m.mu.Unlock()
}

// waitLoop reaps the child to avoid a zombie process; exit detection
// itself happens in outputLoop when the PTY read returns EOF.
func (m *Manager) waitLoop(ps *ptySession, partition string) {
	_ = ps.cmd.Wait()
}

// Write writes bytes straight to the PTY master, bypassing the log and
// inputLoop, so the bytes are not recorded as a UserInput event; callers
// should normally publish a UserInput event on the log instead. Write
// exists for callers (e.g. tests, or a future local-only fast path) that
// hold a direct reference to the Manager and want to skip the log
// round-trip.
func (m *Manager) Write(sessionID string, data []byte) error {
	ps, ok := m.lookup(sessionID)
	if !ok {
		return errors.New("ptymanager: unknown session")
	}
	_, err := ps.ptmx.Write(data)
	return err
}

// Resize forwards a new terminal size to the PTY.
func (m *Manager) Resize(sessionID string, size Size) error {
	ps, ok := m.lookup(sessionID)
	if !ok {
		return errors.New("ptymanager: unknown session")
	}
	return pty.Setsize(ps.ptmx, &pty.Winsize{Rows: size.Rows, Cols: size.Cols})
}

// Kill signals the child process. The caller is expected to await the
// resulting PtyExit event rather than block on this call.
func (m *Manager) Kill(sessionID string, sig os.Signal) error {
	ps, ok := m.lookup(sessionID)
	if !ok {
		return errors.New("ptymanager: unknown session")
	}
	if ps.cmd.Process == nil {
		return errors.New("ptymanager: process not started")
	}
	return ps.cmd.Process.Signal(sig)
}

func (m *Manager) lookup(sessionID string) (*ptySession, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ps, ok := m.ptys[sessionID]
	return ps, ok
}

// ShutdownAll signals every live child with SIGTERM, then blocks until
// ctx is done, giving outputLoop goroutines that long to observe EOF and
// clean up. It does not return early when they finish.
func (m *Manager) ShutdownAll(ctx context.Context) {
	m.mu.Lock()
	sessions := make([]*ptySession, 0, len(m.ptys))
	for _, ps := range m.ptys {
		sessions = append(sessions, ps)
	}
	m.mu.Unlock()

	for _, ps := range sessions {
		if ps.cmd.Process != nil {
			ps.cmd.Process.Signal(syscall.SIGTERM)
		}
	}

	<-ctx.Done()
}
