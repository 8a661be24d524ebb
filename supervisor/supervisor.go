// Package supervisor owns the lifecycle of the external engine subprocess as
// a state machine: stopped, starting, running, stopping, crashed. The process
// id is recorded durably in a pidfile so a second gateway instance detects an
// engine that is already running.
package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/ahoward/shortbus/errors"
	"github.com/ahoward/shortbus/metric"
	"github.com/ahoward/shortbus/pkg/retry"
)

// State is the engine process lifecycle state. Exactly one state is active at
// a time; transitions happen only under the supervisor's lock.
type State int

const (
	// StateStopped means no supervised process exists.
	StateStopped State = iota
	// StateStarting means the process is spawned but not yet answering
	// health checks.
	StateStarting
	// StateRunning means the process is alive and healthy.
	StateRunning
	// StateStopping means graceful termination is in progress.
	StateStopping
	// StateCrashed means the process exited without being asked to.
	StateCrashed
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateCrashed:
		return "crashed"
	default:
		return "unknown"
	}
}

// HealthFunc probes the engine, returning nil when it answers.
type HealthFunc func(ctx context.Context) error

// Supervisor manages the engine subprocess.
type Supervisor struct {
	enginePath string
	engineArgs []string
	dataDir    string
	health     HealthFunc

	startupTimeout time.Duration
	gracePeriod    time.Duration
	retryCfg       retry.Config

	logger  *slog.Logger
	metrics *metric.Metrics

	mu      sync.Mutex
	state   State
	process *os.Process
	waitCh  chan struct{} // closed when the current process exits
	gen     int           // incremented on every start; detects stale waiters
}

// New creates a supervisor for the engine binary at enginePath, keeping its
// pidfile and generated configuration under dataDir.
func New(enginePath, dataDir string, opts ...Option) (*Supervisor, error) {
	if enginePath == "" {
		return nil, errors.WrapValidation(
			fmt.Errorf("engine path is required"),
			"Supervisor", "New", "validate engine path")
	}
	if dataDir == "" {
		return nil, errors.WrapValidation(
			fmt.Errorf("data directory is required"),
			"Supervisor", "New", "validate data dir")
	}

	s := &Supervisor{
		enginePath:     enginePath,
		dataDir:        dataDir,
		health:         func(context.Context) error { return nil },
		startupTimeout: 15 * time.Second,
		gracePeriod:    5 * time.Second,
		retryCfg:       retry.Startup(),
		logger:         slog.Default(),
		state:          StateStopped,
	}

	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, errors.WrapValidation(err, "Supervisor", "New", "apply option")
		}
	}

	return s, nil
}

// State returns the current state without probing the process. Use Status for
// an observed answer.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// PidfilePath returns the durable process id record location.
func (s *Supervisor) PidfilePath() string {
	return filepath.Join(s.dataDir, "engine.pid")
}

// Start spawns the engine subprocess and polls its health until running.
// Valid only from stopped or crashed. On startup timeout the process is
// killed and the state reverts to stopped so Start can be retried.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateStopped && s.state != StateCrashed {
		state := s.state
		s.mu.Unlock()
		return errors.WrapSupervisor(
			fmt.Errorf("%w: state is %s", errors.ErrNotStopped, state),
			"Supervisor", "Start", "check state")
	}

	// A durably recorded engine from a previous gateway instance wins.
	if pid, err := readPidfile(s.PidfilePath()); err == nil && processAlive(pid) {
		s.mu.Unlock()
		return errors.WrapSupervisor(
			fmt.Errorf("%w: pid %d", errors.ErrAlreadyRunning, pid),
			"Supervisor", "Start", "check pidfile")
	}

	if s.state == StateCrashed && s.metrics != nil {
		s.metrics.EngineRestarts.Inc()
	}

	workDir, cfgPath, err := s.prepareWorkDir()
	if err != nil {
		s.mu.Unlock()
		return errors.WrapSupervisor(err, "Supervisor", "Start", "prepare work dir")
	}

	cmd := exec.Command(s.enginePath, append([]string{"--config", cfgPath}, s.engineArgs...)...)
	cmd.Dir = workDir
	cmd.Stdout = os.Stderr
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		s.mu.Unlock()
		return errors.WrapSupervisor(err, "Supervisor", "Start", "spawn engine")
	}

	if err := writePidfile(s.PidfilePath(), cmd.Process.Pid); err != nil {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
		s.mu.Unlock()
		return errors.WrapSupervisor(err, "Supervisor", "Start", "record pid")
	}

	s.state = StateStarting
	s.process = cmd.Process
	s.gen++
	gen := s.gen
	waitCh := make(chan struct{})
	s.waitCh = waitCh
	s.mu.Unlock()

	s.logger.Info("engine starting", "pid", cmd.Process.Pid, "work_dir", workDir)

	// Reap the process and observe unexpected exits.
	go func() {
		err := cmd.Wait()
		close(waitCh)

		s.mu.Lock()
		defer s.mu.Unlock()
		if s.gen != gen {
			return // a newer start superseded this process
		}
		if s.state == StateRunning || s.state == StateStarting {
			s.logger.Error("engine exited unexpectedly", "pid", cmd.Process.Pid, "error", err)
			s.state = StateCrashed
		}
	}()

	// Poll health until the engine answers or the startup budget runs out.
	pollCtx, cancel := context.WithTimeout(ctx, s.startupTimeout)
	defer cancel()

	pollErr := retry.Do(pollCtx, s.retryCfg, func() error {
		s.mu.Lock()
		state := s.state
		s.mu.Unlock()
		if state != StateStarting {
			// Stop or crash won the race; give up deterministically.
			return retry.NonRetryable(fmt.Errorf("start aborted: state is %s", state))
		}
		return s.health(pollCtx)
	})

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.gen != gen || s.state != StateStarting {
		return errors.WrapSupervisor(
			fmt.Errorf("%w: state is %s", errors.ErrNotStopped, s.state),
			"Supervisor", "Start", "startup interrupted")
	}

	if pollErr != nil {
		// Startup failed: kill the half-started engine and revert so a
		// retry is possible. Never linger in starting.
		_ = s.process.Kill()
		s.process = nil
		removePidfile(s.PidfilePath())
		s.state = StateStopped
		return errors.WrapSupervisor(
			fmt.Errorf("%w: %v", errors.ErrStartupTimeout, pollErr),
			"Supervisor", "Start", "health poll")
	}

	s.state = StateRunning
	s.logger.Info("engine running", "pid", s.process.Pid)
	return nil
}

// Stop gracefully terminates the engine, escalating to a forced kill after
// the grace period. The pidfile is authoritative: an engine recorded by
// another supervisor instance is adopted and stopped the same way, so a
// fresh process can stop an engine it did not spawn. Stop with no engine
// anywhere is a no-op.
func (s *Supervisor) Stop() error {
	s.mu.Lock()

	switch s.state {
	case StateStopped:
		// Nothing in memory, but the pidfile may record a live engine from
		// another instance.
		pid, err := readPidfile(s.PidfilePath())
		if err != nil || !processAlive(pid) {
			s.mu.Unlock()
			return nil
		}
		s.state = StateStopping
		s.mu.Unlock()
		return s.stopByPid(pid)
	case StateCrashed:
		// Nothing left to signal; clear the record.
		removePidfile(s.PidfilePath())
		s.process = nil
		s.state = StateStopped
		s.mu.Unlock()
		return nil
	case StateStopping:
		s.mu.Unlock()
		return errors.WrapSupervisor(
			fmt.Errorf("stop already in progress"),
			"Supervisor", "Stop", "check state")
	}

	process := s.process
	waitCh := s.waitCh
	s.state = StateStopping
	s.mu.Unlock()

	if process == nil {
		// Running/starting was observed from the pidfile of another
		// instance; there is no child handle to signal or reap.
		pid, err := readPidfile(s.PidfilePath())
		if err != nil || !processAlive(pid) {
			s.finishStop()
			return nil
		}
		return s.stopByPid(pid)
	}

	s.logger.Info("engine stopping", "pid", process.Pid, "grace", s.gracePeriod)

	_ = process.Signal(syscall.SIGTERM)

	select {
	case <-waitCh:
	case <-time.After(s.gracePeriod):
		s.logger.Warn("engine did not exit in grace period, killing", "pid", process.Pid)
		_ = process.Kill()
		<-waitCh
	}

	s.finishStop()
	s.logger.Info("engine stopped")
	return nil
}

// stopByPid terminates an engine this supervisor did not spawn. Without a
// child process to reap there is no exit channel, so it waits by polling
// liveness instead.
func (s *Supervisor) stopByPid(pid int) error {
	s.logger.Info("engine stopping", "pid", pid, "grace", s.gracePeriod)

	_ = syscall.Kill(pid, syscall.SIGTERM)
	if !s.waitDead(pid, s.gracePeriod) {
		s.logger.Warn("engine did not exit in grace period, killing", "pid", pid)
		_ = syscall.Kill(pid, syscall.SIGKILL)
		s.waitDead(pid, s.gracePeriod)
	}

	s.finishStop()
	s.logger.Info("engine stopped")
	return nil
}

// waitDead polls liveness until the process is gone or the budget runs out.
func (s *Supervisor) waitDead(pid int, budget time.Duration) bool {
	deadline := time.Now().Add(budget)
	for processAlive(pid) {
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(25 * time.Millisecond)
	}
	return true
}

func (s *Supervisor) finishStop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	removePidfile(s.PidfilePath())
	s.process = nil
	s.state = StateStopped
}

// Status probes the recorded process and reports the observed state: running
// only when the pid is alive and the health check answers; alive but
// unhealthy is starting. A liveness failure while running transitions to
// crashed as an observable side effect.
func (s *Supervisor) Status(ctx context.Context) State {
	s.mu.Lock()
	state := s.state
	var pid int
	if s.process != nil {
		pid = s.process.Pid
	} else if filePid, err := readPidfile(s.PidfilePath()); err == nil {
		// An engine recorded by another gateway instance.
		pid = filePid
	}
	s.mu.Unlock()

	if state == StateStopping {
		return state
	}

	if pid == 0 {
		return state
	}

	if !processAlive(pid) {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.state == StateRunning || s.state == StateStarting {
			s.logger.Error("engine liveness check failed", "pid", pid)
			s.state = StateCrashed
		}
		return s.state
	}

	if err := s.health(ctx); err != nil {
		return StateStarting
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateStarting || s.state == StateStopped || s.state == StateCrashed {
		// Alive and healthy, possibly started by someone else.
		s.state = StateRunning
	}
	return s.state
}

// Restart starts the engine again after a crash.
func (s *Supervisor) Restart(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateCrashed {
		state := s.state
		s.mu.Unlock()
		return errors.WrapSupervisor(
			fmt.Errorf("restart valid only from crashed, state is %s", state),
			"Supervisor", "Restart", "check state")
	}
	s.mu.Unlock()

	return s.Start(ctx)
}

// prepareWorkDir creates a fresh working directory for one engine run and
// writes the generated engine configuration into it.
func (s *Supervisor) prepareWorkDir() (workDir, cfgPath string, err error) {
	workDir = filepath.Join(s.dataDir, "engine-"+uuid.NewString()[:8])
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return "", "", fmt.Errorf("create work dir: %w", err)
	}

	cfgPath = filepath.Join(workDir, "engine.yml")
	if err := writeEngineConfig(cfgPath, workDir); err != nil {
		return "", "", err
	}
	return workDir, cfgPath, nil
}
