// Package cluster runs the gateway as a supervised set of worker processes.
//
// The supervisor re-executes its own binary once per worker with a marker
// environment variable set. Each worker inherits a pipe on fd 3 and writes a
// readiness line to it once its listener is serving; the supervisor waits
// for the full quorum before it considers startup successful. Crashed
// workers are restarted with exponential backoff, and a supervisor shutdown
// forwards SIGTERM to every child.
package cluster

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"
)

// workerEnv marks a process as a worker and carries its slot number.
const workerEnv = "FILENS3_WORKER"

// readyFd is where a worker finds the readiness pipe (first ExtraFiles entry).
const readyFd = 3

const (
	defaultReadyTimeout   = 30 * time.Second
	defaultRestartBackoff = time.Second
	maxRestartBackoff     = 30 * time.Second
	terminateGrace        = 10 * time.Second
)

// IsWorker reports whether this process was spawned by a supervisor.
func IsWorker() bool {
	return os.Getenv(workerEnv) != ""
}

// WorkerSlot returns this worker's slot number, or 0 for the supervisor and
// single-process mode.
func WorkerSlot() int {
	var slot int
	if _, err := fmt.Sscanf(os.Getenv(workerEnv), "%d", &slot); err != nil {
		return 0
	}
	return slot
}

// NotifyReady tells the supervisor this worker is serving. It is a no-op
// outside worker processes.
func NotifyReady() {
	if !IsWorker() {
		return
	}
	f := os.NewFile(readyFd, "ready-pipe")
	if f == nil {
		return
	}
	_, _ = f.WriteString("ready\n")
	_ = f.Close()
}

// Options configures a Supervisor.
type Options struct {
	Workers        int
	ReadyTimeout   time.Duration
	RestartBackoff time.Duration
	Logger         *slog.Logger
}

// Supervisor forks and babysits worker processes.
type Supervisor struct {
	opts   Options
	logger *slog.Logger
}

// NewSupervisor creates a Supervisor with defaults filled in.
func NewSupervisor(opts Options) *Supervisor {
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	if opts.ReadyTimeout <= 0 {
		opts.ReadyTimeout = defaultReadyTimeout
	}
	if opts.RestartBackoff <= 0 {
		opts.RestartBackoff = defaultRestartBackoff
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Supervisor{opts: opts, logger: opts.Logger}
}

// Run spawns the workers, waits for the readiness quorum, and supervises
// until ctx is cancelled. It returns an error if the quorum is not reached
// in time.
func (s *Supervisor) Run(ctx context.Context) error {
	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("cluster: resolving executable: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	ready := make(chan int, s.opts.Workers)
	var wg sync.WaitGroup
	for slot := 0; slot < s.opts.Workers; slot++ {
		slot := slot
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.superviseWorker(runCtx, exe, slot, ready)
		}()
	}

	if err := s.awaitQuorum(runCtx, ready); err != nil {
		cancel()
		wg.Wait()
		return err
	}
	s.logger.Info("cluster: all workers ready", slog.Int("workers", s.opts.Workers))

	<-runCtx.Done()
	wg.Wait()
	return nil
}

// awaitQuorum waits until every worker has reported ready once.
func (s *Supervisor) awaitQuorum(ctx context.Context, ready <-chan int) error {
	timer := time.NewTimer(s.opts.ReadyTimeout)
	defer timer.Stop()
	seen := make(map[int]bool, s.opts.Workers)
	for len(seen) < s.opts.Workers {
		select {
		case slot := <-ready:
			if !seen[slot] {
				seen[slot] = true
				s.logger.Info("cluster: worker ready", slog.Int("slot", slot))
			}
		case <-timer.C:
			return fmt.Errorf("cluster: quorum not reached: %d/%d workers ready after %s",
				len(seen), s.opts.Workers, s.opts.ReadyTimeout)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// superviseWorker keeps one worker slot alive until ctx is cancelled.
func (s *Supervisor) superviseWorker(ctx context.Context, exe string, slot int, ready chan<- int) {
	backoff := s.opts.RestartBackoff
	for ctx.Err() == nil {
		start := time.Now()
		err := s.runWorkerOnce(ctx, exe, slot, ready)
		if ctx.Err() != nil {
			return
		}
		s.logger.Error("cluster: worker exited",
			slog.Int("slot", slot),
			slog.String("error", errString(err)))

		// A worker that ran for a while earns a fresh backoff.
		if time.Since(start) > time.Minute {
			backoff = s.opts.RestartBackoff
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff = nextBackoff(backoff, maxRestartBackoff)
	}
}

// runWorkerOnce starts one worker process and blocks until it exits or ctx
// is cancelled, in which case the worker gets SIGTERM and a grace period.
func (s *Supervisor) runWorkerOnce(ctx context.Context, exe string, slot int, ready chan<- int) error {
	pr, pw, err := os.Pipe()
	if err != nil {
		return fmt.Errorf("cluster: readiness pipe: %w", err)
	}
	defer pr.Close()

	cmd := exec.Command(exe, os.Args[1:]...)
	cmd.Env = append(os.Environ(), fmt.Sprintf("%s=%d", workerEnv, slot))
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.ExtraFiles = []*os.File{pw}

	if err := cmd.Start(); err != nil {
		pw.Close()
		return fmt.Errorf("cluster: starting worker %d: %w", slot, err)
	}
	pw.Close()

	go func() {
		scanner := bufio.NewScanner(pr)
		if scanner.Scan() {
			ready <- slot
		}
	}()

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		_ = cmd.Process.Signal(syscall.SIGTERM)
		select {
		case <-done:
		case <-time.After(terminateGrace):
			_ = cmd.Process.Kill()
			<-done
		}
		return ctx.Err()
	}
}

// nextBackoff doubles cur up to max.
func nextBackoff(cur, max time.Duration) time.Duration {
	next := cur * 2
	if next > max {
		return max
	}
	return next
}

func errString(err error) string {
	if err == nil {
		return "exit status 0"
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.String()
	}
	return err.Error()
}
