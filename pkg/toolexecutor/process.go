package toolexecutor

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// DefaultKillGrace is the wait between SIGTERM and SIGKILL
const DefaultKillGrace = 2 * time.Second

// ProcessTracker runs external processes in their own process group and terminates them
// on abort, escalating from SIGTERM to SIGKILL after a grace window.
type ProcessTracker struct {
	grace time.Duration
	mu    sync.Mutex
	procs map[int]*exec.Cmd
}

// NewProcessTracker creates a tracker. grace <= 0 uses DefaultKillGrace.
func NewProcessTracker(grace time.Duration) *ProcessTracker {
	if grace <= 0 {
		grace = DefaultKillGrace
	}
	return &ProcessTracker{grace: grace, procs: make(map[int]*exec.Cmd)}
}

// Run starts cmd and waits for it. When ctx ends first the process group is terminated
// and ctx.Err() is returned.
func (t *ProcessTracker) Run(ctx context.Context, cmd *exec.Cmd) error {
	setProcessGroup(cmd)
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start process: %w", err)
	}

	pid := cmd.Process.Pid
	t.add(pid, cmd)
	defer t.remove(pid)

	done := make(chan error, 1)
	go func() {
		done <- cmd.Wait()
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		t.terminate(pid, cmd, done)
		return ctx.Err()
	}
}

// Active returns the pids currently tracked
func (t *ProcessTracker) Active() []int {
	t.mu.Lock()
	defer t.mu.Unlock()

	pids := make([]int, 0, len(t.procs))
	for pid := range t.procs {
		pids = append(pids, pid)
	}
	sort.Ints(pids)
	return pids
}

// TerminateAll signals every tracked process group, then force-kills whatever is left
// after the grace window
func (t *ProcessTracker) TerminateAll() {
	t.mu.Lock()
	cmds := make([]*exec.Cmd, 0, len(t.procs))
	for _, cmd := range t.procs {
		cmds = append(cmds, cmd)
	}
	t.mu.Unlock()

	for _, cmd := range cmds {
		if err := signalProcess(cmd, false); err != nil {
			log.Debug().Err(err).Int("pid", cmd.Process.Pid).Msg("SIGTERM failed")
		}
	}

	deadline := time.Now().Add(t.grace)
	for time.Now().Before(deadline) {
		if len(t.Active()) == 0 {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	for pid, cmd := range t.procs {
		log.Warn().Int("pid", pid).Msg("Process ignored SIGTERM, killing")
		_ = signalProcess(cmd, true)
	}
}

func (t *ProcessTracker) terminate(pid int, cmd *exec.Cmd, done <-chan error) {
	log.Info().Int("pid", pid).Msg("Terminating process after abort")
	if err := signalProcess(cmd, false); err != nil && !errors.Is(err, errProcessDone) {
		log.Debug().Err(err).Int("pid", pid).Msg("SIGTERM failed")
	}

	timer := time.NewTimer(t.grace)
	defer timer.Stop()

	select {
	case <-done:
		return
	case <-timer.C:
	}

	log.Warn().Int("pid", pid).Dur("grace", t.grace).Msg("Process ignored SIGTERM, killing")
	_ = signalProcess(cmd, true)
	<-done
}

func (t *ProcessTracker) add(pid int, cmd *exec.Cmd) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.procs[pid] = cmd
}

func (t *ProcessTracker) remove(pid int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.procs, pid)
}
