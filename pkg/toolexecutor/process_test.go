//go:build unix

package toolexecutor

import (
	"context"
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProcessTracker_RunCompletes(t *testing.T) {
	tracker := NewProcessTracker(0)

	cmd := exec.Command("sh", "-c", "exit 0")
	require.NoError(t, tracker.Run(context.Background(), cmd))
	assert.Empty(t, tracker.Active())
}

func TestProcessTracker_AbortSendsSIGTERM(t *testing.T) {
	tracker := NewProcessTracker(2 * time.Second)
	ctx, cancel := context.WithCancel(context.Background())

	cmd := exec.Command("sh", "-c", "sleep 30")
	errCh := make(chan error, 1)
	go func() { errCh <- tracker.Run(ctx, cmd) }()

	require.Eventually(t, func() bool { return len(tracker.Active()) == 1 }, time.Second, 10*time.Millisecond)

	start := time.Now()
	cancel()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, context.Canceled)
		assert.Less(t, time.Since(start), 2*time.Second)
	case <-time.After(5 * time.Second):
		t.Fatal("process was not terminated")
	}
	assert.Empty(t, tracker.Active())
}

func TestProcessTracker_EscalatesToSIGKILL(t *testing.T) {
	tracker := NewProcessTracker(100 * time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())

	// the shell ignores SIGTERM, so only SIGKILL ends it
	cmd := exec.Command("sh", "-c", "trap '' TERM; while true; do sleep 0.05; done")
	errCh := make(chan error, 1)
	go func() { errCh <- tracker.Run(ctx, cmd) }()

	require.Eventually(t, func() bool { return len(tracker.Active()) == 1 }, time.Second, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("process survived SIGKILL escalation")
	}
}

func TestProcessTracker_TerminateAll(t *testing.T) {
	tracker := NewProcessTracker(500 * time.Millisecond)

	errCh := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			errCh <- tracker.Run(context.Background(), exec.Command("sh", "-c", "sleep 30"))
		}()
	}
	require.Eventually(t, func() bool { return len(tracker.Active()) == 2 }, time.Second, 10*time.Millisecond)

	tracker.TerminateAll()

	for i := 0; i < 2; i++ {
		select {
		case err := <-errCh:
			assert.Error(t, err)
		case <-time.After(5 * time.Second):
			t.Fatal("process not terminated")
		}
	}
}

func TestProcessTracker_StartFailure(t *testing.T) {
	tracker := NewProcessTracker(0)
	err := tracker.Run(context.Background(), exec.Command("/nonexistent/binary"))
	assert.Error(t, err)
	assert.Empty(t, tracker.Active())
}
