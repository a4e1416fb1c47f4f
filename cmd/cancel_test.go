package cmd

import (
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/steward-sh/steward/internal/procman"
)

func TestTerminateProcessGraceful(t *testing.T) {
	proc := exec.Command("sleep", "60")
	require.NoError(t, proc.Start())
	done := make(chan struct{})
	go func() { _ = proc.Wait(); close(done) }()

	terminateProcess(proc.Process.Pid, 2*time.Second)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("process survived the stop signal")
	}
}

func TestTerminateProcessEscalatesToKill(t *testing.T) {
	proc := exec.Command("sh", "-c", `trap "" TERM; while true; do sleep 1; done`)
	require.NoError(t, proc.Start())
	done := make(chan struct{})
	go func() { _ = proc.Wait(); close(done) }()

	terminateProcess(proc.Process.Pid, 300*time.Millisecond)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("process survived the hard kill")
	}
	require.False(t, procman.PIDAlive(proc.Process.Pid))
}
