// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package procgroup starts capture processes in their own process group and
// tears the whole group down on stop.
package procgroup

import (
	"errors"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/ManuGH/streamrec/internal/metrics"
)

// Terminate sends SIGTERM to the group of cmd and escalates to SIGKILL when
// the process has not exited within grace. waitCh must deliver cmd.Wait's
// result; Terminate consumes it and returns it.
func Terminate(cmd *exec.Cmd, waitCh <-chan error, grace time.Duration) error {
	if cmd == nil || cmd.Process == nil {
		return nil
	}

	metrics.RecordProcSignal("SIGTERM", signalResult(Kill(cmd, syscall.SIGTERM)))

	timer := time.NewTimer(grace)
	defer timer.Stop()

	select {
	case err := <-waitCh:
		return err
	case <-timer.C:
		metrics.RecordProcSignal("SIGKILL", signalResult(Kill(cmd, syscall.SIGKILL)))
		// SIGKILL frees a blocked process; always drain waitCh.
		return <-waitCh
	}
}

func signalResult(err error) string {
	switch {
	case err == nil:
		return "sent"
	case errors.Is(err, os.ErrProcessDone), errors.Is(err, syscall.ESRCH):
		return "esrch"
	default:
		return "error"
	}
}
