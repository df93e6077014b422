package supervisor

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// TestTickSendsIndexedRequestToWorker drives two tick loops directly (not
// through the real interval, which is set large enough never to fire on
// its own during the test) and asserts the exact bytes each one writes to
// the worker, catching regressions of spec §4.8 step 3's "tick <n>\n"
// wire format.
func TestTickSendsIndexedRequestToWorker(t *testing.T) {
	dir := t.TempDir()
	capture := filepath.Join(dir, "capture.log")
	script := filepath.Join(dir, "echo-and-capture.sh")
	// tee both echoes the request back (so readReply completes) and
	// appends it to capture for inspection; the leading "-b"/"-bs" server-
	// mode flag Activate always appends is ignored since the script never
	// references its arguments.
	require.NoError(t, os.WriteFile(script, []byte(fmt.Sprintf("#!/bin/sh\ntee -a %q\n", capture)), 0o755))

	cfg := newTestConfig(t)
	cfg.WorkerProgram = script
	cfg.MaxWorkers = 1
	cfg.TickIntervalSec = 1000
	cfg.NumTicks = 1

	s, err := New(cfg, nil, nil)
	require.NoError(t, err)
	defer s.Close()

	s.runTick(0)
	for i := 0; i < 20; i++ {
		require.NoError(t, s.loop.RunOnce())
	}
	s.runTick(1)
	for i := 0; i < 20; i++ {
		require.NoError(t, s.loop.RunOnce())
	}

	data, err := os.ReadFile(capture)
	require.NoError(t, err)
	require.Equal(t, "tick 0\ntick 1\n", string(data))
}
