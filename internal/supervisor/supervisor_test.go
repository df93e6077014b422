package supervisor

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/milterpool/multiplexor/internal/config"
)

func newTestConfig(t *testing.T) config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Defaults()
	cfg.SockPath = filepath.Join(dir, "priv.sock")
	cfg.PidFile = filepath.Join(dir, "test.pid")
	cfg.LockFile = filepath.Join(dir, "test.lock")
	cfg.MinWorkers = 0
	cfg.MaxWorkers = 1
	cfg.WorkerProgram = "/bin/cat"
	return cfg
}

func TestNewBuildsSupervisorAndOpensSockets(t *testing.T) {
	cfg := newTestConfig(t)
	s, err := New(cfg, nil, nil)
	require.NoError(t, err)
	require.Len(t, s.sockets, 1)

	_, statErr := os.Stat(cfg.SockPath)
	require.NoError(t, statErr)
	_, statErr = os.Stat(cfg.PidFile)
	require.NoError(t, statErr)

	require.NoError(t, s.Close())
	_, statErr = os.Stat(cfg.SockPath)
	require.True(t, os.IsNotExist(statErr))
	_, statErr = os.Stat(cfg.PidFile)
	require.True(t, os.IsNotExist(statErr))
}

func TestNewFailsWithoutPrivilegedSocketPath(t *testing.T) {
	cfg := newTestConfig(t)
	cfg.SockPath = ""
	_, err := New(cfg, nil, nil)
	require.Error(t, err)
}

func TestBeginShutdownStopsLoopWhenNoWorkersLive(t *testing.T) {
	cfg := newTestConfig(t)
	s, err := New(cfg, nil, nil)
	require.NoError(t, err)
	defer s.Close()

	s.beginShutdown()
	require.True(t, s.shuttingDown)
}
