package supervisor

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLockPidfileWritesCurrentPID(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.pid")

	f, err := lockPidfile(path)
	require.NoError(t, err)
	defer f.Close()

	contents, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, strconv.Itoa(os.Getpid())+"\n", string(contents))
}

func TestLockPidfileRejectsSecondLock(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.pid")

	f, err := lockPidfile(path)
	require.NoError(t, err)
	defer f.Close()

	_, err = lockPidfile(path)
	require.Error(t, err)
}
