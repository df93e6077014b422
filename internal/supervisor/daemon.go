package supervisor

import (
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"syscall"
)

// daemonFDEnv names the environment variable the parent sets in the
// daemonized child so it knows which inherited fd is the handshake
// pipe (spec §6 "Startup handshake").
const daemonFDEnv = "MULTIPLEXOR_DAEMON_HANDSHAKE_FD"

// Daemonize implements spec §6's startup handshake: "the grandchild
// writes a single byte 'X' ... or 'E'<message> ... the waiting parent
// exits with 0 or non-zero accordingly". This is a single-fork
// simplification of the spec's "grandchild" terminology: a direct
// Setsid child re-exec plays the grandchild's role, since nothing here
// needs a separate intermediate parent to reap.
//
// When noDaemon is set, or this process is already the re-exec'd
// daemon child, Daemonize returns immediately with a report function
// the caller must invoke exactly once, with nil on successful startup
// or an error describing the failure. Otherwise it forks the daemon
// child, blocks waiting for its handshake byte, and exits the current
// process with status 0 or 1 — it never returns in that case.
func Daemonize(noDaemon bool) (report func(error), err error) {
	if fdStr := os.Getenv(daemonFDEnv); fdStr != "" {
		fd, convErr := strconv.Atoi(fdStr)
		if convErr != nil {
			return nil, fmt.Errorf("daemonize: bad %s=%q: %w", daemonFDEnv, fdStr, convErr)
		}
		_ = os.Unsetenv(daemonFDEnv)
		pipeFile := os.NewFile(uintptr(fd), "handshake")
		return func(startErr error) { reportHandshake(pipeFile, startErr) }, nil
	}

	if noDaemon {
		return func(error) {}, nil
	}

	r, w, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("daemonize: pipe: %w", err)
	}
	defer r.Close()

	exe, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("daemonize: executable: %w", err)
	}

	cmd := exec.Command(exe, os.Args[1:]...)
	cmd.Env = append(os.Environ(), fmt.Sprintf("%s=3", daemonFDEnv))
	cmd.ExtraFiles = []*os.File{w}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("daemonize: start: %w", err)
	}
	_ = w.Close()

	buf := make([]byte, 512)
	n, _ := r.Read(buf)
	if n > 0 && buf[0] == 'X' {
		os.Exit(0)
	}
	msg := "startup failed"
	if n > 1 && buf[0] == 'E' {
		msg = string(buf[1:n])
	}
	fmt.Fprintln(os.Stderr, "multiplexor: "+msg)
	os.Exit(1)
	panic("unreachable")
}

func reportHandshake(f *os.File, startErr error) {
	if startErr == nil {
		_, _ = f.Write([]byte{'X'})
	} else {
		_, _ = f.Write(append([]byte{'E'}, []byte(startErr.Error())...))
	}
	_ = f.Close()
}
