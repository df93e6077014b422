package supervisor

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"

	"github.com/milterpool/multiplexor/internal/framing"
	"github.com/milterpool/multiplexor/internal/reactor"
)

// maxListeners bounds concurrent notification-bus subscribers (spec §3:
// "fixed small capacity, e.g., 5").
const maxListeners = 5

// maxCommandLen bounds a single command-protocol request line.
const maxCommandLen = 8192

// listenSocket tracks one bound-and-listening UNIX socket: its fd and
// filesystem path.
type listenSocket struct {
	fd   int
	path string
}

// socketKind selects which dispatcher an accepted connection is handed
// to.
type socketKind uint8

const (
	kindPrivileged socketKind = iota
	kindUnprivileged
	kindNotify
	kindMap
)

// openSockets creates every configured UNIX-domain listen socket (up to
// four, spec §6) and registers an accept handler for each with the
// reactor loop. No TCP listener is opened.
func (s *Supervisor) openSockets() error {
	specs := []struct {
		path string
		kind socketKind
		req  bool
	}{
		{s.cfg.SockPath, kindPrivileged, true},
		{s.cfg.UnprivSockPath, kindUnprivileged, false},
		{s.cfg.NotifySockPath, kindNotify, false},
		{s.cfg.MapSockPath, kindMap, false},
	}
	for _, spec := range specs {
		if spec.path == "" {
			if spec.req {
				return fmt.Errorf("supervisor: privileged socket path is required")
			}
			continue
		}
		fd, err := bindUnixListener(spec.path, s.cfg.ListenBacklog, s.cfg.GroupWritable)
		if err != nil {
			return fmt.Errorf("supervisor: listen %s: %w", spec.path, err)
		}
		s.sockets = append(s.sockets, listenSocket{fd: fd, path: spec.path})
		kind := spec.kind
		if _, err := s.loop.AddFD(fd, reactor.Readable, func(lfd int, _ reactor.Flags) {
			s.acceptLoop(lfd, kind)
		}); err != nil {
			return fmt.Errorf("supervisor: register listener %s: %w", spec.path, err)
		}
	}
	return nil
}

// bindUnixListener creates a non-blocking, close-on-exec UNIX stream
// socket bound to path under the umask spec §6 describes ("owner-only
// or group-shareable"), then listens with the given backlog.
func bindUnixListener(path string, backlog int, groupWritable bool) (int, error) {
	_ = os.Remove(path)

	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		return -1, fmt.Errorf("socket: %w", err)
	}
	if err := framing.SetNonBlockingCloseOnExec(fd); err != nil {
		_ = unix.Close(fd)
		return -1, err
	}

	old := unix.Umask(socketUmask(groupWritable))
	err = unix.Bind(fd, &unix.SockaddrUnix{Name: path})
	unix.Umask(old)
	if err != nil {
		_ = unix.Close(fd)
		return -1, fmt.Errorf("bind: %w", err)
	}
	if backlog <= 0 {
		backlog = 1
	}
	if err := unix.Listen(fd, backlog); err != nil {
		_ = unix.Close(fd)
		return -1, fmt.Errorf("listen: %w", err)
	}
	return fd, nil
}

// socketUmask returns 0117 (socket mode 0660) for the group-shareable
// mode, or 0177 (socket mode 0600) for owner-only, per spec §6.
func socketUmask(groupWritable bool) int {
	if groupWritable {
		return 0117
	}
	return 0177
}

// acceptLoop drains every pending connection on fd (level-triggered
// epoll may coalesce several arrivals into one wakeup) and hands each to
// the dispatcher matching kind.
func (s *Supervisor) acceptLoop(fd int, kind socketKind) {
	for {
		connFD, _, err := unix.Accept4(fd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		if err != nil {
			return
		}
		switch kind {
		case kindPrivileged:
			s.ctrl.HandleConnection(connFD, true)
		case kindUnprivileged:
			s.ctrl.HandleConnection(connFD, false)
		case kindNotify:
			if err := s.bus.Accept(connFD); err != nil {
				_ = framing.CloseFD(connFD)
			}
		case kindMap:
			s.mapCtrl.HandleConnection(connFD)
		}
	}
}
