//go:build linux

package reactor

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

// ErrFDNotRegistered is returned by Modify/Remove for an fd the poller
// does not know about.
var ErrFDNotRegistered = errors.New("reactor: fd not registered")

// epollPoller is a thin wrapper over epoll(7). Grounded in
// eventloop/poller_linux.go's FastPoller, trimmed to what a single-
// threaded caller needs: no internal locking (the loop goroutine is the
// only caller, by construction — see Loop), no version-based staleness
// checks (nothing can mutate registrations concurrently with PollIO).
type epollPoller struct {
	epfd     int
	fds      map[int]Interest
	eventBuf []unix.EpollEvent
}

func newEpollPoller() (*epollPoller, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("reactor: epoll_create1: %w", err)
	}
	return &epollPoller{
		epfd:     epfd,
		fds:      make(map[int]Interest),
		eventBuf: make([]unix.EpollEvent, 256),
	}, nil
}

func (p *epollPoller) add(fd int, interest Interest) error {
	if _, ok := p.fds[fd]; ok {
		return fmt.Errorf("reactor: fd %d already registered", fd)
	}
	ev := unix.EpollEvent{Events: toEpoll(interest), Fd: int32(fd)}
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return fmt.Errorf("reactor: epoll_ctl add fd %d: %w", fd, err)
	}
	p.fds[fd] = interest
	return nil
}

func (p *epollPoller) modify(fd int, interest Interest) error {
	if _, ok := p.fds[fd]; !ok {
		return ErrFDNotRegistered
	}
	ev := unix.EpollEvent{Events: toEpoll(interest), Fd: int32(fd)}
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_MOD, fd, &ev); err != nil {
		return fmt.Errorf("reactor: epoll_ctl mod fd %d: %w", fd, err)
	}
	p.fds[fd] = interest
	return nil
}

func (p *epollPoller) remove(fd int) error {
	if _, ok := p.fds[fd]; !ok {
		return ErrFDNotRegistered
	}
	delete(p.fds, fd)
	// EPOLL_CTL_DEL with a nil event is valid on all supported kernels;
	// ignore ENOENT in case the fd was already closed (and thus
	// auto-removed from the epoll set by the kernel).
	err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil)
	if err != nil && !errors.Is(err, unix.ENOENT) && !errors.Is(err, unix.EBADF) {
		return fmt.Errorf("reactor: epoll_ctl del fd %d: %w", fd, err)
	}
	return nil
}

// wait blocks for up to timeoutMs (negative blocks indefinitely) and
// returns the ready fds with their fired flags.
func (p *epollPoller) wait(timeoutMs int) ([]readyFD, error) {
	n, err := unix.EpollWait(p.epfd, p.eventBuf, timeoutMs)
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			return nil, nil
		}
		return nil, fmt.Errorf("reactor: epoll_wait: %w", err)
	}
	ready := make([]readyFD, 0, n)
	for i := 0; i < n; i++ {
		ev := p.eventBuf[i]
		ready = append(ready, readyFD{fd: int(ev.Fd), flags: fromEpoll(ev.Events)})
	}
	return ready, nil
}

func (p *epollPoller) close() error {
	return unix.Close(p.epfd)
}

type readyFD struct {
	fd    int
	flags Flags
}

func toEpoll(i Interest) uint32 {
	var e uint32
	if i&Readable != 0 {
		e |= unix.EPOLLIN
	}
	if i&Writable != 0 {
		e |= unix.EPOLLOUT
	}
	return e
}

func fromEpoll(e uint32) Flags {
	var f Flags
	if e&(unix.EPOLLIN|unix.EPOLLHUP|unix.EPOLLERR) != 0 {
		f |= FlagReadable
	}
	if e&(unix.EPOLLOUT|unix.EPOLLERR) != 0 {
		f |= FlagWritable
	}
	return f
}
