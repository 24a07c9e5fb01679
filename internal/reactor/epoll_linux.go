//go:build linux

package reactor

import (
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// epollMultiplexer implements Multiplexer with Linux epoll(7), the
// default backend since it scales to the connection counts a relay node
// may accumulate without the O(n) rescan cost of poll(2).
type epollMultiplexer struct {
	epfd int

	mu       sync.Mutex
	eventBuf []unix.EpollEvent
}

func newEpollMultiplexer() (Multiplexer, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	return &epollMultiplexer{epfd: fd, eventBuf: make([]unix.EpollEvent, 256)}, nil
}

func epollMask(wantRead, wantWrite bool) uint32 {
	var mask uint32
	if wantRead {
		mask |= unix.EPOLLIN
	}
	if wantWrite {
		mask |= unix.EPOLLOUT
	}
	return mask
}

func (m *epollMultiplexer) Add(fd int, wantRead, wantWrite bool) error {
	ev := unix.EpollEvent{Events: epollMask(wantRead, wantWrite), Fd: int32(fd)}
	return unix.EpollCtl(m.epfd, unix.EPOLL_CTL_ADD, fd, &ev)
}

func (m *epollMultiplexer) Modify(fd int, wantRead, wantWrite bool) error {
	ev := unix.EpollEvent{Events: epollMask(wantRead, wantWrite), Fd: int32(fd)}
	return unix.EpollCtl(m.epfd, unix.EPOLL_CTL_MOD, fd, &ev)
}

func (m *epollMultiplexer) Remove(fd int) error {
	err := unix.EpollCtl(m.epfd, unix.EPOLL_CTL_DEL, fd, nil)
	if err == unix.ENOENT {
		return nil
	}
	return err
}

func (m *epollMultiplexer) Wait(timeout time.Duration) ([]Event, error) {
	ms := int(timeout / time.Millisecond)
	if timeout > 0 && ms == 0 {
		ms = 1
	}
	if timeout < 0 {
		ms = -1
	}

	m.mu.Lock()
	buf := m.eventBuf
	m.mu.Unlock()

	n, err := unix.EpollWait(m.epfd, buf, ms)
	if err != nil {
		if err == unix.EINTR {
			return nil, nil
		}
		return nil, err
	}

	events := make([]Event, 0, n)
	for i := 0; i < n; i++ {
		raw := buf[i]
		events = append(events, Event{
			FD:          int(raw.Fd),
			Readable:    raw.Events&(unix.EPOLLIN|unix.EPOLLHUP|unix.EPOLLERR) != 0,
			Writable:    raw.Events&unix.EPOLLOUT != 0,
			Exceptional: raw.Events&(unix.EPOLLERR|unix.EPOLLHUP) != 0,
		})
	}
	return events, nil
}

func (m *epollMultiplexer) Close() error {
	return unix.Close(m.epfd)
}
