//go:build unix

package reactor

import (
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// pollMultiplexer implements Multiplexer with POSIX poll(2). It is the
// universal fallback used on any unix the reactor runs on that has
// neither epoll nor kqueue; its O(n) rescan of the whole interest set on
// every Wait call trades scalability for portability.
type pollMultiplexer struct {
	mu      sync.Mutex
	fds     []unix.PollFd
	indexOf map[int]int
}

func newPollMultiplexer() (Multiplexer, error) {
	return &pollMultiplexer{indexOf: make(map[int]int)}, nil
}

func pollEvents(wantRead, wantWrite bool) int16 {
	var ev int16
	if wantRead {
		ev |= unix.POLLIN
	}
	if wantWrite {
		ev |= unix.POLLOUT
	}
	return ev
}

func (m *pollMultiplexer) Add(fd int, wantRead, wantWrite bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.indexOf[fd]; ok {
		return m.modifyLocked(fd, wantRead, wantWrite)
	}
	m.indexOf[fd] = len(m.fds)
	m.fds = append(m.fds, unix.PollFd{Fd: int32(fd), Events: pollEvents(wantRead, wantWrite)})
	return nil
}

func (m *pollMultiplexer) Modify(fd int, wantRead, wantWrite bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.modifyLocked(fd, wantRead, wantWrite)
}

func (m *pollMultiplexer) modifyLocked(fd int, wantRead, wantWrite bool) error {
	i, ok := m.indexOf[fd]
	if !ok {
		return unix.ENOENT
	}
	m.fds[i].Events = pollEvents(wantRead, wantWrite)
	return nil
}

func (m *pollMultiplexer) Remove(fd int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	i, ok := m.indexOf[fd]
	if !ok {
		return nil
	}
	last := len(m.fds) - 1
	m.fds[i] = m.fds[last]
	m.fds = m.fds[:last]
	delete(m.indexOf, fd)
	if i < len(m.fds) {
		m.indexOf[int(m.fds[i].Fd)] = i
	}
	return nil
}

func (m *pollMultiplexer) Wait(timeout time.Duration) ([]Event, error) {
	ms := int(timeout / time.Millisecond)
	if timeout > 0 && ms == 0 {
		ms = 1
	}
	if timeout < 0 {
		ms = -1
	}

	m.mu.Lock()
	fds := make([]unix.PollFd, len(m.fds))
	copy(fds, m.fds)
	m.mu.Unlock()

	n, err := unix.Poll(fds, ms)
	if err != nil {
		if err == unix.EINTR {
			return nil, nil
		}
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}

	events := make([]Event, 0, n)
	for _, pfd := range fds {
		if pfd.Revents == 0 {
			continue
		}
		events = append(events, Event{
			FD:          int(pfd.Fd),
			Readable:    pfd.Revents&(unix.POLLIN|unix.POLLHUP|unix.POLLERR) != 0,
			Writable:    pfd.Revents&unix.POLLOUT != 0,
			Exceptional: pfd.Revents&(unix.POLLERR|unix.POLLHUP|unix.POLLNVAL) != 0,
		})
	}
	return events, nil
}

func (m *pollMultiplexer) Close() error {
	return nil
}
