//go:build darwin || freebsd || netbsd || openbsd

package reactor

import (
	"time"

	"golang.org/x/sys/unix"
)

// kqueueMultiplexer implements Multiplexer with BSD/Darwin kqueue(2).
// Unlike epoll, read and write interest are tracked as independent
// filters, so Add/Modify/Remove manage EVFILT_READ and EVFILT_WRITE
// registrations separately per fd.
type kqueueMultiplexer struct {
	kq int
}

func newKqueueMultiplexer() (Multiplexer, error) {
	fd, err := unix.Kqueue()
	if err != nil {
		return nil, err
	}
	_, err = unix.Kevent(fd, nil, nil, nil)
	if err != nil {
		_ = unix.Close(fd)
		return nil, err
	}
	return &kqueueMultiplexer{kq: fd}, nil
}

func (m *kqueueMultiplexer) changeFilter(fd int, filter int16, enable bool) error {
	flags := uint16(unix.EV_DELETE)
	if enable {
		flags = unix.EV_ADD | unix.EV_ENABLE
	}
	kev := unix.Kevent_t{
		Ident:  uint64(fd),
		Filter: filter,
		Flags:  flags,
	}
	_, err := unix.Kevent(m.kq, []unix.Kevent_t{kev}, nil, nil)
	if err == unix.ENOENT && !enable {
		return nil
	}
	return err
}

func (m *kqueueMultiplexer) Add(fd int, wantRead, wantWrite bool) error {
	return m.Modify(fd, wantRead, wantWrite)
}

func (m *kqueueMultiplexer) Modify(fd int, wantRead, wantWrite bool) error {
	if err := m.changeFilter(fd, unix.EVFILT_READ, wantRead); err != nil {
		return err
	}
	return m.changeFilter(fd, unix.EVFILT_WRITE, wantWrite)
}

func (m *kqueueMultiplexer) Remove(fd int) error {
	_ = m.changeFilter(fd, unix.EVFILT_READ, false)
	_ = m.changeFilter(fd, unix.EVFILT_WRITE, false)
	return nil
}

func (m *kqueueMultiplexer) Wait(timeout time.Duration) ([]Event, error) {
	var ts *unix.Timespec
	if timeout >= 0 {
		t := unix.NsecToTimespec(timeout.Nanoseconds())
		ts = &t
	}

	buf := make([]unix.Kevent_t, 256)
	n, err := unix.Kevent(m.kq, nil, buf, ts)
	if err != nil {
		if err == unix.EINTR {
			return nil, nil
		}
		return nil, err
	}

	byFD := make(map[int]*Event, n)
	order := make([]int, 0, n)
	for i := 0; i < n; i++ {
		raw := buf[i]
		fd := int(raw.Ident)
		ev, ok := byFD[fd]
		if !ok {
			ev = &Event{FD: fd}
			byFD[fd] = ev
			order = append(order, fd)
		}
		switch raw.Filter {
		case unix.EVFILT_READ:
			ev.Readable = true
		case unix.EVFILT_WRITE:
			ev.Writable = true
		}
		if raw.Flags&unix.EV_EOF != 0 || raw.Flags&unix.EV_ERROR != 0 {
			ev.Exceptional = true
		}
	}

	events := make([]Event, 0, len(order))
	for _, fd := range order {
		events = append(events, *byFD[fd])
	}
	return events, nil
}

func (m *kqueueMultiplexer) Close() error {
	return unix.Close(m.kq)
}
