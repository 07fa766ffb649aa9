//go:build linux

package server

import (
	"golang.org/x/sys/unix"

	"github.com/pior/memcache-binary/protocol"
)

// Poller wraps a level-triggered epoll instance and an eventfd used to wake
// EpollWait from other goroutines.
type Poller struct {
	fd     int
	wakeFd int
	events []unix.EpollEvent
}

func MakePoller() (*Poller, error) {
	// https://man7.org/linux/man-pages/man2/epoll_create.2.html
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}

	// https://man7.org/linux/man-pages/man2/eventfd.2.html
	wakeFd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		unix.Close(fd)
		return nil, err
	}

	p := &Poller{fd: fd, wakeFd: wakeFd, events: make([]unix.EpollEvent, 128)}
	if err := p.ctl(unix.EPOLL_CTL_ADD, wakeFd, unix.EPOLLIN); err != nil {
		p.Close()
		return nil, err
	}
	return p, nil
}

func (p *Poller) Close() error {
	if err := unix.Close(p.wakeFd); err != nil {
		return err
	}
	return unix.Close(p.fd)
}

func (p *Poller) ctl(op, fd int, events uint32) error {
	ev := unix.EpollEvent{Fd: int32(fd), Events: events}
	return unix.EpollCtl(p.fd, op, fd, &ev)
}

// Add registers fd for the readiness of event.
func (p *Poller) Add(fd int, event protocol.Event) error {
	return p.ctl(unix.EPOLL_CTL_ADD, fd, epollEvents(event))
}

// Modify changes the readiness fd is registered for.
func (p *Poller) Modify(fd int, event protocol.Event) error {
	return p.ctl(unix.EPOLL_CTL_MOD, fd, epollEvents(event))
}

// Remove unregisters fd.
func (p *Poller) Remove(fd int) error {
	return unix.EpollCtl(p.fd, unix.EPOLL_CTL_DEL, fd, nil)
}

// Wake interrupts a pending Wait.
func (p *Poller) Wake() error {
	var one = [8]byte{1}
	_, err := unix.Write(p.wakeFd, one[:])
	if err == unix.EAGAIN {
		// counter saturated, a wake-up is already pending
		return nil
	}
	return err
}

// Wait blocks up to timeoutMs and calls fn for each ready descriptor.
// Wake-ups are drained and reported with woken.
func (p *Poller) Wait(timeoutMs int, fn func(fd int, events uint32)) (woken bool, err error) {
	n, err := unix.EpollWait(p.fd, p.events, timeoutMs)
	if err == unix.EINTR {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	for _, ev := range p.events[:n] {
		fd := int(ev.Fd)
		if fd == p.wakeFd {
			var buf [8]byte
			unix.Read(p.wakeFd, buf[:])
			woken = true
			continue
		}
		fn(fd, ev.Events)
	}
	return woken, nil
}

func epollEvents(event protocol.Event) uint32 {
	events := uint32(unix.EPOLLRDHUP)
	if event.Readable() {
		events |= unix.EPOLLIN
	}
	if event.Writable() {
		events |= unix.EPOLLOUT
	}
	return events
}
