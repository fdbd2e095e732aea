//go:build linux

package reactor

import (
	"os"
	"time"

	"golang.org/x/sys/unix"
)

type event struct {
	fd       int
	readable bool
	writable bool
	hangup   bool
}

// poller is a level-triggered epoll set plus an eventfd used to interrupt
// a blocked wait.
type poller struct {
	epfd   int
	wakefd int
	events []unix.EpollEvent
}

func newPoller(size int) (*poller, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, os.NewSyscallError("epoll_create1", err)
	}
	wakefd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		unix.Close(epfd)
		return nil, os.NewSyscallError("eventfd", err)
	}
	p := &poller{epfd: epfd, wakefd: wakefd, events: make([]unix.EpollEvent, size)}
	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(wakefd)}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, wakefd, &ev); err != nil {
		p.close()
		return nil, os.NewSyscallError("epoll_ctl", err)
	}
	return p, nil
}

func epollMask(mask int) uint32 {
	var ev uint32
	if mask&EventRead != 0 {
		ev |= unix.EPOLLIN | unix.EPOLLRDHUP
	}
	if mask&EventWrite != 0 {
		ev |= unix.EPOLLOUT
	}
	return ev
}

func (p *poller) add(fd, mask int) error {
	ev := unix.EpollEvent{Events: epollMask(mask), Fd: int32(fd)}
	return os.NewSyscallError("epoll_ctl", unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, &ev))
}

func (p *poller) mod(fd, mask int) error {
	ev := unix.EpollEvent{Events: epollMask(mask), Fd: int32(fd)}
	return os.NewSyscallError("epoll_ctl", unix.EpollCtl(p.epfd, unix.EPOLL_CTL_MOD, fd, &ev))
}

func (p *poller) del(fd int) error {
	var ev unix.EpollEvent
	return os.NewSyscallError("epoll_ctl", unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, &ev))
}

// wait blocks for at most timeout and appends ready events to dst.
func (p *poller) wait(dst []event, timeout time.Duration) ([]event, error) {
	msec := int(timeout / time.Millisecond)
	if msec < 1 {
		msec = 1
	}
	n, err := unix.EpollWait(p.epfd, p.events, msec)
	if err != nil {
		if err == unix.EINTR {
			return dst, nil
		}
		return dst, os.NewSyscallError("epoll_wait", err)
	}
	for i := 0; i < n; i++ {
		e := p.events[i]
		fd := int(e.Fd)
		if fd == p.wakefd {
			p.drain()
			continue
		}
		hup := e.Events&(unix.EPOLLHUP|unix.EPOLLERR) != 0
		dst = append(dst, event{
			fd:       fd,
			readable: hup || e.Events&(unix.EPOLLIN|unix.EPOLLRDHUP) != 0,
			writable: hup || e.Events&unix.EPOLLOUT != 0,
			hangup:   hup,
		})
	}
	return dst, nil
}

func (p *poller) wake() {
	var one = [8]byte{1}
	// EAGAIN means the counter is already non-zero.
	unix.Write(p.wakefd, one[:])
}

func (p *poller) drain() {
	var buf [8]byte
	unix.Read(p.wakefd, buf[:])
}

func (p *poller) close() {
	unix.Close(p.wakefd)
	unix.Close(p.epfd)
}
