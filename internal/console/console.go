// Package console runs the host-side input pump for the guest's serial
// console (spec.md §4.9 step 9): stdin is switched to raw mode, polled via
// epoll, and each chunk of bytes is fed into the UART's external input
// queue.
package console

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
	"golang.org/x/term"
)

// UARTInput is the subset of internal/serial.UART the pump feeds.
type UARTInput interface {
	QueueInputBytes(data []byte)
}

// Pump owns stdin's raw-mode state and the epoll loop reading it.
type Pump struct {
	uart     UARTInput
	fd       int
	oldState *term.State
}

// New prepares a console pump over uart reading from fd (typically
// os.Stdin.Fd()). If fd is not a terminal, raw mode is skipped — matching
// cmd/cc/main.go's term.IsTerminal guard — and the pump still reads
// whatever bytes arrive.
func New(uart UARTInput, fd int) (*Pump, error) {
	p := &Pump{uart: uart, fd: fd}
	if term.IsTerminal(fd) {
		old, err := term.MakeRaw(fd)
		if err != nil {
			return nil, fmt.Errorf("console: enable raw mode: %w", err)
		}
		p.oldState = old
	}
	return p, nil
}

// Close restores the terminal's original mode, if it was changed.
func (p *Pump) Close() error {
	if p.oldState == nil {
		return nil
	}
	return term.Restore(p.fd, p.oldState)
}

// Run blocks until stop is closed or a read error occurs, epolling fd and
// forwarding each chunk of input bytes to the UART (spec.md §4.9 step 9:
// "polls via epoll, and feeds bytes into the serial device").
func (p *Pump) Run(stop <-chan struct{}) error {
	epFD, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return fmt.Errorf("console: epoll_create1: %w", err)
	}
	defer unix.Close(epFD)

	wakeFD, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		return fmt.Errorf("console: eventfd: %w", err)
	}
	defer unix.Close(wakeFD)

	go func() {
		<-stop
		one := make([]byte, 8)
		one[0] = 1
		unix.Write(wakeFD, one)
	}()

	for _, fd := range []int{p.fd, wakeFD} {
		ev := unix.EpollEvent{Fd: int32(fd), Events: unix.EPOLLIN}
		if err := unix.EpollCtl(epFD, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
			return fmt.Errorf("console: epoll_ctl: %w", err)
		}
	}

	events := make([]unix.EpollEvent, 2)
	buf := make([]byte, 256)
	for {
		n, err := unix.EpollWait(epFD, events, -1)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return fmt.Errorf("console: epoll_wait: %w", err)
		}

		for i := 0; i < n; i++ {
			switch int(events[i].Fd) {
			case wakeFD:
				return nil
			case p.fd:
				m, err := unix.Read(p.fd, buf)
				if err != nil || m == 0 {
					return nil
				}
				data := make([]byte, m)
				copy(data, buf[:m])
				p.uart.QueueInputBytes(data)
			}
		}
	}
}

// StdinFD returns os.Stdin's file descriptor, the default input source.
func StdinFD() int {
	return int(os.Stdin.Fd())
}
