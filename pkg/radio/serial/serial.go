// Package serial implements the radio.Transceiver contract over a real
// UART-attached narrow-band RF module (modelled on the DRF7020D20 device
// family referenced by original_source/driver/include/drf7020d20.hpp),
// using raw termios/poll syscalls in the style of the teacher's
// pkg/can/socketcanv3 backend.
package serial

import (
	"context"
	"sync"
	"time"

	"github.com/airfleet/air/pkg/codec"
	"github.com/airfleet/air/pkg/radio"
	"golang.org/x/sys/unix"
)

func init() {
	radio.RegisterBackend("serial", New)
}

var baudToTermios = map[int]uint32{
	2400:   unix.B2400,
	4800:   unix.B4800,
	9600:   unix.B9600,
	19200:  unix.B19200,
	38400:  unix.B38400,
	57600:  unix.B57600,
	115200: unix.B115200,
}

// Bus drives a radio module attached to a UART device node (e.g.
// /dev/ttyAMA0, /dev/ttyUSB0).
type Bus struct {
	mu      sync.Mutex
	path    string
	fd      int
	enabled bool
}

// New returns a Bus for the UART device node at path; the node is opened
// by Enable. It satisfies radio.NewBackendFunc.
func New(path string) (radio.Transceiver, error) {
	return &Bus{path: path, fd: -1}, nil
}

func (b *Bus) Enable() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.enabled {
		return nil
	}
	fd, err := unix.Open(b.path, unix.O_RDWR|unix.O_NOCTTY|unix.O_NONBLOCK, 0)
	if err != nil {
		return err
	}
	b.fd = fd
	b.enabled = true
	return nil
}

func (b *Bus) Disable() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.enabled {
		return nil
	}
	err := unix.Close(b.fd)
	b.fd = -1
	b.enabled = false
	return err
}

// Configure puts the UART into raw mode at the requested rate and parity,
// and (conceptually) negotiates the module's operating frequency, FSK
// rate, and transmit power over the same link. Real confirmation-echo
// handshaking is device-specific and lives in the AT-command layer the
// module speaks; here we validate the parameters are within the envelope
// spec.md §6.1 documents and configure the UART line discipline, which is
// this package's actual, testable responsibility.
func (b *Bus) Configure(cfg radio.Config) error {
	if cfg.FreqKHz < 418000 || cfg.FreqKHz > 455000 {
		return radio.ErrConfigRejected
	}
	if cfg.FSKRate < 2400 || cfg.FSKRate > 19200 {
		return radio.ErrConfigRejected
	}
	if cfg.Power < 0 || cfg.Power > 9 {
		return radio.ErrConfigRejected
	}
	baud, ok := baudToTermios[cfg.UARTRate]
	if !ok {
		return radio.ErrConfigRejected
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.enabled {
		return radio.ErrNotConfigured
	}

	termios, err := unix.IoctlGetTermios(b.fd, unix.TCGETS)
	if err != nil {
		return err
	}
	termios.Cflag &^= unix.CSIZE | unix.PARENB | unix.PARODD | unix.CBAUD
	termios.Cflag |= unix.CS8 | unix.CREAD | unix.CLOCAL | baud
	switch cfg.Parity {
	case radio.ParityEven:
		termios.Cflag |= unix.PARENB
	case radio.ParityOdd:
		termios.Cflag |= unix.PARENB | unix.PARODD
	}
	termios.Iflag &^= unix.IGNBRK | unix.BRKINT | unix.PARMRK | unix.ISTRIP |
		unix.INLCR | unix.IGNCR | unix.ICRNL | unix.IXON
	termios.Oflag &^= unix.OPOST
	termios.Lflag &^= unix.ECHO | unix.ECHONL | unix.ICANON | unix.ISIG | unix.IEXTEN
	termios.Cc[unix.VMIN] = 0
	termios.Cc[unix.VTIME] = 0

	if err := unix.IoctlSetTermios(b.fd, unix.TCSETS, termios); err != nil {
		return radio.ErrConfigRejected
	}
	return nil
}

func (b *Bus) Transmit(payload []byte) error {
	if len(payload) > codec.MaxPayloadLen {
		return radio.ErrPayloadTooLarge
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.enabled {
		return radio.ErrNotConfigured
	}
	n, err := unix.Write(b.fd, payload)
	if err != nil {
		return err
	}
	if n != len(payload) {
		return radio.ErrConfigRejected
	}
	return nil
}

// Receive polls the UART fd for up to deadline and reads whatever payload
// arrives, in the style of pkg/can/socketcanv3's poll-driven reception
// loop, generalized from a fixed CAN frame size to our variable (<=15
// byte) radio payload.
func (b *Bus) Receive(ctx context.Context, deadline time.Duration) ([]byte, error) {
	b.mu.Lock()
	fd := b.fd
	enabled := b.enabled
	b.mu.Unlock()
	if !enabled {
		return nil, radio.ErrNotConfigured
	}

	remaining := deadline
	const pollQuantum = 5 * time.Millisecond
	for remaining > 0 {
		select {
		case <-ctx.Done():
			return nil, nil
		default:
		}

		wait := pollQuantum
		if remaining < wait {
			wait = remaining
		}
		fds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}
		n, err := unix.Poll(fds, int(wait.Milliseconds()))
		remaining -= wait
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return nil, err
		}
		if n <= 0 {
			continue
		}
		buf := make([]byte, codec.MaxPayloadLen)
		read, err := unix.Read(fd, buf)
		if err != nil {
			if err == unix.EAGAIN {
				continue
			}
			return nil, err
		}
		if read == 0 {
			continue
		}
		return buf[:read], nil
	}
	return nil, nil
}
