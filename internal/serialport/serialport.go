//go:build linux

// Package serialport opens and configures the modem's PCM-audio serial
// device: 115200 8N1, hardware flow control, raw I/O, VMIN=1/VTIME=0,
// close-on-exec, non-blocking. golang.org/x/sys/unix is used directly
// rather than a terminal-convenience package because the required per-field
// control (CRTSCTS, Cc[unix.VMIN]/Cc[unix.VTIME]) is not exposed at that
// granularity by higher-level serial libraries in this codebase's lineage.
package serialport

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// Port is an open, raw-mode modem PCM serial device.
type Port struct {
	f *os.File
}

// Open opens path and puts it into raw 115200 8N1 mode with hardware flow
// control, VMIN=1/VTIME=0, non-blocking, close-on-exec.
func Open(path string) (*Port, error) {
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_NOCTTY|unix.O_NONBLOCK, 0)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	unix.CloseOnExec(fd)

	if err := configure(fd); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("configure %s: %w", path, err)
	}

	return &Port{f: os.NewFile(uintptr(fd), path)}, nil
}

func configure(fd int) error {
	t, err := unix.IoctlGetTermios(fd, unix.TCGETS)
	if err != nil {
		return fmt.Errorf("get termios: %w", err)
	}

	// Raw mode: no echo, no canonical processing, no signal generation.
	t.Iflag &^= unix.IGNBRK | unix.BRKINT | unix.PARMRK | unix.ISTRIP |
		unix.INLCR | unix.IGNCR | unix.ICRNL | unix.IXON
	t.Oflag &^= unix.OPOST
	t.Lflag &^= unix.ECHO | unix.ECHONL | unix.ICANON | unix.ISIG | unix.IEXTEN
	t.Cflag &^= unix.CSIZE | unix.PARENB | unix.CSTOPB | unix.CBAUD
	t.Cflag |= unix.CS8 | unix.CREAD | unix.CLOCAL | unix.CRTSCTS | unix.B115200

	t.Cc[unix.VMIN] = 1
	t.Cc[unix.VTIME] = 0

	// TCSETS derives the line speed from the CBAUD bits just set above, not
	// from Ispeed/Ospeed (those only apply under TCSETS2 with CBAUD==BOTHER);
	// they're set anyway so a termios reader sees the speed either way.
	t.Ispeed = unix.B115200
	t.Ospeed = unix.B115200

	if err := unix.IoctlSetTermios(fd, unix.TCSETS, t); err != nil {
		return fmt.Errorf("set termios: %w", err)
	}
	return nil
}

// Fd returns the raw file descriptor, for reactors that poll it directly.
func (p *Port) Fd() uintptr { return p.f.Fd() }

// File exposes the port as an *os.File.
func (p *Port) File() *os.File { return p.f }

// Read reads up to len(buf) bytes. On the modem's flow-controlled PCM
// device, a short read under EAGAIN is transient and must be retried by
// the caller on the next poll-readable event, not treated as terminal.
func (p *Port) Read(buf []byte) (int, error) {
	return p.f.Read(buf)
}

// Write writes buf to the serial port.
func (p *Port) Write(buf []byte) (int, error) {
	return p.f.Write(buf)
}

// Close closes the serial descriptor. Closed by exactly one actor.
func (p *Port) Close() error {
	return p.f.Close()
}
