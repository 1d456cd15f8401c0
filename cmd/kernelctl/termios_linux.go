//go:build linux

package main

import (
	"os"

	"golang.org/x/sys/unix"
)

// rawTerminal puts fd (normally os.Stdin) into raw mode for the
// duration of an interactive qemu serial session, the same
// IoctlGetTermios/IoctlSetTermios round trip
// ingesters/utils/caps uses for low-level terminal/file state on
// Linux, returning a restore func.
func rawTerminal(f *os.File) (restore func(), err error) {
	fd := int(f.Fd())
	orig, err := unix.IoctlGetTermios(fd, unix.TCGETS)
	if err != nil {
		return nil, err
	}

	raw := *orig
	raw.Lflag &^= unix.ICANON | unix.ECHO | unix.ISIG
	raw.Iflag &^= unix.ICRNL
	raw.Oflag &^= unix.ONLCR
	if err := unix.IoctlSetTermios(fd, unix.TCSETS, &raw); err != nil {
		return nil, err
	}

	return func() {
		unix.IoctlSetTermios(fd, unix.TCSETS, orig)
	}, nil
}
