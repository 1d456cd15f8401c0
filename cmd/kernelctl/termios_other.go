//go:build !linux

package main

import "os"

// rawTerminal is a no-op outside Linux; the ioctl-based raw-mode
// round trip in termios_linux.go has no portable equivalent here.
func rawTerminal(f *os.File) (restore func(), err error) {
	return func() {}, nil
}
