//go:build darwin

package logger

import (
	"syscall"
	"unsafe"
)

// isTerminal reports whether the file descriptor is a terminal.
// macOS uses TIOCGETA instead of TCGETS.
func isTerminal(fd uintptr) bool {
	var termios syscall.Termios
	_, _, err := syscall.Syscall6(
		syscall.SYS_IOCTL,
		fd,
		syscall.TIOCGETA,
		uintptr(unsafe.Pointer(&termios)),
		0, 0, 0,
	)
	return err == 0
}
