//go:build linux

package socket

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// bindToDevice restricts the socket to one network interface via
// SO_BINDTODEVICE.
func bindToDevice(rc syscall.RawConn, device string) error {
	var serr error
	if err := rc.Control(func(fd uintptr) {
		serr = unix.BindToDevice(int(fd), device)
	}); err != nil {
		return err
	}
	return serr
}
