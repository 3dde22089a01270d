//go:build !linux

package socket

import (
	"errors"
	"syscall"
)

func bindToDevice(rc syscall.RawConn, device string) error {
	return errors.ErrUnsupported
}
