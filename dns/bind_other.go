//go:build !linux

package dns

import (
	"errors"
	"fmt"
	"syscall"
)

// ErrBindUnsupported is returned when interface binding is requested on a
// platform without SO_BINDTODEVICE.
var ErrBindUnsupported = errors.New("interface binding not supported on this platform")

func bindControl(iface string) func(network, address string, c syscall.RawConn) error {
	return func(network, address string, c syscall.RawConn) error {
		return fmt.Errorf("bind to interface %q: %w", iface, ErrBindUnsupported)
	}
}
