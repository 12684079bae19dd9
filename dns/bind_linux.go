//go:build linux

package dns

import (
	"fmt"
	"syscall"

	"golang.org/x/sys/unix"
)

func bindControl(iface string) func(network, address string, c syscall.RawConn) error {
	return func(network, address string, c syscall.RawConn) error {
		var bindErr error
		err := c.Control(func(fd uintptr) {
			bindErr = unix.BindToDevice(int(fd), iface)
		})
		if err != nil {
			return err
		}
		if bindErr != nil {
			return fmt.Errorf("bind to interface %q: %w", iface, bindErr)
		}
		return nil
	}
}
