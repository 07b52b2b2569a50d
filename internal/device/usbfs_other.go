//go:build !linux

package device

import "errors"

func openUSBFS(path string) (controlTransport, error) {
	return nil, newError(ClassIO, "open", path, errors.New("direct USB readers require linux usbfs"))
}
