package device

import (
	"errors"
	"io"
	"os"
	"time"

	"go.bug.st/serial"
)

// Port is the subset of serial.Port the drivers use.
type Port interface {
	io.ReadWriteCloser
	SetReadTimeout(t time.Duration) error
	ResetInputBuffer() error
}

var openPort = func(path string, mode *serial.Mode) (Port, error) {
	p, err := serial.Open(path, mode)
	if err != nil {
		return nil, err
	}
	return p, nil
}

func openSerial(path string, mode *serial.Mode) (Port, error) {
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil, newError(ClassNotFound, "open", path, err)
		}
		return nil, newError(ClassIO, "open", path, err)
	}
	p, err := openPort(path, mode)
	if err != nil {
		return nil, classifySerial(path, err)
	}
	return p, nil
}

func classifySerial(path string, err error) *Error {
	var pe *serial.PortError
	if errors.As(err, &pe) {
		switch pe.Code() {
		case serial.PortNotFound:
			return newError(ClassNotFound, "open", path, err)
		case serial.PortBusy:
			return newError(ClassBusy, "open", path, err)
		}
	}
	return newError(ClassIO, "open", path, err)
}

// readFull reads exactly len(buf) bytes. A zero-length read means the port read timeout
// elapsed.
func readFull(p Port, buf []byte) error {
	got := 0
	for got < len(buf) {
		n, err := p.Read(buf[got:])
		if err != nil {
			return err
		}
		if n == 0 {
			return io.ErrUnexpectedEOF
		}
		got += n
	}
	return nil
}
