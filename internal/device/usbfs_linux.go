//go:build linux

package device

import (
	"errors"
	"runtime"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

// usbdevfsCtrl mirrors struct usbdevfs_ctrltransfer.
type usbdevfsCtrl struct {
	RequestType uint8
	Request     uint8
	Value       uint16
	Index       uint16
	Length      uint16
	Timeout     uint32
	Data        unsafe.Pointer
}

// _IOWR('U', 0, struct usbdevfs_ctrltransfer)
var usbdevfsControl = uintptr(3<<30 | uint32(unsafe.Sizeof(usbdevfsCtrl{}))<<16 | 'U'<<8)

type usbfsTransport struct {
	fd   int
	path string
}

func openUSBFS(path string) (controlTransport, error) {
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		switch {
		case errors.Is(err, unix.ENOENT), errors.Is(err, unix.ENODEV):
			return nil, newError(ClassNotFound, "open", path, err)
		case errors.Is(err, unix.EBUSY):
			return nil, newError(ClassBusy, "open", path, err)
		}
		return nil, newError(ClassIO, "open", path, err)
	}
	// Advisory lock shared with other gatehw processes.
	if err := unix.Flock(fd, unix.LOCK_EX|unix.LOCK_NB); err != nil {
		unix.Close(fd)
		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, newError(ClassBusy, "open", path, errors.New("locked by another process"))
		}
		return nil, newError(ClassIO, "lock", path, err)
	}
	return &usbfsTransport{fd: fd, path: path}, nil
}

func (t *usbfsTransport) Control(requestType, request uint8, value, index uint16, data []byte, timeout time.Duration) (int, error) {
	ctrl := usbdevfsCtrl{
		RequestType: requestType,
		Request:     request,
		Value:       value,
		Index:       index,
		Length:      uint16(len(data)),
		Timeout:     uint32(timeout / time.Millisecond),
	}
	if len(data) > 0 {
		ctrl.Data = unsafe.Pointer(&data[0])
	}
	n, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(t.fd), usbdevfsControl, uintptr(unsafe.Pointer(&ctrl)))
	runtime.KeepAlive(data)
	if errno != 0 {
		return 0, errno
	}
	return int(n), nil
}

func (t *usbfsTransport) Close() error {
	return unix.Close(t.fd)
}
