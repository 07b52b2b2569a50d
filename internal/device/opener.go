package device

import (
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"gatehw/internal/domain"
)

// Resolver maps a USB id ("vvvv:pppp") to the node a driver opens.
type Resolver interface {
	// ResolveUSB returns the usbfs node under /dev/bus/usb.
	ResolveUSB(id string) (string, error)
	// ResolveSerial returns the tty the device's serial interface is bound to.
	ResolveSerial(id string) (string, error)
}

// Opener connects drivers for device assignments.
type Opener struct {
	Claims    *Claims
	Resolver  Resolver
	SimReader *SimReader
	SimRelay  *SimRelay
	Log       *zap.Logger
}

func NewOpener(log *zap.Logger, resolver Resolver) *Opener {
	if log == nil {
		log = zap.NewNop()
	}
	return &Opener{
		Claims:    NewClaims(),
		Resolver:  resolver,
		SimReader: NewSimReader(),
		SimRelay:  NewSimRelay(RLY08Channels),
		Log:       log,
	}
}

func (o *Opener) OpenReader(a domain.Assignment, opts ReaderOptions) (CardReader, error) {
	family := opts.Family
	if family == "" {
		family = FamilyFor(a.DeviceKey, a.DevicePath)
	}
	path := a.DevicePath
	switch family {
	case FamilySim:
		release, err := o.Claims.Acquire("sim://reader")
		if err != nil {
			return nil, err
		}
		return simReaderHandle{SimReader: o.SimReader, release: release}, nil
	case FamilyUSB:
		if path == "" {
			resolved, err := o.resolve(a.DeviceKey, false)
			if err != nil {
				return nil, err
			}
			path = resolved
		}
		o.Log.Debug("connecting usb reader", zap.String("path", path))
		return ConnectUSBReader(path, opts, o.Claims)
	default:
		tty, err := o.serialPath(a)
		if err != nil {
			return nil, err
		}
		o.Log.Debug("connecting serial reader", zap.String("path", tty))
		return ConnectSerialReader(tty, opts, o.Claims)
	}
}

func (o *Opener) OpenRelay(a domain.Assignment, baud int) (RelayController, error) {
	if a.DeviceKey == "sim" || a.DevicePath == "sim" {
		release, err := o.Claims.Acquire("sim://relay")
		if err != nil {
			return nil, err
		}
		if err := o.SimRelay.SetAll(false); err != nil {
			release()
			return nil, err
		}
		return simRelayHandle{SimRelay: o.SimRelay, release: release}, nil
	}
	path, err := o.serialPath(a)
	if err != nil {
		return nil, err
	}
	o.Log.Debug("connecting relay board", zap.String("path", path), zap.Int("baud", baud))
	return ConnectRelay(path, baud, o.Claims)
}

// serialPath is the tty for a serial device: the assigned path, the tty bound to a
// "usb:vvvv:pppp" key, or a key that is itself a device path.
func (o *Opener) serialPath(a domain.Assignment) (string, error) {
	switch {
	case a.DevicePath != "":
		return a.DevicePath, nil
	case strings.HasPrefix(a.DeviceKey, "/"):
		return a.DeviceKey, nil
	}
	if _, ok := USBID(a.DeviceKey); ok {
		return o.resolve(a.DeviceKey, true)
	}
	return "", newError(ClassNotFound, "open", a.DeviceKey, errors.New("no device path assigned"))
}

func (o *Opener) resolve(key string, tty bool) (string, error) {
	id, ok := USBID(key)
	if !ok {
		return "", newError(ClassNotFound, "resolve", key, fmt.Errorf("device key %q has no usb id", key))
	}
	if o.Resolver == nil {
		return "", newError(ClassNotFound, "resolve", key, errors.New("usb resolution unavailable"))
	}
	resolve := o.Resolver.ResolveUSB
	if tty {
		resolve = o.Resolver.ResolveSerial
	}
	path, err := resolve(id)
	if err != nil {
		return "", newError(ClassNotFound, "resolve", key, err)
	}
	return path, nil
}
