// Package detect enumerates the USB devices, serial ports and HID nodes attached to the host.
package detect

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"go.bug.st/serial/enumerator"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"gatehw/internal/domain"
)

const (
	rootHubVendor = "1d6b"
	hubClass      = "09"
)

// knownDevices labels the peripherals the gate is built from.
var knownDevices = map[string]string{
	"23d8:0285": "CREATOR CRT-285 card reader",
	"076b:5427": "HID Global OMNIKEY 5427 G2 card reader",
	"04d8:ffee": "Devantech USB-RLY08 relay board",
}

var ErrNoDevice = errors.New("usb device not attached")

// Scanner reads sysfs and /dev. Each call rescans.
type Scanner struct {
	SysRoot string
	DevRoot string
	// Ports lists serial ports with their USB metadata.
	Ports func() ([]*enumerator.PortDetails, error)
	Log   *zap.Logger
}

func NewScanner(log *zap.Logger) *Scanner {
	if log == nil {
		log = zap.NewNop()
	}
	return &Scanner{
		SysRoot: "/sys",
		DevRoot: "/dev",
		Ports:   enumerator.GetDetailedPortsList,
		Log:     log,
	}
}

func (s *Scanner) log() *zap.Logger {
	if s.Log == nil {
		return zap.NewNop()
	}
	return s.Log
}

// Scan returns the current hardware inventory.
func (s *Scanner) Scan() (domain.Inventory, error) {
	usb, err := s.USBDevices()
	if err != nil {
		return domain.Inventory{}, err
	}
	ports, err := s.SerialPorts()
	if err != nil {
		return domain.Inventory{}, err
	}
	hid, err := s.HIDDevices()
	if err != nil {
		return domain.Inventory{}, err
	}
	return domain.Inventory{USBDevices: usb, SerialPorts: ports, HIDDevices: hid}, nil
}

func readAttr(dir, name string) string {
	b, err := os.ReadFile(filepath.Join(dir, name))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(b))
}

// USBDevices lists attached USB devices, skipping root hubs and hubs.
func (s *Scanner) USBDevices() ([]domain.USBDevice, error) {
	base := filepath.Join(s.SysRoot, "bus", "usb", "devices")
	entries, err := os.ReadDir(base)
	if err != nil {
		if os.IsNotExist(err) {
			return []domain.USBDevice{}, nil
		}
		return nil, fmt.Errorf("read %s: %w", base, err)
	}
	out := []domain.USBDevice{}
	for _, e := range entries {
		// Interface entries look like 1-1:1.0.
		if strings.Contains(e.Name(), ":") {
			continue
		}
		dir := filepath.Join(base, e.Name())
		vendor := strings.ToLower(readAttr(dir, "idVendor"))
		product := strings.ToLower(readAttr(dir, "idProduct"))
		if vendor == "" || product == "" {
			continue
		}
		if vendor == rootHubVendor || readAttr(dir, "bDeviceClass") == hubClass {
			continue
		}
		bus, errBus := strconv.Atoi(readAttr(dir, "busnum"))
		dev, errDev := strconv.Atoi(readAttr(dir, "devnum"))
		if errBus != nil || errDev != nil {
			s.log().Debug("skipping usb device without bus address", zap.String("entry", e.Name()))
			continue
		}
		d := domain.USBDevice{
			Bus:          bus,
			Device:       dev,
			VendorID:     vendor,
			ProductID:    product,
			Manufacturer: readAttr(dir, "manufacturer"),
			Product:      readAttr(dir, "product"),
			DevicePath:   filepath.Join(s.DevRoot, "bus", "usb", fmt.Sprintf("%03d", bus), fmt.Sprintf("%03d", dev)),
		}
		d.Description = describe(d)
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Bus != out[j].Bus {
			return out[i].Bus < out[j].Bus
		}
		return out[i].Device < out[j].Device
	})
	return out, nil
}

func describe(d domain.USBDevice) string {
	if label, ok := knownDevices[d.VendorID+":"+d.ProductID]; ok {
		return label
	}
	name := strings.TrimSpace(d.Manufacturer + " " + d.Product)
	if name == "" {
		return "USB device " + d.VendorID + ":" + d.ProductID
	}
	return name
}

// SerialPorts lists USB serial adapters and CDC ACM ports.
func (s *Scanner) SerialPorts() ([]domain.SerialPort, error) {
	details := map[string]*enumerator.PortDetails{}
	if s.Ports != nil {
		list, err := s.Ports()
		if err != nil {
			s.log().Warn("serial enumeration failed", zap.Error(err))
		}
		for _, p := range list {
			details[filepath.Base(p.Name)] = p
		}
	}
	out := []domain.SerialPort{}
	for _, pattern := range []struct{ glob, kind string }{
		{"ttyUSB*", "USB-Serial"},
		{"ttyACM*", "USB-CDC"},
	} {
		matches, err := filepath.Glob(filepath.Join(s.DevRoot, pattern.glob))
		if err != nil {
			return nil, err
		}
		for _, path := range matches {
			name := filepath.Base(path)
			p := domain.SerialPort{
				Path:       path,
				Name:       name,
				Type:       pattern.kind,
				Accessible: unix.Access(path, unix.R_OK|unix.W_OK) == nil,
			}
			if d, ok := details[name]; ok && d.IsUSB {
				p.VendorID = strings.ToLower(d.VID)
				p.ProductID = strings.ToLower(d.PID)
				p.SerialNumber = d.SerialNumber
				p.Product = d.Product
			}
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

// HIDDevices lists hidraw nodes with the HID name and id from sysfs.
func (s *Scanner) HIDDevices() ([]domain.HIDDevice, error) {
	matches, err := filepath.Glob(filepath.Join(s.DevRoot, "hidraw*"))
	if err != nil {
		return nil, err
	}
	out := []domain.HIDDevice{}
	for _, path := range matches {
		name := filepath.Base(path)
		d := domain.HIDDevice{Path: path}
		uevent := readAttr(filepath.Join(s.SysRoot, "class", "hidraw", name, "device"), "uevent")
		for _, line := range strings.Split(uevent, "\n") {
			key, value, ok := strings.Cut(strings.TrimSpace(line), "=")
			if !ok {
				continue
			}
			switch key {
			case "HID_NAME":
				d.Name = value
			case "HID_ID":
				d.HIDID = value
			}
		}
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

// ResolveUSB returns the usbfs node of the first attached device with id "vvvv:pppp".
func (s *Scanner) ResolveUSB(id string) (string, error) {
	devices, err := s.USBDevices()
	if err != nil {
		return "", err
	}
	id = strings.ToLower(id)
	for _, d := range devices {
		if d.VendorID+":"+d.ProductID == id {
			return d.DevicePath, nil
		}
	}
	return "", fmt.Errorf("%w: %s", ErrNoDevice, id)
}

// ResolveSerial returns the tty of the first serial port whose USB id is "vvvv:pppp".
func (s *Scanner) ResolveSerial(id string) (string, error) {
	ports, err := s.SerialPorts()
	if err != nil {
		return "", err
	}
	id = strings.ToLower(id)
	for _, p := range ports {
		if p.VendorID != "" && p.VendorID+":"+p.ProductID == id {
			return p.Path, nil
		}
	}
	return "", fmt.Errorf("%w: no serial port for %s", ErrNoDevice, id)
}
