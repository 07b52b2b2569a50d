package device

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"time"
)

// controlTransport issues USB control transfers on an open device.
type controlTransport interface {
	Control(requestType, request uint8, value, index uint16, data []byte, timeout time.Duration) (int, error)
	Close() error
}

const (
	usbDirIn        = 0x80
	usbTypeVendor   = 0x40
	usbGetDescript  = 0x06
	usbDescDevice   = 0x0100
	usbDescLength   = 18
	usbCtrlTimeout  = time.Second
	crtReqCommand   = 0x01
	crtReqResponse  = 0x02
	crtResponseSize = 512
	crtPositive     = 'P'
	crtCardPresent  = '1'
	crtTrackSep     = 0x1F
)

// CRT-28x command codes.
var (
	crtCmdInit       = []byte("C0")
	crtCmdStatus     = []byte("C1")
	crtCmdTracks     = []byte("T0")
	crtCmdChipOn     = []byte("I0")
	crtCmdChipAPDU   = []byte("I1")
	crtCmdChipOff    = []byte("I8")
	crtCmdLEDDefault = []byte("L2")
)

// APDUs reading the fiscal code file of an Italian health card.
var fiscalCodeAPDUs = [][]byte{
	{0x00, 0xA4, 0x00, 0x00, 0x02, 0x3F, 0x00},
	{0x00, 0xA4, 0x00, 0x00, 0x02, 0x11, 0x00},
	{0x00, 0xA4, 0x00, 0x00, 0x02, 0x11, 0x02},
	{0x00, 0xB0, 0x00, 0x40, 0x20},
}

var errNoData = errors.New("card data has no identifier")

// USBReader drives CREATOR CRT-285 readers with vendor control transfers over usbfs.
type USBReader struct {
	dev        controlTransport
	path       string
	opts       ReaderOptions
	unreadable bool
	release    func()
}

var _ CardReader = (*USBReader)(nil)

func ConnectUSBReader(path string, opts ReaderOptions, claims *Claims) (*USBReader, error) {
	release, err := claims.Acquire(path)
	if err != nil {
		return nil, err
	}
	dev, err := openUSBFS(path)
	if err != nil {
		release()
		return nil, err
	}
	r, err := newUSBReader(dev, path, opts)
	if err != nil {
		dev.Close()
		release()
		return nil, err
	}
	r.release = release
	return r, nil
}

func newUSBReader(dev controlTransport, path string, opts ReaderOptions) (*USBReader, error) {
	desc := make([]byte, usbDescLength)
	n, err := dev.Control(usbDirIn, usbGetDescript, usbDescDevice, 0, desc, usbCtrlTimeout)
	if err != nil {
		return nil, ioError("read descriptor", path, err)
	}
	if n < usbDescLength {
		return nil, newError(ClassProtocol, "read descriptor", path, fmt.Errorf("short descriptor (%d bytes)", n))
	}
	id := fmt.Sprintf("%04x:%04x", binary.LittleEndian.Uint16(desc[8:10]), binary.LittleEndian.Uint16(desc[10:12]))
	if id != CRT285ID {
		return nil, newError(ClassProtocol, "identify", path, fmt.Errorf("device %s is not a CRT-285 (%s)", id, CRT285ID))
	}
	r := &USBReader{dev: dev, path: path, opts: opts}
	if _, err := r.transact("init", crtCmdInit); err != nil {
		return nil, err
	}
	_, _ = r.transact("led", crtCmdLEDDefault)
	return r, nil
}

func (r *USBReader) Family() Family { return FamilyUSB }

func (r *USBReader) Describe() string {
	return fmt.Sprintf("CREATOR CRT-285 (usb %s) at %s", CRT285ID, r.path)
}

// transact sends one command and returns the payload of a positive reply.
func (r *USBReader) transact(op string, cmd []byte, payload ...byte) ([]byte, error) {
	out := append(append([]byte{}, cmd...), payload...)
	if _, err := r.dev.Control(usbTypeVendor, crtReqCommand, 0, 0, out, usbCtrlTimeout); err != nil {
		return nil, ioError(op, r.path, err)
	}
	resp := make([]byte, crtResponseSize)
	n, err := r.dev.Control(usbDirIn|usbTypeVendor, crtReqResponse, 0, 0, resp, usbCtrlTimeout)
	if err != nil {
		return nil, ioError(op, r.path, err)
	}
	if n == 0 || resp[0] != crtPositive {
		return nil, newError(ClassIO, op, r.path, fmt.Errorf("negative reply to %s", cmd))
	}
	return resp[1:n], nil
}

func (r *USBReader) cardPresent() (bool, error) {
	st, err := r.transact("status", crtCmdStatus)
	if err != nil {
		return false, err
	}
	return len(st) > 0 && st[0] == crtCardPresent, nil
}

func (r *USBReader) ReadCard(timeout time.Duration) (Card, error) {
	deadline := time.Now().Add(timeout)
	for {
		present, err := r.cardPresent()
		if err != nil {
			return Card{}, err
		}
		if !present {
			r.unreadable = false
		} else if !r.unreadable {
			card, err := r.readPresent()
			if err == nil {
				return card, nil
			}
			if !errors.Is(err, errNoData) {
				return Card{}, err
			}
			// Skip this card until it is removed.
			r.unreadable = true
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return Card{}, ErrNoCard
		}
		time.Sleep(min(remaining, r.opts.poll()))
	}
}

func (r *USBReader) readPresent() (Card, error) {
	if id, ok := r.readChip(); ok {
		return Card{Identifier: id, Source: "chip"}, nil
	}
	tracks, err := r.transact("read tracks", crtCmdTracks)
	if err != nil {
		return Card{}, err
	}
	for _, track := range bytes.Split(tracks, []byte{crtTrackSep}) {
		if id, ok := ExtractIdentifier(string(track), r.opts.StrictChecksum); ok {
			return Card{Identifier: id, Source: "track"}, nil
		}
	}
	if id, ok := ExtractIdentifier(string(bytes.ReplaceAll(tracks, []byte{crtTrackSep}, nil)), r.opts.StrictChecksum); ok {
		return Card{Identifier: id, Source: "track"}, nil
	}
	return Card{}, errNoData
}

// readChip selects the fiscal code file and reads it. Any failure falls back to tracks.
func (r *USBReader) readChip() (string, bool) {
	if _, err := r.transact("chip power", crtCmdChipOn); err != nil {
		return "", false
	}
	defer r.transact("chip power", crtCmdChipOff)
	var data []byte
	for _, apdu := range fiscalCodeAPDUs {
		resp, err := r.transact("apdu", crtCmdChipAPDU, apdu...)
		if err != nil || len(resp) < 2 || resp[len(resp)-2] != 0x90 || resp[len(resp)-1] != 0x00 {
			return "", false
		}
		data = resp[:len(resp)-2]
	}
	return ExtractIdentifier(string(bytes.Trim(data, "\x00 ")), r.opts.StrictChecksum)
}

func (r *USBReader) Close() error {
	err := r.dev.Close()
	if r.release != nil {
		r.release()
	}
	return err
}
