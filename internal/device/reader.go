package device

import (
	"strings"
	"time"
)

// Family is a card reader wire protocol.
type Family string

const (
	FamilyUSB    Family = "usb"
	FamilySerial Family = "serial"
	FamilySim    Family = "sim"
)

// Known reader USB ids.
const (
	CRT285ID      = "23d8:0285"
	Omnikey5427ID = "076b:5427"
)

// Card is one presented card. Identifier is the raw personal identifier; String masks it.
type Card struct {
	Identifier string
	Source     string
}

func (c Card) String() string { return Mask(c.Identifier) }

// Masked returns the identifier safe for display.
func (c Card) Masked() string { return Mask(c.Identifier) }

// CardReader is a connected reader handle.
type CardReader interface {
	Family() Family
	Describe() string
	// ReadCard blocks until a card is presented or timeout elapses, returning ErrNoCard
	// in the latter case.
	ReadCard(timeout time.Duration) (Card, error)
	Close() error
}

type ReaderOptions struct {
	Family         Family
	BaudRate       int
	StrictChecksum bool
	PollInterval   time.Duration
}

func (o ReaderOptions) poll() time.Duration {
	if o.PollInterval <= 0 {
		return 100 * time.Millisecond
	}
	return o.PollInterval
}

// USBID extracts "vvvv:pppp" from a device key such as "usb:23d8:0285".
func USBID(key string) (string, bool) {
	k := strings.ToLower(strings.TrimPrefix(strings.TrimSpace(key), "usb:"))
	parts := strings.Split(k, ":")
	if len(parts) != 2 || len(parts[0]) != 4 || len(parts[1]) != 4 {
		return "", false
	}
	return k, true
}

// FamilyFor picks the reader family for an assignment.
func FamilyFor(deviceKey, path string) Family {
	if deviceKey == "sim" || strings.HasPrefix(path, "sim") {
		return FamilySim
	}
	if id, ok := USBID(deviceKey); ok {
		switch id {
		case CRT285ID:
			return FamilyUSB
		case Omnikey5427ID:
			return FamilySerial
		}
	}
	if strings.HasPrefix(path, "/dev/bus/usb/") {
		return FamilyUSB
	}
	return FamilySerial
}
