package device

import (
	"errors"
	"fmt"
	"time"

	"go.bug.st/serial"
)

// USB-RLY08 command bytes.
const (
	rlyGetVersion = 0x5A
	rlyGetStates  = 0x5B
	rlyAllOn      = 100
	rlyAllOff     = 110
	rlyModuleID   = 8

	RLY08Channels    = 8
	RLY08DefaultBaud = 19200
)

// RLY08 is a connected USB-RLY08 board.
type RLY08 struct {
	port    Port
	path    string
	version int
	states  []bool
	release func()
}

var _ RelayController = (*RLY08)(nil)

// ConnectRelay opens a USB-RLY08 at path, checks the module id and switches every relay off.
func ConnectRelay(path string, baud int, claims *Claims) (*RLY08, error) {
	if baud <= 0 {
		baud = RLY08DefaultBaud
	}
	release, err := claims.Acquire(path)
	if err != nil {
		return nil, err
	}
	port, err := openSerial(path, &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.TwoStopBits,
	})
	if err != nil {
		release()
		return nil, err
	}
	r, err := newRLY08(port, path)
	if err != nil {
		port.Close()
		release()
		return nil, err
	}
	r.release = release
	return r, nil
}

func newRLY08(port Port, path string) (*RLY08, error) {
	if err := port.SetReadTimeout(2 * time.Second); err != nil {
		return nil, ioError("configure", path, err)
	}
	_ = port.ResetInputBuffer()
	r := &RLY08{port: port, path: path, states: make([]bool, RLY08Channels)}
	if _, err := port.Write([]byte{rlyGetVersion}); err != nil {
		return nil, ioError("identify", path, err)
	}
	buf := make([]byte, 2)
	if err := readFull(port, buf); err != nil {
		return nil, newError(ClassProtocol, "identify", path, fmt.Errorf("no version reply: %w", err))
	}
	if buf[0] != rlyModuleID {
		return nil, newError(ClassProtocol, "identify", path, fmt.Errorf("module id %d, expected %d", buf[0], rlyModuleID))
	}
	r.version = int(buf[1])
	if err := r.SetAll(false); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *RLY08) Describe() string {
	return fmt.Sprintf("USB-RLY08 firmware v%d at %s", r.version, r.path)
}

func (r *RLY08) Version() int { return r.version }

func (r *RLY08) Channels() int { return RLY08Channels }

func (r *RLY08) send(op string, cmd byte) error {
	if _, err := r.port.Write([]byte{cmd}); err != nil {
		return ioError(op, r.path, err)
	}
	return nil
}

func (r *RLY08) SetChannel(channel int, energized bool) error {
	if channel < 1 || channel > RLY08Channels {
		return newError(ClassIO, "set channel", r.path, fmt.Errorf("channel %d out of range", channel))
	}
	cmd := byte(rlyAllOff + channel)
	if energized {
		cmd = byte(rlyAllOn + channel)
	}
	if err := r.send("set channel", cmd); err != nil {
		return err
	}
	r.states[channel-1] = energized
	return nil
}

func (r *RLY08) SetAll(energized bool) error {
	cmd := byte(rlyAllOff)
	if energized {
		cmd = rlyAllOn
	}
	if err := r.send("set all", cmd); err != nil {
		return err
	}
	for i := range r.states {
		r.states[i] = energized
	}
	return nil
}

// ReadStates queries the board and refreshes the cached states.
func (r *RLY08) ReadStates() ([]bool, error) {
	if err := r.send("read states", rlyGetStates); err != nil {
		return nil, err
	}
	buf := make([]byte, 1)
	if err := readFull(r.port, buf); err != nil {
		return nil, ioError("read states", r.path, err)
	}
	for i := range r.states {
		r.states[i] = buf[0]&(1<<i) != 0
	}
	return r.States(), nil
}

func (r *RLY08) States() []bool {
	out := make([]bool, len(r.states))
	copy(out, r.states)
	return out
}

// Close switches every relay off and closes the port.
func (r *RLY08) Close() error {
	offErr := r.SetAll(false)
	closeErr := r.port.Close()
	if r.release != nil {
		r.release()
	}
	return errors.Join(offErr, closeErr)
}
