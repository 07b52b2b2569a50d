package device

import (
	"bytes"
	"errors"
	"sync"
	"time"
)

// fakePort is an in-memory serial port. reply is called for every write and its result
// is queued for reading.
type fakePort struct {
	mu       sync.Mutex
	written  []byte
	incoming []byte
	reply    func(written []byte) []byte
	writeErr error
	closed   bool
	timeout  time.Duration
}

func (p *fakePort) Read(b []byte) (int, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return 0, errors.New("port closed")
	}
	if len(p.incoming) == 0 {
		p.mu.Unlock()
		time.Sleep(time.Millisecond)
		return 0, nil
	}
	n := copy(b, p.incoming)
	p.incoming = p.incoming[n:]
	p.mu.Unlock()
	return n, nil
}

func (p *fakePort) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.writeErr != nil {
		return 0, p.writeErr
	}
	p.written = append(p.written, b...)
	if p.reply != nil {
		p.incoming = append(p.incoming, p.reply(b)...)
	}
	return len(b), nil
}

func (p *fakePort) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func (p *fakePort) SetReadTimeout(t time.Duration) error {
	p.timeout = t
	return nil
}

func (p *fakePort) ResetInputBuffer() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.incoming = nil
	return nil
}

func (p *fakePort) feed(s string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.incoming = append(p.incoming, s...)
}

func (p *fakePort) writes() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]byte(nil), p.written...)
}

// rly08Emulator answers USB-RLY08 commands.
func rly08Emulator(moduleID byte) *fakePort {
	var states byte
	return &fakePort{reply: func(w []byte) []byte {
		var out []byte
		for _, c := range w {
			switch {
			case c == rlyGetVersion:
				out = append(out, moduleID, 3)
			case c == rlyGetStates:
				out = append(out, states)
			case c == rlyAllOn:
				states = 0xFF
			case c == rlyAllOff:
				states = 0
			case c > rlyAllOn && c <= rlyAllOn+8:
				states |= 1 << (c - rlyAllOn - 1)
			case c > rlyAllOff && c <= rlyAllOff+8:
				states &^= 1 << (c - rlyAllOff - 1)
			}
		}
		return out
	}}
}

// fakeUSB emulates a CRT-285 behind usbfs control transfers.
type fakeUSB struct {
	mu        sync.Mutex
	vendor    uint16
	product   uint16
	present   bool
	tracks    []byte
	chip      []byte
	chipFails bool
	last      []byte
	commands  []string
	closed    bool
}

func (f *fakeUSB) Control(requestType, request uint8, value, index uint16, data []byte, timeout time.Duration) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch {
	case request == usbGetDescript:
		desc := make([]byte, usbDescLength)
		desc[8], desc[9] = byte(f.vendor), byte(f.vendor>>8)
		desc[10], desc[11] = byte(f.product), byte(f.product>>8)
		return copy(data, desc), nil
	case request == crtReqCommand:
		f.commands = append(f.commands, string(data[:2]))
		f.last = f.respond(data)
		return len(data), nil
	case request == crtReqResponse:
		return copy(data, f.last), nil
	}
	return 0, errors.New("unexpected request")
}

func (f *fakeUSB) respond(cmd []byte) []byte {
	ok := func(payload []byte) []byte { return append([]byte{crtPositive}, payload...) }
	switch string(cmd[:2]) {
	case "C0", "L2", "I8":
		return ok(nil)
	case "C1":
		if f.present {
			return ok([]byte{crtCardPresent})
		}
		return ok([]byte{'0'})
	case "T0":
		return ok(f.tracks)
	case "I0":
		if f.chipFails || f.chip == nil {
			return []byte{'N'}
		}
		return ok(nil)
	case "I1":
		apdu := cmd[2:]
		if bytes.Equal(apdu, fiscalCodeAPDUs[len(fiscalCodeAPDUs)-1]) {
			return ok(append(append([]byte{}, f.chip...), 0x90, 0x00))
		}
		return ok([]byte{0x90, 0x00})
	}
	return []byte{'N'}
}

func (f *fakeUSB) setPresent(v bool) {
	f.mu.Lock()
	f.present = v
	f.mu.Unlock()
}

func (f *fakeUSB) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}
