package device

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.bug.st/serial"
)

const (
	serialIdentify     = "I\r\n"
	serialBanner       = "OMNIKEY"
	serialDefaultBaud  = 9600
	serialIdentifyWait = time.Second
)

// SerialReader speaks the line protocol of readers exposed as a virtual COM port. The
// reader answers the identify command with a banner line and reports each presented card
// as one CR/LF terminated line of track or chip data.
type SerialReader struct {
	port    Port
	path    string
	banner  string
	opts    ReaderOptions
	pending []byte
	release func()
}

var _ CardReader = (*SerialReader)(nil)

func ConnectSerialReader(path string, opts ReaderOptions, claims *Claims) (*SerialReader, error) {
	baud := opts.BaudRate
	if baud <= 0 {
		baud = serialDefaultBaud
	}
	release, err := claims.Acquire(path)
	if err != nil {
		return nil, err
	}
	port, err := openSerial(path, &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		release()
		return nil, err
	}
	r, err := newSerialReader(port, path, opts)
	if err != nil {
		port.Close()
		release()
		return nil, err
	}
	r.release = release
	return r, nil
}

func newSerialReader(port Port, path string, opts ReaderOptions) (*SerialReader, error) {
	r := &SerialReader{port: port, path: path, opts: opts}
	if err := port.SetReadTimeout(opts.poll()); err != nil {
		return nil, ioError("configure", path, err)
	}
	_ = port.ResetInputBuffer()
	if _, err := port.Write([]byte(serialIdentify)); err != nil {
		return nil, ioError("identify", path, err)
	}
	line, err := r.nextLine(time.Now().Add(serialIdentifyWait))
	if err != nil {
		if errors.Is(err, ErrNoCard) {
			return nil, newError(ClassProtocol, "identify", path, errors.New("no identify reply"))
		}
		return nil, err
	}
	if !strings.Contains(strings.ToUpper(line), serialBanner) {
		return nil, newError(ClassProtocol, "identify", path, fmt.Errorf("unexpected reply %q", line))
	}
	r.banner = line
	return r, nil
}

func (r *SerialReader) Family() Family { return FamilySerial }

func (r *SerialReader) Describe() string {
	return fmt.Sprintf("%s (serial) at %s", r.banner, r.path)
}

// nextLine returns the next non-empty line received before deadline.
func (r *SerialReader) nextLine(deadline time.Time) (string, error) {
	buf := make([]byte, 128)
	for {
		if i := bytes.IndexAny(r.pending, "\r\n"); i >= 0 {
			line := strings.TrimSpace(string(r.pending[:i]))
			r.pending = bytes.TrimLeft(r.pending[i:], "\r\n")
			if line != "" {
				return line, nil
			}
			continue
		}
		if !time.Now().Before(deadline) {
			return "", ErrNoCard
		}
		n, err := r.port.Read(buf)
		if err != nil {
			return "", ioError("read", r.path, err)
		}
		r.pending = append(r.pending, buf[:n]...)
	}
}

func (r *SerialReader) ReadCard(timeout time.Duration) (Card, error) {
	deadline := time.Now().Add(timeout)
	for {
		line, err := r.nextLine(deadline)
		if err != nil {
			return Card{}, err
		}
		if strings.Contains(strings.ToUpper(line), serialBanner) {
			continue
		}
		if id, ok := ExtractIdentifier(line, r.opts.StrictChecksum); ok {
			return Card{Identifier: id, Source: "serial"}, nil
		}
		if isCardUID(line) {
			return Card{Identifier: strings.ToUpper(line), Source: "uid"}, nil
		}
	}
}

// isCardUID accepts hex card serial numbers of 4 to 10 bytes.
func isCardUID(s string) bool {
	if len(s) < 8 || len(s) > 20 || len(s)%2 != 0 {
		return false
	}
	for _, c := range strings.ToUpper(s) {
		if !(c >= '0' && c <= '9' || c >= 'A' && c <= 'F') {
			return false
		}
	}
	return true
}

func (r *SerialReader) Close() error {
	err := r.port.Close()
	if r.release != nil {
		r.release()
	}
	return err
}
