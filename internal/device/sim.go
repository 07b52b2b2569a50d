package device

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// SimReader is an in-memory reader used for the "sim" device key and in tests.
type SimReader struct {
	cards chan string
	mu    sync.Mutex
	fail  error
}

func NewSimReader() *SimReader {
	return &SimReader{cards: make(chan string, 16)}
}

// Present queues a card as if it was presented to the reader.
func (s *SimReader) Present(identifier string) {
	s.cards <- identifier
}

// FailWith makes subsequent reads return err. A nil err clears the failure.
func (s *SimReader) FailWith(err error) {
	s.mu.Lock()
	s.fail = err
	s.mu.Unlock()
}

func (s *SimReader) failure() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fail
}

func (s *SimReader) ReadCard(timeout time.Duration) (Card, error) {
	if err := s.failure(); err != nil {
		return Card{}, ioError("read", "sim", err)
	}
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case id := <-s.cards:
		return Card{Identifier: id, Source: "sim"}, nil
	case <-t.C:
		return Card{}, ErrNoCard
	}
}

type simReaderHandle struct {
	*SimReader
	release func()
}

func (h simReaderHandle) Family() Family   { return FamilySim }
func (h simReaderHandle) Describe() string { return "simulated card reader" }
func (h simReaderHandle) Close() error {
	h.release()
	return nil
}

// SimRelay is an in-memory relay board. It records every command it receives.
type SimRelay struct {
	mu       sync.Mutex
	states   []bool
	commands []string
	failAt   int
}

func NewSimRelay(channels int) *SimRelay {
	return &SimRelay{states: make([]bool, channels), failAt: -1}
}

// FailAfter makes the n-th following command fail. A negative n disables the failure.
func (s *SimRelay) FailAfter(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n < 0 {
		s.failAt = -1
		return
	}
	s.failAt = len(s.commands) + n
}

func (s *SimRelay) record(cmd string) error {
	if s.failAt >= 0 && len(s.commands) >= s.failAt {
		return ioError("write", "sim", errors.New("simulated write failure"))
	}
	s.commands = append(s.commands, cmd)
	return nil
}

func (s *SimRelay) Commands() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.commands...)
}

func (s *SimRelay) Describe() string { return "simulated relay board" }

func (s *SimRelay) Channels() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.states)
}

func (s *SimRelay) SetChannel(channel int, energized bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if channel < 1 || channel > len(s.states) {
		return ioError("set channel", "sim", fmt.Errorf("channel %d out of range", channel))
	}
	state := "off"
	if energized {
		state = "on"
	}
	if err := s.record(fmt.Sprintf("%d:%s", channel, state)); err != nil {
		return err
	}
	s.states[channel-1] = energized
	return nil
}

func (s *SimRelay) SetAll(energized bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	state := "off"
	if energized {
		state = "on"
	}
	if err := s.record("all:" + state); err != nil {
		return err
	}
	for i := range s.states {
		s.states[i] = energized
	}
	return nil
}

// Close de-energizes every channel, like a real board on disconnect.
func (s *SimRelay) Close() error {
	return s.SetAll(false)
}

func (s *SimRelay) States() []bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]bool(nil), s.states...)
}

type simRelayHandle struct {
	*SimRelay
	release func()
}

func (h simRelayHandle) Close() error {
	err := h.SetAll(false)
	h.release()
	return err
}
