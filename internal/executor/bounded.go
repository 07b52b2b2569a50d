package executor

import (
	"errors"
	"fmt"
	"time"

	"gatehw/internal/device"
)

var errCeiling = errors.New("no response")

// bounded runs fn on its own goroutine and waits at most ceiling for it. Device calls
// cannot be preempted, so when the ceiling passes first the call is abandoned: abandon
// receives its result whenever it eventually returns.
func bounded[T any](ceiling time.Duration, op string, fn func() (T, error), abandon func(T, error)) (T, error) {
	type result struct {
		v   T
		err error
	}
	ch := make(chan result, 1)
	go func() {
		v, err := fn()
		ch <- result{v, err}
	}()
	t := time.NewTimer(ceiling)
	defer t.Stop()
	select {
	case res := <-ch:
		return res.v, res.err
	case <-t.C:
		if abandon != nil {
			go func() {
				res := <-ch
				abandon(res.v, res.err)
			}()
		}
		var zero T
		return zero, &device.Error{Class: device.ClassIO, Op: op, Err: fmt.Errorf("%w within %s", errCeiling, ceiling)}
	}
}

// boundedErr is bounded for calls without a result value.
func boundedErr(ceiling time.Duration, op string, fn func() error, abandon func()) error {
	_, err := bounded(ceiling, op, func() (struct{}, error) {
		return struct{}{}, fn()
	}, func(struct{}, error) {
		if abandon != nil {
			abandon()
		}
	})
	return err
}
