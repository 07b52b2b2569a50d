package device

import (
	"context"
	"iter"
	"time"
)

// RelayController drives a multi-channel relay board. Channels are numbered from 1.
type RelayController interface {
	Describe() string
	Channels() int
	SetChannel(channel int, energized bool) error
	SetAll(energized bool) error
	// States returns a copy of the last commanded channel states.
	States() []bool
	Close() error
}

// Step sets Channel to Energized and holds it for Hold. With Release set the channel is
// reverted after the hold, which makes the step a pulse.
type Step struct {
	Channel   int
	Energized bool
	Hold      time.Duration
	Release   bool
}

// ChannelEvent reports one executed step. Pulse is set for steps that release their
// channel after the hold.
type ChannelEvent struct {
	Index     int
	Channel   int
	Energized bool
	Pulse     bool
	Released  bool
	Hold      time.Duration
	States    []bool
}

// Final returns the channel state the step left behind.
func (e ChannelEvent) Final() bool {
	if e.Released {
		return !e.Energized
	}
	return e.Energized
}

// PulsePlan energizes each channel in turn for hold and then releases it.
func PulsePlan(channels []int, hold time.Duration) []Step {
	plan := make([]Step, 0, len(channels))
	for _, ch := range channels {
		plan = append(plan, Step{Channel: ch, Energized: true, Hold: hold, Release: true})
	}
	return plan
}

// PlanDuration is the sum of the holds in plan.
func PlanDuration(plan []Step) time.Duration {
	var d time.Duration
	for _, s := range plan {
		d += s.Hold
	}
	return d
}

// RunSequence executes plan lazily, one step per iteration. Cancelling ctx ends the
// sequence after the current step; a pulse interrupted during its hold is still released.
// Each call starts the plan from the first step.
//
// onSet, when non-nil, sees every step right after its channel is set and before the
// hold, with States holding the board state at that moment. The yielded event still
// comes once per step, after the release.
func RunSequence(ctx context.Context, rc RelayController, plan []Step, onSet func(ChannelEvent)) iter.Seq2[ChannelEvent, error] {
	return func(yield func(ChannelEvent, error) bool) {
		for i, st := range plan {
			ev := ChannelEvent{Index: i, Channel: st.Channel, Energized: st.Energized, Pulse: st.Release, Hold: st.Hold}
			if err := ctx.Err(); err != nil {
				yield(ev, err)
				return
			}
			if err := rc.SetChannel(st.Channel, st.Energized); err != nil {
				yield(ev, err)
				return
			}
			if onSet != nil {
				set := ev
				set.States = rc.States()
				onSet(set)
			}
			completed := sleepContext(ctx, st.Hold)
			if st.Release {
				if err := rc.SetChannel(st.Channel, !st.Energized); err != nil {
					yield(ev, err)
					return
				}
				ev.Released = true
			}
			ev.States = rc.States()
			if !yield(ev, nil) {
				return
			}
			if !completed {
				yield(ChannelEvent{Index: i + 1}, ctx.Err())
				return
			}
		}
	}
}

func sleepContext(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
