package executor

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"gatehw/internal/device"
	"gatehw/internal/domain"
)

func seconds(d time.Duration) string {
	return fmt.Sprintf("%gs", d.Seconds())
}

func (r *run) cardTimeout(fallback int) time.Duration {
	if r.job.Params.TimeoutSeconds > 0 {
		return time.Duration(r.job.Params.TimeoutSeconds) * time.Second
	}
	return time.Duration(fallback) * time.Second
}

func (r *run) cardReaderTest() error {
	r.running(domain.PhaseConnecting)
	if err := r.openReader(); err != nil {
		return err
	}
	timeout := r.cardTimeout(r.cfg.Hardware.Reader.CardTimeoutSeconds)
	if r.job.Params.Continuous {
		return r.monitor(timeout)
	}
	r.setPhase(domain.PhaseWaitingCard)
	r.detail("Waiting for card (timeout %s)", seconds(timeout))
	card, err := r.readCard(timeout, nil)
	if errors.Is(err, device.ErrNoCard) {
		r.detail("No card presented within %s", seconds(timeout))
		r.end(domain.StatusWarning, domain.PhaseTimeout)
		return nil
	}
	if err != nil {
		return err
	}
	r.detail("Card read: %s (%s)", card.Masked(), card.Source)
	r.result(map[string]any{"identifier": card.Masked(), "source": card.Source})
	r.end(domain.StatusSuccess, domain.PhaseCompleted)
	return nil
}

// monitor re-arms the reader after every cycle until a stop or a device error.
func (r *run) monitor(timeout time.Duration) error {
	r.detail("Continuous mode: each cycle waits up to %s for a card", seconds(timeout))
	cardsRead := 0
	for cycle := 1; ; cycle++ {
		r.setPhase(domain.PhaseWaitingCard)
		card, err := r.readCard(timeout, nil)
		last := "timeout"
		switch {
		case errors.Is(err, device.ErrNoCard):
			r.detail("Cycle %d: no card within %s", cycle, seconds(timeout))
		case err != nil:
			r.result(map[string]any{"cycles": cycle - 1, "cards_read": cardsRead})
			return err
		default:
			cardsRead++
			last = card.Masked()
			r.detail("Cycle %d: card %s (%s)", cycle, card.Masked(), card.Source)
		}
		r.result(map[string]any{"cycles": cycle, "cards_read": cardsRead, "last": last})
	}
}

func (r *run) relayTest() error {
	r.running(domain.PhaseConnecting)
	if err := r.openRelay(); err != nil {
		return err
	}
	r.setPhase(domain.PhaseNone)
	channels := r.job.Params.Channels
	if len(channels) == 0 {
		for ch := 1; ch <= r.cfg.Hardware.Relay.Channels; ch++ {
			channels = append(channels, ch)
		}
	}
	hold := time.Duration(r.cfg.Hardware.Relay.TestHoldMillis) * time.Millisecond
	if r.job.Params.HoldMillis > 0 {
		hold = time.Duration(r.job.Params.HoldMillis) * time.Millisecond
	}
	plan := device.PulsePlan(channels, hold)
	r.detail("Pulsing %d relays, %s each", len(plan), hold)
	events := 0
	err := r.runPlan(plan, func(ev device.ChannelEvent) {
		r.detail("Relay %d on", ev.Channel)
	}, func(ev device.ChannelEvent) {
		events++
		r.detail("Relay %d off", ev.Channel)
	})
	r.result(map[string]any{"events": events, "channels": channels})
	if err != nil {
		return err
	}
	r.detail("Relay test completed: %d events", events)
	r.end(domain.StatusSuccess, domain.PhaseCompleted)
	return nil
}

func (r *run) gateTrigger() error {
	r.running(domain.PhaseConnecting)
	if err := r.openRelay(); err != nil {
		return err
	}
	r.setPhase(domain.PhaseNone)
	rl := r.cfg.Hardware.Relay
	channel := rl.GateChannel
	if r.job.Params.Channel > 0 {
		channel = r.job.Params.Channel
	}
	duration := time.Duration(rl.GateOpenSeconds) * time.Second
	if r.job.Params.DurationSeconds > 0 {
		duration = time.Duration(r.job.Params.DurationSeconds) * time.Second
	}
	r.detail("Opening gate on relay %d for %s", channel, seconds(duration))
	gate := []device.Step{{Channel: channel, Energized: true, Hold: duration, Release: true}}
	err := r.runPlan(gate, func(ev device.ChannelEvent) {
		r.detail("Gate open (relay %d on)", ev.Channel)
	}, func(ev device.ChannelEvent) {
		r.detail("Gate closed (relay %d off)", ev.Channel)
	})
	if err != nil {
		return err
	}
	r.result(map[string]any{"channel": channel, "duration_seconds": duration.Seconds()})
	r.end(domain.StatusSuccess, domain.PhaseCompleted)
	return nil
}

const (
	grantBuzz    = 200 * time.Millisecond
	denyBeeps    = 3
	denyBeepOn   = 100 * time.Millisecond
	denyBeepOff  = 200 * time.Millisecond
	denyRedHold  = 2 * time.Second
	grantedLabel = "Access granted"
	deniedLabel  = "Access denied"
)

func (r *run) grantedPlan() []device.Step {
	rl := r.cfg.Hardware.Relay
	return []device.Step{
		{Channel: rl.GreenLEDChannel, Energized: true},
		{Channel: rl.BuzzerChannel, Energized: true, Hold: grantBuzz, Release: true},
		{Channel: rl.GateChannel, Energized: true, Hold: time.Duration(rl.GateOpenSeconds) * time.Second, Release: true},
		{Channel: rl.GreenLEDChannel, Energized: false},
	}
}

func (r *run) deniedPlan() []device.Step {
	rl := r.cfg.Hardware.Relay
	plan := []device.Step{{Channel: rl.RedLEDChannel, Energized: true}}
	for i := 0; i < denyBeeps; i++ {
		plan = append(plan,
			device.Step{Channel: rl.BuzzerChannel, Energized: true, Hold: denyBeepOn},
			device.Step{Channel: rl.BuzzerChannel, Energized: false, Hold: denyBeepOff},
		)
	}
	return append(plan, device.Step{Channel: rl.RedLEDChannel, Energized: true, Hold: denyRedHold, Release: true})
}

func (r *run) integratedTest() error {
	r.running(domain.PhaseConnecting)
	if err := r.openRelay(); err != nil {
		return err
	}
	if err := r.openReader(); err != nil {
		return err
	}
	timeout := r.cardTimeout(r.cfg.Hardware.Reader.IntegratedTimeoutSeconds)
	if r.job.Params.Continuous {
		return r.accessLoop(timeout)
	}
	r.setPhase(domain.PhaseWaitingCard)
	r.detail("Present a card (timeout %s)", seconds(timeout))
	card, err := r.awaitCard(timeout)
	if errors.Is(err, device.ErrNoCard) {
		r.setPhase(domain.PhaseTimeout)
		r.detail("No card presented within %s", seconds(timeout))
		r.end(domain.StatusWarning, domain.PhaseTimeout)
		return nil
	}
	if err != nil {
		return err
	}
	decision, err := r.admit(card)
	if err != nil {
		return err
	}
	r.result(map[string]any{
		"identifier": card.Masked(),
		"granted":    decision.Granted,
		"ignored":    decision.Ignored,
		"reason":     decision.Reason,
	})
	r.setPhase(domain.PhaseCompleted)
	r.detail("Integrated test completed")
	r.end(domain.StatusSuccess, domain.PhaseCompleted)
	return nil
}

// accessLoop runs the gate: every card read is checked, answered on the relays and
// logged, and the reader re-arms until a stop or a device error.
func (r *run) accessLoop(timeout time.Duration) error {
	r.detail("Access monitor: each cycle waits up to %s for a card", seconds(timeout))
	var granted, denied, ignored int
	last := map[string]any{}
	for cycle := 1; ; cycle++ {
		r.setPhase(domain.PhaseWaitingCard)
		card, err := r.awaitCard(timeout)
		switch {
		case errors.Is(err, device.ErrNoCard):
		case err != nil:
			return err
		default:
			d, err := r.admit(card)
			if err != nil {
				return err
			}
			switch {
			case d.Ignored:
				ignored++
			case d.Granted:
				granted++
			default:
				denied++
			}
			last = map[string]any{"last": card.Masked(), "last_granted": d.Granted, "last_reason": d.Reason}
		}
		res := map[string]any{"cycles": cycle, "granted_count": granted, "denied_count": denied, "ignored_count": ignored}
		for k, v := range last {
			res[k] = v
		}
		r.result(res)
	}
}

// awaitCard waits for a card while blinking the yellow LED, then turns the LED off.
func (r *run) awaitCard(timeout time.Duration) (device.Card, error) {
	yellow := r.cfg.Hardware.Relay.YellowLEDChannel
	ceiling := r.cfg.Hardware.Ceilings.Connect()
	lit := false
	blink := func() error {
		lit = !lit
		return boundedErr(ceiling, "blink", func() error { return r.relay.SetChannel(yellow, lit) }, nil)
	}
	card, err := r.readCard(timeout, blink)
	if lit && r.relay != nil {
		_ = boundedErr(ceiling, "blink", func() error { return r.relay.SetChannel(yellow, false) }, nil)
	}
	if r.relay != nil {
		r.relays(r.relay.States())
	}
	return card, err
}

// admit decides on card, logs the decision and plays the granted or denied feedback.
func (r *run) admit(card device.Card) (Decision, error) {
	r.setPhase(domain.PhaseReadingCard)
	r.detail("Card detected: %s (%s)", card.Masked(), card.Source)
	decision := r.e.Access.Authorize(card.Identifier, r.e.now())
	if decision.Ignored {
		r.detail("Card %s ignored: %s", card.Masked(), decision.Reason)
		return decision, nil
	}
	r.recordAccess(card, decision)

	plan := r.deniedPlan()
	if decision.Granted {
		r.setPhase(domain.PhaseAccessGranted)
		r.detail("%s", grantedLabel)
		plan = r.grantedPlan()
	} else {
		r.setPhase(domain.PhaseAccessDenied)
		r.detail("%s: %s", deniedLabel, decision.Reason)
	}
	err := r.runPlan(plan, r.pulseStart, func(ev device.ChannelEvent) {
		r.detail("%s", r.eventLine(ev))
	})
	return decision, err
}

// pulseStart reports the energized half of a pulse; plain steps are reported once
// they complete.
func (r *run) pulseStart(ev device.ChannelEvent) {
	if ev.Pulse {
		r.detail("%s on", r.channelName(ev.Channel))
	}
}

func (r *run) eventLine(ev device.ChannelEvent) string {
	name := r.channelName(ev.Channel)
	if ev.Released {
		return fmt.Sprintf("%s pulsed for %s", name, seconds(ev.Hold))
	}
	return fmt.Sprintf("%s %s", name, onOff(ev.Energized))
}

func (r *run) recordAccess(card device.Card, d Decision) {
	ev := domain.AccessEvent{
		TS:          r.e.now().UTC().Format(time.RFC3339),
		Identifier:  card.Masked(),
		Granted:     d.Granted,
		Reason:      d.Reason,
		OperationID: r.job.ID,
	}
	r.log.Info("access decision",
		zap.String("identifier", ev.Identifier),
		zap.Bool("granted", ev.Granted),
		zap.String("reason", ev.Reason),
	)
	if r.e.Recorder == nil {
		return
	}
	if err := r.e.Recorder.RecordAccess(r.ctx, ev); err != nil {
		r.log.Warn("record access event", zap.Error(err))
		r.detail("Access event not logged: %v", err)
		return
	}
	r.detail("Access event logged")
}

// versioned is implemented by relay boards that report firmware.
type versioned interface {
	Version() int
}

func (r *run) connectionTest() error {
	r.running(domain.PhaseConnecting)
	var describe string
	result := map[string]any{"role": string(r.job.Role)}
	switch r.job.Role {
	case domain.RoleCardReader:
		if err := r.openReader(); err != nil {
			return err
		}
		describe = r.reader.Describe()
		result["family"] = string(r.reader.Family())
	case domain.RoleRelayController:
		if err := r.openRelay(); err != nil {
			return err
		}
		describe = r.relay.Describe()
		if v, ok := r.relay.(versioned); ok {
			result["firmware_version"] = v.Version()
		}
	default:
		return fmt.Errorf("invalid role %q", r.job.Role)
	}
	result["message"] = "Connection OK: " + describe
	r.result(result)
	r.detail("Connection OK")
	r.end(domain.StatusSuccess, domain.PhaseCompleted)
	return nil
}
