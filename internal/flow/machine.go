// Package flow drives the update lifecycle: a pure state machine that
// decides transitions and a controller that interprets its effects against
// the loader, the update manager, and the operator indicator.
//
// The machine itself is a value. Timers live as explicit fields of the
// state, every transition is computed by Next without side effects, and
// all interaction with the outside world is expressed as effects the
// controller executes. This keeps the transition table directly testable.
package flow

import "time"

// State enumerates the update lifecycle states.
type State int

const (
	StateInit State = iota
	StateNormal
	StateCheckUpdates
	StateUpdateAvailable
	StateDownloading
	StateSuccess
	StateFailure
	StateError
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateNormal:
		return "normal"
	case StateCheckUpdates:
		return "check-updates"
	case StateUpdateAvailable:
		return "update-available"
	case StateDownloading:
		return "downloading"
	case StateSuccess:
		return "success"
	case StateFailure:
		return "failure"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// Machine is the state value. EnteredAt is the dwell timer for states that
// time out; LastCheck schedules the periodic manifest check.
type Machine struct {
	State     State
	LastCheck time.Time
	EnteredAt time.Time
}

// Timing holds the machine's intervals. Dwell times for the feedback
// states are fixed by design: 5s success, 8s failure.
type Timing struct {
	CheckInterval time.Duration
	SuccessDwell  time.Duration
	FailureDwell  time.Duration
	RestartDelay  time.Duration
}

// DefaultTiming returns the stock intervals.
func DefaultTiming() Timing {
	return Timing{
		CheckInterval: 30 * time.Second,
		SuccessDwell:  5 * time.Second,
		FailureDwell:  8 * time.Second,
		RestartDelay:  5 * time.Second,
	}
}

// Event is an input to the transition function.
type Event interface{ isEvent() }

// Tick is the periodic control-loop event.
type Tick struct {
	Now time.Time
	// SafeToUpdate is the external installation gate (vehicle idle).
	SafeToUpdate bool
}

// BootDone reports the outcome of one-time bring-up.
type BootDone struct {
	Now time.Time
	OK  bool
}

// CheckDone reports the outcome of a manifest check.
type CheckDone struct {
	Now            time.Time
	UpdatesPending bool
}

// ApplyDone reports the outcome of a download/install attempt.
type ApplyDone struct {
	Now time.Time
	OK  bool
}

func (Tick) isEvent()      {}
func (BootDone) isEvent()  {}
func (CheckDone) isEvent() {}
func (ApplyDone) isEvent() {}

// Effect is an action the controller must perform after a transition.
type Effect int

const (
	// EffectCheckForUpdates runs a manifest check.
	EffectCheckForUpdates Effect = iota
	// EffectApplyFirstUpdate downloads and installs the first pending
	// update, reloads the module, and clears the pending table.
	EffectApplyFirstUpdate
	// EffectSignalUpdatePending asserts the slow-blink pending signal.
	EffectSignalUpdatePending
	// EffectSignalDownloading asserts the fast-blink downloading signal.
	EffectSignalDownloading
	// EffectSignalSuccess asserts the success signal.
	EffectSignalSuccess
	// EffectSignalFailure asserts the failure signal.
	EffectSignalFailure
	// EffectSignalClear clears the indicator.
	EffectSignalClear
	// EffectRestart restarts the whole system.
	EffectRestart
)

// Next computes the transition for ev. It is pure: the only state it
// reads or writes is the Machine value passed in and returned.
func Next(m Machine, ev Event, t Timing) (Machine, []Effect) {
	switch ev := ev.(type) {
	case BootDone:
		if m.State != StateInit {
			return m, nil
		}
		if !ev.OK {
			m.State = StateError
			m.EnteredAt = ev.Now
			return m, []Effect{EffectSignalFailure}
		}
		m.State = StateNormal
		m.LastCheck = ev.Now
		return m, nil

	case Tick:
		switch m.State {
		case StateNormal:
			if ev.Now.Sub(m.LastCheck) > t.CheckInterval {
				m.State = StateCheckUpdates
				return m, []Effect{EffectCheckForUpdates}
			}
			return m, nil

		case StateUpdateAvailable:
			if ev.SafeToUpdate {
				m.State = StateDownloading
				m.EnteredAt = ev.Now
				return m, []Effect{EffectSignalDownloading, EffectApplyFirstUpdate}
			}
			return m, []Effect{EffectSignalUpdatePending}

		case StateSuccess:
			if ev.Now.Sub(m.EnteredAt) > t.SuccessDwell {
				m.State = StateNormal
				return m, []Effect{EffectSignalClear}
			}
			return m, nil

		case StateFailure:
			if ev.Now.Sub(m.EnteredAt) > t.FailureDwell {
				m.State = StateNormal
				return m, []Effect{EffectSignalClear}
			}
			return m, nil

		case StateError:
			if ev.Now.Sub(m.EnteredAt) > t.RestartDelay {
				return m, []Effect{EffectRestart}
			}
			return m, nil
		}
		return m, nil

	case CheckDone:
		if m.State != StateCheckUpdates {
			return m, nil
		}
		m.LastCheck = ev.Now
		if ev.UpdatesPending {
			m.State = StateUpdateAvailable
			return m, []Effect{EffectSignalUpdatePending}
		}
		m.State = StateNormal
		return m, nil

	case ApplyDone:
		if m.State != StateDownloading {
			return m, nil
		}
		m.EnteredAt = ev.Now
		if ev.OK {
			m.State = StateSuccess
			return m, []Effect{EffectSignalSuccess}
		}
		m.State = StateFailure
		return m, []Effect{EffectSignalFailure}
	}
	return m, nil
}
