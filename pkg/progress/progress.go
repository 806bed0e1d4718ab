// Package progress implements the unpacker's progress reporting and
// cooperative cancellation surface: a phase counter plus a within-phase
// entry index, collapsed into one 0-100 percentage, with low-value updates
// suppressed so a listener (terminal bar, D-Bus signal) is not flooded.
// The suppression threshold and the phase/entry composition are a direct
// port of the reference unpacker's draw_progress.
package progress

import "errors"

// ErrAborted is returned by Entry when the cooperative abort check fires.
var ErrAborted = errors.New("progress: aborted")

// Observer receives progress updates; percent ranges from 0 to 100.
type Observer interface {
	OnProgress(percent float64, phase string)
}

// ObserverFunc adapts a plain function to Observer.
type ObserverFunc func(percent float64, phase string)

func (f ObserverFunc) OnProgress(percent float64, phase string) { f(percent, phase) }

// Reporter composes a run's total step count and within-step entry
// progress into a single overall percentage, notifying every registered
// observer while suppressing updates that move the percentage by less
// than 0.5, matching the reference's "avoid excessive status updates"
// behavior.
type Reporter struct {
	observers   []Observer
	totalSteps  int
	currentStep int // steps completed before the current one
	started     bool
	lastPercent float64
	checkAbort  func() bool
}

// Option configures a Reporter.
type Option func(*Reporter)

// WithObserver registers an additional observer.
func WithObserver(o Observer) Option {
	return func(r *Reporter) { r.observers = append(r.observers, o) }
}

// WithTotalSteps sets the number of phases the run will go through.
func WithTotalSteps(n int) Option {
	return func(r *Reporter) { r.totalSteps = n }
}

// WithAbortCheck registers a cooperative cancellation hook, polled once per
// Entry call.
func WithAbortCheck(f func() bool) Option {
	return func(r *Reporter) { r.checkAbort = f }
}

// New builds a Reporter. With no WithTotalSteps, the run is treated as a
// single phase.
func New(opts ...Option) *Reporter {
	r := &Reporter{totalSteps: 1, lastPercent: -1}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// NextStep advances to a new phase and always reports it, regardless of
// the suppression threshold, mirroring draw_progress's unconditional
// report for i == -1 (a phase-boundary message).
func (r *Reporter) NextStep(phase string) {
	if r.started {
		r.currentStep++
	}
	r.started = true
	r.emit(0, phase, true)
}

// Entry reports progress of item i out of n within the current phase.
// Returns ErrAborted if the registered abort check fires.
func (r *Reporter) Entry(i, n int, label string) error {
	if r.checkAbort != nil && r.checkAbort() {
		return ErrAborted
	}

	var partial float64
	if n > 0 {
		partial = float64(i) / float64(n)
		if partial > 1 {
			partial = 1
		}
	}

	r.emit(partial, label, false)
	return nil
}

// Finish reports 100% completion for the entire run.
func (r *Reporter) Finish(label string) {
	r.currentStep = r.totalSteps
	r.emit(0, label, true)
}

func (r *Reporter) emit(partial float64, phase string, force bool) {
	overall := (float64(r.currentStep) + partial) / float64(r.totalSteps)
	if overall > 1 {
		overall = 1
	}
	percent := 100 * overall

	if !force && percent-r.lastPercent < 0.5 {
		return
	}
	r.lastPercent = percent

	for _, o := range r.observers {
		o.OnProgress(percent, phase)
	}
}
