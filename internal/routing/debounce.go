package routing

import (
	"context"
	"time"
)

// SignalReason tells why the debouncer asked for a refresh.
type SignalReason string

const (
	// SignalQuiet fires after the quiet period elapsed with no newer event.
	SignalQuiet SignalReason = "quiet"
	// SignalForced fires when events kept arriving past the maximum refresh delay.
	SignalForced SignalReason = "forced"
)

// Debouncer collapses bursts of watch events into refresh signals.
//
// Notify never blocks. Signals is a depth-1 channel: a signal raised while the
// previous one is still unread replaces it.
type Debouncer struct {
	quiet    time.Duration
	maxDelay time.Duration

	events  chan struct{}
	signals chan SignalReason
}

// NewDebouncer creates a Debouncer. Call Run to start it.
func NewDebouncer(quiet, maxDelay time.Duration) *Debouncer {
	return &Debouncer{
		quiet:    quiet,
		maxDelay: maxDelay,
		events:   make(chan struct{}, 1),
		signals:  make(chan SignalReason, 1),
	}
}

// Notify records that something relevant changed.
func (d *Debouncer) Notify() {
	select {
	case d.events <- struct{}{}:
	default:
	}
}

// Signals returns the refresh signal channel.
func (d *Debouncer) Signals() <-chan SignalReason {
	return d.signals
}

// Run drives the timers until ctx is done.
func (d *Debouncer) Run(ctx context.Context) {
	timer := time.NewTimer(d.quiet)
	timer.Stop()

	defer timer.Stop()

	var (
		pending     <-chan time.Time
		windowStart time.Time
	)

	for {
		select {
		case <-ctx.Done():
			return

		case <-d.events:
			if pending == nil {
				windowStart = time.Now()
			} else if time.Since(windowStart) >= d.maxDelay {
				timer.Stop()
				pending = nil

				d.emit(SignalForced)

				continue
			}

			timer.Reset(d.quiet)
			pending = timer.C

		case <-pending:
			pending = nil

			d.emit(SignalQuiet)
		}
	}
}

// emit is only called from Run, so the drain-then-send cannot block.
func (d *Debouncer) emit(reason SignalReason) {
	select {
	case <-d.signals:
	default:
	}

	d.signals <- reason
}
