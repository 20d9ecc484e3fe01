package client

import (
	"context"
	"sync"
	"time"

	"github.com/sockbus/sockbus/internal/logger"
	"github.com/sockbus/sockbus/pkg/types"
)

// ReconnectState is the reconnect controller's lifecycle state
type ReconnectState string

const (
	// ReconnectIdle means no reconnect activity is pending
	ReconnectIdle ReconnectState = "idle"

	// ReconnectScheduled means an attempt is timed but not yet running
	ReconnectScheduled ReconnectState = "scheduled"

	// ReconnectAttempting means a dial is in flight
	ReconnectAttempting ReconnectState = "attempting"

	// ReconnectConnected means the last attempt succeeded
	ReconnectConnected ReconnectState = "connected"
)

// Reconnector restores a dropped connection on a fixed interval. Each
// disconnect schedules one attempt per interval until the dial succeeds,
// the attempt budget runs out, or the controller is disabled. Attempts
// never overlap and never fire sooner than the interval after the
// previous one started.
type Reconnector struct {
	interval    time.Duration
	maxAttempts int // 0 means unlimited
	dial        func(ctx context.Context) error
	onGaveUp    func(attempts int)
	logger      *logger.Logger

	mu       sync.Mutex
	state    ReconnectState
	attempts int
	timer    *time.Timer
	cancel   context.CancelFunc
	disabled bool

	// pending records a disconnect reported while a dial was in
	// flight. The connection that dial produced is already gone, so a
	// successful result must reschedule instead of settling.
	pending bool
}

// NewReconnector creates a controller around a dial function. The dial
// runs outside the controller's lock and reports success with a nil
// error.
func NewReconnector(interval time.Duration, maxAttempts int, dial func(ctx context.Context) error, log *logger.Logger) *Reconnector {
	if log == nil {
		log = logger.Global()
	}
	return &Reconnector{
		interval:    interval,
		maxAttempts: maxAttempts,
		dial:        dial,
		logger:      log.With("component", "reconnect"),
		state:       ReconnectIdle,
	}
}

// OnGaveUp registers a callback fired once when the attempt budget is
// exhausted
func (r *Reconnector) OnGaveUp(fn func(attempts int)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onGaveUp = fn
}

// State returns the current controller state
func (r *Reconnector) State() ReconnectState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Attempts returns the consecutive failed attempt count since the last
// successful connection
func (r *Reconnector) Attempts() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.attempts
}

// NotifyConnected records a successful connection and resets the attempt
// counter
func (r *Reconnector) NotifyConnected() {
	r.mu.Lock()
	defer r.mu.Unlock()

	// A disconnect that raced ahead of this notification has already
	// scheduled the next attempt; that schedule must not be cancelled.
	if r.pending || r.state == ReconnectScheduled {
		return
	}

	r.stopTimerLocked()
	r.state = ReconnectConnected
	r.attempts = 0
}

// NotifyDisconnected schedules the next attempt one interval out. A
// disconnect while an attempt is already scheduled is ignored; one
// arriving during an in-flight dial marks that dial's connection dead
// so a successful result reschedules. A disabled controller stays
// idle.
func (r *Reconnector) NotifyDisconnected() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.disabled {
		r.state = ReconnectIdle
		return
	}

	switch r.state {
	case ReconnectScheduled:
		return
	case ReconnectAttempting:
		// The in-flight dial produced this connection and it has
		// already dropped; its result must not read as connected.
		r.pending = true
		return
	}

	r.scheduleLocked()
}

// scheduleLocked arms the timer for the next attempt. Caller holds the
// lock.
func (r *Reconnector) scheduleLocked() {
	if r.maxAttempts > 0 && r.attempts >= r.maxAttempts {
		r.state = ReconnectIdle
		r.logger.Warn("Reconnect budget exhausted", "attempts", r.attempts)
		if r.onGaveUp != nil {
			go r.onGaveUp(r.attempts)
		}
		return
	}

	r.state = ReconnectScheduled
	r.timer = time.AfterFunc(r.interval, r.attempt)
	r.logger.Debug("Reconnect scheduled",
		"interval", r.interval.String(), "attempt", r.attempts+1)
}

// attempt runs one dial when the timer fires
func (r *Reconnector) attempt() {
	r.mu.Lock()
	if r.disabled || r.state != ReconnectScheduled {
		r.mu.Unlock()
		return
	}
	r.state = ReconnectAttempting
	r.attempts++
	attempt := r.attempts

	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	r.mu.Unlock()

	err := r.dial(ctx)
	cancel()

	r.mu.Lock()
	defer r.mu.Unlock()
	r.cancel = nil

	if r.disabled {
		r.state = ReconnectIdle
		r.pending = false
		return
	}

	if err == nil {
		r.attempts = 0
		if r.pending {
			r.pending = false
			r.logger.Warn("Connection dropped during dial, retrying",
				"attempt", attempt)
			r.scheduleLocked()
			return
		}
		r.state = ReconnectConnected
		r.logger.Info("Reconnected", "attempt", attempt)
		return
	}

	r.pending = false
	r.logger.Warn("Reconnect attempt failed", "attempt", attempt, "error", err)
	r.scheduleLocked()
}

// Disable stops all reconnect activity: the pending timer is cancelled
// and an in-flight dial is interrupted. Further disconnects schedule
// nothing until Enable.
func (r *Reconnector) Disable() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.disabled = true
	r.pending = false
	r.stopTimerLocked()
	if r.cancel != nil {
		r.cancel()
	}
	if r.state != ReconnectAttempting {
		r.state = ReconnectIdle
	}
}

// Enable re-arms the controller after Disable. It does not schedule an
// attempt by itself; the next disconnect does.
func (r *Reconnector) Enable() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.disabled = false
}

// stopTimerLocked cancels the pending timer. Caller holds the lock.
func (r *Reconnector) stopTimerLocked() {
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
}

// Err returns a descriptive error for an exhausted controller, nil
// otherwise
func (r *Reconnector) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.maxAttempts > 0 && r.attempts >= r.maxAttempts && r.state == ReconnectIdle {
		return types.NewErrorf(types.ErrCodeUnavailable,
			"gave up after %d reconnect attempts", r.attempts)
	}
	return nil
}
