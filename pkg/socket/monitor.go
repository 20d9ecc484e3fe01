package socket

import (
	"sync"
	"time"

	"github.com/sockbus/sockbus/internal/logger"
	"github.com/sockbus/sockbus/pkg/types"
)

// Monitor probes peer liveness over an established socket. Every
// interval it sends a ping and expects a pong within the timeout; a
// missed pong closes the socket with a heartbeat timeout. Only an
// explicit pong counts as liveness evidence, so a half-open stream where
// traffic still arrives but replies are lost is detected.
type Monitor struct {
	socket   *Socket
	interval time.Duration
	timeout  time.Duration
	logger   *logger.Logger

	pongCh   chan struct{}
	stopCh   chan struct{}
	stopOnce sync.Once

	mu      sync.Mutex
	started bool
	wg      sync.WaitGroup
}

// NewMonitor creates a heartbeat monitor and attaches it to the socket.
// Inbound pongs route to the monitor from the socket's read loop.
func NewMonitor(s *Socket, interval, timeout time.Duration) *Monitor {
	m := &Monitor{
		socket:   s,
		interval: interval,
		timeout:  timeout,
		logger:   s.logger.With("component", "heartbeat"),
		pongCh:   make(chan struct{}, 1),
		stopCh:   make(chan struct{}),
	}
	s.setMonitor(m)
	return m
}

// Start begins the probe loop. Starting twice is a no-op.
func (m *Monitor) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.started {
		return
	}
	m.started = true

	m.wg.Add(1)
	go m.loop()

	m.logger.Debug("Heartbeat monitor started",
		"interval", m.interval.String(),
		"timeout", m.timeout.String())
}

// Stop cancels the probe loop and waits for it to exit. Idempotent; no
// heartbeat activity follows Stop returning.
func (m *Monitor) Stop() {
	m.signalStop()
	m.wg.Wait()
}

// signalStop requests the loop to exit without waiting. The socket's
// teardown path uses this to avoid blocking inside the loop itself.
func (m *Monitor) signalStop() {
	m.stopOnce.Do(func() {
		close(m.stopCh)
	})
}

// wait blocks until the probe loop has exited
func (m *Monitor) wait() {
	m.wg.Wait()
}

// notifyPong records one pong. A pong with no ping outstanding is
// dropped silently.
func (m *Monitor) notifyPong() {
	select {
	case m.pongCh <- struct{}{}:
	default:
	}
}

// loop sends pings and enforces the pong deadline
func (m *Monitor) loop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
		}

		// Drain any stale pong so it cannot satisfy this ping
		select {
		case <-m.pongCh:
		default:
		}

		if err := m.socket.Emit(types.EventPing, nil); err != nil {
			// The write path already tore the socket down
			return
		}

		timer := time.NewTimer(m.timeout)
		select {
		case <-m.pongCh:
			timer.Stop()

		case <-m.stopCh:
			timer.Stop()
			return

		case <-timer.C:
			err := types.NewError(types.ErrCodeHeartbeatTimeout,
				"no pong within "+m.timeout.String())
			m.logger.Warn("Heartbeat timeout", "timeout", m.timeout.String())
			m.socket.reportError(err)
			m.socket.closeWith("heartbeat timeout", err, false)
			return
		}
	}
}
