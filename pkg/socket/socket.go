package socket

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/sockbus/sockbus/internal/logger"
	"github.com/sockbus/sockbus/pkg/types"
	"github.com/sockbus/sockbus/pkg/wire"
)

// Socket owns one duplex byte stream and frames messages over it. It runs
// a single read loop; handlers for one socket never run concurrently and
// see messages in arrival order.
type Socket struct {
	meta   types.SocketMeta
	metaMu sync.RWMutex

	conn    net.Conn
	codec   *wire.Codec
	decoder *wire.Decoder
	emitter *Emitter
	logger  *logger.Logger

	writeMu      sync.Mutex
	writeTimeout time.Duration

	stateMu sync.RWMutex
	state   State

	monitorMu sync.Mutex
	monitor   *Monitor

	broadcastMu sync.RWMutex
	broadcaster func(event string, data interface{}) error

	onClosed    func(s *Socket, reason string)
	onError     func(s *Socket, err error)
	onHandshake func(s *Socket, meta types.SocketMeta)

	closeOnce   sync.Once
	closeCh     chan struct{} // closed when teardown begins
	doneCh      chan struct{} // closed after the closed notification fires
	readWg      sync.WaitGroup
	reasonMu    sync.Mutex
	closeReason string

	statsMu      sync.Mutex
	framesIn     int64
	framesOut    int64
	lastActivity time.Time
}

// Config contains socket construction parameters
type Config struct {
	// Meta identifies this side of the connection. The server fills it in
	// after the handshake arrives.
	Meta types.SocketMeta

	// Conn is the duplex byte stream. The socket takes exclusive
	// ownership and closes it on teardown.
	Conn net.Conn

	// Codec frames messages; a shared codec is safe across sockets.
	Codec *wire.Codec

	// Emitter is the handler registry. Pass a shared emitter so handlers
	// survive the socket (clients reuse one across reconnects); nil
	// creates a private one.
	Emitter *Emitter

	MaxFrameSize int
	WriteTimeout time.Duration
	Logger       *logger.Logger

	// OnClosed fires exactly once, after the socket reaches Closed.
	OnClosed func(s *Socket, reason string)

	// OnError fires once per surfaced error.
	OnError func(s *Socket, err error)

	// OnHandshake receives the peer's handshake payload. Handshake frames
	// route here, never to application handlers.
	OnHandshake func(s *Socket, meta types.SocketMeta)
}

// NewSocket creates a socket around an open duplex stream. The socket
// starts in Connecting; call Start to begin the read loop.
func NewSocket(cfg Config) (*Socket, error) {
	if cfg.Conn == nil {
		return nil, types.NewError(types.ErrCodeInvalidArgument, "conn is required")
	}
	if cfg.Codec == nil {
		return nil, types.NewError(types.ErrCodeInvalidArgument, "codec is required")
	}

	log := cfg.Logger
	if log == nil {
		log = logger.Global()
	}

	emitter := cfg.Emitter
	if emitter == nil {
		emitter = NewEmitter()
	}

	meta := cfg.Meta
	if meta.ID.IsEmpty() {
		meta.ID = types.GenerateID()
	}

	s := &Socket{
		meta:         meta,
		conn:         cfg.Conn,
		codec:        cfg.Codec,
		decoder:      wire.NewDecoder(cfg.Conn, cfg.Codec, cfg.MaxFrameSize),
		emitter:      emitter,
		logger:       log.With("component", "socket", "socket_id", meta.ID.Short()),
		writeTimeout: cfg.WriteTimeout,
		state:        StateConnecting,
		onClosed:     cfg.OnClosed,
		onError:      cfg.OnError,
		onHandshake:  cfg.OnHandshake,
		closeCh:      make(chan struct{}),
		doneCh:       make(chan struct{}),
		lastActivity: time.Now(),
	}

	return s, nil
}

// Start transitions the socket to Established and begins the read loop
func (s *Socket) Start() error {
	if err := s.setState(StateEstablished); err != nil {
		return err
	}

	s.readWg.Add(1)
	go s.readLoop()

	s.logger.Debug("Socket established", "username", s.Meta().Username)
	return nil
}

// Emit sends one message to the peer
func (s *Socket) Emit(event string, data interface{}) error {
	msg, err := types.NewMessage(event, data)
	if err != nil {
		return err
	}
	return s.EmitMessage(msg)
}

// EmitMessage sends a pre-built message to the peer. A write failure
// surfaces a transport error and tears the socket down.
func (s *Socket) EmitMessage(msg types.Message) error {
	switch s.State() {
	case StateClosing, StateClosed:
		return types.NewError(types.ErrCodeClosed, "socket is closed")
	}

	frame, err := s.codec.Encode(msg)
	if err != nil {
		return err
	}

	if err := s.writeFrame(frame); err != nil {
		werr := types.WrapError(types.ErrCodeTransport, "write failed", err)
		s.reportError(werr)
		s.closeWith("write failed", werr, false)
		return werr
	}

	s.statsMu.Lock()
	s.framesOut++
	s.lastActivity = time.Now()
	s.statsMu.Unlock()

	return nil
}

// writeFrame writes one encoded frame under the write lock
func (s *Socket) writeFrame(frame []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if s.writeTimeout > 0 {
		if err := s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout)); err != nil {
			return err
		}
	}

	_, err := s.conn.Write(frame)
	return err
}

// On registers a handler for an event name
func (s *Socket) On(event string, handler EventHandler) {
	s.emitter.On(event, handler)
}

// OnFunc registers a function handler for an event name
func (s *Socket) OnFunc(event string, fn func(ctx context.Context, s *Socket, msg types.Message) error) {
	s.emitter.OnFunc(event, fn)
}

// Off removes all handlers for an event name
func (s *Socket) Off(event string) {
	s.emitter.Off(event)
}

// Emitter returns the socket's handler registry
func (s *Socket) Emitter() *Emitter {
	return s.emitter
}

// SetBroadcaster binds a fan-out function. Server-issued sockets get one
// wired to the session registry.
func (s *Socket) SetBroadcaster(fn func(event string, data interface{}) error) {
	s.broadcastMu.Lock()
	defer s.broadcastMu.Unlock()
	s.broadcaster = fn
}

// Broadcast fans a message out to the other connected peers. Only valid
// on server-issued sockets; a plain client socket has no broadcaster.
func (s *Socket) Broadcast(event string, data interface{}) error {
	s.broadcastMu.RLock()
	fn := s.broadcaster
	s.broadcastMu.RUnlock()

	if fn == nil {
		return types.NewError(types.ErrCodeInvalid, "socket has no broadcaster")
	}
	return fn(event, data)
}

// Close tears the socket down, sending a best-effort disconnect notice
// to the peer. Idempotent; it returns after the closed notification has
// fired.
func (s *Socket) Close(reason string) error {
	s.closeWith(reason, nil, true)
	<-s.doneCh
	return nil
}

// CloseAsync begins teardown and sends the disconnect notice without
// waiting for the closed notification. The notice write is bounded by
// the socket's write timeout.
func (s *Socket) CloseAsync(reason string) {
	s.closeWith(reason, nil, true)
}

// CloseWithError tears the socket down after a failure. No disconnect
// notice is sent; the transport is presumed broken.
func (s *Socket) CloseWithError(reason string, err error) {
	s.closeWith(reason, err, false)
}

// closeWith begins teardown exactly once. The finalize goroutine waits
// for the read loop and monitor to exit before firing OnClosed, so no
// callback of any kind follows the closed notification.
func (s *Socket) closeWith(reason string, cause error, sendNotice bool) {
	s.closeOnce.Do(func() {
		s.reasonMu.Lock()
		s.closeReason = reason
		s.reasonMu.Unlock()

		s.forceState(StateClosing)
		close(s.closeCh)

		if m := s.getMonitor(); m != nil {
			m.signalStop()
		}

		if sendNotice {
			s.sendDisconnectNotice(reason)
		}

		s.conn.Close()

		go s.finalize(reason, cause)
	})
}

// finalize completes teardown once the socket's goroutines have exited
func (s *Socket) finalize(reason string, cause error) {
	s.readWg.Wait()
	if m := s.getMonitor(); m != nil {
		m.wait()
	}

	s.forceState(StateClosed)

	s.logger.Debug("Socket closed", "reason", reason, "error", cause)

	if s.onClosed != nil {
		s.onClosed(s, reason)
	}

	close(s.doneCh)
}

// sendDisconnectNotice flushes a final __disconnect__ frame, best effort
func (s *Socket) sendDisconnectNotice(reason string) {
	msg, err := types.NewMessage(types.EventDisconnect, types.DisconnectNotice{Reason: reason})
	if err != nil {
		return
	}
	frame, err := s.codec.Encode(msg)
	if err != nil {
		return
	}
	// The peer may already be gone; errors here are uninteresting
	_ = s.writeFrame(frame)
}

// CloseReason returns the reason recorded when teardown began, empty
// while the socket is open
func (s *Socket) CloseReason() string {
	s.reasonMu.Lock()
	defer s.reasonMu.Unlock()
	return s.closeReason
}

// Done returns a channel closed once the socket is fully closed
func (s *Socket) Done() <-chan struct{} {
	return s.doneCh
}

// readLoop decodes frames and dispatches them until the stream ends
func (s *Socket) readLoop() {
	defer s.readWg.Done()

	ctx := context.Background()

	for {
		msg, err := s.decoder.Next()
		if err != nil {
			if types.IsErrCode(err, types.ErrCodeAuthFailed) {
				// One tampered or mismatched frame is dropped, not fatal
				s.reportError(err)
				continue
			}
			if types.IsErrCode(err, types.ErrCodeProtocol) {
				// The peer is speaking something else; protocol state is
				// no longer trustworthy
				s.reportError(err)
				s.closeWith("protocol error", err, false)
				return
			}

			select {
			case <-s.closeCh:
				// Expected during teardown
			default:
				if !errors.Is(err, io.EOF) {
					s.reportError(types.WrapError(types.ErrCodeTransport, "read failed", err))
				}
				s.closeWith("connection closed", err, false)
			}
			return
		}

		s.statsMu.Lock()
		s.framesIn++
		s.lastActivity = time.Now()
		s.statsMu.Unlock()

		s.handleMessage(ctx, msg)
	}
}

// handleMessage applies protocol behavior for reserved events, then
// dispatches to application handlers where the protocol allows it
func (s *Socket) handleMessage(ctx context.Context, msg types.Message) {
	switch msg.Event {
	case types.EventPing:
		// Pong is mandatory, transparent protocol behavior; the ping is
		// still visible to application handlers afterwards
		_ = s.Emit(types.EventPong, nil)
		s.emitter.Dispatch(ctx, s, msg)

	case types.EventPong:
		if m := s.getMonitor(); m != nil {
			m.notifyPong()
		}

	case types.EventDisconnect:
		var notice types.DisconnectNotice
		_ = msg.Decode(&notice)
		reason := notice.Reason
		if reason == "" {
			reason = "peer disconnected"
		}
		s.emitter.Dispatch(ctx, s, msg)
		// The peer already knows; no notice goes back
		s.closeWith(reason, nil, false)

	case types.EventHandshake:
		var meta types.SocketMeta
		if err := msg.Decode(&meta); err != nil {
			perr := types.WrapError(types.ErrCodeProtocol, "malformed handshake", err)
			s.reportError(perr)
			s.closeWith("protocol error", perr, false)
			return
		}
		if s.onHandshake != nil {
			s.onHandshake(s, meta)
		}

	default:
		s.emitter.Dispatch(ctx, s, msg)
	}
}

// reportError surfaces one error through the error callback
func (s *Socket) reportError(err error) {
	s.logger.Debug("Socket error", "error", err)
	if s.onError != nil {
		s.onError(s, err)
	}
}

// setMonitor attaches a heartbeat monitor
func (s *Socket) setMonitor(m *Monitor) {
	s.monitorMu.Lock()
	defer s.monitorMu.Unlock()
	s.monitor = m
}

// getMonitor returns the attached heartbeat monitor, if any
func (s *Socket) getMonitor() *Monitor {
	s.monitorMu.Lock()
	defer s.monitorMu.Unlock()
	return s.monitor
}

// State returns the current lifecycle state
func (s *Socket) State() State {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return s.state
}

// Established returns true if the socket is live
func (s *Socket) Established() bool {
	return s.State() == StateEstablished
}

// setState performs a validated state transition
func (s *Socket) setState(target State) error {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()

	next, err := transition(s.state, target)
	if err != nil {
		return err
	}
	s.state = next
	return nil
}

// forceState moves toward teardown, skipping states as needed. Closed is
// reachable from everywhere, so this cannot fail going forward.
func (s *Socket) forceState(target State) {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()

	if s.state == target || s.state.IsTerminal() {
		return
	}
	s.state = target
}

// Meta returns the socket's identity
func (s *Socket) Meta() types.SocketMeta {
	s.metaMu.RLock()
	defer s.metaMu.RUnlock()
	return s.meta
}

// SetMeta replaces the socket's identity. The server calls this once the
// handshake arrives.
func (s *Socket) SetMeta(meta types.SocketMeta) {
	s.metaMu.Lock()
	defer s.metaMu.Unlock()
	s.meta = meta
}

// ID returns the socket's per-connection identifier
func (s *Socket) ID() types.ID {
	return s.Meta().ID
}

// Stats represents socket statistics
type Stats struct {
	ID           types.ID  `json:"id"`
	State        State     `json:"state"`
	FramesIn     int64     `json:"frames_in"`
	FramesOut    int64     `json:"frames_out"`
	LastActivity time.Time `json:"last_activity"`
}

// Stats returns a snapshot of socket statistics
func (s *Socket) Stats() Stats {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()

	return Stats{
		ID:           s.ID(),
		State:        s.State(),
		FramesIn:     s.framesIn,
		FramesOut:    s.framesOut,
		LastActivity: s.lastActivity,
	}
}

// String returns a string representation of the socket
func (s *Socket) String() string {
	meta := s.Meta()
	return fmt.Sprintf("Socket{ID: %s, Username: %s, State: %s}",
		meta.ID.Short(), meta.Username, s.State())
}
