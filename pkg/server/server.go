package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sockbus/sockbus/internal/config"
	"github.com/sockbus/sockbus/internal/logger"
	"github.com/sockbus/sockbus/pkg/registry"
	"github.com/sockbus/sockbus/pkg/socket"
	"github.com/sockbus/sockbus/pkg/transport"
	"github.com/sockbus/sockbus/pkg/types"
	"github.com/sockbus/sockbus/pkg/wire"
)

// Config contains server construction parameters
type Config struct {
	Transport config.TransportConfig
	Server    config.ServerConfig
	Heartbeat config.HeartbeatConfig
	Crypto    config.CryptoConfig

	Logger *logger.Logger

	// OnListening fires once the listener is bound.
	OnListening func(endpoint string)

	// OnConnection fires after a client completes its handshake and is
	// registered.
	OnConnection func(s *socket.Socket)

	// OnDisconnection fires when a registered client's socket closes.
	OnDisconnection func(identity string, s *socket.Socket, reason string)

	// OnError fires for per-connection errors the server observes.
	OnError func(err error)
}

// Server accepts connections on one endpoint, walks each through the
// handshake, and keys the resulting sockets by client identity. Event
// handlers registered on the server apply to every connection.
type Server struct {
	cfg      Config
	endpoint string
	codec    *wire.Codec
	emitter  *socket.Emitter
	registry *registry.Registry
	logger   *logger.Logger

	mu       sync.RWMutex
	listener net.Listener
	pending  map[types.ID]*socket.Socket
	accepted int64
	closed   bool

	closeCh chan struct{}
	wg      sync.WaitGroup
}

// New creates a server. Call Start to begin accepting connections.
func New(cfg Config) (*Server, error) {
	log := cfg.Logger
	if log == nil {
		log = logger.Global()
	}

	endpoint := cfg.Transport.Path
	if endpoint == "" {
		name := cfg.Transport.Name
		if name == "" {
			name = config.DefaultEndpointName
		}
		endpoint = transport.Endpoint(name, cfg.Transport.Directory)
	}

	codec, err := wire.NewCodec(
		wire.DeriveKeyWithIterations(cfg.Crypto.Password, cfg.Crypto.Iterations))
	if err != nil {
		return nil, err
	}

	s := &Server{
		cfg:      cfg,
		endpoint: endpoint,
		codec:    codec,
		emitter:  socket.NewEmitter(),
		logger:   log.With("component", "server", "endpoint", endpoint),
		pending:  make(map[types.ID]*socket.Socket),
		closeCh:  make(chan struct{}),
	}
	s.registry = registry.New(log)

	return s, nil
}

// Endpoint returns the resolved endpoint the server listens on
func (s *Server) Endpoint() string {
	return s.endpoint
}

// Registry returns the identity registry
func (s *Server) Registry() *registry.Registry {
	return s.registry
}

// On registers a handler for an event name on every connection
func (s *Server) On(event string, handler socket.EventHandler) {
	s.emitter.On(event, handler)
}

// OnFunc registers a function handler for an event name on every
// connection
func (s *Server) OnFunc(event string, fn func(ctx context.Context, sock *socket.Socket, msg types.Message) error) {
	s.emitter.OnFunc(event, fn)
}

// Start begins listening and accepting connections
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return types.NewError(types.ErrCodeUnavailable, "server is closed")
	}
	if s.listener != nil {
		return types.NewError(types.ErrCodeInvalid, "server already started")
	}

	listener, err := transport.Listen(s.endpoint)
	if err != nil {
		return err
	}
	s.listener = listener

	s.wg.Add(1)
	go s.acceptLoop(listener)

	s.logger.Info("Server listening",
		"max_connections", s.cfg.Server.MaxConnections,
		"encrypted", s.codec.Encrypted(),
		"heartbeat", s.cfg.Heartbeat.Enabled)

	if s.cfg.OnListening != nil {
		s.cfg.OnListening(s.endpoint)
	}
	return nil
}

// acceptLoop accepts connections until the listener closes. Transient
// accept errors back off and retry rather than killing the loop.
func (s *Server) acceptLoop(listener net.Listener) {
	defer s.wg.Done()

	backoff := 5 * time.Millisecond
	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-s.closeCh:
				return
			default:
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				s.logger.Warn("Transient accept failure, retrying",
					"error", err, "backoff", backoff.String())
				time.Sleep(backoff)
				if backoff < time.Second {
					backoff *= 2
				}
				continue
			}
			s.logger.Error("Failed to accept connection", "error", err)
			s.reportError(types.WrapError(types.ErrCodeTransport, "accept failed", err))
			return
		}
		backoff = 5 * time.Millisecond

		if !s.admit() {
			s.logger.Warn("Connection limit reached, rejecting connection",
				"max_connections", s.cfg.Server.MaxConnections)
			conn.Close()
			continue
		}

		s.mu.Lock()
		s.accepted++
		s.mu.Unlock()

		s.wg.Add(1)
		go s.handleConnection(conn)
	}
}

// admit checks the connection limit against both pending and registered
// connections
func (s *Server) admit() bool {
	max := s.cfg.Server.MaxConnections
	if max <= 0 {
		return true
	}
	s.mu.RLock()
	pending := len(s.pending)
	s.mu.RUnlock()
	return pending+s.registry.Count() < max
}

// handleConnection walks one accepted connection through the handshake
func (s *Server) handleConnection(conn net.Conn) {
	defer s.wg.Done()

	handshakeCh := make(chan types.SocketMeta, 1)

	sock, err := socket.NewSocket(socket.Config{
		Conn:         conn,
		Codec:        s.codec,
		Emitter:      s.emitter,
		MaxFrameSize: s.cfg.Transport.MaxFrameSize,
		WriteTimeout: s.cfg.Server.WriteTimeout,
		Logger:       s.logger,
		OnHandshake: func(sock *socket.Socket, meta types.SocketMeta) {
			select {
			case handshakeCh <- meta:
			default:
			}
		},
		OnError: func(sock *socket.Socket, err error) {
			s.logger.Warn("Connection error",
				"socket", sock.ID().Short(), "error", err)
			s.reportError(err)
		},
		OnClosed: func(sock *socket.Socket, reason string) {
			s.onSocketClosed(sock, reason)
		},
	})
	if err != nil {
		s.logger.Error("Failed to wrap connection", "error", err)
		conn.Close()
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		conn.Close()
		return
	}
	s.pending[sock.ID()] = sock
	s.mu.Unlock()

	if err := sock.Start(); err != nil {
		s.dropPending(sock)
		sock.CloseWithError("start failed", err)
		return
	}

	timeout := s.cfg.Server.HandshakeTimeout
	if timeout <= 0 {
		timeout = config.DefaultHandshakeTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case meta := <-handshakeCh:
		s.completeHandshake(sock, meta)

	case <-timer.C:
		s.logger.Warn("Handshake timeout, dropping connection",
			"socket", sock.ID().Short(), "timeout", timeout.String())
		s.dropPending(sock)
		sock.CloseWithError("handshake timeout",
			types.NewError(types.ErrCodeProtocol, "no handshake within "+timeout.String()))

	case <-sock.Done():
		s.dropPending(sock)

	case <-s.closeCh:
		s.dropPending(sock)
		sock.CloseWithError("server shutting down", nil)
	}
}

// completeHandshake validates the announced identity and registers the
// socket
func (s *Server) completeHandshake(sock *socket.Socket, meta types.SocketMeta) {
	s.dropPending(sock)

	if err := meta.Validate(); err != nil {
		s.logger.Warn("Invalid handshake, dropping connection",
			"socket", sock.ID().Short(), "error", err)
		sock.CloseWithError("invalid handshake", err)
		return
	}

	// The socket keeps its own connection ID; identity comes from the
	// handshake
	meta.ID = sock.ID()
	sock.SetMeta(meta)

	identity := meta.Username
	sock.SetBroadcaster(func(event string, data interface{}) error {
		_, err := s.registry.Broadcast(event, data, identity)
		return err
	})

	if _, err := s.registry.Register(identity, sock); err != nil {
		sock.CloseWithError("registration failed", err)
		return
	}

	// The peer may have vanished while the handshake was processed. In
	// that case the close callback can run before the identity was
	// attached and finds nothing to unregister, so recheck here. If the
	// state still reads established, teardown has not started and the
	// close callback will see the identity when it fires.
	if st := sock.State(); st == socket.StateClosing || st.IsTerminal() {
		if s.registry.Unregister(identity, sock) {
			s.logger.Info("Client disconnected",
				"identity", identity, "reason", "closed during handshake")
		}
		return
	}

	if s.cfg.Heartbeat.Enabled {
		m := socket.NewMonitor(sock, s.cfg.Heartbeat.Interval, s.cfg.Heartbeat.Timeout)
		m.Start()
	}

	s.logger.Info("Client connected",
		"identity", identity, "name", meta.Name, "socket", sock.ID().Short())

	if s.cfg.OnConnection != nil {
		s.cfg.OnConnection(sock)
	}
}

// onSocketClosed cleans up after a connection in any state
func (s *Server) onSocketClosed(sock *socket.Socket, reason string) {
	s.dropPending(sock)

	identity := sock.Meta().Username
	if identity == "" {
		return
	}

	// Only the current owner of the identity unregisters; an evicted
	// socket closing late must not remove its replacement
	s.registry.Unregister(identity, sock)

	s.logger.Info("Client disconnected", "identity", identity, "reason", reason)

	if s.cfg.OnDisconnection != nil {
		s.cfg.OnDisconnection(identity, sock, reason)
	}
}

// dropPending removes a socket from the pre-handshake set
func (s *Server) dropPending(sock *socket.Socket) {
	s.mu.Lock()
	delete(s.pending, sock.ID())
	s.mu.Unlock()
}

// reportError surfaces one error through the server's error callback
func (s *Server) reportError(err error) {
	if s.cfg.OnError != nil {
		s.cfg.OnError(err)
	}
}

// Broadcast emits one event to every registered client
func (s *Server) Broadcast(event string, data interface{}) (int, error) {
	return s.registry.Broadcast(event, data, "")
}

// BroadcastExcept emits one event to every registered client except the
// given identity
func (s *Server) BroadcastExcept(event string, data interface{}, identity string) (int, error) {
	return s.registry.Broadcast(event, data, identity)
}

// Emit sends one event to a single client by identity
func (s *Server) Emit(identity, event string, data interface{}) error {
	sock, ok := s.registry.Lookup(identity)
	if !ok {
		return types.NewError(types.ErrCodeNotFound, "no client registered as "+identity)
	}
	return sock.Emit(event, data)
}

// Stop closes the listener and every connection, then waits for all
// connection goroutines to exit. Idempotent.
func (s *Server) Stop() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	listener := s.listener
	pending := make([]*socket.Socket, 0, len(s.pending))
	for _, sock := range s.pending {
		pending = append(pending, sock)
	}
	s.mu.Unlock()

	close(s.closeCh)
	if listener != nil {
		listener.Close()
	}

	for _, sock := range pending {
		sock.CloseWithError("server shutting down", nil)
	}
	s.registry.CloseAll("server shutting down")

	s.wg.Wait()
	s.logger.Info("Server stopped")
	return nil
}

// Addr returns the listener address, or nil before Start
func (s *Server) Addr() net.Addr {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stats is a point-in-time snapshot of server activity
type Stats struct {
	Registered    int   `json:"registered"`
	Pending       int   `json:"pending"`
	AcceptedTotal int64 `json:"accepted_total"`
}

// Stats returns a snapshot of server activity
func (s *Server) Stats() Stats {
	s.mu.RLock()
	pending := len(s.pending)
	accepted := s.accepted
	s.mu.RUnlock()

	return Stats{
		Registered:    s.registry.Count(),
		Pending:       pending,
		AcceptedTotal: accepted,
	}
}

// String returns a short debug representation
func (s *Server) String() string {
	return fmt.Sprintf("Server{endpoint=%s, registered=%d}", s.endpoint, s.registry.Count())
}
