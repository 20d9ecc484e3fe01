package client

import (
	"context"
	"fmt"
	"sync"

	"github.com/sockbus/sockbus/internal/config"
	"github.com/sockbus/sockbus/internal/logger"
	"github.com/sockbus/sockbus/pkg/socket"
	"github.com/sockbus/sockbus/pkg/transport"
	"github.com/sockbus/sockbus/pkg/types"
	"github.com/sockbus/sockbus/pkg/wire"
)

// Config contains client construction parameters
type Config struct {
	Transport config.TransportConfig
	Client    config.ClientConfig
	Heartbeat config.HeartbeatConfig
	Reconnect config.ReconnectConfig
	Crypto    config.CryptoConfig

	Logger *logger.Logger

	// OnConnect fires after every successful connection, initial and
	// reconnects alike.
	OnConnect func(s *socket.Socket)

	// OnDisconnect fires when the active connection closes, before any
	// reconnect is scheduled.
	OnDisconnect func(reason string)

	// OnError fires once per surfaced connection error.
	OnError func(err error)
}

// Client maintains one connection to a server, announcing a stable
// identity on every connect. Event handlers live on the client, not the
// connection, so they survive reconnects. All methods are safe for
// concurrent use.
type Client struct {
	cfg      Config
	endpoint string
	codec    *wire.Codec
	emitter  *socket.Emitter
	logger   *logger.Logger

	username string
	name     string

	mu     sync.RWMutex
	sock   *socket.Socket
	closed bool

	reconnector *Reconnector
}

// New creates a client. Call Connect to establish the first connection.
func New(cfg Config) (*Client, error) {
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

	username := cfg.Client.Username
	if username == "" {
		username = "client-" + types.GenerateID().Short()
	}

	c := &Client{
		cfg:      cfg,
		endpoint: endpoint,
		codec:    codec,
		emitter:  socket.NewEmitter(),
		logger:   log.With("component", "client", "endpoint", endpoint, "username", username),
		username: username,
		name:     cfg.Client.Name,
	}

	interval := cfg.Reconnect.Interval
	if interval <= 0 {
		interval = config.DefaultReconnectInterval
	}
	c.reconnector = NewReconnector(interval, cfg.Reconnect.MaxAttempts, c.dial, log)
	if !cfg.Reconnect.Enabled {
		c.reconnector.Disable()
	}

	return c, nil
}

// Username returns the identity announced to the server
func (c *Client) Username() string {
	return c.username
}

// Endpoint returns the resolved endpoint the client dials
func (c *Client) Endpoint() string {
	return c.endpoint
}

// Reconnector returns the reconnect controller
func (c *Client) Reconnector() *Reconnector {
	return c.reconnector
}

// On registers a handler for an event name. Registered handlers apply
// to the current connection and every future one.
func (c *Client) On(event string, handler socket.EventHandler) {
	c.emitter.On(event, handler)
}

// OnFunc registers a function handler for an event name
func (c *Client) OnFunc(event string, fn func(ctx context.Context, s *socket.Socket, msg types.Message) error) {
	c.emitter.OnFunc(event, fn)
}

// OnMessage registers a handler for the conventional "message" event
func (c *Client) OnMessage(fn func(ctx context.Context, s *socket.Socket, msg types.Message) error) {
	c.emitter.OnFunc(types.EventMessage, fn)
}

// Off removes all handlers for an event name
func (c *Client) Off(event string) {
	c.emitter.Off(event)
}

// Connect dials the server and announces the client's identity. A
// failed initial connect returns the error without scheduling retries;
// the reconnect controller only takes over for dropped connections.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.RLock()
	closed := c.closed
	connected := c.sock != nil
	c.mu.RUnlock()

	if closed {
		return types.NewError(types.ErrCodeClosed, "client is closed")
	}
	if connected {
		return types.NewError(types.ErrCodeInvalid, "client already connected")
	}

	// Arm the controller before dialing so a connection that drops as
	// soon as it is installed still schedules a retry.
	if c.cfg.Reconnect.Enabled {
		c.reconnector.Enable()
	}
	if err := c.dial(ctx); err != nil {
		return err
	}
	c.reconnector.NotifyConnected()
	return nil
}

// dial establishes one connection and performs the handshake. Each call
// uses a fresh connection ID under the same stable identity.
func (c *Client) dial(ctx context.Context) error {
	dialCtx := ctx
	if timeout := c.cfg.Transport.DialTimeout; timeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	conn, err := transport.Dial(dialCtx, c.endpoint)
	if err != nil {
		return err
	}

	meta := types.SocketMeta{
		ID:       types.GenerateID(),
		Username: c.username,
		Name:     c.name,
	}

	sock, err := socket.NewSocket(socket.Config{
		Meta:         meta,
		Conn:         conn,
		Codec:        c.codec,
		Emitter:      c.emitter,
		MaxFrameSize: c.cfg.Transport.MaxFrameSize,
		WriteTimeout: c.cfg.Client.WriteTimeout,
		Logger:       c.logger,
		OnClosed: func(s *socket.Socket, reason string) {
			c.handleClosed(s, reason)
		},
		OnError: func(s *socket.Socket, err error) {
			if c.cfg.OnError != nil {
				c.cfg.OnError(err)
			}
		},
	})
	if err != nil {
		conn.Close()
		return err
	}

	if err := sock.Start(); err != nil {
		sock.CloseWithError("start failed", err)
		return err
	}

	// Identity announcement must be the first frame on the connection
	if err := sock.Emit(types.EventHandshake, meta); err != nil {
		sock.CloseWithError("handshake failed", err)
		return err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		sock.CloseWithError("client is closed", nil)
		return types.NewError(types.ErrCodeClosed, "client is closed")
	}
	c.sock = sock
	c.mu.Unlock()

	// The peer can drop the connection while it is being installed,
	// with the close callback firing before the socket was current and
	// finding nothing to clean up. If teardown has started, wait it
	// out and run the cleanup it may have skipped; handleClosed is a
	// no-op when the callback already did it.
	if st := sock.State(); st == socket.StateClosing || st.IsTerminal() {
		<-sock.Done()
		c.handleClosed(sock, sock.CloseReason())
		return nil
	}

	if c.cfg.Heartbeat.Enabled {
		m := socket.NewMonitor(sock, c.cfg.Heartbeat.Interval, c.cfg.Heartbeat.Timeout)
		m.Start()
	}

	c.logger.Info("Connected", "socket_id", meta.ID.Short())

	if c.cfg.OnConnect != nil {
		c.cfg.OnConnect(sock)
	}
	return nil
}

// handleClosed reacts to the active connection closing
func (c *Client) handleClosed(s *socket.Socket, reason string) {
	c.mu.Lock()
	if c.sock != s {
		// A superseded connection from a previous attempt; ignore
		c.mu.Unlock()
		return
	}
	c.sock = nil
	closed := c.closed
	c.mu.Unlock()

	c.logger.Info("Disconnected", "reason", reason)

	if c.cfg.OnDisconnect != nil {
		c.cfg.OnDisconnect(reason)
	}

	// An evicted connection stays down: reconnecting would evict the
	// replacement and loop forever
	if !closed && reason != types.DisconnectReasonSuperseded {
		c.reconnector.NotifyDisconnected()
	}
}

// Connected returns true while a connection is established
func (c *Client) Connected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sock != nil && c.sock.Established()
}

// Socket returns the active connection, or nil when disconnected
func (c *Client) Socket() *socket.Socket {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sock
}

// Emit sends one event to the server over the active connection
func (c *Client) Emit(event string, data interface{}) error {
	c.mu.RLock()
	sock := c.sock
	c.mu.RUnlock()

	if sock == nil {
		return types.NewError(types.ErrCodeUnavailable, "not connected")
	}
	return sock.Emit(event, data)
}

// Disconnect closes the active connection on purpose: the reconnect
// controller is disabled first, so no reconnect follows. The client
// stays usable; a later Connect re-arms reconnects.
func (c *Client) Disconnect(reason string) error {
	c.reconnector.Disable()

	c.mu.Lock()
	sock := c.sock
	c.mu.Unlock()

	if sock == nil {
		return nil
	}
	return sock.Close(reason)
}

// Meta returns the identity metadata of the active connection, or the
// zero value when disconnected
func (c *Client) Meta() types.SocketMeta {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.sock == nil {
		return types.SocketMeta{}
	}
	return c.sock.Meta()
}

// Stats returns the active connection's frame counters, or the zero
// value when disconnected
func (c *Client) Stats() socket.Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.sock == nil {
		return socket.Stats{}
	}
	return c.sock.Stats()
}

// String returns a short debug representation
func (c *Client) String() string {
	return fmt.Sprintf("Client{username=%s, endpoint=%s, connected=%t}",
		c.username, c.endpoint, c.Connected())
}

// Close permanently shuts the client down: reconnects stop and the
// active connection closes with a disconnect notice.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	sock := c.sock
	c.mu.Unlock()

	c.reconnector.Disable()

	if sock != nil {
		return sock.Close("client closed")
	}
	return nil
}
