package registry

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/sockbus/sockbus/internal/logger"
	"github.com/sockbus/sockbus/pkg/socket"
	"github.com/sockbus/sockbus/pkg/types"
)

// SupersededReason is the close reason handed to a connection evicted by
// a newer connection for the same identity.
const SupersededReason = types.DisconnectReasonSuperseded

// Registry maps client identities to their live sockets. One identity
// holds at most one socket: registering an identity that is already
// present evicts the old socket. All methods are safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	sockets map[string]*socket.Socket
	logger  *logger.Logger
	closed  bool
}

// New creates an empty registry
func New(log *logger.Logger) *Registry {
	if log == nil {
		log = logger.Global()
	}
	return &Registry{
		sockets: make(map[string]*socket.Socket),
		logger:  log.With("component", "registry"),
	}
}

// Register binds a socket to an identity and returns the socket it
// evicted, if any. If the identity already has a live socket, the old
// one is closed with SupersededReason and replaced; the swap is atomic,
// so no two sockets are ever registered for the same identity at once.
func (r *Registry) Register(identity string, s *socket.Socket) (*socket.Socket, error) {
	if identity == "" {
		return nil, types.NewError(types.ErrCodeInvalidArgument, "identity is required")
	}
	if s == nil {
		return nil, types.NewError(types.ErrCodeInvalidArgument, "socket is required")
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, types.NewError(types.ErrCodeUnavailable, "registry is closed")
	}
	evicted := r.sockets[identity]
	r.sockets[identity] = s
	r.mu.Unlock()

	if evicted == s {
		return nil, nil
	}

	// Closing can fire callbacks that re-enter the registry, so it runs
	// outside the lock. CloseAsync sends the notice and starts teardown
	// without waiting for the socket to drain, so eviction has begun by
	// the time Register returns.
	if evicted != nil {
		r.logger.Info("Evicting superseded connection",
			"identity", identity,
			"old_socket", evicted.ID().String(),
			"new_socket", s.ID().String())
		evicted.CloseAsync(SupersededReason)
	}

	r.logger.Debug("Socket registered", "identity", identity, "socket", s.ID().String())
	return evicted, nil
}

// Unregister removes the binding for an identity, but only while the
// given socket still owns it. A stale unregister from an evicted socket
// arriving after its replacement registered is a no-op. Returns true
// when a binding was removed.
func (r *Registry) Unregister(identity string, s *socket.Socket) bool {
	r.mu.Lock()
	current, ok := r.sockets[identity]
	removed := ok && current == s
	if removed {
		delete(r.sockets, identity)
	}
	r.mu.Unlock()

	if removed {
		r.logger.Debug("Socket unregistered", "identity", identity)
	}
	return removed
}

// Lookup returns the live socket for an identity
func (r *Registry) Lookup(identity string) (*socket.Socket, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sockets[identity]
	return s, ok
}

// Identities returns the currently registered identities, sorted
func (r *Registry) Identities() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.sockets))
	for identity := range r.sockets {
		ids = append(ids, identity)
	}
	sort.Strings(ids)
	return ids
}

// Count returns the number of registered sockets
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sockets)
}

// Sockets returns a snapshot of the registered sockets
func (r *Registry) Sockets() []*socket.Socket {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*socket.Socket, 0, len(r.sockets))
	for _, s := range r.sockets {
		out = append(out, s)
	}
	return out
}

// Broadcast emits one event to every registered socket except the
// excluded identity and returns the delivered count. Delivery is
// attempted on all recipients even when some fail; failures are
// aggregated into one PARTIAL_FAILURE error.
func (r *Registry) Broadcast(event string, data interface{}, excludeIdentity string) (int, error) {
	msg, err := types.NewMessage(event, data)
	if err != nil {
		return 0, err
	}

	// Snapshot under the lock, emit outside it: a slow or failing write
	// must not block registration traffic
	r.mu.RLock()
	type target struct {
		identity string
		socket   *socket.Socket
	}
	targets := make([]target, 0, len(r.sockets))
	for identity, s := range r.sockets {
		if identity == excludeIdentity {
			continue
		}
		targets = append(targets, target{identity: identity, socket: s})
	}
	r.mu.RUnlock()

	var failures []string
	delivered := 0
	for _, tg := range targets {
		if err := tg.socket.EmitMessage(msg); err != nil {
			failures = append(failures, fmt.Sprintf("%s: %v", tg.identity, err))
			continue
		}
		delivered++
	}

	if len(failures) > 0 {
		return delivered, types.NewError(types.ErrCodePartialFailure,
			fmt.Sprintf("broadcast failed for %d of %d recipients: %s",
				len(failures), len(targets), strings.Join(failures, "; ")))
	}
	return delivered, nil
}

// CloseAll closes every registered socket with the given reason and
// empties the registry. The registry accepts no further registrations.
func (r *Registry) CloseAll(reason string) {
	r.mu.Lock()
	sockets := make([]*socket.Socket, 0, len(r.sockets))
	for _, s := range r.sockets {
		sockets = append(sockets, s)
	}
	r.sockets = make(map[string]*socket.Socket)
	r.closed = true
	r.mu.Unlock()

	var wg sync.WaitGroup
	for _, s := range sockets {
		wg.Add(1)
		go func(s *socket.Socket) {
			defer wg.Done()
			_ = s.Close(reason)
		}(s)
	}
	wg.Wait()

	r.logger.Info("Registry closed", "evicted", len(sockets))
}
