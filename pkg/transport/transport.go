package transport

import (
	"context"
	"net"
)

// DialFunc opens a duplex byte stream to a named local endpoint. The
// server and client take one of these so tests can substitute an
// in-memory pipe for the platform transport.
type DialFunc func(ctx context.Context, endpoint string) (net.Conn, error)

// ListenFunc opens a listener on a named local endpoint
type ListenFunc func(endpoint string) (net.Listener, error)

// DefaultPrefix namespaces endpoint names on the shared platform
// namespace (socket directory or pipe namespace)
const DefaultPrefix = "sockbus."

// Endpoint resolves a logical endpoint name to a platform address: a
// socket path under dir (or the OS temp directory) on Unix-likes, a named
// pipe path on Windows. Resolution is a fixed naming rule; anything
// smarter belongs to the caller.
func Endpoint(name, dir string) string {
	return endpoint(name, dir)
}
