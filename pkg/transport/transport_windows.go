//go:build windows

package transport

import (
	"context"
	"net"

	"github.com/Microsoft/go-winio"

	"github.com/sockbus/sockbus/pkg/types"
)

const pipePrefix = `\\.\pipe\`

func endpoint(name, dir string) string {
	// Named pipes live in a flat namespace; dir does not apply
	return pipePrefix + DefaultPrefix + name
}

// Listen binds a named pipe at the endpoint path. Pipe names are
// reclaimed by the OS when the last handle closes, so no stale-file
// handling is needed.
func Listen(endpoint string) (net.Listener, error) {
	listener, err := winio.ListenPipe(endpoint, nil)
	if err != nil {
		return nil, types.WrapError(types.ErrCodeTransport, "failed to listen on pipe", err)
	}
	return listener, nil
}

// Dial connects to a named pipe at the endpoint path
func Dial(ctx context.Context, endpoint string) (net.Conn, error) {
	conn, err := winio.DialPipeContext(ctx, endpoint)
	if err != nil {
		return nil, types.WrapError(types.ErrCodeTransport, "failed to dial pipe", err)
	}
	return conn, nil
}
