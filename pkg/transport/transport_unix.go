//go:build !windows

package transport

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"

	"github.com/sockbus/sockbus/pkg/types"
)

func endpoint(name, dir string) string {
	if dir == "" {
		dir = os.TempDir()
	}
	return filepath.Join(dir, DefaultPrefix+name)
}

// Listen binds a Unix domain socket at the endpoint path. A stale socket
// file left by a dead process is removed first; anything else occupying
// the path is refused rather than deleted.
func Listen(endpoint string) (net.Listener, error) {
	if fi, err := os.Lstat(endpoint); err != nil {
		if !os.IsNotExist(err) {
			return nil, types.WrapError(types.ErrCodeTransport, "failed to stat socket path", err)
		}
	} else {
		mode := fi.Mode()
		if mode&os.ModeSocket != 0 || mode.IsRegular() {
			if err := os.Remove(endpoint); err != nil {
				return nil, types.WrapError(types.ErrCodeTransport, "failed to remove stale socket file", err)
			}
		} else {
			return nil, types.NewError(types.ErrCodeTransport,
				fmt.Sprintf("socket path occupied by %v; refusing to remove", mode))
		}
	}

	listener, err := net.Listen("unix", endpoint)
	if err != nil {
		return nil, types.WrapError(types.ErrCodeTransport, "failed to listen on socket", err)
	}

	// Same-machine IPC only; keep the socket private to the owner
	if err := os.Chmod(endpoint, 0600); err != nil {
		listener.Close()
		return nil, types.WrapError(types.ErrCodeTransport, "failed to set socket permissions", err)
	}

	return listener, nil
}

// Dial connects to a Unix domain socket at the endpoint path
func Dial(ctx context.Context, endpoint string) (net.Conn, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", endpoint)
	if err != nil {
		return nil, types.WrapError(types.ErrCodeTransport, "failed to dial socket", err)
	}
	return conn, nil
}
