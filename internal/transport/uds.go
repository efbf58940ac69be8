// Package transport provides gRPC-over-Unix-domain-socket glue shared by the
// registration server, the Discovery Handler clients, and the device-plugin
// kubelet registration path.
package transport

import (
	"context"
	"fmt"
	"net"
	"os"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// dialer forces grpc.DialContext down a Unix domain socket regardless of the
// "unix://" scheme being present in addr, mirroring the dialer kubelet uses
// to reach device-plugin sockets.
func dialer(ctx context.Context, addr string) (net.Conn, error) {
	var d net.Dialer
	return d.DialContext(ctx, "unix", addr)
}

// Dial opens a gRPC client connection to a Unix domain socket at path,
// waiting up to timeout for the connection to become ready.
func Dial(ctx context.Context, path string, timeout time.Duration) (*grpc.ClientConn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	conn, err := grpc.DialContext(
		dialCtx,
		path,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithContextDialer(dialer),
		grpc.WithBlock(),
	)
	if err != nil {
		return nil, fmt.Errorf("dialing unix socket %s: %w", path, err)
	}
	return conn, nil
}

// Listen binds a net.Listener to a Unix domain socket at path, removing any
// stale socket file left behind by a previous process (sockets do not
// survive process restart).
func Listen(path string) (net.Listener, error) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("removing stale socket %s: %w", path, err)
	}
	lis, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("listening on unix socket %s: %w", path, err)
	}
	return lis, nil
}
