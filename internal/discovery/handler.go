package discovery

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/akri-sh/akri/internal/discoveryapi"
	"github.com/akri-sh/akri/internal/registry"
	"github.com/akri-sh/akri/internal/transport"
)

// dialTimeout bounds how long a connect probe to a handler endpoint may take
// before the attempt counts as a failure.
const dialTimeout = 10 * time.Second

// Stream is the receive surface of an open Discover call, satisfied both by
// the gRPC client stream of an external handler and by the channel adapter
// wrapped around an embedded one.
type Stream interface {
	Recv() (*discoveryapi.DiscoverResponse, error)
}

// EmbeddedHandler is a compiled-in Discovery Handler. Implementations send
// complete device snapshots on the returned channel until ctx is cancelled.
type EmbeddedHandler interface {
	Discover(ctx context.Context, req *discoveryapi.DiscoverRequest) (<-chan *discoveryapi.DiscoverResponse, error)
}

// handlerRef is the resolved variant behind a registry entry: either a
// compiled-in handler invoked in-process, or an external endpoint dialed
// fresh on every stream attempt. Operators treat both uniformly through
// openStream.
type handlerRef struct {
	entry    registry.Entry
	embedded EmbeddedHandler
}

// openStream opens a Discover stream against the referenced handler. The
// returned close func must be called once the stream is done with; for
// external handlers it tears down the underlying connection.
//
// No connection is ever cached across attempts: the endpoint is re-resolved
// and re-dialed each time, so a handler that restarted behind the same
// socket path is picked up transparently.
func (h *handlerRef) openStream(ctx context.Context, handlersDir string, req *discoveryapi.DiscoverRequest) (Stream, func(), error) {
	if h.embedded != nil {
		streamCtx, cancel := context.WithCancel(ctx)
		ch, err := h.embedded.Discover(streamCtx, req)
		if err != nil {
			cancel()
			return nil, nil, err
		}
		return &channelStream{ch: ch, ctx: streamCtx}, cancel, nil
	}

	conn, err := dialEndpoint(ctx, handlersDir, h.entry.Endpoint)
	if err != nil {
		return nil, nil, err
	}
	client := discoveryapi.NewDiscoveryClient(conn)
	stream, err := client.Discover(ctx, req, grpc.CallContentSubtype(discoveryapi.Codec))
	if err != nil {
		conn.Close()
		return nil, nil, err
	}
	return stream, func() { conn.Close() }, nil
}

// dialEndpoint connects to a handler endpoint. An endpoint of the form
// "host:port" (as registered by handlers running with POD_IP set) is dialed
// over TCP; anything else names a Unix socket, absolute or relative to the
// discovery-handlers directory.
func dialEndpoint(ctx context.Context, handlersDir, endpoint string) (*grpc.ClientConn, error) {
	if isTCPEndpoint(endpoint) {
		dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
		defer cancel()
		conn, err := grpc.DialContext(dialCtx, endpoint,
			grpc.WithTransportCredentials(insecure.NewCredentials()),
			grpc.WithBlock(),
		)
		if err != nil {
			return nil, fmt.Errorf("dialing handler endpoint %s: %w", endpoint, err)
		}
		return conn, nil
	}

	path := endpoint
	if !filepath.IsAbs(path) {
		path = filepath.Join(handlersDir, endpoint)
	}
	return transport.Dial(ctx, path, dialTimeout)
}

func isTCPEndpoint(endpoint string) bool {
	return !strings.Contains(endpoint, "/") && strings.Contains(endpoint, ":")
}

// channelStream adapts an embedded handler's response channel to the Stream
// interface.
type channelStream struct {
	ch  <-chan *discoveryapi.DiscoverResponse
	ctx context.Context
}

func (s *channelStream) Recv() (*discoveryapi.DiscoverResponse, error) {
	select {
	case <-s.ctx.Done():
		return nil, s.ctx.Err()
	case resp, ok := <-s.ch:
		if !ok {
			return nil, fmt.Errorf("embedded handler closed its stream")
		}
		return resp, nil
	}
}
