// Package registration implements the Agent's registration server: a gRPC
// server over a Unix domain socket that out-of-process
// Discovery Handlers call once at startup to announce themselves.
package registration

import (
	"context"

	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/akri-sh/akri/internal/discoveryapi"
	"github.com/akri-sh/akri/internal/registry"
	"github.com/akri-sh/akri/internal/transport"
)

// Server implements discoveryapi.RegistrationServer.
type Server struct {
	registry   *registry.Registry
	socketPath string
	log        logrus.FieldLogger

	grpcServer *grpc.Server
}

// NewServer returns a registration server that will publish registrations
// to reg and listen on socketPath once Run is called.
func NewServer(reg *registry.Registry, socketPath string, log logrus.FieldLogger) *Server {
	return &Server{registry: reg, socketPath: socketPath, log: log.WithField("component", "registration")}
}

// Run listens on the registration socket and serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	lis, err := transport.Listen(s.socketPath)
	if err != nil {
		return err
	}

	s.grpcServer = grpc.NewServer()
	discoveryapi.RegisterRegistrationServer(s.grpcServer, s)

	errCh := make(chan error, 1)
	go func() {
		s.log.Infof("registration server listening on %s", s.socketPath)
		errCh <- s.grpcServer.Serve(lis)
	}()

	select {
	case <-ctx.Done():
		s.grpcServer.GracefulStop()
		return nil
	case err := <-errCh:
		return err
	}
}

// Register validates and records a Discovery Handler's announcement. It is
// idempotent: re-registering the same (protocol, endpoint, isLocal) refreshes
// liveness only. Re-registering an endpoint with a different isLocal fails
// with FailedPrecondition — locality is immutable for the endpoint's
// lifetime.
func (s *Server) Register(ctx context.Context, req *discoveryapi.RegisterRequest) (*discoveryapi.Empty, error) {
	if req.Protocol == "" || req.Endpoint == "" {
		return nil, status.Error(codes.InvalidArgument, "protocol and endpoint are required")
	}

	if err := s.registry.Register(req.Protocol, req.Endpoint, req.IsLocal); err != nil {
		if _, ok := err.(*registry.LocalityConflictError); ok {
			return nil, status.Error(codes.FailedPrecondition, err.Error())
		}
		return nil, status.Errorf(codes.Internal, "registering endpoint: %v", err)
	}

	s.log.Infof("registered discovery handler protocol=%s endpoint=%s isLocal=%v", req.Protocol, req.Endpoint, req.IsLocal)
	return &discoveryapi.Empty{}, nil
}
