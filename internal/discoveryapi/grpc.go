package discoveryapi

import (
	"context"

	"google.golang.org/grpc"
)

const (
	registrationServiceName = "akri.discovery.v1.Registration"
	discoveryServiceName    = "akri.discovery.v1.Discovery"
)

// RegistrationClient is the client API for the Registration service.
type RegistrationClient interface {
	Register(ctx context.Context, in *RegisterRequest, opts ...grpc.CallOption) (*Empty, error)
}

type registrationClient struct {
	cc grpc.ClientConnInterface
}

// NewRegistrationClient returns a RegistrationClient over cc. Callers must
// pass grpc.CallContentSubtype(discoveryapi.Codec) so the server selects the
// matching codec.
func NewRegistrationClient(cc grpc.ClientConnInterface) RegistrationClient {
	return &registrationClient{cc}
}

func (c *registrationClient) Register(ctx context.Context, in *RegisterRequest, opts ...grpc.CallOption) (*Empty, error) {
	out := new(Empty)
	if err := c.cc.Invoke(ctx, "/"+registrationServiceName+"/Register", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// RegistrationServer is the server API for the Registration service.
type RegistrationServer interface {
	Register(context.Context, *RegisterRequest) (*Empty, error)
}

func registrationRegisterHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(RegisterRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(RegistrationServer).Register(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + registrationServiceName + "/Register"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(RegistrationServer).Register(ctx, req.(*RegisterRequest))
	}
	return interceptor(ctx, in, info, handler)
}

// RegistrationServiceDesc mirrors the ServiceDesc protoc-gen-go-grpc would
// emit for the Registration service.
var RegistrationServiceDesc = grpc.ServiceDesc{
	ServiceName: registrationServiceName,
	HandlerType: (*RegistrationServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Register", Handler: registrationRegisterHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "akri/discovery.proto",
}

// RegisterRegistrationServer registers srv to handle Registration RPCs on s.
func RegisterRegistrationServer(s grpc.ServiceRegistrar, srv RegistrationServer) {
	s.RegisterService(&RegistrationServiceDesc, srv)
}

// DiscoveryClient is the client API for the Discovery service.
type DiscoveryClient interface {
	Discover(ctx context.Context, in *DiscoverRequest, opts ...grpc.CallOption) (Discovery_DiscoverClient, error)
}

type discoveryClient struct {
	cc grpc.ClientConnInterface
}

// NewDiscoveryClient returns a DiscoveryClient over cc.
func NewDiscoveryClient(cc grpc.ClientConnInterface) DiscoveryClient {
	return &discoveryClient{cc}
}

func (c *discoveryClient) Discover(ctx context.Context, in *DiscoverRequest, opts ...grpc.CallOption) (Discovery_DiscoverClient, error) {
	stream, err := c.cc.NewStream(ctx, &discoveryDiscoverStreamDesc, "/"+discoveryServiceName+"/Discover", opts...)
	if err != nil {
		return nil, err
	}
	x := &discoveryDiscoverClient{stream}
	if err := x.ClientStream.SendMsg(in); err != nil {
		return nil, err
	}
	if err := x.ClientStream.CloseSend(); err != nil {
		return nil, err
	}
	return x, nil
}

// Discovery_DiscoverClient is the stream returned by Discover.
type Discovery_DiscoverClient interface {
	Recv() (*DiscoverResponse, error)
	grpc.ClientStream
}

type discoveryDiscoverClient struct {
	grpc.ClientStream
}

func (x *discoveryDiscoverClient) Recv() (*DiscoverResponse, error) {
	m := new(DiscoverResponse)
	if err := x.ClientStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

// DiscoveryServer is the server API for the Discovery service.
type DiscoveryServer interface {
	Discover(*DiscoverRequest, Discovery_DiscoverServer) error
}

// Discovery_DiscoverServer is the stream passed to DiscoveryServer.Discover.
type Discovery_DiscoverServer interface {
	Send(*DiscoverResponse) error
	grpc.ServerStream
}

type discoveryDiscoverServer struct {
	grpc.ServerStream
}

func (x *discoveryDiscoverServer) Send(m *DiscoverResponse) error {
	return x.ServerStream.SendMsg(m)
}

func discoveryDiscoverHandler(srv any, stream grpc.ServerStream) error {
	in := new(DiscoverRequest)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(DiscoveryServer).Discover(in, &discoveryDiscoverServer{stream})
}

var discoveryDiscoverStreamDesc = grpc.StreamDesc{
	StreamName:    "Discover",
	Handler:       discoveryDiscoverHandler,
	ServerStreams: true,
}

// DiscoveryServiceDesc mirrors the ServiceDesc protoc-gen-go-grpc would emit
// for the Discovery service.
var DiscoveryServiceDesc = grpc.ServiceDesc{
	ServiceName: discoveryServiceName,
	HandlerType: (*DiscoveryServer)(nil),
	Methods:     []grpc.MethodDesc{},
	Streams:     []grpc.StreamDesc{discoveryDiscoverStreamDesc},
	Metadata:    "akri/discovery.proto",
}

// RegisterDiscoveryServer registers srv to handle Discovery RPCs on s.
func RegisterDiscoveryServer(s grpc.ServiceRegistrar, srv DiscoveryServer) {
	s.RegisterService(&DiscoveryServiceDesc, srv)
}
