package registration

import (
	"context"
	"testing"

	"github.com/sirupsen/logrus"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/akri-sh/akri/internal/discoveryapi"
	"github.com/akri-sh/akri/internal/registry"
)

func testServer(t *testing.T) (*Server, *registry.Registry) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	reg := registry.New(ctx)
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	return NewServer(reg, "/tmp/agent-registration.sock", log), reg
}

func TestRegisterValidatesInput(t *testing.T) {
	s, _ := testServer(t)
	cases := []*discoveryapi.RegisterRequest{
		{Protocol: "", Endpoint: "udev.sock"},
		{Protocol: "udev", Endpoint: ""},
	}
	for _, req := range cases {
		_, err := s.Register(context.Background(), req)
		if status.Code(err) != codes.InvalidArgument {
			t.Errorf("Register(%+v): got %v, want InvalidArgument", req, err)
		}
	}
}

func TestRegisterPublishesToRegistry(t *testing.T) {
	s, reg := testServer(t)
	_, err := s.Register(context.Background(), &discoveryapi.RegisterRequest{
		Protocol: "udev", Endpoint: "udev.sock", IsLocal: true,
	})
	if err != nil {
		t.Fatal(err)
	}

	entry, ok := reg.Select("udev")
	if !ok {
		t.Fatal("registered handler not selectable")
	}
	if entry.Endpoint != "udev.sock" || !entry.IsLocal {
		t.Errorf("entry = %+v, want udev.sock/isLocal", entry)
	}
}

func TestRegisterIsIdempotent(t *testing.T) {
	s, reg := testServer(t)
	req := &discoveryapi.RegisterRequest{Protocol: "udev", Endpoint: "udev.sock", IsLocal: true}
	for i := 0; i < 2; i++ {
		if _, err := s.Register(context.Background(), req); err != nil {
			t.Fatalf("call %d: %v", i+1, err)
		}
	}
	if entries := reg.List("udev"); len(entries) != 1 {
		t.Fatalf("got %d entries after double registration, want 1", len(entries))
	}
}

func TestRegisterLocalityChangeIsFailedPrecondition(t *testing.T) {
	s, _ := testServer(t)
	if _, err := s.Register(context.Background(), &discoveryapi.RegisterRequest{
		Protocol: "udev", Endpoint: "udev.sock", IsLocal: true,
	}); err != nil {
		t.Fatal(err)
	}

	_, err := s.Register(context.Background(), &discoveryapi.RegisterRequest{
		Protocol: "udev", Endpoint: "udev.sock", IsLocal: false,
	})
	if status.Code(err) != codes.FailedPrecondition {
		t.Fatalf("locality flip: got %v, want FailedPrecondition", err)
	}
}
