// Package registry implements the Discovery Handler registry: a map of
// protocol -> registered endpoints, a selection policy that prefers
// node-local endpoints, and liveness tracking that retires an endpoint after
// repeated stream failures.
//
// The map itself is never exposed to callers: a single goroutine owns it and
// serves every operation as a closure sent over a channel, so
// Register/List/MarkOffline are all serialized without an explicit mutex.
package registry

import (
	"context"
	"fmt"

	"github.com/akri-sh/akri/core/cimap"
)

// State is the liveness of a registered handler endpoint.
type State string

const (
	// HasClient means the endpoint has an open, healthy Discover stream.
	HasClient State = "HasClient"
	// Offline means the endpoint's last stream attempt failed.
	Offline State = "Offline"
	// Unused means the endpoint is registered but no operator has selected
	// it yet.
	Unused State = "Unused"
)

// maxConsecutiveFailures is the number of consecutive MarkOffline calls an
// endpoint tolerates before it is purged from the registry.
const maxConsecutiveFailures = 3

// subscriberBuffer is the bounded fan-out channel capacity for
// new-handler notifications.
const subscriberBuffer = 15

// EmbeddedEndpoint is the reserved endpoint name compiled-in handlers
// register under.
const EmbeddedEndpoint = "embedded"

// Entry describes one registered (protocol, endpoint) pair.
type Entry struct {
	Protocol string
	Endpoint string
	IsLocal  bool
	State    State
}

// LocalityConflictError is returned by Register when an endpoint tries to
// re-register with a different IsLocal than it was first seen with.
// Locality is immutable for the lifetime of an endpoint: the check compares
// the incoming value against what is stored.
type LocalityConflictError struct {
	Endpoint string
	Stored   bool
	Incoming bool
}

func (e *LocalityConflictError) Error() string {
	return fmt.Sprintf("endpoint %s already registered with isLocal=%v, cannot re-register as isLocal=%v", e.Endpoint, e.Stored, e.Incoming)
}

type entry struct {
	Entry
	consecutiveFailures int
}

type request struct {
	run func(state *state)
}

// state is the registry's internal state, touched only by the owner
// goroutine started in New.
type state struct {
	byProtocol  map[string]*cimap.Map[*entry]
	subscribers []chan string
}

// Registry is a handle to the owner goroutine; all methods are safe for
// concurrent use.
type Registry struct {
	requests chan request
}

// New starts the owner goroutine and returns a Registry handle. The
// goroutine exits when ctx is cancelled.
func New(ctx context.Context) *Registry {
	r := &Registry{requests: make(chan request)}
	s := &state{byProtocol: make(map[string]*cimap.Map[*entry])}
	go r.run(ctx, s)
	return r
}

func (r *Registry) run(ctx context.Context, s *state) {
	for {
		select {
		case <-ctx.Done():
			return
		case req := <-r.requests:
			req.run(s)
		}
	}
}

func (r *Registry) call(f func(*state)) {
	done := make(chan struct{})
	r.requests <- request{run: func(s *state) {
		f(s)
		close(done)
	}}
	<-done
}

func protocolMap(s *state, protocol string) *cimap.Map[*entry] {
	m, ok := s.byProtocol[protocol]
	if !ok {
		m = &cimap.Map[*entry]{}
		s.byProtocol[protocol] = m
	}
	return m
}

// Register inserts or refreshes a (protocol, endpoint) registration.
// Re-registering with the same isLocal is an idempotent no-op beyond
// resetting its failure count. Re-registering with a different isLocal than
// was originally recorded fails with LocalityConflictError.
func (r *Registry) Register(protocol, endpoint string, isLocal bool) error {
	var err error
	r.call(func(s *state) {
		m := protocolMap(s, protocol)
		if existing, ok := m.Get(endpoint); ok {
			if existing.IsLocal != isLocal {
				err = &LocalityConflictError{Endpoint: endpoint, Stored: existing.IsLocal, Incoming: isLocal}
				return
			}
			existing.consecutiveFailures = 0
			if existing.State == Offline {
				existing.State = Unused
			}
			return
		}
		m.Set(endpoint, &entry{
			Entry: Entry{Protocol: protocol, Endpoint: endpoint, IsLocal: isLocal, State: Unused},
		})
		notify(s, protocol)
	})
	return err
}

// RegisterEmbedded registers a compiled-in Discovery Handler under the
// reserved "embedded" endpoint.
func (r *Registry) RegisterEmbedded(protocol string) error {
	return r.Register(protocol, EmbeddedEndpoint, true)
}

func notify(s *state, protocol string) {
	for _, ch := range s.subscribers {
		select {
		case ch <- protocol:
		default:
			// Bounded fan-out: a slow subscriber misses a wakeup but will
			// still see the endpoint on its next List call.
		}
	}
}

// List returns every entry registered for protocol, local endpoints first,
// then ordered by endpoint.
func (r *Registry) List(protocol string) []Entry {
	var out []Entry
	r.call(func(s *state) {
		m, ok := s.byProtocol[protocol]
		if !ok {
			return
		}
		m.Range(func(_ string, e *entry) bool {
			out = append(out, e.Entry)
			return true
		})
	})
	sortLocalFirst(out)
	return out
}

func sortLocalFirst(entries []Entry) {
	// Small N (handler endpoints per protocol is rarely more than a
	// handful); a stable insertion sort avoids importing sort for one call
	// site's worth of benefit while keeping the result deterministic: ties in
	// locality are ordered by endpoint, not by map iteration order.
	before := func(a, b Entry) bool {
		if a.IsLocal != b.IsLocal {
			return a.IsLocal
		}
		return a.Endpoint < b.Endpoint
	}
	for i := 1; i < len(entries); i++ {
		for j := i; j > 0 && before(entries[j], entries[j-1]); j-- {
			entries[j-1], entries[j] = entries[j], entries[j-1]
		}
	}
}

// Select returns the first eligible endpoint for protocol: prefer isLocal
// endpoints, among those prefer the first whose state is not Offline.
func (r *Registry) Select(protocol string) (Entry, bool) {
	candidates := r.List(protocol)
	for _, e := range candidates {
		if e.State != Offline {
			return e, true
		}
	}
	return Entry{}, false
}

// MarkOffline transitions endpoint's state for every protocol it is
// registered under. After maxConsecutiveFailures consecutive calls without
// an intervening Register, the endpoint is purged.
func (r *Registry) MarkOffline(endpoint string) {
	r.call(func(s *state) {
		for _, m := range s.byProtocol {
			e, ok := m.Get(endpoint)
			if !ok {
				continue
			}
			e.consecutiveFailures++
			e.State = Offline
			if e.consecutiveFailures >= maxConsecutiveFailures {
				m.Delete(endpoint)
			}
		}
	})
}

// MarkHealthy transitions endpoint to HasClient, e.g. once its Discover
// stream has successfully opened.
func (r *Registry) MarkHealthy(endpoint string) {
	r.call(func(s *state) {
		for _, m := range s.byProtocol {
			if e, ok := m.Get(endpoint); ok {
				e.State = HasClient
				e.consecutiveFailures = 0
			}
		}
	})
}

// Subscribe returns a channel that receives the protocol name every time a
// new endpoint registers for it, so a SELECTING operator can wake early
// instead of waiting out its full back-off.
func (r *Registry) Subscribe() <-chan string {
	ch := make(chan string, subscriberBuffer)
	r.call(func(s *state) {
		s.subscribers = append(s.subscribers, ch)
	})
	return ch
}
