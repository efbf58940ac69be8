// Package akrierror implements the error taxonomy of the discovery operator
// and property solver: each member carries enough structure for
// errors.As-based branching and for condition.Reason on the owning CR's
// status.
package akrierror

import "fmt"

// InvalidDiscoveryDetails means the Configuration itself is malformed
// (duplicate property names, capacity < 1, ...). The operator halts this
// Configuration and does not retry until the spec changes.
type InvalidDiscoveryDetails struct {
	Configuration string
	Reason        string
}

func (e *InvalidDiscoveryDetails) Error() string {
	return fmt.Sprintf("invalid discoveryDetails for Configuration %s: %s", e.Configuration, e.Reason)
}

// UnavailableDiscoveryHandler means no registered endpoint serves the named
// protocol. Retried with back-off.
type UnavailableDiscoveryHandler struct {
	Name string
}

func (e *UnavailableDiscoveryHandler) Error() string {
	return fmt.Sprintf("no Discovery Handler registered for protocol %q", e.Name)
}

// UnsolvableProperty means a discoveryProperties entry's referenced Secret
// or ConfigMap key could not be resolved. Retried on relevant object update.
type UnsolvableProperty struct {
	Kind     string // "Secret" or "ConfigMap"
	Name     string
	Key      string
	Property string
}

func (e *UnsolvableProperty) Error() string {
	return fmt.Sprintf("property %q: %s %s has no key %q", e.Property, e.Kind, e.Name, e.Key)
}

// NoHandler is transient during startup, before any handler for the
// Configuration's protocol has registered at all.
type NoHandler struct {
	Name string
}

func (e *NoHandler) Error() string {
	return fmt.Sprintf("no Discovery Handler for protocol %q has registered yet", e.Name)
}

// KubeError is a transparent pass-through of an API server error, retried
// with jitter by the caller.
type KubeError struct {
	Op  string
	Err error
}

func (e *KubeError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *KubeError) Unwrap() error {
	return e.Err
}
