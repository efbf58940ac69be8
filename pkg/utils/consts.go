package utils

const (
	// AgentRegistrationSocket is where out-of-process Discovery Handlers
	// reach the Agent's registration server, inside the discovery-handlers
	// directory bind-mounted into handler containers.
	AgentRegistrationSocket = "agent-registration.sock"

	// DefaultDiscoveryHandlersDirectory holds the registration socket and
	// every handler's own socket.
	DefaultDiscoveryHandlersDirectory = "/var/lib/akri"

	// DefaultKubeletSocketDirectory is the kubelet device-plugin directory
	// the per-Instance plugin sockets live in.
	DefaultKubeletSocketDirectory = "/var/lib/kubelet/device-plugins"

	// KubeletSocketName is the kubelet's own registration socket inside the
	// device-plugin directory.
	KubeletSocketName = "kubelet.sock"

	// DefaultContainerRuntimeEndpoint is the CRI socket the slot reconciler
	// queries for running containers.
	DefaultContainerRuntimeEndpoint = "/run/containerd/containerd.sock"

	// DefaultSlotGracePeriodSecs paces slot-reconciliation sweeps.
	DefaultSlotGracePeriodSecs = 300

	// MetricsPort serves GET /metrics on both the Agent and the Controller.
	MetricsPort = 8080
)
