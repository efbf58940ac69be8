// Package discovery implements the per-Configuration discovery operator: it
// selects a Discovery Handler from the registry, consumes its device stream,
// and converges the set of Instance CRs on the API server with what the
// handler reports, publishing each snapshot to the device-plugin layer.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	kerrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/client"

	"github.com/akri-sh/akri/api"
	"github.com/akri-sh/akri/api/v1alpha1"
	"github.com/akri-sh/akri/core/akrierror"
	"github.com/akri-sh/akri/core/metrics"
	"github.com/akri-sh/akri/internal/discoveryapi"
	"github.com/akri-sh/akri/internal/properties"
	"github.com/akri-sh/akri/internal/registry"
)

const (
	// maxInstanceUpdateTries bounds the optimistic-concurrency retry loop on
	// every Instance write.
	maxInstanceUpdateTries = 5

	// noHandlerBackoff is how long the operator sleeps between handler
	// selection attempts when no endpoint is registered, unless a new
	// registration wakes it early.
	noHandlerBackoff = 10 * time.Second

	// resettleWindow is the hysteresis applied to device removal: a device
	// that disappears and reappears within this window is treated as kept,
	// so a handler reconnect does not churn Instances.
	resettleWindow = 5 * time.Second

	// removalFlushInterval is how often pending removals are re-examined
	// while the stream is otherwise quiet.
	removalFlushInterval = time.Second

	// conflictJitterMax is the upper bound of the random sleep between
	// conflicting Instance writes.
	conflictJitterMax = 200 * time.Millisecond
)

// Snapshot is the operator's published view of the devices currently
// discovered for its Configuration, keyed by Instance name.
type Snapshot struct {
	Configuration string
	Shared        bool
	Devices       map[string]discoveryapi.Device
}

// Operator drives discovery for a single Configuration. Exactly one Operator
// runs per Configuration name at a time; the config watcher guarantees the
// previous one has exited before starting a replacement.
type Operator struct {
	nodeName    string
	handlersDir string
	kube        client.Client
	registry    *registry.Registry
	solver      *properties.Solver
	metrics     *metrics.Registry
	embedded    map[string]EmbeddedHandler
	log         logrus.FieldLogger

	spec        atomic.Pointer[v1alpha1.Configuration]
	specChanged chan struct{}
	updates     chan Snapshot

	// lastSeen and pendingRemoval are touched only by the Run goroutine.
	lastSeen       map[string]discoveryapi.Device
	pendingRemoval map[string]time.Time
	lastResponseAt time.Time
}

// NewOperator returns an Operator for cfg. Call Run to start it and
// UpdateSpec on every Configuration mutation.
func NewOperator(nodeName, handlersDir string, kube client.Client, reg *registry.Registry, solver *properties.Solver, m *metrics.Registry, embedded map[string]EmbeddedHandler, cfg *v1alpha1.Configuration, log logrus.FieldLogger) *Operator {
	o := &Operator{
		nodeName:       nodeName,
		handlersDir:    handlersDir,
		kube:           kube,
		registry:       reg,
		solver:         solver,
		metrics:        m,
		embedded:       embedded,
		log:            log.WithField("configuration", cfg.Name),
		specChanged:    make(chan struct{}, 1),
		updates:        make(chan Snapshot, 1),
		lastSeen:       make(map[string]discoveryapi.Device),
		pendingRemoval: make(map[string]time.Time),
	}
	o.spec.Store(cfg)
	return o
}

// UpdateSpec atomically swaps in a new Configuration spec and wakes the
// operator if it is waiting out a back-off.
func (o *Operator) UpdateSpec(cfg *v1alpha1.Configuration) {
	o.spec.Store(cfg)
	select {
	case o.specChanged <- struct{}{}:
	default:
	}
}

// Watch returns the channel on which the operator publishes device
// snapshots. Only the latest value matters; a slow consumer sees stale
// snapshots replaced, never a backlog.
func (o *Operator) Watch() <-chan Snapshot {
	return o.updates
}

func (o *Operator) publish(shared bool) {
	cfg := o.spec.Load()
	devices := make(map[string]discoveryapi.Device, len(o.lastSeen))
	for name, d := range o.lastSeen {
		devices[name] = d
	}
	snap := Snapshot{Configuration: cfg.Name, Shared: shared, Devices: devices}
	for {
		select {
		case o.updates <- snap:
			return
		default:
			// Drop the stale snapshot, then retry.
			select {
			case <-o.updates:
			default:
			}
		}
	}
}

// Run executes the operator's selection/streaming loop until ctx is
// cancelled. It never returns a handler error: failures feed the metrics and
// the Configuration's status conditions, then the loop re-selects.
func (o *Operator) Run(ctx context.Context) error {
	wakeup := o.registry.Subscribe()
	for {
		if ctx.Err() != nil {
			return nil
		}
		cfg := o.spec.Load()

		if err := validateSpec(cfg); err != nil {
			// A malformed Configuration is not retried: wait for the spec to
			// change.
			o.log.WithError(err).Error("configuration is invalid, halting discovery until it changes")
			o.setCondition(ctx, api.Conditions().NotReady().Reason(api.ReasonInvalidDiscoveryDetails).Msg(err.Error()).Build())
			select {
			case <-ctx.Done():
				return nil
			case <-o.specChanged:
			}
			continue
		}

		solved, err := o.solver.Solve(ctx, cfg.Namespace, cfg.Name, cfg.Generation, cfg.Spec.DiscoveryProperties)
		if err != nil {
			o.handleSolveError(ctx, err)
			var invalid *akrierror.InvalidDiscoveryDetails
			if errors.As(err, &invalid) {
				// Malformed discoveryProperties are not retried either.
				select {
				case <-ctx.Done():
					return nil
				case <-o.specChanged:
				}
				continue
			}
			if !o.sleep(ctx, noHandlerBackoff, wakeup) {
				return nil
			}
			continue
		}

		handler, ok := o.selectHandler(cfg.Spec.DiscoveryHandlerName)
		if !ok {
			o.metrics.DiscoveryResponseResult(cfg.Spec.DiscoveryHandlerName, metrics.ResultNoHandler)
			o.setCondition(ctx, api.Conditions().NotReady().Reason(api.ReasonNoHandler).
				Msg((&akrierror.NoHandler{Name: cfg.Spec.DiscoveryHandlerName}).Error()).Build())
			if !o.sleep(ctx, noHandlerBackoff, wakeup) {
				return nil
			}
			continue
		}

		req := &discoveryapi.DiscoverRequest{
			DiscoveryDetails:    cfg.Spec.DiscoveryDetails,
			DiscoveryProperties: solved,
		}
		stream, closeStream, err := handler.openStream(ctx, o.handlersDir, req)
		if err != nil {
			o.log.WithError(err).Warnf("opening Discover stream to %s failed", handler.entry.Endpoint)
			o.registry.MarkOffline(handler.entry.Endpoint)
			o.metrics.DiscoveryResponseResult(cfg.Spec.DiscoveryHandlerName, metrics.ResultError)
			continue
		}

		o.registry.MarkHealthy(handler.entry.Endpoint)
		o.setCondition(ctx, api.Conditions().Ready().Msg(fmt.Sprintf("streaming devices from %s", handler.entry.Endpoint)).Build())
		shared := !handler.entry.IsLocal

		streamErr := o.consume(ctx, stream, shared)
		closeStream()
		if ctx.Err() != nil {
			return nil
		}

		// Stream ended with error or EOF: back to selection. Instances are
		// kept; the re-settle window decides their fate once a new stream
		// reports.
		o.log.WithError(streamErr).Infof("Discover stream from %s ended, re-selecting", handler.entry.Endpoint)
		o.registry.MarkOffline(handler.entry.Endpoint)
		o.metrics.DiscoveryResponseResult(cfg.Spec.DiscoveryHandlerName, metrics.ResultError)
	}
}

func validateSpec(cfg *v1alpha1.Configuration) error {
	if cfg.Spec.DiscoveryHandlerName == "" {
		return &akrierror.InvalidDiscoveryDetails{Configuration: cfg.Name, Reason: "discoveryHandlerName is required"}
	}
	if cfg.Spec.Capacity < 1 {
		return &akrierror.InvalidDiscoveryDetails{Configuration: cfg.Name, Reason: fmt.Sprintf("capacity must be >= 1, got %d", cfg.Spec.Capacity)}
	}
	return nil
}

func (o *Operator) handleSolveError(ctx context.Context, err error) {
	var unsolvable *akrierror.UnsolvableProperty
	var invalid *akrierror.InvalidDiscoveryDetails
	switch {
	case errors.As(err, &unsolvable):
		o.log.WithError(err).Warn("discoveryProperties not yet solvable, retrying")
		o.setCondition(ctx, api.Conditions().NotReady().Reason(api.ReasonUnsolvableProperty).Msg(err.Error()).Build())
	case errors.As(err, &invalid):
		o.log.WithError(err).Error("discoveryProperties are malformed")
		o.setCondition(ctx, api.Conditions().NotReady().Reason(api.ReasonInvalidDiscoveryDetails).Msg(err.Error()).Build())
	default:
		o.log.WithError(err).Warn("resolving discoveryProperties failed, retrying")
	}
}

// selectHandler resolves the registry's pick into a dialable handlerRef,
// looking the endpoint up fresh on every call.
func (o *Operator) selectHandler(protocol string) (*handlerRef, bool) {
	entry, ok := o.registry.Select(protocol)
	if !ok {
		return nil, false
	}
	ref := &handlerRef{entry: entry}
	if entry.Endpoint == registry.EmbeddedEndpoint {
		ref.embedded = o.embedded[protocol]
		if ref.embedded == nil {
			return nil, false
		}
	}
	return ref, true
}

// sleep waits out d, returning early (true) on a spec change or a new
// handler registration, and false only when ctx is cancelled.
func (o *Operator) sleep(ctx context.Context, d time.Duration, wakeup <-chan string) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
	case <-o.specChanged:
	case <-wakeup:
	}
	return true
}

// consume drains one Discover stream, diffing each response against the
// last-seen device set and converging Instances. Returns the stream error
// (io.EOF included) once it ends.
func (o *Operator) consume(ctx context.Context, stream Stream, shared bool) error {
	type recvResult struct {
		resp *discoveryapi.DiscoverResponse
		err  error
	}
	responses := make(chan recvResult)
	go func() {
		for {
			resp, err := stream.Recv()
			select {
			case responses <- recvResult{resp: resp, err: err}:
			case <-ctx.Done():
				return
			}
			if err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(removalFlushInterval)
	defer ticker.Stop()
	o.lastResponseAt = time.Time{}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			o.flushRemovals(ctx, shared)
		case r := <-responses:
			if r.err != nil {
				return r.err
			}
			if err := o.processResponse(ctx, r.resp, shared); err != nil {
				o.log.WithError(err).Error("applying discovery response failed")
			}
		}
	}
}

func (o *Operator) processResponse(ctx context.Context, resp *discoveryapi.DiscoverResponse, shared bool) error {
	cfg := o.spec.Load()
	now := time.Now()
	if !o.lastResponseAt.IsZero() {
		o.metrics.DiscoveryResponseTime(cfg.Name, now.Sub(o.lastResponseAt).Seconds())
	}
	o.lastResponseAt = now
	o.metrics.DiscoveryResponseResult(cfg.Spec.DiscoveryHandlerName, metrics.ResultOK)

	current := make(map[string]discoveryapi.Device, len(resp.Devices))
	for _, d := range resp.Devices {
		if d.ID == "" {
			continue
		}
		current[InstanceName(cfg.Name, d.ID)] = d
	}

	var firstErr error
	for name, device := range current {
		delete(o.pendingRemoval, name)
		if _, seen := o.lastSeen[name]; !seen {
			if err := o.ensureInstance(ctx, cfg, name, device, shared); err != nil {
				o.log.WithError(err).Errorf("creating Instance %s failed", name)
				if firstErr == nil {
					firstErr = err
				}
				continue
			}
		}
		o.lastSeen[name] = device
	}

	for name := range o.lastSeen {
		if _, still := current[name]; !still {
			if _, pending := o.pendingRemoval[name]; !pending {
				o.pendingRemoval[name] = now
			}
		}
	}
	o.flushRemovals(ctx, shared)

	o.publish(shared)
	o.metrics.InstanceCount(cfg.Name, shared, float64(len(o.lastSeen)))
	return firstErr
}

// flushRemovals finalizes pending removals older than the re-settle window.
func (o *Operator) flushRemovals(ctx context.Context, shared bool) {
	now := time.Now()
	removed := false
	for name, since := range o.pendingRemoval {
		if now.Sub(since) < resettleWindow {
			continue
		}
		delete(o.pendingRemoval, name)
		delete(o.lastSeen, name)
		removed = true
		if err := o.removeNodeFromInstance(ctx, name, shared); err != nil {
			o.log.WithError(err).Errorf("removing node from Instance %s failed", name)
		}
	}
	if removed {
		cfg := o.spec.Load()
		o.publish(shared)
		o.metrics.InstanceCount(cfg.Name, shared, float64(len(o.lastSeen)))
	}
}

// ensureInstance creates the Instance for a newly discovered device, or joins
// an existing shared one by appending this node. A non-shared Instance owned
// by another node is silently left alone.
func (o *Operator) ensureInstance(ctx context.Context, cfg *v1alpha1.Configuration, name string, device discoveryapi.Device, shared bool) error {
	for try := 0; try < maxInstanceUpdateTries; try++ {
		existing := &v1alpha1.Instance{}
		err := o.kube.Get(ctx, types.NamespacedName{Namespace: cfg.Namespace, Name: name}, existing)
		if kerrors.IsNotFound(err) {
			instance := o.buildInstance(cfg, name, device, shared)
			if err := ctrl.SetControllerReference(cfg, instance, o.kube.Scheme()); err != nil {
				return err
			}
			err = o.kube.Create(ctx, instance)
			if err == nil {
				return nil
			}
			if kerrors.IsAlreadyExists(err) {
				// Another node won the create race; fall through to the join
				// path on the next try.
				continue
			}
			return &akrierror.KubeError{Op: "create instance " + name, Err: err}
		}
		if err != nil {
			return &akrierror.KubeError{Op: "get instance " + name, Err: err}
		}

		if existing.HasNode(o.nodeName) {
			return nil
		}
		if !shared {
			// Not our device: a non-shared Instance with this name belongs to
			// whichever node created it.
			return nil
		}

		patched := existing.DeepCopy()
		patched.Spec.Nodes = append(patched.Spec.Nodes, o.nodeName)
		if err := o.kube.Patch(ctx, patched, client.MergeFromWithOptions(existing, client.MergeFromWithOptimisticLock{})); err != nil {
			if kerrors.IsConflict(err) {
				jitterSleep(ctx)
				continue
			}
			return &akrierror.KubeError{Op: "patch instance " + name, Err: err}
		}
		return nil
	}
	return fmt.Errorf("updating Instance %s: conflict persisted after %d tries", name, maxInstanceUpdateTries)
}

func (o *Operator) buildInstance(cfg *v1alpha1.Configuration, name string, device discoveryapi.Device, shared bool) *v1alpha1.Instance {
	brokerProperties := make(map[string]string, len(cfg.Spec.BrokerProperties)+len(device.Properties))
	for k, v := range cfg.Spec.BrokerProperties {
		brokerProperties[k] = v
	}
	for k, v := range device.Properties {
		brokerProperties[k] = v
	}

	deviceUsage := make(map[string]string, cfg.Spec.Capacity)
	for i := int32(0); i < cfg.Spec.Capacity; i++ {
		deviceUsage[strconv.Itoa(int(i))] = ""
	}

	mounts := make([]v1alpha1.Mount, 0, len(device.Mounts))
	for _, m := range device.Mounts {
		mounts = append(mounts, v1alpha1.Mount{ContainerPath: m.ContainerPath, HostPath: m.HostPath, ReadOnly: m.ReadOnly})
	}
	deviceSpecs := make([]v1alpha1.DeviceSpec, 0, len(device.DeviceSpecs))
	for _, d := range device.DeviceSpecs {
		deviceSpecs = append(deviceSpecs, v1alpha1.DeviceSpec{ContainerPath: d.ContainerPath, HostPath: d.HostPath, Permissions: d.Permissions})
	}

	return &v1alpha1.Instance{
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: cfg.Namespace,
			Labels:    map[string]string{v1alpha1.LabelConfiguration: cfg.Name},
		},
		Spec: v1alpha1.InstanceSpec{
			ConfigurationName: cfg.Name,
			BrokerProperties:  brokerProperties,
			Shared:            shared,
			Nodes:             []string{o.nodeName},
			DeviceUsage:       deviceUsage,
			Mounts:            mounts,
			DeviceSpecs:       deviceSpecs,
		},
	}
}

// removeNodeFromInstance drops this node (and any slots it holds) from the
// named Instance, deleting the Instance outright when it is non-shared or no
// node is left aware of it.
func (o *Operator) removeNodeFromInstance(ctx context.Context, name string, shared bool) error {
	cfg := o.spec.Load()
	for try := 0; try < maxInstanceUpdateTries; try++ {
		existing := &v1alpha1.Instance{}
		err := o.kube.Get(ctx, types.NamespacedName{Namespace: cfg.Namespace, Name: name}, existing)
		if kerrors.IsNotFound(err) {
			return nil
		}
		if err != nil {
			return &akrierror.KubeError{Op: "get instance " + name, Err: err}
		}

		patched := existing.DeepCopy()
		nodes := patched.Spec.Nodes[:0]
		for _, n := range patched.Spec.Nodes {
			if n != o.nodeName {
				nodes = append(nodes, n)
			}
		}
		patched.Spec.Nodes = nodes
		for slot, owner := range patched.Spec.DeviceUsage {
			if owner == o.nodeName {
				patched.Spec.DeviceUsage[slot] = ""
			}
		}

		if !shared || len(patched.Spec.Nodes) == 0 {
			if err := o.kube.Delete(ctx, existing); err != nil && !kerrors.IsNotFound(err) {
				return &akrierror.KubeError{Op: "delete instance " + name, Err: err}
			}
			return nil
		}

		if err := o.kube.Patch(ctx, patched, client.MergeFromWithOptions(existing, client.MergeFromWithOptimisticLock{})); err != nil {
			if kerrors.IsConflict(err) {
				jitterSleep(ctx)
				continue
			}
			return &akrierror.KubeError{Op: "patch instance " + name, Err: err}
		}
		return nil
	}
	return fmt.Errorf("updating Instance %s: conflict persisted after %d tries", name, maxInstanceUpdateTries)
}

// Terminate runs the Configuration-deleted path: every Instance this node
// alone knows is deleted, and this node is dropped from shared ones. Called
// by the config watcher after cancelling Run.
func (o *Operator) Terminate(ctx context.Context) {
	cfg := o.spec.Load()
	for name := range o.lastSeen {
		shared := o.lastSeenShared(name)
		if err := o.removeNodeFromInstance(ctx, name, shared); err != nil {
			o.log.WithError(err).Errorf("cleaning up Instance %s on termination failed", name)
		}
	}
	o.lastSeen = make(map[string]discoveryapi.Device)
	o.pendingRemoval = make(map[string]time.Time)
	o.metrics.InstanceCount(cfg.Name, false, 0)
	o.metrics.InstanceCount(cfg.Name, true, 0)
}

// lastSeenShared recovers the sharing mode for a tracked Instance from the
// API server; termination has no live handler entry to consult.
func (o *Operator) lastSeenShared(name string) bool {
	cfg := o.spec.Load()
	existing := &v1alpha1.Instance{}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := o.kube.Get(ctx, types.NamespacedName{Namespace: cfg.Namespace, Name: name}, existing); err != nil {
		return false
	}
	return existing.Spec.Shared
}

// setCondition writes a Ready condition onto the Configuration's status.
// Conflicts and races with a concurrently deleted Configuration are normal
// and not treated as errors.
func (o *Operator) setCondition(ctx context.Context, condition *metav1.Condition) {
	cfg := o.spec.Load()
	for try := 0; try < maxInstanceUpdateTries; try++ {
		current := &v1alpha1.Configuration{}
		if err := o.kube.Get(ctx, types.NamespacedName{Namespace: cfg.Namespace, Name: cfg.Name}, current); err != nil {
			return
		}
		current.SetCondition(*condition)
		err := o.kube.Status().Update(ctx, current)
		if err == nil || kerrors.IsNotFound(err) {
			return
		}
		if !kerrors.IsConflict(err) {
			o.log.WithError(err).Warn("updating Configuration status failed")
			return
		}
		jitterSleep(ctx)
	}
}

func jitterSleep(ctx context.Context) {
	timer := time.NewTimer(time.Duration(rand.Int63n(int64(conflictJitterMax))))
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
