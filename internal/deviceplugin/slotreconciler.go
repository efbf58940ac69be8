package deviceplugin

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	kerrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/types"
	runtimeapi "k8s.io/cri-api/pkg/apis/runtime/v1"
	"sigs.k8s.io/controller-runtime/pkg/client"

	"github.com/akri-sh/akri/api/v1alpha1"
	"github.com/akri-sh/akri/internal/transport"
)

// criDialTimeout bounds the connect probe to the container runtime socket.
const criDialTimeout = 10 * time.Second

// pendingSweeps is how many consecutive sweeps a slot must look abandoned
// before it is reclaimed. The extra sweep closes the race where a pod is
// deleted before the kubelet signals Allocate failure, and avoids premature
// reclamation during crash-restart.
const pendingSweeps = 2

// SlotReconciler periodically sweeps this node's slots, reclaiming any whose
// consuming container is gone.
type SlotReconciler struct {
	nodeName    string
	namespace   string
	criEndpoint string
	kube        client.Client
	manager     *Manager
	gracePeriod time.Duration
	log         logrus.FieldLogger

	mu      sync.Mutex
	pending map[string]int

	// listContainers is swapped out by tests; the default dials the CRI
	// endpoint fresh per sweep.
	listContainers func(ctx context.Context) ([]*runtimeapi.Container, error)
}

// NewSlotReconciler returns a reconciler sweeping every gracePeriod.
// manager may be nil; when set, reclaimed slots nudge the affected service's
// ListAndWatch.
func NewSlotReconciler(nodeName, namespace, criEndpoint string, kube client.Client, manager *Manager, gracePeriod time.Duration, log logrus.FieldLogger) *SlotReconciler {
	r := &SlotReconciler{
		nodeName:    nodeName,
		namespace:   namespace,
		criEndpoint: criEndpoint,
		kube:        kube,
		manager:     manager,
		gracePeriod: gracePeriod,
		log:         log.WithField("component", "slot-reconciler"),
		pending:     make(map[string]int),
	}
	r.listContainers = r.listRunningContainers
	return r
}

// Run sweeps until ctx is cancelled.
func (r *SlotReconciler) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.gracePeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := r.Sweep(ctx); err != nil {
				r.log.WithError(err).Warn("slot reconciliation sweep failed")
			}
		}
	}
}

// Sweep runs one reconciliation pass: collect live slot annotations from the
// container runtime, compare against the slots this node holds, and reclaim
// any slot that has looked abandoned for pendingSweeps consecutive passes.
func (r *SlotReconciler) Sweep(ctx context.Context) error {
	containers, err := r.listContainers(ctx)
	if err != nil {
		return err
	}
	live := liveSlotIDs(containers)

	instances := &v1alpha1.InstanceList{}
	if err := r.kube.List(ctx, instances, client.InNamespace(r.namespace)); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	seen := make(map[string]struct{})
	for i := range instances.Items {
		instance := &instances.Items[i]
		for slot, owner := range instance.Spec.DeviceUsage {
			if owner != r.nodeName {
				continue
			}
			slotID := instance.Name + "-" + slot
			if _, alive := live[slotID]; alive {
				continue
			}
			seen[slotID] = struct{}{}
			r.pending[slotID]++
			if r.pending[slotID] < pendingSweeps {
				continue
			}
			delete(r.pending, slotID)
			if err := r.reclaimSlot(ctx, instance.Name, slot); err != nil {
				r.log.WithError(err).Errorf("reclaiming slot %s failed", slotID)
				continue
			}
			r.log.Infof("reclaimed slot %s: no running container annotates it", slotID)
			if r.manager != nil {
				r.manager.NotifyInstance(instance.Name)
			}
		}
	}

	// A slot whose container reappeared (or that was released meanwhile)
	// stops being a candidate.
	for slotID := range r.pending {
		if _, still := seen[slotID]; !still {
			delete(r.pending, slotID)
		}
	}
	return nil
}

// reclaimSlot CASes deviceUsage[slot] from this node back to empty.
func (r *SlotReconciler) reclaimSlot(ctx context.Context, instanceName, slot string) error {
	for try := 0; try < maxSlotUpdateTries; try++ {
		instance := &v1alpha1.Instance{}
		if err := r.kube.Get(ctx, types.NamespacedName{Namespace: r.namespace, Name: instanceName}, instance); err != nil {
			if kerrors.IsNotFound(err) {
				return nil
			}
			return err
		}
		if instance.Spec.DeviceUsage[slot] != r.nodeName {
			// Released or re-claimed elsewhere between sweeps.
			return nil
		}
		patched := instance.DeepCopy()
		patched.Spec.DeviceUsage[slot] = ""
		err := r.kube.Patch(ctx, patched, client.MergeFromWithOptions(instance, client.MergeFromWithOptimisticLock{}))
		if err == nil {
			return nil
		}
		if !kerrors.IsConflict(err) {
			return err
		}
		jitterSleep(ctx)
	}
	return fmt.Errorf("slot %s of instance %s: still conflicting after %d tries", slot, instanceName, maxSlotUpdateTries)
}

// liveSlotIDs extracts the slot ids annotated on running containers.
func liveSlotIDs(containers []*runtimeapi.Container) map[string]struct{} {
	live := make(map[string]struct{})
	for _, c := range containers {
		for key := range c.Annotations {
			if slotID, ok := strings.CutPrefix(key, v1alpha1.SlotAnnotationPrefix); ok {
				live[slotID] = struct{}{}
			}
		}
	}
	return live
}

// listRunningContainers dials the container runtime and lists its running
// containers. The connection is per-sweep; the CRI endpoint may restart
// between sweeps without the reconciler noticing.
func (r *SlotReconciler) listRunningContainers(ctx context.Context) ([]*runtimeapi.Container, error) {
	conn, err := transport.Dial(ctx, r.criEndpoint, criDialTimeout)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	runtime := runtimeapi.NewRuntimeServiceClient(conn)
	callCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	resp, err := runtime.ListContainers(callCtx, &runtimeapi.ListContainersRequest{
		Filter: &runtimeapi.ContainerFilter{
			State: &runtimeapi.ContainerStateValue{State: runtimeapi.ContainerState_CONTAINER_RUNNING},
		},
	})
	if err != nil {
		return nil, err
	}
	return resp.Containers, nil
}
