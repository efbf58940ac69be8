// Package configwatcher reflects Configuration CRs on the Agent: each live
// Configuration gets exactly one discovery operator goroutine, spec changes
// are swapped in atomically, and deletion triggers the operator's terminate
// path. Implemented as a controller-runtime reconciler because its contract
// (create → ensure running, delete → ensure stopped, idempotent) is exactly
// what goroutine lifecycle keyed to a CR needs.
package configwatcher

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"
	"k8s.io/apimachinery/pkg/types"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/client"

	"github.com/akri-sh/akri/api/v1alpha1"
	"github.com/akri-sh/akri/core/metrics"
	"github.com/akri-sh/akri/internal/deviceplugin"
	"github.com/akri-sh/akri/internal/discovery"
	"github.com/akri-sh/akri/internal/properties"
	"github.com/akri-sh/akri/internal/registry"
)

// Watcher reconciles Configurations into running discovery operators.
type Watcher struct {
	client.Client
	NodeName    string
	HandlersDir string
	Registry    *registry.Registry
	Solver      *properties.Solver
	Metrics     *metrics.Registry
	Embedded    map[string]discovery.EmbeddedHandler
	Manager     *deviceplugin.Manager
	Log         logrus.FieldLogger

	// runCtx parents every operator goroutine; SetupWithManager sets it to a
	// background context and Start replaces it with the manager's run context.
	runCtx context.Context

	mu        sync.Mutex
	operators map[types.NamespacedName]*operatorHandle
}

type operatorHandle struct {
	operator   *discovery.Operator
	generation int64
	cancel     context.CancelFunc
	done       chan struct{}
}

//+kubebuilder:rbac:groups=akri.sh,resources=configurations,verbs=get;list;watch
//+kubebuilder:rbac:groups=akri.sh,resources=configurations/status,verbs=get;update;patch
//+kubebuilder:rbac:groups=akri.sh,resources=instances,verbs=get;list;watch;create;update;patch;delete
//+kubebuilder:rbac:groups="",resources=secrets;configmaps,verbs=get;list;watch

// Reconcile converges the operator goroutine for one Configuration.
func (w *Watcher) Reconcile(ctx context.Context, req ctrl.Request) (ctrl.Result, error) {
	log := w.Log.WithField("configuration", req.Name)

	cfg := &v1alpha1.Configuration{}
	err := w.Get(ctx, req.NamespacedName, cfg)
	if err != nil {
		if client.IgnoreNotFound(err) != nil {
			return ctrl.Result{}, err
		}
		w.stopOperator(req.NamespacedName, log)
		return ctrl.Result{}, nil
	}
	if !cfg.DeletionTimestamp.IsZero() {
		w.stopOperator(req.NamespacedName, log)
		return ctrl.Result{}, nil
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if handle, running := w.operators[req.NamespacedName]; running {
		if handle.generation == cfg.Generation {
			return ctrl.Result{}, nil
		}
		log.Infof("configuration generation %d -> %d, swapping spec", handle.generation, cfg.Generation)
		w.Solver.InvalidateConfiguration(cfg.Namespace, cfg.Name)
		handle.operator.UpdateSpec(cfg.DeepCopy())
		handle.generation = cfg.Generation
		return ctrl.Result{}, nil
	}

	log.Info("spawning discovery operator")
	operator := discovery.NewOperator(w.NodeName, w.HandlersDir, w.Client, w.Registry, w.Solver, w.Metrics, w.Embedded, cfg.DeepCopy(), w.Log)
	opCtx, cancel := context.WithCancel(w.runCtx)
	handle := &operatorHandle{operator: operator, generation: cfg.Generation, cancel: cancel, done: make(chan struct{})}
	w.operators[req.NamespacedName] = handle

	go func() {
		for {
			select {
			case <-opCtx.Done():
				return
			case snap := <-operator.Watch():
				w.Manager.Apply(w.runCtx, snap)
			}
		}
	}()
	go func() {
		defer close(handle.done)
		if err := operator.Run(opCtx); err != nil {
			log.WithError(err).Error("discovery operator exited with error")
		}
	}()

	return ctrl.Result{}, nil
}

// stopOperator cancels a Configuration's operator, waits for it to exit, and
// runs its terminate path so Instances this node owns are cleaned up.
func (w *Watcher) stopOperator(key types.NamespacedName, log logrus.FieldLogger) {
	w.mu.Lock()
	handle, running := w.operators[key]
	if running {
		delete(w.operators, key)
	}
	w.mu.Unlock()
	if !running {
		return
	}

	log.Info("configuration gone, terminating discovery operator")
	handle.cancel()
	<-handle.done
	handle.operator.Terminate(w.runCtx)
	w.Solver.InvalidateConfiguration(key.Namespace, key.Name)
	w.Manager.Apply(w.runCtx, discovery.Snapshot{Configuration: key.Name})
}

// Start records the run context that parents all operator goroutines and
// blocks until it ends, then stops every operator. Registered with the
// controller manager as a Runnable.
func (w *Watcher) Start(ctx context.Context) error {
	w.runCtx = ctx
	<-ctx.Done()

	w.mu.Lock()
	handles := make(map[types.NamespacedName]*operatorHandle, len(w.operators))
	for key, handle := range w.operators {
		handles[key] = handle
		delete(w.operators, key)
	}
	w.mu.Unlock()

	for _, handle := range handles {
		handle.cancel()
		<-handle.done
	}
	return nil
}

// SetupWithManager wires the watcher into mgr, both as a reconciler and as a
// Runnable (for the run context and shutdown path).
func (w *Watcher) SetupWithManager(mgr ctrl.Manager) error {
	w.operators = make(map[types.NamespacedName]*operatorHandle)
	// Until Start runs, Reconcile may already fire; parent early operators
	// on a background context so they are adopted rather than leaked.
	w.runCtx = context.Background()
	if err := mgr.Add(w); err != nil {
		return err
	}
	return ctrl.NewControllerManagedBy(mgr).
		For(&v1alpha1.Configuration{}).
		Complete(w)
}
