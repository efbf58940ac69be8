package deviceplugin

import (
	"context"

	ctrl "sigs.k8s.io/controller-runtime"

	"github.com/akri-sh/akri/api/v1alpha1"
)

// InstanceNotifier nudges the ListAndWatch stream of an Instance's
// device-plugin service on every Instance event, so slot claims made by
// other nodes (shared instances) and reclaims made by the controller are
// re-advertised to the kubelet promptly.
type InstanceNotifier struct {
	Manager *Manager
}

// Reconcile forwards the event; a missing service (instance not on this
// node) is a no-op.
func (n *InstanceNotifier) Reconcile(_ context.Context, req ctrl.Request) (ctrl.Result, error) {
	n.Manager.NotifyInstance(req.Name)
	return ctrl.Result{}, nil
}

// SetupWithManager sets up the notifier with the Manager.
func (n *InstanceNotifier) SetupWithManager(mgr ctrl.Manager) error {
	return ctrl.NewControllerManagedBy(mgr).
		For(&v1alpha1.Instance{}).
		Complete(n)
}
