/*
Copyright 2021.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package controllers

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/errors"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/client"

	akriv1alpha1 "github.com/akri-sh/akri/api/v1alpha1"
)

// NodeState tracks each node through the watcher's lifecycle.
type NodeState string

const (
	// NodeKnown means the node has been seen, but not Ready yet.
	NodeKnown NodeState = "Known"
	// NodeRunning means the node has been seen Ready.
	NodeRunning NodeState = "Running"
	// NodeInstancesCleaned means a previously Running node went away and
	// every Instance reference to it has been scrubbed.
	NodeInstancesCleaned NodeState = "InstancesCleaned"
)

// notReadyGraceCycles is how many consecutive NotReady observations a
// previously Running node gets before its Instance references are scrubbed.
const notReadyGraceCycles = 3

// nodeRecheckInterval is the requeue delay while a node is sitting out its
// NotReady grace.
const nodeRecheckInterval = time.Minute

// NodeReconciler watches Nodes and is the cluster-scope recovery path for
// slots lost to node failure: when a previously Running node goes away, every
// Instance is rewritten to drop the node from its nodes list and free any
// slot the node held.
type NodeReconciler struct {
	client.Client
	Log logrus.FieldLogger

	mu             sync.Mutex
	knownNodes     map[string]NodeState
	notReadyCycles map[string]int
}

//+kubebuilder:rbac:groups="",resources=nodes,verbs=get;list;watch
//+kubebuilder:rbac:groups=akri.sh,resources=instances,verbs=get;list;watch;update;patch;delete

// Reconcile tracks one node's state and scrubs Instances once a Running node
// is gone for good.
func (r *NodeReconciler) Reconcile(ctx context.Context, req ctrl.Request) (ctrl.Result, error) {
	log := r.Log.WithField("node", req.Name)

	node := &corev1.Node{}
	err := r.Get(ctx, req.NamespacedName, node)
	if errors.IsNotFound(err) {
		if r.wasRunning(req.Name) {
			log.Info("node deleted, scrubbing its instance references")
			if err := r.cleanInstances(ctx, req.Name, log); err != nil {
				return ctrl.Result{}, err
			}
			r.setState(req.Name, NodeInstancesCleaned)
		}
		return ctrl.Result{}, nil
	}
	if err != nil {
		return ctrl.Result{}, err
	}

	if nodeReady(node) {
		r.setState(node.Name, NodeRunning)
		r.resetNotReady(node.Name)
		return ctrl.Result{}, nil
	}

	if !r.wasRunning(node.Name) {
		r.setState(node.Name, NodeKnown)
		return ctrl.Result{}, nil
	}

	cycles := r.bumpNotReady(node.Name)
	if cycles < notReadyGraceCycles {
		log.Debugf("node NotReady (%d/%d grace cycles)", cycles, notReadyGraceCycles)
		return ctrl.Result{RequeueAfter: nodeRecheckInterval}, nil
	}

	log.Info("node NotReady past grace, scrubbing its instance references")
	if err := r.cleanInstances(ctx, node.Name, log); err != nil {
		return ctrl.Result{}, err
	}
	r.setState(node.Name, NodeInstancesCleaned)
	r.resetNotReady(node.Name)
	return ctrl.Result{}, nil
}

// cleanInstances rewrites every Instance referencing the vanished node:
// dropping it from nodes, freeing its slots, and deleting Instances no node
// knows anymore.
func (r *NodeReconciler) cleanInstances(ctx context.Context, nodeName string, log logrus.FieldLogger) error {
	instances := &akriv1alpha1.InstanceList{}
	if err := r.List(ctx, instances); err != nil {
		return err
	}

	for i := range instances.Items {
		instance := &instances.Items[i]
		if !instance.HasNode(nodeName) && !holdsSlot(instance, nodeName) {
			continue
		}

		patched := instance.DeepCopy()
		nodes := patched.Spec.Nodes[:0]
		for _, n := range patched.Spec.Nodes {
			if n != nodeName {
				nodes = append(nodes, n)
			}
		}
		patched.Spec.Nodes = nodes
		for slot, owner := range patched.Spec.DeviceUsage {
			if owner == nodeName {
				patched.Spec.DeviceUsage[slot] = ""
			}
		}

		if len(patched.Spec.Nodes) == 0 {
			log.Infof("deleting instance %s: its only node is gone", instance.Name)
			if err := r.Delete(ctx, instance); client.IgnoreNotFound(err) != nil {
				return err
			}
			continue
		}

		log.Infof("dropping node %s from instance %s", nodeName, instance.Name)
		if err := r.Patch(ctx, patched, client.MergeFromWithOptions(instance, client.MergeFromWithOptimisticLock{})); err != nil {
			if errors.IsConflict(err) || errors.IsNotFound(err) {
				// Another writer got there; the next node event retries.
				continue
			}
			return err
		}
	}
	return nil
}

func holdsSlot(instance *akriv1alpha1.Instance, nodeName string) bool {
	for _, owner := range instance.Spec.DeviceUsage {
		if owner == nodeName {
			return true
		}
	}
	return false
}

func nodeReady(node *corev1.Node) bool {
	for _, condition := range node.Status.Conditions {
		if condition.Type == corev1.NodeReady {
			return condition.Status == corev1.ConditionTrue
		}
	}
	return false
}

func (r *NodeReconciler) setState(name string, state NodeState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.knownNodes == nil {
		r.knownNodes = make(map[string]NodeState)
	}
	r.knownNodes[name] = state
}

func (r *NodeReconciler) wasRunning(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.knownNodes[name] == NodeRunning
}

func (r *NodeReconciler) bumpNotReady(name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.notReadyCycles == nil {
		r.notReadyCycles = make(map[string]int)
	}
	r.notReadyCycles[name]++
	return r.notReadyCycles[name]
}

func (r *NodeReconciler) resetNotReady(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.notReadyCycles, name)
}

// SetupWithManager sets up the controller with the Manager.
func (r *NodeReconciler) SetupWithManager(mgr ctrl.Manager) error {
	return ctrl.NewControllerManagedBy(mgr).
		For(&corev1.Node{}).
		Complete(r)
}
