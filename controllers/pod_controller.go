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

	"github.com/sirupsen/logrus"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/builder"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/predicate"

	akriv1alpha1 "github.com/akri-sh/akri/api/v1alpha1"
	"github.com/akri-sh/akri/core/metrics"
)

// PodState classifies the broker pods the watcher has seen.
type PodState string

const (
	// PodPending means the pod was seen but is not Running yet.
	PodPending PodState = "Pending"
	// PodRunning means the pod was seen Running; its Services should exist.
	PodRunning PodState = "Running"
	// PodEnded means the pod Succeeded or Failed.
	PodEnded PodState = "Ended"
	// PodDeleted means the pod is gone from the API server.
	PodDeleted PodState = "Deleted"
)

// PodReconciler watches broker pods (selected by the configuration label),
// maintains the known-pods table, keeps the broker-pod metric current, and
// garbage-collects Services once no Running pod backs them. Broker restarts
// themselves are handled by the Instance reconciler, which sees the same pod
// events through its ownership watch.
type PodReconciler struct {
	client.Client
	Metrics *metrics.Registry
	Log     logrus.FieldLogger

	mu        sync.Mutex
	knownPods map[string]PodState
}

//+kubebuilder:rbac:groups="",resources=pods,verbs=get;list;watch
//+kubebuilder:rbac:groups="",resources=services,verbs=get;list;watch;delete

// Reconcile classifies one pod event and reacts to state transitions.
func (r *PodReconciler) Reconcile(ctx context.Context, req ctrl.Request) (ctrl.Result, error) {
	log := r.Log.WithField("pod", req.Name)

	pod := &corev1.Pod{}
	err := r.Get(ctx, req.NamespacedName, pod)
	if errors.IsNotFound(err) {
		return ctrl.Result{}, r.handleGone(ctx, req.String(), log)
	}
	if err != nil {
		return ctrl.Result{}, err
	}

	state := classifyPod(pod)
	previous := r.swapState(req.String(), state)
	if previous == state {
		return ctrl.Result{}, nil
	}
	log.Debugf("broker pod %s -> %s", previous, state)

	configuration := pod.Labels[akriv1alpha1.LabelConfiguration]
	node := pod.Spec.NodeName
	switch state {
	case PodRunning:
		r.updatePodCountMetric(ctx, pod.Namespace, configuration, node)
	case PodEnded:
		r.updatePodCountMetric(ctx, pod.Namespace, configuration, node)
		if err := r.cleanupServices(ctx, pod.Namespace, pod.Labels[akriv1alpha1.LabelInstance], configuration, log); err != nil {
			return ctrl.Result{}, err
		}
	}
	return ctrl.Result{}, nil
}

// handleGone processes a pod that no longer exists: it is dropped from the
// known table and its Services re-checked.
func (r *PodReconciler) handleGone(ctx context.Context, key string, log logrus.FieldLogger) error {
	r.mu.Lock()
	_, known := r.knownPods[key]
	delete(r.knownPods, key)
	r.mu.Unlock()
	if !known {
		return nil
	}
	log.Debug("broker pod deleted")
	// Without the pod object the labels are gone; sweep all akri Services
	// in the namespace for ones with no Running backers left.
	return r.cleanupServices(ctx, keyNamespace(key), "", "", log)
}

func (r *PodReconciler) swapState(key string, state PodState) PodState {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.knownPods == nil {
		r.knownPods = make(map[string]PodState)
	}
	previous := r.knownPods[key]
	r.knownPods[key] = state
	return previous
}

func classifyPod(pod *corev1.Pod) PodState {
	switch pod.Status.Phase {
	case corev1.PodRunning:
		return PodRunning
	case corev1.PodSucceeded, corev1.PodFailed:
		return PodEnded
	default:
		return PodPending
	}
}

// updatePodCountMetric recounts Running broker pods for (configuration,
// node) rather than incrementally tracking them, so restarts self-heal.
func (r *PodReconciler) updatePodCountMetric(ctx context.Context, namespace, configuration, node string) {
	if configuration == "" || node == "" {
		return
	}
	pods := &corev1.PodList{}
	err := r.List(ctx, pods, client.InNamespace(namespace), client.MatchingLabels{
		akriv1alpha1.LabelConfiguration: configuration,
	})
	if err != nil {
		r.Log.WithError(err).Warn("listing broker pods for metric update failed")
		return
	}
	count := 0
	for i := range pods.Items {
		if pods.Items[i].Spec.NodeName == node && pods.Items[i].Status.Phase == corev1.PodRunning {
			count++
		}
	}
	r.Metrics.BrokerPodCount(configuration, node, float64(count))
}

// cleanupServices deletes instance and configuration Services that no longer
// have any Running broker pod behind their selector. With instance or
// configuration empty, every akri-labelled Service in the namespace is
// examined.
func (r *PodReconciler) cleanupServices(ctx context.Context, namespace, instance, configuration string, log logrus.FieldLogger) error {
	services := &corev1.ServiceList{}
	opts := []client.ListOption{client.InNamespace(namespace), client.HasLabels{akriv1alpha1.LabelConfiguration}}
	if instance != "" {
		opts = []client.ListOption{client.InNamespace(namespace), client.MatchingLabels{akriv1alpha1.LabelInstance: instance}}
	} else if configuration != "" {
		opts = []client.ListOption{client.InNamespace(namespace), client.MatchingLabels{akriv1alpha1.LabelConfiguration: configuration}}
	}
	if err := r.List(ctx, services, opts...); err != nil {
		return err
	}

	for i := range services.Items {
		svc := &services.Items[i]
		if len(svc.Spec.Selector) == 0 {
			continue
		}
		backed, err := r.hasRunningBacker(ctx, namespace, svc.Spec.Selector)
		if err != nil {
			return err
		}
		if backed {
			continue
		}
		log.Infof("deleting service %s: no running broker pod matches its selector", svc.Name)
		if err := r.Delete(ctx, svc, client.Preconditions(metav1.Preconditions{UID: &svc.UID})); client.IgnoreNotFound(err) != nil {
			return err
		}
	}
	return nil
}

func (r *PodReconciler) hasRunningBacker(ctx context.Context, namespace string, selector map[string]string) (bool, error) {
	pods := &corev1.PodList{}
	if err := r.List(ctx, pods, client.InNamespace(namespace), client.MatchingLabels(selector)); err != nil {
		return false, err
	}
	for i := range pods.Items {
		if pods.Items[i].Status.Phase == corev1.PodRunning {
			return true, nil
		}
	}
	return false, nil
}

// keyNamespace extracts the namespace half of a "namespace/name" key.
func keyNamespace(key string) string {
	for i := 0; i < len(key); i++ {
		if key[i] == '/' {
			return key[:i]
		}
	}
	return ""
}

// SetupWithManager sets up the controller with the Manager, restricted to
// pods carrying the configuration label.
func (r *PodReconciler) SetupWithManager(mgr ctrl.Manager) error {
	hasConfigurationLabel, err := predicate.LabelSelectorPredicate(metav1.LabelSelector{
		MatchExpressions: []metav1.LabelSelectorRequirement{{
			Key:      akriv1alpha1.LabelConfiguration,
			Operator: metav1.LabelSelectorOpExists,
		}},
	})
	if err != nil {
		return err
	}
	return ctrl.NewControllerManagedBy(mgr).
		For(&corev1.Pod{}, builder.WithPredicates(hasConfigurationLabel)).
		Complete(r)
}
