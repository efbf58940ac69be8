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
	"sort"

	"github.com/sirupsen/logrus"
	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/types"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/controller/controllerutil"

	akriv1alpha1 "github.com/akri-sh/akri/api/v1alpha1"
	"github.com/akri-sh/akri/pkg/utils"
)

// fieldManager is the server-side-apply field owner for every object the
// controller manages.
const fieldManager = "akri-controller"

// resourceNamePrefix matches the device-plugin resource namespace the Agent
// advertises each Instance under.
const resourceNamePrefix = "akri.sh/"

// InstanceReconciler owns broker workloads: for every held slot of every
// Instance it converges one Pod or Job plus the per-instance and
// per-configuration Services declared on the owning Configuration.
type InstanceReconciler struct {
	client.Client
	Scheme *runtime.Scheme
	Log    logrus.FieldLogger
}

//+kubebuilder:rbac:groups=akri.sh,resources=instances,verbs=get;list;watch;update;patch;delete
//+kubebuilder:rbac:groups=akri.sh,resources=instances/finalizers,verbs=update
//+kubebuilder:rbac:groups=akri.sh,resources=configurations,verbs=get;list;watch
//+kubebuilder:rbac:groups="",resources=pods;services,verbs=get;list;watch;create;update;patch;delete
//+kubebuilder:rbac:groups=batch,resources=jobs,verbs=get;list;watch;create;update;patch;delete

// Reconcile converges broker workloads and Services for one Instance.
func (r *InstanceReconciler) Reconcile(ctx context.Context, req ctrl.Request) (ctrl.Result, error) {
	log := r.Log.WithField("instance", req.Name)

	instance := &akriv1alpha1.Instance{}
	if err := r.Get(ctx, req.NamespacedName, instance); err != nil {
		return ctrl.Result{}, client.IgnoreNotFound(err)
	}

	if !instance.DeletionTimestamp.IsZero() {
		return r.finalize(ctx, instance, log)
	}

	configuration := &akriv1alpha1.Configuration{}
	err := r.Get(ctx, types.NamespacedName{Namespace: instance.Namespace, Name: instance.Spec.ConfigurationName}, configuration)
	if errors.IsNotFound(err) {
		// The owner reference will garbage-collect the Instance shortly;
		// nothing to deploy against a vanished Configuration.
		log.Debug("owning configuration is gone, skipping")
		return ctrl.Result{}, nil
	}
	if err != nil {
		return ctrl.Result{}, err
	}

	if configuration.Spec.BrokerSpec != nil {
		if controllerutil.AddFinalizer(instance, akriv1alpha1.FinalizerBrokerCleanup) {
			if err := r.Update(ctx, instance); err != nil {
				return ctrl.Result{}, client.IgnoreNotFound(err)
			}
		}
		if err := r.reconcileBrokers(ctx, instance, configuration, log); err != nil {
			return ctrl.Result{}, err
		}
	}

	if err := r.reconcileServices(ctx, instance, configuration); err != nil {
		return ctrl.Result{}, err
	}
	return ctrl.Result{}, nil
}

// finalize removes every broker workload before releasing the Instance.
func (r *InstanceReconciler) finalize(ctx context.Context, instance *akriv1alpha1.Instance, log logrus.FieldLogger) (ctrl.Result, error) {
	if !controllerutil.ContainsFinalizer(instance, akriv1alpha1.FinalizerBrokerCleanup) {
		return ctrl.Result{}, nil
	}

	remaining, err := r.deleteBrokers(ctx, instance)
	if err != nil {
		return ctrl.Result{}, err
	}
	if remaining {
		// Workloads still terminating; the next Pod/Job event re-runs us.
		return ctrl.Result{}, nil
	}

	if err := r.deleteInstanceService(ctx, instance); err != nil {
		return ctrl.Result{}, err
	}

	log.Info("broker workloads gone, releasing instance")
	controllerutil.RemoveFinalizer(instance, akriv1alpha1.FinalizerBrokerCleanup)
	if err := r.Update(ctx, instance); err != nil {
		return ctrl.Result{}, client.IgnoreNotFound(err)
	}
	return ctrl.Result{}, nil
}

// reconcileBrokers converges one workload per held slot and removes workloads
// for slots no longer held.
func (r *InstanceReconciler) reconcileBrokers(ctx context.Context, instance *akriv1alpha1.Instance, configuration *akriv1alpha1.Configuration, log logrus.FieldLogger) error {
	for _, slot := range heldSlots(instance) {
		node := instance.Spec.DeviceUsage[slot]
		if configuration.Spec.BrokerSpec.PodSpec != nil {
			if err := r.ensureBrokerPod(ctx, instance, configuration, slot, node, log); err != nil {
				return err
			}
		} else if configuration.Spec.BrokerSpec.JobSpec != nil {
			if err := r.ensureBrokerJob(ctx, instance, configuration, slot, node, log); err != nil {
				return err
			}
		}
	}
	return r.removeOrphanedBrokers(ctx, instance, log)
}

// heldSlots returns the slot ids with a non-empty owner, sorted for
// deterministic reconcile order.
func heldSlots(instance *akriv1alpha1.Instance) []string {
	slots := make([]string, 0, len(instance.Spec.DeviceUsage))
	for slot, node := range instance.Spec.DeviceUsage {
		if node != "" {
			slots = append(slots, slot)
		}
	}
	sort.Strings(slots)
	return slots
}

func brokerName(instance *akriv1alpha1.Instance, slot string) string {
	return instance.Name + "-" + slot
}

func brokerLabels(instance *akriv1alpha1.Instance, node string) map[string]string {
	return map[string]string{
		akriv1alpha1.LabelConfiguration: instance.Spec.ConfigurationName,
		akriv1alpha1.LabelInstance:      instance.Name,
		akriv1alpha1.LabelTargetNode:    node,
	}
}

func (r *InstanceReconciler) ensureBrokerPod(ctx context.Context, instance *akriv1alpha1.Instance, configuration *akriv1alpha1.Configuration, slot, node string, log logrus.FieldLogger) error {
	name := brokerName(instance, slot)
	existing := &corev1.Pod{}
	err := r.Get(ctx, types.NamespacedName{Namespace: instance.Namespace, Name: name}, existing)
	if err == nil {
		if podEnded(existing) {
			// A dead broker for a still-held slot is restarted by replacing
			// the Pod; the delete event brings us back here to re-create.
			log.Infof("broker pod %s ended, deleting for restart", name)
			return client.IgnoreNotFound(r.Delete(ctx, existing))
		}
		return nil
	}
	if !errors.IsNotFound(err) {
		return err
	}

	pod := r.buildBrokerPod(instance, configuration, slot, node)
	if err := ctrl.SetControllerReference(instance, pod, r.Scheme); err != nil {
		return err
	}
	log.Infof("creating broker pod %s on node %s", name, node)
	err = r.Create(ctx, pod)
	if errors.IsAlreadyExists(err) {
		return nil
	}
	return err
}

func (r *InstanceReconciler) buildBrokerPod(instance *akriv1alpha1.Instance, configuration *akriv1alpha1.Configuration, slot, node string) *corev1.Pod {
	podSpec := configuration.Spec.BrokerSpec.PodSpec.DeepCopy()
	pinToNodeAndResource(podSpec, instance, node)

	return &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:      brokerName(instance, slot),
			Namespace: instance.Namespace,
			Labels:    brokerLabels(instance, node),
			Annotations: map[string]string{
				akriv1alpha1.SlotAnnotationPrefix + instance.Name + "-" + slot: instance.Name,
			},
		},
		Spec: *podSpec,
	}
}

func (r *InstanceReconciler) ensureBrokerJob(ctx context.Context, instance *akriv1alpha1.Instance, configuration *akriv1alpha1.Configuration, slot, node string, log logrus.FieldLogger) error {
	// Get-or-create only: the Job controller owns retries, so an existing
	// Job — completed included — is never replaced.
	job := r.buildBrokerJob(instance, configuration, slot, node)
	if err := ctrl.SetControllerReference(instance, job, r.Scheme); err != nil {
		return err
	}
	_, err := utils.GetOrCreateObject(ctx, r.Client, job, log)
	return err
}

func (r *InstanceReconciler) buildBrokerJob(instance *akriv1alpha1.Instance, configuration *akriv1alpha1.Configuration, slot, node string) *batchv1.Job {
	jobSpec := configuration.Spec.BrokerSpec.JobSpec
	template := jobSpec.Template.DeepCopy()
	pinToNodeAndResource(&template.Spec, instance, node)
	if template.Labels == nil {
		template.Labels = map[string]string{}
	}
	for k, v := range brokerLabels(instance, node) {
		template.Labels[k] = v
	}

	return &batchv1.Job{
		ObjectMeta: metav1.ObjectMeta{
			Name:      brokerName(instance, slot),
			Namespace: instance.Namespace,
			Labels:    brokerLabels(instance, node),
		},
		Spec: batchv1.JobSpec{
			Parallelism:  jobSpec.Parallelism,
			BackoffLimit: jobSpec.BackoffLimit,
			Template:     *template,
		},
	}
}

// pinToNodeAndResource pins a broker pod spec to the slot-holding node and
// makes its first container request one unit of the Instance's device-plugin
// resource, so the kubelet routes the allocation through the Agent.
func pinToNodeAndResource(podSpec *corev1.PodSpec, instance *akriv1alpha1.Instance, node string) {
	podSpec.Affinity = &corev1.Affinity{
		NodeAffinity: &corev1.NodeAffinity{
			RequiredDuringSchedulingIgnoredDuringExecution: &corev1.NodeSelector{
				NodeSelectorTerms: []corev1.NodeSelectorTerm{{
					MatchExpressions: []corev1.NodeSelectorRequirement{{
						Key:      "kubernetes.io/hostname",
						Operator: corev1.NodeSelectorOpIn,
						Values:   []string{node},
					}},
				}},
			},
		},
	}

	if len(podSpec.Containers) == 0 {
		return
	}
	resourceName := corev1.ResourceName(resourceNamePrefix + instance.Name)
	container := &podSpec.Containers[0]
	if container.Resources.Limits == nil {
		container.Resources.Limits = corev1.ResourceList{}
	}
	if container.Resources.Requests == nil {
		container.Resources.Requests = corev1.ResourceList{}
	}
	one := resource.MustParse("1")
	container.Resources.Limits[resourceName] = one
	container.Resources.Requests[resourceName] = one
}

// removeOrphanedBrokers deletes workloads for slots this Instance no longer
// holds.
func (r *InstanceReconciler) removeOrphanedBrokers(ctx context.Context, instance *akriv1alpha1.Instance, log logrus.FieldLogger) error {
	selector := client.MatchingLabels{akriv1alpha1.LabelInstance: instance.Name}

	pods := &corev1.PodList{}
	if err := r.List(ctx, pods, client.InNamespace(instance.Namespace), selector); err != nil {
		return err
	}
	for i := range pods.Items {
		pod := &pods.Items[i]
		if brokerStillWanted(instance, pod.Name) {
			continue
		}
		log.Infof("deleting broker pod %s: its slot is no longer held", pod.Name)
		if err := utils.DeleteObject(ctx, r.Client, pod); err != nil {
			return err
		}
	}

	jobs := &batchv1.JobList{}
	if err := r.List(ctx, jobs, client.InNamespace(instance.Namespace), selector); err != nil {
		return err
	}
	for i := range jobs.Items {
		job := &jobs.Items[i]
		if brokerStillWanted(instance, job.Name) {
			continue
		}
		log.Infof("deleting broker job %s: its slot is no longer held", job.Name)
		background := metav1.DeletePropagationBackground
		if err := utils.DeleteObject(ctx, r.Client, job, &client.DeleteOptions{PropagationPolicy: &background}); err != nil {
			return err
		}
	}
	return nil
}

// brokerStillWanted reports whether a broker workload name corresponds to a
// currently held slot.
func brokerStillWanted(instance *akriv1alpha1.Instance, workloadName string) bool {
	for _, slot := range heldSlots(instance) {
		if workloadName == brokerName(instance, slot) {
			return true
		}
	}
	return false
}

// deleteBrokers removes every broker workload of an Instance, reporting
// whether any are still present (terminating).
func (r *InstanceReconciler) deleteBrokers(ctx context.Context, instance *akriv1alpha1.Instance) (bool, error) {
	selector := client.MatchingLabels{akriv1alpha1.LabelInstance: instance.Name}
	remaining := false

	pods := &corev1.PodList{}
	if err := r.List(ctx, pods, client.InNamespace(instance.Namespace), selector); err != nil {
		return false, err
	}
	for i := range pods.Items {
		remaining = true
		if err := utils.DeleteObject(ctx, r.Client, &pods.Items[i]); err != nil {
			return false, err
		}
	}

	jobs := &batchv1.JobList{}
	if err := r.List(ctx, jobs, client.InNamespace(instance.Namespace), selector); err != nil {
		return false, err
	}
	for i := range jobs.Items {
		remaining = true
		background := metav1.DeletePropagationBackground
		if err := utils.DeleteObject(ctx, r.Client, &jobs.Items[i], &client.DeleteOptions{PropagationPolicy: &background}); err != nil {
			return false, err
		}
	}
	return remaining, nil
}

// reconcileServices applies the per-instance and per-configuration Services
// declared on the Configuration.
func (r *InstanceReconciler) reconcileServices(ctx context.Context, instance *akriv1alpha1.Instance, configuration *akriv1alpha1.Configuration) error {
	if spec := configuration.Spec.InstanceServiceSpec; spec != nil {
		svc := buildService(
			instance.Namespace,
			instance.Name+"-svc",
			map[string]string{akriv1alpha1.LabelInstance: instance.Name},
			map[string]string{
				akriv1alpha1.LabelConfiguration: configuration.Name,
				akriv1alpha1.LabelInstance:      instance.Name,
			},
			spec,
		)
		if err := ctrl.SetControllerReference(instance, svc, r.Scheme); err != nil {
			return err
		}
		if err := r.applyService(ctx, svc); err != nil {
			return err
		}
	}

	if spec := configuration.Spec.ConfigurationServiceSpec; spec != nil {
		svc := buildService(
			configuration.Namespace,
			configuration.Name+"-svc",
			map[string]string{akriv1alpha1.LabelConfiguration: configuration.Name},
			map[string]string{akriv1alpha1.LabelConfiguration: configuration.Name},
			spec,
		)
		if err := ctrl.SetControllerReference(configuration, svc, r.Scheme); err != nil {
			return err
		}
		if err := r.applyService(ctx, svc); err != nil {
			return err
		}
	}
	return nil
}

func buildService(namespace, name string, selector, labels map[string]string, spec *akriv1alpha1.ServiceSpec) *corev1.Service {
	svc := &corev1.Service{
		TypeMeta: metav1.TypeMeta{APIVersion: "v1", Kind: "Service"},
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: namespace,
			Labels:    labels,
		},
		Spec: corev1.ServiceSpec{
			Selector: selector,
			Ports:    spec.Ports,
			Type:     spec.Type,
		},
	}
	return svc
}

func (r *InstanceReconciler) applyService(ctx context.Context, svc *corev1.Service) error {
	return r.Patch(ctx, svc, client.Apply, client.FieldOwner(fieldManager), client.ForceOwnership)
}

func (r *InstanceReconciler) deleteInstanceService(ctx context.Context, instance *akriv1alpha1.Instance) error {
	svc := &corev1.Service{ObjectMeta: metav1.ObjectMeta{Name: instance.Name + "-svc", Namespace: instance.Namespace}}
	return utils.DeleteObject(ctx, r.Client, svc)
}

func podEnded(pod *corev1.Pod) bool {
	return pod.Status.Phase == corev1.PodSucceeded || pod.Status.Phase == corev1.PodFailed
}

// SetupWithManager sets up the controller with the Manager.
func (r *InstanceReconciler) SetupWithManager(mgr ctrl.Manager) error {
	return ctrl.NewControllerManagedBy(mgr).
		For(&akriv1alpha1.Instance{}).
		Owns(&corev1.Pod{}).
		Owns(&batchv1.Job{}).
		Owns(&corev1.Service{}).
		Complete(r)
}
