package controllers

import (
	"context"
	"testing"

	corev1 "k8s.io/api/core/v1"
	kerrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/client/fake"

	akriv1alpha1 "github.com/akri-sh/akri/api/v1alpha1"
)

func readyNode(name string, ready corev1.ConditionStatus) *corev1.Node {
	return &corev1.Node{
		ObjectMeta: metav1.ObjectMeta{Name: name},
		Status: corev1.NodeStatus{
			Conditions: []corev1.NodeCondition{{Type: corev1.NodeReady, Status: ready}},
		},
	}
}

func sharedInstanceOn(nodes []string, deviceUsage map[string]string) *akriv1alpha1.Instance {
	return &akriv1alpha1.Instance{
		ObjectMeta: metav1.ObjectMeta{Name: "cam-0a1b2c3d4e", Namespace: "default"},
		Spec: akriv1alpha1.InstanceSpec{
			ConfigurationName: "cam",
			Shared:            true,
			Nodes:             nodes,
			DeviceUsage:       deviceUsage,
		},
	}
}

func reconcileNode(t *testing.T, r *NodeReconciler, name string) {
	t.Helper()
	if _, err := r.Reconcile(context.Background(), ctrl.Request{NamespacedName: types.NamespacedName{Name: name}}); err != nil {
		t.Fatal(err)
	}
}

func TestNodeFailureScrubsInstances(t *testing.T) {
	node := readyNode("node-b", corev1.ConditionTrue)
	instance := sharedInstanceOn([]string{"node-a", "node-b"}, map[string]string{"0": "node-b", "1": "node-a"})
	kube := fake.NewClientBuilder().WithScheme(testScheme(t)).
		WithStatusSubresource(&corev1.Node{}).
		WithObjects(node, instance).Build()
	r := &NodeReconciler{Client: kube, Log: quietLog()}

	// Seen Ready: the node becomes Running.
	reconcileNode(t, r, "node-b")

	// Goes NotReady; the grace period holds the first cycles.
	current := &corev1.Node{}
	if err := kube.Get(context.Background(), types.NamespacedName{Name: "node-b"}, current); err != nil {
		t.Fatal(err)
	}
	current.Status.Conditions[0].Status = corev1.ConditionFalse
	if err := kube.Status().Update(context.Background(), current); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < notReadyGraceCycles-1; i++ {
		reconcileNode(t, r, "node-b")
		check := &akriv1alpha1.Instance{}
		if err := kube.Get(context.Background(), types.NamespacedName{Namespace: "default", Name: instance.Name}, check); err != nil {
			t.Fatal(err)
		}
		if !check.HasNode("node-b") {
			t.Fatalf("instance scrubbed after only %d NotReady cycles", i+1)
		}
	}

	// Past the grace: references are scrubbed.
	reconcileNode(t, r, "node-b")
	check := &akriv1alpha1.Instance{}
	if err := kube.Get(context.Background(), types.NamespacedName{Namespace: "default", Name: instance.Name}, check); err != nil {
		t.Fatal(err)
	}
	if check.HasNode("node-b") {
		t.Errorf("nodes = %v, node-b should be dropped", check.Spec.Nodes)
	}
	if check.Spec.DeviceUsage["0"] != "" {
		t.Errorf("slot 0 owner = %q, want freed", check.Spec.DeviceUsage["0"])
	}
	if check.Spec.DeviceUsage["1"] != "node-a" {
		t.Errorf("slot 1 owner = %q, the healthy node's slot must survive", check.Spec.DeviceUsage["1"])
	}
}

func TestNodeDeletionScrubsInstances(t *testing.T) {
	node := readyNode("node-b", corev1.ConditionTrue)
	instance := sharedInstanceOn([]string{"node-b"}, map[string]string{"0": "node-b"})
	kube := fake.NewClientBuilder().WithScheme(testScheme(t)).WithObjects(node, instance).Build()
	r := &NodeReconciler{Client: kube, Log: quietLog()}

	reconcileNode(t, r, "node-b")

	if err := kube.Delete(context.Background(), node); err != nil {
		t.Fatal(err)
	}
	reconcileNode(t, r, "node-b")

	// node-b was the only node: the instance goes away entirely.
	err := kube.Get(context.Background(), types.NamespacedName{Namespace: "default", Name: instance.Name}, &akriv1alpha1.Instance{})
	if !kerrors.IsNotFound(err) {
		t.Fatalf("instance should be deleted once its only node is gone, err=%v", err)
	}
}

func TestUnknownNodeDisappearingIsIgnored(t *testing.T) {
	instance := sharedInstanceOn([]string{"node-b"}, map[string]string{"0": "node-b"})
	kube := fake.NewClientBuilder().WithScheme(testScheme(t)).WithObjects(instance).Build()
	r := &NodeReconciler{Client: kube, Log: quietLog()}

	// Never seen Running: a delete event for it must not touch Instances.
	reconcileNode(t, r, "node-b")

	check := &akriv1alpha1.Instance{}
	if err := kube.Get(context.Background(), types.NamespacedName{Namespace: "default", Name: instance.Name}, check); err != nil {
		t.Fatal(err)
	}
	if !check.HasNode("node-b") {
		t.Error("instance scrubbed for a node that was never seen Running")
	}
}
