package deviceplugin

import (
	"context"
	"testing"
	"time"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	runtimeapi "k8s.io/cri-api/pkg/apis/runtime/v1"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/client/fake"

	"github.com/akri-sh/akri/api/v1alpha1"
)

func testReconciler(t *testing.T, kube client.Client, containers []*runtimeapi.Container) *SlotReconciler {
	t.Helper()
	r := NewSlotReconciler("node-a", "default", "/run/cri.sock", kube, nil, 300*time.Second, quietLog())
	r.listContainers = func(ctx context.Context) ([]*runtimeapi.Container, error) {
		return containers, nil
	}
	return r
}

func annotatedContainer(slotID, instance string) *runtimeapi.Container {
	return &runtimeapi.Container{
		Annotations: map[string]string{v1alpha1.SlotAnnotationPrefix + slotID: instance},
	}
}

func slotOwner(t *testing.T, kube client.Client, name, slot string) string {
	t.Helper()
	instance := &v1alpha1.Instance{}
	if err := kube.Get(context.Background(), client.ObjectKey{Namespace: "default", Name: name}, instance); err != nil {
		t.Fatal(err)
	}
	return instance.Spec.DeviceUsage[slot]
}

func TestSweepReclaimsAbandonedSlotAfterTwoSweeps(t *testing.T) {
	instance := &v1alpha1.Instance{
		ObjectMeta: metav1.ObjectMeta{Name: "cam-0a1b2c3d4e", Namespace: "default"},
		Spec: v1alpha1.InstanceSpec{
			ConfigurationName: "cam",
			Nodes:             []string{"node-a"},
			DeviceUsage:       map[string]string{"0": "node-a"},
		},
	}
	kube := fake.NewClientBuilder().WithScheme(testScheme(t)).WithObjects(instance).Build()
	r := testReconciler(t, kube, nil)

	// First sweep: candidate only, the slot survives the grace period.
	if err := r.Sweep(context.Background()); err != nil {
		t.Fatal(err)
	}
	if owner := slotOwner(t, kube, "cam-0a1b2c3d4e", "0"); owner != "node-a" {
		t.Fatalf("slot reclaimed after one sweep, owner = %q", owner)
	}

	// Second sweep: still no container, the slot is reclaimed.
	if err := r.Sweep(context.Background()); err != nil {
		t.Fatal(err)
	}
	if owner := slotOwner(t, kube, "cam-0a1b2c3d4e", "0"); owner != "" {
		t.Fatalf("slot not reclaimed after two sweeps, owner = %q", owner)
	}
}

func TestSweepSparesSlotWithLiveContainer(t *testing.T) {
	instance := &v1alpha1.Instance{
		ObjectMeta: metav1.ObjectMeta{Name: "cam-0a1b2c3d4e", Namespace: "default"},
		Spec: v1alpha1.InstanceSpec{
			ConfigurationName: "cam",
			Nodes:             []string{"node-a"},
			DeviceUsage:       map[string]string{"0": "node-a"},
		},
	}
	kube := fake.NewClientBuilder().WithScheme(testScheme(t)).WithObjects(instance).Build()
	r := testReconciler(t, kube, []*runtimeapi.Container{
		annotatedContainer("cam-0a1b2c3d4e-0", "cam-0a1b2c3d4e"),
	})

	for i := 0; i < 3; i++ {
		if err := r.Sweep(context.Background()); err != nil {
			t.Fatal(err)
		}
	}
	if owner := slotOwner(t, kube, "cam-0a1b2c3d4e", "0"); owner != "node-a" {
		t.Fatalf("slot with a live container was reclaimed, owner = %q", owner)
	}
}

func TestSweepPendingResetsWhenContainerReappears(t *testing.T) {
	instance := &v1alpha1.Instance{
		ObjectMeta: metav1.ObjectMeta{Name: "cam-0a1b2c3d4e", Namespace: "default"},
		Spec: v1alpha1.InstanceSpec{
			ConfigurationName: "cam",
			Nodes:             []string{"node-a"},
			DeviceUsage:       map[string]string{"0": "node-a"},
		},
	}
	kube := fake.NewClientBuilder().WithScheme(testScheme(t)).WithObjects(instance).Build()

	var containers []*runtimeapi.Container
	r := NewSlotReconciler("node-a", "default", "/run/cri.sock", kube, nil, 300*time.Second, quietLog())
	r.listContainers = func(ctx context.Context) ([]*runtimeapi.Container, error) {
		return containers, nil
	}

	// Sweep 1: container missing, slot becomes a candidate.
	if err := r.Sweep(context.Background()); err != nil {
		t.Fatal(err)
	}

	// The container shows up again (slow start); candidacy must reset.
	containers = []*runtimeapi.Container{annotatedContainer("cam-0a1b2c3d4e-0", "cam-0a1b2c3d4e")}
	if err := r.Sweep(context.Background()); err != nil {
		t.Fatal(err)
	}

	// Gone again: this is sweep one of a fresh grace period, not sweep two
	// of the original.
	containers = nil
	if err := r.Sweep(context.Background()); err != nil {
		t.Fatal(err)
	}
	if owner := slotOwner(t, kube, "cam-0a1b2c3d4e", "0"); owner != "node-a" {
		t.Fatalf("slot reclaimed without a full fresh grace period, owner = %q", owner)
	}
}

func TestSweepIgnoresOtherNodesSlots(t *testing.T) {
	instance := &v1alpha1.Instance{
		ObjectMeta: metav1.ObjectMeta{Name: "cam-0a1b2c3d4e", Namespace: "default"},
		Spec: v1alpha1.InstanceSpec{
			ConfigurationName: "cam",
			Nodes:             []string{"node-b"},
			DeviceUsage:       map[string]string{"0": "node-b"},
		},
	}
	kube := fake.NewClientBuilder().WithScheme(testScheme(t)).WithObjects(instance).Build()
	r := testReconciler(t, kube, nil)

	for i := 0; i < 3; i++ {
		if err := r.Sweep(context.Background()); err != nil {
			t.Fatal(err)
		}
	}
	if owner := slotOwner(t, kube, "cam-0a1b2c3d4e", "0"); owner != "node-b" {
		t.Fatalf("another node's slot was touched, owner = %q", owner)
	}
}
