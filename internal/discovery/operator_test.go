package discovery

import (
	"context"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	kerrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/types"
	clientgoscheme "k8s.io/client-go/kubernetes/scheme"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/client/fake"

	"github.com/akri-sh/akri/api/v1alpha1"
	"github.com/akri-sh/akri/core/metrics"
	"github.com/akri-sh/akri/internal/discoveryapi"
	"github.com/akri-sh/akri/internal/registry"
)

func testScheme(t *testing.T) *runtime.Scheme {
	t.Helper()
	scheme := runtime.NewScheme()
	if err := clientgoscheme.AddToScheme(scheme); err != nil {
		t.Fatal(err)
	}
	if err := v1alpha1.AddToScheme(scheme); err != nil {
		t.Fatal(err)
	}
	return scheme
}

func testConfiguration(capacity int32) *v1alpha1.Configuration {
	return &v1alpha1.Configuration{
		ObjectMeta: metav1.ObjectMeta{Name: "cam", Namespace: "default", UID: "cfg-uid"},
		Spec: v1alpha1.ConfigurationSpec{
			DiscoveryHandlerName: "udev",
			Capacity:             capacity,
			BrokerProperties:     map[string]string{"BROKER_KEY": "broker-value"},
		},
	}
}

func testOperator(t *testing.T, kube client.Client, cfg *v1alpha1.Configuration) *Operator {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	reg := registry.New(ctx)
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	return NewOperator("node-a", "/var/lib/akri", kube, reg, nil, metrics.New(), nil, cfg, log)
}

func getInstance(t *testing.T, kube client.Client, name string) *v1alpha1.Instance {
	t.Helper()
	instance := &v1alpha1.Instance{}
	if err := kube.Get(context.Background(), types.NamespacedName{Namespace: "default", Name: name}, instance); err != nil {
		t.Fatalf("getting instance %s: %v", name, err)
	}
	return instance
}

func TestProcessResponseCreatesInstances(t *testing.T) {
	cfg := testConfiguration(2)
	kube := fake.NewClientBuilder().WithScheme(testScheme(t)).WithObjects(cfg).Build()
	op := testOperator(t, kube, cfg)

	resp := &discoveryapi.DiscoverResponse{Devices: []discoveryapi.Device{
		{ID: "dev0", Properties: map[string]string{"DEVNODE": "/dev/video0"}},
	}}
	if err := op.processResponse(context.Background(), resp, false); err != nil {
		t.Fatal(err)
	}

	name := InstanceName("cam", "dev0")
	instance := getInstance(t, kube, name)

	if instance.Spec.ConfigurationName != "cam" {
		t.Errorf("configurationName = %q, want cam", instance.Spec.ConfigurationName)
	}
	if instance.Spec.Shared {
		t.Error("instance from a local handler must not be shared")
	}
	if len(instance.Spec.Nodes) != 1 || instance.Spec.Nodes[0] != "node-a" {
		t.Errorf("nodes = %v, want [node-a]", instance.Spec.Nodes)
	}
	if len(instance.Spec.DeviceUsage) != 2 {
		t.Fatalf("deviceUsage has %d slots, want capacity 2", len(instance.Spec.DeviceUsage))
	}
	for slot, owner := range instance.Spec.DeviceUsage {
		if owner != "" {
			t.Errorf("slot %s created as owned by %q, want empty", slot, owner)
		}
	}
	if instance.Spec.BrokerProperties["BROKER_KEY"] != "broker-value" {
		t.Error("configuration brokerProperties not merged")
	}
	if instance.Spec.BrokerProperties["DEVNODE"] != "/dev/video0" {
		t.Error("device properties not merged")
	}
	if len(instance.OwnerReferences) != 1 || instance.OwnerReferences[0].Name != "cam" {
		t.Errorf("ownerReferences = %v, want one reference to the Configuration", instance.OwnerReferences)
	}
}

func TestProcessResponseIsIdempotent(t *testing.T) {
	cfg := testConfiguration(1)
	kube := fake.NewClientBuilder().WithScheme(testScheme(t)).WithObjects(cfg).Build()
	op := testOperator(t, kube, cfg)

	resp := &discoveryapi.DiscoverResponse{Devices: []discoveryapi.Device{{ID: "dev0"}}}
	for i := 0; i < 3; i++ {
		if err := op.processResponse(context.Background(), resp, false); err != nil {
			t.Fatal(err)
		}
	}

	list := &v1alpha1.InstanceList{}
	if err := kube.List(context.Background(), list); err != nil {
		t.Fatal(err)
	}
	if len(list.Items) != 1 {
		t.Fatalf("got %d instances after repeated identical responses, want 1", len(list.Items))
	}
}

func TestSharedInstanceJoinedBySecondNode(t *testing.T) {
	cfg := testConfiguration(1)
	name := InstanceName("cam", "dev0")
	existing := &v1alpha1.Instance{
		ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: "default"},
		Spec: v1alpha1.InstanceSpec{
			ConfigurationName: "cam",
			Shared:            true,
			Nodes:             []string{"node-b"},
			DeviceUsage:       map[string]string{"0": ""},
		},
	}
	kube := fake.NewClientBuilder().WithScheme(testScheme(t)).WithObjects(cfg, existing).Build()
	op := testOperator(t, kube, cfg)

	resp := &discoveryapi.DiscoverResponse{Devices: []discoveryapi.Device{{ID: "dev0"}}}
	if err := op.processResponse(context.Background(), resp, true); err != nil {
		t.Fatal(err)
	}

	instance := getInstance(t, kube, name)
	if len(instance.Spec.Nodes) != 2 || !instance.HasNode("node-a") || !instance.HasNode("node-b") {
		t.Errorf("nodes = %v, want both node-a and node-b", instance.Spec.Nodes)
	}
}

func TestNonSharedInstanceOwnedByOtherNodeIsLeftAlone(t *testing.T) {
	cfg := testConfiguration(1)
	name := InstanceName("cam", "dev0")
	existing := &v1alpha1.Instance{
		ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: "default"},
		Spec: v1alpha1.InstanceSpec{
			ConfigurationName: "cam",
			Shared:            false,
			Nodes:             []string{"node-b"},
			DeviceUsage:       map[string]string{"0": "node-b"},
		},
	}
	kube := fake.NewClientBuilder().WithScheme(testScheme(t)).WithObjects(cfg, existing).Build()
	op := testOperator(t, kube, cfg)

	resp := &discoveryapi.DiscoverResponse{Devices: []discoveryapi.Device{{ID: "dev0"}}}
	if err := op.processResponse(context.Background(), resp, false); err != nil {
		t.Fatal(err)
	}

	instance := getInstance(t, kube, name)
	if instance.HasNode("node-a") {
		t.Errorf("nodes = %v: a non-shared instance owned by node-b must not gain node-a", instance.Spec.Nodes)
	}
}

func TestRemovalWaitsOutResettleWindow(t *testing.T) {
	cfg := testConfiguration(1)
	kube := fake.NewClientBuilder().WithScheme(testScheme(t)).WithObjects(cfg).Build()
	op := testOperator(t, kube, cfg)

	ctx := context.Background()
	with := &discoveryapi.DiscoverResponse{Devices: []discoveryapi.Device{{ID: "dev0"}}}
	without := &discoveryapi.DiscoverResponse{}
	name := InstanceName("cam", "dev0")

	if err := op.processResponse(ctx, with, false); err != nil {
		t.Fatal(err)
	}
	if err := op.processResponse(ctx, without, false); err != nil {
		t.Fatal(err)
	}

	// Within the window the Instance must survive.
	getInstance(t, kube, name)
	if _, pending := op.pendingRemoval[name]; !pending {
		t.Fatal("vanished device not marked for pending removal")
	}

	// Reappearing clears the pending removal.
	if err := op.processResponse(ctx, with, false); err != nil {
		t.Fatal(err)
	}
	if _, pending := op.pendingRemoval[name]; pending {
		t.Fatal("reappeared device still marked for pending removal")
	}
	getInstance(t, kube, name)

	// Gone again, and this time the window has elapsed.
	if err := op.processResponse(ctx, without, false); err != nil {
		t.Fatal(err)
	}
	op.pendingRemoval[name] = time.Now().Add(-2 * resettleWindow)
	op.flushRemovals(ctx, false)

	err := kube.Get(ctx, types.NamespacedName{Namespace: "default", Name: name}, &v1alpha1.Instance{})
	if !kerrors.IsNotFound(err) {
		t.Fatalf("instance still present after re-settle window: err=%v", err)
	}
}

func TestRemovalDropsNodeFromSharedInstance(t *testing.T) {
	cfg := testConfiguration(1)
	name := InstanceName("cam", "dev0")
	existing := &v1alpha1.Instance{
		ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: "default"},
		Spec: v1alpha1.InstanceSpec{
			ConfigurationName: "cam",
			Shared:            true,
			Nodes:             []string{"node-a", "node-b"},
			DeviceUsage:       map[string]string{"0": "node-a"},
		},
	}
	kube := fake.NewClientBuilder().WithScheme(testScheme(t)).WithObjects(cfg, existing).Build()
	op := testOperator(t, kube, cfg)

	if err := op.removeNodeFromInstance(context.Background(), name, true); err != nil {
		t.Fatal(err)
	}

	instance := getInstance(t, kube, name)
	if instance.HasNode("node-a") {
		t.Errorf("nodes = %v, node-a should have been dropped", instance.Spec.Nodes)
	}
	if !instance.HasNode("node-b") {
		t.Errorf("nodes = %v, node-b must remain", instance.Spec.Nodes)
	}
	if instance.Spec.DeviceUsage["0"] != "" {
		t.Errorf("slot 0 still owned by %q after its node left", instance.Spec.DeviceUsage["0"])
	}
}

func TestRemovalDeletesSharedInstanceWhenLastNodeLeaves(t *testing.T) {
	cfg := testConfiguration(1)
	name := InstanceName("cam", "dev0")
	existing := &v1alpha1.Instance{
		ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: "default"},
		Spec: v1alpha1.InstanceSpec{
			ConfigurationName: "cam",
			Shared:            true,
			Nodes:             []string{"node-a"},
			DeviceUsage:       map[string]string{"0": ""},
		},
	}
	kube := fake.NewClientBuilder().WithScheme(testScheme(t)).WithObjects(cfg, existing).Build()
	op := testOperator(t, kube, cfg)

	if err := op.removeNodeFromInstance(context.Background(), name, true); err != nil {
		t.Fatal(err)
	}

	err := kube.Get(context.Background(), types.NamespacedName{Namespace: "default", Name: name}, &v1alpha1.Instance{})
	if !kerrors.IsNotFound(err) {
		t.Fatalf("instance should be deleted once its last node leaves, got err=%v", err)
	}
}

func TestPublishKeepsOnlyLatestSnapshot(t *testing.T) {
	cfg := testConfiguration(1)
	kube := fake.NewClientBuilder().WithScheme(testScheme(t)).WithObjects(cfg).Build()
	op := testOperator(t, kube, cfg)

	op.lastSeen["one"] = discoveryapi.Device{ID: "one"}
	op.publish(false)
	op.lastSeen["two"] = discoveryapi.Device{ID: "two"}
	op.publish(false)

	select {
	case snap := <-op.Watch():
		if len(snap.Devices) != 2 {
			t.Fatalf("got snapshot with %d devices, want the latest with 2", len(snap.Devices))
		}
	default:
		t.Fatal("no snapshot available")
	}
}

func TestValidateSpecRejectsZeroCapacity(t *testing.T) {
	cfg := testConfiguration(0)
	if err := validateSpec(cfg); err == nil {
		t.Fatal("capacity 0 must be rejected")
	}
	cfg = testConfiguration(1)
	if err := validateSpec(cfg); err != nil {
		t.Fatalf("capacity 1 must be accepted, got %v", err)
	}
}
