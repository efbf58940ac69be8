package configwatcher

import (
	"context"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/types"
	clientgofake "k8s.io/client-go/kubernetes/fake"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/client/fake"

	"github.com/akri-sh/akri/api/v1alpha1"
	"github.com/akri-sh/akri/core/metrics"
	"github.com/akri-sh/akri/internal/deviceplugin"
	"github.com/akri-sh/akri/internal/properties"
	"github.com/akri-sh/akri/internal/registry"
)

func testWatcher(t *testing.T, kube client.Client) *Watcher {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)

	w := &Watcher{
		Client:      kube,
		NodeName:    "node-a",
		HandlersDir: t.TempDir(),
		Registry:    registry.New(ctx),
		Solver:      properties.New(clientgofake.NewSimpleClientset()),
		Metrics:     metrics.New(),
		Manager:     deviceplugin.NewManager("node-a", "default", t.TempDir(), "kubelet.sock", kube, log),
		Log:         log,
	}
	w.operators = make(map[types.NamespacedName]*operatorHandle)
	w.runCtx = ctx
	return w
}

func watcherScheme(t *testing.T) *runtime.Scheme {
	t.Helper()
	scheme := runtime.NewScheme()
	if err := v1alpha1.AddToScheme(scheme); err != nil {
		t.Fatal(err)
	}
	return scheme
}

func reconcile(t *testing.T, w *Watcher, name string) {
	t.Helper()
	_, err := w.Reconcile(context.Background(), ctrl.Request{
		NamespacedName: types.NamespacedName{Namespace: "default", Name: name},
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestReconcileSpawnsOperatorOncePerConfiguration(t *testing.T) {
	cfg := &v1alpha1.Configuration{
		ObjectMeta: metav1.ObjectMeta{Name: "cam", Namespace: "default", Generation: 1},
		Spec:       v1alpha1.ConfigurationSpec{DiscoveryHandlerName: "udev", Capacity: 1},
	}
	kube := fake.NewClientBuilder().WithScheme(watcherScheme(t)).WithObjects(cfg).Build()
	w := testWatcher(t, kube)

	reconcile(t, w, "cam")
	reconcile(t, w, "cam")

	w.mu.Lock()
	count := len(w.operators)
	handle := w.operators[types.NamespacedName{Namespace: "default", Name: "cam"}]
	w.mu.Unlock()
	if count != 1 || handle == nil {
		t.Fatalf("got %d operators, want exactly 1 for the configuration", count)
	}
	if handle.generation != 1 {
		t.Errorf("tracked generation = %d, want 1", handle.generation)
	}
}

func TestReconcileSwapsSpecOnGenerationChange(t *testing.T) {
	cfg := &v1alpha1.Configuration{
		ObjectMeta: metav1.ObjectMeta{Name: "cam", Namespace: "default", Generation: 1},
		Spec:       v1alpha1.ConfigurationSpec{DiscoveryHandlerName: "udev", Capacity: 1},
	}
	kube := fake.NewClientBuilder().WithScheme(watcherScheme(t)).WithObjects(cfg).Build()
	w := testWatcher(t, kube)

	reconcile(t, w, "cam")

	current := &v1alpha1.Configuration{}
	if err := kube.Get(context.Background(), types.NamespacedName{Namespace: "default", Name: "cam"}, current); err != nil {
		t.Fatal(err)
	}
	current.Spec.Capacity = 3
	current.Generation = 2
	if err := kube.Update(context.Background(), current); err != nil {
		t.Fatal(err)
	}

	reconcile(t, w, "cam")

	w.mu.Lock()
	handle := w.operators[types.NamespacedName{Namespace: "default", Name: "cam"}]
	w.mu.Unlock()
	if handle == nil {
		t.Fatal("operator gone after spec change")
	}
	if handle.generation != 2 {
		t.Errorf("tracked generation = %d, want 2 after swap", handle.generation)
	}
}

func TestReconcileStopsOperatorOnDelete(t *testing.T) {
	cfg := &v1alpha1.Configuration{
		ObjectMeta: metav1.ObjectMeta{Name: "cam", Namespace: "default", Generation: 1},
		Spec:       v1alpha1.ConfigurationSpec{DiscoveryHandlerName: "udev", Capacity: 1},
	}
	kube := fake.NewClientBuilder().WithScheme(watcherScheme(t)).WithObjects(cfg).Build()
	w := testWatcher(t, kube)

	reconcile(t, w, "cam")

	if err := kube.Delete(context.Background(), cfg); err != nil {
		t.Fatal(err)
	}

	done := make(chan struct{})
	go func() {
		reconcile(t, w, "cam")
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("delete reconcile did not finish; operator never exited")
	}

	w.mu.Lock()
	count := len(w.operators)
	w.mu.Unlock()
	if count != 0 {
		t.Fatalf("got %d operators after delete, want 0", count)
	}
}
