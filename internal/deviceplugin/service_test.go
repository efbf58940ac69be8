package deviceplugin

import (
	"context"
	"testing"

	"github.com/sirupsen/logrus"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	pluginapi "k8s.io/kubelet/pkg/apis/deviceplugin/v1beta1"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/client/fake"

	"github.com/akri-sh/akri/api/v1alpha1"
	"github.com/akri-sh/akri/internal/discoveryapi"
)

func testScheme(t *testing.T) *runtime.Scheme {
	t.Helper()
	scheme := runtime.NewScheme()
	if err := v1alpha1.AddToScheme(scheme); err != nil {
		t.Fatal(err)
	}
	return scheme
}

func quietLog() logrus.FieldLogger {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	return log
}

func testInstance(deviceUsage map[string]string) *v1alpha1.Instance {
	return &v1alpha1.Instance{
		ObjectMeta: metav1.ObjectMeta{Name: "cam-0a1b2c3d4e", Namespace: "default"},
		Spec: v1alpha1.InstanceSpec{
			ConfigurationName: "cam",
			Shared:            true,
			Nodes:             []string{"node-a"},
			DeviceUsage:       deviceUsage,
			BrokerProperties:  map[string]string{"RTSP_URL": "rtsp://10.0.0.1"},
		},
	}
}

func testService(t *testing.T, kube client.Client, node string) *Service {
	t.Helper()
	device := discoveryapi.Device{
		ID: "dev0",
		Mounts: []discoveryapi.Mount{
			{ContainerPath: "/dev/video0", HostPath: "/dev/video0", ReadOnly: true},
		},
		DeviceSpecs: []discoveryapi.DeviceSpec{
			{ContainerPath: "/dev/video0", HostPath: "/dev/video0", Permissions: "rw"},
		},
	}
	return NewService("cam-0a1b2c3d4e", "default", node, t.TempDir(), "kubelet.sock", kube, device, quietLog())
}

func TestAllocateClaimsFreeSlot(t *testing.T) {
	instance := testInstance(map[string]string{"0": "", "1": ""})
	kube := fake.NewClientBuilder().WithScheme(testScheme(t)).WithObjects(instance).Build()
	s := testService(t, kube, "node-a")

	resp, err := s.Allocate(context.Background(), &pluginapi.AllocateRequest{
		ContainerRequests: []*pluginapi.ContainerAllocateRequest{
			{DevicesIDs: []string{"cam-0a1b2c3d4e-0"}},
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(resp.ContainerResponses) != 1 {
		t.Fatalf("got %d container responses, want 1", len(resp.ContainerResponses))
	}

	cr := resp.ContainerResponses[0]
	if cr.Envs["RTSP_URL"] != "rtsp://10.0.0.1" {
		t.Error("brokerProperties not injected into environment")
	}
	if cr.Envs["AKRI_CAM_0"] != "cam-0a1b2c3d4e-0" {
		t.Errorf("slot env = %q, want the slot id", cr.Envs["AKRI_CAM_0"])
	}
	if cr.Annotations[v1alpha1.SlotAnnotationPrefix+"cam-0a1b2c3d4e-0"] != "cam-0a1b2c3d4e" {
		t.Error("slot annotation missing or wrong")
	}
	if len(cr.Mounts) != 1 || cr.Mounts[0].HostPath != "/dev/video0" {
		t.Errorf("mounts = %v, want the device record's mount", cr.Mounts)
	}
	if len(cr.Devices) != 1 || cr.Devices[0].Permissions != "rw" {
		t.Errorf("devices = %v, want the device record's device spec", cr.Devices)
	}

	updated := &v1alpha1.Instance{}
	if err := kube.Get(context.Background(), client.ObjectKeyFromObject(instance), updated); err != nil {
		t.Fatal(err)
	}
	if updated.Spec.DeviceUsage["0"] != "node-a" {
		t.Errorf("slot 0 owner = %q, want node-a", updated.Spec.DeviceUsage["0"])
	}
	if updated.Spec.DeviceUsage["1"] != "" {
		t.Errorf("slot 1 owner = %q, want empty", updated.Spec.DeviceUsage["1"])
	}
}

func TestAllocateTakenSlotIsResourceExhausted(t *testing.T) {
	instance := testInstance(map[string]string{"0": "node-b"})
	kube := fake.NewClientBuilder().WithScheme(testScheme(t)).WithObjects(instance).Build()
	s := testService(t, kube, "node-a")

	_, err := s.Allocate(context.Background(), &pluginapi.AllocateRequest{
		ContainerRequests: []*pluginapi.ContainerAllocateRequest{
			{DevicesIDs: []string{"cam-0a1b2c3d4e-0"}},
		},
	})
	if status.Code(err) != codes.ResourceExhausted {
		t.Fatalf("allocating a slot held by another node: got %v, want ResourceExhausted", err)
	}
}

func TestAllocateSameNodeTwiceSucceeds(t *testing.T) {
	instance := testInstance(map[string]string{"0": "node-a"})
	kube := fake.NewClientBuilder().WithScheme(testScheme(t)).WithObjects(instance).Build()
	s := testService(t, kube, "node-a")

	_, err := s.Allocate(context.Background(), &pluginapi.AllocateRequest{
		ContainerRequests: []*pluginapi.ContainerAllocateRequest{
			{DevicesIDs: []string{"cam-0a1b2c3d4e-0"}},
		},
	})
	if err != nil {
		t.Fatalf("re-allocating our own slot must succeed, got %v", err)
	}
}

func TestAllocateUnknownSlotIsInvalidArgument(t *testing.T) {
	instance := testInstance(map[string]string{"0": ""})
	kube := fake.NewClientBuilder().WithScheme(testScheme(t)).WithObjects(instance).Build()
	s := testService(t, kube, "node-a")

	_, err := s.Allocate(context.Background(), &pluginapi.AllocateRequest{
		ContainerRequests: []*pluginapi.ContainerAllocateRequest{
			{DevicesIDs: []string{"cam-0a1b2c3d4e-7"}},
		},
	})
	if status.Code(err) != codes.InvalidArgument {
		t.Fatalf("allocating an unknown slot: got %v, want InvalidArgument", err)
	}

	_, err = s.Allocate(context.Background(), &pluginapi.AllocateRequest{
		ContainerRequests: []*pluginapi.ContainerAllocateRequest{
			{DevicesIDs: []string{"other-instance-0"}},
		},
	})
	if status.Code(err) != codes.InvalidArgument {
		t.Fatalf("allocating a foreign device id: got %v, want InvalidArgument", err)
	}
}

func TestSlotDevicesHealth(t *testing.T) {
	instance := testInstance(map[string]string{"0": "", "1": "node-a", "2": "node-b"})
	kube := fake.NewClientBuilder().WithScheme(testScheme(t)).Build()
	s := testService(t, kube, "node-a")

	health := make(map[string]string)
	for _, d := range s.slotDevices(instance) {
		health[d.ID] = d.Health
	}

	if health["cam-0a1b2c3d4e-0"] != pluginapi.Healthy {
		t.Error("free slot must be healthy")
	}
	if health["cam-0a1b2c3d4e-1"] != pluginapi.Healthy {
		t.Error("slot held by this node must be healthy")
	}
	if health["cam-0a1b2c3d4e-2"] != pluginapi.Unhealthy {
		t.Error("slot held by another node must be unhealthy")
	}
}

func TestSlotEnvName(t *testing.T) {
	cases := map[string]string{
		"cam":        "AKRI_CAM_0",
		"opc-ua":     "AKRI_OPC_UA_0",
		"my.config1": "AKRI_MY_CONFIG1_0",
	}
	for configuration, want := range cases {
		if got := slotEnvName(configuration, "0"); got != want {
			t.Errorf("slotEnvName(%q) = %q, want %q", configuration, got, want)
		}
	}
}
