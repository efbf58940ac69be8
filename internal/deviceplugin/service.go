// Package deviceplugin exposes each discovered Instance to the kubelet as a
// device-plugin resource: one gRPC server per Instance under the kubelet
// device-plugin directory, a pool of capacity slots as devices, and a
// periodic reconciliation that reclaims slots whose consuming container has
// vanished.
package deviceplugin

import (
	"context"
	"fmt"
	"math/rand"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	kerrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/types"
	pluginapi "k8s.io/kubelet/pkg/apis/deviceplugin/v1beta1"
	"sigs.k8s.io/controller-runtime/pkg/client"

	"github.com/akri-sh/akri/api/v1alpha1"
	"github.com/akri-sh/akri/core/akrierror"
	"github.com/akri-sh/akri/internal/discoveryapi"
	"github.com/akri-sh/akri/internal/transport"
)

const (
	// resourceNamePrefix is the device-plugin resource namespace each
	// Instance is advertised under, e.g. akri.sh/cam-8d3f2a6b91.
	resourceNamePrefix = "akri.sh/"

	// kubeletRetryInterval paces registration attempts against the kubelet.
	kubeletRetryInterval = 10 * time.Second

	kubeletDialTimeout = 10 * time.Second

	maxSlotUpdateTries = 5

	slotConflictJitterMax = 200 * time.Millisecond
)

// Service is the kubelet device-plugin server for one Instance on this node.
type Service struct {
	instanceName string
	namespace    string
	nodeName     string
	socketDir    string
	kubeletSock  string
	kube         client.Client
	log          logrus.FieldLogger

	mu     sync.Mutex
	device discoveryapi.Device

	// updated wakes ListAndWatch whenever the Instance CR or the device
	// record changed; capacity 1, only the fact of a change matters.
	updated chan struct{}

	server *grpc.Server
}

// NewService returns a device-plugin service for the named Instance.
// socketDir is the kubelet device-plugin directory; kubeletSock the kubelet
// registration socket inside it.
func NewService(instanceName, namespace, nodeName, socketDir, kubeletSock string, kube client.Client, device discoveryapi.Device, log logrus.FieldLogger) *Service {
	return &Service{
		instanceName: instanceName,
		namespace:    namespace,
		nodeName:     nodeName,
		socketDir:    socketDir,
		kubeletSock:  kubeletSock,
		kube:         kube,
		device:       device,
		updated:      make(chan struct{}, 1),
		log:          log.WithField("instance", instanceName),
	}
}

func (s *Service) resourceName() string { return resourceNamePrefix + s.instanceName }

func (s *Service) socketName() string { return s.instanceName + ".sock" }

// UpdateDevice swaps in a fresh device record from the latest discovery
// snapshot and nudges ListAndWatch.
func (s *Service) UpdateDevice(device discoveryapi.Device) {
	s.mu.Lock()
	s.device = device
	s.mu.Unlock()
	s.Notify()
}

// Notify wakes ListAndWatch so it re-reads the Instance and re-advertises
// slot health. Safe to call from any goroutine; coalesces bursts.
func (s *Service) Notify() {
	select {
	case s.updated <- struct{}{}:
	default:
	}
}

// Run serves the device-plugin API on the per-Instance socket and registers
// with the kubelet, blocking until ctx is cancelled.
func (s *Service) Run(ctx context.Context) error {
	socketPath := filepath.Join(s.socketDir, s.socketName())
	lis, err := transport.Listen(socketPath)
	if err != nil {
		return err
	}

	s.server = grpc.NewServer()
	pluginapi.RegisterDevicePluginServer(s.server, s)

	errCh := make(chan error, 1)
	go func() {
		s.log.Infof("device plugin listening on %s", socketPath)
		errCh <- s.server.Serve(lis)
	}()

	if err := s.registerWithKubelet(ctx); err != nil {
		s.server.Stop()
		return err
	}

	select {
	case <-ctx.Done():
		s.server.GracefulStop()
		return nil
	case err := <-errCh:
		return err
	}
}

// registerWithKubelet performs the device-plugin handshake, retrying until
// the kubelet accepts the registration or ctx ends.
func (s *Service) registerWithKubelet(ctx context.Context) error {
	for {
		err := s.registerOnce(ctx)
		if err == nil {
			s.log.Infof("registered resource %s with kubelet", s.resourceName())
			return nil
		}
		s.log.WithError(err).Warn("kubelet registration failed, retrying")
		timer := time.NewTimer(kubeletRetryInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func (s *Service) registerOnce(ctx context.Context) error {
	conn, err := transport.Dial(ctx, filepath.Join(s.socketDir, s.kubeletSock), kubeletDialTimeout)
	if err != nil {
		return err
	}
	defer conn.Close()

	client := pluginapi.NewRegistrationClient(conn)
	callCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	_, err = client.Register(callCtx, &pluginapi.RegisterRequest{
		Version:      pluginapi.Version,
		Endpoint:     s.socketName(),
		ResourceName: s.resourceName(),
	})
	return err
}

// GetDevicePluginOptions is part of the kubelet handshake.
func (s *Service) GetDevicePluginOptions(ctx context.Context, _ *pluginapi.Empty) (*pluginapi.DevicePluginOptions, error) {
	return &pluginapi.DevicePluginOptions{}, nil
}

// PreStartContainer is advertised as not required.
func (s *Service) PreStartContainer(ctx context.Context, _ *pluginapi.PreStartContainerRequest) (*pluginapi.PreStartContainerResponse, error) {
	return &pluginapi.PreStartContainerResponse{}, nil
}

// GetPreferredAllocation is not implemented; the kubelet is told so via
// empty DevicePluginOptions.
func (s *Service) GetPreferredAllocation(ctx context.Context, _ *pluginapi.PreferredAllocationRequest) (*pluginapi.PreferredAllocationResponse, error) {
	return &pluginapi.PreferredAllocationResponse{}, nil
}

// ListAndWatch streams the slot list to the kubelet: one device per slot,
// healthy when the slot is free or held by this node, unhealthy when another
// node holds it. A new list is emitted whenever the Instance changes.
func (s *Service) ListAndWatch(_ *pluginapi.Empty, stream pluginapi.DevicePlugin_ListAndWatchServer) error {
	ctx := stream.Context()
	for {
		devices, err := s.currentDevices(ctx)
		if err != nil {
			s.log.WithError(err).Warn("reading Instance for ListAndWatch failed")
			devices = nil
		}
		if err := stream.Send(&pluginapi.ListAndWatchResponse{Devices: devices}); err != nil {
			return err
		}

		select {
		case <-ctx.Done():
			return nil
		case <-s.updated:
		}
	}
}

func (s *Service) currentDevices(ctx context.Context) ([]*pluginapi.Device, error) {
	instance := &v1alpha1.Instance{}
	if err := s.kube.Get(ctx, types.NamespacedName{Namespace: s.namespace, Name: s.instanceName}, instance); err != nil {
		return nil, err
	}
	return s.slotDevices(instance), nil
}

func (s *Service) slotDevices(instance *v1alpha1.Instance) []*pluginapi.Device {
	devices := make([]*pluginapi.Device, 0, len(instance.Spec.DeviceUsage))
	for slot, owner := range instance.Spec.DeviceUsage {
		health := pluginapi.Healthy
		if owner != "" && owner != s.nodeName {
			health = pluginapi.Unhealthy
		}
		devices = append(devices, &pluginapi.Device{
			ID:     s.slotID(slot),
			Health: health,
		})
	}
	return devices
}

func (s *Service) slotID(slot string) string { return s.instanceName + "-" + slot }

func (s *Service) slotFromID(id string) (string, error) {
	slot, ok := strings.CutPrefix(id, s.instanceName+"-")
	if !ok || slot == "" {
		return "", fmt.Errorf("device id %q does not belong to instance %s", id, s.instanceName)
	}
	return slot, nil
}

// Allocate claims the requested slots for this node via compare-and-swap on
// the Instance CR and returns the broker container's environment, mounts,
// device nodes and slot annotation. Any already-taken slot fails the whole
// call with ResourceExhausted.
func (s *Service) Allocate(ctx context.Context, req *pluginapi.AllocateRequest) (*pluginapi.AllocateResponse, error) {
	resp := &pluginapi.AllocateResponse{}
	for _, containerReq := range req.ContainerRequests {
		slots := make([]string, 0, len(containerReq.DevicesIDs))
		for _, id := range containerReq.DevicesIDs {
			slot, err := s.slotFromID(id)
			if err != nil {
				return nil, status.Error(codes.InvalidArgument, err.Error())
			}
			slots = append(slots, slot)
		}

		instance, err := s.claimSlots(ctx, slots)
		if err != nil {
			return nil, err
		}
		resp.ContainerResponses = append(resp.ContainerResponses, s.containerResponse(instance, slots))
	}
	s.Notify()
	return resp, nil
}

// claimSlots CASes deviceUsage[slot] from "" to this node for every
// requested slot, retrying on resource-version conflicts.
func (s *Service) claimSlots(ctx context.Context, slots []string) (*v1alpha1.Instance, error) {
	for try := 0; try < maxSlotUpdateTries; try++ {
		instance := &v1alpha1.Instance{}
		if err := s.kube.Get(ctx, types.NamespacedName{Namespace: s.namespace, Name: s.instanceName}, instance); err != nil {
			return nil, status.Errorf(codes.Unavailable, "reading instance: %v", err)
		}

		patched := instance.DeepCopy()
		for _, slot := range slots {
			owner, known := patched.Spec.DeviceUsage[slot]
			if !known {
				return nil, status.Errorf(codes.InvalidArgument, "instance %s has no slot %s", s.instanceName, slot)
			}
			switch owner {
			case "", s.nodeName:
				patched.Spec.DeviceUsage[slot] = s.nodeName
			default:
				return nil, status.Errorf(codes.ResourceExhausted, "slot %s already held by node %s", slot, owner)
			}
		}
		if !patched.HasNode(s.nodeName) {
			patched.Spec.Nodes = append(patched.Spec.Nodes, s.nodeName)
		}

		err := s.kube.Patch(ctx, patched, client.MergeFromWithOptions(instance, client.MergeFromWithOptimisticLock{}))
		if err == nil {
			return patched, nil
		}
		if kerrors.IsConflict(err) {
			jitterSleep(ctx)
			continue
		}
		return nil, status.Errorf(codes.Unavailable, "claiming slots: %v", (&akrierror.KubeError{Op: "patch instance " + s.instanceName, Err: err}).Error())
	}
	return nil, status.Errorf(codes.Aborted, "claiming slots on %s: conflict persisted after %d tries", s.instanceName, maxSlotUpdateTries)
}

func (s *Service) containerResponse(instance *v1alpha1.Instance, slots []string) *pluginapi.ContainerAllocateResponse {
	s.mu.Lock()
	device := s.device
	s.mu.Unlock()

	envs := make(map[string]string, len(instance.Spec.BrokerProperties)+len(slots))
	for k, v := range instance.Spec.BrokerProperties {
		envs[k] = v
	}
	annotations := make(map[string]string, len(slots))
	for _, slot := range slots {
		slotID := s.slotID(slot)
		envs[slotEnvName(instance.Spec.ConfigurationName, slot)] = slotID
		annotations[v1alpha1.SlotAnnotationPrefix+slotID] = s.instanceName
	}

	mounts := make([]*pluginapi.Mount, 0, len(device.Mounts))
	for _, m := range device.Mounts {
		mounts = append(mounts, &pluginapi.Mount{
			ContainerPath: m.ContainerPath,
			HostPath:      m.HostPath,
			ReadOnly:      m.ReadOnly,
		})
	}
	deviceSpecs := make([]*pluginapi.DeviceSpec, 0, len(device.DeviceSpecs))
	for _, d := range device.DeviceSpecs {
		deviceSpecs = append(deviceSpecs, &pluginapi.DeviceSpec{
			ContainerPath: d.ContainerPath,
			HostPath:      d.HostPath,
			Permissions:   d.Permissions,
		})
	}

	return &pluginapi.ContainerAllocateResponse{
		Envs:        envs,
		Mounts:      mounts,
		Devices:     deviceSpecs,
		Annotations: annotations,
	}
}

// slotEnvName builds the per-slot environment variable name, folding the
// configuration name into the shape env vars allow.
func slotEnvName(configurationName, slot string) string {
	upper := strings.ToUpper(configurationName)
	var b strings.Builder
	for _, r := range upper {
		if r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' {
			b.WriteRune(r)
		} else {
			b.WriteRune('_')
		}
	}
	return "AKRI_" + b.String() + "_" + slot
}

func jitterSleep(ctx context.Context) {
	timer := time.NewTimer(time.Duration(rand.Int63n(int64(slotConflictJitterMax))))
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
