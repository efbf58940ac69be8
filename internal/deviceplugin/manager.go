package deviceplugin

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"
	"sigs.k8s.io/controller-runtime/pkg/client"

	"github.com/akri-sh/akri/internal/discovery"
)

// Manager turns a discovery operator's snapshots into running per-Instance
// device-plugin services: a service is started for every Instance in the
// snapshot and stopped once its Instance disappears from it.
type Manager struct {
	nodeName    string
	namespace   string
	socketDir   string
	kubeletSock string
	kube        client.Client
	log         logrus.FieldLogger

	mu       sync.Mutex
	services map[string]*runningService
}

type runningService struct {
	service       *Service
	configuration string
	cancel        context.CancelFunc
	done          chan struct{}
}

// NewManager returns a Manager serving instances in namespace on this node.
func NewManager(nodeName, namespace, socketDir, kubeletSock string, kube client.Client, log logrus.FieldLogger) *Manager {
	return &Manager{
		nodeName:    nodeName,
		namespace:   namespace,
		socketDir:   socketDir,
		kubeletSock: kubeletSock,
		kube:        kube,
		log:         log.WithField("component", "deviceplugin"),
		services:    make(map[string]*runningService),
	}
}

// Consume applies snapshots from updates until ctx is cancelled, then stops
// every service it started.
func (m *Manager) Consume(ctx context.Context, updates <-chan discovery.Snapshot) {
	for {
		select {
		case <-ctx.Done():
			m.stopAll()
			return
		case snap := <-updates:
			m.apply(ctx, snap)
		}
	}
}

// Apply converges the running services with one snapshot. Exported for
// callers that multiplex several operators onto one Manager.
func (m *Manager) Apply(ctx context.Context, snap discovery.Snapshot) {
	m.apply(ctx, snap)
}

func (m *Manager) apply(ctx context.Context, snap discovery.Snapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for name, device := range snap.Devices {
		if running, ok := m.services[name]; ok {
			running.service.UpdateDevice(device)
			continue
		}

		service := NewService(name, m.namespace, m.nodeName, m.socketDir, m.kubeletSock, m.kube, device, m.log)
		serviceCtx, cancel := context.WithCancel(ctx)
		running := &runningService{service: service, configuration: snap.Configuration, cancel: cancel, done: make(chan struct{})}
		m.services[name] = running
		go func(name string) {
			defer close(running.done)
			if err := service.Run(serviceCtx); err != nil && serviceCtx.Err() == nil {
				m.log.WithError(err).Errorf("device plugin for %s exited", name)
			}
		}(name)
	}

	// A snapshot is authoritative only for its own Configuration's services.
	for name, running := range m.services {
		if running.configuration != snap.Configuration {
			continue
		}
		if _, still := snap.Devices[name]; still {
			continue
		}
		running.cancel()
		<-running.done
		delete(m.services, name)
		m.log.Infof("stopped device plugin for %s", name)
	}
}

// NotifyInstance wakes the ListAndWatch stream of the named Instance's
// service, if one is running; used by the Instance watch and the slot
// reconciler after a slot mutation.
func (m *Manager) NotifyInstance(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if running, ok := m.services[name]; ok {
		running.service.Notify()
	}
}

func (m *Manager) stopAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for name, running := range m.services {
		running.cancel()
		<-running.done
		delete(m.services, name)
	}
}
