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

// The Agent is the per-node half of the system: it hosts the Discovery
// Handler registration server, runs one discovery operator per
// Configuration, advertises each discovered Instance to the kubelet through
// the device-plugin API, and periodically reclaims abandoned slots.
package main

import (
	"context"
	"fmt"
	"net/http"
	"path/filepath"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/sirupsen/logrus"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/client-go/kubernetes"
	clientgoscheme "k8s.io/client-go/kubernetes/scheme"
	"k8s.io/klog/v2"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/cache"
	metricsserver "sigs.k8s.io/controller-runtime/pkg/metrics/server"

	akriv1alpha1 "github.com/akri-sh/akri/api/v1alpha1"
	"github.com/akri-sh/akri/core/health"
	"github.com/akri-sh/akri/core/metrics"
	"github.com/akri-sh/akri/core/stopper"
	"github.com/akri-sh/akri/internal/configwatcher"
	"github.com/akri-sh/akri/internal/deviceplugin"
	"github.com/akri-sh/akri/internal/discovery"
	"github.com/akri-sh/akri/internal/properties"
	"github.com/akri-sh/akri/internal/registration"
	"github.com/akri-sh/akri/internal/registry"
	"github.com/akri-sh/akri/pkg/utils"
)

type agentConfig struct {
	KubeletSocketDirectory   string `envconfig:"KUBELET_SOCKET_DIRECTORY" default:"/var/lib/kubelet/device-plugins"`
	ContainerRuntimeEndpoint string `envconfig:"CONTAINER_RUNTIME_ENDPOINT" default:"/run/containerd/containerd.sock"`
	SlotGracePeriodSecs      int    `envconfig:"SLOT_RECONCILIATION_SLOT_GRACE_PERIOD_SECS" default:"300"`
	WatchNamespace           string `envconfig:"WATCH_NAMESPACE" default:"default"`
	MetricsPort              int    `envconfig:"METRICS_PORT" default:"8080"`
	HealthPort               int    `envconfig:"HEALTH_PORT" default:"8081"`
}

var scheme = runtime.NewScheme()

func init() {
	if err := clientgoscheme.AddToScheme(scheme); err != nil {
		panic(err)
	}
	if err := akriv1alpha1.AddToScheme(scheme); err != nil {
		panic(err)
	}
}

func main() {
	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	if err := run(log); err != nil {
		log.WithError(err).Fatal("agent exited with error")
	}
	log.Info("agent end")
}

func run(log *logrus.Logger) error {
	var cfg agentConfig
	if err := envconfig.Process("", &cfg); err != nil {
		return fmt.Errorf("reading environment: %w", err)
	}
	if utils.NodeName == "" {
		return fmt.Errorf("AGENT_NODE_NAME is required")
	}
	log.Infof("agent start on node %s", utils.NodeName)

	ctrl.SetLogger(klog.NewKlogr())
	stop := stopper.New()
	signalCtx := ctrl.SetupSignalHandler()
	go func() {
		<-signalCtx.Done()
		stop.Stop()
	}()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-stop.Done()
		cancel()
	}()

	mgr, err := ctrl.NewManager(ctrl.GetConfigOrDie(), ctrl.Options{
		Scheme: scheme,
		Cache:  cache.Options{DefaultNamespaces: map[string]cache.Config{cfg.WatchNamespace: {}}},
		// The agent serves its own metric families; controller-runtime's
		// default listener is disabled.
		Metrics: metricsserver.Options{BindAddress: "0"},
	})
	if err != nil {
		return fmt.Errorf("building manager: %w", err)
	}

	clientset, err := kubernetes.NewForConfig(mgr.GetConfig())
	if err != nil {
		return fmt.Errorf("building clientset: %w", err)
	}

	reg := registry.New(ctx)
	solver := properties.New(clientset)
	metricsRegistry := metrics.New()
	checker := health.NewChecker(log)
	checker.SetHealthy(true)

	errCh := make(chan error, 5)

	go func() {
		if err := checker.Start(ctx, cfg.HealthPort); err != nil {
			errCh <- fmt.Errorf("health server: %w", err)
		}
	}()

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metricsRegistry.Handler())
		server := &http.Server{Addr: fmt.Sprintf(":%d", cfg.MetricsPort), Handler: mux}
		go func() {
			<-ctx.Done()
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutdownCancel()
			server.Shutdown(shutdownCtx)
		}()
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("metrics server: %w", err)
		}
	}()

	registrationServer := registration.NewServer(reg, filepath.Join(utils.DiscoveryHandlersDirectory, utils.AgentRegistrationSocket), log)
	go func() {
		if err := stop.Abortable(ctx, registrationServer.Run); err != nil {
			errCh <- fmt.Errorf("registration server: %w", err)
		}
	}()

	manager := deviceplugin.NewManager(utils.NodeName, cfg.WatchNamespace, cfg.KubeletSocketDirectory, utils.KubeletSocketName, mgr.GetClient(), log)

	slotReconciler := deviceplugin.NewSlotReconciler(
		utils.NodeName, cfg.WatchNamespace, cfg.ContainerRuntimeEndpoint,
		mgr.GetClient(), manager,
		time.Duration(cfg.SlotGracePeriodSecs)*time.Second, log,
	)
	go func() {
		if err := stop.Abortable(ctx, slotReconciler.Run); err != nil {
			errCh <- fmt.Errorf("slot reconciler: %w", err)
		}
	}()

	watcher := &configwatcher.Watcher{
		Client:      mgr.GetClient(),
		NodeName:    utils.NodeName,
		HandlersDir: utils.DiscoveryHandlersDirectory,
		Registry:    reg,
		Solver:      solver,
		Metrics:     metricsRegistry,
		Embedded:    map[string]discovery.EmbeddedHandler{},
		Manager:     manager,
		Log:         log,
	}
	if err := watcher.SetupWithManager(mgr); err != nil {
		return fmt.Errorf("setting up config watcher: %w", err)
	}
	if err := (&deviceplugin.InstanceNotifier{Manager: manager}).SetupWithManager(mgr); err != nil {
		return fmt.Errorf("setting up instance notifier: %w", err)
	}

	go func() {
		if err := mgr.Start(ctx); err != nil {
			errCh <- fmt.Errorf("manager: %w", err)
		}
		stop.Stop()
	}()
	go func() {
		if mgr.GetCache().WaitForCacheSync(ctx) {
			checker.SetReady(true)
		}
	}()

	select {
	case err := <-errCh:
		stop.Stop()
		return err
	case <-stop.Done():
		return nil
	}
}
