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

// The Controller is the cluster half of the system: it reconciles broker
// workloads and Services against Instance state and recovers slots lost to
// node failure.
package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/sirupsen/logrus"
	"k8s.io/apimachinery/pkg/runtime"
	clientgoscheme "k8s.io/client-go/kubernetes/scheme"
	"k8s.io/klog/v2"
	ctrl "sigs.k8s.io/controller-runtime"
	metricsserver "sigs.k8s.io/controller-runtime/pkg/metrics/server"

	akriv1alpha1 "github.com/akri-sh/akri/api/v1alpha1"
	"github.com/akri-sh/akri/controllers"
	"github.com/akri-sh/akri/core/health"
	"github.com/akri-sh/akri/core/metrics"
)

type controllerConfig struct {
	MetricsPort int `envconfig:"METRICS_PORT" default:"8080"`
	HealthPort  int `envconfig:"HEALTH_PORT" default:"8081"`
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
		log.WithError(err).Fatal("controller exited with error")
	}
	log.Info("controller end")
}

func run(log *logrus.Logger) error {
	var cfg controllerConfig
	if err := envconfig.Process("", &cfg); err != nil {
		return fmt.Errorf("reading environment: %w", err)
	}
	log.Info("controller start")

	ctrl.SetLogger(klog.NewKlogr())
	ctx := ctrl.SetupSignalHandler()

	mgr, err := ctrl.NewManager(ctrl.GetConfigOrDie(), ctrl.Options{
		Scheme: scheme,
		// Metric families are served by the dedicated registry below.
		Metrics: metricsserver.Options{BindAddress: "0"},
	})
	if err != nil {
		return fmt.Errorf("building manager: %w", err)
	}

	metricsRegistry := metrics.New()
	go serveMetrics(ctx, cfg.MetricsPort, metricsRegistry, log)

	checker := health.NewChecker(log)
	checker.SetHealthy(true)
	go func() {
		if err := checker.Start(ctx, cfg.HealthPort); err != nil {
			log.WithError(err).Error("health server exited")
		}
	}()
	go func() {
		if mgr.GetCache().WaitForCacheSync(ctx) {
			checker.SetReady(true)
		}
	}()

	if err := (&controllers.InstanceReconciler{
		Client: mgr.GetClient(),
		Scheme: mgr.GetScheme(),
		Log:    log,
	}).SetupWithManager(mgr); err != nil {
		return fmt.Errorf("setting up instance reconciler: %w", err)
	}
	if err := (&controllers.PodReconciler{
		Client:  mgr.GetClient(),
		Metrics: metricsRegistry,
		Log:     log,
	}).SetupWithManager(mgr); err != nil {
		return fmt.Errorf("setting up pod watcher: %w", err)
	}
	if err := (&controllers.NodeReconciler{
		Client: mgr.GetClient(),
		Log:    log,
	}).SetupWithManager(mgr); err != nil {
		return fmt.Errorf("setting up node watcher: %w", err)
	}

	return mgr.Start(ctx)
}

func serveMetrics(ctx context.Context, port int, registry *metrics.Registry, log *logrus.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", registry.Handler())
	server := &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: mux}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.WithError(err).Error("metrics server exited")
	}
}
