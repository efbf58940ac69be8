// Package health provides the liveness/readiness probe server run alongside
// each binary's main service. Both the Agent and the Controller flip
// readiness once their manager's caches have synced.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// Checker maintains two independent states: Healthy (liveness) and Ready
// (readiness). All methods are safe for concurrent use.
type Checker struct {
	healthy   atomic.Bool
	ready     atomic.Bool
	startTime time.Time
	log       logrus.FieldLogger
}

// Response is the JSON body of both probe endpoints.
type Response struct {
	Status  string `json:"status"`
	Uptime  int64  `json:"uptime_seconds"`
	Message string `json:"message,omitempty"`
}

// NewChecker returns a checker that reports unhealthy/not-ready until the
// service flips the states after initialization.
func NewChecker(log logrus.FieldLogger) *Checker {
	return &Checker{startTime: time.Now(), log: log.WithField("component", "health")}
}

// SetHealthy updates the liveness state.
func (c *Checker) SetHealthy(healthy bool) {
	c.healthy.Store(healthy)
}

// SetReady updates the readiness state.
func (c *Checker) SetReady(ready bool) {
	c.ready.Store(ready)
}

// IsHealthy returns the current liveness state.
func (c *Checker) IsHealthy() bool { return c.healthy.Load() }

// IsReady returns the current readiness state.
func (c *Checker) IsReady() bool { return c.ready.Load() }

func (c *Checker) uptime() int64 {
	return int64(time.Since(c.startTime).Seconds())
}

func (c *Checker) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	resp := Response{Status: "healthy", Uptime: c.uptime()}
	code := http.StatusOK
	if !c.IsHealthy() {
		resp.Status = "unhealthy"
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, resp)
}

func (c *Checker) handleReadyz(w http.ResponseWriter, _ *http.Request) {
	resp := Response{Status: "ready", Uptime: c.uptime()}
	code := http.StatusOK
	if !c.IsReady() {
		resp.Status = "not ready"
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, resp)
}

func writeJSON(w http.ResponseWriter, code int, body Response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(body)
}

// Start serves /healthz and /readyz on port until ctx is cancelled.
func (c *Checker) Start(ctx context.Context, port int) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", c.handleHealthz)
	mux.HandleFunc("/readyz", c.handleReadyz)

	server := &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: mux}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	c.log.Infof("health server listening on :%d", port)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
