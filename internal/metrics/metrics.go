// Package metrics exposes the Prometheus series named in the external
// interfaces table: fork completion counts, fork duration, and fork cost.
package metrics

import (
	"fmt"
	"net"
	"net/http"
	"os"
	"strconv"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	ForkCompletedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sandbox_fork_completed_total",
		Help: "Total forks that reached a terminal status, labeled by outcome and model.",
	}, []string{"status", "model"})

	ForkDurationSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "sandbox_fork_duration_seconds",
		Help:    "Wall-clock duration of a fork workflow from its start until its result is produced, excluding sandbox cleanup.",
		Buckets: []float64{60, 300, 600, 1800, 3600, 7200},
	}, []string{"status"})

	ForkCostUSD = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "sandbox_fork_cost_usd",
		Help:    "Agent cost in USD reported by a completed fork.",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1.0, 5.0, 10.0},
	}, []string{"model"})
)

var (
	serverOnce    sync.Once
	serverMu      sync.Mutex
	serverRunning bool
)

// TrackForkCompleted records a terminal fork outcome: the completion
// counter (status, model), the duration histogram (status), and the cost
// histogram (model).
func TrackForkCompleted(status, model string, durationSeconds, costUSD float64) {
	ForkCompletedTotal.WithLabelValues(status, model).Inc()
	ForkDurationSeconds.WithLabelValues(status).Observe(durationSeconds)
	ForkCostUSD.WithLabelValues(model).Observe(costUSD)
}

// StartServer starts an HTTP server exposing /metrics on basePort, trying
// up to 9 subsequent ports if basePort is taken. Blocks until the server
// exits; callers run it in a goroutine.
func StartServer(basePort int) error {
	serverMu.Lock()
	if serverRunning {
		serverMu.Unlock()
		return nil
	}
	serverRunning = true
	serverMu.Unlock()

	serverOnce.Do(func() {
		http.Handle("/metrics", promhttp.Handler())
	})

	var listener net.Listener
	var err error
	for i := 0; i < 10; i++ {
		port := basePort + i
		addr := ":" + strconv.Itoa(port)
		listener, err = net.Listen("tcp", addr)
		if err == nil {
			fmt.Fprintf(os.Stderr, "metrics server listening on %s\n", addr)
			return http.Serve(listener, nil)
		}
	}

	serverMu.Lock()
	serverRunning = false
	serverMu.Unlock()
	return fmt.Errorf("failed to bind metrics server starting from port %d: %w", basePort, err)
}
