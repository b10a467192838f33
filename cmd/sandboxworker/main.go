// Command sandboxworker hosts the Orchestrator, Fork, and Janitor workflows
// plus their activities on one Temporal task queue.
package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"

	"go.temporal.io/sdk/client"
	temporalotel "go.temporal.io/sdk/contrib/opentelemetry"
	"go.temporal.io/sdk/worker"
	"go.temporal.io/sdk/workflow"

	"github.com/sandboxfleet/sandboxfleet/internal/config"
	"github.com/sandboxfleet/sandboxfleet/internal/ledger"
	"github.com/sandboxfleet/sandboxfleet/internal/metrics"
	"github.com/sandboxfleet/sandboxfleet/internal/orchestration"
	"github.com/sandboxfleet/sandboxfleet/internal/provider"
	"github.com/sandboxfleet/sandboxfleet/internal/telemetry"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "sandboxworker: fatal panic: %v\n", r)
			os.Exit(1)
		}
	}()

	cfg := config.Load()
	debug := os.Getenv("SANDBOXWORKER_DEBUG") != ""
	ctx := telemetry.InitContext(context.Background(), debug)
	logger := telemetry.NewLogger()

	if !cfg.DisableMetrics {
		go func() {
			if err := metrics.StartServer(cfg.MetricsPort); err != nil {
				fmt.Fprintf(os.Stderr, "sandboxworker: metrics server: %v\n", err)
			}
		}()
	}

	clientOptions := client.Options{
		HostPort:  cfg.TemporalAddress,
		Namespace: cfg.TemporalNamespace,
	}

	tracer, err := temporalotel.NewTracingInterceptor(temporalotel.TracerOptions{})
	if err != nil {
		fmt.Fprintf(os.Stderr, "sandboxworker: configure tracing interceptor: %v\n", err)
		os.Exit(1)
	}
	clientOptions.Interceptors = append(clientOptions.Interceptors, tracer)
	clientOptions.MetricsHandler = temporalotel.NewMetricsHandler(temporalotel.MetricsHandlerOptions{})

	if cfg.TemporalTLSCert != "" && cfg.TemporalTLSKey != "" {
		tlsConfig, err := loadTLSConfig(cfg.TemporalTLSCert, cfg.TemporalTLSKey)
		if err != nil {
			fmt.Fprintf(os.Stderr, "sandboxworker: tls config: %v\n", err)
			os.Exit(1)
		}
		clientOptions.ConnectionOptions = client.ConnectionOptions{TLS: tlsConfig}
	}

	temporalClient, err := client.Dial(clientOptions)
	if err != nil {
		fmt.Fprintf(os.Stderr, "sandboxworker: connect to temporal: %v\n", err)
		os.Exit(1)
	}
	defer temporalClient.Close()

	providerEndpoint := os.Getenv("SANDBOX_PROVIDER_ENDPOINT")
	sandboxProvider := provider.NewHTTPClient(providerEndpoint)
	costLedger := ledger.New()
	activities := orchestration.NewActivities(sandboxProvider, costLedger, logger, cfg.SandboxEnvs())

	w := worker.New(temporalClient, cfg.TaskQueue, worker.Options{})

	w.RegisterWorkflowWithOptions(orchestration.RunOrchestrator, workflow.RegisterOptions{Name: orchestration.WorkflowNameOrchestrator})
	w.RegisterWorkflowWithOptions(orchestration.RunFork, workflow.RegisterOptions{Name: orchestration.WorkflowNameFork})
	w.RegisterWorkflowWithOptions(orchestration.RunJanitor, workflow.RegisterOptions{Name: orchestration.WorkflowNameJanitor})

	w.RegisterActivity(activities.CreateSandbox)
	w.RegisterActivity(activities.HealthCheck)
	w.RegisterActivity(activities.ExecuteCommand)
	w.RegisterActivity(activities.GetSandboxInfo)
	w.RegisterActivity(activities.RunAgent)
	w.RegisterActivity(activities.KillSandbox)
	w.RegisterActivity(activities.ListSandboxes)
	w.RegisterActivity(activities.RecordMetrics)
	w.RegisterActivity(activities.ReadSpend)
	w.RegisterActivity(activities.AddSpend)

	logger.Info(ctx, "sandboxworker starting", "task_queue", cfg.TaskQueue, "temporal_address", cfg.TemporalAddress)

	if err := w.Run(worker.InterruptCh()); err != nil {
		fmt.Fprintf(os.Stderr, "sandboxworker: worker run failed: %v\n", err)
		os.Exit(1)
	}
}

func loadTLSConfig(certPath, keyPath string) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		RootCAs:      x509.NewCertPool(),
		MinVersion:   tls.VersionTLS12,
	}, nil
}
