// Command sandboxctl is the submission CLI: it starts, queries, and signals
// orchestration workflows running on a sandboxworker fleet.
package main

import (
	"fmt"
	"os"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
	"go.temporal.io/sdk/client"

	"github.com/sandboxfleet/sandboxfleet/internal/config"
)

var exit = os.Exit

var rootCmd = &cobra.Command{
	Use:           "sandboxctl",
	Short:         "Submit and control durable sandbox orchestration jobs",
	SilenceErrors: true,
	SilenceUsage:  true,
}

var (
	styleSuccess = lipgloss.NewStyle().Foreground(lipgloss.Color("42")).Bold(true)
	styleFailure = lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true)
	styleWarn    = lipgloss.NewStyle().Foreground(lipgloss.Color("214")).Bold(true)
	styleHeader  = lipgloss.NewStyle().Bold(true).Underline(true)
	stylePanel   = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1)
)

func Execute() {
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "sandboxctl: fatal error: %v\n", r)
			exit(1)
		}
	}()

	rootCmd.AddCommand(forkCmd, statusCmd, cancelCmd, pauseCmd, resumeCmd, listCmd, cleanupCmd, stopCleanupCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, styleFailure.Render("error: ")+err.Error())
		exit(1)
	}
}

func main() {
	Execute()
}

// newTemporalClient dials Temporal using the shared environment
// configuration. Any error a command returns (a failed connection, a
// rejected start or signal, a failed workflow) exits 1; per-fork outcomes
// inside a completed job never do.
func newTemporalClient() (client.Client, error) {
	cfg := config.Load()
	opts := client.Options{
		HostPort:  cfg.TemporalAddress,
		Namespace: cfg.TemporalNamespace,
	}
	if cfg.TemporalTLSCert != "" && cfg.TemporalTLSKey != "" {
		tlsConfig, err := loadTLSConfig(cfg.TemporalTLSCert, cfg.TemporalTLSKey)
		if err != nil {
			return nil, fmt.Errorf("tls config: %w", err)
		}
		opts.ConnectionOptions = client.ConnectionOptions{TLS: tlsConfig}
	}
	return client.Dial(opts)
}

func defaultTaskQueue() string {
	return config.Load().TaskQueue
}
