// Package config loads the environment variables the worker and CLI share:
// Temporal connection settings, the metrics port, and credential passthroughs
// injected into every sandbox.
package config

import (
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds every environment-sourced setting spec.md's external
// interfaces table names.
type Config struct {
	TemporalAddress   string
	TemporalNamespace string
	TaskQueue         string
	TemporalTLSCert   string
	TemporalTLSKey    string
	MetricsPort       int
	DisableMetrics    bool
	AnthropicAPIKey   string
	GitHubToken       string
}

// Load reads a .env file if present (ignored if missing), then layers
// viper's automatic environment binding with the defaults spec.md names.
func Load() Config {
	_ = godotenv.Load()

	v := viper.New()
	v.AutomaticEnv()
	v.SetDefault("TEMPORAL_ADDRESS", "localhost:7233")
	v.SetDefault("TEMPORAL_NAMESPACE", "default")
	v.SetDefault("TEMPORAL_TASK_QUEUE", "sandbox-orchestration")
	v.SetDefault("METRICS_PORT", 9090)
	v.SetDefault("DISABLE_METRICS", false)

	return Config{
		TemporalAddress:   v.GetString("TEMPORAL_ADDRESS"),
		TemporalNamespace: v.GetString("TEMPORAL_NAMESPACE"),
		TaskQueue:         v.GetString("TEMPORAL_TASK_QUEUE"),
		TemporalTLSCert:   v.GetString("TEMPORAL_TLS_CERT"),
		TemporalTLSKey:    v.GetString("TEMPORAL_TLS_KEY"),
		MetricsPort:       v.GetInt("METRICS_PORT"),
		DisableMetrics:    v.GetBool("DISABLE_METRICS"),
		AnthropicAPIKey:   os.Getenv("ANTHROPIC_API_KEY"),
		GitHubToken:       os.Getenv("GITHUB_TOKEN"),
	}
}

// SandboxEnvs returns the credential passthroughs CreateSandbox injects into
// every sandbox's environment.
func (c Config) SandboxEnvs() map[string]string {
	envs := map[string]string{}
	if c.AnthropicAPIKey != "" {
		envs["ANTHROPIC_API_KEY"] = c.AnthropicAPIKey
	}
	if c.GitHubToken != "" {
		envs["GITHUB_TOKEN"] = c.GitHubToken
	}
	return envs
}
