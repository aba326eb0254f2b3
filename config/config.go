// Package config provides configuration loading and management for Flowmium.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/flowmium/flowmium/artefacts"
	"github.com/flowmium/flowmium/executor"
)

// Config represents the complete Flowmium server configuration.
type Config struct {
	Postgres PostgresConfig `yaml:"postgres"`
	Store    StoreConfig    `yaml:"store"`
	Executor ExecutorConfig `yaml:"executor"`
	Server   ServerConfig   `yaml:"server"`
}

// PostgresConfig configures the flow state database.
type PostgresConfig struct {
	// URL is the Postgres connection string.
	URL string `yaml:"url"`
}

// StoreConfig configures the S3 compatible artefact store.
type StoreConfig struct {
	// URL is the store endpoint as reachable from the server.
	URL string `yaml:"url"`
	// TaskURL is the store endpoint as reachable from task pods. Usually
	// the same as URL when everything runs in cluster.
	TaskURL string `yaml:"taskUrl"`
	// Bucket is the artefact bucket name.
	Bucket string `yaml:"bucket"`
	// AccessKey and SecretKey are the store credentials.
	AccessKey string `yaml:"accessKey"`
	SecretKey string `yaml:"secretKey"`
}

// ExecutorConfig configures how task jobs are spawned.
type ExecutorConfig struct {
	// InitContainerImage is the image the init container copies the
	// orchestrator binary from. Set it to the server's own image.
	InitContainerImage string `yaml:"initContainerImage"`
	// Namespace is the Kubernetes namespace task jobs run in.
	Namespace string `yaml:"namespace"`
	// FlowIDLabel and TaskIDLabel are the pod labels used to find the pod
	// belonging to a task.
	FlowIDLabel string `yaml:"flowIdLabel"`
	TaskIDLabel string `yaml:"taskIdLabel"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Port int `yaml:"port"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Executor: ExecutorConfig{
			Namespace:   "default",
			FlowIDLabel: executor.DefaultFlowIDLabel,
			TaskIDLabel: executor.DefaultTaskIDLabel,
		},
		Server: ServerConfig{
			Port: 8080,
		},
	}
}

// Validate checks that the configuration is complete.
func (c *Config) Validate() error {
	if c.Postgres.URL == "" {
		return fmt.Errorf("postgres.url is required")
	}
	if c.Store.URL == "" {
		return fmt.Errorf("store.url is required")
	}
	if c.Store.TaskURL == "" {
		return fmt.Errorf("store.taskUrl is required")
	}
	if c.Store.Bucket == "" {
		return fmt.Errorf("store.bucket is required")
	}
	if c.Executor.InitContainerImage == "" {
		return fmt.Errorf("executor.initContainerImage is required")
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535")
	}
	return nil
}

// LoadFromFile loads configuration from a YAML file on top of the defaults.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return config, nil
}

// ApplyEnv overrides settings from FLOWMIUM_ environment variables.
func (c *Config) ApplyEnv() {
	overrides := []struct {
		name  string
		field *string
	}{
		{"FLOWMIUM_POSTGRES_URL", &c.Postgres.URL},
		{"FLOWMIUM_STORE_URL", &c.Store.URL},
		{"FLOWMIUM_TASK_STORE_URL", &c.Store.TaskURL},
		{"FLOWMIUM_BUCKET_NAME", &c.Store.Bucket},
		{"FLOWMIUM_ACCESS_KEY", &c.Store.AccessKey},
		{"FLOWMIUM_SECRET_KEY", &c.Store.SecretKey},
		{"FLOWMIUM_INIT_CONTAINER_IMAGE", &c.Executor.InitContainerImage},
		{"FLOWMIUM_NAMESPACE", &c.Executor.Namespace},
		{"FLOWMIUM_FLOW_ID_LABEL", &c.Executor.FlowIDLabel},
		{"FLOWMIUM_TASK_ID_LABEL", &c.Executor.TaskIDLabel},
	}

	for _, override := range overrides {
		if value, ok := os.LookupEnv(override.name); ok {
			*override.field = value
		}
	}
}

// ExecutorConfig converts to the executor's runtime settings.
func (c *Config) ExecutorConfig() executor.Config {
	return executor.Config{
		TaskStoreURL:       c.Store.TaskURL,
		BucketName:         c.Store.Bucket,
		AccessKey:          c.Store.AccessKey,
		SecretKey:          c.Store.SecretKey,
		InitContainerImage: c.Executor.InitContainerImage,
		Namespace:          c.Executor.Namespace,
		FlowIDLabel:        c.Executor.FlowIDLabel,
		TaskIDLabel:        c.Executor.TaskIDLabel,
	}
}

// BucketConfig converts to the artefact store's connection settings, using
// the server side endpoint.
func (c *Config) BucketConfig() artefacts.BucketConfig {
	return artefacts.BucketConfig{
		StoreURL:   c.Store.URL,
		BucketName: c.Store.Bucket,
		AccessKey:  c.Store.AccessKey,
		SecretKey:  c.Store.SecretKey,
	}
}
