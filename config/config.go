// Package config provides configuration loading and management for Choreboard.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"time"

	ssconfig "github.com/c360studio/semstreams/config"
	"gopkg.in/yaml.v3"
)

// Config represents the complete Choreboard configuration
type Config struct {
	HTTP     HTTPConfig     `yaml:"http"`
	NATS     NATSConfig     `yaml:"nats"`
	Storage  StorageConfig  `yaml:"storage"`
	Policy   PolicyConfig   `yaml:"policy"`
	Schedule ScheduleConfig `yaml:"schedule"`
}

// HTTPConfig configures the API server
type HTTPConfig struct {
	// Addr is the listen address (default: :8080)
	Addr string `yaml:"addr"`
	// ShutdownTimeout bounds graceful shutdown
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// NATSConfig configures the NATS connection
type NATSConfig struct {
	// URL is the NATS server URL (empty = use embedded server)
	URL string `yaml:"url"`
	// Embedded indicates whether to use embedded NATS
	Embedded bool `yaml:"embedded"`
	// StoreDir is the embedded JetStream directory (empty = temp dir)
	StoreDir string `yaml:"store_dir"`

	// embeddedSet records an explicit embedded key in a decoded layer
	embeddedSet bool
}

// UnmarshalYAML decodes the section and notes whether embedded was given,
// so an explicit false survives Merge.
func (n *NATSConfig) UnmarshalYAML(value *yaml.Node) error {
	type plain NATSConfig
	if err := value.Decode((*plain)(n)); err != nil {
		return err
	}
	for i := 0; i+1 < len(value.Content); i += 2 {
		if value.Content[i].Value == "embedded" {
			n.embeddedSet = true
		}
	}
	return nil
}

// StorageConfig names the KV buckets and event stream
type StorageConfig struct {
	TasksBucket  string `yaml:"tasks_bucket"`
	UsersBucket  string `yaml:"users_bucket"`
	EventsStream string `yaml:"events_stream"`
}

// PolicyConfig holds the hot-reloadable authorization settings
type PolicyConfig struct {
	// AdminUsername is the only user allowed to create and review tasks
	AdminUsername string `yaml:"admin_username"`
	// Assignees lists the allowed assigned_to values
	Assignees []string `yaml:"assignees"`
}

// ScheduleConfig configures calendar computations
type ScheduleConfig struct {
	// Timezone is an IANA zone name used for day and month boundaries
	Timezone string `yaml:"timezone"`
	// DueSoonWindow flags pending tasks this close to their time
	DueSoonWindow time.Duration `yaml:"due_soon_window"`
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		HTTP: HTTPConfig{
			Addr:            ":8080",
			ShutdownTimeout: 10 * time.Second,
		},
		NATS: NATSConfig{
			URL:      "",
			Embedded: true,
		},
		Storage: StorageConfig{
			TasksBucket:  "CHOREBOARD_TASKS",
			UsersBucket:  "CHOREBOARD_USERS",
			EventsStream: "CHOREBOARD_TASK_EVENTS",
		},
		Policy: PolicyConfig{
			AdminUsername: "rossy",
			Assignees:     []string{"Juan", "Jose", "Los dos"},
		},
		Schedule: ScheduleConfig{
			Timezone:      "UTC",
			DueSoonWindow: 3 * time.Hour,
		},
	}
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.HTTP.Addr == "" {
		return fmt.Errorf("http.addr is required")
	}
	if c.HTTP.ShutdownTimeout <= 0 {
		return fmt.Errorf("http.shutdown_timeout must be positive")
	}
	if !c.NATS.Embedded && c.NATS.URL == "" {
		return fmt.Errorf("nats.url is required when nats.embedded is false")
	}
	if c.Storage.TasksBucket == "" || c.Storage.UsersBucket == "" {
		return fmt.Errorf("storage bucket names are required")
	}
	if c.Storage.EventsStream == "" {
		return fmt.Errorf("storage.events_stream is required")
	}
	if err := c.Policy.Validate(); err != nil {
		return err
	}
	if _, err := c.Schedule.Location(); err != nil {
		return err
	}
	if c.Schedule.DueSoonWindow <= 0 {
		return fmt.Errorf("schedule.due_soon_window must be positive")
	}
	return nil
}

// Validate checks the policy section on its own, for hot reloads.
func (p PolicyConfig) Validate() error {
	if p.AdminUsername == "" {
		return fmt.Errorf("policy.admin_username is required")
	}
	if len(p.Assignees) == 0 {
		return fmt.Errorf("policy.assignees must not be empty")
	}
	for i, a := range p.Assignees {
		if a == "" {
			return fmt.Errorf("policy.assignees[%d] is empty", i)
		}
		if slices.Index(p.Assignees, a) != i {
			return fmt.Errorf("policy.assignees has duplicate %q", a)
		}
	}
	return nil
}

// Location resolves the configured timezone.
func (s ScheduleConfig) Location() (*time.Location, error) {
	if s.Timezone == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(s.Timezone)
	if err != nil {
		return nil, fmt.Errorf("schedule.timezone %q: %w", s.Timezone, err)
	}
	return loc, nil
}

// LoadFromFile loads configuration from a YAML file
func LoadFromFile(path string) (*Config, error) {
	config := DefaultConfig()
	if err := decodeFile(path, config); err != nil {
		return nil, err
	}
	return config, nil
}

// decodeFile unmarshals path into config, leaving absent keys untouched.
// ${VAR} and ${VAR:-default} references are expanded before parsing.
func decodeFile(path string, config *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	expanded := ssconfig.ExpandEnvWithDefaults(string(data))
	if err := yaml.Unmarshal([]byte(expanded), config); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}
	return nil
}

// SaveToFile saves configuration to a YAML file
func (c *Config) SaveToFile(path string) error {
	// Ensure parent directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Merge merges another config into this one (other takes precedence for non-zero values)
func (c *Config) Merge(other *Config) {
	if other == nil {
		return
	}

	// HTTP
	if other.HTTP.Addr != "" {
		c.HTTP.Addr = other.HTTP.Addr
	}
	if other.HTTP.ShutdownTimeout != 0 {
		c.HTTP.ShutdownTimeout = other.HTTP.ShutdownTimeout
	}

	// NATS
	if other.NATS.URL != "" {
		c.NATS.URL = other.NATS.URL
		c.NATS.Embedded = false
	}
	if other.NATS.embeddedSet {
		c.NATS.Embedded = other.NATS.Embedded
	}
	if other.NATS.StoreDir != "" {
		c.NATS.StoreDir = other.NATS.StoreDir
	}

	// Storage
	if other.Storage.TasksBucket != "" {
		c.Storage.TasksBucket = other.Storage.TasksBucket
	}
	if other.Storage.UsersBucket != "" {
		c.Storage.UsersBucket = other.Storage.UsersBucket
	}
	if other.Storage.EventsStream != "" {
		c.Storage.EventsStream = other.Storage.EventsStream
	}

	// Policy
	if other.Policy.AdminUsername != "" {
		c.Policy.AdminUsername = other.Policy.AdminUsername
	}
	if len(other.Policy.Assignees) > 0 {
		c.Policy.Assignees = slices.Clone(other.Policy.Assignees)
	}

	// Schedule
	if other.Schedule.Timezone != "" {
		c.Schedule.Timezone = other.Schedule.Timezone
	}
	if other.Schedule.DueSoonWindow != 0 {
		c.Schedule.DueSoonWindow = other.Schedule.DueSoonWindow
	}
}
