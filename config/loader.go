package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
)

const (
	// ProjectConfigFile is the name of the project-level config file
	ProjectConfigFile = "choreboard.yaml"
	// UserConfigDir is the directory for user-level config
	UserConfigDir = ".config/choreboard"
	// UserConfigFile is the name of the user-level config file
	UserConfigFile = "config.yaml"
)

// Environment variables that override file settings.
const (
	EnvNATSURL  = "CHOREBOARD_NATS_URL"
	EnvNATSURL2 = "NATS_URL"
	EnvHTTPAddr = "CHOREBOARD_HTTP_ADDR"
)

// Loader handles configuration loading with layered precedence
type Loader struct {
	logger *slog.Logger

	// Overridable in tests.
	homeDir func() (string, error)
	workDir func() (string, error)
	getenv  func(string) string
}

// NewLoader creates a new configuration loader
func NewLoader(logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{
		logger:  logger,
		homeDir: os.UserHomeDir,
		workDir: os.Getwd,
		getenv:  os.Getenv,
	}
}

// Load loads configuration with layered precedence:
// 1. Default config
// 2. User config (~/.config/choreboard/config.yaml)
// 3. Project config (choreboard.yaml in current or parent directories)
// 4. Explicit file (--config), which must exist if given
// 5. Environment variables
func (l *Loader) Load(explicitPath string) (*Config, error) {
	// Start with defaults
	config := DefaultConfig()

	// Load user config
	if userConfigPath := l.userConfigPath(); userConfigPath != "" {
		var userConfig Config
		if err := decodeFile(userConfigPath, &userConfig); err == nil {
			l.logger.Debug("Loaded user config", slog.String("path", userConfigPath))
			config.Merge(&userConfig)
		} else if _, statErr := os.Stat(userConfigPath); !os.IsNotExist(statErr) {
			l.logger.Warn("Failed to load user config", slog.String("path", userConfigPath), slog.String("error", err.Error()))
		}
	}

	// Load project config
	projectConfigPath := l.findProjectConfig()
	if projectConfigPath != "" {
		var projectConfig Config
		if err := decodeFile(projectConfigPath, &projectConfig); err == nil {
			l.logger.Debug("Loaded project config", slog.String("path", projectConfigPath))
			config.Merge(&projectConfig)
		} else {
			l.logger.Warn("Failed to load project config", slog.String("path", projectConfigPath), slog.String("error", err.Error()))
		}
	} else {
		l.logger.Debug("No project config found")
	}

	// Explicit config file is not optional
	if explicitPath != "" {
		var explicit Config
		if err := decodeFile(explicitPath, &explicit); err != nil {
			return nil, err
		}
		l.logger.Debug("Loaded config file", slog.String("path", explicitPath))
		config.Merge(&explicit)
	}

	l.applyEnv(config)

	// Validate final config
	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// InitUserConfig writes the default configuration to the user config file.
// An existing file is left alone unless overwrite is set; the returned bool
// reports whether a file was written.
func (l *Loader) InitUserConfig(overwrite bool) (string, bool, error) {
	path := l.userConfigPath()
	if path == "" {
		return "", false, fmt.Errorf("cannot locate home directory")
	}
	if _, err := os.Stat(path); err == nil && !overwrite {
		return path, false, nil
	}

	if err := DefaultConfig().SaveToFile(path); err != nil {
		return path, false, err
	}
	l.logger.Info("Wrote default user config", slog.String("path", path))
	return path, true, nil
}

// ProjectConfigPath returns the project config file Load would use, if any.
func (l *Loader) ProjectConfigPath() string {
	return l.findProjectConfig()
}

func (l *Loader) applyEnv(config *Config) {
	for _, key := range []string{EnvNATSURL, EnvNATSURL2} {
		if url := l.getenv(key); url != "" {
			config.NATS.URL = url
			config.NATS.Embedded = false
			l.logger.Debug("NATS URL from environment", slog.String("var", key))
			break
		}
	}
	if addr := l.getenv(EnvHTTPAddr); addr != "" {
		config.HTTP.Addr = addr
	}
}

// userConfigPath returns the path to the user config file
func (l *Loader) userConfigPath() string {
	home, err := l.homeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, UserConfigDir, UserConfigFile)
}

// findProjectConfig searches for choreboard.yaml in current and parent directories
func (l *Loader) findProjectConfig() string {
	cwd, err := l.workDir()
	if err != nil {
		return ""
	}

	dir := cwd
	for {
		configPath := filepath.Join(dir, ProjectConfigFile)
		if _, err := os.Stat(configPath); err == nil {
			return configPath
		}

		// Move to parent directory
		parent := filepath.Dir(dir)
		if parent == dir {
			// Reached root
			break
		}
		dir = parent
	}

	return ""
}
