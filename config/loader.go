// Package config provides configuration loading and parsing functionality
package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// ConfigFormat represents the configuration file format
type ConfigFormat string

const (
	FormatYAML ConfigFormat = "yaml"
	FormatJSON ConfigFormat = "json"
	FormatTOML ConfigFormat = "toml"
)

// FormatFromPath selects the format by file extension.
func FormatFromPath(path string) (ConfigFormat, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML, nil
	case ".json":
		return FormatJSON, nil
	case ".toml":
		return FormatTOML, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedFormat, filepath.Ext(path))
	}
}

// Loader handles configuration loading from various sources
type Loader struct {
	// Configuration search paths
	searchPaths []string

	// Environment variable prefix
	envPrefix string

	// Default configuration
	defaultConfig *Config

	// Environment lookup, os.LookupEnv unless replaced in tests
	lookupEnv func(string) (string, bool)
}

// NewLoader creates a new configuration loader
func NewLoader() *Loader {
	home, _ := os.UserHomeDir()
	return &Loader{
		searchPaths: []string{
			".",
			"./config",
			"./configs",
			"/etc/treemx",
			filepath.Join(home, ".treemx"),
		},
		envPrefix:     "TREEMX",
		defaultConfig: DefaultConfig(),
		lookupEnv:     os.LookupEnv,
	}
}

// SetSearchPaths sets the configuration file search paths
func (l *Loader) SetSearchPaths(paths []string) *Loader {
	l.searchPaths = paths
	return l
}

// SetEnvPrefix sets the environment variable prefix
func (l *Loader) SetEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// SetDefaultConfig sets the default configuration
func (l *Loader) SetDefaultConfig(config *Config) *Loader {
	l.defaultConfig = config
	return l
}

// SetEnvLookup replaces the environment lookup function
func (l *Loader) SetEnvLookup(lookup func(string) (string, bool)) *Loader {
	l.lookupEnv = lookup
	return l
}

// Load loads configuration from the specified file, or from defaults and
// environment alone when filename is empty.
func (l *Loader) Load(filename string) (*Config, error) {
	if filename == "" {
		return l.finish(l.defaults())
	}
	return l.LoadFromFile(filename)
}

// LoadFromFile loads configuration from a specific file
func (l *Loader) LoadFromFile(filename string) (*Config, error) {
	format, err := FormatFromPath(filename)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(filename)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrConfigFileNotFound, filename)
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config, err := l.parseConfig(data, format)
	if err != nil {
		return nil, fmt.Errorf("config file %s: %w", filename, err)
	}
	return l.finish(config)
}

// LoadFromReader loads configuration from an io.Reader
func (l *Loader) LoadFromReader(reader io.Reader, format ConfigFormat) (*Config, error) {
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("failed to read configuration data: %w", err)
	}

	config, err := l.parseConfig(data, format)
	if err != nil {
		return nil, err
	}
	return l.finish(config)
}

// AutoLoad automatically discovers and loads configuration
func (l *Loader) AutoLoad() (*Config, string, error) {
	configFile, err := l.findConfigFile()
	if errors.Is(err, ErrConfigFileNotFound) {
		config, err := l.finish(l.defaults())
		return config, "", err
	}
	if err != nil {
		return nil, "", err
	}

	config, err := l.LoadFromFile(configFile)
	return config, configFile, err
}

// findConfigFile searches for configuration files in search paths
func (l *Loader) findConfigFile() (string, error) {
	filenames := []string{
		"treemx.yaml", "treemx.yml", "treemx.toml", "treemx.json",
		"config.yaml", "config.yml", "config.toml", "config.json",
	}

	for _, searchPath := range l.searchPaths {
		for _, filename := range filenames {
			fullPath := filepath.Join(searchPath, filename)
			if _, err := os.Stat(fullPath); err == nil {
				return fullPath, nil
			}
		}
	}

	return "", ErrConfigFileNotFound
}

func (l *Loader) defaults() *Config {
	if l.defaultConfig == nil {
		return DefaultConfig()
	}
	return l.defaultConfig.clone()
}

// finish applies environment overrides and validates.
func (l *Loader) finish(config *Config) (*Config, error) {
	if err := l.loadFromEnv(config); err != nil {
		return nil, fmt.Errorf("failed to load config from environment: %w", err)
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return config, nil
}

// parseConfig decodes data over the defaults, so omitted keys keep their
// default values.
func (l *Loader) parseConfig(data []byte, format ConfigFormat) (*Config, error) {
	config := l.defaults()

	switch format {
	case FormatYAML:
		if err := yaml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("%w: YAML: %w", ErrConfigParseError, err)
		}
	case FormatJSON:
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(config); err != nil {
			return nil, fmt.Errorf("%w: JSON: %w", ErrConfigParseError, err)
		}
	case FormatTOML:
		md, err := toml.Decode(string(data), config)
		if err != nil {
			return nil, fmt.Errorf("%w: TOML: %w", ErrConfigParseError, err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			return nil, fmt.Errorf("%w: TOML: unknown keys %v", ErrConfigParseError, undecoded)
		}
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, format)
	}

	return config, nil
}

// loadFromEnv loads configuration overrides from environment variables
func (l *Loader) loadFromEnv(config *Config) error {
	lookup := l.lookupEnv
	if lookup == nil {
		lookup = os.LookupEnv
	}
	get := func(key string) (string, bool) {
		val, ok := lookup(l.envPrefix + "_" + key)
		return strings.TrimSpace(val), ok && strings.TrimSpace(val) != ""
	}

	var errs []error
	setString := func(key string, dst *string) {
		if val, ok := get(key); ok {
			*dst = val
		}
	}
	setBool := func(key string, dst *bool) {
		if val, ok := get(key); ok {
			b, err := strconv.ParseBool(val)
			if err != nil {
				errs = append(errs, fmt.Errorf("%w: %s_%s=%q", ErrEnvironmentVarError, l.envPrefix, key, val))
				return
			}
			*dst = b
		}
	}
	setInt := func(key string, dst *int) {
		if val, ok := get(key); ok {
			n, err := strconv.Atoi(val)
			if err != nil {
				errs = append(errs, fmt.Errorf("%w: %s_%s=%q", ErrEnvironmentVarError, l.envPrefix, key, val))
				return
			}
			*dst = n
		}
	}
	setDuration := func(key string, dst *Duration) {
		if val, ok := get(key); ok {
			if err := dst.UnmarshalText([]byte(val)); err != nil {
				errs = append(errs, fmt.Errorf("%w: %s_%s: %w", ErrEnvironmentVarError, l.envPrefix, key, err))
			}
		}
	}

	// App configuration
	setString("APP_NAME", &config.App.Name)
	setString("APP_VERSION", &config.App.Version)
	if val, ok := get("APP_ENVIRONMENT"); ok {
		config.App.Environment = Environment(val)
	}
	setBool("APP_DEBUG", &config.App.Debug)

	// Log configuration
	if val, ok := get("LOG_LEVEL"); ok {
		config.Log.Level = LogLevel(strings.ToLower(val))
	}
	setString("LOG_FORMAT", &config.Log.Format)
	setString("LOG_OUTPUT", &config.Log.Output)
	setBool("LOG_COLOR", &config.Log.Color)

	// Cluster configuration
	setInt("CLUSTER_PROCESSES", &config.Cluster.Processes)
	setInt("CLUSTER_STARTER", &config.Cluster.Starter)
	setInt("CLUSTER_MAILBOX_SIZE", &config.Cluster.MailboxSize)
	setString("TOPOLOGY_SHAPE", &config.Cluster.Topology.Shape)
	setInt("TOPOLOGY_FANOUT", &config.Cluster.Topology.Fanout)

	// Timing configuration
	setDuration("TIMING_BOOTSTRAP_DELAY", &config.Timing.BootstrapDelay)
	setDuration("TIMING_CRITICAL_SECTION", &config.Timing.CriticalSection)
	setDuration("TIMING_CRASH_DURATION", &config.Timing.CrashDuration)

	// Monitor configuration
	setBool("MONITOR_ENABLED", &config.Monitor.Enabled)
	setDuration("MONITOR_INTERVAL", &config.Monitor.Interval)

	return errors.Join(errs...)
}
