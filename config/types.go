// Package config provides configuration management for treemx
package config

import (
	"fmt"
	"reflect"
	"time"

	"github.com/najoast/treemx/node"
	"github.com/najoast/treemx/protocol"
	"github.com/najoast/treemx/topology"
)

// Environment represents the deployment environment
type Environment string

const (
	EnvDevelopment Environment = "development"
	EnvTesting     Environment = "testing"
	EnvProduction  Environment = "production"
)

// String returns the string representation of Environment
func (e Environment) String() string {
	return string(e)
}

// IsValid checks if the environment is valid
func (e Environment) IsValid() bool {
	switch e {
	case EnvDevelopment, EnvTesting, EnvProduction:
		return true
	default:
		return false
	}
}

// LogLevel represents the logging level
type LogLevel string

const (
	LogLevelTrace LogLevel = "trace"
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

// String returns the string representation of LogLevel
func (l LogLevel) String() string {
	return string(l)
}

// IsValid checks if the log level is valid
func (l LogLevel) IsValid() bool {
	switch l {
	case LogLevelTrace, LogLevelDebug, LogLevelInfo, LogLevelWarn, LogLevelError:
		return true
	default:
		return false
	}
}

// Duration is a time.Duration written as "250ms" or "5s" in every format.
type Duration time.Duration

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	*d = Duration(v)
	return nil
}

// String returns the string representation of Duration.
func (d Duration) String() string {
	return time.Duration(d).String()
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config represents the complete treemx configuration
type Config struct {
	// Application configuration
	App AppConfig `yaml:"app" json:"app" toml:"app"`

	// Logging configuration
	Log LogConfig `yaml:"log" json:"log" toml:"log"`

	// Process set and overlay
	Cluster ClusterConfig `yaml:"cluster" json:"cluster" toml:"cluster"`

	// Protocol timers, the only section applied on hot reload
	Timing TimingConfig `yaml:"timing" json:"timing" toml:"timing"`

	// Invariant monitor
	Monitor MonitorConfig `yaml:"monitor" json:"monitor" toml:"monitor"`
}

// AppConfig contains application-level configuration
type AppConfig struct {
	// Application name
	Name string `yaml:"name" json:"name" toml:"name"`

	// Application version
	Version string `yaml:"version" json:"version" toml:"version"`

	// Deployment environment
	Environment Environment `yaml:"environment" json:"environment" toml:"environment"`

	// Debug mode
	Debug bool `yaml:"debug" json:"debug" toml:"debug"`
}

// LogConfig contains logging configuration
type LogConfig struct {
	// Log level
	Level LogLevel `yaml:"level" json:"level" toml:"level"`

	// Log format (json, text)
	Format string `yaml:"format" json:"format" toml:"format"`

	// Output destination (stdout, stderr, file path)
	Output string `yaml:"output" json:"output" toml:"output"`

	// Enable colored output
	Color bool `yaml:"color" json:"color" toml:"color"`

	// Fields to include in log output
	Fields map[string]string `yaml:"fields,omitempty" json:"fields,omitempty" toml:"fields,omitempty"`
}

// ClusterConfig describes the processes and how they are connected
type ClusterConfig struct {
	// Number of processes
	Processes int `yaml:"processes" json:"processes" toml:"processes"`

	// Process that initially holds the privilege
	Starter int `yaml:"starter" json:"starter" toml:"starter"`

	// Mailbox capacity per process
	MailboxSize int `yaml:"mailbox_size" json:"mailbox_size" toml:"mailbox_size"`

	// Spanning tree
	Topology TopologyConfig `yaml:"topology" json:"topology" toml:"topology"`
}

// TopologyConfig selects a spanning tree shape
type TopologyConfig struct {
	// line, star, kary, sample or edges
	Shape string `yaml:"shape" json:"shape" toml:"shape"`

	// Children per inner node for kary, center for star
	Fanout int `yaml:"fanout" json:"fanout" toml:"fanout"`

	// Explicit edge list for the edges shape
	Edges [][2]int `yaml:"edges,omitempty" json:"edges,omitempty" toml:"edges,omitempty"`
}

// TimingConfig contains the protocol timer durations
type TimingConfig struct {
	// Delay before the starter floods Initialize; zero derives 200ms per process
	BootstrapDelay Duration `yaml:"bootstrap_delay" json:"bootstrap_delay" toml:"bootstrap_delay"`

	// Time spent inside the critical section
	CriticalSection Duration `yaml:"critical_section" json:"critical_section" toml:"critical_section"`

	// Time a crashed process stays down
	CrashDuration Duration `yaml:"crash_duration" json:"crash_duration" toml:"crash_duration"`
}

// MonitorConfig contains invariant monitor settings
type MonitorConfig struct {
	// Enable the periodic invariant monitor
	Enabled bool `yaml:"enabled" json:"enabled" toml:"enabled"`

	// Check interval
	Interval Duration `yaml:"interval" json:"interval" toml:"interval"`
}

// bootstrapDelayPerProcess gives every process time to store its neighbors
// before the Initialize flood reaches it.
const bootstrapDelayPerProcess = 200 * time.Millisecond

// DefaultConfig returns the default configuration: ten processes on the
// sample tree, process 0 starting with the privilege.
func DefaultConfig() *Config {
	return &Config{
		App: AppConfig{
			Name:        "treemx",
			Version:     "1.0.0",
			Environment: EnvDevelopment,
			Debug:       false,
		},
		Log: LogConfig{
			Level:  LogLevelInfo,
			Format: "text",
			Output: "stderr",
			Color:  true,
		},
		Cluster: ClusterConfig{
			Processes:   10,
			Starter:     0,
			MailboxSize: 1024,
			Topology: TopologyConfig{
				Shape: topology.ShapeSample,
			},
		},
		Timing: TimingConfig{
			CriticalSection: Duration(5 * time.Second),
			CrashDuration:   Duration(5 * time.Second),
		},
		Monitor: MonitorConfig{
			Enabled:  false,
			Interval: Duration(time.Second),
		},
	}
}

// clone returns a deep copy, so decoding into it leaves c untouched.
func (c *Config) clone() *Config {
	out := *c
	if c.Log.Fields != nil {
		out.Log.Fields = make(map[string]string, len(c.Log.Fields))
		for k, v := range c.Log.Fields {
			out.Log.Fields[k] = v
		}
	}
	if c.Cluster.Topology.Edges != nil {
		out.Cluster.Topology.Edges = append([][2]int(nil), c.Cluster.Topology.Edges...)
	}
	return &out
}

// Validate validates the configuration
func (c *Config) Validate() error {
	// Validate app config
	if c.App.Name == "" {
		return ErrInvalidAppName
	}
	if !c.App.Environment.IsValid() {
		return fmt.Errorf("%w: %q", ErrInvalidEnvironment, c.App.Environment)
	}

	// Validate log config
	if !c.Log.Level.IsValid() {
		return fmt.Errorf("%w: %q", ErrInvalidLogLevel, c.Log.Level)
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		return fmt.Errorf("%w: %q", ErrInvalidLogFormat, c.Log.Format)
	}

	// Validate cluster config
	if c.Cluster.Processes <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidProcessCount, c.Cluster.Processes)
	}
	if c.Cluster.Starter < 0 || c.Cluster.Starter >= c.Cluster.Processes {
		return fmt.Errorf("%w: %d not in [0, %d)", ErrInvalidStarter, c.Cluster.Starter, c.Cluster.Processes)
	}
	if c.Cluster.MailboxSize <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidMailboxSize, c.Cluster.MailboxSize)
	}
	if _, err := c.Tree(); err != nil {
		return err
	}

	// Validate timing config
	if c.Timing.BootstrapDelay < 0 || c.Timing.CriticalSection <= 0 || c.Timing.CrashDuration <= 0 {
		return fmt.Errorf("%w: %+v", ErrInvalidDuration, c.Timing)
	}
	if c.Monitor.Enabled && c.Monitor.Interval <= 0 {
		return fmt.Errorf("%w: monitor interval %s", ErrInvalidDuration, c.Monitor.Interval)
	}

	return nil
}

// Tree builds the configured spanning tree.
func (c *Config) Tree() (*topology.Tree, error) {
	var edges []topology.Edge
	for _, e := range c.Cluster.Topology.Edges {
		edges = append(edges, topology.Edge{protocol.ProcessID(e[0]), protocol.ProcessID(e[1])})
	}

	tp := c.Cluster.Topology
	tree, err := topology.Build(tp.Shape, c.Cluster.Processes, tp.Fanout, edges)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidTopology, err)
	}
	return tree, nil
}

// NodeTiming converts the timing section for the protocol.
func (c *Config) NodeTiming() node.Timing {
	delay := c.Timing.BootstrapDelay.Std()
	if delay == 0 {
		delay = bootstrapDelayPerProcess * time.Duration(c.Cluster.Processes)
	}
	return node.Timing{
		BootstrapDelay:  delay,
		CriticalSection: c.Timing.CriticalSection.Std(),
		CrashDuration:   c.Timing.CrashDuration.Std(),
	}
}

// StarterID returns the starter as a process id.
func (c *Config) StarterID() protocol.ProcessID {
	return protocol.ProcessID(c.Cluster.Starter)
}

// IsDevelopment reports whether the configuration targets development.
func (c *Config) IsDevelopment() bool {
	return c.App.Environment == EnvDevelopment
}

// IsDebugEnabled reports whether debug mode or debug logging is on.
func (c *Config) IsDebugEnabled() bool {
	return c.App.Debug || c.Log.Level == LogLevelDebug || c.Log.Level == LogLevelTrace
}

// OnlyTimingChanged reports whether next differs from c in the timing section alone.
func (c *Config) OnlyTimingChanged(next *Config) bool {
	a, b := c.clone(), next.clone()
	a.Timing, b.Timing = TimingConfig{}, TimingConfig{}
	return reflect.DeepEqual(a, b) && c.Timing != next.Timing
}

// Equal reports whether two configurations are identical.
func (c *Config) Equal(other *Config) bool {
	return reflect.DeepEqual(c, other)
}
