// Package config provides configuration management for ibmcast.
//
// Configuration is loaded from multiple sources with the following precedence:
//  1. Command-line flags (highest priority)
//  2. Environment variables (IBMCAST_* prefix)
//  3. Configuration file (ibmcast.yaml)
//  4. Default values (lowest priority)
//
// Example usage:
//
//	cfg, err := config.Load("/etc/ibmcast/ibmcast.yaml", config.Options{})
//	if err != nil {
//	    log.Fatal(err)
//	}
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the ibmcast daemon.
type Config struct {
	// Node identification
	NodeName string `mapstructure:"node_name" yaml:"node_name"`

	// AdminPort serves the admin API, health probes and metrics.
	AdminPort int `mapstructure:"admin_port" yaml:"admin_port"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `mapstructure:"log_level" yaml:"log_level"`

	Fabric      FabricConfig      `mapstructure:"fabric" yaml:"fabric"`
	Directory   DirectoryConfig   `mapstructure:"directory" yaml:"directory"`
	Coordinator CoordinatorConfig `mapstructure:"coordinator" yaml:"coordinator"`
	Shutdown    ShutdownConfig    `mapstructure:"shutdown" yaml:"shutdown"`
	RateLimit   RateLimitConfig   `mapstructure:"rate_limit" yaml:"rate_limit"`
}

// FabricConfig selects how adapters and ports are discovered.
type FabricConfig struct {
	// Backend is "simulated" or "sysfs".
	Backend string `mapstructure:"backend" yaml:"backend"`

	// SysfsRoot overrides /sys/class/infiniband for the sysfs backend.
	SysfsRoot string `mapstructure:"sysfs_root" yaml:"sysfs_root"`

	// PollInterval is how often port states are re-read.
	PollInterval time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`

	// Devices limits coordination to the named adapters. Empty means all.
	Devices []string `mapstructure:"devices" yaml:"devices"`
}

// DirectoryConfig configures the simulated directory service.
type DirectoryConfig struct {
	JoinLatency  time.Duration `mapstructure:"join_latency" yaml:"join_latency"`
	LeaveLatency time.Duration `mapstructure:"leave_latency" yaml:"leave_latency"`
	MaxGroups    int           `mapstructure:"max_groups" yaml:"max_groups"`
	MLIDBase     int           `mapstructure:"mlid_base" yaml:"mlid_base"`
}

// CoordinatorConfig bounds per-port coordinator resources. Zero means unlimited.
type CoordinatorConfig struct {
	MaxGroups   int `mapstructure:"max_groups" yaml:"max_groups"`
	MaxRequests int `mapstructure:"max_requests" yaml:"max_requests"`
}

// ShutdownConfig holds graceful shutdown timeouts.
type ShutdownConfig struct {
	TotalTimeout time.Duration `mapstructure:"total_timeout" yaml:"total_timeout"`
	DrainTimeout time.Duration `mapstructure:"drain_timeout" yaml:"drain_timeout"`
	PortsTimeout time.Duration `mapstructure:"ports_timeout" yaml:"ports_timeout"`
}

// RateLimitConfig throttles admin API join requests per client address.
type RateLimitConfig struct {
	Enabled        bool `mapstructure:"enabled" yaml:"enabled"`
	JoinsPerSecond int  `mapstructure:"joins_per_second" yaml:"joins_per_second"`
	Burst          int  `mapstructure:"burst" yaml:"burst"`
}

// Options are command line overrides.
type Options struct {
	AdminPort     int
	LogLevel      string
	FabricBackend string
}

// Load loads configuration from file and applies command line options.
func Load(configPath string, opts Options) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	} else {
		v.SetConfigName("ibmcast")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/ibmcast")
		v.AddConfigPath("$HOME/.ibmcast")

		// Ignore error if config file not found
		_ = v.ReadInConfig()
	}

	v.SetEnvPrefix("IBMCAST")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if opts.AdminPort != 0 {
		v.Set("admin_port", opts.AdminPort)
	}

	if opts.LogLevel != "" {
		v.Set("log_level", opts.LogLevel)
	}

	if opts.FabricBackend != "" {
		v.Set("fabric.backend", opts.FabricBackend)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	hostname, _ := os.Hostname()
	v.SetDefault("node_name", hostname)
	v.SetDefault("admin_port", 9470)
	v.SetDefault("log_level", "info")

	v.SetDefault("fabric.backend", "simulated")
	v.SetDefault("fabric.sysfs_root", "/sys/class/infiniband")
	v.SetDefault("fabric.poll_interval", 5*time.Second)
	v.SetDefault("fabric.devices", []string{})

	v.SetDefault("directory.join_latency", 20*time.Millisecond)
	v.SetDefault("directory.leave_latency", 10*time.Millisecond)
	v.SetDefault("directory.max_groups", 0)
	v.SetDefault("directory.mlid_base", 0xc000)

	v.SetDefault("coordinator.max_groups", 1024)
	v.SetDefault("coordinator.max_requests", 65536)

	v.SetDefault("shutdown.total_timeout", 30*time.Second)
	v.SetDefault("shutdown.drain_timeout", 10*time.Second)
	v.SetDefault("shutdown.ports_timeout", 15*time.Second)

	v.SetDefault("rate_limit.enabled", false)
	v.SetDefault("rate_limit.joins_per_second", 20)
	v.SetDefault("rate_limit.burst", 40)
}

func (c *Config) validate() error {
	if c.NodeName == "" {
		return fmt.Errorf("node_name cannot be empty")
	}

	if c.AdminPort <= 0 || c.AdminPort > 65535 {
		return fmt.Errorf("admin_port must be between 1 and 65535, got %d", c.AdminPort)
	}

	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log_level %q", c.LogLevel)
	}

	switch c.Fabric.Backend {
	case "simulated", "sysfs":
	default:
		return fmt.Errorf("fabric.backend must be simulated or sysfs, got %q", c.Fabric.Backend)
	}

	if c.Fabric.PollInterval <= 0 {
		return fmt.Errorf("fabric.poll_interval must be positive")
	}

	if c.Directory.JoinLatency < 0 || c.Directory.LeaveLatency < 0 {
		return fmt.Errorf("directory latencies cannot be negative")
	}

	if c.Directory.MaxGroups < 0 {
		return fmt.Errorf("directory.max_groups cannot be negative")
	}

	if c.Directory.MLIDBase < 0xc000 || c.Directory.MLIDBase > 0xfffe {
		return fmt.Errorf("directory.mlid_base must be in 0xc000-0xfffe, got 0x%x", c.Directory.MLIDBase)
	}

	if c.Coordinator.MaxGroups < 0 || c.Coordinator.MaxRequests < 0 {
		return fmt.Errorf("coordinator limits cannot be negative")
	}

	if c.Shutdown.TotalTimeout <= 0 {
		return fmt.Errorf("shutdown.total_timeout must be positive")
	}

	if c.Shutdown.DrainTimeout+c.Shutdown.PortsTimeout > c.Shutdown.TotalTimeout {
		return fmt.Errorf("shutdown phase timeouts exceed shutdown.total_timeout")
	}

	if c.RateLimit.Enabled && (c.RateLimit.JoinsPerSecond <= 0 || c.RateLimit.Burst <= 0) {
		return fmt.Errorf("rate_limit.joins_per_second and rate_limit.burst must be positive when enabled")
	}

	return nil
}
