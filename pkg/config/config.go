// Package config loads the daemon's YAML configuration: the worker fleet,
// the control socket path, logging, and the tick intervals of every
// background loop. Defaults are applied in code so a minimal file listing
// only workers is a valid configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Dicklesworthstone/rchd/pkg/errs"
	"github.com/Dicklesworthstone/rchd/pkg/types"
)

// Duration is a time.Duration that decodes from YAML either as a Go
// duration string ("90s", "1h") or as an integer number of seconds.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var secs int64
	if err := value.Decode(&secs); err == nil {
		*d = Duration(time.Duration(secs) * time.Second)
		return nil
	}
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std converts back to a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// WorkerEntry is one worker host in the configuration file.
type WorkerEntry struct {
	ID         string            `yaml:"id"`
	Host       string            `yaml:"host"`
	User       string            `yaml:"user"`
	Identity   string            `yaml:"identity"`
	TotalSlots int               `yaml:"total_slots"`
	Priority   int               `yaml:"priority"`
	Tags       map[string]string `yaml:"tags"`
}

// Config is the daemon's full configuration.
type Config struct {
	SocketPath  string        `yaml:"socket_path"`
	MetricsAddr string        `yaml:"metrics_addr"`
	LogLevel    string        `yaml:"log_level"`
	LogJSON     bool          `yaml:"log_json"`
	Workers     []WorkerEntry `yaml:"workers"`

	PressureInterval     Duration `yaml:"pressure_interval"`
	TriageInterval       Duration `yaml:"triage_interval"`
	TriageSweepBudget    Duration `yaml:"triage_sweep_budget"`
	CleanupInterval      Duration `yaml:"cleanup_interval"`
	CleanupIdleThreshold Duration `yaml:"cleanup_idle_threshold"`
	CleanupMinFreeGB     float64  `yaml:"cleanup_min_free_gb"`
	CleanupMaxAgeHours   int      `yaml:"cleanup_max_cache_age_hours"`
	HealthProbeInterval  Duration `yaml:"health_probe_interval"`
	HistoryRingSize      int      `yaml:"history_ring_size"`
}

// Default returns the configuration used when a field (or the whole file)
// is absent.
func Default() Config {
	return Config{
		SocketPath:           defaultSocketPath(),
		MetricsAddr:          "127.0.0.1:9815",
		LogLevel:             "info",
		PressureInterval:     Duration(30 * time.Second),
		TriageInterval:       Duration(30 * time.Second),
		TriageSweepBudget:    Duration(15 * time.Second),
		CleanupInterval:      Duration(3600 * time.Second),
		CleanupIdleThreshold: Duration(10 * time.Minute),
		CleanupMinFreeGB:     20,
		CleanupMaxAgeHours:   168,
		HealthProbeInterval:  Duration(30 * time.Second),
		HistoryRingSize:      1024,
	}
}

func defaultSocketPath() string {
	if dir, err := os.UserHomeDir(); err == nil {
		return dir + "/.local/share/rchd/daemon.sock"
	}
	return "/tmp/rchd-daemon.sock"
}

// Load reads path, decodes it over the defaults, and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, errs.New(errs.CodeConfigNotFound, err)
		}
		return cfg, errs.New(errs.CodeConfigReadError, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, errs.New(errs.CodeConfigParseError, err)
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks the configuration's internal consistency.
func (c Config) Validate() error {
	if c.SocketPath == "" {
		return errs.New(errs.CodeConfigSocketPathError, nil)
	}
	if len(c.Workers) == 0 {
		return errs.New(errs.CodeConfigNoWorkers, nil)
	}

	seen := make(map[string]struct{}, len(c.Workers))
	for _, w := range c.Workers {
		if w.ID == "" || w.Host == "" {
			return errs.New(errs.CodeConfigInvalidWorker,
				fmt.Errorf("worker %q: id and host are required", w.ID))
		}
		if w.TotalSlots <= 0 {
			return errs.New(errs.CodeConfigInvalidWorker,
				fmt.Errorf("worker %q: total_slots must be > 0", w.ID))
		}
		if _, dup := seen[w.ID]; dup {
			return errs.New(errs.CodeConfigInvalidWorker,
				fmt.Errorf("worker %q: duplicate id", w.ID))
		}
		seen[w.ID] = struct{}{}
	}
	return nil
}

// WorkerConfigs converts the file entries into registration configs.
func (c Config) WorkerConfigs() []types.WorkerConfig {
	out := make([]types.WorkerConfig, 0, len(c.Workers))
	for _, w := range c.Workers {
		out = append(out, types.WorkerConfig{
			ID:         types.WorkerID(w.ID),
			Host:       w.Host,
			User:       w.User,
			Identity:   w.Identity,
			TotalSlots: w.TotalSlots,
			Priority:   w.Priority,
			Tags:       w.Tags,
		})
	}
	return out
}
