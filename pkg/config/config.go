// Package config loads and saves the lvsnap configuration file.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/jvs-project/lvsnap/pkg/errclass"
	"github.com/jvs-project/lvsnap/pkg/fsutil"
	"github.com/jvs-project/lvsnap/pkg/logging"
	"github.com/jvs-project/lvsnap/pkg/model"
	"github.com/jvs-project/lvsnap/pkg/template"
	"github.com/jvs-project/lvsnap/pkg/webhook"
)

// DefaultPath is where lvsnap looks for its configuration file.
const DefaultPath = "/etc/lvsnap/lvsnap.yaml"

// Config represents the lvsnap configuration.
type Config struct {
	Volume   string         `yaml:"volume" json:"volume"`
	Snapshot SnapshotConfig `yaml:"snapshot" json:"snapshot"`
	Hooks    []HookConfig   `yaml:"hooks,omitempty" json:"hooks,omitempty"`
	Lock     LockConfig     `yaml:"lock" json:"lock"`
	Audit    AuditConfig    `yaml:"audit" json:"audit"`
	Metrics  MetricsConfig  `yaml:"metrics" json:"metrics"`
	Webhook  webhook.Config `yaml:"webhook" json:"webhook"`
	Logging  LoggingConfig  `yaml:"logging" json:"logging"`
}

// SnapshotConfig describes the snapshot volume and where it is mounted.
// Name and Mountpoint may contain template placeholders.
type SnapshotConfig struct {
	Name             string `yaml:"name" json:"name"`
	Size             string `yaml:"size" json:"size"`
	Mountpoint       string `yaml:"mountpoint" json:"mountpoint"`
	CreateMountpoint bool   `yaml:"create_mountpoint" json:"create_mountpoint"`
	RemoveMountpoint bool   `yaml:"remove_mountpoint" json:"remove_mountpoint"`
}

// HookConfig binds a shell command to a lifecycle event.
type HookConfig struct {
	Name     string        `yaml:"name,omitempty" json:"name,omitempty"`
	Event    string        `yaml:"event" json:"event"`
	Command  string        `yaml:"command" json:"command"`
	// Priority is nil when unset; an explicit 0 is kept.
	Priority *int          `yaml:"priority,omitempty" json:"priority,omitempty"`
	Timeout  time.Duration `yaml:"timeout,omitempty" json:"timeout,omitempty"`
}

// LockConfig configures the per-volume lease lock.
type LockConfig struct {
	Dir      string        `yaml:"dir" json:"dir"`
	LeaseTTL time.Duration `yaml:"lease_ttl" json:"lease_ttl"`
}

// AuditConfig configures the audit trail. An empty path disables it.
type AuditConfig struct {
	Path string `yaml:"path" json:"path"`
}

// MetricsConfig configures the node_exporter textfile. An empty path
// disables it.
type MetricsConfig struct {
	Textfile string `yaml:"textfile" json:"textfile"`
}

// LoggingConfig configures logging behavior.
type LoggingConfig struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"` // json, text
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Snapshot: SnapshotConfig{
			Name:             "{lv}_snapshot",
			Size:             "20%ORIGIN",
			Mountpoint:       "/mnt/lvsnap/{vg}/{lv}",
			CreateMountpoint: true,
			RemoveMountpoint: true,
		},
		Lock: LockConfig{
			Dir:      "/run/lvsnap",
			LeaseTTL: 6 * time.Hour,
		},
		Audit: AuditConfig{
			Path: "/var/lib/lvsnap/audit.jsonl",
		},
		Webhook: *webhook.DefaultConfig(),
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load reads the configuration at path on top of the defaults.
// Returns default config if file doesn't exist.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errclass.ErrConfigInvalid.Wrap(err, "parse "+path)
	}
	return cfg, nil
}

// Save writes cfg to path atomically.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	if err := fsutil.AtomicWrite(path, data, 0644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

type field struct {
	get func(c *Config) string
	set func(c *Config, v string) error
}

func stringField(p func(c *Config) *string) field {
	return field{
		get: func(c *Config) string { return *p(c) },
		set: func(c *Config, v string) error { *p(c) = v; return nil },
	}
}

func boolField(p func(c *Config) *bool) field {
	return field{
		get: func(c *Config) string { return strconv.FormatBool(*p(c)) },
		set: func(c *Config, v string) error {
			b, err := strconv.ParseBool(v)
			if err != nil {
				return fmt.Errorf("invalid boolean %q", v)
			}
			*p(c) = b
			return nil
		},
	}
}

func intField(p func(c *Config) *int) field {
	return field{
		get: func(c *Config) string { return strconv.Itoa(*p(c)) },
		set: func(c *Config, v string) error {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("invalid integer %q", v)
			}
			*p(c) = n
			return nil
		},
	}
}

func durationField(p func(c *Config) *time.Duration) field {
	return field{
		get: func(c *Config) string { return p(c).String() },
		set: func(c *Config, v string) error {
			d, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("invalid duration %q", v)
			}
			*p(c) = d
			return nil
		},
	}
}

var fields = map[string]field{
	"volume":                     stringField(func(c *Config) *string { return &c.Volume }),
	"snapshot.name":              stringField(func(c *Config) *string { return &c.Snapshot.Name }),
	"snapshot.size":              stringField(func(c *Config) *string { return &c.Snapshot.Size }),
	"snapshot.mountpoint":        stringField(func(c *Config) *string { return &c.Snapshot.Mountpoint }),
	"snapshot.create_mountpoint": boolField(func(c *Config) *bool { return &c.Snapshot.CreateMountpoint }),
	"snapshot.remove_mountpoint": boolField(func(c *Config) *bool { return &c.Snapshot.RemoveMountpoint }),
	"lock.dir":                   stringField(func(c *Config) *string { return &c.Lock.Dir }),
	"lock.lease_ttl":             durationField(func(c *Config) *time.Duration { return &c.Lock.LeaseTTL }),
	"audit.path":                 stringField(func(c *Config) *string { return &c.Audit.Path }),
	"metrics.textfile":           stringField(func(c *Config) *string { return &c.Metrics.Textfile }),
	"webhook.enabled":            boolField(func(c *Config) *bool { return &c.Webhook.Enabled }),
	"webhook.max_retries":        intField(func(c *Config) *int { return &c.Webhook.MaxRetries }),
	"webhook.retry_delay":        durationField(func(c *Config) *time.Duration { return &c.Webhook.RetryDelay }),
	"webhook.async_queue_size":   intField(func(c *Config) *int { return &c.Webhook.AsyncQueueSize }),
	"logging.level":              stringField(func(c *Config) *string { return &c.Logging.Level }),
	"logging.format":             stringField(func(c *Config) *string { return &c.Logging.Format }),
}

// Keys returns the dotted keys accepted by Get and Set, sorted.
func Keys() []string {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Get returns the value of a dotted key such as "snapshot.size".
func (c *Config) Get(key string) (string, error) {
	f, ok := fields[key]
	if !ok {
		return "", errclass.ErrConfigInvalid.WithMessagef("unknown key %q (valid keys: %s)", key, strings.Join(Keys(), ", "))
	}
	return f.get(c), nil
}

// Set parses value and stores it under a dotted key.
func (c *Config) Set(key, value string) error {
	f, ok := fields[key]
	if !ok {
		return errclass.ErrConfigInvalid.WithMessagef("unknown key %q (valid keys: %s)", key, strings.Join(Keys(), ", "))
	}
	if err := f.set(c, value); err != nil {
		return errclass.ErrConfigInvalid.WithMessagef("%s: %v", key, err)
	}
	return nil
}

// Override applies every key v has a value for, from a bound flag or an
// LVSNAP_* environment variable, on top of c.
func (c *Config) Override(v *viper.Viper) error {
	for _, key := range Keys() {
		if !v.IsSet(key) {
			continue
		}
		if err := c.Set(key, v.GetString(key)); err != nil {
			return err
		}
	}
	return nil
}

// NewViper returns a viper instance that reads LVSNAP_* environment
// variables for every configuration key, e.g. LVSNAP_SNAPSHOT_SIZE.
func NewViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix("LVSNAP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Validate checks that the fields a run needs are present and parseable.
func (c *Config) Validate() error {
	var problems []error
	need := func(key, value string) {
		if strings.TrimSpace(value) == "" {
			problems = append(problems, fmt.Errorf("%s is required", key))
		}
	}
	need("volume", c.Volume)
	need("snapshot.name", c.Snapshot.Name)
	need("snapshot.size", c.Snapshot.Size)
	need("snapshot.mountpoint", c.Snapshot.Mountpoint)

	for i, h := range c.Hooks {
		if _, ok := model.ParseEvent(h.Event); !ok {
			problems = append(problems, fmt.Errorf("hooks[%d].event: unknown event %q", i, h.Event))
		}
		need(fmt.Sprintf("hooks[%d].command", i), h.Command)
		if h.Timeout < 0 {
			problems = append(problems, fmt.Errorf("hooks[%d].timeout must not be negative", i))
		}
	}
	if c.Webhook.Enabled {
		for i, h := range c.Webhook.Hooks {
			need(fmt.Sprintf("webhook.hooks[%d].url", i), h.URL)
		}
	}
	if _, err := logging.ParseLevel(c.Logging.Level); err != nil {
		problems = append(problems, err)
	}
	if _, err := logging.ParseFormat(c.Logging.Format); err != nil {
		problems = append(problems, err)
	}

	if len(problems) == 0 {
		return nil
	}
	return errclass.ErrConfigInvalid.Wrap(errors.Join(problems...), "invalid configuration")
}

// SnapshotSpec expands the snapshot name and mountpoint templates for the
// origin volume vg/lv at time now.
func (c *Config) SnapshotSpec(vg, lv string, now time.Time) model.SnapshotSpec {
	vars := template.VolumeVars(vg, lv)
	return model.SnapshotSpec{
		Name:       template.ExpandAt(c.Snapshot.Name, now, vars),
		Size:       c.Snapshot.Size,
		Mountpoint: filepath.Clean(template.ExpandAt(c.Snapshot.Mountpoint, now, vars)),
	}
}
