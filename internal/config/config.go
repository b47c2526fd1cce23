// Package config loads the server configuration, including the record API
// exposures, and hot-reloads it into an atomically swapped snapshot.
package config

import (
	"fmt"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ServerConfig configures the HTTP surface.
type ServerConfig struct {
	Address   string `mapstructure:"address"`
	PublicURL string `mapstructure:"public_url"`
}

// DatabaseConfig locates the SQLite files and migration sources.
type DatabaseConfig struct {
	MainPath      string `mapstructure:"main_path"`
	LogsPath      string `mapstructure:"logs_path"`
	MigrationsDir string `mapstructure:"migrations_dir"`
}

// AuthConfig carries the shared JWT verification secret.
type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret"`
}

// RuntimeConfig configures the JS isolate pool.
type RuntimeConfig struct {
	Workers    int           `mapstructure:"workers"`
	ScriptsDir string        `mapstructure:"scripts_dir"`
	Timeout    time.Duration `mapstructure:"timeout"`
}

// RecordListConfig bounds list queries.
type RecordListConfig struct {
	DefaultLimit int `mapstructure:"default_limit"`
	MaxLimit     int `mapstructure:"max_limit"`
}

// RecordAPIConfig is one table exposure. Access rules are trusted SQL
// boolean expressions over _ROW_ and _USER_; ACL lists name the verbs each
// audience may use.
type RecordAPIConfig struct {
	Name  string `mapstructure:"name"`
	Table string `mapstructure:"table"`

	ACLWorld         []string `mapstructure:"acl_world"`
	ACLAuthenticated []string `mapstructure:"acl_authenticated"`

	ReadAccessRule   string `mapstructure:"read_access_rule"`
	CreateAccessRule string `mapstructure:"create_access_rule"`
	UpdateAccessRule string `mapstructure:"update_access_rule"`
	DeleteAccessRule string `mapstructure:"delete_access_rule"`

	// Expand lists local foreign-key columns clients may expand.
	Expand []string `mapstructure:"expand"`
}

// Config is the root configuration snapshot. Snapshots are immutable once
// loaded; the watcher replaces the whole value.
type Config struct {
	DataDir  string            `mapstructure:"data_dir"`
	Server   ServerConfig      `mapstructure:"server"`
	Database DatabaseConfig    `mapstructure:"database"`
	Auth     AuthConfig        `mapstructure:"auth"`
	Runtime  RuntimeConfig     `mapstructure:"runtime"`
	List     RecordListConfig  `mapstructure:"list"`
	Records  []RecordAPIConfig `mapstructure:"records"`
}

// Load reads the configuration file at path, applying defaults and
// LITEBASE_* environment overrides.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("LITEBASE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg.applyDataDir()

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("data_dir", "./data")
	v.SetDefault("server.address", ":4000")
	v.SetDefault("runtime.workers", runtime.NumCPU())
	v.SetDefault("runtime.timeout", 30*time.Second)
	v.SetDefault("list.default_limit", 100)
	v.SetDefault("list.max_limit", 1024)
}

// applyDataDir fills path fields that default relative to the data dir.
func (c *Config) applyDataDir() {
	if c.Database.MainPath == "" {
		c.Database.MainPath = filepath.Join(c.DataDir, "main.db")
	}
	if c.Database.LogsPath == "" {
		c.Database.LogsPath = filepath.Join(c.DataDir, "logs.db")
	}
	if c.Database.MigrationsDir == "" {
		c.Database.MigrationsDir = filepath.Join(c.DataDir, "migrations")
	}
	if c.Runtime.ScriptsDir == "" {
		c.Runtime.ScriptsDir = filepath.Join(c.DataDir, "scripts")
	}
}

func (c *Config) validate() error {
	seen := make(map[string]struct{}, len(c.Records))
	for _, r := range c.Records {
		if r.Name == "" || r.Table == "" {
			return fmt.Errorf("record api needs both name and table (name=%q table=%q)", r.Name, r.Table)
		}
		if _, dup := seen[r.Name]; dup {
			return fmt.Errorf("duplicate record api name %q", r.Name)
		}
		seen[r.Name] = struct{}{}
	}
	if c.List.DefaultLimit <= 0 || c.List.MaxLimit < c.List.DefaultLimit {
		return fmt.Errorf("invalid list limits: default=%d max=%d", c.List.DefaultLimit, c.List.MaxLimit)
	}
	return nil
}
