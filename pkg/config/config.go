// Package config loads a campaign definition and resolves it into TestSpecs.
//
// A configuration source has three top-level keys: "defaults" (a mapping
// applied to every test), "tests" (an ordered list of mappings) and
// "settings" (runtime settings of the tool itself). Each test is resolved as
// built-in defaults, overlaid by the file defaults, overlaid by the entry.
package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// ErrNoTests is returned when a configuration defines no usable tests.
var ErrNoTests = errors.New("no tests defined")

// EnvPrefix prefixes environment variables overriding settings, e.g.
// PERFTEST_SETTINGS_WORKERS.
const EnvPrefix = "PERFTEST"

type Tools struct {
	Iperf3 string
	Ping   string
	MTR    string
}

type DatabaseSettings struct {
	Enabled  bool
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
}

// DSN returns the Postgres connection string.
func (d DatabaseSettings) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.DBName, d.SSLMode)
}

type RedisSettings struct {
	Addr         string
	LeaseTTLSec  int
	LeaseWaitSec int
}

type IPInfoSettings struct {
	Token       string
	BaseURL     string
	CacheTTLSec int
}

type ReachabilitySettings struct {
	Transport  string
	TimeoutSec int
}

// Settings are the runtime options of the campaign runner.
type Settings struct {
	Workers      int
	Tools        Tools
	Database     DatabaseSettings
	Redis        RedisSettings
	IPInfo       IPInfoSettings
	Metrics      bool
	Reachability ReachabilitySettings
}

// Config is a loaded configuration source.
type Config struct {
	v *viper.Viper

	Defaults map[string]interface{}
	Tests    []map[string]interface{}
}

// Load reads the configuration at path. The format is chosen by extension
// (yaml, json or toml). A missing or malformed file is an error, as is a file
// without any test entry.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setSettingDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("error reading config file %s: %w", path, err)
	}

	defaults, err := toStringMap(v.Get("defaults"))
	if err != nil {
		return nil, fmt.Errorf("invalid defaults: %w", err)
	}

	tests, err := toMapList(v.Get("tests"))
	if err != nil {
		return nil, fmt.Errorf("invalid tests: %w", err)
	}
	if len(tests) == 0 {
		return nil, ErrNoTests
	}

	return &Config{v: v, Defaults: defaults, Tests: tests}, nil
}

// Viper exposes the underlying instance so command-line flags can be bound
// over settings.
func (c *Config) Viper() *viper.Viper {
	return c.v
}

// Settings returns the runtime settings, honouring environment overrides.
func (c *Config) Settings() Settings {
	v := c.v
	return Settings{
		Workers: v.GetInt("settings.workers"),
		Tools: Tools{
			Iperf3: v.GetString("settings.tools.iperf3"),
			Ping:   v.GetString("settings.tools.ping"),
			MTR:    v.GetString("settings.tools.mtr"),
		},
		Database: DatabaseSettings{
			Enabled:  v.GetBool("settings.database.enabled"),
			Host:     v.GetString("settings.database.host"),
			Port:     v.GetInt("settings.database.port"),
			User:     v.GetString("settings.database.user"),
			Password: v.GetString("settings.database.password"),
			DBName:   v.GetString("settings.database.dbname"),
			SSLMode:  v.GetString("settings.database.sslmode"),
		},
		Redis: RedisSettings{
			Addr:         v.GetString("settings.redis.addr"),
			LeaseTTLSec:  v.GetInt("settings.redis.lease_ttl_sec"),
			LeaseWaitSec: v.GetInt("settings.redis.lease_wait_sec"),
		},
		IPInfo: IPInfoSettings{
			Token:       v.GetString("settings.ipinfo.token"),
			BaseURL:     v.GetString("settings.ipinfo.base_url"),
			CacheTTLSec: v.GetInt("settings.ipinfo.cache_ttl_sec"),
		},
		Metrics: v.GetBool("settings.metrics"),
		Reachability: ReachabilitySettings{
			Transport:  v.GetString("settings.reachability.transport"),
			TimeoutSec: v.GetInt("settings.reachability.timeout_sec"),
		},
	}
}

func setSettingDefaults(v *viper.Viper) {
	v.SetDefault("settings.workers", 1)
	v.SetDefault("settings.tools.iperf3", "iperf3")
	v.SetDefault("settings.tools.ping", "ping")
	v.SetDefault("settings.tools.mtr", "mtr")
	v.SetDefault("settings.database.enabled", false)
	v.SetDefault("settings.database.host", "localhost")
	v.SetDefault("settings.database.port", 5432)
	v.SetDefault("settings.database.user", "postgres")
	v.SetDefault("settings.database.password", "")
	v.SetDefault("settings.database.dbname", "perftest")
	v.SetDefault("settings.database.sslmode", "disable")
	v.SetDefault("settings.redis.addr", "")
	v.SetDefault("settings.redis.lease_ttl_sec", 600)
	v.SetDefault("settings.redis.lease_wait_sec", 120)
	v.SetDefault("settings.ipinfo.token", "")
	v.SetDefault("settings.ipinfo.base_url", "https://ipinfo.io")
	v.SetDefault("settings.ipinfo.cache_ttl_sec", 3600)
	v.SetDefault("settings.metrics", true)
	v.SetDefault("settings.reachability.transport", "")
	v.SetDefault("settings.reachability.timeout_sec", 5)
}

// toStringMap converts a decoded mapping into map[string]interface{} with
// lower-cased keys. A nil value yields an empty map.
func toStringMap(v interface{}) (map[string]interface{}, error) {
	out := make(map[string]interface{})
	switch m := v.(type) {
	case nil:
	case map[string]interface{}:
		for k, val := range m {
			out[strings.ToLower(k)] = val
		}
	case map[interface{}]interface{}:
		for k, val := range m {
			out[strings.ToLower(fmt.Sprint(k))] = val
		}
	default:
		return nil, fmt.Errorf("expected a mapping, got %T", v)
	}
	return out, nil
}

func toMapList(v interface{}) ([]map[string]interface{}, error) {
	var items []interface{}
	switch l := v.(type) {
	case nil:
		return nil, nil
	case []interface{}:
		items = l
	case []map[string]interface{}:
		for _, m := range l {
			items = append(items, m)
		}
	default:
		return nil, fmt.Errorf("expected a list, got %T", v)
	}

	out := make([]map[string]interface{}, 0, len(items))
	for i, item := range items {
		m, err := toStringMap(item)
		if err != nil {
			return nil, fmt.Errorf("entry %d: %w", i, err)
		}
		out = append(out, m)
	}
	return out, nil
}
