// Package config loads the driver process configuration from a file, the
// environment and command line flags, in increasing precedence.
package config

import (
	"fmt"
	"strings"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/signalsfoundry/pus-correlator/internal/bridge"
	"github.com/signalsfoundry/pus-correlator/internal/driver"
	"github.com/signalsfoundry/pus-correlator/internal/logging"
	"github.com/signalsfoundry/pus-correlator/internal/observability"
)

// EnvPrefix prefixes every environment override, e.g. PUS_LOGGING_LEVEL.
const EnvPrefix = "PUS"

// ServerConfig holds the listen addresses.
type ServerConfig struct {
	GRPCAddr    string `mapstructure:"grpc_addr"`
	MetricsAddr string `mapstructure:"metrics_addr"`
}

// Config is the full process configuration.
type Config struct {
	Driver  driver.Config               `mapstructure:"driver"`
	Logging logging.Config              `mapstructure:"logging"`
	Tracing observability.TracingConfig `mapstructure:"tracing"`
	MQTT    bridge.Config               `mapstructure:"mqtt"`
	Server  ServerConfig                `mapstructure:"server"`
	// Catalog is the JSON file of activity descriptors.
	Catalog string `mapstructure:"catalog"`
}

// DefaultConfig returns the process defaults.
func DefaultConfig() Config {
	return Config{
		Driver:  driver.DefaultConfig(),
		Logging: logging.Config{Level: "info", Format: "json"},
		Tracing: observability.DefaultTracingConfig(),
		MQTT:    bridge.DefaultConfig(),
		Server: ServerConfig{
			GRPCAddr:    ":50051",
			MetricsAddr: ":9090",
		},
		Catalog: "configs/activities.json",
	}
}

// flagKeys maps command line flags to configuration keys.
var flagKeys = map[string]string{
	"log-level":    "logging.level",
	"grpc-addr":    "server.grpc_addr",
	"metrics-addr": "server.metrics_addr",
	"catalog":      "catalog",
	"mqtt-broker":  "mqtt.broker_url",
	"spacecraft":   "driver.spacecraft_id",
}

// RegisterFlags adds the configuration flags to fs.
func RegisterFlags(fs *pflag.FlagSet) {
	d := DefaultConfig()
	fs.String("config", "", "Path to a YAML, TOML or JSON configuration file")
	fs.String("log-level", d.Logging.Level, "Log level: debug, info, warn or error")
	fs.String("grpc-addr", d.Server.GRPCAddr, "TCP address the gRPC health server listens on")
	fs.String("metrics-addr", d.Server.MetricsAddr, "HTTP address for Prometheus /metrics")
	fs.String("catalog", d.Catalog, "Path to a JSON file containing activity descriptors")
	fs.String("mqtt-broker", d.MQTT.BrokerURL, "MQTT broker URL; empty disables the bridge")
	fs.Int("spacecraft", d.Driver.SpacecraftID, "Spacecraft identifier")
}

// Load resolves the configuration. fs may be nil; when it carries a config
// flag that file is read.
func Load(fs *pflag.FlagSet) (Config, error) {
	v := viper.New()
	if err := setDefaults(v, DefaultConfig()); err != nil {
		return Config{}, err
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var path string
	if fs != nil {
		for name, key := range flagKeys {
			if f := fs.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return Config{}, fmt.Errorf("bind flag %s: %w", name, err)
				}
			}
		}
		if f := fs.Lookup("config"); f != nil {
			path = f.Value.String()
		}
	}
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	cfg.Driver.ApplyDefaults()
	return cfg, nil
}

// setDefaults registers every leaf of defaults so that environment variables
// can override keys absent from the file.
func setDefaults(v *viper.Viper, defaults Config) error {
	var tree map[string]any
	if err := mapstructure.Decode(defaults, &tree); err != nil {
		return fmt.Errorf("flatten defaults: %w", err)
	}
	setLeaves(v, "", tree)
	return nil
}

func setLeaves(v *viper.Viper, prefix string, tree map[string]any) {
	for k, val := range tree {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if sub, ok := val.(map[string]any); ok {
			setLeaves(v, key, sub)
			continue
		}
		v.SetDefault(key, val)
	}
}
