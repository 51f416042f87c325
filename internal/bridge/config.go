package bridge

import (
	"errors"
	"fmt"
	"net/url"
	"time"
)

// Config holds the MQTT connection and topic settings. An empty BrokerURL
// disables the bridge.
type Config struct {
	BrokerURL string `mapstructure:"broker_url"`
	ClientID  string `mapstructure:"client_id"`
	Username  string `mapstructure:"username"`
	Password  string `mapstructure:"password"`

	// KeepAlive in seconds.
	KeepAlive      uint16        `mapstructure:"keep_alive"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	CleanStart     bool          `mapstructure:"clean_start"`
	// SessionExpiry in seconds, kept by the broker after a disconnect.
	SessionExpiry      uint32 `mapstructure:"session_expiry"`
	InsecureSkipVerify bool   `mapstructure:"insecure_skip_verify"`

	QoS int `mapstructure:"qos"`
	// TopicRoot prefixes every topic. Defaults to pus/<spacecraft id>.
	TopicRoot string `mapstructure:"topic_root"`
}

// DefaultConfig returns the connection defaults with the bridge disabled.
func DefaultConfig() Config {
	return Config{
		ClientID:       "pus-driver",
		KeepAlive:      60,
		ConnectTimeout: 5 * time.Second,
		QoS:            1,
	}
}

// Enabled reports whether a broker is configured.
func (c Config) Enabled() bool { return c.BrokerURL != "" }

func setDefaultConfig(cfg *Config) {
	d := DefaultConfig()
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = d.ConnectTimeout
	}
	if cfg.KeepAlive == 0 {
		cfg.KeepAlive = d.KeepAlive
	}
	if cfg.ClientID == "" {
		cfg.ClientID = d.ClientID
	}
}

// Validate checks the connection settings.
func (c *Config) Validate() error {
	if c.BrokerURL == "" {
		return errors.New("broker url is required")
	}
	if _, err := url.Parse(c.BrokerURL); err != nil {
		return err
	}
	if c.QoS < 0 || c.QoS > 2 {
		return fmt.Errorf("qos %d out of range", c.QoS)
	}
	return nil
}
