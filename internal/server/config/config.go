// Package config loads the server configuration from YAML.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config represents the server configuration
type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	TLS          TLSConfig          `mapstructure:"tls"`
	Tunnels      TunnelsConfig      `mapstructure:"tunnels"`
	Reservations ReservationsConfig `mapstructure:"reservations"`
	Logging      LoggingConfig      `mapstructure:"logging"`
}

// ServerConfig holds listener settings
type ServerConfig struct {
	BaseDomain       string `mapstructure:"base_domain"`
	ListenerPort     int    `mapstructure:"listener_port"`
	HTTPListenerPort int    `mapstructure:"http_listener_port"`
}

// TLSConfig holds TLS settings
type TLSConfig struct {
	CertFile string `mapstructure:"cert_file"`
	KeyFile  string `mapstructure:"key_file"`
}

// TunnelsConfig holds tunnel routing settings
type TunnelsConfig struct {
	TCPPortStart          int           `mapstructure:"tcp_port_start"`
	TCPPortEnd            int           `mapstructure:"tcp_port_end"`
	RequestTimeout        time.Duration `mapstructure:"request_timeout"`
	WsUpgradeTimeout      time.Duration `mapstructure:"ws_upgrade_timeout"`
	WsBufferTTL           time.Duration `mapstructure:"ws_buffer_ttl"`
	WsBufferSweepInterval time.Duration `mapstructure:"ws_buffer_sweep_interval"`
	MaxRequestBody        int64         `mapstructure:"max_request_body"`
	HeartbeatInterval     time.Duration `mapstructure:"heartbeat_interval"`
}

// ReservationsConfig holds the subdomain reservation store settings
type ReservationsConfig struct {
	// Database is the sqlite file path. Empty disables the reservation gate.
	Database string `mapstructure:"database"`
}

// LoggingConfig holds logging settings
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	Output string `mapstructure:"output"`
	File   string `mapstructure:"file"`
}

// Load loads configuration from file. An empty path yields the defaults.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate rejects configurations the server cannot start with.
func (c *Config) Validate() error {
	if c.Server.BaseDomain == "" {
		return fmt.Errorf("server.base_domain is required")
	}
	if c.Tunnels.TCPPortStart > c.Tunnels.TCPPortEnd {
		return fmt.Errorf("tunnels.tcp_port_start %d exceeds tcp_port_end %d",
			c.Tunnels.TCPPortStart, c.Tunnels.TCPPortEnd)
	}
	if (c.TLS.CertFile == "") != (c.TLS.KeyFile == "") {
		return fmt.Errorf("tls.cert_file and tls.key_file must be set together")
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.base_domain", "burrow.local")
	v.SetDefault("server.listener_port", 443)
	v.SetDefault("server.http_listener_port", 80)

	// Tunnel defaults
	v.SetDefault("tunnels.tcp_port_start", 40000)
	v.SetDefault("tunnels.tcp_port_end", 40019)
	v.SetDefault("tunnels.request_timeout", "30s")
	v.SetDefault("tunnels.ws_upgrade_timeout", "10s")
	v.SetDefault("tunnels.ws_buffer_ttl", "30s")
	v.SetDefault("tunnels.ws_buffer_sweep_interval", "10s")
	v.SetDefault("tunnels.max_request_body", 10<<20)
	v.SetDefault("tunnels.heartbeat_interval", "30s")

	// Reservation store is off unless a database path is given
	v.SetDefault("reservations.database", "")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stdout")
}
