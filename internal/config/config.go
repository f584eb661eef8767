package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the application configuration
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	API      APIConfig      `yaml:"api"`
	Gateway  GatewayConfig  `yaml:"gateway"`
	Database DatabaseConfig `yaml:"database"`
	MQTT     MQTTConfig     `yaml:"mqtt"`
	NATS     NATSConfig     `yaml:"nats"`
	Log      LogConfig      `yaml:"log"`
}

// ServerConfig represents server identity configuration
type ServerConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

// APIConfig represents the HTTP/WebSocket listener configuration
type APIConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// GatewayConfig represents the device gateway configuration
type GatewayConfig struct {
	MaxClients         int           `yaml:"max_clients"`
	MaxMessageSize     int64         `yaml:"max_message_size"`
	ConnectionTimeout  time.Duration `yaml:"connection_timeout"`
	HeartbeatInterval  time.Duration `yaml:"heartbeat_interval"`
	CommandTimeout     time.Duration `yaml:"command_timeout"`
	FreshnessThreshold time.Duration `yaml:"freshness_threshold"`
	MonitorInterval    time.Duration `yaml:"monitor_interval"`
}

// DatabaseConfig represents database configuration
type DatabaseConfig struct {
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// MQTTConfig represents the device transport configuration
type MQTTConfig struct {
	BrokerURL      string        `yaml:"broker_url"`
	ClientID       string        `yaml:"client_id"`
	Username       string        `yaml:"username"`
	Password       string        `yaml:"password"`
	QoS            byte          `yaml:"qos"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	PublishTimeout time.Duration `yaml:"publish_timeout"`
	KeepAlive      time.Duration `yaml:"keep_alive"`
}

// NATSConfig represents the optional event export bus configuration
type NATSConfig struct {
	URL               string        `yaml:"url"`
	Username          string        `yaml:"username"`
	Password          string        `yaml:"password"`
	MaxReconnects     int           `yaml:"max_reconnects"`
	ReconnectInterval time.Duration `yaml:"reconnect_interval"`
}

// LogConfig represents logging configuration
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load loads configuration from file
func Load(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.applyEnvOverrides()
	cfg.applyDefaults()

	return &cfg, nil
}

// applyEnvOverrides applies environment variable overrides
func (c *Config) applyEnvOverrides() {
	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		c.Database.DSN = dsn
	}

	if brokerURL := os.Getenv("MQTT_BROKER_URL"); brokerURL != "" {
		c.MQTT.BrokerURL = brokerURL
	}

	if natsURL := os.Getenv("NATS_URL"); natsURL != "" {
		c.NATS.URL = natsURL
	}

	if logLevel := os.Getenv("LOG_LEVEL"); logLevel != "" {
		c.Log.Level = logLevel
	}
}

// applyDefaults fills untouched options with the gateway's defaults.
func (c *Config) applyDefaults() {
	if c.Server.Name == "" {
		c.Server.Name = "node-gateway"
	}
	if c.Server.Version == "" {
		c.Server.Version = "1.0.0"
	}
	if c.API.Port == 0 {
		c.API.Port = 8080
	}

	if c.Gateway.MaxClients == 0 {
		c.Gateway.MaxClients = 100
	}
	if c.Gateway.MaxMessageSize == 0 {
		c.Gateway.MaxMessageSize = 8192
	}
	if c.Gateway.ConnectionTimeout == 0 {
		c.Gateway.ConnectionTimeout = 30 * time.Second
	}
	if c.Gateway.HeartbeatInterval == 0 {
		c.Gateway.HeartbeatInterval = 15 * time.Second
	}
	if c.Gateway.CommandTimeout == 0 {
		c.Gateway.CommandTimeout = 10 * time.Second
	}
	if c.Gateway.FreshnessThreshold == 0 {
		c.Gateway.FreshnessThreshold = 5 * time.Minute
	}
	if c.Gateway.MonitorInterval == 0 {
		c.Gateway.MonitorInterval = time.Minute
	}

	if c.MQTT.ClientID == "" {
		c.MQTT.ClientID = c.Server.Name
	}
	if c.MQTT.ConnectTimeout == 0 {
		c.MQTT.ConnectTimeout = 10 * time.Second
	}
	if c.MQTT.PublishTimeout == 0 {
		c.MQTT.PublishTimeout = 5 * time.Second
	}
	if c.MQTT.KeepAlive == 0 {
		c.MQTT.KeepAlive = 30 * time.Second
	}

	if c.NATS.ReconnectInterval == 0 {
		c.NATS.ReconnectInterval = 2 * time.Second
	}
	if c.NATS.MaxReconnects == 0 {
		c.NATS.MaxReconnects = -1
	}
}
