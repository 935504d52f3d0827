// Package config loads the bridge configuration file. Every field is
// optional; the Get* methods supply defaults for anything left unset, so a
// partial file (or none at all) is always safe.
package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/banshee-data/rts.bridge/internal/serialmux"
	"github.com/banshee-data/rts.bridge/internal/transport"
)

const (
	DefaultListen      = ":8080"
	DefaultDBPath      = "rtsbridge.db"
	DefaultTopicPrefix = "rtsbridge"
	DefaultClientID    = "rtsbridge"

	// maxFileSize caps the configuration file.
	maxFileSize = 1 * 1024 * 1024
)

// Config is the root of the configuration file.
type Config struct {
	Serial    SerialConfig    `json:"serial" yaml:"serial"`
	Transport TransportConfig `json:"transport" yaml:"transport"`
	HTTP      HTTPConfig      `json:"http" yaml:"http"`
	DB        DBConfig        `json:"db" yaml:"db"`
	MQTT      MQTTConfig      `json:"mqtt" yaml:"mqtt"`
	Log       LogConfig       `json:"log" yaml:"log"`
}

type SerialConfig struct {
	Port     *string `json:"port,omitempty" yaml:"port,omitempty"`
	BaudRate *int    `json:"baud_rate,omitempty" yaml:"baud_rate,omitempty"`
	DataBits *int    `json:"data_bits,omitempty" yaml:"data_bits,omitempty"`
	StopBits *int    `json:"stop_bits,omitempty" yaml:"stop_bits,omitempty"`
	Parity   *string `json:"parity,omitempty" yaml:"parity,omitempty"`
	// Disabled runs the bridge without a CUL stick; every send fails fast.
	Disabled *bool `json:"disabled,omitempty" yaml:"disabled,omitempty"`
}

// TransportConfig holds duration strings like "100ms".
type TransportConfig struct {
	MinSpacing    *string `json:"min_spacing,omitempty" yaml:"min_spacing,omitempty"`
	EchoTimeout   *string `json:"echo_timeout,omitempty" yaml:"echo_timeout,omitempty"`
	QuietInterval *string `json:"quiet_interval,omitempty" yaml:"quiet_interval,omitempty"`
}

type HTTPConfig struct {
	Listen *string `json:"listen,omitempty" yaml:"listen,omitempty"`
	// JWTSecret enables HS256 bearer authentication on the write routes.
	JWTSecret *string `json:"jwt_secret,omitempty" yaml:"jwt_secret,omitempty"`
}

type DBConfig struct {
	Path *string `json:"path,omitempty" yaml:"path,omitempty"`
}

type MQTTConfig struct {
	// Broker is a URL such as tcp://localhost:1883. MQTT is off when unset.
	Broker      *string `json:"broker,omitempty" yaml:"broker,omitempty"`
	ClientID    *string `json:"client_id,omitempty" yaml:"client_id,omitempty"`
	TopicPrefix *string `json:"topic_prefix,omitempty" yaml:"topic_prefix,omitempty"`
	Username    *string `json:"username,omitempty" yaml:"username,omitempty"`
	Password    *string `json:"password,omitempty" yaml:"password,omitempty"`
	QoS         *int    `json:"qos,omitempty" yaml:"qos,omitempty"`
}

type LogConfig struct {
	// File, when set, sends log output through a rotating file.
	File       *string `json:"file,omitempty" yaml:"file,omitempty"`
	MaxSizeMB  *int    `json:"max_size_mb,omitempty" yaml:"max_size_mb,omitempty"`
	MaxBackups *int    `json:"max_backups,omitempty" yaml:"max_backups,omitempty"`
	MaxAgeDays *int    `json:"max_age_days,omitempty" yaml:"max_age_days,omitempty"`
	Debug      *bool   `json:"debug,omitempty" yaml:"debug,omitempty"`
}

// Helper functions to create pointers
func ptrString(v string) *string { return &v }
func ptrInt(v int) *int          { return &v }
func ptrBool(v bool) *bool       { return &v }

// Load reads a JSON (.json) or YAML (.yaml, .yml) configuration file.
func Load(path string) (*Config, error) {
	cleanPath := filepath.Clean(path)
	ext := strings.ToLower(filepath.Ext(cleanPath))
	if ext != ".json" && ext != ".yaml" && ext != ".yml" {
		return nil, fmt.Errorf("config file must have .json, .yaml or .yml extension, got %q", ext)
	}

	// Check file size for safety
	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &Config{}
	if ext == ".json" {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config JSON: %w", err)
		}
	} else {
		if err := yaml.UnmarshalStrict(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config YAML: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks that every set value is usable.
func (c *Config) Validate() error {
	if _, err := c.PortOptions().Normalise(); err != nil {
		return fmt.Errorf("serial: %w", err)
	}

	durations := []struct {
		name string
		v    *string
	}{
		{"min_spacing", c.Transport.MinSpacing},
		{"echo_timeout", c.Transport.EchoTimeout},
		{"quiet_interval", c.Transport.QuietInterval},
	}
	for _, d := range durations {
		if d.v == nil || *d.v == "" {
			continue
		}
		parsed, err := time.ParseDuration(*d.v)
		if err != nil {
			return fmt.Errorf("invalid %s '%s': %w", d.name, *d.v, err)
		}
		if parsed <= 0 {
			return fmt.Errorf("%s must be positive, got %s", d.name, *d.v)
		}
	}

	if c.MQTT.Broker != nil && *c.MQTT.Broker != "" {
		u, err := url.Parse(*c.MQTT.Broker)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("invalid mqtt broker %q: expected scheme://host:port", *c.MQTT.Broker)
		}
	}
	if c.MQTT.QoS != nil && (*c.MQTT.QoS < 0 || *c.MQTT.QoS > 2) {
		return fmt.Errorf("mqtt qos must be 0, 1 or 2, got %d", *c.MQTT.QoS)
	}

	for name, v := range map[string]*int{
		"max_size_mb":  c.Log.MaxSizeMB,
		"max_backups":  c.Log.MaxBackups,
		"max_age_days": c.Log.MaxAgeDays,
	} {
		if v != nil && *v < 0 {
			return fmt.Errorf("log %s must be non-negative, got %d", name, *v)
		}
	}
	return nil
}

// GetSerialPort returns the configured serial device path, or "".
func (c *Config) GetSerialPort() string {
	if c.Serial.Port == nil {
		return ""
	}
	return *c.Serial.Port
}

// GetSerialDisabled reports whether the bridge should run without hardware.
func (c *Config) GetSerialDisabled() bool {
	return c.Serial.Disabled != nil && *c.Serial.Disabled
}

// PortOptions returns the serial line settings; zero fields take the
// serialmux defaults.
func (c *Config) PortOptions() serialmux.PortOptions {
	var opts serialmux.PortOptions
	if c.Serial.BaudRate != nil {
		opts.BaudRate = *c.Serial.BaudRate
	}
	if c.Serial.DataBits != nil {
		opts.DataBits = *c.Serial.DataBits
	}
	if c.Serial.StopBits != nil {
		opts.StopBits = *c.Serial.StopBits
	}
	if c.Serial.Parity != nil {
		opts.Parity = *c.Serial.Parity
	}
	return opts
}

func durationOr(v *string, def time.Duration) time.Duration {
	if v == nil || *v == "" {
		return def
	}
	d, err := time.ParseDuration(*v)
	if err != nil || d <= 0 {
		return def // default on parse error
	}
	return d
}

// GetMinSpacing returns the minimum gap between transmissions.
func (c *Config) GetMinSpacing() time.Duration {
	return durationOr(c.Transport.MinSpacing, transport.DefaultMinSpacing)
}

// GetEchoTimeout returns how long a send waits for its echo.
func (c *Config) GetEchoTimeout() time.Duration {
	return durationOr(c.Transport.EchoTimeout, transport.DefaultEchoTimeout)
}

// GetQuietInterval returns the silence that ends a fragmented message.
func (c *Config) GetQuietInterval() time.Duration {
	return durationOr(c.Transport.QuietInterval, transport.DefaultQuietInterval)
}

// TransportOptions returns the transport tuning. Clock and Recorder are left
// for the caller.
func (c *Config) TransportOptions() transport.Options {
	return transport.Options{
		MinSpacing:    c.GetMinSpacing(),
		EchoTimeout:   c.GetEchoTimeout(),
		QuietInterval: c.GetQuietInterval(),
	}
}

func (c *Config) GetListen() string {
	if c.HTTP.Listen == nil || *c.HTTP.Listen == "" {
		return DefaultListen
	}
	return *c.HTTP.Listen
}

func (c *Config) GetJWTSecret() string {
	if c.HTTP.JWTSecret == nil {
		return ""
	}
	return *c.HTTP.JWTSecret
}

func (c *Config) GetDBPath() string {
	if c.DB.Path == nil || *c.DB.Path == "" {
		return DefaultDBPath
	}
	return *c.DB.Path
}

// MQTTEnabled reports whether a broker is configured.
func (c *Config) MQTTEnabled() bool {
	return c.MQTT.Broker != nil && *c.MQTT.Broker != ""
}

func (c *Config) GetMQTTBroker() string {
	if c.MQTT.Broker == nil {
		return ""
	}
	return *c.MQTT.Broker
}

func (c *Config) GetMQTTClientID() string {
	if c.MQTT.ClientID == nil || *c.MQTT.ClientID == "" {
		return DefaultClientID
	}
	return *c.MQTT.ClientID
}

func (c *Config) GetMQTTTopicPrefix() string {
	if c.MQTT.TopicPrefix == nil || *c.MQTT.TopicPrefix == "" {
		return DefaultTopicPrefix
	}
	return strings.TrimSuffix(*c.MQTT.TopicPrefix, "/")
}

func (c *Config) GetMQTTUsername() string {
	if c.MQTT.Username == nil {
		return ""
	}
	return *c.MQTT.Username
}

func (c *Config) GetMQTTPassword() string {
	if c.MQTT.Password == nil {
		return ""
	}
	return *c.MQTT.Password
}

func (c *Config) GetMQTTQoS() byte {
	if c.MQTT.QoS == nil {
		return 1
	}
	return byte(*c.MQTT.QoS)
}

func (c *Config) GetLogFile() string {
	if c.Log.File == nil {
		return ""
	}
	return *c.Log.File
}

func (c *Config) GetLogMaxSizeMB() int {
	if c.Log.MaxSizeMB == nil || *c.Log.MaxSizeMB == 0 {
		return 10
	}
	return *c.Log.MaxSizeMB
}

func (c *Config) GetLogMaxBackups() int {
	if c.Log.MaxBackups == nil {
		return 5
	}
	return *c.Log.MaxBackups
}

func (c *Config) GetLogMaxAgeDays() int {
	if c.Log.MaxAgeDays == nil {
		return 28
	}
	return *c.Log.MaxAgeDays
}

func (c *Config) GetDebug() bool {
	return c.Log.Debug != nil && *c.Log.Debug
}

// Overrides carries command-line values; empty or zero fields leave the
// file's value alone.
type Overrides struct {
	Port          string
	BaudRate      int
	Listen        string
	DBPath        string
	LogFile       string
	DisableSerial bool
	Debug         bool
}

// Apply copies the set override values into the configuration.
func (c *Config) Apply(o Overrides) {
	if o.Port != "" {
		c.Serial.Port = ptrString(o.Port)
	}
	if o.BaudRate > 0 {
		c.Serial.BaudRate = ptrInt(o.BaudRate)
	}
	if o.Listen != "" {
		c.HTTP.Listen = ptrString(o.Listen)
	}
	if o.DBPath != "" {
		c.DB.Path = ptrString(o.DBPath)
	}
	if o.LogFile != "" {
		c.Log.File = ptrString(o.LogFile)
	}
	if o.DisableSerial {
		c.Serial.Disabled = ptrBool(true)
	}
	if o.Debug {
		c.Log.Debug = ptrBool(true)
	}
}
