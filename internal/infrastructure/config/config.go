package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure of the Gray Logic agent.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Device     DeviceConfig     `yaml:"device"`
	Database   DatabaseConfig   `yaml:"database"`
	MQTT       MQTTConfig       `yaml:"mqtt"`
	API        APIConfig        `yaml:"api"`
	WebSocket  WebSocketConfig  `yaml:"websocket"`
	InfluxDB   InfluxDBConfig   `yaml:"influxdb"`
	Logging    LoggingConfig    `yaml:"logging"`
	Security   SecurityConfig   `yaml:"security"`
	Operations OperationsConfig `yaml:"operations"`
}

// DeviceConfig identifies the main device the agent runs on.
type DeviceConfig struct {
	// ID is the external id of the main device, e.g. its serial number.
	ID string `yaml:"id"`
	// Type is the device type announced in the main device registration.
	Type string `yaml:"type"`
	// TopicRoot is the root prefix of every bus topic.
	TopicRoot string `yaml:"topic_root"`
}

// DatabaseConfig contains SQLite database settings.
type DatabaseConfig struct {
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// MQTTConfig contains MQTT broker connection settings.
type MQTTConfig struct {
	Broker    MQTTBrokerConfig    `yaml:"broker"`
	Auth      MQTTAuthConfig      `yaml:"auth"`
	QoS       int                 `yaml:"qos"`
	Reconnect MQTTReconnectConfig `yaml:"reconnect"`
}

// MQTTBrokerConfig contains MQTT broker connection details.
type MQTTBrokerConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	TLS      bool   `yaml:"tls"`
	ClientID string `yaml:"client_id"`
	// CAFile verifies the broker instead of the system roots. CertFile and
	// KeyFile, set together, authenticate the agent with a client
	// certificate.
	CAFile   string `yaml:"ca_file"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// MQTTAuthConfig contains MQTT authentication credentials.
type MQTTAuthConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// MQTTReconnectConfig contains MQTT reconnection settings.
type MQTTReconnectConfig struct {
	InitialDelay int `yaml:"initial_delay"`
	MaxDelay     int `yaml:"max_delay"`
	MaxAttempts  int `yaml:"max_attempts"`
}

// APIConfig contains HTTP API server settings. The same server hosts the
// file transfer service used by child devices.
type APIConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	// ExternalHost is the host:port child devices use to reach the file
	// transfer service. Defaults to host:port.
	ExternalHost string           `yaml:"external_host"`
	TLS          TLSConfig        `yaml:"tls"`
	Timeouts     APITimeoutConfig `yaml:"timeouts"`
	CORS         CORSConfig       `yaml:"cors"`
	// MaxBodySize bounds request bodies of the entity API, in bytes.
	MaxBodySize int64 `yaml:"max_body_size"`
}

// TLSConfig contains TLS certificate settings.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// APITimeoutConfig contains HTTP timeout settings.
type APITimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
}

// CORSConfig contains Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
}

// WebSocketConfig contains settings of the command state event stream.
type WebSocketConfig struct {
	Path           string `yaml:"path"`
	MaxMessageSize int    `yaml:"max_message_size"`
	PingInterval   int    `yaml:"ping_interval"`
	PongTimeout    int    `yaml:"pong_timeout"`
}

// InfluxDBConfig contains InfluxDB connection settings. Operation
// outcomes are written there when enabled.
type InfluxDBConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// SecurityConfig contains security settings.
type SecurityConfig struct {
	JWT JWTConfig `yaml:"jwt"`
}

// JWTConfig contains JWT token settings. An empty secret disables API
// authentication, which is the usual setup for a loopback-only API.
type JWTConfig struct {
	Secret         string `yaml:"secret"`
	AccessTokenTTL int    `yaml:"access_token_ttl"`
}

// Recovery backends.
const (
	RecoverySQLite = "sqlite"
	RecoveryFile   = "file"
)

// OperationsConfig contains the settings of the operation actors.
type OperationsConfig struct {
	// DataDir holds the firmware cache, recovery records and file
	// transfer area unless overridden below.
	DataDir string `yaml:"data_dir"`
	// FileTransferDir is the root of the file transfer service.
	FileTransferDir string `yaml:"file_transfer_dir"`
	// TmpDir receives temporary downloads and log extracts.
	TmpDir string `yaml:"tmp_dir"`
	// LogDir receives one log file per software operation.
	LogDir string `yaml:"log_dir"`
	// RecoveryBackend stores the in-flight operation records: "sqlite"
	// (the agent database) or "file" (one JSON file per operation).
	RecoveryBackend string `yaml:"recovery_backend"`

	Transfer TransferConfig       `yaml:"transfer"`
	Firmware FirmwareConfig       `yaml:"firmware"`
	Software SoftwareConfig       `yaml:"software"`
	Config   FileOperationsConfig `yaml:"config"`
	Log      FileOperationsConfig `yaml:"log"`
}

// TransferConfig contains HTTP download and upload settings.
type TransferConfig struct {
	Timeout    int `yaml:"timeout"`
	MaxRetries int `yaml:"max_retries"`
}

// FirmwareConfig contains firmware update settings.
type FirmwareConfig struct {
	Enabled bool `yaml:"enabled"`
	// Timeout is how long a child device may stay silent, in seconds.
	Timeout int `yaml:"timeout"`
}

// SoftwareConfig contains software management settings.
type SoftwareConfig struct {
	Enabled       bool   `yaml:"enabled"`
	PluginDir     string `yaml:"plugin_dir"`
	DefaultPlugin string `yaml:"default_plugin"`
	// AgentBinary is probed after every software operation to detect an
	// update of the agent itself. Empty disables the check.
	AgentBinary string `yaml:"agent_binary"`
}

// FileOperationsConfig maps file types to device paths, for the
// configuration and log operations.
type FileOperationsConfig struct {
	Enabled bool              `yaml:"enabled"`
	Files   map[string]string `yaml:"files"`
}

// Load builds the configuration: defaults, then the YAML file at path,
// then the environment overrides, then validation.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path) //nolint:gosec // Path given on the command line
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := defaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}
	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Device: DeviceConfig{
			ID:        "graylogic-device",
			Type:      "thin-edge.io",
			TopicRoot: "te",
		},
		Database: DatabaseConfig{
			Path:        "/var/lib/graylogic-agent/agent.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "graylogic-agent",
			},
			QoS: 1,
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
			},
		},
		API: APIConfig{
			Host: "127.0.0.1",
			Port: 8000,
			Timeouts: APITimeoutConfig{
				Read:  30,
				Write: 300,
				Idle:  60,
			},
			MaxBodySize: 1 << 20,
		},
		WebSocket: WebSocketConfig{
			Path:           "/v1/ws",
			MaxMessageSize: 8192,
			PingInterval:   30,
			PongTimeout:    10,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Security: SecurityConfig{
			JWT: JWTConfig{AccessTokenTTL: 15},
		},
		Operations: OperationsConfig{
			DataDir:         "/var/lib/graylogic-agent",
			RecoveryBackend: RecoverySQLite,
			Transfer: TransferConfig{
				Timeout:    600,
				MaxRetries: 3,
			},
			Firmware: FirmwareConfig{
				Enabled: true,
				Timeout: 3600,
			},
			Software: SoftwareConfig{
				Enabled:   true,
				PluginDir: "/usr/share/graylogic-agent/sm-plugins",
			},
			Config: FileOperationsConfig{Enabled: true},
			Log:    FileOperationsConfig{Enabled: true},
		},
	}
}

// applyEnvOverrides overlays the GRAYLOGIC_* variables that are set. A
// port that is not a number is ignored.
func applyEnvOverrides(cfg *Config) {
	strs := map[string]*string{
		"GRAYLOGIC_DEVICE_ID":                   &cfg.Device.ID,
		"GRAYLOGIC_DEVICE_TOPIC_ROOT":           &cfg.Device.TopicRoot,
		"GRAYLOGIC_DATABASE_PATH":               &cfg.Database.Path,
		"GRAYLOGIC_MQTT_HOST":                   &cfg.MQTT.Broker.Host,
		"GRAYLOGIC_MQTT_USERNAME":               &cfg.MQTT.Auth.Username,
		"GRAYLOGIC_MQTT_PASSWORD":               &cfg.MQTT.Auth.Password,
		"GRAYLOGIC_API_HOST":                    &cfg.API.Host,
		"GRAYLOGIC_INFLUXDB_TOKEN":              &cfg.InfluxDB.Token,
		"GRAYLOGIC_JWT_SECRET":                  &cfg.Security.JWT.Secret,
		"GRAYLOGIC_LOGGING_LEVEL":               &cfg.Logging.Level,
		"GRAYLOGIC_OPERATIONS_DATA_DIR":         &cfg.Operations.DataDir,
		"GRAYLOGIC_OPERATIONS_RECOVERY_BACKEND": &cfg.Operations.RecoveryBackend,
	}
	for name, dst := range strs {
		if v := os.Getenv(name); v != "" {
			*dst = v
		}
	}

	ints := map[string]*int{
		"GRAYLOGIC_MQTT_PORT": &cfg.MQTT.Broker.Port,
		"GRAYLOGIC_API_PORT":  &cfg.API.Port,
	}
	for name, dst := range ints {
		if n, err := strconv.Atoi(os.Getenv(name)); err == nil {
			*dst = n
		}
	}
}

// Validate checks the configuration for errors and security issues.
// All problems are reported together.
func (c *Config) Validate() error {
	var errs []string

	if c.Device.ID == "" {
		errs = append(errs, "device.id is required")
	}
	if c.Device.TopicRoot == "" || strings.ContainsAny(c.Device.TopicRoot, "/+#") {
		errs = append(errs, "device.topic_root must be a single non-empty topic level")
	}

	if c.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}

	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}
	if (c.MQTT.Broker.CertFile == "") != (c.MQTT.Broker.KeyFile == "") {
		errs = append(errs, "mqtt.broker.cert_file and mqtt.broker.key_file must be set together")
	}

	if c.API.Port < 1 || c.API.Port > 65535 {
		errs = append(errs, "api.port must be between 1 and 65535")
	}
	if c.API.MaxBodySize < 0 {
		errs = append(errs, "api.max_body_size must not be negative")
	}

	// The API may run without authentication, but a configured secret
	// must be strong enough not to be guessed.
	const minJWTSecretLength = 32
	if s := c.Security.JWT.Secret; s != "" && len(s) < minJWTSecretLength {
		errs = append(errs, "security.jwt.secret must be at least 32 characters for adequate security")
	}

	if c.InfluxDB.Enabled && c.InfluxDB.URL == "" {
		errs = append(errs, "influxdb.url is required when influxdb is enabled")
	}

	if c.Operations.DataDir == "" {
		errs = append(errs, "operations.data_dir is required")
	}
	switch c.Operations.RecoveryBackend {
	case RecoverySQLite, RecoveryFile:
	default:
		errs = append(errs, `operations.recovery_backend must be "sqlite" or "file"`)
	}
	if c.Operations.Firmware.Timeout < 0 {
		errs = append(errs, "operations.firmware.timeout must not be negative")
	}
	if c.Operations.Transfer.MaxRetries < 0 {
		errs = append(errs, "operations.transfer.max_retries must not be negative")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// ReadTimeout bounds reading a request, headers included.
func (t APITimeoutConfig) ReadTimeout() time.Duration {
	return time.Duration(t.Read) * time.Second
}

// WriteTimeout bounds writing a response.
func (t APITimeoutConfig) WriteTimeout() time.Duration {
	return time.Duration(t.Write) * time.Second
}

// IdleTimeout bounds keep-alive connections between requests.
func (t APITimeoutConfig) IdleTimeout() time.Duration {
	return time.Duration(t.Idle) * time.Second
}

// FirmwareTimeout returns the child device response timeout.
func (c *Config) FirmwareTimeout() time.Duration {
	return time.Duration(c.Operations.Firmware.Timeout) * time.Second
}

// TransferTimeout returns the timeout of one transfer attempt.
func (c *Config) TransferTimeout() time.Duration {
	return time.Duration(c.Operations.Transfer.Timeout) * time.Second
}

// ExternalHost returns the host:port child devices use for file transfers.
func (c *Config) ExternalHost() string {
	if c.API.ExternalHost != "" {
		return c.API.ExternalHost
	}
	return fmt.Sprintf("%s:%d", c.API.Host, c.API.Port)
}

// FileTransferDir returns the root of the file transfer service.
func (c *Config) FileTransferDir() string {
	return c.dataPath(c.Operations.FileTransferDir, "file-transfer")
}

// CacheDir returns the firmware cache directory.
func (c *Config) CacheDir() string {
	return filepath.Join(c.Operations.DataDir, "cache")
}

// RecoveryDir returns the directory of file based recovery records.
func (c *Config) RecoveryDir() string {
	return filepath.Join(c.Operations.DataDir, "recovery")
}

// TmpDir returns the directory of temporary transfers.
func (c *Config) TmpDir() string {
	return c.dataPath(c.Operations.TmpDir, "tmp")
}

// OperationLogDir returns the directory of software operation logs.
func (c *Config) OperationLogDir() string {
	return c.dataPath(c.Operations.LogDir, "logs")
}

func (c *Config) dataPath(configured, name string) string {
	if configured != "" {
		return configured
	}
	return filepath.Join(c.Operations.DataDir, name)
}
