package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/KevinKickass/OpenInputExpander/internal/types"
	"github.com/spf13/viper"
)

const devJWTSecret = "dev-secret-change-in-production-min-32-chars"

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Device   DeviceConfig   `mapstructure:"device"`
	Events   EventsConfig   `mapstructure:"events"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Database DatabaseConfig `mapstructure:"database"`
	MQTT     MQTTConfig     `mapstructure:"mqtt"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Log      LogConfig      `mapstructure:"log"`
}

type ServerConfig struct {
	HTTPPort        int           `mapstructure:"http_port"`
	GRPCPort        int           `mapstructure:"grpc_port"`
	HostLinkPort    int           `mapstructure:"hostlink_port"`
	HostLinkTimeout time.Duration `mapstructure:"hostlink_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// DeviceConfig drives the simulated board and the register defaults applied
// on every register reset.
type DeviceConfig struct {
	TickPeriod          time.Duration `mapstructure:"tick_period"`
	StrictHardwareCheck bool          `mapstructure:"strict_hardware_check"`
	VisualEnabled       bool          `mapstructure:"visual_enabled"`
	InputSampling       uint8         `mapstructure:"input_sampling"`
	EncoderSampling     uint8         `mapstructure:"encoder_sampling"`
	ExpansionBoard      uint8         `mapstructure:"expansion_board"`
}

type EventsConfig struct {
	QueueSize    int `mapstructure:"queue_size"`
	StreamBuffer int `mapstructure:"stream_buffer"`
}

type AuthConfig struct {
	JWTSecretEnv           string        `mapstructure:"jwt_secret_env"`
	AccessTokenTTL         time.Duration `mapstructure:"access_token_ttl"`
	OperatorUsername       string        `mapstructure:"operator_username"`
	OperatorPasswordHash   string        `mapstructure:"operator_password_hash"`
	MachineTokenHashes     []string      `mapstructure:"machine_token_hashes"`
	MaxFailedLoginAttempts int           `mapstructure:"max_failed_login_attempts"`
	AccountLockDuration    time.Duration `mapstructure:"account_lock_duration"`
}

type DatabaseConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	Host           string        `mapstructure:"host"`
	Port           int           `mapstructure:"port"`
	Database       string        `mapstructure:"database"`
	User           string        `mapstructure:"user"`
	Password       string        `mapstructure:"password"`
	MaxConnections int           `mapstructure:"max_connections"`
	BatchSize      int           `mapstructure:"batch_size"`
	FlushInterval  time.Duration `mapstructure:"flush_interval"`

	// ConnectAttempts bounds the startup retries with exponential backoff.
	ConnectAttempts int           `mapstructure:"connect_attempts"`
	ConnectBackoff  time.Duration `mapstructure:"connect_backoff"`
}

type MQTTConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	Broker      string `mapstructure:"broker"`
	ClientID    string `mapstructure:"client_id"`
	TopicPrefix string `mapstructure:"topic_prefix"`
	QoS         byte   `mapstructure:"qos"`
	QueueSize   int    `mapstructure:"queue_size"`
}

// RedisConfig enables the latest-value cache and pub/sub fan-out.
type RedisConfig struct {
	Enabled   bool          `mapstructure:"enabled"`
	Address   string        `mapstructure:"address"`
	KeyPrefix string        `mapstructure:"key_prefix"`
	Timeout   time.Duration `mapstructure:"timeout"`
	QueueSize int           `mapstructure:"queue_size"`
}

type LogConfig struct {
	Development bool `mapstructure:"development"`
}

// Load reads the YAML file at path. An empty path runs on defaults and
// environment variables alone.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	// Environment variables with prefix EXP_, e.g. EXP_SERVER_HTTP_PORT
	v.SetEnvPrefix("EXP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.http_port", 8080)
	v.SetDefault("server.grpc_port", 50051)
	v.SetDefault("server.hostlink_port", 5070)
	v.SetDefault("server.hostlink_timeout", "1s")
	v.SetDefault("server.shutdown_timeout", "30s")

	v.SetDefault("device.tick_period", "1ms")
	v.SetDefault("device.strict_hardware_check", false)
	v.SetDefault("device.visual_enabled", true)
	v.SetDefault("device.input_sampling", uint8(types.InputSamplingOff))
	v.SetDefault("device.encoder_sampling", uint8(types.EncoderDisabled))
	v.SetDefault("device.expansion_board", uint8(types.ExpansionBreakout))

	v.SetDefault("events.queue_size", 4096)
	v.SetDefault("events.stream_buffer", 256)

	v.SetDefault("auth.jwt_secret_env", "JWT_SECRET")
	v.SetDefault("auth.access_token_ttl", "60m")
	v.SetDefault("auth.operator_username", "operator")
	v.SetDefault("auth.max_failed_login_attempts", 5)
	v.SetDefault("auth.account_lock_duration", "15m")

	v.SetDefault("database.enabled", false)
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.database", "input_expander")
	v.SetDefault("database.user", "expander")
	v.SetDefault("database.max_connections", 4)
	v.SetDefault("database.batch_size", 256)
	v.SetDefault("database.flush_interval", "1s")
	v.SetDefault("database.connect_attempts", 5)
	v.SetDefault("database.connect_backoff", "500ms")

	v.SetDefault("mqtt.enabled", false)
	v.SetDefault("mqtt.broker", "tcp://localhost:1883")
	v.SetDefault("mqtt.client_id", "input-expander")
	v.SetDefault("mqtt.topic_prefix", "expander")
	v.SetDefault("mqtt.qos", 0)
	v.SetDefault("mqtt.queue_size", 1024)

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.address", "localhost:6379")
	v.SetDefault("redis.key_prefix", "expander")
	v.SetDefault("redis.timeout", "2s")
	v.SetDefault("redis.queue_size", 1024)

	v.SetDefault("log.development", false)
}

// Validate rejects register defaults the bank would refuse.
func (c *Config) Validate() error {
	if !types.InputSamplingMode(c.Device.InputSampling).Supported() {
		return fmt.Errorf("device.input_sampling: unsupported mode %d", c.Device.InputSampling)
	}
	if !types.EncoderMode(c.Device.EncoderSampling).Supported() {
		return fmt.Errorf("device.encoder_sampling: unsupported mode %d", c.Device.EncoderSampling)
	}
	if !types.ExpansionBoard(c.Device.ExpansionBoard).Supported() {
		return fmt.Errorf("device.expansion_board: unsupported board %d", c.Device.ExpansionBoard)
	}
	if c.Device.TickPeriod <= 0 {
		return fmt.Errorf("device.tick_period must be positive")
	}
	if c.MQTT.QoS > 2 {
		return fmt.Errorf("mqtt.qos must be 0, 1 or 2")
	}
	return nil
}

func (c *DatabaseConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable",
		c.User, c.Password, c.Host, c.Port, c.Database)
}

// GetJWTSecret loads the signing secret from the configured environment
// variable, falling back to a development secret.
func (a *AuthConfig) GetJWTSecret() string {
	envVar := a.JWTSecretEnv
	if envVar == "" {
		envVar = "JWT_SECRET"
	}

	secret := os.Getenv(envVar)
	if secret == "" {
		return devJWTSecret
	}
	return secret
}

func (a *AuthConfig) IsProductionReady() bool {
	secret := a.GetJWTSecret()
	return secret != devJWTSecret && len(secret) >= 32
}
