package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the quest indexer
type Config struct {
	App           AppConfig           `mapstructure:"app"`
	Chain         ChainConfig         `mapstructure:"chain"`
	Sync          SyncConfig          `mapstructure:"sync"`
	Storage       StorageConfig       `mapstructure:"storage"`
	Resilience    ResilienceConfig    `mapstructure:"resilience"`
	Broadcaster   BroadcasterConfig   `mapstructure:"broadcaster"`
	Notifications NotificationsConfig `mapstructure:"notifications"`
	Server        ServerConfig        `mapstructure:"server"`
	Logging       LoggingConfig       `mapstructure:"logging"`
}

// AppConfig contains application-level configuration
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Version     string `mapstructure:"version"`
	Environment string `mapstructure:"environment"`
	Debug       bool   `mapstructure:"debug"`
}

// ChainConfig contains the Celo chain connection configuration
type ChainConfig struct {
	RPCURL          string        `mapstructure:"rpc_url"`
	WSURL           string        `mapstructure:"ws_url"`
	BackupNodes     []string      `mapstructure:"backup_nodes"`
	NetworkID       int           `mapstructure:"network_id"`
	ContractAddress string        `mapstructure:"contract_address"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
}

// SyncConfig contains live polling and historical sync configuration
type SyncConfig struct {
	PollInterval       time.Duration `mapstructure:"poll_interval"`
	BatchSize          int           `mapstructure:"batch_size"`
	ConfirmationBlocks int           `mapstructure:"confirmation_blocks"`
	StartBlock         uint64        `mapstructure:"start_block"`
	EnableHistorical   bool          `mapstructure:"enable_historical"`
}

// StorageConfig selects the event store backend
type StorageConfig struct {
	// Type is "memory" (authoritative, default) or "postgres"
	// (durable archive of raw events)
	Type             string `mapstructure:"type"`
	ConnectionString string `mapstructure:"connection_string"`
	MaxConnections   int    `mapstructure:"max_connections"`
}

// ResilienceConfig controls retry and circuit breaking for the chain
// endpoint
type ResilienceConfig struct {
	MaxAttempts      int           `mapstructure:"max_attempts"`
	InitialDelay     time.Duration `mapstructure:"initial_delay"`
	MaxDelay         time.Duration `mapstructure:"max_delay"`
	RetryDeadline    time.Duration `mapstructure:"retry_deadline"`
	FailureThreshold int           `mapstructure:"failure_threshold"`
	CooldownPeriod   time.Duration `mapstructure:"cooldown_period"`
}

// BroadcasterConfig controls live client fan-out
type BroadcasterConfig struct {
	ClientBuffer     int           `mapstructure:"client_buffer"`
	SnapshotInterval time.Duration `mapstructure:"snapshot_interval"`
}

// NotificationsConfig controls the user notification service
type NotificationsConfig struct {
	Enabled         bool   `mapstructure:"enabled"`
	MaxRetained     int    `mapstructure:"max_retained"`
	PreferencesPath string `mapstructure:"preferences_path"`
}

// ServerConfig contains HTTP server configuration
type ServerConfig struct {
	Port          int           `mapstructure:"port"`
	Host          string        `mapstructure:"host"`
	ReadTimeout   time.Duration `mapstructure:"read_timeout"`
	WriteTimeout  time.Duration `mapstructure:"write_timeout"`
	EnableMetrics bool          `mapstructure:"enable_metrics"`
	EnableHealth  bool          `mapstructure:"enable_health"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // json, text
	Output string `mapstructure:"output"` // stdout, file
	File   string `mapstructure:"file"`
}

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		v.AddConfigPath("./internal/config")
	}

	v.SetEnvPrefix("QUEST_INDEXER")
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			fmt.Println("Config file not found, using defaults and environment variables")
		} else {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	// Override with environment variables if present
	if rpcURL := os.Getenv("CELO_RPC_URL"); rpcURL != "" {
		config.Chain.RPCURL = rpcURL
	}
	if wsURL := os.Getenv("CELO_WS_URL"); wsURL != "" {
		config.Chain.WSURL = wsURL
	}
	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		config.Storage.ConnectionString = dbURL
	}

	return &config, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// App defaults
	v.SetDefault("app.name", "quest-indexer")
	v.SetDefault("app.version", "1.0.0")
	v.SetDefault("app.environment", "development")
	v.SetDefault("app.debug", false)

	// Chain defaults (Celo Alfajores testnet)
	v.SetDefault("chain.rpc_url", "https://alfajores-forno.celo-testnet.org")
	v.SetDefault("chain.ws_url", "")
	v.SetDefault("chain.network_id", 44787)
	v.SetDefault("chain.contract_address", "")
	v.SetDefault("chain.request_timeout", "30s")

	// Sync defaults (Celo block time is ~5 seconds)
	v.SetDefault("sync.poll_interval", "5s")
	v.SetDefault("sync.batch_size", 200)
	v.SetDefault("sync.confirmation_blocks", 2)
	v.SetDefault("sync.start_block", 0)
	v.SetDefault("sync.enable_historical", false)

	// Storage defaults
	v.SetDefault("storage.type", "memory")
	v.SetDefault("storage.connection_string", "")
	v.SetDefault("storage.max_connections", 10)

	// Resilience defaults
	v.SetDefault("resilience.max_attempts", 5)
	v.SetDefault("resilience.initial_delay", "500ms")
	v.SetDefault("resilience.max_delay", "30s")
	v.SetDefault("resilience.retry_deadline", "2m")
	v.SetDefault("resilience.failure_threshold", 5)
	v.SetDefault("resilience.cooldown_period", "30s")

	// Broadcaster defaults
	v.SetDefault("broadcaster.client_buffer", 64)
	v.SetDefault("broadcaster.snapshot_interval", "15s")

	// Notification defaults
	v.SetDefault("notifications.enabled", true)
	v.SetDefault("notifications.max_retained", 50)
	v.SetDefault("notifications.preferences_path", "./data/quest-notification-preferences.json")

	// Server defaults
	v.SetDefault("server.port", 8081)
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.read_timeout", "10s")
	v.SetDefault("server.write_timeout", "10s")
	v.SetDefault("server.enable_metrics", true)
	v.SetDefault("server.enable_health", true)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stdout")
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Chain.RPCURL == "" {
		return fmt.Errorf("chain RPC URL is required")
	}
	if c.Chain.ContractAddress == "" {
		return fmt.Errorf("quest contract address is required")
	}
	if c.Sync.PollInterval <= 0 {
		return fmt.Errorf("sync poll interval must be positive")
	}
	if c.Storage.Type != "memory" && c.Storage.Type != "postgres" {
		return fmt.Errorf("storage type must be memory or postgres, got %q", c.Storage.Type)
	}
	if c.Storage.Type == "postgres" && c.Storage.ConnectionString == "" {
		return fmt.Errorf("postgres storage requires a connection string")
	}
	if c.Notifications.MaxRetained <= 0 {
		return fmt.Errorf("notifications max_retained must be positive")
	}
	return nil
}
