package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the service
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Auth       AuthConfig       `mapstructure:"auth"`
	Gmail      OAuthProvider    `mapstructure:"gmail"`
	Microsoft  OAuthProvider    `mapstructure:"microsoft"`
	Classifier ClassifierConfig `mapstructure:"classifier"`
	Storage    StorageConfig    `mapstructure:"storage"`
	Vault      VaultConfig      `mapstructure:"vault"`
	Scheduler  SchedulerConfig  `mapstructure:"scheduler"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port         string        `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// DatabaseConfig holds database connection configuration
type DatabaseConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbname"`
}

// AuthConfig holds API authentication configuration
type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret"`
}

// OAuthProvider holds OAuth2 client configuration for one provider
type OAuthProvider struct {
	ClientID     string `mapstructure:"client_id"`
	ClientSecret string `mapstructure:"client_secret"`
	RedirectURI  string `mapstructure:"redirect_uri"`
}

// ClassifierConfig holds LLM classifier configuration
type ClassifierConfig struct {
	APIKey         string        `mapstructure:"api_key"`
	Model          string        `mapstructure:"model"`
	BaseURL        string        `mapstructure:"base_url"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// StorageConfig holds attachment blob storage configuration
type StorageConfig struct {
	RootDir       string        `mapstructure:"root_dir"`
	URLSigningKey string        `mapstructure:"url_signing_key"`
	URLTTL        time.Duration `mapstructure:"url_ttl"`
}

// VaultConfig holds credential vault configuration
type VaultConfig struct {
	EncryptionKey string `mapstructure:"encryption_key"`
}

// SchedulerConfig holds polling scheduler configuration
type SchedulerConfig struct {
	IntervalMinutes int `mapstructure:"interval_minutes"`
	BatchWorkers    int `mapstructure:"batch_workers"`
}

// LoadConfig loads configuration from environment variables and config file
func LoadConfig() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")

	setDefaults()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	viper.AutomaticEnv()
	bindEnvVars()

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	return &config, nil
}

// setDefaults sets default configuration values
func setDefaults() {
	viper.SetDefault("server.port", "8080")
	viper.SetDefault("server.read_timeout", "30s")
	viper.SetDefault("server.write_timeout", "30s")

	viper.SetDefault("database.host", "localhost")
	viper.SetDefault("database.port", 3306)

	viper.SetDefault("classifier.model", "gpt-4o-mini")
	viper.SetDefault("classifier.base_url", "https://api.openai.com/v1")
	viper.SetDefault("classifier.request_timeout", "30s")

	viper.SetDefault("storage.root_dir", "./data/attachments")
	viper.SetDefault("storage.url_ttl", "1h")

	viper.SetDefault("scheduler.interval_minutes", 10)
	viper.SetDefault("scheduler.batch_workers", 5)
}

// bindEnvVars binds environment variables to configuration keys
func bindEnvVars() {
	viper.BindEnv("server.port", "SERVER_PORT")
	viper.BindEnv("server.read_timeout", "SERVER_READ_TIMEOUT")
	viper.BindEnv("server.write_timeout", "SERVER_WRITE_TIMEOUT")

	viper.BindEnv("database.host", "DB_HOST")
	viper.BindEnv("database.port", "DB_PORT")
	viper.BindEnv("database.user", "DB_USER")
	viper.BindEnv("database.password", "DB_PASSWORD")
	viper.BindEnv("database.dbname", "DB_NAME")

	viper.BindEnv("auth.jwt_secret", "AUTH_JWT_SECRET")

	viper.BindEnv("gmail.client_id", "GMAIL_CLIENT_ID")
	viper.BindEnv("gmail.client_secret", "GMAIL_CLIENT_SECRET")
	viper.BindEnv("gmail.redirect_uri", "GMAIL_REDIRECT_URI")

	viper.BindEnv("microsoft.client_id", "M365_CLIENT_ID")
	viper.BindEnv("microsoft.client_secret", "M365_CLIENT_SECRET")
	viper.BindEnv("microsoft.redirect_uri", "M365_REDIRECT_URI")

	viper.BindEnv("classifier.api_key", "CLASSIFIER_API_KEY")
	viper.BindEnv("classifier.model", "CLASSIFIER_MODEL")
	viper.BindEnv("classifier.base_url", "CLASSIFIER_BASE_URL")
	viper.BindEnv("classifier.request_timeout", "CLASSIFIER_REQUEST_TIMEOUT")

	viper.BindEnv("storage.root_dir", "STORAGE_ROOT_DIR")
	viper.BindEnv("storage.url_signing_key", "STORAGE_URL_SIGNING_KEY")
	viper.BindEnv("storage.url_ttl", "STORAGE_URL_TTL")

	viper.BindEnv("vault.encryption_key", "VAULT_ENCRYPTION_KEY")

	viper.BindEnv("scheduler.interval_minutes", "SCHEDULER_INTERVAL_MINUTES")
	viper.BindEnv("scheduler.batch_workers", "SCHEDULER_BATCH_WORKERS")
}

// GetDSN returns the database connection string
func (c *DatabaseConfig) GetDSN() string {
	return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=utf8mb4&parseTime=True&loc=Local",
		c.User, c.Password, c.Host, c.Port, c.DBName)
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}

	if c.Database.Host == "" || c.Database.User == "" || c.Database.DBName == "" {
		return fmt.Errorf("database host, user, and dbname are required")
	}

	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth JWT secret is required")
	}

	if c.Vault.EncryptionKey == "" {
		return fmt.Errorf("vault encryption key is required")
	}

	if c.Storage.URLSigningKey == "" {
		return fmt.Errorf("storage URL signing key is required")
	}

	if c.Scheduler.IntervalMinutes <= 0 {
		return fmt.Errorf("scheduler interval must be greater than 0")
	}

	if c.Scheduler.BatchWorkers <= 0 {
		return fmt.Errorf("scheduler batch workers must be greater than 0")
	}

	return nil
}
