package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Telegram  TelegramConfig  `mapstructure:"telegram"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Challenge ChallengeConfig `mapstructure:"challenge"`
	Tracker   TrackerConfig   `mapstructure:"tracker"`
	Analyzer  AnalyzerConfig  `mapstructure:"analyzer"`
	Sweeper   SweeperConfig   `mapstructure:"sweeper"`
	HTTP      HTTPConfig      `mapstructure:"http"`
}

type TelegramConfig struct {
	Token string `mapstructure:"token"`
	// AllowedChatIDs limits the bot to specific chats; empty means all.
	AllowedChatIDs []int64 `mapstructure:"allowed_chat_ids"`
}

type DatabaseConfig struct {
	// Driver selects the backend: postgres, sqlite or memory.
	Driver   string `mapstructure:"driver"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbname"`
	SSLMode  string `mapstructure:"sslmode"`
	// Path is the database file for the sqlite driver.
	Path string `mapstructure:"path"`
}

type ChallengeConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	TTL         time.Duration `mapstructure:"ttl"`
	Options     int           `mapstructure:"options"`
}

type TrackerConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	WindowSize      int           `mapstructure:"window_size"`
	Duration        time.Duration `mapstructure:"duration"`
	ClassifyTimeout time.Duration `mapstructure:"classify_timeout"`
}

type AnalyzerConfig struct {
	APIKey      string  `mapstructure:"api_key"`
	BaseURL     string  `mapstructure:"base_url"`
	Model       string  `mapstructure:"model"`
	MaxTokens   int     `mapstructure:"max_tokens"`
	Temperature float64 `mapstructure:"temperature"`
	// Prompt overrides the built-in community context prompt.
	Prompt string `mapstructure:"prompt"`
}

type SweeperConfig struct {
	Interval time.Duration `mapstructure:"interval"`
}

type HTTPConfig struct {
	Port int `mapstructure:"port"`
}

func parseDatabaseURL(dbURL string) (DatabaseConfig, error) {
	u, err := url.Parse(dbURL)
	if err != nil {
		return DatabaseConfig{}, err
	}

	password, _ := u.User.Password()
	port := 5432 // default PostgreSQL port
	if u.Port() != "" {
		fmt.Sscanf(u.Port(), "%d", &port)
	}

	return DatabaseConfig{
		Driver:   "postgres",
		Host:     u.Hostname(),
		Port:     port,
		User:     u.User.Username(),
		Password: password,
		DBName:   strings.TrimPrefix(u.Path, "/"),
		SSLMode:  "disable",
	}, nil
}

func LoadConfig(path string) (*Config, error) {
	// A local .env is optional; real deployments set the environment.
	godotenv.Load()

	v := viper.New()

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.path", "gatekeeper.db")
	v.SetDefault("challenge.max_attempts", 2)
	v.SetDefault("challenge.ttl", "180s")
	v.SetDefault("challenge.options", 4)
	v.SetDefault("tracker.enabled", true)
	v.SetDefault("tracker.window_size", 5)
	v.SetDefault("tracker.duration", "24h")
	v.SetDefault("tracker.classify_timeout", "30s")
	v.SetDefault("analyzer.base_url", "https://api.deepseek.com/v1")
	v.SetDefault("analyzer.model", "deepseek-chat")
	v.SetDefault("analyzer.max_tokens", 10)
	v.SetDefault("analyzer.temperature", 0.1)
	v.SetDefault("sweeper.interval", "60s")
	v.SetDefault("http.port", 10000)

	v.AutomaticEnv()

	// The config file is optional; environment variables alone are
	// enough to run.
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil && !os.IsNotExist(err) {
		if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound {
			return nil, err
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, err
	}

	if dbURL := v.GetString("DATABASE_URL"); dbURL != "" {
		dbConfig, err := parseDatabaseURL(dbURL)
		if err != nil {
			return nil, fmt.Errorf("failed to parse DATABASE_URL: %w", err)
		}
		config.Database = dbConfig
	}

	if token := v.GetString("TELEGRAM_TOKEN"); token != "" {
		config.Telegram.Token = token
	}
	if token := v.GetString("TELEGRAM_BOT_TOKEN"); token != "" {
		config.Telegram.Token = token
	}
	if apiKey := v.GetString("DEEPSEEK_API_KEY"); apiKey != "" {
		config.Analyzer.APIKey = apiKey
	}
	if port := v.GetInt("HTTP_PORT"); port != 0 {
		config.HTTP.Port = port
	}

	if config.Telegram.Token == "" {
		return nil, fmt.Errorf("telegram token is not configured")
	}

	return &config, nil
}
