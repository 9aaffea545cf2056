package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	OpenAI  OpenAIConfig  `mapstructure:"openai"`
	Relay   RelayConfig   `mapstructure:"relay"`
	Logging LoggingConfig `mapstructure:"logging"`
}

type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ReadLimitBytes  int64         `mapstructure:"read_limit_bytes"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type OpenAIConfig struct {
	APIKey         string        `mapstructure:"api_key"`
	BaseURL        string        `mapstructure:"base_url"`
	Model          string        `mapstructure:"model"`
	MaxTokens      int           `mapstructure:"max_tokens"`
	Temperature    float64       `mapstructure:"temperature"`
	JSONMode       bool          `mapstructure:"json_mode"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

type RelayConfig struct {
	MaxItems        int  `mapstructure:"max_items"`
	ValidateResult  bool `mapstructure:"validate_result"`
	StripCodeFences bool `mapstructure:"strip_code_fences"`
}

type LoggingConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

// LoadConfig reads configuration from the YAML file at path, if any, and the
// environment. SERVER_PORT style variables override file values; PORT and
// OPENAI_API_KEY are honoured as well.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()

	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_limit_bytes", 4<<20)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)
	v.SetDefault("openai.api_key", "")
	v.SetDefault("openai.base_url", "")
	v.SetDefault("openai.model", "gpt-4o-mini")
	v.SetDefault("openai.max_tokens", 0)
	v.SetDefault("openai.temperature", 0.2)
	v.SetDefault("openai.json_mode", false)
	v.SetDefault("openai.request_timeout", time.Duration(0))
	v.SetDefault("relay.max_items", 200)
	v.SetDefault("relay.validate_result", false)
	v.SetDefault("relay.strip_code_fences", false)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.development", false)

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("failed to read config %s: %w", path, err)
			}
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	if port := v.GetInt("PORT"); port != 0 {
		config.Server.Port = port
	}

	if apiKey := v.GetString("OPENAI_API_KEY"); apiKey != "" {
		config.OpenAI.APIKey = apiKey
	}

	return &config, nil
}

func (c *Config) Validate() error {
	if c.OpenAI.APIKey == "" {
		return errors.New("openai.api_key is required (or set OPENAI_API_KEY)")
	}
	if c.OpenAI.Model == "" {
		return errors.New("openai.model is required")
	}
	if c.OpenAI.Temperature < 0 || c.OpenAI.Temperature > 2 {
		return fmt.Errorf("openai.temperature must be within [0,2], got %v", c.OpenAI.Temperature)
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be within [1,65535], got %d", c.Server.Port)
	}
	if c.Relay.MaxItems <= 0 {
		return fmt.Errorf("relay.max_items must be positive, got %d", c.Relay.MaxItems)
	}
	return nil
}
