package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

type Config struct {
	ServerPort  string `toml:"port"`
	APIBaseURL  string `toml:"api_base_url"`
	Environment string `toml:"environment"`

	ProductAPITimeout Duration `toml:"product_api_timeout"`
	OwnershipCacheTTL Duration `toml:"ownership_cache_ttl"`
	InitialListDelay  Duration `toml:"initial_list_delay"`

	MaxMessagesPerConversation int `toml:"max_messages_per_conversation"`

	SendMessageRate  float64 `toml:"send_message_rate"`
	SendMessageBurst int     `toml:"send_message_burst"`
	TypingRate       float64 `toml:"typing_rate"`
	TypingBurst      int     `toml:"typing_burst"`
	HandshakeRate    float64 `toml:"handshake_rate"`
	HandshakeBurst   int     `toml:"handshake_burst"`
}

// Duration lets TOML files carry values like "5m" or "250ms".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

func Default() *Config {
	return &Config{
		ServerPort:        "3001",
		APIBaseURL:        "http://localhost:8080",
		Environment:       "development",
		ProductAPITimeout: Duration{10 * time.Second},
		OwnershipCacheTTL: Duration{5 * time.Minute},
		InitialListDelay:  Duration{100 * time.Millisecond},
		SendMessageRate:   5,
		SendMessageBurst:  20,
		TypingRate:        10,
		TypingBurst:       30,
		HandshakeRate:     5,
		HandshakeBurst:    20,
	}
}

// Load reads .env (if present), then the optional TOML file named by
// CHAT_CONFIG_FILE, then individual environment variables. Later sources win.
func Load() (*Config, error) {
	godotenv.Load()

	config := Default()

	if path, ok := os.LookupEnv("CHAT_CONFIG_FILE"); ok && path != "" {
		if _, err := toml.DecodeFile(path, config); err != nil {
			return nil, fmt.Errorf("failed to decode config file %s: %w", path, err)
		}
	}

	config.ServerPort = getEnv("PORT", config.ServerPort)
	config.APIBaseURL = getEnv("API_BASE_URL", config.APIBaseURL)
	config.Environment = getEnv("ENVIRONMENT", config.Environment)
	config.ProductAPITimeout.Duration = getEnvAsDuration("PRODUCT_API_TIMEOUT", config.ProductAPITimeout.Duration)
	config.OwnershipCacheTTL.Duration = getEnvAsDuration("OWNERSHIP_CACHE_TTL", config.OwnershipCacheTTL.Duration)
	config.InitialListDelay.Duration = getEnvAsDuration("INITIAL_LIST_DELAY", config.InitialListDelay.Duration)
	config.MaxMessagesPerConversation = getEnvAsInt("MAX_MESSAGES_PER_CONVERSATION", config.MaxMessagesPerConversation)
	config.SendMessageRate = getEnvAsFloat("SEND_MESSAGE_RATE", config.SendMessageRate)
	config.SendMessageBurst = getEnvAsInt("SEND_MESSAGE_BURST", config.SendMessageBurst)
	config.TypingRate = getEnvAsFloat("TYPING_RATE", config.TypingRate)
	config.TypingBurst = getEnvAsInt("TYPING_BURST", config.TypingBurst)
	config.HandshakeRate = getEnvAsFloat("HANDSHAKE_RATE", config.HandshakeRate)
	config.HandshakeBurst = getEnvAsInt("HANDSHAKE_BURST", config.HandshakeBurst)

	if config.ServerPort == "" {
		return nil, fmt.Errorf("PORT must not be empty")
	}

	return config, nil
}

func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value, exists := os.LookupEnv(key); exists {
		intValue, err := strconv.Atoi(value)
		if err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value, exists := os.LookupEnv(key); exists {
		floatValue, err := strconv.ParseFloat(value, 64)
		if err == nil {
			return floatValue
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value, exists := os.LookupEnv(key); exists {
		d, err := time.ParseDuration(value)
		if err == nil {
			return d
		}
	}
	return defaultValue
}
