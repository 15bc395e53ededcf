// Package config reads the service settings from the environment, after
// loading a .env file when one exists.
package config

import (
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Port string

	DatabaseURL string
	AuthToken   string
	RedisAddr   string
	RedisPrefix string

	SessionSecret string
	// SecureCookies marks session cookies Secure. Off for local http.
	SecureCookies bool

	TelegramToken       string
	TelegramAdminChatID int64

	PixelEndpoint      string
	PixelToken         string
	ConversionEndpoint string
	ConversionToken    string

	GatewayURL       string
	GatewayKey       string
	GatewayUserAgent string

	PollInterval    time.Duration
	DisplayDelay    time.Duration
	MaxPollDuration time.Duration
	SessionIdle     time.Duration

	AllowedOrigins []string
}

// Load reads the .env file (if any) and then the environment. Variables set
// in the environment win over the file.
func Load() Config {
	_ = godotenv.Load()
	return FromEnv()
}

func FromEnv() Config {
	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		dbURL = os.Getenv("TURSO_DATABASE_URL")
	}
	if dbURL == "" {
		dbURL = "file:sorte.db"
	}

	return Config{
		Port: getEnv("PORT", "8080"),

		DatabaseURL: dbURL,
		AuthToken:   os.Getenv("TURSO_AUTH_TOKEN"),
		RedisAddr:   os.Getenv("REDIS_ADDR"),
		RedisPrefix: getEnv("REDIS_PREFIX", "sorte:"),

		SessionSecret: os.Getenv("SESSION_SECRET"),
		SecureCookies: getBool("SECURE_COOKIES", false),

		TelegramToken:       os.Getenv("TELEGRAM_TOKEN"),
		TelegramAdminChatID: getInt64("TELEGRAM_ADMIN_CHAT_ID", 0),

		PixelEndpoint:      os.Getenv("PIXEL_ENDPOINT"),
		PixelToken:         os.Getenv("PIXEL_TOKEN"),
		ConversionEndpoint: os.Getenv("CONVERSION_ENDPOINT"),
		ConversionToken:    os.Getenv("CONVERSION_TOKEN"),

		GatewayURL:       os.Getenv("BUCKPAY_API_URL"),
		GatewayKey:       os.Getenv("BUCKPAY_API_KEY"),
		GatewayUserAgent: getEnv("BUCKPAY_USER_AGENT", "Buckpay API"),

		PollInterval:    getDuration("POLL_INTERVAL", 5*time.Second),
		DisplayDelay:    getDuration("DISPLAY_DELAY", 2*time.Second),
		MaxPollDuration: getDuration("MAX_POLL_DURATION", 30*time.Minute),
		SessionIdle:     getDuration("SESSION_IDLE", time.Hour),

		AllowedOrigins: getList("ALLOWED_ORIGINS", []string{"*"}),
	}
}

// Warnings lists settings that leave a feature disabled.
func (c Config) Warnings() []string {
	var out []string
	if c.GatewayURL == "" || c.GatewayKey == "" {
		out = append(out, "BUCKPAY_API_URL or BUCKPAY_API_KEY not set. PIX creation will fail.")
	}
	if c.SessionSecret == "" {
		out = append(out, "SESSION_SECRET not set. Using a random key, sessions reset on restart.")
	}
	if c.TelegramToken == "" {
		out = append(out, "TELEGRAM_TOKEN not set. Bot features disabled.")
	}
	if c.PixelEndpoint == "" {
		out = append(out, "PIXEL_ENDPOINT not set. Pixel events are dropped.")
	}
	if c.ConversionEndpoint == "" {
		out = append(out, "CONVERSION_ENDPOINT not set. Conversion events are dropped.")
	}
	return out
}

func getEnv(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func getDuration(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		log.Printf("Warning: invalid %s=%q, using %s", key, v, def)
		return def
	}
	return d
}

func getInt64(key string, def int64) int64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		log.Printf("Warning: invalid %s=%q, using %d", key, v, def)
		return def
	}
	return n
}

func getBool(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func getList(key string, def []string) []string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return def
	}
	return out
}
