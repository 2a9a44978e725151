package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix                  = "DMAPI"
	defaultHTTPAddress         = "0.0.0.0:8080"
	defaultDatabasePath        = "dm-api.db"
	defaultLogLevel            = "info"
	defaultCookieName          = "jwt"
	defaultTokenTTLMinutes     = 20
	defaultRefreshTTLHours     = 24
	defaultSendQueueSize       = 64
	defaultMaxMessageBytes     = 4096
	defaultWriteWait           = 10 * time.Second
	defaultPongWait            = 60 * time.Second
	defaultPingPeriod          = 50 * time.Second
	defaultCORSAllowedOrigins  = "http://localhost:5173"
	minimumSigningSecretLength = 16
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress        string
	DatabasePath       string
	LogLevel           string
	SigningSecret      string
	RefreshSecret      string
	CookieName         string
	CookieSecure       bool
	TokenTTL           time.Duration
	RefreshTTL         time.Duration
	CORSAllowedOrigins []string
	Realtime           RealtimeConfig
}

// RealtimeConfig tunes the websocket transport.
type RealtimeConfig struct {
	SendQueueSize   int
	MaxMessageBytes int64
	WriteWait       time.Duration
	PongWait        time.Duration
	PingPeriod      time.Duration
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("auth.cookie_name", defaultCookieName)
	configViper.SetDefault("auth.cookie_secure", false)
	configViper.SetDefault("token.ttl_minutes", defaultTokenTTLMinutes)
	configViper.SetDefault("token.refresh_ttl_hours", defaultRefreshTTLHours)
	configViper.SetDefault("cors.allowed_origins", defaultCORSAllowedOrigins)
	configViper.SetDefault("realtime.send_queue_size", defaultSendQueueSize)
	configViper.SetDefault("realtime.max_message_bytes", defaultMaxMessageBytes)
	configViper.SetDefault("realtime.write_wait", defaultWriteWait)
	configViper.SetDefault("realtime.pong_wait", defaultPongWait)
	configViper.SetDefault("realtime.ping_period", defaultPingPeriod)

	// AutomaticEnv only resolves keys viper already knows about.
	configViper.SetDefault("auth.signing_secret", "")
	configViper.SetDefault("auth.refresh_secret", "")
}

// DefaultRealtimeConfig returns the websocket settings used when nothing is configured.
func DefaultRealtimeConfig() RealtimeConfig {
	return RealtimeConfig{
		SendQueueSize:   defaultSendQueueSize,
		MaxMessageBytes: defaultMaxMessageBytes,
		WriteWait:       defaultWriteWait,
		PongWait:        defaultPongWait,
		PingPeriod:      defaultPingPeriod,
	}
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:        configViper.GetString("http.address"),
		DatabasePath:       configViper.GetString("database.path"),
		LogLevel:           configViper.GetString("log.level"),
		SigningSecret:      configViper.GetString("auth.signing_secret"),
		RefreshSecret:      configViper.GetString("auth.refresh_secret"),
		CookieName:         configViper.GetString("auth.cookie_name"),
		CookieSecure:       configViper.GetBool("auth.cookie_secure"),
		TokenTTL:           time.Duration(configViper.GetInt("token.ttl_minutes")) * time.Minute,
		RefreshTTL:         time.Duration(configViper.GetInt("token.refresh_ttl_hours")) * time.Hour,
		CORSAllowedOrigins: splitList(configViper.GetStringSlice("cors.allowed_origins")),
		Realtime: RealtimeConfig{
			SendQueueSize:   configViper.GetInt("realtime.send_queue_size"),
			MaxMessageBytes: configViper.GetInt64("realtime.max_message_bytes"),
			WriteWait:       configViper.GetDuration("realtime.write_wait"),
			PongWait:        configViper.GetDuration("realtime.pong_wait"),
			PingPeriod:      configViper.GetDuration("realtime.ping_period"),
		},
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if len(strings.TrimSpace(c.SigningSecret)) < minimumSigningSecretLength {
		return fmt.Errorf("auth.signing_secret must be at least %d characters", minimumSigningSecretLength)
	}
	if len(strings.TrimSpace(c.RefreshSecret)) < minimumSigningSecretLength {
		return fmt.Errorf("auth.refresh_secret must be at least %d characters", minimumSigningSecretLength)
	}
	if c.SigningSecret == c.RefreshSecret {
		return fmt.Errorf("auth.refresh_secret must differ from auth.signing_secret")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if strings.TrimSpace(c.CookieName) == "" {
		return fmt.Errorf("auth.cookie_name is required")
	}
	if c.TokenTTL <= 0 {
		return fmt.Errorf("token.ttl_minutes must be positive")
	}
	if c.RefreshTTL <= c.TokenTTL {
		return fmt.Errorf("token.refresh_ttl_hours must exceed the access token lifetime")
	}
	if c.Realtime.SendQueueSize <= 0 {
		return fmt.Errorf("realtime.send_queue_size must be positive")
	}
	if c.Realtime.MaxMessageBytes <= 0 {
		return fmt.Errorf("realtime.max_message_bytes must be positive")
	}
	if c.Realtime.WriteWait <= 0 {
		return fmt.Errorf("realtime.write_wait must be positive")
	}
	if c.Realtime.PingPeriod <= 0 || c.Realtime.PingPeriod >= c.Realtime.PongWait {
		return fmt.Errorf("realtime.ping_period must be positive and shorter than realtime.pong_wait")
	}
	return nil
}

// splitList accepts both list values and a single comma separated string from the environment.
func splitList(values []string) []string {
	var out []string
	for _, value := range values {
		for _, part := range strings.Split(value, ",") {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				out = append(out, trimmed)
			}
		}
	}
	return out
}
