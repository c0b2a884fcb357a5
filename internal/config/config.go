package config

import (
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	DatabaseURL string `mapstructure:"database_url"`
	RedisURL    string `mapstructure:"redis_url"`
	Port        string `mapstructure:"port"`
	LogLevel    string `mapstructure:"log_level"`

	// Agent bearer tokens (HS256)
	JWTSecret string `mapstructure:"jwt_secret"`

	// Rooms
	MaxRoomPinsLimit             int  `mapstructure:"max_room_pins_limit"`
	UseDenormalizedAgentMessages bool `mapstructure:"use_denormalized_agent_messages"`

	// Message status batching
	MessageBulkSize            int           `mapstructure:"message_bulk_size"`
	MessageStatusFlushInterval time.Duration `mapstructure:"message_status_flush_interval"`
	MessageStatusMaxRetries    int           `mapstructure:"message_status_max_retries"`
	MessageStatusRetryDelay    time.Duration `mapstructure:"message_status_retry_delay"`

	// Outbound callbacks
	Callback CallbackConfig `mapstructure:"callback"`

	AutomaticMessageFlowsGetTicketRetries int `mapstructure:"automatic_message_flows_get_ticket_retries"`

	// Archive rotation
	ArchiveChatsMaxRooms  int    `mapstructure:"archive_chats_max_rooms"`
	ArchiveChatsMaxHour   string `mapstructure:"archive_chats_max_hour"`
	ArchiveChatsBatchSize int    `mapstructure:"archive_chats_batch_size"`

	// Throttle rates, "N/period"
	RateLimits RateLimitConfig `mapstructure:"rate_limits"`

	// Integration name -> HMAC secret, filled from *_HMAC_SIGNATURE_SECRET_KEY
	HMACSecrets map[string]string `mapstructure:"hmac_secrets"`

	// Identities holding the can_communicate_internally capability
	InternalUsers []string `mapstructure:"-"`

	Minio MinioConfig `mapstructure:"minio"`
	Flows FlowsConfig `mapstructure:"flows"`

	UnpermittedAudioTypes []string `mapstructure:"-"`
	FFmpegPath            string   `mapstructure:"ffmpeg_path"`

	WSPingInterval time.Duration `mapstructure:"ws_ping_interval"`
	WSPingTimeout  time.Duration `mapstructure:"ws_ping_timeout"`

	FirebaseCredentialsFile string `mapstructure:"firebase_credentials_file"`
}

type CallbackConfig struct {
	RetryCount           int     `mapstructure:"retry_count"`
	RetryBackoffFactor   float64 `mapstructure:"retry_backoff_factor"`
	RetryableStatusCodes []int   `mapstructure:"-"`
	TimeoutSeconds       int     `mapstructure:"timeout_seconds"`
}

type RateLimitConfig struct {
	ExternalSecond   string `mapstructure:"external_second"`
	ExternalMinute   string `mapstructure:"external_minute"`
	ExternalHour     string `mapstructure:"external_hour"`
	ExternalAnon     string `mapstructure:"external_anon"`
	ExternalCritical string `mapstructure:"external_critical"`
}

type MinioConfig struct {
	Endpoint  string `mapstructure:"endpoint"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	Bucket    string `mapstructure:"bucket"`
	UseSSL    bool   `mapstructure:"use_ssl"`
	PublicURL string `mapstructure:"public_url"`
}

type FlowsConfig struct {
	URL   string `mapstructure:"url"`
	Token string `mapstructure:"token"`
}

// App holds the global config instance
var App Config

const hmacSecretSuffix = "_HMAC_SIGNATURE_SECRET_KEY"

// LoadConfig loads configuration from file and environment variables
func LoadConfig(path string) error {
	// .env is a local development convenience; absence is fine
	if err := godotenv.Load(); err == nil {
		log.Println("Loaded .env file")
	}

	v := viper.New()

	v.SetDefault("port", "8080")
	v.SetDefault("log_level", "info")
	v.SetDefault("max_room_pins_limit", 3)
	v.SetDefault("use_denormalized_agent_messages", true)
	v.SetDefault("message_bulk_size", 100)
	v.SetDefault("message_status_flush_interval", 5*time.Second)
	v.SetDefault("message_status_max_retries", 3)
	v.SetDefault("message_status_retry_delay", 5*time.Second)
	v.SetDefault("callback.retry_count", 3)
	v.SetDefault("callback.retry_backoff_factor", 0.5)
	v.SetDefault("callback.retryable_status_codes", "408,429,500,502,503,504")
	v.SetDefault("callback.timeout_seconds", 10)
	v.SetDefault("automatic_message_flows_get_ticket_retries", 5)
	v.SetDefault("archive_chats_max_rooms", 100)
	v.SetDefault("archive_chats_max_hour", "08:59")
	v.SetDefault("archive_chats_batch_size", 500)
	v.SetDefault("rate_limits.external_second", "10/second")
	v.SetDefault("rate_limits.external_minute", "300/minute")
	v.SetDefault("rate_limits.external_hour", "5000/hour")
	v.SetDefault("rate_limits.external_anon", "60/minute")
	v.SetDefault("rate_limits.external_critical", "5/second")
	v.SetDefault("minio.bucket", "chats")
	v.SetDefault("unpermitted_audio_types", "audio/ogg,audio/x-m4a")
	v.SetDefault("ffmpeg_path", "ffmpeg")
	v.SetDefault("ws_ping_interval", 15*time.Second)
	v.SetDefault("ws_ping_timeout", 60*time.Second)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
		v.SetConfigName("dev.config")
		v.SetConfigType("yaml")
	}

	_ = v.BindEnv("database_url", "DATABASE_URL")
	_ = v.BindEnv("redis_url", "REDIS_URL")
	_ = v.BindEnv("port", "PORT")
	_ = v.BindEnv("log_level", "LOG_LEVEL")
	_ = v.BindEnv("jwt_secret", "CHATS_JWT_SECRET")

	_ = v.BindEnv("max_room_pins_limit", "MAX_ROOM_PINS_LIMIT")
	_ = v.BindEnv("use_denormalized_agent_messages", "USE_DENORMALIZED_AGENT_MESSAGES")
	_ = v.BindEnv("message_bulk_size", "MESSAGE_BULK_SIZE")
	_ = v.BindEnv("message_status_flush_interval", "MESSAGE_STATUS_FLUSH_INTERVAL")
	_ = v.BindEnv("message_status_max_retries", "MESSAGE_STATUS_MAX_RETRIES")
	_ = v.BindEnv("message_status_retry_delay", "MESSAGE_STATUS_RETRY_DELAY")

	_ = v.BindEnv("callback.retry_count", "CALLBACK_RETRY_COUNT")
	_ = v.BindEnv("callback.retry_backoff_factor", "CALLBACK_RETRY_BACKOFF_FACTOR")
	_ = v.BindEnv("callback.retryable_status_codes", "CALLBACK_RETRYABLE_STATUS_CODES")
	_ = v.BindEnv("callback.timeout_seconds", "CALLBACK_TIMEOUT_SECONDS")
	_ = v.BindEnv("automatic_message_flows_get_ticket_retries", "AUTOMATIC_MESSAGE_FLOWS_GET_TICKET_RETRIES")

	_ = v.BindEnv("archive_chats_max_rooms", "ARCHIVE_CHATS_MAX_ROOMS")
	_ = v.BindEnv("archive_chats_max_hour", "ARCHIVE_CHATS_MAX_HOUR")
	_ = v.BindEnv("archive_chats_batch_size", "ARCHIVE_CHATS_BATCH_SIZE")

	_ = v.BindEnv("rate_limits.external_second", "EXTERNAL_SECOND")
	_ = v.BindEnv("rate_limits.external_minute", "EXTERNAL_MINUTE")
	_ = v.BindEnv("rate_limits.external_hour", "EXTERNAL_HOUR")
	_ = v.BindEnv("rate_limits.external_anon", "EXTERNAL_ANON")
	_ = v.BindEnv("rate_limits.external_critical", "EXTERNAL_CRITICAL")

	_ = v.BindEnv("internal_users", "CHATS_INTERNAL_USERS")

	_ = v.BindEnv("minio.endpoint", "MINIO_ENDPOINT")
	_ = v.BindEnv("minio.access_key", "MINIO_ACCESS_KEY")
	_ = v.BindEnv("minio.secret_key", "MINIO_SECRET_KEY")
	_ = v.BindEnv("minio.bucket", "MINIO_BUCKET")
	_ = v.BindEnv("minio.use_ssl", "MINIO_USE_SSL")
	_ = v.BindEnv("minio.public_url", "MINIO_PUBLIC_URL")

	_ = v.BindEnv("flows.url", "FLOWS_API_URL")
	_ = v.BindEnv("flows.token", "FLOWS_API_TOKEN")

	_ = v.BindEnv("unpermitted_audio_types", "UNPERMITTED_AUDIO_TYPES")
	_ = v.BindEnv("ffmpeg_path", "FFMPEG_PATH")
	_ = v.BindEnv("ws_ping_interval", "WS_PING_INTERVAL")
	_ = v.BindEnv("ws_ping_timeout", "WS_PING_TIMEOUT")
	_ = v.BindEnv("firebase_credentials_file", "FIREBASE_CREDENTIALS_FILE")

	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			log.Println("No config file found, using defaults and environment variables")
		} else {
			return err
		}
	} else {
		log.Printf("Loaded config from: %s", v.ConfigFileUsed())
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return err
	}

	// comma separated lists arrive from env as a single string
	cfg.Callback.RetryableStatusCodes = splitInts(v.GetString("callback.retryable_status_codes"))
	cfg.UnpermittedAudioTypes = splitList(v.GetString("unpermitted_audio_types"))
	cfg.InternalUsers = splitList(v.GetString("internal_users"))

	if cfg.HMACSecrets == nil {
		cfg.HMACSecrets = map[string]string{}
	}
	for name, secret := range hmacSecretsFromEnv(os.Environ()) {
		cfg.HMACSecrets[name] = secret
	}

	App = cfg
	return nil
}

// hmacSecretsFromEnv collects FOO_HMAC_SIGNATURE_SECRET_KEY=bar as foo -> bar.
func hmacSecretsFromEnv(environ []string) map[string]string {
	secrets := make(map[string]string)
	for _, kv := range environ {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || value == "" || !strings.HasSuffix(key, hmacSecretSuffix) {
			continue
		}
		name := strings.ToLower(strings.TrimSuffix(key, hmacSecretSuffix))
		if name == "" {
			continue
		}
		secrets[name] = value
	}
	return secrets
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func splitInts(raw string) []int {
	var out []int
	for _, part := range splitList(raw) {
		n, err := strconv.Atoi(part)
		if err != nil {
			log.Printf("Ignoring invalid status code %q", part)
			continue
		}
		out = append(out, n)
	}
	return out
}
