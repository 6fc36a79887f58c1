package config

import (
	"io"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/goccy/go-yaml"
	"github.com/joho/godotenv"
)

// Config carries the settings for all four services. Each binary reads the
// subset it needs; unused knobs keep their defaults.
type Config struct {
	Port    string
	GinMode string

	// Database
	DatabaseURL       string
	DBMaxOpenConns    int
	DBMaxIdleConns    int
	DBConnMaxIdleTime int // in minutes
	DBConnMaxLifetime int // in minutes

	// Redis
	RedisURL             string
	RedisSegmentTTL      time.Duration // TTL on meeting:{id}:segments hashes
	RedisSpeakerEventTTL time.Duration // TTL on speaker_events:{uid} sorted sets
	PendingMsgTimeoutMS  int           // stale-claim threshold for consumer groups

	// Collector
	ImmutabilityThreshold  time.Duration // age after which a mutable segment is flushed
	BackgroundTaskInterval time.Duration // flusher tick
	FilterMinCharacters    int
	FilterMinRealWords     int
	SpeakerEventWindowMS   int64 // pre/post window around a segment when mapping speakers

	// Controller
	MeetingTokenSecret           string
	MeetingTokenTTL              time.Duration
	BotNamePrefix                string
	CallbackBaseURL              string
	SchedulerURL                 string
	SchedulerAPIKey              string
	StopKillDelay                time.Duration
	ReconciliationInterval       time.Duration
	OrphanGracePeriod            time.Duration
	ReconciliationMaxAge         time.Duration
	AutoJoinMinutesBefore        int
	WaitingRoomTimeoutSeconds    int
	NoOneJoinedTimeoutSeconds    int
	EveryoneLeftTimeoutSeconds   int
	WebhookWorkerPoolSize        int
	WebhookBufferSize            int
	WebhookTimeoutSeconds        int
	ServerShutdownTimeoutSeconds int

	// Recognizer
	MaxClients             int
	MaxConnectionTime      time.Duration
	WhisperServerURL       string
	WhisperModel           string
	MinAudioSeconds        float64
	MaxBufferSeconds       float64
	DiscardBufferSeconds   float64
	ClipIfNoSegmentSeconds float64
	ClipRetainSeconds      float64
	SendLastNSegments      int
	HallucinationFiles     []string `yaml:"hallucination_files"`
	CircuitBreakerEnabled  bool
	ServerWarmupSeconds    int
	SpeakerActiveWindowS   int
	SpeakerNoTxStallS      int
	BreakerConsecutive     int
	HealthMonitorInterval  time.Duration
	MaxUnhealthyStreak     int

	// Gateway
	CollectorURL string

	// Logging
	LogLevel  string
	LogFormat string
}

var AppConfig *Config

// LoadConfig reads environment variables (optionally seeded from a .env file)
// and an optional YAML overlay into AppConfig.
func LoadConfig() {
	// Load .env file if it exists
	if err := godotenv.Load(".env"); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	AppConfig = &Config{
		Port:    getEnvOrDefault("PORT", "8080"),
		GinMode: getEnvOrDefault("GIN_MODE", "release"),

		// Database
		DatabaseURL:       getEnvOrDefault("DATABASE_URL", "postgres://localhost/echoscribe?sslmode=disable"),
		DBMaxOpenConns:    getEnvAsInt("DB_MAX_OPEN_CONNS", 15),
		DBMaxIdleConns:    getEnvAsInt("DB_MAX_IDLE_CONNS", 5),
		DBConnMaxIdleTime: getEnvAsInt("DB_CONN_MAX_IDLE_TIME_MINUTES", 1),
		DBConnMaxLifetime: getEnvAsInt("DB_CONN_MAX_LIFETIME_MINUTES", 30),

		// Redis
		RedisURL:             getEnvOrDefault("REDIS_URL", "redis://localhost:6379/0"),
		RedisSegmentTTL:      getEnvAsDuration("REDIS_SEGMENT_TTL", 2*time.Hour),
		RedisSpeakerEventTTL: getEnvAsDuration("REDIS_SPEAKER_EVENT_TTL", 2*time.Hour),
		PendingMsgTimeoutMS:  getEnvAsInt("PENDING_MSG_TIMEOUT_MS", 60000),

		// Collector
		ImmutabilityThreshold:  getEnvAsDuration("IMMUTABILITY_THRESHOLD", 5*time.Second),
		BackgroundTaskInterval: getEnvAsDuration("BACKGROUND_TASK_INTERVAL", 2*time.Second),
		FilterMinCharacters:    getEnvAsInt("FILTER_MIN_CHARACTER_LENGTH", 3),
		FilterMinRealWords:     getEnvAsInt("FILTER_MIN_REAL_WORDS", 1),
		SpeakerEventWindowMS:   getEnvAsInt64("SPEAKER_EVENT_WINDOW_MS", 500),

		// Controller
		MeetingTokenSecret:           getEnvOrDefault("MEETING_TOKEN_SECRET", ""),
		MeetingTokenTTL:              getEnvAsDuration("MEETING_TOKEN_TTL", 2*time.Hour),
		BotNamePrefix:                getEnvOrDefault("BOT_NAME_PREFIX", "EchoScribe"),
		CallbackBaseURL:              getEnvOrDefault("CALLBACK_BASE_URL", "http://controller:8080"),
		SchedulerURL:                 getEnvOrDefault("SCHEDULER_URL", "http://runner:9090"),
		SchedulerAPIKey:              getEnvOrDefault("SCHEDULER_API_KEY", ""),
		StopKillDelay:                getEnvAsDuration("STOP_KILL_DELAY", 30*time.Second),
		ReconciliationInterval:       time.Duration(getEnvAsInt("RECONCILIATION_INTERVAL_SECONDS", 60)) * time.Second,
		OrphanGracePeriod:            time.Duration(getEnvAsInt("ORPHAN_GRACE_PERIOD_SECONDS", 120)) * time.Second,
		ReconciliationMaxAge:         time.Duration(getEnvAsInt("RECONCILIATION_MAX_AGE_HOURS", 48)) * time.Hour,
		AutoJoinMinutesBefore:        getEnvAsInt("AUTO_JOIN_MINUTES_BEFORE", 2),
		WaitingRoomTimeoutSeconds:    getEnvAsInt("WAITING_ROOM_TIMEOUT_SECONDS", 300),
		NoOneJoinedTimeoutSeconds:    getEnvAsInt("NO_ONE_JOINED_TIMEOUT_SECONDS", 300),
		EveryoneLeftTimeoutSeconds:   getEnvAsInt("EVERYONE_LEFT_TIMEOUT_SECONDS", 60),
		WebhookWorkerPoolSize:        getEnvAsInt("WEBHOOK_WORKER_POOL_SIZE", 5),
		WebhookBufferSize:            getEnvAsInt("WEBHOOK_BUFFER_SIZE", 500),
		WebhookTimeoutSeconds:        getEnvAsInt("WEBHOOK_TIMEOUT_SECONDS", 15),
		ServerShutdownTimeoutSeconds: getEnvAsInt("SERVER_SHUTDOWN_TIMEOUT_SECONDS", 30),

		// Recognizer
		MaxClients:             getEnvAsInt("MAX_CLIENTS", 10),
		MaxConnectionTime:      getEnvAsDuration("MAX_CONNECTION_TIME", time.Hour),
		WhisperServerURL:       getEnvOrDefault("WHISPER_SERVER_URL", "http://localhost:8178"),
		WhisperModel:           getEnvOrDefault("WHISPER_MODEL", ""),
		MinAudioSeconds:        getEnvFloat("MIN_AUDIO_SECONDS", 1.0),
		MaxBufferSeconds:       getEnvFloat("MAX_BUFFER_SECONDS", 45.0),
		DiscardBufferSeconds:   getEnvFloat("DISCARD_BUFFER_SECONDS", 30.0),
		ClipIfNoSegmentSeconds: getEnvFloat("CLIP_IF_NO_SEGMENT_SECONDS", 25.0),
		ClipRetainSeconds:      getEnvFloat("CLIP_RETAIN_SECONDS", 5.0),
		SendLastNSegments:      getEnvAsInt("SEND_LAST_N_SEGMENTS", 10),
		CircuitBreakerEnabled:  getEnvOrDefault("CIRCUIT_BREAKER_ENABLED", "true") == "true",
		ServerWarmupSeconds:    getEnvAsInt("SERVER_WARMUP_SECONDS", 60),
		SpeakerActiveWindowS:   getEnvAsInt("SPEAKER_ACTIVE_WINDOW_SECONDS", 8),
		SpeakerNoTxStallS:      getEnvAsInt("SERVER_SPEAKER_NO_TX_STALL_SECONDS", 30),
		BreakerConsecutive:     getEnvAsInt("CIRCUIT_BREAKER_CONSECUTIVE", 2),
		HealthMonitorInterval:  getEnvAsDuration("HEALTH_MONITOR_INTERVAL", 30*time.Second),
		MaxUnhealthyStreak:     getEnvAsInt("MAX_UNHEALTHY_STREAK", 5),

		// Gateway
		CollectorURL: getEnvOrDefault("COLLECTOR_URL", "http://collector:8080"),

		// Logging
		LogLevel:  getEnvOrDefault("LOG_LEVEL", "debug"),
		LogFormat: getEnvOrDefault("LOG_FORMAT", "text"),
	}

	// Hallucination lists live in the optional YAML overlay because they are
	// path lists, not scalars.
	configFilePath := getEnvOrDefault("CONFIG_FILE", "")
	if configFilePath != "" {
		configFile, err := os.Open(configFilePath)
		if err != nil {
			log.Fatalf("Failed to open config file: %v", err)
		}
		defer configFile.Close()

		if err := LoadConfigFile(configFile, AppConfig); err != nil {
			log.Fatalf("Failed to load config file: %v", err)
		}
	}

	if AppConfig.MeetingTokenSecret == "" {
		log.Println("Warning: MEETING_TOKEN_SECRET is empty. Meeting token verification will reject all tokens.")
	}
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		} else {
			log.Printf("Warning: Failed to parse environment variable %s='%s' as time.Duration, using default %v: %v", key, value, defaultValue, err)
		}
	}
	return defaultValue
}

func getEnvAsInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseInt(value, 10, 64); err == nil {
			return parsed
		} else {
			log.Printf("Warning: Failed to parse environment variable %s='%s' as int64, using default %d: %v", key, value, defaultValue, err)
		}
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		} else {
			log.Printf("Warning: Failed to parse environment variable %s='%s' as int, using default %d: %v", key, value, defaultValue, err)
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			return parsed
		} else {
			log.Printf("Warning: Failed to parse environment variable %s='%s' as float, using default %f: %v", key, value, defaultValue, err)
		}
	}
	return defaultValue
}

// LoadConfigFile applies a YAML overlay on top of the environment-derived config.
func LoadConfigFile(reader io.Reader, config *Config) error {
	decoder := yaml.NewDecoder(reader)

	if err := decoder.Decode(config); err != nil {
		return err
	}

	return nil
}
