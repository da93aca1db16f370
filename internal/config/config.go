package config

import (
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	// ----------------------------
	// Database
	// ----------------------------
	DatabaseURL string `envconfig:"DATABASE_URL" required:"true"`

	// ----------------------------
	// Provider
	// ----------------------------
	ProviderBaseURL string        `envconfig:"PROVIDER_BASE_URL" default:"https://graph.facebook.com/v19.0"`
	ProviderToken   string        `envconfig:"PROVIDER_TOKEN" default:""`
	ChannelID       string        `envconfig:"CHANNEL_ID" default:""`
	SendTimeout     time.Duration `envconfig:"SEND_TIMEOUT" default:"30s"`

	// ----------------------------
	// Workflow
	// ----------------------------
	BatchSize    int `envconfig:"BATCH_SIZE" default:"50"`
	WorkerCount  int `envconfig:"WORKER_COUNT" default:"5"`
	SweepBatches int `envconfig:"SWEEP_BATCHES" default:"2"`

	// ----------------------------
	// Throttle
	// ----------------------------
	MinRate          float64       `envconfig:"MIN_RATE" default:"1"`
	MaxRate          float64       `envconfig:"MAX_RATE" default:"80"`
	InitialRate      float64       `envconfig:"INITIAL_RATE" default:"10"`
	ThrottleCooldown time.Duration `envconfig:"THROTTLE_COOLDOWN" default:"1m"`
	IncreaseGap      time.Duration `envconfig:"INCREASE_GAP" default:"30s"`

	// ----------------------------
	// Suppression
	// ----------------------------
	SuppressionCacheTTL time.Duration `envconfig:"SUPPRESSION_CACHE_TTL" default:"5m"`
	FailureThreshold    int           `envconfig:"FAILURE_THRESHOLD" default:"3"`
	FailureWindow       time.Duration `envconfig:"FAILURE_WINDOW" default:"24h"`
	AutoSuppressExpiry  time.Duration `envconfig:"AUTO_SUPPRESS_EXPIRY" default:"720h"`

	// ----------------------------
	// Scheduler
	// ----------------------------
	ScheduleTolerance time.Duration `envconfig:"SCHEDULE_TOLERANCE" default:"1m"`
	SchedulerSpec     string        `envconfig:"SCHEDULER_SPEC" default:"@every 30s"`

	// ----------------------------
	// Media rehost (S3)
	// ----------------------------
	S3Enabled       bool   `envconfig:"S3_ENABLED" default:"false"`
	S3Bucket        string `envconfig:"S3_BUCKET" default:""`
	S3Region        string `envconfig:"S3_REGION" default:"us-east-1"`
	S3Endpoint      string `envconfig:"S3_ENDPOINT" default:""`
	S3AccessKey     string `envconfig:"S3_ACCESS_KEY" default:""`
	S3SecretKey     string `envconfig:"S3_SECRET_KEY" default:""`
	S3PublicBaseURL string `envconfig:"S3_PUBLIC_BASE_URL" default:""`

	// ----------------------------
	// HTTP API
	// ----------------------------
	APIPort string `envconfig:"API_PORT" default:"8080"`

	// ----------------------------
	// Metrics
	// ----------------------------
	MetricsPort string `envconfig:"METRICS_PORT" default:"9090"`
}

func Load() (*Config, error) {
	var cfg Config
	err := envconfig.Process("", &cfg)
	return &cfg, err
}
