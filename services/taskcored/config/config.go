package config

import (
	"time"

	"github.com/spf13/viper"
)

// Config holds typed configuration for the taskcored service.
type Config struct {
	LogLevel     string
	HTTPPort     string
	MetricsAddr  string
	RedisAddr    string
	PostgresDSN  string
	KafkaBrokers string
	OTelEndpoint string

	QueueMaxSize   int
	QueueTTL       time.Duration
	MaxRetryCount  int
	BaseRetryDelay time.Duration

	RunnerConcurrency int
	HandlerTimeout    time.Duration
	LocalRetries      int

	SweepSchedule string

	ChannelRateLimit  int
	ChannelRateWindow time.Duration

	BridgeEnabled bool
}

// Load reads all values from the given viper instance.
func Load(v *viper.Viper) Config {
	return Config{
		LogLevel:     v.GetString("log_level"),
		HTTPPort:     v.GetString("http_port"),
		MetricsAddr:  v.GetString("metrics_addr"),
		RedisAddr:    v.GetString("redis_addr"),
		PostgresDSN:  v.GetString("postgres_dsn"),
		KafkaBrokers: v.GetString("kafka_brokers"),
		OTelEndpoint: v.GetString("otel_endpoint"),

		QueueMaxSize:   v.GetInt("queue_max_size"),
		QueueTTL:       v.GetDuration("queue_ttl"),
		MaxRetryCount:  v.GetInt("max_retry_count"),
		BaseRetryDelay: v.GetDuration("base_retry_delay"),

		RunnerConcurrency: v.GetInt("runner_concurrency"),
		HandlerTimeout:    v.GetDuration("handler_timeout"),
		LocalRetries:      v.GetInt("local_retries"),

		SweepSchedule: v.GetString("sweep_schedule"),

		ChannelRateLimit:  v.GetInt("channel_rate_limit"),
		ChannelRateWindow: v.GetDuration("channel_rate_window"),

		BridgeEnabled: v.GetBool("bridge_enabled"),
	}
}
