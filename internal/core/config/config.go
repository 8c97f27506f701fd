package config

import (
	"time"

	redisclient "github.com/vietddude/polywatch/internal/infra/redis"
	"github.com/vietddude/polywatch/internal/infra/storage/postgres"
)

// AppConfig represents the top-level configuration.
type AppConfig struct {
	Server     ServerConfig       `yaml:"server"`
	Logging    LoggingConfig      `yaml:"logging"`
	RPC        RPCConfig          `yaml:"rpc"`
	Subscriber SubscriberConfig   `yaml:"subscriber"`
	Analysis   AnalysisConfig     `yaml:"analysis"`
	Alerts     AlertsConfig       `yaml:"alerts"`
	Cache      CacheConfig        `yaml:"cache"`
	Redis      redisclient.Config `yaml:"redis"`
	Database   postgres.Config    `yaml:"database"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port int `yaml:"port"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// RPCConfig lists the interchangeable upstream endpoints.
type RPCConfig struct {
	Providers           []ProviderConfig `yaml:"providers"`
	FallbackURL         string           `yaml:"fallback_url"` // public endpoint, tried last
	HealthCheckInterval time.Duration    `yaml:"health_check_interval"`
	Timeout             time.Duration    `yaml:"timeout"`
	MaxRetries          int              `yaml:"max_retries"`
}

// ProviderConfig holds settings for an RPC provider.
type ProviderConfig struct {
	Name  string `yaml:"name"`
	URL   string `yaml:"url"`
	WSURL string `yaml:"ws_url"` // optional; derived from URL when empty
}

// SubscriberConfig controls the live event stream.
type SubscriberConfig struct {
	Contracts            []string      `yaml:"contracts"`
	ReconnectDelay       time.Duration `yaml:"reconnect_delay"`
	MaxReconnectAttempts int           `yaml:"max_reconnect_attempts"`
	BackfillChunkSize    uint64        `yaml:"backfill_chunk_size"`
}

// AnalysisConfig holds analyzer thresholds. Amounts are in collateral units.
type AnalysisConfig struct {
	CriticalAmount           float64       `yaml:"critical_amount"`
	WhaleAlertAmount         float64       `yaml:"whale_alert_amount"`
	WhaleVolumeThreshold     float64       `yaml:"whale_volume_threshold"`
	WhaleScoreThreshold      float64       `yaml:"whale_score_threshold"`
	WhaleUpdateBatchSize     int           `yaml:"whale_update_batch_size"`
	WhaleUpdateInterval      time.Duration `yaml:"whale_update_interval"`
	CoordinatedMinWallets    int           `yaml:"coordinated_min_wallets"`
	ReversalShiftThreshold   float64       `yaml:"reversal_shift_threshold"`
	FlashWhaleRatio          float64       `yaml:"flash_whale_ratio"`
	FlashWhaleDelay          time.Duration `yaml:"flash_whale_delay"`
	VolumeSpikeThreshold     float64       `yaml:"volume_spike_threshold"`
	SentimentShiftThreshold  float64       `yaml:"sentiment_shift_threshold"`
	SentimentMinTransactions int           `yaml:"sentiment_min_transactions"`
}

// AlertsConfig controls delivery.
type AlertsConfig struct {
	RateLimit int             `yaml:"rate_limit"` // per rolling minute
	Cooldowns CooldownsConfig `yaml:"cooldowns"`
	Sink      SinkConfig      `yaml:"sink"`
}

// CooldownsConfig is the per-type minimum time between identical alerts.
type CooldownsConfig struct {
	WhaleBet       time.Duration `yaml:"whale_bet"`
	VolumeSpike    time.Duration `yaml:"volume_spike"`
	SentimentShift time.Duration `yaml:"sentiment_shift"`
	Anomaly        time.Duration `yaml:"anomaly"`
}

// SinkConfig selects the outbound notification channel.
type SinkConfig struct {
	Type    string        `yaml:"type"` // webhook, nats, kafka
	URL     string        `yaml:"url"`
	Subject string        `yaml:"subject"`
	Brokers []string      `yaml:"brokers"`
	Topic   string        `yaml:"topic"`
	Timeout time.Duration `yaml:"timeout"`
}

// CacheConfig holds per-class TTLs and fallback sizing.
type CacheConfig struct {
	SentimentTTL time.Duration `yaml:"sentiment_ttl"`
	BaselineTTL  time.Duration `yaml:"baseline_ttl"`
	WalletTTL    time.Duration `yaml:"wallet_ttl"`
	TopWhalesTTL time.Duration `yaml:"top_whales_ttl"`
	FallbackSize int           `yaml:"fallback_size"`
	LockTTL      time.Duration `yaml:"lock_ttl"`
}
