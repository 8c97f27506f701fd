package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

// Load reads configuration from a YAML file.
func Load(path string) (*AppConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg AppConfig
	// Expand environment variables in the YAML content
	expandedData := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	ApplyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ApplyDefaults fills zero values with production defaults.
func ApplyDefaults(cfg *AppConfig) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}

	rpc := &cfg.RPC
	if rpc.HealthCheckInterval == 0 {
		rpc.HealthCheckInterval = 30 * time.Second
	}
	if rpc.Timeout == 0 {
		rpc.Timeout = 30 * time.Second
	}
	if rpc.MaxRetries == 0 {
		rpc.MaxRetries = 3
	}

	sub := &cfg.Subscriber
	if sub.ReconnectDelay == 0 {
		sub.ReconnectDelay = 5 * time.Second
	}
	if sub.MaxReconnectAttempts == 0 {
		sub.MaxReconnectAttempts = 10
	}
	if sub.BackfillChunkSize == 0 {
		sub.BackfillChunkSize = 2000
	}

	a := &cfg.Analysis
	setFloat(&a.CriticalAmount, 100_000)
	setFloat(&a.WhaleAlertAmount, 250_000)
	setFloat(&a.WhaleVolumeThreshold, 100_000)
	setFloat(&a.WhaleScoreThreshold, 50)
	setInt(&a.WhaleUpdateBatchSize, 50)
	setDuration(&a.WhaleUpdateInterval, time.Hour)
	setInt(&a.CoordinatedMinWallets, 5)
	setFloat(&a.ReversalShiftThreshold, 30)
	setFloat(&a.FlashWhaleRatio, 0.5)
	setDuration(&a.FlashWhaleDelay, 60*time.Second)
	setFloat(&a.VolumeSpikeThreshold, 200)
	setFloat(&a.SentimentShiftThreshold, 10)
	setInt(&a.SentimentMinTransactions, 3)

	al := &cfg.Alerts
	setInt(&al.RateLimit, 10)
	setDuration(&al.Cooldowns.WhaleBet, 30*time.Minute)
	setDuration(&al.Cooldowns.VolumeSpike, 15*time.Minute)
	setDuration(&al.Cooldowns.SentimentShift, 15*time.Minute)
	setDuration(&al.Cooldowns.Anomaly, 60*time.Minute)
	if al.Sink.Type == "" {
		al.Sink.Type = "webhook"
	}
	setDuration(&al.Sink.Timeout, 10*time.Second)

	c := &cfg.Cache
	setDuration(&c.SentimentTTL, 60*time.Second)
	setDuration(&c.BaselineTTL, 5*time.Minute)
	setDuration(&c.WalletTTL, 5*time.Minute)
	setDuration(&c.TopWhalesTTL, 5*time.Minute)
	setInt(&c.FallbackSize, 1000)
	setDuration(&c.LockTTL, 5*time.Second)
}

// Validate checks settings that have no sane default.
func (c *AppConfig) Validate() error {
	if len(c.RPC.Providers) == 0 && c.RPC.FallbackURL == "" {
		return fmt.Errorf("at least one rpc provider or fallback_url is required")
	}
	for i, p := range c.RPC.Providers {
		if p.URL == "" {
			return fmt.Errorf("rpc provider %d (%s) has no url", i, p.Name)
		}
	}
	switch c.Alerts.Sink.Type {
	case "webhook", "nats", "kafka":
	default:
		return fmt.Errorf("unknown alert sink type %q", c.Alerts.Sink.Type)
	}
	return nil
}

// Endpoints returns configured providers with the public fallback appended last.
func (c *RPCConfig) Endpoints() []ProviderConfig {
	out := make([]ProviderConfig, 0, len(c.Providers)+1)
	out = append(out, c.Providers...)
	if c.FallbackURL != "" {
		out = append(out, ProviderConfig{Name: "public-fallback", URL: c.FallbackURL})
	}
	return out
}

func setFloat(v *float64, def float64) {
	if *v == 0 {
		*v = def
	}
}

func setInt(v *int, def int) {
	if *v == 0 {
		*v = def
	}
}

func setDuration(v *time.Duration, def time.Duration) {
	if *v == 0 {
		*v = def
	}
}
