package consumer

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config bounds one consumer's delivery pipeline.
type Config struct {
	// Name identifies the consumer in the inbox table. Two consumers with
	// the same name share dedup state; keep it stable across deploys.
	Name string `mapstructure:"name"`
	// Queue is the transport queue (topic) the consumer subscribes to.
	Queue string `mapstructure:"queue"`
	// DeadLetterTopic receives messages that exhausted retries. Empty
	// disables dead-lettering (failures are logged and acknowledged).
	DeadLetterTopic string `mapstructure:"deadLetterTopic"`

	// Prefetch is the number of messages fetched ahead of processing.
	Prefetch int `mapstructure:"prefetch"`
	// ConcurrencyLimit is the maximum number of in-flight deliveries.
	ConcurrencyLimit int `mapstructure:"concurrencyLimit"`
	// ShutdownGracePeriod bounds how long Close waits for in-flight work.
	ShutdownGracePeriod time.Duration `mapstructure:"shutdownGracePeriod"`

	Retry          RetryConfig          `mapstructure:"retry"`
	CircuitBreaker CircuitBreakerConfig `mapstructure:"circuitBreaker"`
}

// RetryConfig defines the exponential-with-linear-growth backoff schedule:
// delay(attempt) = min(MaxInterval, MinInterval + IntervalDelta×(attempt−1)).
type RetryConfig struct {
	Count         int           `mapstructure:"count"`
	MinInterval   time.Duration `mapstructure:"minInterval"`
	MaxInterval   time.Duration `mapstructure:"maxInterval"`
	IntervalDelta time.Duration `mapstructure:"intervalDelta"`
}

type CircuitBreakerConfig struct {
	// FailureThreshold is the failure ratio (0..1) that opens the circuit.
	FailureThreshold float64 `mapstructure:"failureThreshold"`
	// SamplingDuration is the sliding window the ratio is tracked over.
	SamplingDuration time.Duration `mapstructure:"samplingDuration"`
	// MinimumThroughput is the minimum number of samples in the window
	// before the ratio is considered meaningful.
	MinimumThroughput int `mapstructure:"minimumThroughput"`
	// DurationOfBreak is how long the circuit stays open before half-open.
	DurationOfBreak time.Duration `mapstructure:"durationOfBreak"`
}

func newConfig(v *viper.Viper) (Config, error) {
	var cfg Config
	if sub := v.Sub("consumer"); sub != nil {
		if err := sub.Unmarshal(&cfg); err != nil {
			return cfg, fmt.Errorf("failed to load consumer config: %w", err)
		}
	}
	if sub := v.Sub("retry"); sub != nil {
		if err := sub.Unmarshal(&cfg.Retry); err != nil {
			return cfg, fmt.Errorf("failed to load retry config: %w", err)
		}
	}
	if sub := v.Sub("circuitBreaker"); sub != nil {
		if err := sub.Unmarshal(&cfg.CircuitBreaker); err != nil {
			return cfg, fmt.Errorf("failed to load circuit breaker config: %w", err)
		}
	}
	return cfg.withDefaults(), nil
}

func (c Config) withDefaults() Config {
	if c.ConcurrencyLimit <= 0 {
		c.ConcurrencyLimit = 1
	}
	// A prefetch below the concurrency limit would starve the pipeline.
	if c.Prefetch < c.ConcurrencyLimit {
		c.Prefetch = 2 * c.ConcurrencyLimit
	}
	if c.ShutdownGracePeriod <= 0 {
		c.ShutdownGracePeriod = 30 * time.Second
	}
	if c.Retry.Count <= 0 {
		c.Retry.Count = 5
	}
	if c.Retry.MinInterval <= 0 {
		c.Retry.MinInterval = time.Second
	}
	if c.Retry.MaxInterval <= 0 {
		c.Retry.MaxInterval = 30 * time.Second
	}
	if c.Retry.IntervalDelta <= 0 {
		c.Retry.IntervalDelta = 5 * time.Second
	}
	if c.CircuitBreaker.FailureThreshold <= 0 {
		c.CircuitBreaker.FailureThreshold = 0.5
	}
	if c.CircuitBreaker.SamplingDuration <= 0 {
		c.CircuitBreaker.SamplingDuration = 30 * time.Second
	}
	if c.CircuitBreaker.MinimumThroughput <= 0 {
		c.CircuitBreaker.MinimumThroughput = 10
	}
	if c.CircuitBreaker.DurationOfBreak <= 0 {
		c.CircuitBreaker.DurationOfBreak = 15 * time.Second
	}
	return c
}
