package kafka

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Brokers string `mapstructure:"brokers"`
	// GroupID is the consumer group shared by all subscriptions of this
	// service instance.
	GroupID         string `mapstructure:"groupId"`
	AutoOffsetReset string `mapstructure:"autoOffsetReset"`
	// ReadinessTimeout bounds how long startup waits for brokers and topic
	// metadata (0 means no timeout).
	ReadinessTimeout time.Duration `mapstructure:"readinessTimeout"`
	// FailOnBrokerError makes startup fail when brokers are unreachable
	// within ReadinessTimeout instead of continuing degraded.
	FailOnBrokerError *bool `mapstructure:"failOnBrokerError"`
	// RequeueDelay is how long a deferred delivery waits before the next
	// in-process redelivery attempt.
	RequeueDelay time.Duration `mapstructure:"requeueDelay"`
}

func newConfig(v *viper.Viper) (Config, error) {
	var cfg Config
	if sub := v.Sub("kafka"); sub != nil {
		if err := sub.Unmarshal(&cfg); err != nil {
			return cfg, fmt.Errorf("failed to load kafka config: %w", err)
		}
	}
	return cfg.withDefaults(), nil
}

func (c Config) withDefaults() Config {
	if c.Brokers == "" {
		c.Brokers = "localhost:9092"
	}
	if c.AutoOffsetReset == "" {
		c.AutoOffsetReset = "earliest"
	}
	if c.ReadinessTimeout == 0 {
		c.ReadinessTimeout = 60 * time.Second
	}
	if c.FailOnBrokerError == nil {
		failOnBrokerError := true
		c.FailOnBrokerError = &failOnBrokerError
	}
	if c.RequeueDelay <= 0 {
		c.RequeueDelay = 5 * time.Second
	}
	return c
}
