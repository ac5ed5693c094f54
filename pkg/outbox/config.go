package outbox

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	// PollInterval is how often the relay scans for pending records.
	PollInterval time.Duration `mapstructure:"pollInterval"`
	// BatchSize bounds how many records one tick drains.
	BatchSize int `mapstructure:"batchSize"`
	// ClaimTTL is how long a fetched record stays invisible to other relay
	// replicas before it becomes claimable again.
	ClaimTTL time.Duration `mapstructure:"claimTTL"`
	// Retention is how long Sent records are kept for audit before the
	// pruner removes them.
	Retention time.Duration `mapstructure:"retention"`
	// PruneInterval is how often the pruner runs.
	PruneInterval time.Duration `mapstructure:"pruneInterval"`
}

func newConfig(v *viper.Viper) (Config, error) {
	var cfg Config
	if sub := v.Sub("relay"); sub != nil {
		if err := sub.Unmarshal(&cfg); err != nil {
			return cfg, fmt.Errorf("failed to load relay config: %w", err)
		}
	}
	return cfg.withDefaults(), nil
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.ClaimTTL <= 0 {
		c.ClaimTTL = 30 * time.Second
	}
	if c.Retention <= 0 {
		c.Retention = 14 * 24 * time.Hour
	}
	if c.PruneInterval <= 0 {
		c.PruneInterval = time.Hour
	}
	return c
}
