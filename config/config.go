// Package config loads runtime settings from the environment.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config carries every tunable the process reads at startup. Fee and refund
// percentages live here rather than in code so the published schedule can
// change without a deploy.
type Config struct {
	DatabaseURL string `env:"DATABASE_URL,required"`
	JWTSecret   string `env:"JWT_SECRET,required"`

	FreeFeePercent         float64 `env:"FEE_PERCENT_FREE" envDefault:"10"`
	ProfessionalFeePercent float64 `env:"FEE_PERCENT_PROFESSIONAL" envDefault:"5"`

	RefundPendingFundingPercent float64 `env:"REFUND_PERCENT_PENDING_FUNDING" envDefault:"100"`
	RefundActivePercent         float64 `env:"REFUND_PERCENT_ACTIVE" envDefault:"80"`
	RefundDeliveredPercent      float64 `env:"REFUND_PERCENT_DELIVERED" envDefault:"30"`

	// Releases at or above this amount (cents) require a verified recipient.
	KYCReleaseThreshold int64 `env:"KYC_RELEASE_THRESHOLD" envDefault:"100000"`

	RailBaseURL string        `env:"RAIL_BASE_URL" envDefault:"http://localhost:9090"`
	RailAPIKey  string        `env:"RAIL_API_KEY" envDefault:""`
	RailTimeout time.Duration `env:"RAIL_TIMEOUT" envDefault:"10s"`

	DispatcherInterval    time.Duration `env:"DISPATCHER_INTERVAL" envDefault:"2s"`
	DispatcherBatchSize   int           `env:"DISPATCHER_BATCH_SIZE" envDefault:"50"`
	DispatcherWorkers     int           `env:"DISPATCHER_WORKERS" envDefault:"4"`
	DispatcherMaxAttempts int           `env:"DISPATCHER_MAX_ATTEMPTS" envDefault:"8"`
}

// Load parses the environment into a Config.
func Load() (Config, error) {
	cfg, err := env.ParseAs[Config]()
	if err != nil {
		return Config{}, fmt.Errorf("config: parse environment: %w", err)
	}
	return cfg, nil
}
