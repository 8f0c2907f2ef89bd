package main

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config is the daemon's environment-driven configuration.
type Config struct {
	// Ledger connectivity.
	RPCEndpoint string        `env:"ESCROW_RPC_ENDPOINT" envDefault:"http://127.0.0.1:8899"`
	RPCTimeout  time.Duration `env:"ESCROW_RPC_TIMEOUT" envDefault:"30s"`

	// OperatorKey is the operator's base58-encoded ed25519 private key. It
	// pays rent and fees and co-signs every settlement.
	OperatorKey string `env:"ESCROW_OPERATOR_KEY,required,unset"`
	// FeeRecipient receives the operator's share of winning pots.
	FeeRecipient string `env:"ESCROW_FEE_RECIPIENT,required"`

	// Storage.
	DataDir       string `env:"ESCROW_DATA_DIR" envDefault:"./data"`
	RedisAddr     string `env:"ESCROW_REDIS_ADDR" envDefault:"127.0.0.1:6379"`
	RedisPassword string `env:"ESCROW_REDIS_PASSWORD,unset"`
	RedisDB       int    `env:"ESCROW_REDIS_DB" envDefault:"0"`

	// Sweep cadence.
	DepositInterval time.Duration `env:"ESCROW_DEPOSIT_INTERVAL" envDefault:"10s"`
	ScanInterval    time.Duration `env:"ESCROW_SCAN_INTERVAL" envDefault:"30s"`

	// AllowLaggingApprovals lets execution proceed when on-ledger approval
	// reads lag signatures collected out of band.
	AllowLaggingApprovals bool `env:"ESCROW_ALLOW_LAGGING_APPROVALS" envDefault:"true"`

	LogLevel string `env:"ESCROW_LOG_LEVEL" envDefault:"info"`
}

// LoadConfig parses the environment into a Config.
func LoadConfig() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	return cfg, nil
}
