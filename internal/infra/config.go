package infra

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"trust_bazaar/internal/fee"
	"trust_bazaar/internal/money"
)

// Config는 애플리케이션의 모든 설정을 담습니다.
// LoadConfig로 로드된 후에 환경 변수를 통해 민감 내용을 덮어씁니다.
type Config struct {
	App struct {
		Name    string `yaml:"name"`
		Version string `yaml:"version"`
	} `yaml:"app"`

	Server struct {
		Addr               string `yaml:"addr"`
		PprofAddr          string `yaml:"pprof_addr"` // Empty disables pprof
		ReadTimeoutSec     int    `yaml:"read_timeout_sec"`
		WriteTimeoutSec    int    `yaml:"write_timeout_sec"`
		ShutdownTimeoutSec int    `yaml:"shutdown_timeout_sec"`
	} `yaml:"server"`

	Engine struct {
		FeeRateBps         int64  `yaml:"fee_rate_bps"`
		FeeRecipient       string `yaml:"fee_recipient"`
		OperationTimeoutMS int    `yaml:"operation_timeout_ms"`
		DumpDir            string `yaml:"dump_dir"`
	} `yaml:"engine"`

	Storage struct {
		Driver string `yaml:"driver"` // sqlite | postgres | none
		DSN    string `yaml:"dsn"`
	} `yaml:"storage"`

	Ledger struct {
		Backend      string            `yaml:"backend"`       // memory | sql
		SeedBalances map[string]string `yaml:"seed_balances"` // Account -> decimal amount, applied on first start
	} `yaml:"ledger"`

	Identity struct {
		TokenSecret string   `yaml:"token_secret"`
		Issuer      string   `yaml:"issuer"`
		TokenTTLMin int      `yaml:"token_ttl_min"`
		Verified    []string `yaml:"verified"` // Identities pre-verified as human
	} `yaml:"identity"`

	Logging struct {
		Level      string `yaml:"level"`
		Dir        string `yaml:"dir"`
		File       string `yaml:"file"`
		MaxSizeMB  int    `yaml:"max_size_mb"`
		MaxBackups int    `yaml:"max_backups"`
		MaxAgeDays int    `yaml:"max_age_days"`
		Compress   bool   `yaml:"compress"`
	} `yaml:"logging"`
}

// LoadConfig는 설정 파일을 읽고 파싱합니다.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	applyDefaults(&cfg)

	// 보안 우선 - 환경 변수 오버라이드 지원
	overrideWithEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = ":8080"
	}
	if cfg.Server.ReadTimeoutSec == 0 {
		cfg.Server.ReadTimeoutSec = 10
	}
	if cfg.Server.WriteTimeoutSec == 0 {
		cfg.Server.WriteTimeoutSec = 10
	}
	if cfg.Server.ShutdownTimeoutSec == 0 {
		cfg.Server.ShutdownTimeoutSec = 5
	}
	if cfg.Engine.OperationTimeoutMS == 0 {
		cfg.Engine.OperationTimeoutMS = 5000
	}
	if cfg.Storage.Driver == "" {
		cfg.Storage.Driver = "sqlite"
	}
	if cfg.Ledger.Backend == "" {
		cfg.Ledger.Backend = "sql"
	}
	if cfg.Identity.TokenTTLMin == 0 {
		cfg.Identity.TokenTTLMin = 24 * 60
	}
}

// Validate checks configuration validity
func (c *Config) Validate() error {
	// Engine
	if c.Engine.FeeRateBps < 0 || c.Engine.FeeRateBps > fee.MaxRateBps {
		return fmt.Errorf("fee rate must be within 0..%d bps, got %d", fee.MaxRateBps, c.Engine.FeeRateBps)
	}
	if c.Engine.FeeRecipient == "" {
		return fmt.Errorf("fee recipient account is required")
	}
	if c.Engine.OperationTimeoutMS <= 0 {
		return fmt.Errorf("operation timeout must be positive")
	}

	// Storage
	switch c.Storage.Driver {
	case "sqlite", "postgres":
		if c.Storage.DSN == "" {
			return fmt.Errorf("storage dsn is required for driver %s", c.Storage.Driver)
		}
	case "none":
	default:
		return fmt.Errorf("unknown storage driver: %s", c.Storage.Driver)
	}

	// Ledger
	switch c.Ledger.Backend {
	case "memory":
		// held records would survive a restart while the balances behind them would not
		if c.Storage.Driver != "none" {
			return fmt.Errorf("memory ledger cannot back persistent storage (driver %s); use the sql ledger", c.Storage.Driver)
		}
	case "sql":
		if c.Storage.Driver == "none" {
			return fmt.Errorf("sql ledger requires a storage driver")
		}
	default:
		return fmt.Errorf("unknown ledger backend: %s", c.Ledger.Backend)
	}
	if _, err := c.SeedBalances(); err != nil {
		return err
	}

	// Identity
	if c.Identity.TokenSecret == "" {
		return fmt.Errorf("identity token secret is required")
	}

	return nil
}

// SeedBalances parses the configured opening balances into micros.
func (c *Config) SeedBalances() (map[string]int64, error) {
	out := make(map[string]int64, len(c.Ledger.SeedBalances))
	for account, amount := range c.Ledger.SeedBalances {
		micros, err := money.Parse(amount)
		if err != nil {
			return nil, fmt.Errorf("seed balance for %s: %w", account, err)
		}
		if micros < 0 {
			return nil, fmt.Errorf("seed balance for %s is negative", account)
		}
		out[account] = micros
	}
	return out, nil
}

// OperationTimeout returns the engine operation timeout.
func (c *Config) OperationTimeout() time.Duration {
	return time.Duration(c.Engine.OperationTimeoutMS) * time.Millisecond
}

// overrideWithEnv는 환경 변수가 존재할 경우 설정 값을 덮어씁니다.
func overrideWithEnv(cfg *Config) {
	if secret := os.Getenv("BAZAAR_TOKEN_SECRET"); secret != "" {
		cfg.Identity.TokenSecret = secret
	}
	if dsn := os.Getenv("BAZAAR_STORAGE_DSN"); dsn != "" {
		cfg.Storage.DSN = dsn
	}
	if recipient := os.Getenv("BAZAAR_FEE_RECIPIENT"); recipient != "" {
		cfg.Engine.FeeRecipient = recipient
	}
}
