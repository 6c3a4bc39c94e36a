package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"payoutdesk/internal/wallet"
)

// AppConfig ties together the YAML file, .env and environment overrides.
type AppConfig struct {
	Service ServiceConfig      `yaml:"service"`
	Backend BackendConfig      `yaml:"backend"`
	Chain   wallet.ChainParams `yaml:"chain"`
	Wallet  WalletConfig       `yaml:"wallet"`
	Payout  PayoutConfig       `yaml:"payout"`
	Refresh RefreshConfig      `yaml:"refresh"`
	Ledger  LedgerConfig       `yaml:"ledger"`
	Redis   RedisConfig        `yaml:"redis"`
	NATS    NATSConfig         `yaml:"nats"`
	Log     LogConfig          `yaml:"log"`
}

type ServiceConfig struct {
	HTTPPort        int           `yaml:"httpPort"`
	AdminKey        string        `yaml:"-"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`
}

type BackendConfig struct {
	BaseURL  string        `yaml:"baseUrl"`
	AdminKey string        `yaml:"-"`
	Timeout  time.Duration `yaml:"timeout"`
}

const (
	WalletModeRPC = "rpc"
	WalletModeKey = "key"
)

// WalletConfig selects how the signing wallet is reached. In rpc mode the
// provider is an external EIP-1193 bridge; in key mode a local key signs.
type WalletConfig struct {
	Mode         string        `yaml:"mode"`
	RPCURL       string        `yaml:"rpcUrl"`
	PrivateKey   string        `yaml:"-"`
	Domain       string        `yaml:"domain"`
	Host         string        `yaml:"host"`
	PollInterval time.Duration `yaml:"pollInterval"`
	MaxWait      time.Duration `yaml:"maxWait"`
}

type PayoutConfig struct {
	ConfirmTimeout time.Duration `yaml:"confirmTimeout"`
	PollInterval   time.Duration `yaml:"pollInterval"`

	// AdoptAddress sets the payout address to the first connected wallet when
	// none is configured yet.
	AdoptAddress bool `yaml:"adoptAddress"`
}

type RefreshConfig struct {
	PendingInterval time.Duration `yaml:"pendingInterval"`
	BalanceInterval time.Duration `yaml:"balanceInterval"`
}

const (
	LedgerMemory   = "memory"
	LedgerFile     = "file"
	LedgerPostgres = "postgres"
)

type LedgerConfig struct {
	Driver string `yaml:"driver"`
	Path   string `yaml:"path"`
	DSN    string `yaml:"-"`
}

// RedisConfig enables the shared in-flight guard when Addr is set.
type RedisConfig struct {
	Addr      string        `yaml:"addr"`
	Password  string        `yaml:"-"`
	DB        int           `yaml:"db"`
	KeyPrefix string        `yaml:"keyPrefix"`
	LockTTL   time.Duration `yaml:"lockTtl"`
}

// NATSConfig enables event publishing when URL is set.
type NATSConfig struct {
	URL           string        `yaml:"url"`
	SubjectPrefix string        `yaml:"subjectPrefix"`
	Timeout       time.Duration `yaml:"timeout"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

const defaultConfigPath = "config.yaml"

// Default returns a configuration for BNB Smart Chain mainnet.
func Default() AppConfig {
	return AppConfig{
		Service: ServiceConfig{
			HTTPPort:        3000,
			ShutdownTimeout: 15 * time.Second,
		},
		Backend: BackendConfig{
			BaseURL: "http://localhost:8080",
			Timeout: 15 * time.Second,
		},
		Chain: wallet.ChainParams{
			ChainID:     56,
			Name:        "BNB Smart Chain",
			RPCURLs:     []string{"https://bsc-dataseed.binance.org"},
			ExplorerURL: "https://bscscan.com",
			NativeCurrency: wallet.NativeCurrency{
				Name:     "BNB",
				Symbol:   "BNB",
				Decimals: 18,
			},
		},
		Wallet: WalletConfig{
			Mode:         WalletModeRPC,
			RPCURL:       "http://localhost:8545",
			Domain:       "metamask.app.link",
			PollInterval: 2 * time.Second,
			MaxWait:      2 * time.Minute,
		},
		Payout: PayoutConfig{
			ConfirmTimeout: 2 * time.Minute,
			PollInterval:   3 * time.Second,
			AdoptAddress:   true,
		},
		Refresh: RefreshConfig{
			PendingInterval: 30 * time.Second,
			BalanceInterval: time.Minute,
		},
		Ledger: LedgerConfig{
			Driver: LedgerFile,
			Path:   "payout-ledger.json",
		},
		Redis: RedisConfig{
			KeyPrefix: "payoutdesk:inflight:",
			LockTTL:   10 * time.Minute,
		},
		NATS: NATSConfig{
			SubjectPrefix: "payoutdesk.",
			Timeout:       5 * time.Second,
		},
		Log: LogConfig{Level: "info"},
	}
}

// Load reads .env, then the YAML file named by PAYOUTDESK_CONFIG (if present),
// then environment overrides.
func Load() (*AppConfig, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	path := envOr("PAYOUTDESK_CONFIG", defaultConfigPath)
	cfg, err := LoadFile(path)
	if err != nil {
		return nil, err
	}
	applyEnv(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile decodes path over the defaults. A missing file yields the defaults.
func LoadFile(path string) (*AppConfig, error) {
	cfg := Default()
	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return &cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return &cfg, nil
}

func applyEnv(cfg *AppConfig) {
	cfg.Service.HTTPPort = envOrInt("API_HTTP_PORT", cfg.Service.HTTPPort)
	cfg.Service.AdminKey = envOr("OPERATOR_API_KEY", cfg.Service.AdminKey)
	cfg.Service.ShutdownTimeout = envOrDuration("SHUTDOWN_TIMEOUT", cfg.Service.ShutdownTimeout)

	cfg.Backend.BaseURL = envOr("BACKEND_BASE_URL", cfg.Backend.BaseURL)
	cfg.Backend.AdminKey = envOr("BACKEND_ADMIN_KEY", cfg.Backend.AdminKey)
	cfg.Backend.Timeout = envOrDuration("BACKEND_TIMEOUT", cfg.Backend.Timeout)

	if id := envOrInt("CHAIN_ID", 0); id > 0 {
		cfg.Chain.ChainID = uint64(id)
	}
	if rpcURL := envOr("CHAIN_RPC_URL", ""); rpcURL != "" {
		cfg.Chain.RPCURLs = strings.Split(rpcURL, ",")
	}
	cfg.Chain.ExplorerURL = strings.TrimSuffix(envOr("CHAIN_EXPLORER_URL", cfg.Chain.ExplorerURL), "/")

	cfg.Wallet.Mode = envOr("WALLET_MODE", cfg.Wallet.Mode)
	cfg.Wallet.RPCURL = envOr("WALLET_RPC_URL", cfg.Wallet.RPCURL)
	cfg.Wallet.PrivateKey = envOr("WALLET_PRIVATE_KEY", cfg.Wallet.PrivateKey)
	cfg.Wallet.Host = envOr("WALLET_DAPP_HOST", cfg.Wallet.Host)

	cfg.Payout.ConfirmTimeout = envOrDuration("PAYOUT_CONFIRM_TIMEOUT", cfg.Payout.ConfirmTimeout)
	cfg.Payout.PollInterval = envOrDuration("PAYOUT_POLL_INTERVAL", cfg.Payout.PollInterval)
	cfg.Payout.AdoptAddress = envOrBool("PAYOUT_ADOPT_ADDRESS", cfg.Payout.AdoptAddress)

	cfg.Ledger.Driver = envOr("LEDGER_DRIVER", cfg.Ledger.Driver)
	cfg.Ledger.Path = envOr("LEDGER_PATH", cfg.Ledger.Path)
	cfg.Ledger.DSN = envOr("DATABASE_URL", cfg.Ledger.DSN)

	cfg.Redis.Addr = envOr("REDIS_ADDR", cfg.Redis.Addr)
	cfg.Redis.Password = envOr("REDIS_PASSWORD", cfg.Redis.Password)
	cfg.NATS.URL = envOr("NATS_URL", cfg.NATS.URL)
	cfg.Log.Level = envOr("LOG_LEVEL", cfg.Log.Level)
}

func (c *AppConfig) Validate() error {
	var errs []error
	if c.Chain.ChainID == 0 {
		errs = append(errs, errors.New("chain id is required"))
	}
	if len(c.Chain.RPCURLs) == 0 {
		errs = append(errs, errors.New("at least one chain rpc url is required"))
	}
	if c.Backend.BaseURL == "" {
		errs = append(errs, errors.New("backend base url is required"))
	}
	// An empty key would leave every operator route, pay included, open.
	if strings.TrimSpace(c.Service.AdminKey) == "" {
		errs = append(errs, errors.New("OPERATOR_API_KEY is required"))
	}
	switch c.Wallet.Mode {
	case WalletModeRPC:
		if c.Wallet.RPCURL == "" {
			errs = append(errs, errors.New("wallet rpc url is required in rpc mode"))
		}
	case WalletModeKey:
		if c.Wallet.PrivateKey == "" {
			errs = append(errs, errors.New("WALLET_PRIVATE_KEY is required in key mode"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown wallet mode %q", c.Wallet.Mode))
	}
	switch c.Ledger.Driver {
	case LedgerMemory:
	case LedgerFile:
		if c.Ledger.Path == "" {
			errs = append(errs, errors.New("ledger path is required for the file driver"))
		}
	case LedgerPostgres:
		if c.Ledger.DSN == "" {
			errs = append(errs, errors.New("DATABASE_URL is required for the postgres driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown ledger driver %q", c.Ledger.Driver))
	}
	if c.Payout.ConfirmTimeout <= 0 {
		errs = append(errs, errors.New("payout confirm timeout must be positive"))
	}
	return errors.Join(errs...)
}

func envOr(key, fallback string) string {
	if val, ok := os.LookupEnv(key); ok && val != "" {
		return val
	}
	return fallback
}

func envOrInt(key string, fallback int) int {
	if val, ok := os.LookupEnv(key); ok && val != "" {
		if parsed, err := strconv.Atoi(val); err == nil {
			return parsed
		}
	}
	return fallback
}

func envOrBool(key string, fallback bool) bool {
	if val, ok := os.LookupEnv(key); ok && val != "" {
		if parsed, err := strconv.ParseBool(val); err == nil {
			return parsed
		}
	}
	return fallback
}

func envOrDuration(key string, fallback time.Duration) time.Duration {
	if val, ok := os.LookupEnv(key); ok && val != "" {
		if parsed, err := time.ParseDuration(val); err == nil {
			return parsed
		}
	}
	return fallback
}
