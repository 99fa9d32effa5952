package params

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"
)

// Chain describes the AMM deployment the watcher trades against.
type Chain struct {
	RPCURL     string
	AMM        common.Address
	TokenA     common.Address
	TokenB     common.Address
	Decimals   int32  // shared by both tokens
	PrivateKey string // hex, with or without 0x
}

type Watcher struct {
	// PollInterval is the delay between two rate checks.
	PollInterval time.Duration
	// ConfirmTimeout bounds each wait for an approve or swap receipt.
	ConfirmTimeout time.Duration
	// MinOutBps enables a slippage guard on triggered swaps:
	// minAmountOut = amountIn × targetPrice × (1 - bps/10000).
	// 0 submits swaps with minAmountOut = 0.
	MinOutBps int64
	Verbose   bool
}

type Storage struct {
	Backend     string // "pebble", "memory" or "none"
	Path        string
	JournalFile string
}

type Server struct {
	Addr        string
	CORSOrigins []string
	LogFile     string
}

type Config struct {
	Chain   Chain
	Watcher Watcher
	Storage Storage
	Server  Server
}

func Default() Config {
	return Config{
		Chain: Chain{
			RPCURL:   "http://127.0.0.1:8545",
			Decimals: 18,
		},
		Watcher: Watcher{
			PollInterval:   5 * time.Second,
			ConfirmTimeout: 2 * time.Minute,
		},
		Storage: Storage{
			Backend:     "pebble",
			Path:        "data/orders",
			JournalFile: "data/executions.log",
		},
		Server: Server{
			Addr:        ":8080",
			CORSOrigins: []string{"http://localhost:3000", "http://localhost:3001"},
			LogFile:     "data/watcher.log",
		},
	}
}

// LoadFromEnv loads configuration from .env file (if exists) and environment variables
// Priority: ENV > .env file > defaults
func LoadFromEnv(envPath string) Config {
	cfg := Default()

	// Try to load .env file (optional - won't fail if not exists)
	if envPath != "" {
		_ = godotenv.Load(envPath)
	} else {
		_ = godotenv.Load()
	}

	cfg.Chain.RPCURL = getEnv("RPC_URL", cfg.Chain.RPCURL)
	cfg.Chain.PrivateKey = strings.TrimPrefix(os.Getenv("PRIVATE_KEY"), "0x")
	cfg.Chain.AMM = getEnvAddress("AMM_ADDRESS", cfg.Chain.AMM)
	cfg.Chain.TokenA = getEnvAddress("TOKEN_A_ADDRESS", cfg.Chain.TokenA)
	cfg.Chain.TokenB = getEnvAddress("TOKEN_B_ADDRESS", cfg.Chain.TokenB)
	if v := os.Getenv("TOKEN_DECIMALS"); v != "" {
		if d, err := strconv.Atoi(v); err == nil {
			cfg.Chain.Decimals = int32(d)
		}
	}

	cfg.Watcher.PollInterval = getEnvMillis("POLL_INTERVAL_MS", cfg.Watcher.PollInterval)
	cfg.Watcher.ConfirmTimeout = getEnvMillis("CONFIRM_TIMEOUT_MS", cfg.Watcher.ConfirmTimeout)
	if v := os.Getenv("MIN_OUT_BPS"); v != "" {
		if bps, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Watcher.MinOutBps = bps
		}
	}
	cfg.Watcher.Verbose = os.Getenv("VERBOSE") == "true"

	cfg.Storage.Backend = getEnv("STORE_BACKEND", cfg.Storage.Backend)
	cfg.Storage.Path = getEnv("STORE_PATH", cfg.Storage.Path)
	cfg.Storage.JournalFile = getEnv("JOURNAL_FILE", cfg.Storage.JournalFile)

	cfg.Server.Addr = getEnv("API_ADDR", cfg.Server.Addr)
	cfg.Server.LogFile = getEnv("LOG_FILE", cfg.Server.LogFile)
	if cfg.Server.LogFile == "-" {
		// console only
		cfg.Server.LogFile = ""
	}
	if origins := os.Getenv("CORS_ORIGINS"); origins != "" {
		// Example: "http://localhost:3000,https://app.example.org"
		cfg.Server.CORSOrigins = splitList(origins)
	}

	return cfg
}

// Validate reports the first setting that makes the watcher unable to trade.
func (c Config) Validate() error {
	if c.Chain.RPCURL == "" {
		return fmt.Errorf("RPC_URL is required")
	}
	zero := common.Address{}
	if c.Chain.AMM == zero {
		return fmt.Errorf("AMM_ADDRESS is required")
	}
	if c.Chain.TokenA == zero || c.Chain.TokenB == zero {
		return fmt.Errorf("TOKEN_A_ADDRESS and TOKEN_B_ADDRESS are required")
	}
	if c.Chain.TokenA == c.Chain.TokenB {
		return fmt.Errorf("token A and token B must differ")
	}
	if c.Chain.PrivateKey == "" {
		return fmt.Errorf("PRIVATE_KEY is required")
	}
	if c.Chain.Decimals < 0 || c.Chain.Decimals > 36 {
		return fmt.Errorf("TOKEN_DECIMALS out of range: %d", c.Chain.Decimals)
	}
	if c.Watcher.PollInterval <= 0 {
		return fmt.Errorf("POLL_INTERVAL_MS must be positive")
	}
	if c.Watcher.MinOutBps < 0 || c.Watcher.MinOutBps >= 10000 {
		return fmt.Errorf("MIN_OUT_BPS must be in [0, 10000): %d", c.Watcher.MinOutBps)
	}
	switch c.Storage.Backend {
	case "pebble", "memory", "none":
	default:
		return fmt.Errorf("unknown STORE_BACKEND %q", c.Storage.Backend)
	}
	return nil
}

// getEnv returns environment variable value or default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAddress ignores values that are not 20-byte hex addresses.
func getEnvAddress(key string, defaultValue common.Address) common.Address {
	if v := os.Getenv(key); common.IsHexAddress(v) {
		return common.HexToAddress(v)
	}
	return defaultValue
}

func getEnvMillis(key string, defaultValue time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if ms, err := strconv.Atoi(v); err == nil {
			return time.Duration(ms) * time.Millisecond
		}
	}
	return defaultValue
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
