package params

import (
	"encoding/json"
	"fmt"
	"math/big"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"
)

// Domain is the EIP-712 domain every order and envelope is bound to.
type Domain struct {
	Name              string
	Version           string
	ChainID           *big.Int
	VerifyingContract common.Address // also the spender identity on the asset ledgers
}

type Asset struct {
	ID       string
	Symbol   string
	Decimals uint8
}

type Storage struct {
	Backend     string // pebble | memory | postgres
	Path        string
	PostgresDSN string
}

type Node struct {
	APIAddr      string
	CORSOrigins  []string
	P2PListen    string
	P2PBootstrap []string
	RedisAddr    string
	RedisChannel string
	LogFile      string
	JournalFile  string // optional JSON-lines audit journal of committed events
	GenesisFile  string
	// ExecutionTTL bounds how far in the future an executor envelope
	// deadline may be.
	ExecutionTTL time.Duration
}

type Config struct {
	Domain  Domain
	Base    Asset
	Quote   Asset
	Storage Storage
	Node    Node
}

func Default() Config {
	return Config{
		Domain: Domain{
			Name:              "HyperSettle",
			Version:           "1",
			ChainID:           big.NewInt(1337), // Local dev chain
			VerifyingContract: common.HexToAddress("0x5e771e0000000000000000000000000000000001"),
		},
		Base:  Asset{ID: "BASE", Symbol: "WETH", Decimals: 18},
		Quote: Asset{ID: "QUOTE", Symbol: "USDC", Decimals: 6},
		Storage: Storage{
			Backend: "pebble",
			Path:    "data/settle",
		},
		Node: Node{
			APIAddr:      ":8080",
			CORSOrigins:  []string{"*"},
			RedisChannel: "hypersettle:events",
			ExecutionTTL: 5 * time.Minute,
		},
	}
}

// LoadFromEnv loads configuration from .env file (if exists) and environment variables
// Priority: ENV > .env file > defaults
func LoadFromEnv(envPath string) (Config, error) {
	cfg := Default()

	// Try to load .env file (optional - won't fail if not exists)
	if envPath != "" {
		_ = godotenv.Load(envPath)
	} else {
		_ = godotenv.Load() // loads .env from current directory
	}

	cfg.Domain.Name = getEnv("DOMAIN_NAME", cfg.Domain.Name)
	cfg.Domain.Version = getEnv("DOMAIN_VERSION", cfg.Domain.Version)
	if v := os.Getenv("CHAIN_ID"); v != "" {
		id, ok := new(big.Int).SetString(v, 10)
		if !ok || id.Sign() <= 0 {
			return cfg, fmt.Errorf("invalid CHAIN_ID %q", v)
		}
		cfg.Domain.ChainID = id
	}
	if v := os.Getenv("VERIFYING_CONTRACT"); v != "" {
		if !common.IsHexAddress(v) {
			return cfg, fmt.Errorf("invalid VERIFYING_CONTRACT %q", v)
		}
		cfg.Domain.VerifyingContract = common.HexToAddress(v)
	}

	var err error
	if cfg.Base, err = loadAsset("BASE", cfg.Base); err != nil {
		return cfg, err
	}
	if cfg.Quote, err = loadAsset("QUOTE", cfg.Quote); err != nil {
		return cfg, err
	}
	if cfg.Base.ID == cfg.Quote.ID {
		return cfg, fmt.Errorf("base and quote assets must differ: %s", cfg.Base.ID)
	}

	cfg.Storage.Backend = getEnv("STORAGE_BACKEND", cfg.Storage.Backend)
	cfg.Storage.Path = getEnv("DB_PATH", cfg.Storage.Path)
	cfg.Storage.PostgresDSN = getEnv("POSTGRES_DSN", cfg.Storage.PostgresDSN)

	cfg.Node.APIAddr = getEnv("API_ADDR", cfg.Node.APIAddr)
	if v := os.Getenv("CORS_ORIGINS"); v != "" {
		cfg.Node.CORSOrigins = splitList(v)
	}
	cfg.Node.P2PListen = getEnv("P2P_LISTEN", cfg.Node.P2PListen)
	if v := os.Getenv("P2P_BOOTSTRAP"); v != "" {
		cfg.Node.P2PBootstrap = splitList(v)
	}
	cfg.Node.RedisAddr = getEnv("REDIS_ADDR", cfg.Node.RedisAddr)
	cfg.Node.RedisChannel = getEnv("REDIS_CHANNEL", cfg.Node.RedisChannel)
	cfg.Node.LogFile = getEnv("LOG_FILE", cfg.Node.LogFile)
	cfg.Node.JournalFile = getEnv("JOURNAL_FILE", cfg.Node.JournalFile)
	cfg.Node.GenesisFile = getEnv("GENESIS_FILE", cfg.Node.GenesisFile)
	if v := os.Getenv("EXECUTION_TTL_SECONDS"); v != "" {
		secs, err := strconv.Atoi(v)
		if err != nil || secs <= 0 {
			return cfg, fmt.Errorf("invalid EXECUTION_TTL_SECONDS %q", v)
		}
		cfg.Node.ExecutionTTL = time.Duration(secs) * time.Second
	}

	return cfg, nil
}

func loadAsset(prefix string, def Asset) (Asset, error) {
	a := def
	a.ID = getEnv(prefix+"_ASSET", a.ID)
	a.Symbol = getEnv(prefix+"_SYMBOL", a.Symbol)
	if v := os.Getenv(prefix + "_DECIMALS"); v != "" {
		d, err := strconv.ParseUint(v, 10, 8)
		if err != nil || d > 77 {
			return a, fmt.Errorf("invalid %s_DECIMALS %q", prefix, v)
		}
		a.Decimals = uint8(d)
	}
	return a, nil
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// getEnv returns environment variable value or default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// GenesisBalance credits Amount (human units) of Asset to Owner.
type GenesisBalance struct {
	Asset  string `json:"asset"`
	Owner  string `json:"owner"`
	Amount string `json:"amount"`
}

// GenesisAllowance approves Spender (default: the verifying contract) to
// move Amount of Owner's Asset. Amount "max" approves MaxUint256.
type GenesisAllowance struct {
	Asset   string `json:"asset"`
	Owner   string `json:"owner"`
	Spender string `json:"spender,omitempty"`
	Amount  string `json:"amount"`
}

// Genesis seeds balances and allowances on an empty devnet store.
type Genesis struct {
	Balances   []GenesisBalance   `json:"balances"`
	Allowances []GenesisAllowance `json:"allowances"`
}

func LoadGenesis(path string) (*Genesis, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read genesis: %w", err)
	}
	var g Genesis
	if err := json.Unmarshal(data, &g); err != nil {
		return nil, fmt.Errorf("parse genesis %s: %w", path, err)
	}
	return &g, nil
}
