package params

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadFromEnvDefaults(t *testing.T) {
	cfg, err := LoadFromEnv(filepath.Join(t.TempDir(), "missing.env"))
	require.NoError(t, err)

	def := Default()
	assert.Equal(t, def.Domain.Name, cfg.Domain.Name)
	assert.Equal(t, 0, def.Domain.ChainID.Cmp(cfg.Domain.ChainID))
	assert.Equal(t, "pebble", cfg.Storage.Backend)
}

func TestLoadFromEnvOverrides(t *testing.T) {
	t.Setenv("CHAIN_ID", "10")
	t.Setenv("VERIFYING_CONTRACT", "0x00000000000000000000000000000000000000aa")
	t.Setenv("QUOTE_DECIMALS", "8")
	t.Setenv("CORS_ORIGINS", "http://a.test, http://b.test")
	t.Setenv("EXECUTION_TTL_SECONDS", "30")
	t.Setenv("STORAGE_BACKEND", "memory")
	t.Setenv("JOURNAL_FILE", "data/events.jsonl")

	cfg, err := LoadFromEnv(filepath.Join(t.TempDir(), "missing.env"))
	require.NoError(t, err)

	assert.Equal(t, "10", cfg.Domain.ChainID.String())
	assert.Equal(t, common.HexToAddress("0xaa"), cfg.Domain.VerifyingContract)
	assert.Equal(t, uint8(8), cfg.Quote.Decimals)
	assert.Equal(t, []string{"http://a.test", "http://b.test"}, cfg.Node.CORSOrigins)
	assert.Equal(t, 30*time.Second, cfg.Node.ExecutionTTL)
	assert.Equal(t, "memory", cfg.Storage.Backend)
	assert.Equal(t, "data/events.jsonl", cfg.Node.JournalFile)
}

func TestLoadFromEnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("DOMAIN_NAME=FromFile\nBASE_SYMBOL=WBTC\n"), 0o644))
	t.Cleanup(func() {
		os.Unsetenv("DOMAIN_NAME")
		os.Unsetenv("BASE_SYMBOL")
	})

	cfg, err := LoadFromEnv(path)
	require.NoError(t, err)
	assert.Equal(t, "FromFile", cfg.Domain.Name)
	assert.Equal(t, "WBTC", cfg.Base.Symbol)
}

func TestLoadFromEnvRejectsBadValues(t *testing.T) {
	tests := []struct{ key, value string }{
		{"CHAIN_ID", "abc"},
		{"CHAIN_ID", "0"},
		{"VERIFYING_CONTRACT", "0x1234"},
		{"BASE_DECIMALS", "300"},
		{"EXECUTION_TTL_SECONDS", "-1"},
		{"QUOTE_ASSET", "BASE"},
	}
	for _, tt := range tests {
		t.Run(tt.key+"="+tt.value, func(t *testing.T) {
			t.Setenv(tt.key, tt.value)
			_, err := LoadFromEnv(filepath.Join(t.TempDir(), "missing.env"))
			assert.Error(t, err)
		})
	}
}

func TestLoadGenesis(t *testing.T) {
	path := filepath.Join(t.TempDir(), "genesis.json")
	body := `{
  "balances": [{"asset": "BASE", "owner": "0x00000000000000000000000000000000000000aa", "amount": "10"}],
  "allowances": [{"asset": "BASE", "owner": "0x00000000000000000000000000000000000000aa", "amount": "max"}]
}`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	g, err := LoadGenesis(path)
	require.NoError(t, err)
	require.Len(t, g.Balances, 1)
	require.Len(t, g.Allowances, 1)
	assert.Equal(t, "10", g.Balances[0].Amount)
	assert.Equal(t, "max", g.Allowances[0].Amount)

	_, err = LoadGenesis(filepath.Join(t.TempDir(), "nope.json"))
	assert.Error(t, err)
}
