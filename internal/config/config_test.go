package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigs(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ConfigFileName)
	content := `
chain = "regtest"
db_backend = "leveldb"
rpc_user = "user"
rpc_pass = "pass"
electrum_host = "127.0.0.1:60001"
cache_size = 42
poll_interval = "250ms"
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))

	cfg, err := LoadConfigs(dir, path)
	require.NoError(t, err)

	assert.Equal(t, Regtest, cfg.Chain)
	assert.Equal(t, BackendLevelDB, cfg.Backend)
	assert.Equal(t, "127.0.0.1:60001", cfg.ElectrumHost)
	assert.Equal(t, 42, cfg.CacheSize)
	assert.Equal(t, "250ms", cfg.PollInterval.String())
	assert.Equal(t, filepath.Join(dir, "data"), cfg.DBPath)
	// untouched keys keep their defaults
	assert.Equal(t, DefaultUndoDepth, cfg.UndoDepth)
}

func TestLoadConfigsCookie(t *testing.T) {
	dir := t.TempDir()
	cookie := filepath.Join(dir, ".cookie")
	require.NoError(t, os.WriteFile(cookie, []byte("__cookie__:secret\n"), 0600))

	path := filepath.Join(dir, ConfigFileName)
	require.NoError(t, os.WriteFile(path, []byte("cookie_path = \""+cookie+"\"\n"), 0600))

	cfg, err := LoadConfigs(dir, path)
	require.NoError(t, err)
	assert.Equal(t, "__cookie__", cfg.RpcUser)
	assert.Equal(t, "secret", cfg.RpcPass)
}

func TestLoadConfigsRejectsUnknownChain(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ConfigFileName)
	require.NoError(t, os.WriteFile(path, []byte("chain = \"nope\"\nrpc_user = \"u\"\nrpc_pass = \"p\"\n"), 0600))

	_, err := LoadConfigs(dir, path)
	require.ErrorIs(t, err, ErrChainUndefined)
}

func TestParseChain(t *testing.T) {
	for _, c := range []Chain{Mainnet, Signet, Regtest, Testnet3} {
		assert.Equal(t, c, ParseChain(c.String()))
	}
	assert.Equal(t, Unknown, ParseChain("litecoin"))
}
