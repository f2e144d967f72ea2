package config_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kashguard/go-bridge-validator/internal/config"
)

func validConfig() config.Server {
	cfg := config.DefaultServiceConfigFromEnv()
	cfg.Party.ID = 1
	cfg.Keystore.Password = "pw"
	return cfg
}

func TestPrintServiceEnv(t *testing.T) {
	cfg := config.DefaultServiceConfigFromEnv()
	_, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		t.Fatal(err)
	}
}

func TestConfigFromEnv(t *testing.T) {
	t.Setenv("PARTY_ID", "2")
	t.Setenv("THRESHOLD", "3")
	t.Setenv("TOTAL_PARTIES", "5")
	t.Setenv("TRANSPORT_PEERS", "1=validator-1:9443, 3=validator-3:9443")
	t.Setenv("CHAINS", "sepolia,bsc")
	t.Setenv("SEPOLIA_RPC", "wss://rpc.sepolia.example")
	t.Setenv("SEPOLIA_SIGNAL_ADDRESS", "0x00000000000000000000000000000000000000aa")
	t.Setenv("SEPOLIA_CHAIN_ID", "11155111")
	t.Setenv("BSC_RPC", "https://rpc.bsc.example")
	t.Setenv("BSC_SIGNAL_ADDRESS", "0x00000000000000000000000000000000000000bb")
	t.Setenv("BSC_CONFIRMATIONS", "1")
	t.Setenv("ROUND_TIMEOUT_MS", "45000")
	t.Setenv("KEYSTORE_PASSWORD", "pw")

	cfg := config.DefaultServiceConfigFromEnv()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 2, cfg.Party.ID)
	assert.Equal(t, map[int]string{1: "validator-1:9443", 3: "validator-3:9443"}, cfg.Transport.Peers)
	require.Len(t, cfg.Chains, 2)
	assert.Equal(t, "sepolia", cfg.Chains[0].Name)
	assert.Equal(t, uint32(11155111), cfg.Chains[0].ChainID)
	assert.Equal(t, uint64(12), cfg.Chains[0].Confirmations)
	assert.Equal(t, uint64(1), cfg.Chains[1].Confirmations)
	assert.Equal(t, 45*time.Second, cfg.Timeouts.Round)
}

func TestConfigValidation(t *testing.T) {
	cfg := validConfig()
	require.NoError(t, cfg.Validate())

	bad := cfg
	bad.Party.ID = 0
	assert.Error(t, bad.Validate())

	bad = cfg
	bad.Party.Threshold = 1
	assert.Error(t, bad.Validate())

	bad = cfg
	bad.Party.Threshold = 6
	assert.Error(t, bad.Validate())

	bad = cfg
	bad.Keystore.Backend = "vault"
	assert.Error(t, bad.Validate())

	bad = cfg
	bad.Keystore.Backend = "remote"
	bad.Keystore.RemoteEndpoint = ""
	assert.Error(t, bad.Validate())

	bad = cfg
	bad.Chains = []config.Chain{{Name: "sepolia"}}
	assert.Error(t, bad.Validate())

	bad = cfg
	bad.Transport.Peers = map[int]string{9: "host:1"}
	assert.Error(t, bad.Validate())
}
