package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

const sampleTOML = `
enclave_key_path = "/tmp/enclave.key"
owner_address = "0x00000000000000000000000000000000000000aa"

[common_chain]
name = "common"
chain_id = 421614
rpc_url = "https://common.example/rpc"
jobs_address = "0x00000000000000000000000000000000000001"
registry_address = "0x00000000000000000000000000000000000002"

[[request_chains]]
name = "request-1"
chain_id = 1
rpc_url = "https://req1.example/rpc"
relay_address = "0x00000000000000000000000000000000000003"
relay_subs_address = "0x00000000000000000000000000000000000004"
registry_address = "0x00000000000000000000000000000000000005"
`

func writeTemp(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "gateway.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadFillsDefaults(t *testing.T) {
	path := writeTemp(t, sampleTOML)
	cfg, err := Load(path)
	require.NoError(t, err)

	require.Equal(t, uint64(60), cfg.EpochIntervalS)
	require.Equal(t, defaultMinGatewayStake, cfg.MinGatewayStake)
	require.Equal(t, "common", cfg.CommonChain.Name)
	require.Len(t, cfg.RequestChains, 1)
	require.Equal(t, "request-1", cfg.RequestChains[0].Name)
}

func TestLoadRejectsMissingEnclaveKey(t *testing.T) {
	path := writeTemp(t, `owner_address = "0x00000000000000000000000000000000000000"`)
	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadRejectsBadOwnerAddress(t *testing.T) {
	path := writeTemp(t, `
enclave_key_path = "/tmp/x.key"
owner_address = "not-an-address"

[common_chain]
rpc_url = "https://x"

[[request_chains]]
rpc_url = "https://y"
`)
	_, err := Load(path)
	require.Error(t, err)
}

func TestMinGatewayStakeIntParsesLargeDecimal(t *testing.T) {
	cfg := Default()
	v, err := cfg.MinGatewayStakeInt()
	require.NoError(t, err)
	require.Equal(t, defaultMinGatewayStake, v.Dec())
}
