// Package config loads the gateway enclave's static configuration from
// a TOML file, in the manner of go-ethereum's gethconfig package (a
// single struct tree unmarshaled with github.com/BurntSushi/toml). The
// urfave/cli/v2 flags that override some of its fields live in
// cmd/gateway/flags.go, not here.
package config

import (
	"fmt"

	"github.com/BurntSushi/toml"
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Chain is one EVM chain the enclave talks to: either the common chain
// (jobs are coordinated against it) or one configured request chain
// (jobs originate there).
type Chain struct {
	Name            string `toml:"name"`
	ChainID         uint64 `toml:"chain_id"`
	RPCURL          string `toml:"rpc_url"`
	JobsAddress     string `toml:"jobs_address"`
	RelayAddress    string `toml:"relay_address"`
	RelaySubsAddress string `toml:"relay_subs_address"`
	RegistryAddress string `toml:"registry_address"`
}

// Config is the full static configuration of one gateway enclave
// process, loaded once at startup before the registration gate opens.
type Config struct {
	EnclaveKeyPath string `toml:"enclave_key_path"`
	OwnerAddress   string `toml:"owner_address"`

	CommonChain    Chain   `toml:"common_chain"`
	RequestChains  []Chain `toml:"request_chains"`

	EpochGenesis    uint64 `toml:"epoch_genesis"`
	EpochIntervalS  uint64 `toml:"epoch_interval_seconds"`
	MinGatewayStake string `toml:"min_gateway_stake"`

	MetricsListenAddr string `toml:"metrics_listen_addr"`
	LogLevel          string `toml:"log_level"`
}

// defaultMinGatewayStake matches spec.md section 4.8's constant,
// 111_111_111_111_111_110_000 expressed as a base-10 string since it
// exceeds uint64.
const defaultMinGatewayStake = "111111111111111110000"

// Default returns a Config with every ambient constant from spec.md
// section 4.8 pre-filled; callers overlay chain-specific fields from a
// TOML file on top.
func Default() Config {
	return Config{
		EpochIntervalS:  60,
		MinGatewayStake: defaultMinGatewayStake,
		LogLevel:        "info",
	}
}

// Load reads and decodes a TOML config file at path, filling in any
// fields the file omits from Default().
func Load(path string) (Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: decoding %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the minimum set of fields a process cannot start
// without.
func (c Config) Validate() error {
	if c.EnclaveKeyPath == "" {
		return fmt.Errorf("config: enclave_key_path is required")
	}
	if c.CommonChain.RPCURL == "" {
		return fmt.Errorf("config: common_chain.rpc_url is required")
	}
	if len(c.RequestChains) == 0 {
		return fmt.Errorf("config: at least one request chain is required")
	}
	for _, rc := range c.RequestChains {
		if rc.RPCURL == "" {
			return fmt.Errorf("config: request chain %q missing rpc_url", rc.Name)
		}
	}
	if !common.IsHexAddress(c.OwnerAddress) {
		return fmt.Errorf("config: owner_address %q is not a hex address", c.OwnerAddress)
	}
	return nil
}

// MinGatewayStakeInt parses MinGatewayStake into a 256-bit integer for
// the elector's eligibility filter.
func (c Config) MinGatewayStakeInt() (*uint256.Int, error) {
	v, err := uint256.FromDecimal(c.MinGatewayStake)
	if err != nil {
		return nil, fmt.Errorf("config: min_gateway_stake %q: %w", c.MinGatewayStake, err)
	}
	return v, nil
}

// OwnerAddr parses OwnerAddress, which Validate has already confirmed
// is a well-formed hex address.
func (c Config) OwnerAddr() common.Address {
	return common.HexToAddress(c.OwnerAddress)
}
