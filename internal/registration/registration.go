// Package registration implements the startup gate of spec.md section
// 4.9: the coordinator's run loop must not start until a GatewayRegistered
// log for this enclave's signing address has been observed on the
// common chain and on every configured request chain. Grounded on the
// registration wait in original_source/src/common_chain_gateway_state_service.rs
// (register_check_roll_of_honour) and on go-ethereum's event.Subscription
// pattern already used by chainclient.Client.SubscribeLogs.
package registration

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/log"

	"github.com/marlinprotocol/serverless-gateway/internal/chainclient"
)

// The common chain and request chains emit differently-shaped
// GatewayRegistered events (spec.md section 6):
//   - common chain:  GatewayRegistered(address,address,uint256[])  topic1=enclave, topic2=owner
//   - request chain: GatewayRegistered(address,address)            topic1=owner,   topic2=enclave
var (
	commonGatewayRegisteredSig  = crypto.Keccak256Hash([]byte("GatewayRegistered(address,address,uint256[])"))
	requestGatewayRegisteredSig = crypto.Keccak256Hash([]byte("GatewayRegistered(address,address)"))
)

// Chain names one chain this enclave must see a registration log on
// before the gate opens. IsCommonChain selects which of the two
// differently-shaped GatewayRegistered selectors (and topic orders)
// to filter on.
type Chain struct {
	Name            string
	ChainID         uint64
	Client          chainclient.Client
	RegistryAddress common.Address
	IsCommonChain   bool
}

// Gate blocks Coordinator startup until every configured chain has
// produced a matching, non-removed GatewayRegistered log.
type Gate struct {
	chains      []Chain
	enclave     common.Address
	owner       common.Address
	logger      log.Logger
}

// New builds a Gate. enclave is this process's signing address; owner
// is the gateway operator address GatewayRegistered is topic-filtered on.
func New(enclave, owner common.Address, chains []Chain) *Gate {
	return &Gate{
		chains:  chains,
		enclave: enclave,
		owner:   owner,
		logger:  log.New("component", "registration-gate"),
	}
}

// Await blocks until every configured chain has produced a
// GatewayRegistered(enclave, owner, ...) log, or ctx is cancelled. It
// returns nil only once every chain has registered.
func (g *Gate) Await(ctx context.Context) error {
	if len(g.chains) == 0 {
		return fmt.Errorf("registration: no chains configured")
	}

	results := make(chan error, len(g.chains))
	for _, c := range g.chains {
		c := c
		go func() { results <- g.awaitOne(ctx, c) }()
	}

	for range g.chains {
		if err := <-results; err != nil {
			return err
		}
	}
	g.logger.Info("registration gate satisfied on all chains", "enclave", g.enclave.Hex())
	return nil
}

// awaitOne blocks until chain c has produced a matching registration
// log, first checking history via GetLogs and then subscribing for
// ones that arrive after the process started.
func (g *Gate) awaitOne(ctx context.Context, c Chain) error {
	sig, topic1, topic2 := requestGatewayRegisteredSig, g.owner, g.enclave
	if c.IsCommonChain {
		sig, topic1, topic2 = commonGatewayRegisteredSig, g.enclave, g.owner
	}
	q := ethereum.FilterQuery{
		Addresses: []common.Address{c.RegistryAddress},
		Topics: [][]common.Hash{
			{sig},
			{common.BytesToHash(common.LeftPadBytes(topic1.Bytes(), 32))},
			{common.BytesToHash(common.LeftPadBytes(topic2.Bytes(), 32))},
		},
	}

	historic, err := c.Client.GetLogs(ctx, q)
	if err != nil {
		return fmt.Errorf("registration: %s: fetching historic logs: %w", c.Name, err)
	}
	for _, l := range historic {
		if !l.Removed {
			g.logger.Info("registration observed (historic)", "chain", c.Name, "block", l.BlockNumber)
			return nil
		}
	}

	logs, sub, err := c.Client.SubscribeLogs(ctx, q)
	if err != nil {
		return fmt.Errorf("registration: %s: subscribing: %w", c.Name, err)
	}
	defer sub.Unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-sub.Err():
			return fmt.Errorf("registration: %s: subscription: %w", c.Name, err)
		case l := <-logs:
			if !l.Removed {
				g.logger.Info("registration observed", "chain", c.Name, "block", l.BlockNumber)
				return nil
			}
		}
	}
}
