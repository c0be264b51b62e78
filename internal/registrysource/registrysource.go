// Package registrysource implements epoch.RegistrySource against the
// common chain's gateway registry contract, decoding the six event
// kinds epoch.Task applies (spec.md section 4.4), grounded on the same
// abi.Arguments decode style as internal/egress and internal/ingress.
package registrysource

import (
	"context"
	"fmt"
	"math/big"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"

	"github.com/marlinprotocol/serverless-gateway/internal/chainclient"
	"github.com/marlinprotocol/serverless-gateway/internal/epoch"
	"github.com/marlinprotocol/serverless-gateway/internal/gwtypes"
)

// registeredSig is the common chain's GatewayRegistered selector
// (spec.md section 6): address,address indexed (topic1=gateway,
// topic2=owner), uint256[] of initially-supported request chain ids
// in data. The gateway's stake arrives separately via a StakeChanged
// event (see DESIGN.md).
var (
	registeredSig  = crypto.Keccak256Hash([]byte("GatewayRegistered(address,address,uint256[])"))
	deregisteredSig = crypto.Keccak256Hash([]byte("GatewayDeregistered(address)"))
	stakeChangedSig = crypto.Keccak256Hash([]byte("GatewayStakeChanged(address,uint256)"))
	chainsAddedSig  = crypto.Keccak256Hash([]byte("ChainsAdded(address,uint256[])"))
	chainsRemovedSig = crypto.Keccak256Hash([]byte("ChainsRemoved(address,uint256[])"))
	drainingSig     = crypto.Keccak256Hash([]byte("GatewayDrainingToggled(address,bool)"))
)

// maxBlockSpan caps how many blocks a single GetLogs call covers, so a
// slow RPC node's log response doesn't run unbounded (mirrors
// eth_getLogs range caps on public endpoints).
const maxBlockSpan = 5000

// Source is the production epoch.RegistrySource, reading registry
// events straight off the common chain.
type Source struct {
	client   chainclient.Client
	registry common.Address
}

// New builds a Source reading GatewayRegistry events at registryAddr.
func New(client chainclient.Client, registryAddr common.Address) *Source {
	return &Source{client: client, registry: registryAddr}
}

// RegistryEvents implements epoch.RegistrySource. It reports
// unavailable (rather than erroring) when toBlock is beyond the chain's
// reported head, matching spec.md section 4.4's backpressure note.
func (s *Source) RegistryEvents(ctx context.Context, fromBlock, toBlock uint64) ([]epoch.RegistryEvent, bool, error) {
	head, err := s.client.BlockNumber(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("registrysource: reading head: %w", err)
	}
	if toBlock > head {
		return nil, false, nil
	}

	var out []epoch.RegistryEvent
	for from := fromBlock; from <= toBlock; {
		to := from + maxBlockSpan - 1
		if to > toBlock {
			to = toBlock
		}
		logs, err := s.client.GetLogs(ctx, ethereum.FilterQuery{
			Addresses: []common.Address{s.registry},
			FromBlock: new(big.Int).SetUint64(from),
			ToBlock:   new(big.Int).SetUint64(to),
		})
		if err != nil {
			return nil, false, fmt.Errorf("registrysource: fetching logs [%d,%d]: %w", from, to, err)
		}
		for _, l := range logs {
			if l.Removed || len(l.Topics) == 0 {
				continue
			}
			ev, ok := decode(l)
			if ok {
				out = append(out, ev)
			}
		}
		from = to + 1
	}
	return out, true, nil
}

func args(kinds ...string) abi.Arguments {
	out := make(abi.Arguments, len(kinds))
	for i, k := range kinds {
		typ, err := abi.NewType(k, "", nil)
		if err != nil {
			panic(fmt.Sprintf("registrysource: invalid abi type %q: %v", k, err))
		}
		out[i] = abi.Argument{Type: typ}
	}
	return out
}

func decode(l types.Log) (epoch.RegistryEvent, bool) {
	switch l.Topics[0] {
	case registeredSig:
		if len(l.Topics) < 2 {
			return epoch.RegistryEvent{}, false
		}
		addr := common.BytesToAddress(l.Topics[1].Bytes())
		vals, err := args("uint256[]").Unpack(l.Data)
		if err != nil || len(vals) != 1 {
			return epoch.RegistryEvent{}, false
		}
		rawIDs, _ := vals[0].([]*big.Int)
		ids := make(map[uint64]struct{}, len(rawIDs))
		for _, id := range rawIDs {
			ids[id.Uint64()] = struct{}{}
		}
		return epoch.RegistryEvent{
			Kind:    epoch.EventRegistered,
			Gateway: addr,
			Stake: &gwtypes.GatewayData{
				Address:         addr,
				StakeAmount:     uint256.NewInt(0),
				RequestChainIDs: ids,
			},
			BlockNumber: l.BlockNumber,
		}, true

	case deregisteredSig:
		vals, err := args("address").Unpack(l.Data)
		if err != nil || len(vals) != 1 {
			return epoch.RegistryEvent{}, false
		}
		addr, _ := vals[0].(common.Address)
		return epoch.RegistryEvent{Kind: epoch.EventDeregistered, Gateway: addr, BlockNumber: l.BlockNumber}, true

	case stakeChangedSig:
		vals, err := args("address", "uint256").Unpack(l.Data)
		if err != nil || len(vals) != 2 {
			return epoch.RegistryEvent{}, false
		}
		addr, _ := vals[0].(common.Address)
		stakeBig, _ := vals[1].(*big.Int)
		if stakeBig == nil {
			return epoch.RegistryEvent{}, false
		}
		stake, overflow := uint256.FromBig(stakeBig)
		if overflow {
			return epoch.RegistryEvent{}, false
		}
		return epoch.RegistryEvent{
			Kind:        epoch.EventStakeChanged,
			Gateway:     addr,
			Stake:       &gwtypes.GatewayData{Address: addr, StakeAmount: stake},
			BlockNumber: l.BlockNumber,
		}, true

	case chainsAddedSig, chainsRemovedSig:
		vals, err := args("address", "uint256[]").Unpack(l.Data)
		if err != nil || len(vals) != 2 {
			return epoch.RegistryEvent{}, false
		}
		addr, _ := vals[0].(common.Address)
		rawIDs, _ := vals[1].([]*big.Int)
		ids := make([]uint64, 0, len(rawIDs))
		for _, id := range rawIDs {
			ids = append(ids, id.Uint64())
		}
		kind := epoch.EventChainsAdded
		if l.Topics[0] == chainsRemovedSig {
			kind = epoch.EventChainsRemoved
		}
		return epoch.RegistryEvent{Kind: kind, Gateway: addr, ChainIDs: ids, BlockNumber: l.BlockNumber}, true

	case drainingSig:
		vals, err := args("address", "bool").Unpack(l.Data)
		if err != nil || len(vals) != 2 {
			return epoch.RegistryEvent{}, false
		}
		addr, _ := vals[0].(common.Address)
		draining, _ := vals[1].(bool)
		return epoch.RegistryEvent{Kind: epoch.EventDrainingToggled, Gateway: addr, Draining: draining, BlockNumber: l.BlockNumber}, true

	default:
		return epoch.RegistryEvent{}, false
	}
}
