// Package egress encodes the coordinator's signed transaction families
// into contract calls and submits them through chainclient.Client,
// grounded on the abi.Arguments packing already used by
// internal/signer and on oasysgames-oasys-validator/contracts/oasys's
// pattern of building calldata from a hand-declared abi.Arguments set
// rather than a generated binding.
package egress

import (
	"context"
	"fmt"
	"math/big"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/marlinprotocol/serverless-gateway/internal/chainclient"
	"github.com/marlinprotocol/serverless-gateway/internal/coordinator"
	"github.com/marlinprotocol/serverless-gateway/internal/gwtypes"
	"github.com/marlinprotocol/serverless-gateway/internal/signer"
)

func ethereumFilterQuery(addr common.Address, fromBlock, toBlock uint64, topics ...[]common.Hash) ethereum.FilterQuery {
	return ethereum.FilterQuery{
		Addresses: []common.Address{addr},
		FromBlock: new(big.Int).SetUint64(fromBlock),
		ToBlock:   new(big.Int).SetUint64(toBlock),
		Topics:    topics,
	}
}

// jobRelayedSig is the topic0 of the common chain's
// JobRelayed(uint256,uint256,address,address) selector (spec.md
// section 6, "used by slash timer"); topic1 carries jobId.
var jobRelayedSig = crypto.Keccak256Hash([]byte("JobRelayed(uint256,uint256,address,address)"))

// Contracts addresses the egress adapter submits calls to.
type Contracts struct {
	CommonChain     common.Address // GatewayJobs
	RequestRelay    map[uint64]common.Address
	RequestRelaySub map[uint64]common.Address
}

// Egress is the production coordinator.CommonChainEgress, routing each
// call family to the chain/contract spec.md section 4.1 names.
type Egress struct {
	common    chainclient.Client
	requests  map[uint64]chainclient.Client
	contracts Contracts
	gasLimit  uint64
}

// New builds an Egress. requests maps request chain id to its client.
func New(commonChain chainclient.Client, requests map[uint64]chainclient.Client, contracts Contracts, gasLimit uint64) *Egress {
	return &Egress{common: commonChain, requests: requests, contracts: contracts, gasLimit: gasLimit}
}

func mustArgs(kinds []string) abi.Arguments {
	args := make(abi.Arguments, len(kinds))
	for i, k := range kinds {
		typ, err := abi.NewType(k, "", nil)
		if err != nil {
			panic(fmt.Sprintf("egress: invalid abi type %q: %v", k, err))
		}
		args[i] = abi.Argument{Type: typ}
	}
	return args
}

func methodID(signature string) []byte {
	return crypto.Keccak256([]byte(signature))[:4]
}

func packCall(signature string, kinds []string, values ...interface{}) ([]byte, error) {
	packed, err := mustArgs(kinds).Pack(values...)
	if err != nil {
		return nil, fmt.Errorf("egress: packing %s: %w", signature, err)
	}
	return append(methodID(signature), packed...), nil
}

func (e *Egress) requestClient(chainID uint64) (chainclient.Client, error) {
	c, ok := e.requests[chainID]
	if !ok {
		return nil, fmt.Errorf("egress: no client configured for request chain %d", chainID)
	}
	return c, nil
}

func (e *Egress) relayContract(chainID uint64, subscription bool) (common.Address, error) {
	m := e.contracts.RequestRelay
	if subscription {
		m = e.contracts.RequestRelaySub
	}
	addr, ok := m[chainID]
	if !ok {
		return common.Address{}, fmt.Errorf("egress: no relay contract configured for chain %d", chainID)
	}
	return addr, nil
}

// SubmitRelay calls RelayJob(jobId, codeHash, codeInputs, deadline,
// jobRequestTimestamp, sequenceId, jobOwner, env, signTimestamp, signature)
// on the common chain's GatewayJobs contract.
func (e *Egress) SubmitRelay(ctx context.Context, job gwtypes.Job, sig signer.Signature) error {
	data, err := packCall(
		"relayJob(uint256,bytes32,bytes,uint256,uint256,uint8,address,uint256,uint256,bytes)",
		[]string{"uint256", "bytes32", "bytes", "uint256", "uint256", "uint8", "address", "uint256", "uint256", "bytes"},
		new(big.Int).SetUint64(job.ID.JobID), job.CodeHash, job.CodeInput,
		new(big.Int).SetUint64(job.StartTime+job.UserTimeout), new(big.Int).SetUint64(job.StartTime),
		job.SequenceNumber, job.JobOwner, new(big.Int), new(big.Int).SetUint64(sig.SignTimestamp), sig.Bytes,
	)
	if err != nil {
		return err
	}
	_, err = e.common.SendTransaction(ctx, chainclient.TypedCall{To: e.contracts.CommonChain, Data: data, GasLimit: e.gasLimit})
	return err
}

// SubmitSlash calls slashOnExpiry(jobId) on the common chain's
// GatewayJobs contract.
func (e *Egress) SubmitSlash(ctx context.Context, job gwtypes.Job) error {
	data, err := packCall("slashOnExpiry(uint256)", []string{"uint256"}, new(big.Int).SetUint64(job.ID.JobID))
	if err != nil {
		return err
	}
	_, err = e.common.SendTransaction(ctx, chainclient.TypedCall{To: e.contracts.CommonChain, Data: data, GasLimit: e.gasLimit})
	return err
}

// SubmitReassign calls reassignGatewayRelay(jobId, gatewayOld, jobOwner,
// sequenceId, jobRequestTimestamp, signTimestamp, signature) on the
// common chain.
func (e *Egress) SubmitReassign(ctx context.Context, job gwtypes.Job, sig signer.Signature) error {
	data, err := packCall(
		"reassignGatewayRelay(uint256,address,address,uint8,uint256,uint256,bytes)",
		[]string{"uint256", "address", "address", "uint8", "uint256", "uint256", "bytes"},
		new(big.Int).SetUint64(job.ID.JobID), job.GatewayAddress, job.JobOwner,
		job.SequenceNumber, new(big.Int).SetUint64(job.StartTime), new(big.Int).SetUint64(sig.SignTimestamp), sig.Bytes,
	)
	if err != nil {
		return err
	}
	_, err = e.common.SendTransaction(ctx, chainclient.TypedCall{To: e.contracts.CommonChain, Data: data, GasLimit: e.gasLimit})
	return err
}

// SubmitResponse calls submitOutput(jobId, output, totalTime, errorCode,
// signTimestamp, signature) on the job's request chain relay contract.
func (e *Egress) SubmitResponse(ctx context.Context, job gwtypes.Job, sig signer.Signature, output []byte, totalTime uint64, errorCode uint8) error {
	client, err := e.requestClient(job.ID.RequestChainID)
	if err != nil {
		return err
	}
	to, err := e.relayContract(job.ID.RequestChainID, job.IsSubscriptionInst)
	if err != nil {
		return err
	}
	data, err := packCall(
		"submitOutput(uint256,bytes,uint256,uint8,uint256,bytes)",
		[]string{"uint256", "bytes", "uint256", "uint8", "uint256", "bytes"},
		new(big.Int).SetUint64(job.ID.JobID), output, new(big.Int).SetUint64(totalTime), errorCode,
		new(big.Int).SetUint64(sig.SignTimestamp), sig.Bytes,
	)
	if err != nil {
		return err
	}
	_, err = client.SendTransaction(ctx, chainclient.TypedCall{To: to, Data: data, GasLimit: e.gasLimit})
	return err
}

// JobRelayedSince scans the common chain for JobRelayed logs since
// startBlock matching jobID (filtered by topic1, per spec.md section 6),
// used by the coordinator's slash timer.
func (e *Egress) JobRelayedSince(ctx context.Context, jobID uint64, startBlock uint64) ([]coordinator.RelayedSighting, error) {
	head, err := e.common.BlockNumber(ctx)
	if err != nil {
		return nil, fmt.Errorf("egress: reading head: %w", err)
	}
	topics := []common.Hash{common.BigToHash(new(big.Int).SetUint64(jobID))}
	logs, err := e.common.GetLogs(ctx, ethereumFilterQuery(e.contracts.CommonChain, startBlock, head, []common.Hash{jobRelayedSig}, topics))
	if err != nil {
		return nil, fmt.Errorf("egress: fetching JobRelayed logs: %w", err)
	}

	out := make([]coordinator.RelayedSighting, 0, len(logs))
	for _, l := range logs {
		if l.Removed || len(l.Topics) < 2 || l.Topics[0] != jobRelayedSig {
			continue
		}
		sighting, ok := decodeJobRelayed(l)
		if ok && sighting.JobID == jobID {
			out = append(out, sighting)
		}
	}
	return out, nil
}

// decodeJobRelayed decodes a JobRelayed(uint256,uint256,address,address)
// log: jobId from topic1, the remaining three fields from data with
// jobOwner at index 1 and gateway at index 2 (spec.md section 6).
func decodeJobRelayed(l types.Log) (coordinator.RelayedSighting, bool) {
	jobID, ok := decodeUint256Topic(l, 1)
	if !ok {
		return coordinator.RelayedSighting{}, false
	}
	args := mustArgs([]string{"uint256", "address", "address"})
	vals, err := args.Unpack(l.Data)
	if err != nil || len(vals) != 3 {
		return coordinator.RelayedSighting{}, false
	}
	owner, ok := vals[1].(common.Address)
	if !ok {
		return coordinator.RelayedSighting{}, false
	}
	gateway, ok := vals[2].(common.Address)
	if !ok {
		return coordinator.RelayedSighting{}, false
	}
	return coordinator.RelayedSighting{JobID: jobID, JobOwner: owner, Gateway: gateway}, true
}

func decodeUint256Topic(l types.Log, idx int) (uint64, bool) {
	if len(l.Topics) <= idx {
		return 0, false
	}
	return new(big.Int).SetBytes(l.Topics[idx].Bytes()).Uint64(), true
}
