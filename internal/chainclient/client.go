// Package chainclient defines the abstract chain-transport capability
// the coordinator consumes (spec.md section 6) and a production
// implementation backed by go-ethereum's ethclient.
package chainclient

import (
	"context"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// TypedCall is an already-ABI-encoded contract call ready for submission,
// e.g. a signed RelayJob/ReassignGateway/JobResponse transaction.
type TypedCall struct {
	To       common.Address
	Data     []byte
	GasLimit uint64
}

// PendingTx is a submitted transaction the caller can wait on for N
// confirmations.
type PendingTx interface {
	Hash() common.Hash
	Confirmations(ctx context.Context, n uint64) (*types.Receipt, error)
}

// Client is the chain-transport capability: log subscription, log
// fetch, block/receipt reads, and transaction submission. Production
// code wires this to ethclient.Client; tests wire it to the in-memory
// fake in chainclient/fake.go.
type Client interface {
	SubscribeLogs(ctx context.Context, q ethereum.FilterQuery) (<-chan types.Log, ethereum.Subscription, error)
	GetLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	BlockByNumber(ctx context.Context, number uint64) (*types.Header, error)
	BlockNumber(ctx context.Context) (uint64, error)
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	SendTransaction(ctx context.Context, call TypedCall) (PendingTx, error)
}
