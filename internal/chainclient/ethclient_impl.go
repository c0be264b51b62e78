package chainclient

import (
	"context"
	"fmt"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
)

// RPCClient wraps an *ethclient.Client (production chain transport).
// It owns no retry logic of its own: retries live in the callers that
// know their own caps (confirm.LogConfirmer, confirm.BlockFinder),
// per spec.md section 7.
type RPCClient struct {
	eth        *ethclient.Client
	signerAddr common.Address
	sendTx     func(ctx context.Context, call TypedCall) (*types.Transaction, error)
}

// NewRPCClient dials url and wraps the resulting client. sendTx is
// supplied by the caller because constructing and signing a raw
// transaction requires the chain id and nonce management that belong
// to the coordinator's transaction-submission path, not this package.
func NewRPCClient(ctx context.Context, url string, signerAddr common.Address, sendTx func(ctx context.Context, call TypedCall) (*types.Transaction, error)) (*RPCClient, error) {
	eth, err := ethclient.DialContext(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("chainclient: dial %s: %w", url, err)
	}
	return &RPCClient{eth: eth, signerAddr: signerAddr, sendTx: sendTx}, nil
}

func (c *RPCClient) SubscribeLogs(ctx context.Context, q ethereum.FilterQuery) (<-chan types.Log, ethereum.Subscription, error) {
	ch := make(chan types.Log, 256)
	sub, err := c.eth.SubscribeFilterLogs(ctx, q, ch)
	if err != nil {
		return nil, nil, fmt.Errorf("chainclient: subscribe logs: %w", err)
	}
	return ch, sub, nil
}

func (c *RPCClient) GetLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	logs, err := c.eth.FilterLogs(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("chainclient: filter logs: %w", err)
	}
	return logs, nil
}

func (c *RPCClient) BlockByNumber(ctx context.Context, number uint64) (*types.Header, error) {
	h, err := c.eth.HeaderByNumber(ctx, bigFromUint64(number))
	if err != nil {
		return nil, fmt.Errorf("chainclient: header by number: %w", err)
	}
	return h, nil
}

func (c *RPCClient) BlockNumber(ctx context.Context) (uint64, error) {
	n, err := c.eth.BlockNumber(ctx)
	if err != nil {
		return 0, fmt.Errorf("chainclient: block number: %w", err)
	}
	return n, nil
}

func (c *RPCClient) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	r, err := c.eth.TransactionReceipt(ctx, txHash)
	if err != nil {
		return nil, fmt.Errorf("chainclient: transaction receipt: %w", err)
	}
	return r, nil
}

func (c *RPCClient) SendTransaction(ctx context.Context, call TypedCall) (PendingTx, error) {
	tx, err := c.sendTx(ctx, call)
	if err != nil {
		return nil, fmt.Errorf("chainclient: send transaction: %w", err)
	}
	if err := c.eth.SendTransaction(ctx, tx); err != nil {
		return nil, fmt.Errorf("chainclient: send transaction: %w", err)
	}
	return &pendingTx{eth: c.eth, tx: tx}, nil
}

type pendingTx struct {
	eth *ethclient.Client
	tx  *types.Transaction
}

func (p *pendingTx) Hash() common.Hash { return p.tx.Hash() }

func (p *pendingTx) Confirmations(ctx context.Context, n uint64) (*types.Receipt, error) {
	for {
		receipt, err := p.eth.TransactionReceipt(ctx, p.tx.Hash())
		if err == nil {
			head, err := p.eth.BlockNumber(ctx)
			if err != nil {
				return nil, err
			}
			if head >= receipt.BlockNumber.Uint64()+n {
				return receipt, nil
			}
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-waitTick():
		}
	}
}
