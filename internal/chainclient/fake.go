package chainclient

import (
	"context"
	"sync"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// Fake is an in-memory Client used by tests to script logs, blocks,
// and receipts without a live node, mirroring the role of
// ethclient/simulated.Backend in the teacher but scoped to exactly the
// capability surface the coordinator consumes.
type Fake struct {
	mu sync.Mutex

	head      uint64
	headers   map[uint64]*types.Header
	receipts  map[common.Hash]*types.Receipt
	logSubs   []chan types.Log
	allLogs   []types.Log
	sentTxs   []TypedCall
	sendErr   error
	recvErr   error
}

// NewFake returns an empty Fake chain client.
func NewFake() *Fake {
	return &Fake{
		headers:  map[uint64]*types.Header{},
		receipts: map[common.Hash]*types.Receipt{},
	}
}

// SetHead sets the current block head as observed by BlockNumber.
func (f *Fake) SetHead(n uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.head = n
}

// SetHeader installs a block header at a given number, for
// BlockByNumber/the block-by-timestamp finder.
func (f *Fake) SetHeader(number uint64, timestamp uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.headers[number] = &types.Header{Number: bigFromUint64(number), Time: timestamp}
}

// SetReceipt installs a receipt for txHash; omit to simulate "not found".
func (f *Fake) SetReceipt(txHash common.Hash, r *types.Receipt) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.receipts[txHash] = r
}

// SetReceiptErr makes every TransactionReceipt call fail, simulating a
// transient RPC error for the confirmer's retry cap.
func (f *Fake) SetReceiptErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recvErr = err
}

// Emit pushes a log to every active subscriber, simulating a live event.
func (f *Fake) Emit(l types.Log) {
	f.mu.Lock()
	f.allLogs = append(f.allLogs, l)
	subs := append([]chan types.Log{}, f.logSubs...)
	f.mu.Unlock()
	for _, ch := range subs {
		ch <- l
	}
}

// SentTransactions returns every call passed to SendTransaction, in order.
func (f *Fake) SentTransactions() []TypedCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]TypedCall{}, f.sentTxs...)
}

func (f *Fake) SubscribeLogs(ctx context.Context, q ethereum.FilterQuery) (<-chan types.Log, ethereum.Subscription, error) {
	f.mu.Lock()
	ch := make(chan types.Log, 64)
	f.logSubs = append(f.logSubs, ch)
	f.mu.Unlock()
	return ch, newFakeSubscription(ch), nil
}

func (f *Fake) GetLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]types.Log, 0, len(f.allLogs))
	for _, l := range f.allLogs {
		if q.FromBlock != nil && l.BlockNumber < q.FromBlock.Uint64() {
			continue
		}
		if q.ToBlock != nil && l.BlockNumber > q.ToBlock.Uint64() {
			continue
		}
		out = append(out, l)
	}
	return out, nil
}

func (f *Fake) BlockByNumber(ctx context.Context, number uint64) (*types.Header, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	h, ok := f.headers[number]
	if !ok {
		return nil, nil
	}
	return h, nil
}

func (f *Fake) BlockNumber(ctx context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.head, nil
}

func (f *Fake) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.recvErr != nil {
		return nil, f.recvErr
	}
	r, ok := f.receipts[txHash]
	if !ok {
		return nil, ethereum.NotFound
	}
	return r, nil
}

func (f *Fake) SendTransaction(ctx context.Context, call TypedCall) (PendingTx, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return nil, f.sendErr
	}
	f.sentTxs = append(f.sentTxs, call)
	return &fakePendingTx{client: f}, nil
}

type fakePendingTx struct {
	client *Fake
}

func (p *fakePendingTx) Hash() common.Hash { return common.Hash{} }

func (p *fakePendingTx) Confirmations(ctx context.Context, n uint64) (*types.Receipt, error) {
	return &types.Receipt{Status: types.ReceiptStatusSuccessful}, nil
}

type fakeSubscription struct {
	ch   chan types.Log
	errc chan error
}

func newFakeSubscription(ch chan types.Log) *fakeSubscription {
	return &fakeSubscription{ch: ch, errc: make(chan error, 1)}
}

func (s *fakeSubscription) Unsubscribe() {}
func (s *fakeSubscription) Err() <-chan error { return s.errc }
