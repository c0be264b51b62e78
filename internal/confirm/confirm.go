// Package confirm implements the reorg-aware log confirmation layer
// (spec.md section 4.2) and the block-by-timestamp finder (section 4.3).
package confirm

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/log"

	"github.com/marlinprotocol/serverless-gateway/internal/chainclient"
)

// MaxReceiptRetries bounds consecutive receipt-fetch errors before the
// confirmer gives up and reports the log as reorged, per spec.md section 4.2.
const MaxReceiptRetries = 5

// HeadPoller amortizes block-number polling across every confirmer and
// block finder sharing a chain client, per spec.md section 4.2
// ("process-wide atomic last seen head").
type HeadPoller struct {
	client chainclient.Client
	head   atomic.Uint64
	period time.Duration
	logger log.Logger
}

// NewHeadPoller creates a poller that refreshes its head view every
// period. Call Run in its own goroutine.
func NewHeadPoller(client chainclient.Client, period time.Duration) *HeadPoller {
	return &HeadPoller{client: client, period: period, logger: log.New("component", "head-poller")}
}

// Run polls until ctx is cancelled.
func (p *HeadPoller) Run(ctx context.Context) {
	ticker := time.NewTicker(p.period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := p.client.BlockNumber(ctx)
			if err != nil {
				p.logger.Warn("failed to poll head", "err", err)
				continue
			}
			p.head.Store(n)
		}
	}
}

// Head returns the last polled block number.
func (p *HeadPoller) Head() uint64 { return p.head.Load() }

// Outcome is the result of waiting for a log's confirmation.
type Outcome struct {
	Log     types.Log
	Removed bool
}

// LogConfirmer waits for a log to accumulate C confirmations, then
// checks whether its transaction still has a receipt.
type LogConfirmer struct {
	client chainclient.Client
	poller *HeadPoller
	depth  uint64
	poll   time.Duration
	logger log.Logger
}

// NewLogConfirmer builds a confirmer sharing poller's amortized head view.
func NewLogConfirmer(client chainclient.Client, poller *HeadPoller, confirmationDepth uint64) *LogConfirmer {
	return &LogConfirmer{
		client: client,
		poller: poller,
		depth:  confirmationDepth,
		poll:   time.Second,
		logger: log.New("component", "log-confirmer"),
	}
}

// Confirm blocks until l has reached the configured confirmation depth,
// then resolves it to "confirmed" or "reorged" per spec.md section 4.2.
func (c *LogConfirmer) Confirm(ctx context.Context, l types.Log) (Outcome, error) {
	target := l.BlockNumber + c.depth
	for c.poller.Head() < target {
		select {
		case <-ctx.Done():
			return Outcome{}, ctx.Err()
		case <-time.After(c.poll):
		}
	}

	var lastErr error
	for attempt := 0; attempt < MaxReceiptRetries; attempt++ {
		receipt, err := c.client.TransactionReceipt(ctx, l.TxHash)
		if err == nil {
			if receipt == nil {
				return Outcome{Log: l, Removed: true}, nil
			}
			return Outcome{Log: l, Removed: false}, nil
		}
		if errors.Is(err, ethereum.NotFound) {
			return Outcome{Log: l, Removed: true}, nil
		}
		lastErr = err
		select {
		case <-ctx.Done():
			return Outcome{}, ctx.Err()
		case <-time.After(c.poll):
		}
	}

	c.logger.Error("receipt fetch exhausted retries, treating as reorged", "tx", l.TxHash, "err", lastErr)
	return Outcome{Log: l, Removed: true}, nil
}
