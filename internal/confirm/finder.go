package confirm

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/log"

	"github.com/marlinprotocol/serverless-gateway/internal/chainclient"
)

// maxHeadAttempts bounds how many times BlockFinder retries reading the
// current head before giving up, per spec.md section 4.3.
const maxHeadAttempts = 5

// assumedBlocksPerSecond is the divisor the finder applies to the
// timestamp gap to size its first stride, before it has sampled two
// real (block, timestamp) points.
const assumedBlocksPerSecond = 3

// BlockFinder locates the largest block whose timestamp is strictly
// less than a target timestamp (end-exclusive), per spec.md section 4.3.
type BlockFinder struct {
	client chainclient.Client
	logger log.Logger
}

// NewBlockFinder builds a finder against client.
func NewBlockFinder(client chainclient.Client) *BlockFinder {
	return &BlockFinder{client: client, logger: log.New("component", "block-finder")}
}

// Find returns the largest block number whose header timestamp is
// strictly less than targetTS, or false if the head can't be read
// after maxHeadAttempts tries or the search exits below block 1.
func (f *BlockFinder) Find(ctx context.Context, targetTS uint64) (uint64, bool) {
	head, ok := f.readHeadWithRetry(ctx)
	if !ok {
		return 0, false
	}

	current := head
	var earliestAfterTarget uint64 = 0
	haveEarliest := false

	var prevBlock, prevTS uint64
	havePrevSample := false

	for current >= 1 {
		header, err := f.client.BlockByNumber(ctx, current)
		if err != nil || header == nil {
			f.logger.Warn("failed to fetch block while searching by timestamp", "block", current, "err", err)
			return 0, false
		}
		ts := header.Time

		if ts < targetTS {
			// A stride can overshoot below the last block before the
			// target; walk forward up to the tightest known upper bound.
			for haveEarliest && current+1 < earliestAfterTarget {
				after, err := f.client.BlockByNumber(ctx, current+1)
				if err != nil || after == nil || after.Time >= targetTS {
					break
				}
				current++
			}
			return current, true
		}

		// current's timestamp is >= target: it's a valid upper clamp.
		if !haveEarliest || current < earliestAfterTarget {
			earliestAfterTarget = current
			haveEarliest = true
		}

		var stride uint64
		if havePrevSample && prevTS > ts && prevTS-ts > 1 {
			// Q3: guard against division by zero/near-zero deltas; this
			// threshold is a heuristic, not a contract (spec.md section 9).
			blockDelta := prevBlock - current
			timeDelta := prevTS - ts
			secondsPerBlock := float64(timeDelta) / float64(blockDelta)
			if secondsPerBlock < 0.1 {
				secondsPerBlock = 0.1
			}
			stride = uint64(float64(ts-targetTS+1) / secondsPerBlock)
		} else {
			stride = (ts - targetTS) / assumedBlocksPerSecond
		}
		if stride == 0 {
			stride = 1
		}

		prevBlock, prevTS = current, ts
		havePrevSample = true

		var next uint64
		if stride >= current {
			next = 0
		} else {
			next = current - stride
		}
		if haveEarliest && next >= earliestAfterTarget && earliestAfterTarget > 0 {
			// Clamp below the tightest known upper bound to avoid
			// oscillating back above a point we've already ruled out,
			// then tighten the bound by one (spec.md section 4.3).
			next = earliestAfterTarget - 1
			earliestAfterTarget--
		}
		if next >= current {
			if current == 0 {
				break
			}
			next = current - 1
		}
		current = next
	}
	return 0, false
}

func (f *BlockFinder) readHeadWithRetry(ctx context.Context) (uint64, bool) {
	for attempt := 0; attempt < maxHeadAttempts; attempt++ {
		n, err := f.client.BlockNumber(ctx)
		if err == nil {
			return n, true
		}
		f.logger.Warn("failed to read chain head", "attempt", attempt, "err", err)
		select {
		case <-ctx.Done():
			return 0, false
		case <-time.After(200 * time.Millisecond):
		}
	}
	return 0, false
}
