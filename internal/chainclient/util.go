package chainclient

import (
	"math/big"
	"time"
)

func bigFromUint64(n uint64) *big.Int {
	return new(big.Int).SetUint64(n)
}

// waitTick paces confirmation polling; not exported, intentionally
// fixed since it only governs local busy-wait cadence.
func waitTick() <-chan time.Time {
	return time.After(2 * time.Second)
}
