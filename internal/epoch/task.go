package epoch

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"

	"github.com/marlinprotocol/serverless-gateway/internal/confirm"
	"github.com/marlinprotocol/serverless-gateway/internal/gwtypes"
)

// RegistryEventKind enumerates the gateway-registry events the epoch
// task applies to build the next snapshot, per spec.md section 4.4.
type RegistryEventKind uint8

const (
	EventRegistered RegistryEventKind = iota
	EventDeregistered
	EventStakeChanged
	EventChainsAdded
	EventChainsRemoved
	EventDrainingToggled
)

// RegistryEvent is one decoded gateway-registry event. Decoding raw
// chain logs into this shape is the chain-client capability's concern
// (spec.md section 6); the epoch task only applies already-decoded events.
type RegistryEvent struct {
	Kind        RegistryEventKind
	Gateway     common.Address
	Stake       *gwtypes.GatewayData // EventRegistered: the new full record; EventStakeChanged: only StakeAmount is applied
	ChainIDs    []uint64             // for EventChainsAdded/EventChainsRemoved
	Draining    bool                 // for EventDrainingToggled
	BlockNumber uint64
}

// RegistrySource fetches registry events between two block numbers.
// Returns (nil, false, nil) when the events for that range are not yet
// available (spec.md section 4.4 "Backpressure").
type RegistrySource interface {
	RegistryEvents(ctx context.Context, fromBlock, toBlock uint64) ([]RegistryEvent, bool, error)
}

// Ingress is the coordinator's waitlist re-submission entrypoint,
// invoked once per flushed job (spec.md section 4.4 step 4).
type Ingress interface {
	Reingest(job gwtypes.Job)
}

// Task drives the periodic epoch-materialization wake described in
// spec.md section 4.4.
type Task struct {
	state      *State
	source     RegistrySource
	finder     *confirm.BlockFinder
	ingress    Ingress
	genesis    uint64
	offset     uint64
	interval   uint64
	logger     log.Logger
	lastBlock  uint64
}

// NewTask builds an epoch task. genesis/offset/interval parameterize the
// epoch index formula of spec.md section 3.
func NewTask(state *State, source RegistrySource, finder *confirm.BlockFinder, ingress Ingress, genesis, interval uint64, startBlock uint64) *Task {
	return &Task{
		state:     state,
		source:    source,
		finder:    finder,
		ingress:   ingress,
		genesis:   genesis,
		offset:    OffsetSeconds,
		interval:  interval,
		logger:    log.New("component", "gateway-epoch-state"),
		lastBlock: startBlock,
	}
}

// Run wakes once per epoch interval until ctx is cancelled.
func (t *Task) Run(ctx context.Context) error {
	ticker := time.NewTicker(time.Duration(t.interval) * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			t.tick(ctx, uint64(now.Unix()))
		}
	}
}

func (t *Task) tick(ctx context.Context, wallTime uint64) {
	e := Index(wallTime, t.genesis, t.offset, t.interval)
	boundaryTS := e*t.interval + t.genesis + t.offset

	for {
		toBlock, ok := t.finder.Find(ctx, boundaryTS)
		if !ok {
			t.logger.Warn("could not resolve epoch boundary block, retrying next tick", "epoch", e)
			return
		}

		events, available, err := t.source.RegistryEvents(ctx, t.lastBlock, toBlock)
		if err != nil {
			t.logger.Error("failed to fetch registry events", "epoch", e, "err", err)
			return
		}
		if !available {
			// Backpressure: sleep one block period and retry; jobs for
			// epoch e accumulate on the waitlist in the meantime.
			select {
			case <-ctx.Done():
				return
			case <-time.After(5 * time.Second):
			}
			continue
		}

		prev, _ := t.state.Get(e - 1)
		next := applyEvents(e, prev, events)
		t.state.Insert(next)
		t.lastBlock = toBlock + 1

		for _, job := range t.state.DrainWaitlist(e) {
			t.ingress.Reingest(job)
		}
		t.logger.Info("materialized epoch snapshot", "epoch", e, "gateways", len(next.Addresses))
		return
	}
}

func applyEvents(epoch uint64, prev *Snapshot, events []RegistryEvent) *Snapshot {
	gateways := map[common.Address]*gwtypes.GatewayData{}
	if prev != nil {
		for addr, g := range prev.Gateways {
			clone := *g
			clone.RequestChainIDs = cloneChainSet(g.RequestChainIDs)
			gateways[addr] = &clone
		}
	}

	for _, ev := range events {
		switch ev.Kind {
		case EventRegistered:
			if ev.Stake != nil {
				gateways[ev.Gateway] = ev.Stake
			}
		case EventDeregistered:
			delete(gateways, ev.Gateway)
		case EventStakeChanged:
			if g, ok := gateways[ev.Gateway]; ok && ev.Stake != nil {
				g.StakeAmount = ev.Stake.StakeAmount
			}
		case EventChainsAdded:
			if g, ok := gateways[ev.Gateway]; ok {
				for _, c := range ev.ChainIDs {
					g.RequestChainIDs[c] = struct{}{}
				}
			}
		case EventChainsRemoved:
			if g, ok := gateways[ev.Gateway]; ok {
				for _, c := range ev.ChainIDs {
					delete(g.RequestChainIDs, c)
				}
			}
		case EventDrainingToggled:
			if g, ok := gateways[ev.Gateway]; ok {
				g.Draining = ev.Draining
			}
		}
		if g, ok := gateways[ev.Gateway]; ok {
			g.LastBlockNumber = ev.BlockNumber
		}
	}

	return NewSnapshot(epoch, gateways)
}

func cloneChainSet(in map[uint64]struct{}) map[uint64]struct{} {
	out := make(map[uint64]struct{}, len(in))
	for k := range in {
		out[k] = struct{}{}
	}
	return out
}
