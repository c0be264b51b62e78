// Package epoch maintains the rolling window of per-epoch gateway
// snapshots and the waitlist of jobs deferred until their epoch's
// snapshot materializes, per spec.md section 4.4.
package epoch

import (
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/marlinprotocol/serverless-gateway/internal/gwtypes"
)

// Window is W, the number of most-recent epochs retained (spec.md
// invariant I3, constant GATEWAY_BLOCK_STATES_TO_MAINTAIN).
const Window = 5

// OffsetSeconds is OFFSET_FOR_GATEWAY_EPOCH_STATE_CYCLE.
const OffsetSeconds = 4

// Index computes the epoch index of unix time t, per spec.md section 3:
// (t - genesis - offset) / interval.
func Index(t, genesis, offset, interval uint64) uint64 {
	if interval == 0 {
		return 0
	}
	if t < genesis+offset {
		return 0
	}
	return (t - genesis - offset) / interval
}

// Snapshot is one epoch's gateway pool, keyed by address for
// deterministic iteration order (the elector's canonical order,
// spec.md section 4.5/9).
type Snapshot struct {
	Epoch     uint64
	Addresses []common.Address // sorted, deterministic iteration order
	Gateways  map[common.Address]*gwtypes.GatewayData
}

// Ordered returns the snapshot's gateways in canonical (address-sorted) order.
func (s *Snapshot) Ordered() []*gwtypes.GatewayData {
	out := make([]*gwtypes.GatewayData, 0, len(s.Addresses))
	for _, a := range s.Addresses {
		out = append(out, s.Gateways[a])
	}
	return out
}

// NewSnapshot builds a Snapshot from an unordered gateway map, sorting
// addresses once so iteration order is deterministic thereafter.
func NewSnapshot(epoch uint64, gateways map[common.Address]*gwtypes.GatewayData) *Snapshot {
	addrs := make([]common.Address, 0, len(gateways))
	for a := range gateways {
		addrs = append(addrs, a)
	}
	sort.Slice(addrs, func(i, j int) bool {
		return addrs[i].Hex() < addrs[j].Hex()
	})
	return &Snapshot{Epoch: epoch, Addresses: addrs, Gateways: gateways}
}

// State is the single-writer-many-reader shared structure holding the
// rolling W-epoch window and the waitlist (spec.md section 3 Ownership).
type State struct {
	mu        sync.RWMutex
	snapshots map[uint64]*Snapshot
	waitlist  map[uint64][]gwtypes.Job
}

// New returns an empty epoch state.
func New() *State {
	return &State{
		snapshots: map[uint64]*Snapshot{},
		waitlist:  map[uint64][]gwtypes.Job{},
	}
}

// Get returns the snapshot for epoch e, or false if not yet materialized.
func (s *State) Get(e uint64) (*Snapshot, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, ok := s.snapshots[e]
	return snap, ok
}

// Insert installs a snapshot for epoch e and prunes any epoch older
// than e-Window, per spec.md invariant I3.
func (s *State) Insert(snap *Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshots[snap.Epoch] = snap
	if snap.Epoch >= Window {
		floor := snap.Epoch - Window
		for e := range s.snapshots {
			if e < floor {
				delete(s.snapshots, e)
			}
		}
		for e := range s.waitlist {
			if e < floor {
				delete(s.waitlist, e)
			}
		}
	}
}

// Waitlist appends job to the waitlist for epoch e.
func (s *State) Waitlist(e uint64, job gwtypes.Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.waitlist[e] = append(s.waitlist[e], job)
}

// DrainWaitlist removes and returns every job waitlisted for epoch e.
func (s *State) DrainWaitlist(e uint64) []gwtypes.Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	jobs := s.waitlist[e]
	delete(s.waitlist, e)
	return jobs
}

// WaitlistLen reports how many jobs are currently waitlisted for epoch e,
// exposed for metrics and tests (spec.md property P5).
func (s *State) WaitlistLen(e uint64) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.waitlist[e])
}
