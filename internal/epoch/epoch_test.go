package epoch

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"

	"github.com/marlinprotocol/serverless-gateway/internal/gwtypes"
)

func TestIndexFormula(t *testing.T) {
	require.Equal(t, uint64(0), Index(1000, 1000, 4, 600))
	require.Equal(t, uint64(1), Index(1604, 1000, 4, 600))
}

func TestInsertPrunesOldEpochs(t *testing.T) {
	s := New()
	for e := uint64(0); e <= 10; e++ {
		s.Insert(NewSnapshot(e, map[common.Address]*gwtypes.GatewayData{}))
	}
	_, ok := s.Get(10 - Window)
	require.True(t, ok)
	_, ok = s.Get(10 - Window - 1)
	require.False(t, ok)
}

func TestWaitlistDrain(t *testing.T) {
	s := New()
	job := gwtypes.Job{ID: gwtypes.JobID{JobID: 1, RequestChainID: 1}}
	s.Waitlist(3, job)
	require.Equal(t, 1, s.WaitlistLen(3))
	drained := s.DrainWaitlist(3)
	require.Len(t, drained, 1)
	require.Equal(t, 0, s.WaitlistLen(3))
}

func TestSnapshotOrderedDeterministic(t *testing.T) {
	addrA := common.HexToAddress("0x01")
	addrB := common.HexToAddress("0x02")
	gateways := map[common.Address]*gwtypes.GatewayData{
		addrB: {Address: addrB, StakeAmount: uint256.NewInt(100)},
		addrA: {Address: addrA, StakeAmount: uint256.NewInt(200)},
	}
	snap := NewSnapshot(1, gateways)
	ordered := snap.Ordered()
	require.Len(t, ordered, 2)
	require.Equal(t, addrA, ordered[0].Address)
	require.Equal(t, addrB, ordered[1].Address)
}

func TestApplyEventsLifecycle(t *testing.T) {
	addr := common.HexToAddress("0x01")
	events := []RegistryEvent{
		{Kind: EventRegistered, Gateway: addr, Stake: &gwtypes.GatewayData{
			Address:         addr,
			StakeAmount:     uint256.NewInt(500),
			RequestChainIDs: map[uint64]struct{}{1: {}},
		}},
		{Kind: EventChainsAdded, Gateway: addr, ChainIDs: []uint64{2}},
		{Kind: EventDrainingToggled, Gateway: addr, Draining: true},
	}
	snap := applyEvents(1, nil, events)
	g := snap.Gateways[addr]
	require.True(t, g.Draining)
	require.True(t, g.SupportsChain(1))
	require.True(t, g.SupportsChain(2))

	next := applyEvents(2, snap, []RegistryEvent{{Kind: EventDeregistered, Gateway: addr}})
	require.Empty(t, next.Gateways)
}
