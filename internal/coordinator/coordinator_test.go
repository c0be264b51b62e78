package coordinator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/marlinprotocol/serverless-gateway/internal/elector"
	"github.com/marlinprotocol/serverless-gateway/internal/epoch"
	"github.com/marlinprotocol/serverless-gateway/internal/gwtypes"
	"github.com/marlinprotocol/serverless-gateway/internal/jobtracker"
	"github.com/marlinprotocol/serverless-gateway/internal/signer"
)

type fakeEgress struct {
	mu         sync.Mutex
	relays     []gwtypes.Job
	slashes    []gwtypes.Job
	reassigns  []gwtypes.Job
	responses  []gwtypes.Job
	sightings  []RelayedSighting
}

func (f *fakeEgress) SubmitRelay(ctx context.Context, job gwtypes.Job, sig signer.Signature) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.relays = append(f.relays, job)
	return nil
}

func (f *fakeEgress) SubmitSlash(ctx context.Context, job gwtypes.Job) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.slashes = append(f.slashes, job)
	return nil
}

func (f *fakeEgress) SubmitReassign(ctx context.Context, job gwtypes.Job, sig signer.Signature) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reassigns = append(f.reassigns, job)
	return nil
}

func (f *fakeEgress) SubmitResponse(ctx context.Context, job gwtypes.Job, sig signer.Signature, output []byte, totalTime uint64, errorCode uint8) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses = append(f.responses, job)
	return nil
}

func (f *fakeEgress) JobRelayedSince(ctx context.Context, jobID uint64, startBlock uint64) ([]RelayedSighting, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []RelayedSighting
	for _, s := range f.sightings {
		if s.JobID == jobID {
			out = append(out, s)
		}
	}
	return out, nil
}

func (f *fakeEgress) slashCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.slashes)
}

func (f *fakeEgress) relayCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.relays)
}

func newTestSigner(t *testing.T) *signer.Signer {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	return signer.New(key)
}

func buildCoordinator(t *testing.T, self common.Address, gateways map[common.Address]uint64, chain uint64) (*Coordinator, *epoch.State, *fakeEgress, *jobtracker.Tracker) {
	t.Helper()
	state := epoch.New()
	gwmap := map[common.Address]*gwtypes.GatewayData{}
	for addr, stake := range gateways {
		gwmap[addr] = &gwtypes.GatewayData{
			Address:         addr,
			StakeAmount:     uint256.NewInt(stake),
			RequestChainIDs: map[uint64]struct{}{chain: {}},
		}
	}
	// Every scenario's job starts at 1_700_000_000 (the coordinator's
	// clock below), so the snapshot is keyed by that job's cycle.
	state.Insert(epoch.NewSnapshot(epoch.Index(1_700_000_000, 0, epoch.OffsetSeconds, 600), gwmap))

	el := elector.New(state, uint256.NewInt(0))
	tracker := jobtracker.New()
	egress := &fakeEgress{}
	s := newTestSigner(t)
	zlog := zap.NewNop()

	coord := New(self, state, el, tracker, egress, s, zlog, nil, 0, 600)
	coord.nowUnix = func() uint64 { return 1_700_000_000 }
	return coord, state, egress, tracker
}

// TestS1SelfElected exercises scenario S1: single gateway = self,
// expect insertion into Active Jobs and one relay submitted.
func TestS1SelfElected(t *testing.T) {
	self := common.HexToAddress("0x01")
	coord, _, egress, tracker := buildCoordinator(t, self, map[common.Address]uint64{self: 100}, 1)

	job := gwtypes.Job{
		ID:             gwtypes.JobID{JobID: 1, RequestChainID: 1},
		StartTime:      1_700_000_000,
		SequenceNumber: 1,
		JobOwner:       common.HexToAddress("0xaa"),
	}
	coord.HandleJobRelayed(context.Background(), job)

	stored, ok := tracker.Get(job.ID)
	require.True(t, ok)
	require.Equal(t, self, stored.GatewayAddress)
	require.Equal(t, 1, egress.relayCount())
}

// TestS2SelfNotElected exercises scenario S2: self never in the
// snapshot, expect nothing in Active Jobs and a slash timer armed.
func TestS2SelfNotElected(t *testing.T) {
	self := common.HexToAddress("0x01")
	others := map[common.Address]uint64{
		common.HexToAddress("0x02"): 100,
		common.HexToAddress("0x03"): 100,
		common.HexToAddress("0x04"): 100,
		common.HexToAddress("0x05"): 100,
	}
	coord, _, egress, tracker := buildCoordinator(t, self, others, 1)
	coord.slashTimeout = 10 * time.Millisecond

	job := gwtypes.Job{
		ID:             gwtypes.JobID{JobID: 1, RequestChainID: 1},
		StartTime:      1_700_000_000,
		SequenceNumber: 1,
		JobOwner:       common.HexToAddress("0xaa"),
	}
	coord.HandleJobRelayed(context.Background(), job)
	_, ok := tracker.Get(job.ID)
	require.False(t, ok)
	require.Equal(t, 0, egress.relayCount())

	require.Eventually(t, func() bool { return egress.slashCount() > 0 }, time.Second, time.Millisecond)
}

// TestS3WaitlistThenFlush exercises scenario S3: no snapshot yet, job
// waitlisted; inserting the snapshot then flushes it through to S1's
// outcome.
func TestS3WaitlistThenFlush(t *testing.T) {
	self := common.HexToAddress("0x01")
	state := epoch.New()
	el := elector.New(state, uint256.NewInt(0))
	tracker := jobtracker.New()
	egress := &fakeEgress{}
	s := newTestSigner(t)
	coord := New(self, state, el, tracker, egress, s, zap.NewNop(), nil, 0, 600)
	coord.nowUnix = func() uint64 { return 1_700_000_000 }

	job := gwtypes.Job{
		ID:             gwtypes.JobID{JobID: 1, RequestChainID: 1},
		StartTime:      1_700_000_000,
		SequenceNumber: 1,
		JobOwner:       common.HexToAddress("0xaa"),
	}
	coord.HandleJobRelayed(context.Background(), job)
	require.Equal(t, 1, state.WaitlistLen(epoch.Index(job.StartTime, 0, epoch.OffsetSeconds, 600)))
	_, ok := tracker.Get(job.ID)
	require.False(t, ok)

	jobCycle := epoch.Index(job.StartTime, 0, epoch.OffsetSeconds, 600)
	gwmap := map[common.Address]*gwtypes.GatewayData{
		self: {Address: self, StakeAmount: uint256.NewInt(100), RequestChainIDs: map[uint64]struct{}{1: {}}},
	}
	state.Insert(epoch.NewSnapshot(jobCycle, gwmap))
	for _, waiting := range state.DrainWaitlist(jobCycle) {
		coord.HandleJobRelayed(context.Background(), waiting)
	}

	stored, ok := tracker.Get(job.ID)
	require.True(t, ok)
	require.Equal(t, self, stored.GatewayAddress)
}

// TestS4JobTooOld exercises scenario S4: current cycle far beyond the
// job's cycle, expect no state change.
func TestS4JobTooOld(t *testing.T) {
	self := common.HexToAddress("0x01")
	coord, _, egress, tracker := buildCoordinator(t, self, map[common.Address]uint64{self: 100}, 1)
	coord.nowUnix = func() uint64 { return 1_700_000_000 + 6*600 }

	job := gwtypes.Job{
		ID:             gwtypes.JobID{JobID: 1, RequestChainID: 1},
		StartTime:      1_700_000_000,
		SequenceNumber: 1,
		JobOwner:       common.HexToAddress("0xaa"),
	}
	coord.HandleJobRelayed(context.Background(), job)
	_, ok := tracker.Get(job.ID)
	require.False(t, ok)
	require.Equal(t, 0, egress.relayCount())
}

// TestS6RetryExhaustion exercises scenario S6's retry cap: a peer (never
// self) is elected, and each slash timer expires with no JobRelayed
// sighting; after MaxGatewayRetries misses the job is dropped without
// further retries.
func TestS6RetryExhaustion(t *testing.T) {
	self := common.HexToAddress("0x01")
	others := map[common.Address]uint64{
		common.HexToAddress("0x02"): 100,
		common.HexToAddress("0x03"): 100,
		common.HexToAddress("0x04"): 100,
		common.HexToAddress("0x05"): 100,
	}
	coord, _, egress, _ := buildCoordinator(t, self, others, 1)
	coord.slashTimeout = 5 * time.Millisecond

	job := gwtypes.Job{
		ID:             gwtypes.JobID{JobID: 1, RequestChainID: 1},
		StartTime:      1_700_000_000,
		SequenceNumber: 1,
		JobOwner:       common.HexToAddress("0xaa"),
	}
	coord.HandleJobRelayed(context.Background(), job)

	// seq 1 -> slash, seq becomes 2 (<=MaxGatewayRetries, retry);
	// seq 2 -> slash, seq becomes 3 (>MaxGatewayRetries, drop): exactly
	// MaxGatewayRetries slashes, then no further retries.
	require.Eventually(t, func() bool { return egress.slashCount() >= MaxGatewayRetries }, 2*time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, MaxGatewayRetries, egress.slashCount())
}
