// Package gwtypes holds the cross-chain job data model shared by every
// coordinator package: jobs, subscription jobs, and gateway snapshots.
package gwtypes

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Mode distinguishes a one-shot job from a single instance of a
// recurring subscription.
type Mode uint8

const (
	ModeOnce Mode = iota
	ModeSubscription
)

func (m Mode) String() string {
	if m == ModeSubscription {
		return "subscription"
	}
	return "once"
}

// Kind is the coordinator-local lifecycle tag for an active job.
type Kind uint8

const (
	KindRelay Kind = iota
	KindSlash
	KindResponded
)

func (k Kind) String() string {
	switch k {
	case KindSlash:
		return "slash"
	case KindResponded:
		return "responded"
	default:
		return "relay"
	}
}

// JobID is the coordinator's composite identity for a job: a job id is
// only unique within the request chain it originated on.
type JobID struct {
	JobID          uint64
	RequestChainID uint64
}

// Job is one job relay, either standalone or a materialized subscription
// instance. Field names follow spec.md section 3.
type Job struct {
	ID                 JobID
	TxHash             common.Hash
	CodeHash           common.Hash
	CodeInput          []byte
	UserTimeout        uint64
	StartTime          uint64
	JobOwner           common.Address
	SequenceNumber     uint8
	GatewayAddress     common.Address
	HasGateway         bool
	Mode               Mode
	Kind               Kind
	SubscriptionID     uint64
	IsSubscriptionInst bool
}

// SubscriptionJob is the recurring-job template a SubscriptionStarted
// event admits. Individual firings are materialized into a Job by the
// scheduler; see internal/subscription.
type SubscriptionJob struct {
	SubscriptionID  uint64
	RequestChainID  uint64
	Subscriber      common.Address
	Interval        uint64
	TerminationTime uint64
	UserTimeout     uint64
	TxHash          common.Hash
	CodeHash        common.Hash
	CodeInput       []byte
	StartTime       uint64
}

// InstanceCount returns floor((triggerTS - StartTime) / Interval), the
// per-firing counter added to SubscriptionID to make an instance job id.
func (s *SubscriptionJob) InstanceCount(triggerTS uint64) uint64 {
	if triggerTS <= s.StartTime || s.Interval == 0 {
		return 0
	}
	return (triggerTS - s.StartTime) / s.Interval
}

// InstanceJob materializes the single Job firing at triggerTS.
func (s *SubscriptionJob) InstanceJob(triggerTS uint64) Job {
	inst := s.InstanceCount(triggerTS)
	return Job{
		ID:                 JobID{JobID: s.SubscriptionID + inst, RequestChainID: s.RequestChainID},
		TxHash:             s.TxHash,
		CodeHash:           s.CodeHash,
		CodeInput:          s.CodeInput,
		UserTimeout:        s.UserTimeout,
		StartTime:          triggerTS,
		JobOwner:           s.Subscriber,
		SequenceNumber:     1,
		Mode:               ModeSubscription,
		Kind:               KindRelay,
		SubscriptionID:     s.SubscriptionID,
		IsSubscriptionInst: true,
	}
}

// GatewayData is one gateway's snapshot as of a given epoch.
type GatewayData struct {
	Address         common.Address
	StakeAmount     *uint256.Int
	RequestChainIDs map[uint64]struct{}
	Draining        bool
	LastBlockNumber uint64
}

// SupportsChain reports whether this gateway has registered support for
// reqChainID in the snapshot it belongs to.
func (g *GatewayData) SupportsChain(reqChainID uint64) bool {
	_, ok := g.RequestChainIDs[reqChainID]
	return ok
}
