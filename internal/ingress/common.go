package ingress

import (
	"context"
	"fmt"
	"math/big"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/log"

	"github.com/marlinprotocol/serverless-gateway/internal/chainclient"
)

var (
	jobRespondedSig          = crypto.Keccak256Hash([]byte("JobResponded(uint256,bytes,uint256,uint8)"))
	jobResourceUnavailableSig = crypto.Keccak256Hash([]byte("JobResourceUnavailable(uint256,address)"))
	gatewayReassignedSig     = crypto.Keccak256Hash([]byte("GatewayReassigned(uint256,address,address,uint8)"))
)

// CommonIngress is the subset of coordinator methods driven by
// common-chain events.
type CommonIngress interface {
	HandleJobRespondedByID(ctx context.Context, jobID uint64, output []byte, totalTime uint64, errorCode uint8)
	HandleJobResourceUnavailableByID(jobID uint64)
	HandleGatewayReassignedByID(jobID uint64, seq uint8)
}

// CommonSource decodes the common chain's gateway-jobs contract events.
type CommonSource struct {
	client      chainclient.Client
	jobsAddr    common.Address
	logger      log.Logger
}

// NewCommon builds a CommonSource for the common chain's GatewayJobs contract.
func NewCommon(client chainclient.Client, jobsAddr common.Address) *CommonSource {
	return &CommonSource{client: client, jobsAddr: jobsAddr, logger: log.New("component", "common-ingress")}
}

// Run replays history from fromBlock and then streams live logs until
// ctx is cancelled.
func (s *CommonSource) Run(ctx context.Context, fromBlock uint64, coord CommonIngress) error {
	q := ethereum.FilterQuery{Addresses: []common.Address{s.jobsAddr}}

	historic, err := s.client.GetLogs(ctx, withFromBlock(q, fromBlock))
	if err != nil {
		return fmt.Errorf("common-ingress: historic logs: %w", err)
	}
	for _, l := range historic {
		s.handle(ctx, l, coord)
	}

	logs, sub, err := s.client.SubscribeLogs(ctx, q)
	if err != nil {
		return fmt.Errorf("common-ingress: subscribing: %w", err)
	}
	defer sub.Unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-sub.Err():
			return fmt.Errorf("common-ingress: subscription: %w", err)
		case l := <-logs:
			s.handle(ctx, l, coord)
		}
	}
}

func (s *CommonSource) handle(ctx context.Context, l types.Log, coord CommonIngress) {
	if l.Removed || len(l.Topics) == 0 {
		return
	}
	jobID, ok := decodeUint256Topic(l, 1)
	if !ok {
		return
	}

	switch l.Topics[0] {
	case jobRespondedSig:
		vals, err := args("bytes", "uint256", "uint8").Unpack(l.Data)
		if err != nil || len(vals) != 3 {
			s.logger.Error("failed to decode JobResponded", "job", jobID)
			return
		}
		output, _ := vals[0].([]byte)
		totalTime, _ := vals[1].(*big.Int)
		errorCode, _ := vals[2].(uint8)
		if totalTime == nil {
			return
		}
		coord.HandleJobRespondedByID(ctx, jobID, output, totalTime.Uint64(), errorCode)

	case jobResourceUnavailableSig:
		coord.HandleJobResourceUnavailableByID(jobID)

	case gatewayReassignedSig:
		vals, err := args("address", "address", "uint8").Unpack(l.Data)
		if err != nil || len(vals) != 3 {
			s.logger.Error("failed to decode GatewayReassigned", "job", jobID)
			return
		}
		seq, _ := vals[2].(uint8)
		coord.HandleGatewayReassignedByID(jobID, seq)
	}
}
