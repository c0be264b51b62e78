package egress

import (
	"context"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/require"

	"github.com/marlinprotocol/serverless-gateway/internal/chainclient"
	"github.com/marlinprotocol/serverless-gateway/internal/gwtypes"
	"github.com/marlinprotocol/serverless-gateway/internal/signer"
)

func testContracts() Contracts {
	return Contracts{
		CommonChain:     common.HexToAddress("0xc0"),
		RequestRelay:    map[uint64]common.Address{1: common.HexToAddress("0xr1")},
		RequestRelaySub: map[uint64]common.Address{1: common.HexToAddress("0xs1")},
	}
}

func TestSubmitRelayRoutesToCommonChain(t *testing.T) {
	common1 := chainclient.NewFake()
	req1 := chainclient.NewFake()
	e := New(common1, map[uint64]chainclient.Client{1: req1}, testContracts(), 500000)

	job := gwtypes.Job{
		ID:        gwtypes.JobID{JobID: 7, RequestChainID: 1},
		CodeHash:  common.HexToHash("0xaa"),
		CodeInput: []byte("input"),
		JobOwner:  common.HexToAddress("0xdd"),
	}
	err := e.SubmitRelay(context.Background(), job, signer.Signature{Bytes: make([]byte, 65), SignTimestamp: 1})
	require.NoError(t, err)
	require.Len(t, common1.SentTransactions(), 1)
	require.Equal(t, common.HexToAddress("0xc0"), common1.SentTransactions()[0].To)
	require.Empty(t, req1.SentTransactions())
}

func TestSubmitSlashGoesToCommonChain(t *testing.T) {
	common1 := chainclient.NewFake()
	e := New(common1, map[uint64]chainclient.Client{}, testContracts(), 500000)

	err := e.SubmitSlash(context.Background(), gwtypes.Job{ID: gwtypes.JobID{JobID: 1, RequestChainID: 1}})
	require.NoError(t, err)
	require.Len(t, common1.SentTransactions(), 1)
	require.Equal(t, common.HexToAddress("0xc0"), common1.SentTransactions()[0].To)
}

func TestJobRelayedSinceFindsMatchingSighting(t *testing.T) {
	common1 := chainclient.NewFake()
	common1.SetHead(100)

	data, err := mustArgs([]string{"uint256", "address", "address"}).Pack(
		big.NewInt(0),
		common.HexToAddress("0xdd"), common.HexToAddress("0xee"),
	)
	require.NoError(t, err)
	jobIDTopic := common.BigToHash(big.NewInt(7))
	common1.Emit(types.Log{Topics: []common.Hash{jobRelayedSig, jobIDTopic}, Data: data, BlockNumber: 5})

	e := New(common1, map[uint64]chainclient.Client{}, testContracts(), 500000)
	sightings, err := e.JobRelayedSince(context.Background(), 7, 0)
	require.NoError(t, err)
	require.Len(t, sightings, 1)
	require.Equal(t, common.HexToAddress("0xee"), sightings[0].Gateway)
}
