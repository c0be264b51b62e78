package registrysource

import (
	"context"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/require"

	"github.com/marlinprotocol/serverless-gateway/internal/chainclient"
	"github.com/marlinprotocol/serverless-gateway/internal/epoch"
)

func pack(t *testing.T, kinds []string, values ...interface{}) []byte {
	t.Helper()
	data, err := args(kinds...).Pack(values...)
	require.NoError(t, err)
	return data
}

func TestRegistryEventsDecodesRegistered(t *testing.T) {
	fake := chainclient.NewFake()
	fake.SetHead(100)
	registry := common.HexToAddress("0xfeed")

	gw := common.HexToAddress("0xaa")
	owner := common.HexToAddress("0xbb")
	data := pack(t, []string{"uint256[]"}, []*big.Int{big.NewInt(7)})
	fake.Emit(types.Log{
		Address: registry,
		Topics: []common.Hash{
			registeredSig,
			common.BytesToHash(gw.Bytes()),
			common.BytesToHash(owner.Bytes()),
		},
		Data:        data,
		BlockNumber: 10,
	})

	src := New(fake, registry)
	events, ok, err := src.RegistryEvents(context.Background(), 0, 50)
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, events, 1)
	require.Equal(t, epoch.EventRegistered, events[0].Kind)
	require.Equal(t, gw, events[0].Gateway)
	require.Equal(t, uint64(0), events[0].Stake.StakeAmount.Uint64())
	require.True(t, events[0].Stake.SupportsChain(7))
}

func TestRegistryEventsUnavailableBeyondHead(t *testing.T) {
	fake := chainclient.NewFake()
	fake.SetHead(5)
	src := New(fake, common.HexToAddress("0xfeed"))

	_, ok, err := src.RegistryEvents(context.Background(), 0, 50)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestRegistryEventsIgnoresRemovedLogs(t *testing.T) {
	fake := chainclient.NewFake()
	fake.SetHead(100)
	registry := common.HexToAddress("0xfeed")
	data := pack(t, []string{"address"}, common.HexToAddress("0xaa"))
	removed := types.Log{Address: registry, Topics: []common.Hash{deregisteredSig}, Data: data, BlockNumber: 10, Removed: true}
	fake.Emit(removed)

	src := New(fake, registry)
	events, ok, err := src.RegistryEvents(context.Background(), 0, 50)
	require.NoError(t, err)
	require.True(t, ok)
	require.Empty(t, events)
}
