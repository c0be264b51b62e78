package signer

import (
	"crypto/ecdsa"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"
)

func newTestKey(t *testing.T) *ecdsa.PrivateKey {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	return key
}

func TestSignRelayJobRoundTrip(t *testing.T) {
	key := newTestKey(t)
	s := New(key)

	f := RelayJobFields{
		JobID:               1,
		CodeHash:            common.HexToHash("0xaa"),
		CodeInput:           []byte("input"),
		Deadline:            30,
		JobRequestTimestamp: 1_700_000_000,
		SequenceID:          1,
		JobOwner:            common.HexToAddress("0xbb"),
		Env:                 0,
	}

	sig, err := s.SignRelayJob(f)
	require.NoError(t, err)
	require.Len(t, sig.Bytes, 65)
	require.Contains(t, []byte{27, 28}, sig.Bytes[64])

	digest := RelayJobDigest(f, sig.SignTimestamp)
	recovered, err := Recover(digest, sig.Bytes)
	require.NoError(t, err)
	require.Equal(t, s.Address(), recovered)
}

func TestSignReassignGatewayProducesSignature(t *testing.T) {
	key := newTestKey(t)
	s := New(key)

	sig, err := s.SignReassignGateway(ReassignGatewayFields{
		JobID:               7,
		GatewayOld:          common.HexToAddress("0xcc"),
		JobOwner:            common.HexToAddress("0xdd"),
		SequenceID:          2,
		JobRequestTimestamp: 1_700_000_100,
	})
	require.NoError(t, err)
	require.Len(t, sig.Bytes, 65)
}

func TestSignJobResponseProducesSignature(t *testing.T) {
	key := newTestKey(t)
	s := New(key)

	for _, sub := range []bool{false, true} {
		sig, err := s.SignJobResponse(JobResponseFields{
			JobID:     9,
			Output:    []byte("result"),
			TotalTime: 42,
			ErrorCode: 0,
		}, sub)
		require.NoError(t, err)
		require.Len(t, sig.Bytes, 65)
	}
}

func TestAddressMatchesPublicKey(t *testing.T) {
	key := newTestKey(t)
	s := New(key)
	require.Equal(t, crypto.PubkeyToAddress(key.PublicKey), s.Address())
}
