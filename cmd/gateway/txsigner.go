package main

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/marlinprotocol/serverless-gateway/internal/chainclient"
)

func ecdsaAddress(key *ecdsa.PrivateKey) common.Address {
	return crypto.PubkeyToAddress(key.PublicKey)
}

// newSendTx builds the chainclient.RPCClient sendTx callback: nonce and
// gas-price lookups plus EIP-155 signing with the enclave key, kept out
// of the chainclient package per its own doc comment since chain id and
// nonce management belong to the submission path, not the transport.
func newSendTx(eth *ethclient.Client, key *ecdsa.PrivateKey, chainID uint64) func(ctx context.Context, call chainclient.TypedCall) (*types.Transaction, error) {
	from := ecdsaAddress(key)
	id := new(big.Int).SetUint64(chainID)
	signer := types.LatestSignerForChainID(id)

	return func(ctx context.Context, call chainclient.TypedCall) (*types.Transaction, error) {
		nonce, err := eth.PendingNonceAt(ctx, from)
		if err != nil {
			return nil, fmt.Errorf("txsigner: nonce: %w", err)
		}
		gasPrice, err := eth.SuggestGasPrice(ctx)
		if err != nil {
			return nil, fmt.Errorf("txsigner: gas price: %w", err)
		}
		gasLimit := call.GasLimit
		if gasLimit == 0 {
			gasLimit = 500_000
		}
		tx := types.NewTx(&types.LegacyTx{
			Nonce:    nonce,
			To:       &call.To,
			Value:    big.NewInt(0),
			Gas:      gasLimit,
			GasPrice: gasPrice,
			Data:     call.Data,
		})
		signed, err := types.SignTx(tx, signer, key)
		if err != nil {
			return nil, fmt.Errorf("txsigner: sign: %w", err)
		}
		return signed, nil
	}
}
