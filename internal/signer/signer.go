// Package signer produces the enclave's EIP-712-style recoverable
// signatures over the four on-chain message families the coordinator
// emits, per spec.md section 4.1.
package signer

import (
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/marlinprotocol/serverless-gateway/internal/gwerrors"
)

var eip712DomainTypeHash = crypto.Keccak256([]byte("EIP712Domain(string name,string version)"))

// contract names, keyed by message family, per spec.md section 4.1.
const (
	contractGatewayJobs = "marlin.oyster.GatewayJobs"
	contractRelay       = "marlin.oyster.Relay"
	contractRelaySubs   = "marlin.oyster.RelaySubscriptions"
)

// Signature is the 65-byte recoverable secp256k1 signature (r||s||v)
// with v in {27,28}, plus the timestamp embedded in the signed struct.
type Signature struct {
	Bytes        []byte
	SignTimestamp uint64
}

// Signer holds the enclave's signing key. It is created once at
// startup and never mutated afterwards (spec.md section 5, "init-only"
// global state).
type Signer struct {
	key     *ecdsa.PrivateKey
	address common.Address
}

// New derives the enclave's signing address from key (pub_key_to_address
// in the legacy Rust source, carried over per SPEC_FULL.md section 4).
func New(key *ecdsa.PrivateKey) *Signer {
	return &Signer{key: key, address: crypto.PubkeyToAddress(key.PublicKey)}
}

// Address returns the enclave's signing address, used by the elector
// and slash-timer to recognize "self".
func (s *Signer) Address() common.Address {
	return s.address
}

func domainSeparator(contractName string) []byte {
	nameHash := crypto.Keccak256([]byte(contractName))
	versionHash := crypto.Keccak256([]byte("1"))
	packed := mustPack(
		[]string{"bytes32", "bytes32", "bytes32"},
		[]interface{}{toBytes32(eip712DomainTypeHash), toBytes32(nameHash), toBytes32(versionHash)},
	)
	return crypto.Keccak256(packed)
}

func digest(contractName string, structHash []byte) []byte {
	ds := domainSeparator(contractName)
	buf := make([]byte, 0, 2+32+32)
	buf = append(buf, 0x19, 0x01)
	buf = append(buf, ds...)
	buf = append(buf, structHash...)
	return crypto.Keccak256(buf)
}

func toBytes32(b []byte) [32]byte {
	var out [32]byte
	copy(out[32-len(b):], b)
	return out
}

func mustPack(types []string, values []interface{}) []byte {
	args := make(abi.Arguments, len(types))
	for i, t := range types {
		typ, err := abi.NewType(t, "", nil)
		if err != nil {
			// Only ever called with a fixed, hardcoded set of types below;
			// a failure here is a programming error, not a runtime one.
			panic(fmt.Sprintf("signer: invalid abi type %q: %v", t, err))
		}
		args[i] = abi.Argument{Type: typ}
	}
	packed, err := args.Pack(values...)
	if err != nil {
		panic(fmt.Sprintf("signer: abi pack failed: %v", err))
	}
	return packed
}

// RelayJobFields are the struct fields signed for a request-chain relay
// transaction, per the RelayJob row of spec.md section 4.1.
type RelayJobFields struct {
	JobID               uint64
	CodeHash            common.Hash
	CodeInput           []byte
	Deadline            uint64
	JobRequestTimestamp uint64
	SequenceID          uint8
	JobOwner            common.Address
	Env                 uint64
}

var relayJobTypeHash = crypto.Keccak256([]byte(
	"RelayJob(uint256 jobId,bytes32 codeHash,bytes32 codeInputs,uint256 deadline,uint256 jobRequestTimestamp,uint8 sequenceId,address jobOwner,uint256 env,uint256 signTimestamp)",
))

// SignRelayJob signs a RelayJob message for submission to the common chain.
func (s *Signer) SignRelayJob(f RelayJobFields) (Signature, error) {
	signTS := uint64(time.Now().Unix())
	structHash := relayJobStructHash(f, signTS)
	sig, err := s.sign(contractGatewayJobs, structHash)
	if err != nil {
		return Signature{}, err
	}
	return Signature{Bytes: sig, SignTimestamp: signTS}, nil
}

func relayJobStructHash(f RelayJobFields, signTS uint64) []byte {
	codeInputHash := crypto.Keccak256(f.CodeInput)
	packed := mustPack(
		[]string{"bytes32", "uint256", "bytes32", "bytes32", "uint256", "uint256", "uint8", "address", "uint256", "uint256"},
		[]interface{}{
			toBytes32(relayJobTypeHash),
			new(big.Int).SetUint64(f.JobID),
			f.CodeHash,
			toBytes32(codeInputHash),
			new(big.Int).SetUint64(f.Deadline),
			new(big.Int).SetUint64(f.JobRequestTimestamp),
			f.SequenceID,
			f.JobOwner,
			new(big.Int).SetUint64(f.Env),
			new(big.Int).SetUint64(signTS),
		},
	)
	return crypto.Keccak256(packed)
}

// ReassignGatewayFields are the struct fields signed when this enclave
// (as the newly-elected gateway on a retry) reassigns a stalled job away
// from the previous gateway.
type ReassignGatewayFields struct {
	JobID               uint64
	GatewayOld          common.Address
	JobOwner            common.Address
	SequenceID          uint8
	JobRequestTimestamp uint64
}

var reassignGatewayTypeHash = crypto.Keccak256([]byte(
	"ReassignGateway(uint256 jobId,address gatewayOld,address jobOwner,uint8 sequenceId,uint256 jobRequestTimestamp,uint256 signTimestamp)",
))

// SignReassignGateway signs a ReassignGateway message.
func (s *Signer) SignReassignGateway(f ReassignGatewayFields) (Signature, error) {
	signTS := uint64(time.Now().Unix())
	packed := mustPack(
		[]string{"bytes32", "uint256", "address", "address", "uint8", "uint256", "uint256"},
		[]interface{}{
			toBytes32(reassignGatewayTypeHash),
			new(big.Int).SetUint64(f.JobID),
			f.GatewayOld,
			f.JobOwner,
			f.SequenceID,
			new(big.Int).SetUint64(f.JobRequestTimestamp),
			new(big.Int).SetUint64(signTS),
		},
	)
	structHash := crypto.Keccak256(packed)
	sig, err := s.sign(contractGatewayJobs, structHash)
	if err != nil {
		return Signature{}, err
	}
	return Signature{Bytes: sig, SignTimestamp: signTS}, nil
}

// JobResponseFields are the struct fields signed for a job response,
// shared by the one-shot and subscription families (they differ only
// in contractName).
type JobResponseFields struct {
	JobID     uint64
	Output    []byte
	TotalTime uint64
	ErrorCode uint8
}

var jobResponseTypeHash = crypto.Keccak256([]byte(
	"JobResponse(uint256 jobId,bytes32 output,uint256 totalTime,uint8 errorCode,uint256 signTimestamp)",
))

// SignJobResponse signs a JobResponse message. isSubscription selects
// the RelaySubscriptions contract name instead of Relay, per spec.md's
// JobResponse(subscription) row.
func (s *Signer) SignJobResponse(f JobResponseFields, isSubscription bool) (Signature, error) {
	signTS := uint64(time.Now().Unix())
	outputHash := crypto.Keccak256(f.Output)
	packed := mustPack(
		[]string{"bytes32", "uint256", "bytes32", "uint256", "uint8", "uint256"},
		[]interface{}{
			toBytes32(jobResponseTypeHash),
			new(big.Int).SetUint64(f.JobID),
			toBytes32(outputHash),
			new(big.Int).SetUint64(f.TotalTime),
			f.ErrorCode,
			new(big.Int).SetUint64(signTS),
		},
	)
	structHash := crypto.Keccak256(packed)
	contractName := contractRelay
	if isSubscription {
		contractName = contractRelaySubs
	}
	sig, err := s.sign(contractName, structHash)
	if err != nil {
		return Signature{}, err
	}
	return Signature{Bytes: sig, SignTimestamp: signTS}, nil
}

// sign produces the 65-byte r||s||v signature (v in {27,28}) over the
// EIP-712 digest for contractName/structHash.
func (s *Signer) sign(contractName string, structHash []byte) ([]byte, error) {
	d := digest(contractName, structHash)
	sig, err := crypto.Sign(d, s.key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", gwerrors.ErrSignFailure, err)
	}
	// crypto.Sign returns v in {0,1}; on-chain verifiers expect {27,28}.
	sig[64] += 27
	return sig, nil
}

// Recover recovers the signing address from a digest+signature pair,
// used by tests to verify the round-trip property (spec.md P3).
func Recover(digestBytes []byte, sig []byte) (common.Address, error) {
	if len(sig) != 65 {
		return common.Address{}, fmt.Errorf("signer: invalid signature length %d", len(sig))
	}
	s := make([]byte, 65)
	copy(s, sig)
	if s[64] >= 27 {
		s[64] -= 27
	}
	pub, err := crypto.SigToPub(digestBytes, s)
	if err != nil {
		return common.Address{}, err
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// RelayJobDigest exports the EIP-712 digest of a RelayJob message, so
// tests can check Recover against it without re-deriving the struct-hash
// layout. The other message families have no exported digest.
func RelayJobDigest(f RelayJobFields, signTS uint64) []byte {
	return digest(contractGatewayJobs, relayJobStructHash(f, signTS))
}
