// Package attestation supplies the externally computed verification results that fraud
// claims depend on. The ledgers only ever read finished results; fetching happens out of
// band through the poller.
package attestation

import (
	"bytes"
	"encoding/binary"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"arbiter-escrow/internal/chain"
)

// ZKResult is the outcome of zero-knowledge verification of an out-of-band signature.
type ZKResult struct {
	Evidence        common.Hash  `json:"evidence"`
	PublicKey       []byte       `json:"publicKey"`
	TransactionHash common.Hash  `json:"transactionHash"`
	Signature       []byte       `json:"signature"`
	UTXOs           []chain.UTXO `json:"utxos"`
	Verified        bool         `json:"verified"`
}

// Clone returns a deep copy.
func (r ZKResult) Clone() ZKResult {
	out := r
	out.PublicKey = bytes.Clone(r.PublicKey)
	out.Signature = bytes.Clone(r.Signature)
	out.UTXOs = chain.CloneUTXOs(r.UTXOs)
	return out
}

// ZKVerifier returns the verification result for an evidence handle.
type ZKVerifier interface {
	VerifyZK(evidence common.Hash) (ZKResult, error)
}

// SignatureRequest asks whether Signature is a valid signature of PublicKey over Hash,
// the sighash of input InputIndex.
type SignatureRequest struct {
	Hash       common.Hash `json:"hash"`
	InputIndex uint32      `json:"inputIndex"`
	Signature  []byte      `json:"signature"`
	PublicKey  []byte      `json:"publicKey"`
}

// Evidence is the handle under which a failed-arbitration claim on this request is
// deduplicated.
func (r SignatureRequest) Evidence() common.Hash {
	var idx [4]byte
	binary.BigEndian.PutUint32(idx[:], r.InputIndex)
	return crypto.Keccak256Hash(r.Hash.Bytes(), idx[:], r.Signature, r.PublicKey)
}

// SignatureResult is the outcome of a signature validation.
type SignatureResult struct {
	Valid bool `json:"valid"`
}

// SignatureValidator checks raw signatures.
type SignatureValidator interface {
	ValidateSignature(req SignatureRequest) (SignatureResult, error)
}
