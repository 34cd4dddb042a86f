package chain

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"

	"arbiter-escrow/internal/protoerr"
)

// UTXO is an input of the secondary-chain transaction under arbitration.
type UTXO struct {
	TxID   string `json:"txid"`
	Vout   uint32 `json:"vout"`
	Amount int64  `json:"amount"`
	Script []byte `json:"script,omitempty"`
}

// Asset is a unit of non-coin collateral with its value in the native coin's smallest unit.
type Asset struct {
	ID    string          `json:"id"`
	Value decimal.Decimal `json:"value"`
}

// CloneUTXOs copies a UTXO set including scripts.
func CloneUTXOs(in []UTXO) []UTXO {
	if in == nil {
		return nil
	}
	out := make([]UTXO, len(in))
	for i, u := range in {
		out[i] = u
		out[i].Script = bytes.Clone(u.Script)
	}
	return out
}

// ValidateUTXOs rejects empty sets and malformed outpoints.
func ValidateUTXOs(utxos []UTXO) error {
	if len(utxos) == 0 {
		return fmt.Errorf("%w: utxo set", protoerr.ErrEmptyPayload)
	}
	for i, u := range utxos {
		if _, err := chainhash.NewHashFromStr(u.TxID); err != nil {
			return fmt.Errorf("%w: utxo %d txid: %v", protoerr.ErrEmptyPayload, i, err)
		}
		if u.Amount < 0 {
			return fmt.Errorf("%w: utxo %d amount", protoerr.ErrEmptyPayload, i)
		}
	}
	return nil
}

// CloneAssets copies an asset list.
func CloneAssets(in []Asset) []Asset {
	if in == nil {
		return nil
	}
	out := make([]Asset, len(in))
	copy(out, in)
	return out
}

// AssetsValue sums asset values.
func AssetsValue(assets []Asset) decimal.Decimal {
	total := decimal.Zero
	for _, a := range assets {
		total = total.Add(a.Value)
	}
	return total
}

// TransactionID derives the escrow transaction id from dapp, arbiter and the dapp's
// registration nonce.
func TransactionID(dapp, arbiter common.Address, nonce uint64) common.Hash {
	var n [8]byte
	binary.BigEndian.PutUint64(n[:], nonce)
	return crypto.Keccak256Hash(dapp.Bytes(), arbiter.Bytes(), n[:])
}

// ParseSignature accepts a DER encoded ECDSA signature, optionally followed by a one byte
// sighash flag as it appears in witness data.
func ParseSignature(sig []byte) (*ecdsa.Signature, error) {
	if len(sig) == 0 {
		return nil, fmt.Errorf("%w: empty signature", protoerr.ErrMalformedSignature)
	}
	parsed, err := ecdsa.ParseDERSignature(sig)
	if err == nil {
		return parsed, nil
	}
	if len(sig) > 1 {
		if parsed, err2 := ecdsa.ParseDERSignature(sig[:len(sig)-1]); err2 == nil {
			return parsed, nil
		}
	}
	return nil, fmt.Errorf("%w: %v", protoerr.ErrMalformedSignature, err)
}
