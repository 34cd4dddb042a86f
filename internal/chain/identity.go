package chain

import (
	"bytes"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/ethereum/go-ethereum/common"

	"arbiter-escrow/internal/protoerr"
)

// Identity binds a ledger address to its secondary-chain address and public key.
type Identity struct {
	Address    common.Address `json:"address"`
	BTCAddress string         `json:"btcAddress"`
	BTCPubKey  []byte         `json:"btcPubKey"`
}

// IsZero reports whether no part of the identity has been set.
func (id Identity) IsZero() bool {
	return id.Address == (common.Address{}) && id.BTCAddress == "" && len(id.BTCPubKey) == 0
}

// Complete reports whether every part of the identity is set.
func (id Identity) Complete() bool {
	return id.Address != (common.Address{}) && id.BTCAddress != "" && len(id.BTCPubKey) > 0
}

// Clone returns a deep copy.
func (id Identity) Clone() Identity {
	out := id
	out.BTCPubKey = bytes.Clone(id.BTCPubKey)
	return out
}

// Validate checks the ledger address is non-zero, the secondary-chain address decodes for
// net and the public key is a valid secp256k1 point.
func (id Identity) Validate(net *chaincfg.Params) error {
	if id.Address == (common.Address{}) {
		return fmt.Errorf("%w: identity address", protoerr.ErrZeroAddress)
	}
	if id.BTCAddress == "" {
		return fmt.Errorf("%w: missing secondary-chain address", protoerr.ErrInvalidIdentity)
	}
	addr, err := btcutil.DecodeAddress(id.BTCAddress, net)
	if err != nil {
		return fmt.Errorf("%w: decode %q: %v", protoerr.ErrInvalidIdentity, id.BTCAddress, err)
	}
	if !addr.IsForNet(net) {
		return fmt.Errorf("%w: %q is not a %s address", protoerr.ErrInvalidIdentity, id.BTCAddress, net.Name)
	}
	if _, err := btcec.ParsePubKey(id.BTCPubKey); err != nil {
		return fmt.Errorf("%w: public key: %v", protoerr.ErrInvalidIdentity, err)
	}
	return nil
}

// SamePubKey compares two serialized secp256k1 keys by point, so compressed and
// uncompressed encodings of the same key are equal. Unparseable keys never match.
func SamePubKey(a, b []byte) bool {
	ka, err := btcec.ParsePubKey(a)
	if err != nil {
		return false
	}
	kb, err := btcec.ParsePubKey(b)
	if err != nil {
		return false
	}
	return ka.IsEqual(kb)
}

// Network resolves a secondary-chain network name.
func Network(name string) (*chaincfg.Params, error) {
	switch name {
	case "", "mainnet":
		return &chaincfg.MainNetParams, nil
	case "testnet", "testnet3":
		return &chaincfg.TestNet3Params, nil
	case "regtest":
		return &chaincfg.RegressionNetParams, nil
	case "signet":
		return &chaincfg.SigNetParams, nil
	default:
		return nil, fmt.Errorf("unknown network %q", name)
	}
}
