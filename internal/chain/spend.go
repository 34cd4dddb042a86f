package chain

import (
	"bytes"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/ethereum/go-ethereum/common"

	"arbiter-escrow/internal/protoerr"
)

// DecodeSpend parses an unsigned transaction and checks that its inputs spend utxos, in
// order and one for one.
func DecodeSpend(payload []byte, utxos []UTXO) (*wire.MsgTx, error) {
	if len(payload) == 0 {
		return nil, fmt.Errorf("%w: unsigned payload", protoerr.ErrEmptyPayload)
	}
	tx := wire.NewMsgTx(wire.TxVersion)
	if err := tx.DeserializeNoWitness(bytes.NewReader(payload)); err != nil {
		return nil, fmt.Errorf("%w: %v", protoerr.ErrInvalidPayload, err)
	}
	if len(tx.TxIn) != len(utxos) {
		return nil, fmt.Errorf("%w: %d inputs for %d utxos", protoerr.ErrInvalidPayload, len(tx.TxIn), len(utxos))
	}
	for i, in := range tx.TxIn {
		hash, err := chainhash.NewHashFromStr(utxos[i].TxID)
		if err != nil {
			return nil, fmt.Errorf("%w: utxo %d txid: %v", protoerr.ErrEmptyPayload, i, err)
		}
		if in.PreviousOutPoint.Hash != *hash || in.PreviousOutPoint.Index != utxos[i].Vout {
			return nil, fmt.Errorf("%w: input %d spends %s, utxo is %s:%d",
				protoerr.ErrInvalidPayload, i, in.PreviousOutPoint, utxos[i].TxID, utxos[i].Vout)
		}
	}
	return tx, nil
}

// SpendSigHash is the BIP143 SIGHASH_ALL digest that input idx of payload commits to. The
// script code is lockingScript, or the utxo's own script when no locking script was given.
func SpendSigHash(payload, lockingScript []byte, utxos []UTXO, idx uint32) (common.Hash, error) {
	tx, err := DecodeSpend(payload, utxos)
	if err != nil {
		return common.Hash{}, err
	}
	if int(idx) >= len(utxos) {
		return common.Hash{}, fmt.Errorf("%w: %d of %d inputs", protoerr.ErrInvalidInputIndex, idx, len(utxos))
	}
	script := lockingScript
	if len(script) == 0 {
		script = utxos[idx].Script
	}
	if len(script) == 0 {
		return common.Hash{}, fmt.Errorf("%w: locking script for input %d", protoerr.ErrEmptyPayload, idx)
	}

	prevOuts := txscript.NewMultiPrevOutFetcher(nil)
	for i, in := range tx.TxIn {
		prevOuts.AddPrevOut(in.PreviousOutPoint, wire.NewTxOut(utxos[i].Amount, utxos[i].Script))
	}
	digest, err := txscript.CalcWitnessSigHash(script, txscript.NewTxSigHashes(tx, prevOuts),
		txscript.SigHashAll, tx, int(idx), utxos[idx].Amount)
	if err != nil {
		return common.Hash{}, fmt.Errorf("%w: sighash input %d: %v", protoerr.ErrInvalidPayload, idx, err)
	}
	return common.BytesToHash(digest), nil
}

// BuildSpend serialises an unsigned transaction spending utxos to outputs.
func BuildSpend(utxos []UTXO, outputs []*wire.TxOut) ([]byte, error) {
	tx := wire.NewMsgTx(wire.TxVersion)
	for i, u := range utxos {
		hash, err := chainhash.NewHashFromStr(u.TxID)
		if err != nil {
			return nil, fmt.Errorf("%w: utxo %d txid: %v", protoerr.ErrEmptyPayload, i, err)
		}
		tx.AddTxIn(wire.NewTxIn(wire.NewOutPoint(hash, u.Vout), nil, nil))
	}
	for _, out := range outputs {
		tx.AddTxOut(out)
	}
	var buf bytes.Buffer
	if err := tx.SerializeNoWitness(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// SingleKeyScript is the witness script `<pubkey> OP_CHECKSIG`.
func SingleKeyScript(pub []byte) ([]byte, error) {
	return txscript.NewScriptBuilder().AddData(pub).AddOp(txscript.OP_CHECKSIG).Script()
}
