package chain

import (
	"errors"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"

	"arbiter-escrow/internal/protoerr"
)

func testUTXOs() []UTXO {
	return []UTXO{
		{TxID: chainhash.DoubleHashH([]byte("a")).String(), Vout: 0, Amount: 10_000},
		{TxID: chainhash.DoubleHashH([]byte("b")).String(), Vout: 2, Amount: 20_000},
	}
}

func TestSpendSigHashBindsPayload(t *testing.T) {
	_, priv := newIdentity(t)
	script, err := SingleKeyScript(priv.PubKey().SerializeCompressed())
	if err != nil {
		t.Fatalf("script: %v", err)
	}
	utxos := testUTXOs()
	payload, err := BuildSpend(utxos, []*wire.TxOut{wire.NewTxOut(29_000, []byte{txscript.OP_TRUE})})
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	first, err := SpendSigHash(payload, script, utxos, 0)
	if err != nil {
		t.Fatalf("sighash 0: %v", err)
	}
	again, _ := SpendSigHash(payload, script, utxos, 0)
	if first != again {
		t.Fatal("digest must be deterministic")
	}
	second, err := SpendSigHash(payload, script, utxos, 1)
	if err != nil {
		t.Fatalf("sighash 1: %v", err)
	}
	if first == second {
		t.Fatal("inputs must commit to different digests")
	}

	other, _ := BuildSpend(utxos, []*wire.TxOut{wire.NewTxOut(1_000, []byte{txscript.OP_TRUE})})
	changed, err := SpendSigHash(other, script, utxos, 0)
	if err != nil {
		t.Fatalf("sighash other: %v", err)
	}
	if changed == first {
		t.Fatal("changing outputs must change the digest")
	}

	sig := ecdsa.Sign(priv, first.Bytes())
	if !sig.Verify(first.Bytes(), priv.PubKey()) {
		t.Fatal("signature over the digest should verify")
	}
}

func TestSpendSigHashRejectsInconsistentInputs(t *testing.T) {
	_, priv := newIdentity(t)
	script, _ := SingleKeyScript(priv.PubKey().SerializeCompressed())
	utxos := testUTXOs()
	payload, err := BuildSpend(utxos, nil)
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	cases := []struct {
		name    string
		payload []byte
		script  []byte
		utxos   []UTXO
		idx     uint32
		want    error
	}{
		{"garbage payload", []byte("unsigned"), script, utxos, 0, protoerr.ErrInvalidPayload},
		{"empty payload", nil, script, utxos, 0, protoerr.ErrEmptyPayload},
		{"fewer utxos than inputs", payload, script, utxos[:1], 0, protoerr.ErrInvalidPayload},
		{"wrong outpoint", payload, script, []UTXO{utxos[1], utxos[0]}, 0, protoerr.ErrInvalidPayload},
		{"index out of range", payload, script, utxos, 2, protoerr.ErrInvalidInputIndex},
		{"no script code", payload, nil, utxos, 0, protoerr.ErrEmptyPayload},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := SpendSigHash(tc.payload, tc.script, tc.utxos, tc.idx); !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}

	withScript := testUTXOs()
	withScript[0].Script = script
	if _, err := SpendSigHash(payload, nil, withScript, 0); err != nil {
		t.Fatalf("utxo script should serve as script code: %v", err)
	}
}
