package escrow

import (
	"crypto/sha256"
	"errors"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"arbiter-escrow/internal/chain"
	"arbiter-escrow/internal/feed"
	"arbiter-escrow/internal/policy"
	"arbiter-escrow/internal/protoerr"
	"arbiter-escrow/internal/stake"
	"arbiter-escrow/internal/vault"
)

var (
	t0        = time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	dapp      = common.HexToAddress("0x000000000000000000000000000000000000da01")
	arbiter   = common.HexToAddress("0x000000000000000000000000000000000000a001")
	operator  = common.HexToAddress("0x000000000000000000000000000000000000b001")
	collector = common.HexToAddress("0x000000000000000000000000000000000000fee0")
)

type fixture struct {
	escrow *Ledger
	stakes *stake.Ledger
	vault  *vault.Vault
	facts  *feed.Recorder
	key    *btcec.PrivateKey
}

func newFixture(t *testing.T, frozen int64) fixture {
	t.Helper()
	values := policy.Defaults()
	values[policy.MinStake] = decimal.NewFromInt(1000)
	values[policy.MaxStake] = decimal.NewFromInt(10_000_000)
	values[policy.MinTransactionDuration] = decimal.NewFromInt(3600)
	values[policy.MaxTransactionDuration] = decimal.NewFromInt(90 * 24 * 3600)
	values[policy.ArbitrationTimeout] = decimal.NewFromInt(3600)
	values[policy.ArbitrationFrozenPeriod] = decimal.NewFromInt(frozen)
	values[policy.SystemFeeRate] = decimal.NewFromInt(500)
	store, err := policy.NewStore(common.HexToAddress("0xff"), collector, values, nil, nil)
	if err != nil {
		t.Fatalf("policy: %v", err)
	}

	rec := &feed.Recorder{}
	v := vault.New()
	stakes := stake.NewLedger(store, &chaincfg.RegressionNetParams, v, rec, zerolog.Nop())

	priv, err := btcec.NewPrivateKey()
	if err != nil {
		t.Fatalf("key: %v", err)
	}
	pub := priv.PubKey().SerializeCompressed()
	addr, err := btcutil.NewAddressWitnessPubKeyHash(btcutil.Hash160(pub), &chaincfg.RegressionNetParams)
	if err != nil {
		t.Fatalf("address: %v", err)
	}
	_, err = stakes.RegisterByStake(t0, stake.Registration{
		Arbiter:  arbiter,
		Coin:     decimal.NewFromInt(1_000_000),
		Operator: chain.Identity{Address: operator, BTCAddress: addr.EncodeAddress(), BTCPubKey: pub},
		FeeRate:  1000,
		Deadline: t0.Add(60 * 24 * time.Hour),
	})
	if err != nil {
		t.Fatalf("register arbiter: %v", err)
	}

	return fixture{
		escrow: NewLedger(store, stakes, v, rec, zerolog.Nop()),
		stakes: stakes,
		vault:  v,
		facts:  rec,
		key:    priv,
	}
}

func (f fixture) register(t *testing.T) Transaction {
	t.Helper()
	tx, err := f.escrow.RegisterTransaction(t0, RegisterParams{
		Dapp:     dapp,
		Arbiter:  arbiter,
		Deadline: t0.Add(36*24*time.Hour + 12*time.Hour),
		Fee:      decimal.NewFromInt(20_000),
	})
	if err != nil {
		t.Fatalf("register transaction: %v", err)
	}
	return tx
}

func (f fixture) sign(t *testing.T) []byte {
	t.Helper()
	digest := sha256.Sum256([]byte("payload"))
	return ecdsa.Sign(f.key, digest[:]).Serialize()
}

func request(t *testing.T) ArbitrationRequest {
	t.Helper()
	utxos := []chain.UTXO{{TxID: chainhash.DoubleHashH([]byte("prev")).String(), Vout: 1, Amount: 50_000}}
	payload, err := chain.BuildSpend(utxos, []*wire.TxOut{wire.NewTxOut(49_000, []byte{txscript.OP_TRUE})})
	if err != nil {
		t.Fatalf("payload: %v", err)
	}
	return ArbitrationRequest{
		UnsignedPayload: payload,
		LockingScript:   []byte{txscript.OP_TRUE},
		UTXOs:           utxos,
	}
}

func TestQuoteFee(t *testing.T) {
	f := newFixture(t, 1800)
	// 1,000,000 × 10% × 36.5 days / 365 days = 10,000; system fee 5% = 500.
	q, err := f.escrow.QuoteFee(t0, arbiter, t0.Add(36*24*time.Hour+12*time.Hour))
	if err != nil {
		t.Fatalf("quote: %v", err)
	}
	if !q.ArbiterFee.Equal(decimal.NewFromInt(10_000)) || !q.SystemFee.Equal(decimal.NewFromInt(500)) {
		t.Fatalf("unexpected quote: %+v", q)
	}
	if !q.Required.Equal(decimal.NewFromInt(10_500)) {
		t.Fatalf("required deposit should be 10500, got %s", q.Required)
	}
}

func TestRegisterTransactionGuards(t *testing.T) {
	f := newFixture(t, 1800)
	base := RegisterParams{Dapp: dapp, Arbiter: arbiter, Deadline: t0.Add(24 * time.Hour), Fee: decimal.NewFromInt(20_000)}

	short := base
	short.Deadline = t0.Add(time.Minute)
	if _, err := f.escrow.RegisterTransaction(t0, short); !errors.Is(err, protoerr.ErrInvalidDuration) {
		t.Fatalf("expected InvalidDuration, got %v", err)
	}

	beyondTerm := base
	beyondTerm.Deadline = t0.Add(61 * 24 * time.Hour)
	if _, err := f.escrow.RegisterTransaction(t0, beyondTerm); !errors.Is(err, protoerr.ErrInvalidDeadline) {
		t.Fatalf("expected InvalidDeadline, got %v", err)
	}

	cheap := base
	cheap.Fee = decimal.NewFromInt(1)
	if _, err := f.escrow.RegisterTransaction(t0, cheap); !errors.Is(err, protoerr.ErrInsufficientFee) {
		t.Fatalf("expected InsufficientFee, got %v", err)
	}

	unknown := base
	unknown.Arbiter = common.HexToAddress("0x0bad")
	if _, err := f.escrow.RegisterTransaction(t0, unknown); !protoerr.IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}

	tx, err := f.escrow.RegisterTransaction(t0, base)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if tx.Status != StatusActive || tx.TimeoutCompensationReceiver != dapp || tx.CompensationReceiver != dapp {
		t.Fatalf("unexpected transaction: %+v", tx)
	}
	if tx.ID != chain.TransactionID(dapp, arbiter, 0) {
		t.Fatal("transaction id must derive from dapp, arbiter and nonce")
	}
	if f.stakes.IsActive(t0, arbiter) || f.stakes.IsConfigModifiable(arbiter) {
		t.Fatal("registration must reserve the arbiter")
	}
	if _, err := f.escrow.RegisterTransaction(t0, base); !errors.Is(err, protoerr.ErrArbiterNotActive) {
		t.Fatalf("busy arbiter must be rejected, got %v", err)
	}
}

func TestRequestArbitration(t *testing.T) {
	f := newFixture(t, 1800)
	tx := f.register(t)
	at := t0.Add(time.Hour)

	if _, err := f.escrow.RequestArbitration(at, arbiter, tx.ID, request(t)); !errors.Is(err, protoerr.ErrNotDapp) {
		t.Fatalf("expected NotDapp, got %v", err)
	}
	empty := request(t)
	empty.UTXOs = nil
	if _, err := f.escrow.RequestArbitration(at, dapp, tx.ID, empty); !errors.Is(err, protoerr.ErrEmptyPayload) {
		t.Fatalf("expected EmptyPayload, got %v", err)
	}
	garbage := request(t)
	garbage.UnsignedPayload = []byte("unsigned-tx")
	if _, err := f.escrow.RequestArbitration(at, dapp, tx.ID, garbage); !errors.Is(err, protoerr.ErrInvalidPayload) {
		t.Fatalf("expected InvalidPayload for an unparseable payload, got %v", err)
	}
	foreign := request(t)
	foreign.UTXOs = []chain.UTXO{{TxID: chainhash.DoubleHashH([]byte("elsewhere")).String(), Vout: 1, Amount: 50_000}}
	if _, err := f.escrow.RequestArbitration(at, dapp, tx.ID, foreign); !errors.Is(err, protoerr.ErrInvalidPayload) {
		t.Fatalf("expected InvalidPayload when inputs do not spend the utxos, got %v", err)
	}
	if got, _ := f.escrow.Get(tx.ID); got.ArbitrationRequested() {
		t.Fatal("rejected requests must not start the arbitration clock")
	}

	got, err := f.escrow.RequestArbitration(at, dapp, tx.ID, request(t))
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if got.Status != StatusArbitrated || !got.RequestArbitrationTime.Equal(at) || len(got.UTXOs) != 1 {
		t.Fatalf("unexpected transaction: %+v", got)
	}
	if _, err := f.escrow.RequestArbitration(at, dapp, tx.ID, request(t)); !errors.Is(err, protoerr.ErrArbitrationRequested) {
		t.Fatalf("expected ArbitrationAlreadyRequested, got %v", err)
	}

	var notified bool
	for _, fact := range f.facts.Facts() {
		if fact.Kind == feed.KindNotification && fact.Event == feed.EventArbitrationRequested && fact.Fields["arbiterId"] == arbiter.Hex() {
			notified = true
		}
	}
	if !notified {
		t.Fatal("arbitration request must emit a notification fact")
	}
}

func TestSubmitArbitrationWindow(t *testing.T) {
	f := newFixture(t, 1800)
	tx := f.register(t)
	requested := t0.Add(time.Hour)
	if _, err := f.escrow.RequestArbitration(requested, dapp, tx.ID, request(t)); err != nil {
		t.Fatalf("request: %v", err)
	}

	if _, err := f.escrow.SubmitArbitration(requested, dapp, tx.ID, f.sign(t)); !errors.Is(err, protoerr.ErrNotArbitrator) {
		t.Fatalf("expected NotArbitrator, got %v", err)
	}
	if _, err := f.escrow.SubmitArbitration(requested, arbiter, tx.ID, []byte{0x30, 0x01}); !errors.Is(err, protoerr.ErrMalformedSignature) {
		t.Fatalf("expected MalformedSignature, got %v", err)
	}
	if _, err := f.escrow.SubmitArbitration(requested.Add(time.Hour), arbiter, tx.ID, f.sign(t)); !errors.Is(err, protoerr.ErrArbitrationExpired) {
		t.Fatalf("expected ArbitrationTimeoutExceeded at the expiry instant, got %v", err)
	}

	signedAt := requested.Add(10 * time.Minute)
	got, err := f.escrow.SubmitArbitration(signedAt, operator, tx.ID, f.sign(t))
	if err != nil {
		t.Fatalf("operator should be able to submit: %v", err)
	}
	if got.Status != StatusSubmitted || len(got.Signature) == 0 {
		t.Fatalf("unexpected transaction: %+v", got)
	}
	if !f.stakes.IsFrozen(signedAt.Add(time.Minute), arbiter) {
		t.Fatal("submission should start the frozen period")
	}
	if _, err := f.escrow.SubmitArbitration(signedAt, arbiter, tx.ID, f.sign(t)); !errors.Is(err, protoerr.ErrInvalidTransactionState) {
		t.Fatalf("second submission should fail, got %v", err)
	}
}

func TestSubmitWithoutFrozenPeriodSettles(t *testing.T) {
	f := newFixture(t, 0)
	tx := f.register(t)
	requested := t0.Add(time.Hour)
	if _, err := f.escrow.RequestArbitration(requested, dapp, tx.ID, request(t)); err != nil {
		t.Fatalf("request: %v", err)
	}
	got, err := f.escrow.SubmitArbitration(requested.Add(time.Minute), arbiter, tx.ID, f.sign(t))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if got.Status != StatusCompleted {
		t.Fatalf("expected Completed, got %s", got.Status)
	}
	if !f.vault.Balance(operator).Equal(decimal.NewFromInt(10_000)) {
		t.Fatalf("revenue should receive the arbiter fee, got %s", f.vault.Balance(operator))
	}
	if !f.stakes.IsActive(requested.Add(time.Minute), arbiter) {
		t.Fatal("arbiter should be released")
	}
}

func TestCompleteTransactionSettlesDeposit(t *testing.T) {
	f := newFixture(t, 1800)
	tx := f.register(t)

	if _, err := f.escrow.CompleteTransaction(t0, arbiter, tx.ID); !errors.Is(err, protoerr.ErrNotDapp) {
		t.Fatalf("expected NotDapp, got %v", err)
	}
	s, err := f.escrow.CompleteTransaction(t0.Add(time.Hour), dapp, tx.ID)
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	// 20,000 deposited: 10,000 to revenue, 500 to the collector, 9,500 back to the dapp.
	if !f.vault.Balance(operator).Equal(decimal.NewFromInt(10_000)) ||
		!f.vault.Balance(collector).Equal(decimal.NewFromInt(500)) ||
		!f.vault.Balance(dapp).Equal(decimal.NewFromInt(9_500)) {
		t.Fatalf("unexpected settlement %+v", s)
	}
	if _, err := f.escrow.CompleteTransaction(t0.Add(time.Hour), dapp, tx.ID); !errors.Is(err, protoerr.ErrInvalidTransactionState) {
		t.Fatalf("completing twice should fail, got %v", err)
	}
	if !f.stakes.IsActive(t0.Add(time.Hour), arbiter) {
		t.Fatal("completion should release the arbiter")
	}

	next := f.register(t)
	if next.ID == tx.ID || next.Nonce != 1 {
		t.Fatal("a new registration must use the next nonce")
	}
}

func TestEffectiveStatusExpires(t *testing.T) {
	f := newFixture(t, 1800)
	tx := f.register(t)
	late := tx.Deadline.Add(time.Second)

	view, err := f.escrow.View(late, tx.ID)
	if err != nil {
		t.Fatalf("view: %v", err)
	}
	if view.Status != StatusExpired {
		t.Fatalf("expected Expired, got %s", view.Status)
	}
	if _, err := f.escrow.RequestArbitration(late, dapp, tx.ID, request(t)); !errors.Is(err, protoerr.ErrDeadlinePassed) {
		t.Fatalf("expected DeadlinePassed, got %v", err)
	}
	active, ok := f.escrow.ActiveFor(arbiter)
	if !ok || active.ID != tx.ID {
		t.Fatal("ActiveFor should find the reserved transaction")
	}
}
