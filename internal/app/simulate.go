package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"

	"arbiter-escrow/internal/alerting"
	"arbiter-escrow/internal/chain"
	"arbiter-escrow/internal/compensation"
	"arbiter-escrow/internal/escrow"
	"arbiter-escrow/internal/feed"
	"arbiter-escrow/internal/policy"
	"arbiter-escrow/internal/protocol"
	"arbiter-escrow/internal/stake"
)

// SimulationReport summarises one run of the timeout scenario.
type SimulationReport struct {
	Arbiter       common.Address
	TransactionID common.Hash
	ClaimID       common.Hash
	Deposit       decimal.Decimal
	Slashed       decimal.Decimal
	Paid          decimal.Decimal
	SystemFee     decimal.Decimal
	DappRefund    decimal.Decimal
	Facts         int
}

// simClock is advanced by the scenario between steps.
type simClock struct{ now time.Time }

func (c *simClock) Now() time.Time { return c.now }

// Simulate drives an in-memory protocol through registration, an unanswered arbitration
// request, a timeout claim and its withdrawal, using the configured policy.
func (a *App) Simulate(ctx context.Context, opts SimulateOptions) (SimulationReport, error) {
	var report SimulationReport

	owner := a.Config.Policy.Owner
	if owner == (common.Address{}) {
		owner = simAddress("owner")
	}
	clock := &simClock{now: time.Now().UTC().Truncate(time.Second)}
	rec := &feed.Recorder{}
	engine, err := a.newEngine(owner, protocol.Options{Clock: clock.Now, Publisher: rec})
	if err != nil {
		return report, err
	}
	dapp, receiver := simAddress("dapp"), simAddress("receiver")
	report.Arbiter = simAddress("arbiter")

	snap := engine.Policy()
	net, err := chain.Network(a.Config.Chain.Network)
	if err != nil {
		return report, err
	}
	operator, err := simIdentity(simAddress("operator"), net)
	if err != nil {
		return report, err
	}

	duration := snap.Duration(policy.MinTransactionDuration)
	if duration <= 0 {
		duration = time.Hour
	}
	_, err = engine.RegisterByStake(stake.Registration{
		Arbiter:  report.Arbiter,
		Coin:     snap.Value(policy.MinStake),
		Operator: operator,
		FeeRate:  snap.BasisPoints(policy.MinFeeRate),
		Deadline: clock.now.Add(duration + 24*time.Hour),
	})
	if err != nil {
		return report, fmt.Errorf("register arbiter: %w", err)
	}

	deadline := clock.now.Add(duration)
	quote, err := engine.QuoteFee(report.Arbiter, deadline)
	if err != nil {
		return report, fmt.Errorf("quote fee: %w", err)
	}
	report.Deposit = quote.Required
	tx, err := engine.RegisterTransaction(escrow.RegisterParams{
		Dapp:                        dapp,
		Arbiter:                     report.Arbiter,
		Deadline:                    deadline,
		Fee:                         quote.Required,
		TimeoutCompensationReceiver: receiver,
	})
	if err != nil {
		return report, fmt.Errorf("register transaction: %w", err)
	}
	report.TransactionID = tx.ID

	lock, err := chain.SingleKeyScript(operator.BTCPubKey)
	if err != nil {
		return report, fmt.Errorf("locking script: %w", err)
	}
	utxos := []chain.UTXO{{TxID: chainhash.DoubleHashH(tx.ID.Bytes()).String(), Amount: 100_000}}
	payload, err := chain.BuildSpend(utxos, []*wire.TxOut{wire.NewTxOut(99_000, lock)})
	if err != nil {
		return report, fmt.Errorf("build payload: %w", err)
	}
	if _, err := engine.RequestArbitration(dapp, tx.ID, escrow.ArbitrationRequest{
		UnsignedPayload: payload,
		LockingScript:   lock,
		UTXOs:           utxos,
	}); err != nil {
		return report, fmt.Errorf("request arbitration: %w", err)
	}

	clock.now = clock.now.Add(snap.Duration(policy.ArbitrationTimeout))
	claim, err := engine.Claim(receiver, compensation.TimeoutRequest{TransactionID: tx.ID})
	if err != nil {
		return report, fmt.Errorf("timeout claim: %w", err)
	}
	report.ClaimID = claim.ID
	report.Slashed = claim.TotalAmount

	w, err := engine.Withdraw(receiver, claim.ID, decimal.Zero)
	if err != nil {
		return report, fmt.Errorf("withdraw: %w", err)
	}
	report.Paid = w.Paid
	report.SystemFee = w.SystemFee
	report.DappRefund = engine.Balance(dapp)
	report.Facts = len(rec.Facts())

	a.Logger.Info().
		Str("owner", owner.Hex()).
		Str("transaction", tx.ID.Hex()).
		Str("slashed", report.Slashed.String()).
		Str("paid", report.Paid.String()).
		Str("system_fee", report.SystemFee.String()).
		Str("dapp_refund", report.DappRefund.String()).
		Int("facts", report.Facts).
		Msg("timeout scenario settled")

	if !opts.Notify {
		return report, nil
	}
	if !a.Config.Alerting.Enabled {
		return report, errors.New("alerting 未启用")
	}
	notifier := a.newNotifier()
	if notifier == nil {
		return report, errors.New("未配置任何告警通道")
	}
	sink := alerting.NewSink(notifier, a.Config.Alerting.Channels, a.Logger)
	if err := sink.Consume(ctx, rec.Facts()); err != nil {
		return report, fmt.Errorf("deliver notification: %w", err)
	}
	return report, nil
}

func simAddress(label string) common.Address {
	return common.BytesToAddress(crypto.Keccak256([]byte("arbiterd/simulate/" + label)))
}

// simIdentity creates a throwaway secondary-chain identity bound to addr.
func simIdentity(addr common.Address, net *chaincfg.Params) (chain.Identity, error) {
	priv, err := btcec.NewPrivateKey()
	if err != nil {
		return chain.Identity{}, fmt.Errorf("generate key: %w", err)
	}
	pub := priv.PubKey().SerializeCompressed()
	btcAddr, err := btcutil.NewAddressWitnessPubKeyHash(btcutil.Hash160(pub), net)
	if err != nil {
		return chain.Identity{}, fmt.Errorf("derive address: %w", err)
	}
	return chain.Identity{Address: addr, BTCAddress: btcAddr.EncodeAddress(), BTCPubKey: pub}, nil
}
