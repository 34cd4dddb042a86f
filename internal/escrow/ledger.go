// Package escrow tracks the lifecycle of every cross-chain transaction placed under
// arbitration and settles its fee deposit.
package escrow

import (
	"bytes"
	"fmt"
	"time"

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

const secondsPerYear = 365 * 24 * 60 * 60

// Arbiters is the part of the stake ledger the escrow ledger drives.
type Arbiters interface {
	Get(addr common.Address) (stake.Arbiter, error)
	IsActive(now time.Time, addr common.Address) bool
	IsFrozen(now time.Time, addr common.Address) bool
	Reserve(now time.Time, addr common.Address, txID common.Hash) error
	RecordSubmission(now time.Time, addr common.Address, txID common.Hash) error
	Release(now time.Time, addr common.Address, txID common.Hash) error
}

// RegisterParams carries the arguments of RegisterTransaction. Zero receivers default to
// the dapp.
type RegisterParams struct {
	Dapp                        common.Address
	Arbiter                     common.Address
	Deadline                    time.Time
	Fee                         decimal.Decimal
	CompensationReceiver        common.Address
	TimeoutCompensationReceiver common.Address
}

// ArbitrationRequest is what the dapp hands the arbiter to sign.
type ArbitrationRequest struct {
	UnsignedPayload []byte
	LockingScript   []byte
	UTXOs           []chain.UTXO
}

// Ledger holds every escrow transaction. Like the stake ledger it relies on the protocol
// engine for mutual exclusion.
type Ledger struct {
	policy   policy.Source
	arbiters Arbiters
	vault    *vault.Vault
	pub      feed.Publisher
	logger   zerolog.Logger

	txs    map[common.Hash]*Transaction
	order  []common.Hash
	nonces map[common.Address]uint64
}

// NewLedger constructs an empty escrow ledger.
func NewLedger(src policy.Source, arbiters Arbiters, v *vault.Vault, pub feed.Publisher, logger zerolog.Logger) *Ledger {
	if pub == nil {
		pub = feed.Discard{}
	}
	return &Ledger{
		policy:   src,
		arbiters: arbiters,
		vault:    v,
		pub:      pub,
		logger:   logger.With().Str("component", "escrow_ledger").Logger(),
		txs:      make(map[common.Hash]*Transaction),
		nonces:   make(map[common.Address]uint64),
	}
}

// QuoteFee prices a transaction on arbiter lasting until deadline.
//
//	arbiterFee = floor(totalStake × feeRate / 10000 × duration / 1 year)
//	systemFee  = floor(arbiterFee × systemFeeRate / 10000)
//	required   = max(minTransactionFee, arbiterFee + systemFee)
func (l *Ledger) QuoteFee(now time.Time, arbiter common.Address, deadline time.Time) (Quote, error) {
	a, err := l.arbiters.Get(arbiter)
	if err != nil {
		return Quote{}, err
	}
	return quote(l.policy.Snapshot(), a, deadline.Sub(now)), nil
}

func quote(snap policy.Snapshot, a stake.Arbiter, d time.Duration) Quote {
	secs := int64(d / time.Second)
	if secs < 0 {
		secs = 0
	}
	arbiterFee := a.TotalStake().
		Mul(decimal.NewFromInt(int64(a.FeeRate))).
		Mul(decimal.NewFromInt(secs)).
		Div(decimal.NewFromInt(policy.BasisPointsDenominator * secondsPerYear)).
		Floor()
	systemFee := snap.ApplyRate(arbiterFee, policy.SystemFeeRate)
	required := decimal.Max(snap.Value(policy.MinTransactionFee), arbiterFee.Add(systemFee))
	return Quote{ArbiterFee: arbiterFee, SystemFee: systemFee, Required: required}
}

// RegisterTransaction reserves the arbiter and escrows the fee deposit.
func (l *Ledger) RegisterTransaction(now time.Time, p RegisterParams) (Transaction, error) {
	if p.Dapp == (common.Address{}) {
		return Transaction{}, fmt.Errorf("%w: dapp", protoerr.ErrZeroAddress)
	}
	if p.Fee.IsNegative() || !p.Fee.IsInteger() {
		return Transaction{}, fmt.Errorf("%w: fee %s", protoerr.ErrInsufficientFee, p.Fee)
	}
	a, err := l.arbiters.Get(p.Arbiter)
	if err != nil {
		return Transaction{}, err
	}
	if l.arbiters.IsFrozen(now, p.Arbiter) {
		return Transaction{}, protoerr.ErrArbiterFrozen
	}
	if !l.arbiters.IsActive(now, p.Arbiter) {
		return Transaction{}, fmt.Errorf("%w: %s", protoerr.ErrArbiterNotActive, p.Arbiter.Hex())
	}

	snap := l.policy.Snapshot()
	if !p.Deadline.After(now) {
		return Transaction{}, fmt.Errorf("%w: deadline is not in the future", protoerr.ErrInvalidDeadline)
	}
	duration := p.Deadline.Sub(now)
	lo, hi := snap.Duration(policy.MinTransactionDuration), snap.Duration(policy.MaxTransactionDuration)
	if duration < lo || duration > hi {
		return Transaction{}, fmt.Errorf("%w: %s outside [%s, %s]", protoerr.ErrInvalidDuration, duration, lo, hi)
	}
	if p.Deadline.After(a.TermDeadline) {
		return Transaction{}, fmt.Errorf("%w: deadline beyond arbiter term %s", protoerr.ErrInvalidDeadline, a.TermDeadline.UTC().Format(time.RFC3339))
	}
	q := quote(snap, a, duration)
	if p.Fee.LessThan(q.Required) {
		return Transaction{}, fmt.Errorf("%w: deposited %s, required %s", protoerr.ErrInsufficientFee, p.Fee, q.Required)
	}

	nonce := l.nonces[p.Dapp]
	id := chain.TransactionID(p.Dapp, p.Arbiter, nonce)
	if err := l.arbiters.Reserve(now, p.Arbiter, id); err != nil {
		return Transaction{}, err
	}
	l.nonces[p.Dapp] = nonce + 1

	tx := &Transaction{
		ID:                          id,
		Nonce:                       nonce,
		Dapp:                        p.Dapp,
		Arbiter:                     p.Arbiter,
		Status:                      StatusActive,
		StartTime:                   now,
		Deadline:                    p.Deadline,
		DepositedFee:                p.Fee,
		ArbiterFee:                  q.ArbiterFee,
		SystemFee:                   q.SystemFee,
		CompensationReceiver:        orDefault(p.CompensationReceiver, p.Dapp),
		TimeoutCompensationReceiver: orDefault(p.TimeoutCompensationReceiver, p.Dapp),
	}
	l.txs[id] = tx
	l.order = append(l.order, id)

	l.publish(now, tx, "registered", nil)
	return tx.Clone(), nil
}

// RequestArbitration attaches the payload to sign and starts the arbitration clock.
func (l *Ledger) RequestArbitration(now time.Time, caller common.Address, id common.Hash, req ArbitrationRequest) (Transaction, error) {
	tx, err := l.lookup(id)
	if err != nil {
		return Transaction{}, err
	}
	if caller != tx.Dapp {
		return Transaction{}, protoerr.ErrNotDapp
	}
	if tx.ArbitrationRequested() {
		return Transaction{}, protoerr.ErrArbitrationRequested
	}
	if tx.Status != StatusActive {
		return Transaction{}, fmt.Errorf("%w: %s", protoerr.ErrInvalidTransactionState, tx.Status)
	}
	if now.After(tx.Deadline) {
		return Transaction{}, protoerr.ErrDeadlinePassed
	}
	if len(req.UnsignedPayload) == 0 {
		return Transaction{}, fmt.Errorf("%w: unsigned payload", protoerr.ErrEmptyPayload)
	}
	if err := chain.ValidateUTXOs(req.UTXOs); err != nil {
		return Transaction{}, err
	}
	// Every input must yield a digest, or a later fraud claim could not be adjudicated.
	for i := range req.UTXOs {
		if _, err := chain.SpendSigHash(req.UnsignedPayload, req.LockingScript, req.UTXOs, uint32(i)); err != nil {
			return Transaction{}, err
		}
	}

	tx.Status = StatusArbitrated
	tx.RequestArbitrationTime = now
	tx.UnsignedPayload = bytes.Clone(req.UnsignedPayload)
	tx.LockingScript = bytes.Clone(req.LockingScript)
	tx.UTXOs = chain.CloneUTXOs(req.UTXOs)

	l.publish(now, tx, "arbitration_requested", nil)
	l.pub.Publish(feed.New(feed.KindNotification, tx.ID.Hex(), feed.EventArbitrationRequested, map[string]any{
		"arbiterId":     tx.Arbiter.Hex(),
		"transactionId": tx.ID.Hex(),
	}, now))
	return tx.Clone(), nil
}

// SubmitArbitration records the arbiter's signature. With no frozen period configured
// there is no challenge window and the transaction settles immediately.
func (l *Ledger) SubmitArbitration(now time.Time, caller common.Address, id common.Hash, signature []byte) (Transaction, error) {
	tx, err := l.lookup(id)
	if err != nil {
		return Transaction{}, err
	}
	a, err := l.arbiters.Get(tx.Arbiter)
	if err != nil {
		return Transaction{}, err
	}
	if caller != tx.Arbiter && caller != a.Operator.Address {
		return Transaction{}, protoerr.ErrNotArbitrator
	}
	if tx.Status != StatusArbitrated {
		return Transaction{}, fmt.Errorf("%w: %s", protoerr.ErrInvalidTransactionState, tx.Status)
	}
	snap := l.policy.Snapshot()
	if !now.Before(tx.ArbitrationExpiry(snap.Duration(policy.ArbitrationTimeout))) {
		return Transaction{}, protoerr.ErrArbitrationExpired
	}
	if _, err := chain.ParseSignature(signature); err != nil {
		return Transaction{}, err
	}
	if err := l.arbiters.RecordSubmission(now, tx.Arbiter, tx.ID); err != nil {
		return Transaction{}, err
	}

	tx.Signature = bytes.Clone(signature)
	tx.SubmittedAt = now
	tx.Status = StatusSubmitted
	l.publish(now, tx, "submitted", nil)

	if snap.Duration(policy.ArbitrationFrozenPeriod) == 0 {
		if _, err := l.settle(now, snap, tx, a); err != nil {
			return Transaction{}, err
		}
	}
	return tx.Clone(), nil
}

// CompleteTransaction lets the dapp close an active transaction and pay the arbiter.
func (l *Ledger) CompleteTransaction(now time.Time, caller common.Address, id common.Hash) (Settlement, error) {
	tx, err := l.lookup(id)
	if err != nil {
		return Settlement{}, err
	}
	if caller != tx.Dapp {
		return Settlement{}, protoerr.ErrNotDapp
	}
	if tx.Status != StatusActive {
		return Settlement{}, fmt.Errorf("%w: %s", protoerr.ErrInvalidTransactionState, tx.Status)
	}
	if now.After(tx.Deadline) && l.arbiters.IsFrozen(now, tx.Arbiter) {
		return Settlement{}, protoerr.ErrArbiterFrozen
	}
	a, err := l.arbiters.Get(tx.Arbiter)
	if err != nil {
		return Settlement{}, err
	}
	return l.settle(now, l.policy.Snapshot(), tx, a)
}

// Settle pays out the fee of a transaction the caller has already found eligible.
func (l *Ledger) Settle(now time.Time, id common.Hash) (Settlement, error) {
	tx, err := l.lookup(id)
	if err != nil {
		return Settlement{}, err
	}
	if tx.Status.Terminal() {
		return Settlement{}, fmt.Errorf("%w: %s", protoerr.ErrInvalidTransactionState, tx.Status)
	}
	a, err := l.arbiters.Get(tx.Arbiter)
	if err != nil {
		return Settlement{}, err
	}
	return l.settle(now, l.policy.Snapshot(), tx, a)
}

// CloseAfterSlash completes a transaction whose arbiter has been slashed and refunds the
// whole deposit to the dapp. The stake ledger has already released the arbiter.
func (l *Ledger) CloseAfterSlash(now time.Time, id common.Hash) (Settlement, error) {
	tx, err := l.lookup(id)
	if err != nil {
		return Settlement{}, err
	}
	if tx.Status.Terminal() {
		return Settlement{}, fmt.Errorf("%w: %s", protoerr.ErrInvalidTransactionState, tx.Status)
	}
	s := Settlement{
		TransactionID: tx.ID,
		ArbiterFee:    decimal.Zero,
		SystemFee:     decimal.Zero,
		Refund:        tx.DepositedFee,
		Dapp:          tx.Dapp,
	}
	l.vault.Credit(tx.Dapp, s.Refund)
	tx.Status = StatusCompleted
	tx.CompletedAt = now
	l.publish(now, tx, "completed", map[string]any{"refund": s.Refund.String(), "slashed": true})
	return s, nil
}

// Get returns a copy of the stored transaction.
func (l *Ledger) Get(id common.Hash) (Transaction, error) {
	tx, err := l.lookup(id)
	if err != nil {
		return Transaction{}, err
	}
	return tx.Clone(), nil
}

// View returns a copy with the effective status at now.
func (l *Ledger) View(now time.Time, id common.Hash) (Transaction, error) {
	tx, err := l.lookup(id)
	if err != nil {
		return Transaction{}, err
	}
	out := tx.Clone()
	out.Status = tx.EffectiveStatus(now)
	return out, nil
}

// ActiveFor returns the transaction currently reserved on arbiter, if any.
func (l *Ledger) ActiveFor(arbiter common.Address) (Transaction, bool) {
	a, err := l.arbiters.Get(arbiter)
	if err != nil || !a.Busy() {
		return Transaction{}, false
	}
	tx, ok := l.txs[a.ActiveTransaction]
	if !ok {
		return Transaction{}, false
	}
	return tx.Clone(), true
}

// List returns every transaction in registration order with effective statuses.
func (l *Ledger) List(now time.Time) []Transaction {
	out := make([]Transaction, 0, len(l.order))
	for _, id := range l.order {
		tx := l.txs[id]
		view := tx.Clone()
		view.Status = tx.EffectiveStatus(now)
		out = append(out, view)
	}
	return out
}

func (l *Ledger) settle(now time.Time, snap policy.Snapshot, tx *Transaction, a stake.Arbiter) (Settlement, error) {
	s := Settlement{
		TransactionID: tx.ID,
		ArbiterFee:    tx.ArbiterFee,
		SystemFee:     tx.SystemFee,
		Revenue:       a.Revenue.Address,
		Collector:     snap.FeeCollector,
		Dapp:          tx.Dapp,
	}
	if s.Collector == (common.Address{}) {
		s.SystemFee = decimal.Zero
	}
	s.Refund = tx.DepositedFee.Sub(s.ArbiterFee).Sub(s.SystemFee)
	if s.Refund.IsNegative() {
		return Settlement{}, fmt.Errorf("%w: deposit %s below settled fees", protoerr.ErrInsufficientFee, tx.DepositedFee)
	}
	if err := l.arbiters.Release(now, tx.Arbiter, tx.ID); err != nil {
		return Settlement{}, err
	}

	l.vault.Credit(s.Revenue, s.ArbiterFee)
	l.vault.Credit(s.Collector, s.SystemFee)
	l.vault.Credit(s.Dapp, s.Refund)
	tx.Status = StatusCompleted
	tx.CompletedAt = now

	l.publish(now, tx, "completed", map[string]any{
		"paidArbiterFee": s.ArbiterFee.String(),
		"paidSystemFee":  s.SystemFee.String(),
		"refund":         s.Refund.String(),
	})
	return s, nil
}

func (l *Ledger) lookup(id common.Hash) (*Transaction, error) {
	tx, ok := l.txs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", protoerr.ErrTransactionNotFound, id.Hex())
	}
	return tx, nil
}

func (l *Ledger) publish(now time.Time, tx *Transaction, event string, extra map[string]any) {
	fields := tx.fields(now)
	for k, v := range extra {
		fields[k] = v
	}
	l.pub.Publish(feed.New(feed.KindTransaction, tx.ID.Hex(), event, fields, now))
	l.logger.Info().
		Str("transaction", tx.ID.Hex()).
		Str("arbiter", tx.Arbiter.Hex()).
		Str("event", event).
		Str("status", tx.Status.String()).
		Msg("transaction updated")
}

func orDefault(addr, fallback common.Address) common.Address {
	if addr == (common.Address{}) {
		return fallback
	}
	return addr
}
