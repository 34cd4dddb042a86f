// Package compensation adjudicates claims against arbiters and pays them out.
//
// Every claim is keyed by ClaimID. The existence check for that id runs inside the same
// critical section as the slash it guards, which is what makes settlement at-most-once
// per evidence tuple.
package compensation

import (
	"bytes"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"arbiter-escrow/internal/attestation"
	"arbiter-escrow/internal/chain"
	"arbiter-escrow/internal/escrow"
	"arbiter-escrow/internal/feed"
	"arbiter-escrow/internal/policy"
	"arbiter-escrow/internal/protoerr"
	"arbiter-escrow/internal/stake"
	"arbiter-escrow/internal/vault"
)

// Arbiters is the part of the stake ledger claims act on.
type Arbiters interface {
	Get(addr common.Address) (stake.Arbiter, error)
	IsFrozen(now time.Time, addr common.Address) bool
	Slash(now time.Time, addr common.Address) (stake.Collateral, error)
}

// Transactions is the part of the escrow ledger claims act on.
type Transactions interface {
	Get(id common.Hash) (escrow.Transaction, error)
	ActiveFor(arbiter common.Address) (escrow.Transaction, bool)
	Settle(now time.Time, id common.Hash) (escrow.Settlement, error)
	CloseAfterSlash(now time.Time, id common.Hash) (escrow.Settlement, error)
}

// Deps are the collaborators of an Engine.
type Deps struct {
	Policy       policy.Source
	Arbiters     Arbiters
	Transactions Transactions
	Vault        *vault.Vault
	ZK           attestation.ZKVerifier
	Signatures   attestation.SignatureValidator
	Publisher    feed.Publisher
	Logger       zerolog.Logger
}

// Engine holds every claim. It relies on the protocol engine for mutual exclusion.
type Engine struct {
	policy     policy.Source
	arbiters   Arbiters
	txs        Transactions
	vault      *vault.Vault
	zk         attestation.ZKVerifier
	signatures attestation.SignatureValidator
	pub        feed.Publisher
	logger     zerolog.Logger

	claims map[common.Hash]*Claim
	order  []common.Hash
}

// NewEngine constructs an empty engine.
func NewEngine(d Deps) *Engine {
	pub := d.Publisher
	if pub == nil {
		pub = feed.Discard{}
	}
	sigs := d.Signatures
	if sigs == nil {
		sigs = attestation.SignatureService{}
	}
	return &Engine{
		policy:     d.Policy,
		arbiters:   d.Arbiters,
		txs:        d.Transactions,
		vault:      d.Vault,
		zk:         d.ZK,
		signatures: sigs,
		pub:        pub,
		logger:     d.Logger.With().Str("component", "compensation").Logger(),
		claims:     make(map[common.Hash]*Claim),
	}
}

// Claim adjudicates a request and, on success, records the resulting claim.
func (e *Engine) Claim(now time.Time, caller common.Address, req Request) (Claim, error) {
	switch r := req.(type) {
	case IllegalSignatureRequest:
		return e.claimIllegalSignature(now, caller, r)
	case TimeoutRequest:
		return e.claimTimeout(now, caller, r)
	case FailedArbitrationRequest:
		return e.claimFailedArbitration(now, caller, r)
	case ArbitratorFeeRequest:
		return e.claimArbitratorFee(now, caller, r)
	default:
		return Claim{}, fmt.Errorf("%w: %T", protoerr.ErrUnknownClaimType, req)
	}
}

func (e *Engine) claimIllegalSignature(now time.Time, caller common.Address, r IllegalSignatureRequest) (Claim, error) {
	a, err := e.arbiters.Get(r.Arbiter)
	if err != nil {
		return Claim{}, err
	}
	receiver := r.Receiver
	if receiver == (common.Address{}) {
		receiver = caller
	}
	id := ClaimID(r.Evidence, r.Arbiter, receiver, IllegalSignature)
	if err := e.unclaimed(id); err != nil {
		return Claim{}, err
	}

	if e.zk == nil {
		return Claim{}, fmt.Errorf("%w: no zk verifier configured", protoerr.ErrAttestationMissing)
	}
	proof, err := e.zk.VerifyZK(r.Evidence)
	if err != nil {
		return Claim{}, err
	}
	if !proof.Verified {
		return Claim{}, protoerr.ErrNotVerified
	}
	if len(proof.UTXOs) == 0 {
		return Claim{}, protoerr.ErrNoUTXOs
	}
	if !chain.SamePubKey(proof.PublicKey, a.Operator.BTCPubKey) {
		return Claim{}, protoerr.ErrPublicKeyMismatch
	}

	var txID common.Hash
	if active, ok := e.txs.ActiveFor(r.Arbiter); ok {
		if active.ArbitrationRequested() {
			return Claim{}, fmt.Errorf("%w: %s", protoerr.ErrTransactionStillActive, active.ID.Hex())
		}
		txID = active.ID
	}
	return e.slash(now, caller, a.Address, r.Evidence, receiver, IllegalSignature, txID)
}

func (e *Engine) claimTimeout(now time.Time, caller common.Address, r TimeoutRequest) (Claim, error) {
	tx, err := e.txs.Get(r.TransactionID)
	if err != nil {
		return Claim{}, err
	}
	receiver := tx.TimeoutCompensationReceiver
	id := ClaimID(tx.ID, tx.Arbiter, receiver, Timeout)
	if err := e.unclaimed(id); err != nil {
		return Claim{}, err
	}

	if tx.Status != escrow.StatusArbitrated {
		return Claim{}, fmt.Errorf("%w: %s", protoerr.ErrInvalidTransactionState, tx.Status)
	}
	expiry := tx.ArbitrationExpiry(e.policy.Snapshot().Duration(policy.ArbitrationTimeout))
	if now.Before(expiry) {
		return Claim{}, fmt.Errorf("%w: window closes at %s", protoerr.ErrNotTimedOut, expiry.UTC().Format(time.RFC3339))
	}
	return e.slash(now, caller, tx.Arbiter, tx.ID, receiver, Timeout, tx.ID)
}

func (e *Engine) claimFailedArbitration(now time.Time, caller common.Address, r FailedArbitrationRequest) (Claim, error) {
	tx, err := e.txs.Get(r.TransactionID)
	if err != nil {
		return Claim{}, err
	}
	att := r.Attestation
	evidence := att.Evidence()
	receiver := tx.CompensationReceiver
	id := ClaimID(evidence, tx.Arbiter, receiver, FailedArbitration)
	if err := e.unclaimed(id); err != nil {
		return Claim{}, err
	}

	switch tx.Status {
	case escrow.StatusSubmitted:
	case escrow.StatusActive, escrow.StatusArbitrated:
		return Claim{}, protoerr.ErrSignatureNotSubmitted
	default:
		return Claim{}, fmt.Errorf("%w: %s", protoerr.ErrInvalidTransactionState, tx.Status)
	}
	if int(att.InputIndex) >= len(tx.UTXOs) {
		return Claim{}, fmt.Errorf("%w: %d of %d inputs", protoerr.ErrInvalidInputIndex, att.InputIndex, len(tx.UTXOs))
	}
	// The attested digest must be the one the on-record payload commits to; otherwise an
	// honest signature could be paired with an arbitrary hash.
	expected, err := chain.SpendSigHash(tx.UnsignedPayload, tx.LockingScript, tx.UTXOs, att.InputIndex)
	if err != nil {
		return Claim{}, err
	}
	if att.Hash != expected {
		return Claim{}, fmt.Errorf("%w: input %d commits to %s", protoerr.ErrSighashMismatch, att.InputIndex, expected.Hex())
	}
	if !bytes.Equal(att.Signature, tx.Signature) {
		return Claim{}, protoerr.ErrSignatureMismatch
	}
	a, err := e.arbiters.Get(tx.Arbiter)
	if err != nil {
		return Claim{}, err
	}
	if !chain.SamePubKey(att.PublicKey, a.Operator.BTCPubKey) {
		return Claim{}, protoerr.ErrPublicKeyMismatch
	}
	res, err := e.signatures.ValidateSignature(att)
	if err != nil {
		return Claim{}, err
	}
	if res.Valid {
		return Claim{}, protoerr.ErrAlreadyVerified
	}
	return e.slash(now, caller, tx.Arbiter, evidence, receiver, FailedArbitration, tx.ID)
}

func (e *Engine) claimArbitratorFee(now time.Time, caller common.Address, r ArbitratorFeeRequest) (Claim, error) {
	tx, err := e.txs.Get(r.TransactionID)
	if err != nil {
		return Claim{}, err
	}
	if caller != tx.Arbiter {
		return Claim{}, protoerr.ErrNotArbitrator
	}
	a, err := e.arbiters.Get(tx.Arbiter)
	if err != nil {
		return Claim{}, err
	}
	receiver := a.Revenue.Address
	id := ClaimID(tx.ID, tx.Arbiter, receiver, ArbitratorFee)
	if err := e.unclaimed(id); err != nil {
		return Claim{}, err
	}

	expired := tx.Status == escrow.StatusActive && now.After(tx.Deadline)
	cooled := tx.Status == escrow.StatusSubmitted && !e.arbiters.IsFrozen(now, tx.Arbiter)
	if !expired && !cooled {
		return Claim{}, fmt.Errorf("%w: %s", protoerr.ErrInvalidTransactionState, tx.EffectiveStatus(now))
	}

	s, err := e.txs.Settle(now, tx.ID)
	if err != nil {
		return Claim{}, err
	}
	c := &Claim{
		ID:            id,
		Type:          ArbitratorFee,
		Claimer:       caller,
		Arbiter:       tx.Arbiter,
		Evidence:      tx.ID,
		TransactionID: tx.ID,
		CoinAmount:    s.ArbiterFee,
		TotalAmount:   s.ArbiterFee,
		Receiver:      s.Revenue,
		Withdrawn:     true,
		SystemFee:     decimal.Zero,
		CreatedAt:     now,
		WithdrawnAt:   now,
	}
	e.store(now, c, "created")
	return c.Clone(), nil
}

// slash zeroes the arbiter's stake, closes its transaction if any and records the claim.
func (e *Engine) slash(now time.Time, caller, arbiter common.Address, evidence common.Hash, receiver common.Address, typ ClaimType, txID common.Hash) (Claim, error) {
	taken, err := e.arbiters.Slash(now, arbiter)
	if err != nil {
		return Claim{}, err
	}
	if txID != (common.Hash{}) {
		if _, err := e.txs.CloseAfterSlash(now, txID); err != nil {
			return Claim{}, err
		}
	}
	c := &Claim{
		ID:            ClaimID(evidence, arbiter, receiver, typ),
		Type:          typ,
		Claimer:       caller,
		Arbiter:       arbiter,
		Evidence:      evidence,
		TransactionID: txID,
		CoinAmount:    taken.Coin,
		Assets:        taken.Assets,
		TotalAmount:   taken.Total(),
		Receiver:      receiver,
		SystemFee:     decimal.Zero,
		CreatedAt:     now,
	}
	e.store(now, c, "created")
	return c.Clone(), nil
}

// Withdraw pays a claim out to its receiver, less the system compensation fee. Anyone may
// trigger the payout by fronting exactly that fee; the fronting caller is reimbursed
// from the amount withheld, so the receiver nets the same either way.
func (e *Engine) Withdraw(now time.Time, caller common.Address, id common.Hash, fee decimal.Decimal) (Withdrawal, error) {
	c, ok := e.claims[id]
	if !ok {
		return Withdrawal{}, fmt.Errorf("%w: %s", protoerr.ErrClaimNotFound, id.Hex())
	}
	if c.Withdrawn {
		return Withdrawal{}, protoerr.ErrAlreadyWithdrawn
	}

	snap := e.policy.Snapshot()
	systemFee := e.SystemFee(snap, *c)
	if caller != c.Receiver {
		switch {
		case fee.LessThan(systemFee):
			return Withdrawal{}, fmt.Errorf("%w: fronted %s, system fee %s", protoerr.ErrInsufficientFee, fee, systemFee)
		case fee.GreaterThan(systemFee):
			return Withdrawal{}, fmt.Errorf("%w: fronted %s, system fee %s", protoerr.ErrExcessiveFee, fee, systemFee)
		}
	}

	w := Withdrawal{
		ClaimID:   c.ID,
		Receiver:  c.Receiver,
		Paid:      c.CoinAmount.Sub(systemFee),
		Assets:    chain.CloneAssets(c.Assets),
		SystemFee: systemFee,
		Collector: snap.FeeCollector,
	}
	e.vault.Credit(c.Receiver, w.Paid)
	e.vault.CreditAssets(c.Receiver, w.Assets)
	e.vault.Credit(snap.FeeCollector, systemFee)
	if caller != c.Receiver {
		w.FrontedBy = caller
		e.vault.Credit(caller, systemFee)
	}

	c.Withdrawn = true
	c.SystemFee = systemFee
	c.WithdrawnAt = now
	e.store(now, c, "withdrawn")
	return w, nil
}

// SystemFee is floor(totalAmount × systemCompensationFeeRate), taken from the coin
// portion only. No fee is charged without a collector.
func (e *Engine) SystemFee(snap policy.Snapshot, c Claim) decimal.Decimal {
	if snap.FeeCollector == (common.Address{}) {
		return decimal.Zero
	}
	fee := snap.ApplyRate(c.TotalAmount, policy.SystemCompensationFeeRate)
	return decimal.Min(fee, c.CoinAmount)
}

// Get returns a copy of a claim.
func (e *Engine) Get(id common.Hash) (Claim, error) {
	c, ok := e.claims[id]
	if !ok {
		return Claim{}, fmt.Errorf("%w: %s", protoerr.ErrClaimNotFound, id.Hex())
	}
	return c.Clone(), nil
}

// List returns every claim in creation order.
func (e *Engine) List() []Claim {
	out := make([]Claim, 0, len(e.order))
	for _, id := range e.order {
		out = append(out, e.claims[id].Clone())
	}
	return out
}

func (e *Engine) unclaimed(id common.Hash) error {
	if _, ok := e.claims[id]; ok {
		return fmt.Errorf("%w: %s", protoerr.ErrAlreadyClaimed, id.Hex())
	}
	return nil
}

func (e *Engine) store(now time.Time, c *Claim, event string) {
	if _, ok := e.claims[c.ID]; !ok {
		e.claims[c.ID] = c
		e.order = append(e.order, c.ID)
	}
	e.pub.Publish(feed.New(feed.KindClaim, c.ID.Hex(), event, c.fields(), now))
	e.logger.Info().
		Str("claim", c.ID.Hex()).
		Str("type", c.Type.String()).
		Str("arbiter", c.Arbiter.Hex()).
		Str("event", event).
		Str("total", c.TotalAmount.String()).
		Msg("claim updated")
}
