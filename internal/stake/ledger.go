// Package stake is the arbiter registry: collateral, fee terms, identities and
// availability. It is the only package that zeroes or releases collateral.
package stake

import (
	"fmt"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"arbiter-escrow/internal/chain"
	"arbiter-escrow/internal/feed"
	"arbiter-escrow/internal/policy"
	"arbiter-escrow/internal/protoerr"
	"arbiter-escrow/internal/vault"
)

// Registration carries the arguments of RegisterByStake. A zero Revenue defaults to the
// operator identity.
type Registration struct {
	Arbiter  common.Address
	Coin     decimal.Decimal
	Assets   []chain.Asset
	Operator chain.Identity
	Revenue  chain.Identity
	FeeRate  uint32
	Deadline time.Time
}

// Collateral is an amount of stake moved out of the ledger.
type Collateral struct {
	Coin   decimal.Decimal `json:"coin"`
	Assets []chain.Asset   `json:"assets,omitempty"`
}

// Total is coin plus asset value.
func (c Collateral) Total() decimal.Decimal {
	return c.Coin.Add(chain.AssetsValue(c.Assets))
}

// Ledger holds every arbiter ever registered. It is not safe for concurrent use: the
// protocol engine calls it from inside a single critical section.
type Ledger struct {
	policy policy.Source
	net    *chaincfg.Params
	vault  *vault.Vault
	pub    feed.Publisher
	logger zerolog.Logger

	arbiters map[common.Address]*Arbiter
	order    []common.Address
}

// NewLedger constructs an empty registry.
func NewLedger(src policy.Source, net *chaincfg.Params, v *vault.Vault, pub feed.Publisher, logger zerolog.Logger) *Ledger {
	if net == nil {
		net = &chaincfg.MainNetParams
	}
	if pub == nil {
		pub = feed.Discard{}
	}
	return &Ledger{
		policy:   src,
		net:      net,
		vault:    v,
		pub:      pub,
		logger:   logger.With().Str("component", "stake_ledger").Logger(),
		arbiters: make(map[common.Address]*Arbiter),
	}
}

// RegisterByStake creates an arbiter, or revives a terminated one, with its full
// configuration and collateral.
func (l *Ledger) RegisterByStake(now time.Time, reg Registration) (Arbiter, error) {
	if reg.Arbiter == (common.Address{}) {
		return Arbiter{}, fmt.Errorf("%w: arbiter", protoerr.ErrZeroAddress)
	}
	existing, ok := l.arbiters[reg.Arbiter]
	if ok && existing.Status != StatusTerminated {
		return Arbiter{}, protoerr.ErrArbiterAlreadyRegistered
	}

	snap := l.policy.Snapshot()
	if err := validateCollateral(reg.Coin, reg.Assets); err != nil {
		return Arbiter{}, err
	}
	total := reg.Coin.Add(chain.AssetsValue(reg.Assets))
	if err := checkStakeBounds(snap, total, true); err != nil {
		return Arbiter{}, err
	}
	if err := checkFeeRate(snap, reg.FeeRate); err != nil {
		return Arbiter{}, err
	}
	if !reg.Deadline.After(now) {
		return Arbiter{}, fmt.Errorf("%w: deadline %s is not in the future", protoerr.ErrInvalidDeadline, reg.Deadline.UTC().Format(time.RFC3339))
	}
	if err := reg.Operator.Validate(l.net); err != nil {
		return Arbiter{}, fmt.Errorf("operator: %w", err)
	}
	revenue := reg.Revenue
	if revenue.IsZero() {
		revenue = reg.Operator
	} else if err := revenue.Validate(l.net); err != nil {
		return Arbiter{}, fmt.Errorf("revenue: %w", err)
	}

	a := existing
	if a == nil {
		a = &Arbiter{Address: reg.Arbiter, CreatedAt: now}
		l.arbiters[reg.Arbiter] = a
		l.order = append(l.order, reg.Arbiter)
	}
	a.StakeCoin = reg.Coin
	a.StakeAssets = chain.CloneAssets(reg.Assets)
	a.FeeRate = reg.FeeRate
	a.TermDeadline = reg.Deadline
	a.Operator = reg.Operator.Clone()
	a.Revenue = revenue.Clone()
	a.ActiveTransaction = common.Hash{}
	a.PausedByOwner = false
	a.Status = StatusActive

	l.publish(now, snap, a, "registered")
	return a.Clone(), nil
}

// AddStake tops up collateral. An unknown arbiter is created paused and becomes active
// once its configuration is complete.
func (l *Ledger) AddStake(now time.Time, addr common.Address, coin decimal.Decimal, assets []chain.Asset) (Arbiter, error) {
	if addr == (common.Address{}) {
		return Arbiter{}, fmt.Errorf("%w: arbiter", protoerr.ErrZeroAddress)
	}
	if err := validateCollateral(coin, assets); err != nil {
		return Arbiter{}, err
	}
	added := coin.Add(chain.AssetsValue(assets))
	if !added.IsPositive() {
		return Arbiter{}, fmt.Errorf("%w: nothing to stake", protoerr.ErrInvalidCollateral)
	}

	snap := l.policy.Snapshot()
	current := decimal.Zero
	a, ok := l.arbiters[addr]
	if ok {
		current = a.TotalStake()
	}
	if err := checkStakeBounds(snap, current.Add(added), false); err != nil {
		return Arbiter{}, err
	}

	if !ok {
		a = &Arbiter{Address: addr, Status: StatusPaused, StakeCoin: decimal.Zero, CreatedAt: now}
		l.arbiters[addr] = a
		l.order = append(l.order, addr)
	}
	if a.Status == StatusTerminated {
		a.Status = StatusPaused
		a.PausedByOwner = false
	}
	a.StakeCoin = a.StakeCoin.Add(coin)
	a.StakeAssets = mergeAssets(a.StakeAssets, assets)
	l.promote(now, snap, a)

	l.publish(now, snap, a, "staked")
	return a.Clone(), nil
}

// Unstake withdraws the full collateral to the arbiter's vault balance and terminates it.
func (l *Ledger) Unstake(now time.Time, caller common.Address) (Collateral, error) {
	a, err := l.lookup(caller)
	if err != nil {
		return Collateral{}, err
	}
	snap := l.policy.Snapshot()
	if a.Busy() {
		return Collateral{}, fmt.Errorf("%w: transaction %s in flight", protoerr.ErrStakeLocked, a.ActiveTransaction.Hex())
	}
	if a.Frozen(now, snap.Duration(policy.ArbitrationFrozenPeriod)) {
		return Collateral{}, protoerr.ErrArbiterFrozen
	}
	if !a.TotalStake().IsPositive() {
		return Collateral{}, protoerr.ErrNoStake
	}

	out := l.drain(a)
	l.vault.Credit(a.Address, out.Coin)
	l.vault.CreditAssets(a.Address, out.Assets)

	l.publish(now, snap, a, "unstaked")
	return out, nil
}

// SetOperator replaces the identity that signs on the arbiter's behalf.
func (l *Ledger) SetOperator(now time.Time, caller common.Address, id chain.Identity) (Arbiter, error) {
	a, err := l.modifiable(caller)
	if err != nil {
		return Arbiter{}, err
	}
	if err := id.Validate(l.net); err != nil {
		return Arbiter{}, fmt.Errorf("operator: %w", err)
	}
	snap := l.policy.Snapshot()
	a.Operator = id.Clone()
	if a.Revenue.IsZero() {
		a.Revenue = id.Clone()
	}
	l.promote(now, snap, a)
	l.publish(now, snap, a, "operator_updated")
	return a.Clone(), nil
}

// SetRevenue replaces the payout identity.
func (l *Ledger) SetRevenue(now time.Time, caller common.Address, id chain.Identity) (Arbiter, error) {
	a, err := l.modifiable(caller)
	if err != nil {
		return Arbiter{}, err
	}
	if err := id.Validate(l.net); err != nil {
		return Arbiter{}, fmt.Errorf("revenue: %w", err)
	}
	snap := l.policy.Snapshot()
	a.Revenue = id.Clone()
	l.promote(now, snap, a)
	l.publish(now, snap, a, "revenue_updated")
	return a.Clone(), nil
}

// SetParams updates the fee rate and term deadline.
func (l *Ledger) SetParams(now time.Time, caller common.Address, feeRate uint32, deadline time.Time) (Arbiter, error) {
	a, err := l.modifiable(caller)
	if err != nil {
		return Arbiter{}, err
	}
	snap := l.policy.Snapshot()
	if err := checkFeeRate(snap, feeRate); err != nil {
		return Arbiter{}, err
	}
	if !deadline.After(now) {
		return Arbiter{}, fmt.Errorf("%w: deadline %s is not in the future", protoerr.ErrInvalidDeadline, deadline.UTC().Format(time.RFC3339))
	}
	a.FeeRate = feeRate
	a.TermDeadline = deadline
	l.promote(now, snap, a)
	l.publish(now, snap, a, "params_updated")
	return a.Clone(), nil
}

// Pause takes an idle active arbiter out of selection.
func (l *Ledger) Pause(now time.Time, caller common.Address) (Arbiter, error) {
	a, err := l.lookup(caller)
	if err != nil {
		return Arbiter{}, err
	}
	snap := l.policy.Snapshot()
	if st := a.EffectiveStatus(now, snap.Duration(policy.ArbitrationFrozenPeriod)); st != StatusActive || a.Busy() {
		return Arbiter{}, fmt.Errorf("%w: cannot pause while %s", protoerr.ErrInvalidArbiterStatus, st)
	}
	a.Status = StatusPaused
	a.PausedByOwner = true
	l.publish(now, snap, a, "paused")
	return a.Clone(), nil
}

// Resume returns a paused arbiter to selection. The configuration must be complete.
func (l *Ledger) Resume(now time.Time, caller common.Address) (Arbiter, error) {
	a, err := l.lookup(caller)
	if err != nil {
		return Arbiter{}, err
	}
	snap := l.policy.Snapshot()
	if st := a.EffectiveStatus(now, snap.Duration(policy.ArbitrationFrozenPeriod)); st != StatusPaused || a.Busy() {
		return Arbiter{}, fmt.Errorf("%w: cannot resume while %s", protoerr.ErrInvalidArbiterStatus, st)
	}
	if !l.configured(now, snap, a) {
		return Arbiter{}, fmt.Errorf("%w: configuration incomplete", protoerr.ErrArbiterNotActive)
	}
	a.Status = StatusActive
	a.PausedByOwner = false
	l.publish(now, snap, a, "resumed")
	return a.Clone(), nil
}

// Get returns a copy of the stored arbiter record.
func (l *Ledger) Get(addr common.Address) (Arbiter, error) {
	a, err := l.lookup(addr)
	if err != nil {
		return Arbiter{}, err
	}
	return a.Clone(), nil
}

// View returns a copy with the effective status at now.
func (l *Ledger) View(now time.Time, addr common.Address) (Arbiter, error) {
	a, err := l.lookup(addr)
	if err != nil {
		return Arbiter{}, err
	}
	out := a.Clone()
	out.Status = a.EffectiveStatus(now, l.frozenPeriod())
	return out, nil
}

// List returns every arbiter in registration order, with effective statuses.
func (l *Ledger) List(now time.Time) []Arbiter {
	period := l.frozenPeriod()
	out := make([]Arbiter, 0, len(l.order))
	for _, addr := range l.order {
		a := l.arbiters[addr]
		view := a.Clone()
		view.Status = a.EffectiveStatus(now, period)
		out = append(out, view)
	}
	return out
}

// IsActive reports whether the arbiter can be reserved for a new transaction.
func (l *Ledger) IsActive(now time.Time, addr common.Address) bool {
	a, ok := l.arbiters[addr]
	if !ok {
		return false
	}
	snap := l.policy.Snapshot()
	return l.available(now, snap, a)
}

// IsConfigModifiable is false while a transaction is in flight.
func (l *Ledger) IsConfigModifiable(addr common.Address) bool {
	a, ok := l.arbiters[addr]
	return ok && !a.Busy()
}

// IsFrozen reports whether the arbiter is inside its post-submission cooldown.
func (l *Ledger) IsFrozen(now time.Time, addr common.Address) bool {
	a, ok := l.arbiters[addr]
	return ok && a.Frozen(now, l.frozenPeriod())
}

// AvailableStake is the collateral a claim could transfer right now.
func (l *Ledger) AvailableStake(addr common.Address) decimal.Decimal {
	a, ok := l.arbiters[addr]
	if !ok {
		return decimal.Zero
	}
	return a.TotalStake()
}

// Reserve assigns a transaction to an available arbiter.
func (l *Ledger) Reserve(now time.Time, addr common.Address, txID common.Hash) error {
	a, err := l.lookup(addr)
	if err != nil {
		return err
	}
	snap := l.policy.Snapshot()
	if a.Frozen(now, snap.Duration(policy.ArbitrationFrozenPeriod)) {
		return protoerr.ErrArbiterFrozen
	}
	if !l.available(now, snap, a) {
		return fmt.Errorf("%w: %s is %s", protoerr.ErrArbiterNotActive, addr.Hex(), a.Status)
	}
	a.ActiveTransaction = txID
	a.Status = StatusWorking
	l.publish(now, snap, a, "reserved")
	return nil
}

// RecordSubmission starts the frozen period for the arbiter of txID.
func (l *Ledger) RecordSubmission(now time.Time, addr common.Address, txID common.Hash) error {
	a, err := l.lookup(addr)
	if err != nil {
		return err
	}
	if a.ActiveTransaction != txID {
		return fmt.Errorf("%w: %s is not reserved on %s", protoerr.ErrInvalidTransactionState, txID.Hex(), addr.Hex())
	}
	snap := l.policy.Snapshot()
	a.LastSubmittedWork = now
	l.publish(now, snap, a, "work_submitted")
	return nil
}

// Release frees the arbiter after txID has been settled.
func (l *Ledger) Release(now time.Time, addr common.Address, txID common.Hash) error {
	a, err := l.lookup(addr)
	if err != nil {
		return err
	}
	if a.ActiveTransaction != txID {
		return fmt.Errorf("%w: %s is not reserved on %s", protoerr.ErrInvalidTransactionState, txID.Hex(), addr.Hex())
	}
	snap := l.policy.Snapshot()
	a.ActiveTransaction = common.Hash{}
	if a.Status == StatusWorking {
		a.Status = StatusActive
		if a.PausedByOwner {
			a.Status = StatusPaused
		}
	}
	l.publish(now, snap, a, "released")
	return nil
}

// Slash zeroes the arbiter's full collateral and terminates it. The caller decides where
// the returned collateral goes.
func (l *Ledger) Slash(now time.Time, addr common.Address) (Collateral, error) {
	a, err := l.lookup(addr)
	if err != nil {
		return Collateral{}, err
	}
	if !a.TotalStake().IsPositive() {
		return Collateral{}, protoerr.ErrNoStake
	}
	snap := l.policy.Snapshot()
	out := l.drain(a)
	a.ActiveTransaction = common.Hash{}
	l.publish(now, snap, a, "slashed")
	return out, nil
}

func (l *Ledger) lookup(addr common.Address) (*Arbiter, error) {
	a, ok := l.arbiters[addr]
	if !ok {
		return nil, fmt.Errorf("%w: %s", protoerr.ErrArbiterNotFound, addr.Hex())
	}
	return a, nil
}

func (l *Ledger) modifiable(addr common.Address) (*Arbiter, error) {
	a, err := l.lookup(addr)
	if err != nil {
		return nil, err
	}
	if a.Busy() {
		return nil, fmt.Errorf("%w: transaction %s in flight", protoerr.ErrConfigNotModifiable, a.ActiveTransaction.Hex())
	}
	return a, nil
}

func (l *Ledger) drain(a *Arbiter) Collateral {
	out := Collateral{Coin: a.StakeCoin, Assets: chain.CloneAssets(a.StakeAssets)}
	a.StakeCoin = decimal.Zero
	a.StakeAssets = nil
	a.Status = StatusTerminated
	return out
}

// configured reports whether every field needed for selection is set and the stake is
// inside the policy bounds.
func (l *Ledger) configured(now time.Time, snap policy.Snapshot, a *Arbiter) bool {
	if !a.Operator.Complete() || !a.Revenue.Complete() || a.FeeRate == 0 {
		return false
	}
	if !a.TermDeadline.After(now) {
		return false
	}
	return checkStakeBounds(snap, a.TotalStake(), true) == nil
}

func (l *Ledger) available(now time.Time, snap policy.Snapshot, a *Arbiter) bool {
	if a.Status != StatusActive || a.Busy() {
		return false
	}
	if a.Frozen(now, snap.Duration(policy.ArbitrationFrozenPeriod)) {
		return false
	}
	return l.configured(now, snap, a)
}

func (l *Ledger) promote(now time.Time, snap policy.Snapshot, a *Arbiter) {
	if a.Status != StatusPaused || a.PausedByOwner || a.Busy() {
		return
	}
	if l.configured(now, snap, a) {
		a.Status = StatusActive
	}
}

func (l *Ledger) frozenPeriod() time.Duration {
	return l.policy.Snapshot().Duration(policy.ArbitrationFrozenPeriod)
}

func (l *Ledger) publish(now time.Time, snap policy.Snapshot, a *Arbiter, event string) {
	period := snap.Duration(policy.ArbitrationFrozenPeriod)
	l.pub.Publish(feed.New(feed.KindArbiter, a.Address.Hex(), event, a.fields(now, period), now))
	l.logger.Info().
		Str("arbiter", a.Address.Hex()).
		Str("event", event).
		Str("status", a.EffectiveStatus(now, period).String()).
		Str("stake", a.TotalStake().String()).
		Msg("arbiter updated")
}

func validateCollateral(coin decimal.Decimal, assets []chain.Asset) error {
	if coin.IsNegative() || !coin.IsInteger() {
		return fmt.Errorf("%w: coin amount %s", protoerr.ErrInvalidCollateral, coin)
	}
	for i, a := range assets {
		if a.ID == "" || !a.Value.IsPositive() || !a.Value.IsInteger() {
			return fmt.Errorf("%w: asset %d", protoerr.ErrInvalidCollateral, i)
		}
	}
	return nil
}

// checkStakeBounds enforces the policy maximum, and the minimum when requireMin is set.
func checkStakeBounds(snap policy.Snapshot, total decimal.Decimal, requireMin bool) error {
	lo, hi := snap.Value(policy.MinStake), snap.Value(policy.MaxStake)
	if requireMin && total.LessThan(lo) {
		return fmt.Errorf("%w: %s below minimum %s", protoerr.ErrInsufficientStake, total, lo)
	}
	if total.GreaterThan(hi) {
		return fmt.Errorf("%w: %s above maximum %s", protoerr.ErrInsufficientStake, total, hi)
	}
	return nil
}

func checkFeeRate(snap policy.Snapshot, rate uint32) error {
	lo, hi := snap.BasisPoints(policy.MinFeeRate), snap.BasisPoints(policy.MaxFeeRate)
	if rate < lo || rate > hi || rate > policy.BasisPointsDenominator {
		return fmt.Errorf("%w: %d outside [%d, %d]", protoerr.ErrInvalidFeeRate, rate, lo, hi)
	}
	return nil
}

func mergeAssets(held, added []chain.Asset) []chain.Asset {
	out := chain.CloneAssets(held)
	for _, a := range added {
		merged := false
		for i := range out {
			if out[i].ID == a.ID {
				out[i].Value = out[i].Value.Add(a.Value)
				merged = true
				break
			}
		}
		if !merged {
			out = append(out, a)
		}
	}
	return out
}
