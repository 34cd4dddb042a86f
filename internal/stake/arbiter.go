package stake

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"arbiter-escrow/internal/chain"
)

// Status is the availability of an arbiter.
type Status uint8

const (
	StatusActive Status = iota + 1
	StatusWorking
	StatusPaused
	// StatusFrozen is never stored; it is derived from the last submission time.
	StatusFrozen
	StatusTerminated
)

func (s Status) String() string {
	switch s {
	case StatusActive:
		return "Active"
	case StatusWorking:
		return "Working"
	case StatusPaused:
		return "Paused"
	case StatusFrozen:
		return "Frozen"
	case StatusTerminated:
		return "Terminated"
	default:
		return "Unknown"
	}
}

// MarshalText renders the status name in JSON payloads.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Arbiter is a staked party that signs cross-chain payloads.
type Arbiter struct {
	Address           common.Address  `json:"address"`
	StakeCoin         decimal.Decimal `json:"stakeCoinAmount"`
	StakeAssets       []chain.Asset   `json:"stakeAssets,omitempty"`
	FeeRate           uint32          `json:"feeRateBasisPoints"`
	TermDeadline      time.Time       `json:"termDeadline"`
	Status            Status          `json:"status"`
	Operator          chain.Identity  `json:"operator"`
	Revenue           chain.Identity  `json:"revenue"`
	ActiveTransaction common.Hash     `json:"activeTransactionId"`
	LastSubmittedWork time.Time       `json:"lastSubmittedWorkTime"`
	PausedByOwner     bool            `json:"pausedByOwner"`
	CreatedAt         time.Time       `json:"createdAt"`
}

// StakeAssetValue is the native-unit value of the non-coin collateral.
func (a Arbiter) StakeAssetValue() decimal.Decimal {
	return chain.AssetsValue(a.StakeAssets)
}

// TotalStake is the only quantity a claim can ever transfer.
func (a Arbiter) TotalStake() decimal.Decimal {
	return a.StakeCoin.Add(a.StakeAssetValue())
}

// Busy reports whether a transaction is reserved on the arbiter.
func (a Arbiter) Busy() bool {
	return a.ActiveTransaction != (common.Hash{})
}

// FrozenUntil returns the end of the cooldown after the last submission, zero if none.
func (a Arbiter) FrozenUntil(period time.Duration) time.Time {
	if a.LastSubmittedWork.IsZero() || period <= 0 {
		return time.Time{}
	}
	return a.LastSubmittedWork.Add(period)
}

// Frozen reports whether now falls inside the cooldown window.
func (a Arbiter) Frozen(now time.Time, period time.Duration) bool {
	until := a.FrozenUntil(period)
	return !until.IsZero() && now.Before(until)
}

// EffectiveStatus folds the derived frozen state into the stored status.
func (a Arbiter) EffectiveStatus(now time.Time, period time.Duration) Status {
	if a.Status == StatusTerminated {
		return StatusTerminated
	}
	if a.Frozen(now, period) {
		return StatusFrozen
	}
	return a.Status
}

// Clone returns a deep copy.
func (a Arbiter) Clone() Arbiter {
	out := a
	out.StakeAssets = chain.CloneAssets(a.StakeAssets)
	out.Operator = a.Operator.Clone()
	out.Revenue = a.Revenue.Clone()
	return out
}

func (a *Arbiter) fields(now time.Time, period time.Duration) map[string]any {
	fields := map[string]any{
		"stakeCoinAmount":     a.StakeCoin.String(),
		"stakeAssetValue":     a.StakeAssetValue().String(),
		"feeRateBasisPoints":  a.FeeRate,
		"status":              a.EffectiveStatus(now, period).String(),
		"operatorAddress":     a.Operator.Address.Hex(),
		"operatorBtcAddress":  a.Operator.BTCAddress,
		"revenueAddress":      a.Revenue.Address.Hex(),
		"revenueBtcAddress":   a.Revenue.BTCAddress,
		"activeTransactionId": nil,
		"pausedByOwner":       a.PausedByOwner,
	}
	if !a.TermDeadline.IsZero() {
		fields["termDeadline"] = a.TermDeadline.UTC()
	}
	if a.Busy() {
		fields["activeTransactionId"] = a.ActiveTransaction.Hex()
	}
	if !a.LastSubmittedWork.IsZero() {
		fields["lastSubmittedWorkTime"] = a.LastSubmittedWork.UTC()
	}
	return fields
}
