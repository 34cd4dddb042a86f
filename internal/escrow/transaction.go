package escrow

import (
	"bytes"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"arbiter-escrow/internal/chain"
)

// Status is the lifecycle position of an escrow transaction.
type Status uint8

const (
	StatusActive Status = iota + 1
	StatusArbitrated
	StatusSubmitted
	StatusCompleted
	// StatusExpired is derived for active transactions past their deadline.
	StatusExpired
	// StatusDisputed is reserved for projections; no ledger transition produces it.
	StatusDisputed
)

func (s Status) String() string {
	switch s {
	case StatusActive:
		return "Active"
	case StatusArbitrated:
		return "Arbitrated"
	case StatusSubmitted:
		return "Submitted"
	case StatusCompleted:
		return "Completed"
	case StatusExpired:
		return "Expired"
	case StatusDisputed:
		return "Disputed"
	default:
		return "Unknown"
	}
}

func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusDisputed
}

// Transaction is one arbitration-eligible cross-chain transfer request.
type Transaction struct {
	ID                          common.Hash     `json:"id"`
	Nonce                       uint64          `json:"nonce"`
	Dapp                        common.Address  `json:"dapp"`
	Arbiter                     common.Address  `json:"arbiter"`
	Status                      Status          `json:"status"`
	StartTime                   time.Time       `json:"startTime"`
	Deadline                    time.Time       `json:"deadline"`
	DepositedFee                decimal.Decimal `json:"depositedFee"`
	ArbiterFee                  decimal.Decimal `json:"arbiterFee"`
	SystemFee                   decimal.Decimal `json:"systemFee"`
	CompensationReceiver        common.Address  `json:"compensationReceiver"`
	TimeoutCompensationReceiver common.Address  `json:"timeoutCompensationReceiver"`
	RequestArbitrationTime      time.Time       `json:"requestArbitrationTime"`
	UnsignedPayload             []byte          `json:"unsignedPayload,omitempty"`
	LockingScript               []byte          `json:"lockingScript,omitempty"`
	UTXOs                       []chain.UTXO    `json:"utxos,omitempty"`
	Signature                   []byte          `json:"signature,omitempty"`
	SubmittedAt                 time.Time       `json:"submittedAt"`
	CompletedAt                 time.Time       `json:"completedAt"`
}

// ArbitrationRequested reports whether the dapp has started the arbitration clock.
func (t Transaction) ArbitrationRequested() bool {
	return !t.RequestArbitrationTime.IsZero()
}

// ArbitrationExpiry is the instant after which the arbiter can no longer sign.
func (t Transaction) ArbitrationExpiry(timeout time.Duration) time.Time {
	if !t.ArbitrationRequested() {
		return time.Time{}
	}
	return t.RequestArbitrationTime.Add(timeout)
}

// EffectiveStatus reports Expired for an active transaction whose deadline has passed.
func (t Transaction) EffectiveStatus(now time.Time) Status {
	if t.Status == StatusActive && now.After(t.Deadline) {
		return StatusExpired
	}
	return t.Status
}

// Clone returns a deep copy.
func (t Transaction) Clone() Transaction {
	out := t
	out.UnsignedPayload = bytes.Clone(t.UnsignedPayload)
	out.LockingScript = bytes.Clone(t.LockingScript)
	out.UTXOs = chain.CloneUTXOs(t.UTXOs)
	out.Signature = bytes.Clone(t.Signature)
	return out
}

func (t *Transaction) fields(now time.Time) map[string]any {
	fields := map[string]any{
		"dapp":                        t.Dapp.Hex(),
		"arbiter":                     t.Arbiter.Hex(),
		"status":                      t.EffectiveStatus(now).String(),
		"startTime":                   t.StartTime.UTC(),
		"deadline":                    t.Deadline.UTC(),
		"depositedFee":                t.DepositedFee.String(),
		"arbiterFee":                  t.ArbiterFee.String(),
		"systemFee":                   t.SystemFee.String(),
		"compensationReceiver":        t.CompensationReceiver.Hex(),
		"timeoutCompensationReceiver": t.TimeoutCompensationReceiver.Hex(),
	}
	if t.ArbitrationRequested() {
		fields["requestArbitrationTime"] = t.RequestArbitrationTime.UTC()
		fields["utxoCount"] = len(t.UTXOs)
	}
	if len(t.Signature) > 0 {
		fields["signature"] = common.Bytes2Hex(t.Signature)
		fields["submittedAt"] = t.SubmittedAt.UTC()
	}
	if !t.CompletedAt.IsZero() {
		fields["completedAt"] = t.CompletedAt.UTC()
	}
	return fields
}

// Quote is the fee a dapp must deposit to register a transaction.
type Quote struct {
	ArbiterFee decimal.Decimal `json:"arbiterFee"`
	SystemFee  decimal.Decimal `json:"systemFee"`
	Required   decimal.Decimal `json:"required"`
}

// Settlement records where a transaction's deposit went.
type Settlement struct {
	TransactionID common.Hash     `json:"transactionId"`
	ArbiterFee    decimal.Decimal `json:"arbiterFee"`
	SystemFee     decimal.Decimal `json:"systemFee"`
	Refund        decimal.Decimal `json:"refund"`
	Revenue       common.Address  `json:"revenue"`
	Collector     common.Address  `json:"collector"`
	Dapp          common.Address  `json:"dapp"`
}
