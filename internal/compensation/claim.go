package compensation

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"

	"arbiter-escrow/internal/attestation"
	"arbiter-escrow/internal/chain"
)

// ClaimType distinguishes the four ways collateral or fees leave the protocol.
type ClaimType uint8

const (
	IllegalSignature ClaimType = iota + 1
	Timeout
	FailedArbitration
	ArbitratorFee
)

func (c ClaimType) String() string {
	switch c {
	case IllegalSignature:
		return "IllegalSignature"
	case Timeout:
		return "Timeout"
	case FailedArbitration:
		return "FailedArbitration"
	case ArbitratorFee:
		return "ArbitratorFee"
	default:
		return "Unknown"
	}
}

func (c ClaimType) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

// ParseClaimType is the inverse of String.
func ParseClaimType(s string) (ClaimType, bool) {
	for _, c := range []ClaimType{IllegalSignature, Timeout, FailedArbitration, ArbitratorFee} {
		if c.String() == s {
			return c, true
		}
	}
	return 0, false
}

// ClaimID is keccak256(evidence ‖ arbiter ‖ receiver ‖ type). At most one claim exists
// per id.
func ClaimID(evidence common.Hash, arbiter, receiver common.Address, typ ClaimType) common.Hash {
	return crypto.Keccak256Hash(evidence.Bytes(), arbiter.Bytes(), receiver.Bytes(), []byte{byte(typ)})
}

// Claim is immutable once created, except for the withdrawal fields.
type Claim struct {
	ID            common.Hash     `json:"id"`
	Type          ClaimType       `json:"claimType"`
	Claimer       common.Address  `json:"claimer"`
	Arbiter       common.Address  `json:"arbiter"`
	Evidence      common.Hash     `json:"evidence"`
	TransactionID common.Hash     `json:"transactionId"`
	CoinAmount    decimal.Decimal `json:"coinAmount"`
	Assets        []chain.Asset   `json:"assetAmounts,omitempty"`
	TotalAmount   decimal.Decimal `json:"totalAmount"`
	Receiver      common.Address  `json:"receivedCompensationAddress"`
	Withdrawn     bool            `json:"withdrawn"`
	SystemFee     decimal.Decimal `json:"systemFee"`
	CreatedAt     time.Time       `json:"createdAt"`
	WithdrawnAt   time.Time       `json:"withdrawnAt"`
}

// Clone returns a deep copy.
func (c Claim) Clone() Claim {
	out := c
	out.Assets = chain.CloneAssets(c.Assets)
	return out
}

func (c *Claim) fields() map[string]any {
	fields := map[string]any{
		"claimType":   c.Type.String(),
		"claimer":     c.Claimer.Hex(),
		"arbiter":     c.Arbiter.Hex(),
		"evidence":    c.Evidence.Hex(),
		"coinAmount":  c.CoinAmount.String(),
		"assetValue":  chain.AssetsValue(c.Assets).String(),
		"totalAmount": c.TotalAmount.String(),
		"receiver":    c.Receiver.Hex(),
		"withdrawn":   c.Withdrawn,
	}
	if c.TransactionID != (common.Hash{}) {
		fields["transactionId"] = c.TransactionID.Hex()
	}
	if c.Withdrawn {
		fields["systemFee"] = c.SystemFee.String()
		fields["withdrawnAt"] = c.WithdrawnAt.UTC()
	}
	return fields
}

// Request is one of the four claim requests. Each variant carries only what its
// preconditions need.
type Request interface {
	Type() ClaimType
	request()
}

// IllegalSignatureRequest accuses an arbiter of signing outside any arbitration request.
// Evidence is the handle of a ZK verification result. A zero Receiver means the caller.
type IllegalSignatureRequest struct {
	Arbiter  common.Address
	Evidence common.Hash
	Receiver common.Address
}

// TimeoutRequest claims against an arbiter that never signed within the window.
type TimeoutRequest struct {
	TransactionID common.Hash
}

// FailedArbitrationRequest asserts the arbiter signed something other than the payload.
type FailedArbitrationRequest struct {
	TransactionID common.Hash
	Attestation   attestation.SignatureRequest
}

// ArbitratorFeeRequest is the arbiter collecting its own fee.
type ArbitratorFeeRequest struct {
	TransactionID common.Hash
}

func (IllegalSignatureRequest) Type() ClaimType  { return IllegalSignature }
func (TimeoutRequest) Type() ClaimType           { return Timeout }
func (FailedArbitrationRequest) Type() ClaimType { return FailedArbitration }
func (ArbitratorFeeRequest) Type() ClaimType     { return ArbitratorFee }

func (IllegalSignatureRequest) request()  {}
func (TimeoutRequest) request()           {}
func (FailedArbitrationRequest) request() {}
func (ArbitratorFeeRequest) request()     {}

// Withdrawal describes a completed compensation payout.
type Withdrawal struct {
	ClaimID   common.Hash     `json:"claimId"`
	Receiver  common.Address  `json:"receiver"`
	Paid      decimal.Decimal `json:"paid"`
	Assets    []chain.Asset   `json:"assets,omitempty"`
	SystemFee decimal.Decimal `json:"systemFee"`
	Collector common.Address  `json:"collector"`
	FrontedBy common.Address  `json:"frontedBy"`
}
