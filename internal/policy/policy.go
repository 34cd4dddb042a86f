// Package policy holds the owner-mutable numeric parameters every ledger reads.
package policy

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"arbiter-escrow/internal/feed"
	"arbiter-escrow/internal/protoerr"
)

// Key names a policy parameter.
type Key string

const (
	MinStake                  Key = "minStakeAmount"
	MaxStake                  Key = "maxStakeAmount"
	MinFeeRate                Key = "minFeeRate"
	MaxFeeRate                Key = "maxFeeRate"
	MinTransactionDuration    Key = "minTransactionDuration"
	MaxTransactionDuration    Key = "maxTransactionDuration"
	MinTransactionFee         Key = "minTransactionFee"
	ArbitrationTimeout        Key = "arbitrationTimeout"
	ArbitrationFrozenPeriod   Key = "arbitrationFrozenPeriod"
	SystemFeeRate             Key = "systemFeeRate"
	SystemCompensationFeeRate Key = "systemCompensationFeeRate"
)

// BasisPointsDenominator is the value of a 100% rate.
const BasisPointsDenominator = 10000

type unit uint8

const (
	unitAmount unit = iota
	unitBasisPoints
	unitSeconds
)

type paramDef struct {
	unit     unit
	positive bool
}

var paramDefs = map[Key]paramDef{
	MinStake:                  {unit: unitAmount, positive: true},
	MaxStake:                  {unit: unitAmount, positive: true},
	MinFeeRate:                {unit: unitBasisPoints, positive: true},
	MaxFeeRate:                {unit: unitBasisPoints, positive: true},
	MinTransactionDuration:    {unit: unitSeconds, positive: true},
	MaxTransactionDuration:    {unit: unitSeconds, positive: true},
	MinTransactionFee:         {unit: unitAmount},
	ArbitrationTimeout:        {unit: unitSeconds, positive: true},
	ArbitrationFrozenPeriod:   {unit: unitSeconds},
	SystemFeeRate:             {unit: unitBasisPoints},
	SystemCompensationFeeRate: {unit: unitBasisPoints},
}

// min/max pairs validated together on every write.
var pairs = [][2]Key{
	{MinStake, MaxStake},
	{MinFeeRate, MaxFeeRate},
	{MinTransactionDuration, MaxTransactionDuration},
}

// Defaults returns a complete, valid parameter set. Amounts are in the native coin's
// smallest unit, durations in seconds, rates in basis points.
func Defaults() map[Key]decimal.Decimal {
	ether := decimal.New(1, 18)
	return map[Key]decimal.Decimal{
		MinStake:                  ether,
		MaxStake:                  ether.Mul(decimal.NewFromInt(100)),
		MinFeeRate:                decimal.NewFromInt(100),
		MaxFeeRate:                decimal.NewFromInt(BasisPointsDenominator),
		MinTransactionDuration:    decimal.NewFromInt(int64((time.Hour).Seconds())),
		MaxTransactionDuration:    decimal.NewFromInt(int64((30 * 24 * time.Hour).Seconds())),
		MinTransactionFee:         decimal.Zero,
		ArbitrationTimeout:        decimal.NewFromInt(int64((24 * time.Hour).Seconds())),
		ArbitrationFrozenPeriod:   decimal.NewFromInt(int64((30 * time.Minute).Seconds())),
		SystemFeeRate:             decimal.NewFromInt(500),
		SystemCompensationFeeRate: decimal.NewFromInt(200),
	}
}

// Keys lists every known key in a stable order.
func Keys() []Key {
	out := make([]Key, 0, len(paramDefs))
	for k := range paramDefs {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Snapshot is an immutable copy of the policy at one instant.
type Snapshot struct {
	Values       map[Key]decimal.Decimal
	FeeCollector common.Address
}

// Value returns the raw value of key, zero if unset.
func (s Snapshot) Value(key Key) decimal.Decimal {
	return s.Values[key]
}

// Duration interprets a seconds-valued key.
func (s Snapshot) Duration(key Key) time.Duration {
	return time.Duration(s.Values[key].IntPart()) * time.Second
}

// BasisPoints interprets a rate-valued key.
func (s Snapshot) BasisPoints(key Key) uint32 {
	return uint32(s.Values[key].IntPart())
}

// ApplyRate returns floor(amount × rate / 10000) for a rate-valued key.
func (s Snapshot) ApplyRate(amount decimal.Decimal, key Key) decimal.Decimal {
	return ApplyBasisPoints(amount, s.BasisPoints(key))
}

// ApplyBasisPoints returns floor(amount × bps / 10000).
func ApplyBasisPoints(amount decimal.Decimal, bps uint32) decimal.Decimal {
	return amount.Mul(decimal.NewFromInt(int64(bps))).
		Div(decimal.NewFromInt(BasisPointsDenominator)).
		Floor()
}

// Source supplies policy snapshots to the ledgers.
type Source interface {
	Snapshot() Snapshot
}

// Store is the owner-mutable policy parameter map. It is safe for concurrent use.
type Store struct {
	mu           sync.RWMutex
	owner        common.Address
	values       map[Key]decimal.Decimal
	feeCollector common.Address
	pub          feed.Publisher
	clock        func() time.Time
}

// NewStore validates the initial values as one batch and builds the store.
func NewStore(owner, feeCollector common.Address, initial map[Key]decimal.Decimal, pub feed.Publisher, clock func() time.Time) (*Store, error) {
	if owner == (common.Address{}) {
		return nil, fmt.Errorf("%w: policy owner", protoerr.ErrZeroAddress)
	}
	if pub == nil {
		pub = feed.Discard{}
	}
	if clock == nil {
		clock = time.Now
	}
	values := make(map[Key]decimal.Decimal, len(paramDefs))
	for k := range paramDefs {
		values[k] = decimal.Zero
	}
	for k, v := range initial {
		values[k] = v
	}
	if err := validate(values); err != nil {
		return nil, err
	}
	return &Store{
		owner:        owner,
		values:       values,
		feeCollector: feeCollector,
		pub:          pub,
		clock:        clock,
	}, nil
}

// Snapshot returns a copy of the current parameters.
func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	values := make(map[Key]decimal.Decimal, len(s.values))
	for k, v := range s.values {
		values[k] = v
	}
	return Snapshot{Values: values, FeeCollector: s.feeCollector}
}

// Get returns one parameter.
func (s *Store) Get(key Key) (decimal.Decimal, error) {
	if _, ok := paramDefs[key]; !ok {
		return decimal.Zero, fmt.Errorf("%w: %s", protoerr.ErrUnknownParameter, key)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.values[key], nil
}

// Owner returns the current owner.
func (s *Store) Owner() common.Address {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.owner
}

// Set updates a single parameter.
func (s *Store) Set(caller common.Address, key Key, value decimal.Decimal) error {
	return s.SetBatch(caller, []Key{key}, []decimal.Decimal{value})
}

// SetBatch validates the whole batch against the resulting parameter set before applying
// any value.
func (s *Store) SetBatch(caller common.Address, keys []Key, values []decimal.Decimal) error {
	if len(keys) != len(values) {
		return fmt.Errorf("%w: %d keys, %d values", protoerr.ErrLengthMismatch, len(keys), len(values))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if caller != s.owner {
		return protoerr.ErrNotOwner
	}

	candidate := make(map[Key]decimal.Decimal, len(s.values))
	for k, v := range s.values {
		candidate[k] = v
	}
	for i, k := range keys {
		if _, ok := paramDefs[k]; !ok {
			return fmt.Errorf("%w: %s", protoerr.ErrUnknownParameter, k)
		}
		candidate[k] = values[i]
	}
	if err := validate(candidate); err != nil {
		return err
	}

	s.values = candidate
	now := s.clock()
	for i, k := range keys {
		s.pub.Publish(feed.New(feed.KindPolicy, string(k), "updated", map[string]any{
			"value": values[i].String(),
		}, now))
	}
	return nil
}

// SetFeeCollector changes the system fee destination.
func (s *Store) SetFeeCollector(caller, collector common.Address) error {
	if collector == (common.Address{}) {
		return fmt.Errorf("%w: fee collector", protoerr.ErrZeroAddress)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if caller != s.owner {
		return protoerr.ErrNotOwner
	}
	s.feeCollector = collector
	s.pub.Publish(feed.New(feed.KindPolicy, "feeCollector", "updated", map[string]any{
		"value": collector.Hex(),
	}, s.clock()))
	return nil
}

// TransferOwnership hands the store to a new owner.
func (s *Store) TransferOwnership(caller, next common.Address) error {
	if next == (common.Address{}) {
		return fmt.Errorf("%w: new owner", protoerr.ErrZeroAddress)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if caller != s.owner {
		return protoerr.ErrNotOwner
	}
	s.owner = next
	s.pub.Publish(feed.New(feed.KindPolicy, "owner", "updated", map[string]any{
		"value": next.Hex(),
	}, s.clock()))
	return nil
}

func validate(values map[Key]decimal.Decimal) error {
	for k, v := range values {
		sp, ok := paramDefs[k]
		if !ok {
			return fmt.Errorf("%w: %s", protoerr.ErrUnknownParameter, k)
		}
		if v.IsNegative() || !v.IsInteger() {
			return fmt.Errorf("%w: %s must be a non-negative integer, got %s", protoerr.ErrParameterOutOfRange, k, v)
		}
		if sp.positive && v.IsZero() {
			return fmt.Errorf("%w: %s must be greater than zero", protoerr.ErrParameterOutOfRange, k)
		}
		if sp.unit == unitBasisPoints && v.GreaterThan(decimal.NewFromInt(BasisPointsDenominator)) {
			return fmt.Errorf("%w: %s exceeds %d basis points", protoerr.ErrParameterOutOfRange, k, BasisPointsDenominator)
		}
	}
	for _, p := range pairs {
		lo, hi := values[p[0]], values[p[1]]
		if lo.GreaterThan(hi) {
			return fmt.Errorf("%w: %s (%s) exceeds %s (%s)", protoerr.ErrParameterOutOfRange, p[0], lo, p[1], hi)
		}
	}
	return nil
}

var _ Source = (*Store)(nil)
