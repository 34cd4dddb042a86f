// Package protocol assembles the policy store, the stake, escrow and compensation ledgers
// and the payout vault behind one mutex. Each exported operation runs as a single atomic
// step against one clock reading.
package protocol

import (
	"fmt"
	"sync"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"arbiter-escrow/internal/attestation"
	"arbiter-escrow/internal/chain"
	"arbiter-escrow/internal/compensation"
	"arbiter-escrow/internal/escrow"
	"arbiter-escrow/internal/feed"
	"arbiter-escrow/internal/policy"
	"arbiter-escrow/internal/protoerr"
	"arbiter-escrow/internal/stake"
	"arbiter-escrow/internal/vault"
)

// Config is the genesis state of the protocol.
type Config struct {
	Owner        common.Address
	FeeCollector common.Address
	Policy       map[policy.Key]decimal.Decimal
	Network      *chaincfg.Params
}

// Options carries the optional collaborators of an Engine.
type Options struct {
	Clock      func() time.Time
	Publisher  feed.Publisher
	Registerer prometheus.Registerer
	// ZK overrides the in-memory attestation registry as the source of ZK results.
	ZK         attestation.ZKVerifier
	Signatures attestation.SignatureValidator
	Logger     zerolog.Logger
}

// Engine is the single entry point to the protocol. It is safe for concurrent use.
type Engine struct {
	mu    sync.Mutex
	clock func() time.Time

	policy   *policy.Store
	vault    *vault.Vault
	stakes   *stake.Ledger
	escrow   *escrow.Ledger
	claims   *compensation.Engine
	registry *attestation.Registry

	metrics *metrics
	logger  zerolog.Logger
}

// New builds an engine from its genesis configuration.
func New(cfg Config, opts Options) (*Engine, error) {
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	pub := opts.Publisher
	if pub == nil {
		pub = feed.Discard{}
	}
	net := cfg.Network
	if net == nil {
		net = &chaincfg.MainNetParams
	}
	initial := cfg.Policy
	if initial == nil {
		initial = policy.Defaults()
	}

	store, err := policy.NewStore(cfg.Owner, cfg.FeeCollector, initial, pub, clock)
	if err != nil {
		return nil, fmt.Errorf("init policy: %w", err)
	}

	registry := attestation.NewRegistry()
	var zk attestation.ZKVerifier = registry
	if opts.ZK != nil {
		zk = opts.ZK
	}

	v := vault.New()
	stakes := stake.NewLedger(store, net, v, pub, opts.Logger)
	txs := escrow.NewLedger(store, stakes, v, pub, opts.Logger)
	claims := compensation.NewEngine(compensation.Deps{
		Policy:       store,
		Arbiters:     stakes,
		Transactions: txs,
		Vault:        v,
		ZK:           zk,
		Signatures:   opts.Signatures,
		Publisher:    pub,
		Logger:       opts.Logger,
	})

	return &Engine{
		clock:    clock,
		policy:   store,
		vault:    v,
		stakes:   stakes,
		escrow:   txs,
		claims:   claims,
		registry: registry,
		metrics:  newMetrics(opts.Registerer),
		logger:   opts.Logger.With().Str("component", "protocol").Logger(),
	}, nil
}

// exec runs fn inside the critical section and records its outcome.
func exec[T any](e *Engine, op string, fn func(now time.Time) (T, error)) (T, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.clock()
	out, err := fn(now)
	e.metrics.observe(op, err)
	if err != nil {
		kind, _ := protoerr.KindOf(err)
		e.logger.Debug().
			Str("op", op).
			Str("reason", protoerr.ReasonOf(err)).
			Str("kind", kind.String()).
			Err(err).
			Msg("operation rejected")
	}
	return out, err
}

// read runs a query inside the critical section.
func read[T any](e *Engine, fn func(now time.Time) T) T {
	e.mu.Lock()
	defer e.mu.Unlock()
	return fn(e.clock())
}

// Now is the engine's clock reading.
func (e *Engine) Now() time.Time {
	return e.clock()
}

// Registry exposes the attestation registry so the poller can fill it.
func (e *Engine) Registry() *attestation.Registry {
	return e.registry
}

// ---- policy ----

// Policy returns the current parameter snapshot.
func (e *Engine) Policy() policy.Snapshot {
	return e.policy.Snapshot()
}

// PolicyOwner returns the current policy owner.
func (e *Engine) PolicyOwner() common.Address {
	return e.policy.Owner()
}

func (e *Engine) SetParameter(caller common.Address, key policy.Key, value decimal.Decimal) error {
	_, err := exec(e, "set_parameter", func(time.Time) (struct{}, error) {
		return struct{}{}, e.policy.Set(caller, key, value)
	})
	return err
}

// SetParameters applies a batch of parameters or none of them.
func (e *Engine) SetParameters(caller common.Address, keys []policy.Key, values []decimal.Decimal) error {
	_, err := exec(e, "set_parameters", func(time.Time) (struct{}, error) {
		return struct{}{}, e.policy.SetBatch(caller, keys, values)
	})
	return err
}

func (e *Engine) SetFeeCollector(caller, collector common.Address) error {
	_, err := exec(e, "set_fee_collector", func(time.Time) (struct{}, error) {
		return struct{}{}, e.policy.SetFeeCollector(caller, collector)
	})
	return err
}

func (e *Engine) TransferOwnership(caller, next common.Address) error {
	_, err := exec(e, "transfer_ownership", func(time.Time) (struct{}, error) {
		return struct{}{}, e.policy.TransferOwnership(caller, next)
	})
	return err
}

// ---- stake ledger ----

// RegisterByStake registers reg.Arbiter with its collateral and configuration in one step.
func (e *Engine) RegisterByStake(reg stake.Registration) (stake.Arbiter, error) {
	return exec(e, "register_by_stake", func(now time.Time) (stake.Arbiter, error) {
		return e.stakes.RegisterByStake(now, reg)
	})
}

func (e *Engine) AddStake(caller common.Address, coin decimal.Decimal, assets []chain.Asset) (stake.Arbiter, error) {
	return exec(e, "add_stake", func(now time.Time) (stake.Arbiter, error) {
		return e.stakes.AddStake(now, caller, coin, assets)
	})
}

func (e *Engine) Unstake(caller common.Address) (stake.Collateral, error) {
	return exec(e, "unstake", func(now time.Time) (stake.Collateral, error) {
		return e.stakes.Unstake(now, caller)
	})
}

func (e *Engine) SetOperator(caller common.Address, id chain.Identity) (stake.Arbiter, error) {
	return exec(e, "set_operator", func(now time.Time) (stake.Arbiter, error) {
		return e.stakes.SetOperator(now, caller, id)
	})
}

func (e *Engine) SetRevenue(caller common.Address, id chain.Identity) (stake.Arbiter, error) {
	return exec(e, "set_revenue", func(now time.Time) (stake.Arbiter, error) {
		return e.stakes.SetRevenue(now, caller, id)
	})
}

func (e *Engine) SetParams(caller common.Address, feeRate uint32, deadline time.Time) (stake.Arbiter, error) {
	return exec(e, "set_params", func(now time.Time) (stake.Arbiter, error) {
		return e.stakes.SetParams(now, caller, feeRate, deadline)
	})
}

func (e *Engine) Pause(caller common.Address) (stake.Arbiter, error) {
	return exec(e, "pause", func(now time.Time) (stake.Arbiter, error) {
		return e.stakes.Pause(now, caller)
	})
}

func (e *Engine) Resume(caller common.Address) (stake.Arbiter, error) {
	return exec(e, "resume", func(now time.Time) (stake.Arbiter, error) {
		return e.stakes.Resume(now, caller)
	})
}

// Arbiter returns an arbiter with its effective status.
func (e *Engine) Arbiter(addr common.Address) (stake.Arbiter, error) {
	type result struct {
		a   stake.Arbiter
		err error
	}
	r := read(e, func(now time.Time) result {
		a, err := e.stakes.View(now, addr)
		return result{a, err}
	})
	return r.a, r.err
}

// Arbiters lists every arbiter with effective statuses.
func (e *Engine) Arbiters() []stake.Arbiter {
	return read(e, func(now time.Time) []stake.Arbiter { return e.stakes.List(now) })
}

func (e *Engine) IsActive(addr common.Address) bool {
	return read(e, func(now time.Time) bool { return e.stakes.IsActive(now, addr) })
}

func (e *Engine) IsConfigModifiable(addr common.Address) bool {
	return read(e, func(time.Time) bool { return e.stakes.IsConfigModifiable(addr) })
}

func (e *Engine) IsFrozen(addr common.Address) bool {
	return read(e, func(now time.Time) bool { return e.stakes.IsFrozen(now, addr) })
}

func (e *Engine) AvailableStake(addr common.Address) decimal.Decimal {
	return read(e, func(time.Time) decimal.Decimal { return e.stakes.AvailableStake(addr) })
}

// ---- escrow ledger ----

// QuoteFee prices a transaction on arbiter lasting until deadline.
func (e *Engine) QuoteFee(arbiter common.Address, deadline time.Time) (escrow.Quote, error) {
	return exec(e, "quote_fee", func(now time.Time) (escrow.Quote, error) {
		return e.escrow.QuoteFee(now, arbiter, deadline)
	})
}

func (e *Engine) RegisterTransaction(p escrow.RegisterParams) (escrow.Transaction, error) {
	return exec(e, "register_transaction", func(now time.Time) (escrow.Transaction, error) {
		return e.escrow.RegisterTransaction(now, p)
	})
}

func (e *Engine) RequestArbitration(caller common.Address, id common.Hash, req escrow.ArbitrationRequest) (escrow.Transaction, error) {
	return exec(e, "request_arbitration", func(now time.Time) (escrow.Transaction, error) {
		return e.escrow.RequestArbitration(now, caller, id, req)
	})
}

func (e *Engine) SubmitArbitration(caller common.Address, id common.Hash, signature []byte) (escrow.Transaction, error) {
	return exec(e, "submit_arbitration", func(now time.Time) (escrow.Transaction, error) {
		return e.escrow.SubmitArbitration(now, caller, id, signature)
	})
}

func (e *Engine) CompleteTransaction(caller common.Address, id common.Hash) (escrow.Settlement, error) {
	return exec(e, "complete_transaction", func(now time.Time) (escrow.Settlement, error) {
		return e.escrow.CompleteTransaction(now, caller, id)
	})
}

// Transaction returns a transaction with its effective status.
func (e *Engine) Transaction(id common.Hash) (escrow.Transaction, error) {
	type result struct {
		tx  escrow.Transaction
		err error
	}
	r := read(e, func(now time.Time) result {
		tx, err := e.escrow.View(now, id)
		return result{tx, err}
	})
	return r.tx, r.err
}

func (e *Engine) Transactions() []escrow.Transaction {
	return read(e, func(now time.Time) []escrow.Transaction { return e.escrow.List(now) })
}

// ---- compensation ----

// Claim files a compensation claim on behalf of caller.
func (e *Engine) Claim(caller common.Address, req compensation.Request) (compensation.Claim, error) {
	return exec(e, "claim", func(now time.Time) (compensation.Claim, error) {
		c, err := e.claims.Claim(now, caller, req)
		if err != nil {
			return c, err
		}
		e.metrics.claims.WithLabelValues(c.Type.String()).Inc()
		if c.Type != compensation.ArbitratorFee {
			e.metrics.slashed.Add(c.TotalAmount.InexactFloat64())
		}
		return c, nil
	})
}

// Withdraw pays out a claim. fee is what caller fronts when it is not the receiver.
func (e *Engine) Withdraw(caller common.Address, id common.Hash, fee decimal.Decimal) (compensation.Withdrawal, error) {
	return exec(e, "withdraw_compensation", func(now time.Time) (compensation.Withdrawal, error) {
		w, err := e.claims.Withdraw(now, caller, id, fee)
		if err != nil {
			return w, err
		}
		e.metrics.withdrawn.Add(w.Paid.InexactFloat64())
		e.metrics.systemFees.Add(w.SystemFee.InexactFloat64())
		return w, nil
	})
}

func (e *Engine) ClaimByID(id common.Hash) (compensation.Claim, error) {
	type result struct {
		c   compensation.Claim
		err error
	}
	r := read(e, func(time.Time) result {
		c, err := e.claims.Get(id)
		return result{c, err}
	})
	return r.c, r.err
}

func (e *Engine) Claims() []compensation.Claim {
	return read(e, func(time.Time) []compensation.Claim { return e.claims.List() })
}

// ---- vault and attestation ----

func (e *Engine) Balance(addr common.Address) decimal.Decimal {
	return read(e, func(time.Time) decimal.Decimal { return e.vault.Balance(addr) })
}

func (e *Engine) Accounts() []vault.Account {
	return read(e, func(time.Time) []vault.Account { return e.vault.Accounts() })
}

// RequestEvidence queues evidence for the ZK poller. It reports false when the evidence
// is already known.
func (e *Engine) RequestEvidence(evidence common.Hash) bool {
	return e.registry.Request(evidence, e.clock())
}

// State is a consistent copy of everything the engine holds.
type State struct {
	At           time.Time
	Policy       policy.Snapshot
	Arbiters     []stake.Arbiter
	Transactions []escrow.Transaction
	Claims       []compensation.Claim
	Accounts     []vault.Account
}

// State captures the whole protocol at one instant.
func (e *Engine) State() State {
	return read(e, func(now time.Time) State {
		return State{
			At:           now,
			Policy:       e.policy.Snapshot(),
			Arbiters:     e.stakes.List(now),
			Transactions: e.escrow.List(now),
			Claims:       e.claims.List(),
			Accounts:     e.vault.Accounts(),
		}
	})
}
