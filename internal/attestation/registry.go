package attestation

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"arbiter-escrow/internal/protoerr"
)

// Registry holds finished ZK results and the evidence handles still waiting for one.
// It is safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	results map[common.Hash]ZKResult
	pending map[common.Hash]time.Time
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		results: make(map[common.Hash]ZKResult),
		pending: make(map[common.Hash]time.Time),
	}
}

// Request queues evidence for polling. It returns false if a result is already known.
func (r *Registry) Request(evidence common.Hash, at time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.results[evidence]; ok {
		return false
	}
	if _, ok := r.pending[evidence]; !ok {
		r.pending[evidence] = at
	}
	return true
}

// Pending lists queued evidence, oldest request first.
func (r *Registry) Pending() []common.Hash {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]common.Hash, 0, len(r.pending))
	for h := range r.pending {
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool {
		ti, tj := r.pending[out[i]], r.pending[out[j]]
		if ti.Equal(tj) {
			return out[i].Hex() < out[j].Hex()
		}
		return ti.Before(tj)
	})
	return out
}

// Put stores a finished result and clears the pending entry.
func (r *Registry) Put(res ZKResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results[res.Evidence] = res.Clone()
	delete(r.pending, res.Evidence)
}

// VerifyZK returns the stored result for evidence.
func (r *Registry) VerifyZK(evidence common.Hash) (ZKResult, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	res, ok := r.results[evidence]
	if !ok {
		return ZKResult{}, fmt.Errorf("%w: no zk result for %s", protoerr.ErrAttestationMissing, evidence.Hex())
	}
	return res.Clone(), nil
}

var _ ZKVerifier = (*Registry)(nil)
