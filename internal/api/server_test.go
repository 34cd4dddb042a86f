package api

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"arbiter-escrow/internal/chain"
	"arbiter-escrow/internal/policy"
	"arbiter-escrow/internal/protocol"
)

var (
	owner    = common.HexToAddress("0x00000000000000000000000000000000000000ff")
	dapp     = common.HexToAddress("0x000000000000000000000000000000000000da01")
	receiver = common.HexToAddress("0x000000000000000000000000000000000000da02")
	arbiter  = common.HexToAddress("0x000000000000000000000000000000000000a001")
	operator = common.HexToAddress("0x000000000000000000000000000000000000b001")
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fixture struct {
	srv   *httptest.Server
	clock *testClock
}

func newFixture(t *testing.T, opts Options) fixture {
	t.Helper()
	values := policy.Defaults()
	values[policy.MinStake] = decimal.NewFromInt(1000)
	values[policy.MaxStake] = decimal.NewFromInt(10_000_000)
	values[policy.ArbitrationTimeout] = decimal.NewFromInt(3600)

	clock := &testClock{now: time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)}
	reg := prometheus.NewRegistry()
	engine, err := protocol.New(protocol.Config{
		Owner:        owner,
		FeeCollector: common.HexToAddress("0xfee0"),
		Policy:       values,
		Network:      &chaincfg.RegressionNetParams,
	}, protocol.Options{Clock: clock.Now, Registerer: reg, Logger: zerolog.Nop()})
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	if opts.Gatherer == nil {
		opts.Gatherer = reg
	}
	srv := httptest.NewServer(New(engine, opts, zerolog.Nop()).Handler())
	t.Cleanup(srv.Close)
	return fixture{srv: srv, clock: clock}
}

func (f fixture) do(t *testing.T, method, path string, who common.Address, body any) (int, []byte) {
	t.Helper()
	var rdr io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		rdr = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, f.srv.URL+path, rdr)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if who != (common.Address{}) {
		req.Header.Set(CallerHeader, who.Hex())
	}
	resp, err := f.srv.Client().Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	out, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, out
}

func reasonOf(t *testing.T, body []byte) string {
	t.Helper()
	var e errorBody
	if err := json.Unmarshal(body, &e); err != nil {
		t.Fatalf("decode error body %q: %v", body, err)
	}
	return e.Error
}

func (f fixture) registerArbiter(t *testing.T) {
	t.Helper()
	priv, err := btcec.NewPrivateKey()
	if err != nil {
		t.Fatalf("key: %v", err)
	}
	pub := priv.PubKey().SerializeCompressed()
	addr, err := btcutil.NewAddressWitnessPubKeyHash(btcutil.Hash160(pub), &chaincfg.RegressionNetParams)
	if err != nil {
		t.Fatalf("address: %v", err)
	}
	status, body := f.do(t, http.MethodPost, "/v1/arbiters", arbiter, map[string]any{
		"coin":     "1000000",
		"operator": map[string]any{"address": operator, "btcAddress": addr.EncodeAddress(), "btcPubKey": hexutil.Bytes(pub)},
		"feeRate":  1000,
		"deadline": f.clock.Now().Add(60 * 24 * time.Hour),
	})
	if status != http.StatusCreated {
		t.Fatalf("register arbiter: %d %s", status, body)
	}
}

func (f fixture) openArbitration(t *testing.T) common.Hash {
	t.Helper()
	status, body := f.do(t, http.MethodPost, "/v1/transactions", dapp, map[string]any{
		"arbiter":                     arbiter,
		"deadline":                    f.clock.Now().Add(10 * 24 * time.Hour),
		"fee":                         "50000",
		"timeoutCompensationReceiver": receiver,
	})
	if status != http.StatusCreated {
		t.Fatalf("register transaction: %d %s", status, body)
	}
	var tx struct {
		ID common.Hash `json:"id"`
	}
	if err := json.Unmarshal(body, &tx); err != nil {
		t.Fatalf("decode transaction: %v", err)
	}
	utxos := []chain.UTXO{{TxID: chainhash.DoubleHashH([]byte("in")).String(), Amount: 30_000}}
	payload, err := chain.BuildSpend(utxos, []*wire.TxOut{wire.NewTxOut(29_000, []byte{txscript.OP_TRUE})})
	if err != nil {
		t.Fatalf("payload: %v", err)
	}
	path := "/v1/transactions/" + tx.ID.Hex() + "/arbitration"
	utxoBody := []map[string]any{{"txid": utxos[0].TxID, "amount": utxos[0].Amount}}

	status, body = f.do(t, http.MethodPost, path, dapp, map[string]any{
		"unsignedPayload": hexutil.Bytes("unsigned"),
		"lockingScript":   hexutil.Bytes{txscript.OP_TRUE},
		"utxos":           utxoBody,
	})
	if status != http.StatusBadRequest || reasonOf(t, body) != "InvalidPayload" {
		t.Fatalf("expected 400 InvalidPayload for an unparseable payload, got %d %s", status, body)
	}

	status, body = f.do(t, http.MethodPost, path, dapp, map[string]any{
		"unsignedPayload": hexutil.Bytes(payload),
		"lockingScript":   hexutil.Bytes{txscript.OP_TRUE},
		"utxos":           utxoBody,
	})
	if status != http.StatusOK {
		t.Fatalf("request arbitration: %d %s", status, body)
	}
	return tx.ID
}

func TestTimeoutClaimOverHTTP(t *testing.T) {
	f := newFixture(t, Options{})
	f.registerArbiter(t)
	id := f.openArbitration(t)

	status, body := f.do(t, http.MethodPost, "/v1/claims", receiver, map[string]any{"type": "Timeout", "transactionId": id})
	if status != http.StatusConflict || reasonOf(t, body) != "NotTimedOut" {
		t.Fatalf("expected 409 NotTimedOut, got %d %s", status, body)
	}

	f.clock.Advance(2 * time.Hour)
	status, body = f.do(t, http.MethodPost, "/v1/claims", receiver, map[string]any{"type": "Timeout", "transactionId": id})
	if status != http.StatusCreated {
		t.Fatalf("claim: %d %s", status, body)
	}
	var claim struct {
		ID          common.Hash     `json:"id"`
		Type        string          `json:"claimType"`
		TotalAmount decimal.Decimal `json:"totalAmount"`
	}
	if err := json.Unmarshal(body, &claim); err != nil {
		t.Fatalf("decode claim: %v", err)
	}
	if claim.Type != "Timeout" || !claim.TotalAmount.Equal(decimal.NewFromInt(1_000_000)) {
		t.Fatalf("unexpected claim %+v", claim)
	}

	status, body = f.do(t, http.MethodGet, "/v1/transactions/"+id.Hex(), common.Address{}, nil)
	if status != http.StatusOK || !strings.Contains(string(body), `"status":"Completed"`) {
		t.Fatalf("transaction should be completed: %d %s", status, body)
	}

	status, body = f.do(t, http.MethodPost, "/v1/claims/"+claim.ID.Hex()+"/withdraw", receiver, nil)
	if status != http.StatusOK {
		t.Fatalf("withdraw: %d %s", status, body)
	}
	status, body = f.do(t, http.MethodPost, "/v1/claims/"+claim.ID.Hex()+"/withdraw", receiver, nil)
	if status != http.StatusConflict || reasonOf(t, body) != "AlreadyWithdrawn" {
		t.Fatalf("expected AlreadyWithdrawn, got %d %s", status, body)
	}

	status, body = f.do(t, http.MethodGet, "/v1/balances/"+receiver.Hex(), common.Address{}, nil)
	if status != http.StatusOK || !strings.Contains(string(body), `"balance":"980000"`) {
		t.Fatalf("unexpected balance: %d %s", status, body)
	}
}

func TestErrorMapping(t *testing.T) {
	f := newFixture(t, Options{})
	f.registerArbiter(t)

	cases := []struct {
		name   string
		method string
		path   string
		who    common.Address
		body   any
		status int
		reason string
	}{
		{"missing caller", http.MethodPost, "/v1/arbiters/pause", common.Address{}, nil, http.StatusBadRequest, "BadRequest"},
		{"unknown arbiter", http.MethodGet, "/v1/arbiters/" + dapp.Hex(), common.Address{}, nil, http.StatusNotFound, "ArbiterNotFound"},
		{"not owner", http.MethodPut, "/v1/policy", dapp, map[string]any{"values": map[string]string{"minStakeAmount": "1"}}, http.StatusForbidden, "NotOwner"},
		{"fee too low", http.MethodPost, "/v1/transactions", dapp, map[string]any{
			"arbiter": arbiter, "deadline": time.Date(2026, 6, 11, 0, 0, 0, 0, time.UTC), "fee": "1",
		}, http.StatusUnprocessableEntity, "InsufficientFee"},
		{"unknown claim type", http.MethodPost, "/v1/claims", dapp, map[string]any{"type": "Bogus"}, http.StatusBadRequest, "UnknownClaimType"},
		{"unknown field", http.MethodPost, "/v1/evidence", dapp, map[string]any{"nope": 1}, http.StatusBadRequest, "BadRequest"},
		{"bad hash", http.MethodGet, "/v1/claims/0x1234", common.Address{}, nil, http.StatusBadRequest, "BadRequest"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			status, body := f.do(t, tc.method, tc.path, tc.who, tc.body)
			if status != tc.status {
				t.Fatalf("status %d, want %d: %s", status, tc.status, body)
			}
			if got := reasonOf(t, body); got != tc.reason {
				t.Fatalf("reason %q, want %q", got, tc.reason)
			}
		})
	}
}

func TestPolicyUpdateByOwner(t *testing.T) {
	f := newFixture(t, Options{})
	status, body := f.do(t, http.MethodPut, "/v1/policy", owner, map[string]any{
		"values": map[string]string{"minStakeAmount": "2000"},
	})
	if status != http.StatusOK {
		t.Fatalf("set policy: %d %s", status, body)
	}
	var resp policyResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Values["minStakeAmount"] != "2000" || resp.Owner != owner {
		t.Fatalf("unexpected policy %+v", resp)
	}
}

func TestQuoteAndEvidence(t *testing.T) {
	f := newFixture(t, Options{})
	f.registerArbiter(t)

	deadline := f.clock.Now().Add(10 * 24 * time.Hour).Format(time.RFC3339)
	status, body := f.do(t, http.MethodGet, "/v1/quote?arbiter="+arbiter.Hex()+"&deadline="+deadline, common.Address{}, nil)
	if status != http.StatusOK || !strings.Contains(string(body), `"required"`) {
		t.Fatalf("quote: %d %s", status, body)
	}

	evidence := map[string]any{"evidence": common.HexToHash("0xabc")}
	if status, body = f.do(t, http.MethodPost, "/v1/evidence", dapp, evidence); status != http.StatusAccepted {
		t.Fatalf("first evidence request: %d %s", status, body)
	}
	if status, body = f.do(t, http.MethodPost, "/v1/evidence", dapp, evidence); status != http.StatusOK {
		t.Fatalf("repeated evidence request: %d %s", status, body)
	}
}

func TestRateLimitPerCaller(t *testing.T) {
	f := newFixture(t, Options{RateLimit: 0.001, Burst: 1})
	if status, _ := f.do(t, http.MethodGet, "/v1/arbiters", dapp, nil); status != http.StatusOK {
		t.Fatalf("first request should pass, got %d", status)
	}
	if status, _ := f.do(t, http.MethodGet, "/v1/arbiters", dapp, nil); status != http.StatusTooManyRequests {
		t.Fatalf("second request should be limited, got %d", status)
	}
	if status, _ := f.do(t, http.MethodGet, "/v1/arbiters", receiver, nil); status != http.StatusOK {
		t.Fatalf("other callers keep their own bucket, got %d", status)
	}
	if status, _ := f.do(t, http.MethodGet, "/health", dapp, nil); status != http.StatusOK {
		t.Fatalf("health is not limited, got %d", status)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t, Options{})
	f.do(t, http.MethodPost, "/v1/arbiters/pause", dapp, nil)
	status, body := f.do(t, http.MethodGet, "/metrics", common.Address{}, nil)
	if status != http.StatusOK {
		t.Fatalf("metrics: %d", status)
	}
	if !strings.Contains(string(body), `arbiter_operations_total{op="pause",outcome="ArbiterNotFound"} 1`) {
		t.Fatalf("rejected pause not exported:\n%s", body)
	}
}
