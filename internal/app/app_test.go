package app

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"arbiter-escrow/internal/config"
	"arbiter-escrow/internal/feed"
	"arbiter-escrow/internal/storage"
)

func testConfig() *config.Config {
	return &config.Config{
		Chain: config.ChainConfig{Network: "regtest"},
		Policy: config.PolicyConfig{
			Owner:        common.HexToAddress("0x00000000000000000000000000000000000000ff"),
			FeeCollector: common.HexToAddress("0x000000000000000000000000000000000000fee0"),
		},
		Export: config.ExportConfig{MaxDataPoints: 100},
	}
}

func TestSimulateTimeoutScenario(t *testing.T) {
	a := NewApp(testConfig(), zerolog.Nop())
	report, err := a.Simulate(context.Background(), SimulateOptions{})
	if err != nil {
		t.Fatalf("simulate: %v", err)
	}

	ether := decimal.New(1, 18)
	if !report.Slashed.Equal(ether) {
		t.Fatalf("slashed %s, want the minimum stake %s", report.Slashed, ether)
	}
	wantFee := decimal.New(2, 16) // 2% of one ether
	if !report.SystemFee.Equal(wantFee) {
		t.Fatalf("system fee %s, want %s", report.SystemFee, wantFee)
	}
	if !report.Paid.Equal(ether.Sub(wantFee)) {
		t.Fatalf("paid %s", report.Paid)
	}
	if !report.DappRefund.Equal(report.Deposit) || report.Deposit.IsZero() {
		t.Fatalf("deposit %s should be refunded in full, got %s", report.Deposit, report.DappRefund)
	}
	if report.Facts == 0 {
		t.Fatal("scenario should publish facts")
	}
}

func TestSimulateNotifiesWebhook(t *testing.T) {
	var hits atomic.Int32
	payloads := make(chan map[string]any, 4)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		payloads <- body
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	cfg := testConfig()
	cfg.Alerting = config.AlertingConfig{
		Enabled:  true,
		Channels: []string{"webhook"},
		Webhook:  config.WebhookConfig{Enabled: true, URL: srv.URL, Timeout: time.Second},
	}
	a := NewApp(cfg, zerolog.Nop())
	report, err := a.Simulate(context.Background(), SimulateOptions{Notify: true})
	if err != nil {
		t.Fatalf("simulate: %v", err)
	}
	if hits.Load() != 1 {
		t.Fatalf("expected one webhook call, got %d", hits.Load())
	}
	if got := <-payloads; got["transactionId"] != report.TransactionID.Hex() {
		t.Fatalf("unexpected payload %v", got)
	}
}

func TestSimulateNotifyRequiresAlerting(t *testing.T) {
	a := NewApp(testConfig(), zerolog.Nop())
	if _, err := a.Simulate(context.Background(), SimulateOptions{Notify: true}); err == nil {
		t.Fatal("expected error when alerting is disabled")
	}
}

func TestRunRequiresOwner(t *testing.T) {
	cfg := testConfig()
	cfg.Policy.Owner = common.Address{}
	if err := NewApp(cfg, zerolog.Nop()).Run(context.Background()); err == nil {
		t.Fatal("expected error without policy owner")
	}
}

func claimFact(seq int64, event, claimType, total, fee string, at time.Time) storage.FactRecord {
	fields := map[string]string{"claimType": claimType, "totalAmount": total}
	if fee != "" {
		fields["systemFee"] = fee
	}
	raw, _ := json.Marshal(fields)
	return storage.FactRecord{
		Seq:       seq,
		ID:        uuid.New(),
		Kind:      string(feed.KindClaim),
		EntityID:  "0xclaim",
		Event:     event,
		Fields:    raw,
		Timestamp: at,
	}
}

func TestCompensationSeries(t *testing.T) {
	t0 := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	facts := []storage.FactRecord{
		claimFact(1, "created", "Timeout", "1000", "", t0),
		{Seq: 2, Kind: string(feed.KindArbiter), Event: "slashed", Fields: json.RawMessage(`{}`), Timestamp: t0},
		claimFact(3, "created", "ArbitratorFee", "50", "", t0.Add(time.Minute)),
		claimFact(4, "withdrawn", "Timeout", "1000", "20", t0.Add(2*time.Minute)),
		claimFact(5, "withdrawn", "ArbitratorFee", "50", "1", t0.Add(3*time.Minute)),
	}
	points := compensationSeries(facts)
	if len(points) != 3 {
		t.Fatalf("expected 3 points, got %d", len(points))
	}
	last := points[len(points)-1]
	if !last.Slashed.Equal(decimal.NewFromInt(1000)) {
		t.Fatalf("slashed %s", last.Slashed)
	}
	if !last.Paid.Equal(decimal.NewFromInt(1029)) {
		t.Fatalf("paid %s", last.Paid)
	}
	if !last.Fees.Equal(decimal.NewFromInt(21)) {
		t.Fatalf("fees %s", last.Fees)
	}
}

func TestDownsamplePointsKeepsEnds(t *testing.T) {
	points := make([]compensationPoint, 10)
	for i := range points {
		points[i].Slashed = decimal.NewFromInt(int64(i))
	}
	out := downsamplePoints(points, 4)
	if len(out) != 4 {
		t.Fatalf("expected 4 points, got %d", len(out))
	}
	if !out[0].Slashed.Equal(decimal.Zero) || !out[3].Slashed.Equal(decimal.NewFromInt(9)) {
		t.Fatalf("ends not kept: %v %v", out[0].Slashed, out[3].Slashed)
	}
}

func TestWriteFactsCSV(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "facts.csv")
	t0 := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	if err := writeFactsCSV(path, []storage.FactRecord{claimFact(7, "created", "Timeout", "1000", "", t0)}); err != nil {
		t.Fatalf("write csv: %v", err)
	}
	file, err := os.Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer file.Close()
	rows, err := csv.NewReader(file).ReadAll()
	if err != nil {
		t.Fatalf("read csv: %v", err)
	}
	if len(rows) != 2 || rows[1][0] != "7" || rows[1][3] != "claim" || rows[1][5] != "created" {
		t.Fatalf("unexpected rows %v", rows)
	}
}

func TestRenderProjections(t *testing.T) {
	var buf bytes.Buffer
	err := renderProjections(&buf, feed.KindClaim, []storage.Projection{{
		Kind:      string(feed.KindClaim),
		EntityID:  common.HexToHash("0x01").Hex(),
		State:     json.RawMessage(`{"claimType":"Timeout","totalAmount":"1000","withdrawn":true}`),
		LastEvent: "withdrawn",
		UpdatedAt: time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC),
	}})
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	out := buf.String()
	for _, want := range []string{"claimType", "Timeout", "1000", "true", "withdrawn", "2026-06-01T00:00:00Z"} {
		if !strings.Contains(out, want) {
			t.Fatalf("output missing %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, common.HexToHash("0x01").Hex()) {
		t.Fatal("claim ids should be abbreviated")
	}
}

func TestFilterKinds(t *testing.T) {
	t0 := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	facts := []storage.FactRecord{
		claimFact(1, "created", "Timeout", "1000", "", t0),
		{Seq: 2, Kind: string(feed.KindArbiter), Event: "slashed", Timestamp: t0},
	}
	if got := filterKinds(facts, nil); len(got) != 2 {
		t.Fatalf("no filter should keep everything, got %d", len(got))
	}
	got := filterKinds(facts, []string{string(feed.KindArbiter)})
	if len(got) != 1 || got[0].Seq != 2 {
		t.Fatalf("unexpected filter result %+v", got)
	}
}

func TestValidShowKind(t *testing.T) {
	for _, kind := range ShowKinds() {
		if !ValidShowKind(kind) {
			t.Fatalf("%q should be accepted", kind)
		}
	}
	if ValidShowKind("stake") {
		t.Fatal("unknown kinds should be rejected")
	}
}
