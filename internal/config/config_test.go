package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"arbiter-escrow/internal/policy"
)

const sample = `
chain:
  network: regtest
policy:
  owner: "0x00000000000000000000000000000000000000ff"
  fee_collector: "0x000000000000000000000000000000000000fee0"
  values:
    minStakeAmount: 500
    arbitrationTimeout: "7200"
api:
  listen: "127.0.0.1:9000"
dispatcher:
  interval: 750ms
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadDecodesPolicySection(t *testing.T) {
	cfg, err := Load(writeConfig(t, sample))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Policy.Owner != common.HexToAddress("0xff") {
		t.Fatalf("owner not decoded: %s", cfg.Policy.Owner.Hex())
	}
	if cfg.Policy.FeeCollector != common.HexToAddress("0xfee0") {
		t.Fatalf("collector not decoded: %s", cfg.Policy.FeeCollector.Hex())
	}
	if cfg.Dispatcher.Interval != 750*time.Millisecond {
		t.Fatalf("interval: %s", cfg.Dispatcher.Interval)
	}
	if cfg.API.Burst != 40 || cfg.Attestation.PollInterval != 15*time.Second || cfg.Dispatcher.MaxBacklog != 10000 {
		t.Fatal("defaults should fill unspecified keys")
	}

	values, err := cfg.Policy.Resolve()
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if !values[policy.MinStake].Equal(decimal.NewFromInt(500)) {
		t.Fatalf("minStakeAmount: %s", values[policy.MinStake])
	}
	if !values[policy.ArbitrationTimeout].Equal(decimal.NewFromInt(7200)) {
		t.Fatalf("arbitrationTimeout: %s", values[policy.ArbitrationTimeout])
	}
	if !values[policy.MaxStake].Equal(policy.Defaults()[policy.MaxStake]) {
		t.Fatal("unset keys should keep their defaults")
	}
}

func TestLoadRejectsBadValues(t *testing.T) {
	cases := map[string]string{
		"network":   "chain:\n  network: moonnet\n",
		"address":   "policy:\n  owner: nope\n",
		"parameter": "policy:\n  values:\n    bogus: 1\n",
		"telegram":  "alerting:\n  telegram:\n    enabled: true\n",
		"webhook":   "alerting:\n  webhook:\n    enabled: true\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := Load(writeConfig(t, body)); err == nil {
				t.Fatalf("expected an error for %s", strings.TrimSpace(body))
			}
		})
	}
}

func TestEnvOverridesFile(t *testing.T) {
	t.Setenv("ARBITER_API_LISTEN", ":7000")
	cfg, err := Load(writeConfig(t, sample))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.API.Listen != ":7000" {
		t.Fatalf("env should win, got %s", cfg.API.Listen)
	}
}

func TestResolveMaxPoints(t *testing.T) {
	cfg := &Config{Export: ExportConfig{MaxDataPoints: 10}}
	if cfg.ResolveMaxPoints(0) != 10 || cfg.ResolveMaxPoints(3) != 3 {
		t.Fatal("override should win when positive")
	}
}
