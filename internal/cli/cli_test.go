package cli

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"arbiter-escrow/internal/version"
)

func TestShowValidatesKind(t *testing.T) {
	t.Cleanup(func() { showKind, showLimit = "facts", 20 })

	showKind, showLimit = "stake", 20
	err := showCmd.PreRunE(showCmd, nil)
	if err == nil || !strings.Contains(err.Error(), "--kind") {
		t.Fatalf("expected --kind error, got %v", err)
	}

	showKind = "claim"
	if err := showCmd.PreRunE(showCmd, nil); err != nil {
		t.Fatalf("claim should be accepted: %v", err)
	}

	showLimit = 0
	if err := showCmd.PreRunE(showCmd, nil); err == nil {
		t.Fatal("zero limit should be rejected")
	}
}

func TestVersionJSON(t *testing.T) {
	t.Cleanup(func() { versionJSON = false })
	versionJSON = true

	var buf bytes.Buffer
	versionCmd.SetOut(&buf)
	t.Cleanup(func() { versionCmd.SetOut(nil) })
	if err := versionCmd.RunE(versionCmd, nil); err != nil {
		t.Fatalf("version: %v", err)
	}
	var info version.Info
	if err := json.Unmarshal(buf.Bytes(), &info); err != nil {
		t.Fatalf("decode %q: %v", buf.String(), err)
	}
	if info != version.Get() {
		t.Fatalf("unexpected info %+v", info)
	}
}
