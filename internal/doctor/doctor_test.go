package doctor

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/clawdeck/clawdeck/internal/store"
)

func testStore(t *testing.T) *store.Store {
	t.Helper()
	return store.New(store.PathsIn(t.TempDir()), nil)
}

func resultByName(t *testing.T, d Diagnosis, name string) CheckResult {
	t.Helper()
	for _, r := range d.Results {
		if r.Name == name {
			return r
		}
	}
	t.Fatalf("no %q result in %+v", name, d.Results)
	return CheckResult{}
}

func TestRun_FreshHome(t *testing.T) {
	s := testStore(t)
	d := Run(context.Background(), Params{Store: s, GatewayBinary: "definitely-not-a-binary", Version: "test"})

	if got := resultByName(t, d, "Gateway Binary"); got.Status != "FAIL" {
		t.Fatalf("binary check = %+v", got)
	}
	if got := resultByName(t, d, "Config"); got.Status != "WARN" {
		t.Fatalf("config check on missing file = %+v", got)
	}
	if got := resultByName(t, d, "Env File"); got.Status != "WARN" {
		t.Fatalf("env check on missing file = %+v", got)
	}
	if got := resultByName(t, d, "Permissions"); got.Status != "PASS" {
		t.Fatalf("permissions check = %+v", got)
	}
	if d.Healthy() {
		t.Fatal("missing binary should make the diagnosis unhealthy")
	}
}

func TestCheckGatewayBinary_UsesVersionOutput(t *testing.T) {
	dir := t.TempDir()
	script := filepath.Join(dir, "openclaw")
	if err := os.WriteFile(script, []byte("#!/bin/sh\necho openclaw 2026.1.0\n"), 0o755); err != nil {
		t.Fatalf("write fake binary: %v", err)
	}
	t.Setenv("PATH", dir)

	got := checkGatewayBinary(context.Background(), Params{GatewayBinary: "openclaw"})
	if got.Status != "PASS" {
		t.Fatalf("check = %+v", got)
	}
	if got.Message != "openclaw 2026.1.0" {
		t.Fatalf("version message = %q", got.Message)
	}
}

func TestCheckConfig_BrokenDocumentFails(t *testing.T) {
	s := testStore(t)
	paths := s.Paths()
	if err := os.MkdirAll(paths.Home, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(paths.Config, []byte("{broken"), 0o600); err != nil {
		t.Fatal(err)
	}

	got := checkConfig(context.Background(), Params{Store: s})
	if got.Status != "FAIL" {
		t.Fatalf("check = %+v", got)
	}
}

func TestCheckConfig_MissingPlaceholderNamed(t *testing.T) {
	s := testStore(t)
	paths := s.Paths()
	if err := os.MkdirAll(paths.Home, 0o755); err != nil {
		t.Fatal(err)
	}
	doc := `{"channels":{"telegram":{"botToken":"${NO_SUCH_TOKEN}"}}}`
	if err := os.WriteFile(paths.Config, []byte(doc), 0o600); err != nil {
		t.Fatal(err)
	}

	got := checkConfig(context.Background(), Params{Store: s})
	if got.Status != "FAIL" {
		t.Fatalf("check = %+v", got)
	}
	if !strings.Contains(got.Message, "${NO_SUCH_TOKEN}") {
		t.Fatalf("message %q does not name the placeholder", got.Message)
	}
}

func TestCheckPort(t *testing.T) {
	s := testStore(t)
	paths := s.Paths()
	if err := os.MkdirAll(paths.Home, 0o755); err != nil {
		t.Fatal(err)
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	port := ln.Addr().(*net.TCPAddr).Port

	writePort := func(p int) {
		t.Helper()
		doc := []byte(`{"gateway":{"port":` + strconv.Itoa(p) + `}}`)
		if err := os.WriteFile(paths.Config, doc, 0o600); err != nil {
			t.Fatal(err)
		}
		s.Invalidate()
	}

	// Held and accepting: something is listening, reported as the gateway.
	writePort(port)
	if got := checkPort(context.Background(), Params{Store: s}); got.Status != "PASS" {
		t.Fatalf("held-but-accepting port = %+v", got)
	}

	// Free after the listener goes away.
	ln.Close()
	writePort(port)
	if got := checkPort(context.Background(), Params{Store: s}); got.Status != "PASS" {
		t.Fatalf("free port = %+v", got)
	}
}
