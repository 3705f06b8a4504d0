// Package doctor runs environment diagnostics for the console: gateway
// binary, configuration health, env file, port, and home directory
// permissions. Results are renderable as text or JSON.
package doctor

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/clawdeck/clawdeck/internal/confdoc"
	"github.com/clawdeck/clawdeck/internal/envfile"
	"github.com/clawdeck/clawdeck/internal/store"
)

type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"` // "PASS", "FAIL", "WARN", "SKIP"
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type Diagnosis struct {
	Timestamp time.Time     `json:"timestamp"`
	System    SystemInfo    `json:"system"`
	Results   []CheckResult `json:"results"`
}

type SystemInfo struct {
	OS      string `json:"os"`
	Arch    string `json:"arch"`
	Go      string `json:"go_version"`
	Version string `json:"version"`
}

// Healthy reports whether no check failed. Warnings do not count as failures.
func (d Diagnosis) Healthy() bool {
	for _, r := range d.Results {
		if r.Status == "FAIL" {
			return false
		}
	}
	return true
}

// Params carries the dependencies the checks need.
type Params struct {
	Store         *store.Store
	GatewayBinary string // e.g. "openclaw"
	Version       string
}

// Run executes all diagnostic checks.
func Run(ctx context.Context, p Params) Diagnosis {
	d := Diagnosis{
		Timestamp: time.Now().UTC(),
		System: SystemInfo{
			OS:      runtime.GOOS,
			Arch:    runtime.GOARCH,
			Go:      runtime.Version(),
			Version: p.Version,
		},
	}

	checks := []func(context.Context, Params) CheckResult{
		checkGatewayBinary,
		checkConfig,
		checkEnvFile,
		checkPort,
		checkPermissions,
	}

	for _, check := range checks {
		d.Results = append(d.Results, check(ctx, p))
	}

	return d
}

func checkGatewayBinary(ctx context.Context, p Params) CheckResult {
	bin := p.GatewayBinary
	if bin == "" {
		bin = "openclaw"
	}
	path, err := exec.LookPath(bin)
	if err != nil {
		return CheckResult{
			Name:    "Gateway Binary",
			Status:  "FAIL",
			Message: fmt.Sprintf("%s not found on PATH", bin),
			Detail:  "install the gateway or set gateway.binary in console.yaml",
		}
	}

	verCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	out, err := exec.CommandContext(verCtx, path, "--version").CombinedOutput()
	if err != nil {
		return CheckResult{
			Name:    "Gateway Binary",
			Status:  "WARN",
			Message: fmt.Sprintf("%s found but --version failed: %v", bin, err),
			Detail:  path,
		}
	}
	version := strings.TrimSpace(string(out))
	if i := strings.IndexByte(version, '\n'); i >= 0 {
		version = version[:i]
	}
	return CheckResult{
		Name:    "Gateway Binary",
		Status:  "PASS",
		Message: version,
		Detail:  path,
	}
}

func checkConfig(_ context.Context, p Params) CheckResult {
	if p.Store == nil {
		return CheckResult{Name: "Config", Status: "SKIP", Message: "Store unavailable"}
	}
	paths := p.Store.Paths()
	if _, err := os.Stat(paths.Config); errors.Is(err, os.ErrNotExist) {
		return CheckResult{
			Name:    "Config",
			Status:  "WARN",
			Message: fmt.Sprintf("%s does not exist yet", paths.Config),
			Detail:  "a default document is created on first save",
		}
	}

	_, err := p.Store.Load()
	if err == nil {
		return CheckResult{Name: "Config", Status: "PASS", Message: fmt.Sprintf("Loaded from %s", paths.Config)}
	}

	var parseErr *confdoc.ParseError
	if errors.As(err, &parseErr) {
		return CheckResult{
			Name:    "Config",
			Status:  "FAIL",
			Message: "Document does not parse",
			Detail:  parseErr.Error(),
		}
	}
	var missing *envfile.MissingVariableError
	if errors.As(err, &missing) {
		return CheckResult{
			Name:    "Config",
			Status:  "FAIL",
			Message: fmt.Sprintf("Placeholder %q has no value", "${"+missing.Name+"}"),
			Detail:  fmt.Sprintf("define %s in the process environment or %s", missing.Name, paths.Env),
		}
	}
	return CheckResult{Name: "Config", Status: "FAIL", Message: err.Error()}
}

func checkEnvFile(_ context.Context, p Params) CheckResult {
	if p.Store == nil {
		return CheckResult{Name: "Env File", Status: "SKIP", Message: "Store unavailable"}
	}
	path := p.Store.Paths().Env
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return CheckResult{
			Name:    "Env File",
			Status:  "WARN",
			Message: fmt.Sprintf("%s does not exist yet", path),
		}
	}
	vars, err := envfile.Parse(path)
	if err != nil {
		return CheckResult{Name: "Env File", Status: "FAIL", Message: fmt.Sprintf("Unreadable: %v", err)}
	}
	return CheckResult{
		Name:    "Env File",
		Status:  "PASS",
		Message: fmt.Sprintf("%d variables defined", len(vars)),
	}
}

// checkPort distinguishes "gateway already listening" from "port held by
// something else" by whether a TCP dial succeeds on a port we cannot bind.
func checkPort(_ context.Context, p Params) CheckResult {
	if p.Store == nil {
		return CheckResult{Name: "Gateway Port", Status: "SKIP", Message: "Store unavailable"}
	}
	port, err := p.Store.GatewayPort()
	if err != nil {
		return CheckResult{Name: "Gateway Port", Status: "SKIP", Message: fmt.Sprintf("Config unreadable: %v", err)}
	}

	addr := fmt.Sprintf("127.0.0.1:%d", port)
	ln, err := net.Listen("tcp", addr)
	if err == nil {
		ln.Close()
		return CheckResult{Name: "Gateway Port", Status: "PASS", Message: fmt.Sprintf("Port %d is free", port)}
	}

	conn, dialErr := net.DialTimeout("tcp", addr, 250*time.Millisecond)
	if dialErr == nil {
		conn.Close()
		return CheckResult{
			Name:    "Gateway Port",
			Status:  "PASS",
			Message: fmt.Sprintf("Port %d is in use and accepting connections (gateway likely running)", port),
		}
	}
	return CheckResult{
		Name:    "Gateway Port",
		Status:  "WARN",
		Message: fmt.Sprintf("Port %d cannot be bound: %v", port, err),
	}
}

func checkPermissions(_ context.Context, p Params) CheckResult {
	if p.Store == nil {
		return CheckResult{Name: "Permissions", Status: "SKIP", Message: "Store unavailable"}
	}
	home := p.Store.Paths().Home
	if err := os.MkdirAll(home, 0o755); err != nil {
		return CheckResult{Name: "Permissions", Status: "FAIL", Message: fmt.Sprintf("Home dir not creatable: %v", err)}
	}
	testFile := filepath.Join(home, ".write_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return CheckResult{Name: "Permissions", Status: "FAIL", Message: fmt.Sprintf("Home dir unwritable: %v", err)}
	}
	os.Remove(testFile)

	return CheckResult{Name: "Permissions", Status: "PASS", Message: fmt.Sprintf("%s writable", home)}
}
