package doctor

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/basket/devsync/internal/config"
	"github.com/basket/devsync/internal/persistence"
	"github.com/basket/devsync/internal/schema"
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

// Failed reports whether any check failed.
func (d Diagnosis) Failed() bool {
	for _, r := range d.Results {
		if r.Status == "FAIL" {
			return true
		}
	}
	return false
}

type SystemInfo struct {
	OS   string `json:"os"`
	Arch string `json:"arch"`
	Go   string `json:"go_version"`
	Home string `json:"home"`
}

// Run executes all diagnostic checks. cfg may be nil when loading failed;
// loadErr then explains why.
func Run(ctx context.Context, cfg *config.Config, loadErr error) Diagnosis {
	d := Diagnosis{
		Timestamp: time.Now().UTC(),
		System: SystemInfo{
			OS:   runtime.GOOS,
			Arch: runtime.GOARCH,
			Go:   runtime.Version(),
			Home: config.HomeDir(),
		},
	}

	d.Results = append(d.Results, checkConfig(cfg, loadErr))
	checks := []func(context.Context, *config.Config) CheckResult{
		checkDefinitions,
		checkJournal,
		checkPermissions,
		checkBackend,
	}
	for _, check := range checks {
		d.Results = append(d.Results, check(ctx, cfg))
	}
	return d
}

func checkConfig(cfg *config.Config, loadErr error) CheckResult {
	if loadErr != nil {
		return CheckResult{Name: "Config", Status: "FAIL", Message: loadErr.Error()}
	}
	if cfg == nil {
		return CheckResult{Name: "Config", Status: "FAIL", Message: "Configuration not loaded"}
	}
	msg := "Loaded from defaults and environment"
	if cfg.Path != "" {
		msg = fmt.Sprintf("Loaded from %s", cfg.Path)
	}
	if cfg.GeneratedInstanceID {
		return CheckResult{
			Name:    "Config",
			Status:  "WARN",
			Message: msg,
			Detail:  "instance_id not set; a new one is generated on every run",
		}
	}
	return CheckResult{Name: "Config", Status: "PASS", Message: msg, Detail: "fingerprint " + cfg.Fingerprint()}
}

func checkDefinitions(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Definitions", Status: "SKIP", Message: "Config missing"}
	}
	if cfg.DefinitionsPath == "" {
		return CheckResult{Name: "Definitions", Status: "WARN", Message: "definitions_path not set; no actions or states available"}
	}
	reg, err := schema.LoadRegistry(cfg.DefinitionsPath)
	if err != nil {
		return CheckResult{Name: "Definitions", Status: "FAIL", Message: err.Error()}
	}
	return CheckResult{
		Name:    "Definitions",
		Status:  "PASS",
		Message: fmt.Sprintf("%d actions, %d states, %d locks", len(reg.Actions()), len(reg.States()), len(reg.Locks())),
	}
}

func checkJournal(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Journal", Status: "SKIP", Message: "Config missing"}
	}
	path := cfg.JournalPath
	if path == "" {
		path = persistence.DefaultDBPath()
	}
	store, err := persistence.Open(path, nil)
	if err != nil {
		return CheckResult{Name: "Journal", Status: "FAIL", Message: fmt.Sprintf("Open failed: %v", err), Detail: path}
	}
	defer store.Close()

	if _, err := store.ListEntries(ctx, persistence.ListFilter{Limit: 1}); err != nil {
		return CheckResult{Name: "Journal", Status: "FAIL", Message: fmt.Sprintf("Query failed: %v", err), Detail: path}
	}
	return CheckResult{Name: "Journal", Status: "PASS", Message: "Schema current", Detail: path}
}

func checkPermissions(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Permissions", Status: "SKIP", Message: "Config missing"}
	}
	home := config.HomeDir()
	if err := os.MkdirAll(home, 0o755); err != nil {
		return CheckResult{Name: "Permissions", Status: "FAIL", Message: fmt.Sprintf("Home dir not creatable: %v", err)}
	}
	testFile := filepath.Join(home, ".write_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return CheckResult{Name: "Permissions", Status: "FAIL", Message: fmt.Sprintf("Home dir unwritable: %v", err)}
	}
	os.Remove(testFile)
	return CheckResult{Name: "Permissions", Status: "PASS", Message: "Home directory writable"}
}

// checkBackend resolves and dials the API host. It does not speak HTTP so
// it works against backends that require auth on every route.
func checkBackend(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Backend", Status: "SKIP", Message: "Config missing"}
	}
	u, err := url.Parse(cfg.APIEndpoint)
	if err != nil || u.Host == "" {
		return CheckResult{Name: "Backend", Status: "FAIL", Message: fmt.Sprintf("Invalid api_endpoint %q", cfg.APIEndpoint)}
	}
	wsURL, err := cfg.WebSocketURL()
	if err != nil {
		return CheckResult{Name: "Backend", Status: "FAIL", Message: err.Error()}
	}

	host := u.Host
	if u.Port() == "" {
		port := "80"
		if u.Scheme == "https" {
			port = "443"
		}
		host = net.JoinHostPort(u.Hostname(), port)
	}

	dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	start := time.Now()
	var d net.Dialer
	c, err := d.DialContext(dialCtx, "tcp", host)
	latency := time.Since(start)
	if err != nil {
		return CheckResult{
			Name:    "Backend",
			Status:  "FAIL",
			Message: fmt.Sprintf("Cannot reach %s: %v", host, err),
			Detail:  fmt.Sprintf("websocket=%s, latency=%dms", wsURL, latency.Milliseconds()),
		}
	}
	c.Close()

	return CheckResult{
		Name:    "Backend",
		Status:  "PASS",
		Message: fmt.Sprintf("Reached %s (%dms)", host, latency.Milliseconds()),
		Detail:  fmt.Sprintf("websocket=%s", wsURL),
	}
}
