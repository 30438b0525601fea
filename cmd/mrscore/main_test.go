package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/nerrad567/mrs-core/internal/infrastructure/config"
	"github.com/nerrad567/mrs-core/internal/infrastructure/metrics"
)

const testProvisioning = `
banks:
  - code: B1
    devices:
      - id: MRS-B1-01
        name: Drive 1
      - id: MRS-B1-02
        name: Drive 2
        mode: MANUAL
    aisles:
      - id: B1-A1
        locations: [L-001, L-002]
      - id: B1-A2
        locations: [L-003]
`

// writeConfig writes a simulator-mode config into dir and returns its path.
func writeConfig(t *testing.T, dir, dbPath, provisioningPath string, port int) string {
	t.Helper()
	content := fmt.Sprintf(`
site:
  id: test-site

database:
  driver: sqlite
  path: %q
  wal_mode: true
  busy_timeout: 5

gateway:
  mode: simulator
  simulator:
    open_delay_ms: 10
    close_delay_ms: 10

engine:
  session_idle: 60
  sweep_interval: 1

logging:
  level: error
  format: text
  output: stdout

metrics:
  enabled: true
  namespace: mrs_main_test

api:
  host: "127.0.0.1"
  port: %d

security:
  jwt:
    enabled: false

provisioning:
  file: %q
`, dbPath, port, provisioningPath)

	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return path
}

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}

// TestRun_InvalidConfig verifies run fails with invalid config path.
func TestRun_InvalidConfig(t *testing.T) {
	t.Setenv("MRS_CONFIG", "/nonexistent/path/config.yaml")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := run(ctx)
	if err == nil {
		t.Fatal("run() should fail with invalid config path")
	}
	if !strings.Contains(err.Error(), "loading config") {
		t.Errorf("run() error = %v, want loading config error", err)
	}
}

// TestRun_MissingDatabasePath verifies run fails when database path is empty.
func TestRun_MissingDatabasePath(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "", "", 8080)
	t.Setenv("MRS_CONFIG", path)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := run(ctx)
	if err == nil {
		t.Fatal("run() should fail with empty database path")
	}
	if !strings.Contains(err.Error(), "database.path") {
		t.Errorf("run() error = %v, want database.path validation error", err)
	}
}

// TestRun_BadProvisioning verifies a broken seed file stops startup.
func TestRun_BadProvisioning(t *testing.T) {
	dir := t.TempDir()
	seed := filepath.Join(dir, "provisioning.yaml")
	if err := os.WriteFile(seed, []byte("banks:\n  - code: \"\"\n"), 0o600); err != nil {
		t.Fatalf("write provisioning: %v", err)
	}
	path := writeConfig(t, dir, filepath.Join(dir, "mrs.db"), seed, freePort(t))
	t.Setenv("MRS_CONFIG", path)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := run(ctx)
	if err == nil {
		t.Fatal("run() should fail with invalid provisioning")
	}
	if !strings.Contains(err.Error(), "provisioning") {
		t.Errorf("run() error = %v, want provisioning error", err)
	}
}

// TestRun_SimulatorStartup boots the whole service against the simulator
// and stops it through context cancellation.
func TestRun_SimulatorStartup(t *testing.T) {
	dir := t.TempDir()
	seed := filepath.Join(dir, "provisioning.yaml")
	if err := os.WriteFile(seed, []byte(testProvisioning), 0o600); err != nil {
		t.Fatalf("write provisioning: %v", err)
	}
	path := writeConfig(t, dir, filepath.Join(dir, "mrs.db"), seed, freePort(t))
	t.Setenv("MRS_CONFIG", path)

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	if err := run(ctx); err != nil {
		t.Fatalf("run() error = %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "mrs.db")); err != nil {
		t.Errorf("database file not created: %v", err)
	}
}

// TestGetConfigPath verifies the config path resolution.
func TestGetConfigPath(t *testing.T) {
	t.Run("default", func(t *testing.T) {
		t.Setenv("MRS_CONFIG", "")
		if got := getConfigPath(); got != defaultConfigPath {
			t.Errorf("getConfigPath() = %q, want %q", got, defaultConfigPath)
		}
	})

	t.Run("override", func(t *testing.T) {
		t.Setenv("MRS_CONFIG", "/etc/mrs/config.yaml")
		if got := getConfigPath(); got != "/etc/mrs/config.yaml" {
			t.Errorf("getConfigPath() = %q, want /etc/mrs/config.yaml", got)
		}
	})
}

func TestBusConfig(t *testing.T) {
	gw := config.GatewayConfig{
		AckTimeout:    1500,
		ActionTimeout: 45,
		SensorTimeout: 750,
		Breaker:       config.BreakerConfig{MaxFailures: 3, OpenTimeout: 20},
	}

	bc := busConfig(gw, nil)
	if bc.AckTimeout != 1500*time.Millisecond {
		t.Errorf("AckTimeout = %v, want 1.5s", bc.AckTimeout)
	}
	if bc.ActionTimeout != 45*time.Second {
		t.Errorf("ActionTimeout = %v, want 45s", bc.ActionTimeout)
	}
	if bc.SensorTimeout != 750*time.Millisecond {
		t.Errorf("SensorTimeout = %v, want 750ms", bc.SensorTimeout)
	}
	if bc.BreakerFailures != 3 || bc.BreakerTimeout != 20*time.Second {
		t.Errorf("breaker = %d/%v, want 3/20s", bc.BreakerFailures, bc.BreakerTimeout)
	}
	if bc.OnBreakerState != nil {
		t.Error("OnBreakerState should be nil without a recorder")
	}

	withRecorder := busConfig(gw, metrics.New(metrics.Config{Namespace: "bus_test"}))
	if withRecorder.OnBreakerState == nil {
		t.Error("OnBreakerState should report to the recorder")
	}

	gw.Breaker.MaxFailures = 0
	if got := busConfig(gw, nil).BreakerFailures; got != 0 {
		t.Errorf("BreakerFailures = %d, want 0 to keep the gateway default", got)
	}
}
