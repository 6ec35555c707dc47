package cli

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"
)

var (
	cliBinaryOnce sync.Once
	cliBinaryPath string
	cliBinaryErr  error
)

// cliBinary builds the lnautopilot CLI once per test run and returns the
// path to the resulting binary. The SIGTERM test execs this binary directly
// rather than going through `go run`, because `go run` does not reliably
// forward SIGTERM to its child process, which would make that test flaky
// regardless of the CLI's own signal handling. The other tests use `go run`.
func cliBinary(t *testing.T) string {
	t.Helper()
	cliBinaryOnce.Do(func() {
		dir, err := os.MkdirTemp("", "lnautopilot-cli-test")
		if err != nil {
			cliBinaryErr = err
			return
		}
		cliBinaryPath = filepath.Join(dir, "lnautopilot")
		build := exec.Command("go", "build", "-o", cliBinaryPath, "./cmd/lnautopilot")
		if out, err := build.CombinedOutput(); err != nil {
			cliBinaryErr = err
			cliBinaryErr = fmt.Errorf("build cli: %w, output=%s", err, string(out))
		}
	})
	if cliBinaryErr != nil {
		t.Fatalf("%v", cliBinaryErr)
	}
	return cliBinaryPath
}

func tempConfigPath(t *testing.T, persistencePath string) string {
	t.Helper()
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "lnautopilot.yaml")
	contents := "version: \"1\"\n" +
		"persistence_path: \"" + persistencePath + "\"\n" +
		"tick_interval_seconds: 60\n" +
		"weight_update_interval_seconds: 86400\n" +
		"safety_envelope:\n" +
		"  base_fee_msat_min: 0\n" +
		"  base_fee_msat_max: 10000\n" +
		"  fee_rate_ppm_min: 0\n" +
		"  fee_rate_ppm_max: 5000\n" +
		"  max_fee_change_pct: 50\n" +
		"  cooldown_minutes: 60\n" +
		"  max_channels_per_tick: 10\n" +
		"  mode: shadow\n"
	if err := os.WriteFile(cfgPath, []byte(contents), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return cfgPath
}

// TestCLIRunFakeNodeShutsDownCleanly exercises `run --fake-node`, which
// uses the in-memory node adapter so the test has no dependency on a real
// lnd node, and confirms the process honors SIGTERM with exit code 0.
func TestCLIRunFakeNodeShutsDownCleanly(t *testing.T) {
	storePath := filepath.Join(t.TempDir(), "store.db")
	cfgPath := tempConfigPath(t, storePath)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	cmd := exec.CommandContext(ctx, cliBinary(t), "--config", cfgPath, "run", "--fake-node")
	if err := cmd.Start(); err != nil {
		t.Fatalf("start cli: %v", err)
	}

	time.Sleep(500 * time.Millisecond)
	if err := cmd.Process.Signal(syscall.SIGTERM); err != nil {
		t.Fatalf("signal cli: %v", err)
	}

	err := cmd.Wait()
	if ctx.Err() == context.DeadlineExceeded {
		t.Fatalf("cli run timed out waiting for clean shutdown")
	}
	if err != nil {
		t.Fatalf("cli did not exit cleanly after SIGTERM: %v", err)
	}
}

// TestCLIShadowReportEmptyStore confirms shadow-report against a fresh
// store exits cleanly and reports nothing shadowed.
func TestCLIShadowReportEmptyStore(t *testing.T) {
	storePath := filepath.Join(t.TempDir(), "store.db")
	cfgPath := tempConfigPath(t, storePath)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	cmd := exec.CommandContext(ctx, "go", "run", "./cmd/lnautopilot", "--config", cfgPath, "shadow-report")
	out, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("shadow-report failed: %v output=%s", err, string(out))
	}
	if !strings.Contains(string(out), "shadow report since") {
		t.Fatalf("expected shadow report header, got: %s", string(out))
	}
}

// TestCLISetModeRequiresConfirmationForActive confirms set-mode to active
// without --yes aborts rather than silently applying, per the operator
// confirmation requirement for leaving shadow/canary.
func TestCLISetModeRequiresConfirmationForActive(t *testing.T) {
	storePath := filepath.Join(t.TempDir(), "store.db")
	cfgPath := tempConfigPath(t, storePath)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	cmd := exec.CommandContext(ctx, "go", "run", "./cmd/lnautopilot", "--config", cfgPath, "set-mode", "active")
	cmd.Stdin = strings.NewReader("n\n")
	out, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("set-mode failed: %v output=%s", err, string(out))
	}
	if !strings.Contains(string(out), "aborted") {
		t.Fatalf("expected abort message without confirmation, got: %s", string(out))
	}

	data, rerr := os.ReadFile(cfgPath)
	if rerr != nil {
		t.Fatalf("read config: %v", rerr)
	}
	if strings.Contains(string(data), "mode: active") {
		t.Fatalf("config should not have been updated to active mode without confirmation")
	}
}

// TestCLISetModeCanaryAppliesImmediately confirms a non-active mode change
// requires no confirmation and is persisted to the config file.
func TestCLISetModeCanaryAppliesImmediately(t *testing.T) {
	storePath := filepath.Join(t.TempDir(), "store.db")
	cfgPath := tempConfigPath(t, storePath)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	cmd := exec.CommandContext(ctx, "go", "run", "./cmd/lnautopilot", "--config", cfgPath, "set-mode", "canary")
	out, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("set-mode failed: %v output=%s", err, string(out))
	}
	if !strings.Contains(string(out), "mode set to canary") {
		t.Fatalf("expected confirmation output, got: %s", string(out))
	}

	data, rerr := os.ReadFile(cfgPath)
	if rerr != nil {
		t.Fatalf("read config: %v", rerr)
	}
	if !strings.Contains(string(data), "mode: canary") {
		t.Fatalf("expected config to persist canary mode, got: %s", string(data))
	}
}

// TestCLIRollbackUnknownTransactionFails confirms rollback against a
// transaction id with no backup returns a non-zero exit code.
func TestCLIRollbackUnknownTransactionFails(t *testing.T) {
	storePath := filepath.Join(t.TempDir(), "store.db")
	cfgPath := tempConfigPath(t, storePath)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	cmd := exec.CommandContext(ctx, "go", "run", "./cmd/lnautopilot", "--config", cfgPath, "rollback", "--fake-node", "--transaction-id", "does-not-exist")
	out, err := cmd.CombinedOutput()
	if err == nil {
		t.Fatalf("expected rollback of unknown transaction to fail, output=%s", string(out))
	}
}
