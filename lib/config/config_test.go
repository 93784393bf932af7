// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/bureau-foundation/herald/lib/config"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "herald.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("writing config fixture: %v", err)
	}
	return path
}

func TestDefaultIsValid(t *testing.T) {
	cfg := config.Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Default().Validate(): %v", err)
	}
	if cfg.Limits.MaxSubscriptionsPerProcess != 1000 {
		t.Errorf("MaxSubscriptionsPerProcess = %d, want 1000", cfg.Limits.MaxSubscriptionsPerProcess)
	}
	if time.Duration(cfg.Stats.Window) != 24*time.Hour {
		t.Errorf("Stats.Window = %v, want 24h", time.Duration(cfg.Stats.Window))
	}
}

func TestLoadFileMergesOverDefaults(t *testing.T) {
	path := writeConfig(t, `
routing:
  offload_enabled: true
stats:
  window: 2h30m
`)
	cfg, err := config.LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if !cfg.Routing.OffloadEnabled {
		t.Error("OffloadEnabled = false, want true")
	}
	if got := time.Duration(cfg.Stats.Window); got != 2*time.Hour+30*time.Minute {
		t.Errorf("Stats.Window = %v, want 2h30m", got)
	}
	// Untouched fields keep their defaults.
	if cfg.Limits.MaxSubscriptionsPerProcess != 1000 {
		t.Errorf("MaxSubscriptionsPerProcess = %d, want default 1000", cfg.Limits.MaxSubscriptionsPerProcess)
	}
}

func TestLoadFileExpandsVariables(t *testing.T) {
	t.Setenv("HERALD_TEST_ROOT", "/srv/herald")
	path := writeConfig(t, `
policy_file: ${HERALD_TEST_ROOT}/admission.jsonc
`)
	cfg, err := config.LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if cfg.PolicyFile != "/srv/herald/admission.jsonc" {
		t.Errorf("PolicyFile = %q", cfg.PolicyFile)
	}
}

func TestLoadFileExpandsDefaultValue(t *testing.T) {
	path := writeConfig(t, `
policy_file: ${HERALD_UNSET_VAR:-/etc/herald}/admission.jsonc
`)
	cfg, err := config.LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if cfg.PolicyFile != "/etc/herald/admission.jsonc" {
		t.Errorf("PolicyFile = %q", cfg.PolicyFile)
	}
}

func TestLoadFileRejectsInvalidValues(t *testing.T) {
	path := writeConfig(t, `
limits:
  max_subscriptions_per_process: 0
stats:
  window: 0s
`)
	_, err := config.LoadFile(path)
	if err == nil {
		t.Fatal("LoadFile accepted invalid limits")
	}
	if !strings.Contains(err.Error(), "max_subscriptions_per_process") {
		t.Errorf("error %q does not mention the subscription cap", err)
	}
	if !strings.Contains(err.Error(), "stats.window") {
		t.Errorf("error %q does not mention the stats window", err)
	}
}

func TestLoadFileRejectsBadDuration(t *testing.T) {
	path := writeConfig(t, `
stats:
  window: not-a-duration
`)
	if _, err := config.LoadFile(path); err == nil {
		t.Fatal("LoadFile accepted a malformed duration")
	}
}

func TestLoadRequiresEnvVar(t *testing.T) {
	t.Setenv("HERALD_CONFIG", "")
	if _, err := config.Load(); err == nil {
		t.Fatal("Load succeeded without HERALD_CONFIG")
	}
}
