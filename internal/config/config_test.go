package config

import (
	"os"
	"testing"
)

func TestDefaultConfigProductionToggle(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.Production() {
		t.Errorf("default environment %q should not be production", cfg.Environment)
	}
	cfg.Environment = "Production"
	if !cfg.Production() {
		t.Errorf("case-insensitive match for Production failed")
	}
}

func TestParseWindow(t *testing.T) {
	w, err := parseWindow("22,4")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if w.Start != 22 || w.End != 4 || !w.Set {
		t.Errorf("parsed window = %+v, want {22 4 true}", w)
	}
}

func TestParseWindowInvalid(t *testing.T) {
	if _, err := parseWindow("not-a-window"); err == nil {
		t.Error("expected error for malformed window")
	}
}

func TestValidateRejectsEmptyPools(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for config with no pools")
	}
}

func TestValidateRejectsDuplicatePoolIdentity(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Pools = []PoolConfig{
		{ProviderID: "docker", Region: "us-east-1"},
		{ProviderID: "docker", Region: "us-east-1"},
	}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for duplicate pool identity")
	}
}

func TestValidateAcceptsDistinctLargeAndSmallPools(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Pools = []PoolConfig{
		{ProviderID: "docker", Region: "us-east-1"},
		{ProviderID: "docker", Region: "us-east-1", Large: true},
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidateRequiresRegionAndImageInProduction(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Environment = "production"
	cfg.Provider.Region = ""
	cfg.Pools = []PoolConfig{{ProviderID: "docker", Region: "us-east-1"}}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for missing provider region in production")
	}
}

func TestLoadFromEnvAppliesRampWindows(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Pools = []PoolConfig{{ProviderID: "docker"}}

	t.Setenv("VM_POOL_RAMP_DOWN_HOURS", "2,6")
	t.Setenv("VM_POOL_RAMP_UP_HOURS", "8,10")
	t.Setenv("VM_MIN_UPTIME_MINUTES", "5")
	defer os.Unsetenv("VM_POOL_RAMP_DOWN_HOURS")
	defer os.Unsetenv("VM_POOL_RAMP_UP_HOURS")
	defer os.Unsetenv("VM_MIN_UPTIME_MINUTES")

	if err := LoadFromEnv(cfg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Pools[0].RampDownHours.Start != 2 || !cfg.Pools[0].RampDownHours.Set {
		t.Errorf("ramp down window = %+v, want start=2 set=true", cfg.Pools[0].RampDownHours)
	}
	if cfg.Pools[0].UptimeFloorMinutes != 5 {
		t.Errorf("uptime floor = %d, want 5", cfg.Pools[0].UptimeFloorMinutes)
	}
}
