package main

import "testing"

func TestParseTimeframe(t *testing.T) {
	for _, in := range []string{"daily", "Hourly"} {
		if _, err := parseTimeframe(in); err != nil {
			t.Errorf("parseTimeframe(%q) error: %v", in, err)
		}
	}
	if _, err := parseTimeframe("weekly"); err == nil {
		t.Error("parseTimeframe(weekly) = nil error")
	}
}

func TestResolveConfigPath(t *testing.T) {
	configPath = ""
	t.Setenv("FINPOD_CONFIG", "")
	if got := resolveConfigPath(); got != "config.json" {
		t.Errorf("resolveConfigPath() = %q, want config.json", got)
	}
	t.Setenv("FINPOD_CONFIG", "/etc/finpod.json")
	if got := resolveConfigPath(); got != "/etc/finpod.json" {
		t.Errorf("resolveConfigPath() = %q, want env value", got)
	}
	configPath = "flag.json"
	defer func() { configPath = "" }()
	if got := resolveConfigPath(); got != "flag.json" {
		t.Errorf("resolveConfigPath() = %q, want flag value", got)
	}
}

func TestOptimizeFlag(t *testing.T) {
	if optimizeFlag(false) != nil {
		t.Error("optimizeFlag(false) should defer to config")
	}
	if p := optimizeFlag(true); p == nil || *p {
		t.Error("optimizeFlag(true) should force optimisation off")
	}
}
