package cmd

import (
	"os"
	"testing"
)

func TestResolveConfigPath_FlagWins(t *testing.T) {
	orig := cfgFile
	defer func() { cfgFile = orig }()
	cfgFile = "/tmp/custom.json"
	t.Setenv("ORBITER_CONFIG", "/tmp/env.json")

	if got := resolveConfigPath(); got != "/tmp/custom.json" {
		t.Errorf("resolveConfigPath() = %q, want flag value", got)
	}
}

func TestResolveConfigPath_FallsBackToEnv(t *testing.T) {
	orig := cfgFile
	defer func() { cfgFile = orig }()
	cfgFile = ""
	t.Setenv("ORBITER_CONFIG", "/tmp/env.json")

	if got := resolveConfigPath(); got != "/tmp/env.json" {
		t.Errorf("resolveConfigPath() = %q, want env value", got)
	}
}

func TestResolveConfigPath_DefaultsToConfigJSON(t *testing.T) {
	orig := cfgFile
	defer func() { cfgFile = orig }()
	cfgFile = ""
	os.Unsetenv("ORBITER_CONFIG")

	if got := resolveConfigPath(); got != "config.json" {
		t.Errorf("resolveConfigPath() = %q, want \"config.json\"", got)
	}
}
