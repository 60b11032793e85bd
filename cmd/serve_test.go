package cmd

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/orbiterhq/orbiter/internal/config"
)

func TestBuildProviderChain_NoKeysErrors(t *testing.T) {
	cfg := &config.Config{}
	if _, err := buildProviderChain(cfg); err == nil {
		t.Fatal("expected error when no provider keys are configured")
	}
}

func TestBuildProviderChain_AnthropicIsPrimaryWhenPresent(t *testing.T) {
	cfg := &config.Config{}
	cfg.Providers.Anthropic.APIKey = "sk-ant-test"
	cfg.Providers.OpenAI.APIKey = "sk-openai-test"

	chain, err := buildProviderChain(cfg)
	if err != nil {
		t.Fatalf("buildProviderChain: %v", err)
	}
	if chain.Primary().Name() != "anthropic" {
		t.Errorf("Primary().Name() = %q, want anthropic (registered first)", chain.Primary().Name())
	}
}

func TestBuildProviderChain_FallsBackToLaterProvider(t *testing.T) {
	cfg := &config.Config{}
	cfg.Providers.Groq.APIKey = "gsk-test"

	chain, err := buildProviderChain(cfg)
	if err != nil {
		t.Fatalf("buildProviderChain: %v", err)
	}
	if chain.Primary().Name() != "groq" {
		t.Errorf("Primary().Name() = %q, want groq", chain.Primary().Name())
	}
}

func TestSystemPromptFor_DefaultsWhenNoWorkspace(t *testing.T) {
	got := systemPromptFor(config.AgentDefaults{})
	if got != defaultSystemPrompt {
		t.Errorf("systemPromptFor() = %q, want default prompt", got)
	}
}

func TestSystemPromptFor_ReadsSystemMdFromWorkspace(t *testing.T) {
	dir := t.TempDir()
	want := "You are a terse shell scripting assistant."
	if err := os.WriteFile(filepath.Join(dir, "SYSTEM.md"), []byte(want), 0o644); err != nil {
		t.Fatalf("write SYSTEM.md: %v", err)
	}

	got := systemPromptFor(config.AgentDefaults{Workspace: dir})
	if got != want {
		t.Errorf("systemPromptFor() = %q, want %q", got, want)
	}
}

func TestSystemPromptFor_FallsBackWhenFileMissing(t *testing.T) {
	dir := t.TempDir()
	got := systemPromptFor(config.AgentDefaults{Workspace: dir})
	if got != defaultSystemPrompt {
		t.Errorf("systemPromptFor() = %q, want default prompt for missing SYSTEM.md", got)
	}
}
