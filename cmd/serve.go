package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/orbiterhq/orbiter/internal/agentloop"
	"github.com/orbiterhq/orbiter/internal/channels"
	"github.com/orbiterhq/orbiter/internal/channels/discord"
	"github.com/orbiterhq/orbiter/internal/channels/telegram"
	"github.com/orbiterhq/orbiter/internal/config"
	"github.com/orbiterhq/orbiter/internal/control"
	"github.com/orbiterhq/orbiter/internal/cron"
	"github.com/orbiterhq/orbiter/internal/dispatcher"
	"github.com/orbiterhq/orbiter/internal/providers"
	"github.com/orbiterhq/orbiter/internal/sessions"
	"github.com/orbiterhq/orbiter/internal/store"
	"github.com/orbiterhq/orbiter/internal/store/pg"
	"github.com/orbiterhq/orbiter/internal/telemetry"
	"github.com/orbiterhq/orbiter/internal/tools"
	"github.com/orbiterhq/orbiter/internal/writegate"
)

const defaultSystemPrompt = "You are a helpful assistant. Be concise."

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the dispatcher against every configured channel",
		Run: func(cmd *cobra.Command, args []string) {
			runServe()
		},
	}
}

func runServe() {
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})))

	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	if !cfg.HasAnyProvider() {
		slog.Error("no provider API key configured; set one in config.json or the provider's env var")
		os.Exit(1)
	}

	stores, err := openStores(cfg)
	if err != nil {
		slog.Error("failed to open stores", "error", err)
		os.Exit(1)
	}

	shutdownTelemetry, err := telemetry.Init(context.Background(), cfg.Telemetry)
	if err != nil {
		slog.Error("failed to init telemetry", "error", err)
		os.Exit(1)
	}
	defer shutdownTelemetry(context.Background())

	chain, err := buildProviderChain(cfg)
	if err != nil {
		slog.Error("failed to build provider chain", "error", err)
		os.Exit(1)
	}

	agentID := cfg.ResolveDefaultAgentID()
	agentCfg := cfg.ResolveAgent(agentID)

	registry := tools.NewRegistry()
	tools.RegisterBuiltins(registry, config.ExpandHome(agentCfg.Workspace))

	registeredSessions := sessions.NewRegistry()
	if entries, err := stores.Sessions.LoadSessions(); err != nil {
		slog.Warn("failed to load persisted sessions", "error", err)
	} else {
		registeredSessions.LoadEntries(entries)
	}

	manager := channels.NewManager(cfg.Channels.SendRateLimitPerSec)
	gate := writegate.New(channels.GateSender{Manager: manager})
	gate.OnTimeoutAudit(func(sessionKey, _, token string) {
		if stores.Ops == nil {
			return
		}
		_ = stores.Ops.RecordEvent(context.Background(), store.Event{
			Type: "writegate.timeout", Time: time.Now(), Status: "timeout", Source: "writegate",
			Metadata: map[string]string{"session_key": sessionKey, "token": token},
		})
	})
	executor := tools.NewExecutor(registry, gate, tools.DefaultExecutorConfig()).WithOwnerIDs(cfg.Gateway.OwnerIDs)
	policyEngine := tools.NewPolicyEngine(&cfg.Tools)
	var agentToolPolicy *config.ToolPolicySpec
	if spec, ok := cfg.Agents.List[agentID]; ok {
		agentToolPolicy = spec.Tools
	}
	loop := agentloop.NewLoop(chain, registry, executor, stores.Transcript).
		WithPolicy(policyEngine, agentID, agentToolPolicy, nil).
		WithBootstrap(bootstrapFileReader(config.ExpandHome(agentCfg.Workspace)), bootstrapCleanupAfter(3))
	if agentCfg.Compaction != nil && agentCfg.Compaction.MinMessages > 0 {
		keep := agentCfg.Compaction.KeepLastMessages
		if keep <= 0 {
			keep = 4
		}
		loop = loop.WithCompaction(agentCfg.Compaction.MinMessages, keep)
	}

	dcfg := dispatcher.DefaultConfig(agentID)
	dcfg.SystemPrompt = systemPromptFor(agentCfg)
	dcfg.OwnerIDs = cfg.Gateway.OwnerIDs
	disp := dispatcher.New(dcfg, dispatcher.Dependencies{
		Sender:    manager,
		Registry:  registeredSessions,
		Stores:    stores,
		Loop:      loop,
		Provider:  chain,
		WriteGate: gate,
	})

	registerChannels(manager, cfg, disp)

	engine := cron.New(stores.Cron, cron.Hooks{
		// target=main jobs inject their payload into whichever real
		// channel/chat most recently used this agent's session, so the
		// message actually reaches a human instead of vanishing into the
		// synthetic "system" channel.
		EnqueueSystemEvent: func(ctx context.Context, text string, jobAgentID string) error {
			id := jobAgentID
			if id == "" {
				id = agentID
			}
			channel, chatID := registeredSessions.LastUsedChannel("agent:" + id + ":")
			if channel == "" {
				channel, chatID = "system", "cron"
			}
			disp.Dispatch(ctx, dispatcher.MsgContext{
				Channel:     channel,
				From:        chatID,
				ChatType:    dispatcher.ChatDirect,
				MessageID:   fmt.Sprintf("cron-%d", time.Now().UnixNano()),
				Body:        text,
				TimestampMs: time.Now().UnixMilli(),
				ReplyTarget: chatID,
			})
			return nil
		},
	}, cfg.Cron.ToRetryConfig())
	if err := engine.Load(context.Background()); err != nil {
		slog.Error("failed to load cron jobs", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if watcher, err := config.NewWatcher(resolveConfigPath()); err != nil {
		slog.Warn("config hot-reload disabled", "error", err)
	} else {
		defer watcher.Close()
		go watcher.Watch(ctx.Done(), func(newCfg *config.Config) {
			reloadChannelPolicies(manager, newCfg)
		})
	}

	if err := manager.StartAll(ctx); err != nil {
		slog.Error("failed to start channels", "error", err)
		os.Exit(1)
	}
	go engine.Start(ctx)

	if cfg.Gateway.Port != 0 {
		ctl := control.New(cfg.Gateway, manager, engine, registeredSessions)
		go func() {
			if err := ctl.Start(ctx); err != nil {
				slog.Error("control server stopped", "error", err)
			}
		}()
	}

	slog.Info("orbiter running", "agent", agentID)
	<-ctx.Done()

	slog.Info("shutting down")
	gate.CancelAll()
	engine.Stop()
	if err := manager.StopAll(context.Background()); err != nil {
		slog.Warn("error stopping channels", "error", err)
	}
}

// openStores always opens the file/sqlite backend for cron and operational
// state (single-process concerns), and additionally opens a Postgres-backed
// session catalog/transcript store when database.mode=managed — the
// Persistence Layer's alternate backend for deployments sharing session
// state across more than one engine instance.
func openStores(cfg *config.Config) (*store.Stores, error) {
	dataDir := config.ExpandHome(filepath.Dir(cfg.Sessions.Storage))
	fileStores, err := store.NewFileStores(store.StoreConfig{Mode: "file", DataDir: dataDir})
	if err != nil {
		return nil, fmt.Errorf("open file stores: %w", err)
	}
	if !cfg.IsManagedMode() {
		return fileStores, nil
	}
	pgStores, err := pg.NewStores(context.Background(),
		store.StoreConfig{Mode: "postgres", PostgresDSN: cfg.Database.PostgresDSN},
		fileStores.Cron, fileStores.Ops)
	if err != nil {
		return nil, fmt.Errorf("open postgres stores: %w", err)
	}
	return pgStores, nil
}

// policyUpdatable is satisfied by any channel adapter embedding
// *channels.BaseChannel (method promotion supplies SetPolicies).
type policyUpdatable interface {
	SetPolicies(allowList []string, dmPolicy channels.DMPolicy, groupPolicy channels.GroupPolicy)
}

// reloadChannelPolicies is the config watcher's onReload hook: it pushes
// the freshly loaded allowlist/DM/group policy into each already-running
// channel adapter, so editing config.json's allow_from list takes effect
// without restarting the process.
func reloadChannelPolicies(manager *channels.Manager, cfg *config.Config) {
	if ch, ok := manager.GetChannel("telegram"); ok {
		if pu, ok := ch.(policyUpdatable); ok {
			pu.SetPolicies(cfg.Channels.Telegram.AllowFrom,
				channels.DMPolicy(cfg.Channels.Telegram.DMPolicy),
				channels.GroupPolicy(cfg.Channels.Telegram.GroupPolicy))
		}
	}
	if ch, ok := manager.GetChannel("discord"); ok {
		if pu, ok := ch.(policyUpdatable); ok {
			pu.SetPolicies(cfg.Channels.Discord.AllowFrom,
				channels.DMPolicy(cfg.Channels.Discord.DMPolicy),
				channels.GroupPolicy(cfg.Channels.Discord.GroupPolicy))
		}
	}
	slog.Info("config reloaded: channel allowlists/policies updated")
}

func systemPromptFor(agentCfg config.AgentDefaults) string {
	workspace := config.ExpandHome(agentCfg.Workspace)
	if workspace == "" {
		return defaultSystemPrompt
	}
	data, err := os.ReadFile(filepath.Join(workspace, "SYSTEM.md"))
	if err != nil || len(data) == 0 {
		return defaultSystemPrompt
	}
	return string(data)
}

// bootstrapFileReader is the default agentloop.EnsureUserFilesFunc: it
// reads BOOTSTRAP.md from the agent's workspace the same way
// systemPromptFor reads SYSTEM.md. A missing file means nothing to inject.
func bootstrapFileReader(workspace string) agentloop.EnsureUserFilesFunc {
	return func(_ string) (string, error) {
		if workspace == "" {
			return "", nil
		}
		data, err := os.ReadFile(filepath.Join(workspace, "BOOTSTRAP.md"))
		if os.IsNotExist(err) {
			return "", nil
		}
		if err != nil {
			return "", err
		}
		return string(data), nil
	}
}

// bootstrapCleanupAfter stops injecting the bootstrap file once a session
// has seen more than maxTurns user turns.
func bootstrapCleanupAfter(maxTurns int) agentloop.BootstrapCleanupFunc {
	return func(_ string, turnCount int) bool {
		return turnCount > maxTurns
	}
}

// buildProviderChain registers every configured provider in a fixed
// priority order and wraps them in a failover Chain, grounded on
// goclaw's cmd/gateway_providers.go per-key registration pattern — here
// targeting providers.Chain (built fresh for this engine) instead of the
// teacher's separate providers.Registry type.
func buildProviderChain(cfg *config.Config) (*providers.Chain, error) {
	var ps []providers.Provider
	if cfg.Providers.Anthropic.APIKey != "" {
		ps = append(ps, providers.NewAnthropicProvider(cfg.Providers.Anthropic.APIKey))
	}
	if cfg.Providers.OpenAI.APIKey != "" {
		ps = append(ps, providers.NewOpenAIProvider("openai", cfg.Providers.OpenAI.APIKey, cfg.Providers.OpenAI.APIBase, "gpt-4o"))
	}
	if cfg.Providers.OpenRouter.APIKey != "" {
		ps = append(ps, providers.NewOpenAIProvider("openrouter", cfg.Providers.OpenRouter.APIKey, "https://openrouter.ai/api/v1", "anthropic/claude-sonnet-4-5-20250929"))
	}
	if cfg.Providers.Groq.APIKey != "" {
		ps = append(ps, providers.NewOpenAIProvider("groq", cfg.Providers.Groq.APIKey, "https://api.groq.com/openai/v1", "llama-3.3-70b-versatile"))
	}
	if cfg.Providers.DeepSeek.APIKey != "" {
		ps = append(ps, providers.NewOpenAIProvider("deepseek", cfg.Providers.DeepSeek.APIKey, "https://api.deepseek.com/v1", "deepseek-chat"))
	}
	if cfg.Providers.Gemini.APIKey != "" {
		ps = append(ps, providers.NewOpenAIProvider("gemini", cfg.Providers.Gemini.APIKey, "https://generativelanguage.googleapis.com/v1beta/openai", "gemini-2.0-flash"))
	}
	if cfg.Providers.Mistral.APIKey != "" {
		ps = append(ps, providers.NewOpenAIProvider("mistral", cfg.Providers.Mistral.APIKey, "https://api.mistral.ai/v1", "mistral-large-latest"))
	}
	if cfg.Providers.XAI.APIKey != "" {
		ps = append(ps, providers.NewOpenAIProvider("xai", cfg.Providers.XAI.APIKey, "https://api.x.ai/v1", "grok-3-mini"))
	}
	if cfg.Providers.MiniMax.APIKey != "" {
		ps = append(ps, providers.NewOpenAIProvider("minimax", cfg.Providers.MiniMax.APIKey, "https://api.minimax.io/v1", "MiniMax-M2.5").WithChatPath("/text/chatcompletion_v2"))
	}
	if cfg.Providers.Cohere.APIKey != "" {
		ps = append(ps, providers.NewOpenAIProvider("cohere", cfg.Providers.Cohere.APIKey, "https://api.cohere.ai/compatibility/v1", "command-a"))
	}
	if cfg.Providers.Perplexity.APIKey != "" {
		ps = append(ps, providers.NewOpenAIProvider("perplexity", cfg.Providers.Perplexity.APIKey, "https://api.perplexity.ai", "sonar-pro"))
	}
	return providers.NewChain(ps...)
}

// registerChannels constructs and registers the Telegram/Discord adapters
// this engine carries as its two illustrative platform integrations (§1:
// concrete wire protocols beyond these two are out of scope).
func registerChannels(manager *channels.Manager, cfg *config.Config, disp *dispatcher.Dispatcher) {
	if cfg.Channels.Telegram.Enabled {
		ch, err := telegram.New(cfg.Channels.Telegram, disp)
		if err != nil {
			slog.Error("failed to construct telegram channel", "error", err)
		} else {
			manager.RegisterChannel(ch.ID(), ch)
		}
	}
	if cfg.Channels.Discord.Enabled {
		ch, err := discord.New(cfg.Channels.Discord, disp)
		if err != nil {
			slog.Error("failed to construct discord channel", "error", err)
		} else {
			manager.RegisterChannel(ch.ID(), ch)
		}
	}
}
