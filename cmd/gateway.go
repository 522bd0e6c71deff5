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

	"github.com/robunhq/robun/internal/agent"
	"github.com/robunhq/robun/internal/bus"
	"github.com/robunhq/robun/internal/channels"
	"github.com/robunhq/robun/internal/channels/telegram"
	"github.com/robunhq/robun/internal/config"
	"github.com/robunhq/robun/internal/cron"
	"github.com/robunhq/robun/internal/gateway"
	"github.com/robunhq/robun/internal/heartbeat"
	"github.com/robunhq/robun/internal/memory"
	"github.com/robunhq/robun/internal/providers"
	"github.com/robunhq/robun/internal/sessions"
	"github.com/robunhq/robun/internal/skills"
	"github.com/robunhq/robun/internal/tools"
)

func gatewayCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "gateway",
		Short: "Start the agent gateway",
		Run: func(cmd *cobra.Command, args []string) {
			runGateway()
		},
	}
}

func runGateway() {
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})))

	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	// Workspace must be absolute: the system prompt and file tools resolve
	// relative paths against it.
	workspace := cfg.Agents.Workspace
	if !filepath.IsAbs(workspace) {
		workspace, _ = filepath.Abs(workspace)
	}
	if err := os.MkdirAll(workspace, 0o755); err != nil {
		slog.Error("failed to create workspace", "path", workspace, "error", err)
		os.Exit(1)
	}
	dataDir := filepath.Dir(workspace)

	providerName := cfg.Agents.Provider
	pc := cfg.ProviderFor(providerName)
	if pc.APIKey == "" {
		slog.Error("no API key configured for provider", "provider", providerName,
			"hint", fmt.Sprintf("set ROBUN_PROVIDERS__%s__API_KEY or edit %s", envName(providerName), cfgPath))
		os.Exit(1)
	}
	provider := providers.NewOpenAIProvider(providerName, pc.APIKey, pc.APIBase, cfg.Agents.Model).
		WithExtraHeaders(pc.ExtraHeaders)

	msgBus := bus.New()

	sessStore, err := sessions.NewStore(filepath.Join(dataDir, "sessions"))
	if err != nil {
		slog.Error("failed to open session store", "error", err)
		os.Exit(1)
	}
	memStore := memory.NewStore(workspace)
	skillsLoader := skills.NewLoader(workspace)

	restrict := cfg.Agents.RestrictToWorkspace
	execTimeout := time.Duration(cfg.Tools.ExecTimeoutS) * time.Second

	// Sub-agents get their own registry without message, spawn, or cron:
	// they report back through the announcement path, not directly.
	subagentTools := func() *tools.Registry {
		reg := tools.NewRegistry()
		reg.Register(tools.NewReadFileTool(workspace, restrict))
		reg.Register(tools.NewWriteFileTool(workspace, restrict))
		reg.Register(tools.NewEditFileTool(workspace, restrict))
		reg.Register(tools.NewListDirTool(workspace, restrict))
		reg.Register(tools.NewExecTool(workspace, restrict, execTimeout))
		if cfg.Tools.WebSearchAPIKey != "" {
			reg.Register(tools.NewWebSearchTool(cfg.Tools.WebSearchAPIKey))
		}
		reg.Register(tools.NewWebFetchTool())
		return reg
	}
	subagentMgr := tools.NewSubagentManager(provider, cfg.Agents.Model, cfg.Agents.MaxTokens, msgBus, subagentTools)

	registry := subagentTools()
	registry.Register(tools.NewMessageTool(msgBus))
	registry.Register(tools.NewSpawnTool(subagentMgr))

	loop := agent.NewLoop(agent.Config{
		Provider:      provider,
		Model:         cfg.Agents.Model,
		MaxTokens:     cfg.Agents.MaxTokens,
		Temperature:   cfg.Agents.Temperature,
		MaxIterations: cfg.Agents.MaxToolIterations,
		MemoryWindow:  cfg.Agents.MemoryWindow,
		Workspace:     workspace,
		Bus:           msgBus,
		Sessions:      sessStore,
		Memory:        memStore,
		Tools:         registry,
		Skills:        skillsLoader,
	})

	// Cron jobs run one agent turn each, on a session keyed by job id.
	// Deliverable results also go out on the job's channel.
	cronStore := cron.NewStore(filepath.Join(dataDir, "cron", "jobs.json"))
	cronSvc := cron.NewService(cronStore, func(ctx context.Context, job *cron.Job) (string, error) {
		result, err := loop.ProcessDirect(ctx, job.Payload.Message, "cron:"+job.ID, job.Payload.Channel, job.Payload.To)
		if err != nil {
			return "", err
		}
		if job.Payload.Deliver && job.Payload.Channel != "" && result != "" {
			msgBus.PublishOutbound(bus.OutboundEvent{
				Channel: job.Payload.Channel,
				ChatID:  job.Payload.To,
				Content: result,
			})
		}
		return result, nil
	})
	registry.Register(tools.NewCronTool(cronSvc))

	channelMgr := channels.NewManager(msgBus)
	if cfg.Channels.Telegram.Enabled && cfg.Channels.Telegram.Token != "" {
		tg, err := telegram.New(cfg.Channels.Telegram, msgBus)
		if err != nil {
			slog.Error("failed to initialize telegram channel", "error", err)
		} else {
			channelMgr.Register(tg)
			slog.Info("telegram channel enabled")
		}
	}

	var heartbeatSvc *heartbeat.Service
	if cfg.Heartbeat.Enabled {
		interval := time.Duration(cfg.Heartbeat.IntervalS) * time.Second
		heartbeatSvc = heartbeat.NewService(workspace, interval, func(ctx context.Context, prompt string) (string, error) {
			return loop.ProcessDirect(ctx, prompt, "heartbeat:system", "", "")
		})
	}

	server := gateway.NewServer(cfg, loop, msgBus, sessStore, cronSvc)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go msgBus.DispatchOutbound()
	go loop.Run(ctx)
	channelMgr.StartAll(ctx)
	if err := cronSvc.Start(ctx); err != nil {
		slog.Warn("cron service failed to start", "error", err)
	}
	if heartbeatSvc != nil {
		heartbeatSvc.Start(ctx)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("graceful shutdown initiated", "signal", sig)

		// Stop ingestion first, then drain the agent before tearing the bus down.
		channelMgr.StopAll(context.Background())
		if heartbeatSvc != nil {
			heartbeatSvc.Stop()
		}
		cronSvc.Stop()
		loop.Stop()
		if !subagentMgr.Wait(30 * time.Second) {
			slog.Warn("subagent tasks still running at shutdown")
		}
		msgBus.Stop()
		cancel()
	}()

	slog.Info("robun gateway starting",
		"version", Version,
		"provider", provider.Name(),
		"model", cfg.Agents.Model,
		"workspace", workspace,
		"tools", registry.Names(),
		"channels", channelMgr.Names(),
	)

	if err := server.Start(ctx); err != nil {
		slog.Error("gateway error", "error", err)
		os.Exit(1)
	}
}

func envName(provider string) string {
	switch provider {
	case "openrouter":
		return "OPENROUTER"
	case "deepseek":
		return "DEEPSEEK"
	case "groq":
		return "GROQ"
	default:
		return "OPENAI"
	}
}
