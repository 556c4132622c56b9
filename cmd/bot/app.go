package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"hibari/internal/bot"
	"hibari/internal/driver/lark"
	"hibari/internal/history"
	"hibari/internal/inject"
	"hibari/internal/lookup"
	"hibari/internal/memory"
	"hibari/pkg/hibari"
	llmconfig "hibari/pkg/llm/config"
)

const (
	envConfigFile           = "HIBARI_CONFIG_FILE"
	defaultConfigFilePath   = "config/bot.json"
	alternateConfigFilePath = "bin/config/bot.json"

	defaultBotName            = "Hibari"
	defaultListenAddr         = ":8080"
	defaultDataDir            = "data"
	defaultAckEmoji           = "THUMBSUP"
	defaultHistoryInjectCount = 20
	defaultMemoryMaxPerUser   = 20
	defaultMemoryMaxPerGroup  = 30
	defaultGroupMemoryMax     = 30
	defaultMemoryInjectLimit  = 5

	webhookPath             = "/webhook/event"
	defaultShutdownTimeout  = 10 * time.Second
	defaultNameLookupTTL    = 30 * time.Minute
	defaultGroupInfoTTL     = 5 * time.Minute
	startupIdentityTimeout  = 15 * time.Second
	serverReadHeaderTimeout = 10 * time.Second
)

type appConfig struct {
	logLevel slog.Level

	botName    string
	dataDir    string
	listenAddr string
	ackEmoji   string

	historyInjectCount int
	memoryMaxPerUser   int
	memoryMaxPerGroup  int
	groupMemoryMax     int
	memoryInjectLimit  int

	lark larkConfig
	llm  llmconfig.Config

	// warnings holds clamp notices collected before the logger exists.
	warnings []string
}

type larkConfig struct {
	appID             string
	appSecret         string
	baseURL           string
	verificationToken string
}

type fileConfig struct {
	LogLevel   string  `json:"log_level"`
	BotName    string  `json:"bot_name"`
	DataDir    string  `json:"data_dir"`
	ListenAddr string  `json:"listen_addr"`
	AckEmoji   *string `json:"ack_emoji"`

	HistoryInjectCount *int `json:"history_inject_count"`
	MemoryMaxPerUser   *int `json:"memory_max_per_user"`
	MemoryMaxPerGroup  *int `json:"memory_max_per_group"`
	GroupMemoryMax     *int `json:"group_memory_max"`
	MemoryInjectLimit  *int `json:"memory_inject_limit"`

	Lark fileLarkConfig  `json:"lark"`
	LLM  json.RawMessage `json:"llm"`
}

type fileLarkConfig struct {
	AppID             string `json:"app_id"`
	AppSecret         string `json:"app_secret"`
	BaseURL           string `json:"base_url"`
	VerificationToken string `json:"verification_token"`
}

func run() error {
	configFile, err := resolveConfigFilePath()
	if err != nil {
		return fmt.Errorf("resolve config file: %w", err)
	}

	data, err := os.ReadFile(configFile)
	if err != nil {
		return fmt.Errorf("read config file %s: %w", configFile, err)
	}

	cfg, err := parseAppConfig(data)
	if err != nil {
		return fmt.Errorf("parse config file %s: %w", configFile, err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.logLevel}))
	slog.SetDefault(logger)
	for _, warning := range cfg.warnings {
		logger.Warn("config value clamped to default", "detail", warning)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return runApp(ctx, logger, cfg)
}

func runApp(ctx context.Context, logger *slog.Logger, cfg appConfig) error {
	client, err := lark.NewClient(lark.ClientConfig{
		AppID:     cfg.lark.appID,
		AppSecret: cfg.lark.appSecret,
		BaseURL:   cfg.lark.baseURL,
	}, lark.WithClientLogger(logger))
	if err != nil {
		return fmt.Errorf("new lark client: %w", err)
	}

	identityCtx, cancelIdentity := context.WithTimeout(ctx, startupIdentityTimeout)
	self, err := client.BotIdentity(identityCtx)
	cancelIdentity()
	if err != nil {
		return fmt.Errorf("fetch bot identity: %w", err)
	}
	logger.Info("bot identity resolved", "open_id", self.ID, "name", self.DisplayName)

	historyStore, err := history.New(
		filepath.Join(cfg.dataDir, "history"),
		cfg.historyInjectCount,
		history.WithLogger(logger),
	)
	if err != nil {
		return fmt.Errorf("new history store: %w", err)
	}
	memoryStore, err := memory.New(
		filepath.Join(cfg.dataDir, "memory"),
		memory.WithLogger(logger),
		memory.WithMaxPerUser(cfg.memoryMaxPerUser),
		memory.WithMaxPerGroup(cfg.memoryMaxPerGroup),
		memory.WithGroupScopeMax(cfg.groupMemoryMax),
	)
	if err != nil {
		return fmt.Errorf("new memory store: %w", err)
	}

	nameCache := lookup.New[string](
		lookup.WithLogger[string](logger),
		lookup.WithTTL[string](defaultNameLookupTTL),
		lookup.WithDeniedFallback[string](hibari.FallbackDisplayName),
	)
	groupCache := lookup.New[hibari.GroupInfo](
		lookup.WithLogger[hibari.GroupInfo](logger),
		lookup.WithTTL[hibari.GroupInfo](defaultGroupInfoTTL),
	)

	injector, err := inject.New(historyStore, memoryStore, nameCache, client.ResolveDisplayName, inject.Config{
		HistoryCount: cfg.historyInjectCount,
		MemoryLimit:  cfg.memoryInjectLimit,
	}, inject.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("new injector: %w", err)
	}

	registry, err := llmconfig.BuildRegistry(cfg.llm)
	if err != nil {
		return fmt.Errorf("build llm registry: %w", err)
	}
	provider, err := registry.Resolve(cfg.llm.Assistant.Provider)
	if err != nil {
		return fmt.Errorf("resolve assistant provider: %w", err)
	}

	sink, err := lark.NewCardSink(client, lark.WithSinkLogger(logger))
	if err != nil {
		return fmt.Errorf("new card sink: %w", err)
	}
	rewriter, err := lark.NewMentionRewriter(client, logger)
	if err != nil {
		return fmt.Errorf("new mention rewriter: %w", err)
	}

	assistant, err := bot.New(bot.Config{
		BotName:              cfg.botName,
		Model:                cfg.llm.Assistant.Model,
		Temperature:          cfg.llm.Assistant.Temperature,
		MaxOutputTokens:      cfg.llm.Assistant.MaxOutputTokens,
		RequestTimeout:       cfg.llm.RequestTimeout,
		AckEmoji:             cfg.ackEmoji,
		SystemPromptTemplate: cfg.llm.Assistant.SystemPromptTemplate,
		TemplateVariables:    cfg.llm.Assistant.TemplateVariables,
	}, bot.Deps{
		Platform: client,
		Sink:     sink,
		Provider: provider,
		History:  historyStore,
		Memory:   memoryStore,
		Injector: injector,
		Names:    nameCache,
		Groups:   groupCache,
		Rewrite:  rewriter.Rewrite,
		Self:     self,
	}, bot.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("new bot: %w", err)
	}

	webhook, err := lark.NewWebhook(lark.WebhookConfig{
		VerificationToken: cfg.lark.verificationToken,
		BotOpenID:         self.ID,
	}, assistant.HandleMessage, lark.WithWebhookLogger(logger))
	if err != nil {
		return fmt.Errorf("new webhook: %w", err)
	}

	mux := http.NewServeMux()
	mux.Handle(webhookPath, webhook)
	server := &http.Server{
		Addr:              cfg.listenAddr,
		Handler:           mux,
		ReadHeaderTimeout: serverReadHeaderTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("webhook server listening", "addr", cfg.listenAddr, "path", webhookPath)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
			return
		}
		serverErr <- nil
	}()

	select {
	case <-ctx.Done():
	case err := <-serverErr:
		if closeErr := assistant.Close(); closeErr != nil {
			logger.Error("close pipeline after server failure", "error", closeErr)
		}
		return fmt.Errorf("webhook server: %w", err)
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("webhook server shutdown", "error", err)
	}
	webhook.Wait()

	if err := assistant.Close(); err != nil {
		return fmt.Errorf("close pipeline: %w", err)
	}
	logger.Info("shutdown complete")

	return nil
}

func resolveConfigFilePath() (string, error) {
	if configFile := strings.TrimSpace(os.Getenv(envConfigFile)); configFile != "" {
		return configFile, nil
	}

	candidates := []string{defaultConfigFilePath, alternateConfigFilePath}
	for _, candidate := range candidates {
		info, err := os.Stat(candidate)
		if err == nil {
			if info.IsDir() {
				return "", fmt.Errorf("config file %s is a directory", candidate)
			}
			return candidate, nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("stat config file %s: %w", candidate, err)
		}
	}

	return "", fmt.Errorf(
		"config file not found; create %s or %s, or set %s",
		defaultConfigFilePath,
		alternateConfigFilePath,
		envConfigFile,
	)
}

func defaultAppConfig() appConfig {
	return appConfig{
		logLevel: slog.LevelInfo,

		botName:    defaultBotName,
		dataDir:    defaultDataDir,
		listenAddr: defaultListenAddr,
		ackEmoji:   defaultAckEmoji,

		historyInjectCount: defaultHistoryInjectCount,
		memoryMaxPerUser:   defaultMemoryMaxPerUser,
		memoryMaxPerGroup:  defaultMemoryMaxPerGroup,
		groupMemoryMax:     defaultGroupMemoryMax,
		memoryInjectLimit:  defaultMemoryInjectLimit,
	}
}

func parseAppConfig(data []byte) (appConfig, error) {
	cfg := defaultAppConfig()

	var parsed fileConfig
	if err := json.Unmarshal(data, &parsed); err != nil {
		return appConfig{}, fmt.Errorf("decode json: %w", err)
	}

	if rawLevel := strings.TrimSpace(parsed.LogLevel); rawLevel != "" {
		level, err := parseLogLevel(rawLevel)
		if err != nil {
			return appConfig{}, fmt.Errorf("parse log_level: %w", err)
		}
		cfg.logLevel = level
	}

	if name := strings.TrimSpace(parsed.BotName); name != "" {
		cfg.botName = name
	}
	if dir := strings.TrimSpace(parsed.DataDir); dir != "" {
		cfg.dataDir = dir
	}
	if addr := strings.TrimSpace(parsed.ListenAddr); addr != "" {
		cfg.listenAddr = addr
	}
	if parsed.AckEmoji != nil {
		// An explicit empty string disables the acknowledgement reaction.
		cfg.ackEmoji = strings.TrimSpace(*parsed.AckEmoji)
	}

	// history_inject_count accepts 0: it disables history recording and
	// injection entirely.
	applyBoundedInt(&cfg, "history_inject_count", parsed.HistoryInjectCount, &cfg.historyInjectCount, 0)
	applyBoundedInt(&cfg, "memory_max_per_user", parsed.MemoryMaxPerUser, &cfg.memoryMaxPerUser, 1)
	applyBoundedInt(&cfg, "memory_max_per_group", parsed.MemoryMaxPerGroup, &cfg.memoryMaxPerGroup, 1)
	applyBoundedInt(&cfg, "group_memory_max", parsed.GroupMemoryMax, &cfg.groupMemoryMax, 1)
	applyBoundedInt(&cfg, "memory_inject_limit", parsed.MemoryInjectLimit, &cfg.memoryInjectLimit, 0)

	cfg.lark = larkConfig{
		appID:             strings.TrimSpace(parsed.Lark.AppID),
		appSecret:         strings.TrimSpace(parsed.Lark.AppSecret),
		baseURL:           strings.TrimSpace(parsed.Lark.BaseURL),
		verificationToken: strings.TrimSpace(parsed.Lark.VerificationToken),
	}
	if cfg.lark.appID == "" {
		return appConfig{}, fmt.Errorf("lark.app_id is required")
	}
	if cfg.lark.appSecret == "" {
		return appConfig{}, fmt.Errorf("lark.app_secret is required")
	}
	if cfg.lark.verificationToken == "" {
		return appConfig{}, fmt.Errorf("lark.verification_token is required")
	}

	if len(parsed.LLM) == 0 {
		return appConfig{}, fmt.Errorf("llm section is required")
	}
	llmCfg, err := llmconfig.Parse(parsed.LLM)
	if err != nil {
		return appConfig{}, fmt.Errorf("parse llm section: %w", err)
	}
	cfg.llm = llmCfg

	return cfg, nil
}

// applyBoundedInt takes the configured value when it is at or above floor,
// otherwise keeps the default and records a warning.
func applyBoundedInt(cfg *appConfig, key string, value *int, target *int, floor int) {
	if value == nil {
		return
	}
	if *value < floor {
		cfg.warnings = append(cfg.warnings, fmt.Sprintf(
			"%s=%d is below the minimum %d; using default %d", key, *value, floor, *target,
		))
		return
	}
	*target = *value
}

func parseLogLevel(raw string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unsupported level %q", raw)
	}
}
