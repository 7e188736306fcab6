package main

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/edgard/expybot/internal/audit"
	"github.com/edgard/expybot/internal/bot"
	"github.com/edgard/expybot/internal/bot/handlers"
	"github.com/edgard/expybot/internal/bot/tasks"
	"github.com/edgard/expybot/internal/bump"
	"github.com/edgard/expybot/internal/config"
	"github.com/edgard/expybot/internal/database"
	"github.com/edgard/expybot/internal/discord"
	"github.com/edgard/expybot/internal/leaderboard"
	"github.com/edgard/expybot/internal/progression"
	"github.com/edgard/expybot/internal/telegram"
)

// buildApp assembles the bot from configuration. cleanup releases what was
// opened and must be called once the bot has stopped.
func buildApp(ctx context.Context, cfg *config.Config, log *zap.Logger) (*bot.Bot, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	fail := func(err error) (*bot.Bot, func(), error) {
		cleanup()
		return nil, func() {}, err
	}

	db, err := database.NewDB(cfg.Database.Path, log)
	if err != nil {
		return fail(fmt.Errorf("open database %s: %w", cfg.Database.Path, err))
	}
	closers = append(closers, func() { database.CloseDB(db, log) })
	store := database.NewStore(db, log)

	session, err := discord.NewSession(cfg.Discord.Token)
	if err != nil {
		return fail(err)
	}

	var sinks audit.Fanout
	if cfg.Discord.AuditChannelID != "" {
		sinks = append(sinks, discord.NewAuditChannel(session, cfg.Discord.AuditChannelID))
	}
	if cfg.Telegram.Enabled() {
		tg, err := telegram.NewTelegramBot(cfg.Telegram.Token, log)
		if err != nil {
			return fail(err)
		}
		sinks = append(sinks, telegram.NewAuditRelay(tg, cfg.Telegram.AuditChatID))
	}

	deps := progression.Deps{
		Store:    store,
		Roles:    discord.NewRolePort(session),
		Notifier: discord.NewNotifier(session, cfg.Discord.LevelUpChannels, cfg.Messages.LevelUpTitle, cfg.Messages.LevelUp, log),
		Logger:   log,
	}
	if len(sinks) > 0 {
		deps.Audit = sinks
	}

	if cfg.Redis.Addr != "" {
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		client, err := leaderboard.NewClient(pingCtx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		cancel()
		if err != nil {
			return fail(err)
		}
		closers = append(closers, func() { _ = client.Close() })
		deps.Leaderboard = leaderboard.NewCache(client, cfg.Redis.LeaderboardTTL, log)
		log.Info("Leaderboard cache enabled", zap.String("addr", cfg.Redis.Addr))
	}

	engine, err := progression.NewEngine(deps, progression.Options{
		XPIncreaseConstant: cfg.Progression.XPIncreaseConstant,
		BumpXP:             cfg.Progression.BumpXP,
		LedgerMaxAttempts:  cfg.Progression.LedgerMaxAttempts,
		PortTimeout:        cfg.Progression.PortTimeout,
	})
	if err != nil {
		return fail(err)
	}

	hDeps := handlers.HandlerDeps{
		Logger:    log,
		Config:    cfg,
		Engine:    engine,
		Bumps:     bump.NewSet(log, cfg.Progression.BumpProviders, bump.DefaultRecognizers()...),
		History:   discord.NewHistory(session),
		Directory: discord.NewDirectory(session),
		StartedAt: time.Now(),
	}
	handlers.NewEvents(ctx, hDeps, handlers.NewRouter(handlers.RegisterAllCommands(hDeps))).Register(session)

	tDeps := tasks.TaskDeps{Logger: log, Store: store, Reconciler: engine}
	sched, err := bot.NewScheduler(log, &cfg.Scheduler, tasks.RegisterAllTasks(tDeps))
	if err != nil {
		return fail(err)
	}

	return bot.NewBot(log, session, sched, engine, cfg.Metrics.Addr), cleanup, nil
}
