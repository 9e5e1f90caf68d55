// Package bot assembles one bot process from its config: storage,
// provider chain, tools, engines, and the gateway event pump.
package bot

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"

	linger "github.com/lingerbot/linger"
	"github.com/lingerbot/linger/images"
	pdfingest "github.com/lingerbot/linger/ingest/pdf"
	"github.com/lingerbot/linger/internal/config"
	"github.com/lingerbot/linger/memory/disk"
	"github.com/lingerbot/linger/observer"
	"github.com/lingerbot/linger/platform/discord"
	"github.com/lingerbot/linger/provider/anthropic"
	"github.com/lingerbot/linger/store/postgres"
	"github.com/lingerbot/linger/store/sqlite"
	memorytool "github.com/lingerbot/linger/tools/memory"
	messagestool "github.com/lingerbot/linger/tools/messages"
)

// App is one running bot: everything hangs off the config and shuts down
// together.
type App struct {
	cfg    config.Config
	logger *slog.Logger

	store    linger.MessageStore
	memory   *disk.Store
	platform *discord.Gateway
	provider linger.Provider
	router   *linger.Router
	limiter  *linger.RateLimiter
	tracker  *linger.Tracker
	users    *linger.UserCache
	convlog  *linger.ConvLog

	pgpool      *pgxpool.Pool
	logFile     *rotatingFile
	obsShutdown func(context.Context) error
}

// New builds an App from config. Nothing touches the network yet; the
// gateway opens in Run.
func New(cfg config.Config) (*App, error) {
	a := &App{cfg: cfg}

	for _, dir := range []string{"persistence", "logs", "memories"} {
		if err := os.MkdirAll(filepath.Join(cfg.DataDir, dir), 0o755); err != nil {
			return nil, fmt.Errorf("create %s dir: %w", dir, err)
		}
	}

	if err := a.setupLogger(); err != nil {
		return nil, err
	}
	if err := a.setupStore(); err != nil {
		return nil, err
	}

	a.memory = disk.NewWithOptions(
		filepath.Join(cfg.DataDir, "memories", cfg.BotID), cfg.BotID,
		disk.WithLogger(a.logger))
	a.users = linger.NewUserCache()

	cl, err := linger.OpenConvLog(a.path("logs", cfg.BotID+"_conversations.log"))
	if err != nil {
		return nil, fmt.Errorf("open conversation log: %w", err)
	}
	a.convlog = cl

	a.limiter = linger.NewRateLimiter(linger.RateLimitConfig{
		ShortWindow:     time.Duration(cfg.RateLimiting.Short.DurationMinutes) * time.Minute,
		ShortMax:        cfg.RateLimiting.Short.MaxResponses,
		LongWindow:      time.Duration(cfg.RateLimiting.Long.DurationMinutes) * time.Minute,
		LongMax:         cfg.RateLimiting.Long.MaxResponses,
		IgnoreThreshold: cfg.RateLimiting.IgnoreThreshold,
		TrackingDelay:   time.Duration(cfg.RateLimiting.EngagementTrackingDelay) * time.Second,
	}, linger.WithRateLimitLogger(a.logger))

	a.tracker = linger.NewTracker(a.store, a.limiter,
		linger.WithTrackerLogger(a.logger),
		linger.WithOutcomeHook(func(o linger.EngagementOutcome) {
			if err := a.convlog.LogEngagement(o.ChannelID, o.MessageID, o.Engaged, o.Signal); err != nil {
				a.logger.Warn("log engagement failed", "error", err)
			}
		}))

	var inst *observer.Instruments
	if cfg.Observer.Enabled {
		pricing := make(map[string]observer.ModelPricing, len(cfg.Observer.Pricing))
		for model, p := range cfg.Observer.Pricing {
			pricing[model] = observer.ModelPricing{InputPerMillion: p.Input, OutputPerMillion: p.Output}
		}
		var shutdown func(context.Context) error
		inst, shutdown, err = observer.Init(context.Background(), pricing)
		if err != nil {
			return nil, fmt.Errorf("init observer: %w", err)
		}
		a.obsShutdown = shutdown
	}

	if err := a.setupProvider(inst); err != nil {
		return nil, err
	}
	if err := a.setupRouter(inst); err != nil {
		return nil, err
	}

	gw, err := discord.New(cfg.Discord.Token,
		discord.WithLogger(a.logger),
		discord.WithServers(cfg.Discord.Servers))
	if err != nil {
		return nil, err
	}
	a.platform = gw

	return a, nil
}

func (a *App) path(parts ...string) string {
	return filepath.Join(append([]string{a.cfg.DataDir}, parts...)...)
}

func (a *App) setupLogger() error {
	lf, err := a.openLogFile()
	if err != nil {
		return err
	}
	a.logFile = lf

	var w io.Writer = os.Stderr
	if lf != nil {
		w = io.MultiWriter(os.Stderr, lf)
	}
	var level slog.Level
	switch strings.ToLower(a.cfg.Logging.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	a.logger = slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})).
		With("bot_id", a.cfg.BotID)
	return nil
}

func (a *App) openLogFile() (*rotatingFile, error) {
	path := a.cfg.Logging.File
	if path == "" {
		path = a.path("logs", a.cfg.BotID+".log")
	}
	maxBytes := int64(a.cfg.Logging.MaxSizeMB) * 1024 * 1024
	return openRotatingFile(path, maxBytes, a.cfg.Logging.BackupCount)
}

func (a *App) setupStore() error {
	switch a.cfg.Database.Driver {
	case "", "sqlite":
		path := a.cfg.Database.Path
		if path == "" {
			path = a.path("persistence", a.cfg.BotID+"_messages.db")
		}
		a.store = sqlite.New(path, sqlite.WithLogger(a.logger))
	case "postgres":
		pool, err := pgxpool.New(context.Background(), a.cfg.Database.PostgresURL)
		if err != nil {
			return fmt.Errorf("connect postgres: %w", err)
		}
		a.pgpool = pool
		a.store = postgres.New(pool, postgres.WithLogger(a.logger))
	default:
		return fmt.Errorf("unknown database driver %q", a.cfg.Database.Driver)
	}
	return nil
}

func (a *App) setupProvider(inst *observer.Instruments) error {
	if a.cfg.API.Key == "" {
		return fmt.Errorf("api key missing: set %s", a.cfg.API.KeyEnvVar)
	}
	opts := []anthropic.Option{
		anthropic.WithLogger(a.logger),
		anthropic.WithMaxTokens(a.cfg.API.MaxTokens),
	}
	if ce := a.cfg.API.ContextEditing; ce.Enabled {
		opts = append(opts, anthropic.WithContextEditing(anthropic.ContextEditing{
			TriggerTokens: ce.TriggerTokens,
			KeepToolUses:  ce.KeepToolUses,
			ExcludeTools:  ce.ExcludeTools,
		}))
	}
	var p linger.Provider = anthropic.New(a.cfg.API.Key, a.cfg.API.Model, opts...)
	p = linger.WithRetry(p, linger.RetryLogger(a.logger))
	p = linger.WithThrottle(p)
	if inst != nil {
		p = observer.WrapProvider(p, a.cfg.API.Model, inst)
	}
	a.provider = p
	return nil
}

func (a *App) setupRouter(inst *observer.Instruments) error {
	wrap := func(t linger.Tool) linger.Tool {
		if inst != nil {
			return observer.WrapTool(t, inst)
		}
		return t
	}
	tools := []linger.Tool{
		wrap(memorytool.New(a.memory)),
		wrap(messagestool.New(a.store)),
	}

	routerOpts := []linger.RouterOption{linger.WithRouterLogger(a.logger)}
	if a.cfg.API.WebSearch.Enabled {
		quota, err := linger.NewFileWebQuota(
			a.path("persistence", a.cfg.BotID+"_web_search_stats.json"),
			a.cfg.API.WebSearch.MaxDaily,
			linger.WithQuotaLogger(a.logger))
		if err != nil {
			return fmt.Errorf("open web quota: %w", err)
		}
		routerOpts = append(routerOpts, linger.WithWebQuota(quota))
	}
	a.router = linger.NewRouter(tools, routerOpts...)
	return nil
}

// Run opens the gateway and runs every engine until ctx is cancelled.
func (a *App) Run(ctx context.Context) error {
	defer a.shutdown()

	if err := a.store.Init(ctx); err != nil {
		return fmt.Errorf("store init: %w", err)
	}

	events, err := a.platform.Listen(ctx)
	if err != nil {
		return fmt.Errorf("gateway listen: %w", err)
	}
	botID, botName := a.platform.BotUser()

	builder := linger.NewContextBuilder(a.store, a.platform, a.users, botID, botName,
		linger.WithContextWindow(a.cfg.Reactive.ContextWindow),
		linger.WithContextLogger(a.logger))

	reactive := linger.NewReactiveEngine(a.reactiveConfig(),
		a.store, a.platform, a.provider, a.router, builder, a.limiter, a.tracker, a.users,
		a.reactiveOptions()...)

	agentic := linger.NewAgenticEngine(a.agenticConfig(),
		a.store, a.platform, a.provider, builder, a.limiter, a.users,
		linger.WithAgenticLogger(a.logger))

	if bf := a.cfg.Discord.Backfill; bf.Enabled {
		if bf.InBackground {
			go a.backfill(ctx)
		} else {
			a.backfill(ctx)
		}
	}

	a.logger.Info("bot running", "bot_name", botName)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return reactive.Run(ctx) })
	g.Go(func() error { return agentic.Run(ctx) })
	g.Go(func() error { return a.tracker.Run(ctx) })
	g.Go(func() error {
		for ev := range events {
			reactive.HandleEvent(ctx, ev)
		}
		return nil
	})
	return g.Wait()
}

func (a *App) reactiveConfig() linger.ReactiveConfig {
	cfg := a.cfg
	loc := time.UTC
	if tz := cfg.Reactive.QuietHours.Timezone; tz != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			a.logger.Warn("bad quiet hours timezone, using UTC", "timezone", tz)
		} else {
			loc = l
		}
	}

	var web *linger.WebToolConfig
	if ws := cfg.API.WebSearch; ws.Enabled {
		web = &linger.WebToolConfig{
			MaxUses:        ws.MaxPerRequest,
			AllowedDomains: ws.AllowedDomains,
			BlockedDomains: ws.BlockedDomains,
		}
	}

	return linger.ReactiveConfig{
		ScanInterval: time.Duration(cfg.Reactive.CheckIntervalSeconds) * time.Second,
		Rates: linger.EngagementRates{
			Cold:    cfg.Personality.Engagement.ColdRate,
			Warm:    cfg.Personality.Engagement.WarmRate,
			Hot:     cfg.Personality.Engagement.HotRate,
			Mention: cfg.Personality.Engagement.MentionRate,
		},
		Quiet: linger.QuietHours{
			Start:    cfg.Reactive.QuietHours.Start,
			End:      cfg.Reactive.QuietHours.End,
			Location: loc,
		},
		Cooldowns: linger.CooldownConfig{
			PerUser:       time.Duration(cfg.Reactive.Cooldowns.PerUser) * time.Second,
			SingleMessage: time.Duration(cfg.Reactive.Cooldowns.SingleMessage) * time.Second,
			MultiMessage:  time.Duration(cfg.Reactive.Cooldowns.MultiMessage) * time.Second,
			HeavyActivity: time.Duration(cfg.Reactive.Cooldowns.HeavyActivity) * time.Second,
		},
		Personality:   cfg.Personality.BasePrompt,
		Followups:     cfg.Agentic.Followups.Enabled,
		MaxIterations: cfg.API.MaxIterations,
		MaxTokens:     cfg.API.MaxTokens,
		SegmentDelay:  time.Duration(cfg.Reactive.SegmentDelaySeconds) * time.Second,
		WebTools:      web,
	}
}

func (a *App) reactiveOptions() []linger.ReactiveOption {
	opts := []linger.ReactiveOption{
		linger.WithReactiveLogger(a.logger),
		linger.WithConvLog(a.convlog),
	}
	if a.cfg.Images.Enabled {
		proc := images.NewProcessor(a.platform, images.Config{
			TargetShare:   a.cfg.Images.CompressionTarget,
			MaxPerMessage: a.cfg.Images.MaxPerMessage,
			AllowedHosts:  images.DiscordHosts,
		}, images.WithLogger(a.logger))
		opts = append(opts, linger.WithImageSource(proc))
	}
	opts = append(opts, linger.WithAttachmentText(a.attachmentExcerpt))
	return opts
}

// attachmentExcerpt pulls readable text out of PDF attachments so a
// document dropped into chat still reaches the model.
func (a *App) attachmentExcerpt(ctx context.Context, m linger.Message) string {
	extractor := pdfingest.NewExtractor()
	var parts []string
	for _, att := range m.Attachments {
		if att.ContentType != "application/pdf" {
			continue
		}
		if att.Size > pdfingest.MaxAttachmentSize {
			a.logger.Debug("skipping oversized pdf", "filename", att.Filename, "size", att.Size)
			continue
		}
		data, err := a.platform.Download(ctx, att.URL)
		if err != nil {
			a.logger.Warn("pdf download failed", "filename", att.Filename, "error", err)
			continue
		}
		excerpt, err := extractor.Excerpt(data, pdfingest.DefaultExcerptChars)
		if err != nil {
			a.logger.Warn("pdf extract failed", "filename", att.Filename, "error", err)
			continue
		}
		if excerpt != "" {
			parts = append(parts, fmt.Sprintf("[%s]\n%s", att.Filename, excerpt))
		}
	}
	return strings.Join(parts, "\n\n")
}

func (a *App) agenticConfig() linger.AgenticConfig {
	cfg := a.cfg
	ac := linger.AgenticConfig{
		Interval:          time.Duration(cfg.Agentic.CheckIntervalHours * float64(time.Hour)),
		BaseDir:           filepath.Join(cfg.DataDir, "memories", cfg.BotID),
		FollowupThreshold: cfg.Agentic.Followups.PriorityThreshold,
		FollowupMaxAge:    time.Duration(cfg.Agentic.Followups.MaxAgeDays) * 24 * time.Hour,
		Personality:       cfg.Personality.BasePrompt,
		MaxTokens:         cfg.API.MaxTokens,
	}
	if cfg.API.ExtendedThinking.Enabled {
		ac.ThinkingBudget = cfg.API.ExtendedThinking.BudgetTokens
	}
	if p := cfg.Agentic.Proactive; p.Enabled {
		ac.Proactive = linger.ProactiveConfig{
			AllowedChannels: p.AllowedChannels,
			MinIdle:         time.Duration(p.MinIdleHours * float64(time.Hour)),
			MaxIdle:         time.Duration(p.MaxIdleHours * float64(time.Hour)),
			PerChannelDaily: p.MaxPerDayPerChannel,
			GlobalDaily:     p.MaxPerDayGlobal,
			SuccessFloor:    p.EngagementThreshold,
		}
	}
	return ac
}

// shutdown releases everything Run and New acquired, tolerating partial
// construction.
func (a *App) shutdown() {
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Warn("store close failed", "error", err)
		}
	}
	if a.pgpool != nil {
		a.pgpool.Close()
	}
	if a.convlog != nil {
		a.convlog.Close()
	}
	if a.obsShutdown != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := a.obsShutdown(ctx); err != nil {
			a.logger.Warn("observer shutdown failed", "error", err)
		}
	}
	if a.logFile != nil {
		a.logFile.Close()
	}
}
