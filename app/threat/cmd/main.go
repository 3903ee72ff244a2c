package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/lk2023060901/threatrelay/app/threat/internal/dao"
	"github.com/lk2023060901/threatrelay/app/threat/internal/handler"
	"github.com/lk2023060901/threatrelay/app/threat/internal/metrics"
	"github.com/lk2023060901/threatrelay/app/threat/internal/service"
	"github.com/lk2023060901/threatrelay/pkg/app"
	"github.com/lk2023060901/threatrelay/pkg/config"
	"github.com/lk2023060901/threatrelay/pkg/crypto"
	"github.com/lk2023060901/threatrelay/pkg/logger"
	"github.com/lk2023060901/threatrelay/pkg/notify/discord"
	"github.com/lk2023060901/threatrelay/pkg/otel"
	"github.com/lk2023060901/threatrelay/pkg/prometheus"
	"github.com/lk2023060901/threatrelay/pkg/sentry"
	"github.com/lk2023060901/threatrelay/pkg/web"
	webmetrics "github.com/lk2023060901/threatrelay/pkg/web/metrics"
	"github.com/lk2023060901/threatrelay/pkg/web/middleware"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Config 威胁通报服务配置
type Config struct {
	Log logger.Config `mapstructure:"log"`

	// Web Server 配置
	Web       web.Config                 `mapstructure:"web"`
	RateLimit middleware.RateLimitConfig `mapstructure:"rate_limit"`

	// Discord 机器人
	Discord discord.Config `mapstructure:"discord"`

	// 状态存储
	Storage dao.Config `mapstructure:"storage"`

	// 业务配置
	Threat service.Config `mapstructure:"threat"`

	Metrics prometheus.Config `mapstructure:"metrics"`
	Otel    otel.Config       `mapstructure:"otel"`
	Sentry  sentry.Config     `mapstructure:"sentry"`
}

// 旧部署只设置了这些环境变量
var envAliases = map[string][]string{
	"discord.bot_token":  {"DISCORD_BOT_TOKEN"},
	"discord.channel_id": {"DISCORD_CHANNEL_ID"},
	"web.port":           {"PORT"},
	"threat.admin_code":  {"ADMIN_CODE"},
}

func main() {
	// threatrelay hash-admin-code <code> 输出可写入 threat.admin_code 的 bcrypt 哈希
	if len(os.Args) == 3 && os.Args[1] == "hash-admin-code" {
		hashed, err := crypto.NewBcryptHasher().Hash(os.Args[2])
		if err != nil {
			fmt.Fprintln(os.Stderr, "threatrelay:", err)
			os.Exit(1)
		}
		fmt.Println(hashed)
		return
	}

	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "threatrelay:", err)
		os.Exit(1)
	}
}

func run() error {
	var cfg Config

	// 1. 加载配置
	loaded, err := app.LoadConfig(&cfg,
		app.WithDefaults(defaultSettings()),
		app.WithEnvAliases(envAliases),
	)
	if err != nil {
		return err
	}

	// 2. 初始化 Logger
	l, err := logger.InitDefault(&cfg.Log, logger.WithGlobalFields("service", app.AppName))
	if err != nil {
		return fmt.Errorf("failed to init logger: %w", err)
	}
	defer l.Sync()

	// 没有机器人令牌和频道无法工作，直接拒绝启动
	if err := cfg.Discord.Validate(); err != nil {
		l.Error("discord is not configured, set DISCORD_BOT_TOKEN and DISCORD_CHANNEL_ID", "error", err)
		return err
	}
	if err := cfg.Threat.Validate(); err != nil {
		l.Error("invalid threat config", "error", err)
		return err
	}

	a := app.NewBaseApp(app.WithLogger(l), app.WithName(app.AppName))

	// 3. 追踪
	tracer, err := otel.New(&cfg.Otel)
	if err != nil {
		l.Error("failed to create tracer provider", "error", err)
		return err
	}
	a.AppendCloser(tracer)

	// 4. 错误上报
	var reporter service.ErrorReporter
	var panicReporter middleware.PanicReporter
	if cfg.Sentry.Enabled() {
		sentryClient, err := sentry.New(&cfg.Sentry)
		if err != nil {
			l.Error("failed to create sentry client", "error", err)
			return err
		}
		a.AppendCloser(sentryClient)
		reporter = func(err error, tags map[string]string) {
			sentryClient.CaptureException(err, tags)
		}
		panicReporter = func(recovered any) {
			sentryClient.RecoverWithContext(recovered)
		}
	}

	// 5. 指标
	promClient, err := prometheus.New(&cfg.Metrics)
	if err != nil {
		l.Error("failed to create prometheus client", "error", err)
		return err
	}
	a.AppendCloser(promClient)
	if err := webmetrics.InitMetrics(promClient.Registry()); err != nil {
		l.Error("failed to register web metrics", "error", err)
		return err
	}
	threatMetrics, err := metrics.New(promClient)
	if err != nil {
		l.Error("failed to create metrics", "error", err)
		return err
	}

	// 6. 状态存储
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	store, err := dao.New(ctx, &cfg.Storage, dao.Options{
		DefaultAccessCode: cfg.Threat.DefaultAccessCode,
		Logger:            l,
		Metrics:           threatMetrics,
	})
	if err != nil {
		l.Error("failed to open state store", "driver", cfg.Storage.Driver, "error", err)
		return err
	}
	a.AppendCloser(store)
	if pool, ok := store.(interface{ DB() *sql.DB }); ok {
		if err := promClient.RegisterCollector(collectors.NewDBStatsCollector(pool.DB(), cfg.Storage.Driver)); err != nil {
			l.Warn("failed to register db stats collector", "error", err)
		}
	}

	// 7. Discord 客户端
	messenger, err := discord.NewClient(&cfg.Discord, l)
	if err != nil {
		l.Error("failed to create discord client", "error", err)
		return err
	}

	// 8. 业务服务
	opts := []service.Option{
		service.WithMetrics(threatMetrics),
		service.WithErrorReporter(reporter),
	}
	notices, err := service.NewNoticeService(store, messenger, &cfg.Threat, l, opts...)
	if err != nil {
		return err
	}
	codes, err := service.NewCodeService(store, &cfg.Threat, l, opts...)
	if err != nil {
		return err
	}
	if err := notices.Restore(ctx); err != nil {
		l.Error("failed to restore state", "error", err)
		return err
	}

	// 9. Web Server
	serverOpts := []web.ServerOption{
		web.WithPanicReporter(panicReporter),
		web.WithLogSkipPaths("/health", "/metrics"),
		web.WithMiddleware(middleware.CORS()),
	}
	if cfg.RateLimit.Enabled {
		limiter := middleware.NewRateLimiter(l.Named("web.ratelimit"), &cfg.RateLimit)
		a.AppendCloser(limiter)
		serverOpts = append(serverOpts, web.WithMiddleware(middleware.RateLimit(limiter)))
	}
	webServer, err := web.NewServer(&cfg.Web, l, serverOpts...)
	if err != nil {
		l.Error("failed to create web server", "error", err)
		return err
	}
	handler.NewThreatHandler(notices, codes, l).Register(webServer.Router())
	webServer.Router().GET("/metrics", gin.WrapH(promClient.Handler()))
	a.AppendServer(webServer)

	if loaded.ConfigPath != "" {
		watchConfig(loaded.Manager, loaded.ConfigPath, l)
	}

	l.Info("threatrelay ready",
		"port", cfg.Web.Port,
		"channel_id", messenger.ChannelID(),
		"token_set", cfg.Discord.BotToken != "",
		"storage", cfg.Storage.Driver,
		"config", loaded.ConfigPath,
		"tracing", tracer.IsEnabled(),
		"sentry", cfg.Sentry.Enabled(),
		"admin_code_hashed", crypto.IsBcryptHash(cfg.Threat.AdminCode),
		"cors", true,
		"mode", "edit single notice",
	)

	// 10. 运行
	return a.Run()
}

// watchConfig 配置变更只提示重启，监听失败不影响启动
func watchConfig(m config.Manager, path string, l logger.Logger) {
	err := m.Watch(func(changed string) {
		l.Warn("config file changed, restart to apply", "path", changed)
	})
	if err != nil {
		l.Warn("failed to watch config file", "path", path, "error", err)
	}
}
