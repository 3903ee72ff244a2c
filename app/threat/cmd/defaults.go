package main

import (
	"github.com/lk2023060901/threatrelay/app/threat/internal/dao"
	"github.com/lk2023060901/threatrelay/app/threat/internal/service"
	"github.com/lk2023060901/threatrelay/pkg/logger"
	"github.com/lk2023060901/threatrelay/pkg/notify/discord"
	"github.com/lk2023060901/threatrelay/pkg/otel"
	"github.com/lk2023060901/threatrelay/pkg/prometheus"
	"github.com/lk2023060901/threatrelay/pkg/sentry"
	"github.com/lk2023060901/threatrelay/pkg/web"
	"github.com/lk2023060901/threatrelay/pkg/web/middleware"
)

// defaultSettings 全部配置键的默认值
// 只有出现在这里的键才能被 THREATRELAY_* 环境变量覆盖
func defaultSettings() map[string]any {
	lg := logger.DefaultConfig()
	w := web.DefaultConfig()
	rl := middleware.DefaultRateLimitConfig()
	dc := discord.DefaultConfig()
	st := dao.DefaultConfig()
	th := service.DefaultConfig()
	pm := prometheus.DefaultConfig()
	ot := otel.DefaultConfig()
	se := sentry.DefaultConfig()

	return map[string]any{
		"log.level":          string(lg.Level),
		"log.format":         string(lg.Format),
		"log.enable_console": lg.EnableConsole,
		"log.enable_file":    lg.EnableFile,
		"log.output_path":    lg.OutputPath,
		"log.development":    lg.Development,
		"log.redact_keys":    lg.RedactKeys,

		"web.port":             w.Port,
		"web.mode":             w.Mode,
		"web.read_timeout":     w.ReadTimeout,
		"web.write_timeout":    w.WriteTimeout,
		"web.shutdown_timeout": w.ShutdownTimeout,
		"web.service_name":     w.ServiceName,

		"rate_limit.enabled":     rl.Enabled,
		"rate_limit.rps":         rl.RequestsPerSecond,
		"rate_limit.burst":       rl.Burst,
		"rate_limit.per_ip":      rl.PerIP,
		"rate_limit.skip_paths":  rl.SkipPaths,
		"rate_limit.limiter_ttl": rl.LimiterTTL,

		"discord.bot_token":   dc.BotToken,
		"discord.channel_id":  dc.ChannelID,
		"discord.timeout":     dc.Timeout,
		"discord.max_retries": dc.MaxRetries,

		"storage.driver":                     st.Driver,
		"storage.query_timeout":              st.QueryTimeout,
		"storage.sqlite.path":                st.SQLite.Path,
		"storage.sqlite.busy_timeout":        st.SQLite.BusyTimeout,
		"storage.postgres.dsn":               st.Postgres.DSN,
		"storage.postgres.max_open_conns":    st.Postgres.MaxOpenConns,
		"storage.postgres.conn_max_lifetime": st.Postgres.ConnMaxLifetime,
		"storage.redis.addr":                 st.Redis.Addr,
		"storage.redis.password":             st.Redis.Password,
		"storage.redis.db":                   st.Redis.DB,
		"storage.redis.key":                  st.Redis.Key,
		"storage.redis.max_retries":          st.Redis.MaxRetries,

		"threat.admin_code":          th.AdminCode,
		"threat.default_access_code": th.DefaultAccessCode,
		"threat.timezone":            th.Timezone,
		"threat.footer":              th.Footer,
		"threat.default_officer":     th.DefaultOfficer,
		"threat.default_changed_by":  th.DefaultChangedBy,

		"metrics.namespace":                pm.Namespace,
		"metrics.enable_go_collector":      pm.EnableGoCollector,
		"metrics.enable_process_collector": pm.EnableProcessCollector,

		"otel.enabled":          ot.Enabled,
		"otel.service_name":     ot.ServiceName,
		"otel.endpoint":         ot.Endpoint,
		"otel.exporter_type":    string(ot.ExporterType),
		"otel.sampler.type":     string(ot.Sampler.Type),
		"otel.sampler.ratio":    ot.Sampler.Ratio,
		"otel.insecure":         ot.Insecure,
		"otel.shutdown_timeout": ot.ShutdownTimeout,

		"sentry.dsn":               se.DSN,
		"sentry.environment":       se.Environment,
		"sentry.sample_rate":       se.SampleRate,
		"sentry.attach_stacktrace": se.AttachStacktrace,
		"sentry.max_breadcrumbs":   se.MaxBreadcrumbs,
		"sentry.shutdown_timeout":  se.ShutdownTimeout,
	}
}
