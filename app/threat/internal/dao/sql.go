package dao

import (
	"context"
	"database/sql"
	"fmt"
	"sync/atomic"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/cockroachdb/errors"
	"github.com/lk2023060901/threatrelay/app/threat/internal/model"
	"github.com/lk2023060901/threatrelay/pkg/logger"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

const (
	stateTable = "server_state"
	stateRowID = 1
)

// last_changed 以 Unix 毫秒保存，SQLite 与 PostgreSQL 行为一致
const createTableSQL = `CREATE TABLE IF NOT EXISTS server_state (
	id                INTEGER PRIMARY KEY,
	access_code       TEXT    NOT NULL,
	code_version      BIGINT  NOT NULL DEFAULT 0,
	active_message_id TEXT,
	active_code_type  TEXT,
	last_changed      BIGINT  NOT NULL,
	changed_by        TEXT    NOT NULL
)`

var stateColumns = []string{
	"access_code",
	"code_version",
	"active_message_id",
	"active_code_type",
	"last_changed",
	"changed_by",
}

// sqlDAO 基于 database/sql 的实现，SQLite 与 PostgreSQL 共用
type sqlDAO struct {
	db      *sql.DB
	builder sq.StatementBuilderType
	driver  string
	timeout time.Duration
	opts    Options
	logger  logger.Logger
	closed  atomic.Bool
}

// NewSQLite 打开（必要时创建）SQLite 文件
func NewSQLite(ctx context.Context, cfg *Config, opts Options) (StateDAO, error) {
	opts.normalize()
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)",
		cfg.SQLite.Path, cfg.SQLite.BusyTimeout.Milliseconds())

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open sqlite")
	}
	// SQLite 同一时刻只允许一个写事务
	db.SetMaxOpenConns(1)

	return openSQL(ctx, db, DriverSQLite, sq.Question, cfg, opts)
}

// NewPostgres 通过 pgx 驱动连接 PostgreSQL
func NewPostgres(ctx context.Context, cfg *Config, opts Options) (StateDAO, error) {
	opts.normalize()
	db, err := sql.Open("pgx", cfg.Postgres.DSN)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open postgres")
	}
	db.SetMaxOpenConns(cfg.Postgres.MaxOpenConns)
	db.SetConnMaxLifetime(cfg.Postgres.ConnMaxLifetime)

	return openSQL(ctx, db, DriverPostgres, sq.Dollar, cfg, opts)
}

func openSQL(ctx context.Context, db *sql.DB, driver string, ph sq.PlaceholderFormat, cfg *Config, opts Options) (StateDAO, error) {
	d := newSQLDAO(db, driver, ph, cfg.QueryTimeout, opts)

	ctx, cancel := d.withTimeout(ctx)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, errors.Wrapf(err, "failed to connect %s", driver)
	}
	if _, err := db.ExecContext(ctx, createTableSQL); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "failed to create server_state table")
	}

	d.logger.Info("state store opened", "driver", driver)
	return d, nil
}

func newSQLDAO(db *sql.DB, driver string, ph sq.PlaceholderFormat, timeout time.Duration, opts Options) *sqlDAO {
	opts.normalize()
	return &sqlDAO{
		db:      db,
		builder: sq.StatementBuilder.PlaceholderFormat(ph),
		driver:  driver,
		timeout: timeout,
		opts:    opts,
		logger:  opts.Logger.Named("dao.state." + driver),
	}
}

func (d *sqlDAO) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if d.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d.timeout)
}

func (d *sqlDAO) Load(ctx context.Context) (st *model.ServerState, err error) {
	if d.closed.Load() {
		return nil, ErrClosed
	}
	start := time.Now()
	defer func() { observe(d.opts.Metrics, "load", start, err) }()

	ctx, cancel := d.withTimeout(ctx)
	defer cancel()

	st, err = d.selectState(ctx, d.db)
	if err == nil {
		return st, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		d.logger.Error("failed to load state", "error", err)
		return nil, err
	}

	if err = d.ensureRow(ctx, d.db); err != nil {
		d.logger.Error("failed to create initial state", "error", err)
		return nil, err
	}
	return d.selectState(ctx, d.db)
}

func (d *sqlDAO) Update(ctx context.Context, patch *model.StatePatch) (st *model.ServerState, err error) {
	if err := patch.Validate(); err != nil {
		return nil, err
	}
	if d.closed.Load() {
		return nil, ErrClosed
	}
	start := time.Now()
	defer func() { observe(d.opts.Metrics, "update", start, err) }()

	ctx, cancel := d.withTimeout(ctx)
	defer cancel()

	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to begin transaction")
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if err = d.ensureRow(ctx, tx); err != nil {
		return nil, err
	}

	query, args, err := d.updateQuery(patch).ToSql()
	if err != nil {
		return nil, errors.Wrap(err, "failed to build update")
	}
	if _, err = tx.ExecContext(ctx, query, args...); err != nil {
		d.logger.Error("failed to update state", "error", err)
		return nil, errors.Wrap(err, "failed to update state")
	}

	st, err = d.selectState(ctx, tx)
	if err != nil {
		return nil, err
	}
	if err = tx.Commit(); err != nil {
		d.logger.Error("failed to commit state", "error", err)
		return nil, errors.Wrap(err, "failed to commit state")
	}
	return st, nil
}

func (d *sqlDAO) updateQuery(p *model.StatePatch) sq.UpdateBuilder {
	b := d.builder.Update(stateTable).
		Set("last_changed", d.opts.Now().UnixMilli()).
		Where(sq.Eq{"id": stateRowID})

	if p.AccessCode != nil {
		b = b.Set("access_code", *p.AccessCode)
	}
	if p.BumpVersion {
		b = b.Set("code_version", sq.Expr("code_version + 1"))
	}
	if p.ClearActive {
		b = b.Set("active_message_id", nil).Set("active_code_type", nil)
	}
	if p.ActiveMessageID != nil {
		b = b.Set("active_message_id", *p.ActiveMessageID).
			Set("active_code_type", string(*p.ActiveCodeType))
	}
	if p.ChangedBy != nil {
		b = b.Set("changed_by", *p.ChangedBy)
	}
	return b
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (d *sqlDAO) selectState(ctx context.Context, q queryer) (*model.ServerState, error) {
	query, args, err := d.builder.Select(stateColumns...).
		From(stateTable).
		Where(sq.Eq{"id": stateRowID}).
		ToSql()
	if err != nil {
		return nil, errors.Wrap(err, "failed to build select")
	}

	var (
		st         model.ServerState
		messageID  sql.NullString
		codeType   sql.NullString
		lastMillis int64
	)
	if err := q.QueryRowContext(ctx, query, args...).Scan(
		&st.AccessCode,
		&st.CodeVersion,
		&messageID,
		&codeType,
		&lastMillis,
		&st.ChangedBy,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, errors.Wrap(err, "failed to read state")
	}

	st.ActiveMessageID = messageID.String
	st.ActiveCodeType = model.CodeType(codeType.String)
	st.LastChanged = time.UnixMilli(lastMillis)
	return &st, nil
}

// ensureRow 插入默认记录，已存在时不做任何事
func (d *sqlDAO) ensureRow(ctx context.Context, q queryer) error {
	initial := model.NewServerState(d.opts.DefaultAccessCode, d.opts.Now())
	query, args, err := d.builder.Insert(stateTable).
		Columns(append([]string{"id"}, stateColumns...)...).
		Values(stateRowID, initial.AccessCode, initial.CodeVersion, nil, nil,
			initial.LastChanged.UnixMilli(), initial.ChangedBy).
		Suffix("ON CONFLICT (id) DO NOTHING").
		ToSql()
	if err != nil {
		return errors.Wrap(err, "failed to build insert")
	}
	if _, err := q.ExecContext(ctx, query, args...); err != nil {
		return errors.Wrap(err, "failed to insert initial state")
	}
	return nil
}

// DB 底层连接池，用于导出连接统计
func (d *sqlDAO) DB() *sql.DB {
	return d.db
}

func (d *sqlDAO) Close() error {
	if !d.closed.CompareAndSwap(false, true) {
		return nil
	}
	return d.db.Close()
}
