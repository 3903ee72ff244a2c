package dao

import (
	"context"
	"database/sql"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	sq "github.com/Masterminds/squirrel"
	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/lk2023060901/threatrelay/app/threat/internal/model"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ptr[T any](v T) *T { return &v }

func sqliteConfig(t *testing.T) *Config {
	t.Helper()
	return &Config{
		Driver: DriverSQLite,
		SQLite: SQLiteConfig{Path: filepath.Join(t.TempDir(), "state.db")},
	}
}

// 各驱动共享的行为测试
func runStateDAOSuite(t *testing.T, open func(t *testing.T) StateDAO) {
	ctx := context.Background()

	t.Run("initial record", func(t *testing.T) {
		d := open(t)
		st, err := d.Load(ctx)
		require.NoError(t, err)
		assert.Equal(t, "CHILLRP", st.AccessCode)
		assert.Equal(t, int64(0), st.CodeVersion)
		assert.False(t, st.HasActiveNotice())
		assert.Equal(t, model.DefaultChangedBy, st.ChangedBy)

		again, err := d.Load(ctx)
		require.NoError(t, err)
		assert.Equal(t, st.AccessCode, again.AccessCode)
		assert.Equal(t, st.CodeVersion, again.CodeVersion)
	})

	t.Run("set and clear active", func(t *testing.T) {
		d := open(t)
		st, err := d.Update(ctx, &model.StatePatch{
			ActiveMessageID: ptr("999"),
			ActiveCodeType:  ptr(model.CodeRed),
			ChangedBy:       ptr("bob"),
		})
		require.NoError(t, err)
		assert.Equal(t, "999", st.ActiveMessageID)
		assert.Equal(t, model.CodeRed, st.ActiveCodeType)
		assert.Equal(t, "bob", st.ChangedBy)

		st, err = d.Update(ctx, &model.StatePatch{ClearActive: true})
		require.NoError(t, err)
		assert.False(t, st.HasActiveNotice())
		assert.Empty(t, st.ActiveCodeType)
		assert.Equal(t, "bob", st.ChangedBy)

		loaded, err := d.Load(ctx)
		require.NoError(t, err)
		assert.False(t, loaded.HasActiveNotice())
	})

	t.Run("bump version", func(t *testing.T) {
		d := open(t)
		st, err := d.Update(ctx, &model.StatePatch{AccessCode: ptr("NEWCODE1"), BumpVersion: true, ChangedBy: ptr("alice")})
		require.NoError(t, err)
		assert.Equal(t, "NEWCODE1", st.AccessCode)
		assert.Equal(t, int64(1), st.CodeVersion)
	})

	t.Run("concurrent bumps", func(t *testing.T) {
		d := open(t)
		const n = 10
		var (
			wg       sync.WaitGroup
			mu       sync.Mutex
			versions = make(map[int64]bool)
		)
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				st, err := d.Update(ctx, &model.StatePatch{AccessCode: ptr("CODE"), BumpVersion: true})
				if !assert.NoError(t, err) {
					return
				}
				mu.Lock()
				versions[st.CodeVersion] = true
				mu.Unlock()
			}()
		}
		wg.Wait()

		assert.Len(t, versions, n)
		st, err := d.Load(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(n), st.CodeVersion)
	})

	t.Run("invalid patch", func(t *testing.T) {
		d := open(t)
		_, err := d.Update(ctx, &model.StatePatch{ActiveMessageID: ptr("1")})
		assert.ErrorIs(t, err, model.ErrIncompleteActive)
	})

	t.Run("closed", func(t *testing.T) {
		d := open(t)
		require.NoError(t, d.Close())
		_, err := d.Load(ctx)
		assert.ErrorIs(t, err, ErrClosed)
	})
}

func TestMemoryDAO(t *testing.T) {
	runStateDAOSuite(t, func(t *testing.T) StateDAO {
		return NewMemory(Options{})
	})
}

func TestSQLiteDAO(t *testing.T) {
	runStateDAOSuite(t, func(t *testing.T) StateDAO {
		d, err := New(context.Background(), sqliteConfig(t), Options{})
		require.NoError(t, err)
		t.Cleanup(func() { _ = d.Close() })
		return d
	})
}

func TestSQLiteExposesPool(t *testing.T) {
	d, err := New(context.Background(), sqliteConfig(t), Options{})
	require.NoError(t, err)
	defer d.Close()

	pool, ok := d.(interface{ DB() *sql.DB })
	require.True(t, ok)
	require.NoError(t, pool.DB().Ping())
	assert.Equal(t, 1, pool.DB().Stats().MaxOpenConnections)

	_, ok = NewMemory(Options{}).(interface{ DB() *sql.DB })
	assert.False(t, ok)
}

func TestSQLiteDurableAcrossReopen(t *testing.T) {
	ctx := context.Background()
	cfg := sqliteConfig(t)

	d, err := New(ctx, cfg, Options{DefaultAccessCode: "chillrp"})
	require.NoError(t, err)
	_, err = d.Update(ctx, &model.StatePatch{AccessCode: ptr("NEWCODE1"), BumpVersion: true, ChangedBy: ptr("alice")})
	require.NoError(t, err)
	_, err = d.Update(ctx, &model.StatePatch{ActiveMessageID: ptr("999"), ActiveCodeType: ptr(model.CodeBlack), ChangedBy: ptr("bob")})
	require.NoError(t, err)
	require.NoError(t, d.Close())

	reopened, err := New(ctx, cfg, Options{DefaultAccessCode: "OTHER"})
	require.NoError(t, err)
	defer reopened.Close()

	st, err := reopened.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, "NEWCODE1", st.AccessCode)
	assert.Equal(t, int64(1), st.CodeVersion)
	assert.Equal(t, "999", st.ActiveMessageID)
	assert.Equal(t, model.CodeBlack, st.ActiveCodeType)
	assert.Equal(t, "bob", st.ChangedBy)
}

func TestSQLiteLastChangedRefreshed(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	d, err := New(ctx, sqliteConfig(t), Options{Now: clock})
	require.NoError(t, err)
	defer d.Close()

	st, err := d.Load(ctx)
	require.NoError(t, err)
	assert.True(t, st.LastChanged.Equal(now))

	now = now.Add(time.Hour)
	st, err = d.Update(ctx, &model.StatePatch{ChangedBy: ptr("x")})
	require.NoError(t, err)
	assert.True(t, st.LastChanged.Equal(now))
}

func TestSQLUpdateFailureRollsBack(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	d := newSQLDAO(db, DriverPostgres, sq.Dollar, time.Second, Options{})

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO server_state").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("UPDATE server_state SET").WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	_, err = d.Update(context.Background(), &model.StatePatch{AccessCode: ptr("ABCD"), BumpVersion: true})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLCommitFailure(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	d := newSQLDAO(db, DriverPostgres, sq.Dollar, time.Second, Options{})

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO server_state").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`UPDATE server_state SET last_changed = \$1`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("SELECT access_code").WillReturnRows(
		sqlmock.NewRows(stateColumns).AddRow("CHILLRP", 0, nil, nil, int64(0), "x"),
	)
	mock.ExpectCommit().WillReturnError(errors.New("connection reset"))

	_, err = d.Update(context.Background(), &model.StatePatch{ChangedBy: ptr("x")})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection reset")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLLoadFailure(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	d := newSQLDAO(db, DriverPostgres, sq.Dollar, time.Second, Options{})
	mock.ExpectQuery("SELECT access_code").WillReturnError(errors.New("timeout"))

	_, err = d.Load(context.Background())
	assert.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestConfigValidate(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())
	assert.ErrorIs(t, (&Config{Driver: "mongo"}).Validate(), ErrUnknownDriver)
	assert.Error(t, (&Config{Driver: DriverPostgres}).Validate())
	assert.NoError(t, (&Config{Driver: DriverMemory}).Validate())

	_, err := New(context.Background(), &Config{Driver: "mongo"}, Options{})
	assert.ErrorIs(t, err, ErrUnknownDriver)
}

func TestRedisDAO(t *testing.T) {
	addr := os.Getenv("THREATRELAY_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("THREATRELAY_TEST_REDIS_ADDR not set")
	}
	runStateDAOSuite(t, func(t *testing.T) StateDAO {
		d, err := New(context.Background(), &Config{
			Driver: DriverRedis,
			Redis:  RedisConfig{Addr: addr, Key: "threatrelay:test:" + uuid.NewString()},
		}, Options{})
		require.NoError(t, err)
		t.Cleanup(func() { _ = d.Close() })
		return d
	})
}

func TestRedisStateCodec(t *testing.T) {
	st := &model.ServerState{
		AccessCode:      "NEWCODE1",
		CodeVersion:     3,
		ActiveMessageID: "999",
		ActiveCodeType:  model.CodeRed,
		LastChanged:     time.UnixMilli(1700000000000),
		ChangedBy:       "bob",
	}
	raw := make(map[string]string)
	for k, v := range encodeState(st) {
		switch x := v.(type) {
		case string:
			raw[k] = x
		case int64:
			raw[k] = strconv.FormatInt(x, 10)
		}
	}
	got, err := decodeState(raw)
	require.NoError(t, err)
	assert.Equal(t, st, got)

	_, err = decodeState(map[string]string{fieldCodeVersion: "x"})
	assert.Error(t, err)
}

// scriptedRedis 在 hook 里直接应答哈希命令，不连接服务端
type scriptedRedis struct {
	mu       sync.Mutex
	hash     map[string]string
	commands []string
}

func (h *scriptedRedis) DialHook(next redis.DialHook) redis.DialHook {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		return nil, errors.New("dial not expected")
	}
}

func (h *scriptedRedis) ProcessHook(next redis.ProcessHook) redis.ProcessHook {
	return func(ctx context.Context, cmd redis.Cmder) error {
		h.apply(cmd)
		return nil
	}
}

func (h *scriptedRedis) ProcessPipelineHook(next redis.ProcessPipelineHook) redis.ProcessPipelineHook {
	return func(ctx context.Context, cmds []redis.Cmder) error {
		for _, cmd := range cmds {
			h.apply(cmd)
		}
		return nil
	}
}

func (h *scriptedRedis) apply(cmd redis.Cmder) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.commands = append(h.commands, cmd.Name())

	switch c := cmd.(type) {
	case *redis.MapStringStringCmd:
		out := make(map[string]string, len(h.hash))
		for k, v := range h.hash {
			out[k] = v
		}
		c.SetVal(out)
	case *redis.BoolCmd:
		args := c.Args()
		field := fmt.Sprint(args[2])
		_, exists := h.hash[field]
		if !exists {
			h.hash[field] = fmt.Sprint(args[3])
		}
		c.SetVal(!exists)
	}
}

func (h *scriptedRedis) Commands() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.commands...)
}

func TestRedisLoadSeedsOnce(t *testing.T) {
	ctx := context.Background()
	hook := &scriptedRedis{hash: map[string]string{}}
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:0"})
	client.AddHook(hook)
	defer client.Close()

	d := newRedisDAO(client, &Config{Redis: RedisConfig{Key: "threatrelay:state"}}, Options{})

	st, err := d.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, model.DefaultAccessCode, st.AccessCode)
	assert.Contains(t, hook.Commands(), "hsetnx")

	before := len(hook.Commands())
	for i := 0; i < 3; i++ {
		st, err = d.Load(ctx)
		require.NoError(t, err)
		assert.Equal(t, model.DefaultAccessCode, st.AccessCode)
	}
	assert.Equal(t, []string{"hgetall", "hgetall", "hgetall"}, hook.Commands()[before:])
}
