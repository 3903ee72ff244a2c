package service

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/lk2023060901/threatrelay/app/threat/internal/dao"
	"github.com/lk2023060901/threatrelay/app/threat/internal/model"
	"github.com/lk2023060901/threatrelay/pkg/crypto"
	"github.com/lk2023060901/threatrelay/pkg/logger"
	"github.com/lk2023060901/threatrelay/pkg/notify"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testAdminCode = "OuO#()De@!VE"

// fakeMessenger 内存中的频道
type fakeMessenger struct {
	mu       sync.Mutex
	nextID   int
	messages map[string]*notify.Notice
	calls    []string

	createErr error
	editErr   error
	deleteErr error
}

func newFakeMessenger(firstID int) *fakeMessenger {
	return &fakeMessenger{nextID: firstID, messages: make(map[string]*notify.Notice)}
}

func (f *fakeMessenger) Name() string { return "fake" }

func (f *fakeMessenger) Create(_ context.Context, n *notify.Notice) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "create")
	if f.createErr != nil {
		return "", f.createErr
	}
	id := strconv.Itoa(f.nextID)
	f.nextID++
	f.messages[id] = n
	return id, nil
}

func (f *fakeMessenger) Edit(_ context.Context, id string, n *notify.Notice) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "edit:"+id)
	if f.editErr != nil {
		return f.editErr
	}
	if _, ok := f.messages[id]; !ok {
		return fmt.Errorf("edit %s: %w", id, notify.ErrMessageNotFound)
	}
	f.messages[id] = n
	return nil
}

func (f *fakeMessenger) Delete(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "delete:"+id)
	if f.deleteErr != nil {
		return f.deleteErr
	}
	if _, ok := f.messages[id]; !ok {
		return fmt.Errorf("delete %s: %w", id, notify.ErrMessageNotFound)
	}
	delete(f.messages, id)
	return nil
}

func (f *fakeMessenger) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeMessenger) Count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.messages)
}

func (f *fakeMessenger) vanish(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.messages, id)
}

// failingStore 按开关让读写失败
type failingStore struct {
	dao.StateDAO
	failUpdate bool
	failLoad   bool
}

func (s *failingStore) Load(ctx context.Context) (*model.ServerState, error) {
	if s.failLoad {
		return nil, errors.New("database is locked")
	}
	return s.StateDAO.Load(ctx)
}

func (s *failingStore) Update(ctx context.Context, p *model.StatePatch) (*model.ServerState, error) {
	if s.failUpdate {
		return nil, errors.New("disk I/O error")
	}
	return s.StateDAO.Update(ctx, p)
}

type fixture struct {
	store     dao.StateDAO
	messenger *fakeMessenger
	notices   *NoticeService
	codes     *CodeService
}

func newFixture(t *testing.T, store dao.StateDAO, opts ...Option) *fixture {
	t.Helper()
	if store == nil {
		store = dao.NewMemory(dao.Options{})
	}
	m := newFakeMessenger(999)
	cfg := &Config{AdminCode: testAdminCode, Timezone: "UTC"}

	notices, err := NewNoticeService(store, m, cfg, logger.NewNoop(), opts...)
	require.NoError(t, err)
	codes, err := NewCodeService(store, cfg, logger.NewNoop(), opts...)
	require.NoError(t, err)

	return &fixture{store: store, messenger: m, notices: notices, codes: codes}
}

func TestScenario(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)

	info, err := f.codes.GetCode(ctx)
	require.NoError(t, err)
	assert.Equal(t, "CHILLRP", info.AccessCode)
	assert.Equal(t, int64(0), info.Version)

	info, err = f.codes.SetCode(ctx, "newcode1", testAdminCode, "alice")
	require.NoError(t, err)
	assert.Equal(t, "NEWCODE1", info.AccessCode)
	assert.Equal(t, int64(1), info.Version)
	assert.Equal(t, "alice", info.ChangedBy)

	res, err := f.notices.PublishSeverity(ctx, "red", "bob")
	require.NoError(t, err)
	assert.Equal(t, "999", res.MessageID)
	assert.False(t, res.WasEdit)
	assert.Equal(t, model.CodeRed, res.CodeType)

	active, err := f.notices.GetActiveSeverity(ctx)
	require.NoError(t, err)
	assert.Equal(t, model.CodeRed, active.CodeType)
	assert.Equal(t, "999", active.MessageID)
	assert.Equal(t, "bob", active.ChangedBy)

	res, err = f.notices.PublishSeverity(ctx, "black", "bob")
	require.NoError(t, err)
	assert.Equal(t, "999", res.MessageID)
	assert.True(t, res.WasEdit)

	f.messenger.vanish("999")
	cleared, err := f.notices.ClearActiveSeverity(ctx)
	require.NoError(t, err)
	assert.Equal(t, ClearAlreadyGone, cleared.Status)

	active, err = f.notices.GetActiveSeverity(ctx)
	require.NoError(t, err)
	assert.Empty(t, active.CodeType)
	assert.Empty(t, active.MessageID)

	assert.Equal(t, []string{"create", "edit:999", "delete:999"}, f.messenger.Calls())
}

func TestPublishRendersNotice(t *testing.T) {
	now := time.Date(2024, 3, 9, 21, 5, 7, 0, time.UTC)
	f := newFixture(t, nil, WithClock(func() time.Time { return now }))

	res, err := f.notices.PublishSeverity(context.Background(), "black", "  ")
	require.NoError(t, err)
	assert.Equal(t, now, res.Timestamp)

	n := f.messenger.messages[res.MessageID]
	require.NotNil(t, n)
	assert.Equal(t, "⚫ KOD CZARNY", n.Title)
	assert.Equal(t, 0x1f2937, n.Color)
	assert.Equal(t, "System Kodów Zagrożenia - LASD", n.Footer)
	require.Len(t, n.Fields, 3)
	assert.Equal(t, notify.Field{Name: "Autor zmiany", Value: "Unknown", Inline: true}, n.Fields[0])
	assert.Equal(t, notify.Field{Name: "Czas", Value: "09.03.2024, 21:05:07", Inline: true}, n.Fields[1])
	assert.Equal(t, "⚠️ Dopisek", n.Fields[2].Name)
	assert.False(t, n.Fields[2].Inline)
}

func TestRendererTimezone(t *testing.T) {
	loc, err := time.LoadLocation("Europe/Warsaw")
	require.NoError(t, err)
	r := newRenderer("footer", loc)

	n := r.render(model.CodeGreen, "alice", time.Date(2024, 7, 1, 10, 0, 0, 0, time.UTC))
	require.Len(t, n.Fields, 2)
	assert.Equal(t, "01.07.2024, 12:00:00", n.Fields[1].Value)
	assert.Equal(t, "🟢 KOD ZIELONY", n.Title)
}

func TestPublishInvalidCodeType(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)

	_, err := f.notices.PublishSeverity(ctx, "purple", "bob")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidInput))
	assert.Empty(t, f.messenger.Calls())

	st, err := f.store.Load(ctx)
	require.NoError(t, err)
	assert.False(t, st.HasActiveNotice())
}

func TestEditOverCreate(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)

	for _, ct := range []string{"green", "orange", "red", "black", "green"} {
		_, err := f.notices.PublishSeverity(ctx, ct, "bob")
		require.NoError(t, err)
	}
	assert.Equal(t, 1, f.messenger.Count())
	assert.Equal(t, []string{"create", "edit:999", "edit:999", "edit:999", "edit:999"}, f.messenger.Calls())
}

func TestSelfHealOnDrift(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)

	_, err := f.notices.PublishSeverity(ctx, "orange", "bob")
	require.NoError(t, err)
	f.messenger.vanish("999")

	res, err := f.notices.PublishSeverity(ctx, "red", "carol")
	require.NoError(t, err)
	assert.Equal(t, "1000", res.MessageID)
	assert.False(t, res.WasEdit)

	st, err := f.store.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, "1000", st.ActiveMessageID)
	assert.Equal(t, model.CodeRed, st.ActiveCodeType)
	assert.Equal(t, []string{"create", "edit:999", "create"}, f.messenger.Calls())
}

func TestEditFailureAborts(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)

	_, err := f.notices.PublishSeverity(ctx, "green", "bob")
	require.NoError(t, err)

	f.messenger.editErr = &notify.APIError{StatusCode: 403, Body: `{"message":"Missing Permissions"}`}
	_, err = f.notices.PublishSeverity(ctx, "red", "bob")
	require.Error(t, err)

	var remote *RemoteAPIError
	require.True(t, errors.As(err, &remote))
	assert.Equal(t, "edit", remote.Op)
	assert.Equal(t, 403, remote.StatusCode)

	st, err := f.store.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, model.CodeGreen, st.ActiveCodeType)
	assert.Equal(t, []string{"create", "edit:999"}, f.messenger.Calls())
}

func TestCreateFailureLeavesState(t *testing.T) {
	ctx := context.Background()
	var reported []map[string]string
	f := newFixture(t, nil, WithErrorReporter(func(_ error, tags map[string]string) {
		reported = append(reported, tags)
	}))
	f.messenger.createErr = fmt.Errorf("dial: %w", notify.ErrRequestFailed)

	_, err := f.notices.PublishSeverity(ctx, "red", "bob")
	var remote *RemoteAPIError
	require.True(t, errors.As(err, &remote))
	assert.Equal(t, 0, remote.StatusCode)
	assert.True(t, errors.Is(err, notify.ErrRequestFailed))

	st, err := f.store.Load(ctx)
	require.NoError(t, err)
	assert.False(t, st.HasActiveNotice())
	require.Len(t, reported, 1)
	assert.Equal(t, "create", reported[0]["op"])
}

func TestPublishPersistenceFailure(t *testing.T) {
	store := &failingStore{StateDAO: dao.NewMemory(dao.Options{})}
	f := newFixture(t, store)
	store.failUpdate = true

	_, err := f.notices.PublishSeverity(context.Background(), "red", "bob")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrPersistence))
}

func TestIdempotentClear(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)

	res, err := f.notices.ClearActiveSeverity(ctx)
	require.NoError(t, err)
	assert.Equal(t, ClearNothing, res.Status)

	_, err = f.notices.PublishSeverity(ctx, "red", "bob")
	require.NoError(t, err)

	res, err = f.notices.ClearActiveSeverity(ctx)
	require.NoError(t, err)
	assert.Equal(t, ClearDeleted, res.Status)

	res, err = f.notices.ClearActiveSeverity(ctx)
	require.NoError(t, err)
	assert.Equal(t, ClearNothing, res.Status)

	assert.Equal(t, []string{"create", "delete:999"}, f.messenger.Calls())
	assert.Zero(t, f.messenger.Count())
}

func TestClearRemoteFailureStillClearsLocal(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)

	_, err := f.notices.PublishSeverity(ctx, "red", "bob")
	require.NoError(t, err)

	f.messenger.deleteErr = &notify.APIError{StatusCode: 500, Body: "oops"}
	_, err = f.notices.ClearActiveSeverity(ctx)
	var remote *RemoteAPIError
	require.True(t, errors.As(err, &remote))
	assert.Equal(t, "delete", remote.Op)
	assert.Equal(t, 500, remote.StatusCode)

	st, err := f.store.Load(ctx)
	require.NoError(t, err)
	assert.False(t, st.HasActiveNotice())

	// 下一次发布走创建
	f.messenger.deleteErr = nil
	res, err := f.notices.PublishSeverity(ctx, "green", "bob")
	require.NoError(t, err)
	assert.False(t, res.WasEdit)
}

func TestConcurrentPublishCreatesOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := f.notices.PublishSeverity(ctx, model.CodeTypes()[i%4].String(), "bob")
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, f.messenger.Count())
	assert.Equal(t, "create", f.messenger.Calls()[0])
}

func TestSetCodeRejections(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)

	_, err := f.codes.SetCode(ctx, "newcode1", "wrong", "alice")
	assert.ErrorIs(t, err, ErrUnauthorized)

	_, err = f.codes.SetCode(ctx, "  ab ", testAdminCode, "alice")
	assert.True(t, errors.Is(err, ErrInvalidInput))

	_, err = f.codes.SetCode(ctx, "", testAdminCode, "alice")
	assert.True(t, errors.Is(err, ErrInvalidInput))

	info, err := f.codes.GetCode(ctx)
	require.NoError(t, err)
	assert.Equal(t, "CHILLRP", info.AccessCode)
	assert.Equal(t, int64(0), info.Version)
}

func TestSetCodeDefaults(t *testing.T) {
	f := newFixture(t, nil)

	info, err := f.codes.SetCode(context.Background(), "  abcd  ", testAdminCode, "")
	require.NoError(t, err)
	assert.Equal(t, "ABCD", info.AccessCode)
	assert.Equal(t, "admin", info.ChangedBy)
}

func TestSetCodeVersionMonotonic(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)

	const n = 20
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		versions = make(map[int64]struct{})
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			info, err := f.codes.SetCode(ctx, fmt.Sprintf("code%d", i), testAdminCode, "admin")
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			versions[info.Version] = struct{}{}
			mu.Unlock()
		}(i)
	}
	wg.Wait()

	assert.Len(t, versions, n)
	info, err := f.codes.GetCode(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(n), info.Version)
}

func TestSetCodePersistenceFailure(t *testing.T) {
	store := &failingStore{StateDAO: dao.NewMemory(dao.Options{}), failUpdate: true}
	f := newFixture(t, store)

	_, err := f.codes.SetCode(context.Background(), "abcd", testAdminCode, "x")
	assert.True(t, errors.Is(err, ErrPersistence))

	store.failLoad = true
	_, err = f.codes.GetCode(context.Background())
	assert.True(t, errors.Is(err, ErrPersistence))
}

func TestNewCodeServiceRequiresAdminCode(t *testing.T) {
	_, err := NewCodeService(dao.NewMemory(dao.Options{}), &Config{}, logger.NewNoop())
	assert.Error(t, err)
}

func TestConfigValidate(t *testing.T) {
	cfg := DefaultConfig()
	assert.Error(t, cfg.Validate())
	cfg.AdminCode = "secret"
	assert.NoError(t, cfg.Validate())
	cfg.Timezone = "Mars/Olympus"
	assert.Error(t, cfg.Validate())
}

func TestSetCodeWithHashedAdminCode(t *testing.T) {
	hashed, err := crypto.NewBcryptHasher(crypto.WithCost(4)).Hash(testAdminCode)
	require.NoError(t, err)

	codes, err := NewCodeService(dao.NewMemory(dao.Options{}), &Config{AdminCode: hashed}, logger.NewNoop())
	require.NoError(t, err)

	_, err = codes.SetCode(context.Background(), "abcd", hashed, "x")
	assert.ErrorIs(t, err, ErrUnauthorized)

	info, err := codes.SetCode(context.Background(), "abcd", testAdminCode, "x")
	require.NoError(t, err)
	assert.Equal(t, int64(1), info.Version)
}

func TestRestoreKeepsActiveNotice(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)

	_, err := f.notices.PublishSeverity(ctx, "red", "alice")
	require.NoError(t, err)

	// 模拟重启：同一存储、同一频道，新的服务实例
	restarted, err := NewNoticeService(f.store, f.messenger, &Config{AdminCode: testAdminCode, Timezone: "UTC"}, logger.NewNoop())
	require.NoError(t, err)
	require.NoError(t, restarted.Restore(ctx))

	res, err := restarted.PublishSeverity(ctx, "orange", "bob")
	require.NoError(t, err)
	assert.True(t, res.WasEdit)
	assert.Equal(t, "999", res.MessageID)
	assert.Equal(t, 1, f.messenger.Count())
}

func TestRestoreLoadFailure(t *testing.T) {
	store := &failingStore{StateDAO: dao.NewMemory(dao.Options{}), failLoad: true}
	f := newFixture(t, store)

	err := f.notices.Restore(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrPersistence))
}

// cancelingMessenger 远端调用成功后立即取消请求上下文，模拟客户端断开
type cancelingMessenger struct {
	*fakeMessenger
	cancel context.CancelFunc
}

func (m *cancelingMessenger) Create(ctx context.Context, n *notify.Notice) (string, error) {
	id, err := m.fakeMessenger.Create(ctx, n)
	m.cancel()
	return id, err
}

func (m *cancelingMessenger) Edit(ctx context.Context, id string, n *notify.Notice) error {
	err := m.fakeMessenger.Edit(ctx, id, n)
	m.cancel()
	return err
}

func (m *cancelingMessenger) Delete(ctx context.Context, id string) error {
	err := m.fakeMessenger.Delete(ctx, id)
	m.cancel()
	return err
}

func TestClientDisconnectAfterRemoteSuccess(t *testing.T) {
	store := dao.NewMemory(dao.Options{})
	fake := newFakeMessenger(999)
	m := &cancelingMessenger{fakeMessenger: fake}
	notices, err := NewNoticeService(store, m, &Config{AdminCode: testAdminCode, Timezone: "UTC"}, logger.NewNoop())
	require.NoError(t, err)

	requestCtx := func() context.Context {
		ctx, cancel := context.WithCancel(context.Background())
		m.cancel = cancel
		return ctx
	}

	res, err := notices.PublishSeverity(requestCtx(), "green", "alice")
	require.NoError(t, err)
	assert.Equal(t, "999", res.MessageID)

	st, err := store.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "999", st.ActiveMessageID)

	res, err = notices.PublishSeverity(requestCtx(), "red", "bob")
	require.NoError(t, err)
	assert.True(t, res.WasEdit)
	assert.Equal(t, 1, fake.Count())

	cleared, err := notices.ClearActiveSeverity(requestCtx())
	require.NoError(t, err)
	assert.Equal(t, ClearDeleted, cleared.Status)

	st, err = store.Load(context.Background())
	require.NoError(t, err)
	assert.False(t, st.HasActiveNotice())
	assert.Empty(t, st.ActiveMessageID)
	assert.Equal(t, 0, fake.Count())
}
