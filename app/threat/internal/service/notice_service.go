package service

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/lk2023060901/threatrelay/app/threat/internal/dao"
	"github.com/lk2023060901/threatrelay/app/threat/internal/metrics"
	"github.com/lk2023060901/threatrelay/app/threat/internal/model"
	"github.com/lk2023060901/threatrelay/pkg/config"
	"github.com/lk2023060901/threatrelay/pkg/logger"
	"github.com/lk2023060901/threatrelay/pkg/notify"
)

// ClearStatus ClearActiveSeverity 的结果
type ClearStatus string

const (
	ClearNothing     ClearStatus = "nothing_to_clear"
	ClearDeleted     ClearStatus = "deleted"
	ClearAlreadyGone ClearStatus = "already_gone"
)

// 远端操作
const (
	opCreate = "create"
	opEdit   = "edit"
	opDelete = "delete"
)

// PublishResult 发布结果
type PublishResult struct {
	MessageID string
	WasEdit   bool
	CodeType  model.CodeType
	Timestamp time.Time
}

// ClearResult 清除结果
type ClearResult struct {
	Status ClearStatus
}

// ActiveSeverity 当前通报，CodeType 为空表示没有
type ActiveSeverity struct {
	CodeType  model.CodeType
	MessageID string
	Since     time.Time
	ChangedBy string
}

// NoticeService 维护频道中唯一的一条威胁等级通报
// 同一时刻只处理一个请求，锁覆盖远端调用，避免并发发布产生两条通报
type NoticeService struct {
	mu        sync.Mutex
	store     dao.StateDAO
	messenger notify.Messenger
	renderer  *renderer
	cfg       *Config
	opts      options
	logger    logger.Logger
}

// NewNoticeService 创建通报服务
func NewNoticeService(store dao.StateDAO, messenger notify.Messenger, cfg *Config, l logger.Logger, opts ...Option) (*NoticeService, error) {
	newCfg, err := config.MergeConfig(DefaultConfig(), cfg)
	if err != nil {
		return nil, err
	}
	loc, err := time.LoadLocation(newCfg.Timezone)
	if err != nil {
		return nil, errors.Wrapf(err, "load timezone %q", newCfg.Timezone)
	}

	return &NoticeService{
		store:     store,
		messenger: messenger,
		renderer:  newRenderer(newCfg.Footer, loc),
		cfg:       newCfg,
		opts:      newOptions(opts),
		logger:    l.Named("service.notice"),
	}, nil
}

// Restore 启动时读取状态，初始化等级指标
func (s *NoticeService) Restore(ctx context.Context) error {
	st, err := s.store.Load(ctx)
	if err != nil {
		return persistenceError(err, "load state")
	}
	s.opts.metrics.SetActiveSeverity(st.ActiveCodeType.Level())
	if st.HasActiveNotice() {
		s.logger.Info("restored active notice",
			"message_id", st.ActiveMessageID,
			"code_type", st.ActiveCodeType,
			"changed_by", st.ChangedBy,
		)
	}
	return nil
}

// PublishSeverity 发布或更新通报
// 已有通报时编辑，远端已不存在则重新创建；其他编辑失败直接返回，不再创建新消息
func (s *NoticeService) PublishSeverity(ctx context.Context, codeType, officer string) (*PublishResult, error) {
	ct, err := model.ParseCodeType(codeType)
	if err != nil {
		return nil, errors.Mark(err, ErrInvalidInput)
	}
	officer = strings.TrimSpace(officer)
	if officer == "" {
		officer = s.cfg.DefaultOfficer
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	st, err := s.store.Load(ctx)
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to load state", "error", err)
		return nil, persistenceError(err, "load state")
	}

	now := s.opts.now()
	notice := s.renderer.render(ct, officer, now)

	var (
		messageID string
		wasEdit   bool
		path      string
	)
	switch {
	case st.HasActiveNotice():
		err = s.call(ctx, opEdit, st.ActiveMessageID, func(ctx context.Context) error {
			return s.messenger.Edit(ctx, st.ActiveMessageID, notice)
		})
		switch {
		case err == nil:
			messageID, wasEdit, path = st.ActiveMessageID, true, metrics.NoticeEdited
		case notify.IsNotFound(err):
			s.logger.WarnContext(ctx, "active notice vanished remotely, creating a new one",
				"message_id", st.ActiveMessageID,
			)
			if messageID, err = s.create(ctx, notice); err != nil {
				s.opts.metrics.RecordNotice(metrics.NoticeFailed)
				return nil, err
			}
			path = metrics.NoticeRecreated
		default:
			s.opts.metrics.RecordNotice(metrics.NoticeFailed)
			return nil, newRemoteError(opEdit, err)
		}
	default:
		if messageID, err = s.create(ctx, notice); err != nil {
			s.opts.metrics.RecordNotice(metrics.NoticeFailed)
			return nil, err
		}
		path = metrics.NoticeCreated
	}

	// 远端已生效，请求取消也要把结果写下来
	if _, err := s.store.Update(context.WithoutCancel(ctx), &model.StatePatch{
		ActiveMessageID: &messageID,
		ActiveCodeType:  &ct,
		ChangedBy:       &officer,
	}); err != nil {
		// 远端已经有这条消息，但本地没有记下来
		s.logger.ErrorContext(ctx, "failed to persist active notice",
			"message_id", messageID,
			"code_type", ct,
			"error", err,
		)
		s.opts.report(err, map[string]string{"op": "publish", "message_id": messageID})
		return nil, persistenceError(err, "save active notice")
	}

	s.opts.metrics.RecordNotice(path)
	s.opts.metrics.SetActiveSeverity(ct.Level())
	s.logger.InfoContext(ctx, "severity published",
		"code_type", ct,
		"message_id", messageID,
		"is_edit", wasEdit,
		"officer", officer,
	)

	return &PublishResult{
		MessageID: messageID,
		WasEdit:   wasEdit,
		CodeType:  ct,
		Timestamp: now,
	}, nil
}

func (s *NoticeService) create(ctx context.Context, notice *notify.Notice) (string, error) {
	var id string
	err := s.call(ctx, opCreate, "", func(ctx context.Context) error {
		var err error
		id, err = s.messenger.Create(ctx, notice)
		return err
	})
	if err != nil {
		return "", newRemoteError(opCreate, err)
	}
	return id, nil
}

// ClearActiveSeverity 删除当前通报
// 无论远端结果如何，本地都会清空，保证之后不会再编辑一条未知状态的消息
func (s *NoticeService) ClearActiveSeverity(ctx context.Context) (*ClearResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, err := s.store.Load(ctx)
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to load state", "error", err)
		return nil, persistenceError(err, "load state")
	}
	if !st.HasActiveNotice() {
		return &ClearResult{Status: ClearNothing}, nil
	}

	status := ClearDeleted
	deleteErr := s.call(ctx, opDelete, st.ActiveMessageID, func(ctx context.Context) error {
		return s.messenger.Delete(ctx, st.ActiveMessageID)
	})
	if notify.IsNotFound(deleteErr) {
		status, deleteErr = ClearAlreadyGone, nil
	}

	if _, err := s.store.Update(context.WithoutCancel(ctx), &model.StatePatch{ClearActive: true}); err != nil {
		s.logger.ErrorContext(ctx, "failed to clear active notice",
			"message_id", st.ActiveMessageID,
			"error", err,
		)
		s.opts.report(err, map[string]string{"op": "clear", "message_id": st.ActiveMessageID})
		if deleteErr != nil {
			return nil, newRemoteError(opDelete, deleteErr)
		}
		return nil, persistenceError(err, "clear active notice")
	}

	s.opts.metrics.SetActiveSeverity(0)
	if deleteErr != nil {
		s.opts.metrics.RecordNotice(metrics.NoticeFailed)
		return nil, newRemoteError(opDelete, deleteErr)
	}

	s.opts.metrics.RecordNotice(metrics.NoticeCleared)
	s.logger.InfoContext(ctx, "active notice cleared",
		"message_id", st.ActiveMessageID,
		"status", status,
	)
	return &ClearResult{Status: status}, nil
}

// GetActiveSeverity 返回最后记录的通报，不访问远端
func (s *NoticeService) GetActiveSeverity(ctx context.Context) (*ActiveSeverity, error) {
	st, err := s.store.Load(ctx)
	if err != nil {
		return nil, persistenceError(err, "load state")
	}
	return &ActiveSeverity{
		CodeType:  st.ActiveCodeType,
		MessageID: st.ActiveMessageID,
		Since:     st.LastChanged,
		ChangedBy: st.ChangedBy,
	}, nil
}

// call 执行一次远端调用并记录指标与日志
func (s *NoticeService) call(ctx context.Context, op, messageID string, fn func(context.Context) error) error {
	start := time.Now()
	err := fn(ctx)
	notFound := notify.IsNotFound(err)
	s.opts.metrics.RecordRemoteCall(op, err, notFound, time.Since(start))

	switch {
	case err == nil:
		s.logger.DebugContext(ctx, "remote call succeeded", "op", op, "message_id", messageID)
	case notFound:
		s.logger.InfoContext(ctx, "remote message not found", "op", op, "message_id", messageID)
	default:
		s.logger.ErrorContext(ctx, "remote call failed", "op", op, "message_id", messageID, "error", err)
		s.opts.report(err, map[string]string{"op": op, "messenger": s.messenger.Name()})
	}
	return err
}
