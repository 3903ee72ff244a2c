package service

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/lk2023060901/threatrelay/app/threat/internal/dao"
	"github.com/lk2023060901/threatrelay/app/threat/internal/model"
	"github.com/lk2023060901/threatrelay/pkg/config"
	"github.com/lk2023060901/threatrelay/pkg/crypto"
	"github.com/lk2023060901/threatrelay/pkg/logger"
)

// 访问码修改结果，用于指标
const (
	codeAccepted     = "accepted"
	codeUnauthorized = "unauthorized"
	codeInvalid      = "invalid"
	codeFailed       = "failed"
)

// CodeInfo 访问码及其版本
type CodeInfo struct {
	AccessCode  string
	Version     int64
	LastChanged time.Time
	ChangedBy   string
}

// CodeService 管理共享访问码，修改需要管理员口令
type CodeService struct {
	mu     sync.Mutex
	store  dao.StateDAO
	admin  *crypto.Secret
	cfg    *Config
	opts   options
	logger logger.Logger
}

// NewCodeService 创建访问码服务
func NewCodeService(store dao.StateDAO, cfg *Config, l logger.Logger, opts ...Option) (*CodeService, error) {
	newCfg, err := config.MergeConfig(DefaultConfig(), cfg)
	if err != nil {
		return nil, err
	}
	if newCfg.AdminCode == "" {
		return nil, errors.New("admin code is not configured")
	}
	return &CodeService{
		store:  store,
		admin:  crypto.NewSecret(newCfg.AdminCode),
		cfg:    newCfg,
		opts:   newOptions(opts),
		logger: l.Named("service.code"),
	}, nil
}

// GetCode 读取当前访问码，无需授权
func (s *CodeService) GetCode(ctx context.Context) (*CodeInfo, error) {
	st, err := s.store.Load(ctx)
	if err != nil {
		return nil, persistenceError(err, "load state")
	}
	return toCodeInfo(st), nil
}

// SetCode 校验管理员口令后修改访问码，版本号加一
func (s *CodeService) SetCode(ctx context.Context, newCode, adminCode, changedBy string) (*CodeInfo, error) {
	if !s.authorized(adminCode) {
		s.opts.metrics.RecordCodeChange(codeUnauthorized)
		s.logger.WarnContext(ctx, "rejected code change with wrong admin code", "changed_by", changedBy)
		return nil, ErrUnauthorized
	}

	code := model.NormalizeAccessCode(newCode)
	if len([]rune(code)) < model.MinAccessCodeLength {
		s.opts.metrics.RecordCodeChange(codeInvalid)
		return nil, errors.Wrapf(ErrInvalidInput, "code must be at least %d characters", model.MinAccessCodeLength)
	}

	changedBy = strings.TrimSpace(changedBy)
	if changedBy == "" {
		changedBy = s.cfg.DefaultChangedBy
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	st, err := s.store.Update(ctx, &model.StatePatch{
		AccessCode:  &code,
		ChangedBy:   &changedBy,
		BumpVersion: true,
	})
	if err != nil {
		s.opts.metrics.RecordCodeChange(codeFailed)
		s.logger.ErrorContext(ctx, "failed to save access code", "error", err)
		s.opts.report(err, map[string]string{"op": "set_code"})
		return nil, persistenceError(err, "save access code")
	}

	s.opts.metrics.RecordCodeChange(codeAccepted)
	s.logger.InfoContext(ctx, "access code changed",
		"version", st.CodeVersion,
		"changed_by", st.ChangedBy,
	)
	return toCodeInfo(st), nil
}

func (s *CodeService) authorized(supplied string) bool {
	return s.admin.Verify(supplied)
}

func toCodeInfo(st *model.ServerState) *CodeInfo {
	return &CodeInfo{
		AccessCode:  st.AccessCode,
		Version:     st.CodeVersion,
		LastChanged: st.LastChanged,
		ChangedBy:   st.ChangedBy,
	}
}
