package model

import (
	"errors"
	"strings"
	"time"
)

const (
	// MinAccessCodeLength 访问码最短长度
	MinAccessCodeLength = 4

	// DefaultChangedBy 初始记录的修改人
	DefaultChangedBy = "system"

	// DefaultAccessCode 未配置时的初始访问码
	DefaultAccessCode = "CHILLRP"
)

var (
	ErrEmptyPatch         = errors.New("state patch is empty")
	ErrConflictingPatch   = errors.New("state patch both sets and clears the active notice")
	ErrIncompleteActive   = errors.New("active message id and code type must be set together")
	ErrAccessCodeTooShort = errors.New("access code is too short")
)

// ServerState 部署内唯一的一条状态记录
// ActiveMessageID 与 ActiveCodeType 同时存在或同时为空
type ServerState struct {
	AccessCode      string
	CodeVersion     int64
	ActiveMessageID string
	ActiveCodeType  CodeType
	LastChanged     time.Time
	ChangedBy       string
}

// NewServerState 初始记录
func NewServerState(accessCode string, now time.Time) *ServerState {
	return &ServerState{
		AccessCode:  NormalizeAccessCode(accessCode),
		LastChanged: now,
		ChangedBy:   DefaultChangedBy,
	}
}

// HasActiveNotice 是否有正在展示的通报
func (s *ServerState) HasActiveNotice() bool {
	return s.ActiveMessageID != ""
}

// Clone 返回副本，调用方修改不影响存储
func (s *ServerState) Clone() *ServerState {
	if s == nil {
		return nil
	}
	c := *s
	return &c
}

// Apply 将 patch 应用到当前记录并刷新 LastChanged
func (s *ServerState) Apply(p *StatePatch, now time.Time) {
	if p.AccessCode != nil {
		s.AccessCode = *p.AccessCode
	}
	if p.BumpVersion {
		s.CodeVersion++
	}
	if p.ClearActive {
		s.ActiveMessageID = ""
		s.ActiveCodeType = ""
	}
	if p.ActiveMessageID != nil {
		s.ActiveMessageID = *p.ActiveMessageID
	}
	if p.ActiveCodeType != nil {
		s.ActiveCodeType = *p.ActiveCodeType
	}
	if p.ChangedBy != nil {
		s.ChangedBy = *p.ChangedBy
	}
	s.LastChanged = now
}

// StatePatch 一次写入要修改的字段，nil 表示不修改
type StatePatch struct {
	AccessCode      *string
	ActiveMessageID *string
	ActiveCodeType  *CodeType
	ChangedBy       *string

	// BumpVersion 在同一次写入内 codeVersion + 1
	BumpVersion bool
	// ClearActive 删除两个 active 字段
	ClearActive bool
}

// Validate 检查 patch 是否会破坏记录的不变量
func (p *StatePatch) Validate() error {
	if p == nil {
		return ErrEmptyPatch
	}
	if p.AccessCode == nil && p.ActiveMessageID == nil && p.ActiveCodeType == nil &&
		p.ChangedBy == nil && !p.BumpVersion && !p.ClearActive {
		return ErrEmptyPatch
	}
	if (p.ActiveMessageID == nil) != (p.ActiveCodeType == nil) {
		return ErrIncompleteActive
	}
	if p.ClearActive && p.ActiveMessageID != nil {
		return ErrConflictingPatch
	}
	if p.ActiveMessageID != nil && (*p.ActiveMessageID == "" || !p.ActiveCodeType.Valid()) {
		return ErrIncompleteActive
	}
	if p.AccessCode != nil && len([]rune(*p.AccessCode)) < MinAccessCodeLength {
		return ErrAccessCodeTooShort
	}
	return nil
}

// NormalizeAccessCode 去除首尾空白并转为大写
func NormalizeAccessCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}
