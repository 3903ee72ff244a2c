package handler

import (
	"net/http"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/gin-gonic/gin"
	"github.com/lk2023060901/threatrelay/app/threat/internal/service"
	"github.com/lk2023060901/threatrelay/pkg/logger"
	"github.com/lk2023060901/threatrelay/pkg/web"
	weberrors "github.com/lk2023060901/threatrelay/pkg/web/errors"
)

// ThreatHandler 面板使用的 HTTP 接口
type ThreatHandler struct {
	notices *service.NoticeService
	codes   *service.CodeService
	logger  logger.Logger
}

// NewThreatHandler 创建处理器
func NewThreatHandler(notices *service.NoticeService, codes *service.CodeService, l logger.Logger) *ThreatHandler {
	return &ThreatHandler{
		notices: notices,
		codes:   codes,
		logger:  l.Named("handler.threat"),
	}
}

// Register 注册路由
func (h *ThreatHandler) Register(r gin.IRouter) {
	r.GET("/", h.Root)
	r.GET("/status", h.Status)
	r.GET("/health", h.Health)

	r.POST("/send-threat", h.SendThreat)
	r.DELETE("/delete-active", h.DeleteActive)

	api := r.Group("/api")
	{
		api.GET("/code", h.GetCode)
		api.POST("/code", h.SetCode)
		api.GET("/threat", h.GetThreat)
	}
}

// SendThreatRequest 发布通报请求
type SendThreatRequest struct {
	CodeType string `json:"codeType" binding:"required"`
	Officer  string `json:"officer"`
}

// SendThreatResponse 发布通报响应
type SendThreatResponse struct {
	Success   bool   `json:"success"`
	MessageID string `json:"messageId"`
	IsEdit    bool   `json:"isEdit"`
	CodeType  string `json:"codeType"`
	Timestamp string `json:"timestamp"`
}

// SendThreat 发布或更新通报
// @Router /send-threat [post]
func (h *ThreatHandler) SendThreat(c *gin.Context) {
	var req SendThreatRequest
	if !web.BindJSON(c, &req) {
		return
	}

	res, err := h.notices.PublishSeverity(c.Request.Context(), req.CodeType, req.Officer)
	if err != nil {
		h.writeError(c, "send threat", err)
		return
	}

	web.OK(c, SendThreatResponse{
		Success:   true,
		MessageID: res.MessageID,
		IsEdit:    res.WasEdit,
		CodeType:  res.CodeType.String(),
		Timestamp: res.Timestamp.UTC().Format(time.RFC3339),
	})
}

// DeleteActiveResponse 清除通报响应
type DeleteActiveResponse struct {
	Success bool   `json:"success"`
	Status  string `json:"status"`
	Message string `json:"message"`
}

var clearMessages = map[service.ClearStatus]string{
	service.ClearNothing:     "Brak aktywnej wiadomości",
	service.ClearDeleted:     "Usunięto wiadomość",
	service.ClearAlreadyGone: "Wiadomość już nie istniała",
}

// DeleteActive 删除当前通报
// @Router /delete-active [delete]
func (h *ThreatHandler) DeleteActive(c *gin.Context) {
	res, err := h.notices.ClearActiveSeverity(c.Request.Context())
	if err != nil {
		h.writeError(c, "delete active", err)
		return
	}
	web.OK(c, DeleteActiveResponse{
		Success: true,
		Status:  string(res.Status),
		Message: clearMessages[res.Status],
	})
}

// ThreatResponse 当前通报，无通报时 codeType/messageId 为 null
type ThreatResponse struct {
	CodeType  *string `json:"codeType"`
	MessageID *string `json:"messageId"`
	Since     string  `json:"since"`
	ChangedBy string  `json:"changedBy"`
}

// GetThreat 查询当前通报
// @Router /api/threat [get]
func (h *ThreatHandler) GetThreat(c *gin.Context) {
	active, err := h.notices.GetActiveSeverity(c.Request.Context())
	if err != nil {
		h.writeError(c, "get threat", err)
		return
	}
	codeType, messageID := activeFields(active)
	web.OK(c, ThreatResponse{
		CodeType:  codeType,
		MessageID: messageID,
		Since:     active.Since.UTC().Format(time.RFC3339),
		ChangedBy: active.ChangedBy,
	})
}

// Root 存活与当前通报
func (h *ThreatHandler) Root(c *gin.Context) {
	active, err := h.notices.GetActiveSeverity(c.Request.Context())
	if err != nil {
		h.writeError(c, "root", err)
		return
	}
	codeType, messageID := activeFields(active)
	web.OK(c, gin.H{
		"status":          "OK",
		"activeMessageId": messageID,
		"activeCodeType":  codeType,
	})
}

// Status 当前通报概要
func (h *ThreatHandler) Status(c *gin.Context) {
	active, err := h.notices.GetActiveSeverity(c.Request.Context())
	if err != nil {
		h.writeError(c, "status", err)
		return
	}
	codeType, messageID := activeFields(active)
	web.OK(c, gin.H{
		"activeMessageId":  messageID,
		"activeCodeType":   codeType,
		"hasActiveMessage": messageID != nil,
	})
}

// Health 健康检查
func (h *ThreatHandler) Health(c *gin.Context) {
	web.OK(c, gin.H{"status": "ok"})
}

// CodeResponse 访问码
type CodeResponse struct {
	AccessCode  string `json:"accessCode"`
	Version     int64  `json:"version"`
	LastChanged string `json:"lastChanged"`
	ChangedBy   string `json:"changedBy"`
}

// GetCode 查询访问码
// @Router /api/code [get]
func (h *ThreatHandler) GetCode(c *gin.Context) {
	info, err := h.codes.GetCode(c.Request.Context())
	if err != nil {
		h.writeError(c, "get code", err)
		return
	}
	web.OK(c, CodeResponse{
		AccessCode:  info.AccessCode,
		Version:     info.Version,
		LastChanged: info.LastChanged.UTC().Format(time.RFC3339),
		ChangedBy:   info.ChangedBy,
	})
}

// SetCodeRequest 修改访问码请求
type SetCodeRequest struct {
	NewCode   string `json:"newCode"`
	AdminCode string `json:"adminCode"`
	ChangedBy string `json:"changedBy"`
}

// SetCodeResponse 修改访问码响应
type SetCodeResponse struct {
	Success    bool   `json:"success"`
	AccessCode string `json:"accessCode"`
	Version    int64  `json:"version"`
}

// SetCode 修改访问码
// @Router /api/code [post]
func (h *ThreatHandler) SetCode(c *gin.Context) {
	var req SetCodeRequest
	if !web.BindJSON(c, &req) {
		return
	}

	info, err := h.codes.SetCode(c.Request.Context(), req.NewCode, req.AdminCode, req.ChangedBy)
	if err != nil {
		h.writeError(c, "set code", err)
		return
	}
	web.OK(c, SetCodeResponse{
		Success:    true,
		AccessCode: info.AccessCode,
		Version:    info.Version,
	})
}

func activeFields(a *service.ActiveSeverity) (codeType, messageID *string) {
	if a.MessageID == "" {
		return nil, nil
	}
	ct := a.CodeType.String()
	id := a.MessageID
	return &ct, &id
}

// writeError 将业务错误映射为 HTTP 状态码
func (h *ThreatHandler) writeError(c *gin.Context, op string, err error) {
	var remote *service.RemoteAPIError
	switch {
	case errors.Is(err, service.ErrInvalidInput):
		web.Error(c, http.StatusBadRequest, err.Error())
	case errors.Is(err, service.ErrUnauthorized):
		web.Error(c, http.StatusForbidden, "Nieprawidłowy kod administratora")
	case errors.As(err, &remote):
		msg := "Discord API: " + remote.Body
		if remote.StatusCode == 0 {
			msg = "Discord API: " + remote.Error()
		}
		web.Error(c, weberrors.StatusFromUpstream(remote.StatusCode), msg)
	default:
		h.logger.ErrorContext(c.Request.Context(), "request failed", "op", op, "error", err)
		web.Error(c, http.StatusInternalServerError, "internal error")
	}
}
