package notify

import "context"

// Messenger 频道消息通道（核心抽象）
// 只面向一个固定频道，消息以平台返回的 ID 标识
type Messenger interface {
	// Create 发送新消息并返回消息 ID
	Create(ctx context.Context, notice *Notice) (string, error)

	// Edit 原地更新已有消息，消息不存在时返回 ErrMessageNotFound
	Edit(ctx context.Context, messageID string, notice *Notice) error

	// Delete 删除消息，消息不存在时返回 ErrMessageNotFound
	Delete(ctx context.Context, messageID string) error

	// Name 返回通道名称（用于日志和指标）
	Name() string
}
