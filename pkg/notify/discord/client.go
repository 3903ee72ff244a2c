package discord

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lk2023060901/threatrelay/pkg/config"
	"github.com/lk2023060901/threatrelay/pkg/logger"
	"github.com/lk2023060901/threatrelay/pkg/notify"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var _ notify.Messenger = (*Client)(nil)

// Client Discord 频道消息客户端（实现 notify.Messenger 接口）
type Client struct {
	config  *Config
	session *discordgo.Session
	tracer  trace.Tracer
	logger  logger.Logger
}

// Option 客户端选项
type Option func(*Client)

// WithHTTPClient 替换底层 HTTP 客户端，超时以 Config.Timeout 为准
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.session.Client = hc
	}
}

// NewClient 创建 Discord 客户端
func NewClient(cfg *Config, l logger.Logger, opts ...Option) (*Client, error) {
	newCfg, err := config.MergeConfig(DefaultConfig(), cfg)
	if err != nil {
		return nil, err
	}
	if err := newCfg.Validate(); err != nil {
		return nil, err
	}
	if l == nil {
		l = logger.NewNoop()
	}

	session, err := discordgo.New("Bot " + newCfg.BotToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create discord session: %w", err)
	}
	session.Client = &http.Client{Timeout: newCfg.Timeout}
	session.MaxRestRetries = newCfg.MaxRetries

	c := &Client{
		config:  newCfg,
		session: session,
		tracer:  otel.Tracer("notify.discord"),
		logger:  l.Named("notify.discord"),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.session.Client.Timeout = newCfg.Timeout

	return c, nil
}

// Name 实现 notify.Messenger 接口
func (c *Client) Name() string {
	return "discord"
}

// ChannelID 返回目标频道
func (c *Client) ChannelID() string {
	return c.config.ChannelID
}

// Create 实现 notify.Messenger 接口
func (c *Client) Create(ctx context.Context, notice *notify.Notice) (string, error) {
	ctx, end := c.begin(ctx, "create", "")
	msg, err := c.session.ChannelMessageSendComplex(c.config.ChannelID, &discordgo.MessageSend{
		Embeds: []*discordgo.MessageEmbed{toEmbed(notice)},
	}, discordgo.WithContext(ctx))
	if err != nil {
		err = translateError(err)
		end(err)
		return "", err
	}
	end(nil)

	c.logger.DebugContext(ctx, "message created", "message_id", msg.ID)
	return msg.ID, nil
}

// Edit 实现 notify.Messenger 接口
func (c *Client) Edit(ctx context.Context, messageID string, notice *notify.Notice) error {
	ctx, end := c.begin(ctx, "edit", messageID)
	edit := discordgo.NewMessageEdit(c.config.ChannelID, messageID).
		SetEmbeds([]*discordgo.MessageEmbed{toEmbed(notice)})
	_, err := c.session.ChannelMessageEditComplex(edit, discordgo.WithContext(ctx))
	err = translateError(err)
	end(err)
	return err
}

// Delete 实现 notify.Messenger 接口
func (c *Client) Delete(ctx context.Context, messageID string) error {
	ctx, end := c.begin(ctx, "delete", messageID)
	err := translateError(c.session.ChannelMessageDelete(c.config.ChannelID, messageID, discordgo.WithContext(ctx)))
	end(err)
	return err
}

// begin 为一次 REST 调用附加超时与 span，返回的 end 负责收尾
func (c *Client) begin(ctx context.Context, op, messageID string) (context.Context, func(error)) {
	ctx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	ctx, span := c.tracer.Start(ctx, "discord."+op,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("discord.channel_id", c.config.ChannelID),
			attribute.String("discord.message_id", messageID),
		),
	)

	return ctx, func(err error) {
		if err != nil && !notify.IsNotFound(err) {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
		cancel()
	}
}

// translateError 把 discordgo 的错误映射为 notify 包的错误
func translateError(err error) error {
	if err == nil {
		return nil
	}

	var restErr *discordgo.RESTError
	if errors.As(err, &restErr) && restErr.Response != nil {
		if restErr.Response.StatusCode == http.StatusNotFound {
			return fmt.Errorf("%w: %s", notify.ErrMessageNotFound, restErr.ResponseBody)
		}
		return &notify.APIError{
			StatusCode: restErr.Response.StatusCode,
			Body:       string(restErr.ResponseBody),
		}
	}

	return fmt.Errorf("%w: %v", notify.ErrRequestFailed, err)
}

// toEmbed 把 Notice 转换为 Discord embed
func toEmbed(notice *notify.Notice) *discordgo.MessageEmbed {
	embed := &discordgo.MessageEmbed{
		Title:       notice.Title,
		Description: notice.Description,
		Color:       notice.Color,
		Fields:      make([]*discordgo.MessageEmbedField, 0, len(notice.Fields)),
	}
	for _, f := range notice.Fields {
		embed.Fields = append(embed.Fields, &discordgo.MessageEmbedField{
			Name:   f.Name,
			Value:  f.Value,
			Inline: f.Inline,
		})
	}
	if notice.Footer != "" {
		embed.Footer = &discordgo.MessageEmbedFooter{Text: notice.Footer}
	}
	if !notice.Timestamp.IsZero() {
		embed.Timestamp = notice.Timestamp.UTC().Format(time.RFC3339)
	}
	return embed
}
