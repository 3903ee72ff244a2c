package notify

import "time"

// Notice 统一的卡片消息结构（平台无关）
type Notice struct {
	Title       string
	Description string
	Color       int // 0xRRGGBB

	Fields []Field

	Footer    string
	Timestamp time.Time
}

// Field 卡片字段
type Field struct {
	Name   string
	Value  string
	Inline bool
}

// AddField 追加字段
func (n *Notice) AddField(name, value string, inline bool) *Notice {
	n.Fields = append(n.Fields, Field{Name: name, Value: value, Inline: inline})
	return n
}
