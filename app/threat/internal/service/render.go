package service

import (
	"time"

	"github.com/lk2023060901/threatrelay/app/threat/internal/model"
	"github.com/lk2023060901/threatrelay/pkg/notify"
)

const (
	fieldAuthor     = "Autor zmiany"
	fieldTime       = "Czas"
	fieldAnnotation = "⚠️ Dopisek"

	displayTimeLayout = "02.01.2006, 15:04:05"
)

// renderer 根据等级模板生成卡片
type renderer struct {
	footer string
	loc    *time.Location
}

func newRenderer(footer string, loc *time.Location) *renderer {
	if loc == nil {
		loc = time.UTC
	}
	return &renderer{footer: footer, loc: loc}
}

func (r *renderer) render(ct model.CodeType, officer string, now time.Time) *notify.Notice {
	tmpl, _ := model.Template(ct)

	n := &notify.Notice{
		Title:       tmpl.Title(),
		Description: tmpl.Description,
		Color:       tmpl.Color,
		Footer:      r.footer,
		Timestamp:   now.UTC(),
	}
	n.AddField(fieldAuthor, officer, true).
		AddField(fieldTime, now.In(r.loc).Format(displayTimeLayout), true)
	for _, line := range tmpl.Annotations {
		n.AddField(fieldAnnotation, line, false)
	}
	return n
}
