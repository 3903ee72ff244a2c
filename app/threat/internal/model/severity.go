package model

import "fmt"

// CodeType 威胁等级
type CodeType string

const (
	CodeGreen  CodeType = "green"
	CodeOrange CodeType = "orange"
	CodeRed    CodeType = "red"
	CodeBlack  CodeType = "black"
)

// ParseCodeType 解析威胁等级，大小写敏感
func ParseCodeType(s string) (CodeType, error) {
	ct := CodeType(s)
	if !ct.Valid() {
		return "", fmt.Errorf("unknown code type %q", s)
	}
	return ct, nil
}

// Valid 是否为已知等级
func (c CodeType) Valid() bool {
	_, ok := severityTemplates[c]
	return ok
}

func (c CodeType) String() string {
	return string(c)
}

// SeverityTemplate 通报模板
type SeverityTemplate struct {
	Name        string
	Color       int
	Emoji       string
	Description string
	Annotations []string
}

// Title 卡片标题
func (t SeverityTemplate) Title() string {
	return t.Emoji + " " + t.Name
}

var severityTemplates = map[CodeType]SeverityTemplate{
	CodeGreen: {
		Name:        "KOD ZIELONY",
		Color:       0x22c55e,
		Emoji:       "🟢",
		Description: "Sytuacja stabilna w mieście, standardowy pościg bez podwyższonego ryzyka lub brak zagrożenia terrorystycznego w mieście.",
	},
	CodeOrange: {
		Name:        "KOD POMARAŃCZOWY",
		Color:       0xf97316,
		Emoji:       "🟠",
		Description: "Zwiększone ryzyko w mieście. Podczas pościgu oznacza autoryzację do wykonywania manewrów PIT (spychani, taranowanie) poza miastem. Może oznaczać zwiększenie liczebności rabunków bądź większego zagrożenia.",
	},
	CodeRed: {
		Name:        "KOD CZERWONY",
		Color:       0xef4444,
		Emoji:       "🔴",
		Description: "Wysokie zagrożenie. Autoryzacja do zniszczenia opon pojazdu (strzały w opony). W mieście oznacza zwiększone zagrożenie terrorystyczne (np: Porwanie Policjanta).",
		Annotations: []string{"Jednostki Policji Mogą Posiadać Broń Maszynową Krótką (np: MP7)."},
	},
	CodeBlack: {
		Name:        "KOD CZARNY",
		Color:       0x1f2937,
		Emoji:       "⚫",
		Description: "Ekstremalne zagrożenie. Autoryzacja na użycie broni palnej w kierunku napastników. W mieście oznacza duże prawdopodobieństwo lub trwający atak terrorystyczny (np: Porwanie wielu obywateli bądź osób publicznych).",
		Annotations: []string{"Jednostki Policji Mają autoryzację strzelać z broni palnej do napastników gdy jest zagrożenie życia."},
	},
}

// Template 获取等级对应的模板
func Template(c CodeType) (SeverityTemplate, bool) {
	t, ok := severityTemplates[c]
	return t, ok
}

// CodeTypes 按严重程度升序
func CodeTypes() []CodeType {
	return []CodeType{CodeGreen, CodeOrange, CodeRed, CodeBlack}
}

// Level 严重程度 1-4，未知等级为 0
func (c CodeType) Level() int {
	for i, ct := range CodeTypes() {
		if ct == c {
			return i + 1
		}
	}
	return 0
}
