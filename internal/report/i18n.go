package report

import (
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"strings"

	"example.com/ventlog/internal/devlog"
)

// Language is a locale code with a file under locales/.
type Language string

const (
	LangEnglish Language = "en"
	LangTurkish Language = "tr"
)

var ErrUnsupportedLanguage = errors.New("report: unsupported language")

//go:embed locales/*.json
var localeFS embed.FS

// locales is filled once at init and read-only afterwards.
var locales = mustLoadLocales()

var languageAliases = map[string]Language{
	"":        LangEnglish,
	"en-us":   LangEnglish,
	"en-gb":   LangEnglish,
	"english": LangEnglish,
	"tr-tr":   LangTurkish,
	"turkish": LangTurkish,
	"türkçe":  LangTurkish,
	"turkce":  LangTurkish,
}

func mustLoadLocales() map[Language]map[string]string {
	entries, err := localeFS.ReadDir("locales")
	if err != nil {
		panic(fmt.Sprintf("report: list locales: %v", err))
	}
	out := make(map[Language]map[string]string, len(entries))
	for _, e := range entries {
		name := e.Name()
		data, err := localeFS.ReadFile(path.Join("locales", name))
		if err != nil {
			panic(fmt.Sprintf("report: load locale %s: %v", name, err))
		}
		var parsed map[string]string
		if err := json.Unmarshal(data, &parsed); err != nil {
			panic(fmt.Sprintf("report: parse locale %s: %v", name, err))
		}
		out[Language(strings.TrimSuffix(name, path.Ext(name)))] = parsed
	}
	if _, ok := out[LangEnglish]; !ok {
		panic("report: english locale missing")
	}
	return out
}

// Translator looks keys up in one locale, then in English, then returns the
// key itself.
type Translator struct {
	lang Language
	data map[string]string
}

func NewTranslator(lang Language) Translator {
	data, ok := locales[lang]
	if !ok {
		lang = LangEnglish
		data = locales[LangEnglish]
	}
	return Translator{lang: lang, data: data}
}

func (t Translator) T(key string) string {
	if val, ok := t.data[key]; ok {
		return val
	}
	if val, ok := locales[LangEnglish][key]; ok {
		return val
	}
	return key
}

// EventLabel names an interpreted event tag such as "therapy-start".
func (t Translator) EventLabel(event string) string {
	if event == "" {
		return ""
	}
	return t.T("event_" + event)
}

func (t Translator) SourceLabel(typ devlog.RecordType) string {
	return t.T("source_" + string(typ))
}

func (t Translator) IntegrityLabel(v devlog.Integrity) string {
	switch v {
	case devlog.IntegrityPass:
		return t.T("pass")
	case devlog.IntegrityFail:
		return t.T("fail")
	default:
		return t.T("na")
	}
}

// ParseLanguage accepts a locale code or a common alias.
func ParseLanguage(lang string) (Language, error) {
	key := strings.ToLower(strings.TrimSpace(lang))
	if l, ok := languageAliases[key]; ok {
		return l, nil
	}
	if _, ok := locales[Language(key)]; ok {
		return Language(key), nil
	}
	return LangEnglish, fmt.Errorf("%w: %s", ErrUnsupportedLanguage, lang)
}
