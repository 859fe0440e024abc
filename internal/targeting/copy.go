package targeting

import (
	"bytes"
	"sort"
	"strings"

	"github.com/microcosm-cc/bluemonday"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/renderer/html"
	"golang.org/x/text/language"

	"github.com/hanko-field/popups/internal/popup"
)

// RenderedCopy is popup copy ready for display. Body fields are sanitised HTML.
type RenderedCopy struct {
	Lang            string `json:"lang"`
	Title           string `json:"title,omitempty"`
	BodyHTML        string `json:"bodyHtml,omitempty"`
	ButtonLabel     string `json:"buttonLabel,omitempty"`
	SuccessTitle    string `json:"successTitle,omitempty"`
	SuccessBodyHTML string `json:"successBodyHtml,omitempty"`
}

// Localizer selects and renders the copy of a popup for a visitor's languages.
type Localizer struct {
	fallback language.Tag
	markdown goldmark.Markdown
	policy   *bluemonday.Policy
}

// NewLocalizer uses the first of locales as the fallback language.
func NewLocalizer(locales []string) *Localizer {
	fallback := language.Japanese
	for _, l := range locales {
		if tag, err := language.Parse(strings.TrimSpace(l)); err == nil {
			fallback = tag
			break
		}
	}
	return &Localizer{
		fallback: fallback,
		markdown: goldmark.New(
			goldmark.WithExtensions(extension.Linkify, extension.Strikethrough),
			goldmark.WithRendererOptions(html.WithHardWraps()),
		),
		policy: newCopyPolicy(),
	}
}

func newCopyPolicy() *bluemonday.Policy {
	policy := bluemonday.UGCPolicy()
	policy.AllowAttrs("class").OnElements("p", "span")
	policy.RequireNoFollowOnLinks(true)
	policy.AddTargetBlankToFullyQualifiedLinks(true)
	return policy
}

// Pick chooses the copy best matching acceptLanguage. It returns false when copies is empty.
func (l *Localizer) Pick(copies map[string]popup.Copy, acceptLanguage string) (string, popup.Copy, bool) {
	if len(copies) == 0 {
		return "", popup.Copy{}, false
	}
	keys := make([]string, 0, len(copies))
	tags := make([]language.Tag, 0, len(copies))
	fallbackIdx := -1
	for key := range copies {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for i, key := range keys {
		tag, err := language.Parse(key)
		if err != nil {
			tags = append(tags, language.Und)
			continue
		}
		if base, _ := tag.Base(); fallbackIdx < 0 && sameBase(base, l.fallback) {
			fallbackIdx = i
		}
		tags = append(tags, tag)
	}
	if fallbackIdx > 0 {
		keys[0], keys[fallbackIdx] = keys[fallbackIdx], keys[0]
		tags[0], tags[fallbackIdx] = tags[fallbackIdx], tags[0]
	}

	prefs, _, err := language.ParseAcceptLanguage(acceptLanguage)
	if err != nil || len(prefs) == 0 {
		return keys[0], copies[keys[0]], true
	}
	_, idx, confidence := language.NewMatcher(tags).Match(prefs...)
	if confidence == language.No {
		idx = 0
	}
	return keys[idx], copies[keys[idx]], true
}

func sameBase(base language.Base, tag language.Tag) bool {
	other, _ := tag.Base()
	return base == other
}

// Render converts markdown bodies into sanitised HTML.
func (l *Localizer) Render(lang string, c popup.Copy) RenderedCopy {
	return RenderedCopy{
		Lang:            lang,
		Title:           strings.TrimSpace(c.Title),
		BodyHTML:        l.html(c.Body),
		ButtonLabel:     strings.TrimSpace(c.ButtonLabel),
		SuccessTitle:    strings.TrimSpace(c.SuccessTitle),
		SuccessBodyHTML: l.html(c.SuccessBody),
	}
}

// Localize picks and renders in one step.
func (l *Localizer) Localize(copies map[string]popup.Copy, acceptLanguage string) *RenderedCopy {
	lang, c, ok := l.Pick(copies, acceptLanguage)
	if !ok {
		return nil
	}
	rendered := l.Render(lang, c)
	return &rendered
}

func (l *Localizer) html(markdown string) string {
	trimmed := strings.TrimSpace(markdown)
	if trimmed == "" {
		return ""
	}
	var buf bytes.Buffer
	if err := l.markdown.Convert([]byte(trimmed), &buf); err != nil {
		return l.policy.Sanitize(trimmed)
	}
	return strings.TrimSpace(l.policy.Sanitize(buf.String()))
}
