package lang

import (
	"fmt"

	"github.com/nicksnyder/go-i18n/v2/i18n"
	"golang.org/x/text/language"
)

// Catalog renders messages in the locale a request asks for.
//
// The base language (English) holds En and Chinese holds Zh, both
// overlaid with the overrides given to NewCatalog: a step's own message
// wins in every locale. Ids missing in a locale fall back to English.
type Catalog struct {
	bundle *i18n.Bundle
	base   language.Tag
}

// NewCatalog builds a catalog from the built-in packs and overrides.
func NewCatalog(overrides Pack) (*Catalog, error) {
	bundle := i18n.NewBundle(language.English)
	if err := addPack(bundle, language.English, Merge(En, overrides)); err != nil {
		return nil, err
	}
	if err := addPack(bundle, language.Chinese, Merge(Zh, overrides)); err != nil {
		return nil, err
	}
	return &Catalog{bundle: bundle, base: language.English}, nil
}

func addPack(bundle *i18n.Bundle, tag language.Tag, p Pack) error {
	msgs := make([]*i18n.Message, 0, len(p))
	for id, text := range p {
		msgs = append(msgs, &i18n.Message{ID: id, Other: text})
	}
	if err := bundle.AddMessages(tag, msgs...); err != nil {
		return fmt.Errorf("lang: add %s messages: %w", tag, err)
	}
	return nil
}

// Text renders message id for locale, which may be an Accept-Language
// header value. Unknown ids render as the id itself.
func (c *Catalog) Text(locale, id string, data map[string]any) string {
	loc := i18n.NewLocalizer(c.bundle, locale, c.base.String())
	s, err := loc.Localize(&i18n.LocalizeConfig{
		MessageID:    id,
		TemplateData: data,
	})
	if err != nil || s == "" {
		return id
	}
	return s
}
