// Package i18n holds the embedded UI translations and picks a locale for a
// client.
package i18n

import (
	"embed"
	"encoding/json"
	"fmt"
	"path"
	"sort"
	"strings"

	"golang.org/x/text/language"
)

//go:embed locales/*.json
var localeFS embed.FS

const DefaultLocale = "en-US"

// Catalog maps locale -> key -> text.
type Catalog struct {
	locales map[string]map[string]string
	names   []string
}

// Load parses every embedded locale file.
func Load() (*Catalog, error) {
	files, err := localeFS.ReadDir("locales")
	if err != nil {
		return nil, err
	}
	c := &Catalog{locales: make(map[string]map[string]string)}
	for _, f := range files {
		b, err := localeFS.ReadFile(path.Join("locales", f.Name()))
		if err != nil {
			return nil, err
		}
		var m map[string]string
		if err := json.Unmarshal(b, &m); err != nil {
			return nil, fmt.Errorf("locale %s: %w", f.Name(), err)
		}
		name := strings.TrimSuffix(f.Name(), ".json")
		c.locales[name] = m
		c.names = append(c.names, name)
	}
	sort.Strings(c.names)
	if _, ok := c.locales[DefaultLocale]; !ok {
		return nil, fmt.Errorf("default locale %s missing", DefaultLocale)
	}
	return c, nil
}

// MustLoad is Load for process start.
func MustLoad() *Catalog {
	c, err := Load()
	if err != nil {
		panic(err)
	}
	return c
}

func (c *Catalog) Locales() []string { return c.names }

// T translates key, falling back to the default locale and then to key.
func (c *Catalog) T(locale, key string) string {
	if s, ok := c.locales[locale][key]; ok {
		return s
	}
	if s, ok := c.locales[DefaultLocale][key]; ok {
		return s
	}
	return key
}

// Pick chooses the locale for a request: the lang cookie, else the first
// Accept-Language entry. An unknown value is prefix-matched against the
// available locales ("ru" -> "ru-RU"). found is false when nothing matched
// and the default was used.
func (c *Catalog) Pick(cookieLang, acceptLanguage string) (locale string, found bool) {
	want := cookieLang
	if want == "" && acceptLanguage != "" {
		if tags, _, err := language.ParseAcceptLanguage(acceptLanguage); err == nil && len(tags) > 0 {
			want = tags[0].String()
		}
	}
	if want == "" {
		return DefaultLocale, false
	}
	if _, ok := c.locales[want]; ok {
		return want, true
	}
	for _, name := range c.names {
		if strings.HasPrefix(name, want) {
			return name, true
		}
	}
	// "ru-UA" still prefers ru-RU over the default.
	if base, _, ok := strings.Cut(want, "-"); ok {
		for _, name := range c.names {
			if strings.HasPrefix(name, base+"-") {
				return name, true
			}
		}
	}
	return DefaultLocale, false
}
