package i18n

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLocalesShareKeys(t *testing.T) {
	c, err := Load()
	require.NoError(t, err)
	require.Equal(t, []string{"en-US", "ru-RU"}, c.Locales())

	for key := range c.locales[DefaultLocale] {
		_, ok := c.locales["ru-RU"][key]
		require.True(t, ok, key)
	}
}

func TestTranslate(t *testing.T) {
	c := MustLoad()
	require.Equal(t, "Folder", c.T("en-US", "folderSizeStub"))
	require.Equal(t, "Папка", c.T("ru-RU", "folderSizeStub"))
	require.Equal(t, "Folder", c.T("de-DE", "folderSizeStub"))
	require.Equal(t, "noSuchKey", c.T("ru-RU", "noSuchKey"))
}

func TestPick(t *testing.T) {
	c := MustLoad()
	cases := []struct {
		cookie, accept, want string
		found                bool
	}{
		{"ru-RU", "en-US", "ru-RU", true},
		{"", "ru-RU,ru;q=0.9,en;q=0.8", "ru-RU", true},
		{"", "ru", "ru-RU", true},
		{"", "ru-UA", "ru-RU", true},
		{"", "en-GB,en;q=0.5", "en-US", true},
		{"", "de-DE", "en-US", false},
		{"", "", "en-US", false},
		{"xx", "ru", "en-US", false},
	}
	for _, tc := range cases {
		got, found := c.Pick(tc.cookie, tc.accept)
		require.Equal(t, tc.want, got, "%q %q", tc.cookie, tc.accept)
		require.Equal(t, tc.found, found, "%q %q", tc.cookie, tc.accept)
	}
}
