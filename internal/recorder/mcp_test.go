package recorder

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
)

func TestTruncateKeepsRuneBoundaries(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "abc...", truncate("abcdef", 3))

	// A cut point landing inside a multi-byte rune must back off instead of
	// emitting invalid UTF-8.
	s := strings.Repeat("a", 499) + "érest"
	got := truncate(s, 500)
	assert.True(t, utf8.ValidString(got))
	assert.Equal(t, strings.Repeat("a", 499)+"...", got)

	emoji := strings.Repeat("🗂", 200)
	got = truncate(emoji, 501)
	assert.True(t, utf8.ValidString(got))
	assert.True(t, strings.HasSuffix(got, "..."))
}
