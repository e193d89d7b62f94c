package utils

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func TestTruncateText(t *testing.T) {
	tp := NewTextProcessor(zap.NewNop())

	tests := []struct {
		name    string
		text    string
		maxSize int
		want    string
	}{
		{name: "no limit", text: "hello", maxSize: 0, want: "hello"},
		{name: "within limit", text: "hello", maxSize: 10, want: "hello"},
		{name: "ascii cut", text: "hello world", maxSize: 5, want: "hello" + truncationMarker},
		{name: "does not split runes", text: "héllo", maxSize: 2, want: "h" + truncationMarker},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tp.TruncateText(tt.text, tt.maxSize))
		})
	}
}

func TestSanitizeUTF8(t *testing.T) {
	tp := NewTextProcessor(nil)

	assert.Equal(t, "valid", tp.SanitizeUTF8("valid"))
	assert.Equal(t, "ab", tp.SanitizeUTF8("a\xffb"))
}

func TestSnippet(t *testing.T) {
	tp := NewTextProcessor(nil)

	assert.Equal(t, "Hi there, see you soon", tp.Snippet("  Hi\tthere,\n\n see   you soon \r\n"))

	long := strings.Repeat("é", 150)
	snippet := tp.Snippet(long)
	assert.LessOrEqual(t, len(snippet), SnippetSize)
	assert.True(t, utf8.ValidString(snippet))
	assert.Equal(t, 100, utf8.RuneCountInString(snippet))
}

func TestExtractJSONObject(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{name: "bare", in: `{"a":1}`, want: `{"a":1}`},
		{name: "surrounded by prose", in: "Sure! Here it is:\n{\"a\":{\"b\":2}}\nThanks", want: `{"a":{"b":2}}`},
		{name: "no object", in: "nothing here", want: ""},
		{name: "reversed braces", in: "} {", want: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ExtractJSONObject(tt.in))
		})
	}
}
