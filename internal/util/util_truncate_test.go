package util

import (
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
)

func TestTruncateString(t *testing.T) {
	tests := []struct {
		name          string
		input         string
		maxLen        int
		preserveWords bool
		want          string
	}{
		{"short query untouched", "golang 教程", 20, false, "golang 教程"},
		{"cut with ellipsis", "ChatGPT vs Claude comparison", 10, false, "ChatGPT..."},
		{"cut at word boundary", "ChatGPT vs Claude comparison", 16, true, "ChatGPT vs..."},
		{"tiny limit", "abcdef", 2, false, ".."},
		{"zero limit", "abcdef", 0, false, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, TruncateString(tt.input, tt.maxLen, tt.preserveWords))
		})
	}
}

func TestTruncateStringKeepsRunesIntact(t *testing.T) {
	in := "人工智能在医疗领域的最新应用与发展趋势"
	out := TruncateString(in, 8, false)
	assert.True(t, utf8.ValidString(out))
	assert.Equal(t, 8, utf8.RuneCountInString(out))
	assert.Equal(t, "人工智能在...", out)
}
