package util

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestShellQuote(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{
			name:  "plain string",
			input: "hello",
			want:  "'hello'",
		},
		{
			name:  "string with spaces",
			input: "hello world",
			want:  "'hello world'",
		},
		{
			name:  "string with single quote",
			input: "it's",
			want:  "'it'\\''s'",
		},
		{
			name:  "empty string",
			input: "",
			want:  "''",
		},
		{
			name:  "string with dollar sign",
			input: "$HOME",
			want:  "'$HOME'",
		},
		{
			name:  "string with backticks",
			input: "`rm -rf /`",
			want:  "'`rm -rf /`'",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ShellQuote(tt.input))
		})
	}
}

func TestShellQuoteAll(t *testing.T) {
	assert.Equal(t, "'a' 'b c' 'd'", ShellQuoteAll([]string{"a", "b c", "d"}))
	assert.Equal(t, "", ShellQuoteAll(nil))
}
