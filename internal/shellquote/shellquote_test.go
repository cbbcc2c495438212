package shellquote

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestQuote(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{name: "empty string", input: "", expected: "''"},
		{name: "simple token needs no quoting", input: "train.py", expected: "train.py"},
		{name: "dotted path needs no quoting", input: "/opt/conda/envs/foo", expected: "/opt/conda/envs/foo"},
		{name: "value with space", input: "lr=0.1 seed=1", expected: "'lr=0.1 seed=1'"},
		{name: "embedded single quote", input: "it's", expected: `'it'\''s'`},
		{name: "value with dollar sign", input: "$HOME/x", expected: "'$HOME/x'"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, Quote(tt.input))
		})
	}
}

func TestJoin(t *testing.T) {
	got := Join([]string{"python", "train.py", "with", "lr=0.1", "it's fine"})
	assert.Equal(t, `python train.py with lr=0.1 'it'\''s fine'`, got)
}
