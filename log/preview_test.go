package log

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPreview(t *testing.T) {
	tests := []struct {
		name     string
		str      string
		maxLen   []int
		expected string
	}{
		{name: "short string kept", str: "te6ccgEB", expected: "te6ccgEB"},
		{name: "long string cut to the default length", str: strings.Repeat("a", 150), expected: strings.Repeat("a", 97) + "..."},
		{name: "custom length", str: "0123456789", maxLen: []int{6}, expected: "012..."},
		{name: "too short for an ellipsis", str: "0123456789", maxLen: []int{2}, expected: "01"},
		{name: "exact length kept", str: "01234", maxLen: []int{5}, expected: "01234"},
		{name: "negative length", str: "01234", maxLen: []int{-1}, expected: ""},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			require.Equal(t, test.expected, Preview(test.str, test.maxLen...))
		})
	}
}
