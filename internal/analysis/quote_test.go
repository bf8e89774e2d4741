package analysis

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVerifyQuote(t *testing.T) {
	tests := []struct {
		name  string
		quote string
		want  bool
	}{
		{"exact", "I'm such a failure", true},
		{"case", "i'M SUCH a FAILURE", true},
		{"whitespace", "failed   again,\nI'm", true},
		{"wrapped in quotes", `"I failed again"`, true},
		{"curly apostrophe", "I can’t believe", true},
		{"paraphrase", "I always fail", false},
		{"empty", "   ", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, VerifyQuote(transcript, tt.quote))
		})
	}
}

func TestApplyQuotePolicy(t *testing.T) {
	items := []Distortion{
		{Distortion: "Labeling", Quote: "such a failure"},
		{Distortion: "Fortune Telling", Quote: "it will never work"},
	}

	pass := ApplyQuotePolicy(items, transcript, QuotePass)
	require.Len(t, pass, 2)
	assert.Nil(t, pass[0].QuoteVerified)

	drop := ApplyQuotePolicy(items, transcript, QuoteDrop)
	require.Len(t, drop, 1)
	assert.Equal(t, "Labeling", drop[0].Distortion)

	flag := ApplyQuotePolicy(items, transcript, QuoteFlag)
	require.Len(t, flag, 2)
	assert.True(t, *flag[0].QuoteVerified)
	assert.False(t, *flag[1].QuoteVerified)
	assert.Nil(t, items[0].QuoteVerified, "input must not be modified")
}

func TestParseQuotePolicy(t *testing.T) {
	p, err := ParseQuotePolicy("")
	require.NoError(t, err)
	assert.Equal(t, QuoteFlag, p)

	p, err = ParseQuotePolicy(" DROP ")
	require.NoError(t, err)
	assert.Equal(t, QuoteDrop, p)

	_, err = ParseQuotePolicy("strict")
	assert.Error(t, err)
}
