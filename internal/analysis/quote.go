package analysis

import (
	"fmt"
	"strings"
	"unicode"
)

// QuotePolicy decides what happens to distortion items whose quote cannot
// be found in the transcript.
type QuotePolicy string

const (
	QuotePass QuotePolicy = "pass"
	QuoteFlag QuotePolicy = "flag"
	QuoteDrop QuotePolicy = "drop"
)

// ParseQuotePolicy parses a policy name. The empty string means flag.
func ParseQuotePolicy(s string) (QuotePolicy, error) {
	switch p := QuotePolicy(strings.ToLower(strings.TrimSpace(s))); p {
	case "":
		return QuoteFlag, nil
	case QuotePass, QuoteFlag, QuoteDrop:
		return p, nil
	default:
		return "", fmt.Errorf("unknown quote policy %q", s)
	}
}

// VerifyQuote reports whether quote occurs in transcript, ignoring case,
// runs of whitespace and the surrounding quotation marks models like to add.
func VerifyQuote(transcript, quote string) bool {
	q := normalizeQuote(strings.Trim(strings.TrimSpace(quote), "\"'“”‘’"))
	if q == "" {
		return false
	}
	return strings.Contains(normalizeQuote(transcript), q)
}

func normalizeQuote(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	space := false
	for _, r := range s {
		switch r {
		case '’', '‘':
			r = '\''
		case '“', '”':
			r = '"'
		}
		if unicode.IsSpace(r) {
			space = true
			continue
		}
		if space && b.Len() > 0 {
			b.WriteByte(' ')
		}
		space = false
		b.WriteRune(unicode.ToLower(r))
	}
	return b.String()
}

// ApplyQuotePolicy returns a copy of items with the policy applied.
func ApplyQuotePolicy(items []Distortion, transcript string, policy QuotePolicy) []Distortion {
	out := make([]Distortion, 0, len(items))
	for _, item := range items {
		item.QuoteVerified = nil
		switch policy {
		case QuotePass:
		case QuoteDrop:
			if !VerifyQuote(transcript, item.Quote) {
				continue
			}
		default:
			ok := VerifyQuote(transcript, item.Quote)
			item.QuoteVerified = &ok
		}
		out = append(out, item)
	}
	return out
}
