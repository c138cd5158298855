package proxy

import (
	"regexp"

	"github.com/tkingovr/aegis/api"
)

// Pattern is one named credential shape.
type Pattern struct {
	ID    string
	Regex *regexp.Regexp
}

// PatternSet is a versioned, replaceable collection of credential patterns.
// The set is immutable after construction; swapping in a new set is how the
// patterns are upgraded.
type PatternSet struct {
	Version  int
	Patterns []Pattern
}

// DefaultPatternSet returns the built-in credential patterns.
func DefaultPatternSet() *PatternSet {
	return &PatternSet{
		Version: 1,
		Patterns: []Pattern{
			{ID: "aws_access_key", Regex: regexp.MustCompile(`\b(?:AKIA|ASIA)[0-9A-Z]{16}\b`)},
			{ID: "aws_secret_key", Regex: regexp.MustCompile(`(?i)aws[_-]?secret[^A-Za-z0-9]{0,5}([A-Za-z0-9/+=]{40})`)},
			{ID: "github_token", Regex: regexp.MustCompile(`gh[pousr]_[A-Za-z0-9_]{36,255}`)},
			{ID: "github_pat_fine", Regex: regexp.MustCompile(`github_pat_[A-Za-z0-9_]{22,255}`)},
			{ID: "slack_token", Regex: regexp.MustCompile(`xox[baprs]-[0-9]{10,13}-[0-9]{10,13}[a-zA-Z0-9-]*`)},
			{ID: "google_api_key", Regex: regexp.MustCompile(`AIza[A-Za-z0-9\-_]{35}`)},
			{ID: "stripe_key", Regex: regexp.MustCompile(`(?:sk|pk)_(?:live|test)_[A-Za-z0-9]{20,100}`)},
			{ID: "private_key", Regex: regexp.MustCompile(`-----BEGIN (?:RSA |EC |DSA |OPENSSH )?PRIVATE KEY-----`)},
		},
	}
}

// Scan checks body text for any credential pattern. location is "request"
// or "response" and is carried into the match for the audit payload.
func (ps *PatternSet) Scan(body []byte, location string) (*api.CredentialMatch, bool) {
	for _, p := range ps.Patterns {
		if loc := p.Regex.FindIndex(body); loc != nil {
			return &api.CredentialMatch{
				PatternID: p.ID,
				Redacted:  redact(body[loc[0]:loc[1]]),
				Location:  location,
			}, true
		}
	}
	return nil, false
}

// redact keeps a short identifying prefix of the matched credential. The
// full match never reaches a log or audit record.
func redact(match []byte) string {
	const keep = 4
	if len(match) <= keep {
		return "..."
	}
	return string(match[:keep]) + "..."
}
