// Package contentfilter screens outbound chat messages. It enforces size
// and encoding limits and blocks messages that match the spam heuristics or
// the configured blocked-term list.
package contentfilter

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

const (
	MaxMessageBytes = 4096 // max wire size of a single message
	MaxTextChars    = 2000 // max character count
)

// Result is the outcome of screening one message.
type Result struct {
	Blocked bool
	Reason  string // machine-readable: "blocked_term", "spam_pattern"
	Detail  string // the term or pattern name that matched
}

// Filter screens message content. The zero value blocks nothing; use
// NewFilter to get the default term list.
type Filter struct {
	blockedTerms []string
}

// defaultBlockedTerms covers contact-exchange attempts. Participants are
// anonymous; sharing handles defeats that.
var defaultBlockedTerms = []string{
	"telegram",
	"whatsapp",
	"instagram",
	"snapchat",
	"discord",
	"my number",
	"add me on",
}

// NewFilter creates a Filter with the default blocked-term list plus any
// extra terms.
func NewFilter(extraTerms ...string) *Filter {
	terms := make([]string, 0, len(defaultBlockedTerms)+len(extraTerms))
	terms = append(terms, defaultBlockedTerms...)
	for _, t := range extraTerms {
		t = strings.ToLower(strings.TrimSpace(t))
		if t != "" {
			terms = append(terms, t)
		}
	}
	return &Filter{blockedTerms: terms}
}

// Validate checks that a message meets size and encoding requirements.
func Validate(text string) error {
	if len(text) == 0 {
		return fmt.Errorf("message text is empty")
	}
	if len(text) > MaxMessageBytes {
		return fmt.Errorf("message exceeds %d byte limit", MaxMessageBytes)
	}
	if utf8.RuneCountInString(text) > MaxTextChars {
		return fmt.Errorf("message exceeds %d character limit", MaxTextChars)
	}
	if !utf8.ValidString(text) {
		return fmt.Errorf("message contains invalid UTF-8")
	}
	return nil
}

// Check screens a valid message against the blocked-term list and the spam
// patterns. A non-blocking zero Result means the message may be sent.
func (f *Filter) Check(text string) Result {
	lower := strings.ToLower(text)
	for _, term := range f.blockedTerms {
		if strings.Contains(lower, term) {
			return Result{Blocked: true, Reason: "blocked_term", Detail: term}
		}
	}
	return f.checkSpamPatterns(text)
}
