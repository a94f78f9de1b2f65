// Package voicecmd detects spoken command words in recognized speech.
//
// Detection is strict: the first token of a transcript must equal a
// configured command word once both sides are normalized. Normalization drops
// punctuation and symbols, keeps letters (including accented ones) and digits,
// and lower-cases. The comparison key additionally folds diacritics, so
// "Silenció" and "silencio" compare equal.
//
// [Matcher.NearMiss] is a diagnostic helper. It reports the command a
// rejected token most resembles so operators can see why a wake word was
// missed; it never changes what [Matcher.Detect] returns.
package voicecmd

import (
	"strings"
	"unicode"

	"github.com/antzucaro/matchr"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

const defaultNearMissThreshold = 0.85

// Normalize strips every rune that is not a letter, digit or whitespace,
// trims the result and lower-cases it. Accented letters are kept.
func Normalize(text string) string {
	var b strings.Builder
	b.Grow(len(text))
	for _, r := range text {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || unicode.IsSpace(r) {
			b.WriteRune(r)
		}
	}
	return strings.ToLower(strings.TrimSpace(b.String()))
}

// FirstToken returns the first whitespace-delimited token of the normalized
// text, or "" when the text holds no letters or digits at all.
func FirstToken(text string) string {
	for _, tok := range strings.Fields(Normalize(text)) {
		if isAlphanumeric(tok) {
			return tok
		}
	}
	return ""
}

// Key returns the comparison key for text: its normalized form with
// diacritics removed.
func Key(text string) string {
	return fold(Normalize(text))
}

// Matches reports whether the first token of candidate equals commandWord
// after both are normalized independently. Empty inputs never match.
func Matches(candidate, commandWord string) bool {
	tok := FirstToken(candidate)
	if tok == "" {
		return false
	}
	cmd := Key(commandWord)
	return cmd != "" && fold(tok) == cmd
}

func isAlphanumeric(tok string) bool {
	if tok == "" {
		return false
	}
	for _, r := range tok {
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) {
			return false
		}
	}
	return true
}

// fold removes combining marks after canonical decomposition.
func fold(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		return s
	}
	return out
}

// Option is a functional option for configuring a [Matcher].
type Option func(*Matcher)

// WithNearMissThreshold sets the minimum Jaro-Winkler score at which
// [Matcher.NearMiss] reports a candidate. Default: 0.85.
func WithNearMissThreshold(threshold float64) Option {
	return func(m *Matcher) {
		m.nearMissThreshold = threshold
	}
}

// Matcher holds a fixed command list. It is read-only after construction and
// safe for concurrent use; build a new one to change the list.
type Matcher struct {
	commands          []string
	keys              []string
	nearMissThreshold float64
}

// New returns a Matcher for commands. Blank entries are ignored.
func New(commands []string, opts ...Option) *Matcher {
	m := &Matcher{nearMissThreshold: defaultNearMissThreshold}
	for _, c := range commands {
		k := Key(c)
		if k == "" {
			continue
		}
		m.commands = append(m.commands, c)
		m.keys = append(m.keys, k)
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Commands returns a copy of the configured command words.
func (m *Matcher) Commands() []string {
	return append([]string(nil), m.commands...)
}

// Empty reports whether the matcher has no commands.
func (m *Matcher) Empty() bool { return len(m.keys) == 0 }

// Detect returns the configured command word (as configured, not normalized)
// whose key equals the first token of transcript. ok is false when no command
// matches or the matcher is empty.
func (m *Matcher) Detect(transcript string) (command string, ok bool) {
	if m.Empty() {
		return "", false
	}
	tok := FirstToken(transcript)
	if tok == "" {
		return "", false
	}
	key := fold(tok)
	for i, k := range m.keys {
		if k == key {
			return m.commands[i], true
		}
	}
	return "", false
}

// NearMiss returns the command that the first token of transcript most
// resembles when it did not match exactly. A command qualifies when its
// Double Metaphone codes overlap the token's or its Jaro-Winkler similarity
// reaches the configured threshold.
func (m *Matcher) NearMiss(transcript string) (command string, score float64, ok bool) {
	tok := fold(FirstToken(transcript))
	if tok == "" || m.Empty() {
		return "", 0, false
	}
	tp, ts := matchr.DoubleMetaphone(tok)

	for i, k := range m.keys {
		if k == tok {
			return "", 0, false
		}
		s := matchr.JaroWinkler(tok, k, false)
		kp, ks := matchr.DoubleMetaphone(k)
		phonetic := tp != "" && (tp == kp || (ts != "" && ts == ks))
		if (phonetic || s >= m.nearMissThreshold) && s > score {
			command, score, ok = m.commands[i], s, true
		}
	}
	return command, score, ok
}
