package chatsync

import "strings"

// Conversation domains recognized by Normalize.
const (
	PrimaryDomain = "s.whatsapp.net"
	AliasDomain   = "lid"
)

// Normalize canonicalizes a conversation identifier to "<digits>@<domain>".
//
// Identifiers under an unrecognized domain, and identifiers with no digits,
// are returned unchanged. Normalize never fails and is idempotent.
func Normalize(raw string) string {
	local, domain, found := cutDomain(raw)
	if found {
		if domain != PrimaryDomain && domain != AliasDomain {
			return raw
		}
		digits := digitsOf(local)
		if digits == "" {
			return raw
		}
		return digits + "@" + domain
	}
	digits := digitsOf(raw)
	if digits == "" {
		return raw
	}
	return digits + "@" + PrimaryDomain
}

// DigitsOnly strips every non-digit regardless of domain. It reports false
// when nothing remains.
func DigitsOnly(raw string) (string, bool) {
	d := digitsOf(raw)
	return d, d != ""
}

// Candidates returns the distinct set {raw, Normalize(raw)}.
func Candidates(raw string) []string {
	n := Normalize(raw)
	if n == raw {
		return []string{raw}
	}
	return []string{raw, n}
}

// StorageKey is the key under which a conversation's pages are stored, so
// that domain variants of the same number share one CacheRecord.
func StorageKey(identity string) string {
	if d, ok := DigitsOnly(identity); ok {
		return d
	}
	return Normalize(identity)
}

func cutDomain(raw string) (local, domain string, found bool) {
	i := strings.LastIndexByte(raw, '@')
	if i < 0 {
		return raw, "", false
	}
	return raw[:i], raw[i+1:], true
}

func digitsOf(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if c := s[i]; c >= '0' && c <= '9' {
			b.WriteByte(c)
		}
	}
	return b.String()
}
