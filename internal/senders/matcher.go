package senders

import (
	"fmt"
	"net/mail"
	"strings"
)

// Matcher checks sender addresses against a set of address and domain patterns.
//
// A pattern of the form user@host matches that exact address. A pattern of the
// form host, @host or *@host matches every address at host or one of its
// subdomains. Comparison is case-insensitive.
type Matcher struct {
	addresses map[string]string
	domains   []domainPattern
}

type domainPattern struct {
	domain  string
	pattern string
}

// NewMatcher compiles the patterns into a matcher
func NewMatcher(patterns []string) (*Matcher, error) {
	m := &Matcher{addresses: make(map[string]string)}
	for _, pattern := range patterns {
		normalized := strings.ToLower(strings.TrimSpace(pattern))
		if normalized == "" {
			continue
		}
		if err := ValidatePattern(normalized); err != nil {
			return nil, err
		}

		switch {
		case strings.HasPrefix(normalized, "*@"):
			m.domains = append(m.domains, domainPattern{domain: normalized[2:], pattern: pattern})
		case strings.HasPrefix(normalized, "@"):
			m.domains = append(m.domains, domainPattern{domain: normalized[1:], pattern: pattern})
		case strings.Contains(normalized, "@"):
			m.addresses[normalized] = pattern
		default:
			m.domains = append(m.domains, domainPattern{domain: normalized, pattern: pattern})
		}
	}
	return m, nil
}

// ValidatePattern reports whether a normalized pattern is a usable sender pattern
func ValidatePattern(pattern string) error {
	if strings.ContainsAny(pattern, " \t\r\n<>,;") {
		return fmt.Errorf("sender pattern %q contains invalid characters", pattern)
	}
	domain := pattern
	if at := strings.LastIndex(pattern, "@"); at >= 0 {
		local := pattern[:at]
		domain = pattern[at+1:]
		if strings.Contains(local, "@") {
			return fmt.Errorf("sender pattern %q has more than one @", pattern)
		}
	}
	if domain == "" || strings.HasPrefix(domain, ".") || strings.HasSuffix(domain, ".") {
		return fmt.Errorf("sender pattern %q has no valid domain", pattern)
	}
	return nil
}

// Match returns the pattern that matches the sender and whether one matched
func (m *Matcher) Match(sender string) (string, bool) {
	if m == nil {
		return "", false
	}
	address := Address(sender)
	if address == "" {
		return "", false
	}

	if pattern, ok := m.addresses[address]; ok {
		return pattern, true
	}

	at := strings.LastIndex(address, "@")
	if at < 0 {
		return "", false
	}
	host := address[at+1:]
	for _, d := range m.domains {
		if host == d.domain || strings.HasSuffix(host, "."+d.domain) {
			return d.pattern, true
		}
	}
	return "", false
}

// Len returns the number of compiled patterns
func (m *Matcher) Len() int {
	if m == nil {
		return 0
	}
	return len(m.addresses) + len(m.domains)
}

// Address extracts the lower-cased bare address from a sender such as
// "Alice <alice@example.com>"
func Address(sender string) string {
	sender = strings.TrimSpace(sender)
	if sender == "" {
		return ""
	}
	if parsed, err := mail.ParseAddress(sender); err == nil {
		return strings.ToLower(parsed.Address)
	}
	// Fall back to the angle-bracket span for headers net/mail rejects
	if start := strings.LastIndex(sender, "<"); start >= 0 {
		if end := strings.Index(sender[start:], ">"); end > 0 {
			return strings.ToLower(strings.TrimSpace(sender[start+1 : start+end]))
		}
	}
	return strings.ToLower(sender)
}

// DisplayName returns the display name of a sender, or the local part of its
// address when it has none
func DisplayName(sender string) string {
	if parsed, err := mail.ParseAddress(strings.TrimSpace(sender)); err == nil && parsed.Name != "" {
		return parsed.Name
	}
	address := Address(sender)
	if at := strings.Index(address, "@"); at > 0 {
		return address[:at]
	}
	return address
}
