package rules

import (
	"regexp"
	"strings"

	"github.com/mikey/mail-triage/internal/core"
	"github.com/mikey/mail-triage/internal/senders"
)

// automatedSenderPatterns identify notification style addresses that do not expect a reply
var automatedSenderPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)no-?reply`),
	regexp.MustCompile(`(?i)do-?not-?reply`),
	regexp.MustCompile(`(?i)^notifications?@`),
	regexp.MustCompile(`(?i)^mailer-daemon@`),
	regexp.MustCompile(`(?i)^postmaster@`),
	regexp.MustCompile(`(?i)^bounces?[+@-]`),
}

// bulkPrecedence values mark list and bulk traffic
var bulkPrecedence = map[string]struct{}{
	"bulk": {},
	"list": {},
	"junk": {},
}

// isBulk reports whether the Precedence header marks the email as bulk
func isBulk(email *core.Email) bool {
	_, ok := bulkPrecedence[strings.ToLower(strings.TrimSpace(email.Header("Precedence")))]
	return ok
}

// IsAutomated reports whether the email is an automated notification
func IsAutomated(email *core.Email) bool {
	for _, candidate := range []string{email.Sender, email.Header("Reply-To")} {
		address := senders.Address(candidate)
		if address == "" {
			continue
		}
		for _, re := range automatedSenderPatterns {
			if re.MatchString(address) {
				return true
			}
		}
	}

	if submitted := strings.ToLower(strings.TrimSpace(email.Header("Auto-Submitted"))); submitted != "" && submitted != "no" {
		return true
	}
	return isBulk(email)
}

// promotionalMarker returns the header evidence that the email is promotional
func promotionalMarker(email *core.Email) (string, bool) {
	if email.Header("List-Unsubscribe") != "" {
		return "List-Unsubscribe", true
	}
	if isBulk(email) {
		return "Precedence", true
	}
	for _, name := range []string{"X-Gmail-Labels", "X-Category"} {
		if strings.Contains(strings.ToLower(email.Header(name)), "promotion") {
			return name, true
		}
	}
	return "", false
}
