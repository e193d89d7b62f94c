package drafts

import (
	"fmt"
	"strings"

	"github.com/mikey/mail-triage/internal/core"
	"github.com/mikey/mail-triage/internal/senders"
)

// TemplateModel is the model name recorded on drafts produced without a provider
const TemplateModel = "template"

// TemplateDrafter produces a deterministic acknowledgement reply
type TemplateDrafter struct {
	signature string
}

// NewTemplateDrafter creates a template drafter that appends signature when it is set
func NewTemplateDrafter(signature string) *TemplateDrafter {
	return &TemplateDrafter{signature: strings.TrimSpace(signature)}
}

// Draft renders the reply for email
func (d *TemplateDrafter) Draft(email *core.Email) string {
	var b strings.Builder
	if name := senders.DisplayName(email.Sender); name != "" {
		fmt.Fprintf(&b, "Hi %s,\n\n", name)
	} else {
		b.WriteString("Hi,\n\n")
	}
	if subject := strings.TrimSpace(email.Subject); subject != "" {
		fmt.Fprintf(&b, "Thank you for your message about %q. ", subject)
	} else {
		b.WriteString("Thank you for your message. ")
	}
	b.WriteString("I need a little more time to look into it and will get back to you soon.\n\nBest regards")
	if d.signature != "" {
		b.WriteString(",\n")
		b.WriteString(d.signature)
	}
	return b.String()
}

// ReplySubject prefixes subject with "Re: " unless it already carries the prefix
func ReplySubject(subject string) string {
	subject = strings.TrimSpace(subject)
	if len(subject) >= 3 && strings.EqualFold(subject[:3], "re:") {
		return subject
	}
	return "Re: " + subject
}
