package ports

import (
	"context"

	"github.com/mikey/mail-triage/internal/core"
)

// Ingester accepts newly received emails
type Ingester interface {
	// Ingest stores, classifies and places an email
	Ingest(ctx context.Context, email *core.Email) (*core.Classification, error)
}

// MailSource defines the interface for collaborators delivering new emails
type MailSource interface {
	// Name identifies the source in logs
	Name() string

	// Start starts delivering emails to the ingester
	Start() error

	// Stop stops the source
	Stop() error
}
