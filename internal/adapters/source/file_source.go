package source

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mikey/mail-triage/internal/core"
	"github.com/mikey/mail-triage/internal/ports"
	"go.uber.org/zap"
)

// FileSource ingests RFC 5322 messages from files and prints a report for each
type FileSource struct {
	ingester ports.Ingester
	paths    []string
	out      io.Writer
	verbose  bool
	logger   *zap.Logger
}

// NewFileSource creates a new file source
func NewFileSource(ingester ports.Ingester, paths []string, out io.Writer, verbose bool, logger *zap.Logger) *FileSource {
	return &FileSource{
		ingester: ingester,
		paths:    paths,
		out:      out,
		verbose:  verbose,
		logger:   logger,
	}
}

// Name identifies the source in logs
func (f *FileSource) Name() string {
	return "file"
}

// Start processes every configured file once
func (f *FileSource) Start() error {
	for _, path := range f.paths {
		if _, err := f.ProcessFile(context.Background(), path); err != nil {
			return err
		}
	}
	return nil
}

// Stop is a no-op for the file source
func (f *FileSource) Stop() error {
	return nil
}

// ProcessFile parses and ingests a single message file and displays the results
func (f *FileSource) ProcessFile(ctx context.Context, path string) (*core.Classification, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open message file: %w", err)
	}
	defer file.Close()

	email, err := ParseMessage(file, strings.TrimSuffix(filepath.Base(path), filepath.Ext(path)))
	if err != nil {
		return nil, err
	}
	f.logger.Debug("Processing message file", zap.String("path", path), zap.String("sender", email.Sender))

	fmt.Fprintf(f.out, "\n=== Email Summary ===\n")
	fmt.Fprintf(f.out, "ID: %s\n", email.ID)
	fmt.Fprintf(f.out, "From: %s\n", email.Sender)
	fmt.Fprintf(f.out, "Subject: %s\n", email.Subject)
	fmt.Fprintf(f.out, "Date: %s\n", email.Date.Format(time.RFC1123Z))
	fmt.Fprintf(f.out, "Body length: %d bytes\n", len(email.Body))

	if f.verbose {
		preview := email.Body
		if len(preview) > 500 {
			preview = preview[:500] + "..."
		}
		fmt.Fprintf(f.out, "\nBody preview:\n%s\n", preview)
	}

	startTime := time.Now()
	classification, err := f.ingester.Ingest(ctx, email)
	if err != nil {
		f.logger.Error("Failed to classify email", zap.Error(err))
		return nil, err
	}
	duration := time.Since(startTime)

	fmt.Fprintf(f.out, "\n=== Classification ===\n")
	fmt.Fprintf(f.out, "Label: %s\n", classification.Label)
	fmt.Fprintf(f.out, "Importance score: %.4f\n", classification.ImportanceScore)
	fmt.Fprintf(f.out, "Requires response: %t\n", classification.RequiresResponse)
	fmt.Fprintf(f.out, "Source: %s\n", classification.Source)
	fmt.Fprintf(f.out, "Preferences version: %d\n", classification.PreferencesVersion)
	fmt.Fprintf(f.out, "Explanation:\n")
	for _, line := range classification.Explanation {
		fmt.Fprintf(f.out, "  - %s\n", line)
	}
	fmt.Fprintf(f.out, "Processing time: %v\n", duration)

	return classification, nil
}
