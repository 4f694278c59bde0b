// Package export renders a subject's legend record as a PDF dossier.
package export

import "errors"

// Request contains parameters for an export operation.
type Request struct {
	SubjectID    string
	IncludeAudit bool
}

// Result contains the export output.
type Result struct {
	Data     []byte
	Filename string
	MimeType string
}

var (
	// ErrRecordUnavailable indicates the subject's record could not be loaded.
	ErrRecordUnavailable = errors.New("export record unavailable")
	// ErrPDFDependencyMissing indicates PDF export runtime dependencies are unavailable.
	ErrPDFDependencyMissing = errors.New("export pdf dependency missing")
)
