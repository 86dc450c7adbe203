package streaming

import "fmt"

// Integrity check names reported by IntegrityError.
const (
	CheckCount   = "count"
	CheckListing = "listing"
	CheckHash    = "hash"
	CheckSize    = "size"
)

// IntegrityError reports which end-to-end verification failed after all
// chunks were uploaded. It is always wrapped in a backend INTEGRITY error.
type IntegrityError struct {
	DocumentID string
	Check      string
	Want       string
	Got        string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("integrity check %q failed for %s: want %s, got %s", e.Check, e.DocumentID, e.Want, e.Got)
}

// RollbackRequired is raised when an upload cannot complete. It carries the
// native keys of chunks already uploaded so the saga coordinator can run the
// blob step's compensation.
type RollbackRequired struct {
	DocumentID string
	Uploaded   []string
	Cause      error
}

func (e *RollbackRequired) Error() string {
	return fmt.Sprintf("upload of %s requires rollback (%d chunks uploaded): %v", e.DocumentID, len(e.Uploaded), e.Cause)
}

func (e *RollbackRequired) Unwrap() error { return e.Cause }

// PartialNativeKeys exposes the uploaded keys to the saga coordinator, which
// compensates the failed step with them before unwinding earlier steps.
func (e *RollbackRequired) PartialNativeKeys() []string { return e.Uploaded }
