package ledger

import "fmt"

// IntegrityError is returned when an archive already has a different
// checksum on record. Recorded checksums are never overwritten.
type IntegrityError struct {
	Archive string
	Stored  string
	Given   string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("%s already in backup with a different blake2b checksum: %s (given %s)", e.Archive, e.Stored, e.Given)
}
