package domain

import "errors"

// Error taxonomy (spec.md §7). Each sentinel is checked with errors.Is at the
// boundary that needs to distinguish fatal-to-run errors from absorbable ones.
var (
	ErrConflict       = errors.New("conflict")
	ErrNotFound       = errors.New("not found")
	ErrSpawnFailed    = errors.New("spawn failed")
	ErrJournalWrite   = errors.New("journal write error")
	ErrConfigInvalid  = errors.New("invalid chaos config")
	ErrBackwardStatus = errors.New("run status transition must be forward-only")
)
