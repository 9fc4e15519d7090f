package processor

import "errors"

// Step failures. Each one ends the current machine's remaining steps except
// ErrNameResolution, which falls back to the address, and ErrDelete, which is
// only recorded.
var (
	ErrConnection       = errors.New("connection failed")
	ErrNameResolution   = errors.New("name resolution failed")
	ErrSampleCollection = errors.New("no samples collected")
	ErrWrite            = errors.New("report write failed")
	ErrTransfer         = errors.New("transfer failed")
	ErrDelete           = errors.New("local report delete failed")
)
