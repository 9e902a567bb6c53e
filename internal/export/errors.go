package export

import (
	"errors"
	"fmt"
)

// Request validation errors. Fatal to the single call, raised before any
// collection or generation work begins.
var (
	ErrFormatRequired    = errors.New("export format is required")
	ErrPackageRequired   = errors.New("data package is required")
	ErrPatientIDRequired = errors.New("patient ID is required in data package")
	ErrChunkSizeTooSmall = errors.New("chunk size must be at least 1024 bytes")
)

// NotImplementedError marks a category or format that is part of the
// enumeration but has no concrete implementation yet. Raised at the point of
// first real use, never silently swallowed.
type NotImplementedError struct {
	Category DataCategory
	Format   Format
}

func (e *NotImplementedError) Error() string {
	if e.Category != "" {
		return fmt.Sprintf("collector for category %q not yet implemented", e.Category)
	}
	return fmt.Sprintf("%s generator not yet implemented", e.Format)
}

// IsNotImplemented reports whether err is a NotImplementedError.
func IsNotImplemented(err error) bool {
	var nie *NotImplementedError
	return errors.As(err, &nie)
}

// UnknownCategoryError marks a value outside the closed category enumeration.
// Callers should treat it as a programming error, not a runtime condition.
type UnknownCategoryError struct {
	Category DataCategory
}

func (e *UnknownCategoryError) Error() string {
	return fmt.Sprintf("unknown data category: %q", e.Category)
}

// UnknownFormatError marks a value outside the closed format enumeration.
type UnknownFormatError struct {
	Format Format
}

func (e *UnknownFormatError) Error() string {
	return fmt.Sprintf("unsupported export format: %q", e.Format)
}
