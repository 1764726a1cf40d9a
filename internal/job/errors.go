// Package job implements the job execution core: submission parsing,
// admission control, analyzer subprocess execution, report ingestion and the
// organisation scoped read paths.
package job

import (
	"errors"
	"fmt"
)

// ErrRateLimitExceeded rejects a submission once the analyzer's rate limit
// window is full.
var ErrRateLimitExceeded = errors.New("rate limit exceeded for analyzer")

// NotFoundError covers references to jobs, reports, analyzers or users that
// are absent or outside the requester's organisation.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.ID)
}

// IsNotFound reports whether err is a NotFoundError.
func IsNotFound(err error) bool {
	var notFound *NotFoundError

	return errors.As(err, &notFound)
}

// MissingAttributeError marks a required submission field that is absent.
type MissingAttributeError struct {
	Name string
}

func (e *MissingAttributeError) Error() string {
	return fmt.Sprintf("attribute %s is missing", e.Name)
}

// InvalidFormatError marks a submission field that is present but not in an
// accepted shape.
type InvalidFormatError struct {
	Name     string
	Expected string
}

func (e *InvalidFormatError) Error() string {
	return fmt.Sprintf("attribute %s is not a valid %s", e.Name, e.Expected)
}
