// Package process defines the unit of work the coordination layer wraps:
// a function that turns an input image reference into a result reference.
package process

import (
	"context"
	"fmt"

	"github.com/easelworks/easel/job"
)

// Func performs one image transformation. It receives the payload of a
// claimed job and returns a reference to the produced artifact. The
// context carries the job deadline; when it expires the result is
// discarded even if the function eventually returns, so implementations
// should honor ctx and bail out early where they can.
type Func func(ctx context.Context, p job.Payload) (resultRef string, err error)

// Category classifies a transformation failure for the error summary
// stored on the job record.
type Category string

const (
	// CategoryInput marks failures caused by the payload itself, such as
	// a corrupt or unreadable source image. Retrying will not help.
	CategoryInput Category = "input"

	// CategoryTransient marks failures that may succeed on resubmission,
	// such as a dependency being briefly unavailable.
	CategoryTransient Category = "transient"

	// CategoryInternal marks unexpected failures in the transformation
	// itself. This is the default for uncategorized errors.
	CategoryInternal Category = "internal"
)

// Error wraps a transformation failure with a category. Funcs return it
// to control what the job record reports to the owner.
type Error struct {
	Category Category
	Err      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v", e.Category, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Inputf builds an input-category error.
func Inputf(format string, args ...any) *Error {
	return &Error{Category: CategoryInput, Err: fmt.Errorf(format, args...)}
}

// Transientf builds a transient-category error.
func Transientf(format string, args ...any) *Error {
	return &Error{Category: CategoryTransient, Err: fmt.Errorf(format, args...)}
}
