package core

import (
	"errors"
	"fmt"
)

// InvocationErrorKind classifies a failed watch invocation.
type InvocationErrorKind int

const (
	// InvocationOther covers transient, network and unspecified
	// failures. The reflector retries after a backoff.
	InvocationOther InvocationErrorKind = iota
	// InvocationDesync means the server no longer has the history
	// needed to resume from the requested resource version. Only a
	// full resync recovers.
	InvocationDesync
)

func (k InvocationErrorKind) String() string {
	switch k {
	case InvocationDesync:
		return "desync"
	case InvocationOther:
		return "other"
	default:
		return fmt.Sprintf("InvocationErrorKind(%d)", int(k))
	}
}

// InvocationError is returned when a watch cannot be established.
type InvocationError struct {
	Kind InvocationErrorKind
	Err  error
}

// NewDesyncError wraps err as an InvocationDesync error.
func NewDesyncError(err error) *InvocationError {
	return &InvocationError{Kind: InvocationDesync, Err: err}
}

// NewInvocationError wraps err as an InvocationOther error.
func NewInvocationError(err error) *InvocationError {
	return &InvocationError{Kind: InvocationOther, Err: err}
}

func (e *InvocationError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("watch invocation failed (%s)", e.Kind)
	}
	return fmt.Sprintf("watch invocation failed (%s): %v", e.Kind, e.Err)
}

func (e *InvocationError) Unwrap() error {
	return e.Err
}

// IsDesync reports whether any error in err's chain is an
// InvocationError of kind InvocationDesync.
func IsDesync(err error) bool {
	var ie *InvocationError
	return errors.As(err, &ie) && ie.Kind == InvocationDesync
}

// StreamError is an error encountered while consuming an established
// watch stream. It always ends the stream.
type StreamError struct {
	Err error
}

func (e *StreamError) Error() string {
	return fmt.Sprintf("watch stream failed: %v", e.Err)
}

func (e *StreamError) Unwrap() error {
	return e.Err
}

// ErrInvalidOptions indicates a configuration-level failure such as a
// malformed selector. It is the only error that stops a reflector.
type ErrInvalidOptions struct {
	Field   string
	Message string
}

func (e *ErrInvalidOptions) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
	}
	return e.Message
}

// ErrResourceNotFound indicates that a lookup named a resource that is
// not mirrored.
type ErrResourceNotFound struct {
	Resource string
}

func (e *ErrResourceNotFound) Error() string {
	return fmt.Sprintf("resource %s not mirrored", e.Resource)
}

// ErrObjectNotFound indicates that a mirrored resource holds no object
// under the requested key.
type ErrObjectNotFound struct {
	Resource string
	Key      string
}

func (e *ErrObjectNotFound) Error() string {
	return fmt.Sprintf("%s %q not found in mirror", e.Resource, e.Key)
}
