package cluster

import (
	"errors"
	"fmt"

	apierrors "k8s.io/apimachinery/pkg/api/errors"
)

// Reason classifies a cluster API failure for callers that need to branch on
// it without inspecting the underlying API machinery error.
type Reason string

const (
	// ReasonConflict marks a create that still conflicts after a
	// delete-and-recreate attempt.
	ReasonConflict Reason = "Conflict"
	// ReasonNotFound marks a missing resource. Delete paths tolerate it.
	ReasonNotFound Reason = "NotFound"
	// ReasonTransient marks a retriable failure; callers retry within the
	// same tick or leave state unchanged for the next one.
	ReasonTransient Reason = "Transient"
)

// ClusterError wraps a cluster API failure with a Reason and the operation
// that produced it.
type ClusterError struct {
	Reason Reason
	Op     string
	Err    error
}

func (e *ClusterError) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Reason, e.Err)
}

func (e *ClusterError) Unwrap() error {
	return e.Err
}

func wrapError(op string, err error) error {
	if err == nil {
		return nil
	}
	reason := ReasonTransient
	switch {
	case apierrors.IsNotFound(err):
		reason = ReasonNotFound
	case apierrors.IsConflict(err), apierrors.IsAlreadyExists(err):
		reason = ReasonConflict
	}
	return &ClusterError{Reason: reason, Op: op, Err: err}
}

// IsConflict reports whether err carries ReasonConflict.
func IsConflict(err error) bool {
	var cerr *ClusterError
	return errors.As(err, &cerr) && cerr.Reason == ReasonConflict
}

// IsNotFound reports whether err carries ReasonNotFound.
func IsNotFound(err error) bool {
	var cerr *ClusterError
	return errors.As(err, &cerr) && cerr.Reason == ReasonNotFound
}

// ignoreNotFound drops NotFound errors; missing resources are not errors on
// delete paths.
func ignoreNotFound(err error) error {
	if err == nil || apierrors.IsNotFound(err) || IsNotFound(err) {
		return nil
	}
	return err
}
