// Package fault classifies errors returned by transports and schedulers as
// transient (worth retrying) or permanent (retrying cannot help).
package fault

import (
	"errors"
	"fmt"
)

// Kind tells the lifecycle engine how to react to a failed call.
type Kind int

const (
	// KindTransient covers network blips, timeouts and temporarily
	// unavailable services. Retried with backoff until the budget runs out.
	KindTransient Kind = iota

	// KindPermanent covers bad input, rejected credentials and explicit
	// refusals by the remote side.
	KindPermanent
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindPermanent:
		return "permanent"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Sentinel causes. Wrap them with Transient or Permanent so callers can match
// both the kind and the cause.
var (
	// ErrNotFound indicates the remote path or job does not exist.
	ErrNotFound = errors.New("not found")

	// ErrAuth indicates authentication or authorization was refused.
	ErrAuth = errors.New("authentication rejected")

	// ErrRejected indicates the remote side refused the request as invalid.
	ErrRejected = errors.New("request rejected")

	// ErrUnsupported indicates the operation is not available on this backend.
	ErrUnsupported = errors.New("operation not supported")

	// ErrUnavailable indicates the remote service could not be reached.
	ErrUnavailable = errors.New("service unavailable")
)

// Error wraps a collaborator error with the operation and its kind.
type Error struct {
	Op   string
	Kind Kind
	Err  error
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("%s (%s): %v", e.Op, e.Kind, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *Error) Unwrap() error {
	return e.Err
}

// Transient wraps err as a transient failure of op.
func Transient(op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Op: op, Kind: KindTransient, Err: err}
}

// Permanent wraps err as a permanent failure of op.
func Permanent(op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Op: op, Kind: KindPermanent, Err: err}
}

// KindOf returns the kind of err. Errors that carry no kind and match no
// permanent sentinel (timeouts, resets, refused connections) are transient.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	if errors.Is(err, ErrAuth) || errors.Is(err, ErrRejected) || errors.Is(err, ErrUnsupported) {
		return KindPermanent
	}
	return KindTransient
}

// Classify ensures err carries a kind, wrapping unclassified errors under op.
func Classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var fe *Error
	if errors.As(err, &fe) {
		return err
	}
	return &Error{Op: op, Kind: KindOf(err), Err: err}
}

// IsTransient reports whether err should be retried.
func IsTransient(err error) bool {
	return err != nil && KindOf(err) == KindTransient
}

// IsPermanent reports whether err cannot be fixed by retrying.
func IsPermanent(err error) bool {
	return err != nil && KindOf(err) == KindPermanent
}

// IsNotFound reports whether err was caused by a missing remote object.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
