package dispatch

import (
	"errors"
	"fmt"
)

var (
	ErrTransient = errors.New("transient broker error")
	ErrRejected  = errors.New("order rejected")
	ErrAuth      = errors.New("broker authentication failed")

	ErrDuplicate    = errors.New("duplicate order for dedupe key")
	ErrQueueFull    = errors.New("order queue saturated")
	ErrClosed       = errors.New("dispatcher closed")
	ErrDrainTimeout = errors.New("drain timed out with abandoned orders")
)

// ErrorKind classifies broker failures for the retry policy.
type ErrorKind int

const (
	KindTransient ErrorKind = iota
	KindRejected
	KindAuth
)

func (k ErrorKind) String() string {
	switch k {
	case KindRejected:
		return "rejected"
	case KindAuth:
		return "auth"
	default:
		return "transient"
	}
}

func (k ErrorKind) sentinel() error {
	switch k {
	case KindRejected:
		return ErrRejected
	case KindAuth:
		return ErrAuth
	default:
		return ErrTransient
	}
}

// BrokerError is returned by Broker implementations. errors.Is matches the
// sentinel of its Kind (ErrTransient, ErrRejected, ErrAuth).
type BrokerError struct {
	Kind       ErrorKind
	StatusCode int    // HTTP status, 0 for network failures
	Code       int    // venue error code, if any
	Message    string // venue error message
	Err        error  // underlying cause, if any
}

func (e *BrokerError) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s broker error (status %d, code %d): %s", e.Kind, e.StatusCode, e.Code, msg)
	}
	return fmt.Sprintf("%s broker error: %s", e.Kind, msg)
}

func (e *BrokerError) Unwrap() error { return e.Err }

func (e *BrokerError) Is(target error) bool {
	return target == e.Kind.sentinel()
}

// Classify returns the kind of err. Errors that are not *BrokerError count as transient.
func Classify(err error) ErrorKind {
	var be *BrokerError
	if errors.As(err, &be) {
		return be.Kind
	}
	return KindTransient
}
