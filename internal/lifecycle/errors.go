package lifecycle

import (
	"errors"
	"fmt"
)

var (
	ErrConfig           = errors.New("configuration error")
	ErrNameCollision    = errors.New("sandbox name collision")
	ErrReadinessTimeout = errors.New("readiness timeout")
	ErrBootstrapFailed  = errors.New("bootstrap failed")
)

// OrchestrationError reports a failed container operation.
type OrchestrationError struct {
	Op  string
	Err error
}

func (e *OrchestrationError) Error() string {
	return fmt.Sprintf("orchestration %s: %v", e.Op, e.Err)
}

func (e *OrchestrationError) Unwrap() error { return e.Err }

func orchestrationError(op string, err error) error {
	if err == nil {
		return nil
	}
	return &OrchestrationError{Op: op, Err: err}
}
