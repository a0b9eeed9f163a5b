package auth

import (
	"errors"
	"fmt"
)

var (
	// ErrCredentialRejected means the portal showed a bad username/password message.
	ErrCredentialRejected = errors.New("credentials rejected")
	// ErrChallengeRejected means the portal showed a bad challenge answer message.
	ErrChallengeRejected = errors.New("challenge answer rejected")
	// ErrAmbiguousTimeout means the wait ended with no recognisable outcome.
	ErrAmbiguousTimeout = errors.New("no login outcome observed")
)

// AttemptsExhaustedError is returned when every allowed attempt failed.
type AttemptsExhaustedError struct {
	Attempts int
	Last     error
}

func (e *AttemptsExhaustedError) Error() string {
	if e.Last != nil {
		return fmt.Sprintf("login failed after %d attempts: %v", e.Attempts, e.Last)
	}
	return fmt.Sprintf("login failed after %d attempts", e.Attempts)
}

func (e *AttemptsExhaustedError) Unwrap() error { return e.Last }

// LoginFormError means the login form could not be reached or filled. The
// browser session is unusable when this is returned.
type LoginFormError struct {
	Step string
	Err  error
}

func (e *LoginFormError) Error() string {
	return fmt.Sprintf("login form %s: %v", e.Step, e.Err)
}

func (e *LoginFormError) Unwrap() error { return e.Err }

// IsAttemptsExhausted checks if the error is an exhausted retry loop
func IsAttemptsExhausted(err error) bool {
	var target *AttemptsExhaustedError
	return errors.As(err, &target)
}

// IsLoginForm checks if the error is a login form failure
func IsLoginForm(err error) bool {
	var target *LoginFormError
	return errors.As(err, &target)
}
