package browser

import (
	"fmt"

	"github.com/sirupsen/logrus"
)

// BestEffort runs fn and returns its value, or the zero value when fn fails
// or panics. Lookups against a page that is mid-navigation fail routinely;
// callers treat the zero value as "signal absent".
func BestEffort[T any](fn func() (T, error)) (v T) {
	defer func() {
		if r := recover(); r != nil {
			var zero T
			v = zero
		}
	}()
	res, err := fn()
	if err != nil {
		var zero T
		return zero
	}
	return res
}

// Try runs fn and reports whether it succeeded. Failures are logged at debug
// level under op and otherwise swallowed.
func Try(log logrus.FieldLogger, op string, fn func() error) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			if log != nil {
				log.WithField("op", op).WithError(fmt.Errorf("panic: %v", r)).Debug("Best-effort step failed")
			}
			ok = false
		}
	}()
	if err := fn(); err != nil {
		if log != nil {
			log.WithField("op", op).WithError(err).Debug("Best-effort step failed")
		}
		return false
	}
	return true
}
