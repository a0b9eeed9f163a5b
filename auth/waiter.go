package auth

import (
	"time"

	"github.com/sirupsen/logrus"

	"foresync/browser"
	"foresync/outcome"
	"foresync/probe"
)

// DefaultPollInterval is how often the waiter looks at the page.
const DefaultPollInterval = 500 * time.Millisecond

// Waiter blocks until the user has submitted the login form and the portal
// has answered.
type Waiter struct {
	page     browser.Page
	detector *outcome.Detector
	probe    *probe.Probe
	interval time.Duration
	logger   logrus.FieldLogger
}

func NewWaiter(page browser.Page, detector *outcome.Detector, p *probe.Probe, interval time.Duration, logger logrus.FieldLogger) *Waiter {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &Waiter{page: page, detector: detector, probe: p, interval: interval, logger: logger}
}

// AwaitResult returns true once the page shows a success marker and false on
// an explicit failure message or when idle passes without one.
//
// While idle it polls for an outcome and for the probe's submit flag. Once a
// submit is seen it polls for up to outcomeTimeout; if the portal stays
// silent the probe is re-armed and idle polling resumes until the idle
// deadline. The outcome phase is not cut short by the idle deadline.
func (w *Waiter) AwaitResult(idle, outcomeTimeout time.Duration) bool {
	idleDeadline := time.Now().Add(idle)
	for time.Now().Before(idleDeadline) {
		time.Sleep(w.interval)

		if done, ok := w.settled(); done {
			return ok
		}
		if !w.probe.Clicked(w.page) {
			continue
		}

		w.logger.Info("Submit detected, waiting for the portal to respond")
		outcomeDeadline := time.Now().Add(outcomeTimeout)
		for time.Now().Before(outcomeDeadline) {
			time.Sleep(w.interval)
			if done, ok := w.settled(); done {
				return ok
			}
		}

		w.logger.WithField("timeout", outcomeTimeout).Warn("No response after submit, waiting for another submit")
		w.probe.Arm(w.page)
	}
	w.logger.WithField("idle", idle).Warn("Timed out waiting for login submit")
	return false
}

// settled evaluates the page once. done is false while the outcome is pending.
func (w *Waiter) settled() (done, ok bool) {
	o := w.detector.Check(w.page)
	switch {
	case o == outcome.Success:
		return true, true
	case o.Failed():
		w.logger.WithField("outcome", o.String()).Debug("Portal rejected the login")
		return true, false
	}
	return false, false
}
