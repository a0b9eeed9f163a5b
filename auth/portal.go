package auth

import (
	"fmt"
	"time"

	"foresync/browser"
)

// Picks the "Student" entry on the portal's role chooser.
const selectStudentRoleJS = `() => {
	const candidates = Array.from(document.querySelectorAll('button, a, [role=button], .card, span'));
	const byText = candidates.find((el) => /^\s*student\s*$/i.test(el.innerText || ''));
	const el = byText || document.querySelector("[onclick*='student' i], [data-value*='student' i], a[href*='student' i]");
	if (!el) return false;
	el.click();
	return true;
}`

// OpenLoginPage loads the login page, chooses the student role when the
// portal asks for one and clears the notice popup.
func (a *AuthManager) OpenLoginPage() error {
	log := a.logger.WithField("session_id", a.sessionID)
	log.WithField("url", a.cfg.LoginURL).Info("Navigating to login page")

	if err := a.page.Navigate(a.cfg.LoginURL); err != nil {
		return &LoginFormError{Step: "navigate", Err: err}
	}
	browser.Try(log, "wait_ready", func() error { return browser.WaitReady(a.page, a.cfg.PageLoadTimeout) })
	browser.DismissAlertModal(a.page, a.cfg.Selectors.AlertClose, log)

	if !a.hasLoginForm() {
		if browser.BestEffort(func() (bool, error) { return a.page.EvalBool(selectStudentRoleJS) }) {
			log.Info("Selected student role")
			time.Sleep(time.Second)
			browser.Try(log, "wait_ready", func() error { return browser.WaitReady(a.page, a.cfg.PageLoadTimeout) })
			browser.DismissAlertModal(a.page, a.cfg.Selectors.AlertClose, log)
		}
	}

	if _, err := browser.WaitFor(a.page, []string{a.cfg.Selectors.Username}, a.cfg.PageLoadTimeout); err != nil {
		return &LoginFormError{Step: "load", Err: err}
	}
	return nil
}

// ensureLoginForm makes sure the username field is on screen, reloading the
// login page when it is not or when fresh is set.
func (a *AuthManager) ensureLoginForm(fresh bool) error {
	if !fresh && a.hasLoginForm() {
		return nil
	}
	return a.OpenLoginPage()
}

func (a *AuthManager) hasLoginForm() bool {
	return browser.BestEffort(func() (bool, error) { return a.page.Has(a.cfg.Selectors.Username) })
}

func (a *AuthManager) fillCredentials(username, password string) error {
	a.logger.WithField("session_id", a.sessionID).Info("Filling login credentials")

	if err := a.page.Input(a.cfg.Selectors.Username, username); err != nil {
		return &LoginFormError{Step: "fill", Err: fmt.Errorf("username field: %w", err)}
	}
	if err := a.page.Input(a.cfg.Selectors.Password, password); err != nil {
		return &LoginFormError{Step: "fill", Err: fmt.Errorf("password field: %w", err)}
	}
	return nil
}
