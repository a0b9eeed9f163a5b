// Package browser exposes the slice of a controlled browser that the login
// flow and the extractors need, and a go-rod implementation of it.
package browser

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrTimeout is returned by the wait helpers when their predicate never held.
var ErrTimeout = errors.New("timed out waiting for page")

// Cookie is a browser cookie as captured from or restored into a page.
type Cookie struct {
	Name     string  `json:"name"`
	Value    string  `json:"value"`
	Domain   string  `json:"domain,omitempty"`
	Path     string  `json:"path,omitempty"`
	Expires  float64 `json:"expires,omitempty"`
	HTTPOnly bool    `json:"httpOnly,omitempty"`
	Secure   bool    `json:"secure,omitempty"`
}

// Page is one tab of a controlled browser. Scripts passed to Exec and the Eval
// methods are JavaScript function expressions such as `() => document.title`.
type Page interface {
	Navigate(url string) error
	URL() (string, error)
	// HTML returns the current rendered document source.
	HTML() (string, error)
	Exec(js string) error
	EvalBool(js string) (bool, error)
	EvalString(js string) (string, error)
	// Has reports whether selector currently matches, without waiting.
	Has(selector string) (bool, error)
	Click(selector string) error
	// Input replaces the value of the matched field with text.
	Input(selector, text string) error
	// Escape presses the Escape key on the focused document.
	Escape() error
	ElementScreenshot(selector string) ([]byte, error)
	FullScreenshot() ([]byte, error)
	Cookies() ([]Cookie, error)
	SetCookies(cookies []Cookie) error
	Close() error
}

const defaultPollInterval = 250 * time.Millisecond

// WaitUntil polls the boolean script until it yields true or timeout passes.
// Evaluation errors count as false.
func WaitUntil(page Page, js string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		if ok := BestEffort(func() (bool, error) { return page.EvalBool(js) }); ok {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("%w: %s", ErrTimeout, js)
		}
		time.Sleep(defaultPollInterval)
	}
}

// WaitReady waits for document.readyState to become complete.
func WaitReady(page Page, timeout time.Duration) error {
	return WaitUntil(page, `() => document.readyState === 'complete'`, timeout)
}

// WaitFor waits until any of the selectors matches a visible element and
// returns the first selector that did.
func WaitFor(page Page, selectors []string, timeout time.Duration) (string, error) {
	deadline := time.Now().Add(timeout)
	for {
		for _, sel := range selectors {
			if Visible(page, sel) {
				return sel, nil
			}
		}
		if time.Now().After(deadline) {
			return "", fmt.Errorf("%w: none of %s", ErrTimeout, strings.Join(selectors, ", "))
		}
		time.Sleep(defaultPollInterval)
	}
}

// WaitPresent is WaitFor without the visibility requirement.
func WaitPresent(page Page, selectors []string, timeout time.Duration) (string, error) {
	deadline := time.Now().Add(timeout)
	for {
		for _, sel := range selectors {
			if BestEffort(func() (bool, error) { return page.Has(sel) }) {
				return sel, nil
			}
		}
		if time.Now().After(deadline) {
			return "", fmt.Errorf("%w: none of %s present", ErrTimeout, strings.Join(selectors, ", "))
		}
		time.Sleep(defaultPollInterval)
	}
}

// Visible reports whether selector matches an element that takes up space on
// screen. Any failure is reported as not visible.
func Visible(page Page, selector string) bool {
	js := fmt.Sprintf(`() => {
		const el = document.querySelector(%s);
		if (!el) return false;
		const r = el.getBoundingClientRect();
		const s = window.getComputedStyle(el);
		return r.width > 0 && r.height > 0 && s.visibility !== 'hidden' && s.display !== 'none';
	}`, Quote(selector))
	return BestEffort(func() (bool, error) { return page.EvalBool(js) })
}

// Quote renders s as a JavaScript string literal.
func Quote(s string) string {
	b, err := json.Marshal(s)
	if err != nil {
		return `""`
	}
	return string(b)
}
