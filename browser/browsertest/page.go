// Package browsertest provides an in-memory browser.Page for tests.
package browsertest

import (
	"errors"
	"strings"
	"sync"

	"foresync/browser"
)

// ErrPageGone is returned by every call once the page is failing.
var ErrPageGone = errors.New("browsertest: page unavailable")

// Handler intercepts a script. It returns handled=false to pass the script on.
type Handler func(js string) (result any, handled bool, err error)

// Page is a scriptable fake. The zero value is not usable; call New.
type Page struct {
	mu       sync.Mutex
	url      string
	html     string
	present  map[string]bool
	visible  map[string]bool
	cookies  []browser.Cookie
	failing  bool
	closed   bool
	handlers []Handler
	onNav    func(url string)
	onClick  func(selector string)
	shot     []byte

	Navigations []string
	Clicks      []string
	Inputs      map[string]string
	Execs       []string
	Escapes     int
}

// New returns a page at url with the given document source.
func New(url, html string) *Page {
	return &Page{
		url:     url,
		html:    html,
		present: map[string]bool{},
		visible: map[string]bool{},
		Inputs:  map[string]string{},
		shot:    []byte("\x89PNG\r\n\x1a\nfake"),
	}
}

var _ browser.Page = (*Page)(nil)

func (p *Page) SetURL(url string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.url = url
}

func (p *Page) SetHTML(html string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.html = html
}

// SetFailing makes every call return ErrPageGone.
func (p *Page) SetFailing(failing bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failing = failing
}

// AddElements marks selectors as present in the document.
func (p *Page) AddElements(selectors ...string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, s := range selectors {
		p.present[s] = true
	}
}

// Show marks selectors as present and visible.
func (p *Page) Show(selectors ...string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, s := range selectors {
		p.present[s] = true
		p.visible[s] = true
	}
}

// Hide marks selectors as no longer visible.
func (p *Page) Hide(selectors ...string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, s := range selectors {
		delete(p.visible, s)
	}
}

// Handle registers a script interceptor. Later handlers run first.
func (p *Page) Handle(h Handler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlers = append([]Handler{h}, p.handlers...)
}

// Closed reports whether Close was called.
func (p *Page) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *Page) check() error {
	if p.failing {
		return ErrPageGone
	}
	return nil
}

// OnNavigate registers fn to run after every successful Navigate, letting a
// test swap in the document the new URL would load.
func (p *Page) OnNavigate(fn func(url string)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onNav = fn
}

func (p *Page) Navigate(url string) error {
	p.mu.Lock()
	if err := p.check(); err != nil {
		p.mu.Unlock()
		return err
	}
	p.Navigations = append(p.Navigations, url)
	p.url = url
	fn := p.onNav
	p.mu.Unlock()

	if fn != nil {
		fn(url)
	}
	return nil
}

// NavigationCount returns how many times Navigate succeeded.
func (p *Page) NavigationCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.Navigations)
}

func (p *Page) URL() (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.check(); err != nil {
		return "", err
	}
	return p.url, nil
}

func (p *Page) HTML() (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.check(); err != nil {
		return "", err
	}
	return p.html, nil
}

// run offers js to the handlers, outside the page lock.
func (p *Page) run(js string) (any, bool, error) {
	p.mu.Lock()
	if err := p.check(); err != nil {
		p.mu.Unlock()
		return nil, true, err
	}
	handlers := append([]Handler(nil), p.handlers...)
	p.mu.Unlock()

	for _, h := range handlers {
		if res, ok, err := h(js); ok {
			return res, true, err
		}
	}
	return nil, false, nil
}

func (p *Page) Exec(js string) error {
	p.mu.Lock()
	p.Execs = append(p.Execs, js)
	p.mu.Unlock()
	_, _, err := p.run(js)
	return err
}

func (p *Page) EvalBool(js string) (bool, error) {
	res, handled, err := p.run(js)
	if err != nil {
		return false, err
	}
	if handled {
		b, _ := res.(bool)
		return b, nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if strings.Contains(js, "document.readyState") {
		return true, nil
	}
	if strings.Contains(js, "getBoundingClientRect") {
		for sel := range p.visible {
			if strings.Contains(js, browser.Quote(sel)) {
				return true, nil
			}
		}
	}
	return false, nil
}

func (p *Page) EvalString(js string) (string, error) {
	res, _, err := p.run(js)
	if err != nil {
		return "", err
	}
	s, _ := res.(string)
	return s, nil
}

func (p *Page) Has(selector string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.check(); err != nil {
		return false, err
	}
	return p.present[selector], nil
}

// OnClick registers fn to run after every successful Click.
func (p *Page) OnClick(fn func(selector string)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onClick = fn
}

func (p *Page) Click(selector string) error {
	p.mu.Lock()
	if err := p.check(); err != nil {
		p.mu.Unlock()
		return err
	}
	if !p.present[selector] {
		p.mu.Unlock()
		return errors.New("browsertest: no element " + selector)
	}
	p.Clicks = append(p.Clicks, selector)
	fn := p.onClick
	p.mu.Unlock()

	if fn != nil {
		fn(selector)
	}
	return nil
}

// InputValue returns the last text typed into selector.
func (p *Page) InputValue(selector string) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.Inputs[selector]
}

func (p *Page) Input(selector, text string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.check(); err != nil {
		return err
	}
	if !p.present[selector] {
		return errors.New("browsertest: no element " + selector)
	}
	p.Inputs[selector] = text
	return nil
}

func (p *Page) Escape() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.check(); err != nil {
		return err
	}
	p.Escapes++
	return nil
}

func (p *Page) ElementScreenshot(selector string) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.check(); err != nil {
		return nil, err
	}
	if !p.present[selector] {
		return nil, errors.New("browsertest: no element " + selector)
	}
	return append([]byte(nil), p.shot...), nil
}

func (p *Page) FullScreenshot() ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.check(); err != nil {
		return nil, err
	}
	return append([]byte(nil), p.shot...), nil
}

func (p *Page) Cookies() ([]browser.Cookie, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.check(); err != nil {
		return nil, err
	}
	return append([]browser.Cookie(nil), p.cookies...), nil
}

func (p *Page) SetCookies(cookies []browser.Cookie) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.check(); err != nil {
		return err
	}
	p.cookies = append([]browser.Cookie(nil), cookies...)
	return nil
}

func (p *Page) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}
