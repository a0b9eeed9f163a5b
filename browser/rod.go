package browser

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/input"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/sirupsen/logrus"
)

// Options configures a launched browser.
type Options struct {
	Headless       bool
	Bin            string
	UserAgent      string
	UserDataDir    string
	WindowWidth    int
	WindowHeight   int
	ElementTimeout time.Duration
	NavTimeout     time.Duration
}

// Browser owns one launched browser process.
type Browser struct {
	browser  *rod.Browser
	launcher *launcher.Launcher
	opts     Options
	logger   *logrus.Logger
}

// Launch starts a browser process and connects to it.
func Launch(opts Options, logger *logrus.Logger) (*Browser, error) {
	logger.WithField("headless", opts.Headless).Info("Initializing browser")

	if opts.WindowWidth == 0 || opts.WindowHeight == 0 {
		opts.WindowWidth, opts.WindowHeight = 1920, 1080
	}
	if opts.ElementTimeout == 0 {
		opts.ElementTimeout = 10 * time.Second
	}
	if opts.NavTimeout == 0 {
		opts.NavTimeout = 30 * time.Second
	}

	l := launcher.New()
	if opts.Bin != "" {
		l = l.Bin(opts.Bin)
	}
	l = l.Leakless(false).
		Headless(opts.Headless).
		Set("no-sandbox").
		Set("disable-dev-shm-usage").
		Set("disable-gpu").
		Set("no-first-run").
		Set("no-default-browser-check").
		Set("disable-popup-blocking").
		Set("window-size", fmt.Sprintf("%d,%d", opts.WindowWidth, opts.WindowHeight))
	if opts.UserAgent != "" {
		l = l.Set("user-agent", opts.UserAgent)
	}
	if opts.UserDataDir != "" {
		dir := filepath.Join(opts.UserDataDir, fmt.Sprintf("browser-data-%s", time.Now().Format("20060102-150405.000")))
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create user data directory: %w", err)
		}
		l = l.UserDataDir(dir)
	}

	url, err := l.Launch()
	if err != nil {
		return nil, fmt.Errorf("failed to launch browser: %w", err)
	}

	b := rod.New().ControlURL(url)
	if err := b.Connect(); err != nil {
		l.Kill()
		return nil, fmt.Errorf("failed to connect to browser: %w", err)
	}

	logger.Info("Browser initialized successfully")
	return &Browser{browser: b, launcher: l, opts: opts, logger: logger}, nil
}

// NewPage opens a tab at url (blank when empty).
func (b *Browser) NewPage(url string) (Page, error) {
	p, err := b.browser.Page(proto.TargetCreateTarget{URL: url})
	if err != nil {
		return nil, fmt.Errorf("failed to create page: %w", err)
	}
	if err := (proto.EmulationSetDeviceMetricsOverride{
		Width:  b.opts.WindowWidth,
		Height: b.opts.WindowHeight,
	}).Call(p); err != nil {
		b.logger.WithError(err).Debug("Failed to set viewport")
	}
	return &RodPage{page: p, opts: b.opts, logger: b.logger}, nil
}

// Close shuts the browser down and removes its process.
func (b *Browser) Close() error {
	err := b.browser.Close()
	if b.launcher != nil {
		b.launcher.Kill()
		b.launcher.Cleanup()
	}
	if err != nil {
		return fmt.Errorf("failed to close browser: %w", err)
	}
	return nil
}

// RodPage implements Page on top of a go-rod page.
type RodPage struct {
	page   *rod.Page
	opts   Options
	logger *logrus.Logger
}

func (p *RodPage) Navigate(url string) error {
	pg := p.page.Timeout(p.opts.NavTimeout)
	defer pg.CancelTimeout()
	if err := pg.Navigate(url); err != nil {
		return fmt.Errorf("failed to navigate to %s: %w", url, err)
	}
	if err := pg.WaitLoad(); err != nil {
		p.logger.WithField("url", url).WithError(err).Debug("Page load wait failed")
	}
	return nil
}

func (p *RodPage) URL() (string, error) {
	info, err := p.page.Info()
	if err != nil {
		return "", fmt.Errorf("failed to read page info: %w", err)
	}
	return info.URL, nil
}

func (p *RodPage) HTML() (string, error) {
	pg := p.page.Timeout(p.opts.ElementTimeout)
	defer pg.CancelTimeout()
	return pg.HTML()
}

func (p *RodPage) eval(js string) (*proto.RuntimeRemoteObject, error) {
	pg := p.page.Timeout(p.opts.ElementTimeout)
	defer pg.CancelTimeout()
	return pg.Eval(js)
}

func (p *RodPage) Exec(js string) error {
	_, err := p.eval(js)
	return err
}

func (p *RodPage) EvalBool(js string) (bool, error) {
	res, err := p.eval(js)
	if err != nil {
		return false, err
	}
	return res.Value.Bool(), nil
}

func (p *RodPage) EvalString(js string) (string, error) {
	res, err := p.eval(js)
	if err != nil {
		return "", err
	}
	return res.Value.Str(), nil
}

func (p *RodPage) Has(selector string) (bool, error) {
	has, _, err := p.page.Has(selector)
	return has, err
}

func (p *RodPage) element(selector string) (*rod.Element, func(), error) {
	pg := p.page.Timeout(p.opts.ElementTimeout)
	el, err := pg.Element(selector)
	if err != nil {
		pg.CancelTimeout()
		return nil, nil, fmt.Errorf("element not found: %s: %w", selector, err)
	}
	return el, func() { pg.CancelTimeout() }, nil
}

func (p *RodPage) Click(selector string) error {
	el, done, err := p.element(selector)
	if err != nil {
		return err
	}
	defer done()
	if err := el.ScrollIntoView(); err != nil {
		p.logger.WithField("selector", selector).WithError(err).Debug("Scroll into view failed")
	}
	return el.Click(proto.InputMouseButtonLeft, 1)
}

func (p *RodPage) Input(selector, text string) error {
	el, done, err := p.element(selector)
	if err != nil {
		return err
	}
	defer done()
	if err := el.SelectAllText(); err != nil {
		return fmt.Errorf("failed to clear %s: %w", selector, err)
	}
	if text == "" {
		_, err := el.Eval(`function() { this.value = '' }`)
		return err
	}
	return el.Input(text)
}

func (p *RodPage) Escape() error {
	return p.page.Keyboard.Type(input.Escape)
}

func (p *RodPage) ElementScreenshot(selector string) ([]byte, error) {
	el, done, err := p.element(selector)
	if err != nil {
		return nil, err
	}
	defer done()
	if err := el.ScrollIntoView(); err != nil {
		p.logger.WithField("selector", selector).WithError(err).Debug("Scroll into view failed")
	}
	return el.Screenshot(proto.PageCaptureScreenshotFormatPng, 0)
}

func (p *RodPage) FullScreenshot() ([]byte, error) {
	return p.page.Screenshot(true, &proto.PageCaptureScreenshot{
		Format: proto.PageCaptureScreenshotFormatPng,
	})
}

func (p *RodPage) Cookies() ([]Cookie, error) {
	raw, err := p.page.Cookies(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to read cookies: %w", err)
	}
	cookies := make([]Cookie, 0, len(raw))
	for _, c := range raw {
		cookies = append(cookies, Cookie{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			Expires:  float64(c.Expires),
			HTTPOnly: c.HTTPOnly,
			Secure:   c.Secure,
		})
	}
	return cookies, nil
}

func (p *RodPage) SetCookies(cookies []Cookie) error {
	params := make([]*proto.NetworkCookieParam, 0, len(cookies))
	for _, c := range cookies {
		params = append(params, &proto.NetworkCookieParam{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			Expires:  proto.TimeSinceEpoch(c.Expires),
			HTTPOnly: c.HTTPOnly,
			Secure:   c.Secure,
		})
	}
	if err := p.page.SetCookies(params); err != nil {
		return fmt.Errorf("failed to set cookies: %w", err)
	}
	return nil
}

func (p *RodPage) Close() error {
	return p.page.Close()
}
