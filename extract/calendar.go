package extract

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/sirupsen/logrus"

	"foresync/browser"
	"foresync/ratelimit"
)

var monthNames = []string{"Jan", "Feb", "Mar", "Apr", "May", "Jun", "Jul", "Aug", "Sep", "Oct", "Nov", "Dec"}

var (
	monthLabelRe = regexp.MustCompile(`^\s*([A-Za-z]{3,9})[-\s]?(\d{4})?\s*$`)
	calendarJSRe = regexp.MustCompile(`processViewCalendar\('([A-Za-z]{3,9})'(?:\s*,\s*'(\d{4})')?`)
)

// NormalizeMonth turns labels such as "JUL-2025", "July 2025", "Sept 2025" or
// "jul" into a three letter month and an optional year.
func NormalizeMonth(label string) (month, year string, ok bool) {
	s := strings.TrimSpace(label)
	if s == "" {
		return "", "", false
	}
	s = strings.NewReplacer("_", "-", "/", "-", "  ", " ").Replace(s)
	m := monthLabelRe.FindStringSubmatch(s)
	if m == nil {
		return "", "", false
	}
	word := strings.ToLower(m[1])
	for _, name := range monthNames {
		if strings.HasPrefix(strings.ToLower(fullMonth(name)), word) {
			return name, m[2], true
		}
	}
	return "", "", false
}

func fullMonth(short string) string {
	switch short {
	case "Jan":
		return "January"
	case "Feb":
		return "February"
	case "Mar":
		return "March"
	case "Apr":
		return "April"
	case "Jun":
		return "June"
	case "Jul":
		return "July"
	case "Aug":
		return "August"
	case "Sep":
		return "September"
	case "Oct":
		return "October"
	case "Nov":
		return "November"
	case "Dec":
		return "December"
	}
	return short
}

// MonthControl is a clickable month on the calendar page.
type MonthControl struct {
	Label string
	// Text is the control's visible text, used to click it.
	Text string
	// Script is the control's onclick handler, run when it has no text.
	Script string
}

func (m MonthControl) sortKey() (int, int) {
	mon, yr, _ := NormalizeMonth(m.Label)
	mi := 99
	for i, n := range monthNames {
		if n == mon {
			mi = i
		}
	}
	y, _ := strconv.Atoi(yr)
	return y, mi
}

// FindMonthControls lists the month links and buttons of the calendar page,
// one per month label, ordered by year then month. Controls without a year
// sort first.
func FindMonthControls(html string) ([]MonthControl, error) {
	doc, err := parseDoc(html)
	if err != nil {
		return nil, err
	}

	var controls []MonthControl
	seen := map[string]bool{}
	push := func(raw, text, script string) {
		mon, yr, ok := NormalizeMonth(raw)
		if !ok {
			return
		}
		label := strings.TrimSpace(mon + " " + yr)
		if seen[label] {
			return
		}
		seen[label] = true
		controls = append(controls, MonthControl{Label: label, Text: text, Script: script})
	}

	doc.Find("a[onclick*='processViewCalendar'], #list-wrapper a, ul a, a, button").Each(func(_ int, s *goquery.Selection) {
		text := cleanText(s.Text())
		lbl := text
		if lbl == "" {
			lbl = strings.TrimSpace(s.AttrOr("title", ""))
		}
		if lbl == "" {
			lbl = strings.TrimSpace(s.AttrOr("data-month", ""))
		}
		if lbl != "" {
			push(lbl, text, s.AttrOr("onclick", ""))
			return
		}
		js := s.AttrOr("onclick", "")
		if m := calendarJSRe.FindStringSubmatch(js); m != nil {
			push(strings.TrimSpace(m[1]+" "+m[2]), "", js)
		}
	})

	sort.SliceStable(controls, func(i, j int) bool {
		yi, mi := controls[i].sortKey()
		yj, mj := controls[j].sortKey()
		if yi != yj {
			return yi < yj
		}
		return mi < mj
	})
	return controls, nil
}

var calendarContainers = []string{"#list-wrapper", "div[id*='calendar']", "div.calendar", "div.Calendar"}

const calendarRenderedJS = `() => !!(document.querySelector('#list-wrapper')
	|| document.querySelector("div[class*='calendar'], div[id*='calendar']")
	|| Array.from(document.querySelectorAll('h4, h5')).some((h) => (h.innerText || '').includes('Academic Calendar')))`

const hidePortalChromeJS = `() => {
	document.querySelectorAll('div.SideBarMenu, nav.navbar, header, .navbar, .header')
		.forEach((n) => { n.style.display = 'none'; });
	document.body.style.paddingTop = '0px';
	document.body.style.marginTop = '0px';
	const lw = document.querySelector('#list-wrapper');
	const wrap = lw && lw.closest('.container, .container-fluid');
	if (wrap) wrap.style.maxWidth = '100%';
}`

func clickByTextJS(text string) string {
	return fmt.Sprintf(`() => {
	const want = %s;
	const el = Array.from(document.querySelectorAll('a, button'))
		.find((n) => (n.innerText || '').replace(/\s+/g, ' ').trim() === want);
	if (!el) return false;
	el.scrollIntoView({ block: 'center' });
	el.click();
	return true;
}`, browser.Quote(text))
}

func scrollMetricsJS(selector string) string {
	return fmt.Sprintf(`() => {
	const el = document.querySelector(%s);
	if (!el) return '';
	el.scrollIntoView({ block: 'start' });
	return JSON.stringify({ scrollHeight: el.scrollHeight, clientHeight: el.clientHeight });
}`, browser.Quote(selector))
}

func scrollToJS(selector string, y int) string {
	return fmt.Sprintf(`() => { const el = document.querySelector(%s); if (el) el.scrollTop = %d; }`, browser.Quote(selector), y)
}

// sliceOverlap keeps consecutive slices from cutting a row in half.
const sliceOverlap = 100

// CaptureCalendar clicks through every month and saves the calendar area of
// each as one or more PNG slices in dir, which is emptied first. Without month
// controls the current view is captured once. It returns the written paths.
func (e *Extractor) CaptureCalendar(dir string) ([]string, error) {
	log := e.logger.WithField("dir", dir)

	if err := os.RemoveAll(dir); err != nil {
		return nil, fmt.Errorf("failed to reset calendar directory: %w", err)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create calendar directory: %w", err)
	}

	browser.DismissOverlays(e.page, 3, log)
	browser.Try(log, "calendar_render", func() error { return browser.WaitUntil(e.page, calendarRenderedJS, e.cfg.AnchorTimeout) })
	browser.Try(log, "hide_chrome", func() error { return e.page.Exec(hidePortalChromeJS) })

	html, err := e.page.HTML()
	if err != nil {
		return nil, fmt.Errorf("failed to read calendar page: %w", err)
	}
	controls, err := FindMonthControls(html)
	if err != nil {
		return nil, err
	}

	if len(controls) == 0 {
		log.Warn("Month controls not found, saving current calendar area")
		return e.captureCalendarView(dir, "calendar", log)
	}

	var paths []string
	for i, c := range controls {
		mlog := log.WithField("month", c.Label)
		e.clickMonth(c, mlog)
		e.settle(e.cfg.Settle)
		browser.DismissOverlays(e.page, 3, mlog)
		browser.Try(mlog, "calendar_render", func() error { return browser.WaitUntil(e.page, calendarRenderedJS, e.cfg.AnchorTimeout) })

		base := fmt.Sprintf("%02d_%s", i+1, strings.NewReplacer(" ", "_", "/", "-").Replace(c.Label))
		got, err := e.captureCalendarView(dir, base, mlog)
		if err != nil {
			mlog.WithError(err).Warn("Failed to capture month")
			continue
		}
		paths = append(paths, got...)
	}

	log.WithField("files", len(paths)).Info("Academic calendar captured")
	return paths, nil
}

func (e *Extractor) clickMonth(c MonthControl, log logrus.FieldLogger) {
	if c.Text != "" && browser.BestEffort(func() (bool, error) { return e.page.EvalBool(clickByTextJS(c.Text)) }) {
		return
	}
	if c.Script != "" {
		script := fmt.Sprintf("() => { %s }", c.Script)
		browser.Try(log, "month_script", func() error { return e.page.Exec(script) })
	}
}

// captureCalendarView writes the calendar container in scroll slices, or the
// whole page when no container is visible.
func (e *Extractor) captureCalendarView(dir, base string, log logrus.FieldLogger) ([]string, error) {
	e.pace(ratelimit.ActionCapture)

	container := ""
	for _, sel := range calendarContainers {
		if browser.Visible(e.page, sel) {
			container = sel
			break
		}
	}
	if container == "" {
		log.Warn("Calendar container not found, capturing full page")
		png, err := e.page.FullScreenshot()
		if err != nil {
			return nil, fmt.Errorf("failed to capture page: %w", err)
		}
		path := filepath.Join(dir, base+".png")
		if err := os.WriteFile(path, png, 0644); err != nil {
			return nil, err
		}
		return []string{path}, nil
	}
	return e.scrollSlices(container, dir, base)
}

// scrollSlices scrolls a tall element top to bottom and screenshots the
// visible part at each step as <base>_partNN.png.
func (e *Extractor) scrollSlices(selector, dir, base string) ([]string, error) {
	var m struct {
		ScrollHeight int `json:"scrollHeight"`
		ClientHeight int `json:"clientHeight"`
	}
	raw := browser.BestEffort(func() (string, error) { return e.page.EvalString(scrollMetricsJS(selector)) })
	if raw != "" {
		_ = json.Unmarshal([]byte(raw), &m)
	}

	shoot := func(n int) (string, error) {
		png, err := e.page.ElementScreenshot(selector)
		if err != nil {
			return "", fmt.Errorf("failed to capture %s: %w", selector, err)
		}
		path := filepath.Join(dir, fmt.Sprintf("%s_part%02d.png", base, n))
		if err := os.WriteFile(path, png, 0644); err != nil {
			return "", err
		}
		return path, nil
	}

	if m.ScrollHeight <= 0 || m.ClientHeight <= 0 {
		p, err := shoot(1)
		if err != nil {
			return nil, err
		}
		return []string{p}, nil
	}

	step := m.ClientHeight - sliceOverlap
	if step < 1 {
		step = 1
	}
	var paths []string
	for y, n := 0, 1; ; n++ {
		if err := e.page.Exec(scrollToJS(selector, y)); err != nil {
			return paths, fmt.Errorf("failed to scroll %s: %w", selector, err)
		}
		e.settle(e.cfg.Settle / 2)
		p, err := shoot(n)
		if err != nil {
			return paths, err
		}
		paths = append(paths, p)
		if y+m.ClientHeight >= m.ScrollHeight-2 {
			break
		}
		y += step
		if y > m.ScrollHeight-m.ClientHeight {
			y = m.ScrollHeight - m.ClientHeight
		}
	}
	return paths, nil
}
