package extract

import (
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"foresync/browser"
	"foresync/ratelimit"
)

// ErrMenuUnavailable is returned when a portal view never showed its anchors.
var ErrMenuUnavailable = errors.New("portal view did not load")

// Menu is one entry of the portal's Academics sidebar.
type Menu struct {
	Name string
	// DataURL is matched against the data-url attribute of the menu link.
	DataURL string
	// Label is the visible link text, used when the data-url lookup fails.
	Label string
	// Param is the ?menu= value that opens the view directly.
	Param string
	// Anchors are selectors that only exist once the view rendered.
	Anchors []string
}

var (
	TimetableMenu = Menu{
		Name:    "timetable",
		DataURL: "StudentTimeTableChn",
		Label:   "Time Table",
		Param:   "studentTimetableChn",
		Anchors: []string{"#semesterSubId", "#timeTableStyle"},
	}
	AttendanceMenu = Menu{
		Name:    "attendance",
		DataURL: "StudentAttendance",
		Label:   "Class Attendance",
		Param:   "StudentAttendance",
		Anchors: []string{"div.table-responsive table", "#semesterSubId"},
	}
	CalendarMenu = Menu{
		Name:    "calendar",
		DataURL: "academics/common/CalendarPreview",
		Label:   "Academic Calendar",
		Param:   "academics/common/CalendarPreview",
		Anchors: []string{"#semesterSubId", "#classGroupId", "#list-wrapper", "a[onclick*='processViewCalendar']"},
	}
)

const openAcademicsJS = `() => {
	const btn = Array.from(document.querySelectorAll('button.SideBarMenuBtn'))
		.find((b) => b.querySelector('.fa-graduation-cap'));
	if (!btn) return false;
	btn.click();
	return true;
}`

const academicsOpenJS = `() => !!document.querySelector('div.SideBarMenuDropDown.dropdown-menu.show')`

const resetViewJS = `() => {
	window.scrollTo(0, 0);
	if (document.activeElement) document.activeElement.blur();
}`

// clickLinkByTextJS clicks the first anchor whose text contains the label.
func clickLinkByTextJS(label string) string {
	return fmt.Sprintf(`() => {
	const want = %s;
	const a = Array.from(document.querySelectorAll('a'))
		.find((el) => (el.innerText || '').trim() === want || (el.innerText || '').includes(want));
	if (!a) return false;
	a.click();
	return true;
}`, browser.Quote(label))
}

// Open goes to the content page, opens the Academics menu and clicks m,
// falling back to the direct ?menu= URL. It retries whole cycles until one
// of m's anchors is present.
func (e *Extractor) Open(m Menu) error {
	log := e.logger.WithField("menu", m.Name)

	for cycle := 1; cycle <= e.cfg.MaxCycles; cycle++ {
		clog := log.WithField("cycle", cycle)
		e.pace(ratelimit.ActionNavigate)

		if err := e.page.Navigate(e.cfg.ContentURL); err != nil {
			return fmt.Errorf("failed to open content page: %w", err)
		}
		browser.Try(clog, "wait_ready", func() error { return browser.WaitReady(e.page, e.cfg.AnchorTimeout) })
		e.settle(e.cfg.Settle / 2)
		e.clearOverlays(clog)
		browser.Try(clog, "reset_view", func() error { return e.page.Exec(resetViewJS) })

		e.openAcademics(clog)

		if !e.clickMenuItem(m, clog) {
			clog.Debug("Menu item not clickable, opening view by URL")
			target := e.cfg.ContentURL + "?menu=" + m.Param
			browser.Try(clog, "navigate_menu_param", func() error { return e.page.Navigate(target) })
		}

		e.clearOverlays(clog)
		if anchor, err := browser.WaitPresent(e.page, m.Anchors, e.cfg.AnchorTimeout); err == nil {
			clog.WithField("anchor", anchor).Info("Portal view loaded")
			return nil
		}
		e.settle(e.cfg.Settle)
	}

	log.Warn("Could not confirm portal view after retries")
	return fmt.Errorf("%s: %w", m.Name, ErrMenuUnavailable)
}

func (e *Extractor) openAcademics(log logrus.FieldLogger) {
	if !browser.BestEffort(func() (bool, error) { return e.page.EvalBool(openAcademicsJS) }) {
		return
	}
	if browser.WaitUntil(e.page, academicsOpenJS, e.cfg.Settle*4) == nil {
		return
	}
	// The first click sometimes lands before the sidebar script binds.
	browser.BestEffort(func() (bool, error) { return e.page.EvalBool(openAcademicsJS) })
	browser.Try(log, "academics_menu", func() error { return browser.WaitUntil(e.page, academicsOpenJS, e.cfg.Settle*4) })
}

func (m Menu) itemSelector() string {
	return fmt.Sprintf("a.systemBtnMenu[data-url*=%s]", browser.Quote(m.DataURL))
}

func (e *Extractor) clickMenuItem(m Menu, log logrus.FieldLogger) bool {
	sel := m.itemSelector()
	if browser.BestEffort(func() (bool, error) { return e.page.Has(sel) }) {
		if browser.Try(log, "click_menu_item", func() error { return e.page.Click(sel) }) {
			return true
		}
	}
	return browser.BestEffort(func() (bool, error) { return e.page.EvalBool(clickLinkByTextJS(m.Label)) })
}

// clearOverlays closes the portal's notice popup and any modal left over.
func (e *Extractor) clearOverlays(log logrus.FieldLogger) {
	browser.DismissAlertModal(e.page, e.cfg.AlertClose, log)
	browser.DismissOverlays(e.page, 3, log)
}

func (e *Extractor) settle(d time.Duration) {
	if d > 0 {
		time.Sleep(d)
	}
}
