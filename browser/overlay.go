package browser

import (
	"time"

	"github.com/sirupsen/logrus"
)

// Close controls seen on the portal's popups and bootstrap modals.
var overlayCloseSelectors = []string{
	"#btnClosePopup",
	".modal.show button.btn-close",
	".modal.show button.close",
	".modal.show [data-bs-dismiss='modal']",
	".modal.show [data-dismiss='modal']",
	".modal-footer button.btn-secondary",
}

const overlayPresentJS = `() => {
	const visible = (el) => {
		const r = el.getBoundingClientRect();
		const s = window.getComputedStyle(el);
		return r.width > 0 && r.height > 0 && s.visibility !== 'hidden' && s.display !== 'none';
	};
	const nodes = document.querySelectorAll('.modal.show, .modal-backdrop, .swal2-container');
	for (const n of nodes) { if (visible(n)) return true; }
	return false;
}`

const overlayKillJS = `() => {
	document.querySelectorAll('.modal.show').forEach((m) => {
		m.classList.remove('show');
		m.style.display = 'none';
		m.setAttribute('aria-hidden', 'true');
	});
	document.querySelectorAll('.modal-backdrop, .fade.show').forEach((b) => b.remove());
	document.body.classList.remove('modal-open');
	document.body.style.removeProperty('overflow');
	document.body.style.removeProperty('padding-right');
}`

// DismissAlertModal closes the portal's alert popup if it is showing.
func DismissAlertModal(page Page, closeSelector string, log logrus.FieldLogger) bool {
	if closeSelector == "" {
		closeSelector = "#btnClosePopup"
	}
	if !Visible(page, closeSelector) {
		return false
	}
	closed := Try(log, "dismiss_alert_modal", func() error { return page.Click(closeSelector) })
	if closed {
		time.Sleep(300 * time.Millisecond)
	}
	return closed
}

// DismissOverlays clears modals and backdrops that would intercept clicks.
// Each round tries the close controls, then Escape, then hides whatever is
// left by script. It reports whether the page ended up overlay free.
func DismissOverlays(page Page, rounds int, log logrus.FieldLogger) bool {
	if rounds <= 0 {
		rounds = 3
	}
	for i := 0; i < rounds; i++ {
		if !BestEffort(func() (bool, error) { return page.EvalBool(overlayPresentJS) }) {
			return true
		}
		for _, sel := range overlayCloseSelectors {
			if Visible(page, sel) {
				Try(log, "overlay_close", func() error { return page.Click(sel) })
			}
		}
		Try(log, "overlay_escape", page.Escape)
		Try(log, "overlay_kill", func() error { return page.Exec(overlayKillJS) })
		time.Sleep(200 * time.Millisecond)
	}
	return !BestEffort(func() (bool, error) { return page.EvalBool(overlayPresentJS) })
}
