package extract

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"foresync/browser"
)

const (
	SemesterSelect   = "select#semesterSubId"
	ClassGroupSelect = "select#classGroupId"
)

// selectOptionJS picks the option whose text equals want, or failing that
// contains it case-insensitively, and fires change so dependent views load.
func selectOptionJS(selector, want string) string {
	return fmt.Sprintf(`() => {
	const sel = document.querySelector(%s);
	if (!sel) return false;
	const want = %s;
	const opts = Array.from(sel.options);
	let idx = opts.findIndex((o) => (o.text || '').trim() === want);
	if (idx < 0) idx = opts.findIndex((o) => (o.text || '').toLowerCase().includes(want.toLowerCase()));
	if (idx < 0) return false;
	sel.selectedIndex = idx;
	sel.dispatchEvent(new Event('change', { bubbles: true }));
	return true;
}`, browser.Quote(selector), browser.Quote(want))
}

func optionLabelsJS(selector string) string {
	return fmt.Sprintf(`() => {
	const sel = document.querySelector(%s);
	if (!sel) return '[]';
	return JSON.stringify(Array.from(sel.options)
		.filter((o) => (o.value || '').trim() !== '')
		.map((o) => (o.text || '').trim() || o.value));
}`, browser.Quote(selector))
}

func selectedLabelJS(selector string) string {
	return fmt.Sprintf(`() => {
	const sel = document.querySelector(%s);
	if (!sel || sel.selectedIndex < 0) return '';
	const o = sel.options[sel.selectedIndex];
	return ((o.text || '').trim() || o.value || '').trim();
}`, browser.Quote(selector))
}

const clickSearchJS = `() => {
	const btn = Array.from(document.querySelectorAll('button'))
		.find((b) => /search|view|submit/i.test(b.innerText || '')) || document.querySelector('button.btn-primary');
	if (!btn) return false;
	btn.click();
	return true;
}`

// Options lists the non-empty options of a dropdown.
func Options(page browser.Page, selector string) []string {
	raw := browser.BestEffort(func() (string, error) { return page.EvalString(optionLabelsJS(selector)) })
	var labels []string
	if raw == "" || json.Unmarshal([]byte(raw), &labels) != nil {
		return nil
	}
	return labels
}

// SelectedLabel returns the text of the selected option, or "".
func SelectedLabel(page browser.Page, selector string) string {
	return browser.BestEffort(func() (string, error) { return page.EvalString(selectedLabelJS(selector)) })
}

// ResolveChoice maps a shortcut like "S2" to the second option. Anything
// else is returned unchanged so it can be matched as option text.
func ResolveChoice(options []string, choice string) string {
	c := strings.TrimSpace(choice)
	upper := strings.ToUpper(c)
	if strings.HasPrefix(upper, "S") {
		if n, err := strconv.Atoi(upper[1:]); err == nil && n >= 1 && n <= len(options) {
			return options[n-1]
		}
	}
	return c
}

// SelectOption picks an option by visible text (exact, then substring).
// Shortcuts such as "S1" are resolved against the dropdown first. It
// reports whether an option was chosen; an empty choice is a no-op.
func (e *Extractor) SelectOption(selector, choice string) bool {
	if strings.TrimSpace(choice) == "" {
		return false
	}
	log := e.logger.WithField("select", selector)
	if _, err := browser.WaitPresent(e.page, []string{selector}, e.cfg.SelectTimeout); err != nil {
		log.Info("Dropdown not present, keeping the portal's default")
		return false
	}

	want := ResolveChoice(Options(e.page, selector), choice)
	if !browser.BestEffort(func() (bool, error) { return e.page.EvalBool(selectOptionJS(selector, want)) }) {
		log.WithField("choice", want).Warn("No dropdown option matched")
		return false
	}
	e.settle(e.cfg.Settle)
	log.WithField("selected", SelectedLabel(e.page, selector)).Info("Dropdown option selected")
	return true
}

func (e *Extractor) clickSearch() {
	if browser.BestEffort(func() (bool, error) { return e.page.EvalBool(clickSearchJS) }) {
		e.settle(e.cfg.Settle)
	}
}
