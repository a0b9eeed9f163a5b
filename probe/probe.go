// Package probe installs an in-page listener that notices when the user
// submits the login form, and reads that observation back.
package probe

import (
	"regexp"
	"strings"

	"github.com/sirupsen/logrus"

	"foresync/browser"
)

const armScript = `() => {
	if (window[__ARMED__]) return;
	window[__ARMED__] = true;
	window[__CLICKED__] = false;
	const mark = () => { window[__CLICKED__] = true; };
	const matches = (el) => {
		const text = ((el.innerText || el.value || '') + '').trim();
		const type = ((el.getAttribute && el.getAttribute('type')) || '').toLowerCase();
		return type === 'submit' || /login|sign in|signin|submit|proceed/i.test(text);
	};
	document.querySelectorAll('button, input, a').forEach((el) => {
		try { if (matches(el)) el.addEventListener('click', mark, true); } catch (e) {}
	});
	document.querySelectorAll('form').forEach((f) => {
		try { f.addEventListener('submit', mark, true); } catch (e) {}
	});
	window.addEventListener('beforeunload', mark);
}`

var unsafeKey = regexp.MustCompile(`[^A-Za-z0-9_]`)

// Probe observes submit intent for one session. Its markers live on the
// page's window, so a reload drops them and the probe has to be armed again.
type Probe struct {
	armedFlag   string
	clickedFlag string
	script      string
	logger      logrus.FieldLogger
}

// New returns a probe whose window markers are namespaced by key, so two
// sessions never share state.
func New(key string, logger logrus.FieldLogger) *Probe {
	key = unsafeKey.ReplaceAllString(key, "_")
	armed := "__foresyncProbeArmed_" + key
	clicked := "__foresyncProbeClicked_" + key
	r := strings.NewReplacer("__ARMED__", browser.Quote(armed), "__CLICKED__", browser.Quote(clicked))
	return &Probe{
		armedFlag:   armed,
		clickedFlag: clicked,
		script:      r.Replace(armScript),
		logger:      logger,
	}
}

// ArmedFlag and ClickedFlag name the window globals the probe keeps.
func (p *Probe) ArmedFlag() string   { return p.armedFlag }
func (p *Probe) ClickedFlag() string { return p.clickedFlag }

// Arm installs the listeners unless this page load already has them. It
// never fails; an unreachable page simply stays unarmed.
func (p *Probe) Arm(page browser.Page) {
	browser.Try(p.logger, "arm_submit_probe", func() error { return page.Exec(p.script) })
}

// Clicked reports whether a submit-like action was observed since the probe
// was armed on the current page load. Read failures report false.
func (p *Probe) Clicked(page browser.Page) bool {
	js := "() => !!window[" + browser.Quote(p.clickedFlag) + "]"
	return browser.BestEffort(func() (bool, error) { return page.EvalBool(js) })
}

// Armed reports whether listeners are installed on the current page load.
func (p *Probe) Armed(page browser.Page) bool {
	js := "() => !!window[" + browser.Quote(p.armedFlag) + "]"
	return browser.BestEffort(func() (bool, error) { return page.EvalBool(js) })
}
