package probe

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-rod/rod/lib/launcher"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"foresync/browser"
)

// loginPage counts the click, submit and beforeunload listeners added after
// load so the tests can see how many times the script installed them.
const loginPage = `<!doctype html>
<html><head><script>
window.__listeners = 0;
const add = EventTarget.prototype.addEventListener;
EventTarget.prototype.addEventListener = function (type, fn, opts) {
	if (type === 'click' || type === 'submit' || type === 'beforeunload') window.__listeners++;
	return add.call(this, type, fn, opts);
};
</script></head>
<body>
<form id="login" action="/next">
	<input id="username" type="text">
	<button id="signin" type="button">Sign In</button>
</form>
<input id="go" type="submit" value="Go">
<button id="help" type="button">Help</button>
</body></html>`

func newBrowserPage(t *testing.T) (browser.Page, string) {
	t.Helper()
	bin, ok := launcher.LookPath()
	if !ok {
		t.Skip("no local Chrome or Chromium")
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte(loginPage))
	}))
	t.Cleanup(srv.Close)

	log, _ := test.NewNullLogger()
	b, err := browser.Launch(browser.Options{
		Headless:       true,
		Bin:            bin,
		ElementTimeout: 5 * time.Second,
		NavTimeout:     10 * time.Second,
	}, log)
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })

	page, err := b.NewPage("")
	require.NoError(t, err)
	return page, srv.URL + "/vtop/login"
}

func TestScriptObservesSubmitIntentInBrowser(t *testing.T) {
	page, url := newBrowserPage(t)
	log, _ := test.NewNullLogger()
	p := New("session-1", log)

	cases := []struct {
		name    string
		trigger string
		clicked bool
	}{
		{"sign in button", `() => document.getElementById('signin').click()`, true},
		{"submit input outside form", `() => document.getElementById('go').click()`, true},
		{"form submit event", `() => { document.getElementById('login').dispatchEvent(new Event('submit', {cancelable: true})) }`, true},
		{"page unload", `() => { window.dispatchEvent(new Event('beforeunload')) }`, true},
		{"unrelated button", `() => document.getElementById('help').click()`, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.NoError(t, page.Navigate(url))
			assert.False(t, p.Armed(page))

			p.Arm(page)
			p.Arm(page)
			require.True(t, p.Armed(page))
			assert.False(t, p.Clicked(page))

			require.NoError(t, page.Exec(tc.trigger))
			assert.Equal(t, tc.clicked, p.Clicked(page))
		})
	}
}

func TestScriptInstallsListenersOncePerLoad(t *testing.T) {
	page, url := newBrowserPage(t)
	log, _ := test.NewNullLogger()
	p := New("session-1", log)

	require.NoError(t, page.Navigate(url))
	p.Arm(page)
	p.Arm(page)

	// Sign In, the submit input, the form and the window.
	n, err := page.EvalString(`() => String(window.__listeners)`)
	require.NoError(t, err)
	assert.Equal(t, "4", n)
}

func TestReloadDropsObservation(t *testing.T) {
	page, url := newBrowserPage(t)
	log, _ := test.NewNullLogger()
	p := New("session-1", log)

	require.NoError(t, page.Navigate(url))
	p.Arm(page)
	require.NoError(t, page.Exec(`() => document.getElementById('signin').click()`))
	require.True(t, p.Clicked(page))

	require.NoError(t, page.Navigate(url))
	assert.False(t, p.Clicked(page))
	assert.False(t, p.Armed(page))

	p.Arm(page)
	assert.True(t, p.Armed(page))
	assert.False(t, p.Clicked(page))
}
