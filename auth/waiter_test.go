package auth

import (
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"go.uber.org/goleak"

	"foresync/browser/browsertest"
	"foresync/outcome"
	"foresync/probe"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const loginURL = "https://vtopcc.vit.ac.in/vtop/login"

type waitFixture struct {
	page   *browsertest.Page
	sim    *browsertest.SubmitProbe
	probe  *probe.Probe
	waiter *Waiter
}

func newWaitFixture(t *testing.T) *waitFixture {
	t.Helper()
	log, _ := test.NewNullLogger()
	page := browsertest.New(loginURL, "<form id='login'></form>")
	p := probe.New("wait-test", log)
	sim := browsertest.InstallSubmitProbe(page, p.ArmedFlag(), p.ClickedFlag())
	p.Arm(page)
	return &waitFixture{
		page:   page,
		sim:    sim,
		probe:  p,
		waiter: NewWaiter(page, outcome.NewDetector(outcome.Vocabulary{}), p, 20*time.Millisecond, log),
	}
}

func TestAwaitResultSuccessAfterSubmit(t *testing.T) {
	f := newWaitFixture(t)

	time.AfterFunc(100*time.Millisecond, func() {
		f.sim.Click()
		time.AfterFunc(2*time.Second, func() {
			f.page.SetURL("https://vtopcc.vit.ac.in/vtop/content")
		})
	})

	start := time.Now()
	ok := f.waiter.AwaitResult(60*time.Second, 10*time.Second)
	elapsed := time.Since(start)

	assert.True(t, ok)
	assert.GreaterOrEqual(t, elapsed, 2*time.Second)
	assert.Less(t, elapsed, 10*time.Second)
}

func TestAwaitResultIdleTimeout(t *testing.T) {
	f := newWaitFixture(t)

	start := time.Now()
	ok := f.waiter.AwaitResult(time.Second, 10*time.Second)
	elapsed := time.Since(start)

	assert.False(t, ok)
	assert.GreaterOrEqual(t, elapsed, time.Second)
	assert.Less(t, elapsed, 1500*time.Millisecond)
}

func TestAwaitResultExplicitFailureWhileIdle(t *testing.T) {
	f := newWaitFixture(t)
	time.AfterFunc(100*time.Millisecond, func() { f.page.SetHTML("<div class='error'>Invalid Captcha</div>") })

	start := time.Now()
	assert.False(t, f.waiter.AwaitResult(30*time.Second, 10*time.Second))
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestAwaitResultFailureAfterSubmit(t *testing.T) {
	f := newWaitFixture(t)
	time.AfterFunc(50*time.Millisecond, f.sim.Click)
	time.AfterFunc(300*time.Millisecond, func() { f.page.SetHTML("Invalid username or password") })

	assert.False(t, f.waiter.AwaitResult(30*time.Second, 10*time.Second))
}

func TestAwaitResultRearmsAfterSilentSubmit(t *testing.T) {
	f := newWaitFixture(t)

	time.AfterFunc(100*time.Millisecond, f.sim.Click)
	// The page reloads without any verdict; the flag and listeners are gone.
	time.AfterFunc(200*time.Millisecond, f.sim.Reload)
	time.AfterFunc(1200*time.Millisecond, func() { f.page.SetHTML("<a href='/logout'>Logout</a>") })

	ok := f.waiter.AwaitResult(5*time.Second, 500*time.Millisecond)

	assert.True(t, ok)
	assert.Equal(t, 2, f.sim.Installs(), "probe re-armed after the outcome window")
}

func TestAwaitResultOutcomeWindowOutlivesIdleDeadline(t *testing.T) {
	f := newWaitFixture(t)

	time.AfterFunc(50*time.Millisecond, f.sim.Click)
	time.AfterFunc(800*time.Millisecond, func() { f.page.SetURL("https://vtopcc.vit.ac.in/vtop/home") })

	assert.True(t, f.waiter.AwaitResult(300*time.Millisecond, 3*time.Second))
}

func TestAwaitResultSurvivesUnreadablePage(t *testing.T) {
	f := newWaitFixture(t)
	f.page.SetFailing(true)
	time.AfterFunc(200*time.Millisecond, func() {
		f.page.SetFailing(false)
		f.page.SetURL("https://vtopcc.vit.ac.in/vtop/content")
	})

	assert.True(t, f.waiter.AwaitResult(3*time.Second, time.Second))
}
