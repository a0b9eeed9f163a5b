package outcome

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"foresync/browser/browsertest"
)

func TestEvaluate(t *testing.T) {
	d := NewDetector(Vocabulary{})

	tests := []struct {
		name  string
		state State
		want  Outcome
	}{
		{"login page", State{URL: "https://vtopcc.vit.ac.in/vtop/login", Text: "<form>Sign in</form>"}, Pending},
		{"content url", State{URL: "https://vtopcc.vit.ac.in/vtop/content", Text: ""}, Success},
		{"logout link", State{URL: "https://vtopcc.vit.ac.in/vtop/x", Text: `<a>LOGOUT</a>`}, Success},
		{"bad password", State{Text: "<span>Invalid Username or Password</span>"}, BadCredentials},
		{"bad captcha", State{Text: "<span>Invalid Captcha</span>"}, BadChallenge},
		{"captcha required", State{Text: "Captcha is required"}, BadChallenge},
		{"success wins over errors", State{URL: "https://x/dashboard", Text: "wrong password wrong captcha"}, Success},
		{"credentials win over challenge", State{Text: "authentication failed; captcha mismatch"}, BadCredentials},
		{"unreadable", State{}, Pending},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, d.Evaluate(tt.state))
		})
	}
}

func TestPredicatesAreIndependent(t *testing.T) {
	d := NewDetector(Vocabulary{})
	s := State{URL: "https://x/home", Text: "incorrect password. wrong captcha"}

	assert.True(t, d.IsSuccess(s))
	assert.True(t, d.IsBadCredentials(s))
	assert.True(t, d.IsBadChallenge(s))
}

func TestBadMarkersOnlyReadSource(t *testing.T) {
	d := NewDetector(Vocabulary{})
	s := State{URL: "https://x/login?error=invalid%20password"}
	assert.False(t, d.IsBadCredentials(s))
	s = State{URL: "https://x/login?msg=invalid captcha"}
	assert.False(t, d.IsBadChallenge(s))
}

func TestCustomVocabulary(t *testing.T) {
	d := NewDetector(Vocabulary{Success: []string{"  /Portal/Home "}})
	assert.Equal(t, Success, d.Evaluate(State{URL: "https://x/portal/home"}))
	assert.Equal(t, Pending, d.Evaluate(State{URL: "https://x/dashboard-old"}), "custom list replaces defaults")
	assert.Equal(t, BadCredentials, d.Evaluate(State{Text: "wrong password"}))
}

func TestCheckFromPage(t *testing.T) {
	d := NewDetector(Vocabulary{})
	page := browsertest.New("https://vtopcc.vit.ac.in/vtop/login", "Please enter valid captcha")
	assert.Equal(t, BadChallenge, d.Check(page))

	page.SetURL("https://vtopcc.vit.ac.in/vtop/content")
	assert.Equal(t, Success, d.Check(page))

	page.SetFailing(true)
	assert.Equal(t, Pending, d.Check(page))
}

func TestOutcomeString(t *testing.T) {
	assert.Equal(t, "pending", Pending.String())
	assert.Equal(t, "success", Success.String())
	assert.Equal(t, "bad_credentials", BadCredentials.String())
	assert.Equal(t, "bad_challenge", BadChallenge.String())
	assert.True(t, BadChallenge.Failed())
	assert.False(t, Success.Failed())
}
