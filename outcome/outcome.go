package outcome

import (
	"strings"

	"foresync/browser"
)

// Outcome is the classification of the page after a submit. It is derived
// fresh on every poll and never stored.
type Outcome int

const (
	Pending Outcome = iota
	Success
	BadCredentials
	BadChallenge
)

func (o Outcome) String() string {
	switch o {
	case Success:
		return "success"
	case BadCredentials:
		return "bad_credentials"
	case BadChallenge:
		return "bad_challenge"
	default:
		return "pending"
	}
}

// Failed reports whether o is one of the explicit failure outcomes.
func (o Outcome) Failed() bool { return o == BadCredentials || o == BadChallenge }

// State is what a single poll sees of the page.
type State struct {
	URL  string
	Text string
}

// Vocabulary lists the substrings that mark each outcome. Matching is
// case-insensitive.
type Vocabulary struct {
	Success        []string `mapstructure:"success" yaml:"success"`
	BadCredentials []string `mapstructure:"bad_credentials" yaml:"bad_credentials"`
	BadChallenge   []string `mapstructure:"bad_challenge" yaml:"bad_challenge"`
}

// DefaultVocabulary returns the markers the portal produces.
func DefaultVocabulary() Vocabulary {
	return Vocabulary{
		Success: []string{
			"/vtop/content", "/home", "/dashboard", "logout", "timetable", "attendance",
		},
		BadCredentials: []string{
			"invalid password",
			"incorrect password",
			"wrong password",
			"invalid credentials",
			"credentials are invalid",
			"authentication failed",
			"username or password is incorrect",
			"invalid username or password",
			"enter valid credentials",
		},
		BadChallenge: []string{
			"invalid captcha",
			"incorrect captcha",
			"wrong captcha",
			"captcha mismatch",
			"captcha did not match",
			"please enter valid captcha",
			"captcha is required",
		},
	}
}

// Detector classifies page states against a vocabulary.
type Detector struct {
	vocab Vocabulary
}

// NewDetector returns a detector. Empty vocabulary lists fall back to the
// defaults.
func NewDetector(v Vocabulary) *Detector {
	def := DefaultVocabulary()
	if len(v.Success) == 0 {
		v.Success = def.Success
	}
	if len(v.BadCredentials) == 0 {
		v.BadCredentials = def.BadCredentials
	}
	if len(v.BadChallenge) == 0 {
		v.BadChallenge = def.BadChallenge
	}
	return &Detector{vocab: Vocabulary{
		Success:        lower(v.Success),
		BadCredentials: lower(v.BadCredentials),
		BadChallenge:   lower(v.BadChallenge),
	}}
}

// Observe captures the page's URL and source. Either half is empty when it
// could not be read.
func (d *Detector) Observe(page browser.Page) State {
	return State{
		URL:  strings.ToLower(browser.BestEffort(page.URL)),
		Text: strings.ToLower(browser.BestEffort(page.HTML)),
	}
}

// IsSuccess reports whether the URL or source carries a success marker.
func (d *Detector) IsSuccess(s State) bool {
	url, text := strings.ToLower(s.URL), strings.ToLower(s.Text)
	return containsAny(url, d.vocab.Success) || containsAny(text, d.vocab.Success)
}

// IsBadCredentials reports whether the source carries a credential error.
func (d *Detector) IsBadCredentials(s State) bool {
	return containsAny(strings.ToLower(s.Text), d.vocab.BadCredentials)
}

// IsBadChallenge reports whether the source carries a challenge error.
func (d *Detector) IsBadChallenge(s State) bool {
	return containsAny(strings.ToLower(s.Text), d.vocab.BadChallenge)
}

// Evaluate applies the predicates in priority order: success, then bad
// credentials, then bad challenge.
func (d *Detector) Evaluate(s State) Outcome {
	switch {
	case d.IsSuccess(s):
		return Success
	case d.IsBadCredentials(s):
		return BadCredentials
	case d.IsBadChallenge(s):
		return BadChallenge
	}
	return Pending
}

// Check observes page and evaluates it.
func (d *Detector) Check(page browser.Page) Outcome {
	return d.Evaluate(d.Observe(page))
}

func containsAny(s string, markers []string) bool {
	if s == "" {
		return false
	}
	for _, m := range markers {
		if strings.Contains(s, m) {
			return true
		}
	}
	return false
}

func lower(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.ToLower(strings.TrimSpace(s)); s != "" {
			out = append(out, s)
		}
	}
	return out
}
