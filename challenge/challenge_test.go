package challenge

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"foresync/browser/browsertest"
)

const loginURL = "https://vtopcc.vit.ac.in/vtop/login"

func TestClassify(t *testing.T) {
	tests := []struct {
		name     string
		html     string
		elements []string
		want     Kind
	}{
		{
			name: "plain form",
			html: `<form><input id="username"><input id="password"></form>`,
			want: None,
		},
		{
			name:     "inline text challenge",
			html:     `<img src="data:image/png;base64,AAAA"><input id="captchaStr">`,
			elements: []string{"img[src^='data:image']", "#captchaStr"},
			want:     Text,
		},
		{
			name:     "inline image without answer box",
			html:     `<img src="data:image/png;base64,AAAA">`,
			elements: []string{"img[src^='data:image']"},
			want:     None,
		},
		{
			name:     "recaptcha iframe",
			html:     `<iframe title="challenge"></iframe>`,
			elements: []string{"iframe[src*='recaptcha']"},
			want:     Recaptcha,
		},
		{
			name: "recaptcha word only",
			html: `<script src="https://www.google.com/reCAPTCHA/api.js"></script>`,
			want: Recaptcha,
		},
		{
			name:     "recaptcha with image prompt",
			html:     `<div class="g-recaptcha">Select all images with buses</div>`,
			elements: []string{".g-recaptcha"},
			want:     Image,
		},
		{
			name:     "recaptcha beats text markers",
			html:     `<div class="g-recaptcha"></div><img src="data:image/png;base64,AAAA"><input id="captchaStr">`,
			elements: []string{".g-recaptcha", "img[src^='data:image']", "#captchaStr"},
			want:     Recaptcha,
		},
		{
			name:     "recaptcha with click on all prompt",
			html:     `<div class="g-recaptcha">Click on all images with stairs</div>`,
			elements: []string{".g-recaptcha"},
			want:     Image,
		},
		{
			name:     "recaptcha with click each prompt",
			html:     `<div class="g-recaptcha">Click each image containing a bridge</div>`,
			elements: []string{".g-recaptcha"},
			want:     Recaptcha,
		},
		{
			name: "image prompt alone",
			html: `<p>Click each image containing a bridge</p>`,
			want: Image,
		},
		{
			name: "click on all prompt alone",
			html: `<p>Click on all images with stairs</p>`,
			want: None,
		},
	}

	c := NewClassifier(Markers{})
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			page := browsertest.New(loginURL, tt.html)
			page.AddElements(tt.elements...)
			assert.Equal(t, tt.want, c.Classify(page))
		})
	}
}

func TestClassifyUnreadablePageIsNone(t *testing.T) {
	page := browsertest.New(loginURL, `<div class="g-recaptcha"></div>`)
	page.AddElements(".g-recaptcha")
	page.SetFailing(true)

	assert.Equal(t, None, NewClassifier(Markers{}).Classify(page))
}

func TestClassifyCustomAnswerInput(t *testing.T) {
	page := browsertest.New(loginURL, "")
	page.AddElements("img[src^='data:image']", "input[name='answer']")

	c := NewClassifier(Markers{AnswerInput: "input[name='answer']"})
	assert.Equal(t, Text, c.Classify(page))
	assert.Equal(t, DefaultMarkers().InlineImage, c.Markers().InlineImage)
}

func TestTextImage(t *testing.T) {
	page := browsertest.New(loginURL, "")
	c := NewClassifier(Markers{})
	assert.Equal(t, "", c.TextImage(page))

	page.Handle(func(js string) (any, bool, error) {
		return "data:image/png;base64,iVBORw0KGgo=", true, nil
	})
	assert.Equal(t, "iVBORw0KGgo=", c.TextImage(page))
}

func TestNeedsHuman(t *testing.T) {
	assert.False(t, None.NeedsHuman())
	assert.True(t, Text.NeedsHuman())
	assert.True(t, Image.NeedsHuman())
	assert.True(t, Recaptcha.NeedsHuman())
}
