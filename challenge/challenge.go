package challenge

import (
	"strings"

	"foresync/browser"
)

// Kind is the category of human-verification control on the login page.
type Kind string

const (
	None      Kind = "none"
	Text      Kind = "text"
	Image     Kind = "image"
	Recaptcha Kind = "recaptcha"
)

func (k Kind) String() string { return string(k) }

// NeedsHuman reports whether a person has to act before submitting.
func (k Kind) NeedsHuman() bool { return k != None && k != "" }

// Markers holds the selectors and vocabulary the classifier looks for.
// RecaptchaImagePrompts turn a reCAPTCHA page into an image grid;
// ImagePrompts mark a standalone image challenge.
type Markers struct {
	RecaptchaSelectors    []string `mapstructure:"recaptcha_selectors" yaml:"recaptcha_selectors"`
	InlineImage           string   `mapstructure:"inline_image" yaml:"inline_image"`
	AnswerInput           string   `mapstructure:"answer_input" yaml:"answer_input"`
	RecaptchaImagePrompts []string `mapstructure:"recaptcha_image_prompts" yaml:"recaptcha_image_prompts"`
	ImagePrompts          []string `mapstructure:"image_prompts" yaml:"image_prompts"`
}

// DefaultMarkers returns the markers of the portal's login page.
func DefaultMarkers() Markers {
	return Markers{
		RecaptchaSelectors:    []string{"iframe[src*='recaptcha']", ".g-recaptcha"},
		InlineImage:           "img[src^='data:image']",
		AnswerInput:           "#captchaStr",
		RecaptchaImagePrompts: []string{"select all images", "click on all images"},
		ImagePrompts:          []string{"select all images", "click each image"},
	}
}

// Classifier inspects a page and reports its challenge kind.
type Classifier struct {
	markers Markers
}

// NewClassifier returns a classifier; zero-valued fields of m fall back to
// DefaultMarkers.
func NewClassifier(m Markers) *Classifier {
	def := DefaultMarkers()
	if len(m.RecaptchaSelectors) == 0 {
		m.RecaptchaSelectors = def.RecaptchaSelectors
	}
	if m.InlineImage == "" {
		m.InlineImage = def.InlineImage
	}
	if m.AnswerInput == "" {
		m.AnswerInput = def.AnswerInput
	}
	if len(m.RecaptchaImagePrompts) == 0 {
		m.RecaptchaImagePrompts = def.RecaptchaImagePrompts
	}
	if len(m.ImagePrompts) == 0 {
		m.ImagePrompts = def.ImagePrompts
	}
	return &Classifier{markers: m}
}

// Markers returns the effective markers.
func (c *Classifier) Markers() Markers { return c.markers }

// Classify reports the challenge on page. Lookups that fail count as absent,
// so a page that cannot be read classifies as None.
func (c *Classifier) Classify(page browser.Page) Kind {
	source := strings.ToLower(browser.BestEffort(page.HTML))

	if c.hasRecaptcha(page, source) {
		if mentions(source, c.markers.RecaptchaImagePrompts) {
			return Image
		}
		return Recaptcha
	}
	if c.has(page, c.markers.InlineImage) && c.has(page, c.markers.AnswerInput) {
		return Text
	}
	if mentions(source, c.markers.ImagePrompts) {
		return Image
	}
	return None
}

func (c *Classifier) has(page browser.Page, selector string) bool {
	return browser.BestEffort(func() (bool, error) { return page.Has(selector) })
}

func (c *Classifier) hasRecaptcha(page browser.Page, source string) bool {
	for _, sel := range c.markers.RecaptchaSelectors {
		if c.has(page, sel) {
			return true
		}
	}
	return strings.Contains(source, "recaptcha")
}

func mentions(source string, prompts []string) bool {
	for _, p := range prompts {
		if strings.Contains(source, strings.ToLower(p)) {
			return true
		}
	}
	return false
}

// TextImage returns the base64 payload of the inline challenge image, or ""
// when there is none.
func (c *Classifier) TextImage(page browser.Page) string {
	js := `() => { const el = document.querySelector(` + browser.Quote(c.markers.InlineImage) + `); return el ? el.getAttribute('src') || '' : ''; }`
	src := browser.BestEffort(func() (string, error) { return page.EvalString(js) })
	if i := strings.Index(src, ","); i >= 0 && strings.HasPrefix(src, "data:image") {
		return src[i+1:]
	}
	return ""
}
