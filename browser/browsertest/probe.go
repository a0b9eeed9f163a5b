package browsertest

import (
	"strings"
	"sync"
)

// SubmitProbe emulates the page-side half of the submit probe: the global
// markers an installed probe keeps on window. It recognises scripts by the
// marker names they mention.
type SubmitProbe struct {
	mu          sync.Mutex
	armedFlag   string
	clickedFlag string
	armed       bool
	clicked     bool
	installs    int
}

// InstallSubmitProbe wires a SubmitProbe into page. Scripts that name both
// markers install the probe; scripts naming one marker read it.
func InstallSubmitProbe(page *Page, armedFlag, clickedFlag string) *SubmitProbe {
	sp := &SubmitProbe{armedFlag: armedFlag, clickedFlag: clickedFlag}
	page.Handle(func(js string) (any, bool, error) {
		hasArmed := strings.Contains(js, armedFlag)
		hasClicked := strings.Contains(js, clickedFlag)
		sp.mu.Lock()
		defer sp.mu.Unlock()
		switch {
		case hasArmed && hasClicked:
			if !sp.armed {
				sp.armed = true
				sp.clicked = false
				sp.installs++
			}
			return nil, true, nil
		case hasClicked:
			return sp.clicked, true, nil
		case hasArmed:
			return sp.armed, true, nil
		}
		return nil, false, nil
	})
	return sp
}

// Click simulates the user pressing a submit-like control. Without an armed
// probe nothing listens, so the flag stays unset.
func (sp *SubmitProbe) Click() {
	sp.mu.Lock()
	defer sp.mu.Unlock()
	if sp.armed {
		sp.clicked = true
	}
}

// Reload simulates a navigation: the window globals are gone.
func (sp *SubmitProbe) Reload() {
	sp.mu.Lock()
	defer sp.mu.Unlock()
	sp.armed = false
	sp.clicked = false
}

func (sp *SubmitProbe) Armed() bool {
	sp.mu.Lock()
	defer sp.mu.Unlock()
	return sp.armed
}

func (sp *SubmitProbe) Clicked() bool {
	sp.mu.Lock()
	defer sp.mu.Unlock()
	return sp.clicked
}

// Installs counts how many times listeners were actually attached.
func (sp *SubmitProbe) Installs() int {
	sp.mu.Lock()
	defer sp.mu.Unlock()
	return sp.installs
}
