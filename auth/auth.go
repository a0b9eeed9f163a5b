package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"foresync/browser"
	"foresync/challenge"
	"foresync/outcome"
	"foresync/probe"
	"foresync/ratelimit"
	"foresync/session"
	"foresync/storage"
)

// Outcome labels used in attempt records
const (
	OutcomeSuccess        = "success"
	OutcomeBadCredentials = "bad_credentials"
	OutcomeBadChallenge   = "bad_challenge"
	OutcomeTimeout        = "timeout"
)

// Config controls the login flow
type Config struct {
	LoginURL   string
	ContentURL string
	Selectors  Selectors

	MaxPasswordAttempts  int
	IdleWithChallenge    time.Duration
	IdleWithoutChallenge time.Duration
	OutcomeTimeout       time.Duration
	PollInterval         time.Duration
	PageLoadTimeout      time.Duration

	Markers    challenge.Markers
	Vocabulary outcome.Vocabulary
}

// Selectors locate the login form controls
type Selectors struct {
	Username   string
	Password   string
	Submit     []string
	AlertClose string
}

// DefaultConfig returns the settings for the portal's login page
func DefaultConfig() Config {
	return Config{
		LoginURL:             "https://vtopcc.vit.ac.in/vtop/login",
		ContentURL:           "https://vtopcc.vit.ac.in/vtop/content",
		Selectors:            DefaultSelectors(),
		MaxPasswordAttempts:  3,
		IdleWithChallenge:    30 * time.Minute,
		IdleWithoutChallenge: 10 * time.Minute,
		OutcomeTimeout:       180 * time.Second,
		PollInterval:         DefaultPollInterval,
		PageLoadTimeout:      30 * time.Second,
		Markers:              challenge.DefaultMarkers(),
		Vocabulary:           outcome.DefaultVocabulary(),
	}
}

func DefaultSelectors() Selectors {
	return Selectors{
		Username:   "#username",
		Password:   "#password",
		Submit:     []string{"#submitBtn", "button[type='submit']", "input[type='submit']"},
		AlertClose: "#btnClosePopup",
	}
}

// Credentials are what the user supplies for one login
type Credentials struct {
	Username string
	Password string
	// ChallengeAnswer is typed into the text challenge box when set.
	ChallengeAnswer string
	// Submit presses the submit control instead of waiting for the user to.
	Submit bool
}

// PasswordPrompter asks the user for a new password after a rejection
type PasswordPrompter interface {
	PromptPassword(ctx context.Context, username string, attempt, maxAttempts int) (string, error)
}

// AttemptRecorder persists attempt history
type AttemptRecorder interface {
	SaveLoginAttempt(attempt *storage.LoginAttempt) error
	SaveSnapshotRecord(rec *storage.SnapshotRecord) error
}

// AttemptObserver receives per-attempt measurements
type AttemptObserver interface {
	ObserveLoginAttempt(challenge, outcome string, duration time.Duration)
}

// SnapshotSaver persists the authenticated session
type SnapshotSaver interface {
	Save(snap *session.Snapshot) (string, error)
}

// AttemptReport summarises one pass through the retry loop
type AttemptReport struct {
	Number    int            `json:"number"`
	Challenge challenge.Kind `json:"challenge"`
	Outcome   string         `json:"outcome"`
	Duration  time.Duration  `json:"duration"`
}

// LoginResult represents the result of a login
type LoginResult struct {
	Success      bool
	ErrorMessage string
	Challenge    challenge.Kind
	Attempts     []AttemptReport
	Snapshot     *session.Snapshot
	SnapshotPath string
}

// AuthManager drives the login form of one browser page
type AuthManager struct {
	page       browser.Page
	cfg        Config
	logger     *logrus.Logger
	sessionID  string
	classifier *challenge.Classifier
	detector   *outcome.Detector
	probe      *probe.Probe
	waiter     *Waiter

	prompter  PasswordPrompter
	recorder  AttemptRecorder
	observer  AttemptObserver
	snapshots SnapshotSaver
	limiter   *ratelimit.RateLimiter
}

// NewAuthManager creates a manager for page. sessionID namespaces the submit
// probe so concurrent sessions stay independent.
func NewAuthManager(page browser.Page, sessionID string, cfg Config, logger *logrus.Logger) *AuthManager {
	def := DefaultConfig()
	if cfg.MaxPasswordAttempts <= 0 {
		cfg.MaxPasswordAttempts = def.MaxPasswordAttempts
	}
	if cfg.IdleWithChallenge <= 0 {
		cfg.IdleWithChallenge = def.IdleWithChallenge
	}
	if cfg.IdleWithoutChallenge <= 0 {
		cfg.IdleWithoutChallenge = def.IdleWithoutChallenge
	}
	if cfg.OutcomeTimeout <= 0 {
		cfg.OutcomeTimeout = def.OutcomeTimeout
	}
	if cfg.PageLoadTimeout <= 0 {
		cfg.PageLoadTimeout = def.PageLoadTimeout
	}
	if cfg.Selectors.Username == "" {
		cfg.Selectors.Username = def.Selectors.Username
	}
	if cfg.Selectors.Password == "" {
		cfg.Selectors.Password = def.Selectors.Password
	}
	if len(cfg.Selectors.Submit) == 0 {
		cfg.Selectors.Submit = def.Selectors.Submit
	}

	entry := logger.WithField("session_id", sessionID)
	p := probe.New(sessionID, entry)
	detector := outcome.NewDetector(cfg.Vocabulary)
	return &AuthManager{
		page:       page,
		cfg:        cfg,
		logger:     logger,
		sessionID:  sessionID,
		classifier: challenge.NewClassifier(cfg.Markers),
		detector:   detector,
		probe:      p,
		waiter:     NewWaiter(page, detector, p, cfg.PollInterval, entry),
	}
}

func (a *AuthManager) WithPrompter(p PasswordPrompter) *AuthManager {
	a.prompter = p
	return a
}

func (a *AuthManager) WithRecorder(r AttemptRecorder) *AuthManager {
	a.recorder = r
	return a
}

func (a *AuthManager) WithObserver(o AttemptObserver) *AuthManager {
	a.observer = o
	return a
}

func (a *AuthManager) WithSnapshots(s SnapshotSaver) *AuthManager {
	a.snapshots = s
	return a
}

func (a *AuthManager) WithLimiter(l *ratelimit.RateLimiter) *AuthManager {
	a.limiter = l
	return a
}

// Classifier exposes the challenge classifier bound to this manager.
func (a *AuthManager) Classifier() *challenge.Classifier { return a.classifier }

// Login runs the retry loop: fill the form, let the human solve any
// challenge and submit, then branch on what the portal answered.
func (a *AuthManager) Login(ctx context.Context, creds Credentials) (*LoginResult, error) {
	maxAttempts := a.cfg.MaxPasswordAttempts
	log := a.logger.WithFields(logrus.Fields{
		"session_id": a.sessionID,
		"username":   creds.Username,
	})
	log.Info("Starting portal login")

	result := &LoginResult{}
	password := creds.Password
	var last error

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		alog := log.WithField("attempt", fmt.Sprintf("%d/%d", attempt, maxAttempts))

		if a.limiter != nil {
			if err := a.limiter.WaitForPermission(ctx, ratelimit.ActionLogin); err != nil {
				return result, fmt.Errorf("login attempt %d: %w", attempt, err)
			}
		}
		// A retry starts from a fresh login page so stale error text is gone.
		if err := a.ensureLoginForm(attempt > 1); err != nil {
			return result, err
		}
		if err := a.fillCredentials(creds.Username, password); err != nil {
			return result, err
		}

		kind := a.classifier.Classify(a.page)
		result.Challenge = kind
		if kind.NeedsHuman() {
			alog.WithField("challenge", kind.String()).Info("Challenge detected on login page")
		}
		if kind == challenge.Text && creds.ChallengeAnswer != "" {
			answer := a.classifier.Markers().AnswerInput
			browser.Try(alog, "type_challenge_answer", func() error { return a.page.Input(answer, creds.ChallengeAnswer) })
		}

		a.probe.Arm(a.page)
		if creds.Submit {
			a.submit(alog)
		} else {
			alog.Info("Waiting for the login form to be submitted in the browser")
		}

		idle := a.cfg.IdleWithoutChallenge
		if kind.NeedsHuman() {
			idle = a.cfg.IdleWithChallenge
		}

		start := time.Now()
		ok := a.waiter.AwaitResult(idle, a.cfg.OutcomeTimeout)
		state := a.detector.Observe(a.page)
		elapsed := time.Since(start)

		switch {
		case ok && a.detector.IsSuccess(state):
			a.record(creds.Username, attempt, kind, OutcomeSuccess, elapsed, result)
			alog.Info("Login successful")
			result.Success = true
			if err := a.persist(creds.Username, result); err != nil {
				return result, err
			}
			return result, nil

		case a.detector.IsBadCredentials(state):
			a.record(creds.Username, attempt, kind, OutcomeBadCredentials, elapsed, result)
			alog.Warn("Portal rejected the username or password")
			last = ErrCredentialRejected
			result.ErrorMessage = "Invalid username or password"
			if attempt < maxAttempts {
				if a.prompter == nil {
					return result, ErrCredentialRejected
				}
				next, err := a.prompter.PromptPassword(ctx, creds.Username, attempt+1, maxAttempts)
				if err != nil {
					return result, fmt.Errorf("failed to read password: %w", err)
				}
				password = next
			}

		case a.detector.IsBadChallenge(state):
			a.record(creds.Username, attempt, kind, OutcomeBadChallenge, elapsed, result)
			alog.Warn("Portal rejected the challenge answer, retrying")
			last = ErrChallengeRejected
			result.ErrorMessage = "Invalid captcha"

		default:
			a.record(creds.Username, attempt, kind, OutcomeTimeout, elapsed, result)
			alog.WithField("waited", elapsed.Round(time.Second)).Warn("No login outcome observed, retrying")
			last = ErrAmbiguousTimeout
			result.ErrorMessage = "Login did not complete"
		}
	}

	log.WithField("attempts", maxAttempts).Error("Login attempts exhausted")
	return result, &AttemptsExhaustedError{Attempts: maxAttempts, Last: last}
}

// Resume restores a saved session into the page and reports whether the
// portal accepts it.
func (a *AuthManager) Resume(snap *session.Snapshot) bool {
	log := a.logger.WithField("session_id", a.sessionID)
	if err := session.Apply(a.page, snap); err != nil {
		log.WithError(err).Warn("Failed to restore saved session")
		return false
	}
	target := a.cfg.ContentURL
	if target == "" {
		target = snap.URL
	}
	if err := a.page.Navigate(target); err != nil {
		log.WithError(err).Warn("Failed to open portal with saved session")
		return false
	}
	browser.Try(log, "wait_ready", func() error { return browser.WaitReady(a.page, a.cfg.PageLoadTimeout) })

	state := a.detector.Observe(a.page)
	if a.detector.IsSuccess(state) && !browser.BestEffort(func() (bool, error) { return a.page.Has(a.cfg.Selectors.Username) }) {
		log.Info("Saved session is still valid")
		return true
	}
	log.Info("Saved session expired")
	return false
}

func (a *AuthManager) submit(log logrus.FieldLogger) {
	for _, sel := range a.cfg.Selectors.Submit {
		if browser.BestEffort(func() (bool, error) { return a.page.Has(sel) }) {
			if browser.Try(log, "click_submit", func() error { return a.page.Click(sel) }) {
				return
			}
		}
	}
	log.Warn("No submit control found on login page")
}

func (a *AuthManager) record(username string, attempt int, kind challenge.Kind, result string, elapsed time.Duration, res *LoginResult) {
	res.Attempts = append(res.Attempts, AttemptReport{Number: attempt, Challenge: kind, Outcome: result, Duration: elapsed})

	if a.observer != nil {
		a.observer.ObserveLoginAttempt(kind.String(), result, elapsed)
	}
	if a.recorder != nil {
		err := a.recorder.SaveLoginAttempt(&storage.LoginAttempt{
			Username:   username,
			SessionID:  a.sessionID,
			Attempt:    attempt,
			Challenge:  kind.String(),
			Outcome:    result,
			DurationMS: elapsed.Milliseconds(),
		})
		if err != nil {
			a.logger.WithError(err).Warn("Failed to record login attempt")
		}
	}
}

// persist captures the authenticated cookies and writes them out before the
// caller gets the page back.
func (a *AuthManager) persist(username string, res *LoginResult) error {
	snap, err := session.Capture(a.page, username)
	if err != nil {
		return fmt.Errorf("failed to capture session: %w", err)
	}
	res.Snapshot = snap
	if a.snapshots == nil {
		return nil
	}

	path, err := a.snapshots.Save(snap)
	if err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}
	res.SnapshotPath = path
	a.logger.WithFields(logrus.Fields{
		"path":    path,
		"cookies": len(snap.Raw),
	}).Info("Session saved")

	if a.recorder != nil {
		err := a.recorder.SaveSnapshotRecord(&storage.SnapshotRecord{
			Username:    username,
			URL:         snap.URL,
			Path:        path,
			CookieCount: len(snap.Raw),
		})
		if err != nil {
			a.logger.WithError(err).Warn("Failed to record session snapshot")
		}
	}
	return nil
}
