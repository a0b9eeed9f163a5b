package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"foresync/browser"
)

// ErrSessionNotFound is returned for unknown or reaped session ids.
var ErrSessionNotFound = errors.New("invalid or expired session_id")

// Launcher opens one browser per portal session.
type Launcher interface {
	Launch() (browser.Page, io.Closer, error)
}

// RodLauncher starts a dedicated rod browser for every session.
type RodLauncher struct {
	Options browser.Options
	Logger  *logrus.Logger
}

func (l RodLauncher) Launch() (browser.Page, io.Closer, error) {
	b, err := browser.Launch(l.Options, l.Logger)
	if err != nil {
		return nil, nil, err
	}
	page, err := b.NewPage("")
	if err != nil {
		_ = b.Close()
		return nil, nil, err
	}
	return page, b, nil
}

// SessionObserver receives session lifecycle events.
type SessionObserver interface {
	SessionOpened()
	SessionClosed()
	SessionReaped()
}

// Session is one browser plus the directory its artifacts land in.
type Session struct {
	ID        string
	Dir       string
	CreatedAt time.Time
	Page      browser.Page

	closer io.Closer
	// mu serialises work on Page and guards loggedIn.
	mu       sync.Mutex
	loggedIn bool
}

func (s *Session) close() error {
	if s.closer == nil {
		return s.Page.Close()
	}
	return s.closer.Close()
}

// Registry owns the live sessions. Each id maps to exactly one session, and
// reaping a session closes its browser and deletes its directory together.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session

	root     string
	maxAge   time.Duration
	launcher Launcher
	observer SessionObserver
	logger   *logrus.Logger
	now      func() time.Time
}

// NewRegistry creates a registry whose session directories live under root.
func NewRegistry(root string, maxAge time.Duration, launcher Launcher, logger *logrus.Logger) (*Registry, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve sessions directory: %w", err)
	}
	if err := os.MkdirAll(abs, 0755); err != nil {
		return nil, fmt.Errorf("failed to create sessions directory: %w", err)
	}
	return &Registry{
		sessions: make(map[string]*Session),
		root:     abs,
		maxAge:   maxAge,
		launcher: launcher,
		logger:   logger,
		now:      time.Now,
	}, nil
}

func (r *Registry) WithObserver(o SessionObserver) *Registry {
	r.observer = o
	return r
}

// Root is the absolute directory holding every session directory.
func (r *Registry) Root() string { return r.root }

func newSessionID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// Create reaps expired sessions, then launches a browser for a new one.
func (r *Registry) Create() (*Session, error) {
	r.Cleanup()

	page, closer, err := r.launcher.Launch()
	if err != nil {
		return nil, fmt.Errorf("failed to launch browser: %w", err)
	}

	r.mu.Lock()
	id := newSessionID()
	for r.sessions[id] != nil {
		id = newSessionID()
	}
	s := &Session{
		ID:        id,
		Dir:       filepath.Join(r.root, id),
		CreatedAt: r.now(),
		Page:      page,
		closer:    closer,
	}
	r.sessions[id] = s
	r.mu.Unlock()

	if err := os.MkdirAll(s.Dir, 0755); err != nil {
		r.mu.Lock()
		delete(r.sessions, id)
		r.mu.Unlock()
		_ = s.close()
		return nil, fmt.Errorf("failed to create session directory: %w", err)
	}
	if r.observer != nil {
		r.observer.SessionOpened()
	}
	r.logger.WithField("session_id", id).Info("Session created")
	return s, nil
}

// Get returns the live session for id.
func (r *Registry) Get(id string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return s, nil
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Remove closes and deletes one session. Unknown ids are ignored.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	s, ok := r.sessions[id]
	delete(r.sessions, id)
	r.mu.Unlock()
	if !ok {
		return
	}
	r.dispose(s)
	if r.observer != nil {
		r.observer.SessionClosed()
	}
}

// Cleanup reaps sessions older than the maximum age and returns how many
// went. A session busy with a request is left for the next round.
func (r *Registry) Cleanup() int {
	now := r.now()
	var expired []*Session

	r.mu.Lock()
	for id, s := range r.sessions {
		if now.Sub(s.CreatedAt) <= r.maxAge {
			continue
		}
		if !s.mu.TryLock() {
			continue
		}
		delete(r.sessions, id)
		expired = append(expired, s)
	}
	r.mu.Unlock()

	for _, s := range expired {
		r.dispose(s)
		s.mu.Unlock()
		if r.observer != nil {
			r.observer.SessionReaped()
		}
		r.logger.WithFields(logrus.Fields{
			"session_id": s.ID,
			"age":        now.Sub(s.CreatedAt).Round(time.Second),
		}).Info("Expired session reaped")
	}
	return len(expired)
}

// Run reaps expired sessions every interval until ctx is done.
func (r *Registry) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Cleanup()
		}
	}
}

// CloseAll closes every browser. Session directories are kept so artifacts
// survive a restart until the next cleanup of the sessions root.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	all := make([]*Session, 0, len(r.sessions))
	for id, s := range r.sessions {
		all = append(all, s)
		delete(r.sessions, id)
	}
	r.mu.Unlock()

	for _, s := range all {
		if err := s.close(); err != nil {
			r.logger.WithError(err).WithField("session_id", s.ID).Warn("Failed to close browser")
		}
		if r.observer != nil {
			r.observer.SessionClosed()
		}
	}
}

func (r *Registry) dispose(s *Session) {
	log := r.logger.WithField("session_id", s.ID)
	if err := s.close(); err != nil {
		log.WithError(err).Warn("Failed to close browser")
	}
	if err := os.RemoveAll(s.Dir); err != nil {
		log.WithError(err).Warn("Failed to remove session directory")
	}
}
