// Package session persists the authenticated state of a login so later runs
// can resume without another challenge.
package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"foresync/browser"
)

const (
	snapshotFile = "session.json"
	cookiesFile  = "cookies.json"
)

// ErrNoSnapshot is returned by Load when nothing was saved yet.
var ErrNoSnapshot = errors.New("no saved session")

// Snapshot is the persisted credential state of an authenticated page.
type Snapshot struct {
	URL          string            `json:"url"`
	Username     string            `json:"username"`
	CookieString string            `json:"cookie_string"`
	Cookies      map[string]string `json:"cookies"`
	Raw          []browser.Cookie  `json:"_raw"`
	SavedAt      time.Time         `json:"saved_at"`
}

// NewSnapshot builds a snapshot from captured cookies.
func NewSnapshot(url, username string, cookies []browser.Cookie, now time.Time) *Snapshot {
	jar := make(map[string]string, len(cookies))
	for _, c := range cookies {
		jar[c.Name] = c.Value
	}
	return &Snapshot{
		URL:          url,
		Username:     username,
		CookieString: cookieHeader(cookies),
		Cookies:      jar,
		Raw:          append([]browser.Cookie{}, cookies...),
		SavedAt:      now.UTC().Truncate(time.Second),
	}
}

// Capture reads the page's URL and cookies into a snapshot.
func Capture(page browser.Page, username string) (*Snapshot, error) {
	url, err := page.URL()
	if err != nil {
		return nil, fmt.Errorf("failed to read page url: %w", err)
	}
	cookies, err := page.Cookies()
	if err != nil {
		return nil, err
	}
	return NewSnapshot(url, username, cookies, time.Now()), nil
}

// Apply loads the snapshot's cookies into page.
func Apply(page browser.Page, snap *Snapshot) error {
	if snap == nil || len(snap.Raw) == 0 {
		return fmt.Errorf("snapshot has no cookies")
	}
	return page.SetCookies(snap.Raw)
}

// cookieHeader renders cookies as a Cookie request header, in name order.
func cookieHeader(cookies []browser.Cookie) string {
	sorted := append([]browser.Cookie{}, cookies...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })
	parts := make([]string, 0, len(sorted))
	for _, c := range sorted {
		parts = append(parts, c.Name+"="+c.Value)
	}
	return strings.Join(parts, "; ")
}

// Store keeps the latest snapshot in a directory.
type Store struct {
	dir string
}

func NewStore(dir string) *Store {
	return &Store{dir: dir}
}

// Dir returns the directory the store writes to.
func (s *Store) Dir() string { return s.dir }

// Save writes the snapshot and the raw cookie list, replacing any previous
// one. It returns the snapshot path.
func (s *Store) Save(snap *Snapshot) (string, error) {
	if err := os.MkdirAll(s.dir, 0700); err != nil {
		return "", fmt.Errorf("failed to create session directory: %w", err)
	}
	path := filepath.Join(s.dir, snapshotFile)
	if err := writeJSON(path, snap); err != nil {
		return "", err
	}
	if err := writeJSON(filepath.Join(s.dir, cookiesFile), snap.Raw); err != nil {
		return "", err
	}
	return path, nil
}

// Load reads the saved snapshot.
func (s *Store) Load() (*Snapshot, error) {
	data, err := os.ReadFile(filepath.Join(s.dir, snapshotFile))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNoSnapshot
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read session: %w", err)
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("failed to decode session: %w", err)
	}
	return &snap, nil
}

// writeJSON writes v to path through a temp file so readers never see a
// partial document.
func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", filepath.Base(path), err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write %s: %w", filepath.Base(path), err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write %s: %w", filepath.Base(path), err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to replace %s: %w", filepath.Base(path), err)
	}
	return nil
}
