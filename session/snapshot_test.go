package session

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"foresync/browser"
	"foresync/browser/browsertest"
)

var portalCookies = []browser.Cookie{
	{Name: "SERVERID", Value: "s1", Domain: "vtopcc.vit.ac.in", Path: "/"},
	{Name: "JSESSIONID", Value: "ABC123", Domain: "vtopcc.vit.ac.in", Path: "/vtop", HTTPOnly: true, Secure: true},
}

func TestNewSnapshot(t *testing.T) {
	now := time.Date(2025, 7, 14, 9, 30, 15, 500, time.FixedZone("IST", 19800))
	snap := NewSnapshot("https://vtopcc.vit.ac.in/vtop/content", "22BCE1001", portalCookies, now)

	assert.Equal(t, "JSESSIONID=ABC123; SERVERID=s1", snap.CookieString)
	assert.Equal(t, map[string]string{"JSESSIONID": "ABC123", "SERVERID": "s1"}, snap.Cookies)
	assert.Equal(t, portalCookies, snap.Raw)
	assert.Equal(t, time.UTC, snap.SavedAt.Location())
	assert.Zero(t, snap.SavedAt.Nanosecond())
}

func TestStoreRoundTrip(t *testing.T) {
	store := NewStore(filepath.Join(t.TempDir(), "sessions"))
	snap := NewSnapshot("https://vtopcc.vit.ac.in/vtop/content", "22BCE1001", portalCookies, time.Now())

	path, err := store.Save(snap)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(store.Dir(), "session.json"), path)

	got, err := store.Load()
	require.NoError(t, err)
	assert.Equal(t, snap.URL, got.URL)
	assert.Equal(t, snap.Username, got.Username)
	assert.Equal(t, snap.CookieString, got.CookieString)
	assert.Equal(t, snap.Cookies, got.Cookies)
	assert.Equal(t, snap.Raw, got.Raw)
	assert.True(t, snap.SavedAt.Equal(got.SavedAt))

	raw, err := os.ReadFile(filepath.Join(store.Dir(), "cookies.json"))
	require.NoError(t, err)
	var cookies []browser.Cookie
	require.NoError(t, json.Unmarshal(raw, &cookies))
	assert.Equal(t, portalCookies, cookies)
}

func TestStoreSaveReplaces(t *testing.T) {
	store := NewStore(t.TempDir())
	_, err := store.Save(NewSnapshot("https://a", "u1", portalCookies, time.Now()))
	require.NoError(t, err)
	_, err = store.Save(NewSnapshot("https://b", "u2", portalCookies[:1], time.Now()))
	require.NoError(t, err)

	got, err := store.Load()
	require.NoError(t, err)
	assert.Equal(t, "u2", got.Username)
	assert.Len(t, got.Raw, 1)

	entries, err := os.ReadDir(store.Dir())
	require.NoError(t, err)
	assert.Len(t, entries, 2, "temp files are cleaned up")
}

func TestStoreLoadMissing(t *testing.T) {
	_, err := NewStore(t.TempDir()).Load()
	assert.ErrorIs(t, err, ErrNoSnapshot)
}

func TestStoreLoadCorrupt(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "session.json"), []byte("{"), 0600))
	_, err := NewStore(dir).Load()
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNoSnapshot)
}

func TestCaptureAndApply(t *testing.T) {
	page := browsertest.New("https://vtopcc.vit.ac.in/vtop/content", "")
	require.NoError(t, page.SetCookies(portalCookies))

	snap, err := Capture(page, "22BCE1001")
	require.NoError(t, err)
	assert.Equal(t, "https://vtopcc.vit.ac.in/vtop/content", snap.URL)
	assert.Equal(t, "ABC123", snap.Cookies["JSESSIONID"])

	fresh := browsertest.New("about:blank", "")
	require.NoError(t, Apply(fresh, snap))
	restored, err := fresh.Cookies()
	require.NoError(t, err)
	assert.Equal(t, portalCookies, restored)

	assert.Error(t, Apply(fresh, &Snapshot{}))
}

func TestCaptureFailure(t *testing.T) {
	page := browsertest.New("https://x", "")
	page.SetFailing(true)
	_, err := Capture(page, "u")
	assert.Error(t, err)
}
