package storage

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T) *Database {
	t.Helper()
	log, _ := test.NewNullLogger()
	db, err := NewDatabase(filepath.Join(t.TempDir(), "data", "foresync.db"), log)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestLoginAttempts(t *testing.T) {
	db := openTestDB(t)

	for i, outcome := range []string{"bad_credentials", "bad_challenge", "success"} {
		a := &LoginAttempt{Username: "22BCE1001", SessionID: "s1", Attempt: i + 1, Challenge: "text", Outcome: outcome, DurationMS: 1500}
		require.NoError(t, db.SaveLoginAttempt(a))
		assert.NotZero(t, a.ID)
	}
	require.NoError(t, db.SaveLoginAttempt(&LoginAttempt{Username: "other", Attempt: 1, Outcome: "timeout"}))

	got, err := db.GetLoginAttempts("22BCE1001", 10)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "success", got[0].Outcome)
	assert.Equal(t, 3, got[0].Attempt)
	assert.Equal(t, "bad_credentials", got[2].Outcome)
	assert.Equal(t, int64(1500), got[2].DurationMS)
	assert.WithinDuration(t, time.Now(), got[0].CreatedAt, time.Minute)

	limited, err := db.GetLoginAttempts("22BCE1001", 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestSnapshotRecords(t *testing.T) {
	db := openTestDB(t)

	rec, err := db.GetLatestSnapshot("22BCE1001")
	require.NoError(t, err)
	assert.Nil(t, rec)

	require.NoError(t, db.SaveSnapshotRecord(&SnapshotRecord{Username: "22BCE1001", URL: "https://x/vtop/content", Path: "/tmp/a/session.json", CookieCount: 2}))
	require.NoError(t, db.SaveSnapshotRecord(&SnapshotRecord{Username: "22BCE1001", URL: "https://x/vtop/content", Path: "/tmp/b/session.json", CookieCount: 3}))

	rec, err = db.GetLatestSnapshot("22BCE1001")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "/tmp/b/session.json", rec.Path)
	assert.Equal(t, 3, rec.CookieCount)
}

func TestExtractionsAndStats(t *testing.T) {
	db := openTestDB(t)

	require.NoError(t, db.SaveLoginAttempt(&LoginAttempt{Username: "u", Attempt: 1, Outcome: "bad_credentials"}))
	require.NoError(t, db.SaveLoginAttempt(&LoginAttempt{Username: "u", Attempt: 2, Outcome: "success"}))
	require.NoError(t, db.SaveExtraction(&Extraction{SessionID: "s1", Kind: "timetable", Status: "ok", Path: "timetable.png"}))
	require.NoError(t, db.SaveExtraction(&Extraction{SessionID: "s1", Kind: "calendar", Status: "failed", Detail: "no month controls"}))
	require.NoError(t, db.SaveExtraction(&Extraction{SessionID: "s2", Kind: "attendance", Status: "ok"}))

	exs, err := db.GetExtractions("s1")
	require.NoError(t, err)
	require.Len(t, exs, 2)
	assert.Equal(t, "timetable", exs[0].Kind)
	assert.Equal(t, "no month controls", exs[1].Detail)

	stats, err := db.GetDailyStats(time.Now())
	require.NoError(t, err)
	assert.Equal(t, 2, stats["login_attempts"])
	assert.Equal(t, 1, stats["logins_succeeded"])
	assert.Equal(t, 1, stats["credentials_rejected"])
	assert.Equal(t, 0, stats["challenges_rejected"])
	assert.Equal(t, 2, stats["extractions"])

	old, err := db.GetDailyStats(time.Now().AddDate(0, 0, -3))
	require.NoError(t, err)
	assert.Zero(t, old["login_attempts"])
}

func TestExportData(t *testing.T) {
	db := openTestDB(t)
	require.NoError(t, db.SaveLoginAttempt(&LoginAttempt{Username: "u", Attempt: 1, Outcome: "success"}))
	require.NoError(t, db.SaveSnapshotRecord(&SnapshotRecord{Username: "u", Path: "p"}))
	require.NoError(t, db.SaveExtraction(&Extraction{SessionID: "s", Kind: "courses", Status: "ok"}))

	data, err := db.ExportData()
	require.NoError(t, err)
	assert.Len(t, data["login_attempts"], 1)
	assert.Len(t, data["snapshots"], 1)
	assert.Len(t, data["extractions"], 1)
}
