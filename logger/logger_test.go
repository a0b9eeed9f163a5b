package logger

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/natefinch/lumberjack.v2"
)

func TestNewFileOutputRotates(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "foresync.log")

	l, err := New("debug", "json", path, 10, 2, 7)
	require.NoError(t, err)

	rot, ok := l.Out.(*lumberjack.Logger)
	require.True(t, ok, "file output goes through lumberjack")
	assert.Equal(t, 10, rot.MaxSize)
	assert.Equal(t, 2, rot.MaxBackups)
	assert.Equal(t, 7, rot.MaxAge)

	l.WithField("session_id", "abc").Info("Login successful")
	require.NoError(t, rot.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var entry map[string]any
	require.NoError(t, json.Unmarshal(data, &entry))
	assert.Equal(t, "Login successful", entry["msg"])
	assert.Equal(t, "abc", entry["session_id"])
	assert.Equal(t, "info", entry["level"])
}

func TestNewFallsBackToInfo(t *testing.T) {
	l, err := New("loud", "text", "stderr", 0, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, logrus.InfoLevel, l.GetLevel())
	assert.Equal(t, os.Stderr, l.Out)
	assert.IsType(t, &logrus.TextFormatter{}, l.Formatter)
}

func TestGetLoggerInitializesDefault(t *testing.T) {
	saved := Logger
	t.Cleanup(func() { Logger = saved })

	Logger = nil
	l := GetLogger()
	require.NotNil(t, l)
	assert.Same(t, l, GetLogger())
	assert.IsType(t, &logrus.JSONFormatter{}, l.Formatter)
}

func TestPackageHelpersUseGlobalLogger(t *testing.T) {
	saved := Logger
	t.Cleanup(func() { Logger = saved })

	var hook *test.Hook
	Logger, hook = test.NewNullLogger()

	Info("No saved session, logging in")
	Warn("Saved session expired, logging in again")
	WithField("path", "out.json").Info("History exported")
	WithFields(logrus.Fields{"addr": ":8000", "headless": true}).Info("Starting backend")
	WithError(errors.New("disk full")).Warn("Snapshot not saved")

	entries := hook.AllEntries()
	require.Len(t, entries, 5)

	assert.Equal(t, logrus.InfoLevel, entries[0].Level)
	assert.Equal(t, "No saved session, logging in", entries[0].Message)
	assert.Equal(t, logrus.WarnLevel, entries[1].Level)
	assert.Equal(t, "out.json", entries[2].Data["path"])
	assert.Equal(t, ":8000", entries[3].Data["addr"])
	assert.Equal(t, true, entries[3].Data["headless"])
	assert.Equal(t, logrus.WarnLevel, entries[4].Level)
	assert.EqualError(t, entries[4].Data[logrus.ErrorKey].(error), "disk full")
}
